package channel

import (
	"crypto/ecdsa"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// SignatureLength is the size of an r||s||v signature.
const SignatureLength = 65

var errBadSignatureLength = errors.New("signature must be 65 bytes")

// Signer produces signatures for one address.
type Signer interface {
	Address() common.Address
	SignState(s State) (SignedState, error)
}

// KeySigner signs states with an in-memory secp256k1 key.
type KeySigner struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

func NewKeySigner(key *ecdsa.PrivateKey) *KeySigner {
	return &KeySigner{key: key, addr: crypto.PubkeyToAddress(key.PublicKey)}
}

func (k *KeySigner) Address() common.Address { return k.addr }

func (k *KeySigner) SignState(s State) (SignedState, error) {
	return SignState(s, k.key)
}

func signingDigest(s State) ([]byte, error) {
	h, err := s.Hash()
	if err != nil {
		return nil, err
	}
	return accounts.TextHash(h.Bytes()), nil
}

// SignState signs the state hash under the Ethereum signed-message prefix.
// The returned v is 27 or 28.
func SignState(s State, key *ecdsa.PrivateKey) (SignedState, error) {
	if key == nil {
		return SignedState{}, errors.New("nil signing key")
	}
	digest, err := signingDigest(s)
	if err != nil {
		return SignedState{}, err
	}
	sig, err := crypto.Sign(digest, key)
	if err != nil {
		return SignedState{}, fmt.Errorf("sign state: %w", err)
	}
	sig[64] += 27
	return SignedState{State: s.Clone(), Signature: sig}, nil
}

// RecoverSigner returns the address that produced sig over s.
func RecoverSigner(s State, sig []byte) (common.Address, error) {
	if len(sig) != SignatureLength {
		return common.Address{}, errBadSignatureLength
	}
	digest, err := signingDigest(s)
	if err != nil {
		return common.Address{}, err
	}
	normalized := make([]byte, SignatureLength)
	copy(normalized, sig)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}
	pub, err := crypto.SigToPub(digest, normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover signer: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// ValidSignature reports whether sig was produced by Mover(s).
func ValidSignature(s State, sig []byte) bool {
	if len(sig) == 0 || len(s.Channel.Participants) == 0 {
		return false
	}
	signer, err := RecoverSigner(s, sig)
	if err != nil {
		return false
	}
	return signer == Mover(s)
}

// Valid is shorthand for ValidSignature(ss.State, ss.Signature).
func (ss SignedState) Valid() bool {
	return ValidSignature(ss.State, ss.Signature)
}
