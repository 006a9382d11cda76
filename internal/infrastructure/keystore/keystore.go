package keystore

import (
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/scrypt"
)

var (
	ErrKeyNotConfigured = errors.New("signing key not configured")
	ErrWrongPassphrase  = errors.New("wrong passphrase or corrupted key file")
)

const (
	fileVersion = 1
	scryptN     = 1 << 15
	scryptR     = 8
	scryptP     = 1
	saltLen     = 32
)

// Source selects where the hub's signing key comes from. A hex key wins over a file.
type Source struct {
	HexKey     string
	File       string
	Passphrase string
}

// Load resolves the signing key described by src.
func Load(src Source) (*ecdsa.PrivateKey, error) {
	if strings.TrimSpace(src.HexKey) != "" {
		return FromHex(src.HexKey)
	}
	if src.File != "" {
		return LoadFile(src.File, []byte(src.Passphrase))
	}
	return nil, ErrKeyNotConfigured
}

// FromHex parses a 32-byte secp256k1 key, with or without 0x prefix.
func FromHex(raw string) (*ecdsa.PrivateKey, error) {
	raw = strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	key, err := crypto.HexToECDSA(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid signing key: %w", err)
	}
	return key, nil
}

type encryptedKey struct {
	Version    int            `json:"version"`
	Address    common.Address `json:"address"`
	N          int            `json:"n"`
	R          int            `json:"r"`
	P          int            `json:"p"`
	Salt       hexutil.Bytes  `json:"salt"`
	Nonce      hexutil.Bytes  `json:"nonce"`
	Ciphertext hexutil.Bytes  `json:"ciphertext"`
}

// Encrypt seals key under a scrypt-derived secretbox key.
func Encrypt(key *ecdsa.PrivateKey, passphrase []byte) ([]byte, error) {
	salt := make([]byte, saltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, err
	}
	var nonce [24]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, err
	}
	secret, err := deriveKey(passphrase, salt, scryptN, scryptR, scryptP)
	if err != nil {
		return nil, err
	}
	sealed := secretbox.Seal(nil, crypto.FromECDSA(key), &nonce, secret)
	return json.MarshalIndent(encryptedKey{
		Version:    fileVersion,
		Address:    crypto.PubkeyToAddress(key.PublicKey),
		N:          scryptN,
		R:          scryptR,
		P:          scryptP,
		Salt:       salt,
		Nonce:      nonce[:],
		Ciphertext: sealed,
	}, "", "  ")
}

// Decrypt opens a key sealed by Encrypt and checks it matches the recorded address.
func Decrypt(data, passphrase []byte) (*ecdsa.PrivateKey, error) {
	var enc encryptedKey
	if err := json.Unmarshal(data, &enc); err != nil {
		return nil, fmt.Errorf("decode key file: %w", err)
	}
	if enc.Version != fileVersion {
		return nil, fmt.Errorf("unsupported key file version %d", enc.Version)
	}
	if len(enc.Nonce) != 24 {
		return nil, errors.New("invalid key file nonce")
	}
	secret, err := deriveKey(passphrase, enc.Salt, enc.N, enc.R, enc.P)
	if err != nil {
		return nil, err
	}
	var nonce [24]byte
	copy(nonce[:], enc.Nonce)
	plain, ok := secretbox.Open(nil, enc.Ciphertext, &nonce, secret)
	if !ok {
		return nil, ErrWrongPassphrase
	}
	key, err := crypto.ToECDSA(plain)
	if err != nil {
		return nil, fmt.Errorf("invalid key material: %w", err)
	}
	if crypto.PubkeyToAddress(key.PublicKey) != enc.Address {
		return nil, ErrWrongPassphrase
	}
	return key, nil
}

func LoadFile(path string, passphrase []byte) (*ecdsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	return Decrypt(data, passphrase)
}

// WriteFile encrypts key to path with owner-only permissions.
func WriteFile(path string, key *ecdsa.PrivateKey, passphrase []byte) error {
	data, err := Encrypt(key, passphrase)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func deriveKey(passphrase, salt []byte, n, r, p int) (*[32]byte, error) {
	raw, err := scrypt.Key(passphrase, salt, n, r, p, 32)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	var out [32]byte
	copy(out[:], raw)
	return &out, nil
}
