package channel

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Channel identifies one off-chain ledger instance.
type Channel struct {
	Participants  []common.Address `json:"participants"`
	ChannelNonce  uint64           `json:"channelNonce"`
	ChainID       *big.Int         `json:"chainId"`
	AppDefinition common.Address   `json:"appDefinition"`
}

var (
	uint256Type, _   = abi.NewType("uint256", "", nil)
	addressType, _   = abi.NewType("address", "", nil)
	addressesType, _ = abi.NewType("address[]", "", nil)

	channelIDArgs = abi.Arguments{
		{Name: "chainId", Type: uint256Type},
		{Name: "participants", Type: addressesType},
		{Name: "channelNonce", Type: uint256Type},
		{Name: "appDefinition", Type: addressType},
	}
)

// ID derives the channel id: keccak256(abi.encode(chainId, participants, channelNonce, appDefinition)).
func (c Channel) ID() common.Hash {
	chainID := c.ChainID
	if chainID == nil {
		chainID = new(big.Int)
	}
	participants := c.Participants
	if participants == nil {
		participants = []common.Address{}
	}
	encoded, err := channelIDArgs.Pack(chainID, participants, new(big.Int).SetUint64(c.ChannelNonce), c.AppDefinition)
	if err != nil {
		// Pack only fails on type mismatches, which the field types rule out.
		panic(fmt.Sprintf("channel id encoding: %v", err))
	}
	return crypto.Keccak256Hash(encoded)
}

// ChannelID is the free-function form of Channel.ID.
func ChannelID(c Channel) common.Hash {
	return c.ID()
}

// NumParticipants returns n.
func (c Channel) NumParticipants() int {
	return len(c.Participants)
}

// IndexOf returns the participant index of addr, or -1.
func (c Channel) IndexOf(addr common.Address) int {
	for i, p := range c.Participants {
		if p == addr {
			return i
		}
	}
	return -1
}

// Equal reports whether both channels carry identical fields.
func (c Channel) Equal(other Channel) bool {
	if c.ChannelNonce != other.ChannelNonce || c.AppDefinition != other.AppDefinition {
		return false
	}
	if bigOrZero(c.ChainID).Cmp(bigOrZero(other.ChainID)) != 0 {
		return false
	}
	if len(c.Participants) != len(other.Participants) {
		return false
	}
	for i := range c.Participants {
		if c.Participants[i] != other.Participants[i] {
			return false
		}
	}
	return true
}

// Validate checks the participant list.
func (c Channel) Validate() error {
	if len(c.Participants) < 2 {
		return errors.New("a channel needs at least two participants")
	}
	seen := make(map[common.Address]struct{}, len(c.Participants))
	for _, p := range c.Participants {
		if p == (common.Address{}) {
			return errors.New("participant address is zero")
		}
		if _, dup := seen[p]; dup {
			return fmt.Errorf("duplicate participant %s", p.Hex())
		}
		seen[p] = struct{}{}
	}
	return nil
}

// Clone returns a deep copy.
func (c Channel) Clone() Channel {
	out := c
	out.Participants = append([]common.Address(nil), c.Participants...)
	if c.ChainID != nil {
		out.ChainID = new(big.Int).Set(c.ChainID)
	}
	return out
}

// ParticipantsKey serializes a participant set canonically (lower-cased, in channel order).
func ParticipantsKey(participants []common.Address) string {
	parts := make([]string, len(participants))
	for i, p := range participants {
		parts[i] = strings.ToLower(p.Hex())
	}
	return strings.Join(parts, ",")
}

// AddressDestination left-pads an address into an outcome destination.
func AddressDestination(addr common.Address) common.Hash {
	return common.BytesToHash(addr.Bytes())
}

func bigOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
