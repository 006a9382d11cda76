package channel

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// TransactionKind names an adjudicator call.
type TransactionKind string

const (
	TxDeposit   TransactionKind = "DEPOSIT"
	TxForceMove TransactionKind = "FORCE_MOVE"
	TxRespond   TransactionKind = "RESPOND"
	TxConclude  TransactionKind = "CONCLUDE"
	TxWithdraw  TransactionKind = "WITHDRAW"
)

// TransactionRequest is a chain call queued for an external sender. Retries
// must resubmit the same value.
type TransactionRequest struct {
	Kind         TransactionKind `json:"kind"`
	ChannelID    common.Hash     `json:"channelId"`
	AssetHolder  common.Address  `json:"assetHolder,omitempty"`
	ExpectedHeld *big.Int        `json:"expectedHeld,omitempty"`
	Value        *big.Int        `json:"value,omitempty"`
	States       []SignedState   `json:"states,omitempty"`
}
