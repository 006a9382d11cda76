package lifecycle

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/ledger-hub/ledger-hub/internal/domain/channel"
)

// MessageKind tags an outbound message.
type MessageKind string

const (
	MessageCommitment      MessageKind = "COMMITMENT"
	MessageFundingDeclined MessageKind = "FUNDING_DECLINED"
	MessageFailure         MessageKind = "PROTOCOL_FAILURE"
)

// FailureReason classifies a rejected commitment.
type FailureReason string

const (
	SignatureFailure  FailureReason = "signatureFailure"
	ValidationFailure FailureReason = "validationFailure"
)

// ProtocolFailure tells a counterparty why its commitment was not accepted.
type ProtocolFailure struct {
	Reason    FailureReason `json:"reason"`
	ChannelID common.Hash   `json:"channelId"`
	TurnNum   uint64        `json:"turnNum"`
	Err       string        `json:"error,omitempty"`
}

// Message is an outbound relay message.
type Message struct {
	ID          uuid.UUID            `json:"id"`
	To          common.Address       `json:"to"`
	Kind        MessageKind          `json:"kind"`
	ChannelID   common.Hash          `json:"channelId"`
	SignedState *channel.SignedState `json:"signedState,omitempty"`
	Failure     *ProtocolFailure     `json:"failure,omitempty"`
}

// DisplayToggle asks the wallet UI to show or hide itself.
type DisplayToggle string

const (
	ShowWallet DisplayToggle = "SHOW"
	HideWallet DisplayToggle = "HIDE"
)

// Outbox accumulates side effects until drained.
type Outbox struct {
	Messages       []Message
	Transactions   []*channel.TransactionRequest
	DisplayToggles []DisplayToggle
}

// Empty reports whether nothing is queued.
func (o Outbox) Empty() bool {
	return len(o.Messages) == 0 && len(o.Transactions) == 0 && len(o.DisplayToggles) == 0
}
