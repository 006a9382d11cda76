package protocol

import (
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	"github.com/ledger-hub/ledger-hub/internal/domain/channel"
)

// MessageType defines the relayable actions the hub understands.
type MessageType string

const (
	TypeChannelOpen              MessageType = "CHANNEL_OPEN"
	TypeChannelJoined            MessageType = "CHANNEL_JOINED"
	TypeSignedStatesReceived     MessageType = "SIGNED_STATES_RECEIVED"
	TypeStrategyProposed         MessageType = "STRATEGY_PROPOSED"
	TypeStrategyApproved         MessageType = "STRATEGY_APPROVED"
	TypeCloseLedgerChannel       MessageType = "CLOSE_LEDGER_CHANNEL"
	TypeMultipleRelayableActions MessageType = "MULTIPLE_RELAYABLE_ACTIONS"
)

var validTypes = map[MessageType]struct{}{
	TypeChannelOpen:              {},
	TypeChannelJoined:            {},
	TypeSignedStatesReceived:     {},
	TypeStrategyProposed:         {},
	TypeStrategyApproved:         {},
	TypeCloseLedgerChannel:       {},
	TypeMultipleRelayableActions: {},
}

// Message is the relay envelope exchanged between participants through the hub.
type Message struct {
	MessageID       uuid.UUID       `json:"messageId"`
	Type            MessageType     `json:"type"`
	ProcessID       string          `json:"processId,omitempty"`
	ProtocolLocator string          `json:"protocolLocator,omitempty"`
	Sender          common.Address  `json:"sender"`
	Recipient       common.Address  `json:"recipient"`
	Data            json.RawMessage `json:"data"`
	Signature       hexutil.Bytes   `json:"signature,omitempty"` // optional sender signature over CanonicalBytes
}

type messageSignable struct {
	MessageID       uuid.UUID       `json:"messageId"`
	Type            MessageType     `json:"type"`
	ProcessID       string          `json:"processId,omitempty"`
	ProtocolLocator string          `json:"protocolLocator,omitempty"`
	Sender          common.Address  `json:"sender"`
	Recipient       common.Address  `json:"recipient"`
	Data            json.RawMessage `json:"data"`
}

// New builds a message with a fresh id and the payload encoded as Data.
func New(typ MessageType, processID string, sender, recipient common.Address, payload any) (Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s payload: %w", typ, err)
	}
	return Message{
		MessageID: uuid.New(),
		Type:      typ,
		ProcessID: processID,
		Sender:    sender,
		Recipient: recipient,
		Data:      raw,
	}, nil
}

// CanonicalBytes returns the deterministic signing payload.
func (m Message) CanonicalBytes() ([]byte, error) {
	return json.Marshal(messageSignable{
		MessageID:       m.MessageID,
		Type:            m.Type,
		ProcessID:       strings.TrimSpace(m.ProcessID),
		ProtocolLocator: strings.TrimSpace(m.ProtocolLocator),
		Sender:          m.Sender,
		Recipient:       m.Recipient,
		Data:            m.Data,
	})
}

// ValidateBasic checks required envelope fields.
func (m Message) ValidateBasic() error {
	if _, ok := validTypes[m.Type]; !ok {
		return fmt.Errorf("unsupported message type: %s", m.Type)
	}
	if m.Sender == (common.Address{}) {
		return errors.New("sender is required")
	}
	if len(m.Data) == 0 {
		return errors.New("data is required")
	}
	return nil
}

// Sign sets the sender and signature for the given key.
func (m *Message) Sign(key *ecdsa.PrivateKey) error {
	if key == nil {
		return errors.New("invalid private key")
	}
	m.Sender = crypto.PubkeyToAddress(key.PublicKey)
	payload, err := m.CanonicalBytes()
	if err != nil {
		return err
	}
	sig, err := crypto.Sign(crypto.Keccak256(payload), key)
	if err != nil {
		return fmt.Errorf("sign message: %w", err)
	}
	m.Signature = sig
	return nil
}

// Verify checks that Signature, when present, was produced by Sender.
func (m Message) Verify() error {
	if err := m.ValidateBasic(); err != nil {
		return err
	}
	if len(m.Signature) == 0 {
		return nil
	}
	if len(m.Signature) != crypto.SignatureLength {
		return errors.New("invalid signature size")
	}
	payload, err := m.CanonicalBytes()
	if err != nil {
		return err
	}
	pub, err := crypto.SigToPub(crypto.Keccak256(payload), m.Signature)
	if err != nil {
		return fmt.Errorf("invalid signature: %w", err)
	}
	if crypto.PubkeyToAddress(*pub) != m.Sender {
		return errors.New("signature verification failed")
	}
	return nil
}

// DecodePayload decodes message payloads.
func DecodePayload[T any](raw json.RawMessage) (T, error) {
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, err
	}
	return out, nil
}

// ChannelOpenPayload carries the opener's pre-fund state.
type ChannelOpenPayload struct {
	SignedState channel.SignedState `json:"signedState"`
}

// ChannelJoinedPayload carries a joiner's pre-fund state.
type ChannelJoinedPayload struct {
	SignedState channel.SignedState `json:"signedState"`
}

// SignedStatesReceivedPayload carries one round of states.
type SignedStatesReceivedPayload struct {
	SignedStates []channel.SignedState `json:"signedStates"`
}

type StrategyProposedPayload struct {
	Strategy string `json:"strategy"`
}

type StrategyApprovedPayload struct {
	Strategy string `json:"strategy"`
}

type CloseLedgerChannelPayload struct {
	ChannelID common.Hash `json:"channelId"`
}

// MultipleRelayableActionsPayload bundles messages handled in order.
type MultipleRelayableActionsPayload struct {
	Actions []Message `json:"actions"`
}
