package channel

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrChannelExists     = errors.New("channel exists")
	ErrChannelMissing    = errors.New("channel missing")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrValueLost         = errors.New("value lost")
	ErrStateNotSigned    = errors.New("state not signed")
	ErrNotOurTurn        = errors.New("not our turn")
	ErrProcessMissing    = errors.New("process missing")
)

// Code is the wire name of a protocol error.
type Code string

const (
	CodeChannelExists     Code = "CHANNEL_EXISTS"
	CodeChannelMissing    Code = "CHANNEL_MISSING"
	CodeInvalidTransition Code = "INVALID_TRANSITION"
	CodeValueLost         Code = "VALUE_LOST"
	CodeStateNotSigned    Code = "STATE_NOT_SIGNED"
	CodeNotOurTurn        Code = "NOT_OUR_TURN"
	CodeProcessMissing    Code = "PROCESS_MISSING"
)

var codeOf = map[error]Code{
	ErrChannelExists:     CodeChannelExists,
	ErrChannelMissing:    CodeChannelMissing,
	ErrInvalidTransition: CodeInvalidTransition,
	ErrValueLost:         CodeValueLost,
	ErrStateNotSigned:    CodeStateNotSigned,
	ErrNotOurTurn:        CodeNotOurTurn,
	ErrProcessMissing:    CodeProcessMissing,
}

// ProtocolError ties a taxonomy sentinel to the channel and turn that raised it.
type ProtocolError struct {
	Code      Code
	ChannelID common.Hash
	TurnNum   uint64
	err       error
}

// NewProtocolError wraps one of the package sentinels.
func NewProtocolError(sentinel error, channelID common.Hash, turnNum uint64) *ProtocolError {
	return &ProtocolError{Code: codeOf[sentinel], ChannelID: channelID, TurnNum: turnNum, err: sentinel}
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: channel %s turn %d", e.err, e.ChannelID.Hex(), e.TurnNum)
}

func (e *ProtocolError) Unwrap() error { return e.err }

// CodeFor extracts the protocol code of err, if any.
func CodeFor(err error) (Code, bool) {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe.Code, true
	}
	for sentinel, code := range codeOf {
		if errors.Is(err, sentinel) {
			return code, true
		}
	}
	return "", false
}
