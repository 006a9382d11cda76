package dispute

import (
	"errors"

	"github.com/ledger-hub/ledger-hub/internal/domain/channel"
)

// ResponderStage is the challengee's position in the dispute.
type ResponderStage int

const (
	ChooseResponse ResponderStage = iota
	TakeMoveInApp
	InitiateResponse
	WaitForResponseSubmission
	WaitForResponseConfirmation
	ResponseTransactionFailed
	AcknowledgeChallengeComplete
	ChallengeeAcknowledgeChallengeTimeout
	ResponderSuccess
	ResponderApproveWithdrawal
)

func (s ResponderStage) String() string {
	switch s {
	case ChooseResponse:
		return "ChooseResponse"
	case TakeMoveInApp:
		return "TakeMoveInApp"
	case InitiateResponse:
		return "InitiateResponse"
	case WaitForResponseSubmission:
		return "WaitForResponseSubmission"
	case WaitForResponseConfirmation:
		return "WaitForResponseConfirmation"
	case ResponseTransactionFailed:
		return "ResponseTransactionFailed"
	case AcknowledgeChallengeComplete:
		return "AcknowledgeChallengeComplete"
	case ChallengeeAcknowledgeChallengeTimeout:
		return "ChallengeeAcknowledgeChallengeTimeout"
	case ResponderSuccess:
		return "Success"
	case ResponderApproveWithdrawal:
		return "ApproveWithdrawal"
	default:
		return "Unknown"
	}
}

// Terminal reports whether the responder has handed control back.
func (s ResponderStage) Terminal() bool {
	return s == ResponderSuccess || s == ResponderApproveWithdrawal
}

// ResponseKind is how the challengee answers.
type ResponseKind int

const (
	RespondNewMove ResponseKind = iota
	RespondExistingMove
)

var ErrInvalidResponse = errors.New("response does not follow the challenge state")

// Responder answers a challenge raised against us.
type Responder struct {
	Challenge Challenge

	stage    ResponderStage
	existing *channel.SignedState
	tx       *channel.TransactionRequest
}

// NewResponder picks the response kind: a held state at challenge turn+1 must
// be reused verbatim.
func NewResponder(c Challenge, held []channel.SignedState) *Responder {
	r := &Responder{Challenge: c, stage: ChooseResponse}
	for i := range held {
		if held[i].State.TurnNum == c.ChallengeState.TurnNum+1 && held[i].State.Channel.Equal(c.ChallengeState.Channel) {
			ss := held[i]
			r.existing = &ss
			break
		}
	}
	return r
}

func (r *Responder) Stage() ResponderStage                    { return r.stage }
func (r *Responder) Transaction() *channel.TransactionRequest { return r.tx }

// Kind reports which response is available.
func (r *Responder) Kind() ResponseKind {
	if r.existing != nil {
		return RespondExistingMove
	}
	return RespondNewMove
}

// Existing returns the held response state, if any.
func (r *Responder) Existing() *channel.SignedState { return r.existing }

// RespondWithExistingMove submits the held state.
func (r *Responder) RespondWithExistingMove() *channel.TransactionRequest {
	if r.stage != ChooseResponse || r.existing == nil {
		return nil
	}
	return r.initiate(*r.existing)
}

// RespondWithNewMove asks the application for a move. It is refused when an
// existing response is held, since signing a second state at that turn would
// conflict with it.
func (r *Responder) RespondWithNewMove() bool {
	if r.stage != ChooseResponse || r.existing != nil {
		return false
	}
	r.stage = TakeMoveInApp
	return true
}

// MoveTaken submits the application's freshly signed move.
func (r *Responder) MoveTaken(move channel.SignedState) (*channel.TransactionRequest, error) {
	if r.stage != TakeMoveInApp {
		return nil, nil
	}
	if !move.Valid() {
		return nil, channel.ErrStateNotSigned
	}
	if !channel.ValidTransition(r.Challenge.ChallengeState, move.State) {
		return nil, ErrInvalidResponse
	}
	return r.initiate(move), nil
}

func (r *Responder) initiate(move channel.SignedState) *channel.TransactionRequest {
	r.tx = &channel.TransactionRequest{
		Kind:      channel.TxRespond,
		ChannelID: r.Challenge.ChannelID,
		States:    []channel.SignedState{move},
	}
	r.stage = InitiateResponse
	return r.tx
}

func (r *Responder) TransactionSent() bool {
	return r.move(InitiateResponse, WaitForResponseSubmission)
}

func (r *Responder) TransactionApproved() bool {
	return r.move(WaitForResponseSubmission, WaitForResponseConfirmation)
}

func (r *Responder) TransactionConfirmed() bool {
	if r.stage == WaitForResponseSubmission {
		r.stage = AcknowledgeChallengeComplete
		return true
	}
	return r.move(WaitForResponseConfirmation, AcknowledgeChallengeComplete)
}

func (r *Responder) TransactionFailed() bool {
	switch r.stage {
	case InitiateResponse, WaitForResponseSubmission, WaitForResponseConfirmation:
		r.stage = ResponseTransactionFailed
		return true
	}
	return false
}

// Retry re-issues the stored response unchanged.
func (r *Responder) Retry() *channel.TransactionRequest {
	if r.stage != ResponseTransactionFailed {
		return nil
	}
	r.stage = InitiateResponse
	return r.tx
}

// ChallengeCreated refreshes the expiry when the adjudicator re-reports the challenge.
func (r *Responder) ChallengeCreated(expiresAt uint64) {
	if r.beforeConfirmation() {
		r.Challenge.ExpiresAt = expiresAt
	}
}

// BlockMined short-circuits to the timeout acknowledgement if the window
// closed before our response was confirmed.
func (r *Responder) BlockMined(timestamp uint64) bool {
	if !r.beforeConfirmation() || !r.Challenge.Expired(timestamp) {
		return false
	}
	r.stage = ChallengeeAcknowledgeChallengeTimeout
	return true
}

func (r *Responder) Acknowledge() bool {
	switch r.stage {
	case AcknowledgeChallengeComplete:
		r.stage = ResponderSuccess
	case ChallengeeAcknowledgeChallengeTimeout:
		r.stage = ResponderApproveWithdrawal
	default:
		return false
	}
	return true
}

func (r *Responder) beforeConfirmation() bool {
	return r.stage <= ResponseTransactionFailed
}

func (r *Responder) move(from, to ResponderStage) bool {
	if r.stage != from {
		return false
	}
	r.stage = to
	return true
}
