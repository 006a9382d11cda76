package dispute

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/ledger-hub/ledger-hub/internal/domain/channel"
)

// ChallengerStage is the challenger's position in the dispute.
type ChallengerStage int

const (
	ApproveChallenge ChallengerStage = iota
	WaitForChallengeInitiation
	WaitForChallengeSubmission
	WaitForChallengeConfirmation
	WaitForResponseOrTimeout
	ChallengeTransactionFailed
	AcknowledgeChallengeResponse
	AcknowledgeChallengeTimeout
	AcknowledgeFailure
	ChallengerSuccessOpen
	ChallengerApproveWithdrawal
	ChallengerFailure
)

func (s ChallengerStage) String() string {
	switch s {
	case ApproveChallenge:
		return "ApproveChallenge"
	case WaitForChallengeInitiation:
		return "WaitForChallengeInitiation"
	case WaitForChallengeSubmission:
		return "WaitForChallengeSubmission"
	case WaitForChallengeConfirmation:
		return "WaitForChallengeConfirmation"
	case WaitForResponseOrTimeout:
		return "WaitForResponseOrTimeout"
	case ChallengeTransactionFailed:
		return "ChallengeTransactionFailed"
	case AcknowledgeChallengeResponse:
		return "AcknowledgeChallengeResponse"
	case AcknowledgeChallengeTimeout:
		return "AcknowledgeChallengeTimeout"
	case AcknowledgeFailure:
		return "AcknowledgeFailure"
	case ChallengerSuccessOpen:
		return "SuccessOpen"
	case ChallengerApproveWithdrawal:
		return "ApproveWithdrawal"
	case ChallengerFailure:
		return "Failure"
	default:
		return "Unknown"
	}
}

// Terminal reports whether the challenger has handed control back.
func (s ChallengerStage) Terminal() bool {
	return s == ChallengerSuccessOpen || s == ChallengerApproveWithdrawal || s == ChallengerFailure
}

// FailureReason explains an AcknowledgeFailure stage.
type FailureReason string

const (
	ReasonChannelDoesntExist   FailureReason = "ChannelDoesntExist"
	ReasonNotFullyOpen         FailureReason = "NotFullyOpen"
	ReasonAlreadyHaveLatest    FailureReason = "AlreadyHaveLatest"
	ReasonLatestWhileApproving FailureReason = "LatestWhileApproving"
	ReasonDeclinedByUser       FailureReason = "DeclinedByUser"
)

// Challenger drives a force-move we initiate.
type Challenger struct {
	ChannelID common.Hash
	OurIndex  int

	stage     ChallengerStage
	reason    FailureReason
	tx        *channel.TransactionRequest
	expiresAt uint64
	response  *channel.SignedState
}

// NewChallenger checks that a challenge makes sense for the held states,
// oldest first, and starts at ApproveChallenge or AcknowledgeFailure.
func NewChallenger(channelID common.Hash, held []channel.SignedState, ourIndex int) *Challenger {
	c := &Challenger{ChannelID: channelID, OurIndex: ourIndex, stage: ApproveChallenge}
	if reason, ok := challengeBlocked(held, ourIndex); ok {
		c.fail(reason)
	}
	return c
}

func challengeBlocked(held []channel.SignedState, ourIndex int) (FailureReason, bool) {
	if len(held) == 0 {
		return ReasonChannelDoesntExist, true
	}
	last := held[len(held)-1].State
	n := len(last.Channel.Participants)
	if !fullyOpen(last) {
		return ReasonNotFullyOpen, true
	}
	if channel.OurTurn(ourIndex, last.TurnNum, n) {
		return ReasonAlreadyHaveLatest, true
	}
	return "", false
}

func fullyOpen(s channel.State) bool {
	n := uint64(len(s.Channel.Participants))
	return n > 0 && s.TurnNum+1 >= 2*n
}

func (c *Challenger) Stage() ChallengerStage         { return c.stage }
func (c *Challenger) Reason() FailureReason          { return c.reason }
func (c *Challenger) ExpiresAt() uint64              { return c.expiresAt }
func (c *Challenger) Response() *channel.SignedState { return c.response }

// Transaction returns the force-move request once approved.
func (c *Challenger) Transaction() *channel.TransactionRequest { return c.tx }

// Approve builds the force-move from the latest held states. A state that
// arrived while approving makes the challenge unnecessary.
func (c *Challenger) Approve(held []channel.SignedState) *channel.TransactionRequest {
	if c.stage != ApproveChallenge {
		return nil
	}
	if reason, ok := challengeBlocked(held, c.OurIndex); ok {
		if reason == ReasonAlreadyHaveLatest {
			reason = ReasonLatestWhileApproving
		}
		c.fail(reason)
		return nil
	}
	states := held
	if len(states) > 2 {
		states = states[len(states)-2:]
	}
	copied := make([]channel.SignedState, len(states))
	copy(copied, states)
	c.tx = &channel.TransactionRequest{Kind: channel.TxForceMove, ChannelID: c.ChannelID, States: copied}
	c.stage = WaitForChallengeInitiation
	return c.tx
}

// Deny declines the challenge.
func (c *Challenger) Deny() bool {
	if c.stage != ApproveChallenge {
		return false
	}
	c.fail(ReasonDeclinedByUser)
	return true
}

func (c *Challenger) TransactionSent() bool {
	return c.move(WaitForChallengeInitiation, WaitForChallengeSubmission)
}

func (c *Challenger) TransactionApproved() bool {
	return c.move(WaitForChallengeSubmission, WaitForChallengeConfirmation)
}

func (c *Challenger) TransactionConfirmed() bool {
	if c.stage == WaitForChallengeSubmission {
		c.stage = WaitForResponseOrTimeout
		return true
	}
	return c.move(WaitForChallengeConfirmation, WaitForResponseOrTimeout)
}

// TransactionFailed handles a submission failure before confirmation.
func (c *Challenger) TransactionFailed() bool {
	switch c.stage {
	case WaitForChallengeInitiation, WaitForChallengeSubmission, WaitForChallengeConfirmation:
		c.stage = ChallengeTransactionFailed
		return true
	}
	return false
}

// Retry re-issues the stored force-move unchanged.
func (c *Challenger) Retry() *channel.TransactionRequest {
	if c.stage != ChallengeTransactionFailed {
		return nil
	}
	c.stage = WaitForChallengeInitiation
	return c.tx
}

// ChallengeCreated records the expiry reported by the adjudicator.
func (c *Challenger) ChallengeCreated(expiresAt uint64) bool {
	switch c.stage {
	case WaitForChallengeSubmission, WaitForChallengeConfirmation, WaitForResponseOrTimeout:
		c.expiresAt = expiresAt
		return true
	}
	return false
}

// ResponseReceived ends the dispute with the opponent's move.
func (c *Challenger) ResponseReceived(response channel.SignedState) bool {
	if c.stage != WaitForResponseOrTimeout {
		return false
	}
	r := response
	c.response = &r
	c.stage = AcknowledgeChallengeResponse
	return true
}

// BlockMined moves to AcknowledgeChallengeTimeout the first time a block at or
// after the expiry is seen.
func (c *Challenger) BlockMined(timestamp uint64) bool {
	if c.stage != WaitForResponseOrTimeout || c.expiresAt == 0 || timestamp < c.expiresAt {
		return false
	}
	c.stage = AcknowledgeChallengeTimeout
	return true
}

// Acknowledge closes whichever acknowledgement stage is showing.
func (c *Challenger) Acknowledge() bool {
	switch c.stage {
	case AcknowledgeChallengeResponse:
		c.stage = ChallengerSuccessOpen
	case AcknowledgeChallengeTimeout:
		c.stage = ChallengerApproveWithdrawal
	case AcknowledgeFailure:
		c.stage = ChallengerFailure
	default:
		return false
	}
	return true
}

func (c *Challenger) fail(reason FailureReason) {
	c.reason = reason
	c.stage = AcknowledgeFailure
}

func (c *Challenger) move(from, to ChallengerStage) bool {
	if c.stage != from {
		return false
	}
	c.stage = to
	return true
}
