package lifecycle

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ledger-hub/ledger-hub/internal/domain/channel"
)

// Action is one input to a Machine. The set is closed: only this package
// defines implementations.
type Action interface {
	isAction()
}

// OwnCommitmentCreated proposes a state for us to sign.
type OwnCommitmentCreated struct {
	State channel.State
}

// OpponentCommitmentReceived delivers another participant's signed state.
type OpponentCommitmentReceived struct {
	SignedState channel.SignedState
}

// FundingReceived reports observed holdings for one asset.
type FundingReceived struct {
	AssetHolder common.Address
	Holdings    *big.Int
}

// FundingDeclined is raised by our user, or relayed from an opponent.
type FundingDeclined struct {
	ByOpponent bool
}

type FundingSuccessAcknowledged struct{}
type FundingDeclinedAcknowledged struct{}
type ConcludeRequested struct{}
type ConcludeApproved struct{}
type CloseOnChainApproved struct{}
type TransactionSent struct{}
type TransactionApproved struct{}
type TransactionConfirmed struct{}
type RetryTransaction struct{}

// TransactionSubmissionFailed carries the chain error text.
type TransactionSubmissionFailed struct {
	Reason string
}

// ChallengeCreated mirrors the adjudicator event for this channel.
type ChallengeCreated struct {
	ChallengeState channel.State
	Challenger     common.Address
	ExpiresAt      uint64
}

type ChallengeRequested struct{}
type ChallengeApproved struct{}
type ChallengeDenied struct{}

// ChallengeResponseReceived delivers the opponent's on-chain response.
type ChallengeResponseReceived struct {
	SignedState channel.SignedState
}

// BlockMined carries the chain time used for challenge expiry.
type BlockMined struct {
	Timestamp uint64
}

type RespondWithExistingMove struct{}
type RespondWithNewMove struct{}
type ResponseAcknowledged struct{}
type WithdrawalApproved struct{}
type CloseSuccessAcknowledged struct{}

func (OwnCommitmentCreated) isAction()        {}
func (OpponentCommitmentReceived) isAction()  {}
func (FundingReceived) isAction()             {}
func (FundingDeclined) isAction()             {}
func (FundingSuccessAcknowledged) isAction()  {}
func (FundingDeclinedAcknowledged) isAction() {}
func (ConcludeRequested) isAction()           {}
func (ConcludeApproved) isAction()            {}
func (CloseOnChainApproved) isAction()        {}
func (TransactionSent) isAction()             {}
func (TransactionApproved) isAction()         {}
func (TransactionConfirmed) isAction()        {}
func (RetryTransaction) isAction()            {}
func (TransactionSubmissionFailed) isAction() {}
func (ChallengeCreated) isAction()            {}
func (ChallengeRequested) isAction()          {}
func (ChallengeApproved) isAction()           {}
func (ChallengeDenied) isAction()             {}
func (ChallengeResponseReceived) isAction()   {}
func (BlockMined) isAction()                  {}
func (RespondWithExistingMove) isAction()     {}
func (RespondWithNewMove) isAction()          {}
func (ResponseAcknowledged) isAction()        {}
func (WithdrawalApproved) isAction()          {}
func (CloseSuccessAcknowledged) isAction()    {}
