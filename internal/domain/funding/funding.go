package funding

import (
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ledger-hub/ledger-hub/internal/domain/channel"
)

// Status is the direct-funding stage of one participant.
type Status int

const (
	StatusNotSafeToDeposit Status = iota
	StatusWaitForTransactionSent
	StatusWaitForDepositApproval
	StatusWaitForDepositConfirmation
	StatusDepositTransactionFailed
	StatusWaitForFundingConfirmed
	StatusChannelFunded
)

func (s Status) String() string {
	switch s {
	case StatusNotSafeToDeposit:
		return "NotSafeToDeposit"
	case StatusWaitForTransactionSent:
		return "WaitForTransactionSent"
	case StatusWaitForDepositApproval:
		return "WaitForDepositApproval"
	case StatusWaitForDepositConfirmation:
		return "WaitForDepositConfirmation"
	case StatusDepositTransactionFailed:
		return "DepositTransactionFailed"
	case StatusWaitForFundingConfirmed:
		return "WaitForFundingConfirmed"
	case StatusChannelFunded:
		return "ChannelFunded"
	default:
		return "Unknown"
	}
}

// Depositing reports whether s is one of the deposit sub-stages.
func (s Status) Depositing() bool {
	return s >= StatusWaitForTransactionSent && s <= StatusDepositTransactionFailed
}

// SafeToDepositLevel is the sum of contributions of lower-indexed participants.
func SafeToDepositLevel(contributions []*big.Int, ourIndex int) *big.Int {
	if ourIndex > len(contributions) {
		ourIndex = len(contributions)
	}
	if ourIndex < 0 {
		ourIndex = 0
	}
	return channel.SumAmounts(contributions[:ourIndex])
}

// Contributions lists each participant's allocation for one asset, in participant order.
func Contributions(ch channel.Channel, outcome channel.Outcome, assetHolder common.Address) []*big.Int {
	out := make([]*big.Int, len(ch.Participants))
	for i, p := range ch.Participants {
		out[i] = outcome.AmountFor(assetHolder, channel.AddressDestination(p))
	}
	return out
}

// Machine tracks one participant's direct funding of one channel asset.
type Machine struct {
	ChannelID                 common.Hash
	AssetHolder               common.Address
	OurIndex                  int
	RequestedTotalFunds       *big.Int
	RequestedYourContribution *big.Int
	SafeToDepositLevel        *big.Int

	status  Status
	pending *channel.TransactionRequest
}

// NewMachine starts a funding machine. A zero total is funded immediately.
func NewMachine(channelID common.Hash, assetHolder common.Address, contributions []*big.Int, ourIndex int) (*Machine, error) {
	if ourIndex < 0 || ourIndex >= len(contributions) {
		return nil, errors.New("participant index out of range")
	}
	m := &Machine{
		ChannelID:                 channelID,
		AssetHolder:               assetHolder,
		OurIndex:                  ourIndex,
		RequestedTotalFunds:       channel.SumAmounts(contributions),
		RequestedYourContribution: new(big.Int).Set(nonNil(contributions[ourIndex])),
		SafeToDepositLevel:        SafeToDepositLevel(contributions, ourIndex),
		status:                    StatusNotSafeToDeposit,
	}
	if m.RequestedTotalFunds.Sign() == 0 {
		m.status = StatusChannelFunded
	}
	return m, nil
}

func (m *Machine) Status() Status { return m.status }

// Funded reports whether the channel reached its total.
func (m *Machine) Funded() bool { return m.status == StatusChannelFunded }

// Pending returns the stored deposit request, if one was issued.
func (m *Machine) Pending() *channel.TransactionRequest { return m.pending }

// FundingObserved handles a holdings report for the channel. It returns the
// deposit to submit when this observation makes depositing safe.
func (m *Machine) FundingObserved(holdings *big.Int) *channel.TransactionRequest {
	if m.status == StatusChannelFunded {
		return nil
	}
	holdings = nonNil(holdings)
	if holdings.Cmp(m.RequestedTotalFunds) >= 0 {
		m.status = StatusChannelFunded
		return nil
	}
	if m.status != StatusNotSafeToDeposit || holdings.Cmp(m.SafeToDepositLevel) < 0 {
		return nil
	}
	covered := new(big.Int).Add(m.SafeToDepositLevel, m.RequestedYourContribution)
	if m.RequestedYourContribution.Sign() == 0 || holdings.Cmp(covered) >= 0 {
		m.status = StatusWaitForFundingConfirmed
		return nil
	}
	m.pending = &channel.TransactionRequest{
		Kind:         channel.TxDeposit,
		ChannelID:    m.ChannelID,
		AssetHolder:  m.AssetHolder,
		ExpectedHeld: new(big.Int).Set(m.SafeToDepositLevel),
		Value:        new(big.Int).Set(m.RequestedYourContribution),
	}
	m.status = StatusWaitForTransactionSent
	return m.pending
}

// TransactionSent records that the deposit left the wallet.
func (m *Machine) TransactionSent() bool {
	return m.move(StatusWaitForTransactionSent, StatusWaitForDepositApproval)
}

// TransactionApproved records the signer's approval.
func (m *Machine) TransactionApproved() bool {
	return m.move(StatusWaitForDepositApproval, StatusWaitForDepositConfirmation)
}

// TransactionConfirmed records the deposit's inclusion on chain.
func (m *Machine) TransactionConfirmed() bool {
	if m.status == StatusWaitForDepositApproval {
		m.status = StatusWaitForFundingConfirmed
		return true
	}
	return m.move(StatusWaitForDepositConfirmation, StatusWaitForFundingConfirmed)
}

// TransactionFailed parks the machine until a retry.
func (m *Machine) TransactionFailed() bool {
	switch m.status {
	case StatusWaitForTransactionSent, StatusWaitForDepositApproval, StatusWaitForDepositConfirmation:
		m.status = StatusDepositTransactionFailed
		return true
	}
	return false
}

// Retry returns the stored deposit unchanged.
func (m *Machine) Retry() *channel.TransactionRequest {
	if m.status != StatusDepositTransactionFailed || m.pending == nil {
		return nil
	}
	m.status = StatusWaitForTransactionSent
	return m.pending
}

func (m *Machine) move(from, to Status) bool {
	if m.status != from {
		return false
	}
	m.status = to
	return true
}

func nonNil(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
