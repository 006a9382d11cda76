package lifecycle

import (
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/ledger-hub/ledger-hub/internal/domain/channel"
	"github.com/ledger-hub/ledger-hub/internal/domain/dispute"
	"github.com/ledger-hub/ledger-hub/internal/domain/funding"
)

var errNotParticipant = errors.New("signer is not a participant of the channel")

// Result reports what a single Handle call did.
type Result struct {
	Applied bool
	Failure *ProtocolFailure
}

var ignored = Result{}

var applied = Result{Applied: true}

// Machine is one participant's view of one channel. It is not safe for
// concurrent use; every action is applied in full or not at all.
type Machine struct {
	signer    channel.Signer
	ourIndex  int
	ch        channel.Channel
	channelID common.Hash
	stage     Stage
	states    []channel.SignedState

	funding          []*funding.Machine
	challenger       *dispute.Challenger
	responder        *dispute.Responder
	closeTx          *channel.TransactionRequest
	concludeApproved bool

	outbox Outbox
}

func NewMachine(signer channel.Signer) *Machine {
	return &Machine{signer: signer, ourIndex: -1, stage: WaitForChannel}
}

func (m *Machine) Stage() Stage                        { return m.stage }
func (m *Machine) ChannelID() common.Hash              { return m.channelID }
func (m *Machine) OurIndex() int                       { return m.ourIndex }
func (m *Machine) Challenger() *dispute.Challenger     { return m.challenger }
func (m *Machine) Responder() *dispute.Responder       { return m.responder }
func (m *Machine) FundingMachines() []*funding.Machine { return m.funding }

// CloseTransaction is the conclude or withdraw request last emitted.
func (m *Machine) CloseTransaction() *channel.TransactionRequest { return m.closeTx }

// States returns the held signed states, oldest first.
func (m *Machine) States() []channel.SignedState {
	out := make([]channel.SignedState, len(m.states))
	copy(out, m.states)
	return out
}

// Latest returns the newest held state.
func (m *Machine) Latest() (channel.SignedState, bool) {
	if len(m.states) == 0 {
		return channel.SignedState{}, false
	}
	return m.states[len(m.states)-1], true
}

// DrainOutbox returns and clears queued side effects.
func (m *Machine) DrainOutbox() Outbox {
	out := m.outbox
	m.outbox = Outbox{}
	return out
}

// Handle applies one action. Unknown or out-of-stage actions are ignored.
func (m *Machine) Handle(action Action) Result {
	if m.stage.Terminal() {
		return ignored
	}
	switch a := action.(type) {
	case OwnCommitmentCreated:
		return m.ownCommitment(a.State)
	case OpponentCommitmentReceived:
		return m.opponentCommitment(a.SignedState)
	case FundingReceived:
		return m.fundingReceived(a)
	case FundingDeclined:
		return m.fundingDeclined(a)
	case FundingSuccessAcknowledged:
		return m.transition(AcknowledgeFundingSuccess, WaitForUpdate, HideWallet)
	case FundingDeclinedAcknowledged:
		return m.transition(AcknowledgeFundingDeclined, FundingAbandoned, HideWallet)
	case ConcludeRequested:
		if m.stage != WaitForUpdate || !m.ourTurn() {
			return ignored
		}
		return m.transition(WaitForUpdate, ApproveConclude, ShowWallet)
	case ConcludeApproved:
		return m.concludeApprovedAction()
	case CloseOnChainApproved:
		if m.stage != ApproveCloseOnChain {
			return ignored
		}
		return m.startClose(&channel.TransactionRequest{
			Kind:      channel.TxConclude,
			ChannelID: m.channelID,
			States:    m.finalStates(),
		})
	case WithdrawalApproved:
		if m.stage != ApproveWithdrawal {
			return ignored
		}
		return m.startClose(&channel.TransactionRequest{Kind: channel.TxWithdraw, ChannelID: m.channelID})
	case TransactionSent, TransactionApproved, TransactionConfirmed, TransactionSubmissionFailed, RetryTransaction:
		return m.transactionEvent(action)
	case ChallengeRequested:
		return m.challengeRequested()
	case ChallengeApproved:
		if m.stage != Challenging {
			return ignored
		}
		return m.emit(m.challenger.Approve(m.states), m.challenger.Stage() != dispute.ApproveChallenge)
	case ChallengeDenied:
		if m.stage != Challenging {
			return ignored
		}
		return boolResult(m.challenger.Deny())
	case ChallengeCreated:
		return m.challengeCreated(a)
	case ChallengeResponseReceived:
		return m.challengeResponse(a.SignedState)
	case BlockMined:
		switch m.stage {
		case Challenging:
			return boolResult(m.challenger.BlockMined(a.Timestamp))
		case Responding:
			return boolResult(m.responder.BlockMined(a.Timestamp))
		}
		return ignored
	case RespondWithExistingMove:
		if m.stage != Responding {
			return ignored
		}
		return m.emit(m.responder.RespondWithExistingMove(), false)
	case RespondWithNewMove:
		if m.stage != Responding || !m.responder.RespondWithNewMove() {
			return ignored
		}
		m.display(HideWallet)
		return applied
	case ResponseAcknowledged:
		return m.disputeAcknowledged()
	case CloseSuccessAcknowledged:
		return m.transition(AcknowledgeCloseSuccess, ClosedOnChain, HideWallet)
	}
	return ignored
}

func (m *Machine) ownCommitment(s channel.State) Result {
	switch m.stage {
	case WaitForChannel:
		if s.TurnNum != 0 {
			return m.rejectOwn(ValidationFailure, s, channel.ErrChannelMissing)
		}
		if err := s.Channel.Validate(); err != nil {
			return m.rejectOwn(ValidationFailure, s, err)
		}
		if s.Channel.IndexOf(m.signer.Address()) != 0 {
			return m.rejectOwn(ValidationFailure, s, channel.ErrNotOurTurn)
		}
		m.open(s.Channel)
		if err := m.signStoreSend(s); err != nil {
			m.reset()
			return m.rejectOwn(SignatureFailure, s, err)
		}
		m.stage = WaitForPreFundSetup
		m.afterPreFund()
		return applied
	case WaitForPreFundSetup, WaitForUpdate:
		if s.IsFinal {
			return m.rejectOwn(ValidationFailure, s, channel.ErrInvalidTransition)
		}
		if channel.Mover(s) != m.signer.Address() {
			return m.rejectOwn(ValidationFailure, s, channel.ErrNotOurTurn)
		}
		if err := channel.CheckTransition(m.last().State, s); err != nil {
			return m.rejectOwn(ValidationFailure, s, err)
		}
		if err := m.signStoreSend(s); err != nil {
			return m.rejectOwn(SignatureFailure, s, err)
		}
		if m.stage == WaitForPreFundSetup {
			m.afterPreFund()
		}
		return applied
	case Responding:
		if m.responder.Stage() != dispute.TakeMoveInApp {
			return ignored
		}
		if channel.Mover(s) != m.signer.Address() {
			return m.rejectOwn(ValidationFailure, s, channel.ErrNotOurTurn)
		}
		if !channel.ValidTransition(m.responder.Challenge.ChallengeState, s) {
			return m.rejectOwn(ValidationFailure, s, dispute.ErrInvalidResponse)
		}
		ss, err := m.signer.SignState(s)
		if err != nil {
			return m.rejectOwn(SignatureFailure, s, err)
		}
		tx, err := m.responder.MoveTaken(ss)
		if err != nil {
			return m.rejectOwn(ValidationFailure, s, err)
		}
		if channel.ValidTransition(m.last().State, s) {
			m.states = append(m.states, ss)
		}
		m.outbox.Transactions = append(m.outbox.Transactions, tx)
		m.display(ShowWallet)
		return applied
	}
	return ignored
}

func (m *Machine) opponentCommitment(ss channel.SignedState) Result {
	if m.stage == WaitForChannel {
		s := ss.State
		if s.TurnNum != 0 {
			return m.reject(ValidationFailure, ss, channel.ErrChannelMissing)
		}
		if err := s.Channel.Validate(); err != nil {
			return m.reject(ValidationFailure, ss, err)
		}
		if !ss.Valid() {
			return m.reject(SignatureFailure, ss, channel.ErrStateNotSigned)
		}
		idx := s.Channel.IndexOf(m.signer.Address())
		if idx <= 0 {
			return m.reject(ValidationFailure, ss, errNotParticipant)
		}
		m.open(s.Channel)
		m.states = append(m.states, ss)
		m.stage = WaitForPreFundSetup
		m.afterPreFund()
		return applied
	}

	if !m.acceptsCommitments() {
		return ignored
	}
	if ss.State.TurnNum <= m.last().State.TurnNum {
		return ignored
	}
	if !ss.Valid() {
		return m.reject(SignatureFailure, ss, channel.ErrStateNotSigned)
	}
	if err := channel.CheckTransition(m.last().State, ss.State); err != nil {
		return m.reject(ValidationFailure, ss, err)
	}
	m.states = append(m.states, ss)

	switch m.stage {
	case WaitForPreFundSetup:
		m.afterPreFund()
	case WaitForFundingAndPostFundSetup:
		if m.funded() {
			m.advancePostFund()
		} else {
			m.stage = WaitForFundingConfirmation
		}
	case AWaitForPostFundSetup, BWaitForPostFundSetup:
		m.advancePostFund()
	case WaitForUpdate:
		if ss.State.IsFinal {
			m.stage = AcknowledgeConclude
			m.display(ShowWallet)
		}
	case WaitForOpponentConclude:
		m.advanceConclude()
	}
	return applied
}

func (m *Machine) acceptsCommitments() bool {
	switch m.stage {
	case WaitForPreFundSetup, WaitForUpdate, WaitForOpponentConclude:
		return true
	case Challenging:
		return m.challenger.Stage() == dispute.ApproveChallenge
	}
	return m.stage.funding()
}

func (m *Machine) afterPreFund() {
	n := uint64(len(m.ch.Participants))
	if m.last().State.TurnNum+1 < n {
		return
	}
	m.enterFunding()
}

func (m *Machine) enterFunding() {
	m.stage = WaitForFundingAndPostFundSetup
	m.display(ShowWallet)
	last := m.last().State
	seen := make(map[common.Address]struct{})
	for _, ao := range last.Outcome {
		if ao.Guarantee != nil {
			continue
		}
		if _, dup := seen[ao.AssetHolder]; dup {
			continue
		}
		seen[ao.AssetHolder] = struct{}{}
		contributions := funding.Contributions(m.ch, last.Outcome, ao.AssetHolder)
		fm, err := funding.NewMachine(m.channelID, ao.AssetHolder, contributions, m.ourIndex)
		if err != nil {
			continue
		}
		m.funding = append(m.funding, fm)
	}
	if m.funded() {
		m.advancePostFund()
	}
}

func (m *Machine) funded() bool {
	for _, fm := range m.funding {
		if !fm.Funded() {
			return false
		}
	}
	return true
}

func (m *Machine) fundingReceived(a FundingReceived) Result {
	if m.stage != WaitForFundingAndPostFundSetup && m.stage != WaitForFundingConfirmation {
		return ignored
	}
	var fm *funding.Machine
	for _, candidate := range m.funding {
		if candidate.AssetHolder == a.AssetHolder {
			fm = candidate
			break
		}
	}
	if fm == nil {
		return ignored
	}
	before := fm.Status()
	if tx := fm.FundingObserved(a.Holdings); tx != nil {
		m.outbox.Transactions = append(m.outbox.Transactions, tx)
	}
	if m.funded() {
		m.advancePostFund()
	}
	return boolResult(fm.Status() != before)
}

// advancePostFund signs our post-fund state when it is our turn and settles
// the A/B wait stage.
func (m *Machine) advancePostFund() {
	n := uint64(len(m.ch.Participants))
	last := m.last().State
	if last.TurnNum < 2*n-1 && channel.OurTurn(m.ourIndex, last.TurnNum, int(n)) {
		next := last.Clone()
		next.TurnNum++
		if err := m.signStoreSend(next); err != nil {
			return
		}
		last = m.last().State
	}
	switch {
	case last.TurnNum >= 2*n-1:
		m.stage = AcknowledgeFundingSuccess
		m.display(ShowWallet)
	case last.TurnNum >= n+uint64(m.ourIndex):
		m.stage = AWaitForPostFundSetup
	default:
		m.stage = BWaitForPostFundSetup
	}
}

func (m *Machine) fundingDeclined(a FundingDeclined) Result {
	if !m.stage.funding() && m.stage != WaitForPreFundSetup {
		return ignored
	}
	if !a.ByOpponent {
		for _, to := range m.others() {
			m.outbox.Messages = append(m.outbox.Messages, Message{
				ID: uuid.New(), To: to, Kind: MessageFundingDeclined, ChannelID: m.channelID,
			})
		}
	}
	m.stage = AcknowledgeFundingDeclined
	m.display(ShowWallet)
	return applied
}

func (m *Machine) concludeApprovedAction() Result {
	if m.stage != ApproveConclude && m.stage != AcknowledgeConclude {
		return ignored
	}
	m.concludeApproved = true
	m.stage = WaitForOpponentConclude
	m.advanceConclude()
	return applied
}

// advanceConclude signs a final state on our turn once conclusion is approved,
// and moves to ApproveCloseOnChain when every participant has signed one.
func (m *Machine) advanceConclude() {
	n := len(m.ch.Participants)
	last := m.last().State
	if m.concludeApproved && m.finalCount() < n && channel.OurTurn(m.ourIndex, last.TurnNum, n) {
		next := last.Clone()
		next.TurnNum++
		next.IsFinal = true
		if err := m.signStoreSend(next); err != nil {
			return
		}
	}
	if m.finalCount() >= n {
		m.stage = ApproveCloseOnChain
		m.display(ShowWallet)
	}
}

func (m *Machine) finalCount() int {
	count := 0
	for i := len(m.states) - 1; i >= 0 && m.states[i].State.IsFinal; i-- {
		count++
	}
	return count
}

func (m *Machine) finalStates() []channel.SignedState {
	k := m.finalCount()
	out := make([]channel.SignedState, k)
	copy(out, m.states[len(m.states)-k:])
	return out
}

func (m *Machine) startClose(tx *channel.TransactionRequest) Result {
	m.closeTx = tx
	m.outbox.Transactions = append(m.outbox.Transactions, tx)
	m.stage = WaitForCloseInitiation
	return applied
}

func (m *Machine) transactionEvent(action Action) Result {
	switch {
	case m.stage.funding():
		return m.fundingTransaction(action)
	case m.stage == Challenging:
		return m.challengerTransaction(action)
	case m.stage == Responding:
		return m.responderTransaction(action)
	case m.stage.closing():
		return m.closeTransaction(action)
	}
	return ignored
}

func (m *Machine) fundingTransaction(action Action) Result {
	var fm *funding.Machine
	for _, candidate := range m.funding {
		if candidate.Status().Depositing() {
			fm = candidate
			break
		}
	}
	if fm == nil {
		return ignored
	}
	switch action.(type) {
	case TransactionSent:
		return boolResult(fm.TransactionSent())
	case TransactionApproved:
		return boolResult(fm.TransactionApproved())
	case TransactionConfirmed:
		return boolResult(fm.TransactionConfirmed())
	case TransactionSubmissionFailed:
		return boolResult(fm.TransactionFailed())
	case RetryTransaction:
		return m.emit(fm.Retry(), false)
	}
	return ignored
}

func (m *Machine) challengerTransaction(action Action) Result {
	c := m.challenger
	switch action.(type) {
	case TransactionSent:
		return boolResult(c.TransactionSent())
	case TransactionApproved:
		return boolResult(c.TransactionApproved())
	case TransactionConfirmed:
		return boolResult(c.TransactionConfirmed())
	case TransactionSubmissionFailed:
		return boolResult(c.TransactionFailed())
	case RetryTransaction:
		return m.emit(c.Retry(), false)
	}
	return ignored
}

func (m *Machine) responderTransaction(action Action) Result {
	r := m.responder
	switch action.(type) {
	case TransactionSent:
		return boolResult(r.TransactionSent())
	case TransactionApproved:
		return boolResult(r.TransactionApproved())
	case TransactionConfirmed:
		return boolResult(r.TransactionConfirmed())
	case TransactionSubmissionFailed:
		return boolResult(r.TransactionFailed())
	case RetryTransaction:
		return m.emit(r.Retry(), false)
	}
	return ignored
}

func (m *Machine) closeTransaction(action Action) Result {
	switch action.(type) {
	case TransactionSent:
		return m.transition(WaitForCloseInitiation, WaitForCloseSubmission, "")
	case TransactionApproved:
		return m.transition(WaitForCloseSubmission, WaitForCloseConfirmed, "")
	case TransactionConfirmed:
		if m.stage != WaitForCloseSubmission && m.stage != WaitForCloseConfirmed {
			return ignored
		}
		m.stage = AcknowledgeCloseSuccess
		m.display(ShowWallet)
		return applied
	case TransactionSubmissionFailed:
		if m.stage == CloseTransactionFailed {
			return ignored
		}
		m.stage = CloseTransactionFailed
		return applied
	case RetryTransaction:
		if m.stage != CloseTransactionFailed {
			return ignored
		}
		m.stage = WaitForCloseInitiation
		m.outbox.Transactions = append(m.outbox.Transactions, m.closeTx)
		return applied
	}
	return ignored
}

func (m *Machine) challengeRequested() Result {
	if m.stage != WaitForUpdate {
		return ignored
	}
	m.challenger = dispute.NewChallenger(m.channelID, m.states, m.ourIndex)
	m.stage = Challenging
	m.display(ShowWallet)
	return applied
}

func (m *Machine) challengeCreated(a ChallengeCreated) Result {
	switch m.stage {
	case Challenging:
		return boolResult(m.challenger.ChallengeCreated(a.ExpiresAt))
	case Responding:
		m.responder.ChallengeCreated(a.ExpiresAt)
		return applied
	case WaitForUpdate, ApproveConclude, AcknowledgeConclude, WaitForOpponentConclude:
		if a.Challenger == m.signer.Address() {
			return ignored
		}
		m.responder = dispute.NewResponder(dispute.Challenge{
			ChannelID:      m.channelID,
			ChallengeState: a.ChallengeState,
			ExpiresAt:      a.ExpiresAt,
		}, m.states)
		m.stage = Responding
		m.display(ShowWallet)
		return applied
	}
	return ignored
}

func (m *Machine) challengeResponse(ss channel.SignedState) Result {
	if m.stage != Challenging || m.challenger.Stage() != dispute.WaitForResponseOrTimeout {
		return ignored
	}
	if !ss.Valid() {
		return m.reject(SignatureFailure, ss, channel.ErrStateNotSigned)
	}
	if err := channel.CheckTransition(m.last().State, ss.State); err != nil {
		return m.reject(ValidationFailure, ss, err)
	}
	m.states = append(m.states, ss)
	m.challenger.ResponseReceived(ss)
	return applied
}

func (m *Machine) disputeAcknowledged() Result {
	switch m.stage {
	case Challenging:
		if !m.challenger.Acknowledge() {
			return ignored
		}
		switch m.challenger.Stage() {
		case dispute.ChallengerApproveWithdrawal:
			m.stage = ApproveWithdrawal
		case dispute.ChallengerSuccessOpen, dispute.ChallengerFailure:
			m.stage = WaitForUpdate
			m.display(HideWallet)
		}
		return applied
	case Responding:
		if !m.responder.Acknowledge() {
			return ignored
		}
		switch m.responder.Stage() {
		case dispute.ResponderApproveWithdrawal:
			m.stage = ApproveWithdrawal
		case dispute.ResponderSuccess:
			m.stage = WaitForUpdate
			m.display(HideWallet)
		}
		return applied
	}
	return ignored
}

func (m *Machine) open(ch channel.Channel) {
	m.ch = ch.Clone()
	m.channelID = ch.ID()
	m.ourIndex = ch.IndexOf(m.signer.Address())
}

func (m *Machine) reset() {
	m.ch = channel.Channel{}
	m.channelID = common.Hash{}
	m.ourIndex = -1
	m.states = nil
}

func (m *Machine) last() channel.SignedState {
	return m.states[len(m.states)-1]
}

func (m *Machine) ourTurn() bool {
	return channel.OurTurn(m.ourIndex, m.last().State.TurnNum, len(m.ch.Participants))
}

func (m *Machine) others() []common.Address {
	out := make([]common.Address, 0, len(m.ch.Participants))
	for i, p := range m.ch.Participants {
		if i != m.ourIndex {
			out = append(out, p)
		}
	}
	return out
}

func (m *Machine) signStoreSend(s channel.State) error {
	ss, err := m.signer.SignState(s)
	if err != nil {
		return err
	}
	m.states = append(m.states, ss)
	for _, to := range m.others() {
		copied := ss
		m.outbox.Messages = append(m.outbox.Messages, Message{
			ID: uuid.New(), To: to, Kind: MessageCommitment, ChannelID: m.channelID, SignedState: &copied,
		})
	}
	return nil
}

func (m *Machine) reject(reason FailureReason, ss channel.SignedState, err error) Result {
	failure := &ProtocolFailure{Reason: reason, ChannelID: ss.State.ChannelID(), TurnNum: ss.State.TurnNum, Err: err.Error()}
	to := channel.Mover(ss.State)
	if signer, rerr := channel.RecoverSigner(ss.State, ss.Signature); rerr == nil {
		to = signer
	}
	m.outbox.Messages = append(m.outbox.Messages, Message{
		ID: uuid.New(), To: to, Kind: MessageFailure, ChannelID: failure.ChannelID, Failure: failure,
	})
	return Result{Failure: failure}
}

func (m *Machine) rejectOwn(reason FailureReason, s channel.State, err error) Result {
	failure := &ProtocolFailure{Reason: reason, ChannelID: s.ChannelID(), TurnNum: s.TurnNum, Err: err.Error()}
	m.outbox.Messages = append(m.outbox.Messages, Message{
		ID: uuid.New(), To: m.signer.Address(), Kind: MessageFailure, ChannelID: failure.ChannelID, Failure: failure,
	})
	return Result{Failure: failure}
}

func (m *Machine) transition(from, to Stage, toggle DisplayToggle) Result {
	if m.stage != from {
		return ignored
	}
	m.stage = to
	if toggle != "" {
		m.display(toggle)
	}
	return applied
}

func (m *Machine) emit(tx *channel.TransactionRequest, changed bool) Result {
	if tx == nil {
		return boolResult(changed)
	}
	m.outbox.Transactions = append(m.outbox.Transactions, tx)
	return applied
}

func (m *Machine) display(t DisplayToggle) {
	m.outbox.DisplayToggles = append(m.outbox.DisplayToggles, t)
}

func boolResult(ok bool) Result {
	if ok {
		return applied
	}
	return ignored
}
