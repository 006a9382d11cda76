package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"github.com/ledger-hub/ledger-hub/internal/domain/channel"
	"github.com/ledger-hub/ledger-hub/internal/domain/process"
	"github.com/ledger-hub/ledger-hub/internal/infrastructure/metrics"
	"github.com/ledger-hub/ledger-hub/internal/p2p/protocol"
)

var (
	// ErrNothingToCountersign is returned for a round whose states are all
	// at or below the latest stored turn.
	ErrNothingToCountersign = errors.New("round has no new states")
	// ErrNotParticipant is returned when the hub is not in the channel.
	ErrNotParticipant = errors.New("hub is not a participant of the channel")
	ErrEmptyRound     = errors.New("round is empty")
	// ErrInvalidMessage is returned for envelopes that fail verification or decoding.
	ErrInvalidMessage = errors.New("invalid message")
)

// Service is the hub's countersigning mediator for ledger channels.
type Service struct {
	channels  channel.Repository
	processes process.Repository
	nonces    channel.NonceRegistry
	signer    channel.Signer
	metrics   *metrics.Hub
	logger    zerolog.Logger

	chainID *big.Int
}

// NewService creates a ledger service. nonces and m may be nil.
func NewService(
	channels channel.Repository,
	processes process.Repository,
	nonces channel.NonceRegistry,
	signer channel.Signer,
	m *metrics.Hub,
	logger zerolog.Logger,
) *Service {
	return &Service{
		channels:  channels,
		processes: processes,
		nonces:    nonces,
		signer:    signer,
		metrics:   m,
		logger:    logger.With().Str("service", "ledger").Logger(),
	}
}

// RequireChainID makes the relay reject rounds for channels on any other chain.
func (s *Service) RequireChainID(id *big.Int) {
	s.chainID = id
}

// Address returns the hub's signing address.
func (s *Service) Address() common.Address {
	return s.signer.Address()
}

// UpdateLedgerChannel validates a round of signed states against the latest
// stored state, countersigns the next turn and persists the round together
// with the hub's state. lastStored is nil for a channel being opened.
func (s *Service) UpdateLedgerChannel(ctx context.Context, round []channel.SignedState, lastStored *channel.State) (channel.SignedState, error) {
	if len(round) == 0 {
		return channel.SignedState{}, ErrEmptyRound
	}

	states := make([]channel.SignedState, 0, len(round))
	var seen []channel.SignedState
	for _, ss := range round {
		if lastStored == nil || ss.State.TurnNum > lastStored.TurnNum {
			states = append(states, ss)
		} else {
			seen = append(seen, ss)
		}
	}
	if len(seen) > 0 {
		if err := s.checkStored(ctx, lastStored.ChannelID(), seen); err != nil {
			return channel.SignedState{}, err
		}
	}
	if len(states) == 0 {
		return channel.SignedState{}, ErrNothingToCountersign
	}
	sort.SliceStable(states, func(i, j int) bool {
		return states[i].State.TurnNum < states[j].State.TurnNum
	})

	first := states[0].State
	ch := first.Channel
	channelID := ch.ID()

	var prev channel.State
	rest := states
	if lastStored == nil {
		if first.TurnNum != 0 {
			return channel.SignedState{}, channel.NewProtocolError(channel.ErrChannelMissing, channelID, first.TurnNum)
		}
		if err := ch.Validate(); err != nil {
			return channel.SignedState{}, fmt.Errorf("%w: %v", channel.NewProtocolError(channel.ErrInvalidTransition, channelID, 0), err)
		}
		existing, err := s.channels.FindChannel(ctx, channelID)
		if err != nil {
			return channel.SignedState{}, fmt.Errorf("find channel: %w", err)
		}
		if existing != nil {
			return channel.SignedState{}, channel.NewProtocolError(channel.ErrChannelExists, channelID, 0)
		}
		if !states[0].Valid() {
			return channel.SignedState{}, channel.NewProtocolError(channel.ErrStateNotSigned, channelID, 0)
		}
		prev = first
		rest = states[1:]
	} else {
		if first.TurnNum == 0 {
			return channel.SignedState{}, channel.NewProtocolError(channel.ErrChannelExists, channelID, 0)
		}
		prev = *lastStored
	}

	for _, ss := range rest {
		if !ss.Valid() {
			return channel.SignedState{}, channel.NewProtocolError(channel.ErrStateNotSigned, channelID, ss.State.TurnNum)
		}
		if err := channel.CheckTransition(prev, ss.State); err != nil {
			return channel.SignedState{}, channel.NewProtocolError(err, channelID, ss.State.TurnNum)
		}
		prev = ss.State
	}

	hubIndex := ch.IndexOf(s.signer.Address())
	if hubIndex < 0 {
		return channel.SignedState{}, ErrNotParticipant
	}
	if !channel.OurTurn(hubIndex, prev.TurnNum, ch.NumParticipants()) {
		return channel.SignedState{}, channel.NewProtocolError(channel.ErrNotOurTurn, channelID, prev.TurnNum)
	}

	next := prev.Clone()
	next.TurnNum++
	hubState, err := s.signer.SignState(next)
	if err != nil {
		return channel.SignedState{}, fmt.Errorf("sign state: %w", err)
	}

	toStore := append(states, hubState)
	if _, err := s.channels.UpsertChannelWithStates(ctx, ch, toStore, nil); err != nil {
		return channel.SignedState{}, fmt.Errorf("persist round: %w", err)
	}

	if lastStored == nil && s.nonces != nil {
		if err := s.nonces.Observe(ctx, ch.Participants, ch.ChannelNonce); err != nil {
			s.logger.Warn().Err(err).Str("channelId", channelID.Hex()).Uint64("nonce", ch.ChannelNonce).Msg("channel opened with a reused nonce")
		}
	}

	s.metrics.Countersigned()
	s.logger.Info().
		Str("channelId", channelID.Hex()).
		Uint64("turnNum", hubState.State.TurnNum).
		Int("roundSize", len(states)).
		Msg("countersigned round")
	return hubState, nil
}

// checkStored accepts states at already stored turns only when they match
// what is stored. A different state at turn 0 is a second channel open.
func (s *Service) checkStored(ctx context.Context, channelID common.Hash, seen []channel.SignedState) error {
	records, err := s.channels.ListStates(ctx, channelID)
	if err != nil {
		return fmt.Errorf("list states: %w", err)
	}
	stored := make(map[uint64]common.Hash, len(records))
	for _, rec := range records {
		h, err := rec.SignedState.State.Hash()
		if err != nil {
			return fmt.Errorf("hash stored state: %w", err)
		}
		stored[rec.TurnNum] = h
	}
	for _, ss := range seen {
		turn := ss.State.TurnNum
		want, ok := stored[turn]
		if !ok {
			continue
		}
		got, err := ss.State.Hash()
		if err != nil {
			return fmt.Errorf("%w: %v", channel.NewProtocolError(channel.ErrInvalidTransition, channelID, turn), err)
		}
		if got == want {
			continue
		}
		if turn == 0 {
			return channel.NewProtocolError(channel.ErrChannelExists, channelID, 0)
		}
		return channel.NewProtocolError(channel.ErrInvalidTransition, channelID, turn)
	}
	return nil
}

// Conclude signs a final state on top of the latest stored one when it is
// the hub's turn.
func (s *Service) Conclude(ctx context.Context, channelID common.Hash) (channel.SignedState, error) {
	latest, err := s.channels.LatestState(ctx, channelID)
	if err != nil {
		return channel.SignedState{}, fmt.Errorf("load latest state: %w", err)
	}
	if latest == nil {
		return channel.SignedState{}, channel.NewProtocolError(channel.ErrChannelMissing, channelID, 0)
	}
	ch := latest.State.Channel
	hubIndex := ch.IndexOf(s.signer.Address())
	if hubIndex < 0 {
		return channel.SignedState{}, ErrNotParticipant
	}
	if !channel.OurTurn(hubIndex, latest.State.TurnNum, ch.NumParticipants()) {
		return channel.SignedState{}, channel.NewProtocolError(channel.ErrNotOurTurn, channelID, latest.State.TurnNum)
	}
	next := latest.State.Clone()
	next.TurnNum++
	next.IsFinal = true
	final, err := s.signer.SignState(next)
	if err != nil {
		return channel.SignedState{}, fmt.Errorf("sign state: %w", err)
	}
	if _, err := s.channels.UpsertChannelWithStates(ctx, ch, []channel.SignedState{final}, nil); err != nil {
		return channel.SignedState{}, fmt.Errorf("persist final state: %w", err)
	}
	s.logger.Info().Str("channelId", channelID.Hex()).Uint64("turnNum", next.TurnNum).Msg("signed final state")
	return final, nil
}

// HandleMessage processes one inbound relay message and returns the messages
// to deliver. Any error rejects the message as a whole.
func (s *Service) HandleMessage(ctx context.Context, msg protocol.Message) ([]protocol.Message, error) {
	if err := msg.Verify(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	replies, err := s.handle(ctx, msg)
	if errors.Is(err, ErrNothingToCountersign) {
		s.logger.Debug().Str("processId", msg.ProcessID).Msg("ignoring replayed round")
		return nil, nil
	}
	if err != nil {
		code := "INTERNAL"
		if c, ok := channel.CodeFor(err); ok {
			code = string(c)
		} else if errors.Is(err, ErrInvalidMessage) {
			code = "INVALID_MESSAGE"
		}
		s.metrics.Rejected(code)
		s.logger.Warn().Err(err).Str("processId", msg.ProcessID).Str("type", string(msg.Type)).Msg("rejected message")
		return nil, err
	}
	for _, r := range replies {
		s.metrics.Relayed(string(r.Type))
	}
	return replies, nil
}

func (s *Service) handle(ctx context.Context, msg protocol.Message) ([]protocol.Message, error) {
	switch msg.Type {
	case protocol.TypeChannelOpen:
		p, err := protocol.DecodePayload[protocol.ChannelOpenPayload](msg.Data)
		if err != nil {
			return nil, fmt.Errorf("%w: decode payload: %v", ErrInvalidMessage, err)
		}
		return s.handleRound(ctx, msg, []channel.SignedState{p.SignedState})
	case protocol.TypeChannelJoined:
		p, err := protocol.DecodePayload[protocol.ChannelJoinedPayload](msg.Data)
		if err != nil {
			return nil, fmt.Errorf("%w: decode payload: %v", ErrInvalidMessage, err)
		}
		return s.handleRound(ctx, msg, []channel.SignedState{p.SignedState})
	case protocol.TypeSignedStatesReceived:
		p, err := protocol.DecodePayload[protocol.SignedStatesReceivedPayload](msg.Data)
		if err != nil {
			return nil, fmt.Errorf("%w: decode payload: %v", ErrInvalidMessage, err)
		}
		return s.handleRound(ctx, msg, p.SignedStates)
	case protocol.TypeStrategyProposed:
		p, err := protocol.DecodePayload[protocol.StrategyProposedPayload](msg.Data)
		if err != nil {
			return nil, fmt.Errorf("%w: decode payload: %v", ErrInvalidMessage, err)
		}
		if _, err := s.processes.CreateProcess(ctx, msg.ProcessID, msg.Sender, process.ProtocolFunding); err != nil {
			return nil, fmt.Errorf("create process: %w", err)
		}
		reply, err := protocol.New(protocol.TypeStrategyApproved, msg.ProcessID, s.signer.Address(), msg.Sender,
			protocol.StrategyApprovedPayload{Strategy: p.Strategy})
		if err != nil {
			return nil, err
		}
		return []protocol.Message{reply}, nil
	case protocol.TypeStrategyApproved:
		return nil, nil
	case protocol.TypeCloseLedgerChannel:
		p, err := protocol.DecodePayload[protocol.CloseLedgerChannelPayload](msg.Data)
		if err != nil {
			return nil, fmt.Errorf("%w: decode payload: %v", ErrInvalidMessage, err)
		}
		if err := s.authorizeClose(ctx, msg, p.ChannelID); err != nil {
			return nil, err
		}
		final, err := s.Conclude(ctx, p.ChannelID)
		if err != nil {
			return nil, err
		}
		processID := closeProcessID(msg, p.ChannelID)
		if _, err := s.processes.CreateProcess(ctx, processID, msg.Sender, process.ProtocolCloseLedger); err != nil {
			return nil, fmt.Errorf("create process: %w", err)
		}
		return s.fanOut(processID, final)
	case protocol.TypeMultipleRelayableActions:
		p, err := protocol.DecodePayload[protocol.MultipleRelayableActionsPayload](msg.Data)
		if err != nil {
			return nil, fmt.Errorf("%w: decode payload: %v", ErrInvalidMessage, err)
		}
		var out []protocol.Message
		for i, action := range p.Actions {
			if action.Sender != msg.Sender {
				return nil, fmt.Errorf("%w: action %d sender does not match envelope", ErrInvalidMessage, i)
			}
			if action.Type == protocol.TypeMultipleRelayableActions {
				return nil, fmt.Errorf("%w: action %d is a nested bundle", ErrInvalidMessage, i)
			}
			if err := action.Verify(); err != nil {
				return nil, fmt.Errorf("%w: action %d: %v", ErrInvalidMessage, i, err)
			}
			replies, err := s.handle(ctx, action)
			if err != nil && !errors.Is(err, ErrNothingToCountersign) {
				return nil, fmt.Errorf("action %d: %w", i, err)
			}
			out = append(out, replies...)
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: unsupported type %s", ErrInvalidMessage, msg.Type)
}

// authorizeClose only lets a signed request from another participant of the
// channel make the hub sign a final state.
func (s *Service) authorizeClose(ctx context.Context, msg protocol.Message, channelID common.Hash) error {
	if len(msg.Signature) == 0 {
		return fmt.Errorf("%w: close request must be signed", ErrInvalidMessage)
	}
	rec, err := s.channels.FindChannel(ctx, channelID)
	if err != nil {
		return fmt.Errorf("find channel: %w", err)
	}
	if rec == nil {
		return channel.NewProtocolError(channel.ErrChannelMissing, channelID, 0)
	}
	if msg.Sender == s.signer.Address() || rec.Channel.IndexOf(msg.Sender) < 0 {
		return fmt.Errorf("%w: sender %s may not close channel %s", ErrInvalidMessage, msg.Sender.Hex(), channelID.Hex())
	}
	return nil
}

func closeProcessID(msg protocol.Message, channelID common.Hash) string {
	if msg.ProcessID != "" {
		return msg.ProcessID
	}
	return "Close-" + channelID.Hex()
}

func (s *Service) handleRound(ctx context.Context, msg protocol.Message, round []channel.SignedState) ([]protocol.Message, error) {
	if len(round) == 0 {
		return nil, ErrEmptyRound
	}
	if s.chainID != nil {
		if got := round[0].State.Channel.ChainID; got == nil || got.Cmp(s.chainID) != 0 {
			return nil, fmt.Errorf("%w: channel is on chain %v, hub serves %v", ErrInvalidMessage, got, s.chainID)
		}
	}
	channelID := round[0].State.ChannelID()
	processID := msg.ProcessID
	if processID == "" {
		processID = process.FundingProcessID(channelID)
	}
	create, err := s.checkProcess(ctx, processID, channelID, round)
	if err != nil {
		return nil, err
	}

	latest, err := s.channels.LatestState(ctx, channelID)
	if err != nil {
		return nil, fmt.Errorf("load latest state: %w", err)
	}
	var lastStored *channel.State
	if latest != nil {
		lastStored = &latest.State
	}

	hubState, err := s.UpdateLedgerChannel(ctx, round, lastStored)
	if err != nil {
		return nil, err
	}
	if create {
		if _, err := s.processes.CreateProcess(ctx, processID, msg.Sender, process.ProtocolFunding); err != nil {
			return nil, fmt.Errorf("create process: %w", err)
		}
	}
	return s.fanOut(processID, hubState)
}

// checkProcess reports whether the process must be created. An unknown
// process is only acceptable for an opening round or a known channel.
func (s *Service) checkProcess(ctx context.Context, processID string, channelID common.Hash, round []channel.SignedState) (bool, error) {
	existing, err := s.processes.FindProcess(ctx, processID)
	if err != nil {
		return false, fmt.Errorf("find process: %w", err)
	}
	if existing != nil {
		return false, nil
	}
	for _, ss := range round {
		if ss.State.TurnNum == 0 {
			return true, nil
		}
	}
	rec, err := s.channels.FindChannel(ctx, channelID)
	if err != nil {
		return false, fmt.Errorf("find channel: %w", err)
	}
	if rec == nil {
		return false, channel.NewProtocolError(channel.ErrProcessMissing, channelID, round[0].State.TurnNum)
	}
	return true, nil
}

// fanOut addresses the hub's state to every other participant.
func (s *Service) fanOut(processID string, ss channel.SignedState) ([]protocol.Message, error) {
	hub := s.signer.Address()
	var out []protocol.Message
	for _, p := range ss.State.Channel.Participants {
		if p == hub {
			continue
		}
		msg, err := protocol.New(protocol.TypeSignedStatesReceived, processID, hub, p,
			protocol.SignedStatesReceivedPayload{SignedStates: []channel.SignedState{ss}})
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, nil
}
