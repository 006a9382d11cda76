package channel

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// Stage classifies a state by its turn number.
type Stage int

const (
	StagePreFundSetup Stage = iota
	StagePostFundSetup
	StageRunning
	StageConclude
)

// String returns the string representation of Stage
func (s Stage) String() string {
	switch s {
	case StagePreFundSetup:
		return "PreFundSetup"
	case StagePostFundSetup:
		return "PostFundSetup"
	case StageRunning:
		return "Running"
	case StageConclude:
		return "Conclude"
	default:
		return "Unknown"
	}
}

// AllocationItem pays Amount to Destination.
type AllocationItem struct {
	Destination common.Hash `json:"destination"`
	Amount      *big.Int    `json:"amount"`
}

// Guarantee redirects a target channel's allocation in the listed priority.
type Guarantee struct {
	TargetChannelID common.Hash   `json:"targetChannelId"`
	Destinations    []common.Hash `json:"destinations"`
}

// AssetOutcome is the per-asset part of an outcome. Exactly one of
// Allocation or Guarantee is meaningful; a non-nil Guarantee wins.
type AssetOutcome struct {
	AssetHolder common.Address   `json:"assetHolder"`
	Allocation  []AllocationItem `json:"allocation,omitempty"`
	Guarantee   *Guarantee       `json:"guarantee,omitempty"`
}

// Outcome describes how funds are distributed if the channel closes now.
type Outcome []AssetOutcome

// State is one channel snapshot, also called a commitment.
type State struct {
	Channel           Channel       `json:"channel"`
	TurnNum           uint64        `json:"turnNum"`
	IsFinal           bool          `json:"isFinal"`
	ChallengeDuration uint64        `json:"challengeDuration"`
	Outcome           Outcome       `json:"outcome"`
	AppData           hexutil.Bytes `json:"appData,omitempty"`
}

// SignedState is a state plus the mover's 65-byte signature.
type SignedState struct {
	State     State         `json:"state"`
	Signature hexutil.Bytes `json:"signature"`
}

// ChannelID returns the id of the state's channel.
func (s State) ChannelID() common.Hash {
	return s.Channel.ID()
}

// Mover returns participants[turnNum % n].
func Mover(s State) common.Address {
	n := uint64(len(s.Channel.Participants))
	if n == 0 {
		return common.Address{}
	}
	return s.Channel.Participants[s.TurnNum%n]
}

// StageOf classifies the state.
func StageOf(s State) Stage {
	n := uint64(len(s.Channel.Participants))
	switch {
	case s.IsFinal:
		return StageConclude
	case s.TurnNum < n:
		return StagePreFundSetup
	case s.TurnNum < 2*n:
		return StagePostFundSetup
	default:
		return StageRunning
	}
}

// Clone returns a deep copy of the state.
func (s State) Clone() State {
	out := s
	out.Channel = s.Channel.Clone()
	out.Outcome = s.Outcome.Clone()
	out.AppData = append([]byte(nil), s.AppData...)
	return out
}

// Clone returns a deep copy of the outcome.
func (o Outcome) Clone() Outcome {
	if o == nil {
		return nil
	}
	out := make(Outcome, len(o))
	for i, a := range o {
		cp := AssetOutcome{AssetHolder: a.AssetHolder}
		if a.Allocation != nil {
			cp.Allocation = make([]AllocationItem, len(a.Allocation))
			for j, item := range a.Allocation {
				cp.Allocation[j] = AllocationItem{Destination: item.Destination, Amount: new(big.Int).Set(bigOrZero(item.Amount))}
			}
		}
		if a.Guarantee != nil {
			g := *a.Guarantee
			g.Destinations = append([]common.Hash(nil), a.Guarantee.Destinations...)
			cp.Guarantee = &g
		}
		out[i] = cp
	}
	return out
}

// TotalsByAsset sums allocated amounts per asset holder. Guarantees allocate nothing.
func (o Outcome) TotalsByAsset() map[common.Address]*big.Int {
	totals := make(map[common.Address]*big.Int, len(o))
	for _, a := range o {
		sum, ok := totals[a.AssetHolder]
		if !ok {
			sum = new(big.Int)
			totals[a.AssetHolder] = sum
		}
		if a.Guarantee != nil {
			continue
		}
		for _, item := range a.Allocation {
			sum.Add(sum, bigOrZero(item.Amount))
		}
	}
	return totals
}

// AllocationFor returns the allocation for an asset holder.
func (o Outcome) AllocationFor(assetHolder common.Address) ([]AllocationItem, bool) {
	for _, a := range o {
		if a.AssetHolder == assetHolder && a.Guarantee == nil {
			return a.Allocation, true
		}
	}
	return nil, false
}

// AmountFor sums the allocation items paying dest for one asset.
func (o Outcome) AmountFor(assetHolder common.Address, dest common.Hash) *big.Int {
	sum := new(big.Int)
	items, _ := o.AllocationFor(assetHolder)
	for _, item := range items {
		if item.Destination == dest {
			sum.Add(sum, bigOrZero(item.Amount))
		}
	}
	return sum
}

var (
	bytes32Type, _  = abi.NewType("bytes32", "", nil)
	bytes32sType, _ = abi.NewType("bytes32[]", "", nil)
	uint256sType, _ = abi.NewType("uint256[]", "", nil)
	boolType, _     = abi.NewType("bool", "", nil)
	bytesType, _    = abi.NewType("bytes", "", nil)
	uint8Type, _    = abi.NewType("uint8", "", nil)

	assetOutcomeArgs = abi.Arguments{
		{Name: "assetHolder", Type: addressType},
		{Name: "kind", Type: uint8Type},
		{Name: "destinations", Type: bytes32sType},
		{Name: "amounts", Type: uint256sType},
		{Name: "target", Type: bytes32Type},
	}

	stateArgs = abi.Arguments{
		{Name: "channelId", Type: bytes32Type},
		{Name: "turnNum", Type: uint256Type},
		{Name: "isFinal", Type: boolType},
		{Name: "challengeDuration", Type: uint256Type},
		{Name: "outcomeHash", Type: bytes32Type},
		{Name: "appData", Type: bytesType},
	}
)

const (
	outcomeKindAllocation uint8 = 0
	outcomeKindGuarantee  uint8 = 1
)

// Hash returns keccak256 over the ABI-encoded outcome.
func (o Outcome) Hash() (common.Hash, error) {
	var buf []byte
	for _, a := range o {
		kind := outcomeKindAllocation
		var dests []common.Hash
		var amounts []*big.Int
		var target common.Hash
		if a.Guarantee != nil {
			kind = outcomeKindGuarantee
			target = a.Guarantee.TargetChannelID
			dests = append(dests, a.Guarantee.Destinations...)
		} else {
			for _, item := range a.Allocation {
				dests = append(dests, item.Destination)
				amounts = append(amounts, bigOrZero(item.Amount))
			}
		}
		if dests == nil {
			dests = []common.Hash{}
		}
		if amounts == nil {
			amounts = []*big.Int{}
		}
		destArr := make([][32]byte, len(dests))
		for i, d := range dests {
			destArr[i] = d
		}
		enc, err := assetOutcomeArgs.Pack(a.AssetHolder, kind, destArr, amounts, [32]byte(target))
		if err != nil {
			return common.Hash{}, fmt.Errorf("encode asset outcome: %w", err)
		}
		buf = append(buf, enc...)
	}
	return crypto.Keccak256Hash(buf), nil
}

// Hash returns the digest that participants sign.
func (s State) Hash() (common.Hash, error) {
	outcomeHash, err := s.Outcome.Hash()
	if err != nil {
		return common.Hash{}, err
	}
	appData := []byte(s.AppData)
	if appData == nil {
		appData = []byte{}
	}
	enc, err := stateArgs.Pack(
		[32]byte(s.ChannelID()),
		new(big.Int).SetUint64(s.TurnNum),
		s.IsFinal,
		new(big.Int).SetUint64(s.ChallengeDuration),
		[32]byte(outcomeHash),
		appData,
	)
	if err != nil {
		return common.Hash{}, fmt.Errorf("encode state: %w", err)
	}
	return crypto.Keccak256Hash(enc), nil
}
