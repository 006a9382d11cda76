package channel

import "math/big"

// CheckTransition returns nil when next may follow prev, ErrValueLost when only
// value preservation fails, and ErrInvalidTransition otherwise.
func CheckTransition(prev, next State) error {
	if next.TurnNum != prev.TurnNum+1 {
		return ErrInvalidTransition
	}
	if !next.Channel.Equal(prev.Channel) {
		return ErrInvalidTransition
	}
	n := uint64(len(prev.Channel.Participants))
	if n == 0 {
		return ErrInvalidTransition
	}
	if Mover(next) != prev.Channel.Participants[(prev.TurnNum+1)%n] {
		return ErrInvalidTransition
	}
	if prev.IsFinal && !next.IsFinal {
		return ErrInvalidTransition
	}
	if prev.TurnNum > 0 && !next.IsFinal && !ValuePreserved(prev, next) {
		return ErrValueLost
	}
	return nil
}

// ValidTransition is the predicate form of CheckTransition.
func ValidTransition(prev, next State) bool {
	return CheckTransition(prev, next) == nil
}

// ValuePreserved compares per-asset allocation totals and guarantee targets.
func ValuePreserved(prev, next State) bool {
	before := prev.Outcome.TotalsByAsset()
	after := next.Outcome.TotalsByAsset()
	if len(before) != len(after) {
		return false
	}
	for asset, total := range before {
		other, ok := after[asset]
		if !ok || total.Cmp(other) != 0 {
			return false
		}
	}
	return sameGuaranteeTargets(prev.Outcome, next.Outcome)
}

func sameGuaranteeTargets(a, b Outcome) bool {
	targets := func(o Outcome) map[string]struct{} {
		out := make(map[string]struct{})
		for _, ao := range o {
			if ao.Guarantee != nil {
				out[ao.AssetHolder.Hex()+"/"+ao.Guarantee.TargetChannelID.Hex()] = struct{}{}
			}
		}
		return out
	}
	ta, tb := targets(a), targets(b)
	if len(ta) != len(tb) {
		return false
	}
	for k := range ta {
		if _, ok := tb[k]; !ok {
			return false
		}
	}
	return true
}

// OurTurn reports whether the participant at ourIndex moves after lastTurnNum.
func OurTurn(ourIndex int, lastTurnNum uint64, n int) bool {
	if n <= 0 || ourIndex < 0 {
		return false
	}
	return (lastTurnNum+1)%uint64(n) == uint64(ourIndex)
}

// SumAmounts adds a list of amounts, treating nil as zero.
func SumAmounts(amounts []*big.Int) *big.Int {
	sum := new(big.Int)
	for _, a := range amounts {
		sum.Add(sum, bigOrZero(a))
	}
	return sum
}
