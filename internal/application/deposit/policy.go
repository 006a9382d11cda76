package deposit

import (
	"errors"
	"math/big"
	"strings"

	"github.com/Knetic/govaluate"
)

// Policy guards hub top-ups with a boolean expression over shortfall,
// holdings, total and participants. An empty policy allows everything.
type Policy struct {
	source string
	expr   *govaluate.EvaluableExpression
}

// ParsePolicy compiles a policy expression. Supports "true"/"false" literals.
func ParsePolicy(source string) (*Policy, error) {
	cond := strings.TrimSpace(source)
	p := &Policy{source: cond}
	switch strings.ToLower(cond) {
	case "", "true", "false":
		return p, nil
	}
	expr, err := govaluate.NewEvaluableExpression(cond)
	if err != nil {
		return nil, err
	}
	p.expr = expr
	return p, nil
}

func (p *Policy) String() string {
	if p == nil {
		return ""
	}
	return p.source
}

// PolicyInput is the evaluation context of one top-up.
type PolicyInput struct {
	Shortfall    *big.Int
	Holdings     *big.Int
	Total        *big.Int
	Participants int
}

// Allows evaluates the policy.
func (p *Policy) Allows(in PolicyInput) (bool, error) {
	if p == nil {
		return true, nil
	}
	switch strings.ToLower(p.source) {
	case "", "true":
		return true, nil
	case "false":
		return false, nil
	}
	result, err := p.expr.Evaluate(map[string]interface{}{
		"shortfall":    toFloat(in.Shortfall),
		"holdings":     toFloat(in.Holdings),
		"total":        toFloat(in.Total),
		"participants": float64(in.Participants),
	})
	if err != nil {
		return false, err
	}
	switch v := result.(type) {
	case bool:
		return v, nil
	default:
		return false, errors.New("funding policy did not evaluate to boolean")
	}
}

// govaluate compares numbers as float64; amounts beyond 2^53 lose precision.
func toFloat(v *big.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(v).Float64()
	return f
}
