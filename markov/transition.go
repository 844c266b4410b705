package markov

import (
	"fmt"
	"math"
)

// rowSumTol is the tolerance for checking that a probability row sums to 1.
const rowSumTol = 1e-9

// ---------------------------------------------------------------------------
// Types
// ---------------------------------------------------------------------------

// Observation is one observed transition from the event log: the state before
// the event, the state after, and the immediate reward realized on the play
// (runs scored, points, etc.).
type Observation struct {
	From   Symbol
	To     Symbol
	Reward float64
}

// Prior is a pooled reference transition distribution, typically estimated
// from a larger population (league-wide history). Rows holds one
// row-stochastic distribution over the full state set per transient state.
type Prior struct {
	Rows [][]float64
}

// Matrix is a fitted transition model: for each transient state, a
// probability distribution over successor states and the expected immediate
// reward per transition. Rows of P sum to 1; R is meaningful only where P is
// positive.
type Matrix struct {
	Space *StateSpace
	P     [][]float64 // NumTransient × NumStates
	R     [][]float64 // NumTransient × NumStates
}

// ---------------------------------------------------------------------------
// Estimation
// ---------------------------------------------------------------------------

// Estimate fits a transition matrix from observations with pseudo-count
// smoothing toward the pooled prior:
//
//	P(s→s') = (count(s,s') + k·prior(s,s')) / (total(s) + k)
//
// A state with no observations reproduces the prior row exactly. Every output
// row is renormalized so it sums to 1 within floating tolerance. Expected
// immediate rewards are the observed per-transition means; transitions seen
// only through the prior carry reward 0.
func Estimate(space *StateSpace, obs []Observation, prior Prior, k float64) (*Matrix, error) {
	if k < 0 || math.IsNaN(k) || math.IsInf(k, 0) {
		return nil, &ConfigError{Reason: fmt.Sprintf("prior strength k=%g must be finite and non-negative", k)}
	}
	nt, ns := space.NumTransient(), space.NumStates()
	if err := validatePrior(space, prior); err != nil {
		return nil, err
	}

	counts := make([][]float64, nt)
	rewardSum := make([][]float64, nt)
	totals := make([]float64, nt)
	for i := range counts {
		counts[i] = make([]float64, ns)
		rewardSum[i] = make([]float64, ns)
	}

	for _, o := range obs {
		if int(o.From) >= ns || int(o.To) >= ns {
			return nil, &DataError{Reason: fmt.Sprintf("observation references symbol %d outside the state space", max16(o.From, o.To))}
		}
		if space.IsAbsorbing(o.From) {
			return nil, &DataError{Reason: fmt.Sprintf("observation departs absorbing state %q", space.Name(o.From))}
		}
		if math.IsNaN(o.Reward) || math.IsInf(o.Reward, 0) {
			return nil, &DataError{Reason: fmt.Sprintf("non-finite reward on %q → %q", space.Name(o.From), space.Name(o.To))}
		}
		counts[o.From][o.To]++
		rewardSum[o.From][o.To] += o.Reward
		totals[o.From]++
	}

	m := &Matrix{
		Space: space,
		P:     make([][]float64, nt),
		R:     make([][]float64, nt),
	}
	for s := 0; s < nt; s++ {
		m.P[s] = make([]float64, ns)
		m.R[s] = make([]float64, ns)
		denom := totals[s] + k
		if denom == 0 {
			// k=0 and no observations: nothing constrains this row.
			return nil, &DataError{Reason: fmt.Sprintf("state %q has no observations and zero prior strength; row not normalizable", space.Name(s2sym(s)))}
		}
		var rowSum float64
		for t := 0; t < ns; t++ {
			m.P[s][t] = (counts[s][t] + k*prior.Rows[s][t]) / denom
			rowSum += m.P[s][t]
			if counts[s][t] > 0 {
				m.R[s][t] = rewardSum[s][t] / counts[s][t]
			}
		}
		// Exact renormalization; smoothing arithmetic can drift at the ulp level.
		for t := 0; t < ns; t++ {
			m.P[s][t] /= rowSum
		}
	}
	return m, nil
}

// EstimateEnsemble fits one matrix per posterior prior draw. Draws are kept
// separate — never averaged — so downstream stages propagate the full
// ensemble.
func EstimateEnsemble(space *StateSpace, obs []Observation, draws []Prior, k float64) ([]*Matrix, error) {
	if len(draws) == 0 {
		return nil, &ConfigError{Reason: "no prior draws supplied"}
	}
	out := make([]*Matrix, len(draws))
	for i, d := range draws {
		m, err := Estimate(space, obs, d, k)
		if err != nil {
			return nil, fmt.Errorf("draw %d: %w", i, err)
		}
		out[i] = m
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Validation helpers
// ---------------------------------------------------------------------------

// validatePrior checks shape and row normalization of a pooled prior.
func validatePrior(space *StateSpace, prior Prior) error {
	nt, ns := space.NumTransient(), space.NumStates()
	if len(prior.Rows) != nt {
		return &DataError{Reason: fmt.Sprintf("prior has %d rows, state space has %d transient states", len(prior.Rows), nt)}
	}
	for s, row := range prior.Rows {
		if len(row) != ns {
			return &DataError{Reason: fmt.Sprintf("prior row %q has %d entries, want %d", space.Name(s2sym(s)), len(row), ns)}
		}
		var sum float64
		for _, p := range row {
			if p < 0 || math.IsNaN(p) || math.IsInf(p, 0) {
				return &DataError{Reason: fmt.Sprintf("prior row %q has invalid probability %g", space.Name(s2sym(s)), p)}
			}
			sum += p
		}
		if math.Abs(sum-1) > rowSumTol {
			return &DataError{Reason: fmt.Sprintf("prior row %q sums to %g, not normalizable", space.Name(s2sym(s)), sum)}
		}
	}
	return nil
}

func s2sym(i int) Symbol { return Symbol(i) }

func max16(a, b Symbol) Symbol {
	if a > b {
		return a
	}
	return b
}
