// Package attribution decomposes per-event value changes into per-actor
// credits against replacement-level counterfactuals, enforcing the
// credit-conservation invariant: credits for an event always sum to that
// event's value delta.
package attribution

import (
	"fmt"
	"math"
	"sort"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/stat"

	"github.com/tannerhall/fieldvalue/markov"
)

// ---------------------------------------------------------------------------
// Types
// ---------------------------------------------------------------------------

// Role identifies an actor's function in an event (batter, pitcher, catcher,
// …). The role set is configuration; nothing here is sport-specific.
type Role string

// Event is one observed transition with its participating actors. Events are
// immutable once recorded.
type Event struct {
	ID     uuid.UUID
	From   markov.Symbol
	To     markov.Symbol
	Reward float64
	Actors map[Role]uuid.UUID
	Season string
	Period int
}

// Baseline is the skill-projection collaborator: it supplies the expected
// value delta for an event had the given role's actor been replaced by a
// replacement-level reference actor, all other inputs held fixed.
type Baseline interface {
	CounterfactualDelta(ev Event, role Role) (float64, error)
}

// Record is the immutable attribution of one event: the realized value delta
// and its decomposition into per-role credits. Σ Credits == Delta within the
// engine tolerance.
type Record struct {
	EventID uuid.UUID
	Delta   float64
	Credits map[Role]float64
}

// ---------------------------------------------------------------------------
// Engine
// ---------------------------------------------------------------------------

// Engine attributes events against a solved value table. It is a pure
// computation over its inputs; construct one per value table.
type Engine struct {
	values   *markov.ValueTable
	baseline Baseline
	roles    []Role
	tol      float64
}

// NewEngine validates the role set and tolerance up front. Tolerance is
// mandatory configuration; there is no implicit default.
func NewEngine(values *markov.ValueTable, baseline Baseline, roles []Role, tol float64) (*Engine, error) {
	if values == nil {
		return nil, &ConfigError{Reason: "nil value table"}
	}
	if baseline == nil {
		return nil, &ConfigError{Reason: "nil baseline collaborator"}
	}
	if len(roles) == 0 {
		return nil, &ConfigError{Reason: "empty role set"}
	}
	seen := make(map[Role]bool, len(roles))
	for _, r := range roles {
		if r == "" {
			return nil, &ConfigError{Reason: "empty role name"}
		}
		if seen[r] {
			return nil, &ConfigError{Reason: fmt.Sprintf("duplicate role %q", r)}
		}
		seen[r] = true
	}
	if tol <= 0 || math.IsNaN(tol) || math.IsInf(tol, 0) {
		return nil, &ConfigError{Reason: fmt.Sprintf("conservation tolerance %g must be finite and positive", tol)}
	}
	return &Engine{values: values, baseline: baseline, roles: roles, tol: tol}, nil
}

// Delta returns the raw value delta for an event: Δ = r + V(to) − V(from).
func (e *Engine) Delta(ev Event) (float64, error) {
	ns := e.values.Space.NumStates()
	if int(ev.From) >= ns || int(ev.To) >= ns {
		return 0, &markov.DataError{Reason: fmt.Sprintf("event %s references symbol outside the state space", ev.ID)}
	}
	if e.values.Space.IsAbsorbing(ev.From) {
		return 0, &markov.DataError{Reason: fmt.Sprintf("event %s departs absorbing state %q", ev.ID, e.values.Space.Name(ev.From))}
	}
	return ev.Reward + e.values.V[ev.To] - e.values.V[ev.From], nil
}

// Attribute decomposes an event's delta into per-role credits.
//
// For each participating role, the naive credit is Δ − Δ_role, where Δ_role
// is the counterfactual delta with that actor replaced. Interaction effects
// mean naive credits do not generally sum to Δ, so the whole vector is
// rescaled by Δ/Σ(naive). Sign is preserved: an actor who made the outcome
// worse than replacement keeps a negative credit.
//
// A naive sum of ~0 against a material Δ cannot be conserved and is a
// ConsistencyError; if both are ~0, every role is credited zero.
func (e *Engine) Attribute(ev Event) (*Record, error) {
	delta, err := e.Delta(ev)
	if err != nil {
		return nil, err
	}

	naive := make(map[Role]float64, len(e.roles))
	var naiveSum float64
	for _, role := range e.roles {
		if _, present := ev.Actors[role]; !present {
			continue
		}
		cf, err := e.baseline.CounterfactualDelta(ev, role)
		if err != nil {
			return nil, fmt.Errorf("counterfactual for role %q: %w", role, err)
		}
		if math.IsNaN(cf) || math.IsInf(cf, 0) {
			return nil, &markov.DataError{Reason: fmt.Sprintf("non-finite counterfactual delta for role %q on event %s", role, ev.ID)}
		}
		naive[role] = delta - cf
		naiveSum += delta - cf
	}
	if len(naive) == 0 {
		return nil, &markov.DataError{Reason: fmt.Sprintf("event %s has no actor in the configured role set", ev.ID)}
	}

	credits := make(map[Role]float64, len(naive))
	switch {
	case math.Abs(naiveSum) < e.tol && math.Abs(delta) < e.tol:
		for role := range naive {
			credits[role] = 0
		}
	case math.Abs(naiveSum) < e.tol:
		return nil, &ConsistencyError{Delta: delta, CreditSum: naiveSum}
	default:
		scale := delta / naiveSum
		var sum float64
		for role, c := range naive {
			credits[role] = c * scale
			sum += c * scale
		}
		if math.Abs(sum-delta) > e.tol {
			return nil, &ConsistencyError{Delta: delta, CreditSum: sum}
		}
	}

	return &Record{EventID: ev.ID, Delta: delta, Credits: credits}, nil
}

// ---------------------------------------------------------------------------
// Ensemble attribution
// ---------------------------------------------------------------------------

// CreditBand summarizes one role's credit across value-table draws.
type CreditBand struct {
	Mean      float64
	Quantiles map[float64]float64
}

// EnsembleRecord is the draw-ensemble counterpart of Record: per-role credit
// distributions rather than point credits.
type EnsembleRecord struct {
	EventID   uuid.UUID
	MeanDelta float64
	Credits   map[Role]CreditBand
}

// AttributeEnsemble attributes an event once per value-table draw and
// summarizes the per-role credit distribution. Conservation is enforced
// per draw.
func AttributeEnsemble(sum *markov.ValueSummary, baseline Baseline, roles []Role, tol float64, quantiles []float64, ev Event) (*EnsembleRecord, error) {
	if len(sum.Draws) == 0 {
		return nil, &ConfigError{Reason: "value summary carries no draws"}
	}
	perRole := make(map[Role][]float64)
	var deltaSum float64
	for i, vt := range sum.Draws {
		eng, err := NewEngine(vt, baseline, roles, tol)
		if err != nil {
			return nil, err
		}
		rec, err := eng.Attribute(ev)
		if err != nil {
			return nil, fmt.Errorf("draw %d: %w", i, err)
		}
		deltaSum += rec.Delta
		for role, c := range rec.Credits {
			perRole[role] = append(perRole[role], c)
		}
	}

	out := &EnsembleRecord{
		EventID:   ev.ID,
		MeanDelta: deltaSum / float64(len(sum.Draws)),
		Credits:   make(map[Role]CreditBand, len(perRole)),
	}
	for role, cs := range perRole {
		sort.Float64s(cs)
		band := CreditBand{
			Mean:      stat.Mean(cs, nil),
			Quantiles: make(map[float64]float64, len(quantiles)),
		}
		for _, q := range quantiles {
			if q <= 0 || q >= 1 {
				return nil, &ConfigError{Reason: fmt.Sprintf("quantile %g outside (0, 1)", q)}
			}
			band.Quantiles[q] = stat.Quantile(q, stat.Empirical, cs, nil)
		}
		out.Credits[role] = band
	}
	return out, nil
}
