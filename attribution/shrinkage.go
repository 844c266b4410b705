package attribution

import (
	"fmt"
	"math"
	"sort"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/stat"
)

// ---------------------------------------------------------------------------
// Partial pooling
// ---------------------------------------------------------------------------

// Pooling carries the hierarchical shrinkage parameters supplied by the
// skill-projection collaborator: the league-level prior variance τ² around a
// prior mean of zero, and the per-event noise variance σ².
type Pooling struct {
	PriorVar float64 // τ²
	NoiseVar float64 // σ²
}

func (p Pooling) validate() error {
	if p.PriorVar <= 0 || math.IsNaN(p.PriorVar) || math.IsInf(p.PriorVar, 0) {
		return &ConfigError{Reason: fmt.Sprintf("prior variance %g must be finite and positive", p.PriorVar)}
	}
	if p.NoiseVar <= 0 || math.IsNaN(p.NoiseVar) || math.IsInf(p.NoiseVar, 0) {
		return &ConfigError{Reason: fmt.Sprintf("noise variance %g must be finite and positive", p.NoiseVar)}
	}
	return nil
}

// ShrinkageFactor is the weight the data earns against the zero prior for an
// actor with n credited events:
//
//	w = n·τ² / (n·τ² + σ²)
//
// w → 1 as n grows, w → 0 as the prior tightens (τ² → 0).
func ShrinkageFactor(n int, p Pooling) float64 {
	if n <= 0 {
		return 0
	}
	nt := float64(n) * p.PriorVar
	return nt / (nt + p.NoiseVar)
}

// ---------------------------------------------------------------------------
// Rollups
// ---------------------------------------------------------------------------

// Attributed pairs an event with its computed record for aggregation. The
// record alone keys credits by role; the event supplies the actor identities
// and the period.
type Attributed struct {
	Event  Event
	Record *Record
}

// ActorPeriodTotal is one actor's derived value series entry for a period.
// Raw is the unshrunk credit total; Mean the per-event raw mean; Shrunk the
// partially-pooled mean pulled toward the league-average prior of zero.
type ActorPeriodTotal struct {
	Actor  uuid.UUID
	Period int
	Events int
	Raw    float64
	Mean   float64
	Shrunk float64
}

// Rollup aggregates per-event credits into per-actor, per-period totals with
// partial-pooling shrinkage. Output is a derived, recomputable view ordered
// by actor then period; the underlying records stay untouched.
func Rollup(items []Attributed, pooling Pooling) ([]ActorPeriodTotal, error) {
	if err := pooling.validate(); err != nil {
		return nil, err
	}

	type key struct {
		actor  uuid.UUID
		period int
	}
	sums := make(map[key]float64)
	counts := make(map[key]int)
	for _, it := range items {
		if it.Record == nil {
			return nil, &ConfigError{Reason: "nil record in rollup input"}
		}
		for role, credit := range it.Record.Credits {
			actor, ok := it.Event.Actors[role]
			if !ok {
				return nil, &ConsistencyError{Delta: it.Record.Delta, CreditSum: credit}
			}
			k := key{actor: actor, period: it.Event.Period}
			sums[k] += credit
			counts[k]++
		}
	}

	out := make([]ActorPeriodTotal, 0, len(sums))
	for k, raw := range sums {
		n := counts[k]
		mean := raw / float64(n)
		out = append(out, ActorPeriodTotal{
			Actor:  k.actor,
			Period: k.period,
			Events: n,
			Raw:    raw,
			Mean:   mean,
			Shrunk: mean * ShrinkageFactor(n, pooling),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Actor != out[j].Actor {
			return out[i].Actor.String() < out[j].Actor.String()
		}
		return out[i].Period < out[j].Period
	})
	return out, nil
}

// ---------------------------------------------------------------------------
// Ensemble rollups
// ---------------------------------------------------------------------------

// AttributedEnsemble pairs an event with its per-draw records.
type AttributedEnsemble struct {
	Event   Event
	Records []*Record // one per draw, same draw order across events
}

// ActorPeriodBand extends ActorPeriodTotal with uncertainty bands over the
// draw ensemble.
type ActorPeriodBand struct {
	ActorPeriodTotal
	Quantiles map[float64]float64 // quantile → shrunk value
}

// RollupEnsemble rolls up each draw independently and summarizes per-actor,
// per-period totals across draws: Raw, Mean and Shrunk in the embedded total
// are cross-draw means, the requested quantiles band the shrunk values.
// Events is the per-draw event count, which is the same in every draw
// attributing the same events.
func RollupEnsemble(items []AttributedEnsemble, pooling Pooling, quantiles []float64) ([]ActorPeriodBand, error) {
	if err := pooling.validate(); err != nil {
		return nil, err
	}
	for _, q := range quantiles {
		if q <= 0 || q >= 1 {
			return nil, &ConfigError{Reason: fmt.Sprintf("quantile %g outside (0, 1)", q)}
		}
	}
	if len(items) == 0 {
		return nil, nil
	}
	draws := len(items[0].Records)
	if draws == 0 {
		return nil, &ConfigError{Reason: "ensemble rollup input carries no draws"}
	}

	type key struct {
		actor  uuid.UUID
		period int
	}
	// Per-draw rollups, indexed by (actor, period).
	perDraw := make([]map[key]ActorPeriodTotal, draws)
	for d := 0; d < draws; d++ {
		flat := make([]Attributed, 0, len(items))
		for _, it := range items {
			if len(it.Records) != draws {
				return nil, &ConfigError{Reason: fmt.Sprintf("event %s has %d draws, want %d", it.Event.ID, len(it.Records), draws)}
			}
			flat = append(flat, Attributed{Event: it.Event, Record: it.Records[d]})
		}
		totals, err := Rollup(flat, pooling)
		if err != nil {
			return nil, fmt.Errorf("draw %d: %w", d, err)
		}
		perDraw[d] = make(map[key]ActorPeriodTotal, len(totals))
		for _, tot := range totals {
			perDraw[d][key{tot.Actor, tot.Period}] = tot
		}
	}

	// Keys are identical across draws when every draw attributes the same
	// events; take the union regardless.
	keys := make(map[key]bool)
	for d := range perDraw {
		for k := range perDraw[d] {
			keys[k] = true
		}
	}

	out := make([]ActorPeriodBand, 0, len(keys))
	for k := range keys {
		sample := make([]float64, 0, draws)
		var base ActorPeriodTotal
		var rawSum, meanSum float64
		for d := range perDraw {
			if tot, ok := perDraw[d][k]; ok {
				if len(sample) == 0 {
					base = tot
				}
				sample = append(sample, tot.Shrunk)
				rawSum += tot.Raw
				meanSum += tot.Mean
			}
		}
		sort.Float64s(sample)
		base.Raw = rawSum / float64(len(sample))
		base.Mean = meanSum / float64(len(sample))
		base.Shrunk = stat.Mean(sample, nil)
		band := ActorPeriodBand{
			ActorPeriodTotal: base,
			Quantiles:        make(map[float64]float64, len(quantiles)),
		}
		for _, q := range quantiles {
			band.Quantiles[q] = stat.Quantile(q, stat.Empirical, sample, nil)
		}
		out = append(out, band)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Actor != out[j].Actor {
			return out[i].Actor.String() < out[j].Actor.String()
		}
		return out[i].Period < out[j].Period
	})
	return out, nil
}
