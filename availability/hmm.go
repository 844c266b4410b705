// Package availability infers and forecasts a subject's latent availability
// state from per-period activity labels with a discrete hidden Markov model:
// forward-backward smoothing, Viterbi decoding, horizon risk forecasts, and
// pooled parameter estimation across subjects.
//
// Like the rest of the core, everything here is a pure function of its
// inputs; observation feeds and refit scheduling live in the service tier.
package availability

import (
	"fmt"
	"math"
)

// rowSumTol is the tolerance for checking that a probability row sums to 1.
const rowSumTol = 1e-9

// Label is an observed per-period activity label (index into the emission
// alphabet), or Missing for a period with no observation.
type Label int

// Missing marks a period with no recorded observation. A missing period
// contributes no emission evidence; only the transition step applies.
const Missing Label = -1

// Params are the HMM parameters: initial latent-state distribution, latent
// transition matrix, and per-state emission distribution over labels. All
// rows are probability distributions summing to 1.
type Params struct {
	Init  []float64   // K
	Trans [][]float64 // K×K
	Emit  [][]float64 // K×M
}

// NumStates returns the latent-state count K.
func (p *Params) NumStates() int { return len(p.Init) }

// NumLabels returns the emission alphabet size M.
func (p *Params) NumLabels() int {
	if len(p.Emit) == 0 {
		return 0
	}
	return len(p.Emit[0])
}

// Validate checks dimensions and row normalization.
func (p *Params) Validate() error {
	k := p.NumStates()
	if k == 0 {
		return &ConfigError{Reason: "no latent states"}
	}
	if len(p.Trans) != k || len(p.Emit) != k {
		return &ConfigError{Reason: fmt.Sprintf("dimension mismatch: %d init, %d trans rows, %d emit rows", k, len(p.Trans), len(p.Emit))}
	}
	m := p.NumLabels()
	if m == 0 {
		return &ConfigError{Reason: "empty emission alphabet"}
	}
	if err := checkRow("init", p.Init); err != nil {
		return err
	}
	for i := range p.Trans {
		if len(p.Trans[i]) != k {
			return &ConfigError{Reason: fmt.Sprintf("trans row %d has %d entries, want %d", i, len(p.Trans[i]), k)}
		}
		if err := checkRow(fmt.Sprintf("trans[%d]", i), p.Trans[i]); err != nil {
			return err
		}
	}
	for i := range p.Emit {
		if len(p.Emit[i]) != m {
			return &ConfigError{Reason: fmt.Sprintf("emit row %d has %d entries, want %d", i, len(p.Emit[i]), m)}
		}
		if err := checkRow(fmt.Sprintf("emit[%d]", i), p.Emit[i]); err != nil {
			return err
		}
	}
	return nil
}

func checkRow(name string, row []float64) error {
	var sum float64
	for _, v := range row {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return &ConfigError{Reason: fmt.Sprintf("%s has invalid probability %g", name, v)}
		}
		sum += v
	}
	if math.Abs(sum-1) > rowSumTol {
		return &ConfigError{Reason: fmt.Sprintf("%s sums to %g, want 1", name, sum)}
	}
	return nil
}

// checkObs validates an observation sequence against the emission alphabet
// and rejects labels that are impossible under every latent state.
func checkObs(p *Params, obs []Label) error {
	if len(obs) == 0 {
		return &DataError{Reason: "empty observation sequence"}
	}
	m := p.NumLabels()
	for t, o := range obs {
		if o == Missing {
			continue
		}
		if int(o) < 0 || int(o) >= m {
			return &DataError{Reason: fmt.Sprintf("label %d at period %d outside alphabet of size %d", o, t, m)}
		}
		var support float64
		for k := range p.Emit {
			support += p.Emit[k][o]
		}
		if support == 0 {
			return &DataInconsistencyError{Period: t, Label: o}
		}
	}
	return nil
}
