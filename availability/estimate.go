package availability

import (
	"fmt"
	"math"
)

// ---------------------------------------------------------------------------
// Pooled parameter estimation (Baum-Welch across subjects)
// ---------------------------------------------------------------------------

// FitOptions configures pooled estimation. Tolerance, iteration cap and
// prior strength are mandatory; the priors stabilize estimates for thin
// pooled histories the same way the transition model's pooled prior does.
type FitOptions struct {
	Tol           float64
	MaxIter       int
	PriorStrength float64 // pseudo-count weight k on each prior row
	InitPrior     []float64
	TransPrior    [][]float64
	EmitPrior     [][]float64
}

// FitStats reports how an estimation run converged.
type FitStats struct {
	Iterations    int
	LogLikelihood float64
}

// Fit estimates HMM parameters from all subjects' observation sequences by
// expectation-maximization, pooling expected counts across subjects so
// short histories borrow strength from the population. Each M-step applies
// pseudo-count smoothing toward the supplied priors:
//
//	row = (expected counts + k·prior row) / (total + k)
//
// Iteration stops when the pooled log-likelihood moves less than Tol between
// sweeps; exceeding MaxIter is a ConvergenceError and no parameters are
// returned.
func Fit(sequences [][]Label, start Params, opts FitOptions) (*Params, FitStats, error) {
	var stats FitStats
	if err := start.Validate(); err != nil {
		return nil, stats, err
	}
	if err := checkFitOptions(&start, opts); err != nil {
		return nil, stats, err
	}
	if len(sequences) == 0 {
		return nil, stats, &DataError{Reason: "no observation sequences"}
	}
	for si, seq := range sequences {
		if err := checkObs(&start, seq); err != nil {
			return nil, stats, fmt.Errorf("subject %d: %w", si, err)
		}
	}

	k, m := start.NumStates(), start.NumLabels()
	cur := clone(&start)
	prevLL := math.Inf(-1)

	for iter := 1; iter <= opts.MaxIter; iter++ {
		initCount := make([]float64, k)
		transCount := make([][]float64, k)
		emitCount := make([][]float64, k)
		for i := 0; i < k; i++ {
			transCount[i] = make([]float64, k)
			emitCount[i] = make([]float64, m)
		}

		// E-step: accumulate expected counts over every subject.
		var ll float64
		e := make([]float64, k)
		for si, seq := range sequences {
			fb, err := forwardBackward(cur, seq)
			if err != nil {
				return nil, stats, fmt.Errorf("subject %d: %w", si, err)
			}
			ll += fb.loglik

			tlen := len(seq)
			for t := 0; t < tlen; t++ {
				// gamma_t ∝ alpha_t · beta_t.
				var gsum float64
				for i := 0; i < k; i++ {
					gsum += fb.alpha[t][i] * fb.beta[t][i]
				}
				for i := 0; i < k; i++ {
					g := fb.alpha[t][i] * fb.beta[t][i] / gsum
					if t == 0 {
						initCount[i] += g
					}
					if seq[t] != Missing {
						emitCount[i][seq[t]] += g
					}
				}
			}
			for t := 0; t < tlen-1; t++ {
				emissionAt(cur, seq, t+1, e)
				// xi_t(i,j) ∝ alpha_t(i)·A(i,j)·e_{t+1}(j)·beta_{t+1}(j),
				// normalized per step.
				var xsum float64
				for i := 0; i < k; i++ {
					for j := 0; j < k; j++ {
						xsum += fb.alpha[t][i] * cur.Trans[i][j] * e[j] * fb.beta[t+1][j]
					}
				}
				if xsum == 0 {
					return nil, stats, &DataInconsistencyError{Period: t + 1, Label: seq[t+1]}
				}
				for i := 0; i < k; i++ {
					for j := 0; j < k; j++ {
						transCount[i][j] += fb.alpha[t][i] * cur.Trans[i][j] * e[j] * fb.beta[t+1][j] / xsum
					}
				}
			}
		}

		// M-step with pseudo-count smoothing.
		next := &Params{
			Init:  smoothRow(initCount, opts.InitPrior, opts.PriorStrength),
			Trans: make([][]float64, k),
			Emit:  make([][]float64, k),
		}
		for i := 0; i < k; i++ {
			next.Trans[i] = smoothRow(transCount[i], opts.TransPrior[i], opts.PriorStrength)
			next.Emit[i] = smoothRow(emitCount[i], opts.EmitPrior[i], opts.PriorStrength)
		}

		stats.Iterations = iter
		stats.LogLikelihood = ll
		cur = next
		if math.Abs(ll-prevLL) < opts.Tol {
			return cur, stats, nil
		}
		prevLL = ll
	}
	return nil, stats, &ConvergenceError{Iterations: opts.MaxIter, LogLikelihood: stats.LogLikelihood}
}

// smoothRow blends expected counts with k·prior and normalizes to 1.
func smoothRow(counts, prior []float64, k float64) []float64 {
	out := make([]float64, len(counts))
	var total float64
	for _, c := range counts {
		total += c
	}
	denom := total + k
	var sum float64
	for i := range counts {
		out[i] = (counts[i] + k*prior[i]) / denom
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

func checkFitOptions(p *Params, opts FitOptions) error {
	if opts.Tol <= 0 || math.IsNaN(opts.Tol) || math.IsInf(opts.Tol, 0) {
		return &ConfigError{Reason: fmt.Sprintf("fit tolerance %g must be finite and positive", opts.Tol)}
	}
	if opts.MaxIter <= 0 {
		return &ConfigError{Reason: fmt.Sprintf("iteration cap %d must be positive", opts.MaxIter)}
	}
	if opts.PriorStrength <= 0 || math.IsNaN(opts.PriorStrength) || math.IsInf(opts.PriorStrength, 0) {
		return &ConfigError{Reason: fmt.Sprintf("prior strength %g must be finite and positive", opts.PriorStrength)}
	}
	k, m := p.NumStates(), p.NumLabels()
	if len(opts.InitPrior) != k {
		return &ConfigError{Reason: fmt.Sprintf("init prior has %d entries, want %d", len(opts.InitPrior), k)}
	}
	if err := checkRow("init prior", opts.InitPrior); err != nil {
		return err
	}
	if len(opts.TransPrior) != k || len(opts.EmitPrior) != k {
		return &ConfigError{Reason: "prior row counts do not match latent-state count"}
	}
	for i := 0; i < k; i++ {
		if len(opts.TransPrior[i]) != k {
			return &ConfigError{Reason: fmt.Sprintf("trans prior row %d has %d entries, want %d", i, len(opts.TransPrior[i]), k)}
		}
		if err := checkRow(fmt.Sprintf("trans prior[%d]", i), opts.TransPrior[i]); err != nil {
			return err
		}
		if len(opts.EmitPrior[i]) != m {
			return &ConfigError{Reason: fmt.Sprintf("emit prior row %d has %d entries, want %d", i, len(opts.EmitPrior[i]), m)}
		}
		if err := checkRow(fmt.Sprintf("emit prior[%d]", i), opts.EmitPrior[i]); err != nil {
			return err
		}
	}
	return nil
}

func clone(p *Params) *Params {
	out := &Params{
		Init:  append([]float64{}, p.Init...),
		Trans: make([][]float64, len(p.Trans)),
		Emit:  make([][]float64, len(p.Emit)),
	}
	for i := range p.Trans {
		out.Trans[i] = append([]float64{}, p.Trans[i]...)
	}
	for i := range p.Emit {
		out.Emit[i] = append([]float64{}, p.Emit[i]...)
	}
	return out
}
