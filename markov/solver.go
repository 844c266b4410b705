package markov

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"sort"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// ---------------------------------------------------------------------------
// Types
// ---------------------------------------------------------------------------

// Method selects how the absorbing-chain linear system is solved.
type Method uint8

const (
	// Direct solves (I − Q)·V = r by dense LU factorization. Exact up to
	// floating error; preferred for small state spaces.
	Direct Method = iota
	// Iterative applies value-iteration relaxation until the sup-norm update
	// falls below tolerance. Preferred for large sparse spaces.
	Iterative
)

// SolveOptions configures the value solver. Tol and MaxIter are mandatory for
// the iterative method; Quantiles applies to ensemble summaries.
type SolveOptions struct {
	Method    Method
	Tol       float64
	MaxIter   int
	Quantiles []float64
}

// ValueTable maps each state to its expected cumulative reward until
// absorption. Absorbing entries are zero.
type ValueTable struct {
	Space *StateSpace
	V     []float64 // length NumStates
}

// ValueSummary is the per-state distribution of value across an ensemble of
// transition-matrix draws.
type ValueSummary struct {
	Space     *StateSpace
	Draws     []*ValueTable
	Mean      []float64
	Variance  []float64
	Quantiles map[float64][]float64 // quantile → per-state value
}

// ---------------------------------------------------------------------------
// Solve
// ---------------------------------------------------------------------------

// Solve computes the value function for a fitted transition matrix:
//
//	V(s) = Σ_{s'} P(s→s')·(R(s,s') + V(s'))   for transient s
//	V(s) = 0                                   for absorbing s
//
// Every transient state must reach absorption with positive probability;
// violations surface as UnreachableAbsorptionError before any numeric work.
// An iterative solve that exceeds MaxIter fails with ConvergenceError rather
// than returning a partial result.
func Solve(ctx context.Context, m *Matrix, opts SolveOptions) (*ValueTable, error) {
	if err := checkSolveOptions(opts); err != nil {
		return nil, err
	}
	if err := CheckAbsorption(m); err != nil {
		return nil, err
	}

	nt, ns := m.Space.NumTransient(), m.Space.NumStates()

	// Expected one-step reward per transient state.
	r := make([]float64, nt)
	for s := 0; s < nt; s++ {
		for t := 0; t < ns; t++ {
			r[s] += m.P[s][t] * m.R[s][t]
		}
	}

	var vt []float64
	var err error
	switch opts.Method {
	case Direct:
		vt, err = solveDirect(m, r)
	case Iterative:
		vt, err = solveIterative(ctx, m, r, opts.Tol, opts.MaxIter)
	default:
		return nil, &ConfigError{Reason: fmt.Sprintf("unknown solve method %d", opts.Method)}
	}
	if err != nil {
		return nil, err
	}

	v := make([]float64, ns)
	copy(v, vt)
	return &ValueTable{Space: m.Space, V: v}, nil
}

// solveDirect solves (I − Q)·V = r with a dense LU factorization, where Q is
// the transient-to-transient block of P.
func solveDirect(m *Matrix, r []float64) ([]float64, error) {
	nt := m.Space.NumTransient()
	a := mat.NewDense(nt, nt, nil)
	for i := 0; i < nt; i++ {
		for j := 0; j < nt; j++ {
			v := -m.P[i][j]
			if i == j {
				v++
			}
			a.Set(i, j, v)
		}
	}
	b := mat.NewVecDense(nt, r)
	var v mat.VecDense
	if err := v.SolveVec(a, b); err != nil {
		// Reachability holds, so (I − Q) is nonsingular in exact arithmetic;
		// failure here is numeric conditioning, not model structure.
		return nil, fmt.Errorf("markov: direct solve: %w", err)
	}
	return v.RawVector().Data, nil
}

// solveIterative relaxes V ← r + Q·V until the sup-norm update is below tol.
// The context is checked each sweep so long solves stay cancellable.
func solveIterative(ctx context.Context, m *Matrix, r []float64, tol float64, maxIter int) ([]float64, error) {
	nt := m.Space.NumTransient()
	v := make([]float64, nt)
	next := make([]float64, nt)
	residual := math.Inf(1)

	for iter := 0; iter < maxIter; iter++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("markov: iterative solve canceled: %w", err)
		}
		residual = 0
		for s := 0; s < nt; s++ {
			acc := r[s]
			for t := 0; t < nt; t++ {
				acc += m.P[s][t] * v[t]
			}
			next[s] = acc
			if d := math.Abs(acc - v[s]); d > residual {
				residual = d
			}
		}
		v, next = next, v
		if residual < tol {
			return v, nil
		}
	}
	return nil, &ConvergenceError{Iterations: maxIter, Residual: residual}
}

// CheckAbsorption verifies that every transient state has a positive-
// probability path to some absorbing state, by breadth-first search over
// reversed positive-probability edges starting from the absorbing set.
func CheckAbsorption(m *Matrix) error {
	nt, ns := m.Space.NumTransient(), m.Space.NumStates()

	// reverse[t] = transient states with a positive edge into t.
	reverse := make([][]int, ns)
	for s := 0; s < nt; s++ {
		for t := 0; t < ns; t++ {
			if m.P[s][t] > 0 && s != t {
				reverse[t] = append(reverse[t], s)
			}
		}
	}

	reaches := make([]bool, ns)
	queue := make([]int, 0, ns)
	for t := nt; t < ns; t++ {
		reaches[t] = true
		queue = append(queue, t)
	}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, s := range reverse[cur] {
			if !reaches[s] {
				reaches[s] = true
				queue = append(queue, s)
			}
		}
	}

	for s := 0; s < nt; s++ {
		if !reaches[s] {
			return &UnreachableAbsorptionError{State: m.Space.Name(Symbol(s))}
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Ensemble solve
// ---------------------------------------------------------------------------

// SolveEnsemble solves each draw independently (in parallel, cancellable via
// ctx) and summarizes the per-state value distribution. Draws are never
// averaged before solving.
func SolveEnsemble(ctx context.Context, draws []*Matrix, opts SolveOptions) (*ValueSummary, error) {
	if len(draws) == 0 {
		return nil, &ConfigError{Reason: "no matrix draws supplied"}
	}
	for _, q := range opts.Quantiles {
		if q <= 0 || q >= 1 {
			return nil, &ConfigError{Reason: fmt.Sprintf("quantile %g outside (0, 1)", q)}
		}
	}
	space := draws[0].Space

	tables := make([]*ValueTable, len(draws))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, m := range draws {
		i, m := i, m
		g.Go(func() error {
			vt, err := Solve(gctx, m, opts)
			if err != nil {
				return fmt.Errorf("draw %d: %w", i, err)
			}
			tables[i] = vt
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	ns := space.NumStates()
	sum := &ValueSummary{
		Space:     space,
		Draws:     tables,
		Mean:      make([]float64, ns),
		Variance:  make([]float64, ns),
		Quantiles: make(map[float64][]float64, len(opts.Quantiles)),
	}
	for _, q := range opts.Quantiles {
		sum.Quantiles[q] = make([]float64, ns)
	}

	sample := make([]float64, len(tables))
	for s := 0; s < ns; s++ {
		for i, vt := range tables {
			sample[i] = vt.V[s]
		}
		sort.Float64s(sample)
		mean, variance := stat.MeanVariance(sample, nil)
		sum.Mean[s] = mean
		if len(sample) > 1 {
			sum.Variance[s] = variance
		}
		for _, q := range opts.Quantiles {
			sum.Quantiles[q][s] = stat.Quantile(q, stat.Empirical, sample, nil)
		}
	}
	return sum, nil
}

// checkSolveOptions validates tolerance and iteration settings. Both are
// mandatory configuration for the iterative method; there are no implicit
// defaults.
func checkSolveOptions(opts SolveOptions) error {
	if opts.Method == Iterative {
		if opts.Tol <= 0 || math.IsNaN(opts.Tol) || math.IsInf(opts.Tol, 0) {
			return &ConfigError{Reason: fmt.Sprintf("iterative solve tolerance %g must be finite and positive", opts.Tol)}
		}
		if opts.MaxIter <= 0 {
			return &ConfigError{Reason: fmt.Sprintf("iteration cap %d must be positive", opts.MaxIter)}
		}
	}
	return nil
}
