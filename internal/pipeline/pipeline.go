// Package pipeline orchestrates the batch fits: per-season transition
// estimation, value solving, attribution and rollup on one side; pooled
// availability fitting, smoothing, decoding and forecasting on the other.
package pipeline

import (
	"context"
	"fmt"
	"hash/fnv"
	"math/rand"
	"runtime"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/tannerhall/fieldvalue/attribution"
	"github.com/tannerhall/fieldvalue/availability"
	"github.com/tannerhall/fieldvalue/internal/config"
	"github.com/tannerhall/fieldvalue/markov"
)

// Store is the persistence surface the pipeline needs.
type Store interface {
	Seasons(ctx context.Context) ([]string, error)
	Events(ctx context.Context, season string, space *markov.StateSpace) ([]attribution.Event, error)
	Baselines(ctx context.Context, season string) (map[attribution.Role]float64, error)
	SaveRecords(ctx context.Context, season string, items []attribution.Attributed) error
	Subjects(ctx context.Context) ([]uuid.UUID, error)
	Observations(ctx context.Context, subject uuid.UUID) ([]availability.Label, error)
}

// Cache is the value-table cache surface.
type Cache interface {
	PutValueTable(ctx context.Context, season string, vt *markov.ValueTable) error
	Invalidate(ctx context.Context, season string) error
}

// Pipeline wires the core packages to storage and cache.
type Pipeline struct {
	log   *logrus.Logger
	store Store
	cache Cache
	cfg   *config.Config
	space *markov.StateSpace
}

// New builds a pipeline over the base-out state space.
func New(log *logrus.Logger, store Store, cache Cache, cfg *config.Config) (*Pipeline, error) {
	space, err := markov.NewBaseOutSpace()
	if err != nil {
		return nil, err
	}
	return &Pipeline{log: log, store: store, cache: cache, cfg: cfg, space: space}, nil
}

// ---------------------------------------------------------------------------
// Value run
// ---------------------------------------------------------------------------

// constantBaseline adapts per-role replacement deltas from storage to the
// attribution engine's collaborator interface.
type constantBaseline map[attribution.Role]float64

func (b constantBaseline) CounterfactualDelta(_ attribution.Event, role attribution.Role) (float64, error) {
	cf, ok := b[role]
	if !ok {
		return 0, fmt.Errorf("no replacement baseline for role %q", role)
	}
	return cf, nil
}

// RunValue estimates, solves, attributes and rolls up every season. The
// league-wide pooled prior is built once from all seasons; seasons then run
// concurrently, each against that shared prior.
func (p *Pipeline) RunValue(ctx context.Context) error {
	seasons, err := p.store.Seasons(ctx)
	if err != nil {
		return err
	}
	if len(seasons) == 0 {
		p.log.Warn("no seasons recorded, nothing to fit")
		return nil
	}

	prior, err := p.leaguePrior(ctx, seasons)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for _, season := range seasons {
		season := season
		g.Go(func() error {
			return p.runSeason(gctx, season, prior)
		})
	}
	return g.Wait()
}

// leaguePrior pools transition counts across all seasons into one reference
// distribution. Transient states never observed fall back to a uniform row,
// so smoothing stays well defined for sparse seasons.
func (p *Pipeline) leaguePrior(ctx context.Context, seasons []string) (markov.Prior, error) {
	var pooled []markov.Observation
	for _, season := range seasons {
		events, err := p.store.Events(ctx, season, p.space)
		if err != nil {
			return markov.Prior{}, err
		}
		for _, ev := range events {
			pooled = append(pooled, markov.Observation{From: ev.From, To: ev.To, Reward: ev.Reward})
		}
	}
	p.log.WithField("observations", len(pooled)).Info("built league prior pool")
	return buildPrior(p.space, pooled), nil
}

// buildPrior turns pooled observations into empirical row distributions, with
// uniform rows where a transient state was never observed.
func buildPrior(space *markov.StateSpace, obs []markov.Observation) markov.Prior {
	nt, ns := space.NumTransient(), space.NumStates()
	counts := make([][]float64, nt)
	totals := make([]float64, nt)
	for i := range counts {
		counts[i] = make([]float64, ns)
	}
	for _, o := range obs {
		if int(o.From) < nt && int(o.To) < ns {
			counts[o.From][o.To]++
			totals[o.From]++
		}
	}
	rows := make([][]float64, nt)
	for i := range rows {
		rows[i] = make([]float64, ns)
		if totals[i] == 0 {
			for j := range rows[i] {
				rows[i][j] = 1 / float64(ns)
			}
			continue
		}
		for j := range rows[i] {
			rows[i][j] = counts[i][j] / totals[i]
		}
	}
	return markov.Prior{Rows: rows}
}

func (p *Pipeline) runSeason(ctx context.Context, season string, prior markov.Prior) error {
	log := p.log.WithField("season", season)

	if err := p.cache.Invalidate(ctx, season); err != nil {
		return err
	}

	events, err := p.store.Events(ctx, season, p.space)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		log.Warn("season has no events, skipping")
		return nil
	}

	obs := make([]markov.Observation, len(events))
	for i, ev := range events {
		obs[i] = markov.Observation{From: ev.From, To: ev.To, Reward: ev.Reward}
	}
	m, err := markov.Estimate(p.space, obs, prior, p.cfg.PriorStrength)
	if err != nil {
		return fmt.Errorf("season %s: estimate: %w", season, err)
	}

	vt, err := markov.Solve(ctx, m, markov.SolveOptions{
		Method:  p.cfg.SolverMethod,
		Tol:     p.cfg.SolverTol,
		MaxIter: p.cfg.SolverMaxIter,
	})
	if err != nil {
		return fmt.Errorf("season %s: solve: %w", season, err)
	}

	baselines, err := p.store.Baselines(ctx, season)
	if err != nil {
		return err
	}
	engine, err := attribution.NewEngine(vt, constantBaseline(baselines), p.cfg.Roles, p.cfg.ConservationTol)
	if err != nil {
		return fmt.Errorf("season %s: %w", season, err)
	}

	items := make([]attribution.Attributed, 0, len(events))
	for _, ev := range events {
		rec, err := engine.Attribute(ev)
		if err != nil {
			return fmt.Errorf("season %s: event %s: %w", season, ev.ID, err)
		}
		items = append(items, attribution.Attributed{Event: ev, Record: rec})
	}
	if err := p.store.SaveRecords(ctx, season, items); err != nil {
		return err
	}

	totals, err := attribution.Rollup(items, attribution.Pooling{
		PriorVar: p.cfg.PriorVar,
		NoiseVar: p.cfg.NoiseVar,
	})
	if err != nil {
		return fmt.Errorf("season %s: rollup: %w", season, err)
	}

	if err := p.cache.PutValueTable(ctx, season, vt); err != nil {
		return err
	}

	bands, err := p.ensembleBands(ctx, season, obs, events, constantBaseline(baselines))
	if err != nil {
		return fmt.Errorf("season %s: ensemble: %w", season, err)
	}

	log.WithFields(logrus.Fields{
		"events": len(events),
		"actors": len(totals),
		"bands":  len(bands),
	}).Info("season value run complete")
	return nil
}

// ensembleBands quantifies estimation uncertainty for a season: bootstrap
// prior draws over the season's observations, one fitted matrix and value
// table per draw (never averaged), per-draw attribution, and per-actor credit
// bands at the configured quantiles.
func (p *Pipeline) ensembleBands(ctx context.Context, season string, obs []markov.Observation, events []attribution.Event, baseline attribution.Baseline) ([]attribution.ActorPeriodBand, error) {
	priors := bootstrapPriors(p.space, obs, p.cfg.EnsembleDraws, seasonSeed(season))
	draws, err := markov.EstimateEnsemble(p.space, obs, priors, p.cfg.PriorStrength)
	if err != nil {
		return nil, err
	}
	sum, err := markov.SolveEnsemble(ctx, draws, markov.SolveOptions{
		Method:    p.cfg.SolverMethod,
		Tol:       p.cfg.SolverTol,
		MaxIter:   p.cfg.SolverMaxIter,
		Quantiles: p.cfg.Quantiles,
	})
	if err != nil {
		return nil, err
	}

	engines := make([]*attribution.Engine, len(sum.Draws))
	for i, vt := range sum.Draws {
		engines[i], err = attribution.NewEngine(vt, baseline, p.cfg.Roles, p.cfg.ConservationTol)
		if err != nil {
			return nil, err
		}
	}
	items := make([]attribution.AttributedEnsemble, 0, len(events))
	for _, ev := range events {
		records := make([]*attribution.Record, len(engines))
		for i, eng := range engines {
			rec, err := eng.Attribute(ev)
			if err != nil {
				return nil, fmt.Errorf("draw %d: event %s: %w", i, ev.ID, err)
			}
			records[i] = rec
		}
		items = append(items, attribution.AttributedEnsemble{Event: ev, Records: records})
	}
	return attribution.RollupEnsemble(items, attribution.Pooling{
		PriorVar: p.cfg.PriorVar,
		NoiseVar: p.cfg.NoiseVar,
	}, p.cfg.Quantiles)
}

// bootstrapPriors resamples the season's observations with replacement, one
// empirical prior per draw. Unobserved rows fall back to uniform the same way
// the league prior does.
func bootstrapPriors(space *markov.StateSpace, obs []markov.Observation, draws int, seed int64) []markov.Prior {
	rng := rand.New(rand.NewSource(seed))
	out := make([]markov.Prior, draws)
	for d := range out {
		sample := make([]markov.Observation, len(obs))
		for i := range sample {
			sample[i] = obs[rng.Intn(len(obs))]
		}
		out[d] = buildPrior(space, sample)
	}
	return out
}

// seasonSeed derives a stable bootstrap seed from the season name so batch
// runs are reproducible.
func seasonSeed(season string) int64 {
	h := fnv.New64a()
	h.Write([]byte(season))
	return int64(h.Sum64())
}

// ---------------------------------------------------------------------------
// Availability run
// ---------------------------------------------------------------------------

// SubjectReport is one subject's availability output: smoothed current-state
// distribution, decoded regime path and unavailability forecast.
type SubjectReport struct {
	Subject  uuid.UUID
	Current  []float64
	Path     []int
	Forecast *availability.Forecast
}

// RunAvailability fits one pooled regime model across all subjects, then
// smooths, decodes and forecasts each subject under the shared parameters.
func (p *Pipeline) RunAvailability(ctx context.Context) (map[uuid.UUID]*SubjectReport, error) {
	subjects, err := p.store.Subjects(ctx)
	if err != nil {
		return nil, err
	}
	if len(subjects) == 0 {
		p.log.Warn("no availability subjects recorded")
		return nil, nil
	}

	sequences := make([][]availability.Label, 0, len(subjects))
	kept := make([]uuid.UUID, 0, len(subjects))
	for _, subject := range subjects {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		seq, err := p.store.Observations(ctx, subject)
		if err != nil {
			return nil, err
		}
		if len(seq) == 0 {
			continue
		}
		sequences = append(sequences, seq)
		kept = append(kept, subject)
	}
	if len(sequences) == 0 {
		p.log.Warn("no availability sequences recorded")
		return nil, nil
	}

	start := startParams(p.cfg.HMMStates, p.cfg.HMMLabels)
	fitted, stats, err := availability.Fit(sequences, start, availability.FitOptions{
		Tol:           p.cfg.HMMTol,
		MaxIter:       p.cfg.HMMMaxIter,
		PriorStrength: p.cfg.HMMPriorStrength,
		InitPrior:     uniformRow(p.cfg.HMMStates),
		TransPrior:    uniformRows(p.cfg.HMMStates, p.cfg.HMMStates),
		EmitPrior:     uniformRows(p.cfg.HMMStates, p.cfg.HMMLabels),
	})
	if err != nil {
		return nil, fmt.Errorf("availability fit: %w", err)
	}
	p.log.WithFields(logrus.Fields{
		"subjects":       len(sequences),
		"iterations":     stats.Iterations,
		"log_likelihood": stats.LogLikelihood,
	}).Info("availability model fitted")

	reports := make(map[uuid.UUID]*SubjectReport, len(kept))
	for i, subject := range kept {
		post, err := availability.Smooth(fitted, sequences[i])
		if err != nil {
			return nil, fmt.Errorf("subject %s: smooth: %w", subject, err)
		}
		path, err := availability.Decode(fitted, sequences[i])
		if err != nil {
			return nil, fmt.Errorf("subject %s: decode: %w", subject, err)
		}
		current := post.Gamma[len(post.Gamma)-1]
		fc, err := availability.Project(fitted, current, p.cfg.ForecastHorizon, p.cfg.UnavailableLabels)
		if err != nil {
			return nil, fmt.Errorf("subject %s: forecast: %w", subject, err)
		}
		reports[subject] = &SubjectReport{Subject: subject, Current: current, Path: path, Forecast: fc}
	}
	return reports, nil
}

// startParams builds a deterministic, symmetry-broken starting point: sticky
// regimes with each state tilted toward a different label. Identical rows
// would leave pooled fitting stuck at a saddle point.
func startParams(states, labels int) availability.Params {
	init := make([]float64, states)
	trans := make([][]float64, states)
	emit := make([][]float64, states)
	for i := 0; i < states; i++ {
		init[i] = 1 / float64(states)

		trans[i] = make([]float64, states)
		for j := range trans[i] {
			if i == j {
				trans[i][j] = 0.7
			} else {
				trans[i][j] = 0.3 / float64(states-1)
			}
		}
		if states == 1 {
			trans[i][i] = 1
		}

		emit[i] = make([]float64, labels)
		favored := i % labels
		for j := range emit[i] {
			if j == favored {
				emit[i][j] = 0.6
			} else {
				emit[i][j] = 0.4 / float64(labels-1)
			}
		}
		if labels == 1 {
			emit[i][favored] = 1
		}
	}
	return availability.Params{Init: init, Trans: trans, Emit: emit}
}

func uniformRow(n int) []float64 {
	row := make([]float64, n)
	for i := range row {
		row[i] = 1 / float64(n)
	}
	return row
}

func uniformRows(rows, cols int) [][]float64 {
	out := make([][]float64, rows)
	for i := range out {
		out[i] = uniformRow(cols)
	}
	return out
}
