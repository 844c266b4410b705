package pipeline

import (
	"context"
	"math"
	"testing"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tannerhall/fieldvalue/attribution"
	"github.com/tannerhall/fieldvalue/availability"
	"github.com/tannerhall/fieldvalue/internal/config"
	"github.com/tannerhall/fieldvalue/markov"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakeStore struct {
	events    map[string][]attribution.Event
	baselines map[string]map[attribution.Role]float64
	obs       map[uuid.UUID][]availability.Label

	saved map[string][]attribution.Attributed
}

func (f *fakeStore) Seasons(context.Context) ([]string, error) {
	var out []string
	for season := range f.events {
		out = append(out, season)
	}
	return out, nil
}

func (f *fakeStore) Events(_ context.Context, season string, _ *markov.StateSpace) ([]attribution.Event, error) {
	return f.events[season], nil
}

func (f *fakeStore) Baselines(_ context.Context, season string) (map[attribution.Role]float64, error) {
	return f.baselines[season], nil
}

func (f *fakeStore) SaveRecords(_ context.Context, season string, items []attribution.Attributed) error {
	if f.saved == nil {
		f.saved = make(map[string][]attribution.Attributed)
	}
	f.saved[season] = items
	return nil
}

func (f *fakeStore) Subjects(context.Context) ([]uuid.UUID, error) {
	var out []uuid.UUID
	for subject := range f.obs {
		out = append(out, subject)
	}
	return out, nil
}

func (f *fakeStore) Observations(_ context.Context, subject uuid.UUID) ([]availability.Label, error) {
	return f.obs[subject], nil
}

type fakeCache struct {
	tables      map[string]*markov.ValueTable
	invalidated []string
}

func (f *fakeCache) PutValueTable(_ context.Context, season string, vt *markov.ValueTable) error {
	if f.tables == nil {
		f.tables = make(map[string]*markov.ValueTable)
	}
	f.tables[season] = vt
	return nil
}

func (f *fakeCache) Invalidate(_ context.Context, season string) error {
	f.invalidated = append(f.invalidated, season)
	return nil
}

// ---------------------------------------------------------------------------
// Fixtures
// ---------------------------------------------------------------------------

func testConfig() *config.Config {
	return &config.Config{
		PriorStrength:     5,
		SolverMethod:      markov.Direct,
		SolverTol:         1e-10,
		SolverMaxIter:     10000,
		EnsembleDraws:     4,
		Quantiles:         []float64{0.05, 0.95},
		Roles:             []attribution.Role{"batter", "pitcher"},
		ConservationTol:   1e-9,
		PriorVar:          0.04,
		NoiseVar:          1.0,
		HMMStates:         2,
		HMMLabels:         2,
		HMMTol:            1e-6,
		HMMMaxIter:        200,
		HMMPriorStrength:  0.01,
		UnavailableLabels: []availability.Label{1},
		ForecastHorizon:   6,
	}
}

// seasonEvents builds a short half inning: empty-bases states advancing to
// the inning end, with one run scoring on the way.
func seasonEvents(t *testing.T, space *markov.StateSpace, season string) []attribution.Event {
	t.Helper()
	batter, pitcher := uuid.New(), uuid.New()
	steps := []struct {
		from, to string
		reward   float64
	}{
		{"o0:---", "o0:1--", 0},
		{"o0:1--", "o1:1--", 0},
		{"o1:1--", "o1:--3", 1},
		{"o1:--3", "o2:--3", 0},
		{"o2:--3", "end", 0},
	}
	events := make([]attribution.Event, len(steps))
	for i, s := range steps {
		from, err := space.Symbol(s.from)
		require.NoError(t, err)
		to, err := space.Symbol(s.to)
		require.NoError(t, err)
		events[i] = attribution.Event{
			ID:     uuid.New(),
			From:   from,
			To:     to,
			Reward: s.reward,
			Actors: map[attribution.Role]uuid.UUID{"batter": batter, "pitcher": pitcher},
			Season: season,
			Period: i / 3,
		}
	}
	return events
}

func newTestPipeline(t *testing.T, st *fakeStore, ch *fakeCache) *Pipeline {
	t.Helper()
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	p, err := New(log, st, ch, testConfig())
	require.NoError(t, err)
	return p
}

// ---------------------------------------------------------------------------
// Value run
// ---------------------------------------------------------------------------

func TestRunValueRoundTrip(t *testing.T) {
	space, err := markov.NewBaseOutSpace()
	require.NoError(t, err)

	st := &fakeStore{
		events: map[string][]attribution.Event{
			"2025": seasonEvents(t, space, "2025"),
		},
		baselines: map[string]map[attribution.Role]float64{
			"2025": {"batter": 0.1, "pitcher": -0.3},
		},
	}
	ch := &fakeCache{}
	p := newTestPipeline(t, st, ch)

	require.NoError(t, p.RunValue(context.Background()))

	require.Contains(t, st.saved, "2025")
	items := st.saved["2025"]
	require.Len(t, items, len(st.events["2025"]))

	// Every stored record conserves credit.
	for _, it := range items {
		var sum float64
		for _, c := range it.Record.Credits {
			sum += c
		}
		assert.InDelta(t, it.Record.Delta, sum, 1e-9,
			"event %s: credits do not sum to delta", it.Record.EventID)
	}

	// The solved table is cached after invalidation, with zero end value.
	assert.Equal(t, []string{"2025"}, ch.invalidated)
	vt := ch.tables["2025"]
	require.NotNil(t, vt)
	end, err := space.Symbol(markov.EndName)
	require.NoError(t, err)
	assert.Zero(t, vt.V[end])
}

func TestRunValueSkipsEmptySeason(t *testing.T) {
	st := &fakeStore{
		events: map[string][]attribution.Event{"2025": nil},
	}
	ch := &fakeCache{}
	p := newTestPipeline(t, st, ch)

	require.NoError(t, p.RunValue(context.Background()))
	assert.Empty(t, st.saved)
	assert.Empty(t, ch.tables)
}

func TestBuildPrior(t *testing.T) {
	space, err := markov.NewBaseOutSpace()
	require.NoError(t, err)
	from, err := space.Symbol("o0:---")
	require.NoError(t, err)
	to, err := space.Symbol("o1:---")
	require.NoError(t, err)

	prior := buildPrior(space, []markov.Observation{
		{From: from, To: to},
		{From: from, To: to},
	})
	require.Len(t, prior.Rows, space.NumTransient())

	// Observed row is the empirical distribution.
	assert.Equal(t, 1.0, prior.Rows[from][to])

	// Unobserved rows fall back to uniform and still sum to 1.
	for i, row := range prior.Rows {
		var sum float64
		for _, v := range row {
			sum += v
		}
		assert.InDelta(t, 1.0, sum, 1e-12, "prior row %d", i)
		if i != int(from) {
			assert.InDelta(t, 1/float64(space.NumStates()), row[0], 1e-12)
		}
	}
}

// ---------------------------------------------------------------------------
// Uncertainty ensemble
// ---------------------------------------------------------------------------

func TestEnsembleBands(t *testing.T) {
	space, err := markov.NewBaseOutSpace()
	require.NoError(t, err)
	events := seasonEvents(t, space, "2025")
	obs := make([]markov.Observation, len(events))
	for i, ev := range events {
		obs[i] = markov.Observation{From: ev.From, To: ev.To, Reward: ev.Reward}
	}
	baseline := constantBaseline{"batter": 0.1, "pitcher": -0.3}
	p := newTestPipeline(t, &fakeStore{}, &fakeCache{})

	bands, err := p.ensembleBands(context.Background(), "2025", obs, events, baseline)
	require.NoError(t, err)

	// Two actors over two periods.
	require.Len(t, bands, 4)
	for _, b := range bands {
		assert.Contains(t, b.Quantiles, 0.05)
		assert.Contains(t, b.Quantiles, 0.95)
		assert.LessOrEqual(t, b.Quantiles[0.05], b.Quantiles[0.95])
	}

	// Seeded bootstrap: a rerun reproduces the bands exactly.
	again, err := p.ensembleBands(context.Background(), "2025", obs, events, baseline)
	require.NoError(t, err)
	assert.Equal(t, bands, again)
}

func TestBootstrapPriors(t *testing.T) {
	space, err := markov.NewBaseOutSpace()
	require.NoError(t, err)
	from, err := space.Symbol("o0:---")
	require.NoError(t, err)
	to, err := space.Symbol("o1:---")
	require.NoError(t, err)
	obs := []markov.Observation{{From: from, To: to}, {From: from, To: from + 1}}

	priors := bootstrapPriors(space, obs, 3, seasonSeed("2025"))
	require.Len(t, priors, 3)
	for d, prior := range priors {
		require.Len(t, prior.Rows, space.NumTransient())
		for i, row := range prior.Rows {
			var sum float64
			for _, v := range row {
				sum += v
			}
			assert.InDelta(t, 1.0, sum, 1e-12, "draw %d row %d", d, i)
		}
	}

	// Same seed, same draws; a different season reseeds.
	same := bootstrapPriors(space, obs, 3, seasonSeed("2025"))
	assert.Equal(t, priors, same)
	assert.NotEqual(t, seasonSeed("2025"), seasonSeed("2026"))
}

// ---------------------------------------------------------------------------
// Availability run
// ---------------------------------------------------------------------------

func TestRunAvailability(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	st := &fakeStore{
		obs: map[uuid.UUID][]availability.Label{
			a: {0, 0, 0, 0, 1, 1, 1, 0, 0},
			b: {1, 1, 1, availability.Missing, 0, 0, 0, 0},
		},
	}
	p := newTestPipeline(t, st, &fakeCache{})

	reports, err := p.RunAvailability(context.Background())
	require.NoError(t, err)
	require.Len(t, reports, 2)

	for subject, rep := range reports {
		require.Len(t, rep.Path, len(st.obs[subject]))
		require.Len(t, rep.Forecast.Risk, 6)
		require.Len(t, rep.Forecast.StateProbs, 6)

		var sum float64
		for _, v := range rep.Current {
			sum += v
		}
		assert.InDelta(t, 1.0, sum, 1e-9, "subject %s current distribution", subject)
		for h, risk := range rep.Forecast.Risk {
			assert.False(t, risk < 0 || risk > 1 || math.IsNaN(risk),
				"subject %s risk at h=%d is %g", subject, h, risk)
		}
	}
}

func TestRunAvailabilityNoSubjects(t *testing.T) {
	p := newTestPipeline(t, &fakeStore{}, &fakeCache{})
	reports, err := p.RunAvailability(context.Background())
	require.NoError(t, err)
	assert.Nil(t, reports)
}

// ---------------------------------------------------------------------------
// Start parameters
// ---------------------------------------------------------------------------

func TestStartParamsValid(t *testing.T) {
	for _, dims := range []struct{ states, labels int }{
		{1, 1}, {1, 3}, {2, 2}, {3, 2}, {4, 3},
	} {
		p := startParams(dims.states, dims.labels)
		require.NoError(t, p.Validate(), "states=%d labels=%d", dims.states, dims.labels)
	}
}

func TestStartParamsBreaksSymmetry(t *testing.T) {
	p := startParams(2, 2)
	assert.NotEqual(t, p.Emit[0], p.Emit[1])
}
