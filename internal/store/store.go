// Package store is the Postgres-backed event-log and observation-feed
// collaborator: validated events, availability observations and replacement
// baselines come out; immutable attribution records go in. The core packages
// never touch it.
package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tannerhall/fieldvalue/attribution"
	"github.com/tannerhall/fieldvalue/availability"
	"github.com/tannerhall/fieldvalue/markov"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
    id         UUID PRIMARY KEY,
    season     TEXT NOT NULL,
    period     INT NOT NULL,
    from_state TEXT NOT NULL,
    to_state   TEXT NOT NULL,
    reward     DOUBLE PRECISION NOT NULL,
    actors     JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_season ON events(season);

CREATE TABLE IF NOT EXISTS baselines (
    season   TEXT NOT NULL,
    role     TEXT NOT NULL,
    cf_delta DOUBLE PRECISION NOT NULL,
    PRIMARY KEY (season, role)
);

CREATE TABLE IF NOT EXISTS availability_obs (
    subject UUID NOT NULL,
    period  INT NOT NULL,
    label   INT,
    PRIMARY KEY (subject, period)
);

CREATE TABLE IF NOT EXISTS attribution_records (
    event_id UUID NOT NULL,
    season   TEXT NOT NULL,
    role     TEXT NOT NULL,
    credit   DOUBLE PRECISION NOT NULL,
    delta    DOUBLE PRECISION NOT NULL,
    PRIMARY KEY (event_id, role)
);
`

// Store wraps a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// Connect opens a pool against url and verifies connectivity.
func Connect(ctx context.Context, url string) (*Store, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the pool.
func (s *Store) Close() { s.pool.Close() }

// Migrate creates the schema if needed.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Event log
// ---------------------------------------------------------------------------

// Seasons lists the seasons with recorded events.
func (s *Store) Seasons(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT season FROM events ORDER BY season`)
	if err != nil {
		return nil, fmt.Errorf("store: seasons: %w", err)
	}
	defer rows.Close()

	var seasons []string
	for rows.Next() {
		var season string
		if err := rows.Scan(&season); err != nil {
			return nil, fmt.Errorf("store: scan season: %w", err)
		}
		seasons = append(seasons, season)
	}
	return seasons, rows.Err()
}

// Events loads a season's validated event tuples, resolving state names
// against the space. An event naming an unknown state aborts the load with
// the encoder's DataError: ingestion validates before any fitting work runs.
func (s *Store) Events(ctx context.Context, season string, space *markov.StateSpace) ([]attribution.Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, period, from_state, to_state, reward, actors
		 FROM events WHERE season = $1 ORDER BY period, id`, season)
	if err != nil {
		return nil, fmt.Errorf("store: events for %s: %w", season, err)
	}
	defer rows.Close()

	var events []attribution.Event
	for rows.Next() {
		var (
			ev         attribution.Event
			from, to   string
			actorsJSON []byte
		)
		ev.Season = season
		if err := rows.Scan(&ev.ID, &ev.Period, &from, &to, &ev.Reward, &actorsJSON); err != nil {
			return nil, fmt.Errorf("store: scan event: %w", err)
		}
		if ev.From, err = space.Symbol(from); err != nil {
			return nil, fmt.Errorf("store: event %s: %w", ev.ID, err)
		}
		if ev.To, err = space.Symbol(to); err != nil {
			return nil, fmt.Errorf("store: event %s: %w", ev.ID, err)
		}
		var actors map[string]uuid.UUID
		if err := json.Unmarshal(actorsJSON, &actors); err != nil {
			return nil, fmt.Errorf("store: event %s actors: %w", ev.ID, err)
		}
		ev.Actors = make(map[attribution.Role]uuid.UUID, len(actors))
		for role, actor := range actors {
			ev.Actors[attribution.Role(role)] = actor
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Baselines loads the replacement-level counterfactual deltas per role for a
// season, as supplied by the skill-projection collaborator.
func (s *Store) Baselines(ctx context.Context, season string) (map[attribution.Role]float64, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT role, cf_delta FROM baselines WHERE season = $1`, season)
	if err != nil {
		return nil, fmt.Errorf("store: baselines for %s: %w", season, err)
	}
	defer rows.Close()

	out := make(map[attribution.Role]float64)
	for rows.Next() {
		var role string
		var cf float64
		if err := rows.Scan(&role, &cf); err != nil {
			return nil, fmt.Errorf("store: scan baseline: %w", err)
		}
		out[attribution.Role(role)] = cf
	}
	return out, rows.Err()
}

// SaveRecords persists attribution records for a season in one batch.
// Records are immutable: refits for the same events replace wholesale.
func (s *Store) SaveRecords(ctx context.Context, season string, items []attribution.Attributed) error {
	batch := &pgx.Batch{}
	batch.Queue(`DELETE FROM attribution_records WHERE season = $1`, season)
	for _, it := range items {
		for role, credit := range it.Record.Credits {
			batch.Queue(
				`INSERT INTO attribution_records (event_id, season, role, credit, delta)
				 VALUES ($1, $2, $3, $4, $5)`,
				it.Record.EventID, season, string(role), credit, it.Record.Delta,
			)
		}
	}
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("store: save records for %s: %w", season, err)
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Availability feed
// ---------------------------------------------------------------------------

// Subjects lists subjects with recorded availability observations.
func (s *Store) Subjects(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT subject FROM availability_obs ORDER BY subject`)
	if err != nil {
		return nil, fmt.Errorf("store: subjects: %w", err)
	}
	defer rows.Close()

	var subjects []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scan subject: %w", err)
		}
		subjects = append(subjects, id)
	}
	return subjects, rows.Err()
}

// obsRow is one stored observation; a NULL label is an explicit missing
// marker.
type obsRow struct {
	period int
	label  *int
}

// Observations loads a subject's per-period label sequence, dense over the
// subject's recorded period range, with gaps and NULL labels marked Missing.
func (s *Store) Observations(ctx context.Context, subject uuid.UUID) ([]availability.Label, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT period, label FROM availability_obs WHERE subject = $1 ORDER BY period`, subject)
	if err != nil {
		return nil, fmt.Errorf("store: observations for %s: %w", subject, err)
	}
	defer rows.Close()

	var raw []obsRow
	for rows.Next() {
		var r obsRow
		if err := rows.Scan(&r.period, &r.label); err != nil {
			return nil, fmt.Errorf("store: scan observation: %w", err)
		}
		raw = append(raw, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return denseSequence(raw), nil
}

// denseSequence expands ordered rows into a contiguous label sequence over
// [first period, last period], filling gaps with Missing.
func denseSequence(rows []obsRow) []availability.Label {
	if len(rows) == 0 {
		return nil
	}
	first, last := rows[0].period, rows[len(rows)-1].period
	out := make([]availability.Label, last-first+1)
	for i := range out {
		out[i] = availability.Missing
	}
	for _, r := range rows {
		if r.label != nil {
			out[r.period-first] = availability.Label(*r.label)
		}
	}
	return out
}
