// Package cache keeps solved value tables in Redis so downstream consumers
// can read expected values without re-running the solver.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tannerhall/fieldvalue/markov"
)

const valueTableTTL = 24 * time.Hour

// Cache wraps a Redis client.
type Cache struct {
	rdb *redis.Client
}

// Connect dials Redis at addr and verifies connectivity.
func Connect(ctx context.Context, addr string) (*Cache, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("cache: ping: %w", err)
	}
	return &Cache{rdb: rdb}, nil
}

// Close releases the client.
func (c *Cache) Close() error { return c.rdb.Close() }

// cachedTable is the wire form: values keyed by state name so a reader does
// not depend on symbol numbering.
type cachedTable struct {
	Values map[string]float64 `json:"values"`
}

func valueKey(season string) string { return "fieldvalue:values:" + season }

// PutValueTable stores a season's solved value table.
func (c *Cache) PutValueTable(ctx context.Context, season string, vt *markov.ValueTable) error {
	ct := cachedTable{Values: make(map[string]float64, len(vt.V))}
	for sym, v := range vt.V {
		ct.Values[vt.Space.Name(markov.Symbol(sym))] = v
	}
	payload, err := json.Marshal(ct)
	if err != nil {
		return fmt.Errorf("cache: marshal value table: %w", err)
	}
	if err := c.rdb.Set(ctx, valueKey(season), payload, valueTableTTL).Err(); err != nil {
		return fmt.Errorf("cache: put value table for %s: %w", season, err)
	}
	return nil
}

// GetValueTable loads a season's value table against the given space.
// A cache miss returns (nil, nil).
func (c *Cache) GetValueTable(ctx context.Context, season string, space *markov.StateSpace) (*markov.ValueTable, error) {
	payload, err := c.rdb.Get(ctx, valueKey(season)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache: get value table for %s: %w", season, err)
	}
	var ct cachedTable
	if err := json.Unmarshal(payload, &ct); err != nil {
		return nil, fmt.Errorf("cache: unmarshal value table for %s: %w", season, err)
	}
	vt := &markov.ValueTable{Space: space, V: make([]float64, space.NumStates())}
	for name, v := range ct.Values {
		sym, err := space.Symbol(name)
		if err != nil {
			return nil, fmt.Errorf("cache: value table for %s: %w", season, err)
		}
		vt.V[sym] = v
	}
	return vt, nil
}

// Invalidate drops a season's cached value table.
func (c *Cache) Invalidate(ctx context.Context, season string) error {
	if err := c.rdb.Del(ctx, valueKey(season)).Err(); err != nil {
		return fmt.Errorf("cache: invalidate %s: %w", season, err)
	}
	return nil
}
