// Package config loads the toolkit's configuration surface from the
// environment. Every tuning parameter is mandatory: smoothing strengths,
// tolerances and state counts shape the model output, so absence is a
// startup error rather than a silent default.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/tannerhall/fieldvalue/attribution"
	"github.com/tannerhall/fieldvalue/availability"
	"github.com/tannerhall/fieldvalue/markov"
)

// Config is the full configuration surface.
type Config struct {
	DatabaseURL string
	RedisAddr   string

	// Transition model.
	PriorStrength float64

	// Value solver.
	SolverMethod  markov.Method
	SolverTol     float64
	SolverMaxIter int

	// Uncertainty ensemble: bootstrap draw count and the quantiles reported
	// on value and credit bands.
	EnsembleDraws int
	Quantiles     []float64

	// Attribution.
	Roles           []attribution.Role
	ConservationTol float64
	PriorVar        float64
	NoiseVar        float64

	// Availability HMM.
	HMMStates         int
	HMMLabels         int
	HMMTol            float64
	HMMMaxIter        int
	HMMPriorStrength  float64
	UnavailableLabels []availability.Label
	ForecastHorizon   int
}

// Load reads and validates the configuration from the environment. Callers
// wanting .env support run godotenv before this.
func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	if cfg.DatabaseURL, err = requireString("DATABASE_URL"); err != nil {
		return nil, err
	}
	if cfg.RedisAddr, err = requireString("REDIS_ADDR"); err != nil {
		return nil, err
	}

	if cfg.PriorStrength, err = requireFloat("PRIOR_STRENGTH"); err != nil {
		return nil, err
	}
	if cfg.PriorStrength < 0 {
		return nil, fmt.Errorf("config: PRIOR_STRENGTH must be non-negative, got %g", cfg.PriorStrength)
	}

	method, err := requireString("SOLVER_METHOD")
	if err != nil {
		return nil, err
	}
	switch method {
	case "direct":
		cfg.SolverMethod = markov.Direct
	case "iterative":
		cfg.SolverMethod = markov.Iterative
	default:
		return nil, fmt.Errorf("config: SOLVER_METHOD must be direct or iterative, got %q", method)
	}
	if cfg.SolverTol, err = requirePositiveFloat("SOLVER_TOL"); err != nil {
		return nil, err
	}
	if cfg.SolverMaxIter, err = requirePositiveInt("SOLVER_MAX_ITER"); err != nil {
		return nil, err
	}
	if cfg.EnsembleDraws, err = requirePositiveInt("ENSEMBLE_DRAWS"); err != nil {
		return nil, err
	}
	if cfg.Quantiles, err = requireFloatList("VALUE_QUANTILES"); err != nil {
		return nil, err
	}
	for _, q := range cfg.Quantiles {
		if q <= 0 || q >= 1 {
			return nil, fmt.Errorf("config: VALUE_QUANTILES entry %g outside (0, 1)", q)
		}
	}

	roles, err := requireString("ROLES")
	if err != nil {
		return nil, err
	}
	for _, r := range strings.Split(roles, ",") {
		r = strings.TrimSpace(r)
		if r == "" {
			return nil, fmt.Errorf("config: ROLES contains an empty entry")
		}
		cfg.Roles = append(cfg.Roles, attribution.Role(r))
	}
	if cfg.ConservationTol, err = requirePositiveFloat("CONSERVATION_TOL"); err != nil {
		return nil, err
	}
	if cfg.PriorVar, err = requirePositiveFloat("SHRINKAGE_PRIOR_VAR"); err != nil {
		return nil, err
	}
	if cfg.NoiseVar, err = requirePositiveFloat("SHRINKAGE_NOISE_VAR"); err != nil {
		return nil, err
	}

	if cfg.HMMStates, err = requirePositiveInt("HMM_STATES"); err != nil {
		return nil, err
	}
	if cfg.HMMLabels, err = requirePositiveInt("HMM_LABELS"); err != nil {
		return nil, err
	}
	if cfg.HMMTol, err = requirePositiveFloat("HMM_TOL"); err != nil {
		return nil, err
	}
	if cfg.HMMMaxIter, err = requirePositiveInt("HMM_MAX_ITER"); err != nil {
		return nil, err
	}
	if cfg.HMMPriorStrength, err = requirePositiveFloat("HMM_PRIOR_STRENGTH"); err != nil {
		return nil, err
	}
	labels, err := requireFloatList("UNAVAILABLE_LABELS")
	if err != nil {
		return nil, err
	}
	for _, l := range labels {
		li := int(l)
		if float64(li) != l || li < 0 || li >= cfg.HMMLabels {
			return nil, fmt.Errorf("config: UNAVAILABLE_LABELS entry %g is not a label in [0, %d)", l, cfg.HMMLabels)
		}
		cfg.UnavailableLabels = append(cfg.UnavailableLabels, availability.Label(li))
	}
	if cfg.ForecastHorizon, err = requirePositiveInt("FORECAST_HORIZON"); err != nil {
		return nil, err
	}

	return cfg, nil
}

func requireString(key string) (string, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return "", fmt.Errorf("config: %s is required", key)
	}
	return v, nil
}

func requireFloat(key string) (float64, error) {
	raw, err := requireString(key)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return v, nil
}

func requirePositiveFloat(key string) (float64, error) {
	v, err := requireFloat(key)
	if err != nil {
		return 0, err
	}
	if v <= 0 {
		return 0, fmt.Errorf("config: %s must be positive, got %g", key, v)
	}
	return v, nil
}

func requirePositiveInt(key string) (int, error) {
	raw, err := requireString(key)
	if err != nil {
		return 0, err
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	if v <= 0 {
		return 0, fmt.Errorf("config: %s must be positive, got %d", key, v)
	}
	return v, nil
}

func requireFloatList(key string) ([]float64, error) {
	raw, err := requireString(key)
	if err != nil {
		return nil, err
	}
	var out []float64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		v, err := strconv.ParseFloat(part, 64)
		if err != nil {
			return nil, fmt.Errorf("config: %s entry %q: %w", key, part, err)
		}
		out = append(out, v)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("config: %s has no entries", key)
	}
	return out, nil
}
