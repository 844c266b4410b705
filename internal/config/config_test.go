package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tannerhall/fieldvalue/attribution"
	"github.com/tannerhall/fieldvalue/availability"
	"github.com/tannerhall/fieldvalue/markov"
)

func setAll(t *testing.T) {
	t.Helper()
	for k, v := range map[string]string{
		"DATABASE_URL":        "postgres://localhost:5432/fieldvalue",
		"REDIS_ADDR":          "localhost:6379",
		"PRIOR_STRENGTH":      "10",
		"SOLVER_METHOD":       "direct",
		"SOLVER_TOL":          "1e-9",
		"SOLVER_MAX_ITER":     "5000",
		"ENSEMBLE_DRAWS":      "50",
		"VALUE_QUANTILES":     "0.05,0.5,0.95",
		"ROLES":               "batter,pitcher,catcher",
		"CONSERVATION_TOL":    "1e-9",
		"SHRINKAGE_PRIOR_VAR": "0.04",
		"SHRINKAGE_NOISE_VAR": "1.0",
		"HMM_STATES":          "4",
		"HMM_LABELS":          "3",
		"HMM_TOL":             "1e-6",
		"HMM_MAX_ITER":        "500",
		"HMM_PRIOR_STRENGTH":  "1",
		"UNAVAILABLE_LABELS":  "2",
		"FORECAST_HORIZON":    "12",
	} {
		t.Setenv(k, v)
	}
}

func TestLoad(t *testing.T) {
	setAll(t)
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, markov.Direct, cfg.SolverMethod)
	assert.Equal(t, 10.0, cfg.PriorStrength)
	assert.Equal(t, []attribution.Role{"batter", "pitcher", "catcher"}, cfg.Roles)
	assert.Equal(t, 50, cfg.EnsembleDraws)
	assert.Equal(t, []float64{0.05, 0.5, 0.95}, cfg.Quantiles)
	assert.Equal(t, 4, cfg.HMMStates)
	assert.Equal(t, []availability.Label{2}, cfg.UnavailableLabels)
	assert.Equal(t, 12, cfg.ForecastHorizon)
}

func TestLoadIterativeMethod(t *testing.T) {
	setAll(t)
	t.Setenv("SOLVER_METHOD", "iterative")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, markov.Iterative, cfg.SolverMethod)
}

// Every parameter is mandatory; an unset variable fails the load.
func TestLoadMissingVariableFails(t *testing.T) {
	keys := []string{
		"DATABASE_URL", "REDIS_ADDR", "PRIOR_STRENGTH", "SOLVER_METHOD",
		"SOLVER_TOL", "SOLVER_MAX_ITER", "ENSEMBLE_DRAWS", "VALUE_QUANTILES", "ROLES",
		"CONSERVATION_TOL", "SHRINKAGE_PRIOR_VAR", "SHRINKAGE_NOISE_VAR",
		"HMM_STATES", "HMM_LABELS", "HMM_TOL", "HMM_MAX_ITER",
		"HMM_PRIOR_STRENGTH", "UNAVAILABLE_LABELS", "FORECAST_HORIZON",
	}
	for _, key := range keys {
		t.Run(key, func(t *testing.T) {
			setAll(t)
			t.Setenv(key, "")
			_, err := Load()
			assert.Error(t, err)
			assert.Contains(t, err.Error(), key)
		})
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"SOLVER_METHOD":      "newton",
		"SOLVER_TOL":         "-1",
		"SOLVER_MAX_ITER":    "0",
		"ENSEMBLE_DRAWS":     "0",
		"VALUE_QUANTILES":    "1.5",
		"UNAVAILABLE_LABELS": "9",
		"HMM_STATES":         "-2",
		"PRIOR_STRENGTH":     "-3",
	}
	for key, bad := range cases {
		t.Run(key, func(t *testing.T) {
			setAll(t)
			t.Setenv(key, bad)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}
