package availability

import "fmt"

// ---------------------------------------------------------------------------
// Horizon forecast
// ---------------------------------------------------------------------------

// Forecast is the horizon projection of a subject's latent-state
// distribution: per-period state probabilities and the probability of an
// unavailability-type observation at each future period.
type Forecast struct {
	// StateProbs[h][k] = P(latent state k at h+1 periods ahead).
	StateProbs [][]float64
	// Risk[h] = P(an unavailable-type label is emitted at h+1 periods ahead).
	Risk []float64
}

// Project propagates the current latent-state distribution horizon periods
// forward through the transition matrix and combines each step with the
// emission model over the configured unavailable-type labels. current is
// typically the last smoothed posterior row from Smooth.
func Project(p *Params, current []float64, horizon int, unavailable []Label) (*Forecast, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if horizon <= 0 {
		return nil, &ConfigError{Reason: fmt.Sprintf("forecast horizon %d must be positive", horizon)}
	}
	if len(unavailable) == 0 {
		return nil, &ConfigError{Reason: "no unavailable-type labels configured"}
	}
	k, m := p.NumStates(), p.NumLabels()
	if len(current) != k {
		return nil, &ConfigError{Reason: fmt.Sprintf("current distribution has %d entries, want %d", len(current), k)}
	}
	if err := checkRow("current distribution", current); err != nil {
		return nil, err
	}
	for _, l := range unavailable {
		if int(l) < 0 || int(l) >= m {
			return nil, &ConfigError{Reason: fmt.Sprintf("unavailable label %d outside alphabet of size %d", l, m)}
		}
	}

	// Per-state probability of emitting any unavailable-type label.
	unavailMass := make([]float64, k)
	for i := 0; i < k; i++ {
		for _, l := range unavailable {
			unavailMass[i] += p.Emit[i][l]
		}
	}

	f := &Forecast{
		StateProbs: make([][]float64, horizon),
		Risk:       make([]float64, horizon),
	}
	prev := current
	for h := 0; h < horizon; h++ {
		next := make([]float64, k)
		for j := 0; j < k; j++ {
			var acc float64
			for i := 0; i < k; i++ {
				acc += prev[i] * p.Trans[i][j]
			}
			next[j] = acc
		}
		// Renormalize against accumulated rounding so each projected
		// distribution stays a distribution over long horizons.
		var sum float64
		for _, v := range next {
			sum += v
		}
		for j := range next {
			next[j] /= sum
		}
		f.StateProbs[h] = next
		for i := 0; i < k; i++ {
			f.Risk[h] += next[i] * unavailMass[i]
		}
		prev = next
	}
	return f, nil
}
