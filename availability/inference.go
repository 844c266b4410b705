package availability

import (
	"math"
)

// ---------------------------------------------------------------------------
// Forward-backward
// ---------------------------------------------------------------------------

// Posterior holds smoothed per-period latent-state distributions for one
// subject's observation sequence.
type Posterior struct {
	// Gamma[t][k] = P(latent state k at period t | all observations).
	// Each row sums to 1.
	Gamma         [][]float64
	LogLikelihood float64
}

// fbPass carries the scaled forward/backward quantities shared by Smooth and
// the Baum-Welch E-step (Rabiner scaling: alpha rows normalized by c[t]).
type fbPass struct {
	alpha  [][]float64 // T×K, scaled
	beta   [][]float64 // T×K, scaled
	scales []float64   // T
	loglik float64
}

// emissionAt returns the emission likelihood vector for period t. A missing
// observation yields the all-ones vector: no evidence, not a fixed emission.
func emissionAt(p *Params, obs []Label, t int, out []float64) {
	if obs[t] == Missing {
		for k := range out {
			out[k] = 1
		}
		return
	}
	for k := range out {
		out[k] = p.Emit[k][obs[t]]
	}
}

// forwardBackward runs the scaled forward-backward recursions. checkObs has
// already rejected labels with no support, so a vanishing scale can only come
// from dynamics making every supporting state unreachable — the same
// inconsistency, surfaced with its period.
func forwardBackward(p *Params, obs []Label) (*fbPass, error) {
	tlen, k := len(obs), p.NumStates()
	fb := &fbPass{
		alpha:  make([][]float64, tlen),
		beta:   make([][]float64, tlen),
		scales: make([]float64, tlen),
	}
	e := make([]float64, k)

	// Forward.
	for t := 0; t < tlen; t++ {
		fb.alpha[t] = make([]float64, k)
		emissionAt(p, obs, t, e)
		if t == 0 {
			for i := 0; i < k; i++ {
				fb.alpha[0][i] = p.Init[i] * e[i]
			}
		} else {
			for j := 0; j < k; j++ {
				var acc float64
				for i := 0; i < k; i++ {
					acc += fb.alpha[t-1][i] * p.Trans[i][j]
				}
				fb.alpha[t][j] = acc * e[j]
			}
		}
		var c float64
		for i := 0; i < k; i++ {
			c += fb.alpha[t][i]
		}
		if c == 0 {
			return nil, &DataInconsistencyError{Period: t, Label: obs[t]}
		}
		fb.scales[t] = c
		for i := 0; i < k; i++ {
			fb.alpha[t][i] /= c
		}
		fb.loglik += math.Log(c)
	}

	// Backward, scaled by the forward normalizers.
	fb.beta[tlen-1] = make([]float64, k)
	for i := 0; i < k; i++ {
		fb.beta[tlen-1][i] = 1
	}
	for t := tlen - 2; t >= 0; t-- {
		fb.beta[t] = make([]float64, k)
		emissionAt(p, obs, t+1, e)
		for i := 0; i < k; i++ {
			var acc float64
			for j := 0; j < k; j++ {
				acc += p.Trans[i][j] * e[j] * fb.beta[t+1][j]
			}
			fb.beta[t][i] = acc / fb.scales[t+1]
		}
	}
	return fb, nil
}

// Smooth computes the smoothed posterior P(state at t | all observations) for
// every period, plus the sequence log-likelihood.
func Smooth(p *Params, obs []Label) (*Posterior, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if err := checkObs(p, obs); err != nil {
		return nil, err
	}
	fb, err := forwardBackward(p, obs)
	if err != nil {
		return nil, err
	}

	k := p.NumStates()
	post := &Posterior{
		Gamma:         make([][]float64, len(obs)),
		LogLikelihood: fb.loglik,
	}
	for t := range obs {
		post.Gamma[t] = make([]float64, k)
		var sum float64
		for i := 0; i < k; i++ {
			post.Gamma[t][i] = fb.alpha[t][i] * fb.beta[t][i]
			sum += post.Gamma[t][i]
		}
		for i := 0; i < k; i++ {
			post.Gamma[t][i] /= sum
		}
	}
	return post, nil
}

// ---------------------------------------------------------------------------
// Viterbi
// ---------------------------------------------------------------------------

// Decode recovers the single most likely latent-state path for the
// observation sequence, in log space. Missing periods contribute no emission
// term.
func Decode(p *Params, obs []Label) ([]int, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if err := checkObs(p, obs); err != nil {
		return nil, err
	}

	tlen, k := len(obs), p.NumStates()
	logTrans := make([][]float64, k)
	for i := range logTrans {
		logTrans[i] = make([]float64, k)
		for j := range logTrans[i] {
			logTrans[i][j] = math.Log(p.Trans[i][j])
		}
	}
	logEmit := func(t, state int) float64 {
		if obs[t] == Missing {
			return 0
		}
		return math.Log(p.Emit[state][obs[t]])
	}

	score := make([][]float64, tlen)
	back := make([][]int, tlen)
	for t := range score {
		score[t] = make([]float64, k)
		back[t] = make([]int, k)
	}
	for i := 0; i < k; i++ {
		score[0][i] = math.Log(p.Init[i]) + logEmit(0, i)
	}
	for t := 1; t < tlen; t++ {
		for j := 0; j < k; j++ {
			best, argBest := math.Inf(-1), 0
			for i := 0; i < k; i++ {
				if s := score[t-1][i] + logTrans[i][j]; s > best {
					best, argBest = s, i
				}
			}
			score[t][j] = best + logEmit(t, j)
			back[t][j] = argBest
		}
	}

	path := make([]int, tlen)
	best := math.Inf(-1)
	for i := 0; i < k; i++ {
		if score[tlen-1][i] > best {
			best = score[tlen-1][i]
			path[tlen-1] = i
		}
	}
	// A terminal score of -Inf in every state means no latent path carries
	// positive probability: the same inconsistency forward-backward surfaces
	// as a vanishing scale. Locate the first collapsed period rather than
	// returning a meaningless path.
	if math.IsInf(best, -1) {
		for t := 0; t < tlen; t++ {
			collapsed := true
			for i := 0; i < k; i++ {
				if !math.IsInf(score[t][i], -1) {
					collapsed = false
					break
				}
			}
			if collapsed {
				return nil, &DataInconsistencyError{Period: t, Label: obs[t]}
			}
		}
	}
	for t := tlen - 1; t > 0; t-- {
		path[t-1] = back[t][path[t]]
	}
	return path, nil
}
