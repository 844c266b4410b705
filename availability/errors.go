package availability

import "fmt"

// ConfigError reports invalid HMM parameters or options: unnormalized rows,
// mismatched dimensions, bad tolerances.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string { return "availability: config: " + e.Reason }

// DataError reports a malformed observation: a label outside the emission
// alphabet.
type DataError struct {
	Reason string
}

func (e *DataError) Error() string { return "availability: data: " + e.Reason }

// DataInconsistencyError reports an observation that is impossible under
// every latent state. Zeroing the whole path likelihood would silently
// corrupt every downstream posterior, so this is fatal to the sequence.
type DataInconsistencyError struct {
	Period int
	Label  Label
}

func (e *DataInconsistencyError) Error() string {
	return fmt.Sprintf("availability: observation %d at period %d has zero emission probability under every latent state", e.Label, e.Period)
}

// ConvergenceError reports a parameter fit that exceeded its iteration cap
// before the log-likelihood stabilized.
type ConvergenceError struct {
	Iterations    int
	LogLikelihood float64
}

func (e *ConvergenceError) Error() string {
	return fmt.Sprintf("availability: fit did not converge after %d iterations (log-likelihood %g)", e.Iterations, e.LogLikelihood)
}
