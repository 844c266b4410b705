package markov

import "fmt"

// ConfigError reports an invalid state space or estimation/solve parameter.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string { return "markov: config: " + e.Reason }

// DataError reports malformed input data: an unknown state symbol, an
// observation from an absorbing state, or a prior row that is not
// normalizable.
type DataError struct {
	Reason string
}

func (e *DataError) Error() string { return "markov: data: " + e.Reason }

// UnreachableAbsorptionError reports a transient state with no
// positive-probability path to any absorbing state. The value function is
// undefined for such a chain.
type UnreachableAbsorptionError struct {
	State string
}

func (e *UnreachableAbsorptionError) Error() string {
	return fmt.Sprintf("markov: no path to absorption from state %q", e.State)
}

// ConvergenceError reports an iterative solve that exceeded its iteration cap
// before reaching tolerance. The partial result is discarded.
type ConvergenceError struct {
	Iterations int
	Residual   float64
}

func (e *ConvergenceError) Error() string {
	return fmt.Sprintf("markov: solve did not converge after %d iterations (residual %g)", e.Iterations, e.Residual)
}
