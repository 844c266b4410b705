package attribution

import "fmt"

// ConfigError reports an invalid engine configuration: an empty or duplicated
// role set, a missing collaborator, or a non-positive tolerance.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string { return "attribution: config: " + e.Reason }

// ConsistencyError reports a credit vector whose sum deviates from the
// event's value delta beyond tolerance. Conservation failures are fatal to
// the event's attribution; a silently-wrong split is never returned.
type ConsistencyError struct {
	Delta     float64
	CreditSum float64
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("attribution: credits sum to %g, event delta is %g", e.CreditSum, e.Delta)
}
