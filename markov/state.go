// Package markov models in-game situations as a finite absorbing Markov
// chain: a canonical state space, a smoothed transition/reward matrix
// estimated from event logs, and an expected-value-to-absorption solver.
//
// Everything in this package is a pure function of its inputs. Fitting
// cycles, persistence and caching live in the service tier.
package markov

import "fmt"

// Symbol indexes a state in a StateSpace. Transient symbols occupy the low
// range [0, NumTransient); absorbing symbols follow.
type Symbol uint16

// StateSpace is the full enumerated alphabet of situation states, fixed at
// construction. Absorbing states are the only states with no outward
// transitions; they carry terminal value 0.
type StateSpace struct {
	names        []string
	index        map[string]Symbol
	numTransient int
}

// NewStateSpace enumerates a state space from transient and absorbing state
// names. Names must be non-empty and unique across both lists, and at least
// one state of each kind is required.
func NewStateSpace(transient, absorbing []string) (*StateSpace, error) {
	if len(transient) == 0 {
		return nil, &ConfigError{Reason: "no transient states"}
	}
	if len(absorbing) == 0 {
		return nil, &ConfigError{Reason: "no absorbing states"}
	}
	s := &StateSpace{
		names:        make([]string, 0, len(transient)+len(absorbing)),
		index:        make(map[string]Symbol, len(transient)+len(absorbing)),
		numTransient: len(transient),
	}
	for _, name := range append(append([]string{}, transient...), absorbing...) {
		if name == "" {
			return nil, &ConfigError{Reason: "empty state name"}
		}
		if _, dup := s.index[name]; dup {
			return nil, &ConfigError{Reason: fmt.Sprintf("duplicate state name %q", name)}
		}
		s.index[name] = Symbol(len(s.names))
		s.names = append(s.names, name)
	}
	return s, nil
}

// NumStates returns the total number of states.
func (s *StateSpace) NumStates() int { return len(s.names) }

// NumTransient returns the number of transient states.
func (s *StateSpace) NumTransient() int { return s.numTransient }

// Symbol resolves a state name to its symbol. An unknown name is a DataError:
// raw contexts that fail to map to the enumerated alphabet must abort
// ingestion rather than alias silently.
func (s *StateSpace) Symbol(name string) (Symbol, error) {
	sym, ok := s.index[name]
	if !ok {
		return 0, &DataError{Reason: fmt.Sprintf("unknown state %q", name)}
	}
	return sym, nil
}

// Name returns the canonical name for sym. Panics on an out-of-range symbol;
// symbols are only produced by this package.
func (s *StateSpace) Name(sym Symbol) string { return s.names[sym] }

// IsAbsorbing reports whether sym is an absorbing state.
func (s *StateSpace) IsAbsorbing(sym Symbol) bool { return int(sym) >= s.numTransient }
