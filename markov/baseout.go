package markov

import "fmt"

// ---------------------------------------------------------------------------
// Base-out encoding — the canonical baseball state alphabet
// ---------------------------------------------------------------------------

// BaseOutContext is a raw plate-appearance situation: outs plus runner
// configuration. It is the decoded form of a base-out state symbol.
type BaseOutContext struct {
	Outs   uint8 // 0-2 for transient states
	First  bool
	Second bool
	Third  bool
}

// EndName is the single absorbing state of the base-out chain: the half
// inning is over. Runs scored on the final play are captured as the reward on
// the incoming transition, so the end state carries no residual value.
const EndName = "end"

// baseOutName renders the canonical name, e.g. "o1:1-3" for one out, runners
// on first and third. Two raw contexts map to the same name iff they are the
// same (outs, runners) configuration — the resolution at which base-out
// states are value-equivalent.
func baseOutName(c BaseOutContext) string {
	r := [3]byte{'-', '-', '-'}
	if c.First {
		r[0] = '1'
	}
	if c.Second {
		r[1] = '2'
	}
	if c.Third {
		r[2] = '3'
	}
	return fmt.Sprintf("o%d:%s", c.Outs, r)
}

// NewBaseOutSpace enumerates the 24 transient base-out states (3 out counts ×
// 8 runner configurations) plus the single absorbing inning-end state.
func NewBaseOutSpace() (*StateSpace, error) {
	transient := make([]string, 0, 24)
	for outs := uint8(0); outs < 3; outs++ {
		for bases := 0; bases < 8; bases++ {
			transient = append(transient, baseOutName(BaseOutContext{
				Outs:   outs,
				First:  bases&1 != 0,
				Second: bases&2 != 0,
				Third:  bases&4 != 0,
			}))
		}
	}
	return NewStateSpace(transient, []string{EndName})
}

// EncodeBaseOut maps a raw context to its state symbol. Outs of 3 or more do
// not correspond to a live situation and are rejected as a DataError; the
// inning-end state is reached only as the target of a transition.
func (s *StateSpace) EncodeBaseOut(c BaseOutContext) (Symbol, error) {
	if c.Outs > 2 {
		return 0, &DataError{Reason: fmt.Sprintf("context with %d outs is not a live state", c.Outs)}
	}
	return s.Symbol(baseOutName(c))
}

// DecodeBaseOut recovers the raw context class for a transient base-out
// symbol. Decoding the name of an encoded context and re-encoding it yields
// the same symbol.
func (s *StateSpace) DecodeBaseOut(sym Symbol) (BaseOutContext, error) {
	if s.IsAbsorbing(sym) {
		return BaseOutContext{}, &DataError{Reason: fmt.Sprintf("state %q is absorbing, not a live context", s.Name(sym))}
	}
	name := s.Name(sym)
	if len(name) != 6 || name[0] != 'o' || name[2] != ':' {
		return BaseOutContext{}, &DataError{Reason: fmt.Sprintf("state %q is not a base-out state", name)}
	}
	return BaseOutContext{
		Outs:   name[1] - '0',
		First:  name[3] == '1',
		Second: name[4] == '2',
		Third:  name[5] == '3',
	}, nil
}
