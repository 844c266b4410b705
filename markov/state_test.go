package markov

import (
	"errors"
	"testing"
)

// ---------------------------------------------------------------------------
// StateSpace construction
// ---------------------------------------------------------------------------

func TestNewStateSpace(t *testing.T) {
	s, err := NewStateSpace([]string{"A", "B"}, []string{"End"})
	if err != nil {
		t.Fatalf("NewStateSpace: %v", err)
	}
	if s.NumStates() != 3 || s.NumTransient() != 2 {
		t.Fatalf("got %d states / %d transient, want 3 / 2", s.NumStates(), s.NumTransient())
	}
	end, err := s.Symbol("End")
	if err != nil {
		t.Fatalf("Symbol(End): %v", err)
	}
	if !s.IsAbsorbing(end) {
		t.Error("End should be absorbing")
	}
	a, _ := s.Symbol("A")
	if s.IsAbsorbing(a) {
		t.Error("A should be transient")
	}
	if s.Name(a) != "A" {
		t.Errorf("Name(A) = %q", s.Name(a))
	}
}

func TestNewStateSpaceRejectsBadInput(t *testing.T) {
	cases := []struct {
		name      string
		transient []string
		absorbing []string
	}{
		{"no transient", nil, []string{"End"}},
		{"no absorbing", []string{"A"}, nil},
		{"duplicate across kinds", []string{"A"}, []string{"A"}},
		{"duplicate transient", []string{"A", "A"}, []string{"End"}},
		{"empty name", []string{""}, []string{"End"}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := NewStateSpace(c.transient, c.absorbing)
			var ce *ConfigError
			if !errors.As(err, &ce) {
				t.Fatalf("got %v, want ConfigError", err)
			}
		})
	}
}

func TestUnknownStateIsDataError(t *testing.T) {
	s, _ := NewStateSpace([]string{"A"}, []string{"End"})
	_, err := s.Symbol("Z")
	var de *DataError
	if !errors.As(err, &de) {
		t.Fatalf("got %v, want DataError", err)
	}
}

// ---------------------------------------------------------------------------
// Base-out encoding
// ---------------------------------------------------------------------------

func TestBaseOutSpaceEnumeration(t *testing.T) {
	s, err := NewBaseOutSpace()
	if err != nil {
		t.Fatalf("NewBaseOutSpace: %v", err)
	}
	if s.NumTransient() != 24 {
		t.Errorf("got %d transient states, want 24", s.NumTransient())
	}
	if s.NumStates() != 25 {
		t.Errorf("got %d total states, want 25", s.NumStates())
	}
	end, err := s.Symbol(EndName)
	if err != nil || !s.IsAbsorbing(end) {
		t.Errorf("inning-end state missing or not absorbing: %v", err)
	}
}

// Re-encoding a symbol from its own decoded context class must be idempotent.
func TestBaseOutEncodeDecodeRoundTrip(t *testing.T) {
	s, _ := NewBaseOutSpace()
	for outs := uint8(0); outs < 3; outs++ {
		for bases := 0; bases < 8; bases++ {
			ctx := BaseOutContext{
				Outs:   outs,
				First:  bases&1 != 0,
				Second: bases&2 != 0,
				Third:  bases&4 != 0,
			}
			sym, err := s.EncodeBaseOut(ctx)
			if err != nil {
				t.Fatalf("EncodeBaseOut(%+v): %v", ctx, err)
			}
			back, err := s.DecodeBaseOut(sym)
			if err != nil {
				t.Fatalf("DecodeBaseOut(%q): %v", s.Name(sym), err)
			}
			again, err := s.EncodeBaseOut(back)
			if err != nil || again != sym {
				t.Errorf("round trip %+v → %q → %+v → %q", ctx, s.Name(sym), back, s.Name(again))
			}
		}
	}
}

func TestEncodeBaseOutRejectsDeadContext(t *testing.T) {
	s, _ := NewBaseOutSpace()
	_, err := s.EncodeBaseOut(BaseOutContext{Outs: 3})
	var de *DataError
	if !errors.As(err, &de) {
		t.Fatalf("got %v, want DataError for 3-out context", err)
	}
}

func TestDecodeBaseOutRejectsAbsorbing(t *testing.T) {
	s, _ := NewBaseOutSpace()
	end, _ := s.Symbol(EndName)
	_, err := s.DecodeBaseOut(end)
	var de *DataError
	if !errors.As(err, &de) {
		t.Fatalf("got %v, want DataError for absorbing state", err)
	}
}

// Distinct contexts must map to distinct symbols: no aliasing at the base-out
// resolution.
func TestBaseOutNoAliasing(t *testing.T) {
	s, _ := NewBaseOutSpace()
	seen := map[Symbol]BaseOutContext{}
	for outs := uint8(0); outs < 3; outs++ {
		for bases := 0; bases < 8; bases++ {
			ctx := BaseOutContext{Outs: outs, First: bases&1 != 0, Second: bases&2 != 0, Third: bases&4 != 0}
			sym, _ := s.EncodeBaseOut(ctx)
			if prev, dup := seen[sym]; dup {
				t.Fatalf("contexts %+v and %+v alias to %q", prev, ctx, s.Name(sym))
			}
			seen[sym] = ctx
		}
	}
}
