package space

import (
	"errors"
	"math"
	"testing"
)

func testSpace() Space {
	return Space{
		{Name: "x", Lower: 0, Upper: 10},
		{Name: "n", Kind: KindInt, Lower: 1, Upper: 4},
		{Name: "mat", Kind: KindCategorical, Choices: []string{"cu", "al", "alsic"}},
	}
}

func TestSpaceValidate(t *testing.T) {
	tests := []struct {
		name    string
		space   Space
		wantErr bool
	}{
		{"valid", testSpace(), false},
		{"empty", Space{}, true},
		{"inverted", Space{{Name: "x", Lower: 5, Upper: 1}}, true},
		{"degenerate ok", Space{{Name: "x", Lower: 1, Upper: 1}}, false},
		{"duplicate", Space{{Name: "x", Upper: 1}, {Name: "x", Upper: 2}}, true},
		{"unnamed", Space{{Upper: 1}}, true},
		{"no choices", Space{{Name: "c", Kind: KindCategorical}}, true},
		{"int without integers", Space{{Name: "n", Kind: KindInt, Lower: 0.2, Upper: 0.8}}, true},
		{"infinite", Space{{Name: "x", Lower: math.Inf(-1), Upper: 0}}, true},
		{"unknown kind", Space{{Name: "x", Kind: "complex", Upper: 1}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.space.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				var verr *ValidationError
				if !errors.As(err, &verr) {
					t.Errorf("expected *ValidationError, got %T", err)
				}
			}
		})
	}
}

func TestSpaceContains(t *testing.T) {
	s := testSpace()

	tests := []struct {
		name    string
		c       Candidate
		wantErr bool
	}{
		{"inside", Candidate{"x": 3.5, "n": 2, "mat": 1}, false},
		{"on bounds", Candidate{"x": 10, "n": 4, "mat": 0}, false},
		{"above", Candidate{"x": 10.01, "n": 2, "mat": 1}, true},
		{"below", Candidate{"x": -1, "n": 2, "mat": 1}, true},
		{"fractional int", Candidate{"x": 1, "n": 2.5, "mat": 1}, true},
		{"bad choice", Candidate{"x": 1, "n": 2, "mat": 3}, true},
		{"missing", Candidate{"x": 1, "n": 2}, true},
		{"extra", Candidate{"x": 1, "n": 2, "mat": 1, "y": 0}, true},
		{"nan", Candidate{"x": math.NaN(), "n": 2, "mat": 1}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.Contains(tt.c)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Contains() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDimensionClip(t *testing.T) {
	x := Dimension{Name: "x", Lower: 0, Upper: 10}
	if got := x.Clip(12); got != 10 {
		t.Errorf("Clip(12) = %v, want 10", got)
	}
	if got := x.Clip(-3); got != 0 {
		t.Errorf("Clip(-3) = %v, want 0", got)
	}

	n := Dimension{Name: "n", Kind: KindInt, Lower: 0.5, Upper: 3.5}
	if got := n.Clip(0.6); got != 1 {
		t.Errorf("int Clip(0.6) = %v, want 1", got)
	}
	if got := n.Clip(3.4); got != 3 {
		t.Errorf("int Clip(3.4) = %v, want 3", got)
	}
}

func TestMidpointAndResolve(t *testing.T) {
	s := testSpace()
	mid := s.Midpoint()
	if err := s.Contains(mid); err != nil {
		t.Fatalf("midpoint not contained: %v", err)
	}
	if mid["x"] != 5 {
		t.Errorf("expected x midpoint 5, got %v", mid["x"])
	}

	resolved := s.Resolve(Candidate{"x": 2.5, "n": 3, "mat": 2})
	if resolved["mat"] != "alsic" {
		t.Errorf("expected mat=alsic, got %v", resolved["mat"])
	}
	if resolved["n"] != int64(3) {
		t.Errorf("expected n=3 as int64, got %#v", resolved["n"])
	}
	if resolved["x"] != 2.5 {
		t.Errorf("expected x=2.5, got %v", resolved["x"])
	}
}

func TestFromUnit(t *testing.T) {
	s := testSpace()
	c, err := s.FromUnit([]float64{0.5, 1, 0})
	if err != nil {
		t.Fatalf("FromUnit failed: %v", err)
	}
	if err := s.Contains(c); err != nil {
		t.Fatalf("FromUnit produced invalid candidate: %v", err)
	}
	if c["x"] != 5 || c["n"] != 4 || c["mat"] != 0 {
		t.Errorf("unexpected candidate %v", c)
	}

	if _, err := s.FromUnit([]float64{0.5}); err == nil {
		t.Error("expected error for short vector")
	}
}

func TestCandidateClone(t *testing.T) {
	c := Candidate{"x": 1}
	d := c.Clone()
	d["x"] = 2
	if c["x"] != 1 {
		t.Error("Clone shares storage with original")
	}
	if Candidate(nil).Clone() != nil {
		t.Error("Clone of nil should be nil")
	}
}
