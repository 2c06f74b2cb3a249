package space

import (
	"fmt"
	"math"
)

// Kind identifies how a dimension's values are interpreted.
type Kind string

const (
	KindFloat       Kind = "float"
	KindInt         Kind = "int"
	KindCategorical Kind = "categorical"
)

// Dimension is one named, bounded axis of the parameter space.
//
// Categorical dimensions are encoded as a choice index in [0, len(Choices)-1];
// Lower and Upper are derived from Choices and need not be set.
type Dimension struct {
	Name    string   `json:"name"`
	Kind    Kind     `json:"kind,omitempty"` // defaults to float
	Lower   float64  `json:"lower"`
	Upper   float64  `json:"upper"`
	Choices []string `json:"choices,omitempty"`
}

// Space is the ordered sequence of dimensions a session searches over.
type Space []Dimension

// Candidate maps each dimension name to a concrete value.
type Candidate map[string]float64

// Clone returns an independent copy of the candidate.
func (c Candidate) Clone() Candidate {
	if c == nil {
		return nil
	}
	out := make(Candidate, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// ValidationError reports a malformed parameter space.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid parameter space: " + e.Field + " " + e.Reason
}

// BoundsError reports a candidate value outside the parameter space.
type BoundsError struct {
	Dimension string
	Value     float64
	Reason    string
}

func (e *BoundsError) Error() string {
	return fmt.Sprintf("candidate out of bounds: %s=%v %s", e.Dimension, e.Value, e.Reason)
}

func (d Dimension) kind() Kind {
	if d.Kind == "" {
		return KindFloat
	}
	return d.Kind
}

// Bounds returns the effective [lower, upper] interval of the dimension.
func (d Dimension) Bounds() (float64, float64) {
	if d.kind() == KindCategorical {
		return 0, float64(len(d.Choices) - 1)
	}
	return d.Lower, d.Upper
}

// Span returns upper - lower.
func (d Dimension) Span() float64 {
	lo, hi := d.Bounds()
	return hi - lo
}

// IsDiscrete reports whether values of this dimension must be integral.
func (d Dimension) IsDiscrete() bool {
	k := d.kind()
	return k == KindInt || k == KindCategorical
}

// Validate checks every dimension and rejects empty spaces, duplicate names
// and inverted bounds.
func (s Space) Validate() error {
	if len(s) == 0 {
		return &ValidationError{Field: "parameter_space", Reason: "cannot be empty"}
	}
	seen := make(map[string]bool, len(s))
	for i, d := range s {
		field := fmt.Sprintf("parameter_space[%d]", i)
		if d.Name == "" {
			return &ValidationError{Field: field + ".name", Reason: "cannot be empty"}
		}
		if seen[d.Name] {
			return &ValidationError{Field: field + ".name", Reason: "duplicate dimension " + d.Name}
		}
		seen[d.Name] = true

		switch d.kind() {
		case KindFloat, KindInt:
			if math.IsNaN(d.Lower) || math.IsNaN(d.Upper) || math.IsInf(d.Lower, 0) || math.IsInf(d.Upper, 0) {
				return &ValidationError{Field: field, Reason: "bounds must be finite"}
			}
			if d.Lower > d.Upper {
				return &ValidationError{
					Field:  field,
					Reason: fmt.Sprintf("bounds inverted (lower %v > upper %v)", d.Lower, d.Upper),
				}
			}
			if d.kind() == KindInt && math.Ceil(d.Lower) > math.Floor(d.Upper) {
				return &ValidationError{Field: field, Reason: "integer dimension contains no integers"}
			}
		case KindCategorical:
			if len(d.Choices) == 0 {
				return &ValidationError{Field: field + ".choices", Reason: "cannot be empty"}
			}
		default:
			return &ValidationError{Field: field + ".kind", Reason: "unknown kind " + string(d.Kind)}
		}
	}
	return nil
}

// Lookup returns the dimension with the given name.
func (s Space) Lookup(name string) (Dimension, bool) {
	for _, d := range s {
		if d.Name == name {
			return d, true
		}
	}
	return Dimension{}, false
}

// Contains checks that c assigns exactly one in-bounds value to every
// dimension. It never modifies c.
func (s Space) Contains(c Candidate) error {
	if len(c) != len(s) {
		for name := range c {
			if _, ok := s.Lookup(name); !ok {
				return &BoundsError{Dimension: name, Value: c[name], Reason: "is not a dimension"}
			}
		}
	}
	for _, d := range s {
		v, ok := c[d.Name]
		if !ok {
			return &BoundsError{Dimension: d.Name, Value: math.NaN(), Reason: "is missing"}
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return &BoundsError{Dimension: d.Name, Value: v, Reason: "is not finite"}
		}
		lo, hi := d.Bounds()
		if v < lo || v > hi {
			return &BoundsError{Dimension: d.Name, Value: v, Reason: fmt.Sprintf("outside [%v, %v]", lo, hi)}
		}
		if d.IsDiscrete() && v != math.Trunc(v) {
			return &BoundsError{Dimension: d.Name, Value: v, Reason: "is not integral"}
		}
	}
	return nil
}

// Clip returns v limited to the dimension's bounds, rounded for discrete
// dimensions.
func (d Dimension) Clip(v float64) float64 {
	lo, hi := d.Bounds()
	if d.IsDiscrete() {
		v = math.Round(v)
		lo, hi = math.Ceil(lo), math.Floor(hi)
	}
	return math.Max(lo, math.Min(hi, v))
}

// Midpoint returns the centre of the space, snapped to valid values.
func (s Space) Midpoint() Candidate {
	c := make(Candidate, len(s))
	for _, d := range s {
		lo, hi := d.Bounds()
		c[d.Name] = d.Clip(lo + (hi-lo)/2)
	}
	return c
}

// FromUnit maps a point of the unit hypercube onto the space, one coordinate
// per dimension in order.
func (s Space) FromUnit(u []float64) (Candidate, error) {
	if len(u) != len(s) {
		return nil, fmt.Errorf("unit vector has %d coordinates, space has %d dimensions", len(u), len(s))
	}
	c := make(Candidate, len(s))
	for i, d := range s {
		lo, hi := d.Bounds()
		x := math.Max(0, math.Min(1, u[i]))
		c[d.Name] = d.Clip(lo + x*(hi-lo))
	}
	return c, nil
}

// Resolve converts a candidate into evaluator-facing values: categorical
// indices become their choice labels and integers become int64.
func (s Space) Resolve(c Candidate) map[string]any {
	out := make(map[string]any, len(c))
	for _, d := range s {
		v, ok := c[d.Name]
		if !ok {
			continue
		}
		switch d.kind() {
		case KindCategorical:
			idx := int(v)
			if idx >= 0 && idx < len(d.Choices) {
				out[d.Name] = d.Choices[idx]
			}
		case KindInt:
			out[d.Name] = int64(v)
		default:
			out[d.Name] = v
		}
	}
	return out
}
