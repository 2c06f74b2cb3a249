package opt

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/cwbudde/simopt/internal/evaluator"
	"github.com/cwbudde/simopt/internal/space"
)

// AlgorithmSA is the registry tag of the simulated annealing kernel.
const AlgorithmSA = "sa"

// Acceptance reasons recorded by the SA kernel.
const (
	ReasonSeed       = "seed"
	ReasonBetter     = "better"
	ReasonMetropolis = "metropolis"
	ReasonRejected   = "rejected"
	ReasonFailed     = "failed"
)

// SAParams are the tunables of the SA kernel.
type SAParams struct {
	InitialTemperature float64
	CoolingRate        float64
	Floor              float64
	// StepSize is the neighbourhood radius as a fraction of each
	// dimension's span, and the re-draw probability of categorical values.
	StepSize      float64
	MaxIterations int
	// X0 is the starting point; dimensions it omits start at their midpoint.
	X0 space.Candidate
}

// DefaultSAParams returns the stock annealing schedule.
func DefaultSAParams() SAParams {
	return SAParams{
		InitialTemperature: 1.0,
		CoolingRate:        0.9,
		Floor:              1e-3,
		StepSize:           0.1,
	}
}

func init() {
	Register(AlgorithmSA, func(s space.Space, params map[string]float64) (Kernel, error) {
		p, err := ParseSAParams(s, params)
		if err != nil {
			return nil, err
		}
		return NewSA(s, p)
	})
}

// ParseSAParams reads SA parameters from an algorithm_params mapping on top
// of DefaultSAParams. Unknown keys are rejected.
func ParseSAParams(s space.Space, params map[string]float64) (SAParams, error) {
	p := DefaultSAParams()
	for key, v := range params {
		field := "algorithm_params." + key
		switch {
		case key == "initial_temperature":
			p.InitialTemperature = v
		case key == "cooling_rate":
			p.CoolingRate = v
		case key == "floor":
			p.Floor = v
		case key == "step_size":
			p.StepSize = v
		case key == "max_iterations":
			if v < 0 || v != math.Trunc(v) || v > math.MaxInt32 {
				return p, &ConfigError{Field: field, Reason: "must be a non-negative integer"}
			}
			p.MaxIterations = int(v)
		case strings.HasPrefix(key, "x0."):
			name := strings.TrimPrefix(key, "x0.")
			if _, ok := s.Lookup(name); !ok {
				return p, &ConfigError{Field: field, Reason: "unknown dimension " + name}
			}
			if p.X0 == nil {
				p.X0 = space.Candidate{}
			}
			p.X0[name] = v
		default:
			return p, &ConfigError{Field: field, Reason: "unknown parameter"}
		}
	}
	return p, nil
}

// SA is simulated annealing with a geometric cooling schedule.
type SA struct {
	space  space.Space
	params SAParams
	start  space.Candidate
}

// NewSA validates p against s and returns the kernel.
func NewSA(s space.Space, p SAParams) (*SA, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	switch {
	case !(p.InitialTemperature > 0) || math.IsInf(p.InitialTemperature, 0):
		return nil, &ConfigError{Field: "algorithm_params.initial_temperature", Reason: "must be a positive number"}
	case !(p.CoolingRate > 0 && p.CoolingRate < 1):
		return nil, &ConfigError{Field: "algorithm_params.cooling_rate", Reason: "must be in (0, 1)"}
	case !(p.Floor >= 0) || math.IsInf(p.Floor, 0):
		return nil, &ConfigError{Field: "algorithm_params.floor", Reason: "must be a non-negative number"}
	case p.Floor == 0 && p.MaxIterations == 0:
		// Geometric cooling never reaches zero.
		return nil, &ConfigError{Field: "algorithm_params.floor", Reason: "must be positive unless max_iterations is set"}
	case !(p.StepSize > 0 && p.StepSize <= 1):
		return nil, &ConfigError{Field: "algorithm_params.step_size", Reason: "must be in (0, 1]"}
	case p.MaxIterations < 0:
		return nil, &ConfigError{Field: "algorithm_params.max_iterations", Reason: "must be a non-negative integer"}
	}

	start := s.Midpoint()
	for name, v := range p.X0 {
		d, ok := s.Lookup(name)
		if !ok {
			return nil, &ConfigError{Field: "algorithm_params.x0." + name, Reason: "unknown dimension"}
		}
		if d.Clip(v) != v {
			return nil, &ConfigError{Field: "algorithm_params.x0." + name, Reason: fmt.Sprintf("%v is not a valid value", v)}
		}
		start[name] = v
	}

	return &SA{space: s, params: p, start: start}, nil
}

type saState struct {
	Temperature  float64         `json:"temperature"`
	Iteration    int             `json:"iteration"`
	Current      space.Candidate `json:"current,omitempty"`
	CurrentScore float64         `json:"current_score"`
	Best         space.Candidate `json:"best,omitempty"`
	BestScore    float64         `json:"best_score"`
	Failures     int             `json:"failures"`
	LastReason   string          `json:"last_reason,omitempty"`
	LastDelta    float64         `json:"last_delta"`
}

func (k *SA) decode(state State) (saState, error) {
	var st saState
	if err := json.Unmarshal(state, &st); err != nil {
		return st, fmt.Errorf("failed to decode sa state: %w", err)
	}
	return st, nil
}

func encode(st saState) (State, error) {
	data, err := json.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("failed to encode sa state: %w", err)
	}
	return data, nil
}

// Init returns the state before the first proposal.
func (k *SA) Init() (State, error) {
	return encode(saState{Temperature: k.params.InitialTemperature})
}

// Propose returns a neighbour of the current candidate, the starting point
// if nothing has been accepted yet, or a uniform sample once the starting
// point has been rejected.
func (k *SA) Propose(state State, stream *Stream) (space.Candidate, State, error) {
	st, err := k.decode(state)
	if err != nil {
		return nil, nil, err
	}

	switch {
	case st.Current != nil:
		return k.neighbour(st.Current, stream), state, nil
	case st.Failures == 0:
		return k.start.Clone(), state, nil
	default:
		return k.sample(stream), state, nil
	}
}

// neighbour draws in dimension order so the stream is consumed identically
// on every run.
func (k *SA) neighbour(current space.Candidate, stream *Stream) space.Candidate {
	next := make(space.Candidate, len(k.space))
	for _, d := range k.space {
		v := current[d.Name]
		if d.Kind == space.KindCategorical {
			if stream.Float64() < k.params.StepSize {
				v = float64(stream.Intn(len(d.Choices)))
			}
			next[d.Name] = v
			continue
		}
		step := k.params.StepSize * d.Span()
		next[d.Name] = d.Clip(v + stream.Uniform(-step, step))
	}
	return next
}

func (k *SA) sample(stream *Stream) space.Candidate {
	u := make([]float64, len(k.space))
	for i := range u {
		u[i] = stream.Float64()
	}
	c, _ := k.space.FromUnit(u)
	return c
}

// Absorb applies the Metropolis acceptance test and cools the temperature.
func (k *SA) Absorb(state State, candidate space.Candidate, result evaluator.Result, stream *Stream) (State, Decision, error) {
	st, err := k.decode(state)
	if err != nil {
		return nil, "", err
	}
	st.Iteration++
	st.LastDelta = 0

	switch {
	case !result.Success:
		st.Failures++
		st.LastReason = ReasonFailed
	case st.Current == nil:
		st.Current = candidate.Clone()
		st.CurrentScore = result.Score
		st.LastReason = ReasonSeed
	default:
		delta := result.Score - st.CurrentScore
		st.LastDelta = delta
		accept := delta <= 0
		st.LastReason = ReasonBetter
		if !accept {
			accept = stream.Float64() < math.Exp(-delta/st.Temperature)
			st.LastReason = ReasonMetropolis
		}
		if accept {
			st.Current = candidate.Clone()
			st.CurrentScore = result.Score
		} else {
			st.LastReason = ReasonRejected
		}
	}

	if result.Success && (st.Best == nil || result.Score < st.BestScore) {
		st.Best = candidate.Clone()
		st.BestScore = result.Score
	}

	st.Temperature *= k.params.CoolingRate

	next, err := encode(st)
	if err != nil {
		return nil, "", err
	}
	switch {
	case k.converged(st):
		return next, Converged, nil
	case !result.Success:
		return next, RejectAndRetry, nil
	default:
		return next, Continue, nil
	}
}

// IsConverged reports whether the temperature has dropped below the floor
// or the iteration limit has been reached.
func (k *SA) IsConverged(state State) (bool, error) {
	st, err := k.decode(state)
	if err != nil {
		return false, err
	}
	return k.converged(st), nil
}

func (k *SA) converged(st saState) bool {
	if st.Temperature < k.params.Floor {
		return true
	}
	return k.params.MaxIterations > 0 && st.Iteration >= k.params.MaxIterations
}

// LastStep reports the acceptance decision of the last Absorb.
func (k *SA) LastStep(state State) (StepInfo, error) {
	st, err := k.decode(state)
	if err != nil {
		return StepInfo{}, err
	}
	info := StepInfo{
		Reason: st.LastReason,
		Values: map[string]float64{
			"temperature": st.Temperature,
			"delta":       st.LastDelta,
		},
	}
	switch st.LastReason {
	case ReasonSeed, ReasonBetter, ReasonMetropolis:
		info.Accepted = true
	}
	if st.Current != nil {
		info.Values["current_score"] = st.CurrentScore
	}
	if st.Best != nil {
		info.Values["best_score"] = st.BestScore
	}
	return info, nil
}
