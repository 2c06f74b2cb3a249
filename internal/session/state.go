package session

import (
	"time"

	"github.com/cwbudde/simopt/internal/evaluator"
	"github.com/cwbudde/simopt/internal/opt"
	"github.com/cwbudde/simopt/internal/space"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusCreated            Status = "CREATED"
	StatusProposing          Status = "PROPOSING"
	StatusAwaitingEvaluation Status = "AWAITING_EVALUATION"
	StatusUpdating           Status = "UPDATING"
	StatusConverged          Status = "CONVERGED"
	StatusFailed             Status = "FAILED"
	StatusCancelled          Status = "CANCELLED"
)

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusConverged || s == StatusFailed || s == StatusCancelled
}

// Stop reasons.
const (
	StopConverged       = "converged"
	StopBudgetIteration = "budget_iterations"
	StopBudgetWallClock = "budget_wall_clock"
	StopFailureCeiling  = "failure_ceiling"
	StopContract        = "contract_violation"
	StopCancelled       = "cancelled"
)

// Scored is a candidate together with its score.
type Scored struct {
	Candidate space.Candidate `json:"candidate"`
	Score     float64         `json:"score"`
	RunID     string          `json:"run_id"`
	Iteration int             `json:"iteration"`
}

// HistoryEntry records one evaluation attempt. Attempts of the same
// iteration share the run id; only the last one is absorbed by the kernel.
type HistoryEntry struct {
	Iteration int                `json:"iteration"`
	Attempt   int                `json:"attempt"`
	RunID     string             `json:"run_id"`
	Candidate space.Candidate    `json:"candidate"`
	Success   bool               `json:"success"`
	Score     *float64           `json:"score,omitempty"`
	Error     string             `json:"error,omitempty"`
	Metrics   map[string]float64 `json:"metrics,omitempty"`
	Artifacts map[string]string  `json:"artifacts,omitempty"`
	// Absorbed marks the attempt that was handed to the kernel.
	Absorbed bool         `json:"absorbed"`
	Decision opt.Decision `json:"decision,omitempty"`
	Accepted bool         `json:"accepted"`
	Reason   string       `json:"reason,omitempty"`
	// Trace holds kernel diagnostics such as the temperature.
	Trace     map[string]float64 `json:"trace,omitempty"`
	BestScore *float64           `json:"best_score,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
}

func (h HistoryEntry) result() evaluator.Result {
	res := evaluator.Result{
		RunID:     h.RunID,
		Success:   h.Success,
		Metrics:   h.Metrics,
		Artifacts: h.Artifacts,
		Error:     h.Error,
	}
	if h.Score != nil {
		res.Score = *h.Score
	}
	return res
}

func (h HistoryEntry) clone() HistoryEntry {
	out := h
	out.Candidate = h.Candidate.Clone()
	out.Metrics = cloneFloats(h.Metrics)
	out.Trace = cloneFloats(h.Trace)
	if h.Artifacts != nil {
		out.Artifacts = make(map[string]string, len(h.Artifacts))
		for k, v := range h.Artifacts {
			out.Artifacts[k] = v
		}
	}
	if h.Score != nil {
		s := *h.Score
		out.Score = &s
	}
	if h.BestScore != nil {
		s := *h.BestScore
		out.BestScore = &s
	}
	return out
}

// State is the mutable part of a session. It is only changed by the Engine;
// callers always receive deep copies.
type State struct {
	SessionID           string          `json:"session_id"`
	Status              Status          `json:"status"`
	Iteration           int             `json:"iteration"`
	BestCandidate       *Scored         `json:"best_candidate,omitempty"`
	CurrentCandidate    space.Candidate `json:"current_candidate,omitempty"`
	CurrentRunID        string          `json:"current_run_id,omitempty"`
	KernelState         opt.State       `json:"kernel_state"`
	RNGDraws            int64           `json:"rng_draws"`
	History             []HistoryEntry  `json:"history"`
	ConsecutiveFailures int             `json:"consecutive_failures"`
	StopReason          string          `json:"stop_reason,omitempty"`
	Error               string          `json:"error,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
	StartedAt           *time.Time      `json:"started_at,omitempty"`
}

// Clone returns a deep copy of s.
func (s State) Clone() State {
	out := s
	if s.BestCandidate != nil {
		best := *s.BestCandidate
		best.Candidate = s.BestCandidate.Candidate.Clone()
		out.BestCandidate = &best
	}
	out.CurrentCandidate = s.CurrentCandidate.Clone()
	if s.KernelState != nil {
		out.KernelState = append(opt.State(nil), s.KernelState...)
	}
	if s.History != nil {
		out.History = make([]HistoryEntry, len(s.History))
		for i, h := range s.History {
			out.History[i] = h.clone()
		}
	}
	if s.StartedAt != nil {
		t := *s.StartedAt
		out.StartedAt = &t
	}
	return out
}

// attempts counts the recorded attempts for runID.
func (s State) attempts(runID string) int {
	n := 0
	for _, h := range s.History {
		if h.RunID == runID {
			n++
		}
	}
	return n
}

func cloneFloats(m map[string]float64) map[string]float64 {
	if m == nil {
		return nil
	}
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
