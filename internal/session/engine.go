package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cwbudde/simopt/internal/artifact"
	"github.com/cwbudde/simopt/internal/evaluator"
	"github.com/cwbudde/simopt/internal/opt"
	"github.com/google/uuid"
)

// Observer is notified with a copy of the state after every persisted
// transition. It is called with the session lock held and must not call
// back into the Engine.
type Observer func(State)

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces time.Now for timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithMetrics records Prometheus metrics.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithEvaluatorFactory builds a dedicated evaluator per session, for
// evaluators that depend on the session's parameter space. It takes
// precedence over the evaluator passed to NewEngine.
func WithEvaluatorFactory(f func(Config) (evaluator.Evaluator, error)) Option {
	return func(e *Engine) { e.factory = f }
}

// WithObserver registers an observer for state transitions.
func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observers = append(e.observers, o) }
}

// Engine owns every session's state and drives the
// propose, evaluate and absorb cycle.
type Engine struct {
	store     artifact.Store
	eval      evaluator.Evaluator
	factory   func(Config) (evaluator.Evaluator, error)
	now       func() time.Time
	metrics   *Metrics
	observers []Observer

	mu       sync.Mutex
	sessions map[string]*session
}

type session struct {
	cfg    Config
	kernel opt.Kernel
	eval   evaluator.Evaluator

	// stepMu serializes Step; mu guards the fields below and is released
	// while the evaluator runs so Cancel and GetState never wait on it.
	stepMu sync.Mutex
	mu     sync.Mutex
	state  State
	stream *opt.Stream
	// committed is the last state written to the store.
	committed State
}

func newSession(cfg Config, kernel opt.Kernel, st State) *session {
	return &session{
		cfg:       cfg,
		kernel:    kernel,
		state:     st,
		stream:    opt.Resume(cfg.Seed, st.RNGDraws),
		committed: st.Clone(),
	}
}

// rollback discards every change made since the last successful persist,
// so a failed write never leaves half a transition in memory.
func (s *session) rollback() {
	s.state = s.committed.Clone()
	if s.stream.Draws() != s.state.RNGDraws {
		s.stream = opt.Resume(s.cfg.Seed, s.state.RNGDraws)
	}
}

// snapshot is the persisted form of a session.
type snapshot struct {
	Config Config `json:"config"`
	State  State  `json:"state"`
}

// attemptRecord is appended to a run's simulation-case log for every
// evaluator call.
type attemptRecord struct {
	SessionID string           `json:"session_id"`
	Attempt   int              `json:"attempt"`
	Result    evaluator.Result `json:"result"`
	Timestamp time.Time        `json:"timestamp"`
}

// candidateRecord is the primary artifact of a run.
type candidateRecord struct {
	SessionID string             `json:"session_id"`
	RunID     string             `json:"run_id"`
	Iteration int                `json:"iteration"`
	Candidate map[string]any     `json:"candidate"`
	Raw       map[string]float64 `json:"raw"`
}

// Summary is written to versioned-design/<session_id> when a session ends.
type Summary struct {
	SessionID  string         `json:"session_id"`
	Algorithm  string         `json:"algorithm"`
	Status     Status         `json:"status"`
	StopReason string         `json:"stop_reason"`
	Iterations int            `json:"iterations"`
	Best       *Scored        `json:"best,omitempty"`
	BestParams map[string]any `json:"best_params,omitempty"`
	FinishedAt time.Time      `json:"finished_at"`
}

// NewEngine returns an Engine persisting to store and evaluating with eval.
// Evaluators are always wrapped in evaluator.Guard. eval may be nil when
// WithEvaluatorFactory is used.
func NewEngine(store artifact.Store, eval evaluator.Evaluator, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		now:      time.Now,
		sessions: make(map[string]*session),
	}
	if eval != nil {
		e.eval = evaluator.Guard(eval)
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// evaluatorFor returns the session's evaluator, building it on first use.
func (e *Engine) evaluatorFor(sess *session) (evaluator.Evaluator, error) {
	if sess.eval != nil {
		return sess.eval, nil
	}
	switch {
	case e.factory != nil:
		ev, err := e.factory(sess.cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to build evaluator for session %s: %w", sess.cfg.SessionID, err)
		}
		sess.eval = evaluator.Guard(ev)
	case e.eval != nil:
		sess.eval = e.eval
	default:
		return nil, fmt.Errorf("no evaluator configured")
	}
	return sess.eval, nil
}

// RunID derives the run id of an iteration.
func RunID(sessionID string, iteration int) string {
	return fmt.Sprintf("%s-%06d", sessionID, iteration)
}

// Create validates cfg, initialises the kernel and persists the new session.
// An empty session id is replaced by a generated one.
func (e *Engine) Create(ctx context.Context, cfg Config) (string, error) {
	if cfg.SessionID == "" {
		cfg.SessionID = uuid.New().String()
	}
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return "", err
	}

	kernel, err := opt.New(cfg.Algorithm, cfg.ParameterSpace, cfg.AlgorithmParams)
	if err != nil {
		return "", asConfigError(err)
	}
	kstate, err := kernel.Init()
	if err != nil {
		return "", &ConfigError{Field: "algorithm", Reason: "failed to initialise kernel: " + err.Error()}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.sessions[cfg.SessionID]; exists {
		return "", &ConfigError{Field: "session_id", Reason: cfg.SessionID + " already exists"}
	}
	if _, err := e.store.Get(ctx, cfg.SessionID, artifact.KindSession); err == nil {
		return "", &ConfigError{Field: "session_id", Reason: cfg.SessionID + " already exists"}
	} else if !errors.Is(err, artifact.ErrNotFound) {
		return "", fmt.Errorf("failed to check for existing session: %w", err)
	}

	now := e.now()
	sess := newSession(cfg, kernel, State{
		SessionID:   cfg.SessionID,
		Status:      StatusCreated,
		KernelState: kstate,
		History:     []HistoryEntry{},
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err := e.persist(ctx, sess); err != nil {
		return "", err
	}
	e.sessions[cfg.SessionID] = sess
	e.metrics.sessionsLoaded(len(e.sessions))

	slog.Info("Created session", "session_id", cfg.SessionID, "algorithm", cfg.Algorithm,
		"dimensions", len(cfg.ParameterSpace), "seed", cfg.Seed)
	return cfg.SessionID, nil
}

func asConfigError(err error) error {
	var oc *opt.ConfigError
	if errors.As(err, &oc) {
		return &ConfigError{Field: oc.Field, Reason: oc.Reason}
	}
	var ce *ConfigError
	if errors.As(err, &ce) {
		return ce
	}
	return &ConfigError{Field: "algorithm_params", Reason: err.Error()}
}

// load returns the session, reading it from the store if it is not in
// memory yet. Terminal sessions read from the store are not cached.
func (e *Engine) load(ctx context.Context, id string) (*session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if sess, ok := e.sessions[id]; ok {
		return sess, nil
	}
	if !sessionIDPattern.MatchString(id) {
		return nil, &NotFoundError{ID: id}
	}

	rec, err := e.store.Get(ctx, id, artifact.KindSession)
	if errors.Is(err, artifact.ErrNotFound) {
		return nil, &NotFoundError{ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", id, err)
	}
	data, err := e.store.Read(ctx, rec)
	if err != nil {
		return nil, fmt.Errorf("failed to read session %s: %w", id, err)
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode session %s: %w", id, err)
	}
	kernel, err := opt.New(snap.Config.Algorithm, snap.Config.ParameterSpace, snap.Config.AlgorithmParams)
	if err != nil {
		return nil, fmt.Errorf("failed to restore kernel for session %s: %w", id, err)
	}
	if snap.State.History == nil {
		snap.State.History = []HistoryEntry{}
	}

	sess := newSession(snap.Config, kernel, snap.State)
	if !snap.State.Status.IsTerminal() {
		e.sessions[id] = sess
		e.metrics.sessionsLoaded(len(e.sessions))
	}
	slog.Debug("Loaded session from store", "session_id", id, "status", snap.State.Status, "iteration", snap.State.Iteration)
	return sess, nil
}

// GetState returns a snapshot of the session.
func (e *Engine) GetState(ctx context.Context, id string) (State, error) {
	sess, err := e.load(ctx, id)
	if err != nil {
		return State{}, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.state.Clone(), nil
}

// GetConfig returns the configuration the session was created with.
func (e *Engine) GetConfig(ctx context.Context, id string) (Config, error) {
	sess, err := e.load(ctx, id)
	if err != nil {
		return Config{}, err
	}
	return sess.cfg.withDefaults(), nil
}

// History returns the session's evaluation history in order.
func (e *Engine) History(ctx context.Context, id string) ([]HistoryEntry, error) {
	st, err := e.GetState(ctx, id)
	if err != nil {
		return nil, err
	}
	return st.History, nil
}

// Best returns the best successful evaluation so far, or nil.
func (e *Engine) Best(ctx context.Context, id string) (*Scored, error) {
	st, err := e.GetState(ctx, id)
	if err != nil {
		return nil, err
	}
	return st.BestCandidate, nil
}

// List returns the state of every persisted session, ordered by id.
func (e *Engine) List(ctx context.Context) ([]State, error) {
	recs, err := e.store.List(ctx, artifact.KindSession)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	states := make([]State, 0, len(recs))
	for _, rec := range recs {
		st, err := e.GetState(ctx, rec.Key)
		if err != nil {
			slog.Warn("Skipping unreadable session", "session_id", rec.Key, "error", err)
			continue
		}
		states = append(states, st)
	}
	sort.Slice(states, func(i, j int) bool { return states[i].SessionID < states[j].SessionID })
	return states, nil
}

// Forget drops a terminal session from memory. Its artifacts stay in the
// store and every read goes there from now on. Live sessions are kept.
func (e *Engine) Forget(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if sess, ok := e.sessions[id]; ok {
		sess.mu.Lock()
		terminal := sess.state.Status.IsTerminal()
		sess.mu.Unlock()
		if terminal {
			delete(e.sessions, id)
			e.metrics.sessionsLoaded(len(e.sessions))
		}
	}
}

// Cancel moves the session to CANCELLED. An evaluation in flight keeps
// running but its result is discarded. Cancelling a terminal session is a
// no-op.
func (e *Engine) Cancel(ctx context.Context, id string) (State, error) {
	sess, err := e.load(ctx, id)
	if err != nil {
		return State{}, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.state.Status.IsTerminal() {
		return sess.state.Clone(), nil
	}
	slog.Info("Cancelling session", "session_id", id, "status", sess.state.Status, "iteration", sess.state.Iteration)
	if err := e.finish(ctx, sess, StatusCancelled, StopCancelled, ""); err != nil {
		sess.rollback()
		return sess.state.Clone(), err
	}
	return sess.state.Clone(), nil
}

// Step runs one propose, evaluate and absorb cycle and blocks while the
// evaluator runs. Terminal sessions are returned unchanged.
//
// A session interrupted mid-step (ctx cancelled or the process restarted)
// resumes where it stopped: an AWAITING_EVALUATION session re-dispatches its
// current candidate under the same run id, and an UPDATING session re-absorbs
// its last recorded attempt.
//
// When Step fails, the in-memory state is rolled back to the last persisted
// snapshot, so the next call resumes exactly as a fresh engine would.
func (e *Engine) Step(ctx context.Context, id string) (State, error) {
	sess, err := e.load(ctx, id)
	if err != nil {
		return State{}, err
	}
	sess.stepMu.Lock()
	defer sess.stepMu.Unlock()

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if err := e.step(ctx, sess); err != nil {
		sess.rollback()
		return sess.state.Clone(), err
	}
	return sess.state.Clone(), nil
}

// step advances the session by one iteration. Called with sess.mu held.
func (e *Engine) step(ctx context.Context, sess *session) error {
	st := &sess.state
	if st.Status.IsTerminal() {
		return nil
	}
	ev, err := e.evaluatorFor(sess)
	if err != nil {
		return err
	}
	if st.StartedAt == nil {
		started := e.now()
		st.StartedAt = &started
	}

	if st.Status == StatusCreated || st.Status == StatusProposing {
		if reason := e.budgetExhausted(sess); reason != "" {
			return e.finish(ctx, sess, StatusConverged, reason, "")
		}
		if err := e.propose(ctx, sess); err != nil {
			return err
		}
	}

	var entry HistoryEntry
	switch st.Status {
	case StatusAwaitingEvaluation:
		var ok bool
		entry, ok, err = e.evaluate(ctx, sess, ev)
		if err != nil || !ok {
			return err
		}
	case StatusUpdating:
		if len(st.History) == 0 {
			return e.violation(ctx, sess, "session is updating without a recorded result")
		}
		entry = st.History[len(st.History)-1]
		st.History = st.History[:len(st.History)-1]
	default:
		return fmt.Errorf("session %s is in unexpected status %s", sess.cfg.SessionID, st.Status)
	}

	return e.absorb(ctx, sess, entry)
}

// propose asks the kernel for the next candidate and moves the session to
// AWAITING_EVALUATION. Called with sess.mu held.
func (e *Engine) propose(ctx context.Context, sess *session) error {
	st := &sess.state
	if err := e.transition(ctx, sess, StatusProposing); err != nil {
		return err
	}

	candidate, kstate, err := sess.kernel.Propose(st.KernelState, sess.stream)
	if err != nil {
		return e.violation(ctx, sess, "propose failed: "+err.Error())
	}
	if err := sess.cfg.ParameterSpace.Contains(candidate); err != nil {
		return e.violation(ctx, sess, err.Error())
	}

	st.KernelState = kstate
	st.RNGDraws = sess.stream.Draws()
	st.CurrentCandidate = candidate.Clone()
	st.CurrentRunID = RunID(sess.cfg.SessionID, st.Iteration)

	rec := candidateRecord{
		SessionID: sess.cfg.SessionID,
		RunID:     st.CurrentRunID,
		Iteration: st.Iteration,
		Candidate: sess.cfg.ParameterSpace.Resolve(candidate),
		Raw:       candidate,
	}
	if err := e.putJSON(ctx, st.CurrentRunID, artifact.KindSimulationCase, rec, artifact.Overwrite); err != nil {
		return err
	}

	slog.Debug("Proposed candidate", "session_id", sess.cfg.SessionID, "run_id", st.CurrentRunID, "candidate", candidate)
	return e.transition(ctx, sess, StatusAwaitingEvaluation)
}

// evaluate calls the evaluator for the current candidate until it succeeds
// or the retry budget is spent. It is called and returns with sess.mu held
// but releases it around every evaluator call. ok is false when the session
// was cancelled in the meantime and the result was discarded.
func (e *Engine) evaluate(ctx context.Context, sess *session, ev evaluator.Evaluator) (entry HistoryEntry, ok bool, err error) {
	st := &sess.state
	maxAttempts := sess.cfg.Retry.Retries() + 1

	for {
		runID := st.CurrentRunID
		candidate := st.CurrentCandidate.Clone()
		iteration := st.Iteration
		attempt := st.attempts(runID) + 1

		sess.mu.Unlock()
		e.metrics.evaluationStarted()
		res := ev.Evaluate(ctx, runID, candidate)
		e.metrics.evaluationFinished(res.Success, res.Duration)
		sess.mu.Lock()

		if st.Status != StatusAwaitingEvaluation || st.CurrentRunID != runID {
			slog.Info("Discarding evaluation result", "session_id", sess.cfg.SessionID, "run_id", runID, "status", st.Status)
			return HistoryEntry{}, false, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil && !res.Success {
			// The attempt was cut short by the caller, not by the
			// evaluator; leave the session awaiting evaluation.
			return HistoryEntry{}, false, ctxErr
		}

		now := e.now()
		if err := e.putJSON(ctx, runID, artifact.KindSimulationCase, attemptRecord{
			SessionID: sess.cfg.SessionID,
			Attempt:   attempt,
			Result:    res,
			Timestamp: now,
		}, artifact.Append); err != nil {
			return HistoryEntry{}, false, err
		}

		entry = HistoryEntry{
			Iteration: iteration,
			Attempt:   attempt,
			RunID:     runID,
			Candidate: candidate,
			Success:   res.Success,
			Error:     res.Error,
			Metrics:   cloneFloats(res.Metrics),
			Artifacts: res.Artifacts,
			Timestamp: now,
		}
		if res.Success {
			score := res.Score
			entry.Score = &score
			return entry, true, nil
		}

		slog.Warn("Evaluation attempt failed", "session_id", sess.cfg.SessionID,
			"error", &EvaluationError{RunID: runID, Attempt: attempt, Reason: res.Error})
		if attempt >= maxAttempts {
			return entry, true, nil
		}

		st.History = append(st.History, entry)
		if err := e.putJSON(ctx, sess.cfg.SessionID, artifact.KindSession, entry, artifact.Append); err != nil {
			return HistoryEntry{}, false, err
		}
		if err := e.transition(ctx, sess, StatusAwaitingEvaluation); err != nil {
			return HistoryEntry{}, false, err
		}
	}
}

// absorb feeds the final attempt of an iteration to the kernel and decides
// the next status. Called with sess.mu held.
func (e *Engine) absorb(ctx context.Context, sess *session, entry HistoryEntry) error {
	st := &sess.state
	entry.Absorbed = true
	st.History = append(st.History, entry)
	if err := e.transition(ctx, sess, StatusUpdating); err != nil {
		return err
	}

	kstate, decision, err := sess.kernel.Absorb(st.KernelState, entry.Candidate.Clone(), entry.result(), sess.stream)
	if err != nil {
		return e.violation(ctx, sess, "absorb failed: "+err.Error())
	}
	if !decision.Valid() {
		return e.violation(ctx, sess, fmt.Sprintf("unrecognised decision %q", decision))
	}

	st.KernelState = kstate
	st.RNGDraws = sess.stream.Draws()
	st.Iteration++
	st.CurrentCandidate = nil
	st.CurrentRunID = ""

	if entry.Success {
		st.ConsecutiveFailures = 0
		if st.BestCandidate == nil || *entry.Score < st.BestCandidate.Score {
			st.BestCandidate = &Scored{
				Candidate: entry.Candidate.Clone(),
				Score:     *entry.Score,
				RunID:     entry.RunID,
				Iteration: entry.Iteration,
			}
		}
	} else {
		st.ConsecutiveFailures++
	}

	entry.Decision = decision
	if tracer, ok := sess.kernel.(opt.Tracer); ok {
		if info, err := tracer.LastStep(kstate); err == nil {
			entry.Accepted = info.Accepted
			entry.Reason = info.Reason
			entry.Trace = info.Values
		}
	} else {
		entry.Accepted = entry.Success && decision != opt.RejectAndRetry
	}
	if st.BestCandidate != nil {
		best := st.BestCandidate.Score
		entry.BestScore = &best
	}
	st.History[len(st.History)-1] = entry
	if err := e.putJSON(ctx, sess.cfg.SessionID, artifact.KindSession, entry, artifact.Append); err != nil {
		return err
	}
	e.metrics.stepAbsorbed(sess.cfg.Algorithm)

	slog.Info("Absorbed evaluation", "session_id", sess.cfg.SessionID, "run_id", entry.RunID,
		"iteration", st.Iteration, "success", entry.Success, "decision", decision, "reason", entry.Reason)

	switch {
	case !entry.Success && st.ConsecutiveFailures >= sess.cfg.Retry.Ceiling():
		return e.finish(ctx, sess, StatusFailed, StopFailureCeiling,
			fmt.Sprintf("%d consecutive failed iterations, last error: %s", st.ConsecutiveFailures, entry.Error))
	case decision == opt.Converged:
		return e.finish(ctx, sess, StatusConverged, StopConverged, "")
	}
	if reason := e.budgetExhausted(sess); reason != "" {
		return e.finish(ctx, sess, StatusConverged, reason, "")
	}
	return e.transition(ctx, sess, StatusProposing)
}

func (e *Engine) budgetExhausted(sess *session) string {
	b := sess.cfg.Budget
	st := sess.state
	if b.MaxIterations > 0 && st.Iteration >= b.MaxIterations {
		return StopBudgetIteration
	}
	if b.MaxWallClock > 0 && st.StartedAt != nil && e.now().Sub(*st.StartedAt) >= time.Duration(b.MaxWallClock) {
		return StopBudgetWallClock
	}
	return ""
}

// violation fails the session and returns a *ContractViolation.
func (e *Engine) violation(ctx context.Context, sess *session, reason string) error {
	cv := &ContractViolation{SessionID: sess.cfg.SessionID, Reason: reason}
	slog.Error("Kernel contract violation", "session_id", sess.cfg.SessionID, "error", cv)
	if err := e.finish(ctx, sess, StatusFailed, StopContract, cv.Error()); err != nil {
		return errors.Join(cv, err)
	}
	return cv
}

// finish moves the session to a terminal status and writes the best-result
// summary.
func (e *Engine) finish(ctx context.Context, sess *session, status Status, reason, message string) error {
	st := &sess.state
	st.StopReason = reason
	st.Error = message
	if err := e.transition(ctx, sess, status); err != nil {
		return err
	}
	e.metrics.sessionFinished(status, reason)

	summary := Summary{
		SessionID:  sess.cfg.SessionID,
		Algorithm:  sess.cfg.Algorithm,
		Status:     status,
		StopReason: reason,
		Iterations: st.Iteration,
		Best:       st.BestCandidate,
		FinishedAt: st.UpdatedAt,
	}
	if st.BestCandidate != nil {
		summary.BestParams = sess.cfg.ParameterSpace.Resolve(st.BestCandidate.Candidate)
	}
	if err := e.putJSON(ctx, sess.cfg.SessionID, artifact.KindVersionedDesign, summary, artifact.Overwrite); err != nil {
		return err
	}

	attrs := []any{"session_id", sess.cfg.SessionID, "status", status, "stop_reason", reason, "iterations", st.Iteration}
	if st.BestCandidate != nil {
		attrs = append(attrs, "best_score", st.BestCandidate.Score)
	}
	slog.Info("Session finished", attrs...)
	return nil
}

// transition sets the status, persists the snapshot and notifies observers.
func (e *Engine) transition(ctx context.Context, sess *session, status Status) error {
	sess.state.Status = status
	sess.state.UpdatedAt = e.now()
	return e.persist(ctx, sess)
}

func (e *Engine) persist(ctx context.Context, sess *session) error {
	if err := e.putJSON(ctx, sess.cfg.SessionID, artifact.KindSession, snapshot{Config: sess.cfg, State: sess.state}, artifact.Overwrite); err != nil {
		return err
	}
	sess.committed = sess.state.Clone()
	if len(e.observers) > 0 {
		st := sess.state.Clone()
		for _, o := range e.observers {
			o(st)
		}
	}
	return nil
}

func (e *Engine) putJSON(ctx context.Context, key string, kind artifact.Kind, v any, mode artifact.WriteMode) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s artifact %s: %w", kind, key, err)
	}
	// Artifact writes must land even when the caller's context has been
	// cancelled mid-step, or the persisted state would fall behind.
	if _, err := e.store.Put(context.WithoutCancel(ctx), key, kind, data, mode); err != nil {
		return fmt.Errorf("failed to write %s artifact %s: %w", kind, key, err)
	}
	return nil
}
