package server

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/cwbudde/simopt/internal/session"
)

// ErrAlreadyRunning is returned by Runner.Start for a session that already
// has a background run.
var ErrAlreadyRunning = errors.New("session is already running")

// Runner drives sessions in the background. At most maxConcurrent sessions
// step at the same time; the rest wait for a slot.
//
// Shutting the runner down interrupts runs without cancelling their
// sessions, so they can be resumed after a restart.
type Runner struct {
	engine *session.Engine
	sem    *semaphore.Weighted
	// retire is called once a run ends with a terminal session.
	retire func(id string)

	mu   sync.Mutex
	runs map[string]context.CancelFunc
	wg   sync.WaitGroup

	ctx  context.Context
	stop context.CancelFunc
}

// NewRunner creates a runner with maxConcurrent slots (minimum 1).
func NewRunner(engine *session.Engine, maxConcurrent int) *Runner {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Runner{
		engine: engine,
		sem:    semaphore.NewWeighted(int64(maxConcurrent)),
		retire: engine.Forget,
		runs:   make(map[string]context.CancelFunc),
		ctx:    ctx,
		stop:   stop,
	}
}

// Start launches a background run for the session.
func (r *Runner) Start(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ctx.Err() != nil {
		return errors.New("runner is shut down")
	}
	if _, ok := r.runs[id]; ok {
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(r.ctx)
	r.runs[id] = cancel
	r.wg.Add(1)
	go r.run(ctx, id)
	return nil
}

// Running reports whether the session has a background run.
func (r *Runner) Running(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.runs[id]
	return ok
}

// Stop interrupts the session's background run, if any. The session itself
// is left as it is.
func (r *Runner) Stop(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cancel, ok := r.runs[id]; ok {
		cancel()
	}
}

// Shutdown interrupts every run and waits for them to return or for ctx to
// expire.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.stop()
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) run(ctx context.Context, id string) {
	defer r.wg.Done()
	defer func() {
		r.mu.Lock()
		r.runs[id]()
		delete(r.runs, id)
		r.mu.Unlock()
	}()

	if err := r.sem.Acquire(ctx, 1); err != nil {
		slog.Info("Session run interrupted before start", "session_id", id)
		return
	}
	defer r.sem.Release(1)

	slog.Info("Starting session run", "session_id", id)
	for {
		st, err := r.engine.Step(ctx, id)
		if ctx.Err() != nil {
			slog.Info("Session run interrupted", "session_id", id, "status", st.Status, "iteration", st.Iteration)
			return
		}
		if err != nil {
			slog.Error("Session run failed", "session_id", id, "status", st.Status, "error", err)
			return
		}
		if st.Status.IsTerminal() {
			slog.Info("Session run finished",
				"session_id", id,
				"status", st.Status,
				"stop_reason", st.StopReason,
				"iterations", st.Iteration,
			)
			r.retire(id)
			return
		}
	}
}
