package session

import (
	"context"
	"log/slog"
)

// Run steps the session until it reaches a terminal status. If ctx is
// cancelled first, the session is cancelled and ctx.Err() is returned with
// the final state.
func (e *Engine) Run(ctx context.Context, id string) (State, error) {
	for {
		if err := ctx.Err(); err != nil {
			return e.cancelAfter(id, err)
		}

		st, err := e.Step(ctx, id)
		if ctx.Err() != nil {
			return e.cancelAfter(id, ctx.Err())
		}
		if err != nil {
			return st, err
		}
		if st.Status.IsTerminal() {
			return st, nil
		}
	}
}

func (e *Engine) cancelAfter(id string, cause error) (State, error) {
	slog.Info("Run interrupted", "session_id", id, "cause", cause)
	st, err := e.Cancel(context.Background(), id)
	if err != nil {
		return st, err
	}
	return st, cause
}
