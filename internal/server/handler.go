package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/cwbudde/simopt/internal/session"
)

// pingInterval keeps idle SSE connections open through proxies.
var pingInterval = 30 * time.Second

// Handler serves the session API.
type Handler struct {
	engine      *session.Engine
	runner      *Runner
	broadcaster *EventBroadcaster
}

// NewHandler creates a new handler.
func NewHandler(engine *session.Engine, runner *Runner, broadcaster *EventBroadcaster) *Handler {
	return &Handler{engine: engine, runner: runner, broadcaster: broadcaster}
}

// RegisterRoutes registers all routes on the Echo instance.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/health", h.Health)

	api := e.Group("/api/v1")
	api.POST("/sessions", h.CreateSession)
	api.GET("/sessions", h.ListSessions)
	api.GET("/sessions/:id", h.GetSession)
	api.GET("/sessions/:id/config", h.GetConfig)
	api.GET("/sessions/:id/history", h.GetHistory)
	api.GET("/sessions/:id/best", h.GetBest)
	api.GET("/sessions/:id/stream", h.StreamSession)
	api.POST("/sessions/:id/step", h.StepSession)
	api.POST("/sessions/:id/run", h.RunSession)
	api.POST("/sessions/:id/cancel", h.CancelSession)
}

// Health handles GET /health.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// SessionView is the list representation of a session.
type SessionView struct {
	SessionID  string         `json:"session_id"`
	Status     session.Status `json:"status"`
	Iteration  int            `json:"iteration"`
	BestScore  *float64       `json:"best_score,omitempty"`
	StopReason string         `json:"stop_reason,omitempty"`
	Running    bool           `json:"running"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// NewSessionView summarizes st.
func NewSessionView(st session.State, running bool) SessionView {
	return SessionView{
		SessionID:  st.SessionID,
		Status:     st.Status,
		Iteration:  st.Iteration,
		BestScore:  eventFromState(st).BestScore,
		StopReason: st.StopReason,
		Running:    running,
		UpdatedAt:  st.UpdatedAt,
	}
}

// CreateSession handles POST /api/v1/sessions.
func (h *Handler) CreateSession(c echo.Context) error {
	var cfg session.Config
	if err := c.Bind(&cfg); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	ctx := c.Request().Context()
	id, err := h.engine.Create(ctx, cfg)
	if err != nil {
		return errorResponse(c, err)
	}
	st, err := h.engine.GetState(ctx, id)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusCreated, st)
}

// ListSessions handles GET /api/v1/sessions.
func (h *Handler) ListSessions(c echo.Context) error {
	states, err := h.engine.List(c.Request().Context())
	if err != nil {
		return errorResponse(c, err)
	}

	views := make([]SessionView, 0, len(states))
	for _, st := range states {
		views = append(views, NewSessionView(st, h.runner.Running(st.SessionID)))
	}
	return c.JSON(http.StatusOK, map[string]any{"sessions": views})
}

// GetSession handles GET /api/v1/sessions/:id.
func (h *Handler) GetSession(c echo.Context) error {
	st, err := h.engine.GetState(c.Request().Context(), c.Param("id"))
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, st)
}

// GetConfig handles GET /api/v1/sessions/:id/config.
func (h *Handler) GetConfig(c echo.Context) error {
	cfg, err := h.engine.GetConfig(c.Request().Context(), c.Param("id"))
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, cfg)
}

// GetHistory handles GET /api/v1/sessions/:id/history.
func (h *Handler) GetHistory(c echo.Context) error {
	history, err := h.engine.History(c.Request().Context(), c.Param("id"))
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"history": history})
}

// GetBest handles GET /api/v1/sessions/:id/best. best is null until an
// evaluation has succeeded.
func (h *Handler) GetBest(c echo.Context) error {
	id := c.Param("id")
	best, err := h.engine.Best(c.Request().Context(), id)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"session_id": id, "best": best})
}

// StepSession handles POST /api/v1/sessions/:id/step.
func (h *Handler) StepSession(c echo.Context) error {
	id := c.Param("id")
	if h.runner.Running(id) {
		return c.JSON(http.StatusConflict, map[string]string{"error": ErrAlreadyRunning.Error()})
	}
	st, err := h.engine.Step(c.Request().Context(), id)
	if err != nil {
		return errorResponse(c, err)
	}
	if st.Status.IsTerminal() {
		h.retire(id)
	}
	return c.JSON(http.StatusOK, st)
}

// RunSession handles POST /api/v1/sessions/:id/run. The session runs in the
// background until it terminates; progress is available on the stream.
func (h *Handler) RunSession(c echo.Context) error {
	id := c.Param("id")
	st, err := h.engine.GetState(c.Request().Context(), id)
	if err != nil {
		return errorResponse(c, err)
	}
	if st.Status.IsTerminal() {
		return c.JSON(http.StatusOK, st)
	}
	if err := h.runner.Start(id); err != nil {
		if errors.Is(err, ErrAlreadyRunning) {
			return c.JSON(http.StatusConflict, map[string]string{"error": err.Error()})
		}
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusAccepted, map[string]string{"session_id": id, "status": "running"})
}

// CancelSession handles POST /api/v1/sessions/:id/cancel.
func (h *Handler) CancelSession(c echo.Context) error {
	id := c.Param("id")
	st, err := h.engine.Cancel(c.Request().Context(), id)
	if err != nil {
		return errorResponse(c, err)
	}
	h.runner.Stop(id)
	h.retire(id)
	return c.JSON(http.StatusOK, st)
}

// retire drops a finished session from the engine and the stream cache.
// Connected stream clients still receive the terminal event.
func (h *Handler) retire(id string) {
	h.engine.Forget(id)
	h.broadcaster.Cleanup(id)
}

// StreamSession handles GET /api/v1/sessions/:id/stream as server-sent
// events. The stream ends after a terminal event.
func (h *Handler) StreamSession(c echo.Context) error {
	id := c.Param("id")
	ctx := c.Request().Context()

	st, err := h.engine.GetState(ctx, id)
	if err != nil {
		return errorResponse(c, err)
	}

	// Take the snapshot after subscribing so no transition falls between.
	events := h.broadcaster.Subscribe(id)
	defer h.broadcaster.Unsubscribe(id, events)
	if st, err = h.engine.GetState(ctx, id); err != nil {
		return errorResponse(c, err)
	}

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set("Connection", "keep-alive")
	res.WriteHeader(http.StatusOK)

	if err := writeSSEEvent(res, eventFromState(st)); err != nil {
		slog.Error("Failed to write initial SSE event", "session_id", id, "error", err)
		return nil
	}
	res.Flush()
	if st.Status.IsTerminal() {
		return nil
	}

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Debug("SSE client disconnected", "session_id", id)
			return nil

		case event, ok := <-events:
			if !ok {
				return nil
			}
			if err := writeSSEEvent(res, event); err != nil {
				slog.Error("Failed to write SSE event", "session_id", id, "error", err)
				return nil
			}
			res.Flush()
			if event.Status.IsTerminal() {
				return nil
			}

		case <-ping.C:
			fmt.Fprintf(res, ": ping\n\n")
			res.Flush()
		}
	}
}

// errorResponse maps engine errors to status codes.
func errorResponse(c echo.Context, err error) error {
	var cfgErr *session.ConfigError
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, session.ErrNotFound):
		status = http.StatusNotFound
	case errors.As(err, &cfgErr):
		status = http.StatusBadRequest
	case errors.Is(err, session.ErrContractViolation):
		status = http.StatusUnprocessableEntity
	default:
		slog.Error("Request failed", "method", c.Request().Method, "path", c.Path(), "error", err)
	}
	return c.JSON(status, map[string]string{"error": err.Error()})
}
