package server

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/cwbudde/simopt/internal/session"
)

// ProgressEvent is one session state change as seen by SSE clients.
type ProgressEvent struct {
	SessionID  string         `json:"session_id"`
	Status     session.Status `json:"status"`
	Iteration  int            `json:"iteration"`
	BestScore  *float64       `json:"best_score,omitempty"`
	RunID      string         `json:"run_id,omitempty"`
	StopReason string         `json:"stop_reason,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

func eventFromState(st session.State) ProgressEvent {
	ev := ProgressEvent{
		SessionID:  st.SessionID,
		Status:     st.Status,
		Iteration:  st.Iteration,
		RunID:      st.CurrentRunID,
		StopReason: st.StopReason,
		Timestamp:  st.UpdatedAt,
	}
	if st.BestCandidate != nil {
		score := st.BestCandidate.Score
		ev.BestScore = &score
	}
	return ev
}

// EventBroadcaster fans session events out to SSE clients.
type EventBroadcaster struct {
	mu        sync.Mutex
	clients   map[string]map[chan ProgressEvent]bool // sessionID -> set of client channels
	lastEvent map[string]ProgressEvent               // sessionID -> last event for new clients
}

// NewEventBroadcaster creates a new event broadcaster
func NewEventBroadcaster() *EventBroadcaster {
	return &EventBroadcaster{
		clients:   make(map[string]map[chan ProgressEvent]bool),
		lastEvent: make(map[string]ProgressEvent),
	}
}

// Observe is a session.Observer. It never blocks.
func (eb *EventBroadcaster) Observe(st session.State) {
	eb.Broadcast(eventFromState(st))
}

// Subscribe adds a client to receive events for a session
func (eb *EventBroadcaster) Subscribe(sessionID string) chan ProgressEvent {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	ch := make(chan ProgressEvent, 16)

	if eb.clients[sessionID] == nil {
		eb.clients[sessionID] = make(map[chan ProgressEvent]bool)
	}
	eb.clients[sessionID][ch] = true

	if last, ok := eb.lastEvent[sessionID]; ok {
		ch <- last
	}

	slog.Debug("SSE client subscribed", "session_id", sessionID, "total_clients", len(eb.clients[sessionID]))
	return ch
}

// Unsubscribe removes a client and closes its channel.
func (eb *EventBroadcaster) Unsubscribe(sessionID string, ch chan ProgressEvent) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if clients, ok := eb.clients[sessionID]; ok {
		if _, subscribed := clients[ch]; subscribed {
			delete(clients, ch)
			close(ch)
		}
		if len(clients) == 0 {
			delete(eb.clients, sessionID)
		}
	}

	slog.Debug("SSE client unsubscribed", "session_id", sessionID)
}

// Broadcast sends an event to all subscribed clients for a session. A slow
// client loses its oldest queued event instead of stalling the engine, so
// the latest event always reaches it.
func (eb *EventBroadcaster) Broadcast(event ProgressEvent) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.lastEvent[event.SessionID] = event

	for ch := range eb.clients[event.SessionID] {
		select {
		case ch <- event:
			continue
		default:
		}
		select {
		case <-ch:
			slog.Debug("SSE channel full, dropping oldest event", "session_id", event.SessionID)
		default:
		}
		select {
		case ch <- event:
		default:
		}
	}
}

// Cleanup closes every client of a session and drops its cached event.
func (eb *EventBroadcaster) Cleanup(sessionID string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	for ch := range eb.clients[sessionID] {
		close(ch)
	}
	delete(eb.clients, sessionID)
	delete(eb.lastEvent, sessionID)
	slog.Debug("Cleaned up SSE resources", "session_id", sessionID)
}

// writeSSEEvent writes an event in SSE format
func writeSSEEvent(w io.Writer, event ProgressEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}
