// Package notify fans engine lifecycle events out to subscribers.
//
// The hub is the single emission point: the orchestrator and the
// agentic executor hand it envelopes, and it delivers them in order to
// every registered sink. Emission never blocks the pipeline; when the
// queue is full the event is dropped with a warning rather than
// stalling a build wave on a slow consumer.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/kilnworks/kiln/pkg/contracts"
)

// EventType identifies what happened. Types are stable strings so
// webhook consumers can switch on them without tracking kiln releases.
type EventType string

const (
	EventTaskGenerated     EventType = "task_generated"
	EventTaskReviewed      EventType = "task_reviewed"
	EventTaskVerified      EventType = "task_verified"
	EventTaskFailed        EventType = "task_failed"
	EventTaskSkipped       EventType = "task_skipped"
	EventWaveCompleted     EventType = "wave_completed"
	EventBuildCompleted    EventType = "build_completed"
	EventBuildFailed       EventType = "build_failed"
	EventEscalationWaiting EventType = "escalation_waiting"
	EventDangerousCommand  EventType = "dangerous_command_blocked"
	EventPullProgress      EventType = "model_pull_progress"
	EventCommandDispatched EventType = "command_dispatched"
)

// codes are the stable machine-readable identifiers carried alongside
// the type. 1xx is progress, 2xx is a failure or a blocked action.
var codes = map[EventType]string{
	EventTaskGenerated:     "K100",
	EventTaskReviewed:      "K101",
	EventTaskVerified:      "K102",
	EventWaveCompleted:     "K110",
	EventBuildCompleted:    "K111",
	EventPullProgress:      "K120",
	EventCommandDispatched: "K130",
	EventTaskFailed:        "K200",
	EventBuildFailed:       "K201",
	EventTaskSkipped:       "K202",
	EventEscalationWaiting: "K210",
	EventDangerousCommand:  "K220",
}

// NewEvent stamps identity, code, and timing onto an envelope. Message
// must be a single line; structured detail belongs in payload.
func NewEvent(t EventType, runID string, taskID int, message string, payload map[string]any) contracts.Event {
	code, ok := codes[t]
	if !ok {
		code = "K000"
	}
	return contracts.Event{
		ID:      uuid.NewString(),
		Type:    string(t),
		Code:    code,
		RunID:   runID,
		TaskID:  taskID,
		Message: message,
		Payload: payload,
		Time:    time.Now().UnixMilli(),
	}
}

// ── Hub ─────────────────────────────────────────────────────

const queueSize = 256

// Hub buffers events and delivers them to subscribers in emission
// order on a single dispatch goroutine. It implements
// contracts.EventSink itself, so components that only emit can hold
// the narrow interface.
type Hub struct {
	mu     sync.RWMutex
	sinks  []contracts.EventSink
	queue  chan contracts.Event
	done   chan struct{}
	closed bool
}

// NewHub starts the dispatch loop with the given initial sinks.
func NewHub(sinks ...contracts.EventSink) *Hub {
	h := &Hub{
		sinks: append([]contracts.EventSink(nil), sinks...),
		queue: make(chan contracts.Event, queueSize),
		done:  make(chan struct{}),
	}
	go h.loop()
	return h
}

// Subscribe adds a sink. Sinks added mid-run see only events emitted
// after the call.
func (h *Hub) Subscribe(sink contracts.EventSink) {
	if sink == nil {
		return
	}
	h.mu.Lock()
	h.sinks = append(h.sinks, sink)
	h.mu.Unlock()
}

// Emit queues an event for delivery. A full queue drops the event
// with a warning; emission never blocks the caller.
func (h *Hub) Emit(_ context.Context, event contracts.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	select {
	case h.queue <- event:
	default:
		log.Warn().
			Str("type", event.Type).
			Str("code", event.Code).
			Msg("event queue full, dropping")
	}
}

// Close stops intake and blocks until every queued event has been
// delivered. Safe to call more than once.
func (h *Hub) Close() {
	h.mu.Lock()
	if !h.closed {
		h.closed = true
		close(h.queue)
	}
	h.mu.Unlock()
	<-h.done
}

func (h *Hub) loop() {
	defer close(h.done)
	for event := range h.queue {
		h.mu.RLock()
		sinks := h.sinks
		h.mu.RUnlock()
		for _, sink := range sinks {
			sink.Emit(context.Background(), event)
		}
	}
}

// ── Log sink ────────────────────────────────────────────────

// LogSink writes events to the structured log. Failures and blocked
// actions log at warn, a failed build at error, everything else at
// info.
type LogSink struct{}

func (LogSink) Emit(_ context.Context, event contracts.Event) {
	var ev = log.Info()
	switch EventType(event.Type) {
	case EventBuildFailed:
		ev = log.Error()
	case EventTaskFailed, EventEscalationWaiting, EventDangerousCommand:
		ev = log.Warn()
	}
	ev = ev.Str("event", event.Type).Str("code", event.Code)
	if event.RunID != "" {
		ev = ev.Str("run_id", event.RunID)
	}
	if event.TaskID != 0 {
		ev = ev.Int("task_id", event.TaskID)
	}
	ev.Msg(event.Message)
}

// ── Buffer sink ─────────────────────────────────────────────

const defaultBufferCap = 512

// BufferSink keeps the most recent events in memory for status
// display and tests. When the buffer is full the oldest entries are
// discarded first.
type BufferSink struct {
	mu     sync.Mutex
	events []contracts.Event
	cap    int
}

// NewBufferSink returns a buffer holding up to capacity events; a
// non-positive capacity selects the default.
func NewBufferSink(capacity int) *BufferSink {
	if capacity <= 0 {
		capacity = defaultBufferCap
	}
	return &BufferSink{cap: capacity}
}

func (b *BufferSink) Emit(_ context.Context, event contracts.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
	if len(b.events) > b.cap {
		b.events = b.events[len(b.events)-b.cap:]
	}
}

// Events returns a snapshot of the buffered events, oldest first.
func (b *BufferSink) Events() []contracts.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]contracts.Event, len(b.events))
	copy(out, b.events)
	return out
}
