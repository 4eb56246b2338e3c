// Package logbus is the process-wide log streaming bus: publishers emit
// structured events, subscribers receive them in FIFO order, and a
// bounded ring buffer retains recent history for late joiners.
package logbus

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowtestlabs/flowtest/internal/errs"
)

// Level is a log severity.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// ErrorInfo is the sanitized shape errors are normalized to before
// publication: {message, name, stack?}.
type ErrorInfo struct {
	Message string `json:"message"`
	Name    string `json:"name"`
	Stack   string `json:"stack,omitempty"`
}

// Event is one published log-bus entry.
type Event struct {
	ID        string                 `json:"id"`
	RunID     string                 `json:"run_id,omitempty"`
	Level     Level                  `json:"level"`
	Message   string                 `json:"message"`
	NodeID    string                 `json:"node_id,omitempty"`
	StepName  string                 `json:"step_name,omitempty"`
	DurationMs int64                 `json:"duration_ms,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Error     *ErrorInfo             `json:"error,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// PublishInput is what callers supply; ID and Timestamp are stamped by
// the bus.
type PublishInput struct {
	RunID      string
	Level      Level
	Message    string
	NodeID     string
	StepName   string
	DurationMs int64
	Metadata   map[string]interface{}
	Error      error
}

// Filter narrows subscription/buffer-replay delivery.
type Filter struct {
	RunID  string
	Levels []Level
}

func (f Filter) matches(e Event) bool {
	if f.RunID != "" && f.RunID != e.RunID {
		return false
	}
	if len(f.Levels) == 0 {
		return true
	}
	for _, lv := range f.Levels {
		if lv == e.Level {
			return true
		}
	}
	return false
}

const (
	defaultBufferSize     = 2000
	subscriberQueueDepth  = 1000
)

type subscriber struct {
	id     string
	filter Filter
	ch     chan Event
}

// Bus is the process-wide pub/sub singleton.
type Bus struct {
	mu          sync.Mutex
	ring        []Event
	ringHead    int
	ringLen     int
	subscribers map[string]*subscriber
	sessions    map[string]*Session
}

// New builds an empty Bus. Callers typically hold one process-wide
// instance.
func New() *Bus {
	return &Bus{
		ring:        make([]Event, defaultBufferSize),
		subscribers: make(map[string]*subscriber),
		sessions:    make(map[string]*Session),
	}
}

// Publish sanitizes input and appends it to the ring buffer, then fans it
// out to every matching subscriber's queue (best-effort: a saturated
// subscriber drops its oldest event and a SubscriberLagged event is
// enqueued instead).
func (b *Bus) Publish(in PublishInput) Event {
	ev := Event{
		ID:         uuid.NewString(),
		RunID:      in.RunID,
		Level:      in.Level,
		Message:    in.Message,
		NodeID:     in.NodeID,
		StepName:   in.StepName,
		DurationMs: in.DurationMs,
		Metadata:   in.Metadata,
		Error:      sanitizeError(in.Error),
		Timestamp:  time.Now(),
	}

	b.mu.Lock()
	b.appendRing(ev)
	targets := make([]*subscriber, 0, len(b.subscribers))
	for _, s := range b.subscribers {
		if s.filter.matches(ev) {
			targets = append(targets, s)
		}
	}
	b.mu.Unlock()

	for _, s := range targets {
		b.deliver(s, ev)
	}
	return ev
}

func (b *Bus) appendRing(ev Event) {
	idx := (b.ringHead + b.ringLen) % len(b.ring)
	if b.ringLen < len(b.ring) {
		b.ring[idx] = ev
		b.ringLen++
	} else {
		b.ring[b.ringHead] = ev
		b.ringHead = (b.ringHead + 1) % len(b.ring)
	}
}

func (b *Bus) deliver(s *subscriber, ev Event) {
	select {
	case s.ch <- ev:
	default:
		// Queue saturated: drop the oldest pending events to make room for
		// ev and a lag notice instead of blocking the publisher.
		select {
		case <-s.ch:
		default:
		}
		select {
		case s.ch <- ev:
		default:
		}
		select {
		case <-s.ch:
		default:
		}
		lag := Event{
			ID:        uuid.NewString(),
			Level:     LevelWarn,
			Message:   "SubscriberLagged",
			Metadata:  map[string]interface{}{"subscriber_id": s.id},
			Timestamp: time.Now(),
		}
		select {
		case s.ch <- lag:
		default:
		}
	}
}

func sanitizeError(err error) *ErrorInfo {
	if err == nil {
		return nil
	}
	return &ErrorInfo{Message: err.Error(), Name: errorName(err)}
}

func errorName(err error) string {
	var fe *errs.Error
	if errors.As(err, &fe) {
		return string(fe.Kind)
	}
	return "error"
}

// Subscription is a live handle into the bus; Events yields delivered
// events and Unsubscribe stops delivery and releases the handle.
type Subscription struct {
	Events <-chan Event
	bus    *Bus
	id     string
}

// Unsubscribe removes this subscription from the bus.
func (s *Subscription) Unsubscribe() {
	s.bus.mu.Lock()
	delete(s.bus.subscribers, s.id)
	s.bus.mu.Unlock()
}

// Subscribe registers a new subscriber with the given filter.
func (b *Bus) Subscribe(filter Filter) *Subscription {
	s := &subscriber{
		id:     uuid.NewString(),
		filter: filter,
		ch:     make(chan Event, subscriberQueueDepth),
	}
	b.mu.Lock()
	b.subscribers[s.id] = s
	b.mu.Unlock()
	return &Subscription{Events: s.ch, bus: b, id: s.id}
}

// GetBufferedEvents returns a snapshot of the ring buffer matching
// filter, newest-last, bounded by limit (0 = no limit).
func (b *Bus) GetBufferedEvents(filter Filter, limit int) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Event, 0, b.ringLen)
	for i := 0; i < b.ringLen; i++ {
		ev := b.ring[(b.ringHead+i)%len(b.ring)]
		if filter.matches(ev) {
			out = append(out, ev)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// SessionStatus is a session's terminal state.
type SessionStatus string

const (
	SessionRunning  SessionStatus = "running"
	SessionComplete SessionStatus = "complete"
	SessionFailed   SessionStatus = "failed"
)

// Session is a named run tracked for ListSessions.
type Session struct {
	ID        string                 `json:"id"`
	Label     string                 `json:"label"`
	Source    string                 `json:"source"`
	StartedAt time.Time              `json:"started_at"`
	EndedAt   *time.Time             `json:"ended_at,omitempty"`
	Status    SessionStatus          `json:"status"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// SessionHandle lets the caller finalize the session it began.
type SessionHandle struct {
	bus *Bus
	id  string
}

// BeginSession registers a new running session descriptor.
func (b *Bus) BeginSession(runID, label, source string, metadata map[string]interface{}) *SessionHandle {
	b.mu.Lock()
	b.sessions[runID] = &Session{
		ID:        runID,
		Label:     label,
		Source:    source,
		StartedAt: time.Now(),
		Status:    SessionRunning,
		Metadata:  metadata,
	}
	b.mu.Unlock()
	return &SessionHandle{bus: b, id: runID}
}

// End finalizes a session with the given terminal status, merging in any
// extra metadata collected during the run.
func (h *SessionHandle) End(status SessionStatus, extraMetadata map[string]interface{}) {
	h.bus.mu.Lock()
	defer h.bus.mu.Unlock()
	s, ok := h.bus.sessions[h.id]
	if !ok {
		return
	}
	now := time.Now()
	s.EndedAt = &now
	s.Status = status
	if len(extraMetadata) > 0 {
		if s.Metadata == nil {
			s.Metadata = map[string]interface{}{}
		}
		for k, v := range extraMetadata {
			s.Metadata[k] = v
		}
	}
}

// ListSessions returns every session descriptor tracked by the bus.
func (b *Bus) ListSessions() []Session {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Session, 0, len(b.sessions))
	for _, s := range b.sessions {
		out = append(out, *s)
	}
	return out
}
