// Package audit keeps an append-only trail of governance decisions:
// a bounded in-memory ring for queries plus optional durable storage.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agent-warden/agent-warden/pkg/models"
)

// Store appends events to durable storage. Implementations must never
// mutate stored events.
type Store interface {
	SaveEvent(ctx context.Context, event *models.AuditEvent) error
}

// Log is the audit trail. Writes go to the ring buffer and, when a store
// is attached, to durable storage. Reads only see the ring.
type Log struct {
	mu         sync.Mutex
	buffer     []models.AuditEvent
	bufferSize int

	totalEvents int64

	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Log
type Option func(*Log)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(l *Log) {
		l.logger = logger
	}
}

// WithTimeFunc sets a custom time function for testing
func WithTimeFunc(now func() time.Time) Option {
	return func(l *Log) {
		l.now = now
	}
}

// WithStore attaches durable event storage
func WithStore(store Store) Option {
	return func(l *Log) {
		l.store = store
	}
}

// NewLog creates an audit log holding up to bufferSize recent events
func NewLog(bufferSize int, opts ...Option) *Log {
	l := &Log{
		bufferSize: bufferSize,
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.bufferSize <= 0 {
		l.bufferSize = 1000
	}
	l.buffer = make([]models.AuditEvent, 0, l.bufferSize)
	return l
}

// Record appends an event. Missing ID and timestamp are filled in; the
// event is immutable once recorded.
func (l *Log) Record(ctx context.Context, event models.AuditEvent) models.AuditEvent {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = l.now()
	}
	if event.Result == "" {
		event.Result = models.ResultSuccess
	}

	l.mu.Lock()
	l.buffer = append(l.buffer, event)
	if len(l.buffer) > l.bufferSize {
		l.buffer = l.buffer[len(l.buffer)-l.bufferSize:]
	}
	l.totalEvents++
	l.mu.Unlock()

	if l.store != nil {
		if err := l.store.SaveEvent(ctx, &event); err != nil {
			l.logger.Error("failed to persist audit event",
				"event_id", event.ID, "type", string(event.Type), "error", err)
		}
	}

	l.logger.Debug("audit event",
		"type", string(event.Type), "actor", event.Actor,
		"action", event.Action, "result", string(event.Result))

	return event
}

// Query returns matching events from the ring buffer, newest first.
// A zero-valued filter field matches everything; Limit defaults to 100.
func (l *Log) Query(q models.AuditQuery) []models.AuditEvent {
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]models.AuditEvent, 0, limit)
	for i := len(l.buffer) - 1; i >= 0 && len(out) < limit; i-- {
		e := l.buffer[i]
		if q.Type != "" && e.Type != q.Type {
			continue
		}
		if q.Actor != "" && e.Actor != q.Actor {
			continue
		}
		if q.Resource != "" && e.Resource != q.Resource {
			continue
		}
		if q.Result != "" && e.Result != q.Result {
			continue
		}
		if !q.StartTime.IsZero() && e.Timestamp.Before(q.StartTime) {
			continue
		}
		if !q.EndTime.IsZero() && e.Timestamp.After(q.EndTime) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Summary aggregates security-relevant counts over the last hours
func (l *Log) Summary(hours int) models.AuditSummary {
	if hours <= 0 {
		hours = 24
	}
	cutoff := l.now().Add(-time.Duration(hours) * time.Hour)

	l.mu.Lock()
	defer l.mu.Unlock()

	summary := models.AuditSummary{PeriodHours: hours}
	actors := make(map[string]struct{})

	for _, e := range l.buffer {
		if e.Timestamp.Before(cutoff) {
			continue
		}
		summary.TotalEvents++
		if e.Actor != "" {
			actors[e.Actor] = struct{}{}
		}

		switch e.Type {
		case models.AuditAuthFailure:
			summary.AuthFailures++
		case models.AuditAuthzDenied:
			summary.AuthzDenials++
		case models.AuditInputBlocked, models.AuditConfigBlocked:
			summary.InputsBlocked++
		case models.AuditSandboxViolation:
			summary.SandboxViolations++
		case models.AuditBudgetExceeded:
			summary.BudgetDenials++
		}
	}

	summary.UniqueActors = len(actors)
	for a := range actors {
		summary.Actors = append(summary.Actors, a)
	}
	return summary
}

// TotalEvents reports how many events were recorded over the process lifetime
func (l *Log) TotalEvents() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.totalEvents
}
