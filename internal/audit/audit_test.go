package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agent-warden/agent-warden/pkg/models"
)

type mockStore struct {
	mu      sync.Mutex
	events  []models.AuditEvent
	saveErr error
}

func (m *mockStore) SaveEvent(_ context.Context, event *models.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.events = append(m.events, *event)
	return nil
}

func TestRecordFillsDefaults(t *testing.T) {
	ctx := context.Background()
	l := NewLog(100)

	e := l.Record(ctx, models.AuditEvent{
		Type:   models.AuditAuthSuccess,
		Actor:  "awk_test",
		Action: "authenticate",
	})

	assert.NotEmpty(t, e.ID)
	assert.False(t, e.Timestamp.IsZero())
	assert.Equal(t, models.ResultSuccess, e.Result)
	assert.Equal(t, int64(1), l.TotalEvents())
}

func TestRingBufferBounded(t *testing.T) {
	ctx := context.Background()
	l := NewLog(10)

	for i := 0; i < 25; i++ {
		l.Record(ctx, models.AuditEvent{
			Type:   models.AuditBudgetCheck,
			Actor:  fmt.Sprintf("unit-%d", i),
			Action: "check",
		})
	}

	events := l.Query(models.AuditQuery{Limit: 100})
	assert.Len(t, events, 10)
	// Newest first, oldest entries evicted
	assert.Equal(t, "unit-24", events[0].Actor)
	assert.Equal(t, "unit-15", events[9].Actor)
	assert.Equal(t, int64(25), l.TotalEvents())
}

func TestQueryFilters(t *testing.T) {
	ctx := context.Background()
	l := NewLog(100)

	l.Record(ctx, models.AuditEvent{Type: models.AuditAuthzGranted, Actor: "u1", Action: "authorize"})
	l.Record(ctx, models.AuditEvent{Type: models.AuditAuthzDenied, Actor: "u2", Action: "authorize", Result: models.ResultBlocked})
	l.Record(ctx, models.AuditEvent{Type: models.AuditAuthzDenied, Actor: "u1", Action: "authorize", Result: models.ResultBlocked})

	assert.Len(t, l.Query(models.AuditQuery{Type: models.AuditAuthzDenied}), 2)
	assert.Len(t, l.Query(models.AuditQuery{Actor: "u1"}), 2)
	assert.Len(t, l.Query(models.AuditQuery{Type: models.AuditAuthzDenied, Actor: "u1"}), 1)
	assert.Len(t, l.Query(models.AuditQuery{Result: models.ResultBlocked}), 2)
	assert.Empty(t, l.Query(models.AuditQuery{Actor: "u3"}))
}

func TestQueryTimeRange(t *testing.T) {
	ctx := context.Background()
	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l := NewLog(100, WithTimeFunc(func() time.Time { return current }))

	l.Record(ctx, models.AuditEvent{Type: models.AuditSystemStart, Action: "start"})
	current = current.Add(time.Hour)
	l.Record(ctx, models.AuditEvent{Type: models.AuditBudgetCheck, Action: "check"})

	mid := time.Date(2025, 6, 1, 12, 30, 0, 0, time.UTC)
	assert.Len(t, l.Query(models.AuditQuery{StartTime: mid}), 1)
	assert.Len(t, l.Query(models.AuditQuery{EndTime: mid}), 1)
}

func TestQueryLimitDefaults(t *testing.T) {
	ctx := context.Background()
	l := NewLog(500)
	for i := 0; i < 150; i++ {
		l.Record(ctx, models.AuditEvent{Type: models.AuditBudgetCheck, Action: "check"})
	}
	assert.Len(t, l.Query(models.AuditQuery{}), 100)
	assert.Len(t, l.Query(models.AuditQuery{Limit: 5}), 5)
}

func TestSummary(t *testing.T) {
	ctx := context.Background()
	l := NewLog(100)

	l.Record(ctx, models.AuditEvent{Type: models.AuditAuthFailure, Actor: "10.0.0.1", Result: models.ResultFailure})
	l.Record(ctx, models.AuditEvent{Type: models.AuditAuthFailure, Actor: "10.0.0.1", Result: models.ResultFailure})
	l.Record(ctx, models.AuditEvent{Type: models.AuditAuthzDenied, Actor: "u1", Result: models.ResultBlocked})
	l.Record(ctx, models.AuditEvent{Type: models.AuditInputBlocked, Actor: "u1", Result: models.ResultBlocked})
	l.Record(ctx, models.AuditEvent{Type: models.AuditBudgetExceeded, Actor: "u2", Result: models.ResultBlocked})
	l.Record(ctx, models.AuditEvent{Type: models.AuditSandboxViolation, Actor: "u2", Result: models.ResultBlocked})
	l.Record(ctx, models.AuditEvent{Type: models.AuditAuthzGranted, Actor: "u1"})

	s := l.Summary(24)
	assert.Equal(t, 7, s.TotalEvents)
	assert.Equal(t, 2, s.AuthFailures)
	assert.Equal(t, 1, s.AuthzDenials)
	assert.Equal(t, 1, s.InputsBlocked)
	assert.Equal(t, 1, s.SandboxViolations)
	assert.Equal(t, 1, s.BudgetDenials)
	assert.Equal(t, 3, s.UniqueActors)
}

func TestSummaryExcludesOldEvents(t *testing.T) {
	ctx := context.Background()
	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l := NewLog(100, WithTimeFunc(func() time.Time { return current }))

	l.Record(ctx, models.AuditEvent{Type: models.AuditAuthFailure, Result: models.ResultFailure})
	current = current.Add(48 * time.Hour)

	s := l.Summary(24)
	assert.Equal(t, 0, s.TotalEvents)
}

func TestStoreReceivesEvents(t *testing.T) {
	ctx := context.Background()
	store := &mockStore{}
	l := NewLog(100, WithStore(store))

	l.Record(ctx, models.AuditEvent{Type: models.AuditAuthSuccess, Actor: "k1", Action: "authenticate"})

	require.Len(t, store.events, 1)
	assert.Equal(t, models.AuditAuthSuccess, store.events[0].Type)
	assert.NotEmpty(t, store.events[0].ID)
}

func TestStoreFailureDoesNotDropRingEntry(t *testing.T) {
	ctx := context.Background()
	store := &mockStore{saveErr: errors.New("disk full")}
	l := NewLog(100, WithStore(store))

	l.Record(ctx, models.AuditEvent{Type: models.AuditAuthSuccess, Action: "authenticate"})

	// Ring buffer still serves the event even when persistence fails
	assert.Len(t, l.Query(models.AuditQuery{}), 1)
}
