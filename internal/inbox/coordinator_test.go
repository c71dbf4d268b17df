package inbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ChinmaiMod/staffinghrms-sub000/internal/model"
	"github.com/ChinmaiMod/staffinghrms-sub000/internal/repository"
	"github.com/ChinmaiMod/staffinghrms-sub000/pkg/circuitbreaker"
)

// fakeBackend scripts the remote write boundary per test case.
type fakeBackend struct {
	mu       sync.Mutex
	updateFn func(id string, read bool, version int64) (*model.Notification, error)
	bulkFn   func() ([]model.Notification, error)
	deleteFn func(id string, version int64) error
	countFn  func() (int, error)

	updateCalls int
	deleteCalls int
	countCalls  int
	lastVersion int64
}

func (f *fakeBackend) UpdateReadState(ctx context.Context, recipientID, id string, read bool, expectedVersion int64) (*model.Notification, error) {
	f.mu.Lock()
	f.updateCalls++
	f.lastVersion = expectedVersion
	fn := f.updateFn
	f.mu.Unlock()
	if fn == nil {
		return nil, errors.New("updateFn not set")
	}
	return fn(id, read, expectedVersion)
}

func (f *fakeBackend) BulkMarkAllRead(ctx context.Context, recipientID string) ([]model.Notification, error) {
	f.mu.Lock()
	fn := f.bulkFn
	f.mu.Unlock()
	if fn == nil {
		return nil, errors.New("bulkFn not set")
	}
	return fn()
}

func (f *fakeBackend) Delete(ctx context.Context, recipientID, id string, expectedVersion int64) error {
	f.mu.Lock()
	f.deleteCalls++
	f.lastVersion = expectedVersion
	fn := f.deleteFn
	f.mu.Unlock()
	if fn == nil {
		return errors.New("deleteFn not set")
	}
	return fn(id, expectedVersion)
}

func (f *fakeBackend) CountUnread(ctx context.Context, recipientID string) (int, error) {
	f.mu.Lock()
	f.countCalls++
	fn := f.countFn
	f.mu.Unlock()
	if fn == nil {
		return 0, errors.New("countFn not set")
	}
	return fn()
}

func newTestCoordinator(store *Store, backend MutationBackend, requestResync func()) *Coordinator {
	breaker := circuitbreaker.NewCircuitBreaker("test", circuitbreaker.DefaultConfig(), zap.NewNop())
	return NewCoordinator("emp-1", store, backend, breaker, time.Second, requestResync, zap.NewNop())
}

func TestCoordinator_MarkRead_Commit(t *testing.T) {
	s := seededStore(t, makeNotif("a", time.Hour, 1, false))
	updated := makeNotif("a", time.Hour, 2, true)
	backend := &fakeBackend{
		updateFn: func(id string, read bool, version int64) (*model.Notification, error) {
			return &updated, nil
		},
	}
	c := newTestCoordinator(s, backend, nil)

	err := c.MarkRead(context.Background(), "a")
	require.NoError(t, err)

	assert.Equal(t, int64(1), backend.lastVersion, "remote write carries the pre-mutation version")
	got, _ := s.Get("a")
	assert.True(t, got.IsRead)
	assert.Equal(t, int64(2), got.Version, "server version adopted on commit")
	assert.Equal(t, 0, s.UnreadCount())
}

func TestCoordinator_MarkRead_AlreadyRead(t *testing.T) {
	s := seededStore(t, makeNotif("a", time.Hour, 1, true))
	backend := &fakeBackend{}
	c := newTestCoordinator(s, backend, nil)

	err := c.MarkRead(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, 0, backend.updateCalls, "no remote write for a no-op")
}

func TestCoordinator_MarkRead_Absent(t *testing.T) {
	s := NewStore(zap.NewNop())
	c := newTestCoordinator(s, &fakeBackend{}, nil)

	err := c.MarkRead(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNoRecord)
}

func TestCoordinator_MarkRead_Conflict(t *testing.T) {
	s := seededStore(t, makeNotif("a", time.Hour, 1, false))
	current := makeNotif("a", time.Hour, 5, true)
	backend := &fakeBackend{
		updateFn: func(id string, read bool, version int64) (*model.Notification, error) {
			return nil, &repository.ConflictError{Current: &current}
		},
		countFn: func() (int, error) { return 3, nil },
	}
	c := newTestCoordinator(s, backend, nil)

	err := c.MarkRead(context.Background(), "a")
	require.Error(t, err)
	var conflict *repository.ConflictError
	assert.True(t, errors.As(err, &conflict))

	got, _ := s.Get("a")
	assert.Equal(t, int64(5), got.Version, "record reconciled from server state")
	assert.True(t, got.IsRead)
	assert.Equal(t, 3, s.UnreadCount(), "counter re-anchored from the authoritative count")
}

func TestCoordinator_MarkRead_TargetDeletedRemotely(t *testing.T) {
	s := seededStore(t,
		makeNotif("a", time.Hour, 1, false),
		makeNotif("b", 2*time.Hour, 1, true),
	)
	backend := &fakeBackend{
		updateFn: func(id string, read bool, version int64) (*model.Notification, error) {
			return nil, repository.ErrNotFound
		},
		countFn: func() (int, error) { return 0, nil },
	}
	c := newTestCoordinator(s, backend, nil)

	err := c.MarkRead(context.Background(), "a")
	require.Error(t, err)
	assert.ErrorIs(t, err, repository.ErrNotFound)

	_, ok := s.Get("a")
	assert.False(t, ok, "remotely deleted record removed from the view")
	_, ok = s.Get("b")
	assert.True(t, ok)
	assert.Equal(t, 0, s.UnreadCount())
}

func TestCoordinator_MarkRead_TransientFailureRollsBack(t *testing.T) {
	s := seededStore(t, makeNotif("a", time.Hour, 1, false))
	backend := &fakeBackend{
		updateFn: func(id string, read bool, version int64) (*model.Notification, error) {
			return nil, errors.New("network down")
		},
	}
	c := newTestCoordinator(s, backend, nil)

	err := c.MarkRead(context.Background(), "a")
	require.Error(t, err)

	got, _ := s.Get("a")
	assert.False(t, got.IsRead, "optimistic flip rolled back")
	assert.Equal(t, int64(1), got.Version)
	assert.Equal(t, 1, s.UnreadCount())
	assert.Equal(t, 0, backend.countCalls, "transient failures do not re-anchor")
}

func TestCoordinator_MarkAllRead_Commit(t *testing.T) {
	s := seededStore(t,
		makeNotif("a", time.Hour, 1, false),
		makeNotif("b", 2*time.Hour, 1, false),
		makeNotif("c", 3*time.Hour, 1, true),
	)
	serverA := makeNotif("a", time.Hour, 2, true)
	serverB := makeNotif("b", 2*time.Hour, 2, true)
	backend := &fakeBackend{
		bulkFn: func() ([]model.Notification, error) {
			return []model.Notification{serverA, serverB}, nil
		},
	}
	c := newTestCoordinator(s, backend, nil)

	n, err := c.MarkAllRead(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 0, s.UnreadCount())

	gotA, _ := s.Get("a")
	assert.Equal(t, int64(2), gotA.Version)
	gotB, _ := s.Get("b")
	assert.Equal(t, int64(2), gotB.Version)
}

func TestCoordinator_MarkAllRead_FailureReanchorsAndResyncs(t *testing.T) {
	s := seededStore(t,
		makeNotif("a", time.Hour, 1, false),
		makeNotif("b", 2*time.Hour, 1, false),
	)
	backend := &fakeBackend{
		bulkFn: func() ([]model.Notification, error) {
			return nil, errors.New("backend down")
		},
		countFn: func() (int, error) { return 2, nil },
	}
	resyncRequested := false
	c := newTestCoordinator(s, backend, func() { resyncRequested = true })

	n, err := c.MarkAllRead(context.Background())
	require.Error(t, err)
	assert.Equal(t, 0, n)

	// no per-record rollback: the counter is re-anchored and the read
	// states are repaired by the scheduled resync
	assert.Equal(t, 2, s.UnreadCount())
	assert.True(t, resyncRequested)
	got, _ := s.Get("a")
	assert.True(t, got.IsRead, "local flip stays until the resync lands")
}

func TestCoordinator_Delete_Commit(t *testing.T) {
	s := seededStore(t, makeNotif("a", time.Hour, 4, false))
	backend := &fakeBackend{
		deleteFn: func(id string, version int64) error { return nil },
	}
	c := newTestCoordinator(s, backend, nil)

	err := c.Delete(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, int64(4), backend.lastVersion)
	_, ok := s.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 0, s.UnreadCount())
}

func TestCoordinator_Delete_RemoteAlreadyGone(t *testing.T) {
	s := seededStore(t, makeNotif("a", time.Hour, 1, true))
	backend := &fakeBackend{
		deleteFn: func(id string, version int64) error { return repository.ErrNotFound },
	}
	c := newTestCoordinator(s, backend, nil)

	// deleting something already deleted is success, not an error
	err := c.Delete(context.Background(), "a")
	require.NoError(t, err)
	_, ok := s.Get("a")
	assert.False(t, ok)
}

func TestCoordinator_Delete_AbsentLocal(t *testing.T) {
	s := NewStore(zap.NewNop())
	backend := &fakeBackend{}
	c := newTestCoordinator(s, backend, nil)

	err := c.Delete(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Equal(t, 0, backend.deleteCalls)
}

func TestCoordinator_Delete_Conflict(t *testing.T) {
	s := seededStore(t, makeNotif("a", time.Hour, 2, true))
	current := makeNotif("a", time.Hour, 6, false)
	backend := &fakeBackend{
		deleteFn: func(id string, version int64) error {
			return &repository.ConflictError{Current: &current}
		},
		countFn: func() (int, error) { return 1, nil },
	}
	c := newTestCoordinator(s, backend, nil)

	err := c.Delete(context.Background(), "a")
	require.Error(t, err)

	got, ok := s.Get("a")
	require.True(t, ok, "conflicted delete restores the record")
	assert.Equal(t, int64(6), got.Version, "restored from server state, not the stale copy")
	assert.Equal(t, 1, s.UnreadCount())
}

func TestCoordinator_Delete_TransientFailureRollsBack(t *testing.T) {
	s := seededStore(t, makeNotif("a", time.Hour, 2, false))
	backend := &fakeBackend{
		deleteFn: func(id string, version int64) error { return errors.New("timeout") },
	}
	c := newTestCoordinator(s, backend, nil)

	err := c.Delete(context.Background(), "a")
	require.Error(t, err)

	got, ok := s.Get("a")
	require.True(t, ok)
	assert.Equal(t, int64(2), got.Version)
	assert.Equal(t, 1, s.UnreadCount())
}

func TestCoordinator_ReanchorFailureSchedulesResync(t *testing.T) {
	s := seededStore(t, makeNotif("a", time.Hour, 1, false))
	backend := &fakeBackend{
		updateFn: func(id string, read bool, version int64) (*model.Notification, error) {
			return nil, repository.ErrNotFound
		},
		countFn: func() (int, error) { return 0, errors.New("count query failed") },
	}
	resyncRequested := false
	c := newTestCoordinator(s, backend, func() { resyncRequested = true })

	err := c.MarkRead(context.Background(), "a")
	require.Error(t, err)
	assert.True(t, resyncRequested, "failed re-anchor falls back to a full resync")
}

func TestCoordinator_BreakerOpenShortCircuits(t *testing.T) {
	s := seededStore(t,
		makeNotif("a", time.Hour, 1, false),
		makeNotif("b", 2*time.Hour, 1, false),
	)
	backend := &fakeBackend{
		updateFn: func(id string, read bool, version int64) (*model.Notification, error) {
			return nil, errors.New("backend down")
		},
	}
	breaker := circuitbreaker.NewCircuitBreaker("test", circuitbreaker.Config{
		FailureThreshold:    1,
		SuccessThreshold:    1,
		Timeout:             time.Minute,
		HalfOpenMaxRequests: 1,
	}, zap.NewNop())
	c := NewCoordinator("emp-1", s, backend, breaker, time.Second, nil, zap.NewNop())

	require.Error(t, c.MarkRead(context.Background(), "a"))
	require.Equal(t, 1, backend.updateCalls)

	err := c.MarkRead(context.Background(), "b")
	require.Error(t, err)
	assert.ErrorIs(t, err, circuitbreaker.ErrCircuitBreakerOpen)
	assert.Equal(t, 1, backend.updateCalls, "open breaker never reaches the backend")

	// both mutations rolled back
	gotA, _ := s.Get("a")
	assert.False(t, gotA.IsRead)
	gotB, _ := s.Get("b")
	assert.False(t, gotB.IsRead)
	assert.Equal(t, 2, s.UnreadCount())
}
