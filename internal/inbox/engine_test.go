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
)

// fakeQueryBackend serves pages out of an in-memory slice.
type fakeQueryBackend struct {
	mu        sync.Mutex
	records   []model.Notification
	unread    int
	listErr   error
	countErr  error
	listCalls int
}

func (f *fakeQueryBackend) List(ctx context.Context, recipientID string, fl model.ListFilter, p model.Page) ([]model.Notification, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.listCalls++
	if f.listErr != nil {
		return nil, 0, f.listErr
	}

	total := len(f.records)
	start := p.Offset
	if start > total {
		start = total
	}
	end := total
	if p.Limit > 0 && start+p.Limit < end {
		end = start + p.Limit
	}
	out := append([]model.Notification{}, f.records[start:end]...)
	return out, total, nil
}

func (f *fakeQueryBackend) CountUnread(ctx context.Context, recipientID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.countErr != nil {
		return 0, f.countErr
	}
	return f.unread, nil
}

func (f *fakeQueryBackend) setListErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listErr = err
}

func (f *fakeQueryBackend) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls
}

// fakeStream ends immediately with err, or blocks until cancellation.
type fakeStream struct {
	err error
}

func (s *fakeStream) Run(ctx context.Context) error {
	if s.err != nil {
		return s.err
	}
	<-ctx.Done()
	return nil
}

func newTestEngine(backend QueryBackend) *Engine {
	store := NewStore(zap.NewNop())
	return NewEngine("emp-1", store, backend, EngineConfig{
		PageSize:       2,
		QueryTimeout:   time.Second,
		BackoffInitial: time.Millisecond,
		BackoffMax:     10 * time.Millisecond,
	}, zap.NewNop())
}

func TestEngine_Resync_PagesThroughBackend(t *testing.T) {
	backend := &fakeQueryBackend{
		records: []model.Notification{
			makeNotif("a", 1*time.Hour, 1, false),
			makeNotif("b", 2*time.Hour, 1, false),
			makeNotif("c", 3*time.Hour, 1, true),
			makeNotif("d", 4*time.Hour, 1, false),
			makeNotif("e", 5*time.Hour, 1, true),
		},
		unread: 42,
	}
	e := newTestEngine(backend)

	err := e.Resync(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 5, e.Store().Len())
	// the counter comes from the authoritative count read, not the records
	assert.Equal(t, 42, e.Store().UnreadCount())
	assert.Equal(t, 3, backend.calls(), "five records at page size two")
}

func TestEngine_Resync_ReplacesLocalState(t *testing.T) {
	backend := &fakeQueryBackend{
		records: []model.Notification{makeNotif("fresh", time.Hour, 1, false)},
		unread:  1,
	}
	e := newTestEngine(backend)

	applied, _ := e.ApplyEvent(createdEvent(makeNotif("stale-local", time.Hour, 1, false)))
	require.True(t, applied)

	require.NoError(t, e.Resync(context.Background()))

	assert.Equal(t, 1, e.Store().Len())
	_, ok := e.Store().Get("fresh")
	assert.True(t, ok)
	_, ok = e.Store().Get("stale-local")
	assert.False(t, ok)
}

func TestEngine_Resync_ListFailure(t *testing.T) {
	backend := &fakeQueryBackend{listErr: errors.New("db down")}
	e := newTestEngine(backend)

	err := e.Resync(context.Background())
	require.Error(t, err)
	assert.Equal(t, 0, e.Store().Len())
}

func TestEngine_Resync_CountFailure(t *testing.T) {
	backend := &fakeQueryBackend{
		records:  []model.Notification{makeNotif("a", time.Hour, 1, false)},
		countErr: errors.New("count query failed"),
	}
	e := newTestEngine(backend)

	err := e.Resync(context.Background())
	require.Error(t, err)
	assert.Equal(t, 0, e.Store().Len(), "partial resync must not replace the view")
}

func TestEngine_RequestResync_Collapses(t *testing.T) {
	e := newTestEngine(&fakeQueryBackend{})

	e.RequestResync()
	e.RequestResync()
	e.RequestResync()

	assert.Equal(t, 1, len(e.resyncCh), "pending requests collapse into one")
}

func TestEngine_Start_ServesResyncRequests(t *testing.T) {
	backend := &fakeQueryBackend{
		records: []model.Notification{makeNotif("a", time.Hour, 1, false)},
		unread:  1,
	}
	e := newTestEngine(backend)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Start(ctx, &fakeStream{})

	after := backend.calls()
	e.RequestResync()

	require.Eventually(t, func() bool {
		return backend.calls() > after
	}, time.Second, 5*time.Millisecond)
}

func TestEngine_Start_InitialLoadFailureRetries(t *testing.T) {
	backend := &fakeQueryBackend{
		records: []model.Notification{makeNotif("a", time.Hour, 1, false)},
		unread:  1,
		listErr: errors.New("db starting up"),
	}
	e := newTestEngine(backend)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Start(ctx, &fakeStream{})

	assert.Equal(t, 0, e.Store().Len())

	backend.setListErr(nil)

	require.Eventually(t, func() bool {
		return e.Store().Len() == 1
	}, time.Second, 5*time.Millisecond)
}

func TestEngine_Start_PermanentStreamFailure(t *testing.T) {
	backend := &fakeQueryBackend{unread: 0}
	e := newTestEngine(backend)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	permanent := errors.New("access refused")
	e.Start(ctx, &fakeStream{err: permanent})

	select {
	case err := <-e.Fatal():
		assert.ErrorIs(t, err, permanent)
	case <-time.After(time.Second):
		t.Fatal("permanent stream failure not surfaced")
	}
}

func TestEngine_ApplyEvent_Delegates(t *testing.T) {
	e := newTestEngine(&fakeQueryBackend{})

	applied, _ := e.ApplyEvent(createdEvent(makeNotif("a", time.Hour, 1, false)))
	require.True(t, applied)
	assert.Equal(t, 1, e.Store().Len())
	assert.Equal(t, "emp-1", e.RecipientID())
}
