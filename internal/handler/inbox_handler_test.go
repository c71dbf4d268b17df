package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ChinmaiMod/staffinghrms-sub000/internal/inbox"
	"github.com/ChinmaiMod/staffinghrms-sub000/internal/model"
	"github.com/ChinmaiMod/staffinghrms-sub000/internal/repository"
	"github.com/ChinmaiMod/staffinghrms-sub000/pkg/circuitbreaker"
)

// queryStub satisfies the engine's read boundary; handler tests seed the
// store directly, so resyncs return an empty inbox.
type queryStub struct{}

func (queryStub) List(ctx context.Context, recipientID string, f model.ListFilter, p model.Page) ([]model.Notification, int, error) {
	return nil, 0, nil
}

func (queryStub) CountUnread(ctx context.Context, recipientID string) (int, error) {
	return 0, nil
}

// mutationStub scripts the remote write boundary per test case.
type mutationStub struct {
	updateFn func(id string, read bool, version int64) (*model.Notification, error)
	bulkFn   func() ([]model.Notification, error)
	deleteFn func(id string, version int64) error
	countFn  func() (int, error)
}

func (m *mutationStub) UpdateReadState(ctx context.Context, recipientID, id string, read bool, expectedVersion int64) (*model.Notification, error) {
	if m.updateFn == nil {
		return nil, errors.New("unexpected update")
	}
	return m.updateFn(id, read, expectedVersion)
}

func (m *mutationStub) BulkMarkAllRead(ctx context.Context, recipientID string) ([]model.Notification, error) {
	if m.bulkFn == nil {
		return nil, errors.New("unexpected bulk update")
	}
	return m.bulkFn()
}

func (m *mutationStub) Delete(ctx context.Context, recipientID, id string, expectedVersion int64) error {
	if m.deleteFn == nil {
		return errors.New("unexpected delete")
	}
	return m.deleteFn(id, expectedVersion)
}

func (m *mutationStub) CountUnread(ctx context.Context, recipientID string) (int, error) {
	if m.countFn == nil {
		return 0, nil
	}
	return m.countFn()
}

func seedNotif(id string, version int64, read bool) model.Notification {
	return model.Notification{
		ID:          id,
		RecipientID: "emp-1",
		Type:        model.TypeSystemAnnouncement,
		Priority:    model.PriorityNormal,
		Title:       "title " + id,
		Version:     version,
		IsRead:      read,
		CreatedAt:   time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func newInboxRouter(backend inbox.MutationBackend, records ...model.Notification) (*gin.Engine, *inbox.Store) {
	gin.SetMode(gin.TestMode)

	store := inbox.NewStore(zap.NewNop())
	unread := 0
	for _, n := range records {
		if !n.IsRead {
			unread++
		}
	}
	store.ReplaceAll(records, unread)

	engine := inbox.NewEngine("emp-1", store, queryStub{}, inbox.EngineConfig{}, zap.NewNop())
	breaker := circuitbreaker.NewCircuitBreaker("test", circuitbreaker.DefaultConfig(), zap.NewNop())
	coord := inbox.NewCoordinator("emp-1", store, backend, breaker, time.Second, engine.RequestResync, zap.NewNop())
	h := NewInboxHandler(engine, coord, zap.NewNop())

	r := gin.New()
	r.GET("/inbox", h.List)
	r.GET("/inbox/unread_count", h.UnreadCount)
	r.POST("/inbox/:id/read", h.MarkRead)
	r.POST("/inbox/read_all", h.MarkAllRead)
	r.DELETE("/inbox/:id", h.Delete)
	r.POST("/inbox/resync", h.Resync)
	return r, store
}

func doRequest(t *testing.T, r *gin.Engine, method, path string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return w.Code, body
}

func TestInboxHandler_List(t *testing.T) {
	r, _ := newInboxRouter(&mutationStub{},
		seedNotif("a", 1, false),
		seedNotif("b", 1, true),
	)

	code, body := doRequest(t, r, http.MethodGet, "/inbox")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(2), body["total_count"])
	assert.Equal(t, float64(1), body["unread_count"])
	assert.Len(t, body["records"], 2)
}

func TestInboxHandler_List_Filtered(t *testing.T) {
	r, _ := newInboxRouter(&mutationStub{},
		seedNotif("a", 1, false),
		seedNotif("b", 1, true),
	)

	code, body := doRequest(t, r, http.MethodGet, "/inbox?is_read=false")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(1), body["total_count"])
	assert.Len(t, body["records"], 1)
}

func TestInboxHandler_List_BadParams(t *testing.T) {
	r, _ := newInboxRouter(&mutationStub{})

	code, _ := doRequest(t, r, http.MethodGet, "/inbox?is_read=maybe")
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = doRequest(t, r, http.MethodGet, "/inbox?offset=-1")
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = doRequest(t, r, http.MethodGet, "/inbox?limit=x")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestInboxHandler_UnreadCount(t *testing.T) {
	r, _ := newInboxRouter(&mutationStub{}, seedNotif("a", 1, false))

	code, body := doRequest(t, r, http.MethodGet, "/inbox/unread_count")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(1), body["unread_count"])
}

func TestInboxHandler_MarkRead(t *testing.T) {
	updated := seedNotif("a", 2, true)
	backend := &mutationStub{
		updateFn: func(id string, read bool, version int64) (*model.Notification, error) {
			return &updated, nil
		},
	}
	r, store := newInboxRouter(backend, seedNotif("a", 1, false))

	code, body := doRequest(t, r, http.MethodPost, "/inbox/a/read")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(0), body["unread_count"])

	got, _ := store.Get("a")
	assert.Equal(t, int64(2), got.Version)
}

func TestInboxHandler_MarkRead_NotFound(t *testing.T) {
	r, _ := newInboxRouter(&mutationStub{})

	code, _ := doRequest(t, r, http.MethodPost, "/inbox/ghost/read")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestInboxHandler_MarkRead_Conflict(t *testing.T) {
	current := seedNotif("a", 5, true)
	backend := &mutationStub{
		updateFn: func(id string, read bool, version int64) (*model.Notification, error) {
			return nil, &repository.ConflictError{Current: &current}
		},
		countFn: func() (int, error) { return 0, nil },
	}
	r, store := newInboxRouter(backend, seedNotif("a", 1, false))

	code, body := doRequest(t, r, http.MethodPost, "/inbox/a/read")
	assert.Equal(t, http.StatusConflict, code)
	assert.Contains(t, body["error"], "changed remotely")

	// the conflict response left the view reconciled
	got, _ := store.Get("a")
	assert.Equal(t, int64(5), got.Version)
}

func TestInboxHandler_MarkRead_BackendDown(t *testing.T) {
	backend := &mutationStub{
		updateFn: func(id string, read bool, version int64) (*model.Notification, error) {
			return nil, errors.New("connection refused")
		},
	}
	r, store := newInboxRouter(backend, seedNotif("a", 1, false))

	code, _ := doRequest(t, r, http.MethodPost, "/inbox/a/read")
	assert.Equal(t, http.StatusBadGateway, code)

	got, _ := store.Get("a")
	assert.False(t, got.IsRead, "failed mutation rolled back")
}

func TestInboxHandler_MarkRead_BreakerOpen(t *testing.T) {
	gin.SetMode(gin.TestMode)

	store := inbox.NewStore(zap.NewNop())
	store.ReplaceAll([]model.Notification{seedNotif("a", 1, false), seedNotif("b", 1, false)}, 2)

	backend := &mutationStub{
		updateFn: func(id string, read bool, version int64) (*model.Notification, error) {
			return nil, errors.New("backend down")
		},
	}
	engine := inbox.NewEngine("emp-1", store, queryStub{}, inbox.EngineConfig{}, zap.NewNop())
	breaker := circuitbreaker.NewCircuitBreaker("test", circuitbreaker.Config{
		FailureThreshold:    1,
		SuccessThreshold:    1,
		Timeout:             time.Minute,
		HalfOpenMaxRequests: 1,
	}, zap.NewNop())
	coord := inbox.NewCoordinator("emp-1", store, backend, breaker, time.Second, nil, zap.NewNop())
	h := NewInboxHandler(engine, coord, zap.NewNop())

	r := gin.New()
	r.POST("/inbox/:id/read", h.MarkRead)

	code, _ := doRequest(t, r, http.MethodPost, "/inbox/a/read")
	require.Equal(t, http.StatusBadGateway, code, "first failure passes through")

	code, body := doRequest(t, r, http.MethodPost, "/inbox/b/read")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "backend unavailable", body["error"])
}

func TestInboxHandler_MarkAllRead(t *testing.T) {
	backend := &mutationStub{
		bulkFn: func() ([]model.Notification, error) {
			return []model.Notification{seedNotif("a", 2, true), seedNotif("b", 2, true)}, nil
		},
	}
	r, _ := newInboxRouter(backend,
		seedNotif("a", 1, false),
		seedNotif("b", 1, false),
		seedNotif("c", 1, true),
	)

	code, body := doRequest(t, r, http.MethodPost, "/inbox/read_all")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(2), body["updated"])
	assert.Equal(t, float64(0), body["unread_count"])
}

func TestInboxHandler_Delete(t *testing.T) {
	backend := &mutationStub{
		deleteFn: func(id string, version int64) error { return nil },
	}
	r, store := newInboxRouter(backend, seedNotif("a", 1, false))

	code, body := doRequest(t, r, http.MethodDelete, "/inbox/a")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "deleted", body["status"])
	_, ok := store.Get("a")
	assert.False(t, ok)
}

func TestInboxHandler_Delete_Idempotent(t *testing.T) {
	backend := &mutationStub{
		deleteFn: func(id string, version int64) error { return repository.ErrNotFound },
	}
	r, _ := newInboxRouter(backend, seedNotif("a", 1, true))

	// remote row already gone still reads as success
	code, _ := doRequest(t, r, http.MethodDelete, "/inbox/a")
	assert.Equal(t, http.StatusOK, code)

	// local record already gone is also success
	code, _ = doRequest(t, r, http.MethodDelete, "/inbox/a")
	assert.Equal(t, http.StatusOK, code)
}

func TestInboxHandler_Resync(t *testing.T) {
	r, _ := newInboxRouter(&mutationStub{})

	code, body := doRequest(t, r, http.MethodPost, "/inbox/resync")
	assert.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, "resync_scheduled", body["status"])
}
