package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kandev/agentpool/internal/common/errors"
	"github.com/kandev/agentpool/internal/common/logger"
	"github.com/kandev/agentpool/internal/host/models"
	"github.com/kandev/agentpool/internal/host/pool"
)

// mockHostService is a simple mock implementation of HostService
type mockHostService struct {
	createFunc func(ctx context.Context, host *models.AgentHost) (*models.AgentHost, error)
	updateFunc func(ctx context.Context, id string, req pool.UpdateHostRequest) (*models.AgentHost, error)
	deleteFunc func(ctx context.Context, id string) error
	syncFunc   func(ctx context.Context, host *models.AgentHost) error
	startFunc  func(ctx context.Context, host *models.AgentHost) bool
	hosts      map[string]*models.AgentHost
}

func (m *mockHostService) CreateHost(ctx context.Context, host *models.AgentHost) (*models.AgentHost, error) {
	if m.createFunc != nil {
		return m.createFunc(ctx, host)
	}
	return host, nil
}

func (m *mockHostService) UpdateHost(ctx context.Context, id string, req pool.UpdateHostRequest) (*models.AgentHost, error) {
	if m.updateFunc != nil {
		return m.updateFunc(ctx, id, req)
	}
	return m.GetHost(ctx, id)
}

func (m *mockHostService) DeleteHost(ctx context.Context, id string) error {
	if m.deleteFunc != nil {
		return m.deleteFunc(ctx, id)
	}
	return nil
}

func (m *mockHostService) GetHost(_ context.Context, id string) (*models.AgentHost, error) {
	if h, ok := m.hosts[id]; ok {
		return h, nil
	}
	return nil, apperrors.NotFound("agent host", id)
}

func (m *mockHostService) ListHosts(context.Context) ([]*models.AgentHost, error) {
	out := make([]*models.AgentHost, 0, len(m.hosts))
	for _, h := range m.hosts {
		out = append(out, h)
	}
	return out, nil
}

func (m *mockHostService) Sync(ctx context.Context, host *models.AgentHost) error {
	if m.syncFunc != nil {
		return m.syncFunc(ctx, host)
	}
	return nil
}

func (m *mockHostService) Start(ctx context.Context, host *models.AgentHost) bool {
	if m.startFunc != nil {
		return m.startFunc(ctx, host)
	}
	return true
}

func setup(svc *mockHostService) *gin.Engine {
	gin.SetMode(gin.TestMode)
	if svc.hosts == nil {
		svc.hosts = map[string]*models.AgentHost{
			"h1": {ID: "h1", Name: "edge", Kind: models.KindCluster, MaxSize: 3, MaxIdle: 30 * time.Minute},
		}
	}
	router := gin.New()
	RegisterRoutes(router, svc, logger.NewNop())
	return router
}

func request(router *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestCreateHost(t *testing.T) {
	var got *models.AgentHost
	router := setup(&mockHostService{
		createFunc: func(_ context.Context, host *models.AgentHost) (*models.AgentHost, error) {
			got = host
			host.ID = "new"
			return host, nil
		},
	})

	w := request(router, http.MethodPost, "/api/v1/hosts",
		`{"name":"gpu","kind":"cluster","tags":["gpu"],"max_size":2,"max_idle":"15m","config":{"cluster":{"endpoint":"tcp://10.0.0.1:2376"}}}`)
	require.Equal(t, http.StatusCreated, w.Code)
	require.NotNil(t, got)
	assert.Equal(t, 15*time.Minute, got.MaxIdle)
	assert.Zero(t, got.MaxOffline)
	require.NotNil(t, got.Config.Cluster)
	assert.Equal(t, "tcp://10.0.0.1:2376", got.Config.Cluster.Endpoint)

	var dto HostDTO
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &dto))
	assert.Equal(t, "15m0s", dto.MaxIdle)
}

func TestCreateHost_InvalidInput(t *testing.T) {
	router := setup(&mockHostService{
		createFunc: func(context.Context, *models.AgentHost) (*models.AgentHost, error) {
			return nil, apperrors.Duplicate("agent host", "gpu")
		},
	})

	w := request(router, http.MethodPost, "/api/v1/hosts", `{"kind":"cluster"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = request(router, http.MethodPost, "/api/v1/hosts", `{"name":"gpu","kind":"cluster","max_idle":"soon"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "VALIDATION_ERROR")

	w = request(router, http.MethodPost, "/api/v1/hosts", `{"name":"gpu","kind":"cluster"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestGetAndListHosts(t *testing.T) {
	router := setup(&mockHostService{})

	w := request(router, http.MethodGet, "/api/v1/hosts/h1", "")
	require.Equal(t, http.StatusOK, w.Code)
	var dto HostDTO
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &dto))
	assert.Equal(t, "edge", dto.Name)
	assert.Equal(t, "30m0s", dto.MaxIdle)

	w = request(router, http.MethodGet, "/api/v1/hosts/missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = request(router, http.MethodGet, "/api/v1/hosts", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"total":1`)
}

func TestUpdateHost(t *testing.T) {
	var got pool.UpdateHostRequest
	router := setup(&mockHostService{
		updateFunc: func(_ context.Context, id string, req pool.UpdateHostRequest) (*models.AgentHost, error) {
			got = req
			return &models.AgentHost{ID: id, Name: "edge", MaxSize: *req.MaxSize}, nil
		},
	})

	w := request(router, http.MethodPatch, "/api/v1/hosts/h1", `{"max_size":8,"max_offline":"2h"}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, got.MaxSize)
	assert.Equal(t, 8, *got.MaxSize)
	require.NotNil(t, got.MaxOffline)
	assert.Equal(t, 2*time.Hour, *got.MaxOffline)
	assert.Nil(t, got.MaxIdle)
	assert.Nil(t, got.Tags)

	w = request(router, http.MethodPatch, "/api/v1/hosts/h1", `{"max_idle":"x"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDeleteHost(t *testing.T) {
	var deleted string
	router := setup(&mockHostService{
		deleteFunc: func(_ context.Context, id string) error {
			deleted = id
			return nil
		},
	})

	w := request(router, http.MethodDelete, "/api/v1/hosts/h1", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "h1", deleted)
}

func TestSyncHost(t *testing.T) {
	calls := 0
	router := setup(&mockHostService{
		syncFunc: func(_ context.Context, host *models.AgentHost) error {
			calls++
			if calls > 1 {
				return errors.New("daemon unreachable")
			}
			return nil
		},
	})

	w := request(router, http.MethodPost, "/api/v1/hosts/h1/sync", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = request(router, http.MethodPost, "/api/v1/hosts/h1/sync", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	w = request(router, http.MethodPost, "/api/v1/hosts/missing/sync", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, 2, calls)
}

func TestStartAgent(t *testing.T) {
	full := false
	router := setup(&mockHostService{
		startFunc: func(context.Context, *models.AgentHost) bool { return !full },
	})

	w := request(router, http.MethodPost, "/api/v1/hosts/h1/start", "")
	assert.Equal(t, http.StatusOK, w.Code)

	full = true
	w = request(router, http.MethodPost, "/api/v1/hosts/h1/start", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "NOT_AVAILABLE")
}
