package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/agentpool/internal/agent/registry"
	"github.com/kandev/agentpool/internal/agent/store"
	"github.com/kandev/agentpool/internal/common/logger"
	"github.com/kandev/agentpool/internal/coordination"
	"github.com/kandev/agentpool/internal/events/bus"
)

func newRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := logger.NewNop()
	b := bus.NewMemoryEventBus(log)
	reg, err := registry.NewRegistry(store.NewMemoryStore(), coordination.NewMemoryCoordinator(), b,
		registry.Config{LockTimeout: time.Second}, log)
	require.NoError(t, err)
	t.Cleanup(func() {
		reg.Stop()
		b.Close()
	})

	router := gin.New()
	RegisterRoutes(router, reg, log)
	return router
}

func do(router *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req.WithContext(context.Background()))
	return w
}

func TestAgentRoutes(t *testing.T) {
	router := newRouter(t)

	w := do(router, http.MethodPost, "/api/v1/agents", `{"name":"builder","tags":["linux"]}`)
	require.Equal(t, http.StatusCreated, w.Code)
	var created AgentDTO
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.NotEmpty(t, created.Token, "token shown once on creation")
	assert.Equal(t, "OFFLINE", string(created.Status))

	w = do(router, http.MethodPost, "/api/v1/agents", `{"name":"builder"}`)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(router, http.MethodPost, "/api/v1/agents", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(router, http.MethodGet, "/api/v1/agents/"+created.ID, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), created.Token)

	w = do(router, http.MethodGet, "/api/v1/agents?tags=linux", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"total":1`)

	w = do(router, http.MethodGet, "/api/v1/agents?tags=windows", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"total":0`)

	w = do(router, http.MethodPut, "/api/v1/agents/"+created.ID+"/tags", `{"tags":["windows","gpu"]}`)
	require.Equal(t, http.StatusOK, w.Code)
	var updated AgentDTO
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &updated))
	assert.Equal(t, []string{"gpu", "windows"}, updated.Tags)

	w = do(router, http.MethodDelete, "/api/v1/agents/"+created.ID, "")
	require.Equal(t, http.StatusNoContent, w.Code)

	w = do(router, http.MethodGet, "/api/v1/agents/"+created.ID, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}
