package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

type fakeKVPinger struct {
	err error
}

func (f *fakeKVPinger) Ping(ctx context.Context) error { return f.err }

func TestLiveness_AlwaysReturns200(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler := NewHandler(nil)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("GET", "/health/live", nil)

	handler.Liveness(c)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "alive")
	assert.Contains(t, w.Body.String(), "timestamp")
}

func TestReadiness_NilStoreIsHealthy(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler := NewHandler(nil)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("GET", "/health/ready", nil)

	handler.Readiness(c)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ready")
	assert.Contains(t, w.Body.String(), "healthy")
}

func TestReadiness_HealthyKV(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler := NewHandler(&fakeKVPinger{})

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("GET", "/health/ready", nil)

	handler.Readiness(c)

	assert.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, `"status":"ready"`)
	assert.Contains(t, body, `"kv":"healthy"`)
}

func TestReadiness_UnhealthyKVReturns503(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler := NewHandler(&fakeKVPinger{err: errors.New("connection refused")})

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("GET", "/health/ready", nil)

	handler.Readiness(c)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, `"status":"unavailable"`)
	assert.Contains(t, body, `"kv":"unhealthy"`)
}
