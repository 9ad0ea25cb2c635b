package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

type staticChecker struct {
	name   string
	status Status
}

func (c staticChecker) Name() string { return c.name }

func (c staticChecker) Check(context.Context) ComponentHealth {
	return ComponentHealth{Status: c.status}
}

func get(t *testing.T, h http.Handler, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return rec, body
}

func TestHealthHandler_AllHealthy(t *testing.T) {
	s := NewServer(0, "test", nil)
	s.RegisterChecker(NewPingChecker("store", pinger{}, false))

	rec, body := get(t, s.Handler(), "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "test", body["version"])
	assert.Contains(t, body["components"], "store")
}

func TestHealthHandler_UnhealthyStoreFailsReadiness(t *testing.T) {
	s := NewServer(0, "test", nil)
	s.RegisterChecker(NewPingChecker("store", pinger{err: errors.New("closed")}, false))

	rec, body := get(t, s.Handler(), "/health")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "unhealthy", body["status"])

	rec, body = get(t, s.Handler(), "/health/ready")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "not_ready", body["status"])

	rec, body = get(t, s.Handler(), "/health/live")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alive", body["status"])
}

func TestOptionalFailureOnlyDegrades(t *testing.T) {
	s := NewServer(0, "test", nil)
	s.RegisterChecker(NewPingChecker("store", pinger{}, false))
	s.RegisterChecker(NewPingChecker("events", pinger{err: errors.New("broker down")}, true))

	resp := s.Evaluate(context.Background())
	assert.Equal(t, StatusDegraded, resp.Status)
	assert.Equal(t, StatusDegraded, resp.Components["events"].Status)

	rec, _ := get(t, s.Handler(), "/health/ready")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRedisCheckerDegradesWhenUnreachable(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	h := NewRedisChecker(client).Check(context.Background())
	assert.Equal(t, StatusDegraded, h.Status)
	assert.NotEmpty(t, h.Message)
}

func TestHTTPChecker(t *testing.T) {
	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer gateway.Close()
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer broken.Close()

	assert.Equal(t, StatusHealthy, NewHTTPChecker("gateway", gateway.URL).Check(context.Background()).Status)
	assert.Equal(t, StatusDegraded, NewHTTPChecker("gateway", broken.URL).Check(context.Background()).Status)
	assert.Equal(t, StatusUnhealthy, NewHTTPChecker("gateway", "http://127.0.0.1:1").Check(context.Background()).Status)
}

func TestGRPCServerFollowsCheckers(t *testing.T) {
	checks := NewServer(0, "test", nil)
	g := NewGRPCServer(0, "secure-delivery-worker", checks, nil)
	ctx := context.Background()

	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, g.Refresh(ctx))
	resp, err := g.health.Check(ctx, &healthpb.HealthCheckRequest{Service: "secure-delivery-worker"})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())

	checks.RegisterChecker(staticChecker{name: "temporal", status: StatusUnhealthy})
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, g.Refresh(ctx))
	resp, err = g.health.Check(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.GetStatus())
}
