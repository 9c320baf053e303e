package router

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"guildbell/internal/config"
	"guildbell/internal/domain/jobs"

	"github.com/stretchr/testify/assert"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

type noopOperator struct{}

func (noopOperator) Jobs() []jobs.JobInfo { return nil }
func (noopOperator) RunOnce(context.Context, string, *time.Time, bool) (int, error) {
	return 0, nil
}
func (noopOperator) History(context.Context, string, int) ([]jobs.RunEntry, error) {
	return nil, nil
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Server.Mode = "test"
	cfg.Auth.APIKeys = []string{"secret"}
	cfg.RateLimit.RequestsPerSecond = 100
	cfg.RateLimit.Burst = 100
	return cfg
}

func serve(r http.Handler, path, key string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ok := pingFunc(func(context.Context) error { return nil })
	down := pingFunc(func(context.Context) error { return errors.New("connection refused") })
	h := jobs.NewHandler(noopOperator{}, nil, time.UTC)

	w := serve(New(ctx, testConfig(), h, map[string]Pinger{"redis": ok}), "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"service":"guildbell"`)

	w = serve(New(ctx, testConfig(), h, map[string]Pinger{"redis": ok, "postgres": down}), "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "connection refused")
}

func TestJobRoutesRequireKey(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := New(ctx, testConfig(), jobs.NewHandler(noopOperator{}, nil, time.UTC), nil)

	assert.Equal(t, http.StatusUnauthorized, serve(r, "/api/v1/jobs", "").Code)
	assert.Equal(t, http.StatusOK, serve(r, "/api/v1/jobs", "secret").Code)
}
