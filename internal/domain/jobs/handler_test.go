package jobs

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"guildbell/internal/common"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type runCall struct {
	Name  string
	Date  *time.Time
	Force bool
}

type fakeOperator struct {
	calls   []runCall
	runErr  error
	history []RunEntry
	limit   int
}

func (o *fakeOperator) Jobs() []JobInfo {
	return []JobInfo{
		{Name: JobBirthdays, Cadence: "daily@09", Recurring: true},
		{Name: JobBirthdayRetry},
	}
}

func (o *fakeOperator) RunOnce(_ context.Context, name string, date *time.Time, force bool) (int, error) {
	o.calls = append(o.calls, runCall{Name: name, Date: date, Force: force})
	if o.runErr != nil {
		return 0, o.runErr
	}
	return 3, nil
}

func (o *fakeOperator) History(_ context.Context, name string, limit int) ([]RunEntry, error) {
	if name != JobBirthdays {
		return nil, common.NewNotFoundError("job", name)
	}
	o.limit = limit
	return o.history, nil
}

type denyLimiter struct{}

func (denyLimiter) Allow(context.Context, string) (bool, error) { return false, nil }

type countingLimiter struct{ calls int }

func (l *countingLimiter) Allow(context.Context, string) (bool, error) {
	l.calls++
	return true, nil
}

func newTestRouter(op Operator, limiter ManualRunLimiter) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	NewHandler(op, limiter, time.UTC).RegisterRoutes(r.Group("/api/v1"))
	return r
}

func do(r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) common.APIResponse {
	t.Helper()
	var resp common.APIResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestHandler_ListJobs(t *testing.T) {
	w := do(newTestRouter(&fakeOperator{}, nil), http.MethodGet, "/api/v1/jobs", "")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"name":"birthdays:run"`)
}

func TestHandler_RunJob(t *testing.T) {
	op := &fakeOperator{}
	w := do(newTestRouter(op, nil), http.MethodPost, "/api/v1/jobs/birthdays:run/run", `{"date":"2025-06-15","force":true}`)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Len(t, op.calls, 1)
	assert.Equal(t, JobBirthdays, op.calls[0].Name)
	assert.True(t, op.calls[0].Force)
	require.NotNil(t, op.calls[0].Date)
	assert.Equal(t, "2025-06-15", op.calls[0].Date.Format(time.DateOnly))

	resp := decode(t, w)
	assert.True(t, resp.Success)
	assert.Equal(t, float64(3), resp.Data.(map[string]any)["processed"])
}

func TestHandler_RunJobWithoutBody(t *testing.T) {
	op := &fakeOperator{}
	w := do(newTestRouter(op, nil), http.MethodPost, "/api/v1/jobs/birthdays:run/run", "")

	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, op.calls, 1)
	assert.Nil(t, op.calls[0].Date)
	assert.False(t, op.calls[0].Force)
}

func TestHandler_RunJobErrors(t *testing.T) {
	tests := []struct {
		name    string
		op      *fakeOperator
		limiter ManualRunLimiter
		body    string
		want    int
	}{
		{"bad date", &fakeOperator{}, nil, `{"date":"15/06/2025"}`, http.StatusBadRequest},
		{"bad json", &fakeOperator{}, nil, `{"force":`, http.StatusBadRequest},
		{"rate limited", &fakeOperator{}, denyLimiter{}, "", http.StatusTooManyRequests},
		{"store", &fakeOperator{runErr: common.NewStoreError("list birthdays", errBoom)}, nil, "", http.StatusInternalServerError},
		{"delivery", &fakeOperator{runErr: common.NewDeliveryError("discord", "503")}, nil, "", http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(newTestRouter(tt.op, tt.limiter), http.MethodPost, "/api/v1/jobs/birthdays:run/run", tt.body)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
			assert.False(t, decode(t, w).Success)
		})
	}
}

func TestHandler_RunJobRejectsBeforeTakingALimiterSlot(t *testing.T) {
	tests := []struct {
		name string
		path string
		want int
	}{
		{"unknown job", "/api/v1/jobs/nope/run", http.StatusNotFound},
		{"not manual", "/api/v1/jobs/birthdays:retry/run", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			op := &fakeOperator{}
			limiter := &countingLimiter{}

			w := do(newTestRouter(op, limiter), http.MethodPost, tt.path, "")

			assert.Equal(t, tt.want, w.Code, w.Body.String())
			assert.Zero(t, limiter.calls)
			assert.Empty(t, op.calls)
		})
	}
}

func TestHandler_History(t *testing.T) {
	op := &fakeOperator{history: []RunEntry{{Job: JobBirthdays, OK: true}}}
	r := newTestRouter(op, nil)

	w := do(r, http.MethodGet, "/api/v1/jobs/birthdays:run/runs?limit=500", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, maxHistoryLimit, op.limit)

	w = do(r, http.MethodGet, "/api/v1/jobs/birthdays:run/runs", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, defaultHistoryLimit, op.limit)

	w = do(r, http.MethodGet, "/api/v1/jobs/birthdays:run/runs?limit=zero", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(r, http.MethodGet, "/api/v1/jobs/unknown/runs", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_HistoryEmptyIsArray(t *testing.T) {
	w := do(newTestRouter(&fakeOperator{}, nil), http.MethodGet, "/api/v1/jobs/birthdays:run/runs", "")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"data":[]`)
}
