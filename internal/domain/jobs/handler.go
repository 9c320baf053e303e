package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"guildbell/internal/common"

	"github.com/gin-gonic/gin"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
)

// Operator is the runner surface the admin API needs.
type Operator interface {
	Jobs() []JobInfo
	RunOnce(ctx context.Context, name string, date *time.Time, force bool) (int, error)
	History(ctx context.Context, name string, limit int) ([]RunEntry, error)
}

// Handler handles HTTP requests for job administration.
type Handler struct {
	runner  Operator
	limiter ManualRunLimiter
	loc     *time.Location
}

// NewHandler creates a new jobs handler. limiter may be nil.
func NewHandler(runner Operator, limiter ManualRunLimiter, loc *time.Location) *Handler {
	if loc == nil {
		loc = time.Local
	}
	return &Handler{runner: runner, limiter: limiter, loc: loc}
}

// RunRequest is the optional body of POST /jobs/:name/run.
type RunRequest struct {
	// Date is YYYY-MM-DD in the scheduler timezone. Defaults to today.
	Date  string `json:"date"`
	Force bool   `json:"force"`
}

// RunResponse reports a manual run.
type RunResponse struct {
	Job       string `json:"job"`
	Date      string `json:"date,omitempty"`
	Force     bool   `json:"force"`
	Processed int    `json:"processed"`
}

// ListJobs handles GET /api/v1/jobs
func (h *Handler) ListJobs(c *gin.Context) {
	common.Success(c, http.StatusOK, h.runner.Jobs())
}

// RunJob handles POST /api/v1/jobs/:name/run
// Runs the job synchronously and returns how many candidates it processed.
func (h *Handler) RunJob(c *gin.Context) {
	name := c.Param("name")

	var req RunRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			common.Error(c, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}

	var date *time.Time
	if req.Date != "" {
		d, err := time.ParseInLocation(dateLayout, req.Date, h.loc)
		if err != nil {
			common.HandleError(c, common.NewValidationError("date must be YYYY-MM-DD"))
			return
		}
		date = &d
	}

	if err := h.manualRunnable(name); err != nil {
		common.HandleError(c, err)
		return
	}

	if h.limiter != nil {
		allowed, err := h.limiter.Allow(c.Request.Context(), name)
		if err != nil {
			slog.Error("manual run limiter failed", "job", name, "error", err)
			common.HandleError(c, err)
			return
		}
		if !allowed {
			common.HandleError(c, common.NewRateLimitError("manual run limit reached for "+name))
			return
		}
	}

	processed, err := h.runner.RunOnce(c.Request.Context(), name, date, req.Force)
	if err != nil {
		slog.Error("manual run failed",
			"job", name,
			"date", req.Date,
			"force", req.Force,
			"error", err,
		)
		common.HandleError(c, err)
		return
	}

	common.Success(c, http.StatusOK, RunResponse{
		Job:       name,
		Date:      req.Date,
		Force:     req.Force,
		Processed: processed,
	})
}

// manualRunnable rejects names that would fail RunOnce before they take a
// limiter slot.
func (h *Handler) manualRunnable(name string) error {
	for _, info := range h.runner.Jobs() {
		if info.Name != name {
			continue
		}
		if !info.Recurring {
			return common.NewValidationError(fmt.Sprintf("job %s cannot be run manually", name))
		}
		return nil
	}
	return common.NewNotFoundError("job", name)
}

// History handles GET /api/v1/jobs/:name/runs?limit=N
func (h *Handler) History(c *gin.Context) {
	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			common.Error(c, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	entries, err := h.runner.History(c.Request.Context(), c.Param("name"), limit)
	if err != nil {
		common.HandleError(c, err)
		return
	}
	if entries == nil {
		entries = []RunEntry{}
	}

	common.Success(c, http.StatusOK, entries)
}

// RegisterRoutes registers job routes to the given router group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/jobs", h.ListJobs)
	rg.POST("/jobs/:name/run", h.RunJob)
	rg.GET("/jobs/:name/runs", h.History)
}
