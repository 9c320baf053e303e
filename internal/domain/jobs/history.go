package jobs

import (
	"context"
	"time"
)

// Result counts what one invocation did with its candidates.
type Result struct {
	Processed  int `json:"processed"`
	Sent       int `json:"sent"`
	Suppressed int `json:"suppressed"`
	Skipped    int `json:"skipped"`
	Errors     int `json:"errors"`
}

// RunMeta describes an invocation for status views.
type RunMeta struct {
	Result
	Boundary string `json:"boundary,omitempty"`
	Force    bool   `json:"force,omitempty"`
	Manual   bool   `json:"manual,omitempty"`
	CatchUp  bool   `json:"catch_up,omitempty"`
}

// RunEntry is one append-only run history record. OK is false either when the
// handler failed (Error set) or when some candidates failed (Meta.Errors > 0).
type RunEntry struct {
	Job        string    `json:"job"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	OK         bool      `json:"ok"`
	Meta       RunMeta   `json:"meta"`
	Error      string    `json:"error,omitempty"`
}

// RunHistory stores run entries per job, newest first.
// Implementations live in infra/history/.
type RunHistory interface {
	Record(ctx context.Context, entry RunEntry) error
	Recent(ctx context.Context, job string, limit int) ([]RunEntry, error)
}
