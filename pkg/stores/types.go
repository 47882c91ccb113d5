package stores

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when an attempt does not exist.
var ErrNotFound = errors.New("attempt not found")

// Attempt is one invocation of the updater against a package.
type Attempt struct {
	ID             string    `json:"id"`
	PackagePath    string    `json:"package_path"`
	Version        int       `json:"api_version"`
	Retry          bool      `json:"retry"`
	ExitCode       int       `json:"exit_code"`
	ErrorCode      int       `json:"error_code"`
	CauseCode      int       `json:"cause_code"`
	RetryRequested bool      `json:"retry_requested"`
	Result         string    `json:"result,omitempty"`
	ErrorMessage   string    `json:"error_message,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at"`
}

// Duration returns how long the attempt ran.
func (a *Attempt) Duration() time.Duration {
	return a.FinishedAt.Sub(a.StartedAt)
}

// Succeeded reports whether the attempt exited successfully.
func (a *Attempt) Succeeded() bool {
	return a.ExitCode == 0
}

// Store records and queries update attempts.
type Store interface {
	Init(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error

	RecordAttempt(ctx context.Context, attempt *Attempt) error
	GetAttempt(ctx context.Context, id string) (*Attempt, error)
	ListAttempts(ctx context.Context, limit int) ([]*Attempt, error)
	LastAttempt(ctx context.Context, packagePath string) (*Attempt, error)

	HealthCheck(ctx context.Context) error
}
