package audit

import (
	"context"
	"time"
)

// defaultWriteTimeout bounds one audit insert.
const defaultWriteTimeout = 2 * time.Second

// Logger interface for optional logging support.
type Logger interface {
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Warn(string, ...any) {}

// Recorder appends entries on a best-effort basis.
//
// Record never returns an error: failures are logged and dropped so the
// audited operation is unaffected. A nil *Recorder is valid and records
// nothing.
type Recorder struct {
	repo    Repository
	logger  Logger
	timeout time.Duration
	now     func() time.Time
}

// NewRecorder wraps repo. A nil logger discards write failures silently.
func NewRecorder(repo Repository, logger Logger) *Recorder {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Recorder{
		repo:    repo,
		logger:  logger,
		timeout: defaultWriteTimeout,
		now:     time.Now,
	}
}

// Record writes entry. The write is detached from ctx cancellation, so an
// entry for a request whose client went away is still stored.
func (r *Recorder) Record(ctx context.Context, entry AuditLog) {
	if r == nil || r.repo == nil {
		return
	}
	if entry.Source == "" {
		entry.Source = SourceAPI
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = r.now()
	}

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()

	if err := r.repo.Create(wctx, &entry); err != nil {
		r.logger.Warn("audit write failed",
			"action", entry.Action,
			"entity_type", entry.EntityType,
			"entity_id", entry.EntityID,
			"error", err,
		)
	}
}
