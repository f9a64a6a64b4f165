package terminal

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/shsh-gateway/internal/domain"
	"github.com/ashureev/shsh-gateway/internal/shared"
	"github.com/ashureev/shsh-gateway/internal/store"
)

const auditWriteTimeout = 5 * time.Second

// AuditObserver records session lifecycle and command completions in the
// store. Writes run in the background and failures are only logged, so the
// database can never stall a shell.
type AuditObserver struct {
	repo   store.Repository
	logger *slog.Logger
	now    func() time.Time

	// queue serializes writes so a session's rows land in order.
	queue  chan func(context.Context)
	done   chan struct{}
	mu     sync.RWMutex
	closed bool
}

// NewAuditObserver starts the background writer. Close stops it.
func NewAuditObserver(repo store.Repository, logger *slog.Logger) *AuditObserver {
	if logger == nil {
		logger = slog.Default()
	}
	o := &AuditObserver{
		repo:   repo,
		logger: logger,
		now:    time.Now,
		queue:  make(chan func(context.Context), 256),
		done:   make(chan struct{}),
	}
	go o.run()
	return o
}

func (o *AuditObserver) run() {
	defer close(o.done)
	for write := range o.queue {
		ctx, cancel := context.WithTimeout(context.Background(), auditWriteTimeout)
		write(ctx)
		cancel()
	}
}

func (o *AuditObserver) enqueue(op string, write func(context.Context) error) {
	job := func(ctx context.Context) {
		err := shared.RetryOnConflict(ctx, op, 3, 50*time.Millisecond, write)
		if err != nil {
			o.logger.Warn("Audit write failed", "op", op, "error", err)
		}
	}

	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.closed {
		return
	}
	select {
	case o.queue <- job:
	default:
		o.logger.Warn("Audit queue full, dropping write", "op", op)
	}
}

// SessionStarted records a new session.
func (o *AuditObserver) SessionStarted(snap domain.SessionSnapshot) {
	rec := domain.SessionRecord{
		SessionID: snap.SessionID,
		PID:       snap.PID,
		Shell:     snap.Shell,
		CreatedAt: snap.CreatedAt,
	}
	o.enqueue("record session", func(ctx context.Context) error {
		return o.repo.RecordSession(ctx, rec)
	})
}

// SessionClosed records the end of a session.
func (o *AuditObserver) SessionClosed(sessionID, reason string) {
	closedAt := o.now()
	o.enqueue("close session", func(ctx context.Context) error {
		return o.repo.CloseSession(ctx, sessionID, closedAt, reason)
	})
}

// CommandCompleted records one command result.
func (o *AuditObserver) CommandCompleted(sessionID string, status CommandStatus, outputBytes int) {
	rec := domain.CommandRecord{
		SessionID:   sessionID,
		Command:     status.Command,
		ExitCode:    status.ExitCode,
		Success:     status.Success,
		OutputBytes: outputBytes,
		CompletedAt: o.now(),
	}
	o.enqueue("record command", func(ctx context.Context) error {
		_, err := o.repo.RecordCommand(ctx, rec)
		return err
	})
}

// Prune deletes command history older than retention.
func (o *AuditObserver) Prune(ctx context.Context, retention time.Duration) {
	n, err := o.repo.PruneCommands(ctx, o.now().Add(-retention))
	if err != nil {
		o.logger.Error("Failed to prune command history", "error", err)
		return
	}
	if n > 0 {
		o.logger.Info("Pruned command history", "deleted", n, "retention", retention)
	}
}

// Close drains pending writes and stops the writer. Later events are
// ignored.
func (o *AuditObserver) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	close(o.queue)
	o.mu.Unlock()
	<-o.done
}
