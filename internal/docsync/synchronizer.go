// Package docsync writes a staged attachment diff to the remote document and
// settles the stage once the write is acknowledged.
package docsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/couchstage/internal/attachments"
)

const (
	defaultRetryBase = 250 * time.Millisecond

	opSynchronizerNew = "docsync.synchronizer.new"
	opSync            = "docsync.sync"
)

var (
	errMissingTransport = errors.New("transport is required")
	noOpLogger          = zap.NewNop()
)

// SyncError carries a machine-readable code for a failed synchronization.
type SyncError struct {
	code string
	err  error
}

func (e *SyncError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *SyncError) Unwrap() error {
	return e.err
}

func (e *SyncError) Code() string {
	return e.code
}

func newSyncError(operation, reason string, cause error) error {
	return &SyncError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// Config configures a Synchronizer.
type Config struct {
	Transport  Transport
	Logger     *zap.Logger
	// MaxRetries bounds retries after the first attempt. Zero disables them.
	MaxRetries uint64
	RetryBase  time.Duration
}

// Synchronizer pushes stages through a Transport.
type Synchronizer struct {
	transport  Transport
	logger     *zap.Logger
	maxRetries uint64
	retryBase  time.Duration
}

// Result describes an acknowledged write.
type Result struct {
	Revision string
	Uploaded []string
	Deleted  []string
	Attempts int
}

// New constructs a Synchronizer.
func New(cfg Config) (*Synchronizer, error) {
	if cfg.Transport == nil {
		return nil, newSyncError(opSynchronizerNew, "missing_transport", errMissingTransport)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	retryBase := cfg.RetryBase
	if retryBase <= 0 {
		retryBase = defaultRetryBase
	}
	return &Synchronizer{
		transport:  cfg.Transport,
		logger:     logger,
		maxRetries: cfg.MaxRetries,
		retryBase:  retryBase,
	}, nil
}

// Sync writes stage to target. On success pending deletions are evicted and
// uploaded records lose their pending content; on failure the stage is left
// untouched so the call can be repeated.
func (s *Synchronizer) Sync(ctx context.Context, target Target, stage *attachments.Stage) (Result, error) {
	write, err := Plan(target, stage)
	if err != nil {
		return Result{}, err
	}

	attempts := 0
	backoff := retry.WithMaxRetries(s.maxRetries, retry.NewExponential(s.retryBase))
	revision, err := retry.DoValue(ctx, backoff, func(ctx context.Context) (string, error) {
		attempts++
		revision, putErr := s.transport.PutDocument(ctx, write)
		if putErr == nil {
			return revision, nil
		}
		if isRetryable(putErr) {
			s.logger.Warn("document write failed, retrying",
				zap.String("document_id", target.DocumentID),
				zap.Int("attempt", attempts),
				zap.Error(putErr))
			return "", retry.RetryableError(putErr)
		}
		return "", putErr
	})
	if err != nil {
		reason := "put_failed"
		if errors.Is(err, ErrConflict) {
			reason = "conflict"
		}
		s.logError(opSync, reason, err,
			zap.String("database", target.Database),
			zap.String("document_id", target.DocumentID),
			zap.Int("attempts", attempts))
		return Result{Attempts: attempts}, newSyncError(opSync, reason, err)
	}

	result := Result{Revision: revision, Attempts: attempts}
	for _, name := range write.Deletions {
		stage.Remove(name)
		result.Deleted = append(result.Deleted, name)
	}
	for _, upload := range write.Uploads {
		if err := stage.MarkSynchronized(upload.Name); err != nil {
			// Removed by the caller while the write was in flight.
			continue
		}
		result.Uploaded = append(result.Uploaded, upload.Name)
	}

	s.logger.Info("document synchronized",
		zap.String("database", target.Database),
		zap.String("document_id", target.DocumentID),
		zap.String("revision", revision),
		zap.Int("uploaded", len(result.Uploaded)),
		zap.Int("deleted", len(result.Deleted)))
	return result, nil
}

func isRetryable(err error) bool {
	var candidate interface{ Retryable() bool }
	if errors.As(err, &candidate) {
		return candidate.Retryable()
	}
	return false
}

func (s *Synchronizer) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("document synchronization error", attrs...)
}
