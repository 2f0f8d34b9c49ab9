package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"courier/pkg/metrics"

	"go.uber.org/zap"
)

// GuidStore persists reservations. ReserveGuid must be atomic across
// processes sharing the store.
type GuidStore interface {
	ReserveGuid(ctx context.Context, recipientUID int64, guid string) (bool, error)
	ReleaseGuid(ctx context.Context, recipientUID int64, guid string) error
	PruneGuids(ctx context.Context, cutoff time.Time) (int64, error)
}

// Ledger guarantees a (recipient, guid) pair is applied at most once
type Ledger struct {
	store     GuidStore
	retention time.Duration
	metrics   *metrics.Metrics
	logger    *zap.Logger
	now       func() time.Time
}

// New creates a ledger that forgets records older than retention
func New(store GuidStore, retention time.Duration, m *metrics.Metrics, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{
		store:     store,
		retention: retention,
		metrics:   m,
		logger:    logger,
		now:       time.Now,
	}
}

// CheckAndReserve returns true the first time a pair is seen and false for
// every later call, including concurrent ones.
func (l *Ledger) CheckAndReserve(ctx context.Context, recipientUID int64, guid string) (bool, error) {
	if guid == "" {
		return false, errors.New("ledger: guid is required")
	}
	fresh, err := l.store.ReserveGuid(ctx, recipientUID, guid)
	if err != nil {
		return false, fmt.Errorf("ledger: %w", err)
	}
	return fresh, nil
}

// Release forgets a reservation whose apply step failed
func (l *Ledger) Release(ctx context.Context, recipientUID int64, guid string) error {
	if err := l.store.ReleaseGuid(ctx, recipientUID, guid); err != nil {
		return fmt.Errorf("ledger: %w", err)
	}
	return nil
}

// Prune drops records processed more than olderThan ago
func (l *Ledger) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, errors.New("ledger: retention must be positive")
	}
	n, err := l.store.PruneGuids(ctx, l.now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("ledger: %w", err)
	}
	l.metrics.AddLedgerPruned(n)
	return n, nil
}

// StartPruning prunes with the configured retention every interval until
// ctx is done.
func (l *Ledger) StartPruning(ctx context.Context, interval time.Duration) {
	if interval <= 0 || l.retention <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := l.Prune(ctx, l.retention)
			if err != nil {
				if ctx.Err() == nil {
					l.logger.Warn("Ledger prune failed", zap.Error(err))
				}
				continue
			}
			if n > 0 {
				l.logger.Info("Pruned processed guids", zap.Int64("count", n), zap.Duration("retention", l.retention))
			}
		}
	}
}
