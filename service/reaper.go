package service

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// TimeoutReaper rolls back transactions that are still in BEGIN_* and have
// been inactive for longer than the transaction timeout.
type TimeoutReaper struct {
	c        *TPCCoordinator
	interval time.Duration
	timeout  time.Duration
	log      *zap.Logger
}

func (r *TimeoutReaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.ReapOnce(ctx)
		}
	}
}

// ReapOnce rolls back every timed out transaction whose lock is free and
// returns their ids. Busy transactions are left for the next pass.
func (r *TimeoutReaper) ReapOnce(ctx context.Context) []string {
	reaped := make([]string, 0)

	for _, tx := range r.c.registry.Snapshot() {
		if !r.expired(tx) {
			continue
		}

		if !tx.TryLock() {
			continue
		}

		if r.c.registry.Get(tx.ID()) != tx || !r.expired(tx) {
			tx.Unlock()
			continue
		}

		r.log.Info("transaction timed out",
			zap.String("transaction_id", tx.ID()),
			zap.Time("last_activity_at", tx.LastActivityAt()),
			zap.Duration("timeout", r.timeout))

		r.c.rollback(ctx, tx, "timeout")
		tx.Unlock()

		reaped = append(reaped, tx.ID())
	}

	return reaped
}

func (r *TimeoutReaper) expired(tx *Transaction) bool {
	return tx.Status().IsActive() && r.c.opts.Clock().Sub(tx.LastActivityAt()) > r.timeout
}
