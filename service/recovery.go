package service

import (
	"context"
	"sync"
	"time"

	"github.com/Nystya/txn-coordinator/domain"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// RecoveryScanner finishes transactions whose decision was persisted but
// not fully delivered, and rolls back prepared transactions the coordinator
// no longer knows about.
type RecoveryScanner struct {
	c        *TPCCoordinator
	interval time.Duration
	log      *zap.Logger
}

// RecoveryReport summarizes one recovery pass.
type RecoveryReport struct {
	Resumed        []string
	Completed      []string
	OrphansRolled  map[string][]string
	ListingsFailed []string
}

// Restore loads the persisted transactions into the registry. It is called
// once, before the coordinator serves requests.
func (s *RecoveryScanner) Restore() error {
	records, err := s.c.store.List()
	if err != nil {
		return errors.Wrap(err, "could not list persisted transactions")
	}

	restored := 0
	for _, record := range records {
		if record.Status.IsTerminal() {
			if err = s.c.store.Delete(record.TransactionID); err != nil {
				s.log.Warn("could not delete finished transaction", zap.String("transaction_id", record.TransactionID), zap.Error(err))
			}
			continue
		}

		if s.c.registry.Restore(transactionFromRecord(record)) {
			s.c.metrics.ActiveTransactions.Add(s.c.ctx, 1)
			restored++
		}
	}

	s.log.Info("restored transactions", zap.Int("count", restored))

	return nil
}

// Run repeats RecoverOnce every interval until ctx is done.
func (s *RecoveryScanner) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RecoverOnce(ctx)
		}
	}
}

// RecoverOnce runs a single recovery pass.
func (s *RecoveryScanner) RecoverOnce(ctx context.Context) *RecoveryReport {
	report := &RecoveryReport{OrphansRolled: make(map[string][]string)}

	prepared, listErrs := s.listPrepared(ctx)
	for name := range listErrs {
		report.ListingsFailed = append(report.ListingsFailed, name)
	}

	// Taken after listing: anything a participant reported as prepared was
	// registered before this point.
	known := make(map[string]struct{})
	for _, tx := range s.c.registry.Snapshot() {
		known[tx.ID()] = struct{}{}

		var action Action
		switch tx.Status() {
		case domain.CommitStarted:
			action = ActionCommit
		case domain.RollbackStarted:
			action = ActionRollback
		default:
			continue
		}

		if s.c.retry.Pending(tx.ID()) || !tx.TryLock() {
			continue
		}

		done := s.resume(ctx, tx, action, prepared, listErrs)
		tx.Unlock()

		if done {
			report.Completed = append(report.Completed, tx.ID())
		} else {
			report.Resumed = append(report.Resumed, tx.ID())
		}
	}

	for name, ids := range prepared {
		for id := range ids {
			if _, ok := known[id]; ok {
				continue
			}

			callCtx, cancel := context.WithTimeout(ctx, s.c.callTimeout())
			err := s.c.participants[name].Rollback(callCtx, id)
			cancel()

			if err != nil {
				s.log.Warn("could not roll back orphan prepared transaction",
					zap.String("transaction_id", id), zap.String("participant", name), zap.Error(err))
				continue
			}

			s.log.Info("rolled back orphan prepared transaction",
				zap.String("transaction_id", id), zap.String("participant", name))
			report.OrphansRolled[name] = append(report.OrphansRolled[name], id)
		}
	}

	return report
}

// resume delivers the persisted decision of tx. It returns true if the
// transaction reached its terminal status.
func (s *RecoveryScanner) resume(ctx context.Context, tx *Transaction, action Action,
	prepared map[string]map[string]struct{}, listErrs map[string]error) bool {
	if s.c.registry.Get(tx.ID()) != tx || s.c.retry.Pending(tx.ID()) {
		return false
	}

	names := tx.Participants()
	if action == ActionCommit {
		// Participants that no longer list the transaction have committed it.
		pending := make([]string, 0, len(names))
		for _, name := range names {
			if _, failed := listErrs[name]; failed {
				pending = append(pending, name)
				continue
			}
			if _, ok := prepared[name][tx.ID()]; ok {
				pending = append(pending, name)
			}
		}
		names = pending
	}

	s.log.Info("resuming transaction",
		zap.String("transaction_id", tx.ID()),
		zap.String("action", string(action)),
		zap.Strings("participants", names))

	failed := s.c.deliver(ctx, tx.ID(), action, names)
	s.c.completeOrRetry(tx, action, failed)

	return len(failed) == 0 && s.c.registry.Get(tx.ID()) == nil
}

func (s *RecoveryScanner) listPrepared(ctx context.Context) (map[string]map[string]struct{}, map[string]error) {
	var mu sync.Mutex
	prepared := make(map[string]map[string]struct{})
	listErrs := make(map[string]error)

	g, gctx := errgroup.WithContext(ctx)
	for _, name := range s.c.participantNames {
		p := s.c.participants[name]
		g.Go(func() error {
			callCtx, cancel := context.WithTimeout(gctx, s.c.callTimeout())
			defer cancel()

			ids, err := p.ListPreparedTransactions(callCtx)

			mu.Lock()
			defer mu.Unlock()

			if err != nil {
				s.log.Warn("could not list prepared transactions", zap.String("participant", p.Name()), zap.Error(err))
				listErrs[p.Name()] = err
				return nil
			}

			set := make(map[string]struct{}, len(ids))
			for _, id := range ids {
				set[id] = struct{}{}
			}
			prepared[p.Name()] = set

			return nil
		})
	}
	_ = g.Wait()

	return prepared, listErrs
}
