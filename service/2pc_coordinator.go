package service

import (
	"context"
	"sync"
	"time"

	"github.com/Nystya/txn-coordinator/domain"
	"github.com/Nystya/txn-coordinator/repository/database"
	"github.com/Nystya/txn-coordinator/telemetry"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// TPCCoordinator drives transactions that span several participants through
// two phase commit. Every status change is persisted before it is acted on,
// so a restarted coordinator can finish what it started.
type TPCCoordinator struct {
	interactiveSessionKey string
	sessions              SessionTokenProvider

	participants     map[string]Participant
	participantNames []string

	store    database.TransactionStore
	registry *Registry
	retry    *RetryDriver
	recovery *RecoveryScanner
	reaper   *TimeoutReaper

	opts    *Options
	log     *zap.Logger
	tracer  trace.Tracer
	metrics *telemetry.CoordinatorMetrics

	ctx  context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup
}

func NewTPCCoordinator(interactiveSessionKey string, sessions SessionTokenProvider, participants []Participant,
	store database.TransactionStore, opts ...Option) (*TPCCoordinator, error) {
	if interactiveSessionKey == "" {
		return nil, errors.New("interactive session key cannot be empty")
	}
	if sessions == nil {
		return nil, errors.New("session token provider cannot be nil")
	}
	if store == nil {
		return nil, errors.New("transaction store cannot be nil")
	}
	if len(participants) == 0 {
		return nil, errors.New("at least one participant is required")
	}

	options := &Options{}
	for _, opt := range opts {
		opt(options)
	}
	repair(options)

	byName := make(map[string]Participant, len(participants))
	names := make(map[string]struct{}, len(participants))
	for _, p := range participants {
		if p == nil || p.Name() == "" {
			return nil, errors.New("participants must be non-nil and named")
		}
		if _, ok := byName[p.Name()]; ok {
			return nil, errors.Newf("duplicate participant name %q", p.Name())
		}
		byName[p.Name()] = p
		names[p.Name()] = struct{}{}
	}

	metrics, err := telemetry.NewCoordinatorMetrics(options.Telemetry.Meter)
	if err != nil {
		return nil, errors.Wrap(err, "could not create coordinator metrics")
	}

	ctx, cancel := context.WithCancel(context.Background())

	t := &TPCCoordinator{
		interactiveSessionKey: interactiveSessionKey,
		sessions:              sessions,
		participants:          byName,
		participantNames:      domain.SortedNames(names),
		store:                 store,
		registry:              NewRegistry(options.TransactionCountLimit),
		opts:                  options,
		log:                   options.Logger.Named("coordinator"),
		tracer:                options.Telemetry.Tracer,
		metrics:               metrics,
		ctx:                   ctx,
		stop:                  cancel,
	}

	t.retry = newRetryDriver(t, options, metrics.RetryAttempts)
	t.recovery = &RecoveryScanner{c: t, interval: options.RecoveryInterval, log: options.Logger.Named("recovery")}
	t.reaper = &TimeoutReaper{c: t, interval: options.ReaperInterval, timeout: options.TransactionTimeout, log: options.Logger.Named("reaper")}

	return t, nil
}

// Start restores persisted transactions, runs one recovery pass and then
// launches the periodic recovery scanner and timeout reaper.
func (t *TPCCoordinator) Start(ctx context.Context) error {
	if err := t.recovery.Restore(); err != nil {
		return err
	}

	t.recovery.RecoverOnce(ctx)

	t.wg.Add(2)
	go func() {
		defer t.wg.Done()
		t.recovery.Run(t.ctx)
	}()
	go func() {
		defer t.wg.Done()
		t.reaper.Run(t.ctx)
	}()

	t.log.Info("coordinator started",
		zap.Strings("participants", t.participantNames),
		zap.Int("restored_transactions", t.registry.Len()))

	return nil
}

// Stop halts the background tasks. In-flight caller requests are not
// interrupted.
func (t *TPCCoordinator) Stop() {
	t.stop()
	t.wg.Wait()
	t.retry.Stop()
}

func (t *TPCCoordinator) Registry() *Registry {
	return t.registry
}

func (t *TPCCoordinator) Retry() *RetryDriver {
	return t.retry
}

func (t *TPCCoordinator) Recovery() *RecoveryScanner {
	return t.recovery
}

func (t *TPCCoordinator) Reaper() *TimeoutReaper {
	return t.reaper
}

func (t *TPCCoordinator) BeginTransaction(ctx context.Context, creds domain.Credentials) (string, error) {
	if err := t.checkCredentials(creds); err != nil {
		return "", err
	}

	tx := newTransaction(uuid.New().String(), creds.SessionToken, t.opts.Clock())

	// Locked before it is published, so the reaper and recovery skip it
	// until begin is persisted.
	if !tx.TryLock() {
		return "", &domain.Error{Code: domain.CodeInternal, TransactionID: tx.ID(),
			Err: errors.AssertionFailedf("new transaction %s is already locked", tx.ID())}
	}
	defer tx.Unlock()

	if err := t.registry.Register(tx); err != nil {
		return "", err
	}
	t.metrics.ActiveTransactions.Add(ctx, 1)

	if err := t.changeStatus(tx, domain.BeginStarted); err != nil {
		t.forget(tx)
		return "", &domain.Error{Code: domain.CodeInternal, TransactionID: tx.ID(), Err: err}
	}

	if err := t.changeStatus(tx, domain.BeginFinished); err != nil {
		if delErr := t.store.Delete(tx.ID()); delErr != nil {
			t.log.Warn("could not remove half begun transaction", zap.String("transaction_id", tx.ID()), zap.Error(delErr))
		}
		t.forget(tx)
		return "", &domain.Error{Code: domain.CodeInternal, TransactionID: tx.ID(), Err: err}
	}

	t.metrics.TransactionsBegun.Add(ctx, 1)
	t.log.Info("transaction begun", zap.String("transaction_id", tx.ID()))

	return tx.ID(), nil
}

func (t *TPCCoordinator) ExecuteOperation(ctx context.Context, creds domain.Credentials, txID string, participantName string,
	operation string, args map[string]interface{}) (interface{}, error) {
	if err := t.checkCredentials(creds); err != nil {
		return nil, err
	}

	p, ok := t.participants[participantName]
	if !ok {
		return nil, &domain.Error{Code: domain.CodeUnknownParticipant, TransactionID: txID, Participant: participantName, Operation: operation}
	}

	tx, err := t.lockTransaction(ctx, txID, domain.CodeNoSuchTransaction)
	if err != nil {
		return nil, err
	}
	defer tx.Unlock()

	if err = t.checkAccess(tx, creds.SessionToken); err != nil {
		return nil, err
	}

	// A transaction that is being finished no longer exists for its owner.
	if tx.Status() != domain.BeginFinished {
		return nil, &domain.Error{Code: domain.CodeNoSuchTransaction, TransactionID: txID}
	}

	tx.touch(t.opts.Clock())
	defer func() { tx.touch(t.opts.Clock()) }()

	if !tx.hasParticipant(participantName) {
		if err = t.join(ctx, tx, p); err != nil {
			return nil, &domain.Error{Code: domain.CodeBeginFailed, TransactionID: txID, Participant: participantName, Operation: operation, Err: err}
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, t.opts.ParticipantCallTimeout)
	defer cancel()

	result, err := p.ExecuteOperation(callCtx, txID, operation, args)
	if err != nil {
		t.log.Info("operation failed",
			zap.String("transaction_id", txID),
			zap.String("participant", participantName),
			zap.String("operation", operation),
			zap.Error(err))
		return nil, &domain.Error{Code: domain.CodeOperationFailed, TransactionID: txID, Participant: participantName, Operation: operation, Err: err}
	}

	return result, nil
}

func (t *TPCCoordinator) CommitTransaction(ctx context.Context, creds domain.Credentials, txID string) error {
	if err := t.checkCredentials(creds); err != nil {
		return err
	}

	tx, err := t.lockTransaction(ctx, txID, domain.CodeNoActiveTransaction)
	if err != nil {
		return err
	}
	defer tx.Unlock()

	if err = t.checkAccess(tx, creds.SessionToken); err != nil {
		return err
	}

	if tx.Status() != domain.BeginFinished {
		return &domain.Error{Code: domain.CodeNoActiveTransaction, TransactionID: txID}
	}

	ctx, span := t.tracer.Start(ctx, "coordinator.CommitTransaction",
		trace.WithAttributes(attribute.String("transaction.id", txID)))
	defer span.End()

	start := t.opts.Clock()
	tx.touch(start)

	names := tx.Participants()

	for _, name := range names {
		callCtx, cancel := context.WithTimeout(ctx, t.opts.ParticipantCallTimeout)
		err = t.participants[name].Prepare(callCtx, txID)
		cancel()

		if err != nil {
			t.log.Info("prepare failed, rolling back",
				zap.String("transaction_id", txID), zap.String("participant", name), zap.Error(err))
			span.RecordError(err)
			span.SetStatus(codes.Error, "prepare failed")

			t.rollback(ctx, tx, "prepare_failed")
			return &domain.Error{Code: domain.CodePrepareFailed, TransactionID: txID, Participant: name, Err: err}
		}
	}

	if err = t.changeStatus(tx, domain.CommitStarted); err != nil {
		t.log.Error("could not persist commit decision, rolling back", zap.String("transaction_id", txID), zap.Error(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "commit decision not persisted")

		t.rollback(ctx, tx, "commit_failed")
		return &domain.Error{Code: domain.CodeCommitFailed, TransactionID: txID, Err: err}
	}

	// The decision is durable; delivery must not depend on the caller staying around.
	failed := t.deliver(context.WithoutCancel(ctx), txID, ActionCommit, names)
	t.completeOrRetry(tx, ActionCommit, failed)

	t.metrics.CommitLatency.Record(ctx, t.opts.Clock().Sub(start).Milliseconds())
	span.SetAttributes(attribute.Int("participants.pending", len(failed)))

	return nil
}

func (t *TPCCoordinator) RollbackTransaction(ctx context.Context, creds domain.Credentials, txID string) error {
	if err := t.checkCredentials(creds); err != nil {
		return err
	}

	tx, err := t.lockTransaction(ctx, txID, domain.CodeNoActiveTransaction)
	if err != nil {
		return err
	}
	defer tx.Unlock()

	if err = t.checkAccess(tx, creds.SessionToken); err != nil {
		return err
	}

	if !tx.Status().IsActive() {
		return &domain.Error{Code: domain.CodeNoActiveTransaction, TransactionID: txID}
	}

	t.rollback(context.WithoutCancel(ctx), tx, "caller")

	return nil
}

func (t *TPCCoordinator) checkCredentials(creds domain.Credentials) error {
	if creds.SessionToken == "" {
		return domain.ErrNoSessionToken
	}
	if !t.sessions.IsValid(creds.SessionToken) {
		return domain.ErrInvalidSessionToken
	}
	if creds.InteractiveSessionKey == "" {
		return domain.ErrNoInteractiveKey
	}
	if creds.InteractiveSessionKey != t.interactiveSessionKey {
		return domain.ErrInvalidInteractiveKey
	}
	return nil
}

func (t *TPCCoordinator) checkAccess(tx *Transaction, sessionToken string) error {
	if tx.SessionToken() == sessionToken || t.sessions.IsInstanceAdminOrSystem(sessionToken) {
		return nil
	}
	return &domain.Error{Code: domain.CodeAccessDenied, TransactionID: tx.ID()}
}

// lockTransaction waits for the transaction lock and makes sure the
// transaction was not finished while waiting.
func (t *TPCCoordinator) lockTransaction(ctx context.Context, txID string, missing domain.ErrorCode) (*Transaction, error) {
	tx := t.registry.Get(txID)
	if tx == nil {
		return nil, &domain.Error{Code: missing, TransactionID: txID}
	}

	if err := tx.Lock(ctx); err != nil {
		return nil, &domain.Error{Code: domain.CodeInternal, TransactionID: txID, Err: err}
	}

	if t.registry.Get(txID) != tx {
		tx.Unlock()
		return nil, &domain.Error{Code: missing, TransactionID: txID}
	}

	return tx, nil
}

// join begins the transaction at a participant and records the membership.
func (t *TPCCoordinator) join(ctx context.Context, tx *Transaction, p Participant) error {
	callCtx, cancel := context.WithTimeout(ctx, t.opts.ParticipantCallTimeout)
	defer cancel()

	if err := p.Begin(callCtx, tx.ID()); err != nil {
		return err
	}

	tx.addParticipant(p.Name())
	if err := t.store.Put(tx.Record()); err != nil {
		tx.removeParticipant(p.Name())

		rbCtx, rbCancel := context.WithTimeout(context.WithoutCancel(ctx), t.opts.ParticipantCallTimeout)
		defer rbCancel()
		if rbErr := p.Rollback(rbCtx, tx.ID()); rbErr != nil {
			t.log.Warn("could not undo begin at participant",
				zap.String("transaction_id", tx.ID()), zap.String("participant", p.Name()), zap.Error(rbErr))
		}

		return errors.Wrap(err, "could not persist participant membership")
	}

	t.log.Debug("participant joined", zap.String("transaction_id", tx.ID()), zap.String("participant", p.Name()))

	return nil
}

// rollback persists ROLLBACK_STARTED and rolls back every joined
// participant. Failed deliveries go to the retry driver. The caller holds the
// transaction lock.
func (t *TPCCoordinator) rollback(ctx context.Context, tx *Transaction, reason string) {
	if err := t.changeStatus(tx, domain.RollbackStarted); err != nil {
		// A stale BEGIN row on disk is rolled back by the reaper after a restart.
		t.log.Warn("could not persist rollback decision", zap.String("transaction_id", tx.ID()), zap.Error(err))
		tx.setStatus(domain.RollbackStarted)
	}

	failed := t.deliver(ctx, tx.ID(), ActionRollback, tx.Participants())
	t.completeOrRetry(tx, ActionRollback, failed)

	t.log.Info("transaction rolled back",
		zap.String("transaction_id", tx.ID()),
		zap.String("reason", reason),
		zap.Strings("pending", failed))
	t.metrics.TransactionsRolledBack.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// deliver sends the decision to each named participant once and returns the
// names that did not acknowledge it.
func (t *TPCCoordinator) deliver(ctx context.Context, txID string, action Action, names []string) []string {
	failed := make([]string, 0)

	for _, name := range names {
		p, ok := t.participants[name]
		if !ok {
			t.log.Error("transaction references unknown participant",
				zap.String("transaction_id", txID), zap.String("participant", name))
			continue
		}

		callCtx, cancel := context.WithTimeout(ctx, t.opts.ParticipantCallTimeout)
		var err error
		if action == ActionCommit {
			err = p.Commit(callCtx, txID)
		} else {
			err = p.Rollback(callCtx, txID)
		}
		cancel()

		if err != nil {
			t.log.Warn("delivery failed, will retry",
				zap.String("transaction_id", txID),
				zap.String("action", string(action)),
				zap.String("participant", name),
				zap.Error(err))
			failed = append(failed, name)
		}
	}

	return failed
}

func (t *TPCCoordinator) completeOrRetry(tx *Transaction, action Action, failed []string) {
	if len(failed) > 0 {
		t.retry.Schedule(tx.ID(), action, failed)
		return
	}

	if err := t.complete(tx, action); err != nil {
		t.log.Error("could not finish transaction", zap.String("transaction_id", tx.ID()), zap.Error(err))
		t.retry.Schedule(tx.ID(), action, nil)
	}
}

// complete applies the terminal status once every participant acknowledged
// the decision.
func (t *TPCCoordinator) complete(tx *Transaction, action Action) error {
	status := domain.RollbackFinished
	if action == ActionCommit {
		status = domain.CommitFinished
	}

	if err := t.changeStatus(tx, status); err != nil {
		return err
	}

	if action == ActionCommit {
		t.metrics.TransactionsCommitted.Add(t.ctx, 1)
		t.log.Info("transaction committed", zap.String("transaction_id", tx.ID()))
	}

	return nil
}

// changeStatus persists the new status. Terminal statuses delete the row and
// drop the transaction from the registry.
func (t *TPCCoordinator) changeStatus(tx *Transaction, status domain.Status) error {
	if status.IsTerminal() {
		if err := t.store.Delete(tx.ID()); err != nil {
			return errors.Wrapf(err, "could not delete transaction %s", tx.ID())
		}
		tx.setStatus(status)
		t.forget(tx)
		return nil
	}

	previous := tx.Status()
	tx.setStatus(status)

	if err := t.store.Put(tx.Record()); err != nil {
		tx.setStatus(previous)
		return errors.Wrapf(err, "could not persist status %s of transaction %s", status, tx.ID())
	}

	return nil
}

func (t *TPCCoordinator) forget(tx *Transaction) {
	if t.registry.Remove(tx.ID()) {
		t.metrics.ActiveTransactions.Add(t.ctx, -1)
	}
}

func (t *TPCCoordinator) participant(name string) (Participant, bool) {
	p, ok := t.participants[name]
	return p, ok
}

func (t *TPCCoordinator) transaction(txID string) *Transaction {
	return t.registry.Get(txID)
}

func (t *TPCCoordinator) callTimeout() time.Duration {
	return t.opts.ParticipantCallTimeout
}
