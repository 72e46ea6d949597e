package service

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Action is the second phase decision being delivered to participants.
type Action string

const (
	ActionCommit   Action = "commit"
	ActionRollback Action = "rollback"
)

type retryTarget interface {
	participant(name string) (Participant, bool)
	transaction(txID string) *Transaction
	complete(tx *Transaction, action Action) error
}

type retryJob struct {
	txID      string
	action    Action
	remaining map[string]struct{}
}

// RetryDriver keeps redelivering a commit or rollback decision to the
// participants that have not acknowledged it. It never gives up: delays grow
// exponentially up to a cap and all jobs share one rate limiter.
type RetryDriver struct {
	target      retryTarget
	backoff     Backoff
	limiter     *rate.Limiter
	callTimeout time.Duration
	log         *zap.Logger
	attempts    metric.Int64Counter

	ctx  context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	mu   sync.Mutex
	jobs map[string]*retryJob
}

func newRetryDriver(target retryTarget, opts *Options, attempts metric.Int64Counter) *RetryDriver {
	ctx, cancel := context.WithCancel(context.Background())

	burst := int(opts.RetryRatePerSecond)
	if burst < 1 {
		burst = 1
	}

	return &RetryDriver{
		target:      target,
		backoff:     opts.RetryBackoff,
		limiter:     rate.NewLimiter(rate.Limit(opts.RetryRatePerSecond), burst),
		callTimeout: opts.ParticipantCallTimeout,
		log:         opts.Logger.Named("retry"),
		attempts:    attempts,
		ctx:         ctx,
		stop:        cancel,
		jobs:        make(map[string]*retryJob),
	}
}

// Schedule registers participants that still owe an acknowledgement. A
// second call for a pending transaction merges the participant sets. An
// empty set only retries the terminal status change.
func (d *RetryDriver) Schedule(txID string, action Action, participants []string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if job, ok := d.jobs[txID]; ok {
		if job.action != action {
			d.log.Warn("ignoring conflicting retry action",
				zap.String("transaction_id", txID),
				zap.String("pending", string(job.action)),
				zap.String("requested", string(action)))
			return
		}
		for _, p := range participants {
			job.remaining[p] = struct{}{}
		}
		return
	}

	if d.ctx.Err() != nil {
		return
	}

	job := &retryJob{txID: txID, action: action, remaining: make(map[string]struct{})}
	for _, p := range participants {
		job.remaining[p] = struct{}{}
	}
	d.jobs[txID] = job

	d.log.Info("scheduled retry",
		zap.String("transaction_id", txID),
		zap.String("action", string(action)),
		zap.Strings("participants", participants))

	d.wg.Add(1)
	go d.run(job)
}

// Pending reports whether a retry job exists for the transaction.
func (d *RetryDriver) Pending(txID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.jobs[txID]
	return ok
}

// Stop cancels every job and waits for the workers to exit. Pending work is
// picked up again by recovery after a restart.
func (d *RetryDriver) Stop() {
	d.stop()
	d.wg.Wait()
}

func (d *RetryDriver) run(job *retryJob) {
	defer d.wg.Done()

	delay := d.backoff.Initial
	timer := time.NewTimer(delay)
	defer timer.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-timer.C:
		}

		if err := d.limiter.Wait(d.ctx); err != nil {
			return
		}

		if d.attempt(job) {
			return
		}

		delay = d.backoff.next(delay)
		timer.Reset(delay)
	}
}

func (d *RetryDriver) remaining(job *retryJob) []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	names := make([]string, 0, len(job.remaining))
	for name := range job.remaining {
		names = append(names, name)
	}
	return names
}

func (d *RetryDriver) acknowledged(job *retryJob, name string) {
	d.mu.Lock()
	delete(job.remaining, name)
	d.mu.Unlock()
}

// attempt returns true once the job is finished.
func (d *RetryDriver) attempt(job *retryJob) bool {
	tx := d.target.transaction(job.txID)
	if tx == nil {
		d.mu.Lock()
		delete(d.jobs, job.txID)
		d.mu.Unlock()
		return true
	}

	if !tx.TryLock() {
		return false
	}
	defer tx.Unlock()

	for _, name := range d.remaining(job) {
		p, ok := d.target.participant(name)
		if !ok {
			d.log.Error("dropping unknown participant from retry",
				zap.String("transaction_id", job.txID), zap.String("participant", name))
			d.acknowledged(job, name)
			continue
		}

		d.attempts.Add(d.ctx, 1, metric.WithAttributes(
			attribute.String("action", string(job.action)),
			attribute.String("participant", name)))

		ctx, cancel := context.WithTimeout(d.ctx, d.callTimeout)
		var err error
		if job.action == ActionCommit {
			err = p.Commit(ctx, job.txID)
		} else {
			err = p.Rollback(ctx, job.txID)
		}
		cancel()

		if err != nil {
			d.log.Warn("retry delivery failed",
				zap.String("transaction_id", job.txID),
				zap.String("action", string(job.action)),
				zap.String("participant", name),
				zap.Error(err))
			continue
		}

		d.acknowledged(job, name)
	}

	d.mu.Lock()
	if len(job.remaining) > 0 {
		d.mu.Unlock()
		return false
	}
	delete(d.jobs, job.txID)
	d.mu.Unlock()

	if err := d.target.complete(tx, job.action); err != nil {
		d.log.Error("could not finish transaction after retry",
			zap.String("transaction_id", job.txID), zap.Error(err))
		d.Schedule(job.txID, job.action, nil)
		return true
	}

	d.log.Info("retry finished transaction",
		zap.String("transaction_id", job.txID), zap.String("action", string(job.action)))

	return true
}
