package service

import (
	"time"

	"github.com/Nystya/txn-coordinator/telemetry"
	"go.uber.org/zap"
)

// Backoff describes the capped exponential delay between retry attempts.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

func (b Backoff) next(cur time.Duration) time.Duration {
	next := time.Duration(float64(cur) * b.Multiplier)
	if next > b.Max || next <= 0 {
		return b.Max
	}
	return next
}

type Options struct {
	// inactivity after which a BEGIN_* transaction is rolled back
	TransactionTimeout    time.Duration
	TransactionCountLimit int

	RecoveryInterval       time.Duration
	ReaperInterval         time.Duration
	ParticipantCallTimeout time.Duration

	RetryBackoff       Backoff
	RetryRatePerSecond float64

	Logger    *zap.Logger
	Telemetry *telemetry.Telemetry
	Clock     func() time.Time
}

type Option func(*Options)

func WithTransactionTimeout(timeout time.Duration) Option {
	return func(options *Options) {
		options.TransactionTimeout = timeout
	}
}

func WithTransactionCountLimit(limit int) Option {
	return func(options *Options) {
		options.TransactionCountLimit = limit
	}
}

func WithRecoveryInterval(interval time.Duration) Option {
	return func(options *Options) {
		options.RecoveryInterval = interval
	}
}

func WithReaperInterval(interval time.Duration) Option {
	return func(options *Options) {
		options.ReaperInterval = interval
	}
}

func WithParticipantCallTimeout(timeout time.Duration) Option {
	return func(options *Options) {
		options.ParticipantCallTimeout = timeout
	}
}

func WithRetryBackoff(backoff Backoff) Option {
	return func(options *Options) {
		options.RetryBackoff = backoff
	}
}

func WithRetryRate(perSecond float64) Option {
	return func(options *Options) {
		options.RetryRatePerSecond = perSecond
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(options *Options) {
		options.Logger = logger
	}
}

func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(options *Options) {
		options.Telemetry = tel
	}
}

func WithClock(clock func() time.Time) Option {
	return func(options *Options) {
		options.Clock = clock
	}
}

// Normalize parameters
func repair(o *Options) {
	if o.TransactionTimeout <= 0 {
		o.TransactionTimeout = time.Hour
	}
	if o.TransactionCountLimit <= 0 {
		o.TransactionCountLimit = 10
	}
	if o.RecoveryInterval <= 0 {
		o.RecoveryInterval = time.Minute
	}
	if o.ReaperInterval <= 0 {
		o.ReaperInterval = 10 * time.Second
	}
	if o.ParticipantCallTimeout <= 0 {
		o.ParticipantCallTimeout = 30 * time.Second
	}
	if o.RetryBackoff.Initial <= 0 {
		o.RetryBackoff.Initial = 500 * time.Millisecond
	}
	if o.RetryBackoff.Max < o.RetryBackoff.Initial {
		o.RetryBackoff.Max = 30 * time.Second
		if o.RetryBackoff.Max < o.RetryBackoff.Initial {
			o.RetryBackoff.Max = o.RetryBackoff.Initial
		}
	}
	if o.RetryBackoff.Multiplier < 1 {
		o.RetryBackoff.Multiplier = 2
	}
	if o.RetryRatePerSecond <= 0 {
		o.RetryRatePerSecond = 20
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Telemetry == nil {
		o.Telemetry = telemetry.Noop()
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
}
