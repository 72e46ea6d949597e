package telemetry

import (
	"go.opentelemetry.io/otel/metric"
)

// CoordinatorMetrics holds the instruments recorded by the coordinator and
// its background tasks.
type CoordinatorMetrics struct {
	TransactionsBegun      metric.Int64Counter
	TransactionsCommitted  metric.Int64Counter
	TransactionsRolledBack metric.Int64Counter
	ActiveTransactions     metric.Int64UpDownCounter
	RetryAttempts          metric.Int64Counter
	CommitLatency          metric.Int64Histogram
}

func NewCoordinatorMetrics(meter metric.Meter) (*CoordinatorMetrics, error) {
	begun, err := meter.Int64Counter(
		"txncoord.transactions.begun_total",
		metric.WithDescription("Total number of transactions begun."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	committed, err := meter.Int64Counter(
		"txncoord.transactions.committed_total",
		metric.WithDescription("Total number of transactions that reached COMMIT_FINISHED."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	rolledBack, err := meter.Int64Counter(
		"txncoord.transactions.rolled_back_total",
		metric.WithDescription("Total number of transactions whose rollback was decided, by reason."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	active, err := meter.Int64UpDownCounter(
		"txncoord.transactions.active",
		metric.WithDescription("Number of non-terminal transactions held by the registry."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	retries, err := meter.Int64Counter(
		"txncoord.retry.attempts_total",
		metric.WithDescription("Total number of background commit/rollback delivery attempts."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	latency, err := meter.Int64Histogram(
		"txncoord.commit.duration",
		metric.WithDescription("Latency of caller commit requests."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	return &CoordinatorMetrics{
		TransactionsBegun:      begun,
		TransactionsCommitted:  committed,
		TransactionsRolledBack: rolledBack,
		ActiveTransactions:     active,
		RetryAttempts:          retries,
		CommitLatency:          latency,
	}, nil
}
