package credential

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

type metrics struct {
	leases      metric.Int64Counter
	releases    metric.Int64Counter
	quarantines metric.Int64Counter
	revocations metric.Int64Counter
	acquireWait metric.Float64Histogram
}

// initMetrics registers instruments on meter. Instruments that fail to
// register stay nil and are skipped.
func initMetrics(meter metric.Meter, c *Coordinator) *metrics {
	m := &metrics{}
	var err error
	warn := func(name string, err error) {
		c.logger.Warn(context.Background(), "failed to create instrument", zap.String("instrument", name), zap.Error(err))
	}

	if m.leases, err = meter.Int64Counter(
		"batchd.credential.leases",
		metric.WithDescription("Credentials leased to workers"),
		metric.WithUnit("{lease}"),
	); err != nil {
		warn("leases", err)
	}
	if m.releases, err = meter.Int64Counter(
		"batchd.credential.releases",
		metric.WithDescription("Leases released, by outcome"),
		metric.WithUnit("{release}"),
	); err != nil {
		warn("releases", err)
	}
	if m.quarantines, err = meter.Int64Counter(
		"batchd.credential.quarantines",
		metric.WithDescription("Credentials quarantined, by reason"),
		metric.WithUnit("{quarantine}"),
	); err != nil {
		warn("quarantines", err)
	}
	if m.revocations, err = meter.Int64Counter(
		"batchd.credential.revocations",
		metric.WithDescription("Credentials revoked after hard failures"),
		metric.WithUnit("{revocation}"),
	); err != nil {
		warn("revocations", err)
	}
	if m.acquireWait, err = meter.Float64Histogram(
		"batchd.credential.acquire_wait",
		metric.WithDescription("Time spent waiting in Acquire"),
		metric.WithUnit("s"),
	); err != nil {
		warn("acquire_wait", err)
	}

	if _, err = meter.Int64ObservableGauge(
		"batchd.credential.pool",
		metric.WithDescription("Credentials per status"),
		metric.WithUnit("{credential}"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			counts := c.pool.Counts()
			for s := StatusAvailable; s <= StatusRevoked; s++ {
				o.Observe(int64(counts[s]), metric.WithAttributes(attribute.String("status", s.String())))
			}
			return nil
		}),
	); err != nil {
		warn("pool", err)
	}

	return m
}

func (m *metrics) leased(ctx context.Context, waitSeconds float64, result string) {
	if m.leases != nil && result == "leased" {
		m.leases.Add(ctx, 1)
	}
	if m.acquireWait != nil {
		m.acquireWait.Record(ctx, waitSeconds, metric.WithAttributes(attribute.String("result", result)))
	}
}

func (m *metrics) released(ctx context.Context, outcome Outcome) {
	if m.releases != nil {
		m.releases.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome.String())))
	}
	switch outcome {
	case OutcomeRateLimited, OutcomeTransientExhausted:
		if m.quarantines != nil {
			m.quarantines.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reasonFor(outcome).String())))
		}
	case OutcomeHardFailure:
		if m.revocations != nil {
			m.revocations.Add(ctx, 1)
		}
	}
}
