package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the controller's metric instruments.
type Metrics struct {
	VerificationDuration metric.Float64Histogram
	VerificationsTotal   metric.Int64Counter
	SessionsInUse        metric.Int64UpDownCounter
	SessionsLeased       metric.Int64Counter
	SessionsDestroyed    metric.Int64Counter
	LeaseWaitDuration    metric.Float64Histogram
	CommandsDenied       metric.Int64Counter
	HygieneRejects       metric.Int64Counter
	EscapesDetected      metric.Int64Counter
	OutcomesRecorded     metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.VerificationDuration, err = meter.Float64Histogram("rfsn.verification.duration",
		metric.WithDescription("Apply+test+rollback duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.VerificationsTotal, err = meter.Int64Counter("rfsn.verification.total",
		metric.WithDescription("Verifications finished, by outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.SessionsInUse, err = meter.Int64UpDownCounter("rfsn.sessions.in_use",
		metric.WithDescription("Sandbox sessions currently leased"),
	)
	if err != nil {
		return nil, err
	}

	m.SessionsLeased, err = meter.Int64Counter("rfsn.sessions.leased",
		metric.WithDescription("Session leases handed out"),
	)
	if err != nil {
		return nil, err
	}

	m.SessionsDestroyed, err = meter.Int64Counter("rfsn.sessions.destroyed",
		metric.WithDescription("Sandbox sessions torn down before reuse"),
	)
	if err != nil {
		return nil, err
	}

	m.LeaseWaitDuration, err = meter.Float64Histogram("rfsn.pool.lease_wait",
		metric.WithDescription("Time spent waiting for a session lease in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.CommandsDenied, err = meter.Int64Counter("rfsn.commands.denied",
		metric.WithDescription("Commands rejected by the allowlist"),
	)
	if err != nil {
		return nil, err
	}

	m.HygieneRejects, err = meter.Int64Counter("rfsn.hygiene.rejects",
		metric.WithDescription("Patches rejected before apply"),
	)
	if err != nil {
		return nil, err
	}

	m.EscapesDetected, err = meter.Int64Counter("rfsn.sandbox.escapes",
		metric.WithDescription("Sandbox boundary breaches detected"),
	)
	if err != nil {
		return nil, err
	}

	m.OutcomesRecorded, err = meter.Int64Counter("rfsn.learning.outcomes",
		metric.WithDescription("Outcome rows appended to the learning store"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
