package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all seldond metrics instruments.
type Metrics struct {
	RequestDuration  metric.Float64Histogram
	TaskDuration     metric.Float64Histogram
	ClaimContention  metric.Int64Counter
	RoutingScore     metric.Float64Histogram
	RoutingFallbacks metric.Int64Counter
	WorkflowSteps    metric.Int64Counter
	CriticVetoes     metric.Int64Counter
	NoiseSuppressed  metric.Int64Counter
	RateLimitRejects metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("seldon.request.duration",
		metric.WithDescription("Gateway request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskDuration, err = meter.Float64Histogram("seldon.task.duration",
		metric.WithDescription("Task processing duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ClaimContention, err = meter.Int64Counter("seldon.task.claim_contention",
		metric.WithDescription("Claim attempts that lost the race to another worker"),
	)
	if err != nil {
		return nil, err
	}

	m.RoutingScore, err = meter.Float64Histogram("seldon.routing.score",
		metric.WithDescription("Final score of the winning routing candidate"),
	)
	if err != nil {
		return nil, err
	}

	m.RoutingFallbacks, err = meter.Int64Counter("seldon.routing.fallbacks",
		metric.WithDescription("Messages routed to the fallback agent"),
	)
	if err != nil {
		return nil, err
	}

	m.WorkflowSteps, err = meter.Int64Counter("seldon.workflow.steps",
		metric.WithDescription("Workflow steps started"),
	)
	if err != nil {
		return nil, err
	}

	m.CriticVetoes, err = meter.Int64Counter("seldon.critic.vetoes",
		metric.WithDescription("Critic layer vetoes issued"),
	)
	if err != nil {
		return nil, err
	}

	m.NoiseSuppressed, err = meter.Int64Counter("seldon.noise.suppressed",
		metric.WithDescription("Agent notifications suppressed by the noise budget"),
	)
	if err != nil {
		return nil, err
	}

	m.RateLimitRejects, err = meter.Int64Counter("seldon.ratelimit.rejects",
		metric.WithDescription("Requests rejected by rate limiter"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
