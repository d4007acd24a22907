package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all Flotilla metrics instruments.
type Metrics struct {
	RequestDuration  metric.Float64Histogram
	NodesConnected   metric.Int64UpDownCounter
	HeartbeatsTotal  metric.Int64Counter
	TasksSubmitted   metric.Int64Counter
	TaskDuration     metric.Float64Histogram
	EventsAppended   metric.Int64Counter
	SchedulerFires   metric.Int64Counter
	SchedulerSkips   metric.Int64Counter
	WebhookRejects   metric.Int64Counter
	RateLimitRejects metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("flotilla.request.duration",
		metric.WithDescription("Hub API request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.NodesConnected, err = meter.Int64UpDownCounter("flotilla.nodes.connected",
		metric.WithDescription("Number of currently connected nodes"),
	)
	if err != nil {
		return nil, err
	}

	m.HeartbeatsTotal, err = meter.Int64Counter("flotilla.heartbeats",
		metric.WithDescription("Total heartbeats received from nodes"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksSubmitted, err = meter.Int64Counter("flotilla.tasks.submitted",
		metric.WithDescription("Total tasks submitted for dispatch"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskDuration, err = meter.Float64Histogram("flotilla.task.duration",
		metric.WithDescription("Task duration from creation to terminal state in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.EventsAppended, err = meter.Int64Counter("flotilla.events.appended",
		metric.WithDescription("Total events appended to the activity stream"),
	)
	if err != nil {
		return nil, err
	}

	m.SchedulerFires, err = meter.Int64Counter("flotilla.scheduler.fires",
		metric.WithDescription("Total scheduled job fires"),
	)
	if err != nil {
		return nil, err
	}

	m.SchedulerSkips, err = meter.Int64Counter("flotilla.scheduler.skips",
		metric.WithDescription("Job fires skipped because the previous run was still live"),
	)
	if err != nil {
		return nil, err
	}

	m.WebhookRejects, err = meter.Int64Counter("flotilla.webhook.rejects",
		metric.WithDescription("Channel webhook deliveries rejected at verification"),
	)
	if err != nil {
		return nil, err
	}

	m.RateLimitRejects, err = meter.Int64Counter("flotilla.ratelimit.rejects",
		metric.WithDescription("Requests rejected by rate limiter"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
