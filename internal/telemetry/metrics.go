package telemetry

import "go.opentelemetry.io/otel/metric"

// Metrics holds the instrument set the dispatcher, residency manager, and
// catalog downloader publish to.
type Metrics struct {
	ActivationDuration metric.Float64Histogram
	DispatchDuration   metric.Float64Histogram
	ModelSwitches      metric.Int64Counter
	StreamTokens       metric.Int64Counter
	DownloadBytes       metric.Int64Counter
	ReapedJobs          metric.Int64Counter
	DroppedEvents       metric.Int64Counter
}

// NewMetrics creates every instrument from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.ActivationDuration, err = meter.Float64Histogram("jobqueue.residency.activation.duration",
		metric.WithDescription("Model activation (load) duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.DispatchDuration, err = meter.Float64Histogram("jobqueue.dispatch.duration",
		metric.WithDescription("Job dispatch-to-terminal duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ModelSwitches, err = meter.Int64Counter("jobqueue.residency.switches",
		metric.WithDescription("Number of model residency switches"),
	)
	if err != nil {
		return nil, err
	}

	m.StreamTokens, err = meter.Int64Counter("jobqueue.stream.tokens",
		metric.WithDescription("Total streaming response tokens delivered"),
	)
	if err != nil {
		return nil, err
	}

	m.DownloadBytes, err = meter.Int64Counter("jobqueue.catalog.download.bytes",
		metric.WithDescription("Bytes downloaded by the model installer"),
	)
	if err != nil {
		return nil, err
	}

	m.ReapedJobs, err = meter.Int64Counter("jobqueue.reaper.jobs",
		metric.WithDescription("Jobs transitioned to error by the stale-job reaper"),
	)
	if err != nil {
		return nil, err
	}

	m.DroppedEvents, err = meter.Int64Counter("jobqueue.bus.dropped",
		metric.WithDescription("Events dropped by the best-effort observability bus"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
