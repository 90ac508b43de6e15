package telemetry

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Instruments holds the counters shared by the routing engine's components.
// Zero-valued fields are never dereferenced: NewInstruments fills every
// field with a no-op instrument when creation fails.
type Instruments struct {
	DispatchRequests   metric.Int64Counter
	DispatchBytes      metric.Int64Counter
	BodiesTruncated    metric.Int64Counter
	RetriesQueued      metric.Int64Counter
	RetryTasksCreated  metric.Int64Counter
	RerunsDispatched   metric.Int64Counter
	RerunsFailed       metric.Int64Counter
	BlobsCulled        metric.Int64Counter
	TransactionsCulled metric.Int64Counter
}

// NewInstruments registers the engine's counters against the global meter.
func NewInstruments() *Instruments {
	m := Meter("github.com/meridian-hie/conduit")
	counter := func(name, desc string) metric.Int64Counter {
		c, err := m.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			c, _ = noopMeter.Int64Counter(name)
		}
		return c
	}
	return &Instruments{
		DispatchRequests:   counter("conduit.dispatch.requests", "Outbound requests dispatched"),
		DispatchBytes:      counter("conduit.dispatch.response_bytes", "Response bytes received from upstream"),
		BodiesTruncated:    counter("conduit.bodyguard.truncated", "Bodies truncated by the size guard"),
		RetriesQueued:      counter("conduit.autoretry.queued", "Transactions queued for auto-retry"),
		RetryTasksCreated:  counter("conduit.autoretry.tasks", "Auto-retry tasks created by the sweeper"),
		RerunsDispatched:   counter("conduit.rerun.dispatched", "Rerun entries dispatched"),
		RerunsFailed:       counter("conduit.rerun.failed", "Rerun entries that ended in Failed"),
		BlobsCulled:        counter("conduit.culling.blobs", "Blobs deleted by body culling"),
		TransactionsCulled: counter("conduit.culling.transactions", "Transactions whose bodies were culled"),
	}
}

var noopMeter = noop.NewMeterProvider().Meter("noop")
