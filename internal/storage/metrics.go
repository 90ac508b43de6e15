package storage

import (
	"context"

	"go.opentelemetry.io/otel/metric"

	"github.com/meridian-hie/conduit/internal/telemetry"
)

// RegisterPoolMetrics exports connection pool statistics as observable
// gauges. Call it after telemetry.Init so the real meter provider is used.
func (db *DB) RegisterPoolMetrics() {
	meter := telemetry.Meter("github.com/meridian-hie/conduit/internal/storage")

	gauge := func(name, desc string, read func() int64) {
		_, err := meter.Int64ObservableGauge(name,
			metric.WithDescription(desc),
			metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
				o.Observe(read())
				return nil
			}),
		)
		if err != nil {
			db.logger.Warn("storage: register pool metric", "metric", name, "error", err)
		}
	}

	gauge("conduit.db.pool.total_conns", "Connections currently in the pool",
		func() int64 { return int64(db.pool.Stat().TotalConns()) })
	gauge("conduit.db.pool.acquired_conns", "Connections currently checked out",
		func() int64 { return int64(db.pool.Stat().AcquiredConns()) })
	gauge("conduit.db.pool.idle_conns", "Idle connections in the pool",
		func() int64 { return int64(db.pool.Stat().IdleConns()) })
	gauge("conduit.db.pool.max_conns", "Configured pool size limit",
		func() int64 { return int64(db.pool.Stat().MaxConns()) })
	gauge("conduit.db.pool.empty_acquires", "Acquires that had to wait for a connection",
		func() int64 { return db.pool.Stat().EmptyAcquireCount() })
}
