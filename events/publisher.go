/*
Package events delivers structure activation events to downstream systems.

PURPOSE:
  The lifecycle manager emits a payroll.StructureActivated after every
  successful activation. Consumers (employee record sync, accounting) react
  to it. Delivery is best-effort from the manager's point of view: a failed
  publish is logged and never rolls back the activation.

PUBLISHERS:
  LogPublisher:   Writes events to a slog.Logger (development default)
  RedisPublisher: Appends events to a Redis stream (XADD)
  Async:          Queues events and delivers them from a background worker
                  so activation never waits on a slow sink

IDEMPOTENCY:
  Every event carries EventID = payroll.ActivationEventID(tenant, structure,
  version). Retries and redeliveries reuse it; consumers drop duplicates.

USAGE:
  sink := events.NewRedisPublisher(client, "payroll:activations", logger)
  async := events.NewAsync(sink, logger)
  async.Start()
  defer async.Stop()
  manager := payroll.NewManager(store, engine, payroll.WithPublisher(async))

SEE ALSO:
  - payroll/store.go: Publisher interface and event type
*/
package events

import (
	"context"
	"log/slog"

	"github.com/warp/payroll-engine/metrics"
	"github.com/warp/payroll-engine/payroll"
)

// LogPublisher logs activation events.
type LogPublisher struct {
	logger *slog.Logger
}

// NewLogPublisher returns a publisher that writes to logger.
func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogPublisher{logger: logger}
}

// PublishStructureActivated implements payroll.Publisher.
func (p *LogPublisher) PublishStructureActivated(ctx context.Context, ev payroll.StructureActivated) error {
	p.logger.InfoContext(ctx, "structure activated event",
		slog.String("event_id", ev.EventID),
		slog.String("tenant", ev.TenantID),
		slog.String("structure", ev.StructureID),
		slog.String("supersedes", ev.SupersedesID),
		slog.Int("version", ev.Version),
		slog.Any("roles", ev.Scope.Roles),
		slog.Any("departments", ev.Scope.Departments),
		slog.Any("contract_types", ev.Scope.ContractTypes),
	)
	metrics.ObserveEventPublish("log", "success")
	return nil
}
