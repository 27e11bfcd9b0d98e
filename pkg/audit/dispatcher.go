package audit

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/entitle/pkg/async"
	"github.com/platinummonkey/entitle/pkg/auth"
	"github.com/platinummonkey/entitle/pkg/observability"
)

// Dispatcher delivers audit events in the background. Emit never blocks on
// the sink and never reports a failure to the caller: a failed or dropped
// event is logged and counted, and the triggering mutation stands.
type Dispatcher struct {
	sink    Logger
	group   *async.Group
	logger  *observability.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// DispatcherConfig configures a Dispatcher
type DispatcherConfig struct {
	Timeout     time.Duration
	MaxInFlight int
}

// NewDispatcher creates a dispatcher writing to sink. metrics may be nil.
func NewDispatcher(sink Logger, cfg DispatcherConfig, logger *observability.Logger, metrics *observability.Metrics) *Dispatcher {
	if sink == nil {
		sink = NoOpLogger{}
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 1024
	}
	return &Dispatcher{
		sink:    sink,
		group:   async.NewGroup(logger, cfg.Timeout, cfg.MaxInFlight),
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
	}
}

// Emit stamps event with the principal, request metadata, an id and a
// timestamp, then hands it to the sink asynchronously.
func (d *Dispatcher) Emit(ctx context.Context, p auth.Principal, event Event) {
	if d == nil {
		return
	}
	event.ID = uuid.NewString()
	if event.Timestamp.IsZero() {
		event.Timestamp = d.now().UTC()
	}
	event.ActorUserID = p.Actor.UserID
	event.ActorRole = p.Actor.RoleID
	if p.IsOperator() {
		event.ActorRole = auth.OperatorRoleID
	}
	info := RequestInfoFrom(ctx)
	event.IP = info.IP
	event.UserAgent = info.UserAgent

	ev := event
	started := d.group.Go(ctx, "audit:"+string(ev.Action), func(ctx context.Context) error {
		if err := d.sink.Log(ctx, &ev); err != nil {
			d.metrics.AuditEvent("failed")
			d.logger.WithError(err).WithFields(map[string]interface{}{
				"entity_type": string(ev.EntityType),
				"entity_id":   ev.EntityID,
				"action":      string(ev.Action),
			}).Error("Audit event delivery failed")
			return nil
		}
		d.metrics.AuditEvent("delivered")
		return nil
	})
	if !started {
		d.metrics.AuditEvent("dropped")
	}
}

// Flush waits up to timeout for in-flight events
func (d *Dispatcher) Flush(timeout time.Duration) bool {
	return d.group.Wait(timeout)
}

// Close stops accepting events, drains in-flight ones and closes the sink
func (d *Dispatcher) Close(timeout time.Duration) error {
	if !d.group.Close(timeout) {
		d.logger.Warn("Audit dispatcher closed with events still in flight")
	}
	return d.sink.Close()
}
