// Package service contains the dispatch engine and the services around it.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	telemetry "github.com/Strob0t/synchub/internal/adapter/otel"
	"github.com/Strob0t/synchub/internal/config"
	"github.com/Strob0t/synchub/internal/domain"
	"github.com/Strob0t/synchub/internal/domain/event"
	"github.com/Strob0t/synchub/internal/domain/notification"
	"github.com/Strob0t/synchub/internal/port/broadcast"
	"github.com/Strob0t/synchub/internal/port/eventlog"
)

// EventBridge carries locally published events to other processes and
// feeds theirs back in.
type EventBridge interface {
	Publish(ctx context.Context, ev *event.SyncEvent) error
	Listen(ctx context.Context) (stop func(), err error)
}

// Deliverer forwards notifications to channels outside the socket path.
// Deliver must not block.
type Deliverer interface {
	Deliver(n notification.Notification)
}

// Statistics is the monitoring view of one engine.
type Statistics struct {
	Connections  broadcast.Stats `json:"connections"`
	EventLogSize int64           `json:"event_log_size"`
	QueueSize    int             `json:"queue_size"`
	IsRunning    bool            `json:"is_running"`
	NodeID       string          `json:"node_id"`
	Config       config.Sync     `json:"config"`
}

// Engine accepts SyncEvents, turns them into notifications on the
// immediate or batch path and hands those to the connection registry.
// Both workers read the same buffered queue; whichever dequeues an event
// first handles it.
type Engine struct {
	cfg          config.Sync
	nodeID       string
	conns        broadcast.Broadcaster
	log          eventlog.Log
	highPriority map[string]bool
	queue        chan event.SyncEvent

	bridge   EventBridge
	delivery Deliverer
	metrics  *telemetry.Metrics

	mu         sync.Mutex
	running    bool
	cancel     context.CancelFunc
	stopBridge func()
	group      *errgroup.Group
}

// NewEngine creates a stopped engine.
func NewEngine(cfg config.Sync, nodeID string, conns broadcast.Broadcaster, log eventlog.Log) *Engine {
	size := cfg.QueueSize
	if size < 1 {
		size = 1
	}
	hp := make(map[string]bool, len(cfg.HighPriorityEntities))
	for _, e := range cfg.HighPriorityEntities {
		hp[e] = true
	}
	return &Engine{
		cfg:          cfg,
		nodeID:       nodeID,
		conns:        conns,
		log:          log,
		highPriority: hp,
		queue:        make(chan event.SyncEvent, size),
	}
}

// SetBridge attaches the cross-process bridge. Must be called before Start.
func (e *Engine) SetBridge(b EventBridge) { e.bridge = b }

// SetDelivery attaches external notification delivery.
func (e *Engine) SetDelivery(d Deliverer) { e.delivery = d }

// SetMetrics attaches metric instruments.
func (e *Engine) SetMetrics(m *telemetry.Metrics) { e.metrics = m }

// NodeID returns the identity this engine stamps on its events.
func (e *Engine) NodeID() string { return e.nodeID }

// Start subscribes to the bridge and launches the enabled workers. A bridge
// that cannot be subscribed keeps the engine stopped.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	if e.bridge != nil {
		stop, err := e.bridge.Listen(runCtx)
		if err != nil {
			cancel()
			return fmt.Errorf("%w: %v", domain.ErrBridgeUnavailable, err)
		}
		e.stopBridge = stop
	}

	g, gctx := errgroup.WithContext(runCtx)
	if e.cfg.RealtimeEnabled {
		g.Go(func() error { e.runImmediate(gctx); return nil })
	}
	if e.cfg.BatchEnabled {
		g.Go(func() error { e.runBatch(gctx); return nil })
	}
	if !e.cfg.RealtimeEnabled && !e.cfg.BatchEnabled {
		slog.Warn("engine started with both delivery paths disabled; events are logged and bridged only")
		g.Go(func() error { e.discard(gctx); return nil })
	}

	e.group = g
	e.cancel = cancel
	e.running = true
	slog.Info("engine started",
		"node_id", e.nodeID,
		"realtime", e.cfg.RealtimeEnabled,
		"batch", e.cfg.BatchEnabled,
		"queue_size", cap(e.queue),
	)
	return nil
}

// Stop flips the running flag, cancels the workers and waits for them to
// finish their current unit of work.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	e.cancel()
	if e.stopBridge != nil {
		e.stopBridge()
		e.stopBridge = nil
	}
	g := e.group
	e.mu.Unlock()

	_ = g.Wait()
	slog.Info("engine stopped", "node_id", e.nodeID, "queued", len(e.queue))
}

// IsRunning reports whether Start succeeded and Stop has not been called.
func (e *Engine) IsRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Publish stamps ev with the local node, queues it for delivery, appends
// it to the audit log and sends it to the bridge. Only a full queue or a
// stopped engine is reported; log and bridge failures are logged.
func (e *Engine) Publish(ctx context.Context, ev event.SyncEvent) error {
	_, err := e.Submit(ctx, ev)
	return err
}

// Submit is Publish returning the event as accepted, stamped with this
// process's node id.
func (e *Engine) Submit(ctx context.Context, ev event.SyncEvent) (event.SyncEvent, error) {
	if err := ev.Validate(); err != nil {
		return event.SyncEvent{}, err
	}
	if !e.IsRunning() {
		return event.SyncEvent{}, domain.ErrNotRunning
	}
	ev = ev.WithNode(e.nodeID)

	ctx, span := telemetry.StartEventSpan(ctx, "publish", ev.ID, ev.Entity, string(ev.Kind))
	defer span.End()

	if err := e.enqueue(ctx, ev); err != nil {
		return event.SyncEvent{}, err
	}
	if e.metrics != nil {
		e.metrics.EventsPublished.Add(ctx, 1, metric.WithAttributes(
			attribute.String("kind", string(ev.Kind)),
		))
	}

	if e.log != nil {
		if err := e.log.Append(ctx, &ev); err != nil {
			slog.Warn("event log append failed", "event_id", ev.ID, "error", err)
		}
	}
	if e.bridge != nil {
		if err := e.bridge.Publish(ctx, &ev); err != nil {
			slog.Warn("bridge publish failed", "event_id", ev.ID, "error", err)
		}
	}
	return ev, nil
}

// Ingest queues an event that arrived from another process. It is not
// logged or bridged again.
func (e *Engine) Ingest(ctx context.Context, ev event.SyncEvent) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	return e.enqueue(ctx, ev)
}

func (e *Engine) enqueue(ctx context.Context, ev event.SyncEvent) error {
	select {
	case e.queue <- ev:
		return nil
	default:
		if e.metrics != nil {
			e.metrics.EventsRejected.Add(ctx, 1)
		}
		slog.Error("ingestion queue full, event rejected", "event_id", ev.ID, "table", ev.Entity)
		return fmt.Errorf("%w: capacity %d", domain.ErrQueueFull, cap(e.queue))
	}
}

// runImmediate handles one event at a time. The bounded wait lets the
// loop observe cancellation even when the queue is idle.
func (e *Engine) runImmediate(ctx context.Context) {
	poll := e.cfg.PollTimeout
	if poll <= 0 {
		poll = time.Second
	}
	timer := time.NewTimer(poll)
	defer timer.Stop()

	for {
		timer.Reset(poll)
		select {
		case <-ctx.Done():
			return
		case ev := <-e.queue:
			e.dispatch(ctx, &ev)
		case <-timer.C:
		}
	}
}

// dispatch sends one notification to the entity channel and one to the
// record channel. Only the entity-channel copy goes to external delivery.
func (e *Engine) dispatch(ctx context.Context, ev *event.SyncEvent) {
	defer e.recoverUnit("event", ev.ID)

	ctx, span := telemetry.StartEventSpan(ctx, "dispatch", ev.ID, ev.Entity, string(ev.Kind))
	defer span.End()

	prio := e.priority(ev.Entity)
	e.Notify(ctx, notification.FromEvent(ev, event.EntityChannel(ev.Entity), prio))
	if ev.RecordID != "" {
		e.route(ctx, notification.FromEvent(ev, event.RecordChannel(ev.Entity, ev.RecordID), prio))
	}
}

func (e *Engine) runBatch(ctx context.Context) {
	interval := e.cfg.BatchInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if batch := e.drain(e.cfg.BatchSize); len(batch) > 0 {
				e.flush(ctx, batch)
			}
		}
	}
}

// drain takes up to limit queued events without blocking.
func (e *Engine) drain(limit int) []event.SyncEvent {
	if limit < 1 {
		limit = 1
	}
	var batch []event.SyncEvent
	for len(batch) < limit {
		select {
		case ev := <-e.queue:
			batch = append(batch, ev)
		default:
			return batch
		}
	}
	return batch
}

// flush emits one aggregated notification per entity, in first-seen order.
func (e *Engine) flush(ctx context.Context, batch []event.SyncEvent) {
	defer e.recoverUnit("batch", fmt.Sprintf("%d events", len(batch)))

	ctx, span := telemetry.StartBatchSpan(ctx, len(batch))
	defer span.End()
	if e.metrics != nil {
		e.metrics.BatchSize.Record(ctx, int64(len(batch)))
	}

	var order []string
	groups := make(map[string][]event.SyncEvent)
	for _, ev := range batch {
		if _, ok := groups[ev.Entity]; !ok {
			order = append(order, ev.Entity)
		}
		groups[ev.Entity] = append(groups[ev.Entity], ev)
	}
	for _, entity := range order {
		e.Notify(ctx, notification.FromBatch(entity, groups[entity], e.priority(entity)))
	}
	slog.Debug("batch flushed", "events", len(batch), "entities", len(order))
}

// discard keeps the queue from filling when no delivery path is enabled.
func (e *Engine) discard(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.queue:
		}
	}
}

func (e *Engine) recoverUnit(unit, id string) {
	if r := recover(); r != nil {
		slog.Error("processing failed, unit dropped", "unit", unit, "id", id, "panic", r)
	}
}

func (e *Engine) priority(entity string) notification.Priority {
	if e.highPriority[entity] {
		return notification.PriorityHigh
	}
	return notification.PriorityNormal
}

// Notify routes n to its target user, or else its channel, and forwards it
// to external delivery. It returns the number of sockets written.
// Zero recipients is not an error.
func (e *Engine) Notify(ctx context.Context, n notification.Notification) int {
	sent, ok := e.route(ctx, n)
	if ok && e.delivery != nil {
		e.delivery.Deliver(n)
	}
	return sent
}

// route writes n to sockets only. ok is false when n was rejected.
func (e *Engine) route(ctx context.Context, n notification.Notification) (sent int, ok bool) {
	if err := n.Validate(); err != nil {
		slog.Warn("notification dropped", "id", n.ID, "error", err)
		return 0, false
	}

	target := "channel"
	if n.TargetUserID != "" {
		target = "user"
		sent = e.conns.SendToUser(ctx, n.TargetUserID, n.Frame())
	} else {
		sent = e.conns.SendToChannel(ctx, n.TargetChannel, n.Frame())
	}
	if e.metrics != nil && sent > 0 {
		e.metrics.NotificationsDelivered.Add(ctx, int64(sent), metric.WithAttributes(
			attribute.String("route", target),
		))
	}
	return sent, true
}

// Statistics aggregates registry, audit log and queue state.
func (e *Engine) Statistics(ctx context.Context) Statistics {
	var logSize int64
	if e.log != nil {
		n, err := e.log.Len(ctx)
		if err != nil {
			slog.Warn("event log length unavailable", "error", err)
		}
		logSize = n
	}
	return Statistics{
		Connections:  e.conns.Stats(),
		EventLogSize: logSize,
		QueueSize:    len(e.queue),
		IsRunning:    e.IsRunning(),
		NodeID:       e.nodeID,
		Config:       e.cfg,
	}
}
