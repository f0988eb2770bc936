package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"sync/atomic"

	telemetry "github.com/Strob0t/synchub/internal/adapter/otel"
	"github.com/Strob0t/synchub/internal/domain/event"
	"github.com/Strob0t/synchub/internal/port/messagequeue"
)

// EventSink accepts events received from other processes.
type EventSink interface {
	Ingest(ctx context.Context, ev event.SyncEvent) error
}

// BridgeStats counts bridge traffic since start.
type BridgeStats struct {
	Published        int64 `json:"published"`
	Received         int64 `json:"received"`
	EchoesSuppressed int64 `json:"echoes_suppressed"`
	Malformed        int64 `json:"malformed"`
}

// Bridge shares events between processes over a message queue subject.
// Messages carrying the local node id are dropped on receipt.
type Bridge struct {
	queue   messagequeue.Queue
	subject string
	nodeID  string
	sink    EventSink
	metrics *telemetry.Metrics

	published atomic.Int64
	received  atomic.Int64
	echoes    atomic.Int64
	malformed atomic.Int64
}

// NewBridge creates a bridge that feeds remote events into sink.
func NewBridge(queue messagequeue.Queue, subject, nodeID string, sink EventSink) *Bridge {
	if subject == "" {
		subject = messagequeue.SubjectEvents
	}
	return &Bridge{queue: queue, subject: subject, nodeID: nodeID, sink: sink}
}

// SetMetrics attaches metric instruments.
func (b *Bridge) SetMetrics(m *telemetry.Metrics) { b.metrics = m }

// Publish serializes ev onto the shared subject.
func (b *Bridge) Publish(ctx context.Context, ev *event.SyncEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", ev.ID, err)
	}
	if err := b.queue.Publish(ctx, b.subject, data); err != nil {
		return err
	}
	b.published.Add(1)
	return nil
}

// Listen subscribes to the shared subject until the returned stop function
// is called or ctx ends.
func (b *Bridge) Listen(ctx context.Context) (func(), error) {
	stop, err := b.queue.Subscribe(ctx, b.subject, b.handle)
	if err != nil {
		return nil, err
	}
	slog.Info("bridge listening", "subject", b.subject, "node_id", b.nodeID)
	return stop, nil
}

func (b *Bridge) handle(ctx context.Context, _ string, data []byte) error {
	var ev event.SyncEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		b.malformed.Add(1)
		return fmt.Errorf("decode bridge event: %w", err)
	}
	if ev.NodeID == b.nodeID {
		b.echoes.Add(1)
		if b.metrics != nil {
			b.metrics.EchoesSuppressed.Add(ctx, 1)
		}
		return nil
	}

	b.received.Add(1)
	if b.metrics != nil {
		b.metrics.BridgeReceived.Add(ctx, 1)
	}
	ctx, span := telemetry.StartEventSpan(ctx, "ingest", ev.ID, ev.Entity, string(ev.Kind))
	defer span.End()
	if err := b.sink.Ingest(ctx, ev); err != nil {
		return fmt.Errorf("ingest event %s from %s: %w", ev.ID, ev.NodeID, err)
	}
	return nil
}

// Connected reports whether the shared backend is reachable.
func (b *Bridge) Connected() bool { return b.queue.IsConnected() }

// Stats returns traffic counters.
func (b *Bridge) Stats() BridgeStats {
	return BridgeStats{
		Published:        b.published.Load(),
		Received:         b.received.Load(),
		EchoesSuppressed: b.echoes.Load(),
		Malformed:        b.malformed.Load(),
	}
}

var (
	nodeIDOnce sync.Once
	nodeID     string
)

// NodeID returns configured when set, otherwise a process identity built
// from the host name and pid. The derived value is computed once.
func NodeID(configured string) string {
	if configured != "" {
		return configured
	}
	nodeIDOnce.Do(func() {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "synchub"
		}
		nodeID = host + "-" + strconv.Itoa(os.Getpid())
	})
	return nodeID
}
