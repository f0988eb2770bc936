package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Strob0t/synchub/internal/domain"
	"github.com/Strob0t/synchub/internal/domain/event"
	"github.com/Strob0t/synchub/internal/port/changefeed"
)

// EventPublisher is the engine's publish path.
type EventPublisher interface {
	Publish(ctx context.Context, ev event.SyncEvent) error
}

// ChangeDetector turns storage change notifications into published events.
type ChangeDetector struct {
	channel    string
	publisher  EventPublisher
	retryDelay time.Duration

	mu      sync.RWMutex
	watched map[string]struct{}
}

// NewChangeDetector watches entities and listens on channel.
func NewChangeDetector(channel string, entities []string, publisher EventPublisher) *ChangeDetector {
	d := &ChangeDetector{
		channel:    channel,
		publisher:  publisher,
		retryDelay: 2 * time.Second,
		watched:    make(map[string]struct{}, len(entities)),
	}
	for _, e := range entities {
		d.Watch(e)
	}
	return d
}

// Watch adds entity to the set that gets triggers. It reports whether the
// entity was newly added.
func (d *ChangeDetector) Watch(entity string) bool {
	entity = strings.TrimSpace(entity)
	if entity == "" {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.watched[entity]; ok {
		return false
	}
	d.watched[entity] = struct{}{}
	return true
}

// Unwatch removes entity. Installed triggers are left in place.
func (d *ChangeDetector) Unwatch(entity string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.watched[entity]; !ok {
		return false
	}
	delete(d.watched, entity)
	return true
}

// Watched returns the watched entities, sorted.
func (d *ChangeDetector) Watched() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.watched))
	for e := range d.watched {
		out = append(out, e)
	}
	sort.Strings(out)
	return out
}

// InstallTriggers (re)installs a trigger for every watched entity. Every
// entity is attempted; failures are joined under domain.ErrTriggerInstall.
func (d *ChangeDetector) InstallTriggers(ctx context.Context, storage changefeed.Storage) error {
	var errs []error
	for _, entity := range d.Watched() {
		if err := storage.InstallTrigger(ctx, entity); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", entity, err))
			continue
		}
		slog.Info("change trigger installed", "entity", entity)
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", domain.ErrTriggerInstall, errors.Join(errs...))
	}
	return nil
}

// Add installs the trigger for entity and starts watching it. A failed
// install leaves the watched set unchanged.
func (d *ChangeDetector) Add(ctx context.Context, storage changefeed.Storage, entity string) error {
	entity = strings.TrimSpace(entity)
	if entity == "" {
		return fmt.Errorf("%w: entity is required", domain.ErrValidation)
	}
	if err := storage.InstallTrigger(ctx, entity); err != nil {
		return fmt.Errorf("%w: %s: %w", domain.ErrTriggerInstall, entity, err)
	}
	d.Watch(entity)
	slog.Info("change trigger installed", "entity", entity)
	return nil
}

// ListenForChanges feeds storage notifications to the publisher until ctx
// ends, reconnecting after listener failures.
func (d *ChangeDetector) ListenForChanges(ctx context.Context, storage changefeed.Storage) error {
	for {
		err := storage.Listen(ctx, d.channel, func(payload []byte) {
			d.handle(ctx, payload)
		})
		if ctx.Err() != nil {
			return nil
		}
		slog.Warn("change listener stopped, retrying", "channel", d.channel, "error", err, "delay", d.retryDelay)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(d.retryDelay):
		}
	}
}

func (d *ChangeDetector) handle(ctx context.Context, payload []byte) {
	ev, err := ParseChange(payload)
	if err != nil {
		slog.Warn("change notification skipped", "error", err)
		return
	}
	if err := d.publisher.Publish(ctx, ev); err != nil {
		slog.Error("change event publish failed", "table", ev.Entity, "record_id", ev.RecordID, "error", err)
	}
}

// ParseChange converts a trigger payload into a SyncEvent.
func ParseChange(payload []byte) (event.SyncEvent, error) {
	var ch changefeed.Change
	if err := json.Unmarshal(payload, &ch); err != nil {
		return event.SyncEvent{}, fmt.Errorf("%w: decode change: %v", domain.ErrValidation, err)
	}
	if ch.Table == "" {
		return event.SyncEvent{}, fmt.Errorf("%w: change has no table", domain.ErrValidation)
	}
	kind, err := event.KindFromOperation(ch.Operation)
	if err != nil {
		return event.SyncEvent{}, err
	}

	data := ch.Data
	if string(data) == "null" {
		data = nil
	}
	ev := event.New(kind, ch.Table, recordID(ch.RecordID), data, "")
	if ch.Timestamp > 0 {
		sec, frac := math.Modf(ch.Timestamp)
		ev.Timestamp = time.Unix(int64(sec), int64(frac*1e9)).UTC()
	}
	ev.Metadata = map[string]string{"source": "changefeed"}
	return ev, nil
}

// recordID renders a JSON key value as text: strings unquoted, numbers as
// written, null as empty.
func recordID(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
