package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	telemetry "github.com/Strob0t/synchub/internal/adapter/otel"
	"github.com/Strob0t/synchub/internal/config"
	"github.com/Strob0t/synchub/internal/domain/notification"
	"github.com/Strob0t/synchub/internal/port/notifier"
	"github.com/Strob0t/synchub/internal/resilience"
	"github.com/Strob0t/synchub/internal/workpool"
)

const deliveryTimeout = 15 * time.Second

type guardedNotifier struct {
	notifier.Notifier
	breaker *resilience.Breaker
}

// NotificationService mirrors notifications to every configured external
// notifier. Each notifier sits behind its own circuit breaker.
type NotificationService struct {
	notifiers    []guardedNotifier
	enabledKinds map[string]bool
	attempts     int
	retryDelay   time.Duration
	metrics      *telemetry.Metrics
	pool         *workpool.Pool // nil = unbounded

	wg sync.WaitGroup
}

// NewNotificationService creates a NotificationService. If enabledKinds is
// empty every notification kind is delivered. attempts bounds tries per
// notifier (at least one).
func NewNotificationService(notifiers []notifier.Notifier, enabledKinds []string, breaker config.Breaker, attempts int) *NotificationService {
	enabled := make(map[string]bool, len(enabledKinds))
	for _, k := range enabledKinds {
		enabled[k] = true
	}
	guarded := make([]guardedNotifier, 0, len(notifiers))
	for _, n := range notifiers {
		guarded = append(guarded, guardedNotifier{
			Notifier: n,
			breaker:  resilience.NewBreaker(n.Name(), breaker.MaxFailures, breaker.Timeout),
		})
	}
	if attempts < 1 {
		attempts = 1
	}
	return &NotificationService{
		notifiers:    guarded,
		enabledKinds: enabled,
		attempts:     attempts,
		retryDelay:   500 * time.Millisecond,
	}
}

// SetMetrics attaches metric instruments.
func (s *NotificationService) SetMetrics(m *telemetry.Metrics) { s.metrics = m }

// SetConcurrency caps how many notifications are delivered at once.
// Deliveries waiting for a slot count against their timeout.
func (s *NotificationService) SetConcurrency(limit int) { s.pool = workpool.New(limit) }

// InFlight returns the number of deliveries currently holding a slot.
func (s *NotificationService) InFlight() int { return s.pool.Running() }

// Deliver sends n in the background so the caller never waits on a slow
// channel.
func (s *NotificationService) Deliver(n notification.Notification) {
	if len(s.notifiers) == 0 || !s.enabled(n.Kind) {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
		defer cancel()
		err := s.pool.Run(ctx, func() error {
			s.Notify(ctx, n)
			return nil
		})
		if err != nil {
			slog.Warn("notification dropped, delivery slots busy", "title", n.Title, "error", err)
		}
	}()
}

// Notify sends n to all notifiers. Errors are logged but do not interrupt
// delivery to other notifiers.
func (s *NotificationService) Notify(ctx context.Context, n notification.Notification) {
	if !s.enabled(n.Kind) {
		return
	}
	out := toNotifierPayload(n)
	for _, gn := range s.notifiers {
		if err := s.send(ctx, gn, out); err != nil {
			if s.metrics != nil {
				s.metrics.DeliveryFailures.Add(ctx, 1, metric.WithAttributes(
					attribute.String("notifier", gn.Name()),
				))
			}
			slog.Warn("notification send failed",
				"provider", gn.Name(),
				"title", n.Title,
				"error", err,
			)
			continue
		}
		slog.Debug("notification sent", "provider", gn.Name(), "title", n.Title)
	}
}

func (s *NotificationService) send(ctx context.Context, gn guardedNotifier, n notifier.Notification) error {
	ctx, span := telemetry.StartDeliverySpan(ctx, gn.Name(), n.Kind)
	defer span.End()

	var err error
	for attempt := 1; attempt <= s.attempts; attempt++ {
		err = gn.breaker.Execute(ctx, func(ctx context.Context) error {
			return gn.Send(ctx, n)
		})
		if err == nil || errors.Is(err, resilience.ErrCircuitOpen) || errors.Is(err, notifier.ErrNotConfigured) {
			return err
		}
		if attempt < s.attempts {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.retryDelay):
			}
		}
	}
	return err
}

func (s *NotificationService) enabled(kind notification.Kind) bool {
	return len(s.enabledKinds) == 0 || s.enabledKinds[string(kind)]
}

// Wait blocks until background deliveries have finished.
func (s *NotificationService) Wait() {
	s.wg.Wait()
}

// NotifierCount returns the number of registered notifiers.
func (s *NotificationService) NotifierCount() int {
	return len(s.notifiers)
}

// BreakerStates reports each notifier's circuit state.
func (s *NotificationService) BreakerStates() map[string]string {
	out := make(map[string]string, len(s.notifiers))
	for _, gn := range s.notifiers {
		out[gn.Name()] = gn.breaker.State()
	}
	return out
}

func toNotifierPayload(n notification.Notification) notifier.Notification {
	return notifier.Notification{
		UserID:   n.TargetUserID,
		Channel:  n.TargetChannel,
		Title:    n.Title,
		Message:  n.Message,
		Kind:     string(n.Kind),
		Priority: string(n.Priority),
		Data:     n.Payload,
	}
}
