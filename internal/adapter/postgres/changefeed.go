package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Strob0t/synchub/internal/port/changefeed"
)

var channelPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

// ChangeFeed installs row-level triggers that call synchub_notify_change()
// and listens for the resulting notifications.
type ChangeFeed struct {
	pool    *pgxpool.Pool
	channel string
}

var _ changefeed.Storage = (*ChangeFeed)(nil)

// NewChangeFeed returns a feed whose triggers notify on channel.
func NewChangeFeed(pool *pgxpool.Pool, channel string) (*ChangeFeed, error) {
	if !channelPattern.MatchString(channel) {
		return nil, fmt.Errorf("invalid notify channel %q", channel)
	}
	return &ChangeFeed{pool: pool, channel: channel}, nil
}

// InstallTrigger (re)creates the change trigger on entity. entity may be
// schema-qualified ("billing.invoices").
func (f *ChangeFeed) InstallTrigger(ctx context.Context, entity string) error {
	parts := strings.Split(entity, ".")
	if entity == "" || len(parts) > 2 {
		return fmt.Errorf("invalid entity name %q", entity)
	}
	table := pgx.Identifier(parts).Sanitize()
	trigger := pgx.Identifier{TriggerName(parts[len(parts)-1])}.Sanitize()

	tx, err := f.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, fmt.Sprintf("DROP TRIGGER IF EXISTS %s ON %s", trigger, table)); err != nil {
		return fmt.Errorf("drop trigger on %s: %w", entity, err)
	}
	create := fmt.Sprintf(
		"CREATE TRIGGER %s AFTER INSERT OR UPDATE OR DELETE ON %s FOR EACH ROW EXECUTE FUNCTION synchub_notify_change('%s')",
		trigger, table, f.channel,
	)
	if _, err := tx.Exec(ctx, create); err != nil {
		return fmt.Errorf("create trigger on %s: %w", entity, err)
	}
	return tx.Commit(ctx)
}

// TriggerName is the name of the change trigger installed on table.
func TriggerName(table string) string {
	return "synchub_" + table + "_changes"
}

// Listen holds one pool connection in LISTEN mode and passes every
// notification payload on channel to handler. It returns nil when ctx is
// done and an error if the connection fails.
func (f *ChangeFeed) Listen(ctx context.Context, channel string, handler func([]byte)) error {
	conn, err := f.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen connection: %w", err)
	}
	defer func() {
		uctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_, _ = conn.Exec(uctx, "UNLISTEN *")
		cancel()
		conn.Release()
	}()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		return fmt.Errorf("listen %s: %w", channel, err)
	}
	slog.Info("postgres change feed listening", "channel", channel)

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("wait for notification: %w", err)
		}
		handler([]byte(n.Payload))
	}
}
