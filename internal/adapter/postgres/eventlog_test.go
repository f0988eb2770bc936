package postgres_test

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/Strob0t/synchub/internal/adapter/postgres"
	"github.com/Strob0t/synchub/internal/config"
	"github.com/Strob0t/synchub/internal/domain/event"
)

func TestEventLog_TrimsOldest(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("requires DATABASE_URL")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := postgres.RunMigrations(ctx, dsn); err != nil {
		t.Fatalf("run migrations: %v", err)
	}
	pool, err := postgres.NewPool(ctx, config.Postgres{DSN: dsn, MaxConns: 4, HealthCheck: time.Minute})
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	t.Cleanup(pool.Close)
	if _, err := pool.Exec(ctx, `TRUNCATE synchub_event_log`); err != nil {
		t.Fatalf("truncate: %v", err)
	}

	log := postgres.NewEventLog(pool, 3)
	for i := range 5 {
		ev := event.New(event.KindCreated, "orders", fmt.Sprint(i), json.RawMessage(`{}`), "")
		if err := log.Append(ctx, &ev); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}

	n, err := log.Len(ctx)
	if err != nil || n != 3 {
		t.Fatalf("Len = %d, %v; want 3", n, err)
	}
	recent, err := log.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recent) != 3 || recent[0].RecordID != "4" || recent[2].RecordID != "2" {
		t.Fatalf("unexpected recent order: %+v", recent)
	}
}
