package trackerstore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentworkforce/trackersync/internal/model"
)

var postgresIntegrationCounter uint64

func TestPostgresIntegrationStateBackendRoundTrip(t *testing.T) {
	dsn := postgresIntegrationDSN(t)

	backend, err := NewPostgresStateBackend(dsn)
	if err != nil {
		t.Fatalf("new postgres state backend: %v", err)
	}
	pg := backend.(*PostgresStateBackend)
	pg.tablePrefix = postgresIntegrationTableName("trackerd_it")
	t.Cleanup(func() {
		_ = pg.Close()
		postgresIntegrationDropTable(t, dsn, pg.tablePrefix+"_records")
		postgresIntegrationDropTable(t, dsn, pg.tablePrefix+"_meta")
	})

	snapshot, err := backend.Load()
	if err != nil {
		t.Fatalf("initial load failed: %v", err)
	}
	if snapshot != nil {
		t.Fatalf("expected nil initial snapshot, got %+v", snapshot)
	}

	store, err := NewStoreWithOptions(StoreOptions{StateBackend: backend})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if _, err := store.CreateTask(model.Task{ID: "1", Title: "persist me"}); err != nil {
		t.Fatalf("create task: %v", err)
	}
	if _, err := store.CreateTask(model.Task{ID: "2", Title: "drop me"}); err != nil {
		t.Fatalf("create task: %v", err)
	}
	if err := store.DeleteTask("2"); err != nil {
		t.Fatalf("delete task: %v", err)
	}

	restarted, err := NewStoreWithOptions(StoreOptions{StateBackend: backend})
	if err != nil {
		t.Fatalf("restart store: %v", err)
	}
	task, err := restarted.GetTask("1")
	if err != nil || task.Title != "persist me" {
		t.Fatalf("expected persisted task, got %+v %v", task, err)
	}
	if _, err := restarted.GetTask("2"); err == nil {
		t.Fatalf("expected deleted task row to be removed")
	}

	// A fresh backend reads the per-entity rows and the counter back.
	reopened, err := NewPostgresStateBackend(dsn)
	if err != nil {
		t.Fatalf("reopen backend: %v", err)
	}
	reopened.(*PostgresStateBackend).tablePrefix = pg.tablePrefix
	defer reopened.(*PostgresStateBackend).Close()
	loaded, err := reopened.Load()
	if err != nil || loaded == nil {
		t.Fatalf("reload: %+v %v", loaded, err)
	}
	if len(loaded.Tasks) != 1 || loaded.EventCounter != 3 {
		t.Fatalf("expected one task row and counter 3, got %d tasks counter %d", len(loaded.Tasks), loaded.EventCounter)
	}
}

func postgresIntegrationDSN(t *testing.T) string {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("TRACKERD_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("set TRACKERD_TEST_POSTGRES_DSN to run Postgres integration tests")
	}
	return dsn
}

func postgresIntegrationTableName(prefix string) string {
	n := atomic.AddUint64(&postgresIntegrationCounter, 1)
	return fmt.Sprintf("%s_%d_%d", prefix, time.Now().UnixNano(), n)
}

func postgresIntegrationDropTable(t *testing.T, dsn, tableName string) {
	t.Helper()
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open postgres for cleanup failed: %v", err)
	}
	defer db.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	query := fmt.Sprintf("DROP TABLE IF EXISTS %s", postgresQuoteIdentifier(tableName))
	if _, err := db.ExecContext(ctx, query); err != nil {
		t.Fatalf("drop cleanup table %q failed: %v", tableName, err)
	}
}
