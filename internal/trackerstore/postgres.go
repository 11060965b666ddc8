package trackerstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"

	"github.com/agentworkforce/trackersync/internal/model"
)

const (
	postgresTablePrefix      = "trackerd"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

type recordKey struct {
	Kind model.Kind
	ID   string
}

type recordRow struct {
	recordKey
	ProjectID string
	UserID    string
	UpdatedAt time.Time
	Payload   string
}

// PostgresStateBackend keeps one row per entity in <prefix>_records, keyed
// by (kind, id), and the event counter in <prefix>_meta. Save only writes
// rows whose payload changed since the last load or save.
type PostgresStateBackend struct {
	dsn         string
	tablePrefix string
	openDB      sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB

	mu    sync.Mutex
	saved map[recordKey]string
}

func NewPostgresStateBackend(dsn string) (StateBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresStateBackend{
		dsn:         dsn,
		tablePrefix: postgresTablePrefix,
		openDB:      sql.Open,
		saved:       map[recordKey]string{},
	}, nil
}

func (b *PostgresStateBackend) recordsTable() string {
	return postgresQuoteIdentifier(b.tablePrefix + "_records")
}

func (b *PostgresStateBackend) metaTable() string {
	return postgresQuoteIdentifier(b.tablePrefix + "_meta")
}

// Load returns nil when nothing has been saved yet.
func (b *PostgresStateBackend) Load() (*persistedState, error) {
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	state := &persistedState{
		Tasks:         map[string]model.Task{},
		Projects:      map[string]model.Project{},
		Notifications: map[string]model.Notification{},
	}
	var counter sql.NullInt64
	err := b.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT event_counter FROM %s WHERE singleton", b.metaTable()),
	).Scan(&counter)
	if err != nil && err != sql.ErrNoRows {
		return nil, err
	}
	found := counter.Valid
	state.EventCounter = uint64(counter.Int64)

	rows, err := b.db.QueryContext(ctx, fmt.Sprintf("SELECT kind, id, record FROM %s", b.recordsTable()))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	saved := map[recordKey]string{}
	for rows.Next() {
		var key recordKey
		var payload string
		if err := rows.Scan(&key.Kind, &key.ID, &payload); err != nil {
			return nil, err
		}
		if err := decodeRecord(state, key, payload); err != nil {
			return nil, fmt.Errorf("decode %s %s: %w", key.Kind, key.ID, err)
		}
		saved[key] = payload
		found = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	b.mu.Lock()
	b.saved = saved
	b.mu.Unlock()
	return state, nil
}

func (b *PostgresStateBackend) Save(state *persistedState) error {
	if state == nil {
		return nil
	}
	if err := b.ensureReady(); err != nil {
		return err
	}
	current, err := encodeRecords(state)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	upserts, deletes := diffRecords(b.saved, current)

	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	upsert := fmt.Sprintf(`
		INSERT INTO %s (kind, id, project_id, user_id, record, updated_at)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5, $6)
		ON CONFLICT (kind, id)
		DO UPDATE SET project_id = EXCLUDED.project_id, user_id = EXCLUDED.user_id,
			record = EXCLUDED.record, updated_at = EXCLUDED.updated_at`, b.recordsTable())
	for _, row := range upserts {
		if _, err := tx.ExecContext(ctx, upsert, string(row.Kind), row.ID, row.ProjectID, row.UserID, row.Payload, row.UpdatedAt); err != nil {
			return fmt.Errorf("upsert %s %s: %w", row.Kind, row.ID, err)
		}
	}
	remove := fmt.Sprintf("DELETE FROM %s WHERE kind = $1 AND id = $2", b.recordsTable())
	for _, key := range deletes {
		if _, err := tx.ExecContext(ctx, remove, string(key.Kind), key.ID); err != nil {
			return fmt.Errorf("delete %s %s: %w", key.Kind, key.ID, err)
		}
	}
	counter := fmt.Sprintf(`
		INSERT INTO %s (singleton, event_counter) VALUES (TRUE, $1)
		ON CONFLICT (singleton) DO UPDATE SET event_counter = EXCLUDED.event_counter`, b.metaTable())
	if _, err := tx.ExecContext(ctx, counter, int64(state.EventCounter)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	next := make(map[recordKey]string, len(current))
	for key, row := range current {
		next[key] = row.Payload
	}
	b.saved = next
	return nil
}

func (b *PostgresStateBackend) Close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *PostgresStateBackend) ensureReady() error {
	b.initOnce.Do(func() {
		db, err := b.openDB("postgres", b.dsn)
		if err != nil {
			b.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		statements := []string{
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					kind TEXT NOT NULL,
					id TEXT NOT NULL,
					project_id TEXT,
					user_id TEXT,
					record JSONB NOT NULL,
					updated_at TIMESTAMPTZ NOT NULL,
					PRIMARY KEY (kind, id)
				)`, b.recordsTable()),
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					singleton BOOLEAN PRIMARY KEY DEFAULT TRUE CHECK (singleton),
					event_counter BIGINT NOT NULL
				)`, b.metaTable()),
		}
		for _, statement := range statements {
			if _, err := db.ExecContext(ctx, statement); err != nil {
				_ = db.Close()
				b.initErr = err
				return
			}
		}
		b.db = db
	})
	return b.initErr
}

// encodeRecords flattens a snapshot into rows keyed by (kind, id).
func encodeRecords(state *persistedState) (map[recordKey]recordRow, error) {
	out := make(map[recordKey]recordRow, len(state.Tasks)+len(state.Projects)+len(state.Notifications))
	add := func(kind model.Kind, id, projectID, userID string, updatedAt time.Time, record any) error {
		payload, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", kind, id, err)
		}
		key := recordKey{Kind: kind, ID: id}
		out[key] = recordRow{recordKey: key, ProjectID: projectID, UserID: userID, UpdatedAt: updatedAt, Payload: string(payload)}
		return nil
	}
	for id, task := range state.Tasks {
		if err := add(model.KindTask, id, task.ProjectID, task.AssigneeID, task.UpdatedAt, task); err != nil {
			return nil, err
		}
	}
	for id, project := range state.Projects {
		if err := add(model.KindProject, id, id, project.OwnerID, project.UpdatedAt, project); err != nil {
			return nil, err
		}
	}
	for id, n := range state.Notifications {
		if err := add(model.KindNotification, id, "", n.UserID, n.UpdatedAt, n); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// diffRecords returns the rows whose payload differs from saved and the keys
// no longer present, both in (kind, id) order.
func diffRecords(saved map[recordKey]string, current map[recordKey]recordRow) ([]recordRow, []recordKey) {
	var upserts []recordRow
	for key, row := range current {
		if payload, ok := saved[key]; !ok || payload != row.Payload {
			upserts = append(upserts, row)
		}
	}
	var deletes []recordKey
	for key := range saved {
		if _, ok := current[key]; !ok {
			deletes = append(deletes, key)
		}
	}
	sort.Slice(upserts, func(i, j int) bool { return lessRecordKey(upserts[i].recordKey, upserts[j].recordKey) })
	sort.Slice(deletes, func(i, j int) bool { return lessRecordKey(deletes[i], deletes[j]) })
	return upserts, deletes
}

func lessRecordKey(a, b recordKey) bool {
	if a.Kind != b.Kind {
		return a.Kind < b.Kind
	}
	return model.CompareIDs(a.ID, b.ID) < 0
}

func decodeRecord(state *persistedState, key recordKey, payload string) error {
	switch key.Kind {
	case model.KindTask:
		var task model.Task
		if err := json.Unmarshal([]byte(payload), &task); err != nil {
			return err
		}
		state.Tasks[key.ID] = task
	case model.KindProject:
		var project model.Project
		if err := json.Unmarshal([]byte(payload), &project); err != nil {
			return err
		}
		state.Projects[key.ID] = project
	case model.KindNotification:
		var n model.Notification
		if err := json.Unmarshal([]byte(payload), &n); err != nil {
			return err
		}
		state.Notifications[key.ID] = n
	default:
		return fmt.Errorf("%w: unknown kind", ErrInvalidInput)
	}
	return nil
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return `""`
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
