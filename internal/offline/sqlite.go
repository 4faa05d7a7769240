package offline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fxamacker/cbor/v2"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// opEncoding keeps nanosecond enqueue times; the default CBOR time
// encoding truncates to seconds.
var opEncoding = func() cbor.EncMode {
	em, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

// SQLiteJournal stores pending ops in an embedded SQLite database. Each op
// is kept as a CBOR blob next to the columns needed for ordering.
type SQLiteJournal struct {
	conn *sql.DB
	path string
}

// OpenSQLiteJournal opens or creates the journal database at path.
//
// Example:
//
//	j, err := offline.OpenSQLiteJournal(".vetsync/queue.db")
//	if err != nil {
//	    return err
//	}
//	defer j.Close()
func OpenSQLiteJournal(path string) (*SQLiteJournal, error) {
	// Ensure parent directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping journal: %w", err)
	}
	// One writer at a time; the queue is the only user.
	conn.SetMaxOpenConns(1)
	conn.SetConnMaxLifetime(5 * time.Minute)

	j := &SQLiteJournal{conn: conn, path: path}

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = j.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = j.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	if err := j.InitSchemaContext(context.Background()); err != nil {
		_ = j.Close()
		return nil, err
	}
	return j, nil
}

// InitSchemaContext creates the ops table if it doesn't exist.
func (j *SQLiteJournal) InitSchemaContext(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS pending_ops (
		id TEXT PRIMARY KEY,
		path TEXT NOT NULL,
		kind TEXT NOT NULL,
		enqueued_at INTEGER NOT NULL,  -- unix nanoseconds
		attempts INTEGER NOT NULL DEFAULT 0,
		body BLOB NOT NULL             -- CBOR-encoded Op
	);

	CREATE INDEX IF NOT EXISTS idx_pending_ops_order ON pending_ops(enqueued_at, id);
	`
	if _, err := j.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize journal schema: %w", err)
	}
	return nil
}

// Append implements Journal.
func (j *SQLiteJournal) Append(op Op) error {
	return j.upsert(op)
}

// Save implements Journal.
func (j *SQLiteJournal) Save(op Op) error {
	return j.upsert(op)
}

func (j *SQLiteJournal) upsert(op Op) error {
	body, err := opEncoding.Marshal(op)
	if err != nil {
		return fmt.Errorf("failed to encode op %s: %w", op.ID, err)
	}

	query := `
	INSERT INTO pending_ops (id, path, kind, enqueued_at, attempts, body)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		attempts = excluded.attempts,
		body = excluded.body
	`
	_, err = j.conn.Exec(query, op.ID, op.Path, string(op.Kind), op.EnqueuedAt.UnixNano(), op.Attempts, body)
	if err != nil {
		return fmt.Errorf("failed to store op %s: %w", op.ID, err)
	}
	return nil
}

// Delete implements Journal.
func (j *SQLiteJournal) Delete(id string) error {
	if _, err := j.conn.Exec(`DELETE FROM pending_ops WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete op %s: %w", id, err)
	}
	return nil
}

// Load implements Journal.
func (j *SQLiteJournal) Load() ([]Op, error) {
	rows, err := j.conn.Query(`SELECT body FROM pending_ops ORDER BY enqueued_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query journal: %w", err)
	}
	defer rows.Close()

	var ops []Op
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("failed to scan op: %w", err)
		}
		var op Op
		if err := cbor.Unmarshal(body, &op); err != nil {
			return nil, fmt.Errorf("failed to decode op: %w", err)
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating journal: %w", err)
	}
	return ops, nil
}

// Clear implements Journal.
func (j *SQLiteJournal) Clear() error {
	if _, err := j.conn.Exec(`DELETE FROM pending_ops`); err != nil {
		return fmt.Errorf("failed to clear journal: %w", err)
	}
	return nil
}

// Close checkpoints the WAL and closes the database. A failed checkpoint
// is reported, but the database is closed regardless.
func (j *SQLiteJournal) Close() error {
	if j.conn == nil {
		return nil
	}
	var errs []error
	if _, err := j.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		errs = append(errs, fmt.Errorf("failed to checkpoint journal WAL: %w", err))
	}
	if err := j.conn.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close journal: %w", err))
	}
	j.conn = nil
	return errors.Join(errs...)
}
