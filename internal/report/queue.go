// Package report implements local durable buffering of TransitionRecords and
// their delivery to an optional remote collector, per SPEC_FULL.md §4.9.
//
// Queue is grounded on the teacher's internal/queue.SQLiteQueue: a
// WAL-mode SQLite table gives at-least-once delivery across process
// restarts without pulling in an external broker. The schema here is
// TransitionRecord-shaped instead of the teacher's AlertEvent-shaped
// alert_queue table.
package report

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tripwire/warden/internal/statem"
)

const ddl = `
CREATE TABLE IF NOT EXISTS transition_queue (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	watch_name  TEXT    NOT NULL,
	pid         INTEGER NOT NULL,
	from_state  TEXT    NOT NULL,
	to_state    TEXT    NOT NULL,
	hostname    TEXT    NOT NULL,
	occurred_at INTEGER NOT NULL,
	enqueued_at INTEGER NOT NULL,
	delivered   INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_transition_queue_undelivered
	ON transition_queue (delivered, id);
`

// Queue persists TransitionRecords in a local SQLite database so they
// survive a warden restart before a collector has acknowledged them.
type Queue struct {
	db    *sql.DB
	depth atomic.Int64
}

// Open creates or opens the queue database at path, applying the schema and
// restoring the pending-record depth from any prior run.
func Open(path string) (*Queue, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("report: open %s: %w", path, err)
	}
	// Single-writer discipline: one connection serialises every Enqueue
	// across concurrently-transitioning state machines, per SPEC_FULL.md §5.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("report: set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA synchronous=NORMAL;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("report: set synchronous mode: %w", err)
	}
	if _, err := db.Exec(ddl); err != nil {
		db.Close()
		return nil, fmt.Errorf("report: apply schema: %w", err)
	}

	q := &Queue{db: db}

	var depth int64
	row := db.QueryRow(`SELECT COUNT(*) FROM transition_queue WHERE delivered = 0`)
	if err := row.Scan(&depth); err != nil {
		db.Close()
		return nil, fmt.Errorf("report: seed depth: %w", err)
	}
	q.depth.Store(depth)

	return q, nil
}

// PendingRecord pairs a queued row's id with the TransitionRecord it holds,
// so the caller can Ack it by id once delivery succeeds.
type PendingRecord struct {
	ID         int64
	Record     statem.TransitionRecord
	Hostname   string
	OccurredAt time.Time
}

// Enqueue persists rec for later delivery. occurredAt should be the time the
// transition was observed; hostname identifies the reporting warden instance.
func (q *Queue) Enqueue(ctx context.Context, rec statem.TransitionRecord, hostname string, occurredAt time.Time) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO transition_queue
			(watch_name, pid, from_state, to_state, hostname, occurred_at, enqueued_at, delivered)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0)`,
		rec.WatchName, rec.PID, rec.From.String(), rec.To.String(), hostname,
		occurredAt.UnixMicro(), time.Now().UnixMicro(),
	)
	if err != nil {
		return fmt.Errorf("report: enqueue: %w", err)
	}
	q.depth.Add(1)
	return nil
}

// Dequeue returns up to n undelivered records, oldest first. It does not
// mark them delivered; the caller must call Ack after a successful delivery.
func (q *Queue) Dequeue(ctx context.Context, n int) ([]PendingRecord, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, watch_name, pid, from_state, to_state, hostname, occurred_at
		FROM transition_queue
		WHERE delivered = 0
		ORDER BY id ASC
		LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("report: dequeue: %w", err)
	}
	defer rows.Close()

	var out []PendingRecord
	for rows.Next() {
		var (
			pr         PendingRecord
			fromStr    string
			toStr      string
			occurredUs int64
		)
		if err := rows.Scan(&pr.ID, &pr.Record.WatchName, &pr.Record.PID, &fromStr, &toStr, &pr.Hostname, &occurredUs); err != nil {
			return nil, fmt.Errorf("report: scan: %w", err)
		}
		pr.Record.From = statem.ParseValue(fromStr)
		pr.Record.To = statem.ParseValue(toStr)
		pr.OccurredAt = time.UnixMicro(occurredUs)
		out = append(out, pr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("report: dequeue rows: %w", err)
	}
	return out, nil
}

// Ack marks the given row ids delivered. It is idempotent: acking an
// already-delivered or nonexistent id is not an error.
func (q *Queue) Ack(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("report: ack begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		UPDATE transition_queue SET delivered = 1
		WHERE id = ? AND delivered = 0`)
	if err != nil {
		return fmt.Errorf("report: ack prepare: %w", err)
	}
	defer stmt.Close()

	var acked int64
	for _, id := range ids {
		res, err := stmt.ExecContext(ctx, id)
		if err != nil {
			return fmt.Errorf("report: ack exec: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("report: ack rows affected: %w", err)
		}
		acked += n
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("report: ack commit: %w", err)
	}
	q.depth.Add(-acked)
	return nil
}

// Depth reports the current count of undelivered records.
func (q *Queue) Depth() int {
	return int(q.depth.Load())
}

// Close releases the underlying database handle.
func (q *Queue) Close() error {
	return q.db.Close()
}
