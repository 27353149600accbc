// Package queue is the durable local buffer between document assembly and
// upload. Documents are appended to a single SQLite table and removed only
// after the backend has accepted them.
//
// Schema (created by Open; see Schema for callers opening their own database):
//
//	CREATE TABLE IF NOT EXISTS storage (
//	    id   INTEGER PRIMARY KEY AUTOINCREMENT,
//	    json TEXT NOT NULL
//	);
//
// AUTOINCREMENT keeps ids monotonic across deletions, so a batch described
// by its first and last id never overlaps rows written later.
package queue

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/sensordump/dbopen"
	"github.com/hazyhaar/sensordump/sensordump/internal/document"
)

// MaxBatchRows is the largest batch DequeueBatch returns.
const MaxBatchRows = 500

// Record is one stored document.
type Record struct {
	ID   int64
	JSON []byte
}

// Batch is a contiguous slice of the queue in ascending id order.
type Batch struct {
	Records []Record
	FirstID int64
	LastID  int64
}

// Len returns the number of records in the batch.
func (b *Batch) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Records)
}

// Schema creates the storage table if it does not exist.
const Schema = `
	CREATE TABLE IF NOT EXISTS storage (
		id   INTEGER PRIMARY KEY AUTOINCREMENT,
		json TEXT NOT NULL
	)`

// Options configures the queue.
type Options struct {
	// Synchronous is the PRAGMA synchronous level used by Open.
	// Default: NORMAL.
	Synchronous string
	// BusyTimeout is how long Open's connections wait on a locked database.
	// Default: 10s.
	BusyTimeout time.Duration
	Logger      *slog.Logger
}

func (o *Options) defaults() {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Queue serializes writers on one lock and readers/deleters on another,
// leaving row-level consistency to SQLite.
type Queue struct {
	db     *sql.DB
	owned  bool
	logger *slog.Logger

	writeMu sync.Mutex
	readMu  sync.Mutex
}

// New wraps an already opened database that has Schema applied.
func New(db *sql.DB, opts Options) *Queue {
	opts.defaults()
	return &Queue{db: db, logger: opts.Logger}
}

// Open opens (creating if needed) the queue database at path and ensures the
// storage table exists. Close releases the database.
func Open(path string, opts Options) (*Queue, error) {
	db, err := dbopen.Open(path,
		dbopen.WithMkdirAll(),
		dbopen.WithSynchronous(opts.Synchronous),
		dbopen.WithBusyTimeout(int(opts.BusyTimeout/time.Millisecond)),
		dbopen.WithSchema(Schema),
	)
	if err != nil {
		return nil, fmt.Errorf("queue: open: %w", err)
	}
	q := New(db, opts)
	q.owned = true
	return q, nil
}

// Close closes the database if Open created it.
func (q *Queue) Close() error {
	if q.owned {
		return q.db.Close()
	}
	return nil
}

// Enqueue serializes doc and appends it in a single statement.
func (q *Queue) Enqueue(ctx context.Context, doc document.Document) (Record, error) {
	data, err := doc.Marshal()
	if err != nil {
		return Record{}, err
	}

	q.writeMu.Lock()
	defer q.writeMu.Unlock()

	res, err := dbopen.Exec(ctx, q.db, `INSERT INTO storage (json) VALUES (?)`, string(data))
	if err != nil {
		return Record{}, fmt.Errorf("queue: enqueue: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Record{}, fmt.Errorf("queue: enqueue: last id: %w", err)
	}
	return Record{ID: id, JSON: data}, nil
}

// DequeueBatch returns up to maxRows of the oldest records without removing
// them. maxRows outside 1..MaxBatchRows means MaxBatchRows. An empty queue
// yields an empty batch.
func (q *Queue) DequeueBatch(ctx context.Context, maxRows int) (*Batch, error) {
	if maxRows <= 0 || maxRows > MaxBatchRows {
		maxRows = MaxBatchRows
	}

	q.readMu.Lock()
	defer q.readMu.Unlock()

	rows, err := q.db.QueryContext(ctx,
		`SELECT id, json FROM storage ORDER BY id ASC LIMIT ?`, maxRows)
	if err != nil {
		return nil, fmt.Errorf("queue: dequeue: %w", err)
	}
	defer rows.Close()

	b := &Batch{}
	for rows.Next() {
		var r Record
		var js string
		if err := rows.Scan(&r.ID, &js); err != nil {
			return nil, fmt.Errorf("queue: dequeue: scan: %w", err)
		}
		r.JSON = []byte(js)
		b.Records = append(b.Records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queue: dequeue: %w", err)
	}
	if n := len(b.Records); n > 0 {
		b.FirstID = b.Records[0].ID
		b.LastID = b.Records[n-1].ID
	}
	return b, nil
}

// DeleteRange removes the count lowest-id records and returns how many were
// actually removed.
func (q *Queue) DeleteRange(ctx context.Context, count int) (int, error) {
	if count <= 0 {
		return 0, nil
	}

	q.readMu.Lock()
	defer q.readMu.Unlock()

	res, err := dbopen.Exec(ctx, q.db, `
		DELETE FROM storage WHERE id IN (
			SELECT id FROM storage ORDER BY id ASC LIMIT ?
		)`, count)
	if err != nil {
		return 0, fmt.Errorf("queue: delete range: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("queue: delete range: %w", err)
	}
	return int(n), nil
}

// DeleteBatch removes exactly the records b was built from. Rows enqueued
// after the batch was read have larger ids and are left alone.
func (q *Queue) DeleteBatch(ctx context.Context, b *Batch) (int, error) {
	if b.Len() == 0 {
		return 0, nil
	}

	q.readMu.Lock()
	defer q.readMu.Unlock()

	res, err := dbopen.Exec(ctx, q.db,
		`DELETE FROM storage WHERE id BETWEEN ? AND ?`, b.FirstID, b.LastID)
	if err != nil {
		return 0, fmt.Errorf("queue: delete batch: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("queue: delete batch: %w", err)
	}
	if int(n) != b.Len() {
		q.logger.Warn("queue: delete batch count mismatch",
			"first_id", b.FirstID, "last_id", b.LastID, "want", b.Len(), "deleted", n)
	}
	return int(n), nil
}

// Count returns the number of queued records.
func (q *Queue) Count(ctx context.Context) (int, error) {
	var n int
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM storage`).Scan(&n); err != nil {
		return 0, fmt.Errorf("queue: count: %w", err)
	}
	return n, nil
}
