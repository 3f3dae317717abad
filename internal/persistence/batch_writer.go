// Package persistence provides the asynchronous write path. Derived
// analytics rows (performance records, equity snapshots) go through a
// buffered writer so callers never wait on SQLite latency.
package persistence

import (
	"database/sql"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// WriteOp is one queued SQL statement.
type WriteOp struct {
	Query string
	Args  []any
}

// Writer batches fire-and-forget writes and flushes them in transactions,
// either when the buffer fills or on a timer.
type Writer struct {
	db       *sql.DB
	mu       sync.Mutex
	buffer   []WriteOp
	maxSize  int
	interval time.Duration
	done     chan struct{}
	wg       sync.WaitGroup

	totalWrites uint64
	totalErrors uint64
}

// NewWriter starts the background flush loop. maxSize caps the buffer
// before a forced flush; interval drives the timed flush.
func NewWriter(db *sql.DB, maxSize int, interval time.Duration) *Writer {
	if maxSize <= 0 {
		maxSize = 50
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}

	w := &Writer{
		db:       db,
		buffer:   make([]WriteOp, 0, maxSize),
		maxSize:  maxSize,
		interval: interval,
		done:     make(chan struct{}),
	}

	w.wg.Add(1)
	go w.loop()
	return w
}

// Enqueue queues one statement. Never blocks on the database.
func (w *Writer) Enqueue(query string, args ...any) {
	w.mu.Lock()
	w.buffer = append(w.buffer, WriteOp{Query: query, Args: args})
	full := len(w.buffer) >= w.maxSize
	w.mu.Unlock()

	if full {
		w.Flush()
	}
}

// Flush writes every buffered operation in a single transaction.
func (w *Writer) Flush() error {
	w.mu.Lock()
	if len(w.buffer) == 0 {
		w.mu.Unlock()
		return nil
	}
	ops := w.buffer
	w.buffer = make([]WriteOp, 0, w.maxSize)
	w.mu.Unlock()

	atomic.AddUint64(&w.totalWrites, uint64(len(ops)))

	tx, err := w.db.Begin()
	if err != nil {
		atomic.AddUint64(&w.totalErrors, 1)
		log.Printf("persistence: begin batch: %v", err)
		return err
	}
	for _, op := range ops {
		if _, err := tx.Exec(op.Query, op.Args...); err != nil {
			tx.Rollback()
			atomic.AddUint64(&w.totalErrors, 1)
			log.Printf("persistence: batch statement failed, rolled back: %v", err)
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		atomic.AddUint64(&w.totalErrors, 1)
		log.Printf("persistence: commit batch: %v", err)
		return err
	}
	return nil
}

func (w *Writer) loop() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.Flush()
		case <-w.done:
			w.Flush()
			return
		}
	}
}

// Pending reports the number of queued operations.
func (w *Writer) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.buffer)
}

// Stats returns lifetime write and error counts.
func (w *Writer) Stats() (writes, errors uint64) {
	return atomic.LoadUint64(&w.totalWrites), atomic.LoadUint64(&w.totalErrors)
}

// Close drains the buffer and stops the flush loop.
func (w *Writer) Close() error {
	close(w.done)
	w.wg.Wait()
	return nil
}
