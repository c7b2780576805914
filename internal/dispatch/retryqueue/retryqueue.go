// Package retryqueue generalizes the teacher's disruption-tolerant-
// networking retry queue (daemon/service/dtn_queue.go, dtn_worker.go) for
// Dispatcher: a BoltDB-backed FIFO of failed sends, retried on a ticker
// once the target peer is reachable again. A failed TransferEngine send
// is enqueued here instead of being dropped on the floor, per SPEC_FULL's
// DTN-retry supplement.
package retryqueue

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/boltdb/bolt"

	"github.com/meshdrop/backend/internal/wire"
)

// Item is one retryable send: the file and peer a TransferEngine failed
// to deliver to, plus the manifest needed to restart the transfer.
type Item struct {
	FileId   string
	PeerId   string
	Manifest wire.FileMetadata
	Attempts int
}

var bucketRetry = []byte("retry_queue")

// Queue is a durable FIFO of Items, persisted so pending retries survive
// a node restart.
type Queue struct {
	db *bolt.DB
}

// Open creates or opens a Queue at path.
func Open(path string) (*Queue, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, e := tx.CreateBucketIfNotExists(bucketRetry)
		return e
	}); err != nil {
		db.Close()
		return nil, err
	}
	return &Queue{db: db}, nil
}

func (q *Queue) Close() error { return q.db.Close() }

// Enqueue persists item under a monotonically increasing key so
// DequeueBatch drains in FIFO order.
func (q *Queue) Enqueue(item Item) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRetry)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		val, err := json.Marshal(item)
		if err != nil {
			return err
		}
		return b.Put([]byte(strconv.FormatUint(seq, 10)), val)
	})
}

// DequeueBatch pops up to n items in FIFO order.
func (q *Queue) DequeueBatch(n int) ([]Item, error) {
	var out []Item
	err := q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRetry)
		c := b.Cursor()
		for k, v := c.First(); k != nil && len(out) < n; k, v = c.Next() {
			var item Item
			if err := json.Unmarshal(v, &item); err != nil {
				b.Delete(k)
				continue
			}
			out = append(out, item)
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	return out, err
}

// Len reports the number of items currently queued.
func (q *Queue) Len() (int, error) {
	n := 0
	err := q.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketRetry).Stats().KeyN
		return nil
	})
	return n, err
}

// Worker periodically drains the queue and hands each Item to retry,
// mirroring the teacher's dtn_worker.go ticker loop.
type Worker struct {
	Queue    *Queue
	Interval time.Duration
	BatchSize int
	retry    func(Item) bool // returns true if the retry should be considered delivered

	stop chan struct{}
}

// NewWorker constructs a Worker that calls retry(item) for each dequeued
// item; a false return re-enqueues the item with Attempts incremented.
func NewWorker(q *Queue, interval time.Duration, batchSize int, retry func(Item) bool) *Worker {
	return &Worker{Queue: q, Interval: interval, BatchSize: batchSize, retry: retry, stop: make(chan struct{})}
}

func (w *Worker) Run() {
	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			items, err := w.Queue.DequeueBatch(w.BatchSize)
			if err != nil {
				continue
			}
			for _, item := range items {
				if !w.retry(item) {
					item.Attempts++
					w.Queue.Enqueue(item)
				}
			}
		}
	}
}

func (w *Worker) Stop() { close(w.stop) }
