package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/rohmanhakim/harvester/internal/kv"
	"github.com/rohmanhakim/harvester/internal/work"
)

// Durable is a FIFO queue of work items persisted in a kv.Store.
//
// Layout under namespace ns:
//
//	ns:next_id    next sequence id to assign
//	ns:head       oldest sequence id not yet consumed
//	ns:size       number of queued items, maintained incrementally
//	ns:items:<id> one Record per queued item
//
// Every operation runs under a single per-instance lock, so one Durable may
// be shared by any number of goroutines. Two instances over the same store
// and namespace must not be used at the same time.
//
// Delivery is at-most-once: an item is deleted when it is dequeued, so an
// item a worker was holding when the process died is not redelivered.
//
// A record that no longer decodes is removed, logged with its key and
// counted in Stats.Skipped.
type Durable struct {
	store     kv.Store
	namespace string
	keys      keys
	lock      chan struct{}
	closed    atomic.Bool
	skipped   atomic.Int64
	logger    *slog.Logger
	now       func() time.Time
}

type Option func(*Durable)

// WithLogger sets the logger that reports skipped records. Default slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(q *Durable) {
		if logger != nil {
			q.logger = logger
		}
	}
}

// Open attaches to namespace in store. Items left by an earlier run with the
// same namespace are resumed.
func Open(ctx context.Context, store kv.Store, namespace string, opts ...Option) (*Durable, error) {
	if namespace == "" {
		return nil, ErrNoNamespace
	}

	q := &Durable{
		store:     store,
		namespace: namespace,
		keys:      newKeys(namespace),
		lock:      make(chan struct{}, 1),
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}

	// fail early on an unreachable or corrupt backend
	if _, err := q.Stats(ctx); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *Durable) Namespace() string {
	return q.namespace
}

func (q *Durable) acquire(ctx context.Context) error {
	select {
	case q.lock <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	if q.closed.Load() {
		q.release()
		return ErrClosed
	}
	return nil
}

func (q *Durable) release() {
	<-q.lock
}

// Enqueue appends items in order and returns how many were queued.
// Items without an enqueue timestamp are stamped with the current time.
func (q *Durable) Enqueue(ctx context.Context, items []work.WorkItem) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}
	if err := q.acquire(ctx); err != nil {
		return 0, err
	}
	defer q.release()

	next, err := q.readCounter(ctx, q.keys.nextID)
	if err != nil {
		return 0, err
	}
	size, err := q.readCounter(ctx, q.keys.size)
	if err != nil {
		return 0, err
	}

	// encode everything first so a bad item leaves the queue untouched
	now := q.now()
	payloads := make([][]byte, len(items))
	for i, item := range items {
		payload, err := json.Marshal(Record{Seq: next + uint64(i), Item: item.Stamp(now)})
		if err != nil {
			return 0, fmt.Errorf("%w %q: %w", ErrEncodeRecord, item.ID, err)
		}
		payloads[i] = payload
	}

	for i, payload := range payloads {
		key := q.keys.item(next + uint64(i))
		if err := q.store.Set(ctx, key, payload, 0); err != nil {
			return 0, &BackendError{Op: "set", Key: key, Err: err}
		}
	}

	if err := q.writeCounter(ctx, q.keys.nextID, next+uint64(len(items))); err != nil {
		return 0, err
	}
	if err := q.writeCounter(ctx, q.keys.size, size+uint64(len(items))); err != nil {
		return 0, err
	}
	return len(items), nil
}

// Dequeue removes and returns up to limit of the oldest items.
// An empty slice means the queue is empty.
func (q *Durable) Dequeue(ctx context.Context, limit int) ([]work.WorkItem, error) {
	if limit <= 0 {
		return nil, nil
	}
	if err := q.acquire(ctx); err != nil {
		return nil, err
	}
	defer q.release()

	head, next, size, err := q.cursor(ctx)
	if err != nil {
		return nil, err
	}

	var out []work.WorkItem
	for head < next && len(out) < limit {
		seq := head
		rec, found, err := q.readRecord(ctx, seq)
		if err != nil && !errors.Is(err, ErrDecodeRecord) {
			return out, err
		}

		key := q.keys.item(seq)
		if found {
			if err := q.store.Delete(ctx, key); err != nil {
				return out, &BackendError{Op: "delete", Key: key, Err: err}
			}
		}

		head = seq + 1
		if err := q.writeCounter(ctx, q.keys.head, head); err != nil {
			return out, err
		}
		if !found {
			continue
		}

		if size > 0 {
			size--
		}
		if err := q.writeCounter(ctx, q.keys.size, size); err != nil {
			return out, err
		}
		if rec == nil {
			q.skipped.Add(1)
			q.logger.Warn("dropped undecodable queue record",
				slog.String("namespace", q.namespace),
				slog.String("key", key),
				slog.Any("error", err),
			)
			continue
		}
		out = append(out, rec.Item)
	}

	// a drained queue cannot hold items; repair a size left high by a crash
	if head >= next && size != 0 {
		if err := q.writeCounter(ctx, q.keys.size, 0); err != nil {
			return out, err
		}
	}
	return out, nil
}

// Peek returns up to limit of the oldest items without removing them.
func (q *Durable) Peek(ctx context.Context, limit int) ([]work.WorkItem, error) {
	if limit <= 0 {
		return nil, nil
	}
	if err := q.acquire(ctx); err != nil {
		return nil, err
	}
	defer q.release()

	head, next, _, err := q.cursor(ctx)
	if err != nil {
		return nil, err
	}

	var out []work.WorkItem
	for seq := head; seq < next && len(out) < limit; seq++ {
		rec, _, err := q.readRecord(ctx, seq)
		if err != nil && !errors.Is(err, ErrDecodeRecord) {
			return nil, err
		}
		if rec != nil {
			out = append(out, rec.Item)
		}
	}
	return out, nil
}

// Size returns the number of queued items without scanning.
func (q *Durable) Size(ctx context.Context) (int, error) {
	if err := q.acquire(ctx); err != nil {
		return 0, err
	}
	defer q.release()

	size, err := q.readCounter(ctx, q.keys.size)
	if err != nil {
		return 0, err
	}
	return int(size), nil
}

// Stats returns every counter of the namespace.
func (q *Durable) Stats(ctx context.Context) (Stats, error) {
	if err := q.acquire(ctx); err != nil {
		return Stats{}, err
	}
	defer q.release()

	head, next, size, err := q.cursor(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{Size: int(size), Head: head, NextID: next, Skipped: q.skipped.Load()}, nil
}

// Clear drops every queued item and returns how many were removed.
func (q *Durable) Clear(ctx context.Context) (int, error) {
	if err := q.acquire(ctx); err != nil {
		return 0, err
	}
	defer q.release()

	head, next, _, err := q.cursor(ctx)
	if err != nil {
		return 0, err
	}

	removed := 0
	for seq := head; seq < next; seq++ {
		key := q.keys.item(seq)
		ok, err := q.store.Exists(ctx, key)
		if err != nil {
			return removed, &BackendError{Op: "exists", Key: key, Err: err}
		}
		if !ok {
			continue
		}
		if err := q.store.Delete(ctx, key); err != nil {
			return removed, &BackendError{Op: "delete", Key: key, Err: err}
		}
		removed++
	}

	if err := q.writeCounter(ctx, q.keys.head, next); err != nil {
		return removed, err
	}
	if err := q.writeCounter(ctx, q.keys.size, 0); err != nil {
		return removed, err
	}
	return removed, nil
}

// Close waits for the running operation, if any, and rejects every later one.
// Persisted items are left in place for the next Open.
func (q *Durable) Close() error {
	if q.closed.Load() {
		return nil
	}
	q.lock <- struct{}{}
	q.closed.Store(true)
	q.release()
	return nil
}

// cursor reads head, next_id and size. Caller must hold the lock.
func (q *Durable) cursor(ctx context.Context) (head, next, size uint64, err error) {
	if head, err = q.readCounter(ctx, q.keys.head); err != nil {
		return
	}
	if next, err = q.readCounter(ctx, q.keys.nextID); err != nil {
		return
	}
	size, err = q.readCounter(ctx, q.keys.size)
	return
}

// readRecord loads the record stored under seq. A missing key yields
// found == false; an undecodable record is reported as found with a nil
// record and an error wrapping ErrDecodeRecord.
func (q *Durable) readRecord(ctx context.Context, seq uint64) (*Record, bool, error) {
	key := q.keys.item(seq)
	payload, err := q.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, &BackendError{Op: "get", Key: key, Err: err}
	}

	var rec Record
	if err := json.Unmarshal(payload, &rec); err != nil {
		return nil, true, fmt.Errorf("%w %s: %w", ErrDecodeRecord, key, err)
	}
	return &rec, true, nil
}

func (q *Durable) readCounter(ctx context.Context, key string) (uint64, error) {
	raw, err := q.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return 0, nil
		}
		return 0, &BackendError{Op: "get", Key: key, Err: err}
	}
	n, err := strconv.ParseUint(string(raw), 10, 64)
	if err != nil {
		return 0, &BackendError{Op: "decode", Key: key, Err: err}
	}
	return n, nil
}

func (q *Durable) writeCounter(ctx context.Context, key string, n uint64) error {
	if err := q.store.Set(ctx, key, []byte(strconv.FormatUint(n, 10)), 0); err != nil {
		return &BackendError{Op: "set", Key: key, Err: err}
	}
	return nil
}
