package session

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"time"
)

type writeJob struct {
	key  Key
	data []byte

	shared  bool // set the shared cache
	durable bool // write the durable store
	evict   bool // delete from the shared cache after the durable write

	done chan error // set when the writer waits for the result
}

var errQueueClosed = errors.New("session write queue closed")

// writeBehind runs session writes off the turn path. Jobs are sharded by call
// so writes of one call are applied in order, including the ones a caller
// waits for.
type writeBehind struct {
	shards []chan writeJob
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	write func(ctx context.Context, job writeJob) error
	drop  func(job writeJob)
}

func newWriteBehind(workers, depth int, write func(context.Context, writeJob) error, drop func(writeJob)) *writeBehind {
	if workers <= 0 {
		workers = 1
	}
	w := &writeBehind{
		shards: make([]chan writeJob, workers),
		write:  write,
		drop:   drop,
	}
	for i := range w.shards {
		ch := make(chan writeJob, depth)
		w.shards[i] = ch
		w.wg.Add(1)
		go w.run(ch)
	}
	return w
}

func (w *writeBehind) run(ch chan writeJob) {
	defer w.wg.Done()
	for job := range ch {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err := w.write(ctx, job)
		cancel()
		if job.done != nil {
			job.done <- err
		}
	}
}

func (w *writeBehind) shard(k Key) chan writeJob {
	h := fnv.New32a()
	_, _ = h.Write([]byte(k.TenantID))
	_, _ = h.Write([]byte(k.CallID))
	return w.shards[h.Sum32()%uint32(len(w.shards))]
}

// enqueue never blocks the caller: a full shard drops the job.
func (w *writeBehind) enqueue(job writeJob) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return false
	}

	select {
	case w.shard(job.key) <- job:
		return true
	default:
		w.drop(job)
		return false
	}
}

// submit queues job behind the call's earlier writes and waits for it to be
// applied, or for ctx.
func (w *writeBehind) submit(ctx context.Context, job writeJob) error {
	job.done = make(chan error, 1)

	w.mu.RLock()
	if w.closed {
		w.mu.RUnlock()
		return errQueueClosed
	}
	select {
	case w.shard(job.key) <- job:
	case <-ctx.Done():
		w.mu.RUnlock()
		return ctx.Err()
	}
	w.mu.RUnlock()

	select {
	case err := <-job.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// close stops accepting jobs and waits for queued ones, or for ctx.
func (w *writeBehind) close(ctx context.Context) error {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		for _, ch := range w.shards {
			close(ch)
		}
	}
	w.mu.Unlock()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
