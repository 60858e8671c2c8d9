package router

import (
	"context"
	"sync"
	"time"

	"github.com/PabloGalante/callcore/internal/observability"
)

const (
	defaultRecordTimeout = 2 * time.Second
	maxInflightRecords   = 256
)

// recorder runs memory updates in the background. Failures are logged and
// counted, never returned. When too many updates are in flight new ones are
// dropped rather than queued.
type recorder struct {
	wg      sync.WaitGroup
	slots   chan struct{}
	timeout time.Duration
	metrics *observability.Metrics
}

func newRecorder(metrics *observability.Metrics) *recorder {
	return &recorder{
		slots:   make(chan struct{}, maxInflightRecords),
		timeout: defaultRecordTimeout,
		metrics: metrics,
	}
}

func (r *recorder) Go(ctx context.Context, kind string, fn func(ctx context.Context) error) {
	log := observability.LoggerFromContext(ctx)
	select {
	case r.slots <- struct{}{}:
	default:
		r.metrics.RecordMemoryFailure(kind)
		log.Warn("memory update dropped, too many in flight", "kind", kind)
		return
	}

	// The update outlives the turn that triggered it.
	bg := context.WithoutCancel(ctx)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() { <-r.slots }()
		defer func() {
			if p := recover(); p != nil {
				r.metrics.RecordMemoryFailure(kind)
				log.Error("memory update panicked", "kind", kind, "panic", p)
			}
		}()

		ctx, cancel := context.WithTimeout(bg, r.timeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			r.metrics.RecordMemoryFailure(kind)
			log.Warn("memory update failed", "kind", kind, "error", err)
		}
	}()
}

func (r *recorder) Wait() {
	r.wg.Wait()
}
