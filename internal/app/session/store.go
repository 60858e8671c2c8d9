package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/PabloGalante/callcore/internal/domain"
	"github.com/PabloGalante/callcore/internal/observability"
)

// Key identifies a call session.
type Key struct {
	TenantID domain.TenantID
	CallID   domain.CallID
}

// Source is the tier a session was read from.
type Source string

const (
	SourceLocal   Source = "local"
	SourceShared  Source = "shared"
	SourceDurable Source = "durable"
	SourceFresh   Source = "fresh"
)

// Patch mutates a session in place.
type Patch func(s *domain.CallSession)

// WriteOptions controls durability of a write.
type WriteOptions struct {
	// Checkpoint writes the durable store before returning.
	Checkpoint bool
	Reason     string
}

type Options struct {
	LocalTTL         time.Duration
	SharedTTL        time.Duration
	BreakerCooldown  time.Duration
	WriteBehindDepth int
	Workers          int
}

func DefaultOptions() Options {
	return Options{
		LocalTTL:         2 * time.Minute,
		SharedTTL:        time.Hour,
		BreakerCooldown:  5 * time.Second,
		WriteBehindDepth: 1024,
		Workers:          8,
	}
}

// Store reads sessions through three tiers (process-local, shared cache,
// durable store) and writes the fastest tier synchronously. The slower tiers
// are written in the background; checkpoints wait for the durable store.
type Store struct {
	local   *localCache
	shared  domain.SharedCache
	durable domain.DurableStore
	queue   *writeBehind
	breaker *breaker
	metrics *observability.Metrics
	opts    Options
	now     func() time.Time
}

// NewStore builds a store. shared may be nil, in which case every write
// goes to the durable store directly.
func NewStore(shared domain.SharedCache, durable domain.DurableStore, metrics *observability.Metrics, opts Options) *Store {
	def := DefaultOptions()
	if opts.SharedTTL <= 0 {
		opts.SharedTTL = def.SharedTTL
	}
	if opts.BreakerCooldown <= 0 {
		opts.BreakerCooldown = def.BreakerCooldown
	}
	if opts.WriteBehindDepth <= 0 {
		opts.WriteBehindDepth = def.WriteBehindDepth
	}
	if opts.Workers <= 0 {
		opts.Workers = def.Workers
	}

	s := &Store{
		shared:  shared,
		durable: durable,
		metrics: metrics,
		opts:    opts,
		now:     time.Now,
	}
	s.local = newLocalCache(opts.LocalTTL, func() time.Time { return s.now() })
	s.breaker = &breaker{cooldown: opts.BreakerCooldown, now: func() time.Time { return s.now() }}
	s.queue = newWriteBehind(opts.Workers, opts.WriteBehindDepth, s.write, s.dropShared)
	return s
}

func cacheKey(k Key) string {
	return fmt.Sprintf("callcore:session:%s:%s", k.TenantID, k.CallID)
}

func durableKey(k Key) string {
	return "sessions/" + string(k.CallID)
}

func (s *Store) sharedUsable() bool {
	return s.shared != nil && !s.breaker.open()
}

// Get returns the call's session, creating a fresh one on a total miss. It
// never fails: if the durable store is down too, the fresh session is
// flagged Degraded and lives in memory only.
func (s *Store) Get(ctx context.Context, k Key, caller domain.CallerID) (*domain.CallSession, Source) {
	log := observability.LoggerFromContext(ctx)

	if sess, ok := s.local.get(k); ok {
		return sess, SourceLocal
	}

	if s.sharedUsable() {
		raw, err := s.shared.Get(ctx, cacheKey(k))
		switch {
		case err == nil:
			if sess, derr := decode(raw); derr == nil {
				s.local.put(k, sess)
				return sess, SourceShared
			} else {
				log.Warn("discarding unreadable cached session", "error", derr)
			}
		case errors.Is(err, domain.ErrNotFound):
		default:
			s.sharedFailed(ctx, "get", err)
		}
	}

	durableDown := false
	if s.durable != nil {
		raw, err := s.durable.GetDocument(ctx, k.TenantID, durableKey(k))
		switch {
		case err == nil:
			if sess, derr := decode(raw); derr == nil {
				s.local.put(k, sess)
				if s.sharedUsable() {
					s.queue.enqueue(writeJob{key: k, data: raw, shared: true})
				}
				return sess, SourceDurable
			} else {
				log.Warn("discarding unreadable durable session", "error", derr)
			}
		case errors.Is(err, domain.ErrNotFound):
		default:
			durableDown = true
			s.metrics.RecordSessionFallback("durable", "get")
			log.Error("durable session read failed, starting in-memory session",
				"error", fmt.Errorf("%w: %w", domain.ErrSessionStoreUnavailable, err))
		}
	}

	sess := domain.NewCallSession(k.TenantID, k.CallID, caller, s.now().UTC())
	sess.Degraded = durableDown
	return sess, SourceFresh
}

// Put stores sess as the new state of its call and bumps its version. The
// local tier is written first. The shared cache and the durable store follow
// in the background, in per-call order. A checkpoint, or any write while the
// shared tier is unusable, waits for the durable write; its failure is
// returned but the session stays readable from the local tier.
func (s *Store) Put(ctx context.Context, sess *domain.CallSession, opts WriteOptions) error {
	k := Key{TenantID: sess.TenantID, CallID: sess.CallID}
	sess.Version++
	sess.UpdatedAt = s.now().UTC()

	raw, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	s.local.put(k, sess)

	sharedOK := s.sharedUsable()
	job := writeJob{key: k, data: raw, shared: sharedOK, durable: s.durable != nil}
	if !opts.Checkpoint && sharedOK {
		s.queue.enqueue(job)
		return nil
	}

	job.durable = true
	if err := s.apply(ctx, job); err != nil {
		return err
	}
	if opts.Checkpoint {
		observability.LoggerFromContext(ctx).Debug("session checkpointed",
			"reason", opts.Reason,
			"turn", sess.Turn,
			"version", sess.Version)
	}
	return nil
}

// Update applies patch to the current session and stores it.
func (s *Store) Update(ctx context.Context, k Key, caller domain.CallerID, patch Patch, opts WriteOptions) (*domain.CallSession, error) {
	sess, _ := s.Get(ctx, k, caller)
	patch(sess)
	if err := s.Put(ctx, sess, opts); err != nil {
		return sess, err
	}
	return sess, nil
}

// Finalize records the outcome, archives the session synchronously and
// evicts it from the cache tiers.
func (s *Store) Finalize(ctx context.Context, k Key, outcome domain.CallOutcome) (*domain.CallSession, error) {
	sess, _ := s.Get(ctx, k, "")
	now := s.now().UTC()
	sess.Outcome = outcome
	sess.Lane = domain.LaneClosed
	sess.EndedAt = &now
	sess.Version++
	sess.UpdatedAt = now

	raw, err := json.Marshal(sess)
	if err != nil {
		return nil, fmt.Errorf("encode session: %w", err)
	}
	if err := s.apply(ctx, writeJob{key: k, data: raw, durable: true, evict: true}); err != nil {
		return sess, err
	}
	s.local.delete(k)
	return sess, nil
}

// GetDurable reads the durable copy, bypassing both cache tiers, and makes
// it the local copy. ok is false when there is no readable durable copy.
func (s *Store) GetDurable(ctx context.Context, k Key) (sess *domain.CallSession, ok bool) {
	if s.durable == nil {
		return nil, false
	}
	raw, err := s.durable.GetDocument(ctx, k.TenantID, durableKey(k))
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			s.metrics.RecordSessionFallback("durable", "get")
			observability.LoggerFromContext(ctx).Warn("durable session read failed",
				"error", fmt.Errorf("%w: %w", domain.ErrSessionStoreUnavailable, err))
		}
		return nil, false
	}
	sess, err = decode(raw)
	if err != nil {
		observability.LoggerFromContext(ctx).Warn("discarding unreadable durable session", "error", err)
		return nil, false
	}
	s.local.put(k, sess)
	return sess, true
}

// Close drains queued background writes.
func (s *Store) Close(ctx context.Context) error {
	return s.queue.close(ctx)
}

func (s *Store) writeDurable(ctx context.Context, k Key, raw []byte) error {
	if s.durable == nil {
		return fmt.Errorf("%w: no durable store configured", domain.ErrSessionStoreUnavailable)
	}
	if err := s.durable.PutDocument(ctx, k.TenantID, durableKey(k), raw); err != nil {
		s.metrics.RecordSessionFallback("durable", "put")
		return fmt.Errorf("%w: %w", domain.ErrSessionStoreUnavailable, err)
	}
	return nil
}

// apply runs job in order behind the call's queued writes and waits for it.
// Once the queue is closed the job runs inline.
func (s *Store) apply(ctx context.Context, job writeJob) error {
	err := s.queue.submit(ctx, job)
	switch {
	case errors.Is(err, errQueueClosed):
		return s.write(ctx, job)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", domain.ErrSessionStoreUnavailable, err)
	}
	return err
}

// write applies one job on a write-behind worker. A shared cache failure
// trips the breaker; the durable write still goes ahead.
func (s *Store) write(ctx context.Context, job writeJob) error {
	if job.shared && s.sharedUsable() {
		if err := s.shared.Set(ctx, cacheKey(job.key), job.data, s.opts.SharedTTL); err != nil {
			s.sharedFailed(ctx, "set", err)
		}
	}
	if job.durable {
		if err := s.writeDurable(ctx, job.key, job.data); err != nil {
			if job.done == nil {
				observability.Logger().Error("background session write lost",
					"tenant_id", job.key.TenantID,
					"call_id", job.key.CallID,
					"error", err)
			}
			return err
		}
	}
	if job.evict && s.sharedUsable() {
		if err := s.shared.Delete(ctx, cacheKey(job.key)); err != nil {
			s.sharedFailed(ctx, "delete", err)
		}
	}
	return nil
}

func (s *Store) dropShared(job writeJob) {
	s.metrics.RecordSessionFallback("write_behind", "queue_full")
	observability.Logger().Warn("background session write dropped, queue full",
		"tenant_id", job.key.TenantID,
		"call_id", job.key.CallID)
}

func (s *Store) sharedFailed(ctx context.Context, op string, err error) {
	s.breaker.trip()
	s.metrics.RecordSessionFallback("shared", op)
	observability.LoggerFromContext(ctx).Warn("shared session cache unavailable, using durable store",
		"op", op,
		"cooldown", s.opts.BreakerCooldown.String(),
		"error", err)
}

func decode(raw []byte) (*domain.CallSession, error) {
	var sess domain.CallSession
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	if sess.Asks == nil {
		sess.Asks = make(map[string]int)
	}
	if sess.Slots.Pending == nil || sess.Slots.Confirmed == nil {
		slots := domain.NewSlotSet()
		for k, v := range sess.Slots.Pending {
			slots.Pending[k] = v
		}
		for k, v := range sess.Slots.Confirmed {
			slots.Confirmed[k] = v
		}
		sess.Slots = slots
	}
	return &sess, nil
}
