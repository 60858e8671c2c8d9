package conversation

import (
	"context"
	"sync"

	"github.com/PabloGalante/callcore/internal/app/session"
)

// turnLocks gives every call a single turn handler. Entries are reference
// counted and dropped when nobody holds or waits for them.
type turnLocks struct {
	mu    sync.Mutex
	locks map[session.Key]*turnLock
}

type turnLock struct {
	ch   chan struct{}
	refs int
}

func newTurnLocks() *turnLocks {
	return &turnLocks{locks: make(map[session.Key]*turnLock)}
}

// lock waits for the call's lock or for ctx.
func (l *turnLocks) lock(ctx context.Context, k session.Key) (func(), error) {
	l.mu.Lock()
	tl, ok := l.locks[k]
	if !ok {
		tl = &turnLock{ch: make(chan struct{}, 1)}
		l.locks[k] = tl
	}
	tl.refs++
	l.mu.Unlock()

	select {
	case tl.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(k, tl)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-tl.ch
			l.release(k, tl)
		})
	}, nil
}

func (l *turnLocks) release(k session.Key, tl *turnLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	tl.refs--
	if tl.refs == 0 {
		delete(l.locks, k)
	}
}

func (l *turnLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
