package session

import (
	"context"
	"sync"
)

// Locks is a set of per-thread mutexes. The zero value is ready to use.
// Entries are removed once no caller holds or waits for them.
type Locks struct {
	mu      sync.Mutex
	threads map[string]*threadLock
}

type threadLock struct {
	ch   chan struct{}
	refs int
}

// Lock blocks until the caller holds threadID's lock or ctx is done.
// The returned unlock function is safe to call more than once.
func (l *Locks) Lock(ctx context.Context, threadID string) (unlock func(), err error) {
	l.mu.Lock()
	if l.threads == nil {
		l.threads = make(map[string]*threadLock)
	}
	tl, ok := l.threads[threadID]
	if !ok {
		tl = &threadLock{ch: make(chan struct{}, 1)}
		l.threads[threadID] = tl
	}
	tl.refs++
	l.mu.Unlock()

	select {
	case tl.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(threadID, tl)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-tl.ch
			l.release(threadID, tl)
		})
	}, nil
}

func (l *Locks) release(threadID string, tl *threadLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	tl.refs--
	if tl.refs == 0 {
		delete(l.threads, threadID)
	}
}

// held reports how many threads have lock entries; used in tests.
func (l *Locks) held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.threads)
}
