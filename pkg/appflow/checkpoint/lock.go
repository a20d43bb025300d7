package checkpoint

import (
	"context"
	"sync"
)

// keyedLocker is an in-process mutex per thread ID. Entries are dropped
// once nobody holds or waits on them.
type keyedLocker struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

func (l *keyedLocker) acquire(ctx context.Context, key string, wait bool) (Unlock, error) {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*keyLock)
	}
	kl, ok := l.locks[key]
	if !ok {
		kl = &keyLock{ch: make(chan struct{}, 1)}
		l.locks[key] = kl
	}
	kl.refs++
	l.mu.Unlock()

	if wait {
		select {
		case kl.ch <- struct{}{}:
		case <-ctx.Done():
			l.release(key, kl)
			return nil, ctx.Err()
		}
	} else {
		select {
		case kl.ch <- struct{}{}:
		default:
			l.release(key, kl)
			return nil, ErrLocked
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-kl.ch
			l.release(key, kl)
		})
	}, nil
}

func (l *keyedLocker) release(key string, kl *keyLock) {
	l.mu.Lock()
	defer l.mu.Unlock()

	kl.refs--
	if kl.refs == 0 {
		delete(l.locks, key)
	}
}
