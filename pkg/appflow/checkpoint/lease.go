package checkpoint

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultLockTTL      = 30 * time.Second
	defaultPollInterval = 50 * time.Millisecond
)

// lease is a thread lock kept in shared storage. It expires unless refreshed,
// so a crashed owner can't hold a thread forever.
type lease struct {
	owner string
	lost  atomic.Bool
	stop  chan struct{}
	done  chan struct{}
	once  sync.Once
}

// refreshFunc extends a lease. It reports false once someone else owns it.
type refreshFunc func(ctx context.Context) (bool, error)

// leaseSet tracks the leases one store handle holds, so saves can prove
// they still own the thread.
type leaseSet struct {
	mu   sync.Mutex
	held map[string]*lease
}

// start records a freshly claimed lease and refreshes it every ttl/3.
func (ls *leaseSet) start(threadID, owner string, ttl time.Duration, refresh refreshFunc, logger *slog.Logger) *lease {
	l := &lease{owner: owner, stop: make(chan struct{}), done: make(chan struct{})}

	ls.mu.Lock()
	if ls.held == nil {
		ls.held = make(map[string]*lease)
	}
	ls.held[threadID] = l
	ls.mu.Unlock()

	go l.keepAlive(threadID, ttl, refresh, logger)
	return l
}

// get returns the lease held on threadID, or nil.
func (ls *leaseSet) get(threadID string) *lease {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.held[threadID]
}

// end stops refreshing l and forgets it. Safe to call more than once.
func (ls *leaseSet) end(threadID string, l *lease) {
	l.halt()

	ls.mu.Lock()
	if ls.held[threadID] == l {
		delete(ls.held, threadID)
	}
	ls.mu.Unlock()
}

// endAll stops every lease and returns them keyed by thread.
func (ls *leaseSet) endAll() map[string]*lease {
	ls.mu.Lock()
	held := ls.held
	ls.held = nil
	ls.mu.Unlock()

	for _, l := range held {
		l.halt()
	}
	return held
}

func (l *lease) halt() {
	l.once.Do(func() { close(l.stop) })
	<-l.done
}

func (l *lease) keepAlive(threadID string, ttl time.Duration, refresh refreshFunc, logger *slog.Logger) {
	defer close(l.done)

	ticker := time.NewTicker(ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), ttl/3)
			ok, err := refresh(ctx)
			cancel()
			if err != nil {
				logger.Warn("failed to refresh thread lock", "thread_id", threadID, "error", err)
				continue
			}
			if !ok {
				l.lost.Store(true)
				logger.Warn("thread lock lost", "thread_id", threadID)
				return
			}
		}
	}
}
