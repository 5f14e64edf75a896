package syncer

import (
	"context"
	"fmt"
	"sync"

	"github.com/psadtpro/psadt-search/engine/domain"
)

// Locker grants the single-flight lock of a collection. Acquire fails with
// domain.ErrSyncInProgress while another holder has it. Every process that
// syncs the same collections must share one Locker backend;
// source.Leases is the shared one.
type Locker interface {
	Acquire(ctx context.Context, name string) (release func(), err error)
	Held(ctx context.Context, name string) (bool, error)
}

// LocalLocker is a process-local Locker. It serializes syncs within one
// process only.
type LocalLocker struct {
	mu      sync.Mutex
	running map[string]bool
}

// NewLocalLocker returns an empty LocalLocker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{running: make(map[string]bool)}
}

func (l *LocalLocker) Acquire(_ context.Context, name string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running[name] {
		return nil, fmt.Errorf("syncer: %s: %w", name, domain.ErrSyncInProgress)
	}
	l.running[name] = true
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.running, name)
			l.mu.Unlock()
		})
	}, nil
}

func (l *LocalLocker) Held(_ context.Context, name string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running[name], nil
}
