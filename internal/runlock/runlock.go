// Package runlock keeps a single writer per run. Local serializes within one
// process; Redis extends the guarantee across workers.
package runlock

import (
	"context"
	"sync"

	"github.com/rotisserie/eris"
)

// ErrHeld means another writer holds the run.
var ErrHeld = eris.New("runlock: run is held by another writer")

// Locker acquires the exclusive right to process a run. The returned
// release func is safe to call more than once.
type Locker interface {
	Acquire(ctx context.Context, runID string) (release func(), err error)
}

// Local is an in-process Locker.
type Local struct {
	mu   sync.Mutex
	held map[string]bool
}

// NewLocal returns an empty Local locker.
func NewLocal() *Local {
	return &Local{held: make(map[string]bool)}
}

// Acquire fails fast with ErrHeld instead of waiting.
func (l *Local) Acquire(_ context.Context, runID string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[runID] {
		return nil, eris.Wrapf(ErrHeld, "runlock: %s", runID)
	}
	l.held[runID] = true

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, runID)
			l.mu.Unlock()
		})
	}, nil
}
