/*
Package lock provides installment-level mutual exclusion across processes.

PURPOSE:
  The stores already serialize writers inside one process (memory, sqlite)
  or one database (mysql FOR UPDATE). When several engine instances share
  a database without row locks, a Locker keeps two of them from accruing
  the same installment at once.

IMPLEMENTATIONS:
  - Nop:   no cross-process locking (single node)
  - Local: in-process, non-blocking
  - Redis: SET NX PX with a token, released by compare-and-delete

CONTRACT:
  Acquire never blocks on a held key. It fails fast with
  generic.ErrConcurrencyConflict and the batch driver retries later.

SEE ALSO:
  - engine/engine.go: Acquires "installment:<id>" around each accrual
*/
package lock

import (
	"context"
	"fmt"
	"sync"

	"github.com/warp/delinquency-engine/generic"
)

// Release gives a held key back.
type Release func(ctx context.Context) error

type Locker interface {
	Acquire(ctx context.Context, key string) (Release, error)
}

func conflict(key string) error {
	return fmt.Errorf("%w: %s is locked", generic.ErrConcurrencyConflict, key)
}

// =============================================================================
// NOP
// =============================================================================

type Nop struct{}

func (Nop) Acquire(context.Context, string) (Release, error) {
	return func(context.Context) error { return nil }, nil
}

// =============================================================================
// LOCAL
// =============================================================================

type Local struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewLocal() *Local {
	return &Local{held: make(map[string]struct{})}
}

func (l *Local) Acquire(_ context.Context, key string) (Release, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.held[key]; busy {
		return nil, conflict(key)
	}
	l.held[key] = struct{}{}

	var once sync.Once
	return func(context.Context) error {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
		return nil
	}, nil
}
