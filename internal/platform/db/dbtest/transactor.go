// Package dbtest provides in-memory stand-ins for the db package in unit tests.
package dbtest

import (
	"context"
	"sync"

	"github.com/mentalspace/ehr/internal/platform/db"
)

type undoKey struct{}

type undoLog struct {
	fns []func()
}

// Undo registers a compensation that reverts an in-memory write if the
// surrounding transaction rolls back. Outside a transaction it is a no-op.
func Undo(ctx context.Context, fn func()) {
	if l, ok := ctx.Value(undoKey{}).(*undoLog); ok {
		l.fns = append(l.fns, fn)
	}
}

// Transactor emulates db.Transactor for map-backed fake repositories. On
// error every registered Undo runs in reverse order; on success the commit
// hooks registered with db.AfterCommit run.
type Transactor struct {
	mu        sync.Mutex
	Commits   int
	Rollbacks int
}

func (t *Transactor) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, nested := ctx.Value(undoKey{}).(*undoLog); nested {
		return fn(ctx)
	}
	log := &undoLog{}
	ctx = context.WithValue(ctx, undoKey{}, log)
	ctx, hooks := db.WithCommitHooks(ctx)

	if err := fn(ctx); err != nil {
		for i := len(log.fns) - 1; i >= 0; i-- {
			log.fns[i]()
		}
		t.mu.Lock()
		t.Rollbacks++
		t.mu.Unlock()
		return err
	}
	t.mu.Lock()
	t.Commits++
	t.mu.Unlock()
	hooks.Run(ctx)
	return nil
}
