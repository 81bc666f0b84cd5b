// Package txcoordinator brackets a caller function with transactions across
// one or more named databases (§4.2 of the spec): best-effort atomicity, not
// two-phase commit. If commit on database k fails after 1..k-1 already
// committed, those partial commits remain and the error propagates to the
// caller — handlers that need stronger guarantees must be idempotent.
package txcoordinator

import (
	"context"
	"errors"
	"fmt"

	"github.com/distjob/scheduler/internal/dbreg"
)

// Mode selects whether the bracketed transactions are writable or read-only.
type Mode int

const (
	ReadWrite Mode = iota
	ReadOnly
)

var (
	// ErrNestedCoordinator is returned when WithTransactions is called
	// against a context that already carries a transaction set — nested
	// invocations are not supported per the Design Notes (§9).
	ErrNestedCoordinator = errors.New("txcoordinator: nested coordinator invocation")
)

type txSetKey struct{}

// txSet is the task-local map published into context: one *dbreg.Tx per
// named database, looked up by name from inside the bracketed function.
type txSet struct {
	txs map[string]*dbreg.Tx
}

// Coordinator acquires connections from a registry and brackets caller
// functions with per-database transactions.
type Coordinator struct {
	registry *dbreg.Registry
}

// New returns a Coordinator drawing connections from registry.
func New(registry *dbreg.Registry) *Coordinator {
	return &Coordinator{registry: registry}
}

// WithTransactions acquires one connection per name (in the given order),
// begins a transaction on each under mode, publishes them into a task-local
// context map, runs fn, then commits all (in acquisition order) on success
// or rolls back all (in reverse order) on failure. Connections are released
// unconditionally.
func (c *Coordinator) WithTransactions(ctx context.Context, names []string, mode Mode, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txSetKey{}).(*txSet); ok {
		return ErrNestedCoordinator
	}

	readonly := mode == ReadOnly

	type acquired struct {
		conn *dbreg.Conn
		tx   *dbreg.Tx
		name string
	}
	acquiredList := make([]acquired, 0, len(names))

	releaseAll := func() {
		for i := len(acquiredList) - 1; i >= 0; i-- {
			acquiredList[i].conn.Release()
		}
	}

	for _, name := range names {
		pool, err := c.registry.Get(name)
		if err != nil {
			releaseAll()
			return err
		}
		conn, err := pool.Acquire(ctx)
		if err != nil {
			releaseAll()
			return fmt.Errorf("txcoordinator: acquire %q: %w", name, err)
		}
		tx, err := conn.Begin(ctx, readonly)
		if err != nil {
			conn.Release()
			releaseAll()
			return fmt.Errorf("txcoordinator: begin %q: %w", name, err)
		}
		acquiredList = append(acquiredList, acquired{conn: conn, tx: tx, name: name})
	}
	defer releaseAll()

	set := &txSet{txs: make(map[string]*dbreg.Tx, len(acquiredList))}
	for _, a := range acquiredList {
		set.txs[a.name] = a.tx
	}
	taskCtx := context.WithValue(ctx, txSetKey{}, set)

	fnErr := fn(taskCtx)
	if fnErr != nil {
		for i := len(acquiredList) - 1; i >= 0; i-- {
			_ = acquiredList[i].tx.Rollback()
		}
		return fnErr
	}

	for _, a := range acquiredList {
		if err := a.tx.Commit(); err != nil {
			// Best-effort atomicity: prior commits in this loop already
			// landed and are not rolled back. Propagate so the caller knows
			// the outcome is partial.
			return fmt.Errorf("txcoordinator: commit %q: %w", a.name, err)
		}
	}
	return nil
}

// TxFor looks up the named database's transaction from a context previously
// produced by WithTransactions. The second return is false outside of a
// bracketed call, or for an unrecognized name.
func TxFor(ctx context.Context, name string) (*dbreg.Tx, bool) {
	set, ok := ctx.Value(txSetKey{}).(*txSet)
	if !ok {
		return nil, false
	}
	tx, ok := set.txs[name]
	return tx, ok
}
