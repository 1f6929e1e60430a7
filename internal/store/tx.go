package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Hook is a side effect deferred until the outermost unit of work commits.
type Hook func(ctx context.Context) error

// HookError reports after-commit hook failures. The unit of work that
// registered the hooks has already committed.
type HookError struct {
	Err error
}

func (e *HookError) Error() string {
	return "after commit: " + e.Err.Error()
}

func (e *HookError) Unwrap() error {
	return e.Err
}

// IsHookError reports whether err came from an after-commit hook.
// Uses errors.As to handle wrapped errors.
func IsHookError(err error) bool {
	var he *HookError
	return errors.As(err, &he)
}

// txKey scopes the context value to one Store.
type txKey struct{ s *Store }

// txState is the unit of work carried in a context.
//
// frames holds one hook list per open savepoint; frames[0] belongs to the
// outermost transaction. A released savepoint merges its hooks into the
// enclosing frame, a rolled-back one discards them.
type txState struct {
	tx         *sql.Tx
	frames     [][]Hook
	savepoints int
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) txFrom(ctx context.Context) *txState {
	st, _ := ctx.Value(txKey{s}).(*txState)
	return st
}

// InTransaction reports whether ctx carries an open unit of work for s.
func (s *Store) InTransaction(ctx context.Context) bool {
	return s.txFrom(ctx) != nil
}

// InTx runs fn inside a unit of work.
//
// The outermost call begins a transaction; nested calls (a ctx that already
// carries one) open a SAVEPOINT, so an error returned from a nested fn rolls
// back only that nested work. Hooks registered with AfterCommit run after
// the outermost commit, in registration order, with a context that carries
// no transaction. Hook errors are joined into a *HookError; the data is
// already committed at that point.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if st := s.txFrom(ctx); st != nil {
		return s.savepoint(ctx, st, fn)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	st := &txState{tx: tx, frames: [][]Hook{nil}}
	if err := fn(context.WithValue(ctx, txKey{s}, st)); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	return runHooks(ctx, st.frames[0])
}

func (s *Store) savepoint(ctx context.Context, st *txState, fn func(ctx context.Context) error) error {
	st.savepoints++
	name := fmt.Sprintf("sp_%d", st.savepoints)

	if _, err := st.tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return fmt.Errorf("savepoint %s: %w", name, err)
	}
	st.frames = append(st.frames, nil)

	fnErr := fn(ctx)

	frame := st.frames[len(st.frames)-1]
	st.frames = st.frames[:len(st.frames)-1]

	if fnErr != nil {
		if _, err := st.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+name); err != nil {
			return errors.Join(fnErr, fmt.Errorf("rollback to %s: %w", name, err))
		}
		if _, err := st.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+name); err != nil {
			return errors.Join(fnErr, fmt.Errorf("release %s: %w", name, err))
		}
		return fnErr
	}

	if _, err := st.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+name); err != nil {
		return fmt.Errorf("release %s: %w", name, err)
	}
	last := len(st.frames) - 1
	st.frames[last] = append(st.frames[last], frame...)
	return nil
}

// AfterCommit defers hook until the unit of work in ctx commits. Without
// an open unit of work the hook runs immediately.
func (s *Store) AfterCommit(ctx context.Context, hook Hook) error {
	st := s.txFrom(ctx)
	if st == nil {
		return hook(ctx)
	}
	last := len(st.frames) - 1
	st.frames[last] = append(st.frames[last], hook)
	return nil
}

func runHooks(ctx context.Context, hooks []Hook) error {
	var errs []error
	for _, hook := range hooks {
		if err := hook(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return &HookError{Err: errors.Join(errs...)}
}

func (s *Store) conn(ctx context.Context) querier {
	if st := s.txFrom(ctx); st != nil {
		return st.tx
	}
	return s.db
}

func (s *Store) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.conn(ctx).ExecContext(ctx, s.dialect.rebind(query), args...)
}

func (s *Store) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.conn(ctx).QueryContext(ctx, s.dialect.rebind(query), args...)
}

func (s *Store) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.conn(ctx).QueryRowContext(ctx, s.dialect.rebind(query), args...)
}
