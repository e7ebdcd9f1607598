package store

import (
	"context"
	"errors"
)

// ErrNoRows is returned by single row lookups that matched nothing.
var ErrNoRows = errors.New("no rows in result set")

// Rows is a forward only cursor over a query result.
// Callers must Close it; Err reports the error that stopped iteration, if any.
type Rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close() error
}

// Conn is one live connection to a remote store. A Conn is not safe for
// concurrent use; the session layer hands each execution unit its own.
//
// When autocommit is off, the first statement opens a transaction that stays
// open until Commit or Rollback. When it is on, every statement commits on its own.
type Conn interface {
	Exec(ctx context.Context, query string, args ...any) (int64, error)
	Query(ctx context.Context, query string, args ...any) (Rows, error)
	SetAutocommit(on bool)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
	Close(ctx context.Context) error
}

// Driver opens connections for one store kind. Every error returned by the
// driver or by a Conn/Rows it produced is a *Error carrying its Class.
type Driver interface {
	Name() string
	Open(ctx context.Context, p Params) (Conn, error)
}
