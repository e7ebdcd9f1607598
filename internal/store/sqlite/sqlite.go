package sqlite

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"strconv"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/loykin/ctamigrate/internal/store"
)

// DefaultLinkCodes are the primary result codes meaning the database file
// can no longer be used through this connection.
var DefaultLinkCodes = []string{
	strconv.Itoa(sqlite3.SQLITE_IOERR),
	strconv.Itoa(sqlite3.SQLITE_CORRUPT),
	strconv.Itoa(sqlite3.SQLITE_CANTOPEN),
	strconv.Itoa(sqlite3.SQLITE_NOTADB),
}

// Driver opens SQLite databases (modernc.org/sqlite, CGO-free). The endpoint
// of the params is the database path; ":memory:" gives a private database.
type Driver struct {
	links store.CodeSet
}

type Option func(*Driver)

// WithLinkCodes replaces the result codes treated as link failures.
func WithLinkCodes(codes ...string) Option {
	return func(d *Driver) { d.links = store.NewCodeSet(codes...) }
}

func New(opts ...Option) *Driver {
	d := &Driver{links: store.NewCodeSet(DefaultLinkCodes...)}
	for _, o := range opts {
		o(d)
	}
	return d
}

func (d *Driver) Name() string { return "sqlite" }

func (d *Driver) Open(ctx context.Context, p store.Params) (store.Conn, error) {
	path := strings.TrimSpace(strings.TrimPrefix(p.Endpoint, "sqlite://"))
	if path == "" {
		return nil, &store.Error{Class: store.ClassOther, Op: "connect", Err: errors.New("empty sqlite path")}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, store.Wrap("connect", err, d.classify)
	}
	db.SetMaxOpenConns(1)
	c, err := db.Conn(ctx)
	if err != nil {
		_ = db.Close()
		return nil, store.Wrap("connect", err, d.classify)
	}
	// busy timeout helps with short concurrent locks
	if _, err := c.ExecContext(ctx, "PRAGMA busy_timeout=3000;"); err != nil {
		_ = c.Close()
		_ = db.Close()
		return nil, store.Wrap("connect", err, d.classify)
	}
	return &conn{db: db, c: c, d: d}, nil
}

func (d *Driver) classify(err error) (string, bool) {
	var se *sqlite.Error
	if errors.As(err, &se) {
		primary := se.Code() & 0xff
		code := strconv.Itoa(primary)
		return code, d.links.Match(code)
	}
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, driver.ErrBadConn) {
		return "conn_done", true
	}
	return "", false
}

type execQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

type conn struct {
	db         *sql.DB
	c          *sql.Conn
	d          *Driver
	tx         *sql.Tx
	autocommit bool
}

func (c *conn) target(ctx context.Context) (execQuerier, error) {
	if c.autocommit {
		return c.c, nil
	}
	if c.tx == nil {
		tx, err := c.c.BeginTx(ctx, nil)
		if err != nil {
			return nil, store.Wrap("begin", err, c.d.classify)
		}
		c.tx = tx
	}
	return c.tx, nil
}

func (c *conn) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	q, err := c.target(ctx)
	if err != nil {
		return 0, err
	}
	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, store.Wrap("exec", err, c.d.classify)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return n, nil
}

func (c *conn) Query(ctx context.Context, query string, args ...any) (store.Rows, error) {
	q, err := c.target(ctx)
	if err != nil {
		return nil, err
	}
	r, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, store.Wrap("query", err, c.d.classify)
	}
	return &rows{r: r, d: c.d}, nil
}

func (c *conn) SetAutocommit(on bool) { c.autocommit = on }

func (c *conn) Commit(context.Context) error {
	if c.tx == nil {
		return nil
	}
	tx := c.tx
	c.tx = nil
	return store.Wrap("commit", tx.Commit(), c.d.classify)
}

func (c *conn) Rollback(context.Context) error {
	if c.tx == nil {
		return nil
	}
	tx := c.tx
	c.tx = nil
	return store.Wrap("rollback", tx.Rollback(), c.d.classify)
}

func (c *conn) Close(context.Context) error {
	if c.tx != nil {
		_ = c.tx.Rollback()
		c.tx = nil
	}
	err := c.c.Close()
	if cerr := c.db.Close(); err == nil {
		err = cerr
	}
	return store.Wrap("close", err, c.d.classify)
}

type rows struct {
	r *sql.Rows
	d *Driver
}

func (r *rows) Next() bool { return r.r.Next() }

func (r *rows) Scan(dest ...any) error { return store.Wrap("scan", r.r.Scan(dest...), r.d.classify) }

func (r *rows) Err() error { return store.Wrap("rows", r.r.Err(), r.d.classify) }

func (r *rows) Close() error { return store.Wrap("rows", r.r.Close(), r.d.classify) }
