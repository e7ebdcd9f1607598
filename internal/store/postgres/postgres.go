package postgres

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/loykin/ctamigrate/internal/store"
)

// DefaultLinkCodes are the SQLSTATEs raised when the server side of the
// connection goes away: the whole connection exception class, administrator
// and crash shutdowns, "cannot connect now" and too many connections.
var DefaultLinkCodes = []string{"08*", "57P01", "57P02", "57P03", "53300"}

// Driver opens native pgx connections.
type Driver struct {
	links   store.CodeSet
	appName string
}

type Option func(*Driver)

// WithLinkCodes replaces the SQLSTATEs treated as link failures.
func WithLinkCodes(codes ...string) Option {
	return func(d *Driver) { d.links = store.NewCodeSet(codes...) }
}

func New(opts ...Option) *Driver {
	d := &Driver{
		links:   store.NewCodeSet(DefaultLinkCodes...),
		appName: fmt.Sprintf("ctamigrate pid=%d", os.Getpid()),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

func (d *Driver) Name() string { return "postgres" }

func (d *Driver) Open(ctx context.Context, p store.Params) (store.Conn, error) {
	cfg, err := pgx.ParseConfig(DSN(p))
	if err != nil {
		return nil, &store.Error{Class: store.ClassOther, Op: "connect", Err: err}
	}
	if d.appName != "" {
		cfg.RuntimeParams["application_name"] = d.appName
	}
	c, err := pgx.ConnectConfig(ctx, cfg)
	if err != nil {
		return nil, store.Wrap("connect", err, d.classify)
	}
	return &conn{c: c, d: d}, nil
}

// DSN builds a postgres URL from p. An endpoint that already is a URL is
// kept and only completed with the credentials and options of p.
func DSN(p store.Params) string {
	ep := p.Endpoint
	var u *url.URL
	if strings.HasPrefix(ep, "postgres://") || strings.HasPrefix(ep, "postgresql://") {
		parsed, err := url.Parse(ep)
		if err != nil {
			return ep
		}
		u = parsed
	} else {
		host, db, _ := strings.Cut(ep, "/")
		u = &url.URL{Scheme: "postgres", Host: host, Path: "/" + db}
	}
	if p.User != "" {
		if p.Password != "" {
			u.User = url.UserPassword(p.User, p.Password)
		} else {
			u.User = url.User(p.User)
		}
	}
	if len(p.Options) > 0 {
		q := u.Query()
		for k, v := range p.Options {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
	}
	return u.String()
}

func (d *Driver) classify(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code, d.links.Match(pgErr.Code)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "", false
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return "connect", true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return "eof", true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return "net", true
	}
	if pgconn.SafeToRetry(err) {
		return "retry", true
	}
	return "", false
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type conn struct {
	c          *pgx.Conn
	d          *Driver
	tx         pgx.Tx
	autocommit bool
}

func (c *conn) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if c.c.IsClosed() {
		var pgErr *pgconn.PgError
		if !errors.As(err, &pgErr) {
			return &store.Error{Class: store.ClassLink, Code: "closed", Op: op, Err: err}
		}
	}
	return store.Wrap(op, err, c.d.classify)
}

func (c *conn) target(ctx context.Context) (querier, error) {
	if c.autocommit {
		return c.c, nil
	}
	if c.tx == nil {
		tx, err := c.c.Begin(ctx)
		if err != nil {
			return nil, c.wrap("begin", err)
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
	tag, err := q.Exec(ctx, Rebind(query), args...)
	if err != nil {
		return 0, c.wrap("exec", err)
	}
	return tag.RowsAffected(), nil
}

func (c *conn) Query(ctx context.Context, query string, args ...any) (store.Rows, error) {
	q, err := c.target(ctx)
	if err != nil {
		return nil, err
	}
	r, err := q.Query(ctx, Rebind(query), args...)
	if err != nil {
		return nil, c.wrap("query", err)
	}
	return &rows{r: r, c: c}, nil
}

func (c *conn) SetAutocommit(on bool) { c.autocommit = on }

func (c *conn) Commit(ctx context.Context) error {
	if c.tx == nil {
		return nil
	}
	tx := c.tx
	c.tx = nil
	return c.wrap("commit", tx.Commit(ctx))
}

func (c *conn) Rollback(ctx context.Context) error {
	if c.tx == nil {
		return nil
	}
	tx := c.tx
	c.tx = nil
	return c.wrap("rollback", tx.Rollback(ctx))
}

func (c *conn) Close(ctx context.Context) error {
	if c.tx != nil {
		_ = c.tx.Rollback(ctx)
		c.tx = nil
	}
	return c.wrap("close", c.c.Close(ctx))
}

type rows struct {
	r pgx.Rows
	c *conn
}

func (r *rows) Next() bool { return r.r.Next() }

func (r *rows) Scan(dest ...any) error { return r.c.wrap("scan", r.r.Scan(dest...)) }

func (r *rows) Err() error { return r.c.wrap("rows", r.r.Err()) }

func (r *rows) Close() error {
	r.r.Close()
	return r.c.wrap("rows", r.r.Err())
}

// Rebind turns '?' placeholders into postgres '$n' ones, leaving quoted
// literals and identifiers alone.
func Rebind(query string) string {
	if strings.IndexByte(query, '?') == -1 {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	var quote byte
	for i := 0; i < len(query); i++ {
		ch := query[i]
		switch {
		case quote != 0:
			if ch == quote {
				quote = 0
			}
		case ch == '\'' || ch == '"':
			quote = ch
		case ch == '?':
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteByte(ch)
	}
	return b.String()
}
