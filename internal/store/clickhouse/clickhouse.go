package clickhouse

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/loykin/ctamigrate/internal/store"
)

// DefaultLinkCodes are the server exception codes for a broken or timed out
// connection: UNEXPECTED_END_OF_FILE, ATTEMPT_TO_READ_AFTER_EOF,
// TIMEOUT_EXCEEDED, SOCKET_TIMEOUT, NETWORK_ERROR and SYSTEM_ERROR.
var DefaultLinkCodes = []string{"3", "32", "159", "209", "210", "425"}

// Driver opens native protocol ClickHouse connections. ClickHouse has no
// transactions, so autocommit is accepted and ignored.
type Driver struct {
	links       store.CodeSet
	dialTimeout time.Duration
}

type Option func(*Driver)

// WithLinkCodes replaces the exception codes treated as link failures.
func WithLinkCodes(codes ...string) Option {
	return func(d *Driver) { d.links = store.NewCodeSet(codes...) }
}

func WithDialTimeout(t time.Duration) Option {
	return func(d *Driver) { d.dialTimeout = t }
}

func New(opts ...Option) *Driver {
	d := &Driver{links: store.NewCodeSet(DefaultLinkCodes...), dialTimeout: 10 * time.Second}
	for _, o := range opts {
		o(d)
	}
	return d
}

func (d *Driver) Name() string { return "clickhouse" }

// Options converts p into client options. The endpoint is "host:port[/database]",
// optionally prefixed with "clickhouse://".
func (d *Driver) Options(p store.Params) *clickhouse.Options {
	ep := strings.TrimPrefix(p.Endpoint, "clickhouse://")
	addr, db, _ := strings.Cut(ep, "/")
	if db == "" {
		db = "default"
	}
	user := p.User
	if user == "" {
		user = "default"
	}
	return &clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: db,
			Username: user,
			Password: p.Password,
		},
		DialTimeout: d.dialTimeout,
	}
}

func (d *Driver) Open(ctx context.Context, p store.Params) (store.Conn, error) {
	c, err := clickhouse.Open(d.Options(p))
	if err != nil {
		return nil, &store.Error{Class: store.ClassOther, Op: "connect", Err: err}
	}
	if err := c.Ping(ctx); err != nil {
		_ = c.Close()
		var ex *clickhouse.Exception
		if !errors.As(err, &ex) {
			// nothing answered on the other side
			return nil, &store.Error{Class: store.ClassLink, Code: "connect", Op: "connect", Err: err}
		}
		return nil, store.Wrap("connect", err, d.classify)
	}
	return &conn{c: c, d: d}, nil
}

func (d *Driver) classify(err error) (string, bool) {
	var ex *clickhouse.Exception
	if errors.As(err, &ex) {
		code := strconv.Itoa(int(ex.Code))
		return code, d.links.Match(code)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "", false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return "eof", true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return "net", true
	}
	return "", false
}

type conn struct {
	c driver.Conn
	d *Driver
}

func (c *conn) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	if err := c.c.Exec(ctx, query, args...); err != nil {
		return 0, store.Wrap("exec", err, c.d.classify)
	}
	return 0, nil
}

func (c *conn) Query(ctx context.Context, query string, args ...any) (store.Rows, error) {
	r, err := c.c.Query(ctx, query, args...)
	if err != nil {
		return nil, store.Wrap("query", err, c.d.classify)
	}
	return &rows{r: r, d: c.d}, nil
}

func (c *conn) SetAutocommit(bool) {}

func (c *conn) Commit(context.Context) error { return nil }

func (c *conn) Rollback(context.Context) error { return nil }

func (c *conn) Close(context.Context) error {
	return store.Wrap("close", c.c.Close(), c.d.classify)
}

type rows struct {
	r driver.Rows
	d *Driver
}

func (r *rows) Next() bool { return r.r.Next() }

func (r *rows) Scan(dest ...any) error { return store.Wrap("scan", r.r.Scan(dest...), r.d.classify) }

func (r *rows) Err() error { return store.Wrap("rows", r.r.Err(), r.d.classify) }

func (r *rows) Close() error { return store.Wrap("rows", r.r.Close(), r.d.classify) }
