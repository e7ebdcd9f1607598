// Package session wraps a store connection that reconnects by itself.
//
// The connection is opened on first use and checked against the expected
// schema version. When an operation fails with a link class error the
// connection is thrown away and the error is returned unchanged; the next
// operation opens a new connection. Any other error leaves the connection alone.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/ctamigrate/internal/logger"
	"github.com/loykin/ctamigrate/internal/metrics"
	"github.com/loykin/ctamigrate/internal/store"
)

// DefaultVersionQuery reads the schema version record.
const DefaultVersionQuery = "SELECT schemaVersion FROM CastorVersion"

// closeTimeout bounds the best effort close of a dropped connection.
const closeTimeout = 5 * time.Second

var (
	// ErrTransientLink matches errors after which the session reconnects.
	ErrTransientLink = store.ErrLink
	// ErrNoVersion is returned when the version query yields no row.
	ErrNoVersion = errors.New("version information not found")
)

// VersionMismatchError reports a schema version different from the expected one.
type VersionMismatchError struct {
	Want string
	Got  string
}

func (e *VersionMismatchError) Error() string {
	return fmt.Sprintf("version mismatch between the database and the software: %s versus %s", e.Got, e.Want)
}

// Config describes one session.
type Config struct {
	Name           string // used in logs and metrics
	Params         store.Params
	SchemaVersion  string // expected version; empty skips the check
	VersionQuery   string // defaults to DefaultVersionQuery
	EnforceVersion bool   // when false a mismatch is only logged
	Autocommit     bool
	Logger         *slog.Logger
}

type handle struct{ c store.Conn }

// Session is safe to share, but operations are expected to come from one
// goroutine at a time; the lock only serializes connect and drop.
type Session struct {
	drv store.Driver
	cfg Config
	log *slog.Logger

	mu         sync.Mutex
	cur        atomic.Pointer[handle]
	autocommit atomic.Bool
	connects   atomic.Int64
}

func New(drv store.Driver, cfg Config) *Session {
	if cfg.VersionQuery == "" {
		cfg.VersionQuery = DefaultVersionQuery
	}
	if cfg.Name == "" {
		cfg.Name = drv.Name()
	}
	l := cfg.Logger
	if l == nil {
		l = slog.Default()
	}
	s := &Session{drv: drv, cfg: cfg, log: l.With("session", cfg.Name)}
	s.autocommit.Store(cfg.Autocommit)
	return s
}

func (s *Session) Name() string { return s.cfg.Name }

// Connected reports whether a live connection is held.
func (s *Session) Connected() bool { return s.cur.Load() != nil }

// Connects is the number of connections opened so far.
func (s *Session) Connects() int64 { return s.connects.Load() }

func (s *Session) acquire(ctx context.Context) (*handle, error) {
	if h := s.cur.Load(); h != nil {
		return h, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if h := s.cur.Load(); h != nil {
		return h, nil
	}
	c, err := s.drv.Open(ctx, s.cfg.Params)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", s.cfg.Params, err)
	}
	c.SetAutocommit(s.autocommit.Load())
	if err := s.checkVersion(ctx, c); err != nil {
		_ = c.Close(ctx)
		return nil, err
	}
	h := &handle{c: c}
	s.cur.Store(h)
	n := s.connects.Add(1)
	metrics.IncConnect(s.cfg.Name)
	s.log.Info("Created new connection", "endpoint", s.cfg.Params.Endpoint, "driver", s.drv.Name(), "connects", n)
	return h, nil
}

func (s *Session) checkVersion(ctx context.Context, c store.Conn) error {
	if s.cfg.SchemaVersion == "" {
		return nil
	}
	got, err := queryVersion(ctx, c, s.cfg.VersionQuery)
	if !s.autocommit.Load() {
		_ = c.Rollback(ctx)
	}
	if err != nil {
		// a missing version row fails even when the check is not enforced
		if s.cfg.EnforceVersion || store.IsLink(err) || errors.Is(err, ErrNoVersion) {
			return err
		}
		s.log.Log(ctx, logger.LevelNotice, "Version information not found, ignoring",
			"softwareVersion", s.cfg.SchemaVersion, "error", err)
		return nil
	}
	if got == s.cfg.SchemaVersion {
		return nil
	}
	if s.cfg.EnforceVersion {
		return &VersionMismatchError{Want: s.cfg.SchemaVersion, Got: got}
	}
	s.log.Log(ctx, logger.LevelNotice, "Version mismatch between the database and the software, ignoring",
		"dbVersion", got, "softwareVersion", s.cfg.SchemaVersion)
	return nil
}

func queryVersion(ctx context.Context, c store.Conn, q string) (string, error) {
	rs, err := c.Query(ctx, q)
	if err != nil {
		return "", err
	}
	defer func() { _ = rs.Close() }()
	if !rs.Next() {
		if err := rs.Err(); err != nil {
			return "", err
		}
		return "", ErrNoVersion
	}
	var v string
	if err := rs.Scan(&v); err != nil {
		return "", err
	}
	return v, nil
}

// check drops h when err is a link failure and h is still the current handle.
func (s *Session) check(h *handle, err error) {
	if err == nil || !store.IsLink(err) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cur.CompareAndSwap(h, nil) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	_ = h.c.Close(ctx)
	metrics.IncLinkFailure(s.cfg.Name)
	s.log.Warn("Connection dropped after link failure", "code", store.Code(err), "error", err)
}

// Exec runs a statement and returns the number of affected rows.
func (s *Session) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	h, err := s.acquire(ctx)
	if err != nil {
		return 0, err
	}
	n, err := h.c.Exec(ctx, query, args...)
	s.check(h, err)
	return n, err
}

// Query runs a statement returning rows. Errors surfaced while iterating are
// handled like errors of Query itself.
func (s *Session) Query(ctx context.Context, query string, args ...any) (store.Rows, error) {
	h, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	rs, err := h.c.Query(ctx, query, args...)
	if err != nil {
		s.check(h, err)
		return nil, err
	}
	return &rows{Rows: rs, s: s, h: h}, nil
}

// QueryOne scans the first row of the result into dest, or returns
// store.ErrNoRows.
func (s *Session) QueryOne(ctx context.Context, query string, args []any, dest ...any) error {
	rs, err := s.Query(ctx, query, args...)
	if err != nil {
		return err
	}
	defer func() { _ = rs.Close() }()
	if !rs.Next() {
		if err := rs.Err(); err != nil {
			return err
		}
		return store.ErrNoRows
	}
	return rs.Scan(dest...)
}

// Commit commits the pending transaction, if any.
func (s *Session) Commit(ctx context.Context) error {
	h := s.cur.Load()
	if h == nil {
		return nil
	}
	err := h.c.Commit(ctx)
	s.check(h, err)
	return err
}

// Rollback aborts the pending transaction, if any.
func (s *Session) Rollback(ctx context.Context) error {
	h := s.cur.Load()
	if h == nil {
		return nil
	}
	err := h.c.Rollback(ctx)
	s.check(h, err)
	return err
}

// SetAutocommit changes the mode for the live connection, if any, and for
// every connection opened later.
func (s *Session) SetAutocommit(on bool) {
	s.autocommit.Store(on)
	if h := s.cur.Load(); h != nil {
		h.c.SetAutocommit(on)
	}
}

func (s *Session) Autocommit() bool { return s.autocommit.Load() }

// Close closes the live connection, if any. The session stays usable and
// reconnects on the next operation.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.cur.Swap(nil)
	if h == nil {
		return nil
	}
	err := h.c.Close(ctx)
	s.log.Info("Connection closed")
	return err
}

type rows struct {
	store.Rows
	s *Session
	h *handle
}

func (r *rows) Scan(dest ...any) error {
	err := r.Rows.Scan(dest...)
	r.s.check(r.h, err)
	return err
}

func (r *rows) Err() error {
	err := r.Rows.Err()
	r.s.check(r.h, err)
	return err
}

func (r *rows) Close() error {
	err := r.Rows.Close()
	r.s.check(r.h, err)
	return err
}
