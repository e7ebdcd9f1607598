package session

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/ctamigrate/internal/store"
	"github.com/loykin/ctamigrate/internal/store/sqlite"
)

var (
	errLink     = &store.Error{Class: store.ClassLink, Code: "57P01", Op: "exec", Err: errors.New("terminating connection due to administrator command")}
	errBusiness = &store.Error{Class: store.ClassOther, Code: "23505", Op: "exec", Err: errors.New("duplicate key value")}
)

type fakeDriver struct {
	mu         sync.Mutex
	version    string
	noRow      bool
	versionErr error
	openErr    error
	conns      []*fakeConn
}

func (d *fakeDriver) Name() string { return "fake" }

func (d *fakeDriver) Open(context.Context, store.Params) (store.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.openErr != nil {
		return nil, d.openErr
	}
	c := &fakeConn{d: d}
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDriver) opened() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func (d *fakeDriver) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[len(d.conns)-1]
}

type fakeConn struct {
	d          *fakeDriver
	mu         sync.Mutex
	errs       []error
	rowsErr    error
	closed     bool
	autocommit bool
	execs      int
}

func (c *fakeConn) failNext(errs ...error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs = append(c.errs, errs...)
}

func (c *fakeConn) Exec(context.Context, string, ...any) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.execs++
	if len(c.errs) > 0 {
		err := c.errs[0]
		c.errs = c.errs[1:]
		return 0, err
	}
	return 1, nil
}

func (c *fakeConn) Query(_ context.Context, q string, _ ...any) (store.Rows, error) {
	if q == DefaultVersionQuery {
		if c.d.versionErr != nil {
			return nil, c.d.versionErr
		}
		if c.d.noRow {
			return &fakeRows{}, nil
		}
		return &fakeRows{vals: []string{c.d.version}}, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return &fakeRows{vals: []string{"a", "b"}, err: c.rowsErr}, nil
}

func (c *fakeConn) SetAutocommit(on bool)          { c.mu.Lock(); c.autocommit = on; c.mu.Unlock() }
func (c *fakeConn) Commit(context.Context) error   { return nil }
func (c *fakeConn) Rollback(context.Context) error { return nil }
func (c *fakeConn) Close(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return errors.New("close on a dead link fails")
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakeRows struct {
	vals []string
	i    int
	err  error
}

func (r *fakeRows) Next() bool {
	if r.i >= len(r.vals) {
		return false
	}
	r.i++
	return true
}

func (r *fakeRows) Scan(dest ...any) error {
	*(dest[0].(*string)) = r.vals[r.i-1]
	return nil
}

func (r *fakeRows) Err() error   { return r.err }
func (r *fakeRows) Close() error { return nil }

func newSession(d *fakeDriver, cfg Config) *Session {
	cfg.Params = store.Params{User: "ns", Password: "pw", Endpoint: "nsdb"}
	return New(d, cfg)
}

func TestLazyConnect(t *testing.T) {
	d := &fakeDriver{version: "2_1_14_2"}
	s := newSession(d, Config{SchemaVersion: "2_1_14_2", EnforceVersion: true})
	assert.False(t, s.Connected())
	assert.Equal(t, 0, d.opened())

	ctx := context.Background()
	_, err := s.Exec(ctx, "UPDATE t SET x = 1")
	require.NoError(t, err)
	_, err = s.Exec(ctx, "UPDATE t SET x = 2")
	require.NoError(t, err)
	assert.True(t, s.Connected())
	assert.Equal(t, 1, d.opened())
	assert.Equal(t, int64(1), s.Connects())
}

func TestLinkFailureReconnectsOnce(t *testing.T) {
	d := &fakeDriver{}
	s := newSession(d, Config{})
	ctx := context.Background()

	_, err := s.Exec(ctx, "SELECT 1")
	require.NoError(t, err)
	first := d.last()
	first.failNext(errLink)

	_, err = s.Exec(ctx, "CALL job()")
	require.Error(t, err)
	assert.Same(t, errLink, err, "the triggering error is returned unchanged")
	assert.ErrorIs(t, err, ErrTransientLink)
	assert.False(t, s.Connected())
	assert.True(t, first.isClosed())

	for i := 0; i < 3; i++ {
		_, err = s.Exec(ctx, "SELECT 1")
		require.NoError(t, err)
	}
	assert.Equal(t, 2, d.opened(), "exactly one reconnect")
	assert.NotSame(t, first, d.last())
}

func TestBusinessErrorKeepsConnection(t *testing.T) {
	d := &fakeDriver{}
	s := newSession(d, Config{})
	ctx := context.Background()

	_, err := s.Exec(ctx, "SELECT 1")
	require.NoError(t, err)
	d.last().failNext(errBusiness, errBusiness)

	for i := 0; i < 2; i++ {
		_, err = s.Exec(ctx, "INSERT")
		assert.Same(t, errBusiness, err)
		assert.NotErrorIs(t, err, ErrTransientLink)
	}
	assert.True(t, s.Connected())
	assert.False(t, d.last().isClosed())
	assert.Equal(t, 1, d.opened())
}

func TestStaleHandleErrorDoesNotDropNewConnection(t *testing.T) {
	d := &fakeDriver{}
	s := newSession(d, Config{})
	ctx := context.Background()

	_, err := s.Exec(ctx, "SELECT 1")
	require.NoError(t, err)
	old := d.last()
	old.rowsErr = errLink
	rs, err := s.Query(ctx, "SELECT name FROM t")
	require.NoError(t, err)

	old.failNext(errLink)
	_, err = s.Exec(ctx, "SELECT 1")
	require.Error(t, err)
	_, err = s.Exec(ctx, "SELECT 1")
	require.NoError(t, err)
	require.Equal(t, 2, d.opened())

	// the cursor of the dropped connection now reports the failure
	for rs.Next() {
	}
	assert.ErrorIs(t, rs.Err(), ErrTransientLink)
	assert.True(t, s.Connected(), "only the handle that failed may be dropped")
	assert.False(t, d.last().isClosed())
}

func TestRowsLinkErrorDropsConnection(t *testing.T) {
	d := &fakeDriver{}
	s := newSession(d, Config{})
	ctx := context.Background()

	_, err := s.Exec(ctx, "SELECT 1")
	require.NoError(t, err)
	d.last().rowsErr = errLink

	rs, err := s.Query(ctx, "SELECT name FROM t")
	require.NoError(t, err)
	var names []string
	for rs.Next() {
		var n string
		require.NoError(t, rs.Scan(&n))
		names = append(names, n)
	}
	assert.Equal(t, []string{"a", "b"}, names)
	assert.ErrorIs(t, rs.Err(), ErrTransientLink)
	assert.False(t, s.Connected())
}

func TestConcurrentFirstUseOpensOnce(t *testing.T) {
	d := &fakeDriver{}
	s := newSession(d, Config{})
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.Exec(context.Background(), "SELECT 1")
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, d.opened())
}

func TestVersionMismatch(t *testing.T) {
	ctx := context.Background()

	d := &fakeDriver{version: "2_1_14_1"}
	s := newSession(d, Config{SchemaVersion: "2_1_14_2", EnforceVersion: true})
	_, err := s.Exec(ctx, "SELECT 1")
	var vm *VersionMismatchError
	require.ErrorAs(t, err, &vm)
	assert.Equal(t, "2_1_14_2", vm.Want)
	assert.Equal(t, "2_1_14_1", vm.Got)
	assert.False(t, s.Connected())
	assert.True(t, d.last().isClosed())

	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	s = newSession(d, Config{SchemaVersion: "2_1_14_2", Logger: log})
	_, err = s.Exec(ctx, "SELECT 1")
	require.NoError(t, err)
	assert.True(t, s.Connected())
	assert.Contains(t, buf.String(), "Version mismatch between the database and the software, ignoring")
	assert.Contains(t, buf.String(), "dbVersion=2_1_14_1")
}

func TestVersionNotFound(t *testing.T) {
	ctx := context.Background()
	d := &fakeDriver{noRow: true}

	s := newSession(d, Config{SchemaVersion: "2_1_14_2", EnforceVersion: true})
	_, err := s.Exec(ctx, "SELECT 1")
	assert.ErrorIs(t, err, ErrNoVersion)

	s = newSession(d, Config{SchemaVersion: "2_1_14_2"})
	_, err = s.Exec(ctx, "SELECT 1")
	assert.ErrorIs(t, err, ErrNoVersion, "a missing version row fails without enforcement too")
	assert.False(t, s.Connected())
	assert.True(t, d.last().isClosed())
}

func TestVersionQueryErrorIgnored(t *testing.T) {
	ctx := context.Background()
	d := &fakeDriver{versionErr: &store.Error{Class: store.ClassOther, Code: "42P01", Op: "query", Err: errors.New(`relation "castorversion" does not exist`)}}

	s := newSession(d, Config{SchemaVersion: "2_1_14_2", EnforceVersion: true})
	_, err := s.Exec(ctx, "SELECT 1")
	require.Error(t, err)
	assert.False(t, s.Connected())

	var buf bytes.Buffer
	s = newSession(d, Config{SchemaVersion: "2_1_14_2", Logger: slog.New(slog.NewTextHandler(&buf, nil))})
	_, err = s.Exec(ctx, "SELECT 1")
	require.NoError(t, err)
	assert.True(t, s.Connected())
	assert.Contains(t, buf.String(), "Version information not found, ignoring")
}

func TestConnectFailure(t *testing.T) {
	d := &fakeDriver{openErr: &store.Error{Class: store.ClassLink, Code: "connect", Op: "connect", Err: errors.New("connection refused")}}
	s := newSession(d, Config{})
	_, err := s.Exec(context.Background(), "SELECT 1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransientLink)
	assert.Contains(t, err.Error(), "ns/***@nsdb")
	assert.NotContains(t, err.Error(), "pw")
	assert.False(t, s.Connected())

	d.mu.Lock()
	d.openErr = nil
	d.mu.Unlock()
	_, err = s.Exec(context.Background(), "SELECT 1")
	require.NoError(t, err)
}

func TestAutocommit(t *testing.T) {
	d := &fakeDriver{}
	s := newSession(d, Config{Autocommit: true})
	ctx := context.Background()

	_, err := s.Exec(ctx, "SELECT 1")
	require.NoError(t, err)
	assert.True(t, d.last().autocommit)

	s.SetAutocommit(false)
	assert.False(t, s.Autocommit())
	assert.False(t, d.last().autocommit, "applied to the live connection")

	d.last().failNext(errLink)
	_, _ = s.Exec(ctx, "SELECT 1")
	_, err = s.Exec(ctx, "SELECT 1")
	require.NoError(t, err)
	assert.False(t, d.last().autocommit, "kept for new connections")
}

func TestCloseAndReuse(t *testing.T) {
	d := &fakeDriver{}
	s := newSession(d, Config{})
	ctx := context.Background()

	require.NoError(t, s.Close(ctx), "closing an idle session is a no-op")
	require.NoError(t, s.Commit(ctx))
	require.NoError(t, s.Rollback(ctx))
	assert.Equal(t, 0, d.opened())

	_, err := s.Exec(ctx, "SELECT 1")
	require.NoError(t, err)
	_ = s.Close(ctx)
	assert.False(t, s.Connected())
	assert.True(t, d.last().isClosed())

	_, err = s.Exec(ctx, "SELECT 1")
	require.NoError(t, err)
	assert.Equal(t, 2, d.opened())
}

func TestSessionOverSQLite(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "stager.db")

	setup := New(sqlite.New(), Config{Params: store.Params{Endpoint: path}, Autocommit: true})
	_, err := setup.Exec(ctx, `CREATE TABLE CastorVersion (schemaVersion TEXT)`)
	require.NoError(t, err)
	_, err = setup.Exec(ctx, `INSERT INTO CastorVersion VALUES (?)`, "2_1_15_18")
	require.NoError(t, err)
	_, err = setup.Exec(ctx, `CREATE TABLE files (id INTEGER PRIMARY KEY, name TEXT)`)
	require.NoError(t, err)
	require.NoError(t, setup.Close(ctx))

	s := New(sqlite.New(), Config{
		Name:           "stager",
		Params:         store.Params{Endpoint: path},
		SchemaVersion:  "2_1_15_18",
		EnforceVersion: true,
	})
	defer func() { _ = s.Close(ctx) }()

	_, err = s.Exec(ctx, `INSERT INTO files(id, name) VALUES (?, ?)`, 1, "/castor/cern.ch/a")
	require.NoError(t, err)
	require.NoError(t, s.Commit(ctx))

	var name string
	require.NoError(t, s.QueryOne(ctx, `SELECT name FROM files WHERE id = ?`, []any{1}, &name))
	assert.Equal(t, "/castor/cern.ch/a", name)
	assert.ErrorIs(t, s.QueryOne(ctx, `SELECT name FROM files WHERE id = ?`, []any{2}, &name), store.ErrNoRows)
	require.NoError(t, s.Rollback(ctx))

	// business error: still connected
	_, err = s.Exec(ctx, `INSERT INTO files(id, name) VALUES (?, ?)`, 1, "dup")
	require.Error(t, err)
	assert.False(t, store.IsLink(err))
	assert.True(t, s.Connected())
	require.NoError(t, s.Rollback(ctx))

	wrong := New(sqlite.New(), Config{Params: store.Params{Endpoint: path}, SchemaVersion: "9_9_9", EnforceVersion: true})
	_, err = wrong.Exec(ctx, `SELECT 1`)
	var vm *VersionMismatchError
	require.ErrorAs(t, err, &vm)
}
