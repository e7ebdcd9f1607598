package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/loykin/ctamigrate/internal/config"
	"github.com/loykin/ctamigrate/internal/confstore"
	"github.com/loykin/ctamigrate/internal/history"
	hfactory "github.com/loykin/ctamigrate/internal/history/factory"
	"github.com/loykin/ctamigrate/internal/logger"
	"github.com/loykin/ctamigrate/internal/metrics"
	"github.com/loykin/ctamigrate/internal/server"
	"github.com/loykin/ctamigrate/internal/session"
	"github.com/loykin/ctamigrate/internal/supervisor"
	"github.com/prometheus/client_golang/prometheus"
)

// app carries what a command needs: configuration, logging, the conf file,
// history sinks and the optional status server.
type app struct {
	cfg     *config.FileConfig
	log     *slog.Logger
	out     io.Writer
	conf    *confstore.Store
	history history.Sink
	closers []io.Closer
	srv     *http.Server

	// invoke turns a statement into the job run on the invoker session.
	invoke func(call string, args ...any) func(context.Context, *session.Session) error
}

func newApp(g GlobalFlags, out io.Writer) (*app, error) {
	fc, err := config.Load(g.ConfigPath)
	if err != nil {
		return nil, err
	}
	if g.ConfFile != "" {
		fc.ConfFile = g.ConfFile
	}
	if g.LogLevel != "" {
		fc.Log.Level = g.LogLevel
	}
	if g.MetricsListen != "" {
		fc.Metrics.Listen = g.MetricsListen
	}
	l, lc, err := logger.New(fc.Log)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(l)
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		_ = lc.Close()
		return nil, err
	}
	a := &app{cfg: fc, log: l, out: out, closers: []io.Closer{lc}, invoke: callJob}

	var sinks history.Multi
	for _, dsn := range fc.History.DSNs {
		s, err := hfactory.NewSinkFromDSN(dsn)
		if err != nil {
			a.Close()
			return nil, err
		}
		if c, ok := s.(io.Closer); ok {
			a.closers = append(a.closers, c)
		}
		sinks = append(sinks, s)
	}
	if len(sinks) > 0 {
		a.history = sinks
	}
	return a, nil
}

// confStore opens the conf file on first use.
func (a *app) confStore() (*confstore.Store, error) {
	if a.conf != nil {
		return a.conf, nil
	}
	cs, err := confstore.New(a.cfg.ConfFile,
		confstore.WithRefreshDelay(a.cfg.ConfRefresh),
		confstore.WithLogger(a.log))
	if err != nil {
		return nil, err
	}
	a.conf = cs
	return cs, nil
}

// session builds a new session on the configured database name. Every call
// returns an independent session with its own connection.
func (a *app) session(name string) (*session.Session, error) {
	db, err := a.cfg.Database(name)
	if err != nil {
		return nil, err
	}
	drv, err := db.StoreDriver()
	if err != nil {
		return nil, err
	}
	var cs *confstore.Store
	if db.DSN == "" && db.ConnectFile == "" {
		if cs, err = a.confStore(); err != nil {
			return nil, err
		}
	}
	sc, err := db.SessionConfig(cs)
	if err != nil {
		return nil, err
	}
	sc.Logger = a.log.With("session", name)
	return session.New(drv, sc), nil
}

// interval resolves a supervision interval: a flag given on the command line
// wins, then the [supervisor] config section, then the command default.
func interval(flag, conf, def time.Duration) time.Duration {
	switch {
	case flag > 0:
		return flag
	case conf > 0:
		return conf
	}
	return def
}

// supervisor fills the ambient parts of c and exposes the supervisor on the
// status server when one is configured. Intervals left at zero in c are
// resolved against the config and defPoll / defHeartbeat.
func (a *app) supervisor(c supervisor.Config, defPoll, defHeartbeat time.Duration) (*supervisor.Supervisor, error) {
	c.PollInterval = interval(c.PollInterval, a.cfg.Supervisor.PollInterval, defPoll)
	c.HeartbeatInterval = interval(c.HeartbeatInterval, a.cfg.Supervisor.HeartbeatInterval, defHeartbeat)
	c.Out = a.out
	c.Logger = a.log
	c.History = a.history
	sup := supervisor.New(c)
	if a.cfg.Metrics.Listen != "" && a.srv == nil {
		srv, err := server.NewServer(a.cfg.Metrics.Listen, "", sup.State)
		if err != nil {
			return nil, err
		}
		a.srv = srv
		a.log.Info("status server listening", "addr", a.cfg.Metrics.Listen)
	}
	return sup, nil
}

func (a *app) Close() {
	if a.srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Warn("status server shutdown", "error", err)
		}
		cancel()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i].Close()
	}
}
