package ctamigrate

import (
	"log/slog"
	"net/http"
	"time"

	cfg "github.com/loykin/ctamigrate/internal/config"
	"github.com/loykin/ctamigrate/internal/confstore"
	"github.com/loykin/ctamigrate/internal/history"
	hfactory "github.com/loykin/ctamigrate/internal/history/factory"
	"github.com/loykin/ctamigrate/internal/metrics"
	"github.com/loykin/ctamigrate/internal/progresslog"
	iapi "github.com/loykin/ctamigrate/internal/server"
	"github.com/loykin/ctamigrate/internal/session"
	"github.com/loykin/ctamigrate/internal/store"
	sfactory "github.com/loykin/ctamigrate/internal/store/factory"
	"github.com/loykin/ctamigrate/internal/supervisor"
	"github.com/prometheus/client_golang/prometheus"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Params = store.Params

type Driver = store.Driver

type Session = session.Session

type SessionConfig = session.Config

type VersionMismatchError = session.VersionMismatchError

type ConfigStore = confstore.Store

type LogEntry = progresslog.Entry

type LogSchema = progresslog.Schema

type LogReader = progresslog.Reader

type Supervisor = supervisor.Supervisor

type SupervisorConfig = supervisor.Config

type Job = supervisor.Job

type Result = supervisor.Result

type Status = supervisor.Status

type Phase = supervisor.Phase

type HistorySink = history.Sink

type HistoryEvent = history.Event

type Config = cfg.FileConfig

const (
	Completed = supervisor.PhaseCompleted
	Aborted   = supervisor.PhaseAborted
)

var (
	ErrTransientLink = session.ErrTransientLink
	ErrNoVersion     = session.ErrNoVersion
	ErrNotFound      = confstore.ErrNotFound
	ErrAborted       = supervisor.ErrAborted
)

// DriverFor picks a store driver from a DSN scheme; bare paths are sqlite.
func DriverFor(dsn string) (Driver, error) { return sfactory.DriverFor(dsn) }

// ParseConnectString splits "user/password@endpoint".
func ParseConnectString(s string) (Params, error) { return store.ParseConnectString(s) }

func NewSession(d Driver, c SessionConfig) *Session { return session.New(d, c) }

// OpenConfigStore loads a castor style conf file. refresh < 0 never reloads it.
func OpenConfigStore(path string, refresh time.Duration, l *slog.Logger) (*ConfigStore, error) {
	opts := []confstore.Option{confstore.WithRefreshDelay(refresh)}
	if l != nil {
		opts = append(opts, confstore.WithLogger(l))
	}
	return confstore.New(path, opts...)
}

// NewLogReader reads the progress log through s. Zero schema fields take
// the migration log defaults.
func NewLogReader(s *Session, schema LogSchema) (*LogReader, error) {
	return progresslog.NewReader(s, schema)
}

func NewSupervisor(c SupervisorConfig) *Supervisor { return supervisor.New(c) }

// NewHistorySink opens a history sink from a DSN (sqlite, postgres, clickhouse, opensearch).
func NewHistorySink(dsn string) (HistorySink, error) { return hfactory.NewSinkFromDSN(dsn) }

func LoadConfig(path string) (*Config, error) { return cfg.Load(path) }

// StatusHandler returns the gin handler serving /status, /healthz and /metrics
// for s under basePath.
func StatusHandler(s *Supervisor, basePath string) http.Handler {
	return iapi.NewRouter(s.State, basePath).Handler()
}

// NewHTTPServer starts an HTTP server exposing the status of s.
func NewHTTPServer(addr, basePath string, s *Supervisor) (*http.Server, error) {
	return iapi.NewServer(addr, basePath, s.State)
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// ServeMetrics starts an HTTP server on addr exposing /metrics using the default registry.
// It returns any immediate listen error; otherwise it runs the server in the caller goroutine.
func ServeMetrics(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv.ListenAndServe()
}
