// Package supervisor runs a long server side procedure on its own session and
// follows it through the progress log until it completes or its worker dies.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/loykin/ctamigrate/internal/history"
	"github.com/loykin/ctamigrate/internal/metrics"
	"github.com/loykin/ctamigrate/internal/progresslog"
	"github.com/loykin/ctamigrate/internal/session"
	"github.com/loykin/ctamigrate/internal/task"
	"github.com/loykin/ctamigrate/internal/units"
)

// Phase is the state of one supervision.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseStarting  Phase = "starting"
	PhaseRunning   Phase = "running"
	PhaseCompleted Phase = "completed"
	PhaseAborted   Phase = "aborted"
)

func (p Phase) String() string { return string(p) }

// Terminal reports whether p is Completed or Aborted.
func (p Phase) Terminal() bool { return p == PhaseCompleted || p == PhaseAborted }

const (
	DefaultPollInterval      = 5 * time.Second
	DefaultHeartbeatInterval = 60 * time.Second
	closeTimeout             = 5 * time.Second
)

// ErrAborted is returned with an Aborted result.
var ErrAborted = errors.New("supervised job aborted")

// Job is one remote call to supervise.
type Job struct {
	Name      string
	Partition string
	// Invoke runs the remote procedure over Invoker and blocks until it returns.
	Invoke  func(ctx context.Context, s *session.Session) error
	Invoker *session.Session
	// Poller is closed when the supervision ends. It is usually the session
	// behind Log.
	Poller *session.Session
	Log    progresslog.Source
}

// Config tunes the loop. Zero values take the defaults.
type Config struct {
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	// InitialDelay is waited once after the worker is started.
	InitialDelay time.Duration
	// Since is the starting cursor. When zero, the cursor starts Lookback
	// before the start time, or at 0 when Lookback is zero too.
	Since    int64
	Lookback time.Duration
	// SuccessMarker is matched as a substring of each log message.
	SuccessMarker string
	Out           io.Writer
	Logger        *slog.Logger
	History       history.Sink
	Now           func() time.Time
	Sleep         func(ctx context.Context, d time.Duration) error
}

// Result describes a finished supervision.
type Result struct {
	Job        string
	Partition  string
	Outcome    Phase
	Cursor     int64
	Entries    int
	Heartbeats int
	WorkerErr  error
	Started    time.Time
	Finished   time.Time
}

func (r Result) Duration() time.Duration { return r.Finished.Sub(r.Started) }

// Status is a live view of the current supervision.
type Status struct {
	Job               string    `json:"job"`
	Partition         string    `json:"partition"`
	Phase             Phase     `json:"phase"`
	Cursor            int64     `json:"cursor"`
	Entries           int       `json:"entries"`
	Heartbeats        int       `json:"heartbeats"`
	LastMessage       string    `json:"last_message,omitempty"`
	StartedAt         time.Time `json:"started_at"`
	Elapsed           string    `json:"elapsed,omitempty"`
	PollInterval      string    `json:"poll_interval"`
	HeartbeatInterval string    `json:"heartbeat_interval"`
}

// Supervisor runs jobs one at a time and keeps the state of the last one.
type Supervisor struct {
	cfg Config
	log *slog.Logger

	mu       sync.Mutex
	st       Status
	finished time.Time
}

func New(cfg Config) *Supervisor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleep
	}
	l := cfg.Logger
	if l == nil {
		l = slog.Default()
	}
	s := &Supervisor{cfg: cfg, log: l}
	s.st = s.initial()
	return s
}

func (s *Supervisor) initial() Status {
	return Status{
		Phase:             PhaseIdle,
		PollInterval:      s.cfg.PollInterval.String(),
		HeartbeatInterval: s.cfg.HeartbeatInterval.String(),
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns a copy of the live status. Elapsed runs until the
// supervision reaches a terminal phase.
func (s *Supervisor) State() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.st
	if !st.StartedAt.IsZero() {
		end := s.finished
		if end.IsZero() {
			end = s.cfg.Now()
		}
		st.Elapsed = units.FormatAge(end.Sub(st.StartedAt))
	}
	return st
}

func (s *Supervisor) update(fn func(st *Status)) {
	s.mu.Lock()
	fn(&s.st)
	s.mu.Unlock()
}

func (s *Supervisor) println(line string) {
	_, _ = fmt.Fprintln(s.cfg.Out, line)
}

func (s *Supervisor) record(ctx context.Context, typ history.EventType, r Result, cause error) {
	if s.cfg.History == nil {
		return
	}
	run := history.Run{
		Job:        r.Job,
		Partition:  r.Partition,
		Cursor:     r.Cursor,
		Entries:    r.Entries,
		Heartbeats: r.Heartbeats,
		StartedAt:  r.Started,
	}
	if cause != nil {
		run.Err = cause.Error()
	}
	ev := history.Event{Type: typ, OccurredAt: s.cfg.Now().UTC(), Run: run}
	if err := s.cfg.History.Send(context.WithoutCancel(ctx), ev); err != nil {
		s.log.Warn("history record failed", "job", r.Job, "event", typ, "error", err)
	}
}

func validate(job Job, cfg Config) error {
	switch {
	case job.Invoke == nil:
		return errors.New("job has no remote call")
	case job.Log == nil:
		return errors.New("job has no progress log")
	case cfg.SuccessMarker == "":
		return errors.New("success marker is required")
	}
	return nil
}

func closeSession(s *session.Session) {
	if s == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	_ = s.Close(ctx)
}

// Run starts job and follows it to a terminal state. A Completed run returns
// a nil error. An Aborted run returns an error matching ErrAborted that also
// wraps the worker error and, on cancellation, ctx.Err(). A failing poll ends
// the run with that error.
func (s *Supervisor) Run(ctx context.Context, job Job) (Result, error) {
	if err := validate(job, s.cfg); err != nil {
		return Result{}, err
	}
	name := job.Name
	if name == "" {
		name = job.Partition
	}
	start := s.cfg.Now()
	res := Result{Job: name, Partition: job.Partition, Started: start}
	res.Cursor = s.cfg.Since
	if res.Cursor == 0 && s.cfg.Lookback > 0 {
		res.Cursor = start.Add(-s.cfg.Lookback).Unix()
	}

	s.mu.Lock()
	s.st = s.initial()
	s.st.Job, s.st.Partition = name, job.Partition
	s.st.Phase, s.st.Cursor, s.st.StartedAt = PhaseStarting, res.Cursor, start
	s.finished = time.Time{}
	s.mu.Unlock()
	metrics.SetActive(name, true)
	defer metrics.SetActive(name, false)
	s.log.Info("supervision started", "job", name, "partition", job.Partition, "cursor", res.Cursor)
	s.record(ctx, history.EventStarted, res, nil)

	// The remote call cannot be interrupted, so it does not follow ctx
	// cancellation. The worker closes its own session when the call returns.
	worker := task.Go(context.WithoutCancel(ctx), func(wctx context.Context) error {
		defer closeSession(job.Invoker)
		return job.Invoke(wctx, job.Invoker)
	})
	s.update(func(st *Status) { st.Phase = PhaseRunning })

	outcome, err := s.loop(ctx, job, worker, &res)
	res.Finished = s.cfg.Now()
	s.mu.Lock()
	s.finished = res.Finished
	s.mu.Unlock()
	if err != nil && outcome == "" {
		closeSession(job.Poller)
		s.update(func(st *Status) { st.Phase = PhaseAborted })
		metrics.RecordRun(name, "error", res.Duration().Seconds())
		s.log.Error("supervision failed", "job", name, "error", err)
		res.Outcome = PhaseAborted
		s.record(ctx, history.EventAborted, res, err)
		return res, err
	}

	if ctx.Err() == nil {
		res.WorkerErr = worker.Wait(ctx)
	}
	closeSession(job.Poller)
	res.Outcome = outcome
	s.update(func(st *Status) { st.Phase = outcome })
	metrics.RecordRun(name, string(outcome), res.Duration().Seconds())

	attrs := []any{"job", name, "entries", res.Entries, "duration", res.Duration()}
	if job.Poller != nil {
		// more than one means the poll link was lost and reopened
		attrs = append(attrs, "poll_connects", job.Poller.Connects())
	}
	if outcome == PhaseCompleted {
		s.log.Info("supervision completed", attrs...)
		s.record(ctx, history.EventCompleted, res, res.WorkerErr)
		return res, nil
	}
	s.log.Warn("supervision aborted", append(attrs, "error", res.WorkerErr)...)
	cause := res.WorkerErr
	if err != nil {
		cause = err
	}
	s.record(ctx, history.EventAborted, res, cause)
	switch {
	case err != nil:
		return res, fmt.Errorf("%w: %w", ErrAborted, err)
	case res.WorkerErr != nil:
		return res, fmt.Errorf("%w: %w", ErrAborted, res.WorkerErr)
	}
	return res, ErrAborted
}

// loop polls until a terminal phase. A non empty phase with an error means
// the caller cancelled; an empty phase with an error is a poll failure.
func (s *Supervisor) loop(ctx context.Context, job Job, worker *task.Handle, res *Result) (Phase, error) {
	if s.cfg.InitialDelay > 0 {
		if err := s.cfg.Sleep(ctx, s.cfg.InitialDelay); err != nil {
			return PhaseAborted, err
		}
	}
	lastOutput := s.cfg.Now()
	for {
		if err := ctx.Err(); err != nil {
			return PhaseAborted, err
		}
		entries, err := job.Log.After(ctx, job.Partition, res.Cursor)
		if err != nil {
			if ctx.Err() != nil {
				return PhaseAborted, ctx.Err()
			}
			return "", fmt.Errorf("poll progress log: %w", err)
		}

		done := false
		for _, e := range entries {
			s.println(e.String())
			res.Entries++
			if strings.Contains(e.Message, s.cfg.SuccessMarker) {
				done = true
			}
		}
		if len(entries) > 0 {
			lastOutput = s.cfg.Now()
			res.Cursor = progresslog.MaxTimestamp(entries, res.Cursor)
			last := entries[len(entries)-1].Message
			metrics.AddLogEntries(res.Job, len(entries))
			s.update(func(st *Status) {
				st.Cursor = res.Cursor
				st.Entries = res.Entries
				st.LastMessage = last
			})
		}
		if done {
			return PhaseCompleted, nil
		}

		if !worker.Alive() {
			return PhaseAborted, nil
		}

		if now := s.cfg.Now(); now.Sub(lastOutput) > s.cfg.HeartbeatInterval {
			s.println(now.Local().Format(progresslog.TimeLayout) + "  .")
			lastOutput = now
			res.Heartbeats++
			metrics.IncHeartbeat(res.Job)
			s.update(func(st *Status) { st.Heartbeats = res.Heartbeats })
		}

		if err := s.cfg.Sleep(ctx, s.cfg.PollInterval); err != nil {
			return PhaseAborted, err
		}
	}
}
