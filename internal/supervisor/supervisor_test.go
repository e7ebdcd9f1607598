package supervisor

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/ctamigrate/internal/history"
	"github.com/loykin/ctamigrate/internal/progresslog"
	"github.com/loykin/ctamigrate/internal/session"
	"github.com/loykin/ctamigrate/internal/store"
	"github.com/loykin/ctamigrate/internal/store/sqlite"
)

const marker = "DONE: success"

// fakeLog serves rows of any partition newer than the cursor and lets a test
// hook into each poll.
type fakeLog struct {
	mu      sync.Mutex
	rows    []progresslog.Entry
	cursors []int64
	err     error
	onPoll  func(n int)
}

func (f *fakeLog) add(ts int64, msg string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows = append(f.rows, progresslog.Entry{Partition: "P", Timestamp: ts, Message: msg})
}

func (f *fakeLog) polls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.cursors)
}

func (f *fakeLog) After(_ context.Context, partition string, cursor int64) ([]progresslog.Entry, error) {
	f.mu.Lock()
	f.cursors = append(f.cursors, cursor)
	n := len(f.cursors)
	hook := f.onPoll
	f.mu.Unlock()
	if hook != nil {
		hook(n)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	var out []progresslog.Entry
	for _, e := range f.rows {
		if e.Partition == partition && e.Timestamp > cursor {
			out = append(out, e)
		}
	}
	return out, nil
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
	return c.t
}

type recSink struct {
	mu     sync.Mutex
	events []history.Event
}

func (r *recSink) Send(_ context.Context, e history.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recSink) types() []history.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []history.EventType
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.Local)

func newFake(out *bytes.Buffer, c *clock, sink history.Sink) *Supervisor {
	return New(Config{
		PollInterval:      5 * time.Second,
		HeartbeatInterval: 60 * time.Second,
		SuccessMarker:     marker,
		Out:               out,
		History:           sink,
		Now:               c.now,
		Sleep: func(ctx context.Context, d time.Duration) error {
			c.advance(d)
			return ctx.Err()
		},
	})
}

func lines(out *bytes.Buffer) []string {
	return strings.Split(strings.TrimRight(out.String(), "\n"), "\n")
}

// waitDead gives a worker that already returned time to be seen as dead.
func waitDead(done <-chan struct{}) {
	<-done
	time.Sleep(20 * time.Millisecond)
}

func TestCompletedPrintsInOrder(t *testing.T) {
	log := &fakeLog{}
	log.add(100, "step A")
	log.add(140, marker)
	var out bytes.Buffer
	sink := &recSink{}
	s := newFake(&out, &clock{t: t0}, sink)

	res, err := s.Run(context.Background(), Job{
		Name:      "complete-export",
		Partition: "P",
		Invoke:    func(context.Context, *session.Session) error { return nil },
		Log:       log,
	})
	require.NoError(t, err)
	assert.Equal(t, PhaseCompleted, res.Outcome)
	assert.Equal(t, int64(140), res.Cursor)
	assert.Equal(t, 2, res.Entries)
	assert.Equal(t, []string{
		progresslog.Entry{Timestamp: 100, Message: "step A"}.String(),
		progresslog.Entry{Timestamp: 140, Message: marker}.String(),
	}, lines(&out))
	assert.Equal(t, 1, log.polls())

	st := s.State()
	assert.Equal(t, PhaseCompleted, st.Phase)
	assert.Equal(t, marker, st.LastMessage)
	assert.Equal(t, []history.EventType{history.EventStarted, history.EventCompleted}, sink.types())
}

func TestAbortedOnFirstLivenessCheck(t *testing.T) {
	boom := errors.New("ORA-20001: procedure failed")
	done := make(chan struct{})
	log := &fakeLog{onPoll: func(int) { waitDead(done) }}
	var out bytes.Buffer
	sink := &recSink{}
	s := newFake(&out, &clock{t: t0}, sink)

	res, err := s.Run(context.Background(), Job{
		Partition: "P",
		Invoke: func(context.Context, *session.Session) error {
			defer close(done)
			return boom
		},
		Log: log,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAborted)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, PhaseAborted, res.Outcome)
	assert.ErrorIs(t, res.WorkerErr, boom)
	assert.Equal(t, "P", res.Job)
	assert.Equal(t, 1, log.polls())
	assert.Empty(t, out.String())

	require.Len(t, sink.events, 2)
	assert.Equal(t, history.EventAborted, sink.events[1].Type)
	assert.Equal(t, boom.Error(), sink.events[1].Run.Err)
}

func TestAbortedWithUnreadRows(t *testing.T) {
	done := make(chan struct{})
	log := &fakeLog{}
	log.add(100, "step A")
	log.onPoll = func(n int) {
		if n == 1 {
			waitDead(done)
			return
		}
		t.Errorf("unexpected poll %d", n)
	}
	var out bytes.Buffer
	s := newFake(&out, &clock{t: t0}, nil)

	res, err := s.Run(context.Background(), Job{
		Partition: "P",
		Invoke: func(context.Context, *session.Session) error {
			defer close(done)
			return nil
		},
		Log: log,
	})
	// step B lands after the poll that observed the dead worker
	log.add(120, "step B")

	assert.ErrorIs(t, err, ErrAborted)
	assert.Equal(t, PhaseAborted, res.Outcome)
	assert.NoError(t, res.WorkerErr)
	assert.Equal(t, 1, res.Entries)
	assert.Equal(t, int64(100), res.Cursor)
	assert.Equal(t, []string{progresslog.Entry{Timestamp: 100, Message: "step A"}.String()}, lines(&out))
}

func TestHeartbeats(t *testing.T) {
	c := &clock{t: t0}
	release := make(chan struct{})
	var once sync.Once
	var out bytes.Buffer
	s := New(Config{
		PollInterval:      5 * time.Second,
		HeartbeatInterval: 60 * time.Second,
		SuccessMarker:     marker,
		Out:               &out,
		Now:               c.now,
		Sleep: func(ctx context.Context, d time.Duration) error {
			if c.advance(d).Sub(t0) >= 200*time.Second {
				once.Do(func() {
					close(release)
					time.Sleep(20 * time.Millisecond)
				})
			}
			return nil
		},
	})

	res, err := s.Run(context.Background(), Job{
		Partition: "P",
		Invoke: func(context.Context, *session.Session) error {
			<-release
			return nil
		},
		Log: &fakeLog{},
	})
	assert.ErrorIs(t, err, ErrAborted)
	assert.Equal(t, 3, res.Heartbeats)

	beat := func(sec int) string {
		return t0.Add(time.Duration(sec)*time.Second).Local().Format(progresslog.TimeLayout) + "  ."
	}
	assert.Equal(t, []string{beat(65), beat(130), beat(195)}, lines(&out))

	st := s.State()
	assert.Equal(t, "3mn20s", st.Elapsed)
	assert.Equal(t, "5s", st.PollInterval)
	assert.Equal(t, "1m0s", st.HeartbeatInterval)
}

func TestEntriesResetHeartbeat(t *testing.T) {
	release := make(chan struct{})
	log := &fakeLog{}
	log.onPoll = func(n int) {
		// one entry every 50s keeps the job from ever looking idle
		if n%10 == 0 {
			log.add(int64(n), "tick")
		}
		if n == 40 {
			log.add(1000, marker)
			close(release)
		}
	}
	var out bytes.Buffer
	s := newFake(&out, &clock{t: t0}, nil)

	res, err := s.Run(context.Background(), Job{
		Partition: "P",
		Invoke: func(context.Context, *session.Session) error {
			<-release
			return nil
		},
		Log: log,
	})
	require.NoError(t, err)
	assert.Equal(t, PhaseCompleted, res.Outcome)
	assert.Zero(t, res.Heartbeats)
	assert.Equal(t, 5, res.Entries)
	assert.NotContains(t, out.String(), "  .\n")
}

func TestCancelAborts(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	ctx, cancel := context.WithCancel(context.Background())
	log := &fakeLog{onPoll: func(n int) {
		if n == 3 {
			cancel()
		}
	}}
	var out bytes.Buffer
	s := newFake(&out, &clock{t: t0}, nil)

	res, err := s.Run(ctx, Job{
		Partition: "P",
		Invoke: func(context.Context, *session.Session) error {
			<-release
			return nil
		},
		Log: log,
	})
	assert.ErrorIs(t, err, ErrAborted)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, PhaseAborted, res.Outcome)
	assert.Equal(t, PhaseAborted, s.State().Phase)
}

func TestPollErrorEndsRun(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	linkErr := &store.Error{Class: store.ClassLink, Code: "08006", Op: "query", Err: errors.New("connection failure")}
	log := &fakeLog{err: linkErr}
	sink := &recSink{}
	var out bytes.Buffer
	s := newFake(&out, &clock{t: t0}, sink)

	res, err := s.Run(context.Background(), Job{
		Partition: "P",
		Invoke: func(context.Context, *session.Session) error {
			<-release
			return nil
		},
		Log: log,
	})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrAborted)
	assert.ErrorIs(t, err, store.ErrLink)
	assert.Equal(t, PhaseAborted, res.Outcome)
	assert.Equal(t, []history.EventType{history.EventStarted, history.EventAborted}, sink.types())
}

func TestStartCursor(t *testing.T) {
	cases := []struct {
		name     string
		since    int64
		lookback time.Duration
		want     int64
	}{
		{"zero", 0, 0, 0},
		{"since", 1234, 12 * time.Hour, 1234},
		{"lookback", 0, 12 * time.Hour, t0.Add(-12 * time.Hour).Unix()},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			log := &fakeLog{}
			log.add(t0.Unix()+1, marker)
			var out bytes.Buffer
			c := &clock{t: t0}
			s := New(Config{
				Since:         tc.since,
				Lookback:      tc.lookback,
				SuccessMarker: marker,
				Out:           &out,
				Now:           c.now,
			})
			_, err := s.Run(context.Background(), Job{
				Partition: "P",
				Invoke:    func(context.Context, *session.Session) error { return nil },
				Log:       log,
			})
			require.NoError(t, err)
			require.NotEmpty(t, log.cursors)
			assert.Equal(t, tc.want, log.cursors[0])
		})
	}
}

func TestInitialDelay(t *testing.T) {
	c := &clock{t: t0}
	var slept []time.Duration
	log := &fakeLog{}
	log.add(1, marker)
	s := New(Config{
		InitialDelay:  time.Second,
		SuccessMarker: marker,
		Out:           &bytes.Buffer{},
		Now:           c.now,
		Sleep: func(_ context.Context, d time.Duration) error {
			slept = append(slept, d)
			return nil
		},
	})
	_, err := s.Run(context.Background(), Job{
		Partition: "P",
		Invoke:    func(context.Context, *session.Session) error { return nil },
		Log:       log,
	})
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{time.Second}, slept)
}

func TestRunValidates(t *testing.T) {
	s := New(Config{SuccessMarker: marker})
	_, err := s.Run(context.Background(), Job{Log: &fakeLog{}})
	assert.Error(t, err)
	_, err = s.Run(context.Background(), Job{Invoke: func(context.Context, *session.Session) error { return nil }})
	assert.Error(t, err)

	s = New(Config{})
	_, err = s.Run(context.Background(), Job{Log: &fakeLog{}, Invoke: func(context.Context, *session.Session) error { return nil }})
	assert.Error(t, err)
	assert.Equal(t, PhaseIdle, s.State().Phase)
}

func TestSupervisedSQLiteJob(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ns.db")
	newSession := func(name string) *session.Session {
		return session.New(sqlite.New(), session.Config{
			Name:       name,
			Params:     store.Params{Endpoint: path},
			Autocommit: true,
		})
	}
	ctx := context.Background()
	poller := newSession("poll")
	invoker := newSession("invoke")
	_, err := poller.Exec(ctx, `CREATE TABLE ctamigrationlog (tapepool TEXT, timestamp INTEGER, message TEXT)`)
	require.NoError(t, err)

	reader, err := progresslog.NewReader(poller, progresslog.Schema{})
	require.NoError(t, err)

	var out, logs bytes.Buffer
	s := New(Config{
		PollInterval:  10 * time.Millisecond,
		SuccessMarker: "Export from CASTOR fully completed",
		Out:           &out,
		Logger:        slog.New(slog.NewTextHandler(&logs, nil)),
	})
	res, err := s.Run(ctx, Job{
		Name:      "complete-export",
		Partition: "export1",
		Invoke: func(ctx context.Context, s *session.Session) error {
			for i, msg := range []string{"Export started", "Export from CASTOR fully completed"} {
				if _, err := s.Exec(ctx, `INSERT INTO ctamigrationlog VALUES (?, ?, ?)`, "export1", 100+i, msg); err != nil {
					return err
				}
			}
			time.Sleep(300 * time.Millisecond)
			return nil
		},
		Invoker: invoker,
		Poller:  poller,
		Log:     reader,
	})
	require.NoError(t, err)
	assert.Equal(t, PhaseCompleted, res.Outcome)
	assert.Equal(t, int64(101), res.Cursor)
	assert.Contains(t, out.String(), "Export started")
	assert.False(t, poller.Connected())
	assert.False(t, invoker.Connected())
	assert.Contains(t, logs.String(), "supervision completed")
	assert.Contains(t, logs.String(), "poll_connects=1")
}
