package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/loykin/ctamigrate/internal/confstore"
	"github.com/loykin/ctamigrate/internal/progresslog"
	"github.com/loykin/ctamigrate/internal/session"
	"github.com/loykin/ctamigrate/internal/supervisor"
	"github.com/loykin/ctamigrate/internal/units"
)

const (
	exportMarker = "Export from CASTOR fully completed"
	importMarker = "CASTOR metadata import completed successfully"

	completeExportCall = "CALL completeCTAExport()"
	importCall         = "CALL importFromCASTOR(NULL, ?, ?, 1, ?)"

	exportPollInterval      = 5 * time.Second
	exportHeartbeatInterval = 60 * time.Second
	importPollInterval      = 60 * time.Second
)

func now() string { return time.Now().Format(progresslog.TimeLayout) }

func say(out io.Writer, msg string) { _, _ = fmt.Fprintln(out, now()+"  "+msg) }

// openLog opens the session the progress log is polled on.
func openLog(a *app, db string, schema progresslog.Schema) (*session.Session, *progresslog.Reader, error) {
	s, err := a.session(db)
	if err != nil {
		return nil, nil, err
	}
	r, err := progresslog.NewReader(s, schema)
	if err != nil {
		return nil, nil, err
	}
	return s, r, nil
}

// invoker opens the dedicated session the remote procedure blocks on.
func invoker(a *app, db string) (*session.Session, error) {
	s, err := a.session(db)
	if err != nil {
		return nil, err
	}
	s.SetAutocommit(true)
	return s, nil
}

// closeAll releases sessions a command opened before it could hand them to
// the supervisor.
func closeAll(ctx context.Context, ss ...*session.Session) {
	for _, s := range ss {
		_ = s.Close(ctx)
	}
}

func callJob(call string, args ...any) func(ctx context.Context, s *session.Session) error {
	return func(ctx context.Context, s *session.Session) error {
		_, err := s.Exec(ctx, call, args...)
		return err
	}
}

func cmdCompleteExport(ctx context.Context, a *app, f CompleteExportFlags) error {
	poller, reader, err := openLog(a, "ns", progresslog.Schema{})
	if err != nil {
		return err
	}
	latest, err := reader.Latest(ctx)
	if errors.Is(err, progresslog.ErrEmpty) || (err == nil && strings.Contains(latest.Message, exportMarker)) {
		closeAll(ctx, poller)
		say(a.out, "No ongoing files export to CTA, nothing to do")
		return nil
	}
	if err != nil {
		closeAll(ctx, poller)
		return err
	}

	inv, err := invoker(a, "ns")
	if err != nil {
		closeAll(ctx, poller)
		return err
	}
	sup, err := a.supervisor(supervisor.Config{
		PollInterval:      f.PollInterval,
		HeartbeatInterval: f.HeartbeatInterval,
		Since:             latest.Timestamp,
		SuccessMarker:     exportMarker,
	}, exportPollInterval, exportHeartbeatInterval)
	if err != nil {
		closeAll(ctx, poller, inv)
		return err
	}
	_, err = sup.Run(ctx, supervisor.Job{
		Name:      "complete-export",
		Partition: latest.Partition,
		Invoke:    a.invoke(completeExportCall),
		Invoker:   inv,
		Poller:    poller,
		Log:       reader,
	})
	return err
}

func (f ImportFlags) validate() error {
	if f.VO == "" || f.Instance == "" || f.DryRun == f.DoIt {
		return errors.New("missing argument(s): --vo, --instance and either --dryrun or --doit are mandatory")
	}
	return nil
}

// importPartition is the progress log key of a VO import.
func importPartition(vo string) string { return strings.ToUpper(vo) + "::*" }

func cmdImportZerolen(ctx context.Context, a *app, f ImportFlags) error {
	if err := f.validate(); err != nil {
		return err
	}
	dryrun := 0
	if f.DryRun {
		dryrun = 1
	}
	inv, err := invoker(a, "cta")
	if err != nil {
		return err
	}
	poller, reader, err := openLog(a, "ns", progresslog.Schema{})
	if err != nil {
		closeAll(ctx, inv)
		return err
	}
	// one heartbeat per idle poll
	poll := interval(f.PollInterval, a.cfg.Supervisor.PollInterval, importPollInterval)
	sup, err := a.supervisor(supervisor.Config{
		PollInterval:      poll,
		HeartbeatInterval: poll,
		InitialDelay:      time.Second,
		Lookback:          f.Lookback,
		SuccessMarker:     importMarker,
	}, poll, poll)
	if err != nil {
		closeAll(ctx, poller, inv)
		return err
	}
	if _, err := sup.Run(ctx, supervisor.Job{
		Name:      "import-zerolen",
		Partition: importPartition(f.VO),
		Invoke:    a.invoke(importCall, f.VO, f.Instance, dryrun),
		Invoker:   inv,
		Poller:    poller,
		Log:       reader,
	}); err != nil {
		return err
	}
	say(a.out, "Please now inject the metadata to the EOS namespace")
	return nil
}

func (f SuperviseFlags) validate() error {
	switch {
	case f.Call == "":
		return errors.New("--call is required")
	case f.Partition == "":
		return errors.New("--partition is required")
	case f.Marker == "":
		return errors.New("--marker is required")
	}
	return nil
}

func cmdSupervise(ctx context.Context, a *app, f SuperviseFlags) error {
	if err := f.validate(); err != nil {
		return err
	}
	logDB := f.LogDatabase
	if logDB == "" {
		logDB = f.Database
	}
	inv, err := invoker(a, f.Database)
	if err != nil {
		return err
	}
	poller, reader, err := openLog(a, logDB, progresslog.Schema{
		Table:           f.Table,
		PartitionColumn: f.PartitionColumn,
		TimeColumn:      f.TimeColumn,
		MessageColumn:   f.MessageColumn,
	})
	if err != nil {
		closeAll(ctx, inv)
		return err
	}
	sup, err := a.supervisor(supervisor.Config{
		PollInterval:      f.PollInterval,
		HeartbeatInterval: f.HeartbeatInterval,
		InitialDelay:      f.InitialDelay,
		Since:             f.Since,
		Lookback:          f.Lookback,
		SuccessMarker:     f.Marker,
	}, supervisor.DefaultPollInterval, supervisor.DefaultHeartbeatInterval)
	if err != nil {
		closeAll(ctx, poller, inv)
		return err
	}
	args := make([]any, len(f.Args))
	for i, v := range f.Args {
		args[i] = v
	}
	name := f.Name
	if name == "" {
		name = f.Partition
	}
	_, err = sup.Run(ctx, supervisor.Job{
		Name:      name,
		Partition: f.Partition,
		Invoke:    a.invoke(f.Call, args...),
		Invoker:   inv,
		Poller:    poller,
		Log:       reader,
	})
	return err
}

func confValue[T confstore.Kind](cs *confstore.Store, category, key string) (string, error) {
	v, ok, err := confstore.Value[T](cs, category, key, nil)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("invalid value for %s/%s", category, key)
	}
	return fmt.Sprint(v), nil
}

func cmdConfGet(a *app, f ConfGetFlags, hasDefault bool, category, key string) error {
	cs, err := a.confStore()
	if err != nil {
		return err
	}
	var v string
	switch strings.ToLower(f.Type) {
	case "", "string":
		v, err = confValue[string](cs, category, key)
	case "int":
		v, err = confValue[int64](cs, category, key)
	case "float":
		v, err = confValue[float64](cs, category, key)
	case "bool":
		v, err = confValue[bool](cs, category, key)
	case "duration":
		v, err = confValue[time.Duration](cs, category, key)
	case "bytes":
		v, err = confValue[units.Bytes](cs, category, key)
	default:
		return fmt.Errorf("unknown type %q", f.Type)
	}
	if errors.Is(err, confstore.ErrNotFound) && hasDefault {
		v, err = f.Default, nil
	}
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(a.out, v)
	return nil
}
