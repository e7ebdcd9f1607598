// Package progresslog reads the append only progress log written by the
// server side migration procedures.
package progresslog

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/loykin/ctamigrate/internal/store"
)

// TimeLayout is used when printing entries.
const TimeLayout = "2006-01-02T15:04:05"

// Entry is one progress log row. Timestamps have second granularity and
// several entries of a partition may share one.
type Entry struct {
	Partition string
	Timestamp int64
	Message   string
}

func (e Entry) Time() time.Time { return time.Unix(e.Timestamp, 0) }

// String renders the entry the way the tools print it: local time, two
// spaces, message.
func (e Entry) String() string {
	return e.Time().Local().Format(TimeLayout) + "  " + e.Message
}

// Querier is the part of a session the reader needs.
type Querier interface {
	Query(ctx context.Context, query string, args ...any) (store.Rows, error)
}

// Source yields the entries of a partition newer than a cursor, in
// ascending timestamp order.
type Source interface {
	After(ctx context.Context, partition string, cursor int64) ([]Entry, error)
}

// Schema names the log table and its columns.
type Schema struct {
	Table           string
	PartitionColumn string
	TimeColumn      string
	MessageColumn   string
}

// DefaultSchema is the migration log table.
var DefaultSchema = Schema{
	Table:           "ctamigrationlog",
	PartitionColumn: "tapepool",
	TimeColumn:      "timestamp",
	MessageColumn:   "message",
}

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

func (s Schema) validate() error {
	for _, id := range []string{s.Table, s.PartitionColumn, s.TimeColumn, s.MessageColumn} {
		if !identifier.MatchString(id) {
			return fmt.Errorf("invalid identifier %q in progress log schema", id)
		}
	}
	return nil
}

// Reader runs range reads against the log table. It never writes.
type Reader struct {
	q      Querier
	schema Schema
	after  string
	latest string
}

// NewReader validates schema; zero fields take the DefaultSchema names.
func NewReader(q Querier, schema Schema) (*Reader, error) {
	if schema.Table == "" {
		schema.Table = DefaultSchema.Table
	}
	if schema.PartitionColumn == "" {
		schema.PartitionColumn = DefaultSchema.PartitionColumn
	}
	if schema.TimeColumn == "" {
		schema.TimeColumn = DefaultSchema.TimeColumn
	}
	if schema.MessageColumn == "" {
		schema.MessageColumn = DefaultSchema.MessageColumn
	}
	if err := schema.validate(); err != nil {
		return nil, err
	}
	return &Reader{
		q:      q,
		schema: schema,
		after: fmt.Sprintf("SELECT %s, %s FROM %s WHERE %s = ? AND %s > ? ORDER BY %s ASC",
			schema.TimeColumn, schema.MessageColumn, schema.Table,
			schema.PartitionColumn, schema.TimeColumn, schema.TimeColumn),
		latest: fmt.Sprintf("SELECT %s, %s, %s FROM %s ORDER BY %s DESC LIMIT 1",
			schema.PartitionColumn, schema.TimeColumn, schema.MessageColumn, schema.Table, schema.TimeColumn),
	}, nil
}

func (r *Reader) Schema() Schema { return r.schema }

// After returns the entries of partition with a timestamp strictly greater
// than cursor, oldest first.
func (r *Reader) After(ctx context.Context, partition string, cursor int64) ([]Entry, error) {
	rs, err := r.q.Query(ctx, r.after, partition, cursor)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rs.Close() }()
	var out []Entry
	for rs.Next() {
		e := Entry{Partition: partition}
		if err := rs.Scan(&e.Timestamp, &e.Message); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rs.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// ErrEmpty is returned by Latest when the log has no entry at all.
var ErrEmpty = errors.New("progress log is empty")

// Latest returns the newest entry over all partitions.
func (r *Reader) Latest(ctx context.Context) (Entry, error) {
	rs, err := r.q.Query(ctx, r.latest)
	if err != nil {
		return Entry{}, err
	}
	defer func() { _ = rs.Close() }()
	if !rs.Next() {
		if err := rs.Err(); err != nil {
			return Entry{}, err
		}
		return Entry{}, ErrEmpty
	}
	var e Entry
	if err := rs.Scan(&e.Partition, &e.Timestamp, &e.Message); err != nil {
		return Entry{}, err
	}
	return e, nil
}

// MaxTimestamp returns the largest timestamp of entries, or cursor when
// there is none.
func MaxTimestamp(entries []Entry, cursor int64) int64 {
	for _, e := range entries {
		if e.Timestamp > cursor {
			cursor = e.Timestamp
		}
	}
	return cursor
}
