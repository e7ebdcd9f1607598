// Package confstore reads the line oriented configuration file shared by the
// migration tools and keeps it cached for a refresh delay.
//
// Each non blank, non comment line reads
//
//	category key [value [# comment]]
//
// where value is the rest of the line and may contain spaces.
package confstore

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/loykin/ctamigrate/internal/metrics"
)

// DefaultRefreshDelay is how long a loaded snapshot is trusted.
const DefaultRefreshDelay = 30 * time.Second

// ErrNotFound is returned when a key is missing and no default was given.
var ErrNotFound = errors.New("no entry found in config file")

// ParseError reports an invalid line. The cached snapshot is left untouched.
type ParseError struct {
	Path   string
	Line   int
	Text   string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s:%d: %s: %q", e.Path, e.Line, e.Reason, e.Text)
}

// CoercionError describes a value that could not be converted to the
// requested type. It is logged, never returned.
type CoercionError struct {
	Category string
	Key      string
	Value    string
	Err      error
}

func (e *CoercionError) Error() string {
	return fmt.Sprintf("invalid %s/%s option, ignoring it: %q: %v", e.Category, e.Key, e.Value, e.Err)
}

func (e *CoercionError) Unwrap() error { return e.Err }

// Store is a TTL cached view of one configuration file. It is safe for
// concurrent use.
type Store struct {
	path  string
	delay time.Duration
	log   *slog.Logger
	now   func() time.Time

	refreshMu sync.Mutex // serializes refreshes

	mu    sync.RWMutex
	cache map[string]map[string]string
	last  time.Time
}

type Option func(*Store)

// WithRefreshDelay sets the snapshot lifetime. 0 refreshes before every
// lookup, a negative delay never refreshes after the initial load.
func WithRefreshDelay(d time.Duration) Option { return func(s *Store) { s.delay = d } }

func WithLogger(l *slog.Logger) Option { return func(s *Store) { s.log = l } }

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

// New loads path and returns the store. It fails if the file cannot be read
// or parsed.
func New(path string, opts ...Option) (*Store, error) {
	s := &Store{
		path:  path,
		delay: DefaultRefreshDelay,
		now:   time.Now,
		cache: map[string]map[string]string{},
	}
	for _, o := range opts {
		o(s)
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if err := s.Refresh(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) Path() string { return s.path }

// Refresh rereads the file. On error the previous snapshot is kept as is.
// On success every category found in the file replaces its previous entries
// as a whole; categories absent from the file keep their last entries.
func (s *Store) Refresh() error {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	fresh, err := s.parse()
	metrics.IncConfRefresh(err == nil)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for category, entries := range fresh {
		s.cache[category] = entries
	}
	s.last = s.now()
	return nil
}

func (s *Store) parse() (map[string]map[string]string, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("open config file: %w", err)
	}
	defer func() { _ = f.Close() }()

	out := map[string]map[string]string{}
	sc := bufio.NewScanner(f)
	n := 0
	for sc.Scan() {
		n++
		line := strings.TrimSpace(sc.Text())
		if line == "" || line[0] == '#' {
			continue
		}
		category, key, value, ok := splitLine(line)
		if !ok {
			return nil, &ParseError{Path: s.path, Line: n, Text: line, Reason: "invalid entry"}
		}
		entries, ok := out[category]
		if !ok {
			entries = map[string]string{}
			out[category] = entries
		}
		if prev, dup := entries[key]; dup {
			return nil, &ParseError{Path: s.path, Line: n, Text: line,
				Reason: fmt.Sprintf("duplicated entry %s %s (original value %q, new value %q)", category, key, prev, value)}
		}
		entries[key] = value
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return out, nil
}

// splitLine cuts a trimmed line into category, key and the rest. An inline
// comment is stripped from the value unless '#' starts it.
func splitLine(line string) (category, key, value string, ok bool) {
	category, rest := cutField(line)
	key, rest = cutField(rest)
	if key == "" {
		return "", "", "", false
	}
	value = rest
	if i := strings.IndexByte(value, '#'); i > 0 {
		value = strings.TrimRightFunc(value[:i], unicode.IsSpace)
	}
	return category, key, value, true
}

func cutField(s string) (field, rest string) {
	i := strings.IndexFunc(s, unicode.IsSpace)
	if i == -1 {
		return s, ""
	}
	return s[:i], strings.TrimLeftFunc(s[i:], unicode.IsSpace)
}

func (s *Store) stale() bool {
	if s.delay < 0 {
		return false
	}
	if s.delay == 0 {
		return true
	}
	s.mu.RLock()
	last := s.last
	s.mu.RUnlock()
	return s.now().After(last.Add(s.delay))
}

// lookup returns the raw value, refreshing first when the snapshot expired.
func (s *Store) lookup(category, key string) (string, bool, error) {
	if s.stale() {
		if err := s.Refresh(); err != nil {
			return "", false, err
		}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.cache[category][key]
	return v, ok, nil
}

// Raw returns the string value of category/key.
func (s *Store) Raw(category, key string) (string, error) {
	v, ok, err := s.lookup(category, key)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%s/%s: %w", category, key, ErrNotFound)
	}
	return v, nil
}

// LastRefresh is the time of the last successful refresh.
func (s *Store) LastRefresh() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last
}
