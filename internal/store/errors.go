package store

import (
	"errors"
	"fmt"
	"strings"
)

// ErrLink matches, through errors.Is, every link class *Error.
var ErrLink = errors.New("store link failure")

// Class tells whether a store error means the connection itself is gone.
type Class int

const (
	// ClassOther covers business errors: constraint violations, syntax errors,
	// missing objects. The connection is still usable.
	ClassOther Class = iota
	// ClassLink means the link to the store died and the connection must be
	// thrown away.
	ClassLink
)

func (c Class) String() string {
	if c == ClassLink {
		return "link"
	}
	return "other"
}

// Error is the error type produced by every adapter. Class is decided once,
// where the driver error is first seen, so callers never re-parse codes.
type Error struct {
	Class Class
	Code  string // driver specific code: SQLSTATE, sqlite result code, clickhouse exception code
	Op    string
	Err   error
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: [%s] %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool { return target == ErrLink && e.Class == ClassLink }

// IsLink reports whether err wraps a link class *Error.
func IsLink(err error) bool {
	var se *Error
	return errors.As(err, &se) && se.Class == ClassLink
}

// Code returns the driver code carried by err, or "".
func Code(err error) string {
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

// Classifier extracts the driver code of err and says whether it is a link failure.
type Classifier func(err error) (code string, link bool)

// Wrap classifies err and wraps it into an *Error. It returns nil for nil and
// leaves errors that are already classified untouched.
func Wrap(op string, err error, classify Classifier) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return err
	}
	code, link := classify(err)
	class := ClassOther
	if link {
		class = ClassLink
	}
	return &Error{Class: class, Code: code, Op: op, Err: err}
}

// CodeSet is a set of driver codes. An entry ending with '*' matches every
// code with that prefix, e.g. "08*" for the SQLSTATE connection exception class.
type CodeSet struct {
	exact    map[string]struct{}
	prefixes []string
}

func NewCodeSet(codes ...string) CodeSet {
	cs := CodeSet{exact: make(map[string]struct{}, len(codes))}
	for _, c := range codes {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		if p, ok := strings.CutSuffix(c, "*"); ok {
			cs.prefixes = append(cs.prefixes, p)
			continue
		}
		cs.exact[c] = struct{}{}
	}
	return cs
}

// Match reports whether code belongs to the set.
func (cs CodeSet) Match(code string) bool {
	if code == "" {
		return false
	}
	if _, ok := cs.exact[code]; ok {
		return true
	}
	for _, p := range cs.prefixes {
		if strings.HasPrefix(code, p) {
			return true
		}
	}
	return false
}
