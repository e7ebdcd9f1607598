package confstore

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cast"

	"github.com/loykin/ctamigrate/internal/store"
	"github.com/loykin/ctamigrate/internal/units"
)

// Kind lists the types a value can be read as.
type Kind interface {
	string | int | int64 | float64 | bool | time.Duration | units.Bytes
}

// Value reads category/key as T.
//
// A missing key yields def, or ErrNotFound when def is nil. A value that does
// not convert to T is logged and replaced by def; ok is false when that
// happens without a default, and the zero T is returned.
func Value[T Kind](s *Store, category, key string, def *T) (v T, ok bool, err error) {
	raw, found, err := s.lookup(category, key)
	if err != nil {
		return v, false, err
	}
	if !found {
		if def == nil {
			return v, false, fmt.Errorf("%s/%s: %w", category, key, ErrNotFound)
		}
		return *def, true, nil
	}
	v, cerr := coerce[T](raw)
	if cerr != nil {
		ce := &CoercionError{Category: category, Key: key, Value: raw, Err: cerr}
		s.log.Error("Invalid option in config file", "path", s.path, "category", category, "key", key, "value", raw, "error", ce.Err)
		if def == nil {
			var zero T
			return zero, false, nil
		}
		return *def, true, nil
	}
	return v, true, nil
}

func coerce[T Kind](raw string) (T, error) {
	var out T
	var err error
	switch p := any(&out).(type) {
	case *string:
		*p = raw
	case *int:
		*p, err = cast.ToIntE(raw)
	case *int64:
		*p, err = cast.ToInt64E(raw)
	case *float64:
		*p, err = cast.ToFloat64E(raw)
	case *bool:
		*p, err = units.ParseBool(raw)
	case *time.Duration:
		*p, err = units.ParseDuration(raw)
	case *units.Bytes:
		*p, err = units.ParseBytes(raw)
	}
	return out, err
}

// String returns category/key, or def when missing.
func (s *Store) String(category, key, def string) string {
	v, _, err := Value(s, category, key, &def)
	if err != nil {
		return def
	}
	return v
}

// Int returns category/key as an int, or def when missing or invalid.
func (s *Store) Int(category, key string, def int) int {
	v, _, err := Value(s, category, key, &def)
	if err != nil {
		return def
	}
	return v
}

// Bool returns category/key as a boolean, or def when missing or invalid.
func (s *Store) Bool(category, key string, def bool) bool {
	v, _, err := Value(s, category, key, &def)
	if err != nil {
		return def
	}
	return v
}

// Duration returns category/key as a duration, or def when missing or invalid.
func (s *Store) Duration(category, key string, def time.Duration) time.Duration {
	v, _, err := Value(s, category, key, &def)
	if err != nil {
		return def
	}
	return v
}

// InstanceEnv names the environment variable selecting the instance suffix
// of connection categories.
const InstanceEnv = "CASTOR_INSTANCE"

// ConnectParams reads the user, passwd and dbName entries of category. When
// CASTOR_INSTANCE is set the category "<category>_<instance>" is used instead.
func (s *Store) ConnectParams(category string) (store.Params, error) {
	name, inst := category, "default"
	if v := os.Getenv(InstanceEnv); v != "" {
		name = category + "_" + v
		inst = fmt.Sprintf("'%s' %s", v, category)
	}
	var p store.Params
	for _, f := range []struct {
		key, what string
		dst       *string
	}{
		{"user", "user name", &p.User},
		{"passwd", "password", &p.Password},
		{"dbName", "DB name", &p.Endpoint},
	} {
		v, found, err := s.lookup(name, f.key)
		if err != nil {
			return store.Params{}, err
		}
		if !found || v == "" {
			return store.Params{}, fmt.Errorf("no %s found for %s in %s", f.what, inst, s.path)
		}
		*f.dst = v
	}
	return p, nil
}
