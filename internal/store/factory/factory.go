package factory

import (
	"errors"
	"fmt"
	"strings"

	"github.com/loykin/ctamigrate/internal/store"
	ch "github.com/loykin/ctamigrate/internal/store/clickhouse"
	pg "github.com/loykin/ctamigrate/internal/store/postgres"
	sq "github.com/loykin/ctamigrate/internal/store/sqlite"
)

// DriverFor selects a store driver based on a DSN or endpoint.
// Supported:
//   - postgres:   "postgres://" or "postgresql://"
//   - clickhouse: "clickhouse://"
//   - sqlite:     "sqlite://<path>" or bare filepath (treated as sqlite)
func DriverFor(dsn string) (store.Driver, error) {
	d := strings.TrimSpace(dsn)
	ld := strings.ToLower(d)
	if ld == "" {
		return nil, errors.New("empty DSN")
	}
	switch {
	case strings.HasPrefix(ld, "postgres://") || strings.HasPrefix(ld, "postgresql://"):
		return pg.New(), nil
	case strings.HasPrefix(ld, "clickhouse://"):
		return ch.New(), nil
	}
	// default to sqlite path
	return sq.New(), nil
}

// Driver returns the driver registered under name.
func Driver(name string) (store.Driver, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "postgres", "postgresql", "pg":
		return pg.New(), nil
	case "clickhouse", "ch":
		return ch.New(), nil
	case "sqlite", "sqlite3":
		return sq.New(), nil
	}
	return nil, fmt.Errorf("unknown store driver %q", name)
}
