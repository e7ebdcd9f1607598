package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/loykin/ctamigrate/internal/confstore"
	"github.com/loykin/ctamigrate/internal/logger"
	"github.com/loykin/ctamigrate/internal/session"
	"github.com/loykin/ctamigrate/internal/store"
	"github.com/loykin/ctamigrate/internal/store/factory"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. CTAMIGRATE_SUPERVISOR_POLL_INTERVAL.
const EnvPrefix = "CTAMIGRATE"

// DefaultConfFile is the nameserver style configuration read by the tools.
const DefaultConfFile = "/etc/castor/castor.conf"

// FileConfig represents the top-level TOML structure.
type FileConfig struct {
	ConfFile    string           `toml:"conf_file" mapstructure:"conf_file"`
	ConfRefresh time.Duration    `toml:"conf_refresh" mapstructure:"conf_refresh"`
	Log         logger.Config    `toml:"log" mapstructure:"log"`
	Metrics     MetricsConfig    `toml:"metrics" mapstructure:"metrics"`
	History     HistoryConfig    `toml:"history" mapstructure:"history"`
	Supervisor  SupervisorConfig `toml:"supervisor" mapstructure:"supervisor"`
	Databases   []Database       `toml:"databases" mapstructure:"databases"`
}

type MetricsConfig struct {
	// Listen enables the status server when set, e.g. ":9090".
	Listen string `toml:"listen" mapstructure:"listen"`
}

type HistoryConfig struct {
	// DSNs are handed to the history sink factory; every run is recorded in each.
	DSNs []string `toml:"dsns" mapstructure:"dsns"`
}

// SupervisorConfig overrides the per command interval defaults. Zero keeps
// them; command line flags win over both.
type SupervisorConfig struct {
	PollInterval      time.Duration `toml:"poll_interval" mapstructure:"poll_interval"`
	HeartbeatInterval time.Duration `toml:"heartbeat_interval" mapstructure:"heartbeat_interval"`
}

// Database describes one remote store. The credentials come from DSN, from
// a "user/password@endpoint" ConnectFile, or from Category in the conf file,
// in that order.
type Database struct {
	Name           string `toml:"name" mapstructure:"name"`
	Driver         string `toml:"driver" mapstructure:"driver"`
	DSN            string `toml:"dsn" mapstructure:"dsn"`
	ConnectFile    string `toml:"connect_file" mapstructure:"connect_file"`
	Category       string `toml:"category" mapstructure:"category"`
	SchemaVersion  string `toml:"schema_version" mapstructure:"schema_version"`
	VersionQuery   string `toml:"version_query" mapstructure:"version_query"`
	EnforceVersion bool   `toml:"enforce_version" mapstructure:"enforce_version"`
	Autocommit     bool   `toml:"autocommit" mapstructure:"autocommit"`
}

// Built-in databases used when the TOML file does not name them.
var defaultDatabases = []Database{
	{Name: "ns", Driver: "postgres", ConnectFile: "/etc/castor/NSCONFIG", SchemaVersion: "2_1_14_2"},
	{Name: "cta", Driver: "postgres", ConnectFile: "/etc/castor/CTACONFIG", SchemaVersion: "0.0"},
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("conf_file", DefaultConfFile)
	v.SetDefault("conf_refresh", confstore.DefaultRefreshDelay)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("metrics.listen", "")
	v.SetDefault("supervisor.poll_interval", time.Duration(0))
	v.SetDefault("supervisor.heartbeat_interval", time.Duration(0))
}

// Load reads the TOML file at path. An empty path yields the defaults.
// Environment variables prefixed with EnvPrefix override scalar keys.
func Load(path string) (*FileConfig, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}
	var fc FileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return nil, err
	}
	if err := fc.Validate(); err != nil {
		return nil, err
	}
	return &fc, nil
}

// Validate checks the database entries.
func (fc *FileConfig) Validate() error {
	seen := make(map[string]bool, len(fc.Databases))
	for i, d := range fc.Databases {
		if d.Name == "" {
			return fmt.Errorf("database #%d requires name", i+1)
		}
		if seen[d.Name] {
			return fmt.Errorf("duplicate database %s", d.Name)
		}
		seen[d.Name] = true
		if d.DSN == "" && d.ConnectFile == "" && d.Category == "" {
			return fmt.Errorf("database %s requires dsn, connect_file or category", d.Name)
		}
		if d.DSN == "" && d.Driver == "" {
			return fmt.Errorf("database %s requires driver without dsn", d.Name)
		}
	}
	return nil
}

// Database returns the entry called name, falling back to the built-in
// "ns" and "cta" entries.
func (fc *FileConfig) Database(name string) (Database, error) {
	for _, d := range fc.Databases {
		if d.Name == name {
			return d, nil
		}
	}
	for _, d := range defaultDatabases {
		if d.Name == name {
			return d, nil
		}
	}
	return Database{}, fmt.Errorf("database %s not configured", name)
}

// Params resolves the connection parameters, reading the conf file for
// category based entries.
func (d Database) Params(cs *confstore.Store) (store.Params, error) {
	if d.DSN != "" {
		return store.Params{Endpoint: d.DSN}, nil
	}
	if d.ConnectFile != "" {
		return ReadConnectFile(d.ConnectFile)
	}
	if cs == nil {
		return store.Params{}, fmt.Errorf("database %s needs the conf file for category %s", d.Name, d.Category)
	}
	return cs.ConnectParams(d.Category)
}

// StoreDriver picks the driver by name, or by DSN scheme when no name is set.
func (d Database) StoreDriver() (store.Driver, error) {
	if d.Driver != "" {
		return factory.Driver(d.Driver)
	}
	return factory.DriverFor(d.DSN)
}

// SessionConfig builds the session settings of the entry.
func (d Database) SessionConfig(cs *confstore.Store) (session.Config, error) {
	p, err := d.Params(cs)
	if err != nil {
		return session.Config{}, err
	}
	return session.Config{
		Name:           d.Name,
		Params:         p,
		SchemaVersion:  d.SchemaVersion,
		VersionQuery:   d.VersionQuery,
		EnforceVersion: d.EnforceVersion,
		Autocommit:     d.Autocommit,
	}, nil
}

// ReadConnectFile parses the first non comment line of a nameserver style
// file holding "user/password@endpoint".
func ReadConnectFile(path string) (store.Params, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return store.Params{}, err
	}
	defer func() { _ = f.Close() }()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || line[0] == '#' {
			continue
		}
		p, err := store.ParseConnectString(line)
		if err != nil {
			return store.Params{}, fmt.Errorf("%s: %w", path, err)
		}
		return p, nil
	}
	if err := sc.Err(); err != nil {
		return store.Params{}, err
	}
	return store.Params{}, fmt.Errorf("empty config file %s", path)
}
