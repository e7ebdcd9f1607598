package main

import "time"

// GlobalFlags holds the persistent flags shared by all commands.
type GlobalFlags struct {
	ConfigPath    string
	ConfFile      string
	LogLevel      string
	MetricsListen string
}

type CompleteExportFlags struct {
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
}

type ImportFlags struct {
	VO           string
	Instance     string
	DryRun       bool
	DoIt         bool
	PollInterval time.Duration
	Lookback     time.Duration
}

// SuperviseFlags drive the generic supervise command.
type SuperviseFlags struct {
	Name              string
	Database          string
	LogDatabase       string
	Call              string
	Args              []string
	Partition         string
	Marker            string
	Table             string
	PartitionColumn   string
	TimeColumn        string
	MessageColumn     string
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	InitialDelay      time.Duration
	Lookback          time.Duration
	Since             int64
}

type ConfGetFlags struct {
	Type    string
	Default string
}
