// Package config defines the flat configuration value the CLI assembles
// with spf13/viper and hands to internal/wiring. Grounded on
// config.Config/worker.WorkerConfiguration from the teacher: a plain
// struct with no viper or flag awareness of its own, so the library
// packages it configures stay free of global state.
package config

import "time"

// BackendConfig describes one fleet member to dial.
type BackendConfig struct {
	ID       string
	Host     string
	AuthKind string // "none", "basic", "bearer", "headers"
	Username string
	Password string
	Token    string
	Headers  map[string]string // used when AuthKind == "headers"
}

// Config is the complete set of knobs the CLI exposes.
type Config struct {
	Backends []BackendConfig

	// Mode selects the dispatcher's selection policy: "zero", "lowest",
	// "routine", or "affinity".
	Mode string

	MaxQueueSize int
	InitTries    int
	InitDelay    time.Duration

	MetaCacheTTL time.Duration

	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	ReconnectMaxAttempts int

	// StatusAddr, if non-empty, starts the read-only introspection HTTP
	// endpoint (SPEC_FULL.md §4.4) bound to this address.
	StatusAddr string
}
