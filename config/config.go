// Package config loads optional engine-option defaults from mqi.yaml.
// Explicit option fields set by the host always win; the file only
// fills in what the host left unset.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/zhubert/prolog-mqi/paths"
)

// Defaults holds engine option defaults read from mqi.yaml.
// Pointer fields distinguish "unset" from zero values.
type Defaults struct {
	// EnginePath overrides discovery of the engine executable.
	EnginePath string `yaml:"engine_path,omitempty"`

	// EngineArgs are extra arguments placed before the MQI startup goal.
	EngineArgs []string `yaml:"engine_args,omitempty"`

	// QueryTimeoutSeconds is the default per-query timeout. Negative
	// means unlimited.
	QueryTimeoutSeconds *float64 `yaml:"query_timeout_seconds,omitempty"`

	// StartupTimeoutSeconds bounds how long to wait for the engine's
	// connection handshake on stdout.
	StartupTimeoutSeconds *float64 `yaml:"startup_timeout_seconds,omitempty"`

	// PendingConnections is the engine-side listen backlog.
	PendingConnections *int `yaml:"pending_connections,omitempty"`

	// UseUnixSocket selects Unix domain socket transport by default.
	UseUnixSocket *bool `yaml:"use_unix_socket,omitempty"`

	// OutputFileName redirects engine stdout/stderr to this file.
	OutputFileName string `yaml:"output_file_name,omitempty"`

	// Debug enables debug-level logging.
	Debug *bool `yaml:"debug,omitempty"`
}

// Load reads mqi.yaml from the user config directory.
// Returns nil, nil if the file does not exist.
func Load() (*Defaults, error) {
	path, err := paths.ConfigFilePath()
	if err != nil {
		return nil, err
	}
	return LoadFile(path)
}

// LoadFile reads defaults from an explicit path.
// Returns nil, nil if the file does not exist.
func LoadFile(path string) (*Defaults, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var d Defaults
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

// Validate rejects values no engine launch could accept.
func (d *Defaults) Validate() error {
	if d.PendingConnections != nil && *d.PendingConnections < 1 {
		return fmt.Errorf("pending_connections must be at least 1, got %d", *d.PendingConnections)
	}
	if d.StartupTimeoutSeconds != nil && *d.StartupTimeoutSeconds <= 0 {
		return fmt.Errorf("startup_timeout_seconds must be positive, got %g", *d.StartupTimeoutSeconds)
	}
	return nil
}
