// Package config parses and validates the YAML configuration file every
// node reads at startup: settings loaded with yaml.v3 from a YAML file
// into a typed struct (the cobra --config flag lives in
// cmd/quarkdb-server), covering the key set a node needs: mode, storage
// location, identity, tracing, TLS and password.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Mode selects what cmd/quarkdb-server does with the configured storage
// directory.
type Mode string

const (
	ModeStandalone Mode = "standalone"
	ModeRaft       Mode = "raft"
	ModeBulkload   Mode = "bulkload"
)

func (m Mode) valid() bool {
	switch m {
	case ModeStandalone, ModeRaft, ModeBulkload:
		return true
	default:
		return false
	}
}

// Trace is the logging verbosity level, mapped onto zerolog's levels.
type Trace string

const (
	TraceDebug   Trace = "debug"
	TraceInfo    Trace = "info"
	TraceNotice  Trace = "notice"
	TraceWarning Trace = "warning"
	TraceError   Trace = "error"
)

// Config is the fully validated, in-memory configuration for one node.
type Config struct {
	Mode           Mode   `yaml:"mode"`
	Database       string `yaml:"database"`
	Myself         string `yaml:"myself"`
	Trace          Trace  `yaml:"trace"`
	WriteAheadLog  bool   `yaml:"write_ahead_log"`
	Password       string `yaml:"password"`
	PasswordFile   string `yaml:"password_file"`
	CertificatePath string `yaml:"certificate_path"`
	KeyPath        string `yaml:"key_path"`
	MetricsAddress string `yaml:"metrics_address"`

	// BootstrapMembers seeds the initial membership of a brand new raft
	// journal (one that has no membership-declaration entry yet). Ignored
	// once the journal already has a membership, so it is safe to leave
	// in every node's config permanently.
	BootstrapMembers []string `yaml:"bootstrap_members"`

	// BulkloadInputFile is the dump file replayed against the state
	// machine when mode is bulkload. Required in that mode.
	BulkloadInputFile string `yaml:"bulkload_input_file"`

	// ClusterID is the opaque identifier stamped into a brand new
	// journal; subsequent opens ignore it in favour of the persisted
	// value. Defaults to "quarkdb" when unset.
	ClusterID string `yaml:"cluster_id"`

	// TrimKeepAtLeast is the safety margin (in log entries) the trimmer
	// always leaves behind its computed ceiling. Defaults to 1000.
	TrimKeepAtLeast uint64 `yaml:"trim_keep_at_least"`

	// TrimIntervalSeconds is how often the trimmer runs. Defaults to 30.
	TrimIntervalSeconds int `yaml:"trim_interval_seconds"`
}

// Load reads, parses and validates the YAML file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if c.Trace == "" {
		c.Trace = TraceInfo
	}
	if c.ClusterID == "" {
		c.ClusterID = "quarkdb"
	}
	if c.TrimKeepAtLeast == 0 {
		c.TrimKeepAtLeast = 1000
	}
	if c.TrimIntervalSeconds == 0 {
		c.TrimIntervalSeconds = 30
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks every required/mutually-exclusive constraint on the
// configuration, returning the first violation found.
func (c *Config) Validate() error {
	if !c.Mode.valid() {
		return fmt.Errorf("config: mode must be one of standalone|raft|bulkload, got %q", c.Mode)
	}
	if c.Database == "" {
		return fmt.Errorf("config: database is required")
	}
	if strings.HasSuffix(c.Database, "/") {
		return fmt.Errorf("config: database must not have a trailing slash")
	}
	if c.Mode == ModeRaft && c.Myself == "" {
		return fmt.Errorf("config: myself is required in raft mode")
	}
	if c.Mode == ModeBulkload && c.BulkloadInputFile == "" {
		return fmt.Errorf("config: bulkload_input_file is required in bulkload mode")
	}
	if err := validateTrace(c.Trace); err != nil {
		return err
	}
	if c.Password != "" && c.PasswordFile != "" {
		return fmt.Errorf("config: password and password_file are mutually exclusive")
	}
	if c.PasswordFile != "" {
		info, err := os.Stat(c.PasswordFile)
		if err != nil {
			return fmt.Errorf("config: password_file: %w", err)
		}
		if info.Mode().Perm() != 0400 {
			return fmt.Errorf("config: password_file must be mode 0400, got %o", info.Mode().Perm())
		}
	}
	if (c.CertificatePath == "") != (c.KeyPath == "") {
		return fmt.Errorf("config: certificate_path and key_path must be set together")
	}
	return nil
}

func validateTrace(t Trace) error {
	switch t {
	case TraceDebug, TraceInfo, TraceNotice, TraceWarning, TraceError:
		return nil
	default:
		return fmt.Errorf("config: trace must be one of debug|info|notice|warning|error, got %q", t)
	}
}

// TLSEnabled reports whether a certificate/key pair was configured.
func (c *Config) TLSEnabled() bool {
	return c.CertificatePath != "" && c.KeyPath != ""
}

// ResolvedPassword returns the configured password, reading it from
// PasswordFile when that form was used instead.
func (c *Config) ResolvedPassword() (string, error) {
	if c.Password != "" {
		return c.Password, nil
	}
	if c.PasswordFile == "" {
		return "", nil
	}
	data, err := os.ReadFile(c.PasswordFile)
	if err != nil {
		return "", fmt.Errorf("config: read password_file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}
