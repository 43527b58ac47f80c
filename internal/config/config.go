// Package config models bondtun's configuration: compiled-in defaults,
// layered under an optional YAML file, layered under CLI flags (highest
// precedence), following the teacher's cobra/pflag + viper/mapstructure
// convention.
package config

import "time"

// Config is the flat set of tunables bondtun runs with. Field names match
// the CLI flags they bind to; YAML keys use the mapstructure tag.
type Config struct {
	Server bool `mapstructure:"server"`
	Silent bool `mapstructure:"silent"`

	RecvQueue       uint16 `mapstructure:"recv_queue"`
	RecvQueueMaxLen uint32 `mapstructure:"recv_queue_max_len"`
	Queue           uint16 `mapstructure:"queue"`
	QueueMaxLen     uint32 `mapstructure:"queue_max_len"`

	Timeout time.Duration `mapstructure:"timeout"`
	TTL     time.Duration `mapstructure:"ttl"`

	Ports      []uint16 `mapstructure:"-"` // parsed separately from the --ports flag; see cmd.parsePorts
	Fwmark     uint32   `mapstructure:"fwmark"`
	Table      uint32   `mapstructure:"table"`
	Interfaces []string `mapstructure:"interfaces"`

	Fragments         uint8 `mapstructure:"fragments"`
	FragmentThreshold uint8 `mapstructure:"fragment_threshold"`

	SNAT   string `mapstructure:"snat"`   // optional "ipv4:port"
	Remote string `mapstructure:"remote"` // optional "ipv4:port"
	Secret string `mapstructure:"secret"` // optional; required to enable whitelisting

	// Ambient additions, not part of the wire/iptables contract above.
	ConfigFile   string `mapstructure:"-"`
	MetricsAddr  string `mapstructure:"metrics_addr"`
	StatusSocket string `mapstructure:"status_socket"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
	LogFile   string `mapstructure:"log_file"`
}

// Defaults returns the compiled-in baseline, matching spec.md §6's stated
// defaults; everything else is zero-valued until a flag or YAML key sets it.
func Defaults() Config {
	return Config{
		Fragments:         1,
		FragmentThreshold: 100,
		TTL:               60 * time.Second,
		LogLevel:          "info",
		LogFormat:         "json",
	}
}

// Validate checks the invariants the CLI field list implies: at least one
// interface, a fragment count in [1,7], and at least one port. The secret
// is not checked here; whitelisting simply stays off when it is empty.
func (c Config) Validate() error {
	if len(c.Interfaces) == 0 {
		return errConfig("at least one --interfaces value is required")
	}
	if c.Fragments < 1 || c.Fragments > 7 {
		return errConfig("fragments must be in [1,7]")
	}
	if len(c.Ports) == 0 {
		return errConfig("at least one --ports value is required")
	}
	return nil
}
