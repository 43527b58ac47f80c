// Package cmd implements CLI commands using the cobra framework.
package cmd

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/outpostnet/bondtun/internal/config"
)

var (
	configFile string
	socketPath string
	portsFlag  []string

	cfg = config.Defaults()
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "bondtun",
	Short: "bondtun - multipath UDP tunnel over several egress interfaces",
	Long: `bondtun duplicates or fragments selected UDP flows across several
egress network interfaces and reassembles/deduplicates them at a peer.

Client and server run the same binary, with --server toggling
role-specific iptables rules and behavior.`,
	Version: "0.1.0",
}

// Execute runs the root command; child commands are attached in init.
// Called once by main.main.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	flags := rootCmd.PersistentFlags()

	flags.StringVarP(&configFile, "config", "c", "", "optional YAML config file")
	flags.StringVarP(&socketPath, "status-socket", "s", "", "status query socket path (enables the status endpoint)")

	flags.BoolVar(&cfg.Server, "server", false, "run in server role")
	flags.BoolVar(&cfg.Silent, "silent", false, "suppress non-error logging")

	flags.Uint16Var(&cfg.RecvQueue, "recv_queue", 1, "NFQUEUE number for ingress packets")
	flags.Uint32Var(&cfg.RecvQueueMaxLen, "recv_queue_max_len", 1024, "NFQUEUE capacity for ingress packets (not applied: queues open with a fixed capacity of 255)")
	flags.Uint16Var(&cfg.Queue, "queue", 0, "NFQUEUE number for egress packets")
	flags.Uint32Var(&cfg.QueueMaxLen, "queue_max_len", 1024, "NFQUEUE capacity for egress packets (not applied: queues open with a fixed capacity of 255)")

	flags.DurationVar(&cfg.Timeout, "timeout", 50*time.Millisecond, "reassembly forced-advance timeout")
	flags.DurationVar(&cfg.TTL, "ttl", cfg.TTL, "SNAT source table entry time-to-live")

	flags.StringSliceVar(&portsFlag, "ports", nil, "tunneled UDP destination ports (required, at least one)")
	flags.Uint32Var(&cfg.Fwmark, "fwmark", 0, "fwmark applied to tunnel-synthesized packets")
	flags.Uint32Var(&cfg.Table, "table", 0, "routing table number for marked packets (stored only; bondtun installs no routing rule for it)")

	flags.StringSliceVar(&cfg.Interfaces, "interfaces", nil, "egress interfaces (required, at least one)")
	flags.Uint8Var(&cfg.Fragments, "fragments", cfg.Fragments, "number of fragments per logical packet")
	flags.Uint8Var(&cfg.FragmentThreshold, "fragment_threshold", cfg.FragmentThreshold, "minimum payload length to fragment (not read by the sender, which splits every packet)")

	flags.StringVar(&cfg.SNAT, "snat", "", "optional SNAT ip:port for proxy mode")
	flags.StringVar(&cfg.Remote, "remote", "", "optional remote ip:port the client sends whitelist beacons to")
	flags.StringVar(&cfg.Secret, "secret", "", "shared secret for whitelist admission")

	flags.StringVar(&cfg.MetricsAddr, "metrics-addr", "", "Prometheus /metrics listen address")
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level: debug|info|warn|error")
	flags.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log format: json|text")
	flags.StringVar(&cfg.LogFile, "log-file", "", "optional rotated log file path")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)

	cobra.OnInitialize(loadConfigFile, parsePorts)
}

// loadConfigFile layers an optional YAML file over the compiled-in
// defaults, then binds every persistent flag on top so a flag the user
// actually passed always wins — viper's standard set-default/bind-flag
// precedence, the same layering the teacher's own config loader uses.
func loadConfigFile() {
	v := viper.New()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			exitWithError("failed to read config file", err)
		}
	}

	if err := v.BindPFlags(rootCmd.PersistentFlags()); err != nil {
		exitWithError("failed to bind flags", err)
	}

	if err := v.Unmarshal(&cfg); err != nil {
		exitWithError("failed to parse config", err)
	}

	portsFlag = v.GetStringSlice("ports")
}

// parsePorts converts the raw --ports strings into cfg.Ports. Run after
// loadConfigFile so a YAML-supplied ports list (bound under the same flag
// name) has already landed in portsFlag.
func parsePorts() {
	cfg.Ports = cfg.Ports[:0]
	for _, raw := range portsFlag {
		p, err := strconv.ParseUint(raw, 10, 16)
		if err != nil {
			exitWithError(fmt.Sprintf("invalid port %q", raw), err)
		}
		cfg.Ports = append(cfg.Ports, uint16(p))
	}
}

func exitWithError(msg string, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s: %v\n", msg, err)
	} else {
		fmt.Fprintf(os.Stderr, "Error: %s\n", msg)
	}
	os.Exit(1)
}
