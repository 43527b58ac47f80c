package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/outpostnet/bondtun/internal/command"
	"github.com/outpostnet/bondtun/internal/iptables"
	bondlog "github.com/outpostnet/bondtun/internal/log"
	"github.com/outpostnet/bondtun/internal/metrics"
	"github.com/outpostnet/bondtun/internal/queue"
	"github.com/outpostnet/bondtun/internal/receiver"
	"github.com/outpostnet/bondtun/internal/sender"
	"github.com/outpostnet/bondtun/internal/snat"
	"github.com/outpostnet/bondtun/internal/stats"
	"github.com/outpostnet/bondtun/internal/whitelist"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the tunnel (Sender, Receiver, and optional whitelist authenticator)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTunnel(cmd.Context())
	},
}

// runTunnel wires every cooperating activity together: Sender, Receiver,
// Whitelist (if a secret is configured), plus the ambient metrics server
// and status socket — four-or-five fixed goroutines sharing one
// process-wide `running` flag and a single-consumer error channel, exactly
// the concurrency model the teacher's daemon command uses.
func runTunnel(parentCtx context.Context) error {
	level := cfg.LogLevel
	if cfg.Silent {
		level = "error"
	}
	if err := bondlog.Init(bondlog.Config{
		Level:  level,
		Format: cfg.LogFormat,
		Output: bondlog.OutputConfig{Stdout: !cfg.Silent, FilePath: cfg.LogFile},
	}); err != nil {
		return fmt.Errorf("init logging: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := iptables.LoadNFQueueModule(); err != nil {
		return err
	}

	var guards []*iptables.Guard
	defer func() {
		if err := iptables.GuardChain(guards...); err != nil {
			slog.Error("iptables teardown failed", "error", err)
		}
	}()

	fwdGuard, err := iptables.EnableIPForwarding()
	if err != nil {
		return err
	}
	guards = append(guards, fwdGuard)

	for _, port := range cfg.Ports {
		senderGuard, err := iptables.InstallSenderQueueRule(int(port), cfg.Fwmark, int(cfg.Queue))
		if err != nil {
			return err
		}
		guards = append(guards, senderGuard)

		if cfg.Server {
			snatHost, _, _ := net.SplitHostPort(cfg.SNAT)
			recvGuard, err := iptables.InstallServerReceiverQueueRule(int(port), snatHost, int(cfg.RecvQueue))
			if err != nil {
				return err
			}
			guards = append(guards, recvGuard)
		} else {
			recvGuard, err := iptables.InstallClientReceiverQueueRule(int(port), int(cfg.RecvQueue))
			if err != nil {
				return err
			}
			guards = append(guards, recvGuard)
		}
	}

	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	running := &atomic.Bool{}
	running.Store(true)

	errCh := make(chan error, 8)
	st := stats.New()
	var table *snat.Table
	if cfg.SNAT != "" {
		table = snat.New(cfg.TTL)
	}

	var snatIP net.IP
	var snatPort uint16
	if cfg.SNAT != "" {
		host, portStr, err := net.SplitHostPort(cfg.SNAT)
		if err != nil {
			return fmt.Errorf("parse --snat: %w", err)
		}
		snatIP = net.ParseIP(host)
		if _, err := fmt.Sscanf(portStr, "%d", &snatPort); err != nil {
			return fmt.Errorf("parse --snat port: %w", err)
		}
	}

	sendQueue, err := queue.Open(cfg.Queue)
	if err != nil {
		return err
	}
	defer sendQueue.Close()

	recvQueue, err := queue.Open(cfg.RecvQueue)
	if err != nil {
		return err
	}
	defer recvQueue.Close()

	send, err := sender.New(sender.Config{
		Fragments:  cfg.Fragments,
		Fwmark:     cfg.Fwmark,
		Interfaces: cfg.Interfaces,
	}, sendQueue, st, table)
	if err != nil {
		return err
	}
	defer send.Close()

	recv, err := receiver.New(receiver.Config{
		Timeout:    cfg.Timeout,
		SNATIP:     snatIP,
		SNATPort:   snatPort,
		SNATDevice: firstInterface(cfg.Interfaces),
	}, recvQueue, st, table)
	if err != nil {
		return err
	}
	defer recv.Close()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := send.Run(ctx, running); err != nil {
			errCh <- fmt.Errorf("sender: %w", err)
		}
	}()
	go func() {
		defer wg.Done()
		if err := recv.Run(ctx, running); err != nil {
			errCh <- fmt.Errorf("receiver: %w", err)
		}
	}()

	var wlServer *whitelist.Server
	if cfg.Secret != "" && cfg.Server {
		wlServer, err = whitelist.NewServer(cfg.Secret, fmt.Sprintf(":%d", cfg.Ports[0]), st)
		if err != nil {
			return err
		}
		defer wlServer.Close()

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := wlServer.Run(ctx, running); err != nil {
				errCh <- fmt.Errorf("whitelist server: %w", err)
			}
		}()
	}

	var wlClient *whitelist.Client
	if cfg.Secret != "" && !cfg.Server && cfg.Remote != "" {
		wlClient, err = whitelist.NewClient(cfg.Secret, cfg.Interfaces, cfg.Remote)
		if err != nil {
			return err
		}
		defer wlClient.Close()

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := wlClient.Run(ctx, running); err != nil {
				errCh <- fmt.Errorf("whitelist client: %w", err)
			}
		}()
	}

	var metricsServer *metrics.Server
	if cfg.MetricsAddr != "" {
		metricsServer = metrics.NewServer(cfg.MetricsAddr, "/metrics", st)
		if err := metricsServer.Start(ctx); err != nil {
			return err
		}
		defer metricsServer.Stop(context.Background())
	}

	var statusServer *command.UDSServer
	if socketPath != "" {
		handler := command.NewCommandHandler(st)
		statusServer = command.NewUDSServer(socketPath, handler)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := statusServer.Start(ctx); err != nil {
				errCh <- fmt.Errorf("status server: %w", err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
	case runErr = <-errCh:
		slog.Error("component failed, shutting down", "error", runErr)
	}

	running.Store(false)
	cancel()
	wg.Wait()

	return runErr
}

func firstInterface(interfaces []string) string {
	if len(interfaces) == 0 {
		return ""
	}
	return interfaces[0]
}
