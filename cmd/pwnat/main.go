// Package main provides the CLI entry point for pwnat.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/postalsys/pwnat/internal/agent"
	"github.com/postalsys/pwnat/internal/config"
	"github.com/postalsys/pwnat/internal/logging"
	"github.com/postalsys/pwnat/internal/sysinfo"
)

// options holds the command line flags.
type options struct {
	server      bool
	client      bool
	ipv6        bool
	verbosity   int
	bindAddress string
	proxyPort   uint16
	configPath  string
	health      string
}

func main() {
	rootCmd := rootCmd()
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:   "pwnat (-s | -c <local port> <proxy host> <remote host> <remote port>)",
		Short: "pwnat - NAT to NAT client-server communication",
		Long: `pwnat lets clients reach a server behind a NAT without any port
forwarding. The server pings an unused address; clients answer with a
forged ICMP Time Exceeded message, and both sides then punch a reliable
UDP tunnel through their NATs that carries TCP connections.

Server:  pwnat -s [-b <bind address>] [-p <proxy port>]
Client:  pwnat -c <local port> <proxy host> <remote host> <remote port>

Raw ICMP sockets require root or CAP_NET_RAW.`,
		Version:       sysinfo.Version,
		SilenceErrors: true,
		Args:          cobra.MaximumNArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := buildConfig(&opts, cmd, args)
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true
			return run(cfg)
		},
	}

	flags := cmd.Flags()
	flags.BoolVarP(&opts.server, "server", "s", false, "Run as the server behind the NAT")
	flags.BoolVarP(&opts.client, "client", "c", false, "Run as a client")
	flags.BoolVarP(&opts.ipv6, "ipv6", "6", false, "Use IPv6")
	flags.CountVarP(&opts.verbosity, "verbose", "v", "Increase log verbosity")
	flags.StringVarP(&opts.bindAddress, "bindaddress", "b", "", "Local address to bind to")
	flags.Uint16VarP(&opts.proxyPort, "proxyport", "p", 0, "UDP port the server listens on (default 2222)")
	flags.StringVar(&opts.configPath, "config", "", "Path to a YAML configuration file")
	flags.StringVar(&opts.health, "health", "", "Serve health and metrics on this address")

	return cmd
}

// buildConfig merges the configuration file, flags and positional arguments.
// Flags override file values.
func buildConfig(opts *options, cmd *cobra.Command, args []string) (*config.Config, error) {
	cfg := config.Default()
	if opts.configPath != "" {
		loaded, err := config.Load(opts.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	switch {
	case opts.server && opts.client:
		return nil, errors.New("choose one of --server or --client")
	case opts.server:
		cfg.Mode = config.ModeServer
	case opts.client:
		cfg.Mode = config.ModeClient
	}
	if cfg.Mode == "" {
		return nil, errors.New("one of --server or --client is required")
	}

	if opts.ipv6 {
		cfg.IPv6 = true
	}
	if opts.bindAddress != "" {
		cfg.BindAddress = opts.bindAddress
	}
	if cmd.Flags().Changed("proxyport") {
		cfg.ProxyPort = opts.proxyPort
	}
	if opts.health != "" {
		cfg.Health.Enabled = true
		cfg.Health.Address = opts.health
	}
	cfg.Log.Level = logging.LevelForVerbosity(cfg.Log.Level, opts.verbosity)

	if cfg.Mode == config.ModeServer && len(args) > 0 {
		return nil, fmt.Errorf("server mode takes no arguments, got %d", len(args))
	}
	if cfg.Mode == config.ModeClient && len(args) > 0 {
		if len(args) != 4 {
			return nil, fmt.Errorf("client mode needs <local port> <proxy host> <remote host> <remote port>, got %d arguments", len(args))
		}
		localPort, err := parsePort(args[0])
		if err != nil {
			return nil, fmt.Errorf("local port: %w", err)
		}
		remotePort, err := parsePort(args[3])
		if err != nil {
			return nil, fmt.Errorf("remote port: %w", err)
		}
		cfg.Client = config.ClientConfig{
			LocalPort:  localPort,
			ProxyHost:  args[1],
			RemoteHost: args[2],
			RemotePort: remotePort,
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parsePort(s string) (uint16, error) {
	n, err := strconv.ParseUint(s, 10, 16)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return uint16(n), nil
}

func run(cfg *config.Config) error {
	a, err := agent.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create agent: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.Start(ctx); err != nil {
		return fmt.Errorf("failed to start agent: %w", err)
	}
	if addr := a.LocalAddress(); addr != nil {
		fmt.Fprintf(os.Stderr, "Listening on %s\n", addr)
	}

	select {
	case <-ctx.Done():
	case <-a.Failed():
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := a.StopWithContext(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return a.Err()
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			info := sysinfo.Collect()
			fmt.Fprintf(cmd.OutOrStdout(), "pwnat %s (%s/%s, %s)\n", info.Version, info.OS, info.Arch, info.GoVersion)
		},
	}
}
