// ============================================================================
// logbus CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree for running and operating a logbus node
//
// Command Structure:
//   logbus                         # Root command
//   ├── run                        # Start one node on the shared log dir
//   │   ├── --id                   # Override bus.service_id
//   │   └── --log-dir              # Override bus.log_dir
//   ├── status                     # Query a running node over gRPC
//   ├── gc                         # Ask a running node to run a GC cycle
//   ├── check <path>               # Quorum file check through a running node
//   │   └── --hosts 2,3            # Hosts that must see the file
//   ├── dump <log-file>            # Print records with validity markers
//   │   └── --stats                # Print a summary instead
//   ├── --config, -c               # Config file (YAML, or TOML by extension)
//   └── --log-level                # debug, info, warn, error
//
// run Command:
//   1. Load config file and apply flag overrides
//   2. Create and start the node
//   3. Start Metrics HTTP server (if enabled)
//   4. Start the gRPC admin server
//   5. Wait for SIGINT / SIGTERM and shut down in reverse order
//
// Remote Commands:
//   status, gc and check dial --addr (default: admin.addr from config,
//   else localhost:50061).
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/ChuLiYu/logbus/internal/metrics"
	"github.com/ChuLiYu/logbus/internal/node"
	"github.com/ChuLiYu/logbus/internal/server"
	"github.com/ChuLiYu/logbus/internal/storage/eventlog"
	"github.com/ChuLiYu/logbus/pkg/types"
)

const shutdownTimeout = 10 * time.Second

type options struct {
	configFile string
	logLevel   string
}

func BuildCLI() *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:   "logbus",
		Short: "logbus: a distributed event bus over a shared log directory",
		Long: `logbus runs one bus peer per process. Peers share a directory of
append-only log files and coordinate through it:
- membership and leader election from the files present
- bus-wide pause / compact / resume GC
- quorum-ack request/response, e.g. remote file checks`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", DefaultConfigPath, "config file path (.yaml or .toml)")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "log level: debug, info, warn, error")

	rootCmd.AddCommand(buildRunCommand(opts))
	rootCmd.AddCommand(buildStatusCommand(opts))
	rootCmd.AddCommand(buildGCCommand(opts))
	rootCmd.AddCommand(buildCheckCommand(opts))
	rootCmd.AddCommand(buildDumpCommand())

	return rootCmd
}

func newLogger(w io.Writer, level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})), nil
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand(opts *options) *cobra.Command {
	var serviceID, logDir string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a logbus node",
		Long:  "Start one bus peer on the configured log directory and serve the admin API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts.configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if serviceID != "" {
				cfg.Bus.ServiceID = serviceID
			}
			if logDir != "" {
				cfg.Bus.LogDir = logDir
			}
			if err := cfg.validate(); err != nil {
				return err
			}

			logger, err := newLogger(cmd.ErrOrStderr(), opts.logLevel)
			if err != nil {
				return err
			}
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runNode(ctx, cfg, logger)
		},
	}

	cmd.Flags().StringVar(&serviceID, "id", "", "service id, overrides bus.service_id")
	cmd.Flags().StringVar(&logDir, "log-dir", "", "shared log directory, overrides bus.log_dir")

	return cmd
}

// runNode blocks until ctx is done.
func runNode(ctx context.Context, cfg *Config, logger *slog.Logger) error {
	var collector *metrics.Collector
	var registry *prometheus.Registry
	if cfg.Metrics.Enabled {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		collector = metrics.NewCollector(registry)
	}

	n, err := node.New(ctx, cfg.nodeConfig(logger, collector))
	if err != nil {
		return fmt.Errorf("failed to create node: %w", err)
	}
	if err := n.Start(); err != nil {
		n.Stop()
		return fmt.Errorf("failed to start node: %w", err)
	}
	defer n.Stop()

	// Start Metrics
	var metricsSrv *http.Server
	if registry != nil {
		metricsSrv = metrics.NewServer(cfg.Metrics.Addr, registry)
		go func() {
			logger.Info("Starting metrics server", "addr", cfg.Metrics.Addr)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Metrics server error", "error", err)
			}
		}()
	}

	// Start admin gRPC server
	lis, err := net.Listen("tcp", cfg.Admin.Addr)
	if err != nil {
		if metricsSrv != nil {
			metricsSrv.Close()
		}
		return fmt.Errorf("failed to listen on %s: %w", cfg.Admin.Addr, err)
	}
	grpcServer := server.NewGRPCServer(server.NewServer(n, logger))
	go func() {
		logger.Info("Admin server listening", "addr", lis.Addr().String())
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error("Admin server failed", "error", err)
		}
	}()

	logger.Info("System started successfully", "service", n.ID())

	<-ctx.Done()
	logger.Info("Received shutdown signal, stopping gracefully")

	grpcServer.GracefulStop()
	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Metrics server shutdown", "error", err)
		}
	}
	return nil
}

// ============================================================================
// remote commands
// ============================================================================

// adminAddr prefers the flag, then the config file, then the default port.
func adminAddr(opts *options, flag string) string {
	if flag != "" {
		return flag
	}
	addr := DefaultAdminAddr
	if cfg, err := loadConfig(opts.configFile); err == nil {
		addr = cfg.Admin.Addr
	}
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return addr
}

func withClient(addr string, timeout time.Duration, fn func(context.Context, *server.Client) error) error {
	client, err := server.Dial(addr)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return fn(ctx, client)
}

func buildStatusCommand(opts *options) *cobra.Command {
	var addr string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show node status",
		Long:  "Display membership, leader, GC state and log size of a running node",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(adminAddr(opts, addr), 5*time.Second, func(ctx context.Context, c *server.Client) error {
				st, err := c.Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to fetch status: %w", err)
				}
				if asJSON {
					enc := json.NewEncoder(cmd.OutOrStdout())
					enc.SetIndent("", "  ")
					return enc.Encode(st)
				}
				printStatus(cmd.OutOrStdout(), st)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "admin address of the node")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print raw JSON")
	return cmd
}

func printStatus(w io.Writer, st node.Status) {
	fmt.Fprintln(w, "╔═══════════════════════════════════════════════════════════╗")
	fmt.Fprintf(w, "║  logbus node %-45s║\n", st.ID)
	fmt.Fprintln(w, "╚═══════════════════════════════════════════════════════════╝")
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Bus:")
	fmt.Fprintf(w, "  ├─ State:          %s\n", st.State)
	fmt.Fprintf(w, "  ├─ Log Size:       %d bytes\n", st.LogSize)
	fmt.Fprintf(w, "  ├─ Pending Calls:  %d\n", st.PendingCalls)
	fmt.Fprintf(w, "  └─ Uptime:         %s\n", st.Uptime.Round(time.Second))
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Election:")
	fmt.Fprintf(w, "  ├─ Leader:         %s\n", orDash(st.Leader.String()))
	fmt.Fprintf(w, "  └─ State:          %s\n", st.Election)
	fmt.Fprintln(w)

	fmt.Fprintf(w, "Members (%d):\n", len(st.Members))
	for i, p := range st.Members {
		branch := "├─"
		if i == len(st.Members)-1 {
			branch = "└─"
		}
		fmt.Fprintf(w, "  %s %-8s last seen %s\n", branch, p.ID, p.LastSeen.Format(time.RFC3339))
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "GC:")
	fmt.Fprintf(w, "  ├─ In Progress:    %t\n", st.GCInProgress)
	fmt.Fprintf(w, "  ├─ Suspended By:   %s\n", orDash(joinPeers(st.Initiators)))
	if st.LastGC != nil {
		fmt.Fprintf(w, "  └─ Last Cycle:     %d -> %d bytes at %s\n",
			st.LastGC.Before, st.LastGC.After, st.LastGC.Started.Format(time.RFC3339))
	} else {
		fmt.Fprintln(w, "  └─ Last Cycle:     -")
	}
}

func buildGCCommand(opts *options) *cobra.Command {
	var addr string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Run a GC cycle on a node",
		Long:  "Suspend every peer, compact the node's log and resume",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(adminAddr(opts, addr), timeout, func(ctx context.Context, c *server.Client) error {
				res, err := c.TriggerGC(ctx)
				if err != nil {
					return fmt.Errorf("gc failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "compacted %d -> %d bytes (kept %d, dropped %d) in %s\n",
					res.Before, res.After, res.Kept, res.Dropped, res.Duration)
				if res.Archive != "" {
					fmt.Fprintf(cmd.OutOrStdout(), "archived to %s\n", res.Archive)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "admin address of the node")
	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "overall deadline")
	return cmd
}

func buildCheckCommand(opts *options) *cobra.Command {
	var addr string
	var hosts []string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "check <path>",
		Short: "Check that a file is readable on a set of hosts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			peers := make([]types.PeerID, 0, len(hosts))
			for _, h := range hosts {
				if h = strings.TrimSpace(h); h != "" {
					peers = append(peers, types.PeerID(h))
				}
			}
			if len(peers) == 0 {
				return fmt.Errorf("at least one host is required (use --hosts)")
			}
			return withClient(adminAddr(opts, addr), timeout, func(ctx context.Context, c *server.Client) error {
				if err := c.CheckFile(ctx, args[0], peers); err != nil {
					return fmt.Errorf("check failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s is readable on %s\n", args[0], joinPeers(peers))
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "admin address of the node")
	cmd.Flags().StringSliceVar(&hosts, "hosts", nil, "hosts that must confirm the file")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "overall deadline")
	return cmd
}

// ============================================================================
// dump
// ============================================================================

func buildDumpCommand() *cobra.Command {
	var stats bool

	cmd := &cobra.Command{
		Use:   "dump <log-file>",
		Short: "Print the records of a log file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return dumpLog(cmd.OutOrStdout(), args[0], stats)
		},
	}

	cmd.Flags().BoolVar(&stats, "stats", false, "print a summary instead of every record")
	return cmd
}

func dumpLog(w io.Writer, path string, stats bool) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	if !stats {
		return eventlog.DumpLog(path, w)
	}

	s, err := eventlog.GetLogStats(path)
	if err != nil {
		return fmt.Errorf("failed to read log file: %w", err)
	}
	fmt.Fprintf(w, "size:      %d bytes\n", s.Size)
	fmt.Fprintf(w, "records:   %d (corrupted %d)\n", s.TotalRecords, s.CorruptedCount)
	fmt.Fprintf(w, "epochs:    %d\n", s.Epochs)
	fmt.Fprintf(w, "seq:       %d..%d\n", s.FirstSeq, s.LastSeq)
	for _, kind := range sortedKeys(s.Types) {
		fmt.Fprintf(w, "  %-20s %d\n", kind, s.Types[kind])
	}
	return nil
}

// Helpers

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func joinPeers(ids []types.PeerID) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = id.String()
	}
	return strings.Join(parts, ", ")
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
