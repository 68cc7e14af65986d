package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/onllm-dev/onwatch-history/internal/agent"
	"github.com/onllm-dev/onwatch-history/internal/api"
	"github.com/onllm-dev/onwatch-history/internal/config"
	"github.com/onllm-dev/onwatch-history/internal/metrics"
	"github.com/onllm-dev/onwatch-history/internal/store"
)

// version is set with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var (
	pidDir  = defaultPIDDir()
	pidFile = filepath.Join(pidDir, "onwatch-history.pid")
)

// hasCommand checks if any of the given commands/flags exist in os.Args[1:].
func hasCommand(cmds ...string) bool {
	for _, arg := range os.Args[1:] {
		for _, cmd := range cmds {
			if arg == cmd {
				return true
			}
		}
	}
	return false
}

// commandArg returns the argument following cmd, or def when cmd is last.
func commandArg(args []string, cmd, def string) (string, bool) {
	for i, arg := range args {
		if arg != cmd {
			continue
		}
		if i+1 < len(args) && !strings.HasPrefix(args[i+1], "-") {
			return args[i+1], true
		}
		return def, true
	}
	return "", false
}

func run() error {
	if hasCommand("stop", "--stop") {
		return runStop()
	}
	if hasCommand("status", "--status") {
		return runStatus()
	}
	if hasCommand("--version", "-v", "version") {
		fmt.Printf("onwatch-history v%s\n", version)
		return nil
	}
	if hasCommand("--help", "-h") {
		printHelp()
		return nil
	}

	debug.SetMemoryLimit(40 * 1024 * 1024)
	debug.SetGCPercent(50)

	config.TokenDetector = func() string { return api.DetectAnthropicToken(nil) }
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if hasCommand("maintain", "--maintain") {
		return runMaintain(cfg, os.Stdout)
	}
	if r, ok := commandArg(os.Args[1:], "history", string(store.RangeDay)); ok {
		return runHistory(cfg, r, os.Stdout)
	}

	isDaemonChild := os.Getenv("_ONWATCH_HISTORY_DAEMON") == "1"
	if !isDaemonChild {
		stopPreviousInstance()
	}

	// Docker containers always run in the foreground and log to stdout.
	if !cfg.DebugMode && !isDaemonChild && !cfg.IsDockerEnvironment() {
		printBanner(cfg)
		return daemonize(cfg)
	}

	if cfg.DebugMode {
		if err := writePIDFile(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: could not write PID file: %v\n", err)
		}
	}
	defer removePIDFile()

	logWriter, err := cfg.LogWriter()
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	defer logWriter.Close()

	logger := slog.New(slog.NewTextHandler(logWriter, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	if cfg.DebugMode {
		printBanner(cfg)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg, logger, prometheus.NewRegistry())
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// openStore opens the history database. A failure leaves the store
// unavailable; callers keep running without history.
func openStore(cfg *config.Config, logger *slog.Logger, rec metrics.Recorder) *store.Store {
	db, err := store.Open(cfg.DBPath,
		store.WithLogger(logger),
		store.WithRetentionDays(cfg.RetentionDays),
		store.WithPollInterval(cfg.PollInterval),
		store.WithMetrics(rec),
	)
	if err != nil {
		logger.Error("History database unavailable, continuing without history",
			"path", cfg.DBPath, "error", err)
	} else {
		logger.Info("History database opened", "path", cfg.DBPath)
	}
	return db
}

// serve runs the poller, the maintainer and the optional metrics listener
// until ctx is cancelled or one of them fails.
func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger, reg *prometheus.Registry) error {
	rec := metrics.NewPrometheus(reg)

	db := openStore(cfg, logger, rec)
	defer func() {
		if err := db.Close(); err != nil {
			logger.Error("Database close error", "error", err)
		}
	}()

	clientOpts := []api.AnthropicOption{api.WithAnthropicUserAgent("onwatch-history/" + version)}
	if cfg.UsageURL != "" {
		clientOpts = append(clientOpts, api.WithAnthropicBaseURL(cfg.UsageURL))
	}
	client := api.NewAnthropicClient(cfg.AnthropicToken, logger, clientOpts...)

	poller := agent.NewPoller(client, db, cfg.PollInterval, logger,
		agent.WithTier(cfg.Tier),
		agent.WithPollerMetrics(rec),
	)
	maintainer := agent.NewMaintainer(db, cfg.MaintenanceInterval, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return poller.Run(gctx) })
	g.Go(func() error { return maintainer.Run(gctx) })

	if cfg.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           newMetricsMux(reg, db),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.Info("Starting metrics listener", "addr", cfg.MetricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics listener: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	err := g.Wait()
	logger.Info("Shutdown complete")
	return err
}

// healthStatus is the /healthz body.
type healthStatus struct {
	Status           string `json:"status"`
	HistoryAvailable bool   `json:"history_available"`
	LastRollup       string `json:"last_rollup,omitempty"`
	DatabaseBytes    int64  `json:"database_bytes"`
}

func newMetricsMux(reg *prometheus.Registry, db *store.Store) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		h := healthStatus{
			Status:           "ok",
			HistoryAvailable: db.IsAvailable(),
			DatabaseBytes:    db.DatabaseSizeBytes(),
		}
		if !h.HistoryAvailable {
			h.Status = "degraded"
		}
		if t, ok, err := db.LastRollupTime(); err == nil && ok {
			h.LastRollup = t.Format(time.RFC3339)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(h)
	})
	return mux
}

// runMaintain performs one maintenance pass and exits.
func runMaintain(cfg *config.Config, w io.Writer) error {
	logger := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: parseLogLevel(cfg.LogLevel)}))
	db := openStore(cfg, logger, metrics.Noop())
	defer db.Close()

	if !db.IsAvailable() {
		return fmt.Errorf("history database %s is unavailable", cfg.DBPath)
	}
	res, err := db.RunMaintenance()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Rollups written: %d five-minute, %d hourly, %d daily\n",
		res.FiveMinBuckets, res.HourlyBuckets, res.DailyBuckets)
	fmt.Fprintf(w, "Rows pruned:     %s\n",
		humanize.Comma(res.RollupsPruned+res.ResetEventsPruned+res.SamplesPruned))
	fmt.Fprintf(w, "Database size:   %s\n", humanize.Bytes(uint64(db.DatabaseSizeBytes())))
	return nil
}

// runHistory prints the resolved history for a range as a table.
func runHistory(cfg *config.Config, rangeArg string, w io.Writer) error {
	r, err := store.ParseTimeRange(rangeArg)
	if err != nil {
		return err
	}

	db := openStore(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), metrics.Noop())
	defer db.Close()

	rollups, err := db.GetResolvedRange(r)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PERIOD START\tRESOLUTION\t5H AVG\t5H PEAK\t7D AVG\tRESETS")
	for _, ru := range rollups {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\n",
			ru.PeriodStart.Local().Format("2006-01-02 15:04"),
			ru.Resolution,
			formatPercent(ru.FiveHourAvg),
			formatPercent(ru.FiveHourPeak),
			formatPercent(ru.SevenDayAvg),
			ru.ResetCount,
		)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(w, "%d rows\n", len(rollups))
	return nil
}

func formatPercent(v *float64) string {
	if v == nil {
		return "-"
	}
	return strconv.FormatFloat(*v, 'f', 1, 64) + "%"
}

// daemonize re-executes the current binary as a detached background process.
// The parent writes the child's PID file and exits.
func daemonize(cfg *config.Config) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}
	exe, err = filepath.EvalSymlinks(exe)
	if err != nil {
		return fmt.Errorf("failed to resolve executable path: %w", err)
	}

	cmd := exec.Command(exe, os.Args[1:]...)
	cmd.Env = append(os.Environ(), "_ONWATCH_HISTORY_DAEMON=1")
	cmd.SysProcAttr = daemonSysProcAttr()

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	childPID := cmd.Process.Pid
	if err := ensurePIDDir(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not create PID directory: %v\n", err)
	}
	if err := os.WriteFile(pidFile, []byte(strconv.Itoa(childPID)), 0644); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not write PID file: %v\n", err)
	}

	fmt.Printf("Daemon started (PID %d), logs: %s\n", childPID, cfg.LogFile)
	return nil
}

func ensurePIDDir() error {
	return os.MkdirAll(pidDir, 0755)
}

func writePIDFile() error {
	if err := ensurePIDDir(); err != nil {
		return fmt.Errorf("failed to create PID directory: %w", err)
	}
	return os.WriteFile(pidFile, []byte(strconv.Itoa(os.Getpid())), 0644)
}

func removePIDFile() {
	os.Remove(pidFile)
}

// readPIDFile returns the PID recorded in the PID file, or 0. The onWatch
// "PID:PORT" format is accepted.
func readPIDFile() int {
	data, err := os.ReadFile(pidFile)
	if err != nil {
		return 0
	}
	content, _, _ := strings.Cut(strings.TrimSpace(string(data)), ":")
	pid, err := strconv.Atoi(content)
	if err != nil || pid <= 0 {
		return 0
	}
	return pid
}

// stopPreviousInstance terminates a running daemon found via the PID file.
func stopPreviousInstance() {
	pid := readPIDFile()
	if pid == 0 || pid == os.Getpid() {
		return
	}
	if proc, err := os.FindProcess(pid); err == nil {
		if err := proc.Signal(syscall.SIGTERM); err == nil {
			fmt.Printf("Stopped previous instance (PID %d)\n", pid)
			time.Sleep(500 * time.Millisecond)
		}
	}
	removePIDFile()
}

func runStop() error {
	pid := readPIDFile()
	if pid == 0 || pid == os.Getpid() {
		fmt.Println("No running onwatch-history instance found")
		return nil
	}
	proc, err := os.FindProcess(pid)
	if err == nil {
		err = proc.Signal(syscall.SIGTERM)
	}
	if err != nil {
		fmt.Printf("Process %d not running (stale PID file)\n", pid)
	} else {
		fmt.Printf("Stopped onwatch-history (PID %d)\n", pid)
	}
	removePIDFile()
	return nil
}

func runStatus() error {
	pid := readPIDFile()
	if pid == 0 {
		fmt.Println("onwatch-history is not running")
		return nil
	}
	proc, err := os.FindProcess(pid)
	if err == nil {
		// Signal 0 checks for existence without delivering anything.
		err = proc.Signal(syscall.Signal(0))
	}
	if err != nil {
		fmt.Printf("onwatch-history is not running (stale PID file for PID %d)\n", pid)
		return nil
	}
	fmt.Printf("onwatch-history is running (PID %d)\n", pid)
	fmt.Printf("  PID file:  %s\n", pidFile)
	return nil
}

func printBanner(cfg *config.Config) {
	fmt.Println()
	fmt.Printf("onwatch-history v%s\n", version)
	fmt.Printf("  Polling:     every %s\n", cfg.PollInterval)
	fmt.Printf("  Maintenance: every %s, keeping %d days\n", cfg.MaintenanceInterval, cfg.RetentionDays)
	fmt.Printf("  Database:    %s\n", cfg.DBPath)
	if cfg.MetricsAddr != "" {
		fmt.Printf("  Metrics:     http://%s/metrics\n", cfg.MetricsAddr)
	}
	label := "Token:      "
	if cfg.AnthropicAutoToken {
		label = "Token (auto):"
	}
	fmt.Printf("  %s %s\n", label, redactAPIKey(cfg.AnthropicToken))
	fmt.Println()
}

func printHelp() {
	fmt.Println("onwatch-history - Anthropic usage history recorder")
	fmt.Println()
	fmt.Println("Usage: onwatch-history [COMMAND] [OPTIONS]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  stop, --stop         Stop the running instance")
	fmt.Println("  status, --status     Show status of the running instance")
	fmt.Println("  maintain             Run one rollup and retention pass, then exit")
	fmt.Println("  history [RANGE]      Print history for day, week, month or all")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  version, --version   Print version and exit")
	fmt.Println("  --help               Print this help message")
	fmt.Println("  --interval SEC       Polling interval in seconds (default: 60)")
	fmt.Println("  --db PATH            SQLite database path (default: ~/.onwatch/data/history.db)")
	fmt.Println("  --retention DAYS     Days of rollups and reset events to keep (default: 90)")
	fmt.Println("  --debug              Run in foreground mode, log to stdout")
	fmt.Println()
	fmt.Println("Environment Variables:")
	fmt.Println("  ANTHROPIC_TOKEN                Anthropic OAuth token (auto-detected if not set)")
	fmt.Println("  ONWATCH_TIER                   Plan tier recorded on reset events")
	fmt.Println("  ONWATCH_POLL_INTERVAL          Polling interval in seconds")
	fmt.Println("  ONWATCH_MAINTENANCE_INTERVAL   Maintenance interval in seconds (default: 3600)")
	fmt.Println("  ONWATCH_DB_PATH                SQLite database path")
	fmt.Println("  ONWATCH_RETENTION_DAYS         Retention horizon in days")
	fmt.Println("  ONWATCH_LOG_LEVEL              Log level: debug, info, warn, error")
	fmt.Println("  ONWATCH_LOG_FILE               Log file path in background mode")
	fmt.Println("  ONWATCH_METRICS_ADDR           Listen address for /metrics and /healthz")
}

func redactAPIKey(key string) string {
	if key == "" {
		return "(not set)"
	}
	if len(key) < 8 {
		return "***"
	}
	return key[:4] + "***" + key[len(key)-4:]
}
