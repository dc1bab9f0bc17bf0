package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/coper101/datapill/internal/config"
	"github.com/coper101/datapill/internal/counter"
	"github.com/coper101/datapill/internal/netmon"
	"github.com/coper101/datapill/internal/notify"
	"github.com/coper101/datapill/internal/remote"
	"github.com/coper101/datapill/internal/store"
	datasync "github.com/coper101/datapill/internal/sync"
	"github.com/coper101/datapill/internal/tracker"
	"github.com/coper101/datapill/internal/web"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var (
	pidDir  = defaultPIDDir()
	pidFile = filepath.Join(pidDir, "datapill.pid")
)

// hasFlag checks if a flag exists anywhere in os.Args[1:].
func hasFlag(flag string) bool {
	for _, arg := range os.Args[1:] {
		if arg == flag {
			return true
		}
	}
	return false
}

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

// stopPreviousInstance stops any running datapill instance using the PID
// file plus a port check. In test mode only the PID file is used so a test
// run never kills a production daemon.
func stopPreviousInstance(port int, testMode bool) {
	myPID := os.Getpid()
	stopped := false

	if data, err := os.ReadFile(pidFile); err == nil {
		pid, filePort := parsePIDFile(string(data))
		if pid > 0 && pid != myPID {
			if proc, err := os.FindProcess(pid); err == nil {
				if err := proc.Signal(syscall.SIGTERM); err == nil {
					fmt.Printf("Stopped previous instance (PID %d)\n", pid)
					stopped = true
				}
			}
		}
		os.Remove(pidFile)

		if !stopped && filePort > 0 {
			stopped = stopByPort(filePort, myPID)
		}
	}

	if !testMode && !stopped && port > 0 {
		stopped = stopByPort(port, myPID)
	}

	if stopped {
		time.Sleep(500 * time.Millisecond)
	}
}

// parsePIDFile parses "PID" or "PID:PORT" content.
func parsePIDFile(content string) (pid, port int) {
	content = strings.TrimSpace(content)
	if strings.Contains(content, ":") {
		parts := strings.Split(content, ":")
		if len(parts) >= 2 {
			pid, _ = strconv.Atoi(parts[0])
			port, _ = strconv.Atoi(parts[1])
		}
		return pid, port
	}
	pid, _ = strconv.Atoi(content)
	return pid, 0
}

// stopByPort terminates datapill processes listening on the given port.
func stopByPort(port, myPID int) bool {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), 500*time.Millisecond)
	if err != nil {
		return false
	}
	conn.Close()

	stopped := false
	for _, pid := range findDatapillOnPort(port) {
		if pid == myPID {
			continue
		}
		if proc, err := os.FindProcess(pid); err == nil {
			if err := proc.Signal(syscall.SIGTERM); err == nil {
				fmt.Printf("Stopped previous instance (PID %d) on port %d\n", pid, port)
				stopped = true
			}
		}
	}
	return stopped
}

// findDatapillOnPort uses lsof (macOS/Linux) to find datapill processes on a port.
func findDatapillOnPort(port int) []int {
	if runtime.GOOS != "darwin" && runtime.GOOS != "linux" {
		return nil
	}

	out, err := exec.Command("lsof", "-ti", fmt.Sprintf(":%d", port)).Output()
	if err != nil {
		return nil
	}

	var pids []int
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		line = strings.TrimSpace(line)
		if pid, err := strconv.Atoi(line); err == nil && pid > 0 {
			if isDatapillProcess(pid) {
				pids = append(pids, pid)
			}
		}
	}
	return pids
}

// isDatapillProcess checks if a PID belongs to a datapill binary.
func isDatapillProcess(pid int) bool {
	out, err := exec.Command("ps", "-p", strconv.Itoa(pid), "-o", "comm=").Output()
	if err != nil {
		return false
	}
	return strings.Contains(strings.ToLower(strings.TrimSpace(string(out))), "datapill")
}

func ensurePIDDir() error {
	return os.MkdirAll(pidDir, 0755)
}

func writePIDFile(port int) error {
	if err := ensurePIDDir(); err != nil {
		return fmt.Errorf("failed to create PID directory: %w", err)
	}
	content := fmt.Sprintf("%d:%d", os.Getpid(), port)
	return os.WriteFile(pidFile, []byte(content), 0644)
}

func removePIDFile() {
	os.Remove(pidFile)
}

// daemonize re-executes the current binary as a detached background
// process. The parent writes the child's PID and exits.
func daemonize(cfg *config.Config) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}
	exe, err = filepath.EvalSymlinks(exe)
	if err != nil {
		return fmt.Errorf("failed to resolve executable path: %w", err)
	}

	logName := ".datapill.log"
	if cfg.TestMode {
		logName = ".datapill-test.log"
	}
	logPath := filepath.Join(filepath.Dir(cfg.DBPath), logName)
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file for daemon: %w", err)
	}

	cmd := exec.Command(exe, os.Args[1:]...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Env = append(os.Environ(), "_DATAPILL_DAEMON=1")
	cmd.SysProcAttr = daemonSysProcAttr()

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	childPID := cmd.Process.Pid
	if err := ensurePIDDir(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not create PID directory: %v\n", err)
	}
	pidContent := fmt.Sprintf("%d:%d", childPID, cfg.Port)
	if err := os.WriteFile(pidFile, []byte(pidContent), 0644); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not write PID file: %v\n", err)
	}
	logFile.Close()

	fmt.Printf("Daemon started (PID %d), logs: %s\n", childPID, logPath)
	return nil
}

func run() error {
	testMode := hasFlag("--test")
	if testMode {
		pidFile = filepath.Join(pidDir, "datapill-test.pid")
	}

	if hasCommand("stop", "--stop") {
		return runStop(testMode)
	}
	if hasCommand("status", "--status") {
		return runStatus(testMode)
	}
	if hasCommand("--version", "-v", "version") {
		fmt.Printf("datapill v%s\n", version)
		fmt.Println("github.com/coper101/datapill")
		return nil
	}
	if hasCommand("--help", "-h") {
		printHelp()
		return nil
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	isDaemonChild := os.Getenv("_DATAPILL_DAEMON") == "1"

	if !isDaemonChild {
		stopPreviousInstance(cfg.Port, testMode)
	}

	// Docker containers always run in the foreground (logs to stdout).
	if !cfg.DebugMode && !isDaemonChild && os.Getenv("DOCKER_CONTAINER") == "" {
		if _, err := os.Stat("/.dockerenv"); err != nil {
			printBanner(cfg, version)
			return daemonize(cfg)
		}
	}

	// From here on, we are either the daemon child or running in --debug mode.

	if cfg.DebugMode {
		if err := writePIDFile(cfg.Port); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: could not write PID file: %v\n", err)
		}
	}
	defer removePIDFile()

	logWriter, err := cfg.LogWriter()
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	defer func() {
		if closer, ok := logWriter.(interface{ Close() error }); ok && !cfg.DebugMode {
			closer.Close()
		}
	}()

	var logLevel slog.Level
	switch cfg.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	logger := slog.New(slog.NewTextHandler(logWriter, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	if cfg.DebugMode {
		printBanner(cfg, version)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0700); err != nil {
		logger.Warn("Failed to create database directory", "error", err)
	}

	db, err := store.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()
	logger.Info("Database opened", "path", cfg.DBPath)

	// Device identity: config wins, otherwise generate once and persist.
	deviceID := cfg.DeviceID
	if deviceID == "" {
		deviceID, err = db.GetSetting("device_id")
		if err != nil {
			return fmt.Errorf("failed to read device id: %w", err)
		}
		if deviceID == "" {
			deviceID = uuid.NewString()
			if err := db.SetSetting("device_id", deviceID); err != nil {
				return fmt.Errorf("failed to persist device id: %w", err)
			}
			logger.Info("Generated device ID", "deviceID", deviceID)
		}
	}

	ledger := remote.NewClient(cfg.APIKey, logger,
		remote.WithBaseURL(cfg.RemoteBaseURL),
		remote.WithDeviceID(deviceID),
	)

	monitor := netmon.NewProber(cfg.ProbeAddr, cfg.ProbeInterval, logger)

	calc := tracker.New(db, logger)
	sampler := tracker.NewSampler(counter.NewSource(), calc, cfg.SampleInterval, logger)

	orch := datasync.NewOrchestrator(db, ledger, monitor, nil, logger)

	sessions := web.NewSessionStore(db, cfg.SessionIdleTimeout, logger)
	if err := sessions.EnsureUser(cfg.AdminUser, cfg.AdminPass); err != nil {
		return fmt.Errorf("failed to ensure admin user: %w", err)
	}
	sessions.CleanExpired()

	handler := web.NewHandler(db, orch, monitor, sessions, cfg.AdminUser, logger)
	handler.SetVersion(version)
	server := web.NewServer(cfg.Host, cfg.Port, handler, sessions, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Connectivity prober
	go monitor.Run(ctx)

	// Counter sampling loop
	samplerErr := make(chan error, 1)
	go func() {
		logger.Info("Starting usage sampler", "interval", cfg.SampleInterval)
		if err := sampler.Run(ctx); err != nil {
			samplerErr <- fmt.Errorf("sampler error: %w", err)
		}
	}()

	// Sync activations: one at startup, then on an interval, plus
	// connectivity-restored triggers.
	go func() {
		if err := orch.Activate(ctx); err != nil {
			logger.Error("Initial sync failed", "error", err)
		}
		if err := orch.RegisterSubscriptions(ctx); err != nil {
			logger.Warn("Change subscription registration failed", "error", err)
		}

		ticker := time.NewTicker(cfg.SyncInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := orch.Activate(ctx); err != nil {
					logger.Error("Scheduled sync failed", "error", err)
				}
			}
		}
	}()
	go orch.WatchConnectivity(ctx)

	// MQTT change listener (optional)
	var listener *notify.Listener
	if cfg.HasMQTT() {
		listener, err = notify.New(notify.Config{
			Broker:      cfg.MQTTBroker,
			ClientID:    "datapill-" + deviceID,
			Username:    cfg.MQTTUsername,
			Password:    cfg.MQTTPassword,
			TopicPrefix: cfg.MQTTTopicPrefix,
		}, logger)
		if err != nil {
			logger.Warn("Change listener unavailable", "error", err)
		} else {
			defer listener.Close()
			if err := listener.Subscribe(orch.OnPlanChanged, orch.OnTodayChanged); err != nil {
				logger.Warn("Change subscription failed", "error", err)
			}
		}
	}

	serverErr := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil {
			serverErr <- fmt.Errorf("server error: %w", err)
		}
	}()

	select {
	case sig := <-sigChan:
		logger.Info("Received signal, shutting down gracefully", "signal", sig)
	case err := <-samplerErr:
		logger.Error("Sampler failed", "error", err)
	case err := <-serverErr:
		logger.Error("Server failed", "error", err)
	}

	logger.Info("Shutting down...")
	cancel()
	time.Sleep(100 * time.Millisecond)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown error", "error", err)
	}

	if err := db.Close(); err != nil {
		logger.Error("Database close error", "error", err)
	}

	logger.Info("Shutdown complete")
	return nil
}

// runStop stops any running datapill instance.
func runStop(testMode bool) error {
	myPID := os.Getpid()
	stopped := false
	label := "datapill"
	if testMode {
		label = "datapill (test)"
	}

	if data, err := os.ReadFile(pidFile); err == nil {
		pid, port := parsePIDFile(string(data))
		if pid > 0 && pid != myPID {
			if proc, err := os.FindProcess(pid); err == nil {
				if err := proc.Signal(syscall.SIGTERM); err == nil {
					if port > 0 {
						fmt.Printf("Stopped %s (PID %d) on port %d\n", label, pid, port)
					} else {
						fmt.Printf("Stopped %s (PID %d)\n", label, pid)
					}
					stopped = true
				} else {
					fmt.Printf("Process %d not running (stale PID file)\n", pid)
				}
			}
		}
		os.Remove(pidFile)

		if !testMode && !stopped && port > 0 {
			stopped = stopByPort(port, myPID)
		}
	}

	if !testMode && !stopped {
		stopped = stopByPort(9311, myPID)
	}

	if !stopped {
		fmt.Printf("No running %s instance found\n", label)
	}
	return nil
}

// runStatus reports the status of any running datapill instance.
func runStatus(testMode bool) error {
	myPID := os.Getpid()
	label := "datapill"
	if testMode {
		label = "datapill (test)"
	}

	if data, err := os.ReadFile(pidFile); err == nil {
		pid, port := parsePIDFile(string(data))
		if pid > 0 && pid != myPID {
			if proc, err := os.FindProcess(pid); err == nil {
				// Signal 0 checks process existence without killing it
				if err := proc.Signal(syscall.Signal(0)); err == nil {
					fmt.Printf("%s is running (PID %d)\n", label, pid)
					if port > 0 {
						fmt.Printf("  API:      http://localhost:%d\n", port)
					}
					fmt.Printf("  PID file: %s\n", pidFile)

					home, _ := os.UserHomeDir()
					dbPath := filepath.Join(home, ".datapill", "data", "datapill.db")
					if info, err := os.Stat(dbPath); err == nil {
						fmt.Printf("  Database: %s (%s)\n", dbPath, humanSize(info.Size()))
					}
					return nil
				}
			}
			fmt.Printf("%s is not running (stale PID file for PID %d)\n", label, pid)
			return nil
		}
	}

	fmt.Printf("%s is not running\n", label)
	return nil
}

// humanSize returns a human-readable file size.
func humanSize(bytes int64) string {
	if bytes < 1024 {
		return fmt.Sprintf("%dB", bytes)
	}
	if bytes < 1024*1024 {
		return fmt.Sprintf("%.1fKB", float64(bytes)/1024)
	}
	return fmt.Sprintf("%.1fMB", float64(bytes)/(1024*1024))
}

func printBanner(cfg *config.Config, version string) {
	fmt.Println()
	fmt.Println("╔══════════════════════════════════════╗")
	fmt.Printf("║  datapill v%-25s ║\n", version)
	fmt.Println("╠══════════════════════════════════════╣")
	fmt.Printf("║  Sampling:  every %-18v ║\n", cfg.SampleInterval)
	fmt.Printf("║  Sync:      every %-18v ║\n", cfg.SyncInterval)
	fmt.Printf("║  API:       http://localhost:%-7d ║\n", cfg.Port)
	fmt.Printf("║  Database:  %-24s ║\n", cfg.DBPath)
	if cfg.HasMQTT() {
		fmt.Printf("║  Broker:    %-24s ║\n", cfg.MQTTBroker)
	}
	if cfg.TestMode {
		fmt.Println("║  Mode:      TEST (isolated)          ║")
	}
	fmt.Println("╚══════════════════════════════════════╝")
	fmt.Println()
}

func printHelp() {
	fmt.Println("datapill - Cellular Data Usage Tracker and Sync Daemon")
	fmt.Println()
	fmt.Println("Usage: datapill [COMMAND] [OPTIONS]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  stop, --stop       Stop the running datapill instance")
	fmt.Println("  status, --status   Show status of the running instance")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  version, --version Print version and exit")
	fmt.Println("  --help             Print this help message")
	fmt.Println("  --config PATH      YAML config file path")
	fmt.Println("  --interval SEC     Counter sample interval in seconds (default: 60)")
	fmt.Println("  --port PORT        Status API HTTP port (default: 9311)")
	fmt.Println("  --db PATH          SQLite database file path (default: ~/.datapill/data/datapill.db)")
	fmt.Println("  --debug            Run in foreground mode, log to stdout")
	fmt.Println("  --test             Test mode: isolated PID/log files, won't affect production")
	fmt.Println()
	fmt.Println("Environment Variables:")
	fmt.Println("  DATAPILL_REMOTE_URL        Remote ledger base URL")
	fmt.Println("  DATAPILL_API_KEY           Remote ledger API key")
	fmt.Println("  DATAPILL_DEVICE_ID         Device identity (generated if unset)")
	fmt.Println("  DATAPILL_MQTT_BROKER       Change-notification broker (host:port)")
	fmt.Println("  DATAPILL_SAMPLE_INTERVAL   Counter sample interval in seconds")
	fmt.Println("  DATAPILL_SYNC_INTERVAL     Full sync interval in seconds")
	fmt.Println("  DATAPILL_PORT              Status API HTTP port")
	fmt.Println("  DATAPILL_ADMIN_USER        API admin username")
	fmt.Println("  DATAPILL_ADMIN_PASS        API admin password")
	fmt.Println("  DATAPILL_DB_PATH           SQLite database file path")
	fmt.Println("  DATAPILL_LOG_LEVEL         Log level: debug, info, warn, error")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  datapill                          # Run in background mode")
	fmt.Println("  datapill --debug                  # Run in foreground mode")
	fmt.Println("  datapill --interval 30 --port 8080")
	fmt.Println("  datapill stop                     # Stop running instance")
	fmt.Println("  datapill status                   # Check if running")
	fmt.Println("  datapill --test --debug           # Run test instance (isolated)")
}
