// Package daemon runs the gateway process: logging setup, the PID file,
// config hot-reload, and the lifecycle of the wired App.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/allaspectsdev/switchyard/internal/config"
	"github.com/allaspectsdev/switchyard/internal/health"
	"github.com/allaspectsdev/switchyard/internal/metrics"
	"github.com/allaspectsdev/switchyard/internal/version"
)

// LogFilename is the log file under the data directory.
const LogFilename = "switchyard.log"

// Run starts the gateway and blocks until SIGINT or SIGTERM.
func Run(cfg *config.Config, foreground bool) error {
	dataDir := cfg.Server.DataDir
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("creating data directory %s: %w", dataDir, err)
	}

	logFile, err := os.OpenFile(filepath.Join(dataDir, LogFilename), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	defer logFile.Close()
	logger := newLogger(logFile, foreground, cfg.Server.LogLevel)
	log.Logger = logger

	logger.Info().
		Str("version", version.Version).
		Str("data_dir", dataDir).
		Bool("foreground", foreground).
		Msg("switchyard starting")

	release, err := AcquirePID(dataDir)
	if err != nil {
		return err
	}
	defer func() {
		if err := release(); err != nil {
			logger.Error().Err(err).Msg("failed to remove PID file")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := app.Close(closeCtx); err != nil {
			logger.Error().Err(err).Msg("shutdown incomplete")
		}
	}()

	if file := config.ConfigFilePath(); file != "" {
		w, err := config.Watch(file, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("config watcher unavailable; continuing without hot-reload")
		} else {
			defer w.Close()
			w.OnChange(func(_, next *config.Config) { app.Reload(next) })
			logger.Info().Str("file", file).Msg("watching config")
		}
	}

	if foreground {
		fmt.Printf("\n  switchyard %s\n", version.Version)
		fmt.Printf("  Gateway: http://%s:%d\n", cfg.Server.BindAddress, cfg.Server.Port)
		if cfg.Admin.Enabled {
			fmt.Printf("  Admin:   http://%s:%d\n", cfg.Server.BindAddress, cfg.Admin.Port)
		}
		fmt.Println()
	}

	if err := app.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("gateway stopped with error")
		return err
	}
	logger.Info().Msg("switchyard stopped")
	return nil
}

// newLogger writes JSON to file and, in the foreground, console output to
// stdout.
func newLogger(file io.Writer, foreground bool, level string) zerolog.Logger {
	zerolog.SetGlobalLevel(parseLogLevel(level))
	writers := []io.Writer{file}
	if foreground {
		writers = append(writers, zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05"})
	}
	return zerolog.New(zerolog.MultiLevelWriter(writers...)).
		With().
		Timestamp().
		Str("service", "switchyard").
		Logger()
}

// Stop signals the running daemon and waits up to three seconds for it to
// exit.
func Stop(cfg *config.Config) error {
	dataDir := cfg.Server.DataDir
	pid, err := ReadPID(dataDir)
	if err != nil {
		return fmt.Errorf("switchyard does not appear to be running: %w", err)
	}
	if !isProcessAlive(pid) {
		if err := RemovePID(dataDir); err != nil {
			return err
		}
		return errors.New("switchyard is not running (stale PID file removed)")
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("finding process %d: %w", pid, err)
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("sending SIGTERM to process %d: %w", pid, err)
	}
	for range 30 {
		time.Sleep(100 * time.Millisecond)
		if !isProcessAlive(pid) {
			return nil
		}
	}
	return fmt.Errorf("switchyard (PID %d) did not exit within 3s", pid)
}

// Status prints whether the daemon runs and, when the admin API answers,
// its live counters.
func Status(w io.Writer, cfg *config.Config) error {
	if !IsRunning(cfg.Server.DataDir) {
		fmt.Fprintln(w, "switchyard is not running")
		return nil
	}
	pid, _ := ReadPID(cfg.Server.DataDir)
	fmt.Fprintf(w, "switchyard is running (PID %d)\n", pid)
	if !cfg.Admin.Enabled {
		return nil
	}

	stats, err := fetchStats(fmt.Sprintf("http://127.0.0.1:%d/api/stats", cfg.Admin.Port))
	if err != nil {
		fmt.Fprintf(w, "  (admin API unreachable: %v)\n", err)
		return nil
	}
	printStats(w, stats)
	return nil
}

func fetchStats(url string) (*metrics.Stats, error) {
	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	var body struct {
		Live *metrics.Stats `json:"live"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	if body.Live == nil {
		return nil, errors.New("response carried no live stats")
	}
	return body.Live, nil
}

func printStats(w io.Writer, s *metrics.Stats) {
	fmt.Fprintf(w, "\n  Uptime:          %s\n", s.Uptime)
	fmt.Fprintf(w, "  Requests:        %d (%d failed, %.1f%% ok)\n", s.TotalRequests, s.FailedRequests, s.SuccessRate)
	fmt.Fprintf(w, "  Failovers:       %d\n", s.Failovers)
	fmt.Fprintf(w, "  Blocked / Probe: %d / %d\n", s.Blocked, s.Probes)
	fmt.Fprintf(w, "  Tokens in/out:   %d / %d\n", s.TokensIn, s.TokensOut)
	fmt.Fprintf(w, "  Active:          %d\n", s.ActiveRequests)
}

// PoolHealth mirrors one entry of the admin API's /api/health response.
type PoolHealth struct {
	Endpoint  string                  `json:"endpoint"`
	Model     string                  `json:"model"`
	Providers []health.ProviderHealth `json:"providers"`
}

// Health prints live per-provider health for every pool, or only model's
// pools when model is non-empty. It needs the admin API.
func Health(w io.Writer, cfg *config.Config, model string) error {
	if !cfg.Admin.Enabled {
		return errors.New("admin API is disabled (admin.enabled = false)")
	}
	u := url.URL{
		Scheme: "http",
		Host:   net.JoinHostPort("127.0.0.1", strconv.Itoa(cfg.Admin.Port)),
		Path:   "/api/health",
	}
	if model != "" {
		u.RawQuery = url.Values{"model": {model}}.Encode()
	}
	pools, err := fetchHealth(u.String())
	if err != nil {
		return fmt.Errorf("fetching health: %w", err)
	}
	printHealth(w, pools)
	return nil
}

func fetchHealth(endpoint string) ([]PoolHealth, error) {
	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get(endpoint)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	var pools []PoolHealth
	if err := json.NewDecoder(resp.Body).Decode(&pools); err != nil {
		return nil, err
	}
	return pools, nil
}

func printHealth(w io.Writer, pools []PoolHealth) {
	if len(pools) == 0 {
		fmt.Fprintln(w, "no model pools configured")
		return
	}
	for _, p := range pools {
		fmt.Fprintf(w, "%s %s\n", p.Endpoint, p.Model)
		for _, h := range p.Providers {
			fmt.Fprintf(w, "  %-20s %-9s err60=%.3f lat60=%.0fms rate60=%.2f inflight=%d\n",
				h.Provider, h.Breaker, h.ErrorEwma60s, h.LatencyEwma60s, h.RequestRate60s, h.Inflight)
		}
	}
}

func parseLogLevel(level string) zerolog.Level {
	l, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || l == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return l
}
