package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/user/selecta/internal/config"
	"github.com/user/selecta/internal/gateway"
)

func init() {
	rootCmd.AddCommand(stopCmd, restartCmd)
	stopCmd.Flags().Duration("wait", drainTimeout+5*time.Second, "how long to wait for the daemon to exit (0 to return at once)")
}

// daemon is a running `selecta serve` process.
type daemon struct {
	pid  int
	proc *os.Process
}

// findDaemon reads the PID file and checks the process is alive.
func findDaemon(cfg *config.Config) (*daemon, error) {
	data, err := os.ReadFile(filepath.Join(cfg.DataDir, "selecta.pid"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.New("no running daemon (PID file not found)")
		}
		return nil, fmt.Errorf("read PID file: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("invalid PID file content: %w", err)
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return nil, fmt.Errorf("find process %d: %w", pid, err)
	}
	d := &daemon{pid: pid, proc: proc}
	if !d.alive() {
		return nil, fmt.Errorf("no running daemon (process %d not found)", pid)
	}
	return d, nil
}

func (d *daemon) alive() bool {
	return d.proc.Signal(syscall.Signal(0)) == nil
}

// activity asks the daemon's HTTP API what is in flight. It returns nil when
// the API is disabled or unreachable.
func activity(cfg *config.Config) *gateway.Activity {
	if !cfg.HTTP.Enabled {
		return nil
	}
	host, port, err := net.SplitHostPort(cfg.HTTP.Listen)
	if err != nil {
		return nil
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get("http://" + net.JoinHostPort(host, port) + "/health")
	if err != nil {
		return nil
	}
	defer resp.Body.Close()

	var health struct {
		Activity gateway.Activity `json:"activity"`
	}
	if resp.StatusCode != http.StatusOK || json.NewDecoder(resp.Body).Decode(&health) != nil {
		return nil
	}
	return &health.Activity
}

// reportActivity tells the user what the daemon will finish before it goes.
func reportActivity(cfg *config.Config, d *daemon) {
	a := activity(cfg)
	switch {
	case a == nil:
		fmt.Fprintf(os.Stdout, "Daemon (PID %d) finishes turns in flight for up to %s first.\n", d.pid, drainTimeout)
	case a.Idle():
		fmt.Fprintf(os.Stdout, "Daemon (PID %d) is idle.\n", d.pid)
	default:
		fmt.Fprintf(os.Stdout, "Daemon (PID %d) has %d running, %d queued and %d streaming; waiting up to %s for them.\n",
			d.pid, a.Running, a.Queued, a.Streaming, drainTimeout)
	}
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the daemon once its turns in flight are answered",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		wait, _ := cmd.Flags().GetDuration("wait")

		d, err := findDaemon(cfg)
		if err != nil {
			return err
		}
		reportActivity(cfg, d)
		if err := d.proc.Signal(syscall.SIGTERM); err != nil {
			return fmt.Errorf("send SIGTERM: %w", err)
		}
		if wait <= 0 {
			fmt.Fprintf(os.Stdout, "Sent SIGTERM to daemon (PID %d).\n", d.pid)
			return nil
		}

		deadline := time.Now().Add(wait)
		for d.alive() {
			if time.Now().After(deadline) {
				return fmt.Errorf("daemon (PID %d) still running after %s", d.pid, wait)
			}
			time.Sleep(200 * time.Millisecond)
		}
		fmt.Fprintf(os.Stdout, "Daemon (PID %d) stopped.\n", d.pid)
		return nil
	},
}

var restartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Restart the daemon once its turns in flight are answered",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("refusing to restart with invalid configuration: %w", err)
		}

		d, err := findDaemon(cfg)
		if err != nil {
			return err
		}
		reportActivity(cfg, d)
		if err := d.proc.Signal(syscall.SIGHUP); err != nil {
			return fmt.Errorf("send SIGHUP: %w", err)
		}
		fmt.Fprintf(os.Stdout, "Sent SIGHUP to daemon (PID %d) for restart.\n", d.pid)
		return nil
	},
}
