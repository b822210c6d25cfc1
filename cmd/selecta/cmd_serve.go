package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/user/selecta/internal/delivery"
	"github.com/user/selecta/internal/gateway"
	"github.com/user/selecta/internal/httpapi"
	"github.com/user/selecta/internal/scheduler"
	"github.com/user/selecta/internal/state"
	"github.com/user/selecta/internal/telegram"
	"github.com/user/selecta/internal/types"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the selecta daemon",
	RunE:  runServe,
}

func writePIDFile(dataDir string) (string, error) {
	pidPath := filepath.Join(dataDir, "selecta.pid")
	pid := os.Getpid()
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(pid)+"\n"), 0644); err != nil {
		return "", fmt.Errorf("write PID file: %w", err)
	}
	return pidPath, nil
}

// drainTimeout bounds how long shutdown and restart wait for turns in flight.
const drainTimeout = 30 * time.Second

// drain lets queued runs and streaming turns finish before the daemon exits
// or re-executes.
func drain(gw *gateway.Gateway) {
	a := gw.Activity()
	if a.Idle() {
		return
	}
	slog.Info("waiting for turns in flight", "running", a.Running, "queued", a.Queued, "streaming", a.Streaming, "timeout", drainTimeout)
	if !gw.Drain(drainTimeout) {
		a = gw.Activity()
		slog.Warn("abandoning turns still in flight", "running", a.Running, "queued", a.Queued, "streaming", a.Streaming)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	pidPath, err := writePIDFile(cfg.DataDir)
	if err != nil {
		return err
	}
	defer os.Remove(pidPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Stores
	sessions := state.NewSessionStore(cfg.DataDir)
	history, closeHistory, err := openHistory(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeHistory()
	taskStore := state.NewTaskStore(filepath.Join(cfg.DataDir, "tasks.json"))

	// Gateway
	est := newEstimator(cfg)
	gw := newGateway(cfg, agentClient(cfg), sessions, history, est)
	gw.Start(ctx)
	defer gw.Stop()

	slog.Info("selecta started",
		"data_dir", cfg.DataDir,
		"log_level", cfg.LogLevel,
		"max_concurrent", cfg.MaxConcurrent,
		"agent_url", cfg.Agent.BaseURL,
		"app_name", cfg.Agent.AppName,
		"history", cfg.History.Backend,
		"pid_file", pidPath,
	)

	deliveryReg := delivery.NewRegistry()

	if cfg.Telegram.Token != "" {
		adapter, err := telegram.New(cfg.Telegram.Token, gw, est)
		if err != nil {
			return fmt.Errorf("create telegram adapter: %w", err)
		}
		go adapter.Start(ctx)
		deliveryReg.Register(telegram.Prefix, adapter.Deliver)
		slog.Info("telegram adapter started")
	} else {
		slog.Warn("telegram adapter disabled (no token)")
	}

	if cfg.Slack.Token != "" {
		deliveryReg.Register(delivery.SlackPrefix, delivery.NewSlack(cfg.Slack.Token, cfg.Slack.APIURL).Deliver)
		slog.Info("slack delivery enabled")
	}

	sched := scheduler.New(taskStore, func(task state.Task) {
		runTask(ctx, gw, taskStore, deliveryReg, task)
	})
	if err := sched.Start(); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()
	slog.Info("scheduler started")

	if cfg.HTTP.Enabled {
		api := httpapi.NewServer(gw, taskStore, sessions, history)
		httpServer := &http.Server{
			Addr:              cfg.HTTP.Listen,
			Handler:           api,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			slog.Info("http server started", "listen", cfg.HTTP.Listen)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("http server error", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			_ = httpServer.Shutdown(shutdownCtx)
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for {
		sig := <-sigChan
		if sig == syscall.SIGHUP {
			slog.Info("received SIGHUP, restarting")
			drain(gw)
			execPath, err := os.Executable()
			if err != nil {
				slog.Error("failed to get executable path", "error", err)
				continue
			}
			os.Remove(pidPath)
			if err := syscall.Exec(execPath, os.Args, os.Environ()); err != nil {
				slog.Error("failed to re-exec", "error", err)
				if _, writeErr := writePIDFile(cfg.DataDir); writeErr != nil {
					slog.Error("failed to re-write PID file", "error", writeErr)
				}
				continue
			}
		}
		slog.Info("shutting down", "signal", sig)
		drain(gw)
		return nil
	}
}

// runTask asks a scheduled question through the gateway queue, records the
// outcome on the task and delivers the answer when the task names a target.
func runTask(ctx context.Context, gw *gateway.Gateway, tasks *state.TaskStore, reg *delivery.Registry, task state.Task) {
	key := types.SessionKey(task.SessionKey)
	if key == "" {
		key = types.NewSessionKey("task", task.Name)
	}
	event := &types.InboundEvent{
		Source:     "task",
		SessionKey: key,
		UserID:     task.UserID,
		Text:       task.Question,
	}
	logger := slog.With("task", task.Name, "session_key", key)

	err := gw.HandleInbound(ctx, event, gateway.WithOnDone(func(run *gateway.Run) {
		var resultID, answer string
		if run.Message != nil {
			resultID = run.Message.ResultID
			if resultID == "" && run.Message.Result != nil {
				resultID = run.Message.Result.ID
			}
			answer = run.Message.Text
		}
		runErr := run.Error
		if runErr == nil && run.Status == gateway.RunStatusFailed {
			runErr = errors.New("run failed")
		}
		if err := tasks.RecordRun(task.Name, time.Now(), resultID, runErr); err != nil {
			logger.Error("record task run failed", "error", err)
		}
		if runErr != nil {
			logger.Error("scheduled question failed", "error", runErr)
			return
		}
		if task.Deliver == "" || answer == "" {
			return
		}
		if err := reg.Deliver(run.Ctx, task.Deliver, answer); err != nil {
			logger.Error("delivery failed", "target", task.Deliver, "error", err)
		}
	}))
	if err != nil {
		logger.Error("enqueue scheduled question failed", "error", err)
	}
}
