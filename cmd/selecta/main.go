package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/user/selecta/internal/config"
	"github.com/user/selecta/pkg/agent"
	"github.com/user/selecta/pkg/agent/adk"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:           "selecta",
	Short:         "Ask an analytics agent questions and keep the answers",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// .env next to the config file, then in the working directory
		_ = godotenv.Load(filepath.Join(filepath.Dir(cfgPath), ".env"))
		_ = godotenv.Load()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config",
		filepath.Join(os.Getenv("HOME"), ".selecta", "config.json"), "config file path")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func loadConfig() *config.Config {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func setupLogging(cfg *config.Config) {
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

func agentClient(cfg *config.Config) *adk.Client {
	return adk.New(&agent.Config{
		BaseURL: cfg.Agent.BaseURL,
		AppName: cfg.Agent.AppName,
		UserID:  cfg.Agent.UserID,
		RunPath: cfg.Agent.RunPath,
		Timeout: time.Duration(cfg.Agent.TimeoutSeconds) * time.Second,
	})
}
