package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"

	"github.com/spf13/cobra"
	"github.com/user/selecta/internal/markdown"
	"github.com/user/selecta/internal/state"
	"github.com/user/selecta/internal/store"
	"github.com/user/selecta/internal/types"
)

func init() {
	rootCmd.AddCommand(askCmd)
	askCmd.Flags().String("session-key", "cli:default", "session key the question belongs to")
	askCmd.Flags().Bool("stream", false, "print the answer preview while it streams")
	askCmd.Flags().Bool("sql", false, "print the SQL of the answer's result")
}

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask the agent a question and wait for the answer",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		setupLogging(cfg)
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		sessionKey, _ := cmd.Flags().GetString("session-key")
		stream, _ := cmd.Flags().GetBool("stream")
		showSQL, _ := cmd.Flags().GetBool("sql")

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}
		history, closeHistory, err := openHistory(ctx, cfg)
		if err != nil {
			return err
		}
		defer closeHistory()

		gw := newGateway(cfg, agentClient(cfg), state.NewSessionStore(cfg.DataDir), history, newEstimator(cfg))
		gw.Start(ctx)
		defer gw.Stop()

		key := types.SessionKey(sessionKey)
		if stream {
			conv, err := gw.Conversation(ctx, key, cfg.Agent.UserID)
			if err != nil {
				return err
			}
			unsubscribe := conv.Store().Subscribe(previewPrinter())
			defer unsubscribe()
		}

		msg, err := gw.Ask(ctx, key, cfg.Agent.UserID, strings.Join(args, " "))
		if err != nil {
			return err
		}
		if stream {
			fmt.Fprintln(os.Stderr)
		}

		fmt.Fprintln(os.Stdout, msg.Text)
		if msg.Result != nil && markdown.Extract(msg.Text).ResultsMarkdown == "" {
			if table := markdown.ResultsTable(msg.Result); table != "" {
				fmt.Fprintln(os.Stdout)
				fmt.Fprintln(os.Stdout, table)
			}
		}
		if showSQL && msg.Result != nil && msg.Result.SQL != "" {
			fmt.Fprintln(os.Stdout)
			fmt.Fprintln(os.Stdout, msg.Result.SQL)
		}
		return nil
	},
}

// previewPrinter writes the growing part of the streaming preview to stderr.
func previewPrinter() func(store.Snapshot) {
	var (
		mu      sync.Mutex
		printed string
	)
	return func(snap store.Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		if !snap.IsStreaming {
			return
		}
		text := snap.StreamingText
		if strings.HasPrefix(text, printed) {
			fmt.Fprint(os.Stderr, text[len(printed):])
		} else {
			fmt.Fprint(os.Stderr, "\n", text)
		}
		printed = text
	}
}
