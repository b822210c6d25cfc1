package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/user/selecta/internal/state"
	"github.com/user/selecta/internal/types"
)

func init() {
	rootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(sessionListCmd, sessionShowCmd, sessionCreateCmd, sessionDeleteCmd, sessionClearCmd)
	sessionShowCmd.Flags().Int("limit", 20, "number of most recent messages to show (0 for all)")
	sessionCreateCmd.Flags().String("user", "", "user id (defaults to agent.user_id)")
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage sessions",
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all sessions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		sessions := state.NewSessionStore(cfg.DataDir)

		list, err := sessions.List(context.Background())
		if err != nil {
			return fmt.Errorf("list sessions: %w", err)
		}
		if len(list) == 0 {
			fmt.Println("No sessions found.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tKEY\tTITLE\tMESSAGES\tUPDATED")
		for _, s := range list {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
				s.SessionID,
				s.SessionKey,
				s.Title,
				s.MessageCount,
				s.UpdatedAt.Format("2006-01-02 15:04:05"),
			)
		}
		return w.Flush()
	},
}

var sessionShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show the message history of a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		limit, _ := cmd.Flags().GetInt("limit")
		ctx := context.Background()

		history, closeHistory, err := openHistory(ctx, cfg)
		if err != nil {
			return err
		}
		defer closeHistory()

		msgs, err := history.Messages(ctx, types.SessionID(args[0]), limit)
		if err != nil {
			return fmt.Errorf("read history: %w", err)
		}
		if len(msgs) == 0 {
			fmt.Println("No messages.")
			return nil
		}
		for _, m := range msgs {
			fmt.Fprintf(os.Stdout, "[%s] %s\n", m.Time().Format("2006-01-02 15:04:05"), m.Role)
			fmt.Fprintln(os.Stdout, m.Text)
			if m.ResultID != "" {
				fmt.Fprintf(os.Stdout, "(result %s)\n", m.ResultID)
			}
			fmt.Fprintln(os.Stdout)
		}
		return nil
	},
}

var sessionCreateCmd = &cobra.Command{
	Use:   "create <key>",
	Short: "Create a session for a key on the agent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		userID, _ := cmd.Flags().GetString("user")
		if userID == "" {
			userID = cfg.Agent.UserID
		}
		ctx := context.Background()

		sessions := state.NewSessionStore(cfg.DataDir)
		sid, err := sessions.ResolveOrCreate(ctx, types.SessionKey(args[0]), userID)
		if err != nil {
			return fmt.Errorf("resolve session: %w", err)
		}
		if _, err := agentClient(cfg).CreateSession(ctx, userID, string(sid)); err != nil {
			return fmt.Errorf("create remote session: %w", err)
		}
		fmt.Fprintf(os.Stdout, "Session %s created for %s.\n", sid, args[0])
		return nil
	},
}

var sessionDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a session on the agent and forget it locally",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		ctx := context.Background()
		id := types.SessionID(args[0])

		sessions := state.NewSessionStore(cfg.DataDir)
		sess, err := sessions.Get(ctx, id)
		if err != nil {
			return err
		}
		if err := agentClient(cfg).DeleteSession(ctx, sess.UserID, string(id)); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: remote delete failed: %v\n", err)
		}
		if err := sessions.Delete(ctx, id); err != nil {
			return fmt.Errorf("delete session: %w", err)
		}
		fmt.Fprintf(os.Stdout, "Session %s deleted.\n", id)
		return nil
	},
}

var sessionClearCmd = &cobra.Command{
	Use:   "clear <id|all>",
	Short: "Remove the stored history of a session or of all sessions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		sessionsDir := filepath.Join(cfg.DataDir, "sessions")

		if args[0] == "all" {
			if err := os.RemoveAll(sessionsDir); err != nil {
				return fmt.Errorf("remove sessions directory: %w", err)
			}
			fmt.Println("All sessions cleared.")
			return nil
		}

		// validate path to prevent traversal
		sessionDir := filepath.Join(sessionsDir, args[0])
		resolved, err := filepath.Abs(sessionDir)
		if err != nil {
			return fmt.Errorf("resolve path: %w", err)
		}
		absSessionsDir, _ := filepath.Abs(sessionsDir)
		if !strings.HasPrefix(resolved, absSessionsDir+string(filepath.Separator)) {
			return fmt.Errorf("invalid session ID: %s", args[0])
		}
		if _, err := os.Stat(sessionDir); os.IsNotExist(err) {
			return fmt.Errorf("session not found: %s", args[0])
		}
		if err := os.RemoveAll(sessionDir); err != nil {
			return fmt.Errorf("remove session directory: %w", err)
		}
		fmt.Fprintf(os.Stdout, "Session %s cleared.\n", args[0])
		return nil
	},
}
