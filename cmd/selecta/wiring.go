package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/user/selecta/internal/config"
	"github.com/user/selecta/internal/gateway"
	"github.com/user/selecta/internal/state"
	"github.com/user/selecta/internal/types"
	"github.com/user/selecta/internal/usage"
	"github.com/user/selecta/pkg/agent/adk"
)

// openHistory returns the configured history backend and a function that
// releases it.
func openHistory(ctx context.Context, cfg *config.Config) (types.HistoryStore, func(), error) {
	if !cfg.Postgres() {
		return state.NewHistoryStore(cfg.DataDir), func() {}, nil
	}
	if cfg.History.DSN == "" {
		return nil, nil, fmt.Errorf("history backend postgres needs history.dsn")
	}
	pg, err := state.OpenPGHistory(ctx, cfg.History.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("open postgres history: %w", err)
	}
	return pg, pg.Close, nil
}

// newEstimator returns nil when the tokenizer cannot be loaded; answers then
// carry only the token counts the agent reports.
func newEstimator(cfg *config.Config) *usage.Estimator {
	est, err := usage.New(cfg.Usage.Model)
	if err != nil {
		slog.Warn("token estimation disabled", "model", cfg.Usage.Model, "error", err)
		return nil
	}
	return est
}

func newGateway(cfg *config.Config, client *adk.Client, sessions types.SessionStore, history types.HistoryStore, est *usage.Estimator) *gateway.Gateway {
	opts := gateway.Options{
		AppName:       cfg.Agent.AppName,
		UserID:        cfg.Agent.UserID,
		Anchor:        cfg.Stream.SectionAnchor,
		MaxConcurrent: int64(cfg.MaxConcurrent),
	}
	if est != nil {
		opts.Tokens = est
	}
	return gateway.New(client, client, sessions, history, opts)
}
