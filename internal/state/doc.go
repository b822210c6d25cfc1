// Package state provides filesystem-backed storage implementations, plus a
// PostgreSQL history for deployments that share one database.
package state

import "github.com/user/selecta/internal/types"

// Compile-time interface compliance checks.
var _ types.SessionStore = (*SessionStore)(nil)
var _ types.HistoryStore = (*HistoryStore)(nil)
var _ types.HistoryStore = (*PGHistory)(nil)
