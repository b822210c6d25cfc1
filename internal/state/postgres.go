// internal/state/postgres.go
package state

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/user/selecta/internal/types"
	"github.com/user/selecta/pkg/agent"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// PGHistory keeps message and result history in PostgreSQL.
type PGHistory struct {
	pool *pgxpool.Pool
}

// OpenPGHistory connects to dsn and applies pending migrations.
func OpenPGHistory(ctx context.Context, dsn string) (*PGHistory, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("history open: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history ping: %w", err)
	}
	if err := migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history migrate: %w", err)
	}
	return &PGHistory{pool: pool}, nil
}

func migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return err
	}

	var current int
	if err := pool.QueryRow(ctx, `SELECT COALESCE(MAX(version), -1) FROM schema_version`).Scan(&current); err != nil {
		return err
	}

	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	for i := current + 1; i < len(entries); i++ {
		data, err := migrationFS.ReadFile("migrations/" + entries[i].Name())
		if err != nil {
			return fmt.Errorf("read migration %d: %w", i, err)
		}
		if _, err := pool.Exec(ctx, string(data)); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
		if _, err := pool.Exec(ctx, `INSERT INTO schema_version (version) VALUES ($1)`, i); err != nil {
			return fmt.Errorf("migration %d record: %w", i, err)
		}
	}
	return nil
}

// Close releases the pool.
func (p *PGHistory) Close() {
	p.pool.Close()
}

// AppendMessage inserts a message row. The result is stored separately.
func (p *PGHistory) AppendMessage(ctx context.Context, msg *types.Message) error {
	resultID := msg.ResultID
	if resultID == "" && msg.Result != nil {
		resultID = msg.Result.ID
	}
	_, err := p.pool.Exec(ctx,
		`INSERT INTO messages (id, session_id, role, text, thinking, ts, result_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		string(msg.ID), string(msg.SessionID), string(msg.Role), msg.Text, msg.Thinking, msg.Timestamp, resultID,
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// Messages returns the last limit messages of the session in order, or all
// of them when limit is not positive.
func (p *PGHistory) Messages(ctx context.Context, sessionID types.SessionID, limit int) ([]*types.Message, error) {
	query := `SELECT id, session_id, role, text, thinking, ts, result_id FROM (
		SELECT * FROM messages WHERE session_id = $1 ORDER BY seq DESC LIMIT $2
	) recent ORDER BY seq ASC`
	var lim any
	if limit > 0 {
		lim = limit
	}

	rows, err := p.pool.Query(ctx, query, string(sessionID), lim)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	msgs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*types.Message, error) {
		var (
			m                 types.Message
			id, sid, role, rid string
		)
		if err := row.Scan(&id, &sid, &role, &m.Text, &m.Thinking, &m.Timestamp, &rid); err != nil {
			return nil, err
		}
		m.ID = types.MessageID(id)
		m.SessionID = types.SessionID(sid)
		m.Role = types.Role(role)
		m.ResultID = rid
		return &m, nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan messages: %w", err)
	}
	return msgs, nil
}

// CountMessages returns the number of messages recorded for the session.
func (p *PGHistory) CountMessages(ctx context.Context, sessionID types.SessionID) (int64, error) {
	var n int64
	if err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM messages WHERE session_id = $1`, string(sessionID)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

// PutResult upserts a finalized result.
func (p *PGHistory) PutResult(ctx context.Context, sessionID types.SessionID, result *agent.Result) error {
	if result.ID == "" {
		return fmt.Errorf("put result: missing id")
	}
	body, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO results (session_id, id, created_at, body) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (session_id, id) DO UPDATE SET body = EXCLUDED.body`,
		string(sessionID), result.ID, result.CreatedAt, body,
	)
	if err != nil {
		return fmt.Errorf("upsert result: %w", err)
	}
	return nil
}

// Results returns the session's results ordered by creation time.
func (p *PGHistory) Results(ctx context.Context, sessionID types.SessionID) ([]*agent.Result, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT body FROM results WHERE session_id = $1 ORDER BY created_at ASC, id ASC`,
		string(sessionID),
	)
	if err != nil {
		return nil, fmt.Errorf("query results: %w", err)
	}
	results, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*agent.Result, error) {
		var body []byte
		if err := row.Scan(&body); err != nil {
			return nil, err
		}
		var r agent.Result
		if err := json.Unmarshal(body, &r); err != nil {
			return nil, err
		}
		return &r, nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan results: %w", err)
	}
	return results, nil
}
