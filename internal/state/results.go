// internal/state/results.go
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/user/selecta/internal/types"
	"github.com/user/selecta/pkg/agent"
)

func (h *HistoryStore) resultsDir(sessionID types.SessionID) (string, error) {
	dir, err := h.sessionDir(sessionID)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "results"), nil
}

func (h *HistoryStore) resultPath(sessionID types.SessionID, resultID string) (string, error) {
	if err := checkID("result", resultID); err != nil {
		return "", err
	}
	dir, err := h.resultsDir(sessionID)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, resultID+".json"), nil
}

// PutResult stores a finalized result, replacing any earlier copy with the
// same id.
func (h *HistoryStore) PutResult(_ context.Context, sessionID types.SessionID, result *agent.Result) error {
	path, err := h.resultPath(sessionID, result.ID)
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}

	lock := h.getLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	if err := writeFileAtomic(path, data); err != nil {
		return fmt.Errorf("save result %s: %w", result.ID, err)
	}
	return nil
}

// Result returns one stored result.
func (h *HistoryStore) Result(_ context.Context, sessionID types.SessionID, resultID string) (*agent.Result, error) {
	path, err := h.resultPath(sessionID, resultID)
	if err != nil {
		return nil, err
	}
	return readResult(path)
}

// Results returns the session's stored results ordered by creation time.
func (h *HistoryStore) Results(_ context.Context, sessionID types.SessionID) ([]*agent.Result, error) {
	lock := h.getLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	dir, err := h.resultsDir(sessionID)
	if err != nil {
		return nil, err
	}
	matches, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return nil, fmt.Errorf("glob results: %w", err)
	}

	results := make([]*agent.Result, 0, len(matches))
	for _, path := range matches {
		r, err := readResult(path)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].CreatedAt < results[j].CreatedAt
	})
	return results, nil
}

func readResult(path string) (*agent.Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read result file: %w", err)
	}
	var r agent.Result
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("unmarshal result: %w", err)
	}
	return &r, nil
}
