// internal/state/history.go
package state

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/user/selecta/internal/types"
)

const maxMessageLine = 8 * 1024 * 1024

// HistoryStore is a file-backed message and result history.
// Messages are appended to sessions/<sessionID>/messages.jsonl; results are
// stored one per file under sessions/<sessionID>/results/.
type HistoryStore struct {
	root  string
	mu    sync.Mutex
	locks map[types.SessionID]*sync.Mutex
}

// NewHistoryStore creates a new file-backed HistoryStore rooted at the given directory.
func NewHistoryStore(root string) *HistoryStore {
	return &HistoryStore{
		root:  root,
		locks: make(map[types.SessionID]*sync.Mutex),
	}
}

// getLock returns the per-session mutex, creating one if it doesn't exist.
func (h *HistoryStore) getLock(sessionID types.SessionID) *sync.Mutex {
	h.mu.Lock()
	defer h.mu.Unlock()

	if lock, ok := h.locks[sessionID]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	h.locks[sessionID] = lock
	return lock
}

// ErrInvalidID is returned for session or result ids that cannot name a
// file inside the history root.
var ErrInvalidID = errors.New("invalid id")

func checkID(kind, id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("%w: %s %q", ErrInvalidID, kind, id)
	}
	return nil
}

func (h *HistoryStore) sessionDir(sessionID types.SessionID) (string, error) {
	if err := checkID("session", string(sessionID)); err != nil {
		return "", err
	}
	return filepath.Join(h.root, "sessions", string(sessionID)), nil
}

func (h *HistoryStore) messagesPath(sessionID types.SessionID) (string, error) {
	dir, err := h.sessionDir(sessionID)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "messages.jsonl"), nil
}

// AppendMessage adds a message to the session's log. The result itself is
// kept out of the line; only its id is recorded.
func (h *HistoryStore) AppendMessage(_ context.Context, msg *types.Message) error {
	if msg.SessionID == "" {
		return fmt.Errorf("append message %s: missing session id", msg.ID)
	}
	lock := h.getLock(msg.SessionID)
	lock.Lock()
	defer lock.Unlock()

	line := *msg
	if line.Result != nil {
		if line.ResultID == "" {
			line.ResultID = line.Result.ID
		}
		line.Result = nil
	}

	data, err := json.Marshal(&line)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	path, err := h.messagesPath(msg.SessionID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open messages file: %w", err)
	}
	defer f.Close()

	data = append(data, '\n')
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

// Messages returns the last limit messages of the session, or all of them
// when limit is not positive.
func (h *HistoryStore) Messages(_ context.Context, sessionID types.SessionID, limit int) ([]*types.Message, error) {
	lock := h.getLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	var msgs []*types.Message
	err := h.scan(sessionID, func(line []byte) error {
		var msg types.Message
		if err := json.Unmarshal(line, &msg); err != nil {
			return fmt.Errorf("unmarshal message: %w", err)
		}
		msgs = append(msgs, &msg)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

// CountMessages returns the number of messages recorded for the session.
func (h *HistoryStore) CountMessages(_ context.Context, sessionID types.SessionID) (int64, error) {
	lock := h.getLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	var count int64
	err := h.scan(sessionID, func([]byte) error {
		count++
		return nil
	})
	return count, err
}

// scan calls fn for each line of the messages file. Caller must hold the session lock.
func (h *HistoryStore) scan(sessionID types.SessionID, fn func([]byte) error) error {
	path, err := h.messagesPath(sessionID)
	if err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open messages file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxMessageLine)
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		if err := fn(scanner.Bytes()); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan messages file: %w", err)
	}
	return nil
}
