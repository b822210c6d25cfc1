package telegram

import (
	"strings"
	"testing"

	"github.com/user/selecta/internal/store"
	"github.com/user/selecta/internal/types"
	"github.com/user/selecta/internal/usage"
	"github.com/user/selecta/pkg/agent"
)

func TestSplitMessage(t *testing.T) {
	short := "Hello world"
	parts := splitMessage(short)
	if len(parts) != 1 {
		t.Fatalf("expected 1 part, got %d", len(parts))
	}
	if parts[0] != short {
		t.Errorf("expected %q, got %q", short, parts[0])
	}
}

func TestSplitMessageLong(t *testing.T) {
	long := strings.Repeat("a", 5000)
	parts := splitMessage(long)
	if len(parts) != 2 {
		t.Fatalf("expected 2 parts, got %d", len(parts))
	}
	if len(parts[0]) != maxTelegramMessage {
		t.Errorf("expected first part length %d, got %d", maxTelegramMessage, len(parts[0]))
	}
}

func TestBuildSessionKey(t *testing.T) {
	key := buildSessionKey(12345, 67890)
	if string(key) != "telegram:12345:67890" {
		t.Errorf("expected 'telegram:12345:67890', got %q", key)
	}
}

func TestParseChatID(t *testing.T) {
	cases := map[string]int64{
		"telegram:12345:67890": 67890,
		"telegram:-100200":     -100200,
	}
	for target, want := range cases {
		got, err := parseChatID(target)
		if err != nil {
			t.Errorf("%s: unexpected error %v", target, err)
			continue
		}
		if got != want {
			t.Errorf("%s: expected %d, got %d", target, want, got)
		}
	}

	for _, bad := range []string{"slack:C1", "telegram:", "telegram:1:abc"} {
		if _, err := parseChatID(bad); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}

func TestStatusText(t *testing.T) {
	snap := store.Snapshot{
		SessionID:     "s-1",
		Messages:      []*types.Message{{Role: types.RoleUser}, {Role: types.RoleModel}},
		ResultHistory: []*agent.Result{{ID: "r1"}},
		IsStreaming:   true,
		ActiveError:   &agent.QueryError{Message: "table not found"},
	}
	got := statusText(snap, &usage.Totals{Input: 12, Output: 40})
	for _, want := range []string{"Session: s-1", "Messages: 2", "Results: 1", "Answering: yes", "Last error: table not found", "Tokens: 12 in, 40 out"} {
		if !strings.Contains(got, want) {
			t.Errorf("status %q missing %q", got, want)
		}
	}

	plain := statusText(store.Snapshot{SessionID: "s-2"}, nil)
	if strings.Contains(plain, "Tokens") || strings.Contains(plain, "Answering") {
		t.Errorf("unexpected optional lines in %q", plain)
	}
}

func TestSQLText(t *testing.T) {
	if got := sqlText(store.Snapshot{}); !strings.Contains(got, "No query") {
		t.Errorf("unexpected text without result: %q", got)
	}
	snap := store.Snapshot{ActiveResult: &agent.Result{SQL: "  SELECT count(*) FROM orders \n"}}
	if got := sqlText(snap); got != "```sql\nSELECT count(*) FROM orders\n```" {
		t.Errorf("unexpected sql text %q", got)
	}
}
