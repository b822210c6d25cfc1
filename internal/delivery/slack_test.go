package delivery

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestSlackDeliverPostsToChannel(t *testing.T) {
	var gotChannel, gotText string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat.postMessage" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := r.ParseForm(); err != nil {
			t.Fatal(err)
		}
		gotChannel = r.PostForm.Get("channel")
		gotText = r.PostForm.Get("text")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true,"channel":"C123","ts":"1700000000.000100"}`))
	}))
	defer srv.Close()

	s := NewSlack("xoxb-test", srv.URL+"/")
	if err := s.Deliver(context.Background(), "slack:C123", "### Summary\n\nRevenue up."); err != nil {
		t.Fatal(err)
	}
	if gotChannel != "C123" {
		t.Errorf("expected channel C123, got %q", gotChannel)
	}
	if !strings.Contains(gotText, "Revenue up.") {
		t.Errorf("expected answer text, got %q", gotText)
	}
}

func TestSlackDeliverReportsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":false,"error":"channel_not_found"}`))
	}))
	defer srv.Close()

	s := NewSlack("xoxb-test", srv.URL+"/")
	err := s.Deliver(context.Background(), "slack:CNOPE", "hi")
	if err == nil || !strings.Contains(err.Error(), "channel_not_found") {
		t.Errorf("expected channel_not_found error, got %v", err)
	}
}

func TestSlackDeliverRequiresChannel(t *testing.T) {
	s := NewSlack("xoxb-test", "")
	if err := s.Deliver(context.Background(), "slack:", "hi"); err == nil {
		t.Error("expected error for missing channel")
	}
}

func TestChunkText(t *testing.T) {
	if got := chunkText("short", 10); len(got) != 1 || got[0] != "short" {
		t.Errorf("unexpected chunks %v", got)
	}

	text := "line one\nline two\nline three"
	got := chunkText(text, 12)
	for _, c := range got {
		if len(c) > 12 {
			t.Errorf("chunk %q exceeds limit", c)
		}
	}
	if strings.Join(got, "\n") != text {
		t.Errorf("chunks do not reassemble: %v", got)
	}

	nobreak := strings.Repeat("x", 25)
	if got := chunkText(nobreak, 10); len(got) != 3 || strings.Join(got, "") != nobreak {
		t.Errorf("unexpected hard split %v", got)
	}
}
