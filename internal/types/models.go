// internal/types/models.go
package types

import (
	"encoding/json"
	"time"

	"github.com/user/selecta/pkg/agent"
)

type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// Message is a committed chat turn.
type Message struct {
	ID        MessageID     `json:"id"`
	SessionID SessionID     `json:"session_id,omitempty"`
	Role      Role          `json:"role"`
	Text      string        `json:"text"`
	Thinking  string        `json:"thinking,omitempty"`
	Timestamp float64       `json:"timestamp"`
	Result    *agent.Result `json:"result,omitempty"`
	ResultID  string        `json:"result_id,omitempty"`
}

// Time converts the seconds timestamp to a time.Time.
func (m *Message) Time() time.Time {
	sec := int64(m.Timestamp)
	nsec := int64((m.Timestamp - float64(sec)) * 1e9)
	return time.Unix(sec, nsec)
}

// Clone returns a copy whose result shares no state with m.
func (m *Message) Clone() *Message {
	c := *m
	c.Result = m.Result.Clone()
	return &c
}

// NowSeconds returns the current time as fractional epoch seconds.
func NowSeconds() float64 {
	return float64(time.Now().UnixMicro()) / 1e6
}

type SessionIndex struct {
	SessionID    SessionID  `json:"session_id"`
	SessionKey   SessionKey `json:"session_key"`
	UserID       string     `json:"user_id"`
	Title        string     `json:"title,omitempty"`
	Status       string     `json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	MessageCount int64      `json:"message_count"`
}

type InboundEvent struct {
	Source     string          `json:"source"`
	SessionKey SessionKey      `json:"session_key"`
	UserID     string          `json:"user_id"`
	Text       string          `json:"text"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
}
