package agent

import (
	"encoding/json"
	"strings"

	"github.com/invopop/jsonschema"
	"google.golang.org/genai"
)

// Event is one decoded server message of a streamed turn.
type Event struct {
	ID           string         `json:"id,omitempty"`
	InvocationID string         `json:"invocationId,omitempty"`
	Author       string         `json:"author"`
	Type         string         `json:"type,omitempty"`
	Content      *genai.Content `json:"content,omitempty"`
	Actions      *Actions       `json:"actions,omitempty"`
	Partial      *bool          `json:"partial,omitempty"`
	FinishReason string         `json:"finishReason,omitempty"`
	Timestamp    float64        `json:"timestamp,omitempty"`
	Metrics      map[string]any `json:"metrics,omitempty"`
}

// Actions carries the side effects attached to an event.
type Actions struct {
	StateDelta *StateDelta `json:"stateDelta,omitempty"`
}

// Text concatenates the text parts of the event content in order.
func (e *Event) Text() string {
	if e.Content == nil {
		return ""
	}
	var b strings.Builder
	for _, part := range e.Content.Parts {
		if part != nil {
			b.WriteString(part.Text)
		}
	}
	return b.String()
}

// HasToolInvocation reports whether any part is a function call or response.
func (e *Event) HasToolInvocation() bool {
	if e.Content == nil {
		return false
	}
	for _, part := range e.Content.Parts {
		if part != nil && (part.FunctionCall != nil || part.FunctionResponse != nil) {
			return true
		}
	}
	return false
}

// Delta returns the state delta, or nil if the event carries none.
func (e *Event) Delta() *StateDelta {
	if e.Actions == nil {
		return nil
	}
	return e.Actions.StateDelta
}

// IsTerminal reports whether the event ends the turn. A tool call or tool
// response in the same event always defers completion.
func (e *Event) IsTerminal() bool {
	if e.HasToolInvocation() {
		return false
	}
	return e.FinishReason != "" || (e.Partial != nil && !*e.Partial) || e.Type == "complete"
}

// Result is a structured analytic artifact produced by the agent.
type Result struct {
	ID               string           `json:"id,omitempty"`
	MessageID        string           `json:"messageId,omitempty"`
	CreatedAt        int64            `json:"createdAt,omitempty"`
	SQL              string           `json:"sql,omitempty"`
	Columns          []string         `json:"columns,omitempty"`
	Rows             []map[string]any `json:"rows,omitempty"`
	RowCount         *int             `json:"rowCount,omitempty"`
	Chart            json.RawMessage  `json:"chart,omitempty"`
	ChartOptions     json.RawMessage  `json:"chartOptions,omitempty"`
	DefaultChartID   string           `json:"defaultChartId,omitempty"`
	Summary          string           `json:"summary,omitempty"`
	ResultsMarkdown  string           `json:"resultsMarkdown,omitempty"`
	BusinessInsights Insights         `json:"businessInsights,omitzero"`
	ModelMetrics     map[string]any   `json:"modelMetrics,omitempty"`
	JobID            string           `json:"jobId,omitempty"`
	ExecutionMs      *float64         `json:"executionMs,omitempty"`
	Dataset          json.RawMessage  `json:"dataset,omitempty"`
}

// UnmarshalJSON accepts "resultId" as an alias for "id" and a numeric
// createdAt with a fractional part.
func (r *Result) UnmarshalJSON(data []byte) error {
	type plain Result
	aux := struct {
		*plain
		ResultID  string   `json:"resultId,omitempty"`
		CreatedAt *float64 `json:"createdAt,omitempty"`
	}{plain: (*plain)(r)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if r.ID == "" {
		r.ID = aux.ResultID
	}
	if aux.CreatedAt != nil {
		r.CreatedAt = int64(*aux.CreatedAt)
	}
	return nil
}

// Clone returns a copy that shares no mutable maps or slices with r.
func (r *Result) Clone() *Result {
	if r == nil {
		return nil
	}
	c := *r
	c.Columns = append([]string(nil), r.Columns...)
	if r.Rows != nil {
		c.Rows = make([]map[string]any, len(r.Rows))
		for i, row := range r.Rows {
			c.Rows[i] = cloneMap(row)
		}
	}
	c.BusinessInsights = r.BusinessInsights.Clone()
	c.ModelMetrics = cloneMap(r.ModelMetrics)
	if r.RowCount != nil {
		n := *r.RowCount
		c.RowCount = &n
	}
	if r.ExecutionMs != nil {
		ms := *r.ExecutionMs
		c.ExecutionMs = &ms
	}
	return &c
}

// Insights holds business insights sent either as one newline separated
// string or as a list of entries.
type Insights struct {
	Text  string
	Items []string
}

// InsightsText wraps a single string value.
func InsightsText(s string) Insights { return Insights{Text: s} }

// InsightsList wraps a list value.
func InsightsList(items ...string) Insights { return Insights{Items: items} }

// IsZero reports whether no value was supplied.
func (in Insights) IsZero() bool {
	return in.Text == "" && len(in.Items) == 0
}

// Lines returns the raw entries without normalization.
func (in Insights) Lines() []string {
	if in.Items != nil {
		return in.Items
	}
	if in.Text == "" {
		return nil
	}
	return strings.Split(in.Text, "\n")
}

// Clone returns a copy with its own backing list.
func (in Insights) Clone() Insights {
	return Insights{Text: in.Text, Items: append([]string(nil), in.Items...)}
}

// MarshalJSON writes a list when the value came from a list.
func (in Insights) MarshalJSON() ([]byte, error) {
	if in.Items != nil {
		return json.Marshal(in.Items)
	}
	return json.Marshal(in.Text)
}

// JSONSchema describes both accepted shapes.
func (Insights) JSONSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		OneOf: []*jsonschema.Schema{
			{Type: "string"},
			{Type: "array", Items: &jsonschema.Schema{Type: "string"}},
		},
	}
}

// UnmarshalJSON accepts a string, a list of strings or null.
func (in *Insights) UnmarshalJSON(data []byte) error {
	*in = Insights{}
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		in.Text = text
		return nil
	}
	var raw []any
	if err := json.Unmarshal(data, &raw); err != nil {
		// null and other shapes leave the value empty
		return nil
	}
	items := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			items = append(items, s)
		}
	}
	in.Items = items
	return nil
}

// QueryError is a failure reported by the backend for a query.
type QueryError struct {
	ID        string        `json:"id,omitempty"`
	Message   string        `json:"message"`
	SQL       string        `json:"sql,omitempty"`
	Timestamp int64         `json:"timestamp,omitempty"`
	Type      string        `json:"type,omitempty"`
	JobID     string        `json:"jobId,omitempty"`
	ErrorCode string        `json:"errorCode,omitempty"`
	Details   []ErrorDetail `json:"details,omitempty"`
}

// UnmarshalJSON accepts a fractional timestamp.
func (q *QueryError) UnmarshalJSON(data []byte) error {
	type plain QueryError
	aux := struct {
		*plain
		Timestamp *float64 `json:"timestamp,omitempty"`
	}{plain: (*plain)(q)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.Timestamp != nil {
		q.Timestamp = int64(*aux.Timestamp)
	}
	return nil
}

// ErrorDetail is one entry of a backend error's detail list.
type ErrorDetail struct {
	Message   string `json:"message,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Location  string `json:"location,omitempty"`
	DebugInfo string `json:"debugInfo,omitempty"`
}

// RunRequest is the body of a streaming run call.
type RunRequest struct {
	AppName    string         `json:"appName"`
	UserID     string         `json:"userId"`
	SessionID  string         `json:"sessionId"`
	NewMessage *genai.Content `json:"newMessage"`
	Streaming  bool           `json:"streaming"`
}

// NewRunRequest builds a streaming run request for a user text message.
func NewRunRequest(appName, userID, sessionID, text string) RunRequest {
	return RunRequest{
		AppName:    appName,
		UserID:     userID,
		SessionID:  sessionID,
		NewMessage: genai.NewContentFromText(text, genai.RoleUser),
		Streaming:  true,
	}
}

// Session is a remote conversation record.
type Session struct {
	ID             string         `json:"id"`
	AppName        string         `json:"appName"`
	UserID         string         `json:"userId"`
	State          map[string]any `json:"state,omitempty"`
	Events         []Event        `json:"events,omitempty"`
	LastUpdateTime float64        `json:"lastUpdateTime,omitempty"`
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
