package agent

import (
	"encoding/json"
	"log/slog"
)

// StateDelta is the state patch attached to an event. Every field is
// optional; a nil pointer or nil slice means the field was not sent.
type StateDelta struct {
	LatestResult     *Result       `json:"latest_result,omitempty"`
	ResultsHistory   []*Result     `json:"results_history,omitempty"`
	LatestError      *QueryError   `json:"latest_error,omitempty"`
	ErrorsHistory    []*QueryError `json:"errors_history,omitempty"`
	Summary          *string       `json:"summary,omitempty"`
	ResultsMarkdown  *string       `json:"resultsMarkdown,omitempty"`
	BusinessInsights *Insights     `json:"businessInsights,omitempty"`
}

// HasResultFields reports whether any top-level structured field is present.
func (d *StateDelta) HasResultFields() bool {
	return d.Summary != nil || d.ResultsMarkdown != nil || d.BusinessInsights != nil
}

// MarshalJSON writes only the fields that are present.
func (d StateDelta) MarshalJSON() ([]byte, error) {
	out := make(map[string]any)
	if d.LatestResult != nil {
		out["latest_result"] = d.LatestResult
	}
	if d.ResultsHistory != nil {
		out["results_history"] = d.ResultsHistory
	}
	if d.LatestError != nil {
		out["latest_error"] = d.LatestError
	}
	if d.ErrorsHistory != nil {
		out["errors_history"] = d.ErrorsHistory
	}
	if d.Summary != nil {
		out["summary"] = *d.Summary
	}
	if d.ResultsMarkdown != nil {
		out["resultsMarkdown"] = *d.ResultsMarkdown
	}
	if d.BusinessInsights != nil {
		out["businessInsights"] = *d.BusinessInsights
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes each known key on its own. A key holding a value of
// the wrong shape is dropped instead of failing the whole event; unknown keys
// are ignored.
func (d *StateDelta) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*d = StateDelta{}

	if v, ok := present(raw, "latest_result"); ok {
		var r Result
		if decodeField("latest_result", v, &r) {
			d.LatestResult = &r
		}
	}
	if v, ok := present(raw, "results_history"); ok {
		var list []json.RawMessage
		if decodeField("results_history", v, &list) {
			d.ResultsHistory = make([]*Result, 0, len(list))
			for _, item := range list {
				var r Result
				if decodeField("results_history", item, &r) {
					d.ResultsHistory = append(d.ResultsHistory, &r)
				}
			}
		}
	}
	if v, ok := present(raw, "latest_error"); ok {
		var e QueryError
		if decodeField("latest_error", v, &e) {
			d.LatestError = &e
		}
	}
	if v, ok := present(raw, "errors_history"); ok {
		var list []json.RawMessage
		if decodeField("errors_history", v, &list) {
			d.ErrorsHistory = make([]*QueryError, 0, len(list))
			for _, item := range list {
				var e QueryError
				if decodeField("errors_history", item, &e) {
					d.ErrorsHistory = append(d.ErrorsHistory, &e)
				}
			}
		}
	}
	if v, ok := present(raw, "summary"); ok {
		var s string
		if decodeField("summary", v, &s) {
			d.Summary = &s
		}
	}
	if v, ok := present(raw, "resultsMarkdown"); ok {
		var s string
		if decodeField("resultsMarkdown", v, &s) {
			d.ResultsMarkdown = &s
		}
	}
	if v, ok := present(raw, "businessInsights"); ok {
		var in Insights
		if decodeField("businessInsights", v, &in) && !in.IsZero() {
			d.BusinessInsights = &in
		}
	}
	return nil
}

// present returns the raw value for key unless it is missing or null.
func present(raw map[string]json.RawMessage, key string) (json.RawMessage, bool) {
	v, ok := raw[key]
	if !ok || string(v) == "null" {
		return nil, false
	}
	return v, true
}

func decodeField(key string, v json.RawMessage, dst any) bool {
	if err := json.Unmarshal(v, dst); err != nil {
		slog.Debug("dropping malformed state delta field", "field", key, "error", err)
		return false
	}
	return true
}
