// Package result merges streamed result fragments and derives stable
// identities for results and query errors.
package result

import (
	"github.com/user/selecta/internal/markdown"
	"github.com/user/selecta/pkg/agent"
)

// ApplySections overlays structured sections on prev. Each of summary,
// results markdown and business insights is replaced when the update carries
// a value; everything else is kept. With no prev a new result is created only
// if at least one section is present. The identity is left to the caller.
func ApplySections(prev *agent.Result, s markdown.Sections) *agent.Result {
	if prev == nil {
		if s.IsEmpty() {
			return nil
		}
		prev = &agent.Result{}
	} else {
		prev = prev.Clone()
	}

	if s.Summary != "" {
		prev.Summary = s.Summary
	}
	if s.ResultsMarkdown != "" {
		prev.ResultsMarkdown = s.ResultsMarkdown
	}
	if s.BusinessInsights != "" {
		prev.BusinessInsights = agent.InsightsText(s.BusinessInsights)
	}
	return prev
}

// Merge combines a cached result with a fresher fragment of the same result.
// Non-empty fields of next win; createdAt keeps the first value seen and
// model metrics are merged key by key. Neither argument is modified.
func Merge(prev, next *agent.Result) *agent.Result {
	switch {
	case prev == nil:
		return next.Clone()
	case next == nil:
		return prev.Clone()
	}

	out := prev.Clone()
	n := next.Clone()

	if n.ID != "" {
		out.ID = n.ID
	}
	if n.MessageID != "" {
		out.MessageID = n.MessageID
	}
	if out.CreatedAt == 0 {
		out.CreatedAt = n.CreatedAt
	}
	if n.SQL != "" {
		out.SQL = n.SQL
	}
	if len(n.Columns) > 0 {
		out.Columns = n.Columns
	}
	if n.Rows != nil {
		out.Rows = n.Rows
	}
	if n.RowCount != nil {
		out.RowCount = n.RowCount
	}
	if len(n.Chart) > 0 {
		out.Chart = n.Chart
	}
	if len(n.ChartOptions) > 0 {
		out.ChartOptions = n.ChartOptions
	}
	if n.DefaultChartID != "" {
		out.DefaultChartID = n.DefaultChartID
	}
	if n.Summary != "" {
		out.Summary = n.Summary
	}
	if n.ResultsMarkdown != "" {
		out.ResultsMarkdown = n.ResultsMarkdown
	}
	if !n.BusinessInsights.IsZero() {
		out.BusinessInsights = n.BusinessInsights
	}
	if len(n.ModelMetrics) > 0 {
		if out.ModelMetrics == nil {
			out.ModelMetrics = make(map[string]any, len(n.ModelMetrics))
		}
		for k, v := range n.ModelMetrics {
			out.ModelMetrics[k] = v
		}
	}
	if n.JobID != "" {
		out.JobID = n.JobID
	}
	if n.ExecutionMs != nil {
		out.ExecutionMs = n.ExecutionMs
	}
	if len(n.Dataset) > 0 {
		out.Dataset = n.Dataset
	}
	return out
}
