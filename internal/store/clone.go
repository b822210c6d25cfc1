package store

import (
	"github.com/user/selecta/internal/types"
	"github.com/user/selecta/pkg/agent"
)

func cloneSnapshot(src Snapshot) Snapshot {
	out := src
	out.Messages = cloneMessages(src.Messages)
	out.ActiveResult = src.ActiveResult.Clone()
	out.ActiveError = cloneError(src.ActiveError)
	out.ResultHistory = make([]*agent.Result, len(src.ResultHistory))
	for i, r := range src.ResultHistory {
		out.ResultHistory[i] = r.Clone()
	}
	out.ErrorHistory = make([]*agent.QueryError, len(src.ErrorHistory))
	for i, e := range src.ErrorHistory {
		out.ErrorHistory[i] = cloneError(e)
	}
	out.ModelMetrics = cloneMap(src.ModelMetrics)
	return out
}

func cloneMessages(src []*types.Message) []*types.Message {
	out := make([]*types.Message, len(src))
	for i, m := range src {
		out[i] = m.Clone()
	}
	return out
}

func cloneError(e *agent.QueryError) *agent.QueryError {
	if e == nil {
		return nil
	}
	c := *e
	c.Details = append([]agent.ErrorDetail(nil), e.Details...)
	return &c
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
