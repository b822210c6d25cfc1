package chat

import (
	"strconv"

	"github.com/user/selecta/internal/types"
	"github.com/user/selecta/pkg/agent"
)

// MessagesFromSession rebuilds chat messages from the events of a stored
// session. Events authored by "user" become user messages; events from any
// other author that carry text or a result become model messages.
func MessagesFromSession(session *agent.Session, anchor string) []*types.Message {
	if session == nil {
		return nil
	}
	if anchor == "" {
		anchor = DefaultAnchor
	}

	var msgs []*types.Message
	for i := range session.Events {
		ev := &session.Events[i]
		if ev.Partial != nil && *ev.Partial {
			continue
		}
		text := ev.Text()
		id := types.MessageID(ev.ID)
		if id == "" {
			id = types.MessageID(strconv.FormatFloat(ev.Timestamp, 'f', -1, 64))
		}
		ts := ev.Timestamp
		if ts == 0 {
			ts = types.NowSeconds()
		}

		if ev.Author == string(types.RoleUser) {
			if text == "" {
				continue
			}
			msgs = append(msgs, &types.Message{
				ID:        id,
				SessionID: types.SessionID(session.ID),
				Role:      types.RoleUser,
				Text:      text,
				Timestamp: ts,
			})
			continue
		}

		var res *agent.Result
		if d := ev.Delta(); d != nil {
			res = d.LatestResult
		}
		if text == "" && res == nil {
			continue
		}

		reasoning, final := SplitReasoning(text, anchor)
		reasoning, final = promote(CleanReasoning(reasoning), final)
		msg := &types.Message{
			ID:        id,
			SessionID: types.SessionID(session.ID),
			Role:      types.RoleModel,
			Text:      final,
			Thinking:  reasoning,
			Timestamp: ts,
			Result:    res,
		}
		if res != nil {
			msg.ResultID = res.ID
		}
		msgs = append(msgs, msg)
	}
	return msgs
}
