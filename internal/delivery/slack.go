package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	goslack "github.com/slack-go/slack"
)

const (
	// SlackPrefix selects the Slack handler; the rest of the target is the channel id.
	SlackPrefix = "slack:"

	maxSlackBlockText = 2900
	slackPostTimeout  = 10 * time.Second
)

// Slack posts answers to Slack channels.
type Slack struct {
	api    *goslack.Client
	logger *slog.Logger
}

// NewSlack creates a Slack delivery client. apiURL overrides the Slack API
// endpoint when non-empty.
func NewSlack(token, apiURL string) *Slack {
	var opts []goslack.Option
	if apiURL != "" {
		opts = append(opts, goslack.OptionAPIURL(apiURL))
	}
	return &Slack{
		api:    goslack.New(token, opts...),
		logger: slog.Default().With("component", "slack-delivery"),
	}
}

// Deliver posts message to the channel named by target.
func (s *Slack) Deliver(ctx context.Context, target, message string) error {
	channel := strings.TrimPrefix(target, SlackPrefix)
	if channel == "" {
		return fmt.Errorf("slack target %q has no channel", target)
	}

	ctx, cancel := context.WithTimeout(ctx, slackPostTimeout)
	defer cancel()

	_, ts, err := s.api.PostMessageContext(ctx, channel,
		goslack.MsgOptionText(message, false),
		goslack.MsgOptionBlocks(answerBlocks(message)...),
	)
	if err != nil {
		return fmt.Errorf("chat.postMessage failed: %w", err)
	}
	s.logger.Debug("answer delivered", "channel", channel, "ts", ts)
	return nil
}

// answerBlocks splits the answer into section blocks within Slack's text
// limit, breaking on line boundaries where possible.
func answerBlocks(message string) []goslack.Block {
	var blocks []goslack.Block
	for _, chunk := range chunkText(message, maxSlackBlockText) {
		blocks = append(blocks, goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, chunk, false, false),
			nil, nil,
		))
	}
	return blocks
}

func chunkText(text string, limit int) []string {
	if len(text) <= limit {
		return []string{text}
	}
	var chunks []string
	for len(text) > limit {
		cut := strings.LastIndex(text[:limit], "\n")
		if cut <= 0 {
			cut = limit
		}
		chunks = append(chunks, text[:cut])
		text = strings.TrimPrefix(text[cut:], "\n")
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}
