package notify

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"

	"github.com/patchpilot/patchpilot/pkg/model"
)

// Slack posts completion summaries to a Slack channel.
type Slack struct {
	client  *slack.Client
	channel string
}

func NewSlack(token, channel string) *Slack {
	return &Slack{client: slack.New(token), channel: channel}
}

func (s *Slack) Notify(ctx context.Context, run *model.Run, result *model.TerminalResult) error {
	_, _, err := s.client.PostMessageContext(ctx, s.channel,
		slack.MsgOptionText(Summary(run, result), false))
	if err != nil {
		return fmt.Errorf("posting to slack channel %s: %w", s.channel, err)
	}
	return nil
}
