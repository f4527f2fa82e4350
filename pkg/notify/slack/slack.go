// Package slack posts LiveLabs notices to a Slack channel.
package slack

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"

	"github.com/jxucoder/livelabs/pkg/notify"
)

// Notifier posts notices with the Slack Web API.
type Notifier struct {
	api     *slack.Client
	channel string
}

var _ notify.Notifier = (*Notifier)(nil)

// New creates a Notifier posting to channel with a bot token. Extra options
// are passed to the Slack client.
func New(botToken, channel string, opts ...slack.Option) *Notifier {
	return &Notifier{
		api:     slack.New(botToken, opts...),
		channel: channel,
	}
}

// Name returns the notifier name.
func (n *Notifier) Name() string { return "slack" }

// Notify posts a notice as a section block with a context footer.
func (n *Notifier) Notify(ctx context.Context, nt notify.Notice) error {
	header := slack.NewTextBlockObject(slack.MarkdownType, headline(nt), false, false)
	footer := slack.NewContextBlock("",
		slack.NewTextBlockObject(slack.MarkdownType,
			fmt.Sprintf("Track `%s` | Enrollment `%s`", nt.TrackSlug, nt.EnrollmentID), false, false),
	)

	_, _, err := n.api.PostMessageContext(ctx, n.channel,
		slack.MsgOptionText(notify.Summary(nt), false),
		slack.MsgOptionBlocks(slack.NewSectionBlock(header, nil, nil), slack.NewDividerBlock(), footer),
	)
	if err != nil {
		return fmt.Errorf("posting to slack: %w", err)
	}
	return nil
}

func headline(nt notify.Notice) string {
	var s string
	switch nt.Kind {
	case notify.KindCompleted:
		s = fmt.Sprintf(":tada: *%s* completed *%s*", nt.LearnerID, nt.TrackTitle)
	case notify.KindAppFailed:
		s = fmt.Sprintf(":x: App for *%s* in *%s* failed", nt.LearnerID, nt.TrackTitle)
	case notify.KindInitFailed:
		s = fmt.Sprintf(":warning: App initialization for *%s* in *%s* failed", nt.LearnerID, nt.TrackTitle)
	default:
		s = notify.Summary(nt)
	}
	if nt.Message != "" && nt.Kind != "" {
		s += "\n" + nt.Message
	}
	return s
}
