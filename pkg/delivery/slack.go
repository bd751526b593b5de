// Package delivery implements the outbound message port: a Slack adapter for
// linked deployments and an in-process loopback fallback for local ones.
package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	goslack "github.com/slack-go/slack"

	"github.com/clawdis/gateway/pkg/ports"
)

// SlackSender delivers messages through the Slack Web API.
type SlackSender struct {
	api     *goslack.Client
	channel string
	logger  *slog.Logger
}

// NewSlackSender creates a SlackSender posting to the given default channel.
func NewSlackSender(token, channel string) *SlackSender {
	return &SlackSender{
		api:     goslack.New(token),
		channel: channel,
		logger:  slog.Default().With("component", "slack-delivery"),
	}
}

// NewSlackSenderWithAPIURL targets a custom API URL. Useful for testing with
// a mock server.
func NewSlackSenderWithAPIURL(token, channel, apiURL string) *SlackSender {
	return &SlackSender{
		api:     goslack.New(token, goslack.OptionAPIURL(apiURL)),
		channel: channel,
		logger:  slog.Default().With("component", "slack-delivery"),
	}
}

// Send posts one message. The destination is the request's "to" when it names
// a channel, else the configured default; with neither, the account counts as
// not linked.
func (s *SlackSender) Send(ctx context.Context, req ports.SendRequest) (ports.SendResult, error) {
	channel := s.channel
	if strings.HasPrefix(req.To, "#") || strings.HasPrefix(req.To, "C") {
		channel = req.To
	}
	if channel == "" {
		return ports.SendResult{}, ports.ErrNotLinked
	}

	opts := []goslack.MsgOption{
		goslack.MsgOptionText(req.Message, false),
	}
	if req.MediaURL != "" {
		opts = append(opts, goslack.MsgOptionAttachments(goslack.Attachment{
			ImageURL: req.MediaURL,
		}))
	}

	channelID, ts, err := s.api.PostMessageContext(ctx, channel, opts...)
	if err != nil {
		return ports.SendResult{}, fmt.Errorf("chat.postMessage failed: %w", err)
	}

	s.logger.Info("Message delivered", "channel", channelID, "ts", ts)
	return ports.SendResult{
		MessageID: ts,
		ToJID:     channelID,
	}, nil
}
