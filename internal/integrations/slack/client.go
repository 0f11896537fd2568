// Package slack adapts the Slack Web API to a refresher-backed Slack OAuth
// credential.
package slack

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/slack-go/slack"

	"flowdeck/backend/internal/fault"
	"flowdeck/backend/internal/integrations"
)

// Client is the Slack integration injected into workflow executions.
type Client struct {
	tokens  integrations.TokenProvider
	options []slack.Option
}

// New creates a Client. A fresh API client is built per call so a refreshed
// token is always used.
func New(tokens integrations.TokenProvider, options ...slack.Option) *Client {
	return &Client{tokens: tokens, options: options}
}

// CredentialID returns the id of the credential backing the client.
func (c *Client) CredentialID() string { return c.tokens.CredentialID() }

func (c *Client) api(ctx context.Context) (*slack.Client, error) {
	token, err := c.tokens.AccessToken(ctx)
	if err != nil {
		return nil, err
	}
	return slack.New(token, c.options...), nil
}

// PostMessage posts text to channelID and returns the message timestamp.
// mentions are user ids rendered as <@id> ahead of the text.
func (c *Client) PostMessage(ctx context.Context, channelID, text string, mentions []string) (string, error) {
	api, err := c.api(ctx)
	if err != nil {
		return "", err
	}
	if len(mentions) > 0 {
		tags := make([]string, len(mentions))
		for i, id := range mentions {
			tags[i] = "<@" + id + ">"
		}
		text = strings.Join(tags, " ") + " " + text
	}
	_, ts, err := api.PostMessageContext(ctx, channelID, slack.MsgOptionText(text, false))
	if err != nil {
		return "", classify("chat.postMessage", err)
	}
	return ts, nil
}

var reauthErrors = map[string]bool{
	"invalid_auth":     true,
	"not_authed":       true,
	"token_revoked":    true,
	"token_expired":    true,
	"account_inactive": true,
	"missing_scope":    true,
}

var invalidInputErrors = map[string]bool{
	"channel_not_found": true,
	"not_in_channel":    true,
	"is_archived":       true,
	"msg_too_long":      true,
	"no_text":           true,
}

func classify(op string, err error) error {
	var rateLimited *slack.RateLimitedError
	if errors.As(err, &rateLimited) {
		return fault.Transient(fmt.Sprintf("slack %s rate limited", op), err)
	}
	var slackErr slack.SlackErrorResponse
	if errors.As(err, &slackErr) {
		switch {
		case reauthErrors[slackErr.Err]:
			return fault.ReauthRequired(fmt.Sprintf("slack rejected %s", op), err)
		case invalidInputErrors[slackErr.Err]:
			return fault.New(fault.CodeValidation, fmt.Sprintf("slack %s: %s", op, slackErr.Err), false)
		}
	}
	return fault.Transient(fmt.Sprintf("slack %s failed", op), err)
}
