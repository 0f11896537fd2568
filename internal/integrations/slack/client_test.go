package slack

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"flowdeck/backend/internal/fault"
)

type staticTokens struct{ token string }

func (s staticTokens) EnsureFreshToken(ctx context.Context) error       { return nil }
func (s staticTokens) AccessToken(ctx context.Context) (string, error) { return s.token, nil }
func (s staticTokens) TokenSource(ctx context.Context) oauth2.TokenSource {
	return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: s.token})
}
func (s staticTokens) CredentialID() string { return "cred-slack" }

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(staticTokens{token: "xoxb-test"}, slack.OptionAPIURL(srv.URL+"/"))
}

func TestPostMessage_WithMentions(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat.postMessage", r.URL.Path)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "C123", r.PostForm.Get("channel"))
		assert.Equal(t, "<@U1> <@U2> deploy finished", r.PostForm.Get("text"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"channel":"C123","ts":"1700000000.000100"}`))
	})

	ts, err := client.PostMessage(context.Background(), "C123", "deploy finished", []string{"U1", "U2"})
	require.NoError(t, err)
	assert.Equal(t, "1700000000.000100", ts)
}

func TestPostMessage_ErrorClassification(t *testing.T) {
	tests := []struct {
		slackErr  string
		code      fault.Code
		retryable bool
	}{
		{"token_revoked", fault.CodeReauthRequired, false},
		{"channel_not_found", fault.CodeValidation, false},
		{"internal_error", fault.CodeTransient, true},
	}
	for _, tt := range tests {
		t.Run(tt.slackErr, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(`{"ok":false,"error":"` + tt.slackErr + `"}`))
			})
			_, err := client.PostMessage(context.Background(), "C1", "hi", nil)
			assert.True(t, fault.Is(err, tt.code), err.Error())
			assert.Equal(t, tt.retryable, fault.IsRetryable(err))
		})
	}
}
