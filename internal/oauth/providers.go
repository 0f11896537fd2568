package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/slack"

	"flowdeck/backend/internal/config"
	"flowdeck/backend/internal/fault"
	"flowdeck/backend/pkg/models"
)

// HubspotEndpoint is HubSpot's OAuth 2.0 endpoint.
var HubspotEndpoint = oauth2.Endpoint{
	AuthURL:   "https://app.hubspot.com/oauth/authorize",
	TokenURL:  "https://api.hubapi.com/oauth/v1/token",
	AuthStyle: oauth2.AuthStyleInParams,
}

// GoogleScopes are requested when a user connects a Google account.
var GoogleScopes = []string{
	"https://www.googleapis.com/auth/userinfo.email",
	"https://www.googleapis.com/auth/spreadsheets",
	"https://www.googleapis.com/auth/drive.readonly",
	"https://www.googleapis.com/auth/gmail.send",
}

// TokenClient talks to a provider's token endpoint.
type TokenClient interface {
	Refresh(ctx context.Context, provider models.Provider, refreshToken string) (*oauth2.Token, error)
}

// Providers holds the OAuth client registration of every supported provider.
type Providers struct {
	configs    map[models.Provider]*oauth2.Config
	httpClient *http.Client
}

// NewProviders builds provider registrations from configuration. Providers
// without a client id are left out.
func NewProviders(cfg *config.Config) *Providers {
	p := &Providers{configs: make(map[models.Provider]*oauth2.Config)}
	if cfg.Google.ClientID != "" {
		p.configs[models.ProviderGoogle] = &oauth2.Config{
			ClientID:     cfg.Google.ClientID,
			ClientSecret: cfg.Google.ClientSecret,
			RedirectURL:  cfg.Google.RedirectURL,
			Endpoint:     google.Endpoint,
			Scopes:       GoogleScopes,
		}
	}
	if cfg.Slack.ClientID != "" {
		p.configs[models.ProviderSlack] = &oauth2.Config{
			ClientID:     cfg.Slack.ClientID,
			ClientSecret: cfg.Slack.ClientSecret,
			RedirectURL:  cfg.Slack.RedirectURL,
			Endpoint:     slack.Endpoint,
		}
	}
	if cfg.Hubspot.ClientID != "" {
		p.configs[models.ProviderHubspot] = &oauth2.Config{
			ClientID:     cfg.Hubspot.ClientID,
			ClientSecret: cfg.Hubspot.ClientSecret,
			RedirectURL:  cfg.Hubspot.RedirectURL,
			Endpoint:     HubspotEndpoint,
		}
	}
	return p
}

// WithConfig registers or overrides a provider registration.
func (p *Providers) WithConfig(provider models.Provider, cfg *oauth2.Config) *Providers {
	p.configs[provider] = cfg
	return p
}

// WithHTTPClient makes token requests go through client.
func (p *Providers) WithHTTPClient(client *http.Client) *Providers {
	p.httpClient = client
	return p
}

func (p *Providers) config(provider models.Provider) (*oauth2.Config, error) {
	cfg, ok := p.configs[provider]
	if !ok {
		return nil, fault.Unsupported(fmt.Sprintf("no OAuth client configured for %s", provider))
	}
	return cfg, nil
}

func (p *Providers) context(ctx context.Context) context.Context {
	if p.httpClient != nil {
		return context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
	}
	return ctx
}

// Refresh exchanges refreshToken for a new access token.
func (p *Providers) Refresh(ctx context.Context, provider models.Provider, refreshToken string) (*oauth2.Token, error) {
	cfg, err := p.config(provider)
	if err != nil {
		return nil, err
	}
	if refreshToken == "" {
		return nil, fault.ReauthRequired("credential has no refresh token", nil)
	}
	token, err := cfg.TokenSource(p.context(ctx), &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, classify(provider, err)
	}
	return token, nil
}

// AuthCodeURL returns the consent URL for provider carrying state.
func (p *Providers) AuthCodeURL(provider models.Provider, state string) (string, error) {
	cfg, err := p.config(provider)
	if err != nil {
		return "", err
	}
	return cfg.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce), nil
}

// Exchange trades an authorization code for a token.
func (p *Providers) Exchange(ctx context.Context, provider models.Provider, code string) (*oauth2.Token, error) {
	cfg, err := p.config(provider)
	if err != nil {
		return nil, err
	}
	token, err := cfg.Exchange(p.context(ctx), code)
	if err != nil {
		return nil, classify(provider, err)
	}
	return token, nil
}

// classify maps token endpoint failures onto the fault taxonomy. A rejected
// grant is terminal; anything else may succeed on a later attempt.
func classify(provider models.Provider, err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		status := 0
		if retrieveErr.Response != nil {
			status = retrieveErr.Response.StatusCode
		}
		if retrieveErr.ErrorCode == "invalid_grant" || status == http.StatusBadRequest || status == http.StatusUnauthorized {
			return fault.ReauthRequired(fmt.Sprintf("%s rejected the refresh token", provider), err)
		}
	}
	return fault.Transient(fmt.Sprintf("%s token endpoint failed", provider), err)
}
