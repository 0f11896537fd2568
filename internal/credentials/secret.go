// Package credentials holds the tagged-variant secret payloads stored in the
// vault and the pure validation function that selects and checks them.
package credentials

import (
	"time"

	"flowdeck/backend/pkg/models"
)

// Secret is a decrypted credential payload. The concrete type is determined
// by (Kind, Provider).
type Secret interface {
	Kind() models.CredentialKind
	Provider() models.Provider
}

// OAuthToken is the part shared by every OAuth secret. ExpiresAt is an
// absolute instant in Unix milliseconds; it is serialized as "expiresIn" to
// stay compatible with rows written by the provider callbacks.
type OAuthToken struct {
	AccessToken  string   `json:"accessToken"`
	RefreshToken string   `json:"refreshToken,omitempty"`
	ExpiresAt    int64    `json:"expiresIn,omitempty"`
	Scopes       []string `json:"scopes,omitempty"`
}

// Expiry returns the expiry instant, or the zero time for non-expiring tokens.
func (t OAuthToken) Expiry() time.Time {
	if t.ExpiresAt == 0 {
		return time.Time{}
	}
	return time.UnixMilli(t.ExpiresAt)
}

// Expired reports whether the token is at or past its expiry at now.
// Tokens without an expiry never expire.
func (t OAuthToken) Expired(now time.Time) bool {
	if t.ExpiresAt == 0 {
		return false
	}
	return t.ExpiresAt <= now.UnixMilli()
}

// OAuthSecret is implemented by every OAuth variant.
type OAuthSecret interface {
	Secret
	Token() OAuthToken
	// WithToken returns a copy of the secret carrying token; provider
	// specific fields are kept.
	WithToken(token OAuthToken) OAuthSecret
}

type GoogleOAuthSecret struct {
	OAuthToken
}

func (GoogleOAuthSecret) Kind() models.CredentialKind { return models.CredentialKindOAuth }
func (GoogleOAuthSecret) Provider() models.Provider    { return models.ProviderGoogle }
func (s GoogleOAuthSecret) Token() OAuthToken          { return s.OAuthToken }
func (s GoogleOAuthSecret) WithToken(t OAuthToken) OAuthSecret {
	s.OAuthToken = t
	return s
}

type SlackOAuthSecret struct {
	OAuthToken
	TeamID string `json:"teamId"`
}

func (SlackOAuthSecret) Kind() models.CredentialKind { return models.CredentialKindOAuth }
func (SlackOAuthSecret) Provider() models.Provider    { return models.ProviderSlack }
func (s SlackOAuthSecret) Token() OAuthToken          { return s.OAuthToken }
func (s SlackOAuthSecret) WithToken(t OAuthToken) OAuthSecret {
	s.OAuthToken = t
	return s
}

type HubspotOAuthSecret struct {
	OAuthToken
	HubID string `json:"hubId"`
}

func (HubspotOAuthSecret) Kind() models.CredentialKind { return models.CredentialKindOAuth }
func (HubspotOAuthSecret) Provider() models.Provider    { return models.ProviderHubspot }
func (s HubspotOAuthSecret) Token() OAuthToken          { return s.OAuthToken }
func (s HubspotOAuthSecret) WithToken(t OAuthToken) OAuthSecret {
	s.OAuthToken = t
	return s
}

type FirecrawlAPIKeySecret struct {
	APIKey string `json:"apiKey"`
}

func (FirecrawlAPIKeySecret) Kind() models.CredentialKind { return models.CredentialKindAPIKey }
func (FirecrawlAPIKeySecret) Provider() models.Provider    { return models.ProviderFirecrawl }

type CustomAPIKeySecret struct {
	APIKey string `json:"apiKey"`
	APIURL string `json:"apiUrl,omitempty"`
}

func (CustomAPIKeySecret) Kind() models.CredentialKind { return models.CredentialKindAPIKey }
func (CustomAPIKeySecret) Provider() models.Provider    { return models.ProviderCustom }
