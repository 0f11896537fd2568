// Package oauth keeps stored OAuth credentials usable: it refreshes expired
// access tokens and persists the result before any outbound call.
package oauth

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"flowdeck/backend/internal/credentials"
	"flowdeck/backend/internal/fault"
	"flowdeck/backend/pkg/models"
)

// AssumedTokenLifetime is used when a refresh response omits the expiry of
// a token whose secret must carry one. Google access tokens last an hour.
const AssumedTokenLifetime = time.Hour

// Logger is the logging surface used by this package.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}

// SecretStore persists a refreshed secret. The vault implements it.
type SecretStore interface {
	Replace(ctx context.Context, ownerUserID, credentialID string, secret credentials.Secret) (*models.CredentialMetadata, error)
}

// Manager creates Refreshers that share a token client, a store and a
// per-credential refresh group.
type Manager struct {
	client  TokenClient
	store   SecretStore
	logger  Logger
	now     func() time.Time
	group   singleflight.Group
	counter metric.Int64Counter
}

// NewManager creates a Manager.
func NewManager(client TokenClient, store SecretStore, logger Logger) *Manager {
	counter, _ := otel.Meter("flowdeck/oauth").Int64Counter("oauth.refreshes",
		metric.WithDescription("OAuth access token refresh attempts"))
	return &Manager{client: client, store: store, logger: logger, now: time.Now, counter: counter}
}

// WithClock replaces the clock used for expiry checks.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// For wraps a decrypted OAuth secret of credential credentialID.
func (m *Manager) For(ownerUserID, credentialID string, secret credentials.OAuthSecret) *Refresher {
	return &Refresher{manager: m, ownerUserID: ownerUserID, credentialID: credentialID, secret: secret}
}

// Refresher guards one credential. EnsureFreshToken must be called before
// every outbound call that uses the access token.
//
// Concurrent refreshes of the same credential within this process collapse
// into one provider call. Across processes two refreshes can still race; the
// later write wins and the loser refreshes again once its token expires.
type Refresher struct {
	manager      *Manager
	ownerUserID  string
	credentialID string

	mu     sync.Mutex
	secret credentials.OAuthSecret
}

// CredentialID returns the id of the wrapped credential.
func (r *Refresher) CredentialID() string { return r.credentialID }

// Secret returns the current in-memory secret.
func (r *Refresher) Secret() credentials.OAuthSecret {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.secret
}

// EnsureFreshToken refreshes and persists the token when it has expired. It
// performs no I/O while the token is still valid.
func (r *Refresher) EnsureFreshToken(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	token := r.secret.Token()
	if !token.Expired(r.manager.now()) {
		return nil
	}

	result, err, shared := r.manager.group.Do(r.credentialID, func() (any, error) {
		return r.refresh(ctx, r.secret)
	})
	if err != nil {
		return err
	}
	r.secret = result.(credentials.OAuthSecret)
	if shared {
		r.manager.logger.Info("joined in-flight token refresh", "credential_id", r.credentialID)
	}
	return nil
}

func (r *Refresher) refresh(ctx context.Context, current credentials.OAuthSecret) (credentials.OAuthSecret, error) {
	provider := current.Provider()
	old := current.Token()

	fresh, err := r.manager.client.Refresh(ctx, provider, old.RefreshToken)
	if err != nil {
		r.record(ctx, provider, "failed")
		r.manager.logger.Warn("token refresh failed",
			"credential_id", r.credentialID, "owner_user_id", r.ownerUserID, "provider", provider,
			"reauth_required", fault.Is(err, fault.CodeReauthRequired), "error", err)
		return nil, err
	}

	next := merge(old, fresh, credentials.ExpiryRequired(provider), r.manager.now())
	updated := current.WithToken(next)
	if _, err := r.manager.store.Replace(ctx, r.ownerUserID, r.credentialID, updated); err != nil {
		r.record(ctx, provider, "persist_failed")
		return nil, err
	}
	r.record(ctx, provider, "refreshed")
	r.manager.logger.Info("refreshed access token",
		"credential_id", r.credentialID, "owner_user_id", r.ownerUserID, "provider", provider,
		"expires_at", next.Expiry())
	return updated, nil
}

func (r *Refresher) record(ctx context.Context, provider models.Provider, outcome string) {
	if r.manager.counter == nil {
		return
	}
	r.manager.counter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", string(provider)),
		attribute.String("outcome", outcome)))
}

// merge builds the stored token after a refresh. Providers do not always
// rotate the refresh token, so the old one is kept when none is returned.
// The old expiry is never carried over: a response without one yields a
// non-expiring token, or an assumed lifetime where the secret must carry
// an expiry.
func merge(old credentials.OAuthToken, fresh *oauth2.Token, expiryRequired bool, now time.Time) credentials.OAuthToken {
	next := old
	next.AccessToken = fresh.AccessToken
	if fresh.RefreshToken != "" {
		next.RefreshToken = fresh.RefreshToken
	}
	switch {
	case !fresh.Expiry.IsZero():
		next.ExpiresAt = fresh.Expiry.UnixMilli()
	case expiryRequired:
		next.ExpiresAt = now.Add(AssumedTokenLifetime).UnixMilli()
	default:
		next.ExpiresAt = 0
	}
	if scope, ok := fresh.Extra("scope").(string); ok && scope != "" {
		next.Scopes = strings.Fields(scope)
	}
	return next
}

// AccessToken ensures freshness and returns the current access token.
func (r *Refresher) AccessToken(ctx context.Context) (string, error) {
	if err := r.EnsureFreshToken(ctx); err != nil {
		return "", err
	}
	return r.Secret().Token().AccessToken, nil
}

// TokenSource adapts the refresher to oauth2.TokenSource so API clients
// built on golang.org/x/oauth2 refresh through it.
func (r *Refresher) TokenSource(ctx context.Context) oauth2.TokenSource {
	return tokenSource{ctx: ctx, r: r}
}

type tokenSource struct {
	ctx context.Context
	r   *Refresher
}

func (s tokenSource) Token() (*oauth2.Token, error) {
	if err := s.r.EnsureFreshToken(s.ctx); err != nil {
		return nil, err
	}
	t := s.r.Secret().Token()
	return &oauth2.Token{AccessToken: t.AccessToken, TokenType: "Bearer", Expiry: t.Expiry()}, nil
}
