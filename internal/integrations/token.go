// Package integrations holds the adapters that workflow business logic uses
// to reach third-party APIs with a stored credential.
package integrations

import (
	"context"

	"golang.org/x/oauth2"
)

// TokenProvider hands out a non-expired access token for one credential.
// oauth.Refresher implements it.
type TokenProvider interface {
	EnsureFreshToken(ctx context.Context) error
	AccessToken(ctx context.Context) (string, error)
	TokenSource(ctx context.Context) oauth2.TokenSource
	CredentialID() string
}
