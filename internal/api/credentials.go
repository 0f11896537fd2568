package api

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/oauth2"

	"flowdeck/backend/internal/credentials"
	"flowdeck/backend/internal/fault"
	"flowdeck/backend/internal/oauth"
	"flowdeck/backend/internal/vault"
	"flowdeck/backend/pkg/models"
)

const (
	// consentTTL bounds how long a Google consent URL stays usable.
	consentTTL = 15 * time.Minute
	// connectedRedirect is where the browser lands after a provider was connected.
	connectedRedirect = "/dashboard/integrations"
)

type createCredentialRequest struct {
	Name     string                `json:"name"`
	Kind     models.CredentialKind `json:"kind"`
	Provider models.Provider       `json:"provider"`
	Secret   json.RawMessage       `json:"secret"`
	Config   map[string]any        `json:"config"`
}

type updateCredentialRequest struct {
	Secret json.RawMessage `json:"secret"`
}

type authURLResponse struct {
	URL string `json:"url"`
}

// consentState is sealed into the OAuth state parameter so the callback can
// attribute the grant without a session.
type consentState struct {
	UserID    string `json:"u"`
	Nonce     string `json:"n"`
	ExpiresAt int64  `json:"e"`
}

// ListCredentials returns metadata of the caller's credentials.
// (GET /api/v1/credentials)
func (s *Server) ListCredentials(c echo.Context) error {
	uid, err := userID(c)
	if err != nil {
		return err
	}
	list, err := s.Vault.List(c.Request().Context(), uid)
	if err != nil {
		return err
	}
	if list == nil {
		list = []*models.CredentialMetadata{}
	}
	return c.JSON(http.StatusOK, list)
}

// CreateCredential validates and stores a new credential.
// (POST /api/v1/credentials)
func (s *Server) CreateCredential(c echo.Context) error {
	uid, err := userID(c)
	if err != nil {
		return err
	}
	var req createCredentialRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	meta, err := s.Vault.Store(c.Request().Context(), uid, vault.StoreRequest{
		Name:     strings.TrimSpace(req.Name),
		Kind:     models.CredentialKind(strings.ToUpper(string(req.Kind))),
		Provider: models.Provider(strings.ToUpper(string(req.Provider))),
		Secret:   req.Secret,
		Config:   req.Config,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, meta)
}

// GetCredential returns the metadata of one credential.
// (GET /api/v1/credentials/{id})
func (s *Server) GetCredential(c echo.Context) error {
	uid, err := userID(c)
	if err != nil {
		return err
	}
	meta, err := s.Vault.Get(c.Request().Context(), uid, c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, meta)
}

// UpdateCredential replaces the secret of a credential.
// (PUT /api/v1/credentials/{id})
func (s *Server) UpdateCredential(c echo.Context) error {
	uid, err := userID(c)
	if err != nil {
		return err
	}
	var req updateCredentialRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	meta, err := s.Vault.Update(c.Request().Context(), uid, c.Param("id"), req.Secret)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, meta)
}

// DeleteCredential removes a credential and its workflow links.
// (DELETE /api/v1/credentials/{id})
func (s *Server) DeleteCredential(c echo.Context) error {
	uid, err := userID(c)
	if err != nil {
		return err
	}
	if err := s.Vault.Delete(c.Request().Context(), uid, c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// GoogleAuthURL returns the consent URL that connects a Google account.
// (GET /api/v1/credentials/google/auth-url)
func (s *Server) GoogleAuthURL(c echo.Context) error {
	uid, err := userID(c)
	if err != nil {
		return err
	}
	if s.Consent == nil || s.State == nil {
		return fault.Unsupported("google connect is not configured")
	}
	state, err := s.sealState(uid)
	if err != nil {
		return err
	}
	url, err := s.Consent.AuthCodeURL(models.ProviderGoogle, state)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, authURLResponse{URL: url})
}

func (s *Server) sealState(uid string) (string, error) {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return "", fault.Internal("failed to generate state", err)
	}
	raw, err := json.Marshal(consentState{
		UserID:    uid,
		Nonce:     base64.RawURLEncoding.EncodeToString(nonce),
		ExpiresAt: s.Now().Add(consentTTL).Unix(),
	})
	if err != nil {
		return "", fault.Internal("failed to encode state", err)
	}
	sealed, err := s.State.Seal(raw)
	if err != nil {
		return "", fault.Internal("failed to seal state", err)
	}
	return sealed, nil
}

func (s *Server) openState(sealed string) (string, error) {
	invalid := fault.Validation("invalid or expired state", fault.FieldError{Field: "state", Message: "is invalid"})
	raw, err := s.State.Open(sealed)
	if err != nil {
		return "", invalid
	}
	var st consentState
	if err := json.Unmarshal(raw, &st); err != nil || st.UserID == "" {
		return "", invalid
	}
	if s.Now().Unix() > st.ExpiresAt {
		return "", invalid
	}
	return st.UserID, nil
}

// GoogleCallback completes the Google consent flow and stores the granted
// token as a GOOGLE OAuth credential of the user named by the sealed state.
// (GET /google/callback)
func (s *Server) GoogleCallback(c echo.Context) error {
	if s.Consent == nil || s.State == nil {
		return fault.Unsupported("google connect is not configured")
	}
	code, state := c.QueryParam("code"), c.QueryParam("state")
	if code == "" || state == "" {
		return fault.Validation("missing code or state")
	}
	uid, err := s.openState(state)
	if err != nil {
		return err
	}

	ctx := c.Request().Context()
	token, err := s.Consent.Exchange(ctx, models.ProviderGoogle, code)
	if err != nil {
		return err
	}
	if token.AccessToken == "" || token.RefreshToken == "" || token.Expiry.IsZero() {
		return fault.Permanent("incomplete token data from google", nil)
	}

	name := "Google"
	if s.Accounts != nil {
		email, err := s.Accounts(ctx, token)
		if err != nil {
			s.Logger.Warn("failed to look up google account", "owner_user_id", uid, "error", err)
		} else {
			name = "Google (" + email + ")"
		}
	}

	meta, err := s.Vault.StoreSecret(ctx, uid, name, googleSecret(token), nil)
	if err != nil {
		return err
	}
	s.Logger.Info("google account connected", "owner_user_id", uid, "credential_id", meta.ID)
	return c.Redirect(http.StatusSeeOther, connectedRedirect)
}

func googleSecret(token *oauth2.Token) credentials.GoogleOAuthSecret {
	secret := credentials.GoogleOAuthSecret{OAuthToken: credentials.OAuthToken{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    token.Expiry.UnixMilli(),
	}}
	if scope, ok := token.Extra("scope").(string); ok && scope != "" {
		secret.Scopes = strings.Fields(scope)
	} else {
		secret.Scopes = append([]string(nil), oauth.GoogleScopes...)
	}
	return secret
}
