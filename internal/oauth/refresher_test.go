package oauth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"flowdeck/backend/internal/config"
	"flowdeck/backend/internal/credentials"
	"flowdeck/backend/internal/fault"
	"flowdeck/backend/pkg/models"
)

type noopLogger struct{}

func (noopLogger) Info(msg string, args ...any) {}
func (noopLogger) Warn(msg string, args ...any) {}

type recordingStore struct {
	mu      sync.Mutex
	calls   int
	ownerID string
	credID  string
	secret  credentials.Secret
}

func (s *recordingStore) Replace(ctx context.Context, ownerUserID, credentialID string, secret credentials.Secret) (*models.CredentialMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.ownerID, s.credID, s.secret = ownerUserID, credentialID, secret
	return &models.CredentialMetadata{ID: credentialID}, nil
}

// tokenServer fakes a provider token endpoint and counts refresh grants.
func tokenServer(t *testing.T, status int, body string) (*httptest.Server, *int32) {
	t.Helper()
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		atomic.AddInt32(&hits, 1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func newProviders(srv *httptest.Server) *Providers {
	return NewProviders(&config.Config{}).
		WithConfig(models.ProviderGoogle, &oauth2.Config{
			ClientID:     "client",
			ClientSecret: "secret",
			Endpoint:     oauth2.Endpoint{TokenURL: srv.URL, AuthStyle: oauth2.AuthStyleInParams},
		}).
		WithHTTPClient(srv.Client())
}

var now = time.Date(2025, 3, 4, 12, 0, 0, 0, time.UTC)

func googleSecret(expiresAt time.Time) credentials.GoogleOAuthSecret {
	return credentials.GoogleOAuthSecret{OAuthToken: credentials.OAuthToken{
		AccessToken:  "old-access",
		RefreshToken: "keep-me",
		ExpiresAt:    expiresAt.UnixMilli(),
		Scopes:       []string{"https://www.googleapis.com/auth/spreadsheets"},
	}}
}

func TestEnsureFreshToken_ExpiredRefreshesOnce(t *testing.T) {
	srv, hits := tokenServer(t, http.StatusOK, `{"access_token":"new-access","token_type":"Bearer","expires_in":3600}`)
	store := &recordingStore{}
	manager := NewManager(newProviders(srv), store, noopLogger{}).WithClock(func() time.Time { return now })

	r := manager.For("user-1", "cred-1", googleSecret(now.Add(-time.Minute)))

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, r.EnsureFreshToken(context.Background()))
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(hits))
	assert.Equal(t, 1, store.calls)
	assert.Equal(t, "user-1", store.ownerID)
	assert.Equal(t, "cred-1", store.credID)

	persisted := store.secret.(credentials.GoogleOAuthSecret)
	assert.Equal(t, "new-access", persisted.AccessToken)
	assert.Equal(t, "keep-me", persisted.RefreshToken, "refresh token is kept when not rotated")
	assert.Equal(t, []string{"https://www.googleapis.com/auth/spreadsheets"}, persisted.Scopes)
	assert.Greater(t, persisted.ExpiresAt, now.UnixMilli())

	assert.Equal(t, "new-access", r.Secret().Token().AccessToken)
}

func TestEnsureFreshToken_ResponseWithoutExpiryRefreshesOnce(t *testing.T) {
	srv, hits := tokenServer(t, http.StatusOK, `{"access_token":"new","token_type":"Bearer"}`)
	store := &recordingStore{}
	manager := NewManager(newProviders(srv), store, noopLogger{}).WithClock(func() time.Time { return now })

	r := manager.For("user-1", "cred-1", googleSecret(now.Add(-time.Minute)))
	for i := 0; i < 3; i++ {
		require.NoError(t, r.EnsureFreshToken(context.Background()))
	}

	assert.Equal(t, int32(1), atomic.LoadInt32(hits))
	assert.Equal(t, 1, store.calls)
	persisted := store.secret.(credentials.GoogleOAuthSecret)
	assert.Equal(t, "new", persisted.AccessToken)
	assert.Equal(t, now.Add(AssumedTokenLifetime).UnixMilli(), persisted.ExpiresAt)
}

func TestMerge_Expiry(t *testing.T) {
	old := credentials.OAuthToken{AccessToken: "a", RefreshToken: "r", ExpiresAt: now.Add(-time.Hour).UnixMilli()}
	expiry := now.Add(30 * time.Minute)

	tests := []struct {
		name           string
		fresh          *oauth2.Token
		expiryRequired bool
		want           int64
	}{
		{"expiry returned", &oauth2.Token{AccessToken: "b", Expiry: expiry}, true, expiry.UnixMilli()},
		{"no expiry, optional", &oauth2.Token{AccessToken: "b"}, false, 0},
		{"no expiry, required", &oauth2.Token{AccessToken: "b"}, true, now.Add(AssumedTokenLifetime).UnixMilli()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next := merge(old, tt.fresh, tt.expiryRequired, now)
			assert.Equal(t, tt.want, next.ExpiresAt)
			assert.Equal(t, "b", next.AccessToken)
			assert.Equal(t, "r", next.RefreshToken)
			assert.False(t, next.Expired(now))
		})
	}
}

func TestEnsureFreshToken_ValidTokenNoCalls(t *testing.T) {
	srv, hits := tokenServer(t, http.StatusOK, `{}`)
	store := &recordingStore{}
	manager := NewManager(newProviders(srv), store, noopLogger{}).WithClock(func() time.Time { return now })

	r := manager.For("user-1", "cred-1", googleSecret(now.Add(time.Hour)))
	require.NoError(t, r.EnsureFreshToken(context.Background()))

	token, err := r.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "old-access", token)
	assert.Equal(t, int32(0), atomic.LoadInt32(hits))
	assert.Equal(t, 0, store.calls)
}

func TestEnsureFreshToken_ExpiryBoundaryCountsAsExpired(t *testing.T) {
	srv, hits := tokenServer(t, http.StatusOK, `{"access_token":"new","token_type":"Bearer","expires_in":60}`)
	manager := NewManager(newProviders(srv), &recordingStore{}, noopLogger{}).WithClock(func() time.Time { return now })

	require.NoError(t, manager.For("u", "c", googleSecret(now)).EnsureFreshToken(context.Background()))
	assert.Equal(t, int32(1), atomic.LoadInt32(hits))
}

func TestEnsureFreshToken_RejectedGrantRequiresReauth(t *testing.T) {
	srv, _ := tokenServer(t, http.StatusBadRequest, `{"error":"invalid_grant","error_description":"Token has been expired or revoked."}`)
	store := &recordingStore{}
	manager := NewManager(newProviders(srv), store, noopLogger{}).WithClock(func() time.Time { return now })

	r := manager.For("user-1", "cred-1", googleSecret(now.Add(-time.Hour)))
	err := r.EnsureFreshToken(context.Background())

	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.CodeReauthRequired))
	assert.False(t, fault.IsRetryable(err))
	assert.Equal(t, 0, store.calls)
	assert.Equal(t, "old-access", r.Secret().Token().AccessToken)
}

func TestEnsureFreshToken_ServerErrorIsTransient(t *testing.T) {
	srv, _ := tokenServer(t, http.StatusServiceUnavailable, `{"error":"backend_error"}`)
	manager := NewManager(newProviders(srv), &recordingStore{}, noopLogger{}).WithClock(func() time.Time { return now })

	err := manager.For("u", "c", googleSecret(now.Add(-time.Hour))).EnsureFreshToken(context.Background())
	assert.True(t, fault.Is(err, fault.CodeTransient))
	assert.True(t, fault.IsRetryable(err))
}

func TestTokenSource_UsesRefreshedToken(t *testing.T) {
	srv, _ := tokenServer(t, http.StatusOK, `{"access_token":"via-source","token_type":"Bearer","expires_in":3600}`)
	manager := NewManager(newProviders(srv), &recordingStore{}, noopLogger{}).WithClock(func() time.Time { return now })

	token, err := manager.For("u", "c", googleSecret(now.Add(-time.Second))).TokenSource(context.Background()).Token()
	require.NoError(t, err)
	assert.Equal(t, "via-source", token.AccessToken)
}

func TestProviders_UnconfiguredProvider(t *testing.T) {
	p := NewProviders(&config.Config{})
	_, err := p.Refresh(context.Background(), models.ProviderSlack, "r")
	assert.True(t, fault.Is(err, fault.CodeUnsupported))

	_, err = p.AuthCodeURL(models.ProviderGoogle, "state")
	assert.True(t, fault.Is(err, fault.CodeUnsupported))
}

func TestProviders_AuthCodeURLRequestsOfflineAccess(t *testing.T) {
	cfg := &config.Config{}
	cfg.Google.ClientID = "gid"
	cfg.Google.RedirectURL = "https://app.example.com/google/callback"
	url, err := NewProviders(cfg).AuthCodeURL(models.ProviderGoogle, "sealed-state")
	require.NoError(t, err)
	assert.Contains(t, url, "access_type=offline")
	assert.Contains(t, url, "state=sealed-state")
	assert.Contains(t, url, "client_id=gid")
}
