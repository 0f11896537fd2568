package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	svix "github.com/svix/svix-webhooks/go"
	"golang.org/x/oauth2"

	"flowdeck/backend/internal/auth"
	"flowdeck/backend/internal/catalog"
	"flowdeck/backend/internal/config"
	"flowdeck/backend/internal/credentials"
	"flowdeck/backend/internal/durable"
	"flowdeck/backend/internal/logging"
	"flowdeck/backend/internal/oauth"
	"flowdeck/backend/internal/repository"
	"flowdeck/backend/internal/schedule"
	"flowdeck/backend/internal/secrets"
	"flowdeck/backend/internal/services"
	"flowdeck/backend/internal/vault"
	"flowdeck/backend/pkg/models"
)

const (
	alice         = "user-alice"
	bob           = "user-bob"
	webhookSecret = "whsec_dGVzdC13ZWJob29rLXNpZ25pbmcta2V5"
)

type downPinger struct{}

func (downPinger) Ping(ctx context.Context) error { return errors.New("connection refused") }

type testAPI struct {
	echo    *echo.Echo
	server  *Server
	store   *repository.MemoryStore
	runtime *durable.Local
	now     time.Time
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	cat, err := catalog.Load()
	require.NoError(t, err)

	store := repository.NewMemoryStore()
	clock := durable.NewFakeClock(time.Date(2026, 3, 2, 13, 0, 0, 0, time.UTC))
	rt := durable.NewLocal(logging.Discard(), durable.WithClock(clock), durable.WithRetryPolicy(1, time.Millisecond))
	t.Cleanup(rt.Close)

	svc := services.NewWorkflowService(store, cat, rt, clock, logging.Discard())
	require.NoError(t, rt.Register(schedule.NewEngine(store, rt, clock, logging.Discard()).Function()))
	require.NoError(t, rt.Register(svc.Functions()...))
	for _, tpl := range cat.All() {
		require.NoError(t, rt.Register(durable.Function{
			ID:      "noop-" + tpl.ID,
			Trigger: tpl.EventName,
			Handler: func(ctx context.Context, in durable.Input, step durable.Step) error { return nil },
		}))
	}

	box, err := secrets.NewBox("test-passphrase")
	require.NoError(t, err)
	verifier, err := auth.NewWebhookVerifier(webhookSecret)
	require.NoError(t, err)

	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		if r.Form.Get("code") == "no-expiry-code" {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"access_token":"ya29.granted","refresh_token":"1//refresh","token_type":"Bearer"}`))
			return
		}
		if r.Form.Get("code") != "good-code" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "ya29.granted",
			"refresh_token": "1//refresh",
			"expires_in":    3600,
			"token_type":    "Bearer",
			"scope":         "https://www.googleapis.com/auth/spreadsheets https://www.googleapis.com/auth/gmail.send",
		})
	}))
	t.Cleanup(tokenSrv.Close)

	providers := oauth.NewProviders(&config.Config{}).WithConfig(models.ProviderGoogle, &oauth2.Config{
		ClientID:     "google-client",
		ClientSecret: "google-secret",
		RedirectURL:  "http://localhost:8080/google/callback",
		Endpoint: oauth2.Endpoint{
			AuthURL:   tokenSrv.URL + "/auth",
			TokenURL:  tokenSrv.URL + "/token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
		Scopes: oauth.GoogleScopes,
	})

	a := &testAPI{store: store, runtime: rt, now: time.Date(2026, 3, 2, 13, 0, 0, 0, time.UTC)}
	a.server = NewServer(Deps{
		Workflows: svc,
		Users:     services.NewUserService(store, svc, logging.Discard()),
		Vault:     vault.New(store, box),
		Consent:   providers,
		Accounts: func(ctx context.Context, token *oauth2.Token) (string, error) {
			assert.Equal(t, "ya29.granted", token.AccessToken)
			return "alice@example.com", nil
		},
		State:    box,
		Webhooks: verifier,
		Health:   store,
		Logger:   logging.Discard(),
		Now:      func() time.Time { return a.now },
	})

	e := echo.New()
	e.HTTPErrorHandler = a.server.ErrorHandler
	v1 := e.Group("/api/v1", func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if id := c.Request().Header.Get("X-Test-User"); id != "" {
				c.SetRequest(c.Request().WithContext(auth.WithUserID(c.Request().Context(), id)))
			}
			return next(c)
		}
	})
	a.server.Register(e, v1)
	RegisterDocs(e, "https://issuer.example.com", "swagger-client")
	a.echo = e
	return a
}

func (a *testAPI) do(t *testing.T, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = strings.NewReader(string(raw))
	} else {
		reader = strings.NewReader("")
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	if user != "" {
		req.Header.Set("X-Test-User", user)
	}
	rec := httptest.NewRecorder()
	a.echo.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (a *testAPI) install(t *testing.T, user, templateID string) *models.Workflow {
	t.Helper()
	rec := a.do(t, http.MethodPost, "/api/v1/workflows/install/"+templateID, user, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[*models.Workflow](t, rec)
}

func TestHealth(t *testing.T) {
	a := newTestAPI(t)
	rec := a.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	h := decode[models.HealthStatus](t, rec)
	assert.Equal(t, "ok", h.Status)
	assert.Equal(t, "ok", h.Checks["database"])

	a.server.Health = downPinger{}
	rec = a.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "degraded", decode[models.HealthStatus](t, rec).Status)
}

func TestRequiresUser(t *testing.T) {
	a := newTestAPI(t)
	rec := a.do(t, http.MethodGet, "/api/v1/workflows", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get(echo.HeaderContentType))
	p := decode[models.ProblemDetails](t, rec)
	assert.Equal(t, http.StatusUnauthorized, p.Status)
	assert.Equal(t, "/api/v1/workflows", p.Instance)
}

func TestInstallAndGetWorkflow(t *testing.T) {
	a := newTestAPI(t)
	w := a.install(t, alice, "basic-scheduler")
	assert.Equal(t, "basic-scheduler", w.TemplateID)
	assert.False(t, w.Enabled)

	rec := a.do(t, http.MethodPost, "/api/v1/workflows/install/basic-scheduler", alice, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	p := decode[models.ProblemDetails](t, rec)
	assert.Equal(t, "CONFLICT", p.Code)
	assert.Equal(t, w.ID, p.Extra["existingWorkflowId"])

	rec = a.do(t, http.MethodPost, "/api/v1/workflows/install/no-such-template", alice, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = a.do(t, http.MethodGet, "/api/v1/workflows/"+w.ID, alice, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	detail := decode[map[string]any](t, rec)
	assert.Equal(t, w.ID, detail["id"])
	assert.Equal(t, []any{}, detail["credentials"])

	rec = a.do(t, http.MethodGet, "/api/v1/workflows/"+w.ID, bob, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = a.do(t, http.MethodGet, "/api/v1/workflows", alice, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]*models.Workflow](t, rec), 1)
}

func TestScheduleLifecycle(t *testing.T) {
	a := newTestAPI(t)
	w := a.install(t, alice, "basic-scheduler")

	rec := a.do(t, http.MethodPost, "/api/v1/workflows/"+w.ID+"/schedule", alice, map[string]any{
		"cron_expressions": []string{"not a cron"},
		"input":            map[string]any{"taskName": "nightly"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "VALIDATION_ERROR", decode[models.ProblemDetails](t, rec).Code)

	rec = a.do(t, http.MethodPost, "/api/v1/workflows/"+w.ID+"/schedule", alice, map[string]any{
		"cron_expressions": []string{"0 9 * * *"},
		"timezone":         "Europe/Paris",
		"input":            map[string]any{"taskName": "nightly"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	scheduled := decode[*models.Workflow](t, rec)
	assert.True(t, scheduled.IsActive)
	assert.True(t, scheduled.Enabled)
	assert.Equal(t, "Europe/Paris", scheduled.Timezone)
	require.NotNil(t, scheduled.NextRunAt)

	rec = a.do(t, http.MethodDelete, "/api/v1/workflows/"+w.ID+"/schedule", alice, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stopped := decode[*models.Workflow](t, rec)
	assert.False(t, stopped.IsActive)
	assert.Nil(t, stopped.NextRunAt)
}

func TestRunWorkflow(t *testing.T) {
	a := newTestAPI(t)
	w := a.install(t, alice, "basic-scheduler")

	rec := a.do(t, http.MethodPost, "/api/v1/workflows/"+w.ID+"/run", alice, map[string]any{
		"input": map[string]any{"taskName": "adhoc"},
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	eventID := decode[map[string]string](t, rec)["event_id"]
	assert.NotEmpty(t, eventID)

	var found bool
	for _, ev := range a.runtime.Sent() {
		if ev.ID == eventID {
			found = true
			assert.Equal(t, w.EventName, ev.Name)
		}
	}
	assert.True(t, found)

	rec = a.do(t, http.MethodPost, "/api/v1/workflows/"+w.ID+"/run", alice, map[string]any{
		"input": map[string]any{"taskName": ""},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUpdateAndDeleteWorkflow(t *testing.T) {
	a := newTestAPI(t)
	w := a.install(t, alice, "email-notification")

	rec := a.do(t, http.MethodPatch, "/api/v1/workflows/"+w.ID, alice, map[string]any{"name": "  "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	p := decode[models.ProblemDetails](t, rec)
	assert.NotEmpty(t, p.Errors)

	cred := a.do(t, http.MethodPost, "/api/v1/credentials", alice, map[string]any{
		"name": "Crawler", "kind": "API_KEY", "provider": "FIRECRAWL",
		"secret": map[string]any{"apiKey": "fc-123"},
	})
	require.Equal(t, http.StatusCreated, cred.Code)
	credID := decode[models.CredentialMetadata](t, cred).ID

	rec = a.do(t, http.MethodPatch, "/api/v1/workflows/"+w.ID, alice, map[string]any{
		"name": "Alerts", "credential_ids": []string{credID},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "Alerts", decode[*models.Workflow](t, rec).Name)

	rec = a.do(t, http.MethodGet, "/api/v1/workflows/"+w.ID, alice, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	detail := decode[WorkflowDetail](t, rec)
	require.Len(t, detail.Credentials, 1)
	assert.Equal(t, credID, detail.Credentials[0].ID)

	rec = a.do(t, http.MethodPatch, "/api/v1/workflows/"+w.ID, alice, map[string]any{
		"credential_ids": []string{"someone-elses"},
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = a.do(t, http.MethodDelete, "/api/v1/workflows/"+w.ID, alice, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = a.do(t, http.MethodGet, "/api/v1/workflows/"+w.ID, alice, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCredentialCRUD(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do(t, http.MethodPost, "/api/v1/credentials", alice, map[string]any{
		"name": "Crawler", "kind": "api_key", "provider": "firecrawl",
		"secret": map[string]any{"apiKey": "fc-123"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.NotContains(t, rec.Body.String(), "fc-123")
	meta := decode[models.CredentialMetadata](t, rec)
	assert.Equal(t, models.ProviderFirecrawl, meta.Provider)

	rec = a.do(t, http.MethodGet, "/api/v1/credentials", alice, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]models.CredentialMetadata](t, rec), 1)

	rec = a.do(t, http.MethodGet, "/api/v1/credentials", bob, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	rec = a.do(t, http.MethodGet, "/api/v1/credentials/"+meta.ID, bob, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = a.do(t, http.MethodPut, "/api/v1/credentials/"+meta.ID, alice, map[string]any{
		"secret": map[string]any{"apiKey": "fc-456"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NotContains(t, rec.Body.String(), "fc-456")

	rec = a.do(t, http.MethodPut, "/api/v1/credentials/"+meta.ID, alice, map[string]any{
		"secret": map[string]any{"apiKey": 42},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = a.do(t, http.MethodDelete, "/api/v1/credentials/"+meta.ID, alice, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = a.do(t, http.MethodGet, "/api/v1/credentials/"+meta.ID, alice, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateCredential_Rejects(t *testing.T) {
	a := newTestAPI(t)
	tests := []struct {
		name string
		body map[string]any
		code string
	}{
		{"missing field", map[string]any{"name": "x", "kind": "API_KEY", "provider": "FIRECRAWL", "secret": map[string]any{}}, "VALIDATION_ERROR"},
		{"unsupported pair", map[string]any{"name": "x", "kind": "API_KEY", "provider": "GOOGLE", "secret": map[string]any{"apiKey": "k"}}, "UNSUPPORTED_CREDENTIAL_KIND"},
		{"no name", map[string]any{"name": " ", "kind": "API_KEY", "provider": "FIRECRAWL", "secret": map[string]any{"apiKey": "k"}}, "VALIDATION_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := a.do(t, http.MethodPost, "/api/v1/credentials", alice, tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tt.code, decode[models.ProblemDetails](t, rec).Code)
		})
	}
	list, err := a.store.ListCredentials(context.Background(), alice)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestMarketplace(t *testing.T) {
	a := newTestAPI(t)
	a.install(t, alice, "basic-scheduler")

	rec := a.do(t, http.MethodGet, "/api/v1/marketplace/workflows?pricing=free&page_size=10", alice, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	page := decode[services.MarketplacePage](t, rec)
	require.NotEmpty(t, page.Items)
	assert.Equal(t, 10, page.Pagination.Limit)
	for _, item := range page.Items {
		assert.True(t, item.Free(), item.ID)
		if item.ID == "basic-scheduler" {
			assert.True(t, item.IsInstalled)
			assert.False(t, item.CanInstall)
		}
	}

	rec = a.do(t, http.MethodGet, "/api/v1/marketplace/workflows?limit=1", alice, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page = decode[services.MarketplacePage](t, rec)
	assert.Len(t, page.Items, 1)
	assert.True(t, page.Pagination.HasNext)

	rec = a.do(t, http.MethodGet, "/api/v1/marketplace/workflows?page=abc", alice, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGoogleConnectFlow(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do(t, http.MethodGet, "/api/v1/credentials/google/auth-url", alice, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	consent, err := url.Parse(decode[map[string]string](t, rec)["url"])
	require.NoError(t, err)
	assert.Equal(t, "offline", consent.Query().Get("access_type"))
	state := consent.Query().Get("state")
	require.NotEmpty(t, state)
	assert.NotContains(t, state, alice)

	rec = a.do(t, http.MethodGet, "/google/callback?code=good-code&state="+url.QueryEscape(state), "", nil)
	require.Equal(t, http.StatusSeeOther, rec.Code, rec.Body.String())
	assert.Equal(t, "/dashboard/integrations", rec.Header().Get(echo.HeaderLocation))

	creds, err := a.server.Vault.List(context.Background(), alice)
	require.NoError(t, err)
	require.Len(t, creds, 1)
	assert.Equal(t, "Google (alice@example.com)", creds[0].Name)
	assert.Equal(t, models.ProviderGoogle, creds[0].Provider)
	assert.Equal(t, models.CredentialKindOAuth, creds[0].Kind)

	stored, err := a.store.GetCredential(context.Background(), alice, creds[0].ID)
	require.NoError(t, err)
	secret, err := a.server.Vault.Open(stored)
	require.NoError(t, err)
	google, ok := secret.(credentials.GoogleOAuthSecret)
	require.True(t, ok)
	assert.Equal(t, "1//refresh", google.RefreshToken)
	assert.Len(t, google.Scopes, 2)
	assert.NotZero(t, google.ExpiresAt)
}

func TestGoogleCallback_Rejects(t *testing.T) {
	a := newTestAPI(t)
	rec := a.do(t, http.MethodGet, "/api/v1/credentials/google/auth-url", alice, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	consent, err := url.Parse(decode[map[string]string](t, rec)["url"])
	require.NoError(t, err)
	state := consent.Query().Get("state")

	tests := []struct {
		name   string
		query  string
		status int
		shift  time.Duration
	}{
		{"missing code", "state=" + url.QueryEscape(state), http.StatusBadRequest, 0},
		{"forged state", "code=good-code&state=" + base64.RawURLEncoding.EncodeToString([]byte(alice)), http.StatusBadRequest, 0},
		{"expired state", "code=good-code&state=" + url.QueryEscape(state), http.StatusBadRequest, consentTTL + time.Minute},
		{"rejected code", "code=bad-code&state=" + url.QueryEscape(state), http.StatusUnauthorized, 0},
		{"token without expiry", "code=no-expiry-code&state=" + url.QueryEscape(state), http.StatusInternalServerError, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a.now = time.Date(2026, 3, 2, 13, 0, 0, 0, time.UTC).Add(tt.shift)
			rec := a.do(t, http.MethodGet, "/google/callback?"+tt.query, "", nil)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
		})
	}
	creds, err := a.server.Vault.List(context.Background(), alice)
	require.NoError(t, err)
	assert.Empty(t, creds)
}

func signedWebhook(t *testing.T, payload string) *http.Request {
	t.Helper()
	signer, err := svix.NewWebhook(webhookSecret)
	require.NoError(t, err)
	now := time.Now()
	sig, err := signer.Sign("msg_1", now, []byte(payload))
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/identity", strings.NewReader(payload))
	req.Header.Set("svix-id", "msg_1")
	req.Header.Set("svix-timestamp", strconv.FormatInt(now.Unix(), 10))
	req.Header.Set("svix-signature", sig)
	return req
}

func TestIdentityWebhook(t *testing.T) {
	a := newTestAPI(t)
	payload := `{"type":"user.created","data":{"id":"idp|42","primary_email_address_id":"e1","email_addresses":[{"id":"e1","email_address":"new@example.com"}]}}`

	rec := httptest.NewRecorder()
	a.echo.ServeHTTP(rec, signedWebhook(t, payload))
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	u, err := a.store.GetUserByExternalID(context.Background(), "idp|42")
	require.NoError(t, err)
	assert.Equal(t, "new@example.com", u.Email)
	installed, err := a.store.ListWorkflows(context.Background(), u.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, installed)

	tampered := signedWebhook(t, payload)
	tampered.Body = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(strings.Replace(payload, "created", "deleted", 1))).Body
	rec = httptest.NewRecorder()
	a.echo.ServeHTTP(rec, tampered)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	a.echo.ServeHTTP(rec, signedWebhook(t, `{"type":"user.created","data":{}}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDocs(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do(t, http.MethodGet, "/openapi.yaml", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "https://issuer.example.com/v1/authorize")
	assert.NotContains(t, rec.Body.String(), "{issuer}")

	rec = a.do(t, http.MethodGet, "/docs", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `clientId: "swagger-client"`)
	assert.Contains(t, rec.Body.String(), "http://example.com/docs/oauth2-redirect.html")
}
