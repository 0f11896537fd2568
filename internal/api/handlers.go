// Package api contains the HTTP handlers of the workflow service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/oauth2"

	"flowdeck/backend/internal/auth"
	"flowdeck/backend/internal/fault"
	"flowdeck/backend/internal/services"
	"flowdeck/backend/internal/vault"
	"flowdeck/backend/pkg/models"
)

const (
	serviceName    = "flowdeck"
	serviceVersion = "1.0.0"
)

// Logger defines the logging interface compatible with the application logger.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Sealer encrypts the OAuth state parameter.
type Sealer interface {
	Seal(plaintext []byte) (string, error)
	Open(ciphertext string) ([]byte, error)
}

// Consent starts and completes provider OAuth flows.
type Consent interface {
	AuthCodeURL(provider models.Provider, state string) (string, error)
	Exchange(ctx context.Context, provider models.Provider, code string) (*oauth2.Token, error)
}

// WebhookVerifier authenticates identity lifecycle deliveries.
type WebhookVerifier interface {
	Verify(payload []byte, headers http.Header) error
}

// AccountLookup returns the email of the account that granted token.
type AccountLookup func(ctx context.Context, token *oauth2.Token) (string, error)

// Deps are the collaborators of Server. Webhooks and Consent may be nil when
// the corresponding integration is not configured.
type Deps struct {
	Workflows *services.WorkflowService
	Users     *services.UserService
	Vault     *vault.Vault
	Consent   Consent
	Accounts  AccountLookup
	State     Sealer
	Webhooks  WebhookVerifier
	Health    Pinger
	Logger    Logger
	Now       func() time.Time
}

// Server holds the dependencies for the API server.
type Server struct {
	Deps
}

// NewServer creates a new Server.
func NewServer(d Deps) *Server {
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Server{Deps: d}
}

// Register mounts the public routes on e and the authenticated routes on v1.
func (s *Server) Register(e *echo.Echo, v1 *echo.Group) {
	e.GET("/healthz", s.HandleHealth)
	e.POST("/webhooks/identity", s.HandleIdentityWebhook)
	e.GET("/google/callback", s.GoogleCallback)

	v1.GET("/credentials", s.ListCredentials)
	v1.POST("/credentials", s.CreateCredential)
	v1.GET("/credentials/google/auth-url", s.GoogleAuthURL)
	v1.GET("/credentials/:id", s.GetCredential)
	v1.PUT("/credentials/:id", s.UpdateCredential)
	v1.DELETE("/credentials/:id", s.DeleteCredential)

	v1.GET("/marketplace/workflows", s.Marketplace)

	v1.GET("/workflows", s.ListWorkflows)
	v1.POST("/workflows/install/:templateId", s.InstallWorkflow)
	v1.GET("/workflows/:id", s.GetWorkflow)
	v1.PATCH("/workflows/:id", s.UpdateWorkflow)
	v1.DELETE("/workflows/:id", s.DeleteWorkflow)
	v1.POST("/workflows/:id/schedule", s.ScheduleWorkflow)
	v1.DELETE("/workflows/:id/schedule", s.UnscheduleWorkflow)
	v1.POST("/workflows/:id/run", s.RunWorkflow)
}

// HandleHealth reports service health. The status is 503 when the store
// cannot be reached.
// (GET /healthz)
func (s *Server) HandleHealth(c echo.Context) error {
	status := models.HealthStatus{
		Status:    "ok",
		Service:   serviceName,
		Version:   serviceVersion,
		Timestamp: s.Now(),
		Checks:    map[string]string{},
	}
	code := http.StatusOK
	if s.Health != nil {
		if err := s.Health.Ping(c.Request().Context()); err != nil {
			s.Logger.Warn("health check failed", "error", err)
			status.Status = "degraded"
			status.Checks["database"] = "unreachable"
			code = http.StatusServiceUnavailable
		} else {
			status.Checks["database"] = "ok"
		}
	}
	return c.JSON(code, status)
}

// userID returns the internal id of the authenticated caller.
func userID(c echo.Context) (string, error) {
	id, ok := auth.UserID(c.Request().Context())
	if !ok {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}
	return id, nil
}

func bind(c echo.Context, v any) error {
	if err := c.Bind(v); err != nil {
		return fault.Validation("invalid request body", fault.FieldError{Field: "body", Message: err.Error()})
	}
	return nil
}

// ErrorHandler renders errors as RFC 7807 Problem Details. Faults map onto
// status codes by code; anything unrecognised is a 500 and is logged.
func (s *Server) ErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	problem := models.ProblemDetails{
		Type:     "about:blank",
		Instance: c.Request().URL.Path,
	}

	var httpErr *echo.HTTPError
	if f, ok := fault.As(err); ok {
		problem.Status = statusFor(f.Code)
		problem.Code = string(f.Code)
		problem.Detail = f.Message
		if len(f.Fields) > 0 {
			problem.Errors = f.Fields
		}
		if len(f.Details) > 0 {
			problem.Extra = f.Details
		}
		if problem.Status >= http.StatusInternalServerError {
			s.Logger.Error("request failed", "path", problem.Instance, "code", f.Code, "error", err)
		}
	} else if errors.As(err, &httpErr) {
		problem.Status = httpErr.Code
		if msg, ok := httpErr.Message.(string); ok {
			problem.Detail = msg
		}
	} else {
		s.Logger.Error("request failed", "path", problem.Instance, "error", err)
		problem.Status = http.StatusInternalServerError
		problem.Code = string(fault.CodeInternal)
		problem.Detail = "internal server error"
	}
	problem.Title = http.StatusText(problem.Status)

	body, encErr := json.Marshal(problem)
	if encErr != nil {
		s.Logger.Error("failed to encode problem", "error", encErr)
		_ = c.NoContent(problem.Status)
		return
	}
	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(problem.Status)
		return
	}
	_ = c.Blob(problem.Status, "application/problem+json", body)
}

func statusFor(code fault.Code) int {
	switch code {
	case fault.CodeValidation, fault.CodeUnsupported, fault.CodeUnknownEvent:
		return http.StatusBadRequest
	case fault.CodeNotFound:
		return http.StatusNotFound
	case fault.CodeConflict:
		return http.StatusConflict
	case fault.CodeReauthRequired:
		return http.StatusUnauthorized
	case fault.CodeTransient:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
