package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"flowdeck/backend/internal/catalog"
	"flowdeck/backend/internal/fault"
	"flowdeck/backend/internal/services"
	"flowdeck/backend/pkg/models"
)

// WorkflowDetail is a workflow with the metadata of its linked credentials.
type WorkflowDetail struct {
	*models.Workflow
	Credentials []*models.CredentialMetadata `json:"credentials"`
}

type installRequest struct {
	Name string `json:"name"`
}

type updateWorkflowRequest struct {
	Name          *string        `json:"name"`
	Description   *string        `json:"description"`
	Enabled       *bool          `json:"enabled"`
	Input         map[string]any `json:"input"`
	CredentialIDs []string       `json:"credential_ids"`
}

type scheduleRequest struct {
	CronExpressions []string       `json:"cron_expressions"`
	Timezone        *string        `json:"timezone"`
	Input           map[string]any `json:"input"`
}

type runRequest struct {
	Input map[string]any `json:"input"`
}

type runResponse struct {
	EventID string `json:"event_id"`
}

// Marketplace lists installable templates for the caller.
// (GET /api/v1/marketplace/workflows)
func (s *Server) Marketplace(c echo.Context) error {
	uid, err := userID(c)
	if err != nil {
		return err
	}

	page, err := intParam(c, "page", 1)
	if err != nil {
		return err
	}
	limitKey := "page_size"
	if c.QueryParam(limitKey) == "" {
		limitKey = "limit"
	}
	limit, err := intParam(c, limitKey, catalog.DefaultPageSize)
	if err != nil {
		return err
	}

	filters := catalog.Filters{
		UserID:   uid,
		Search:   strings.TrimSpace(c.QueryParam("search")),
		Provider: models.Provider(strings.ToUpper(c.QueryParam("provider"))),
		Pricing:  strings.ToLower(c.QueryParam("pricing")),
		Category: c.QueryParam("category"),
		Featured: c.QueryParam("featured") == "true",
	}
	result, err := s.Workflows.Marketplace(c.Request().Context(), filters, page, limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, result)
}

func intParam(c echo.Context, name string, fallback int) (int, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fault.Validation("invalid query parameter", fault.FieldError{Field: name, Message: "must be an integer"})
	}
	return n, nil
}

// ListWorkflows returns the caller's installed workflows.
// (GET /api/v1/workflows)
func (s *Server) ListWorkflows(c echo.Context) error {
	uid, err := userID(c)
	if err != nil {
		return err
	}
	workflows, err := s.Workflows.List(c.Request().Context(), uid)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, workflows)
}

// InstallWorkflow installs a catalog template for the caller.
// (POST /api/v1/workflows/install/{templateId})
func (s *Server) InstallWorkflow(c echo.Context) error {
	uid, err := userID(c)
	if err != nil {
		return err
	}
	var req installRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	w, err := s.Workflows.Install(c.Request().Context(), uid, c.Param("templateId"), req.Name)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, w)
}

// GetWorkflow returns one workflow and its linked credentials.
// (GET /api/v1/workflows/{id})
func (s *Server) GetWorkflow(c echo.Context) error {
	uid, err := userID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	w, err := s.Workflows.Get(ctx, uid, c.Param("id"))
	if err != nil {
		return err
	}
	creds, err := s.Workflows.Credentials(ctx, uid, w.ID)
	if err != nil {
		return err
	}
	if creds == nil {
		creds = []*models.CredentialMetadata{}
	}
	return c.JSON(http.StatusOK, WorkflowDetail{Workflow: w, Credentials: creds})
}

// UpdateWorkflow changes the mutable fields of a workflow.
// (PATCH /api/v1/workflows/{id})
func (s *Server) UpdateWorkflow(c echo.Context) error {
	uid, err := userID(c)
	if err != nil {
		return err
	}
	var req updateWorkflowRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	w, err := s.Workflows.Update(c.Request().Context(), uid, c.Param("id"), services.UpdateRequest{
		Name:          req.Name,
		Description:   req.Description,
		Enabled:       req.Enabled,
		Input:         req.Input,
		CredentialIDs: req.CredentialIDs,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, w)
}

// DeleteWorkflow stops and removes a workflow.
// (DELETE /api/v1/workflows/{id})
func (s *Server) DeleteWorkflow(c echo.Context) error {
	uid, err := userID(c)
	if err != nil {
		return err
	}
	if err := s.Workflows.Delete(c.Request().Context(), uid, c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// ScheduleWorkflow arms or replaces the recurring schedule of a workflow.
// (POST /api/v1/workflows/{id}/schedule)
func (s *Server) ScheduleWorkflow(c echo.Context) error {
	uid, err := userID(c)
	if err != nil {
		return err
	}
	var req scheduleRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	w, err := s.Workflows.SetSchedule(c.Request().Context(), uid, c.Param("id"), services.ScheduleRequest{
		CronExpressions: req.CronExpressions,
		Timezone:        req.Timezone,
		Input:           req.Input,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, w)
}

// UnscheduleWorkflow stops the recurring schedule of a workflow.
// (DELETE /api/v1/workflows/{id}/schedule)
func (s *Server) UnscheduleWorkflow(c echo.Context) error {
	uid, err := userID(c)
	if err != nil {
		return err
	}
	w, err := s.Workflows.StopSchedule(c.Request().Context(), uid, c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, w)
}

// RunWorkflow triggers a single run outside the schedule.
// (POST /api/v1/workflows/{id}/run)
func (s *Server) RunWorkflow(c echo.Context) error {
	uid, err := userID(c)
	if err != nil {
		return err
	}
	var req runRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	eventID, err := s.Workflows.RunOnce(c.Request().Context(), uid, c.Param("id"), req.Input)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, runResponse{EventID: eventID})
}
