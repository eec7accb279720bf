// Package httpapp exposes the control surface: tenant lifecycle, manual sync
// triggers, and the deletion webhook.
package httpapp

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rosterd/rosterd/internal/bus"
	"github.com/rosterd/rosterd/internal/roster"
	"github.com/rosterd/rosterd/internal/tenant"
)

// Handlers groups all HTTP handlers and shared dependencies.
type Handlers struct {
	Bus     bus.Bus
	Trigger tenant.SyncTrigger
	Tenants *tenant.Service
	Logger  *slog.Logger
}

func (h *Handlers) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

// HandleHealthz returns a simple health check response.
func (h *Handlers) HandleHealthz(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

type deletionWebhookRequest struct {
	UserID  string   `json:"user_id"`
	UserIDs []string `json:"user_ids"`
}

// HandleDeletionWebhook accepts delete notifications from the external SaaS
// and enqueues one delete request per user. Duplicate notifications for the
// same user collapse downstream.
func (h *Handlers) HandleDeletionWebhook(c echo.Context) error {
	orgID := strings.TrimSpace(c.Param("orgID"))
	if orgID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "organisation id is required")
	}

	var req deletionWebhookRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	userIDs := req.UserIDs
	if id := strings.TrimSpace(req.UserID); id != "" {
		userIDs = append(userIDs, id)
	}
	if len(userIDs) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "at least one user id is required")
	}

	now := time.Now().UTC()
	accepted := 0
	for _, userID := range userIDs {
		userID = strings.TrimSpace(userID)
		if userID == "" {
			continue
		}
		e, err := bus.NewEvent(bus.EventDeleteRequested, orgID, roster.DeleteRequest{
			OrgID:      orgID,
			UserID:     userID,
			Origin:     roster.OriginWebhook,
			EnqueuedAt: now,
		})
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, "enqueue delete request")
		}
		if err := h.Bus.Publish(c.Request().Context(), e); err != nil {
			h.logger().Error("publish delete request", "org_id", orgID, "user_id", userID, "error", err)
			return echo.NewHTTPError(http.StatusServiceUnavailable, "enqueue delete request")
		}
		accepted++
	}

	return c.JSON(http.StatusAccepted, map[string]int{"accepted": accepted})
}

type onboardRequest struct {
	OrgID       string             `json:"org_id"`
	Region      string             `json:"region"`
	Credentials roster.Credentials `json:"credentials"`
}

// HandleOnboard registers a new organisation and requests its first full
// sync.
func (h *Handlers) HandleOnboard(c echo.Context) error {
	var req onboardRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.OrgID) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "organisation id is required")
	}

	if err := h.Tenants.Onboard(c.Request().Context(), req.OrgID, req.Region, req.Credentials); err != nil {
		h.logger().Error("onboard organisation", "org_id", req.OrgID, "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "onboard organisation")
	}
	return c.JSON(http.StatusCreated, map[string]string{"org_id": strings.TrimSpace(req.OrgID)})
}

// HandleTriggerSync requests an out-of-schedule sync for one organisation.
// If a sync is already in flight, the request is a no-op.
func (h *Handlers) HandleTriggerSync(c echo.Context) error {
	orgID := strings.TrimSpace(c.Param("orgID"))
	if orgID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "organisation id is required")
	}
	if err := h.Trigger.TriggerOrg(c.Request().Context(), orgID, false); err != nil {
		h.logger().Error("trigger sync", "org_id", orgID, "error", err)
		return echo.NewHTTPError(http.StatusServiceUnavailable, "trigger sync")
	}
	return c.JSON(http.StatusAccepted, map[string]string{"org_id": orgID})
}

type rotateRequest struct {
	Credentials roster.Credentials `json:"credentials"`
}

// HandleRotateCredentials replaces the stored credentials for an existing
// organisation.
func (h *Handlers) HandleRotateCredentials(c echo.Context) error {
	orgID := strings.TrimSpace(c.Param("orgID"))
	if orgID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "organisation id is required")
	}
	var req rotateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	err := h.Tenants.RotateCredentials(c.Request().Context(), orgID, req.Credentials)
	switch {
	case errors.Is(err, roster.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "organisation not found")
	case err != nil:
		h.logger().Error("rotate credentials", "org_id", orgID, "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "rotate credentials")
	}
	return c.NoContent(http.StatusNoContent)
}

// HandleOffboard removes one organisation and all of its stored state.
func (h *Handlers) HandleOffboard(c echo.Context) error {
	orgID := strings.TrimSpace(c.Param("orgID"))
	if orgID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "organisation id is required")
	}
	if err := h.Tenants.Offboard(c.Request().Context(), orgID); err != nil {
		h.logger().Error("offboard organisation", "org_id", orgID, "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "offboard organisation")
	}
	return c.NoContent(http.StatusNoContent)
}
