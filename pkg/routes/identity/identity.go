// Package identity serves the identify and contact lookup endpoints
package identity

import (
	"context"
	"errors"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/reconcile"
	"github.com/Ramsey-B/fern/pkg/utils"
)

// Engine is the reconciliation surface the handlers use
type Engine interface {
	Reconcile(ctx context.Context, obs reconcile.Observation) (*models.ConsolidatedContact, error)
	Lookup(ctx context.Context, id string) (*models.ConsolidatedContact, error)
}

// Handler serves identity routes
type Handler struct {
	engine Engine
}

// NewHandler creates a new identity handler
func NewHandler(engine Engine) *Handler {
	return &Handler{engine: engine}
}

// Register registers identity routes
func (h *Handler) Register(e *echo.Echo) {
	e.POST("/identify", h.Identify)
	e.GET("/contacts/:id", h.GetContact)
}

// Identify reconciles the posted observation and returns its consolidated contact
func (h *Handler) Identify(c echo.Context) error {
	ctx := c.Request().Context()

	req, err := utils.BindRequest[models.IdentifyRequest](c)
	if err != nil {
		return err
	}

	view, err := h.engine.Reconcile(ctx, reconcile.Observation{
		Email: string(req.Email),
		Phone: req.PhoneValue(),
	})
	if err != nil {
		return toHTTPError(err)
	}

	return c.JSON(http.StatusOK, models.IdentifyResponse{Contact: view})
}

// GetContact returns the consolidated contact of the cluster containing :id
func (h *Handler) GetContact(c echo.Context) error {
	ctx := c.Request().Context()

	view, err := h.engine.Lookup(ctx, c.Param("id"))
	if err != nil {
		return toHTTPError(err)
	}

	return c.JSON(http.StatusOK, models.IdentifyResponse{Contact: view})
}

// toHTTPError maps engine errors to responses. A storage failure is a 500 even when the
// store's cause is ErrNotFound.
func toHTTPError(err error) error {
	switch {
	case errors.Is(err, reconcile.ErrInvalidInput):
		return httperror.NewHTTPError(http.StatusBadRequest, reconcile.ErrInvalidInput.Error())
	case errors.Is(err, reconcile.ErrStorage):
		return httperror.NewHTTPError(http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError))
	case errors.Is(err, reconcile.ErrNotFound):
		return httperror.NewHTTPError(http.StatusNotFound, "contact not found")
	default:
		return httperror.NewHTTPError(http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError))
	}
}
