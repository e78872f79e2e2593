package registration

import (
	"context"
	"net/http"
	"strconv"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/aster/pkg/models"
	"github.com/Ramsey-B/aster/pkg/tracing"
)

// TransactionReader reads registration transaction state
type TransactionReader interface {
	GetLatestByRegistration(ctx context.Context, registrationID string) (*models.RegistrationTransaction, error)
}

// DedupeReader reads recorded dedupe decisions
type DedupeReader interface {
	ListByRegistration(ctx context.Context, registrationID string, activeOnly bool) ([]models.DedupeListEntry, error)
}

// RequestReader reads tracked ABIS requests
type RequestReader interface {
	ListByTransaction(ctx context.Context, refRegtrnID string) ([]models.AbisRequest, error)
}

// Handler serves read-only registration status endpoints for operators
type Handler struct {
	transactions TransactionReader
	dedupes      DedupeReader
	requests     RequestReader
}

// NewHandler creates a new registration handler
func NewHandler(transactions TransactionReader, dedupes DedupeReader, requests RequestReader) *Handler {
	return &Handler{
		transactions: transactions,
		dedupes:      dedupes,
		requests:     requests,
	}
}

// Register registers registration status routes
func (h *Handler) Register(g *echo.Group) {
	g.GET("/:registration_id/status", h.Status)
	g.GET("/:registration_id/dedupe-entries", h.DedupeEntries)
	g.GET("/:registration_id/requests", h.Requests)
}

// StatusResponse is the current dedup state of a registration
type StatusResponse struct {
	Transaction *models.RegistrationTransaction `json:"transaction"`
	Requests    []models.AbisRequest            `json:"requests"`
}

// Status returns the latest transaction and its ABIS requests
func (h *Handler) Status(c echo.Context) error {
	ctx := c.Request().Context()
	ctx, span := tracing.StartSpan(ctx, "registration_handler.Status")
	defer span.End()

	registrationID := c.Param("registration_id")
	if registrationID == "" {
		return httperror.NewHTTPError(http.StatusBadRequest, "registration_id is required")
	}

	txn, err := h.transactions.GetLatestByRegistration(ctx, registrationID)
	if err != nil {
		return err
	}

	requests, err := h.requests.ListByTransaction(ctx, txn.ID)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, StatusResponse{
		Transaction: txn,
		Requests:    requests,
	})
}

// DedupeEntries returns the dedupe list entries recorded for a registration.
// ?active=false includes entries superseded by later decisions.
func (h *Handler) DedupeEntries(c echo.Context) error {
	ctx := c.Request().Context()
	ctx, span := tracing.StartSpan(ctx, "registration_handler.DedupeEntries")
	defer span.End()

	registrationID := c.Param("registration_id")
	if registrationID == "" {
		return httperror.NewHTTPError(http.StatusBadRequest, "registration_id is required")
	}

	activeOnly := true
	if raw := c.QueryParam("active"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			return httperror.NewHTTPError(http.StatusBadRequest, "active must be a boolean")
		}
		activeOnly = parsed
	}

	entries, err := h.dedupes.ListByRegistration(ctx, registrationID, activeOnly)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, entries)
}

// Requests returns the ABIS requests of the registration's latest transaction
func (h *Handler) Requests(c echo.Context) error {
	ctx := c.Request().Context()
	ctx, span := tracing.StartSpan(ctx, "registration_handler.Requests")
	defer span.End()

	registrationID := c.Param("registration_id")
	if registrationID == "" {
		return httperror.NewHTTPError(http.StatusBadRequest, "registration_id is required")
	}

	txn, err := h.transactions.GetLatestByRegistration(ctx, registrationID)
	if err != nil {
		return err
	}

	requests, err := h.requests.ListByTransaction(ctx, txn.ID)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, requests)
}
