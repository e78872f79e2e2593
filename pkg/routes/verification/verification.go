package verification

import (
	"context"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/aster/pkg/appcontext"
	"github.com/Ramsey-B/aster/pkg/models"
	"github.com/Ramsey-B/aster/pkg/tracing"
)

var validate = validator.New()

// Queue is the verification queue surface the handlers need
type Queue interface {
	AssignNext(ctx context.Context, verifierID string, matchType *models.VerificationMatchType) (*models.VerificationTask, error)
	Assigned(ctx context.Context, verifierID string) ([]models.VerificationTask, error)
	PendingCount(ctx context.Context, matchType *models.VerificationMatchType) (int, error)
}

// Resolver finalizes verified matches through the decision engine
type Resolver interface {
	ResolveVerification(ctx context.Context, registrationID, matchedRefID, verifierID string, outcome models.VerificationOutcome) (*models.VerificationTask, error)
}

// Handler serves the verifier workstation API
type Handler struct {
	queue    Queue
	resolver Resolver
}

// NewHandler creates a new verification handler
func NewHandler(queue Queue, resolver Resolver) *Handler {
	return &Handler{
		queue:    queue,
		resolver: resolver,
	}
}

// Register registers verification queue routes
func (h *Handler) Register(g *echo.Group) {
	g.POST("/assign-next", h.AssignNext)
	g.POST("/:registration_id/:matched_ref_id/resolve", h.Resolve)
	g.GET("/assigned", h.Assigned)
	g.GET("/pending-count", h.PendingCount)
}

// AssignNextRequest selects which queue to draw from. An omitted match_type
// draws the oldest pending task across every type.
type AssignNextRequest struct {
	MatchType models.VerificationMatchType `json:"match_type" validate:"omitempty,oneof=DEMO BIO"`
}

// AssignNext hands the caller the oldest pending task, filtered by type when
// one is requested. 204 when the queue is empty.
func (h *Handler) AssignNext(c echo.Context) error {
	ctx := c.Request().Context()
	ctx, span := tracing.StartSpan(ctx, "verification_handler.AssignNext")
	defer span.End()

	verifierID := appcontext.GetVerifierID(ctx)
	if verifierID == "" {
		return httperror.NewHTTPError(http.StatusUnauthorized, "verifier id is required")
	}

	var req AssignNextRequest
	if err := c.Bind(&req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := validate.Struct(req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	var matchType *models.VerificationMatchType
	if req.MatchType != "" {
		matchType = &req.MatchType
	}

	task, err := h.queue.AssignNext(ctx, verifierID, matchType)
	if err != nil {
		return err
	}
	if task == nil {
		return c.NoContent(http.StatusNoContent)
	}

	return c.JSON(http.StatusOK, task)
}

// ResolveRequest carries the verifier's decision
type ResolveRequest struct {
	Outcome models.VerificationOutcome `json:"outcome" validate:"required,oneof=DUPLICATE_CONFIRMED UNIQUE_CONFIRMED"`
}

// Resolve records the outcome for an assigned task and finalizes the
// registration transaction once every task is in
func (h *Handler) Resolve(c echo.Context) error {
	ctx := c.Request().Context()
	ctx, span := tracing.StartSpan(ctx, "verification_handler.Resolve")
	defer span.End()

	verifierID := appcontext.GetVerifierID(ctx)
	if verifierID == "" {
		return httperror.NewHTTPError(http.StatusUnauthorized, "verifier id is required")
	}

	registrationID := c.Param("registration_id")
	matchedRefID := c.Param("matched_ref_id")
	if registrationID == "" || matchedRefID == "" {
		return httperror.NewHTTPError(http.StatusBadRequest, "registration_id and matched_ref_id are required")
	}

	var req ResolveRequest
	if err := c.Bind(&req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := validate.Struct(req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	task, err := h.resolver.ResolveVerification(ctx, registrationID, matchedRefID, verifierID, req.Outcome)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, task)
}

// Assigned returns the caller's currently assigned tasks
func (h *Handler) Assigned(c echo.Context) error {
	ctx := c.Request().Context()
	ctx, span := tracing.StartSpan(ctx, "verification_handler.Assigned")
	defer span.End()

	verifierID := appcontext.GetVerifierID(ctx)
	if verifierID == "" {
		return httperror.NewHTTPError(http.StatusUnauthorized, "verifier id is required")
	}

	tasks, err := h.queue.Assigned(ctx, verifierID)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, tasks)
}

// PendingCount returns the queue depth, for one match type or for the whole
// queue when match_type is omitted
func (h *Handler) PendingCount(c echo.Context) error {
	ctx := c.Request().Context()
	ctx, span := tracing.StartSpan(ctx, "verification_handler.PendingCount")
	defer span.End()

	var matchType *models.VerificationMatchType
	if raw := c.QueryParam("match_type"); raw != "" {
		parsed := models.VerificationMatchType(raw)
		if parsed != models.VerificationMatchTypeBio && parsed != models.VerificationMatchTypeDemo {
			return httperror.NewHTTPError(http.StatusBadRequest, "match_type must be DEMO or BIO")
		}
		matchType = &parsed
	}

	count, err := h.queue.PendingCount(ctx, matchType)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, map[string]int{"pending": count})
}
