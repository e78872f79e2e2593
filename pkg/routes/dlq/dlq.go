package dlq

import (
	"context"
	"net/http"
	"strconv"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/aster/pkg/apperror"
	"github.com/Ramsey-B/aster/pkg/kafka"
	"github.com/Ramsey-B/aster/pkg/redis"
	"github.com/Ramsey-B/aster/pkg/tracing"
)

// Store is the dead letter queue surface the handlers need
type Store interface {
	List(ctx context.Context, count int64) ([]redis.DLQEntry, error)
	Get(ctx context.Context, messageID string) (*redis.DLQEntry, error)
	Delete(ctx context.Context, messageID string) error
	Count(ctx context.Context) (int64, error)
}

// Replayer re-runs a parked event through its original consumer path
type Replayer interface {
	Handle(ctx context.Context, msg *kafka.IncomingMessage) error
}

// Handler serves the operator API for inspecting and replaying dead-lettered
// events. A replayed entry goes back through the processor it originally
// failed in; if it fails again it is re-parked with a fresh entry.
type Handler struct {
	store       Store
	packets     Replayer
	responses   Replayer
	packetTopic string
	logger      ectologger.Logger
}

// NewHandler creates a new DLQ handler
func NewHandler(store Store, packets, responses Replayer, packetTopic string, logger ectologger.Logger) *Handler {
	return &Handler{
		store:       store,
		packets:     packets,
		responses:   responses,
		packetTopic: packetTopic,
		logger:      logger,
	}
}

// Register registers DLQ routes
func (h *Handler) Register(g *echo.Group) {
	g.GET("", h.List)
	g.GET("/stats", h.Stats)
	g.GET("/:id", h.Get)
	g.POST("/:id/replay", h.Replay)
	g.DELETE("/:id", h.Delete)
}

// ListResponse is a page of DLQ entries plus the stream total
type ListResponse struct {
	Entries []redis.DLQEntry `json:"entries"`
	Count   int              `json:"count"`
	Total   int64            `json:"total"`
}

// List returns the most recent dead-lettered events, newest first.
// ?count caps the page size, default 100.
func (h *Handler) List(c echo.Context) error {
	ctx := c.Request().Context()
	ctx, span := tracing.StartSpan(ctx, "dlq_handler.List")
	defer span.End()

	count := int64(100)
	if raw := c.QueryParam("count"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed <= 0 {
			return httperror.NewHTTPError(http.StatusBadRequest, "count must be a positive integer")
		}
		count = parsed
	}

	entries, err := h.store.List(ctx, count)
	if err != nil {
		return err
	}

	total, err := h.store.Count(ctx)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, ListResponse{
		Entries: entries,
		Count:   len(entries),
		Total:   total,
	})
}

// Get returns a single entry by its stream id
func (h *Handler) Get(c echo.Context) error {
	ctx := c.Request().Context()
	ctx, span := tracing.StartSpan(ctx, "dlq_handler.Get")
	defer span.End()

	entry, err := h.store.Get(ctx, c.Param("id"))
	if err != nil {
		return err
	}
	if entry == nil {
		return apperror.New(apperror.KindRecordNotFound, "DLQ entry not found", map[string]any{"stream_id": c.Param("id")})
	}

	return c.JSON(http.StatusOK, entry)
}

// Replay pushes an entry back through the consumer path it came from and
// removes it from the queue
func (h *Handler) Replay(c echo.Context) error {
	ctx := c.Request().Context()
	ctx, span := tracing.StartSpan(ctx, "dlq_handler.Replay")
	defer span.End()

	streamID := c.Param("id")
	entry, err := h.store.Get(ctx, streamID)
	if err != nil {
		return err
	}
	if entry == nil {
		return apperror.New(apperror.KindRecordNotFound, "DLQ entry not found", map[string]any{"stream_id": streamID})
	}

	msg := &kafka.IncomingMessage{
		Topic: entry.Topic,
		Value: entry.Payload,
	}

	replayer := h.responses
	if entry.Topic == h.packetTopic {
		replayer = h.packets
	}
	if err := replayer.Handle(ctx, msg); err != nil {
		return err
	}

	if err := h.store.Delete(ctx, streamID); err != nil {
		h.logger.WithContext(ctx).WithError(err).Warn("Failed to delete DLQ entry after replay")
	}

	h.logger.WithContext(ctx).WithFields(map[string]any{
		"stream_id": streamID,
		"topic":     entry.Topic,
	}).Info("Replayed DLQ entry")

	return c.JSON(http.StatusOK, map[string]string{
		"status":    "replayed",
		"stream_id": streamID,
	})
}

// Delete discards an entry without replaying it
func (h *Handler) Delete(c echo.Context) error {
	ctx := c.Request().Context()
	ctx, span := tracing.StartSpan(ctx, "dlq_handler.Delete")
	defer span.End()

	if err := h.store.Delete(ctx, c.Param("id")); err != nil {
		return err
	}

	return c.NoContent(http.StatusNoContent)
}

// Stats returns the queue depth
func (h *Handler) Stats(c echo.Context) error {
	ctx := c.Request().Context()
	ctx, span := tracing.StartSpan(ctx, "dlq_handler.Stats")
	defer span.End()

	total, err := h.store.Count(ctx)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, map[string]int64{"total_entries": total})
}
