package abisrequest

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"

	"github.com/Ramsey-B/aster/pkg/apperror"
	"github.com/Ramsey-B/aster/pkg/database"
	"github.com/Ramsey-B/aster/pkg/models"
	"github.com/Ramsey-B/aster/pkg/tracing"
)

// Repository persists outbound ABIS requests and their dispatch status
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new ABIS request repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// CreateBatch records a set of requests sharing a batch id, all in CREATED.
// A partial unique index on (bio_ref_id, ref_regtrn_id, request_type) over
// non-FAILED rows makes re-submission a no-op: at most one active request
// per reference, transaction and type ever exists.
func (r *Repository) CreateBatch(ctx context.Context, requests []*models.AbisRequest) error {
	ctx, span := tracing.StartSpan(ctx, "abisrequest.Repository.CreateBatch")
	defer span.End()

	if len(requests) == 0 {
		return nil
	}

	now := time.Now().UTC()
	sb := sqlbuilder.PostgreSQL.NewInsertBuilder()
	sb.InsertInto("abis_requests")
	sb.Cols("id", "bio_ref_id", "req_batch_id", "ref_regtrn_id", "request_type", "status_code", "created_at", "updated_at")

	for _, req := range requests {
		if req.ID == "" {
			req.ID = uuid.New().String()
		}
		req.Status = models.AbisRequestStatusCreated
		req.CreatedAt = now
		req.UpdatedAt = now
		sb.Values(req.ID, req.BioRefID, req.BatchID, req.RefRegtrnID, req.RequestType, req.Status, req.CreatedAt, req.UpdatedAt)
	}

	query, args := sb.Build()
	query += " ON CONFLICT (bio_ref_id, ref_regtrn_id, request_type) WHERE status_code <> 'FAILED' DO NOTHING"

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to create ABIS requests")
		return apperror.Wrap(apperror.KindStorageUnavailable, "failed to create ABIS requests", err, nil)
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{"count": len(requests), "batch_id": requests[0].BatchID}).Debug("Created ABIS request batch")
	return nil
}

// Get retrieves a request by ID
func (r *Repository) Get(ctx context.Context, id string) (*models.AbisRequest, error) {
	ctx, span := tracing.StartSpan(ctx, "abisrequest.Repository.Get")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("id", "bio_ref_id", "req_batch_id", "ref_regtrn_id", "request_type", "status_code", "created_at", "updated_at")
	sb.From("abis_requests")
	sb.Where(sb.Equal("id", id))

	query, args := sb.Build()
	var req models.AbisRequest
	if err := r.db.GetContext(ctx, &req, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.New(apperror.KindUnknownRequestID, "ABIS request not found", map[string]any{"request_id": id})
		}
		r.logger.WithContext(ctx).WithError(err).Error("Failed to get ABIS request")
		return nil, apperror.Wrap(apperror.KindStorageUnavailable, "failed to get ABIS request", err, map[string]any{"request_id": id})
	}

	return &req, nil
}

// ListByBatch returns all requests sharing a batch id, dispatch order first
func (r *Repository) ListByBatch(ctx context.Context, batchID string) ([]models.AbisRequest, error) {
	ctx, span := tracing.StartSpan(ctx, "abisrequest.Repository.ListByBatch")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("id", "bio_ref_id", "req_batch_id", "ref_regtrn_id", "request_type", "status_code", "created_at", "updated_at")
	sb.From("abis_requests")
	sb.Where(sb.Equal("req_batch_id", batchID))
	sb.OrderBy("created_at ASC")

	query, args := sb.Build()
	var requests []models.AbisRequest
	if err := r.db.SelectContext(ctx, &requests, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list ABIS requests by batch")
		return nil, apperror.Wrap(apperror.KindStorageUnavailable, "failed to list ABIS requests", err, map[string]any{"batch_id": batchID})
	}

	return requests, nil
}

// ListByTransaction returns all requests raised for a registration transaction
func (r *Repository) ListByTransaction(ctx context.Context, refRegtrnID string) ([]models.AbisRequest, error) {
	ctx, span := tracing.StartSpan(ctx, "abisrequest.Repository.ListByTransaction")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("id", "bio_ref_id", "req_batch_id", "ref_regtrn_id", "request_type", "status_code", "created_at", "updated_at")
	sb.From("abis_requests")
	sb.Where(sb.Equal("ref_regtrn_id", refRegtrnID))
	sb.OrderBy("created_at ASC")

	query, args := sb.Build()
	var requests []models.AbisRequest
	if err := r.db.SelectContext(ctx, &requests, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list ABIS requests by transaction")
		return nil, apperror.Wrap(apperror.KindStorageUnavailable, "failed to list ABIS requests", err, map[string]any{"ref_regtrn_id": refRegtrnID})
	}

	return requests, nil
}

// UpdateStatus moves a request from one status to another. The WHERE clause
// carries the expected current status so a lost race surfaces as
// INVALID_STATE_TRANSITION instead of silently clobbering a later state.
func (r *Repository) UpdateStatus(ctx context.Context, id string, from, to models.AbisRequestStatus) error {
	ctx, span := tracing.StartSpan(ctx, "abisrequest.Repository.UpdateStatus")
	defer span.End()

	if !from.CanTransition(to) {
		return apperror.New(apperror.KindInvalidStateTransition, "ABIS request status machine forbids transition", map[string]any{
			"request_id": id,
			"from":       from,
			"to":         to,
		})
	}

	now := time.Now().UTC()
	query := `
		UPDATE abis_requests
		SET status_code = $1, updated_at = $2
		WHERE id = $3 AND status_code = $4
	`

	result, err := r.db.ExecContext(ctx, query, to, now, id, from)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to update ABIS request status")
		return apperror.Wrap(apperror.KindStorageUnavailable, "failed to update ABIS request status", err, map[string]any{"request_id": id})
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		existing, getErr := r.Get(ctx, id)
		if getErr != nil {
			return getErr
		}
		return apperror.New(apperror.KindInvalidStateTransition, "ABIS request not in expected status", map[string]any{
			"request_id":     id,
			"current_status": existing.Status,
			"expected":       from,
			"target":         to,
		})
	}

	return nil
}

// CountIncompleteInBatch counts requests in a batch still awaiting dispatch
// or a response. Zero means the batch is complete.
func (r *Repository) CountIncompleteInBatch(ctx context.Context, batchID string) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "abisrequest.Repository.CountIncompleteInBatch")
	defer span.End()

	query := `
		SELECT COUNT(*)
		FROM abis_requests
		WHERE req_batch_id = $1
		AND status_code IN ($2, $3)
	`

	var count int
	if err := r.db.GetContext(ctx, &count, query, batchID, models.AbisRequestStatusCreated, models.AbisRequestStatusSent); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to count incomplete ABIS requests")
		return 0, apperror.Wrap(apperror.KindStorageUnavailable, "failed to count incomplete ABIS requests", err, map[string]any{"batch_id": batchID})
	}

	return count, nil
}

// GetActive returns the non-FAILED request for a (ref, transaction, type)
// triple, or nil when none exists. The partial unique index guarantees at
// most one row qualifies.
func (r *Repository) GetActive(ctx context.Context, bioRefID, refRegtrnID string, requestType models.AbisRequestType) (*models.AbisRequest, error) {
	ctx, span := tracing.StartSpan(ctx, "abisrequest.Repository.GetActive")
	defer span.End()

	query := `
		SELECT id, bio_ref_id, req_batch_id, ref_regtrn_id, request_type, status_code, created_at, updated_at
		FROM abis_requests
		WHERE bio_ref_id = $1 AND ref_regtrn_id = $2 AND request_type = $3
		AND status_code <> $4
	`

	var req models.AbisRequest
	err := r.db.GetContext(ctx, &req, query, bioRefID, refRegtrnID, requestType, models.AbisRequestStatusFailed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		r.logger.WithContext(ctx).WithError(err).Error("Failed to get active ABIS request")
		return nil, apperror.Wrap(apperror.KindStorageUnavailable, "failed to get active ABIS request", err, map[string]any{"bio_ref_id": bioRefID})
	}

	return &req, nil
}

// ExpireStale fails every request that has sat in SENT since before the
// cutoff and returns the failed rows so the caller can fail their
// transactions too. Staleness is measured from updated_at, which is written
// at the CREATED to SENT transition, so a request re-dispatched after a
// dispatch failure gets a full timeout from its actual send. CREATED requests
// stay untouched; they are still eligible for dispatch retry.
func (r *Repository) ExpireStale(ctx context.Context, cutoff time.Time) ([]models.AbisRequest, error) {
	ctx, span := tracing.StartSpan(ctx, "abisrequest.Repository.ExpireStale")
	defer span.End()

	now := time.Now().UTC()
	query := `
		UPDATE abis_requests
		SET status_code = $1, updated_at = $2
		WHERE status_code = $3
		AND updated_at < $4
		RETURNING id, bio_ref_id, req_batch_id, ref_regtrn_id, request_type, status_code, created_at, updated_at
	`

	var expired []models.AbisRequest
	err := r.db.SelectContext(ctx, &expired, query,
		models.AbisRequestStatusFailed, now,
		models.AbisRequestStatusSent,
		cutoff)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to expire stale ABIS requests")
		return nil, apperror.Wrap(apperror.KindStorageUnavailable, "failed to expire stale ABIS requests", err, nil)
	}

	if len(expired) > 0 {
		r.logger.WithContext(ctx).WithFields(map[string]any{"count": len(expired)}).Warn("Expired stale ABIS requests")
	}
	return expired, nil
}
