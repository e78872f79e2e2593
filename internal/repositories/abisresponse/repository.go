package abisresponse

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"
	"github.com/lib/pq"

	"github.com/Ramsey-B/aster/pkg/apperror"
	"github.com/Ramsey-B/aster/pkg/database"
	"github.com/Ramsey-B/aster/pkg/models"
	"github.com/Ramsey-B/aster/pkg/tracing"
)

// Repository persists correlated ABIS responses and their candidate lists
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new ABIS response repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// CreateWithCandidates stores a response and its candidates atomically. A
// unique constraint on abis_req_id rejects a second response for the same
// request; that surfaces as DUPLICATE_RESPONSE so the caller can decide
// whether redelivery is benign.
func (r *Repository) CreateWithCandidates(ctx context.Context, resp *models.AbisResponse, candidates []models.AbisResponseCandidate) error {
	ctx, span := tracing.StartSpan(ctx, "abisresponse.Repository.CreateWithCandidates")
	defer span.End()

	if resp.ID == "" {
		resp.ID = uuid.New().String()
	}
	if resp.ReceivedAt.IsZero() {
		resp.ReceivedAt = time.Now().UTC()
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return apperror.Wrap(apperror.KindStorageUnavailable, "failed to begin transaction", err, nil)
	}
	defer func() { _ = tx.Rollback() }()

	sb := sqlbuilder.PostgreSQL.NewInsertBuilder()
	sb.InsertInto("abis_responses")
	sb.Cols("id", "abis_req_id", "req_batch_id", "received_at")
	sb.Values(resp.ID, resp.AbisReqID, resp.BatchID, resp.ReceivedAt)

	query, args := sb.Build()
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return apperror.New(apperror.KindDuplicateResponse, "a response is already recorded for this request", map[string]any{"request_id": resp.AbisReqID})
		}
		r.logger.WithContext(ctx).WithError(err).Error("Failed to create ABIS response")
		return apperror.Wrap(apperror.KindStorageUnavailable, "failed to create ABIS response", err, map[string]any{"request_id": resp.AbisReqID})
	}

	if len(candidates) > 0 {
		cb := sqlbuilder.PostgreSQL.NewInsertBuilder()
		cb.InsertInto("abis_response_candidates")
		cb.Cols("abis_resp_id", "matched_ref_id", "score")
		for _, c := range candidates {
			cb.Values(resp.ID, c.MatchedRefID, c.Score)
		}

		query, args = cb.Build()
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			r.logger.WithContext(ctx).WithError(err).Error("Failed to create ABIS response candidates")
			return apperror.Wrap(apperror.KindStorageUnavailable, "failed to create ABIS response candidates", err, map[string]any{"request_id": resp.AbisReqID})
		}
	}

	if err := tx.Commit(); err != nil {
		return apperror.Wrap(apperror.KindStorageUnavailable, "failed to commit ABIS response", err, map[string]any{"request_id": resp.AbisReqID})
	}

	return nil
}

// GetByRequestID retrieves the response recorded for a request, if any
func (r *Repository) GetByRequestID(ctx context.Context, abisReqID string) (*models.AbisResponse, error) {
	ctx, span := tracing.StartSpan(ctx, "abisresponse.Repository.GetByRequestID")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("id", "abis_req_id", "req_batch_id", "received_at")
	sb.From("abis_responses")
	sb.Where(sb.Equal("abis_req_id", abisReqID))

	query, args := sb.Build()
	var resp models.AbisResponse
	if err := r.db.GetContext(ctx, &resp, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		r.logger.WithContext(ctx).WithError(err).Error("Failed to get ABIS response")
		return nil, apperror.Wrap(apperror.KindStorageUnavailable, "failed to get ABIS response", err, map[string]any{"request_id": abisReqID})
	}

	return &resp, nil
}

// CandidatesByBatch returns every candidate reported across a batch's
// responses, best score first. The caller aggregates these into the
// transaction-level candidate set.
func (r *Repository) CandidatesByBatch(ctx context.Context, batchID string) ([]models.AbisResponseCandidate, error) {
	ctx, span := tracing.StartSpan(ctx, "abisresponse.Repository.CandidatesByBatch")
	defer span.End()

	query := `
		SELECT c.abis_resp_id, c.matched_ref_id, c.score
		FROM abis_response_candidates c
		JOIN abis_responses r ON r.id = c.abis_resp_id
		WHERE r.req_batch_id = $1
		ORDER BY c.score DESC
	`

	var candidates []models.AbisResponseCandidate
	if err := r.db.SelectContext(ctx, &candidates, query, batchID); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list candidates by batch")
		return nil, apperror.Wrap(apperror.KindStorageUnavailable, "failed to list candidates", err, map[string]any{"batch_id": batchID})
	}

	return candidates, nil
}
