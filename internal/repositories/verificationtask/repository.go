package verificationtask

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/huandu/go-sqlbuilder"

	"github.com/Ramsey-B/aster/pkg/apperror"
	"github.com/Ramsey-B/aster/pkg/database"
	"github.com/Ramsey-B/aster/pkg/models"
	"github.com/Ramsey-B/aster/pkg/tracing"
)

// Repository persists manual verification tasks
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new verification task repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// CreateBatch enqueues tasks for review. The composite primary key
// (registration_id, matched_ref_id) makes re-enqueueing the same pair a
// no-op, so a replayed decision never duplicates work.
func (r *Repository) CreateBatch(ctx context.Context, tasks []*models.VerificationTask) error {
	ctx, span := tracing.StartSpan(ctx, "verificationtask.Repository.CreateBatch")
	defer span.End()

	if len(tasks) == 0 {
		return nil
	}

	now := time.Now().UTC()
	sb := sqlbuilder.PostgreSQL.NewInsertBuilder()
	sb.InsertInto("manual_verifications")
	sb.Cols("registration_id", "matched_ref_id", "ref_regtrn_id", "match_type", "status_code", "created_at", "updated_at")

	for _, t := range tasks {
		t.Status = models.VerificationTaskStatusPending
		t.CreatedAt = now
		t.UpdatedAt = now
		sb.Values(t.RegistrationID, t.MatchedRefID, t.RefRegtrnID, t.MatchType, t.Status, t.CreatedAt, t.UpdatedAt)
	}

	query, args := sb.Build()
	query += " ON CONFLICT (registration_id, matched_ref_id) DO NOTHING"

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to create verification tasks")
		return apperror.Wrap(apperror.KindStorageUnavailable, "failed to create verification tasks", err, nil)
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{"count": len(tasks)}).Debug("Enqueued verification tasks")
	return nil
}

// AssignOldestPending claims the oldest PENDING task for a verifier, filtered
// by match type when one is given and across all types when matchType is nil.
// The claim runs as a single UPDATE over a SKIP LOCKED sub-select, so
// concurrent verifiers never receive the same task. Returns nil when the
// queue is empty.
func (r *Repository) AssignOldestPending(ctx context.Context, verifierID string, matchType *models.VerificationMatchType) (*models.VerificationTask, error) {
	ctx, span := tracing.StartSpan(ctx, "verificationtask.Repository.AssignOldestPending")
	defer span.End()

	now := time.Now().UTC()
	query := `
		UPDATE manual_verifications
		SET status_code = $1, verifier_id = $2, updated_at = $3
		WHERE (registration_id, matched_ref_id) IN (
			SELECT registration_id, matched_ref_id
			FROM manual_verifications
			WHERE status_code = $4 AND ($5::text IS NULL OR match_type = $5::text)
			ORDER BY created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING registration_id, matched_ref_id, ref_regtrn_id, match_type, verifier_id, status_code, outcome, created_at, updated_at
	`

	var task models.VerificationTask
	err := r.db.GetContext(ctx, &task, query,
		models.VerificationTaskStatusAssigned, verifierID, now,
		models.VerificationTaskStatusPending, matchTypeArg(matchType))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		r.logger.WithContext(ctx).WithError(err).Error("Failed to assign verification task")
		return nil, apperror.Wrap(apperror.KindStorageUnavailable, "failed to assign verification task", err, map[string]any{"verifier_id": verifierID})
	}

	return &task, nil
}

// matchTypeArg renders an optional match type as a nullable query parameter
func matchTypeArg(matchType *models.VerificationMatchType) any {
	if matchType == nil {
		return nil
	}
	return string(*matchType)
}

// Complete records the verifier's outcome. Only the assigned verifier may
// complete a task, and only while it is ASSIGNED.
func (r *Repository) Complete(ctx context.Context, registrationID, matchedRefID, verifierID string, outcome models.VerificationOutcome) (*models.VerificationTask, error) {
	ctx, span := tracing.StartSpan(ctx, "verificationtask.Repository.Complete")
	defer span.End()

	now := time.Now().UTC()
	query := `
		UPDATE manual_verifications
		SET status_code = $1, outcome = $2, updated_at = $3
		WHERE registration_id = $4 AND matched_ref_id = $5
		AND status_code = $6 AND verifier_id = $7
		RETURNING registration_id, matched_ref_id, ref_regtrn_id, match_type, verifier_id, status_code, outcome, created_at, updated_at
	`

	var task models.VerificationTask
	err := r.db.GetContext(ctx, &task, query,
		models.VerificationTaskStatusCompleted, outcome, now,
		registrationID, matchedRefID,
		models.VerificationTaskStatusAssigned, verifierID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			existing, getErr := r.Get(ctx, registrationID, matchedRefID)
			if getErr != nil {
				return nil, getErr
			}
			return nil, apperror.New(apperror.KindNotAssignedToVerifier, "task is not assigned to this verifier", map[string]any{
				"registration_id": registrationID,
				"matched_ref_id":  matchedRefID,
				"verifier_id":     verifierID,
				"current_status":  existing.Status,
			})
		}
		r.logger.WithContext(ctx).WithError(err).Error("Failed to complete verification task")
		return nil, apperror.Wrap(apperror.KindStorageUnavailable, "failed to complete verification task", err, map[string]any{"registration_id": registrationID})
	}

	return &task, nil
}

// Get retrieves a task by its composite key
func (r *Repository) Get(ctx context.Context, registrationID, matchedRefID string) (*models.VerificationTask, error) {
	ctx, span := tracing.StartSpan(ctx, "verificationtask.Repository.Get")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("registration_id", "matched_ref_id", "ref_regtrn_id", "match_type", "verifier_id", "status_code", "outcome", "created_at", "updated_at")
	sb.From("manual_verifications")
	sb.Where(
		sb.Equal("registration_id", registrationID),
		sb.Equal("matched_ref_id", matchedRefID),
	)

	query, args := sb.Build()
	var task models.VerificationTask
	if err := r.db.GetContext(ctx, &task, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.New(apperror.KindRecordNotFound, "verification task not found", map[string]any{
				"registration_id": registrationID,
				"matched_ref_id":  matchedRefID,
			})
		}
		r.logger.WithContext(ctx).WithError(err).Error("Failed to get verification task")
		return nil, apperror.Wrap(apperror.KindStorageUnavailable, "failed to get verification task", err, map[string]any{"registration_id": registrationID})
	}

	return &task, nil
}

// ListAssigned returns the tasks currently assigned to a verifier
func (r *Repository) ListAssigned(ctx context.Context, verifierID string) ([]models.VerificationTask, error) {
	ctx, span := tracing.StartSpan(ctx, "verificationtask.Repository.ListAssigned")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("registration_id", "matched_ref_id", "ref_regtrn_id", "match_type", "verifier_id", "status_code", "outcome", "created_at", "updated_at")
	sb.From("manual_verifications")
	sb.Where(
		sb.Equal("verifier_id", verifierID),
		sb.Equal("status_code", models.VerificationTaskStatusAssigned),
	)
	sb.OrderBy("created_at ASC")

	query, args := sb.Build()
	var tasks []models.VerificationTask
	if err := r.db.SelectContext(ctx, &tasks, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list assigned verification tasks")
		return nil, apperror.Wrap(apperror.KindStorageUnavailable, "failed to list assigned verification tasks", err, map[string]any{"verifier_id": verifierID})
	}

	return tasks, nil
}

// CountPending returns the queue depth, per match type or across all types
// when matchType is nil
func (r *Repository) CountPending(ctx context.Context, matchType *models.VerificationMatchType) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "verificationtask.Repository.CountPending")
	defer span.End()

	query := `
		SELECT COUNT(*)
		FROM manual_verifications
		WHERE status_code = $1 AND ($2::text IS NULL OR match_type = $2::text)
	`

	var count int
	if err := r.db.GetContext(ctx, &count, query, models.VerificationTaskStatusPending, matchTypeArg(matchType)); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to count pending verification tasks")
		return 0, apperror.Wrap(apperror.KindStorageUnavailable, "failed to count pending verification tasks", err, nil)
	}

	return count, nil
}

// CountOpenForRegistration counts tasks for a registration not yet completed.
// Zero means every review is in and the transaction can be finalized.
func (r *Repository) CountOpenForRegistration(ctx context.Context, registrationID string) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "verificationtask.Repository.CountOpenForRegistration")
	defer span.End()

	query := `
		SELECT COUNT(*)
		FROM manual_verifications
		WHERE registration_id = $1 AND status_code <> $2
	`

	var count int
	if err := r.db.GetContext(ctx, &count, query, registrationID, models.VerificationTaskStatusCompleted); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to count open verification tasks")
		return 0, apperror.Wrap(apperror.KindStorageUnavailable, "failed to count open verification tasks", err, map[string]any{"registration_id": registrationID})
	}

	return count, nil
}

// ListCompletedForRegistration returns the completed tasks for a registration
// with their outcomes, used when finalizing the dedup decision.
func (r *Repository) ListCompletedForRegistration(ctx context.Context, registrationID string) ([]models.VerificationTask, error) {
	ctx, span := tracing.StartSpan(ctx, "verificationtask.Repository.ListCompletedForRegistration")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("registration_id", "matched_ref_id", "ref_regtrn_id", "match_type", "verifier_id", "status_code", "outcome", "created_at", "updated_at")
	sb.From("manual_verifications")
	sb.Where(
		sb.Equal("registration_id", registrationID),
		sb.Equal("status_code", models.VerificationTaskStatusCompleted),
	)
	sb.OrderBy("updated_at ASC")

	query, args := sb.Build()
	var tasks []models.VerificationTask
	if err := r.db.SelectContext(ctx, &tasks, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list completed verification tasks")
		return nil, apperror.Wrap(apperror.KindStorageUnavailable, "failed to list completed verification tasks", err, map[string]any{"registration_id": registrationID})
	}

	return tasks, nil
}
