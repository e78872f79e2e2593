package regtransaction

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

// Repository persists registration transactions
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new registration transaction repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// Create opens a new transaction in PROCESSING
func (r *Repository) Create(ctx context.Context, txn *models.RegistrationTransaction) (*models.RegistrationTransaction, error) {
	ctx, span := tracing.StartSpan(ctx, "regtransaction.Repository.Create")
	defer span.End()

	if txn.ID == "" {
		txn.ID = uuid.New().String()
	}
	txn.Status = models.TransactionStatusProcessing
	txn.CreatedAt = time.Now().UTC()
	txn.UpdatedAt = txn.CreatedAt

	sb := sqlbuilder.PostgreSQL.NewInsertBuilder()
	sb.InsertInto("registration_transactions")
	sb.Cols("id", "registration_id", "status_code", "created_at", "updated_at")
	sb.Values(txn.ID, txn.RegistrationID, txn.Status, txn.CreatedAt, txn.UpdatedAt)

	query, args := sb.Build()
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"registration_id": txn.RegistrationID}).Error("Failed to create registration transaction")
		return nil, apperror.Wrap(apperror.KindStorageUnavailable, "failed to create registration transaction", err, map[string]any{"registration_id": txn.RegistrationID})
	}

	return txn, nil
}

// Get retrieves a transaction by ID
func (r *Repository) Get(ctx context.Context, id string) (*models.RegistrationTransaction, error) {
	ctx, span := tracing.StartSpan(ctx, "regtransaction.Repository.Get")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("id", "registration_id", "status_code", "created_at", "updated_at")
	sb.From("registration_transactions")
	sb.Where(sb.Equal("id", id))

	query, args := sb.Build()
	var txn models.RegistrationTransaction
	if err := r.db.GetContext(ctx, &txn, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.New(apperror.KindRecordNotFound, "registration transaction not found", map[string]any{"transaction_id": id})
		}
		r.logger.WithContext(ctx).WithError(err).Error("Failed to get registration transaction")
		return nil, apperror.Wrap(apperror.KindStorageUnavailable, "failed to get registration transaction", err, map[string]any{"transaction_id": id})
	}

	return &txn, nil
}

// GetLatestByRegistration retrieves the most recent transaction for a
// registration
func (r *Repository) GetLatestByRegistration(ctx context.Context, registrationID string) (*models.RegistrationTransaction, error) {
	ctx, span := tracing.StartSpan(ctx, "regtransaction.Repository.GetLatestByRegistration")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("id", "registration_id", "status_code", "created_at", "updated_at")
	sb.From("registration_transactions")
	sb.Where(sb.Equal("registration_id", registrationID))
	sb.OrderBy("created_at DESC")
	sb.Limit(1)

	query, args := sb.Build()
	var txn models.RegistrationTransaction
	if err := r.db.GetContext(ctx, &txn, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.New(apperror.KindRecordNotFound, "no transaction for registration", map[string]any{"registration_id": registrationID})
		}
		r.logger.WithContext(ctx).WithError(err).Error("Failed to get latest registration transaction")
		return nil, apperror.Wrap(apperror.KindStorageUnavailable, "failed to get latest registration transaction", err, map[string]any{"registration_id": registrationID})
	}

	return &txn, nil
}

// UpdateStatus advances a transaction to the given status. The update refuses
// to move a transaction out of a terminal status; an attempt to do so returns
// INVALID_STATE_TRANSITION.
func (r *Repository) UpdateStatus(ctx context.Context, id string, status models.TransactionStatus) error {
	ctx, span := tracing.StartSpan(ctx, "regtransaction.Repository.UpdateStatus")
	defer span.End()

	now := time.Now().UTC()
	query := `
		UPDATE registration_transactions
		SET status_code = $1, updated_at = $2
		WHERE id = $3
		AND status_code NOT IN ($4, $5, $6)
	`

	result, err := r.db.ExecContext(ctx, query, status, now, id,
		models.TransactionStatusCompleted, models.TransactionStatusDuplicateFound, models.TransactionStatusFailed)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to update registration transaction status")
		return apperror.Wrap(apperror.KindStorageUnavailable, "failed to update registration transaction status", err, map[string]any{"transaction_id": id})
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		existing, getErr := r.Get(ctx, id)
		if getErr != nil {
			return getErr
		}
		return apperror.New(apperror.KindInvalidStateTransition, "transaction already in a terminal status", map[string]any{
			"transaction_id": id,
			"current_status": existing.Status,
			"target_status":  status,
		})
	}

	return nil
}
