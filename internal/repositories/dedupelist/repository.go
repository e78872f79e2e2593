package dedupelist

import (
	"context"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"

	"github.com/Ramsey-B/aster/pkg/apperror"
	"github.com/Ramsey-B/aster/pkg/database"
	"github.com/Ramsey-B/aster/pkg/models"
	"github.com/Ramsey-B/aster/pkg/tracing"
)

// Repository persists dedupe list entries
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new dedupe list repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// ReplaceForTransaction deactivates any prior entries for the transaction and
// inserts the new set in one database transaction, so readers never observe
// a half-written list.
func (r *Repository) ReplaceForTransaction(ctx context.Context, refRegtrnID string, entries []*models.DedupeListEntry) error {
	ctx, span := tracing.StartSpan(ctx, "dedupelist.Repository.ReplaceForTransaction")
	defer span.End()

	now := time.Now().UTC()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return apperror.Wrap(apperror.KindStorageUnavailable, "failed to begin transaction", err, nil)
	}
	defer func() { _ = tx.Rollback() }()

	deactivate := `
		UPDATE reg_dedupe_lists
		SET is_active = false, updated_at = $1
		WHERE ref_regtrn_id = $2 AND is_active = true
	`
	if _, err := tx.ExecContext(ctx, deactivate, now, refRegtrnID); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to deactivate dedupe entries")
		return apperror.Wrap(apperror.KindStorageUnavailable, "failed to deactivate dedupe entries", err, map[string]any{"ref_regtrn_id": refRegtrnID})
	}

	if len(entries) > 0 {
		sb := sqlbuilder.PostgreSQL.NewInsertBuilder()
		sb.InsertInto("reg_dedupe_lists")
		sb.Cols("id", "ref_regtrn_id", "registration_id", "matched_reg_id", "matched_ref_id", "entry_type", "is_active", "created_at", "updated_at")
		for _, e := range entries {
			if e.ID == "" {
				e.ID = uuid.New().String()
			}
			e.IsActive = true
			e.CreatedAt = now
			e.UpdatedAt = now
			sb.Values(e.ID, e.RefRegtrnID, e.RegistrationID, e.MatchedRegID, e.MatchedRefID, e.EntryType, e.IsActive, e.CreatedAt, e.UpdatedAt)
		}

		query, args := sb.Build()
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			r.logger.WithContext(ctx).WithError(err).Error("Failed to insert dedupe entries")
			return apperror.Wrap(apperror.KindStorageUnavailable, "failed to insert dedupe entries", err, map[string]any{"ref_regtrn_id": refRegtrnID})
		}
	}

	if err := tx.Commit(); err != nil {
		return apperror.Wrap(apperror.KindStorageUnavailable, "failed to commit dedupe entries", err, map[string]any{"ref_regtrn_id": refRegtrnID})
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{"ref_regtrn_id": refRegtrnID, "count": len(entries)}).Debug("Replaced dedupe entries")
	return nil
}

// ListByRegistration returns dedupe entries for a registration, newest first.
// Set activeOnly to hide entries superseded by a later decision.
func (r *Repository) ListByRegistration(ctx context.Context, registrationID string, activeOnly bool) ([]models.DedupeListEntry, error) {
	ctx, span := tracing.StartSpan(ctx, "dedupelist.Repository.ListByRegistration")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("id", "ref_regtrn_id", "registration_id", "matched_reg_id", "matched_ref_id", "entry_type", "is_active", "created_at", "updated_at")
	sb.From("reg_dedupe_lists")

	where := []string{sb.Equal("registration_id", registrationID)}
	if activeOnly {
		where = append(where, sb.Equal("is_active", true))
	}
	sb.Where(where...)
	sb.OrderBy("created_at DESC")

	query, args := sb.Build()
	var entries []models.DedupeListEntry
	if err := r.db.SelectContext(ctx, &entries, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list dedupe entries")
		return nil, apperror.Wrap(apperror.KindStorageUnavailable, "failed to list dedupe entries", err, map[string]any{"registration_id": registrationID})
	}

	return entries, nil
}
