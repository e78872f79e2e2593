package bioref

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/huandu/go-sqlbuilder"
	"github.com/lib/pq"

	"github.com/Ramsey-B/aster/pkg/apperror"
	"github.com/Ramsey-B/aster/pkg/database"
	"github.com/Ramsey-B/aster/pkg/models"
	"github.com/Ramsey-B/aster/pkg/tracing"
)

// Repository persists registration-to-biometric-reference mappings
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new bio reference repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// Create records a bio reference for a registration. Re-inserting the same
// (registration, ref) pair is a no-op; a reference id never changes once
// written.
func (r *Repository) Create(ctx context.Context, ref *models.BioReference) error {
	ctx, span := tracing.StartSpan(ctx, "bioref.Repository.Create")
	defer span.End()

	ref.CreatedAt = time.Now().UTC()

	sb := sqlbuilder.PostgreSQL.NewInsertBuilder()
	sb.InsertInto("reg_bio_refs")
	sb.Cols("registration_id", "bio_ref_id", "created_at")
	sb.Values(ref.RegistrationID, ref.BioRefID, ref.CreatedAt)

	query, args := sb.Build()
	query += " ON CONFLICT (registration_id, bio_ref_id) DO NOTHING"

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"registration_id": ref.RegistrationID}).Error("Failed to create bio reference")
		return apperror.Wrap(apperror.KindStorageUnavailable, "failed to create bio reference", err, map[string]any{"registration_id": ref.RegistrationID})
	}

	return nil
}

// ListByRegistration returns all bio references owned by a registration,
// oldest first
func (r *Repository) ListByRegistration(ctx context.Context, registrationID string) ([]models.BioReference, error) {
	ctx, span := tracing.StartSpan(ctx, "bioref.Repository.ListByRegistration")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("registration_id", "bio_ref_id", "created_at")
	sb.From("reg_bio_refs")
	sb.Where(sb.Equal("registration_id", registrationID))
	sb.OrderBy("created_at ASC")

	query, args := sb.Build()
	var refs []models.BioReference
	if err := r.db.SelectContext(ctx, &refs, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list bio references")
		return nil, apperror.Wrap(apperror.KindStorageUnavailable, "failed to list bio references", err, nil)
	}

	return refs, nil
}

// GetRegistrationByRef resolves a bio reference id back to the registration
// that owns it. Used to turn ABIS candidates (which speak in ref ids) into
// registrations.
func (r *Repository) GetRegistrationByRef(ctx context.Context, bioRefID string) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "bioref.Repository.GetRegistrationByRef")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("registration_id")
	sb.From("reg_bio_refs")
	sb.Where(sb.Equal("bio_ref_id", bioRefID))
	sb.Limit(1)

	query, args := sb.Build()
	var registrationID string
	if err := r.db.GetContext(ctx, &registrationID, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", apperror.New(apperror.KindRecordNotFound, "bio reference not found", map[string]any{"bio_ref_id": bioRefID})
		}
		r.logger.WithContext(ctx).WithError(err).Error("Failed to resolve bio reference")
		return "", apperror.Wrap(apperror.KindStorageUnavailable, "failed to resolve bio reference", err, map[string]any{"bio_ref_id": bioRefID})
	}

	return registrationID, nil
}

// RegistrationsByRefs resolves a set of bio reference ids to their owning
// registrations in one round trip. Unknown refs (gallery entries from other
// systems) are simply absent from the result.
func (r *Repository) RegistrationsByRefs(ctx context.Context, bioRefIDs []string) (map[string]string, error) {
	ctx, span := tracing.StartSpan(ctx, "bioref.Repository.RegistrationsByRefs")
	defer span.End()

	if len(bioRefIDs) == 0 {
		return map[string]string{}, nil
	}

	query := `
		SELECT registration_id, bio_ref_id, created_at
		FROM reg_bio_refs
		WHERE bio_ref_id = ANY($1)
	`

	var refs []models.BioReference
	if err := r.db.SelectContext(ctx, &refs, query, pq.Array(bioRefIDs)); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to resolve bio references")
		return nil, apperror.Wrap(apperror.KindStorageUnavailable, "failed to resolve bio references", err, nil)
	}

	result := make(map[string]string, len(refs))
	for _, ref := range refs {
		result[ref.BioRefID] = ref.RegistrationID
	}
	return result, nil
}
