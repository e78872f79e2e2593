package verification

import (
	"context"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/aster/pkg/models"
	"github.com/Ramsey-B/aster/pkg/tracing"
)

// TaskStore is the persistence surface the verification queue needs
type TaskStore interface {
	CreateBatch(ctx context.Context, tasks []*models.VerificationTask) error
	AssignOldestPending(ctx context.Context, verifierID string, matchType *models.VerificationMatchType) (*models.VerificationTask, error)
	Complete(ctx context.Context, registrationID, matchedRefID, verifierID string, outcome models.VerificationOutcome) (*models.VerificationTask, error)
	Get(ctx context.Context, registrationID, matchedRefID string) (*models.VerificationTask, error)
	ListAssigned(ctx context.Context, verifierID string) ([]models.VerificationTask, error)
	CountPending(ctx context.Context, matchType *models.VerificationMatchType) (int, error)
	CountOpenForRegistration(ctx context.Context, registrationID string) (int, error)
	ListCompletedForRegistration(ctx context.Context, registrationID string) ([]models.VerificationTask, error)
}

// Service is the manual verification work queue. Tasks are handed out
// strictly oldest-first per match type and each task goes to exactly one
// verifier.
type Service struct {
	store  TaskStore
	logger ectologger.Logger
}

// NewService creates a new verification queue service
func NewService(store TaskStore, logger ectologger.Logger) *Service {
	return &Service{
		store:  store,
		logger: logger,
	}
}

// Enqueue creates PENDING tasks for the inconclusive matches of a
// registration. Re-enqueueing an existing (registration, ref) pair is a
// no-op.
func (s *Service) Enqueue(ctx context.Context, tasks []*models.VerificationTask) error {
	ctx, span := tracing.StartSpan(ctx, "verification.Service.Enqueue")
	defer span.End()

	return s.store.CreateBatch(ctx, tasks)
}

// AssignNext claims the oldest pending task for the verifier: of the
// requested match type when one is given, across all types when matchType is
// nil. Returns nil when the queue is empty.
func (s *Service) AssignNext(ctx context.Context, verifierID string, matchType *models.VerificationMatchType) (*models.VerificationTask, error) {
	ctx, span := tracing.StartSpan(ctx, "verification.Service.AssignNext")
	defer span.End()

	task, err := s.store.AssignOldestPending(ctx, verifierID, matchType)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, nil
	}

	s.logger.WithContext(ctx).WithFields(map[string]any{
		"registration_id": task.RegistrationID,
		"matched_ref_id":  task.MatchedRefID,
		"verifier_id":     verifierID,
	}).Info("Assigned verification task")
	return task, nil
}

// Resolve records the verifier's outcome on an assigned task
func (s *Service) Resolve(ctx context.Context, registrationID, matchedRefID, verifierID string, outcome models.VerificationOutcome) (*models.VerificationTask, error) {
	ctx, span := tracing.StartSpan(ctx, "verification.Service.Resolve")
	defer span.End()

	task, err := s.store.Complete(ctx, registrationID, matchedRefID, verifierID, outcome)
	if err != nil {
		return nil, err
	}

	s.logger.WithContext(ctx).WithFields(map[string]any{
		"registration_id": registrationID,
		"matched_ref_id":  matchedRefID,
		"verifier_id":     verifierID,
		"outcome":         outcome,
	}).Info("Resolved verification task")
	return task, nil
}

// Assigned returns the tasks currently held by a verifier
func (s *Service) Assigned(ctx context.Context, verifierID string) ([]models.VerificationTask, error) {
	return s.store.ListAssigned(ctx, verifierID)
}

// PendingCount returns the queue depth, per match type or overall
func (s *Service) PendingCount(ctx context.Context, matchType *models.VerificationMatchType) (int, error) {
	return s.store.CountPending(ctx, matchType)
}

// AllResolved reports whether every task raised for a registration has been
// completed
func (s *Service) AllResolved(ctx context.Context, registrationID string) (bool, error) {
	count, err := s.store.CountOpenForRegistration(ctx, registrationID)
	if err != nil {
		return false, err
	}
	return count == 0, nil
}

// Outcomes returns the completed tasks for a registration
func (s *Service) Outcomes(ctx context.Context, registrationID string) ([]models.VerificationTask, error) {
	return s.store.ListCompletedForRegistration(ctx, registrationID)
}
