package tracker

import (
	"context"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/aster/pkg/apperror"
	"github.com/Ramsey-B/aster/pkg/kafka"
	"github.com/Ramsey-B/aster/pkg/models"
	"github.com/Ramsey-B/aster/pkg/tracing"
)

// RequestStore is the persistence surface the tracker needs
type RequestStore interface {
	CreateBatch(ctx context.Context, requests []*models.AbisRequest) error
	Get(ctx context.Context, id string) (*models.AbisRequest, error)
	GetActive(ctx context.Context, bioRefID, refRegtrnID string, requestType models.AbisRequestType) (*models.AbisRequest, error)
	ListByBatch(ctx context.Context, batchID string) ([]models.AbisRequest, error)
	ListByTransaction(ctx context.Context, refRegtrnID string) ([]models.AbisRequest, error)
	UpdateStatus(ctx context.Context, id string, from, to models.AbisRequestStatus) error
	CountIncompleteInBatch(ctx context.Context, batchID string) (int, error)
	ExpireStale(ctx context.Context, cutoff time.Time) ([]models.AbisRequest, error)
}

// Dispatcher publishes outbound requests to the ABIS channel
type Dispatcher interface {
	PublishAbisRequest(ctx context.Context, event *kafka.AbisRequestEvent) error
}

// Service owns the outbound ABIS request lifecycle: CREATED on persist, SENT
// on dispatch, PROCESSED when the response lands, FAILED on timeout.
type Service struct {
	store      RequestStore
	dispatcher Dispatcher
	logger     ectologger.Logger
}

// NewService creates a new request tracker
func NewService(store RequestStore, dispatcher Dispatcher, logger ectologger.Logger) *Service {
	return &Service{
		store:      store,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// Submit persists and dispatches one ABIS request. Submitting a (ref,
// transaction, type) triple that already has an active request returns the
// existing request untouched. A dispatch failure leaves the request CREATED
// so a later Submit can retry the send without re-inserting.
func (s *Service) Submit(ctx context.Context, bioRefID, refRegtrnID, batchID string, requestType models.AbisRequestType, payloadRef string) (*models.AbisRequest, error) {
	ctx, span := tracing.StartSpan(ctx, "tracker.Service.Submit")
	defer span.End()

	req := &models.AbisRequest{
		ID:          uuid.New().String(),
		BioRefID:    bioRefID,
		BatchID:     batchID,
		RefRegtrnID: refRegtrnID,
		RequestType: requestType,
	}
	if err := s.store.CreateBatch(ctx, []*models.AbisRequest{req}); err != nil {
		return nil, err
	}

	// Re-read the canonical row: on replay the insert was a no-op and the
	// surviving request carries a different id.
	active, err := s.store.GetActive(ctx, bioRefID, refRegtrnID, requestType)
	if err != nil {
		return nil, err
	}
	if active == nil {
		return nil, apperror.New(apperror.KindStorageUnavailable, "request vanished after insert", map[string]any{"bio_ref_id": bioRefID})
	}

	if active.Status != models.AbisRequestStatusCreated {
		s.logger.WithContext(ctx).WithFields(map[string]any{
			"request_id": active.ID,
			"status":     active.Status,
		}).Debug("ABIS request already dispatched, skipping")
		return active, nil
	}

	event := &kafka.AbisRequestEvent{
		RequestID:     active.ID,
		BioRefID:      active.BioRefID,
		BatchID:       active.BatchID,
		RequestType:   string(active.RequestType),
		BioPayloadRef: payloadRef,
	}
	if err := s.dispatcher.PublishAbisRequest(ctx, event); err != nil {
		return nil, apperror.Wrap(apperror.KindDispatchFailure, "failed to dispatch ABIS request", err, map[string]any{"request_id": active.ID})
	}

	if err := s.store.UpdateStatus(ctx, active.ID, models.AbisRequestStatusCreated, models.AbisRequestStatusSent); err != nil {
		return nil, err
	}
	active.Status = models.AbisRequestStatusSent

	s.logger.WithContext(ctx).WithFields(map[string]any{
		"request_id":   active.ID,
		"batch_id":     active.BatchID,
		"request_type": active.RequestType,
	}).Info("Dispatched ABIS request")
	return active, nil
}

// MarkProcessed records that a response was correlated to the request. Only
// SENT requests can move to PROCESSED.
func (s *Service) MarkProcessed(ctx context.Context, requestID string) error {
	ctx, span := tracing.StartSpan(ctx, "tracker.Service.MarkProcessed")
	defer span.End()

	return s.store.UpdateStatus(ctx, requestID, models.AbisRequestStatusSent, models.AbisRequestStatusProcessed)
}

// Get retrieves a tracked request
func (s *Service) Get(ctx context.Context, requestID string) (*models.AbisRequest, error) {
	return s.store.Get(ctx, requestID)
}

// RequestsByBatch returns the requests sharing a batch id
func (s *Service) RequestsByBatch(ctx context.Context, batchID string) ([]models.AbisRequest, error) {
	return s.store.ListByBatch(ctx, batchID)
}

// RequestsByTransaction returns the requests raised for a transaction,
// optionally filtered by type
func (s *Service) RequestsByTransaction(ctx context.Context, refRegtrnID string, requestType *models.AbisRequestType) ([]models.AbisRequest, error) {
	ctx, span := tracing.StartSpan(ctx, "tracker.Service.RequestsByTransaction")
	defer span.End()

	requests, err := s.store.ListByTransaction(ctx, refRegtrnID)
	if err != nil {
		return nil, err
	}
	if requestType == nil {
		return requests, nil
	}

	filtered := make([]models.AbisRequest, 0, len(requests))
	for _, req := range requests {
		if req.RequestType == *requestType {
			filtered = append(filtered, req)
		}
	}
	return filtered, nil
}

// BatchComplete reports whether every request of the batch has left the
// CREATED/SENT states
func (s *Service) BatchComplete(ctx context.Context, batchID string) (bool, error) {
	count, err := s.store.CountIncompleteInBatch(ctx, batchID)
	if err != nil {
		return false, err
	}
	return count == 0, nil
}

// ExpireStale fails requests that have sat in SENT longer than maxAge,
// measured from their dispatch, and returns them
func (s *Service) ExpireStale(ctx context.Context, maxAge time.Duration) ([]models.AbisRequest, error) {
	ctx, span := tracing.StartSpan(ctx, "tracker.Service.ExpireStale")
	defer span.End()

	cutoff := time.Now().UTC().Add(-maxAge)
	return s.store.ExpireStale(ctx, cutoff)
}
