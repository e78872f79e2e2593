package correlator

import (
	"context"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/aster/pkg/apperror"
	"github.com/Ramsey-B/aster/pkg/models"
	"github.com/Ramsey-B/aster/pkg/tracing"
)

// ResponseStore is the persistence surface the correlator needs
type ResponseStore interface {
	CreateWithCandidates(ctx context.Context, resp *models.AbisResponse, candidates []models.AbisResponseCandidate) error
	GetByRequestID(ctx context.Context, abisReqID string) (*models.AbisResponse, error)
	CandidatesByBatch(ctx context.Context, batchID string) ([]models.AbisResponseCandidate, error)
}

// RequestLookup resolves inbound request ids against the tracker
type RequestLookup interface {
	Get(ctx context.Context, requestID string) (*models.AbisRequest, error)
	ListByTransaction(ctx context.Context, refRegtrnID string) ([]models.AbisRequest, error)
}

// Service correlates asynchronous ABIS responses back to tracked requests
type Service struct {
	responses ResponseStore
	requests  RequestLookup
	logger    ectologger.Logger

	// strict rejects duplicate deliveries instead of treating them as a
	// redelivery no-op
	strict bool
}

// NewService creates a new response correlator
func NewService(responses ResponseStore, requests RequestLookup, strict bool, logger ectologger.Logger) *Service {
	return &Service{
		responses: responses,
		requests:  requests,
		strict:    strict,
		logger:    logger,
	}
}

// Ingest stores an inbound response against its request. A response whose
// request id is untracked is UNKNOWN_REQUEST_ID. A second delivery for the
// same request returns the stored response under the default policy and
// DUPLICATE_RESPONSE under the strict policy.
func (s *Service) Ingest(ctx context.Context, requestID string, candidates []models.Candidate) (*models.AbisResponse, error) {
	ctx, span := tracing.StartSpan(ctx, "correlator.Service.Ingest")
	defer span.End()

	req, err := s.requests.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}

	resp := &models.AbisResponse{
		AbisReqID: req.ID,
		BatchID:   req.BatchID,
	}
	rows := make([]models.AbisResponseCandidate, 0, len(candidates))
	for _, c := range candidates {
		rows = append(rows, models.AbisResponseCandidate{
			MatchedRefID: c.MatchedRefID,
			Score:        c.Score,
		})
	}

	if err := s.responses.CreateWithCandidates(ctx, resp, rows); err != nil {
		if apperror.IsKind(err, apperror.KindDuplicateResponse) {
			if s.strict {
				return nil, err
			}
			s.logger.WithContext(ctx).WithFields(map[string]any{"request_id": requestID}).Info("Duplicate ABIS response discarded")
			return s.responses.GetByRequestID(ctx, requestID)
		}
		return nil, err
	}

	s.logger.WithContext(ctx).WithFields(map[string]any{
		"request_id":      requestID,
		"batch_id":        req.BatchID,
		"candidate_count": len(candidates),
	}).Info("Correlated ABIS response")
	return resp, nil
}

// AggregateCandidates merges candidates across every request of a
// transaction, keeping the best score per matched reference
func (s *Service) AggregateCandidates(ctx context.Context, refRegtrnID string) ([]models.Candidate, error) {
	ctx, span := tracing.StartSpan(ctx, "correlator.Service.AggregateCandidates")
	defer span.End()

	requests, err := s.requests.ListByTransaction(ctx, refRegtrnID)
	if err != nil {
		return nil, err
	}

	best := map[string]float64{}
	seenBatches := map[string]bool{}
	for _, req := range requests {
		if seenBatches[req.BatchID] {
			continue
		}
		seenBatches[req.BatchID] = true

		rows, err := s.responses.CandidatesByBatch(ctx, req.BatchID)
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			if score, ok := best[row.MatchedRefID]; !ok || row.Score > score {
				best[row.MatchedRefID] = row.Score
			}
		}
	}

	candidates := make([]models.Candidate, 0, len(best))
	for refID, score := range best {
		candidates = append(candidates, models.Candidate{MatchedRefID: refID, Score: score})
	}
	return candidates, nil
}
