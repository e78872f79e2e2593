package dedup

import (
	"context"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/aster/pkg/apperror"
	"github.com/Ramsey-B/aster/pkg/correlator"
	"github.com/Ramsey-B/aster/pkg/kafka"
	"github.com/Ramsey-B/aster/pkg/models"
	"github.com/Ramsey-B/aster/pkg/tracing"
)

// TransactionStore persists registration transactions
type TransactionStore interface {
	Create(ctx context.Context, txn *models.RegistrationTransaction) (*models.RegistrationTransaction, error)
	Get(ctx context.Context, id string) (*models.RegistrationTransaction, error)
	GetLatestByRegistration(ctx context.Context, registrationID string) (*models.RegistrationTransaction, error)
	UpdateStatus(ctx context.Context, id string, status models.TransactionStatus) error
}

// BioRefStore persists registration-to-reference mappings
type BioRefStore interface {
	Create(ctx context.Context, ref *models.BioReference) error
	ListByRegistration(ctx context.Context, registrationID string) ([]models.BioReference, error)
	RegistrationsByRefs(ctx context.Context, bioRefIDs []string) (map[string]string, error)
}

// DedupeStore records duplicate decisions
type DedupeStore interface {
	ReplaceForTransaction(ctx context.Context, refRegtrnID string, entries []*models.DedupeListEntry) error
}

// Tracker is the outbound request lifecycle
type Tracker interface {
	Submit(ctx context.Context, bioRefID, refRegtrnID, batchID string, requestType models.AbisRequestType, payloadRef string) (*models.AbisRequest, error)
	MarkProcessed(ctx context.Context, requestID string) error
	Get(ctx context.Context, requestID string) (*models.AbisRequest, error)
	BatchComplete(ctx context.Context, batchID string) (bool, error)
	ExpireStale(ctx context.Context, maxAge time.Duration) ([]models.AbisRequest, error)
}

// Correlator aggregates inbound responses
type Correlator interface {
	Ingest(ctx context.Context, requestID string, candidates []models.Candidate) (*models.AbisResponse, error)
	AggregateCandidates(ctx context.Context, refRegtrnID string) ([]models.Candidate, error)
}

// VerificationQueue is the manual review queue
type VerificationQueue interface {
	Enqueue(ctx context.Context, tasks []*models.VerificationTask) error
	Resolve(ctx context.Context, registrationID, matchedRefID, verifierID string, outcome models.VerificationOutcome) (*models.VerificationTask, error)
	AllResolved(ctx context.Context, registrationID string) (bool, error)
	Outcomes(ctx context.Context, registrationID string) ([]models.VerificationTask, error)
}

// Engine drives a registration transaction from packet arrival to a terminal
// dedup decision: dispatch matching requests, wait for the batch, evaluate
// candidates, and either finish automatically or hand off to manual review.
type Engine struct {
	transactions TransactionStore
	bioRefs      BioRefStore
	dedupes      DedupeStore
	tracker      Tracker
	correlator   Correlator
	queue        VerificationQueue
	policy       correlator.Policy
	logger       ectologger.Logger
}

// NewEngine creates a new dedup decision engine
func NewEngine(
	transactions TransactionStore,
	bioRefs BioRefStore,
	dedupes DedupeStore,
	tracker Tracker,
	corr Correlator,
	queue VerificationQueue,
	policy correlator.Policy,
	logger ectologger.Logger,
) *Engine {
	return &Engine{
		transactions: transactions,
		bioRefs:      bioRefs,
		dedupes:      dedupes,
		tracker:      tracker,
		correlator:   corr,
		queue:        queue,
		policy:       policy,
		logger:       logger,
	}
}

// ProcessPacket starts (or resumes) dedup for an arrived registration packet.
// Redelivery is safe: the open transaction is reused and request submission
// is idempotent per (reference, transaction, type).
func (e *Engine) ProcessPacket(ctx context.Context, msg *kafka.PacketMessage) error {
	ctx, span := tracing.StartSpan(ctx, "dedup.Engine.ProcessPacket")
	defer span.End()

	txn, err := e.openTransaction(ctx, msg.RegistrationID, msg.TransactionID)
	if err != nil {
		return err
	}
	if txn.Status.IsTerminal() {
		e.logger.WithContext(ctx).WithFields(map[string]any{
			"registration_id": msg.RegistrationID,
			"status":          txn.Status,
		}).Info("Packet redelivered for a decided transaction, ignoring")
		return nil
	}

	refs, err := e.bioRefs.ListByRegistration(ctx, msg.RegistrationID)
	if err != nil {
		return err
	}
	if len(refs) == 0 {
		if msg.BioPayloadRef == "" {
			if err := e.transactions.UpdateStatus(ctx, txn.ID, models.TransactionStatusFailed); err != nil {
				return err
			}
			return apperror.New(apperror.KindNoBiometricCaptured, "registration has no biometric reference", map[string]any{"registration_id": msg.RegistrationID})
		}

		ref := &models.BioReference{
			RegistrationID: msg.RegistrationID,
			BioRefID:       uuid.New().String(),
		}
		if err := e.bioRefs.Create(ctx, ref); err != nil {
			return err
		}
		refs = []models.BioReference{*ref}
	}

	batchID := uuid.New().String()
	for _, ref := range refs {
		// INSERT adds the reference to the gallery, IDENTIFY searches it.
		// Both are batch members; the decision waits for all of them.
		if _, err := e.tracker.Submit(ctx, ref.BioRefID, txn.ID, batchID, models.AbisRequestTypeInsert, msg.BioPayloadRef); err != nil {
			return err
		}
		if _, err := e.tracker.Submit(ctx, ref.BioRefID, txn.ID, batchID, models.AbisRequestTypeIdentify, msg.BioPayloadRef); err != nil {
			return err
		}
	}

	e.logger.WithContext(ctx).WithFields(map[string]any{
		"registration_id": msg.RegistrationID,
		"transaction_id":  txn.ID,
		"ref_count":       len(refs),
	}).Info("Started dedup for registration packet")
	return nil
}

// openTransaction attaches the packet to its registration transaction. A
// packet that names a transaction id binds to that transaction, creating it
// under the upstream id when it is new; a packet without one reuses the
// registration's latest transaction or opens a fresh one.
func (e *Engine) openTransaction(ctx context.Context, registrationID, transactionID string) (*models.RegistrationTransaction, error) {
	if transactionID != "" {
		txn, err := e.transactions.Get(ctx, transactionID)
		if err == nil {
			return txn, nil
		}
		if !apperror.IsKind(err, apperror.KindRecordNotFound) {
			return nil, err
		}
		return e.transactions.Create(ctx, &models.RegistrationTransaction{ID: transactionID, RegistrationID: registrationID})
	}

	existing, err := e.transactions.GetLatestByRegistration(ctx, registrationID)
	if err != nil && !apperror.IsKind(err, apperror.KindRecordNotFound) {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	return e.transactions.Create(ctx, &models.RegistrationTransaction{RegistrationID: registrationID})
}

// ProcessResponse correlates one inbound ABIS response and, when it completes
// its batch, drives the transaction to a decision
func (e *Engine) ProcessResponse(ctx context.Context, msg *kafka.AbisResponseMessage) error {
	ctx, span := tracing.StartSpan(ctx, "dedup.Engine.ProcessResponse")
	defer span.End()

	candidates := make([]models.Candidate, 0, len(msg.Candidates))
	for _, c := range msg.Candidates {
		candidates = append(candidates, models.Candidate{MatchedRefID: c.MatchedRefID, Score: c.Score})
	}

	if _, err := e.correlator.Ingest(ctx, msg.RequestID, candidates); err != nil {
		return err
	}

	if err := e.tracker.MarkProcessed(ctx, msg.RequestID); err != nil {
		if apperror.IsKind(err, apperror.KindInvalidStateTransition) {
			// Redelivered response: the request already advanced and the
			// decision (if due) has already run.
			e.logger.WithContext(ctx).WithFields(map[string]any{"request_id": msg.RequestID}).Debug("Request already processed")
			return nil
		}
		return err
	}

	req, err := e.tracker.Get(ctx, msg.RequestID)
	if err != nil {
		return err
	}

	complete, err := e.tracker.BatchComplete(ctx, req.BatchID)
	if err != nil {
		return err
	}
	if !complete {
		e.logger.WithContext(ctx).WithFields(map[string]any{"batch_id": req.BatchID}).Debug("Batch still awaiting responses")
		return nil
	}

	return e.decide(ctx, req.RefRegtrnID)
}

// decide evaluates the aggregated candidates of a completed batch and moves
// the transaction to COMPLETED, DUPLICATE_FOUND or AWAITING_MANUAL_REVIEW
func (e *Engine) decide(ctx context.Context, refRegtrnID string) error {
	ctx, span := tracing.StartSpan(ctx, "dedup.Engine.decide")
	defer span.End()

	txn, err := e.transactions.Get(ctx, refRegtrnID)
	if err != nil {
		return err
	}
	if txn.Status.IsTerminal() {
		return nil
	}

	candidates, err := e.correlator.AggregateCandidates(ctx, refRegtrnID)
	if err != nil {
		return err
	}

	candidates, err = e.dropSelfMatches(ctx, txn.RegistrationID, candidates)
	if err != nil {
		return err
	}

	decision := e.policy.Evaluate(candidates)
	switch {
	case decision.Conclusive && decision.Match == nil:
		if err := e.transactions.UpdateStatus(ctx, txn.ID, models.TransactionStatusCompleted); err != nil {
			return err
		}
		e.logger.WithContext(ctx).WithFields(map[string]any{"transaction_id": txn.ID}).Info("No duplicates found, transaction completed")

	case decision.Conclusive:
		if err := e.recordDuplicates(ctx, txn, []models.Candidate{*decision.Match}); err != nil {
			return err
		}
		e.logger.WithContext(ctx).WithFields(map[string]any{
			"transaction_id": txn.ID,
			"matched_ref_id": decision.Match.MatchedRefID,
			"score":          decision.Match.Score,
		}).Info("Conclusive duplicate found")

	default:
		tasks := make([]*models.VerificationTask, 0, len(candidates))
		for _, c := range candidates {
			tasks = append(tasks, &models.VerificationTask{
				RegistrationID: txn.RegistrationID,
				MatchedRefID:   c.MatchedRefID,
				RefRegtrnID:    txn.ID,
				MatchType:      models.VerificationMatchTypeBio,
			})
		}
		if err := e.queue.Enqueue(ctx, tasks); err != nil {
			return err
		}
		if err := e.transactions.UpdateStatus(ctx, txn.ID, models.TransactionStatusAwaitingManualReview); err != nil {
			return err
		}
		e.logger.WithContext(ctx).WithFields(map[string]any{
			"transaction_id": txn.ID,
			"task_count":     len(tasks),
		}).Info("Inconclusive matches routed to manual verification")
	}

	return nil
}

// dropSelfMatches removes candidates that are the registration's own
// references. The gallery INSERT makes the registration match itself on
// IDENTIFY; that is never a duplicate.
func (e *Engine) dropSelfMatches(ctx context.Context, registrationID string, candidates []models.Candidate) ([]models.Candidate, error) {
	if len(candidates) == 0 {
		return candidates, nil
	}

	own, err := e.bioRefs.ListByRegistration(ctx, registrationID)
	if err != nil {
		return nil, err
	}
	ownSet := make(map[string]bool, len(own))
	for _, ref := range own {
		ownSet[ref.BioRefID] = true
	}

	filtered := make([]models.Candidate, 0, len(candidates))
	for _, c := range candidates {
		if !ownSet[c.MatchedRefID] {
			filtered = append(filtered, c)
		}
	}
	return filtered, nil
}

func (e *Engine) recordDuplicates(ctx context.Context, txn *models.RegistrationTransaction, matches []models.Candidate) error {
	refIDs := make([]string, 0, len(matches))
	for _, m := range matches {
		refIDs = append(refIDs, m.MatchedRefID)
	}
	owners, err := e.bioRefs.RegistrationsByRefs(ctx, refIDs)
	if err != nil {
		return err
	}

	entries := make([]*models.DedupeListEntry, 0, len(matches))
	for _, m := range matches {
		entries = append(entries, &models.DedupeListEntry{
			RefRegtrnID:    txn.ID,
			RegistrationID: txn.RegistrationID,
			MatchedRegID:   owners[m.MatchedRefID],
			MatchedRefID:   m.MatchedRefID,
			EntryType:      models.DedupeEntryTypeBiometric,
		})
	}

	// The entry write and the old-entry deactivation share one database
	// transaction; the status flip follows.
	if err := e.dedupes.ReplaceForTransaction(ctx, txn.ID, entries); err != nil {
		return err
	}
	return e.transactions.UpdateStatus(ctx, txn.ID, models.TransactionStatusDuplicateFound)
}

// ResolveVerification records a verifier's outcome and, once every task of
// the registration is resolved, finalizes the transaction: any confirmed
// duplicate wins, otherwise the registration completes as unique.
func (e *Engine) ResolveVerification(ctx context.Context, registrationID, matchedRefID, verifierID string, outcome models.VerificationOutcome) (*models.VerificationTask, error) {
	ctx, span := tracing.StartSpan(ctx, "dedup.Engine.ResolveVerification")
	defer span.End()

	task, err := e.queue.Resolve(ctx, registrationID, matchedRefID, verifierID, outcome)
	if err != nil {
		return nil, err
	}

	done, err := e.queue.AllResolved(ctx, registrationID)
	if err != nil {
		return nil, err
	}
	if !done {
		return task, nil
	}

	completed, err := e.queue.Outcomes(ctx, registrationID)
	if err != nil {
		return nil, err
	}

	confirmed := make([]models.Candidate, 0)
	for _, t := range completed {
		if t.Outcome != nil && *t.Outcome == models.VerificationOutcomeDuplicateConfirmed {
			confirmed = append(confirmed, models.Candidate{MatchedRefID: t.MatchedRefID})
		}
	}

	txn, err := e.transactions.Get(ctx, task.RefRegtrnID)
	if err != nil {
		return nil, err
	}

	if len(confirmed) > 0 {
		if err := e.recordDuplicates(ctx, txn, confirmed); err != nil {
			return nil, err
		}
		e.logger.WithContext(ctx).WithFields(map[string]any{"transaction_id": txn.ID, "confirmed": len(confirmed)}).Info("Manual review confirmed duplicate")
	} else {
		if err := e.transactions.UpdateStatus(ctx, txn.ID, models.TransactionStatusCompleted); err != nil {
			return nil, err
		}
		e.logger.WithContext(ctx).WithFields(map[string]any{"transaction_id": txn.ID}).Info("Manual review confirmed unique, transaction completed")
	}

	return task, nil
}

// ExpireStale fails requests stuck in SENT past maxAge and fails their
// transactions so nothing waits forever on a silent ABIS
func (e *Engine) ExpireStale(ctx context.Context, maxAge time.Duration) error {
	ctx, span := tracing.StartSpan(ctx, "dedup.Engine.ExpireStale")
	defer span.End()

	expired, err := e.tracker.ExpireStale(ctx, maxAge)
	if err != nil {
		return err
	}

	seen := map[string]bool{}
	for _, req := range expired {
		if seen[req.RefRegtrnID] {
			continue
		}
		seen[req.RefRegtrnID] = true

		if err := e.transactions.UpdateStatus(ctx, req.RefRegtrnID, models.TransactionStatusFailed); err != nil {
			if apperror.IsKind(err, apperror.KindInvalidStateTransition) {
				continue
			}
			return err
		}
		e.logger.WithContext(ctx).WithFields(map[string]any{
			"transaction_id": req.RefRegtrnID,
			"request_id":     req.ID,
		}).Warn("Transaction failed after ABIS request timeout")
	}

	return nil
}
