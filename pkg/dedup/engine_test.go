package dedup

import (
	"context"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/aster/pkg/apperror"
	"github.com/Ramsey-B/aster/pkg/correlator"
	"github.com/Ramsey-B/aster/pkg/kafka"
	"github.com/Ramsey-B/aster/pkg/models"
)

type fakeTransactionStore struct {
	transactions map[string]*models.RegistrationTransaction
}

func (f *fakeTransactionStore) Create(ctx context.Context, txn *models.RegistrationTransaction) (*models.RegistrationTransaction, error) {
	if txn.ID == "" {
		txn.ID = uuid.New().String()
	}
	txn.Status = models.TransactionStatusProcessing
	f.transactions[txn.ID] = txn
	return txn, nil
}

func (f *fakeTransactionStore) Get(ctx context.Context, id string) (*models.RegistrationTransaction, error) {
	txn, ok := f.transactions[id]
	if !ok {
		return nil, apperror.New(apperror.KindRecordNotFound, "registration transaction not found", nil)
	}
	return txn, nil
}

func (f *fakeTransactionStore) GetLatestByRegistration(ctx context.Context, registrationID string) (*models.RegistrationTransaction, error) {
	for _, txn := range f.transactions {
		if txn.RegistrationID == registrationID {
			return txn, nil
		}
	}
	return nil, apperror.New(apperror.KindRecordNotFound, "no transaction for registration", nil)
}

func (f *fakeTransactionStore) UpdateStatus(ctx context.Context, id string, status models.TransactionStatus) error {
	txn, ok := f.transactions[id]
	if !ok {
		return apperror.New(apperror.KindRecordNotFound, "registration transaction not found", nil)
	}
	if txn.Status.IsTerminal() {
		return apperror.New(apperror.KindInvalidStateTransition, "transaction already in a terminal status", nil)
	}
	txn.Status = status
	return nil
}

type fakeBioRefStore struct {
	refs []models.BioReference
}

func (f *fakeBioRefStore) Create(ctx context.Context, ref *models.BioReference) error {
	f.refs = append(f.refs, *ref)
	return nil
}

func (f *fakeBioRefStore) ListByRegistration(ctx context.Context, registrationID string) ([]models.BioReference, error) {
	var out []models.BioReference
	for _, ref := range f.refs {
		if ref.RegistrationID == registrationID {
			out = append(out, ref)
		}
	}
	return out, nil
}

func (f *fakeBioRefStore) RegistrationsByRefs(ctx context.Context, bioRefIDs []string) (map[string]string, error) {
	out := map[string]string{}
	for _, ref := range f.refs {
		for _, id := range bioRefIDs {
			if ref.BioRefID == id {
				out[id] = ref.RegistrationID
			}
		}
	}
	return out, nil
}

type fakeDedupeStore struct {
	entries map[string][]*models.DedupeListEntry
}

func (f *fakeDedupeStore) ReplaceForTransaction(ctx context.Context, refRegtrnID string, entries []*models.DedupeListEntry) error {
	f.entries[refRegtrnID] = entries
	return nil
}

type submittedRequest struct {
	bioRefID    string
	requestType models.AbisRequestType
}

type fakeTracker struct {
	requests      map[string]*models.AbisRequest
	submitted     []submittedRequest
	batchComplete bool
	expired       []models.AbisRequest
}

func (f *fakeTracker) Submit(ctx context.Context, bioRefID, refRegtrnID, batchID string, requestType models.AbisRequestType, payloadRef string) (*models.AbisRequest, error) {
	for _, req := range f.requests {
		if req.BioRefID == bioRefID && req.RefRegtrnID == refRegtrnID && req.RequestType == requestType {
			return req, nil
		}
	}
	req := &models.AbisRequest{
		ID:          uuid.New().String(),
		BioRefID:    bioRefID,
		BatchID:     batchID,
		RefRegtrnID: refRegtrnID,
		RequestType: requestType,
		Status:      models.AbisRequestStatusSent,
	}
	f.requests[req.ID] = req
	f.submitted = append(f.submitted, submittedRequest{bioRefID, requestType})
	return req, nil
}

func (f *fakeTracker) MarkProcessed(ctx context.Context, requestID string) error {
	req, ok := f.requests[requestID]
	if !ok {
		return apperror.New(apperror.KindUnknownRequestID, "ABIS request not found", nil)
	}
	if req.Status != models.AbisRequestStatusSent {
		return apperror.New(apperror.KindInvalidStateTransition, "ABIS request not in expected status", nil)
	}
	req.Status = models.AbisRequestStatusProcessed
	return nil
}

func (f *fakeTracker) Get(ctx context.Context, requestID string) (*models.AbisRequest, error) {
	req, ok := f.requests[requestID]
	if !ok {
		return nil, apperror.New(apperror.KindUnknownRequestID, "ABIS request not found", nil)
	}
	return req, nil
}

func (f *fakeTracker) BatchComplete(ctx context.Context, batchID string) (bool, error) {
	return f.batchComplete, nil
}

func (f *fakeTracker) ExpireStale(ctx context.Context, maxAge time.Duration) ([]models.AbisRequest, error) {
	return f.expired, nil
}

type fakeCorrelator struct {
	ingested   map[string][]models.Candidate
	aggregated []models.Candidate
}

func (f *fakeCorrelator) Ingest(ctx context.Context, requestID string, candidates []models.Candidate) (*models.AbisResponse, error) {
	f.ingested[requestID] = candidates
	return &models.AbisResponse{AbisReqID: requestID}, nil
}

func (f *fakeCorrelator) AggregateCandidates(ctx context.Context, refRegtrnID string) ([]models.Candidate, error) {
	return f.aggregated, nil
}

type fakeQueue struct {
	enqueued  []*models.VerificationTask
	completed []models.VerificationTask
}

func (f *fakeQueue) Enqueue(ctx context.Context, tasks []*models.VerificationTask) error {
	f.enqueued = append(f.enqueued, tasks...)
	return nil
}

func (f *fakeQueue) Resolve(ctx context.Context, registrationID, matchedRefID, verifierID string, outcome models.VerificationOutcome) (*models.VerificationTask, error) {
	for i := range f.completed {
		if f.completed[i].MatchedRefID == matchedRefID {
			f.completed[i].Outcome = &outcome
			return &f.completed[i], nil
		}
	}
	return nil, apperror.New(apperror.KindRecordNotFound, "verification task not found", nil)
}

func (f *fakeQueue) AllResolved(ctx context.Context, registrationID string) (bool, error) {
	for _, t := range f.completed {
		if t.Outcome == nil {
			return false, nil
		}
	}
	return true, nil
}

func (f *fakeQueue) Outcomes(ctx context.Context, registrationID string) ([]models.VerificationTask, error) {
	return f.completed, nil
}

type engineFixture struct {
	engine       *Engine
	transactions *fakeTransactionStore
	bioRefs      *fakeBioRefStore
	dedupes      *fakeDedupeStore
	tracker      *fakeTracker
	correlator   *fakeCorrelator
	queue        *fakeQueue
}

func newEngineFixture() *engineFixture {
	f := &engineFixture{
		transactions: &fakeTransactionStore{transactions: map[string]*models.RegistrationTransaction{}},
		bioRefs:      &fakeBioRefStore{},
		dedupes:      &fakeDedupeStore{entries: map[string][]*models.DedupeListEntry{}},
		tracker:      &fakeTracker{requests: map[string]*models.AbisRequest{}},
		correlator:   &fakeCorrelator{ingested: map[string][]models.Candidate{}},
		queue:        &fakeQueue{},
	}
	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	policy := correlator.Policy{HighConfidenceThreshold: 0.90, MinScoreGap: 0.30}
	f.engine = NewEngine(f.transactions, f.bioRefs, f.dedupes, f.tracker, f.correlator, f.queue, policy, logger)
	return f
}

func TestEngine_ProcessPacket(t *testing.T) {
	ctx := context.Background()

	t.Run("allocates a reference and submits insert and identify", func(t *testing.T) {
		f := newEngineFixture()
		err := f.engine.ProcessPacket(ctx, &kafka.PacketMessage{
			RegistrationID: "reg-1",
			BioPayloadRef:  "s3://packets/reg-1/bio",
		})
		require.NoError(t, err)

		refs, _ := f.bioRefs.ListByRegistration(ctx, "reg-1")
		require.Len(t, refs, 1)
		require.Len(t, f.tracker.submitted, 2)
		assert.Equal(t, models.AbisRequestTypeInsert, f.tracker.submitted[0].requestType)
		assert.Equal(t, models.AbisRequestTypeIdentify, f.tracker.submitted[1].requestType)

		txn, err := f.transactions.GetLatestByRegistration(ctx, "reg-1")
		require.NoError(t, err)
		assert.Equal(t, models.TransactionStatusProcessing, txn.Status)
	})

	t.Run("redelivery reuses the open transaction and requests", func(t *testing.T) {
		f := newEngineFixture()
		msg := &kafka.PacketMessage{RegistrationID: "reg-1", BioPayloadRef: "s3://x"}
		require.NoError(t, f.engine.ProcessPacket(ctx, msg))
		require.NoError(t, f.engine.ProcessPacket(ctx, msg))

		assert.Len(t, f.tracker.submitted, 2, "no duplicate submissions")
		assert.Len(t, f.transactions.transactions, 1, "no second transaction")
	})

	t.Run("no biometric fails the transaction", func(t *testing.T) {
		f := newEngineFixture()
		err := f.engine.ProcessPacket(ctx, &kafka.PacketMessage{RegistrationID: "reg-2"})
		require.Error(t, err)
		assert.True(t, apperror.IsKind(err, apperror.KindNoBiometricCaptured))

		txn, err := f.transactions.GetLatestByRegistration(ctx, "reg-2")
		require.NoError(t, err)
		assert.Equal(t, models.TransactionStatusFailed, txn.Status)
	})

	t.Run("packet naming a transaction attaches to it", func(t *testing.T) {
		f := newEngineFixture()
		existing, err := f.transactions.Create(ctx, &models.RegistrationTransaction{
			ID:             "trn-upstream",
			RegistrationID: "reg-1",
		})
		require.NoError(t, err)

		require.NoError(t, f.engine.ProcessPacket(ctx, &kafka.PacketMessage{
			RegistrationID: "reg-1",
			TransactionID:  "trn-upstream",
			BioPayloadRef:  "s3://x",
		}))

		assert.Len(t, f.transactions.transactions, 1, "no second transaction")
		require.Len(t, f.tracker.requests, 2)
		for _, req := range f.tracker.requests {
			assert.Equal(t, existing.ID, req.RefRegtrnID)
		}
	})

	t.Run("packet with a new transaction id opens it under that id", func(t *testing.T) {
		f := newEngineFixture()
		require.NoError(t, f.engine.ProcessPacket(ctx, &kafka.PacketMessage{
			RegistrationID: "reg-1",
			TransactionID:  "trn-upstream",
			BioPayloadRef:  "s3://x",
		}))

		txn, err := f.transactions.Get(ctx, "trn-upstream")
		require.NoError(t, err)
		assert.Equal(t, "reg-1", txn.RegistrationID)
		assert.Equal(t, models.TransactionStatusProcessing, txn.Status)
	})

	t.Run("packet for a decided transaction is ignored", func(t *testing.T) {
		f := newEngineFixture()
		msg := &kafka.PacketMessage{RegistrationID: "reg-1", BioPayloadRef: "s3://x"}
		require.NoError(t, f.engine.ProcessPacket(ctx, msg))

		txn, _ := f.transactions.GetLatestByRegistration(ctx, "reg-1")
		txn.Status = models.TransactionStatusCompleted

		require.NoError(t, f.engine.ProcessPacket(ctx, msg))
		assert.Len(t, f.tracker.submitted, 2, "no new submissions after decision")
	})
}

func startedFixture(t *testing.T) (*engineFixture, *models.RegistrationTransaction, string) {
	t.Helper()
	f := newEngineFixture()
	require.NoError(t, f.engine.ProcessPacket(context.Background(), &kafka.PacketMessage{
		RegistrationID: "reg-1",
		BioPayloadRef:  "s3://x",
	}))
	txn, err := f.transactions.GetLatestByRegistration(context.Background(), "reg-1")
	require.NoError(t, err)

	var identifyID string
	for id, req := range f.tracker.requests {
		if req.RequestType == models.AbisRequestTypeIdentify {
			identifyID = id
		}
	}
	require.NotEmpty(t, identifyID)
	return f, txn, identifyID
}

func TestEngine_ProcessResponse(t *testing.T) {
	ctx := context.Background()

	t.Run("incomplete batch defers the decision", func(t *testing.T) {
		f, txn, identifyID := startedFixture(t)
		f.tracker.batchComplete = false

		require.NoError(t, f.engine.ProcessResponse(ctx, &kafka.AbisResponseMessage{RequestID: identifyID}))
		assert.Equal(t, models.TransactionStatusProcessing, txn.Status)
	})

	t.Run("empty candidates complete the transaction", func(t *testing.T) {
		f, txn, identifyID := startedFixture(t)
		f.tracker.batchComplete = true
		f.correlator.aggregated = nil

		require.NoError(t, f.engine.ProcessResponse(ctx, &kafka.AbisResponseMessage{RequestID: identifyID}))
		assert.Equal(t, models.TransactionStatusCompleted, txn.Status)
		assert.Empty(t, f.dedupes.entries[txn.ID])
	})

	t.Run("conclusive match records the duplicate", func(t *testing.T) {
		f, txn, identifyID := startedFixture(t)
		f.bioRefs.refs = append(f.bioRefs.refs, models.BioReference{RegistrationID: "reg-other", BioRefID: "ref-dup"})
		f.tracker.batchComplete = true
		f.correlator.aggregated = []models.Candidate{{MatchedRefID: "ref-dup", Score: 0.98}}

		require.NoError(t, f.engine.ProcessResponse(ctx, &kafka.AbisResponseMessage{RequestID: identifyID}))
		assert.Equal(t, models.TransactionStatusDuplicateFound, txn.Status)

		entries := f.dedupes.entries[txn.ID]
		require.Len(t, entries, 1)
		assert.Equal(t, "reg-other", entries[0].MatchedRegID)
		assert.Equal(t, "ref-dup", entries[0].MatchedRefID)
		assert.Equal(t, models.DedupeEntryTypeBiometric, entries[0].EntryType)
	})

	t.Run("inconclusive match goes to manual review", func(t *testing.T) {
		f, txn, identifyID := startedFixture(t)
		f.tracker.batchComplete = true
		f.correlator.aggregated = []models.Candidate{
			{MatchedRefID: "ref-a", Score: 0.95},
			{MatchedRefID: "ref-b", Score: 0.91},
		}

		require.NoError(t, f.engine.ProcessResponse(ctx, &kafka.AbisResponseMessage{RequestID: identifyID}))
		assert.Equal(t, models.TransactionStatusAwaitingManualReview, txn.Status)
		require.Len(t, f.queue.enqueued, 2)
		assert.Equal(t, "reg-1", f.queue.enqueued[0].RegistrationID)
	})

	t.Run("self matches are not duplicates", func(t *testing.T) {
		f, txn, identifyID := startedFixture(t)
		f.tracker.batchComplete = true

		own, _ := f.bioRefs.ListByRegistration(ctx, "reg-1")
		require.Len(t, own, 1)
		f.correlator.aggregated = []models.Candidate{{MatchedRefID: own[0].BioRefID, Score: 1.0}}

		require.NoError(t, f.engine.ProcessResponse(ctx, &kafka.AbisResponseMessage{RequestID: identifyID}))
		assert.Equal(t, models.TransactionStatusCompleted, txn.Status)
	})

	t.Run("redelivered response does not re-decide", func(t *testing.T) {
		f, txn, identifyID := startedFixture(t)
		f.tracker.batchComplete = true
		f.correlator.aggregated = nil

		require.NoError(t, f.engine.ProcessResponse(ctx, &kafka.AbisResponseMessage{RequestID: identifyID}))
		require.Equal(t, models.TransactionStatusCompleted, txn.Status)

		// second delivery: MarkProcessed refuses, engine stops quietly
		require.NoError(t, f.engine.ProcessResponse(ctx, &kafka.AbisResponseMessage{RequestID: identifyID}))
		assert.Equal(t, models.TransactionStatusCompleted, txn.Status)
	})
}

func TestEngine_ResolveVerification(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) (*engineFixture, *models.RegistrationTransaction) {
		f, txn, _ := startedFixture(t)
		txn.Status = models.TransactionStatusAwaitingManualReview
		f.queue.completed = []models.VerificationTask{
			{RegistrationID: "reg-1", MatchedRefID: "ref-a", RefRegtrnID: txn.ID},
			{RegistrationID: "reg-1", MatchedRefID: "ref-b", RefRegtrnID: txn.ID},
		}
		f.bioRefs.refs = append(f.bioRefs.refs,
			models.BioReference{RegistrationID: "reg-a", BioRefID: "ref-a"},
			models.BioReference{RegistrationID: "reg-b", BioRefID: "ref-b"},
		)
		return f, txn
	}

	t.Run("waits for every task before finalizing", func(t *testing.T) {
		f, txn := setup(t)
		_, err := f.engine.ResolveVerification(ctx, "reg-1", "ref-a", "verifier-1", models.VerificationOutcomeUniqueConfirmed)
		require.NoError(t, err)
		assert.Equal(t, models.TransactionStatusAwaitingManualReview, txn.Status)
	})

	t.Run("all unique completes the transaction", func(t *testing.T) {
		f, txn := setup(t)
		_, err := f.engine.ResolveVerification(ctx, "reg-1", "ref-a", "verifier-1", models.VerificationOutcomeUniqueConfirmed)
		require.NoError(t, err)
		_, err = f.engine.ResolveVerification(ctx, "reg-1", "ref-b", "verifier-2", models.VerificationOutcomeUniqueConfirmed)
		require.NoError(t, err)

		assert.Equal(t, models.TransactionStatusCompleted, txn.Status)
		assert.Empty(t, f.dedupes.entries[txn.ID])
	})

	t.Run("any confirmed duplicate wins", func(t *testing.T) {
		f, txn := setup(t)
		_, err := f.engine.ResolveVerification(ctx, "reg-1", "ref-a", "verifier-1", models.VerificationOutcomeUniqueConfirmed)
		require.NoError(t, err)
		_, err = f.engine.ResolveVerification(ctx, "reg-1", "ref-b", "verifier-2", models.VerificationOutcomeDuplicateConfirmed)
		require.NoError(t, err)

		assert.Equal(t, models.TransactionStatusDuplicateFound, txn.Status)
		entries := f.dedupes.entries[txn.ID]
		require.Len(t, entries, 1)
		assert.Equal(t, "ref-b", entries[0].MatchedRefID)
		assert.Equal(t, "reg-b", entries[0].MatchedRegID)
	})
}

func TestEngine_ExpireStale(t *testing.T) {
	ctx := context.Background()
	f, txn, identifyID := startedFixture(t)

	f.tracker.expired = []models.AbisRequest{*f.tracker.requests[identifyID]}
	require.NoError(t, f.engine.ExpireStale(ctx, 30*time.Minute))
	assert.Equal(t, models.TransactionStatusFailed, txn.Status)

	// already-terminal transactions are left alone
	require.NoError(t, f.engine.ExpireStale(ctx, 30*time.Minute))
	assert.Equal(t, models.TransactionStatusFailed, txn.Status)
}
