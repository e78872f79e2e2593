package tracker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/aster/pkg/apperror"
	"github.com/Ramsey-B/aster/pkg/kafka"
	"github.com/Ramsey-B/aster/pkg/models"
)

type fakeRequestStore struct {
	requests map[string]*models.AbisRequest
}

func newFakeRequestStore() *fakeRequestStore {
	return &fakeRequestStore{requests: map[string]*models.AbisRequest{}}
}

func (f *fakeRequestStore) CreateBatch(ctx context.Context, requests []*models.AbisRequest) error {
	for _, req := range requests {
		if existing, _ := f.GetActive(ctx, req.BioRefID, req.RefRegtrnID, req.RequestType); existing != nil {
			continue
		}
		clone := *req
		clone.Status = models.AbisRequestStatusCreated
		clone.CreatedAt = time.Now().UTC()
		clone.UpdatedAt = clone.CreatedAt
		f.requests[clone.ID] = &clone
	}
	return nil
}

func (f *fakeRequestStore) Get(ctx context.Context, id string) (*models.AbisRequest, error) {
	req, ok := f.requests[id]
	if !ok {
		return nil, apperror.New(apperror.KindUnknownRequestID, "ABIS request not found", map[string]any{"request_id": id})
	}
	clone := *req
	return &clone, nil
}

func (f *fakeRequestStore) GetActive(ctx context.Context, bioRefID, refRegtrnID string, requestType models.AbisRequestType) (*models.AbisRequest, error) {
	for _, req := range f.requests {
		if req.BioRefID == bioRefID && req.RefRegtrnID == refRegtrnID && req.RequestType == requestType && req.Status.IsActive() {
			clone := *req
			return &clone, nil
		}
	}
	return nil, nil
}

func (f *fakeRequestStore) ListByBatch(ctx context.Context, batchID string) ([]models.AbisRequest, error) {
	var out []models.AbisRequest
	for _, req := range f.requests {
		if req.BatchID == batchID {
			out = append(out, *req)
		}
	}
	return out, nil
}

func (f *fakeRequestStore) ListByTransaction(ctx context.Context, refRegtrnID string) ([]models.AbisRequest, error) {
	var out []models.AbisRequest
	for _, req := range f.requests {
		if req.RefRegtrnID == refRegtrnID {
			out = append(out, *req)
		}
	}
	return out, nil
}

func (f *fakeRequestStore) UpdateStatus(ctx context.Context, id string, from, to models.AbisRequestStatus) error {
	req, ok := f.requests[id]
	if !ok {
		return apperror.New(apperror.KindUnknownRequestID, "ABIS request not found", map[string]any{"request_id": id})
	}
	if req.Status != from || !from.CanTransition(to) {
		return apperror.New(apperror.KindInvalidStateTransition, "ABIS request not in expected status", map[string]any{
			"request_id":     id,
			"current_status": req.Status,
		})
	}
	req.Status = to
	req.UpdatedAt = time.Now().UTC()
	return nil
}

func (f *fakeRequestStore) CountIncompleteInBatch(ctx context.Context, batchID string) (int, error) {
	count := 0
	for _, req := range f.requests {
		if req.BatchID == batchID && (req.Status == models.AbisRequestStatusCreated || req.Status == models.AbisRequestStatusSent) {
			count++
		}
	}
	return count, nil
}

func (f *fakeRequestStore) ExpireStale(ctx context.Context, cutoff time.Time) ([]models.AbisRequest, error) {
	var expired []models.AbisRequest
	for _, req := range f.requests {
		if req.Status == models.AbisRequestStatusSent && req.UpdatedAt.Before(cutoff) {
			req.Status = models.AbisRequestStatusFailed
			expired = append(expired, *req)
		}
	}
	return expired, nil
}

type fakeDispatcher struct {
	published []*kafka.AbisRequestEvent
	fail      bool
}

func (f *fakeDispatcher) PublishAbisRequest(ctx context.Context, event *kafka.AbisRequestEvent) error {
	if f.fail {
		return errors.New("broker unreachable")
	}
	f.published = append(f.published, event)
	return nil
}

func noopLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

func TestService_Submit(t *testing.T) {
	t.Run("persists and dispatches to SENT", func(t *testing.T) {
		store := newFakeRequestStore()
		dispatcher := &fakeDispatcher{}
		svc := NewService(store, dispatcher, noopLogger())

		req, err := svc.Submit(context.Background(), "ref-1", "trn-1", "batch-1", models.AbisRequestTypeInsert, "payload-ref")
		require.NoError(t, err)
		assert.Equal(t, models.AbisRequestStatusSent, req.Status)
		require.Len(t, dispatcher.published, 1)
		assert.Equal(t, req.ID, dispatcher.published[0].RequestID)
		assert.Equal(t, "payload-ref", dispatcher.published[0].BioPayloadRef)
	})

	t.Run("resubmission of an active request is a no-op", func(t *testing.T) {
		store := newFakeRequestStore()
		dispatcher := &fakeDispatcher{}
		svc := NewService(store, dispatcher, noopLogger())

		first, err := svc.Submit(context.Background(), "ref-1", "trn-1", "batch-1", models.AbisRequestTypeInsert, "")
		require.NoError(t, err)

		second, err := svc.Submit(context.Background(), "ref-1", "trn-1", "batch-2", models.AbisRequestTypeInsert, "")
		require.NoError(t, err)

		assert.Equal(t, first.ID, second.ID)
		assert.Equal(t, "batch-1", second.BatchID, "original batch wins on replay")
		assert.Len(t, dispatcher.published, 1, "no second dispatch")
	})

	t.Run("distinct request types are distinct requests", func(t *testing.T) {
		store := newFakeRequestStore()
		dispatcher := &fakeDispatcher{}
		svc := NewService(store, dispatcher, noopLogger())

		insert, err := svc.Submit(context.Background(), "ref-1", "trn-1", "batch-1", models.AbisRequestTypeInsert, "")
		require.NoError(t, err)
		identify, err := svc.Submit(context.Background(), "ref-1", "trn-1", "batch-1", models.AbisRequestTypeIdentify, "")
		require.NoError(t, err)

		assert.NotEqual(t, insert.ID, identify.ID)
		assert.Len(t, dispatcher.published, 2)
	})

	t.Run("dispatch failure leaves the request CREATED for retry", func(t *testing.T) {
		store := newFakeRequestStore()
		dispatcher := &fakeDispatcher{fail: true}
		svc := NewService(store, dispatcher, noopLogger())

		_, err := svc.Submit(context.Background(), "ref-1", "trn-1", "batch-1", models.AbisRequestTypeInsert, "")
		require.Error(t, err)
		assert.True(t, apperror.IsKind(err, apperror.KindDispatchFailure))

		stored, err := store.GetActive(context.Background(), "ref-1", "trn-1", models.AbisRequestTypeInsert)
		require.NoError(t, err)
		require.NotNil(t, stored)
		assert.Equal(t, models.AbisRequestStatusCreated, stored.Status)

		// retry succeeds on the same request
		dispatcher.fail = false
		retried, err := svc.Submit(context.Background(), "ref-1", "trn-1", "batch-1", models.AbisRequestTypeInsert, "")
		require.NoError(t, err)
		assert.Equal(t, stored.ID, retried.ID)
		assert.Equal(t, models.AbisRequestStatusSent, retried.Status)
	})
}

func TestService_MarkProcessed(t *testing.T) {
	store := newFakeRequestStore()
	dispatcher := &fakeDispatcher{}
	svc := NewService(store, dispatcher, noopLogger())

	req, err := svc.Submit(context.Background(), "ref-1", "trn-1", "batch-1", models.AbisRequestTypeIdentify, "")
	require.NoError(t, err)

	t.Run("SENT moves to PROCESSED", func(t *testing.T) {
		require.NoError(t, svc.MarkProcessed(context.Background(), req.ID))
		stored, err := svc.Get(context.Background(), req.ID)
		require.NoError(t, err)
		assert.Equal(t, models.AbisRequestStatusProcessed, stored.Status)
	})

	t.Run("PROCESSED cannot be re-processed", func(t *testing.T) {
		err := svc.MarkProcessed(context.Background(), req.ID)
		require.Error(t, err)
		assert.True(t, apperror.IsKind(err, apperror.KindInvalidStateTransition))
	})

	t.Run("unknown request id is surfaced", func(t *testing.T) {
		err := svc.MarkProcessed(context.Background(), "nope")
		require.Error(t, err)
		assert.True(t, apperror.IsKind(err, apperror.KindUnknownRequestID))
	})
}

func TestService_BatchComplete(t *testing.T) {
	store := newFakeRequestStore()
	svc := NewService(store, &fakeDispatcher{}, noopLogger())

	a, err := svc.Submit(context.Background(), "ref-1", "trn-1", "batch-1", models.AbisRequestTypeInsert, "")
	require.NoError(t, err)
	b, err := svc.Submit(context.Background(), "ref-1", "trn-1", "batch-1", models.AbisRequestTypeIdentify, "")
	require.NoError(t, err)

	complete, err := svc.BatchComplete(context.Background(), "batch-1")
	require.NoError(t, err)
	assert.False(t, complete)

	require.NoError(t, svc.MarkProcessed(context.Background(), a.ID))
	complete, err = svc.BatchComplete(context.Background(), "batch-1")
	require.NoError(t, err)
	assert.False(t, complete, "one response does not complete a batch of two")

	require.NoError(t, svc.MarkProcessed(context.Background(), b.ID))
	complete, err = svc.BatchComplete(context.Background(), "batch-1")
	require.NoError(t, err)
	assert.True(t, complete)
}

func TestService_ExpireStale(t *testing.T) {
	store := newFakeRequestStore()
	svc := NewService(store, &fakeDispatcher{}, noopLogger())

	sent, err := svc.Submit(context.Background(), "ref-1", "trn-1", "batch-1", models.AbisRequestTypeIdentify, "")
	require.NoError(t, err)
	store.requests[sent.ID].UpdatedAt = time.Now().UTC().Add(-time.Hour)

	fresh, err := svc.Submit(context.Background(), "ref-2", "trn-2", "batch-2", models.AbisRequestTypeIdentify, "")
	require.NoError(t, err)

	expired, err := svc.ExpireStale(context.Background(), 30*time.Minute)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, sent.ID, expired[0].ID)

	stored, err := svc.Get(context.Background(), fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AbisRequestStatusSent, stored.Status, "fresh requests are untouched")
}

func TestService_ExpireStale_TimesFromDispatch(t *testing.T) {
	store := newFakeRequestStore()
	dispatcher := &fakeDispatcher{fail: true}
	svc := NewService(store, dispatcher, noopLogger())

	// the first dispatch fails and the request sits in CREATED for an hour
	_, err := svc.Submit(context.Background(), "ref-1", "trn-1", "batch-1", models.AbisRequestTypeIdentify, "")
	require.Error(t, err)
	stored, err := store.GetActive(context.Background(), "ref-1", "trn-1", models.AbisRequestTypeIdentify)
	require.NoError(t, err)
	require.NotNil(t, stored)
	backdated := time.Now().UTC().Add(-time.Hour)
	store.requests[stored.ID].CreatedAt = backdated
	store.requests[stored.ID].UpdatedAt = backdated

	// retry succeeds, moving it to SENT just now
	dispatcher.fail = false
	retried, err := svc.Submit(context.Background(), "ref-1", "trn-1", "batch-1", models.AbisRequestTypeIdentify, "")
	require.NoError(t, err)
	assert.Equal(t, stored.ID, retried.ID)
	assert.Equal(t, models.AbisRequestStatusSent, retried.Status)

	// the timeout clock starts at the send, not at creation
	expired, err := svc.ExpireStale(context.Background(), 30*time.Minute)
	require.NoError(t, err)
	assert.Empty(t, expired, "a freshly dispatched request is not stale")

	current, err := svc.Get(context.Background(), retried.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AbisRequestStatusSent, current.Status)
}
