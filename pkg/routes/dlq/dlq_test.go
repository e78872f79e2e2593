package dlq

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/aster/pkg/apperror"
	"github.com/Ramsey-B/aster/pkg/kafka"
	"github.com/Ramsey-B/aster/pkg/redis"
)

type fakeStore struct {
	entries map[string]*redis.DLQEntry
	order   []string
	deleted []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{entries: map[string]*redis.DLQEntry{}}
}

func (f *fakeStore) add(streamID string, entry redis.DLQEntry) {
	entry.StreamID = streamID
	f.entries[streamID] = &entry
	f.order = append(f.order, streamID)
}

func (f *fakeStore) List(ctx context.Context, count int64) ([]redis.DLQEntry, error) {
	var out []redis.DLQEntry
	for i := len(f.order) - 1; i >= 0 && int64(len(out)) < count; i-- {
		out = append(out, *f.entries[f.order[i]])
	}
	return out, nil
}

func (f *fakeStore) Get(ctx context.Context, messageID string) (*redis.DLQEntry, error) {
	entry, ok := f.entries[messageID]
	if !ok {
		return nil, nil
	}
	clone := *entry
	return &clone, nil
}

func (f *fakeStore) Delete(ctx context.Context, messageID string) error {
	delete(f.entries, messageID)
	f.deleted = append(f.deleted, messageID)
	return nil
}

func (f *fakeStore) Count(ctx context.Context) (int64, error) {
	return int64(len(f.entries)), nil
}

type fakeReplayer struct {
	handled []*kafka.IncomingMessage
	err     error
}

func (f *fakeReplayer) Handle(ctx context.Context, msg *kafka.IncomingMessage) error {
	if f.err != nil {
		return f.err
	}
	f.handled = append(f.handled, msg)
	return nil
}

func noopLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

type fixture struct {
	store     *fakeStore
	packets   *fakeReplayer
	responses *fakeReplayer
	handler   *Handler
	echo      *echo.Echo
}

func newFixture() *fixture {
	store := newFakeStore()
	packets := &fakeReplayer{}
	responses := &fakeReplayer{}
	return &fixture{
		store:     store,
		packets:   packets,
		responses: responses,
		handler:   NewHandler(store, packets, responses, "registration-packets", noopLogger()),
		echo:      echo.New(),
	}
}

func (f *fixture) request(method, target string, paramID string) (echo.Context, *httptest.ResponseRecorder) {
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	c := f.echo.NewContext(req, rec)
	if paramID != "" {
		c.SetParamNames("id")
		c.SetParamValues(paramID)
	}
	return c, rec
}

func TestHandler_List(t *testing.T) {
	f := newFixture()
	f.store.add("1-0", redis.DLQEntry{ID: "a", Topic: "registration-packets", Payload: []byte(`{}`)})
	f.store.add("2-0", redis.DLQEntry{ID: "b", Topic: "abis-responses", Payload: []byte(`{}`)})

	c, rec := f.request(http.MethodGet, "/api/v1/dlq", "")
	require.NoError(t, f.handler.List(c))
	require.Equal(t, http.StatusOK, rec.Code)

	var body ListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Count)
	assert.Equal(t, int64(2), body.Total)
	require.Len(t, body.Entries, 2)
	assert.Equal(t, "2-0", body.Entries[0].StreamID, "newest first")

	c, _ = f.request(http.MethodGet, "/api/v1/dlq?count=zero", "")
	assert.Error(t, f.handler.List(c))
}

func TestHandler_Get(t *testing.T) {
	f := newFixture()
	f.store.add("1-0", redis.DLQEntry{ID: "a", Topic: "abis-responses", Payload: []byte(`{}`)})

	c, rec := f.request(http.MethodGet, "/api/v1/dlq/1-0", "1-0")
	require.NoError(t, f.handler.Get(c))
	require.Equal(t, http.StatusOK, rec.Code)

	var entry redis.DLQEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entry))
	assert.Equal(t, "1-0", entry.StreamID)

	c, _ = f.request(http.MethodGet, "/api/v1/dlq/9-9", "9-9")
	err := f.handler.Get(c)
	require.Error(t, err)
	assert.True(t, apperror.IsKind(err, apperror.KindRecordNotFound))
}

func TestHandler_Replay(t *testing.T) {
	t.Run("packet entries go back through the packet processor", func(t *testing.T) {
		f := newFixture()
		f.store.add("1-0", redis.DLQEntry{Topic: "registration-packets", Payload: []byte(`{"registration_id":"reg-1"}`)})

		c, rec := f.request(http.MethodPost, "/api/v1/dlq/1-0/replay", "1-0")
		require.NoError(t, f.handler.Replay(c))
		require.Equal(t, http.StatusOK, rec.Code)

		require.Len(t, f.packets.handled, 1)
		assert.Empty(t, f.responses.handled)
		assert.Equal(t, []byte(`{"registration_id":"reg-1"}`), f.packets.handled[0].Value)
		assert.Equal(t, []string{"1-0"}, f.store.deleted, "replayed entry is removed")
	})

	t.Run("other topics go back through the response processor", func(t *testing.T) {
		f := newFixture()
		f.store.add("1-0", redis.DLQEntry{Topic: "abis-responses", Payload: []byte(`{"request_id":"req-1"}`)})

		c, _ := f.request(http.MethodPost, "/api/v1/dlq/1-0/replay", "1-0")
		require.NoError(t, f.handler.Replay(c))

		require.Len(t, f.responses.handled, 1)
		assert.Empty(t, f.packets.handled)
	})

	t.Run("unknown stream id is not found", func(t *testing.T) {
		f := newFixture()
		c, _ := f.request(http.MethodPost, "/api/v1/dlq/9-9/replay", "9-9")
		err := f.handler.Replay(c)
		require.Error(t, err)
		assert.True(t, apperror.IsKind(err, apperror.KindRecordNotFound))
	})

	t.Run("a failing replay keeps the entry", func(t *testing.T) {
		f := newFixture()
		f.store.add("1-0", redis.DLQEntry{Topic: "abis-responses", Payload: []byte(`{}`)})
		f.responses.err = apperror.Newf(apperror.KindStorageUnavailable, "store down")

		c, _ := f.request(http.MethodPost, "/api/v1/dlq/1-0/replay", "1-0")
		require.Error(t, f.handler.Replay(c))
		assert.Empty(t, f.store.deleted)
	})
}

func TestHandler_Delete(t *testing.T) {
	f := newFixture()
	f.store.add("1-0", redis.DLQEntry{Topic: "abis-responses", Payload: []byte(`{}`)})

	c, rec := f.request(http.MethodDelete, "/api/v1/dlq/1-0", "1-0")
	require.NoError(t, f.handler.Delete(c))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"1-0"}, f.store.deleted)
}

func TestHandler_Stats(t *testing.T) {
	f := newFixture()
	f.store.add("1-0", redis.DLQEntry{Topic: "abis-responses", Payload: []byte(`{}`)})
	f.store.add("2-0", redis.DLQEntry{Topic: "abis-responses", Payload: []byte(`{}`)})

	c, rec := f.request(http.MethodGet, "/api/v1/dlq/stats", "")
	require.NoError(t, f.handler.Stats(c))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]int64
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, int64(2), body["total_entries"])
}
