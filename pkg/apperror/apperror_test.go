package apperror

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	t.Run("direct error", func(t *testing.T) {
		err := New(KindUnknownRequestID, "no such request", nil)
		assert.Equal(t, KindUnknownRequestID, KindOf(err))
		assert.True(t, IsKind(err, KindUnknownRequestID))
	})

	t.Run("wrapped in a plain error", func(t *testing.T) {
		inner := New(KindDuplicateResponse, "already recorded", nil)
		err := fmt.Errorf("ingest failed: %w", inner)
		assert.Equal(t, KindDuplicateResponse, KindOf(err))
	})

	t.Run("unclassified error", func(t *testing.T) {
		err := errors.New("plain failure")
		assert.Equal(t, Kind(""), KindOf(err))
		assert.False(t, IsKind(err, KindDispatchFailure))
	})
}

func TestWrap(t *testing.T) {
	cause := errors.New("broker unreachable")
	err := Wrap(KindDispatchFailure, "could not publish request", cause, map[string]any{"request_id": "req-1"})

	assert.True(t, errors.Is(err, cause), "cause survives for errors.Is")
	assert.Contains(t, err.Error(), "DISPATCH_FAILURE")
	assert.Contains(t, err.Error(), "broker unreachable")

	meta := MetaOf(err)
	assert.Equal(t, "req-1", meta["request_id"])
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, HTTPStatus(KindRecordNotFound))
	assert.Equal(t, http.StatusNotFound, HTTPStatus(KindUnknownRequestID))
	assert.Equal(t, http.StatusConflict, HTTPStatus(KindInvalidStateTransition))
	assert.Equal(t, http.StatusConflict, HTTPStatus(KindNotAssignedToVerifier))
	assert.Equal(t, http.StatusConflict, HTTPStatus(KindDuplicateResponse))
	assert.Equal(t, http.StatusUnprocessableEntity, HTTPStatus(KindNoBiometricCaptured))
	assert.Equal(t, http.StatusServiceUnavailable, HTTPStatus(KindStorageUnavailable))
	assert.Equal(t, http.StatusServiceUnavailable, HTTPStatus(KindDispatchFailure))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(Kind("SOMETHING_ELSE")))
}

func TestRetryable(t *testing.T) {
	assert.True(t, KindDispatchFailure.Retryable())
	assert.True(t, KindStorageUnavailable.Retryable())
	assert.False(t, KindInvalidStateTransition.Retryable())
	assert.False(t, KindDuplicateResponse.Retryable())
}
