package errors

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, rec *httptest.ResponseRecorder) HTTPError {
	t.Helper()
	var body HTTPErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Error
}

func TestRespond_PlainError(t *testing.T) {
	rec := httptest.NewRecorder()
	Respond(rec, http.StatusBadRequest, CodeBadRequest, errors.New("invalid state \"done\""), "req-1")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	got := decode(t, rec)
	assert.Equal(t, CodeBadRequest, got.Code)
	assert.Equal(t, "invalid state \"done\"", got.Message)
	assert.Equal(t, "req-1", got.RequestID)
}

func TestRespond_NilErrorUsesStatusText(t *testing.T) {
	rec := httptest.NewRecorder()
	Respond(rec, http.StatusInternalServerError, CodeInternal, nil, "")

	got := decode(t, rec)
	assert.Equal(t, http.StatusText(http.StatusInternalServerError), got.Message)
	assert.Empty(t, got.RequestID)
}

func TestRespond_KeepsEnvelopeCode(t *testing.T) {
	err := WrapExternal(errors.New("squeue: exit status 1"), "scheduler unavailable")

	rec := httptest.NewRecorder()
	Respond(rec, http.StatusServiceUnavailable, CodeInternal, err, "req-2")

	got := decode(t, rec)
	assert.Equal(t, CodeExternalService, got.Code)
	assert.Equal(t, "scheduler unavailable", got.Message)
	assert.Equal(t, "req-2", got.RequestID)
}

func TestBody_CarriesDetails(t *testing.T) {
	env := WithDetails(NewEnvelope(CodeServiceUnavailable, "checks failed", "req-3"),
		map[string]any{"checks": map[string]any{"store": "unhealthy"}})

	body := Body(env)
	assert.Equal(t, CodeServiceUnavailable, body.Error.Code)
	assert.Equal(t, "req-3", body.Error.RequestID)
	assert.Contains(t, body.Error.Details, "checks")
}

func TestBody_MergesContextAndDetails(t *testing.T) {
	env, err := NewEnvelope(CodeBadRequest, "bad filter", "").WithContext(map[string]any{"field": "state"})
	require.NoError(t, err)
	env = WithDetails(env, map[string]any{"allowed": []string{"queued", "done"}})

	body := Body(env)
	assert.Equal(t, "state", body.Error.Details["field"])
	assert.Equal(t, []string{"queued", "done"}, body.Error.Details["allowed"])
}

func TestWrapping(t *testing.T) {
	cause := errors.New("database is locked")

	err := WrapInternal(cause, "Cannot open batch database")
	require.Error(t, err)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "Cannot open batch database: database is locked", err.Error())

	env, ok := Envelope(err)
	require.True(t, ok)
	assert.Equal(t, CodeInternal, env.Code)

	ext := NewExternalServiceError("Scheduler unavailable")
	assert.Equal(t, "Scheduler unavailable", ext.Error())
	env, ok = Envelope(ext)
	require.True(t, ok)
	assert.Equal(t, CodeExternalService, env.Code)

	assert.NoError(t, WrapInternal(nil, "unused"))
	assert.NoError(t, WrapExternal(nil, "unused"))

	_, ok = Envelope(cause)
	assert.False(t, ok)
}
