// Package errors builds status-server error bodies and CLI diagnostic errors
// on gofulmen error envelopes.
package errors

import (
	"encoding/json"
	"net/http"

	ferrors "github.com/fulmenhq/gofulmen/errors"
)

// HTTPError is the error object of an HTTPErrorResponse.
type HTTPError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	RequestID string         `json:"request_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// HTTPErrorResponse is the body of every non-2xx response.
type HTTPErrorResponse struct {
	Error HTTPError `json:"error"`
}

const (
	CodeNotFound           = "NOT_FOUND"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	CodeBadRequest         = "BAD_REQUEST"
	CodeInternal           = "INTERNAL_ERROR"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeExternalService    = "EXTERNAL_SERVICE_ERROR"
)

// NewEnvelope returns an envelope correlated with requestID when one is set.
func NewEnvelope(code, message, requestID string) *ferrors.ErrorEnvelope {
	env := ferrors.NewErrorEnvelope(code, message)
	if requestID != "" {
		env = env.WithCorrelationID(requestID)
	}
	return env
}

// WithDetails attaches details to the envelope.
func WithDetails(env *ferrors.ErrorEnvelope, details map[string]any) *ferrors.ErrorEnvelope {
	return env.WithDetails(details)
}

// Body renders an envelope as the response body. Details and validated
// context are merged, details winning on key clashes.
func Body(env *ferrors.ErrorEnvelope) HTTPErrorResponse {
	var details map[string]any
	if len(env.Context)+len(env.Details) > 0 {
		details = make(map[string]any, len(env.Context)+len(env.Details))
		for k, v := range env.Context {
			details[k] = v
		}
		for k, v := range env.Details {
			details[k] = v
		}
	}
	return HTTPErrorResponse{Error: HTTPError{
		Code:      env.Code,
		Message:   env.Message,
		RequestID: env.CorrelationID,
		Details:   details,
	}}
}

// WriteEnvelope writes env with the given status.
func WriteEnvelope(w http.ResponseWriter, status int, env *ferrors.ErrorEnvelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Body(env))
}

// Respond writes err under code. An error that already carries an envelope
// keeps its own code and context.
func Respond(w http.ResponseWriter, status int, code string, err error, requestID string) {
	if env, ok := Envelope(err); ok {
		if requestID != "" {
			env = env.WithCorrelationID(requestID)
		}
		WriteEnvelope(w, status, env)
		return
	}
	msg := http.StatusText(status)
	if err != nil {
		msg = err.Error()
	}
	WriteEnvelope(w, status, NewEnvelope(code, msg, requestID))
}
