package handlers

import (
	"net/http"

	apperrors "github.com/3leaps/batchkeeper/internal/errors"
	"github.com/3leaps/batchkeeper/internal/server/middleware"
)

// HTTPErrorResponder writes err as an HTTP response.
type HTTPErrorResponder func(w http.ResponseWriter, r *http.Request, err error)

var httpErrorResponder HTTPErrorResponder = defaultErrorResponder

func defaultErrorResponder(w http.ResponseWriter, r *http.Request, err error) {
	apperrors.Respond(w, http.StatusInternalServerError, apperrors.CodeInternal, err, middleware.GetRequestID(r.Context()))
}

// SetHTTPErrorResponder replaces the responder; nil restores the default.
func SetHTTPErrorResponder(fn HTTPErrorResponder) {
	if fn == nil {
		fn = defaultErrorResponder
	}
	httpErrorResponder = fn
}

// ResetHTTPErrorResponder restores the default responder.
func ResetHTTPErrorResponder() {
	httpErrorResponder = defaultErrorResponder
}

func respondWithError(w http.ResponseWriter, r *http.Request, err error) {
	httpErrorResponder(w, r, err)
}

func respondBadRequest(w http.ResponseWriter, r *http.Request, err error) {
	apperrors.Respond(w, http.StatusBadRequest, apperrors.CodeBadRequest, err, middleware.GetRequestID(r.Context()))
}

func respondNotFound(w http.ResponseWriter, r *http.Request, err error) {
	apperrors.Respond(w, http.StatusNotFound, apperrors.CodeNotFound, err, middleware.GetRequestID(r.Context()))
}
