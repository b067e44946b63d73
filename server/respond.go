package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/georgepadayatti/signpad/binder"
	"github.com/georgepadayatti/signpad/export"
	"github.com/georgepadayatti/signpad/pdf/document"
	"github.com/georgepadayatti/signpad/placeholder"
	"github.com/georgepadayatti/signpad/session"
)

// Error codes returned in the "code" field of error bodies.
const (
	CodeBadRequest     = "BAD_REQUEST"
	CodeNotPDF         = "NOT_PDF"
	CodeInvalidPDF     = "INVALID_PDF"
	CodeTooLarge       = "TOO_LARGE"
	CodeNotFound       = "NOT_FOUND"
	CodeNoPage         = "NO_PAGE"
	CodeNoDocument     = "NO_DOCUMENT"
	CodeNotReady       = "NOT_READY"
	CodeInvalidState   = "INVALID_STATE"
	CodeSuperseded     = "SUPERSEDED"
	CodeOutOfBounds    = "OUT_OF_BOUNDS"
	CodeBadSignature   = "BAD_SIGNATURE"
	CodeExportFailed   = "EXPORT_FAILED"
	CodeTimeout        = "TIMEOUT"
	CodeUnavailable    = "TOO_MANY_SESSIONS"
	CodeInternal       = "INTERNAL"
	CodeOutOfRange     = binder.CodeOutOfRange
	CodeDecodeFailed   = binder.CodeDecodeFailed
	CodeNoPlaceholder  = "PLACEHOLDER_NOT_FOUND"
	CodeSessionExpired = "SESSION_CLOSED"
)

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// errBadRequest marks client input errors that have no more specific code.
var errBadRequest = errors.New("bad request")

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status, code := classify(err)
	writeJSON(w, status, errorBody{Error: err.Error(), Code: code})
}

// classify maps an error to an HTTP status and error code.
func classify(err error) (int, string) {
	var (
		be     *binder.BindError
		tooBig *http.MaxBytesError
	)
	switch {
	case errors.As(err, &be):
		if be.Code == binder.CodeOutOfRange {
			return http.StatusConflict, CodeOutOfRange
		}
		return http.StatusUnprocessableEntity, be.Code
	case errors.As(err, &tooBig), errors.Is(err, binder.ErrSignatureTooBig):
		return http.StatusRequestEntityTooLarge, CodeTooLarge
	case errors.Is(err, document.ErrNotPDF):
		return http.StatusUnsupportedMediaType, CodeNotPDF
	case errors.Is(err, document.ErrEmpty), errors.Is(err, document.ErrMalformed), errors.Is(err, document.ErrNoPages):
		return http.StatusUnprocessableEntity, CodeInvalidPDF
	case errors.Is(err, ErrSessionNotFound):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, ErrTooManySessions):
		return http.StatusServiceUnavailable, CodeUnavailable
	case errors.Is(err, session.ErrClosed):
		return http.StatusGone, CodeSessionExpired
	case errors.Is(err, session.ErrNoPage):
		return http.StatusNotFound, CodeNoPage
	case errors.Is(err, session.ErrNoDocument):
		return http.StatusConflict, CodeNoDocument
	case errors.Is(err, session.ErrNotReady):
		return http.StatusConflict, CodeNotReady
	case errors.Is(err, session.ErrInvalidTransition):
		return http.StatusConflict, CodeInvalidState
	case errors.Is(err, session.ErrSuperseded):
		return http.StatusConflict, CodeSuperseded
	case errors.Is(err, placeholder.ErrOutOfBounds):
		return http.StatusUnprocessableEntity, CodeOutOfBounds
	case errors.Is(err, placeholder.ErrNotFound):
		return http.StatusNotFound, CodeNoPlaceholder
	case errors.Is(err, binder.ErrEmptySignature), errors.Is(err, binder.ErrBadDataURL):
		return http.StatusBadRequest, CodeBadSignature
	case errors.Is(err, binder.ErrUnsupportedImage):
		return http.StatusUnsupportedMediaType, CodeBadSignature
	case errors.Is(err, export.ErrExport), errors.Is(err, export.ErrNoPages):
		return http.StatusInternalServerError, CodeExportFailed
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, CodeTimeout
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest, CodeBadRequest
	}
	return http.StatusInternalServerError, CodeInternal
}
