package ingear

import (
	"encoding/json"
	"net/http"

	"github.com/vlevchine/InGear/errors"
	"github.com/vlevchine/InGear/logging"
)

// JSONHandler is an HTTP handler whose result is encoded as JSON. A non-nil
// error is written with WriteError.
type JSONHandler func(r *http.Request) (any, error)

// ErrorResponse is the body written for failed requests. Only public messages
// are exposed; the full error is attached to the request log.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// WithJSONHandler routes pattern to fn.
func WithJSONHandler(pattern string, fn JSONHandler) ServerOption {
	return WithHTTPHandler(pattern, WrapJSONHandler(fn))
}

// WrapJSONHandler adapts fn to http.Handler.
func WrapJSONHandler(fn JSONHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp, err := fn(r)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, resp)
	})
}

// WriteJSON encodes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "error encoding response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(b)
}

// WriteError writes err using its HTTP status and kind.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	WriteErrorCode(w, r, errors.HTTPStatusCode(err), errors.KindOf(err).String(), err)
}

// WriteErrorCode writes err with an explicit status and error code.
func WriteErrorCode(w http.ResponseWriter, r *http.Request, status int, code string, err error) {
	logging.TrackError(r.Context(), err)
	WriteJSON(w, status, ErrorResponse{
		Error:   code,
		Message: errors.PublicMessage(err, http.StatusText(status)),
	})
}
