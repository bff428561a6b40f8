package httputil

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/banshee-data/zonecount/internal/monitoring"
)

var logf = monitoring.Component("httputil")

// ErrorResponse is the body of every non-2xx JSON response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// WriteJSON encodes data with the given status. Encoding failures are
// logged; the status line has already been sent by then.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logf("failed to encode %d response: %v", status, err)
	}
}

func WriteJSONOK(w http.ResponseWriter, data any) { WriteJSON(w, http.StatusOK, data) }

// WriteJSONError writes msg as an ErrorResponse.
func WriteJSONError(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, ErrorResponse{Error: msg})
}

func BadRequest(w http.ResponseWriter, msg string) { WriteJSONError(w, http.StatusBadRequest, msg) }
func Forbidden(w http.ResponseWriter, msg string) { WriteJSONError(w, http.StatusForbidden, msg) }
func NotFound(w http.ResponseWriter, msg string) { WriteJSONError(w, http.StatusNotFound, msg) }
func Conflict(w http.ResponseWriter, msg string) { WriteJSONError(w, http.StatusConflict, msg) }
func InternalServerError(w http.ResponseWriter, msg string) {
	WriteJSONError(w, http.StatusInternalServerError, msg)
}

// DecodeJSON reads a single JSON value of at most limit bytes from the
// request body into v. Unknown fields are rejected when strict is set.
func DecodeJSON(w http.ResponseWriter, r *http.Request, limit int64, strict bool, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, limit))
	if strict {
		dec.DisallowUnknownFields()
	}
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("empty request body")
		}
		return err
	}
	if dec.More() {
		return fmt.Errorf("unexpected data after JSON body")
	}
	return nil
}
