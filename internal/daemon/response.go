package daemon

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/ckoons/tekton-ci/internal/errors"
)

// CodeRateLimited is the error code of a 429 response. The other codes
// come from errors.Code.
const CodeRateLimited = "rate_limited"

// ErrorBody is the JSON body of every error response.
type ErrorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// statusFor maps an error onto an HTTP status.
func statusFor(err error) int {
	switch errors.Code(err) {
	case "not_found":
		return http.StatusNotFound
	case "invalid_request":
		return http.StatusBadRequest
	case "conflict":
		return http.StatusConflict
	case "too_large":
		return http.StatusRequestEntityTooLarge
	case "unavailable":
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes err as an ErrorBody with the mapped status.
func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), ErrorBody{
		Error: err.Error(),
		Code:  errors.Code(err),
	})
}

// readBody reads a request body of at most limit bytes.
func readBody(w http.ResponseWriter, r *http.Request, limit int64) ([]byte, error) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			return nil, errors.Wrapf(errors.ErrTooLarge, "request body exceeds %d bytes", limit)
		}
		return nil, errors.Wrapf(errors.ErrInvalidRequest, "reading body: %v", err)
	}
	return data, nil
}

// decodeBody reads and unmarshals a JSON request body into v.
func decodeBody(w http.ResponseWriter, r *http.Request, limit int64, v interface{}) error {
	data, err := readBody(w, r, limit)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errors.Wrapf(errors.ErrInvalidRequest, "invalid request body: %v", err)
	}
	return nil
}
