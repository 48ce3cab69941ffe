// Package httputil provides JSON request/response helpers and the HTTP
// client used for service-to-service calls between the API and the enclave.
package httputil

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/R3E-Network/key_custodian/internal/errors"
	"github.com/R3E-Network/key_custodian/pkg/logger"
)

// InternalAPIKeyHeader carries the shared secret on API-to-enclave calls.
const InternalAPIKeyHeader = "x-internal-api-key"

// maxRequestBody bounds request bodies; payloads are small JSON documents.
const maxRequestBody = 1 << 20

// ErrorBody is the wire shape of every error response.
type ErrorBody struct {
	Error   string                 `json:"error"`
	Kind    string                 `json:"kind"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// WriteJSON writes a JSON response.
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// RespondError writes err as a JSON error response using the taxonomy
// status mapping. Plain errors become internal 500s with a generic message
// so wrapped causes never reach the client. Server-side failures are logged
// when a logger is provided.
func RespondError(w http.ResponseWriter, log *logger.Logger, err error) {
	se := errors.GetServiceError(err)
	if se == nil {
		se = errors.Internal("internal error", err)
	}
	if se.HTTPStatus >= http.StatusInternalServerError && log != nil {
		log.WithError(err).Error("request failed")
	}
	body := ErrorBody{Error: se.Message, Kind: string(se.Kind)}
	if len(se.Details) > 0 {
		body.Details = se.Details
	}
	WriteJSON(w, se.HTTPStatus, body)
}

// DecodeJSON decodes the request body into dst. Unknown fields and bodies
// over the size cap are validation failures.
func DecodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	defer r.Body.Close()

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return errors.Validation("invalid request body")
	}
	// A second document after the first is malformed input, not a new request.
	if dec.More() {
		return errors.Validation("invalid request body")
	}
	return nil
}

// ReadAllWithLimit reads at most limit bytes and reports whether the input
// was truncated.
func ReadAllWithLimit(r io.Reader, limit int64) ([]byte, bool, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit))
	if err != nil {
		return nil, false, err
	}
	if int64(len(data)) < limit {
		return data, false, nil
	}
	// Probe one more byte to distinguish an exact fit from an oversized body.
	var probe [1]byte
	n, err := r.Read(probe[:])
	if err != nil && err != io.EOF {
		return nil, false, err
	}
	return data, n > 0, nil
}

// ReadAllStrict reads the whole input and fails if it exceeds limit bytes.
func ReadAllStrict(r io.Reader, limit int64) ([]byte, error) {
	data, truncated, err := ReadAllWithLimit(r, limit)
	if err != nil {
		return nil, err
	}
	if truncated {
		return nil, errors.Validation("response body too large")
	}
	return data, nil
}
