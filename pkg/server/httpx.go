package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/taskwarden/taskwarden/pkg/engine"
)

// maxBodyBytes bounds request bodies. Batch imports run through the CLI,
// not this API, so a megabyte is generous.
const maxBodyBytes = 1 << 20

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Class     string                 `json:"class,omitempty"`
	Retryable bool                   `json:"retryable"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

func readJSON(w http.ResponseWriter, r *http.Request, target interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(target); err != nil {
		return engine.NewPermanentError("malformed request body", err).
			WithCode(engine.ErrCodeValidation)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError renders an engine refusal as a JSON error envelope with a
// status derived from the refusal code.
func writeError(w http.ResponseWriter, err error) {
	detail := errorDetail{
		Code:    engine.ErrCodeInternal,
		Message: err.Error(),
		Class:   string(engine.ErrorClassPermanent),
	}
	var engErr *engine.EngineError
	if errors.As(err, &engErr) {
		detail.Message = engErr.Message
		detail.Class = string(engErr.Class)
		detail.Retryable = engine.IsRetryable(err)
		detail.Details = engErr.Details
		if engErr.Code != "" {
			detail.Code = engErr.Code
		}
	}
	writeJSON(w, statusFor(err), errorBody{Error: detail})
}

// statusFor maps refusal codes onto HTTP statuses. Codeless engine errors
// fall back to their class.
func statusFor(err error) int {
	switch engine.CodeOf(err) {
	case engine.ErrCodeNotFound:
		return http.StatusNotFound
	case engine.ErrCodeValidation:
		return http.StatusBadRequest
	case engine.ErrCodeOwnership:
		return http.StatusForbidden
	case engine.ErrCodeInvalidTransition, engine.ErrCodeGavelViolation,
		engine.ErrCodeNotInReview, engine.ErrCodeDriftDetected,
		engine.ErrCodeDuplicateTask:
		return http.StatusConflict
	case engine.ErrCodeCircularDependency, engine.ErrCodeAuthorityViolation:
		return http.StatusUnprocessableEntity
	case engine.ErrCodeCapacityExceeded:
		return http.StatusTooManyRequests
	case engine.ErrCodeBackendUnavailable:
		return http.StatusServiceUnavailable
	}

	var engErr *engine.EngineError
	if errors.As(err, &engErr) {
		switch engErr.Class {
		case engine.ErrorClassTransient:
			return http.StatusServiceUnavailable
		case engine.ErrorClassConflict:
			return http.StatusConflict
		case engine.ErrorClassThrottled:
			return http.StatusTooManyRequests
		}
	}
	return http.StatusInternalServerError
}

// queryInt parses an integer query parameter, returning def when absent
// or unparseable.
func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}

// optString returns a pointer to the named query parameter, or nil when
// it is absent.
func optString(r *http.Request, name string) *string {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil
	}
	return &raw
}
