package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/coach-insights/internal/model"
	"github.com/sells-group/coach-insights/internal/ratelimit"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

type envelope struct {
	Data any `json:"data"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func ok(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, envelope{Data: data})
}

func accepted(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusAccepted, envelope{Data: data})
}

func fail(w http.ResponseWriter, status int, code, message string, details any) {
	writeJSON(w, status, errorEnvelope{Error: errorBody{Code: code, Message: message, Details: details}})
}

// writeError maps a service error onto a status code. Unexpected errors are
// logged and reported without their message.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		ve       *model.ValidationError
		exceeded *ratelimit.ExceededError
	)
	switch {
	case errors.As(err, &ve):
		fail(w, http.StatusBadRequest, "VALIDATION_ERROR", ve.Msg, map[string]string{"field": ve.Field})
	case model.IsNotFound(err):
		fail(w, http.StatusNotFound, "NOT_FOUND", "resource not found", nil)
	case model.IsInvalidTransition(err):
		fail(w, http.StatusConflict, "INVALID_TRANSITION", "the resource is not in a state that allows this action", nil)
	case errors.As(err, &exceeded):
		if !exceeded.ResetAt.IsZero() {
			secs := int(time.Until(exceeded.ResetAt).Seconds())
			if secs < 1 {
				secs = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(secs))
		}
		fail(w, http.StatusTooManyRequests, "RATE_LIMITED", exceeded.Reason, map[string]any{
			"scope":      exceeded.Scope,
			"limit_type": exceeded.Type,
			"reset_at":   exceeded.ResetAt,
		})
	default:
		zap.L().Error("api: request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		fail(w, http.StatusInternalServerError, "INTERNAL_ERROR", "an unexpected error occurred", nil)
	}
}

// decode reads a JSON body into v. A malformed body is a ValidationError.
func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return model.NewValidationError("body", "invalid request body: "+err.Error())
	}
	return nil
}
