package common

import (
	"encoding/json"
	"net/http"
)

// ErrorBody is the payload under "error" in every failed response.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// Envelope wraps successful responses. Meta carries flags such as a degraded
// sale that do not belong to the resource itself.
type Envelope struct {
	Data any `json:"data"`
	Meta any `json:"meta,omitempty"`
}

// JSON writes v with the given status.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Data writes data (and meta when non-nil) inside an Envelope.
func Data(w http.ResponseWriter, status int, data, meta any) {
	JSON(w, status, Envelope{Data: data, Meta: meta})
}

// JSONError writes {"error": {...}}.
func JSONError(w http.ResponseWriter, status int, code, message string, details any) {
	JSON(w, status, map[string]ErrorBody{
		"error": {Code: code, Message: message, Details: details},
	})
}

// WriteError renders err. AppErrors keep their code, status and details;
// anything else is reported as a generic 500 so internals do not leak.
func WriteError(w http.ResponseWriter, err error) {
	appErr, ok := AsAppError(err)
	if !ok {
		JSONError(w, http.StatusInternalServerError, "INTERNAL", "unable to process request", nil)
		return
	}
	var details any
	if len(appErr.Details) > 0 {
		details = appErr.Details
	}
	JSONError(w, appErr.Status(), appErr.Code, appErr.Message, details)
}
