package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/liftoffhq/runway/pkg/schema"
)

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a structured JSON error response. EngineErrors map to
// HTTP statuses by code and keep their code and details on the wire.
func writeError(w http.ResponseWriter, err error) {
	code := schema.CodeOf(err)
	if code == "" {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	body := map[string]any{"error": err.Error(), "code": code}
	var ee *schema.EngineError
	if e, ok := err.(*schema.EngineError); ok {
		ee = e
	}
	if ee != nil {
		if ee.StepID != "" {
			body["step_id"] = ee.StepID
		}
		if len(ee.Details) > 0 {
			body["details"] = ee.Details
		}
	}
	writeJSON(w, statusForCode(code), body)
}

// writeBadRequest writes a plain 400 for malformed requests.
func writeBadRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": msg, "code": schema.ErrCodeValidation})
}

func statusForCode(code string) int {
	switch code {
	case schema.ErrCodeNotFound, schema.ErrCodeTemplateNotFound:
		return http.StatusNotFound
	case schema.ErrCodeValidation, schema.ErrCodeEmptyTemplate, schema.ErrCodeInvalidGateResponse:
		return http.StatusBadRequest
	case schema.ErrCodeGateMismatch, schema.ErrCodeConcurrentModification, schema.ErrCodeInvalidTransition:
		return http.StatusConflict
	case schema.ErrCodeNoEligibleAgent:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// queryInt extracts an integer query param with a default value.
func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
