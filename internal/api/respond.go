// Package api is the HTTP control surface: a single turbo.Router mounted
// on a net/http.Server, wired as an oss.nandlabs.io/golly/lifecycle.Component
// so cmd/jobsvc can start and stop it alongside the Job Store and the
// worker pool in one ordered sequence. The teacher's rest.Server facade
// is deliberately not used here: the vendored facade's ServerContext.GetParam
// forwards to package-level turbo.GetPathParam/GetQueryParam functions that
// do not exist on turbo.Router (only the Router methods of the same name
// do), so handlers in this package talk to turbo.Router directly.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/hexdrift/dspy-jobsvc/pkg/types"
)

// errorBody is the shared error-response envelope spec.md's HTTP surface
// uses for every non-2xx response.
type errorBody struct {
	Error  string `json:"error"`
	Detail any    `json:"detail"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, kind, detail string) {
	writeJSON(w, status, errorBody{Error: kind, Detail: detail})
}

func writeValidationErrors(w http.ResponseWriter, se *types.SchemaError) {
	writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: "invalid_request", Detail: se.Errors})
}

func notFound(w http.ResponseWriter, detail string) {
	writeError(w, http.StatusNotFound, "not_found", detail)
}

func conflict(w http.ResponseWriter, detail string) {
	writeError(w, http.StatusConflict, "conflict", detail)
}

func badValidation(w http.ResponseWriter, detail string) {
	writeError(w, http.StatusBadRequest, "validation_error", detail)
}

func serverError(w http.ResponseWriter, detail string) {
	writeError(w, http.StatusInternalServerError, "internal_error", detail)
}
