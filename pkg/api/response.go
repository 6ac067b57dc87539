package api

import (
	"encoding/json"
	"net/http"
)

// detail is the error body shape: {"detail": "..."}.
type detail struct {
	Detail string `json:"detail"`
}

// JSON writes a JSON-encoded response with the given status code
func JSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// Err writes a JSON error response with the given status and detail message
func Err(w http.ResponseWriter, status int, message string) {
	JSON(w, status, detail{Detail: message})
}

// ErrBadRequest writes a 400 Bad Request error response
func ErrBadRequest(w http.ResponseWriter, message string) {
	Err(w, http.StatusBadRequest, message)
}

// ErrNotFound writes a 404 Not Found error response
func ErrNotFound(w http.ResponseWriter, message string) {
	Err(w, http.StatusNotFound, message)
}

// ErrConflict writes a 409 Conflict error response
func ErrConflict(w http.ResponseWriter, message string) {
	Err(w, http.StatusConflict, message)
}

// ErrInternal writes a 500 Internal Server Error response. The internal
// error detail is intentionally not exposed to the client.
func ErrInternal(w http.ResponseWriter) {
	Err(w, http.StatusInternalServerError, "an internal error occurred")
}

// decodeJSON decodes the request body into dst. Returns false and writes a
// 400 response if decoding fails, so callers can early-return.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		ErrBadRequest(w, "invalid request body: "+err.Error())
		return false
	}
	return true
}
