package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/iudanet/fieldsync/pkg/api"
)

// WriteJSON writes v as a JSON response with the given status
func WriteJSON(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(v)
}

// WriteError writes an api.ErrorResponse with the given status and error code
func WriteError(w http.ResponseWriter, status int, code, message string) {
	_ = WriteJSON(w, status, api.ErrorResponse{Error: code, Message: message})
}
