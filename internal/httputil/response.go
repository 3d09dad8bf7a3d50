// Package httputil contains shared HTTP utilities for consistent response formatting across handlers.
package httputil

import (
	"net/http"

	"github.com/bytedance/sonic"
)

func WriteJSON(w http.ResponseWriter, v any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	_ = sonic.ConfigDefault.NewEncoder(w).Encode(v)
}

func WriteJSONError(w http.ResponseWriter, message string, status int) {
	WriteJSON(w, map[string]string{"error": message}, status)
}
