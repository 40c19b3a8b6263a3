// Package respond writes the gateway's JSON response envelope. Every
// client-facing error carries a stable machine-readable code next to the
// human-readable message.
package respond

import (
	"encoding/json"
	"net/http"

	log "github.com/sirupsen/logrus"
)

// Machine-readable error codes surfaced to clients.
const (
	CodeMissingToken       = "MISSING_TOKEN"
	CodeTokenExpired       = "TOKEN_EXPIRED"
	CodeInvalidToken       = "INVALID_TOKEN"
	CodeAdminRequired      = "ADMIN_REQUIRED"
	CodeRateLimited        = "RATE_LIMITED"
	CodeRouteNotFound      = "ROUTE_NOT_FOUND"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeInternal           = "INTERNAL_ERROR"
)

type errorBody struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// JSON writes v with the given status. Encoding failures are logged, not
// surfaced; headers are already gone by then.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Error("respond: encoding response body")
	}
}

// Error writes the error envelope.
func Error(w http.ResponseWriter, status int, code, message string) {
	JSON(w, status, errorBody{Message: message, Code: code})
}
