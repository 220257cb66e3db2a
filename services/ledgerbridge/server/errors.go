package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	lerrors "ledgerbridge/core/errors"
)

const kindUnauthorized = "Unauthorized"

var statusByKind = map[lerrors.Kind]int{
	lerrors.KindSubmissionTimeout: http.StatusGatewayTimeout,
	lerrors.KindRemoteRevert:      http.StatusConflict,
	lerrors.KindRemoteUnavailable: http.StatusServiceUnavailable,
	lerrors.KindMalformedReceipt:  http.StatusBadGateway,
	lerrors.KindUnknownFunction:   http.StatusBadRequest,
	lerrors.KindInvalidArguments:  http.StatusBadRequest,
	lerrors.KindUnknownParty:      http.StatusUnprocessableEntity,
	lerrors.KindAmbiguousAddress:  http.StatusInternalServerError,
	lerrors.KindStorageConflict:   http.StatusConflict,
	lerrors.KindInternal:          http.StatusInternalServerError,
}

type errorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	TxHash  string `json:"tx_hash,omitempty"`
}

// StatusFor maps an error kind to its HTTP status.
func StatusFor(kind lerrors.Kind) int {
	if status, ok := statusByKind[kind]; ok {
		return status
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError renders err as the error envelope. Errors without a kind are
// reported as Internal and their text is not exposed.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := lerrors.KindOf(err)
	body := errorBody{Kind: string(kind), Message: err.Error(), TxHash: lerrors.TxHashOf(err)}
	var typed *lerrors.Error
	if !errors.As(err, &typed) {
		body.Message = "internal error"
	} else if typed.Message != "" {
		body.Message = typed.Message
	}
	status := StatusFor(kind)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			slog.String("path", r.URL.Path),
			slog.String("kind", string(kind)),
			slog.Any("error", err))
	}
	writeJSON(w, status, map[string]errorBody{"error": body})
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	writeJSON(w, http.StatusUnauthorized, map[string]errorBody{"error": {Kind: kindUnauthorized, Message: message}})
}
