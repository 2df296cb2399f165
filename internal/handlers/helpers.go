package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/edurange/termbridge/internal/session"
	"github.com/edurange/termbridge/internal/wire"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	writeJSON(w, status, wire.ErrorBody{Detail: detail, Code: code})
}

// writeSessionError maps registry errors onto HTTP status and error code.
func writeSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, wire.CodeSessionNotFound, "Session not found")
	case errors.Is(err, session.ErrTargetUnreachable):
		writeError(w, http.StatusBadGateway, wire.CodeTargetUnreachable, err.Error())
	case errors.Is(err, session.ErrInvalidDimensions):
		writeError(w, http.StatusBadRequest, wire.CodeInvalidDimensions, "cols and rows must be positive")
	case errors.Is(err, session.ErrInvalidTransport):
		writeError(w, http.StatusBadRequest, wire.CodeBadRequest, err.Error())
	case errors.Is(err, session.ErrInputTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, wire.CodeInputTooLarge, "Input exceeds 64 KiB")
	case errors.Is(err, session.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, wire.CodeRateLimited, "Too many requests")
	default:
		log.Printf("[relay] unexpected error: %v", err)
		writeError(w, http.StatusInternalServerError, "", "Internal error")
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, 64*1024)).Decode(v)
}
