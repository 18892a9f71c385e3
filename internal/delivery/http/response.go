package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/egannguyen/storefront/internal/entity"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, ErrorResponse{Error: code, Message: msg})
}

func statusFor(code entity.ErrorCode) int {
	switch code {
	case entity.CodeInvalidRequest:
		return http.StatusBadRequest
	case entity.CodeNotFound:
		return http.StatusNotFound
	case entity.CodeInsufficientStock, entity.CodeInvalidTransition:
		return http.StatusConflict
	case entity.CodeProductUnavailable:
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

// writeServiceError maps domain errors to their status; anything else is a 500
// whose detail stays in the log.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var de *entity.Error
	if !errors.As(err, &de) {
		slog.ErrorContext(r.Context(), "Request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
		return
	}

	status := statusFor(de.Code)
	resp := ErrorResponse{Error: string(de.Code), Message: de.Message, ProductID: de.ProductID}
	if de.Code == entity.CodeInsufficientStock {
		available := de.Available
		resp.Available = &available
	}
	if status == http.StatusInternalServerError {
		slog.ErrorContext(r.Context(), "Request failed", "method", r.Method, "path", r.URL.Path, "err", err)
	}
	writeJSON(w, status, resp)
}
