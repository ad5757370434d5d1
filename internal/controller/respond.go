package controller

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	appErrors "github.com/unclebandit/mailpacer/internal/errors"
	"github.com/unclebandit/mailpacer/internal/model"
)

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// StatusFor maps service errors onto HTTP status codes.
func StatusFor(err error) int {
	var (
		storeErr *appErrors.StoreError
		verrs    validator.ValidationErrors
	)
	switch {
	case appErrors.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, model.ErrInvalidStatus), errors.As(err, &verrs):
		return http.StatusBadRequest
	case errors.As(err, &storeErr):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// WriteError logs server-side failures and writes {"error": "..."}.
func WriteError(w http.ResponseWriter, log *zap.Logger, err error) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError && log != nil {
		log.Error("request failed", zap.Int("status", status), zap.Error(err))
	}
	WriteJSON(w, status, map[string]string{"error": err.Error()})
}
