package server

import (
	"errors"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/pdybowski/stargazer/internal/apperr"
)

// errorBody is the uniform error response shape.
type errorBody struct {
	Error       string   `json:"error"`
	Message     string   `json:"message"`
	Suggestions []string `json:"suggestions,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	body := errorBody{
		Error:   string(apperr.KindOf(err)),
		Message: err.Error(),
	}

	var ae *apperr.Error
	if errors.As(err, &ae) {
		body.Message = ae.Message
		body.Suggestions = ae.Suggestions
	}

	writeJSON(w, apperr.HTTPStatus(err), body)
}
