package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"wardrobe-render/internal/render"
)

type errorBody struct {
	Error     string `json:"error"`
	Message   string `json:"message,omitempty"`
	Rejection string `json:"rejection,omitempty"`
}

// statusFor maps the render error taxonomy onto HTTP.
func statusFor(err error) int {
	switch render.KindOf(err) {
	case render.KindValidation:
		return http.StatusBadRequest
	case render.KindQuotaExceeded:
		return http.StatusPaymentRequired
	case render.KindUsageUnavailable, render.KindCacheUnavailable:
		return http.StatusServiceUnavailable
	case render.KindProviderTimeout:
		return http.StatusGatewayTimeout
	case render.KindProviderServerError, render.KindProviderUnavailable:
		return http.StatusBadGateway
	case render.KindProviderRejected:
		return http.StatusUnprocessableEntity
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func writeRenderError(w http.ResponseWriter, status int, err error) {
	body := errorBody{Error: render.KindOf(err).String()}
	var rerr *render.Error
	switch {
	case errors.As(err, &rerr) && status < 500:
		body.Message = rerr.Msg
	case status == http.StatusGatewayTimeout:
		body.Message = "render timed out"
	default:
		body.Message = "render failed"
	}
	if rej := render.RejectionOf(err); rej != "" {
		body.Rejection = string(rej)
	}
	writeJSON(w, status, body)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Error: code, Message: msg})
}

// writeJSON is a small helper to send JSON responses consistently.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
