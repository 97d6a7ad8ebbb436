package webhooks

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/goliatone/go-ingress/core"
)

const (
	ParamHubMode        = "hub.mode"
	ParamHubVerifyToken = "hub.verify_token"
	ParamHubChallenge   = "hub.challenge"
)

type RouterConfig struct {
	Ingress *Ingress
	// VerifyToken answers provider subscription handshakes. Empty disables
	// the handshake.
	VerifyToken string
	// Metrics is mounted at /metrics when set.
	Metrics  http.Handler
	Observer *core.Observer
}

// NewRouter serves the webhook endpoints. Deliveries that fail
// authentication get 403; everything else gets 200 so providers do not
// retry deliveries the pipeline has already decided about.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()
	h := &httpHandler{ingress: cfg.Ingress, verifyToken: strings.TrimSpace(cfg.VerifyToken), observer: cfg.Observer}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if cfg.Metrics != nil {
		r.Mount("/metrics", cfg.Metrics)
	}
	r.Get("/webhooks/{channel}", h.handshake)
	r.Post("/webhooks/{channel}", h.receive)
	return r
}

type httpHandler struct {
	ingress     *Ingress
	verifyToken string
	observer    *core.Observer
}

func (h *httpHandler) handshake(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	token := query.Get(ParamHubVerifyToken)
	if h.verifyToken == "" || token != h.verifyToken {
		h.observer.Warn(r.Context(), "webhooks: handshake rejected", map[string]any{
			"channel": chi.URLParam(r, "channel"),
			"mode":    query.Get(ParamHubMode),
		})
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, query.Get(ParamHubChallenge))
}

func (h *httpHandler) receive(w http.ResponseWriter, r *http.Request) {
	channel := chi.URLParam(r, "channel")
	if h.ingress == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}
	limit := h.ingress.Config().MaxBodyBytes
	body, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		h.observer.Error(r.Context(), "webhooks: read body failed", map[string]any{
			"channel": channel,
			"error":   err.Error(),
		})
		writeJSON(w, http.StatusOK, map[string]string{"status": "error"})
		return
	}

	result, err := h.ingress.Handle(r.Context(), Delivery{
		Channel: channel,
		Headers: flattenHeaders(r.Header),
		Body:    body,
	})
	if err != nil {
		if errors.Is(err, core.ErrSignatureMissing) || errors.Is(err, core.ErrSignatureInvalid) {
			mapped := core.MapError(err)
			writeJSON(w, http.StatusForbidden, map[string]string{"status": "rejected", "code": mapped.TextCode})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "error"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(result.Outcome)})
}

func flattenHeaders(headers http.Header) map[string]string {
	out := make(map[string]string, len(headers))
	for key, values := range headers {
		if len(values) > 0 {
			out[key] = values[0]
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
