package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	x402 "github.com/UltravioletaDAO/x402-facilitator"
	"github.com/UltravioletaDAO/x402-facilitator/facilitator"
	"github.com/UltravioletaDAO/x402-facilitator/facilitator/store"
)

// errorBody is the JSON body for protocol-level request errors (malformed
// JSON, wrong version). Invalid payments are not request errors: they come
// back 200 with isValid=false or success=false.
type errorBody struct {
	Error string `json:"error"`
}

// Handler serves the facilitator HTTP API.
type Handler struct {
	facilitator facilitator.Interface
	local       *facilitator.Local
	logger      *slog.Logger
	mux         *http.ServeMux
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) HandlerOption {
	return func(h *Handler) {
		h.logger = logger
	}
}

// NewHandler creates the facilitator HTTP API over the given facilitator:
//
//	POST /verify      verify a payment without executing it
//	POST /settle      execute a verified payment
//	POST /settlement  look up the recorded outcome of a past settlement
//	GET  /supported   list supported (scheme, network) pairs
//	GET  /health      liveness probe
//
// The settlement lookup is only served when the facilitator is a *Local.
func NewHandler(f facilitator.Interface, opts ...HandlerOption) *Handler {
	h := &Handler{
		facilitator: f,
		logger:      slog.Default(),
		mux:         http.NewServeMux(),
	}
	if local, ok := f.(*facilitator.Local); ok {
		h.local = local
	}
	for _, opt := range opts {
		opt(h)
	}

	h.mux.HandleFunc("POST /verify", h.handleVerify)
	h.mux.HandleFunc("POST /settle", h.handleSettle)
	h.mux.HandleFunc("POST /settlement", h.handleSettlement)
	h.mux.HandleFunc("GET /supported", h.handleSupported)
	h.mux.HandleFunc("GET /health", h.handleHealth)

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req facilitator.VerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "malformed verify request"})
		return
	}
	if req.X402Version != x402.X402Version {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "unsupported x402 version"})
		return
	}

	resp, err := h.facilitator.Verify(r.Context(), req.PaymentPayload, req.PaymentRequirements)
	if err != nil {
		h.logger.Error("verify failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "verification failed"})
		return
	}

	h.logger.Info("verify",
		"network", req.PaymentPayload.Network,
		"scheme", req.PaymentPayload.Scheme,
		"valid", resp.IsValid,
		"reason", resp.InvalidReason)
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleSettle(w http.ResponseWriter, r *http.Request) {
	var req facilitator.SettleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "malformed settle request"})
		return
	}
	if req.X402Version != x402.X402Version {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "unsupported x402 version"})
		return
	}

	resp, err := h.facilitator.Settle(r.Context(), req.PaymentPayload, req.PaymentRequirements)
	if err != nil {
		h.logger.Error("settle failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "settlement failed"})
		return
	}

	h.logger.Info("settle",
		"network", req.PaymentPayload.Network,
		"scheme", req.PaymentPayload.Scheme,
		"success", resp.Success,
		"reason", resp.ErrorReason,
		"tx", resp.Transaction)
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleSettlement(w http.ResponseWriter, r *http.Request) {
	if h.local == nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "settlement lookup not available"})
		return
	}

	var payload x402.PaymentPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "malformed payment payload"})
		return
	}

	rec, err := h.local.GetSettlement(r.Context(), payload)
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "no settlement recorded"})
		return
	}
	if err != nil {
		h.logger.Error("settlement lookup failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "settlement lookup failed"})
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) handleSupported(w http.ResponseWriter, r *http.Request) {
	resp, err := h.facilitator.Supported(r.Context())
	if err != nil {
		h.logger.Error("supported failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "supported lookup failed"})
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
