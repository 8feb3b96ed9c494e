package http

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"

	x402 "github.com/UltravioletaDAO/x402-facilitator"
	"github.com/UltravioletaDAO/x402-facilitator/facilitator"
	"github.com/UltravioletaDAO/x402-facilitator/http/internal/helpers"
)

// Config holds the configuration for the x402 payment middleware.
type Config struct {
	// Facilitator verifies and settles payments. When nil, a FacilitatorClient
	// is built from FacilitatorURL. Sellers embedding a facilitator pass a
	// *facilitator.Local here.
	Facilitator facilitator.Interface

	// FacilitatorURL is the primary facilitator endpoint.
	FacilitatorURL string

	// FallbackFacilitatorURL is the optional backup facilitator.
	FallbackFacilitatorURL string

	// PaymentRequirements defines the accepted payment methods. The Resource
	// field of each requirement is filled per-request when empty.
	PaymentRequirements []x402.PaymentRequirements

	// VerifyOnly skips settlement if true (only verifies payments).
	VerifyOnly bool

	// FacilitatorAuthorization is a static Authorization header value for the
	// primary facilitator.
	FacilitatorAuthorization string

	// FacilitatorAuthorizationProvider returns an Authorization header value
	// for the primary facilitator. Takes precedence over
	// FacilitatorAuthorization when set.
	FacilitatorAuthorizationProvider AuthorizationProvider

	// FallbackFacilitatorAuthorization is a static Authorization header value
	// for the fallback facilitator.
	FallbackFacilitatorAuthorization string

	// FallbackFacilitatorAuthorizationProvider returns an Authorization header
	// value for the fallback facilitator.
	FallbackFacilitatorAuthorizationProvider AuthorizationProvider

	// Logger is the structured logger. Defaults to slog.Default().
	Logger *slog.Logger
}

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

// PaymentContextKey is the context key for storing verified payment information.
const PaymentContextKey = contextKey("x402_payment")

// NewX402Middleware creates an x402 payment middleware wrapping HTTP handlers
// with payment gating: unpaid requests get 402 with the accepted requirements,
// paid requests are verified up front and settled at the moment the handler
// commits a success status. Handler errors skip settlement, so buyers are
// never charged for responses they did not get.
//
// The middleware fetches network-specific configuration (like the Solana
// feePayer) from the facilitator's /supported endpoint at construction.
func NewX402Middleware(config Config) func(http.Handler) http.Handler {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	f := config.Facilitator
	var enricher *FacilitatorClient
	if f == nil {
		client := &FacilitatorClient{
			BaseURL:               config.FacilitatorURL,
			Client:                &http.Client{Timeout: x402.DefaultTimeouts.RequestTimeout},
			Timeouts:              x402.DefaultTimeouts,
			Authorization:         config.FacilitatorAuthorization,
			AuthorizationProvider: config.FacilitatorAuthorizationProvider,
		}
		f = client
		enricher = client
	}

	var fallback facilitator.Interface
	if config.FallbackFacilitatorURL != "" {
		fallback = &FacilitatorClient{
			BaseURL:               config.FallbackFacilitatorURL,
			Client:                &http.Client{Timeout: x402.DefaultTimeouts.RequestTimeout},
			Timeouts:              x402.DefaultTimeouts,
			Authorization:         config.FallbackFacilitatorAuthorization,
			AuthorizationProvider: config.FallbackFacilitatorAuthorizationProvider,
		}
	}

	// Fills in facilitator-provided extras, like the fee payer buyers must
	// name in sponsored Solana transactions.
	requirements := config.PaymentRequirements
	if enricher != nil {
		ctx, cancel := context.WithTimeout(context.Background(), x402.DefaultTimeouts.RequestTimeout)
		defer cancel()
		enriched, err := enricher.EnrichRequirements(ctx, requirements)
		if err != nil {
			logger.Warn("failed to enrich payment requirements from facilitator", "error", err)
		} else {
			requirements = enriched
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			offered := offeredRequirements(requirements, r)

			paymentHeader := r.Header.Get("X-PAYMENT")
			if paymentHeader == "" {
				logger.Info("no payment header provided", "path", r.URL.Path)
				if err := helpers.SendPaymentRequired(w, offered, "Payment required"); err != nil {
					logger.Error("failed to send payment required response", "error", err)
				}
				return
			}

			payment, err := helpers.ParsePaymentHeader(r)
			if err != nil {
				logger.Warn("invalid payment header", "error", err)
				http.Error(w, "Invalid payment header", http.StatusBadRequest)
				return
			}

			requirement, err := x402.FindMatchingRequirement(payment, offered)
			if err != nil {
				logger.Warn("no matching requirement", "error", err)
				if err := helpers.SendPaymentRequired(w, offered, "No matching payment requirement"); err != nil {
					logger.Error("failed to send payment required response", "error", err)
				}
				return
			}

			logger.Info("verifying payment", "scheme", payment.Scheme, "network", payment.Network)
			verifyResp, err := f.Verify(r.Context(), *payment, *requirement)
			if err != nil && fallback != nil {
				logger.Warn("primary facilitator failed, trying fallback", "error", err)
				verifyResp, err = fallback.Verify(r.Context(), *payment, *requirement)
			}
			if err != nil {
				logger.Error("facilitator verification failed", "error", err)
				http.Error(w, "Payment verification failed", http.StatusServiceUnavailable)
				return
			}

			if !verifyResp.IsValid {
				logger.Warn("payment verification failed", "reason", verifyResp.InvalidReason)
				if err := helpers.SendPaymentRequired(w, offered, string(verifyResp.InvalidReason)); err != nil {
					logger.Error("failed to send payment required response", "error", err)
				}
				return
			}

			logger.Info("payment verified", "payer", verifyResp.Payer)

			ctx := context.WithValue(r.Context(), PaymentContextKey, verifyResp)
			r = r.WithContext(ctx)

			interceptor := &settlementInterceptor{
				w: w,
				settleFunc: func() bool {
					if config.VerifyOnly {
						return true
					}

					logger.Info("settling payment", "payer", verifyResp.Payer)
					settlement, err := f.Settle(r.Context(), *payment, *requirement)
					if err != nil && fallback != nil {
						logger.Warn("primary facilitator settlement failed, trying fallback", "error", err)
						settlement, err = fallback.Settle(r.Context(), *payment, *requirement)
					}
					if err != nil {
						logger.Error("settlement failed", "error", err)
						http.Error(w, "Payment settlement failed", http.StatusServiceUnavailable)
						return false
					}

					if !settlement.Success {
						logger.Warn("settlement unsuccessful", "reason", settlement.ErrorReason)
						if err := helpers.SendPaymentRequired(w, offered, string(settlement.ErrorReason)); err != nil {
							logger.Error("failed to send payment required response", "error", err)
						}
						return false
					}

					logger.Info("payment settled", "transaction", settlement.Transaction)

					if err := helpers.AddPaymentResponseHeader(w, settlement); err != nil {
						// Payment went through; the missing header is the
						// lesser failure.
						logger.Warn("failed to add payment response header", "error", err)
					}
					return true
				},
				onFailure: func(statusCode int) {
					logger.Warn("handler returned non-success, skipping payment settlement", "status", statusCode)
				},
			}
			next.ServeHTTP(interceptor, r)
		})
	}
}

// offeredRequirements stamps the request URL into requirements that do not
// pin a resource. Requirements are immutable once offered, so this copies.
func offeredRequirements(requirements []x402.PaymentRequirements, r *http.Request) []x402.PaymentRequirements {
	offered := make([]x402.PaymentRequirements, len(requirements))
	copy(offered, requirements)
	url := helpers.BuildResourceURL(r)
	for i := range offered {
		if offered[i].Resource == "" {
			offered[i].Resource = url
		}
	}
	return offered
}

// settlementInterceptor wraps the ResponseWriter to intercept the moment of
// commitment: settlement runs when the handler first writes a success status,
// and never for error responses.
type settlementInterceptor struct {
	w http.ResponseWriter
	// settleFunc performs the actual settlement logic
	settleFunc func() bool
	// onFailure is an internal logging callback
	onFailure func(statusCode int)
	committed bool
	hijacked  bool
}

func (i *settlementInterceptor) Header() http.Header {
	return i.w.Header()
}

func (i *settlementInterceptor) Write(b []byte) (int, error) {
	// A Write without WriteHeader implies 200 OK, so the settlement check
	// must run now.
	if !i.committed {
		i.WriteHeader(http.StatusOK)
	}

	// After a failed settlement the error response is already on the wire;
	// the handler's payload is discarded to avoid a mixed response.
	if i.hijacked {
		return len(b), nil
	}

	return i.w.Write(b)
}

func (i *settlementInterceptor) WriteHeader(statusCode int) {
	if i.committed {
		return
	}
	i.committed = true

	// Handler errors pass through untouched; no settlement.
	if statusCode >= 400 {
		if i.onFailure != nil {
			i.onFailure(statusCode)
		}
		i.w.WriteHeader(statusCode)
		return
	}

	// The handler wants to succeed; settle before the status escapes.
	if !i.settleFunc() {
		// settleFunc already wrote the 402/503 to the underlying writer.
		i.hijacked = true
		return
	}

	// Settled; X-PAYMENT-RESPONSE is on the headers, let the status through.
	i.w.WriteHeader(statusCode)
}

// Flush implements http.Flusher to support streaming responses.
func (i *settlementInterceptor) Flush() {
	if flusher, ok := i.w.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Hijack implements http.Hijacker to support connection hijacking.
func (i *settlementInterceptor) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hijacker, ok := i.w.(http.Hijacker); ok {
		// Settle before upgrades (e.g. WebSocket) take the connection away.
		if !i.committed {
			i.committed = true
			if !i.settleFunc() {
				i.hijacked = true
				return nil, nil, errors.New("payment settlement failed")
			}
		}
		return hijacker.Hijack()
	}
	return nil, nil, errors.New("hijacking not supported")
}

// Push implements http.Pusher to support HTTP/2 server push.
func (i *settlementInterceptor) Push(target string, opts *http.PushOptions) error {
	if pusher, ok := i.w.(http.Pusher); ok {
		return pusher.Push(target, opts)
	}
	return http.ErrNotSupported
}

// GetPaymentFromContext extracts the verified payment information from the
// request context. Returns nil if no payment was verified.
func GetPaymentFromContext(ctx context.Context) *x402.VerifyResponse {
	value := ctx.Value(PaymentContextKey)
	if value == nil {
		return nil
	}
	resp, ok := value.(*x402.VerifyResponse)
	if !ok {
		return nil
	}
	return resp
}
