// Package gin provides Gin-compatible middleware for x402 payment gating.
// This package is a thin adapter that translates gin.Context to stdlib http
// patterns and delegates payment verification and settlement to the http
// package.
package gin

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	x402 "github.com/UltravioletaDAO/x402-facilitator"
	"github.com/UltravioletaDAO/x402-facilitator/facilitator"
	x402http "github.com/UltravioletaDAO/x402-facilitator/http"
	"github.com/UltravioletaDAO/x402-facilitator/http/internal/helpers"
)

// Config is an alias for the http package Config for convenience.
type Config = x402http.Config

// PaymentContextKey is the gin context key for storing verified payment information.
const PaymentContextKey = "x402_payment"

// NewX402Middleware creates an x402 payment middleware for Gin.
//
// The middleware:
//   - Checks for X-PAYMENT header in requests
//   - Returns 402 Payment Required if missing or invalid
//   - Verifies payments with the facilitator
//   - Settles payments (unless VerifyOnly=true)
//   - Stores payment information in Gin context via c.Set("x402_payment", verifyResp)
//   - Calls c.Abort() on payment failure to stop the handler chain
func NewX402Middleware(config Config) gin.HandlerFunc {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	f := config.Facilitator
	var enricher *x402http.FacilitatorClient
	if f == nil {
		client := &x402http.FacilitatorClient{
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
		fallback = &x402http.FacilitatorClient{
			BaseURL:               config.FallbackFacilitatorURL,
			Client:                &http.Client{Timeout: x402.DefaultTimeouts.RequestTimeout},
			Timeouts:              x402.DefaultTimeouts,
			Authorization:         config.FallbackFacilitatorAuthorization,
			AuthorizationProvider: config.FallbackFacilitatorAuthorizationProvider,
		}
	}

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

	return func(c *gin.Context) {
		offered := make([]x402.PaymentRequirements, len(requirements))
		copy(offered, requirements)
		resourceURL := helpers.BuildResourceURL(c.Request)
		for i := range offered {
			if offered[i].Resource == "" {
				offered[i].Resource = resourceURL
			}
		}

		paymentHeader := c.GetHeader("X-PAYMENT")
		if paymentHeader == "" {
			logger.Info("no payment header provided", "path", c.Request.URL.Path)
			sendPaymentRequiredGin(c, offered, "Payment required")
			return
		}

		payment, err := helpers.ParsePaymentHeader(c.Request)
		if err != nil {
			logger.Warn("invalid payment header", "error", err)
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"x402Version": x402.X402Version,
				"error":       "Invalid payment header",
			})
			return
		}

		requirement, err := x402.FindMatchingRequirement(payment, offered)
		if err != nil {
			logger.Warn("no matching requirement", "error", err)
			sendPaymentRequiredGin(c, offered, "No matching payment requirement")
			return
		}

		logger.Info("verifying payment", "scheme", payment.Scheme, "network", payment.Network)
		verifyResp, err := f.Verify(c.Request.Context(), *payment, *requirement)
		if err != nil && fallback != nil {
			logger.Warn("primary facilitator failed, trying fallback", "error", err)
			verifyResp, err = fallback.Verify(c.Request.Context(), *payment, *requirement)
		}
		if err != nil {
			logger.Error("facilitator verification failed", "error", err)
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"x402Version": x402.X402Version,
				"error":       "Payment verification failed",
			})
			return
		}

		if !verifyResp.IsValid {
			logger.Warn("payment verification failed", "reason", verifyResp.InvalidReason)
			sendPaymentRequiredGin(c, offered, string(verifyResp.InvalidReason))
			return
		}

		logger.Info("payment verified", "payer", verifyResp.Payer)

		if !config.VerifyOnly {
			logger.Info("settling payment", "payer", verifyResp.Payer)
			settlement, err := f.Settle(c.Request.Context(), *payment, *requirement)
			if err != nil && fallback != nil {
				logger.Warn("primary facilitator settlement failed, trying fallback", "error", err)
				settlement, err = fallback.Settle(c.Request.Context(), *payment, *requirement)
			}
			if err != nil {
				logger.Error("settlement failed", "error", err)
				c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
					"x402Version": x402.X402Version,
					"error":       "Payment settlement failed",
				})
				return
			}

			if !settlement.Success {
				logger.Warn("settlement unsuccessful", "reason", settlement.ErrorReason)
				sendPaymentRequiredGin(c, offered, string(settlement.ErrorReason))
				return
			}

			logger.Info("payment settled", "transaction", settlement.Transaction)

			if err := helpers.AddPaymentResponseHeader(c.Writer, settlement); err != nil {
				logger.Warn("failed to add payment response header", "error", err)
			}
		}

		c.Set(PaymentContextKey, verifyResp)

		// Also store in stdlib context for compatibility with http package helpers.
		ctx := context.WithValue(c.Request.Context(), x402http.PaymentContextKey, verifyResp)
		c.Request = c.Request.WithContext(ctx)

		c.Next()
	}
}

// sendPaymentRequiredGin sends a 402 Payment Required response and aborts the
// handler chain.
func sendPaymentRequiredGin(c *gin.Context, requirements []x402.PaymentRequirements, errMsg string) {
	c.AbortWithStatusJSON(http.StatusPaymentRequired, x402.PaymentRequired{
		X402Version: x402.X402Version,
		Error:       errMsg,
		Accepts:     requirements,
	})
}

// GetPaymentFromContext extracts the verified payment information from the
// Gin context. Returns nil if no payment was verified.
func GetPaymentFromContext(c *gin.Context) *x402.VerifyResponse {
	value, exists := c.Get(PaymentContextKey)
	if !exists {
		return nil
	}
	resp, ok := value.(*x402.VerifyResponse)
	if !ok {
		return nil
	}
	return resp
}
