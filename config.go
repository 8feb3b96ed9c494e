package x402

import (
	"fmt"
	"time"
)

// TimeoutConfig holds timeout configuration for payment operations.
type TimeoutConfig struct {
	// VerifyTimeout is the maximum time to wait for payment verification.
	VerifyTimeout time.Duration

	// SettleTimeout caps the settlement confirmation budget regardless of the
	// requirement's maxTimeoutSeconds.
	SettleTimeout time.Duration

	// RequestTimeout is the overall timeout for HTTP requests.
	RequestTimeout time.Duration
}

// DefaultTimeouts provides sensible defaults for payment operations.
var DefaultTimeouts = TimeoutConfig{
	VerifyTimeout:  5 * time.Second,
	SettleTimeout:  60 * time.Second,
	RequestTimeout: 120 * time.Second,
}

// WithVerifyTimeout returns a new TimeoutConfig with updated verify timeout.
func (tc TimeoutConfig) WithVerifyTimeout(d time.Duration) TimeoutConfig {
	tc.VerifyTimeout = d
	return tc
}

// WithSettleTimeout returns a new TimeoutConfig with updated settle timeout.
func (tc TimeoutConfig) WithSettleTimeout(d time.Duration) TimeoutConfig {
	tc.SettleTimeout = d
	return tc
}

// WithRequestTimeout returns a new TimeoutConfig with updated request timeout.
func (tc TimeoutConfig) WithRequestTimeout(d time.Duration) TimeoutConfig {
	tc.RequestTimeout = d
	return tc
}

// Validate ensures timeout values are reasonable.
func (tc TimeoutConfig) Validate() error {
	if tc.VerifyTimeout <= 0 {
		return fmt.Errorf("verify timeout must be positive, got %v", tc.VerifyTimeout)
	}
	if tc.SettleTimeout <= 0 {
		return fmt.Errorf("settle timeout must be positive, got %v", tc.SettleTimeout)
	}
	if tc.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be positive, got %v", tc.RequestTimeout)
	}
	if tc.SettleTimeout < tc.VerifyTimeout {
		return fmt.Errorf("settle timeout (%v) should be >= verify timeout (%v)",
			tc.SettleTimeout, tc.VerifyTimeout)
	}
	return nil
}

// Policy holds the facilitator's verification policy. The same policy is
// applied at verification and again at settlement, since settlement may be
// deferred.
type Policy struct {
	// MaxValidityWindow caps validBefore - validAfter. Authorizations with a
	// wider window are rejected even when both bounds are individually
	// in-range; a wide window is an open invitation to replay stale quotes.
	MaxValidityWindow time.Duration

	// ClockSkew is the backdating applied to validAfter when constructing
	// payloads, and the grace allowed when judging bounds.
	ClockSkew time.Duration

	// AllowOverpayment accepts authorizations whose value exceeds
	// maxAmountRequired. The default policy requires an exact match.
	AllowOverpayment bool
}

// DefaultPolicy is the conservative default verification policy.
var DefaultPolicy = Policy{
	MaxValidityWindow: 120 * time.Second,
	ClockSkew:         10 * time.Second,
	AllowOverpayment:  false,
}

// Validate ensures policy values are reasonable.
func (p Policy) Validate() error {
	if p.MaxValidityWindow <= 0 {
		return fmt.Errorf("max validity window must be positive, got %v", p.MaxValidityWindow)
	}
	if p.ClockSkew < 0 {
		return fmt.Errorf("clock skew cannot be negative, got %v", p.ClockSkew)
	}
	if p.ClockSkew >= p.MaxValidityWindow {
		return fmt.Errorf("clock skew (%v) must be smaller than max validity window (%v)",
			p.ClockSkew, p.MaxValidityWindow)
	}
	return nil
}

// EffectiveWindow returns the forward validity to use when constructing an
// authorization: the requirement's timeout bounded by the policy maximum.
func (p Policy) EffectiveWindow(maxTimeoutSeconds int) time.Duration {
	window := time.Duration(maxTimeoutSeconds) * time.Second
	if window <= 0 || window > p.MaxValidityWindow {
		return p.MaxValidityWindow
	}
	return window
}
