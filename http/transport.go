package http

import (
	"net/http"
	"time"

	x402 "github.com/UltravioletaDAO/x402-facilitator"
	"github.com/UltravioletaDAO/x402-facilitator/http/internal/helpers"
)

// X402Transport is a RoundTripper that handles x402 payment flows. It wraps
// an existing http.RoundTripper and automatically answers 402 Payment
// Required responses: it picks a signer for one of the offered requirements,
// constructs the signed payment, and retries the request with X-PAYMENT set.
type X402Transport struct {
	// Base is the underlying RoundTripper (typically http.DefaultTransport).
	Base http.RoundTripper

	// Signers is the list of available payment signers.
	Signers []x402.Signer

	// Selector is used to choose the appropriate signer and create payments.
	Selector x402.PaymentSelector

	// OnPaymentAttempt is called when a payment attempt is made.
	OnPaymentAttempt x402.PaymentCallback

	// OnPaymentSuccess is called when a payment succeeds.
	OnPaymentSuccess x402.PaymentCallback

	// OnPaymentFailure is called when a payment fails.
	OnPaymentFailure x402.PaymentCallback
}

// RoundTrip implements http.RoundTripper.
func (t *X402Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.Base == nil {
		t.Base = http.DefaultTransport
	}

	reqCopy := req.Clone(req.Context())

	resp, err := t.Base.RoundTrip(reqCopy)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusPaymentRequired {
		return resp, nil
	}

	paymentReq, err := helpers.ParsePaymentRequirements(resp)
	if err != nil {
		resp.Body.Close()
		return nil, x402.NewPaymentError(x402.ErrCodeInvalidRequirements, "failed to parse payment requirements", err)
	}
	resp.Body.Close()

	payment, err := t.Selector.SelectAndSign(t.Signers, paymentReq.Accepts)
	if err != nil {
		return nil, err
	}

	selectedRequirement, _ := x402.FindMatchingRequirement(payment, paymentReq.Accepts)

	startTime := time.Now()

	if t.OnPaymentAttempt != nil && selectedRequirement != nil {
		t.OnPaymentAttempt(x402.PaymentEvent{
			Type:      x402.PaymentEventAttempt,
			Timestamp: startTime,
			URL:       req.URL.String(),
			Network:   payment.Network,
			Scheme:    payment.Scheme,
			Amount:    selectedRequirement.MaxAmountRequired,
			Asset:     selectedRequirement.Asset,
			Recipient: selectedRequirement.PayTo,
		})
	}

	paymentHeader, err := helpers.BuildPaymentHeader(payment)
	if err != nil {
		if t.OnPaymentFailure != nil {
			t.OnPaymentFailure(x402.PaymentEvent{
				Type:      x402.PaymentEventFailure,
				Timestamp: time.Now(),
				URL:       req.URL.String(),
				Error:     err,
				Duration:  time.Since(startTime),
			})
		}
		return nil, x402.NewPaymentError(x402.ErrCodeSigningFailed, "failed to build payment header", err)
	}

	reqRetry := req.Clone(req.Context())
	reqRetry.Header.Set("X-PAYMENT", paymentHeader)

	// The first round trip drained the body; rewind it for the paid retry.
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, x402.NewPaymentError(x402.ErrCodeNetworkError, "failed to rewind request body", err)
		}
		reqRetry.Body = body
	}

	respRetry, err := t.Base.RoundTrip(reqRetry)
	duration := time.Since(startTime)

	if err != nil {
		if t.OnPaymentFailure != nil {
			t.OnPaymentFailure(x402.PaymentEvent{
				Type:      x402.PaymentEventFailure,
				Timestamp: time.Now(),
				URL:       req.URL.String(),
				Error:     err,
				Duration:  duration,
			})
		}
		return nil, err
	}

	settlement := helpers.ParseSettlement(respRetry.Header.Get("X-PAYMENT-RESPONSE"))

	if settlement != nil && settlement.Success && t.OnPaymentSuccess != nil {
		event := x402.PaymentEvent{
			Type:        x402.PaymentEventSuccess,
			Timestamp:   time.Now(),
			URL:         req.URL.String(),
			Transaction: settlement.Transaction,
			Payer:       settlement.Payer,
			Duration:    duration,
		}
		if selectedRequirement != nil {
			event.Network = selectedRequirement.Network
			event.Scheme = selectedRequirement.Scheme
			event.Amount = selectedRequirement.MaxAmountRequired
			event.Asset = selectedRequirement.Asset
			event.Recipient = selectedRequirement.PayTo
		}
		t.OnPaymentSuccess(event)
	}

	return respRetry, nil
}
