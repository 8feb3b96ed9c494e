package helpers

import (
	"crypto/tls"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	x402 "github.com/UltravioletaDAO/x402-facilitator"
	"github.com/UltravioletaDAO/x402-facilitator/encoding"
)

func testPayment(t *testing.T) x402.PaymentPayload {
	t.Helper()
	payload, err := x402.NewExactEVMPaymentPayload("base-sepolia", x402.ExactEVMPayload{
		Signature: "0x" + strings.Repeat("ab", 65),
		Authorization: x402.ExactEVMAuthorization{
			From:        "0x70997970C51812dc3A010C7d01b50e0d17dc79C8",
			To:          "0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC",
			Value:       "10000",
			ValidAfter:  "1700000000",
			ValidBefore: "1700000600",
			Nonce:       "0x" + strings.Repeat("11", 32),
		},
	})
	if err != nil {
		t.Fatalf("Failed to build payment: %v", err)
	}
	return *payload
}

func testRequirements() []x402.PaymentRequirements {
	return []x402.PaymentRequirements{{
		Scheme:            "exact",
		Network:           "base-sepolia",
		MaxAmountRequired: "10000",
		Resource:          "https://example.com/api",
		PayTo:             "0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC",
		MaxTimeoutSeconds: 60,
		Asset:             "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
	}}
}

func TestParsePaymentHeader(t *testing.T) {
	t.Run("decodes a valid header", func(t *testing.T) {
		payment := testPayment(t)
		header, err := encoding.EncodePayment(payment)
		if err != nil {
			t.Fatalf("EncodePayment() error = %v", err)
		}

		req := httptest.NewRequest("GET", "/data", nil)
		req.Header.Set("X-PAYMENT", header)

		parsed, err := ParsePaymentHeader(req)
		if err != nil {
			t.Fatalf("ParsePaymentHeader() error = %v", err)
		}
		if parsed.Scheme != "exact" || parsed.Network != "base-sepolia" {
			t.Errorf("Parsed = %s/%s; want exact/base-sepolia", parsed.Scheme, parsed.Network)
		}
	})

	t.Run("missing header", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/data", nil)
		if _, err := ParsePaymentHeader(req); !errors.Is(err, x402.ErrMalformedHeader) {
			t.Errorf("Expected ErrMalformedHeader, got %v", err)
		}
	})

	t.Run("invalid base64", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/data", nil)
		req.Header.Set("X-PAYMENT", "!!not-base64!!")
		if _, err := ParsePaymentHeader(req); err == nil {
			t.Error("Expected error for invalid base64")
		}
	})

	t.Run("wrong version", func(t *testing.T) {
		payment := testPayment(t)
		payment.X402Version = 99
		header, err := encoding.EncodePayment(payment)
		if err != nil {
			t.Fatalf("EncodePayment() error = %v", err)
		}

		req := httptest.NewRequest("GET", "/data", nil)
		req.Header.Set("X-PAYMENT", header)
		if _, err := ParsePaymentHeader(req); !errors.Is(err, x402.ErrUnsupportedVersion) {
			t.Errorf("Expected ErrUnsupportedVersion, got %v", err)
		}
	})
}

func TestSendPaymentRequired(t *testing.T) {
	rec := httptest.NewRecorder()
	if err := SendPaymentRequired(rec, testRequirements(), "Payment required"); err != nil {
		t.Fatalf("SendPaymentRequired() error = %v", err)
	}

	if rec.Code != http.StatusPaymentRequired {
		t.Errorf("Status = %d; want 402", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %s; want application/json", ct)
	}

	var body x402.PaymentRequired
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode body: %v", err)
	}
	if body.X402Version != x402.X402Version {
		t.Errorf("X402Version = %d; want %d", body.X402Version, x402.X402Version)
	}
	if body.Error != "Payment required" {
		t.Errorf("Error = %q; want Payment required", body.Error)
	}
	if len(body.Accepts) != 1 || body.Accepts[0].Network != "base-sepolia" {
		t.Errorf("Accepts = %+v; want the offered requirement", body.Accepts)
	}
}

func TestAddPaymentResponseHeader(t *testing.T) {
	t.Run("sets a decodable header", func(t *testing.T) {
		rec := httptest.NewRecorder()
		settlement := &x402.SettleResponse{
			Success:     true,
			Transaction: "0xabc123",
			Network:     "base-sepolia",
			Payer:       "0x70997970C51812dc3A010C7d01b50e0d17dc79C8",
		}
		if err := AddPaymentResponseHeader(rec, settlement); err != nil {
			t.Fatalf("AddPaymentResponseHeader() error = %v", err)
		}

		header := rec.Header().Get("X-PAYMENT-RESPONSE")
		if header == "" {
			t.Fatal("X-PAYMENT-RESPONSE not set")
		}
		decoded, err := encoding.DecodeSettlement(header)
		if err != nil {
			t.Fatalf("DecodeSettlement() error = %v", err)
		}
		if !decoded.Success || decoded.Transaction != "0xabc123" {
			t.Errorf("Decoded = %+v; want the original settlement", decoded)
		}
	})

	t.Run("nil settlement", func(t *testing.T) {
		if err := AddPaymentResponseHeader(httptest.NewRecorder(), nil); !errors.Is(err, ErrNilSettlement) {
			t.Errorf("Expected ErrNilSettlement, got %v", err)
		}
	})
}

func TestParsePaymentRequirements(t *testing.T) {
	t.Run("parses a 402 body", func(t *testing.T) {
		body, err := json.Marshal(x402.PaymentRequired{
			X402Version: x402.X402Version,
			Error:       "Payment required",
			Accepts:     testRequirements(),
		})
		if err != nil {
			t.Fatalf("Marshal() error = %v", err)
		}
		resp := &http.Response{Body: io.NopCloser(strings.NewReader(string(body)))}

		parsed, err := ParsePaymentRequirements(resp)
		if err != nil {
			t.Fatalf("ParsePaymentRequirements() error = %v", err)
		}
		if len(parsed.Accepts) != 1 {
			t.Errorf("Accepts = %d; want 1", len(parsed.Accepts))
		}
	})

	t.Run("nil response", func(t *testing.T) {
		if _, err := ParsePaymentRequirements(nil); err == nil {
			t.Error("Expected error for nil response")
		}
	})

	t.Run("empty accepts", func(t *testing.T) {
		resp := &http.Response{Body: io.NopCloser(strings.NewReader(`{"x402Version":1,"accepts":[]}`))}
		if _, err := ParsePaymentRequirements(resp); err == nil {
			t.Error("Expected error for empty accepts")
		}
	})
}

func TestParseSettlement(t *testing.T) {
	t.Run("empty header", func(t *testing.T) {
		if got := ParseSettlement(""); got != nil {
			t.Errorf("ParseSettlement(\"\") = %+v; want nil", got)
		}
	})

	t.Run("garbage header", func(t *testing.T) {
		if got := ParseSettlement("garbage"); got != nil {
			t.Errorf("ParseSettlement(garbage) = %+v; want nil", got)
		}
	})

	t.Run("valid header", func(t *testing.T) {
		encoded, err := encoding.EncodeSettlement(x402.SettleResponse{Success: true, Transaction: "0xdef"})
		if err != nil {
			t.Fatalf("EncodeSettlement() error = %v", err)
		}
		got := ParseSettlement(encoded)
		if got == nil || !got.Success || got.Transaction != "0xdef" {
			t.Errorf("ParseSettlement() = %+v; want the settlement", got)
		}
	})
}

func TestBuildPaymentHeader(t *testing.T) {
	t.Run("roundtrips through decoding", func(t *testing.T) {
		payment := testPayment(t)
		header, err := BuildPaymentHeader(&payment)
		if err != nil {
			t.Fatalf("BuildPaymentHeader() error = %v", err)
		}
		decoded, err := encoding.DecodePayment(header)
		if err != nil {
			t.Fatalf("DecodePayment() error = %v", err)
		}
		if decoded.Network != payment.Network {
			t.Errorf("Network = %s; want %s", decoded.Network, payment.Network)
		}
	})

	t.Run("nil payment", func(t *testing.T) {
		if _, err := BuildPaymentHeader(nil); !errors.Is(err, ErrNilPayment) {
			t.Errorf("Expected ErrNilPayment, got %v", err)
		}
	})
}

func TestBuildResourceURL(t *testing.T) {
	req := httptest.NewRequest("GET", "/data?limit=5", nil)
	req.Host = "api.example.com"
	if got := BuildResourceURL(req); got != "http://api.example.com/data?limit=5" {
		t.Errorf("BuildResourceURL() = %s", got)
	}

	req.TLS = &tls.ConnectionState{}
	if got := BuildResourceURL(req); !strings.HasPrefix(got, "https://") {
		t.Errorf("BuildResourceURL() over TLS = %s; want https scheme", got)
	}
}
