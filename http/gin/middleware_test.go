package gin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	x402 "github.com/UltravioletaDAO/x402-facilitator"
	"github.com/UltravioletaDAO/x402-facilitator/encoding"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeFacilitator is a scriptable facilitator.Interface.
type fakeFacilitator struct {
	verifyResp *x402.VerifyResponse
	verifyErr  error
	settleResp *x402.SettleResponse
	settleErr  error

	verifyCalls int
	settleCalls int
}

func (f *fakeFacilitator) Verify(_ context.Context, _ x402.PaymentPayload, _ x402.PaymentRequirements) (*x402.VerifyResponse, error) {
	f.verifyCalls++
	return f.verifyResp, f.verifyErr
}

func (f *fakeFacilitator) Settle(_ context.Context, _ x402.PaymentPayload, _ x402.PaymentRequirements) (*x402.SettleResponse, error) {
	f.settleCalls++
	return f.settleResp, f.settleErr
}

func (f *fakeFacilitator) Supported(_ context.Context) (*x402.SupportedResponse, error) {
	return &x402.SupportedResponse{}, nil
}

func testRequirements() []x402.PaymentRequirements {
	return []x402.PaymentRequirements{{
		Scheme:            "exact",
		Network:           "base-sepolia",
		MaxAmountRequired: "10000",
		Resource:          "https://example.com/data",
		PayTo:             "0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC",
		MaxTimeoutSeconds: 60,
		Asset:             "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
	}}
}

func testPaymentHeader(t *testing.T) string {
	t.Helper()
	payload, err := x402.NewExactEVMPaymentPayload("base-sepolia", x402.ExactEVMPayload{
		Signature: "0x" + strings.Repeat("ab", 65),
		Authorization: x402.ExactEVMAuthorization{
			From:        "0x70997970C51812dc3A010C7d01b50e0d17dc79C8",
			To:          "0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC",
			Value:       "10000",
			ValidAfter:  "1700000000",
			ValidBefore: "1700000600",
			Nonce:       "0x" + strings.Repeat("44", 32),
		},
	})
	if err != nil {
		t.Fatalf("Failed to build payment: %v", err)
	}
	header, err := encoding.EncodePayment(*payload)
	if err != nil {
		t.Fatalf("EncodePayment() error = %v", err)
	}
	return header
}

func testRouter(fake *fakeFacilitator, config Config) *gin.Engine {
	if config.Facilitator == nil {
		config.Facilitator = fake
	}
	if config.PaymentRequirements == nil {
		config.PaymentRequirements = testRequirements()
	}

	router := gin.New()
	router.GET("/data", NewX402Middleware(config), func(c *gin.Context) {
		payer := ""
		if payment := GetPaymentFromContext(c); payment != nil {
			payer = payment.Payer
		}
		c.JSON(http.StatusOK, gin.H{"data": "premium", "payer": payer})
	})
	return router
}

func TestGinMiddlewarePaymentRequired(t *testing.T) {
	fake := &fakeFacilitator{}
	router := testRouter(fake, Config{})

	req := httptest.NewRequest("GET", "/data", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("Status = %d; want 402", rec.Code)
	}
	var challenge x402.PaymentRequired
	if err := json.NewDecoder(rec.Body).Decode(&challenge); err != nil {
		t.Fatalf("Failed to decode challenge: %v", err)
	}
	if challenge.X402Version != x402.X402Version || len(challenge.Accepts) != 1 {
		t.Errorf("Challenge = %+v; want version 1 with one accept", challenge)
	}
	if fake.verifyCalls != 0 {
		t.Errorf("Verify calls = %d; want 0", fake.verifyCalls)
	}
}

func TestGinMiddlewareBadHeader(t *testing.T) {
	router := testRouter(&fakeFacilitator{}, Config{})

	req := httptest.NewRequest("GET", "/data", nil)
	req.Header.Set("X-PAYMENT", "!!garbage!!")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("Status = %d; want 400", rec.Code)
	}
}

func TestGinMiddlewareInvalidPayment(t *testing.T) {
	fake := &fakeFacilitator{verifyResp: x402.Invalid(x402.ReasonExpiredOrTooWide, "")}
	router := testRouter(fake, Config{})

	req := httptest.NewRequest("GET", "/data", nil)
	req.Header.Set("X-PAYMENT", testPaymentHeader(t))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("Status = %d; want 402", rec.Code)
	}
	var challenge x402.PaymentRequired
	if err := json.NewDecoder(rec.Body).Decode(&challenge); err != nil {
		t.Fatalf("Failed to decode challenge: %v", err)
	}
	if challenge.Error != string(x402.ReasonExpiredOrTooWide) {
		t.Errorf("Error = %q; want expired_or_too_wide", challenge.Error)
	}
	if fake.settleCalls != 0 {
		t.Errorf("Settle calls = %d; want 0", fake.settleCalls)
	}
}

func TestGinMiddlewareFullFlow(t *testing.T) {
	fake := &fakeFacilitator{
		verifyResp: x402.Valid("0x70997970C51812dc3A010C7d01b50e0d17dc79C8"),
		settleResp: &x402.SettleResponse{
			Success:     true,
			Transaction: "0xabc123",
			Network:     "base-sepolia",
			Payer:       "0x70997970C51812dc3A010C7d01b50e0d17dc79C8",
		},
	}
	router := testRouter(fake, Config{})

	req := httptest.NewRequest("GET", "/data", nil)
	req.Header.Set("X-PAYMENT", testPaymentHeader(t))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Status = %d; want 200", rec.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode body: %v", err)
	}
	if body["payer"] != "0x70997970C51812dc3A010C7d01b50e0d17dc79C8" {
		t.Errorf("Context payer = %q; want the verified payer", body["payer"])
	}
	if fake.verifyCalls != 1 || fake.settleCalls != 1 {
		t.Errorf("Calls = %d verify / %d settle; want 1/1", fake.verifyCalls, fake.settleCalls)
	}

	settlement, err := encoding.DecodeSettlement(rec.Header().Get("X-PAYMENT-RESPONSE"))
	if err != nil {
		t.Fatalf("Failed to decode X-PAYMENT-RESPONSE: %v", err)
	}
	if !settlement.Success || settlement.Transaction != "0xabc123" {
		t.Errorf("Settlement = %+v; want the receipt", settlement)
	}
}

func TestGinMiddlewareSettlementFailure(t *testing.T) {
	fake := &fakeFacilitator{
		verifyResp: x402.Valid("0xpayer"),
		settleResp: x402.SettleFailure(x402.ReasonChainRejected, "base-sepolia", "0xpayer"),
	}
	router := testRouter(fake, Config{})

	req := httptest.NewRequest("GET", "/data", nil)
	req.Header.Set("X-PAYMENT", testPaymentHeader(t))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("Status = %d; want 402", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "premium") {
		t.Error("Protected content leaked after failed settlement")
	}
}

func TestGinMiddlewareVerifyOnly(t *testing.T) {
	fake := &fakeFacilitator{verifyResp: x402.Valid("0xpayer")}
	router := testRouter(fake, Config{VerifyOnly: true})

	req := httptest.NewRequest("GET", "/data", nil)
	req.Header.Set("X-PAYMENT", testPaymentHeader(t))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Status = %d; want 200", rec.Code)
	}
	if fake.settleCalls != 0 {
		t.Errorf("Settle calls = %d; want 0 in verify-only mode", fake.settleCalls)
	}
}

func TestGetPaymentFromContext(t *testing.T) {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	if got := GetPaymentFromContext(c); got != nil {
		t.Errorf("GetPaymentFromContext() without payment = %+v; want nil", got)
	}

	want := x402.Valid("0xpayer")
	c.Set(PaymentContextKey, want)
	if got := GetPaymentFromContext(c); got != want {
		t.Errorf("GetPaymentFromContext() = %+v; want the stored response", got)
	}
}
