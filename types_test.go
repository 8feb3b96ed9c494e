package x402

import (
	"encoding/json"
	"math/big"
	"strings"
	"testing"
)

func TestX402Version(t *testing.T) {
	if X402Version != 1 {
		t.Errorf("X402Version = %d; want 1", X402Version)
	}
}

func TestPaymentRequirementsJSON(t *testing.T) {
	req := PaymentRequirements{
		Scheme:            "exact",
		Network:           "base",
		MaxAmountRequired: "1000000",
		Resource:          "https://example.com/api/data",
		Description:       "Test data endpoint",
		MimeType:          "application/json",
		PayTo:             "0x1234567890123456789012345678901234567890",
		MaxTimeoutSeconds: 60,
		Asset:             "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
		Extra: map[string]interface{}{
			"name":    "USD Coin",
			"version": "2",
		},
	}

	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("json.Marshal() error = %v", err)
	}

	// The wire format uses camelCase field names and a string amount.
	for _, field := range []string{`"maxAmountRequired":"1000000"`, `"payTo"`, `"maxTimeoutSeconds"`, `"mimeType"`} {
		if !strings.Contains(string(data), field) {
			t.Errorf("Marshaled requirements missing %s: %s", field, data)
		}
	}

	var decoded PaymentRequirements
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("json.Unmarshal() error = %v", err)
	}
	if decoded.MaxAmountRequired != req.MaxAmountRequired {
		t.Errorf("MaxAmountRequired = %s; want %s", decoded.MaxAmountRequired, req.MaxAmountRequired)
	}
	if decoded.PayTo != req.PayTo {
		t.Errorf("PayTo = %s; want %s", decoded.PayTo, req.PayTo)
	}
}

func TestPaymentRequiredJSON(t *testing.T) {
	pr := PaymentRequired{
		X402Version: 1,
		Error:       "X-PAYMENT header is required",
		Accepts: []PaymentRequirements{
			{
				Scheme:            "exact",
				Network:           "base",
				MaxAmountRequired: "1000000",
				Resource:          "https://example.com/api",
				PayTo:             "0x1234567890123456789012345678901234567890",
				MaxTimeoutSeconds: 60,
				Asset:             "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
			},
		},
	}

	data, err := json.Marshal(pr)
	if err != nil {
		t.Fatalf("json.Marshal() error = %v", err)
	}

	var decoded PaymentRequired
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("json.Unmarshal() error = %v", err)
	}

	if decoded.X402Version != 1 {
		t.Errorf("X402Version = %d; want 1", decoded.X402Version)
	}
	if len(decoded.Accepts) != 1 {
		t.Errorf("len(Accepts) = %d; want 1", len(decoded.Accepts))
	}
}

func TestVerifyResponseJSON(t *testing.T) {
	t.Run("valid omits reason", func(t *testing.T) {
		data, err := json.Marshal(Valid("0xpayer"))
		if err != nil {
			t.Fatalf("json.Marshal() error = %v", err)
		}
		if strings.Contains(string(data), "invalidReason") {
			t.Errorf("Valid response should omit invalidReason: %s", data)
		}
		if !strings.Contains(string(data), `"isValid":true`) {
			t.Errorf("Expected isValid true: %s", data)
		}
	})

	t.Run("invalid carries reason", func(t *testing.T) {
		data, err := json.Marshal(Invalid(ReasonInvalidSignature, ""))
		if err != nil {
			t.Fatalf("json.Marshal() error = %v", err)
		}
		if !strings.Contains(string(data), `"invalidReason":"invalid_signature"`) {
			t.Errorf("Expected invalid_signature reason: %s", data)
		}
	})
}

func TestSettleResponseJSON(t *testing.T) {
	resp := SettleResponse{
		Success:     true,
		Transaction: "0xabc",
		Network:     "base",
		Payer:       "0xpayer",
	}

	data, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("json.Marshal() error = %v", err)
	}
	if strings.Contains(string(data), "errorReason") {
		t.Errorf("Successful settlement should omit errorReason: %s", data)
	}

	failure := SettleFailure(ReasonAlreadySettled, "base", "0xpayer")
	data, err = json.Marshal(failure)
	if err != nil {
		t.Fatalf("json.Marshal() error = %v", err)
	}
	if !strings.Contains(string(data), `"errorReason":"already_settled"`) {
		t.Errorf("Expected already_settled reason: %s", data)
	}
}

func TestAmountToBigInt(t *testing.T) {
	tests := []struct {
		name     string
		amount   string
		decimals int
		want     string
		wantErr  bool
	}{
		{"whole number", "1", 6, "1000000", false},
		{"decimal", "1.5", 6, "1500000", false},
		{"small fraction", "0.000001", 6, "1", false},
		{"zero", "0", 6, "0", false},
		{"zero decimals", "42", 0, "42", false},
		{"large amount", "1000000", 18, "1000000000000000000000000", false},
		{"too many decimal places", "0.0000001", 6, "", true},
		{"negative", "-1", 6, "", true},
		{"negative decimals", "1", -1, "", true},
		{"empty", "", 6, "", true},
		{"not a number", "abc", 6, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := AmountToBigInt(tt.amount, tt.decimals)
			if tt.wantErr {
				if err == nil {
					t.Errorf("AmountToBigInt(%q, %d) expected error, got %s", tt.amount, tt.decimals, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("AmountToBigInt(%q, %d) error = %v", tt.amount, tt.decimals, err)
			}
			if got.String() != tt.want {
				t.Errorf("AmountToBigInt(%q, %d) = %s; want %s", tt.amount, tt.decimals, got, tt.want)
			}
		})
	}
}

func TestBigIntToAmount(t *testing.T) {
	tests := []struct {
		name     string
		value    *big.Int
		decimals int
		want     string
	}{
		{"one usdc", big.NewInt(1000000), 6, "1.000000"},
		{"fraction", big.NewInt(1500000), 6, "1.500000"},
		{"single unit", big.NewInt(1), 6, "0.000001"},
		{"zero decimals", big.NewInt(42), 0, "42"},
		{"nil", nil, 6, "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := BigIntToAmount(tt.value, tt.decimals); got != tt.want {
				t.Errorf("BigIntToAmount(%v, %d) = %s; want %s", tt.value, tt.decimals, got, tt.want)
			}
		})
	}
}

func TestParseAtomicAmount(t *testing.T) {
	t.Run("parses decimal string", func(t *testing.T) {
		v, err := ParseAtomicAmount("1000000")
		if err != nil {
			t.Fatalf("ParseAtomicAmount() error = %v", err)
		}
		if v.Cmp(big.NewInt(1000000)) != 0 {
			t.Errorf("ParseAtomicAmount() = %s; want 1000000", v)
		}
	})

	t.Run("rejects negative and malformed", func(t *testing.T) {
		for _, s := range []string{"-1", "", "1.5", "0x10", "abc"} {
			if _, err := ParseAtomicAmount(s); err == nil {
				t.Errorf("ParseAtomicAmount(%q) expected error", s)
			}
		}
	})
}
