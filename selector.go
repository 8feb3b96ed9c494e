package x402

import (
	"math/big"
	"sort"
	"strings"
)

// PaymentSelector selects the appropriate signer and creates a payment.
type PaymentSelector interface {
	// SelectAndSign chooses the best signer from the available signers
	// and creates a signed payment for the given requirements.
	// It selects from multiple payment requirement options provided by the server.
	SelectAndSign(signers []Signer, requirements []PaymentRequirements) (*PaymentPayload, error)
}

// DefaultPaymentSelector implements the standard payment selection algorithm.
// It selects signers based on:
// 1. Ability to satisfy requirements (network and token match)
// 2. Signer priority (lower number = higher priority)
// 3. Token priority within the signer
// 4. Configuration order (for ties)
type DefaultPaymentSelector struct{}

// NewDefaultPaymentSelector creates a new DefaultPaymentSelector.
func NewDefaultPaymentSelector() *DefaultPaymentSelector {
	return &DefaultPaymentSelector{}
}

// SelectAndSign implements PaymentSelector.
func (s *DefaultPaymentSelector) SelectAndSign(signers []Signer, requirements []PaymentRequirements) (*PaymentPayload, error) {
	if len(signers) == 0 {
		return nil, NewPaymentError(ErrCodeNoValidSigner, "no signers configured", ErrNoValidSigner)
	}

	if len(requirements) == 0 {
		return nil, NewPaymentError(ErrCodeInvalidRequirements, "no payment requirements provided", ErrInvalidRequirements)
	}

	type requirementCandidate struct {
		requirement      *PaymentRequirements
		signer           Signer
		signerPriority   int
		tokenPriority    int
		signerIndex      int // Index of signer in configuration (for deterministic tie-breaking)
		requirementIndex int // Index of requirement option (for deterministic tie-breaking)
	}

	var allCandidates []requirementCandidate
	hasValidRequirement := false

	for i := range requirements {
		req := &requirements[i]

		requiredAmount := new(big.Int)
		if _, ok := requiredAmount.SetString(req.MaxAmountRequired, 10); !ok {
			continue
		}

		hasValidRequirement = true

		for signerIndex, signer := range signers {
			if !signer.CanSign(req) {
				continue
			}

			maxAmount := signer.GetMaxAmount()
			if maxAmount != nil && requiredAmount.Cmp(maxAmount) > 0 {
				continue
			}

			tokenPriority := 0
			for _, token := range signer.GetTokens() {
				if strings.EqualFold(token.Address, req.Asset) {
					tokenPriority = token.Priority
					break
				}
			}

			allCandidates = append(allCandidates, requirementCandidate{
				requirement:      req,
				signer:           signer,
				signerPriority:   signer.GetPriority(),
				tokenPriority:    tokenPriority,
				signerIndex:      signerIndex,
				requirementIndex: i,
			})
		}
	}

	if !hasValidRequirement {
		return nil, NewPaymentError(ErrCodeInvalidRequirements, "invalid amount in requirements", ErrInvalidRequirements)
	}

	if len(allCandidates) == 0 {
		errorDetails := make([]string, 0, len(requirements))
		for _, req := range requirements {
			errorDetails = append(errorDetails, req.Network+":"+req.Asset)
		}
		return nil, NewPaymentError(ErrCodeNoValidSigner, "no signer can satisfy any payment requirement", ErrNoValidSigner).
			WithDetails("options", strings.Join(errorDetails, ", "))
	}

	// Sort by priority (signer first, then token, then configuration order).
	// Lower priority numbers come first (1 > 2 > 3).
	sort.Slice(allCandidates, func(i, j int) bool {
		if allCandidates[i].signerPriority != allCandidates[j].signerPriority {
			return allCandidates[i].signerPriority < allCandidates[j].signerPriority
		}
		if allCandidates[i].tokenPriority != allCandidates[j].tokenPriority {
			return allCandidates[i].tokenPriority < allCandidates[j].tokenPriority
		}
		if allCandidates[i].signerIndex != allCandidates[j].signerIndex {
			return allCandidates[i].signerIndex < allCandidates[j].signerIndex
		}
		return allCandidates[i].requirementIndex < allCandidates[j].requirementIndex
	})

	selectedCandidate := allCandidates[0]

	payment, err := selectedCandidate.signer.Sign(selectedCandidate.requirement)
	if err != nil {
		return nil, NewPaymentError(ErrCodeSigningFailed, "failed to sign payment", err)
	}

	return payment, nil
}

// FindMatchingRequirement finds a payment requirement that matches the given
// payment's scheme and network. Returns a pointer to the matching
// requirement, or ErrUnsupportedScheme if no match is found.
func FindMatchingRequirement(payment *PaymentPayload, requirements []PaymentRequirements) (*PaymentRequirements, error) {
	for i := range requirements {
		req := &requirements[i]
		if req.Network == payment.Network && req.Scheme == payment.Scheme {
			return req, nil
		}
	}
	return nil, NewPaymentError(
		ErrCodeUnsupportedScheme,
		"no matching requirement for network and scheme",
		ErrUnsupportedScheme,
	).WithDetails("network", payment.Network).WithDetails("scheme", payment.Scheme)
}
