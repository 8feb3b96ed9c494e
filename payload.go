package x402

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// SchemePayload is the resolved, scheme-specific half of a PaymentPayload.
// Concrete types are ExactEVMPayload and ExactSVMPayload.
type SchemePayload interface {
	schemePayload()
}

func (ExactEVMPayload) schemePayload() {}
func (ExactSVMPayload) schemePayload() {}

type payloadKey struct {
	scheme string
	family NetworkFamily
}

type payloadDecoder func(json.RawMessage) (SchemePayload, error)

// payloadCodecs is the capability table resolving the (scheme, network
// family) pair to a strict payload schema. Unknown pairs are rejected rather
// than branched on ad hoc.
var payloadCodecs = map[payloadKey]payloadDecoder{
	{SchemeExact, FamilyEVM}: decodeExactEVM,
	{SchemeExact, FamilySVM}: decodeExactSVM,
}

func decodeStrict(raw json.RawMessage, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func decodeExactEVM(raw json.RawMessage) (SchemePayload, error) {
	var p ExactEVMPayload
	if err := decodeStrict(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if p.Signature == "" {
		return nil, fmt.Errorf("%w: missing signature", ErrInvalidPayload)
	}
	a := p.Authorization
	if a.From == "" || a.To == "" || a.Value == "" || a.ValidAfter == "" || a.ValidBefore == "" || a.Nonce == "" {
		return nil, fmt.Errorf("%w: incomplete authorization", ErrInvalidPayload)
	}
	return p, nil
}

func decodeExactSVM(raw json.RawMessage) (SchemePayload, error) {
	var p ExactSVMPayload
	if err := decodeStrict(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if p.Transaction == "" {
		return nil, fmt.Errorf("%w: missing transaction", ErrInvalidPayload)
	}
	return p, nil
}

// DecodePayload resolves the payload union against the capability table for
// the payment's scheme and network family. Returns ErrUnsupportedScheme for
// pairs without a registered schema and ErrInvalidPayload for payloads that
// fail their schema.
func (p *PaymentPayload) DecodePayload() (SchemePayload, error) {
	family, err := NetworkFamilyOf(p.Network)
	if err != nil {
		return nil, err
	}
	decode, ok := payloadCodecs[payloadKey{p.Scheme, family}]
	if !ok {
		return nil, fmt.Errorf("%w: %s on %s", ErrUnsupportedScheme, p.Scheme, p.Network)
	}
	if len(p.Payload) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrInvalidPayload)
	}
	return decode(p.Payload)
}

// NewExactEVMPaymentPayload wraps an ExactEVMPayload in a wire-ready
// PaymentPayload envelope.
func NewExactEVMPaymentPayload(network string, payload ExactEVMPayload) (*PaymentPayload, error) {
	return newPaymentPayload(network, payload)
}

// NewExactSVMPaymentPayload wraps an ExactSVMPayload in a wire-ready
// PaymentPayload envelope.
func NewExactSVMPaymentPayload(network string, payload ExactSVMPayload) (*PaymentPayload, error) {
	return newPaymentPayload(network, payload)
}

func newPaymentPayload(network string, payload SchemePayload) (*PaymentPayload, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return &PaymentPayload{
		X402Version: X402Version,
		Scheme:      SchemeExact,
		Network:     network,
		Payload:     raw,
	}, nil
}
