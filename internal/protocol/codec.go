package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformedPayment covers undecodable or structurally invalid payment
// headers. Protocol errors of this class are surfaced to the caller and
// never retried.
var ErrMalformedPayment = errors.New("malformed payment payload")

// CanonicalAuth returns the canonical serialization of a voucher: JSON in
// declared field order, no indentation. Signer and verifier must produce
// byte-identical output for the same voucher.
func CanonicalAuth(auth *PaymentAuthorization) []byte {
	// encoding/json emits struct fields in declaration order, which fixes
	// the field order of the signed bytes.
	raw, err := json.Marshal(auth)
	if err != nil {
		// A voucher of plain strings and integers cannot fail to marshal.
		panic(fmt.Sprintf("marshal auth: %v", err))
	}
	return raw
}

// DecodeAuth parses a canonical serialization back into a voucher.
func DecodeAuth(raw []byte) (*PaymentAuthorization, error) {
	var auth PaymentAuthorization
	if err := json.Unmarshal(raw, &auth); err != nil {
		return nil, fmt.Errorf("decode auth: %w", err)
	}
	return &auth, nil
}

// EncodePaymentHeader encodes the X-Payment header value.
func EncodePaymentHeader(p *PaymentPayload) (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshal payment payload: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodePaymentHeader decodes and parses an X-Payment header value.
// Returns ErrMalformedPayment for anything that is not base64 JSON of the
// expected shape.
func DecodePaymentHeader(header string) (*PaymentPayload, error) {
	raw, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayment, err)
	}
	var p PaymentPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayment, err)
	}
	if p.Payload.Auth.Client == "" || p.Payload.Auth.Server == "" {
		return nil, fmt.Errorf("%w: missing auth fields", ErrMalformedPayment)
	}
	return &p, nil
}

// EncodeSettleResponseHeader encodes the X-Payment-Response header value.
func EncodeSettleResponseHeader(r *SettleResponse) string {
	raw, _ := json.Marshal(r)
	return base64.StdEncoding.EncodeToString(raw)
}

// DecodeSettleResponseHeader parses an X-Payment-Response header value.
// Returns nil for an empty or unparseable header; the header is advisory
// and a bad one must not fail the paid response.
func DecodeSettleResponseHeader(header string) *SettleResponse {
	if header == "" {
		return nil
	}
	raw, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return nil
	}
	var r SettleResponse
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil
	}
	return &r
}
