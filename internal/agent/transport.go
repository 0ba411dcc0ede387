package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/x402flash/x402-flash-go/internal/protocol"
)

var (
	ErrUnsupportedVersion = errors.New("unsupported x402 version")
	ErrUnsupportedScheme  = errors.New("unsupported payment scheme")
	ErrBadRequirements    = errors.New("invalid payment requirements")
)

const defaultTimeoutSeconds = 60

// Transport is an http.RoundTripper implementing the flash payment flow:
// send the request as-is, and on a 402 challenge sign a voucher and retry
// exactly once. Any non-402 response, including the retried one, is
// returned unmodified.
type Transport struct {
	Base http.RoundTripper
	Auth *Authorizer
	emit func(Event)
}

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base().RoundTrip(req.Clone(req.Context()))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusPaymentRequired {
		return resp, nil
	}

	requirement, err := parseChallenge(resp)
	if err != nil {
		return nil, err
	}

	deadlineIn := requirement.MaxTimeoutSeconds
	if deadlineIn <= 0 {
		deadlineIn = defaultTimeoutSeconds
	}
	deadline := time.Now().Unix() + deadlineIn

	signed, err := t.Auth.CreateAuthorization(req.Context(),
		requirement.PayTo, requirement.Asset, requirement.MaxAmountRequired, deadline)
	if err != nil {
		return nil, err
	}

	header, err := protocol.EncodePaymentHeader(&protocol.PaymentPayload{
		X402Version: protocol.Version,
		Scheme:      protocol.SchemeFlash,
		Network:     requirement.Network,
		Payload:     *signed,
	})
	if err != nil {
		return nil, err
	}

	retry := req.Clone(req.Context())
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("replay request body: %w", err)
		}
		retry.Body = body
	}
	retry.Header.Set(protocol.PaymentHeader, header)

	if t.emit != nil {
		t.emit(Event{
			Type:     EventPaymentSent,
			Endpoint: req.URL.String(),
			Amount:   signed.Auth.Amount,
		})
	}

	// At most one retry per logical call: whatever comes back now is the
	// caller's response, 402 included.
	paid, err := t.base().RoundTrip(retry)
	if err != nil {
		return nil, err
	}

	if t.emit != nil {
		if settle := protocol.DecodeSettleResponseHeader(paid.Header.Get(protocol.PaymentResponseHeader)); settle != nil && settle.Success {
			t.emit(Event{
				Type:     EventPaymentAccept,
				Endpoint: req.URL.String(),
				Amount:   signed.Auth.Amount,
				TxHash:   settle.TransactionHash,
			})
		}
	}
	return paid, nil
}

// parseChallenge extracts and validates the flash requirement from a 402
// body. Version and scheme mismatches fail fast; the client never guesses.
func parseChallenge(resp *http.Response) (*protocol.PaymentRequirement, error) {
	defer resp.Body.Close()
	var required protocol.PaymentRequired
	if err := json.NewDecoder(resp.Body).Decode(&required); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadRequirements, err)
	}
	if required.X402Version != protocol.Version {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, required.X402Version)
	}
	if len(required.Accepts) == 0 {
		return nil, fmt.Errorf("%w: empty accepts", ErrBadRequirements)
	}
	for i := range required.Accepts {
		r := &required.Accepts[i]
		if r.Scheme != protocol.SchemeFlash {
			continue
		}
		if r.PayTo == "" || r.Asset == "" || r.MaxAmountRequired == "" {
			return nil, fmt.Errorf("%w: incomplete requirement", ErrBadRequirements)
		}
		return r, nil
	}
	return nil, fmt.Errorf("%w: server accepts %q", ErrUnsupportedScheme, required.Accepts[0].Scheme)
}
