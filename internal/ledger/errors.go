package ledger

import (
	"context"
	"errors"
	"strings"
)

// Sentinel errors mapped from the escrow contract's error identifiers.
// Rejections are terminal: the contract will never accept the same
// submission later, so the settlement engine must not retry them.
var (
	ErrInsufficientBalance  = errors.New("insufficient escrow balance")
	ErrChannelAlreadyExists = errors.New("channel already exists")
	ErrChannelNotFound      = errors.New("channel not found")
	ErrChannelNotOpen       = errors.New("channel not open")
	ErrNonceReused          = errors.New("nonce already used")
	ErrDeadlineExpired      = errors.New("authorization deadline expired")
	ErrInvalidSignature     = errors.New("invalid authorization signature")
	ErrLedgerTimeout        = errors.New("ledger confirmation timed out")
)

// contract error identifier → sentinel
var rejectionByCode = map[string]error{
	"insufficient_balance":   ErrInsufficientBalance,
	"channel_already_exists": ErrChannelAlreadyExists,
	"channel_not_found":      ErrChannelNotFound,
	"channel_not_open":       ErrChannelNotOpen,
	"nonce_reused":           ErrNonceReused,
	"invalid_nonce":          ErrNonceReused,
	"deadline_expired":       ErrDeadlineExpired,
	"invalid_signature":      ErrInvalidSignature,
}

// mapRejection translates an RPC error into a sentinel when its message
// carries a known contract error identifier. Unknown errors pass through
// unchanged and are treated as transient.
func mapRejection(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	for code, sentinel := range rejectionByCode {
		if strings.Contains(msg, code) {
			return sentinel
		}
	}
	return err
}

// Terminal reports whether err is a ledger rejection that retrying cannot
// fix. Transport failures, timeouts, and ErrLedgerTimeout are transient.
func Terminal(err error) bool {
	for _, sentinel := range []error{
		ErrInsufficientBalance,
		ErrChannelAlreadyExists,
		ErrChannelNotFound,
		ErrChannelNotOpen,
		ErrNonceReused,
		ErrDeadlineExpired,
		ErrInvalidSignature,
	} {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}

// Transient reports whether err is worth retrying with backoff.
func Transient(err error) bool {
	if err == nil || Terminal(err) {
		return false
	}
	// Context cancellation means the caller gave up, not that the ledger
	// failed.
	if errors.Is(err, context.Canceled) {
		return false
	}
	return true
}
