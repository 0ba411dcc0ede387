package agent

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"

	"github.com/x402flash/x402-flash-go/internal/protocol"
)

var (
	// ErrSigning covers an unavailable or unusable signing key.
	ErrSigning = errors.New("voucher signing failed")
	// ErrNonceQuery covers a failed ledger nonce query with no seeded local
	// counter to fall back on.
	ErrNonceQuery = errors.New("nonce query failed")
)

// NonceGateway is the slice of the ledger gateway the authorizer needs.
type NonceGateway interface {
	GetNonce(ctx context.Context, client string) (uint64, error)
}

// Authorizer produces signed vouchers. Nonces are strictly increasing across
// calls, including concurrent ones: the counter is advanced under a mutex
// and never reissued. The ledger accepts any strictly larger nonce, so a
// local counter seeded from get_nonce stays valid even if calls race ahead
// of confirmed settlements.
type Authorizer struct {
	key        ed25519.PrivateKey
	clientAddr string
	contractID string
	gw         NonceGateway

	mu     sync.Mutex
	nonce  uint64
	seeded bool
}

func NewAuthorizer(key ed25519.PrivateKey, clientAddr, contractID string, gw NonceGateway) *Authorizer {
	return &Authorizer{
		key:        key,
		clientAddr: clientAddr,
		contractID: contractID,
		gw:         gw,
	}
}

// CreateAuthorization builds and signs a voucher for one paid request.
// The only side effect is the ledger nonce query.
func (a *Authorizer) CreateAuthorization(ctx context.Context, server, token, amount string, deadline int64) (*protocol.SignedPayload, error) {
	nonce, err := a.nextNonce(ctx)
	if err != nil {
		return nil, err
	}

	auth := protocol.PaymentAuthorization{
		SettlementContract: a.contractID,
		Client:             a.clientAddr,
		Server:             server,
		Token:              token,
		Amount:             amount,
		Nonce:              nonce,
		Deadline:           deadline,
	}
	signature, publicKey, err := protocol.Sign(&auth, a.key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSigning, err)
	}
	return &protocol.SignedPayload{
		Auth:      auth,
		Signature: signature,
		PublicKey: publicKey,
	}, nil
}

func (a *Authorizer) nextNonce(ctx context.Context) (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	ledgerNonce, err := a.gw.GetNonce(ctx, a.clientAddr)
	if err != nil {
		// The ledger accepts strictly-increasing, not-necessarily-contiguous
		// nonces, so a seeded local counter is safe to advance on its own.
		if !a.seeded {
			return 0, fmt.Errorf("%w: %v", ErrNonceQuery, err)
		}
		a.nonce++
		return a.nonce, nil
	}

	next := ledgerNonce + 1
	if a.nonce >= next {
		// Vouchers already issued ahead of confirmed settlements; keep
		// counting locally.
		next = a.nonce + 1
	}
	a.nonce = next
	a.seeded = true
	return next, nil
}
