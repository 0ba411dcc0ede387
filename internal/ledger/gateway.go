package ledger

import (
	"context"
	"math/big"

	"github.com/x402flash/x402-flash-go/internal/protocol"
)

// Gateway is the narrow interface to the escrow contract. The ledger is a
// remote, eventually-consistent settlement oracle: submissions return a
// transaction hash once confirmed, queries reflect only confirmed state.
type Gateway interface {
	// OpenEscrow locks amount of token for (client, server) and returns the
	// confirmed transaction hash.
	OpenEscrow(ctx context.Context, client, server, token string, amount *big.Int, ttlSeconds int64) (string, error)

	// SettlePayment draws a signed voucher's amount from the escrow.
	SettlePayment(ctx context.Context, auth *protocol.PaymentAuthorization, signature, publicKey string) (string, error)

	// CloseEscrow closes the channel and refunds the remaining balance to
	// the client.
	CloseEscrow(ctx context.Context, client, server string) (string, error)

	// CurrentEscrow returns the remaining escrowed amount. Only confirmed
	// settlements are deducted; vouchers still pending in a settlement
	// queue are not.
	CurrentEscrow(ctx context.Context, client, server string) (*big.Int, error)

	// GetNonce returns the last nonce the contract accepted for client.
	GetNonce(ctx context.Context, client string) (uint64, error)
}
