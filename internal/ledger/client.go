package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"

	"github.com/x402flash/x402-flash-go/internal/protocol"
)

// Confirmation polling budget: submissions block at most
// maxConfirmAttempts * confirmInterval before surfacing ErrLedgerTimeout.
const (
	maxConfirmAttempts = 60
	confirmInterval    = time.Second
)

// Transaction confirmation statuses reported by get_transaction.
const (
	txStatusSuccess  = "SUCCESS"
	txStatusFailed   = "FAILED"
	txStatusNotFound = "NOT_FOUND"
)

// Client is the JSON-RPC Gateway implementation. The escrow daemon exposes
// the contract's entry points directly as JSON-RPC methods; transaction
// assembly and fee handling live behind that boundary.
type Client struct {
	rpc        *rpc.Client
	contractID string
	log        *zap.Logger
}

// NewClient dials the escrow daemon's JSON-RPC endpoint.
func NewClient(rpcURL, contractID string, log *zap.Logger) (*Client, error) {
	c, err := rpc.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial ledger rpc: %w", err)
	}
	return &Client{rpc: c, contractID: contractID, log: log}, nil
}

// Close releases the underlying RPC connection.
func (c *Client) Close() { c.rpc.Close() }

// ContractID returns the settlement contract identifier vouchers must name.
func (c *Client) ContractID() string { return c.contractID }

func (c *Client) OpenEscrow(ctx context.Context, client, server, token string, amount *big.Int, ttlSeconds int64) (string, error) {
	var txHash string
	err := c.rpc.CallContext(ctx, &txHash, "open_escrow", client, server, token, amount.String(), ttlSeconds)
	if err != nil {
		return "", mapRejection(err)
	}
	if err := c.waitConfirmed(ctx, txHash); err != nil {
		return "", err
	}
	return txHash, nil
}

func (c *Client) SettlePayment(ctx context.Context, auth *protocol.PaymentAuthorization, signature, publicKey string) (string, error) {
	var txHash string
	err := c.rpc.CallContext(ctx, &txHash, "settle_payment", auth.Client, auth.Server, auth, signature, publicKey)
	if err != nil {
		return "", mapRejection(err)
	}
	if err := c.waitConfirmed(ctx, txHash); err != nil {
		return "", err
	}
	return txHash, nil
}

func (c *Client) CloseEscrow(ctx context.Context, client, server string) (string, error) {
	var txHash string
	err := c.rpc.CallContext(ctx, &txHash, "client_close_escrow", client, server)
	if err != nil {
		return "", mapRejection(err)
	}
	if err := c.waitConfirmed(ctx, txHash); err != nil {
		return "", err
	}
	return txHash, nil
}

func (c *Client) CurrentEscrow(ctx context.Context, client, server string) (*big.Int, error) {
	var raw string
	if err := c.rpc.CallContext(ctx, &raw, "current_escrow", client, server); err != nil {
		return nil, mapRejection(err)
	}
	amount, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("current_escrow: bad amount %q", raw)
	}
	return amount, nil
}

// Channel composes current_escrow and get_nonce into a channel snapshot.
// A missing channel yields state None with a zero balance rather than an
// error, so callers can show "no channel" without unwrapping sentinels.
func (c *Client) Channel(ctx context.Context, client, server, token string) (*protocol.Channel, error) {
	ch := &protocol.Channel{
		Client:  client,
		Server:  server,
		Token:   token,
		Balance: new(big.Int),
		State:   protocol.ChannelNone,
	}

	balance, err := c.CurrentEscrow(ctx, client, server)
	if err != nil {
		if errors.Is(err, ErrChannelNotFound) {
			return ch, nil
		}
		return nil, err
	}
	nonce, err := c.GetNonce(ctx, client)
	if err != nil {
		return nil, err
	}

	ch.Balance = balance
	ch.Nonce = nonce
	ch.State = protocol.ChannelOpen
	return ch, nil
}

func (c *Client) GetNonce(ctx context.Context, client string) (uint64, error) {
	var nonce uint64
	if err := c.rpc.CallContext(ctx, &nonce, "get_nonce", client); err != nil {
		return 0, mapRejection(err)
	}
	return nonce, nil
}

// txReceipt is the get_transaction result.
type txReceipt struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// waitConfirmed polls get_transaction until the submission confirms, fails,
// or the polling budget runs out. A FAILED receipt carries the contract
// error identifier, which is mapped to a terminal sentinel.
func (c *Client) waitConfirmed(ctx context.Context, txHash string) error {
	for attempt := 0; attempt < maxConfirmAttempts; attempt++ {
		var receipt txReceipt
		err := c.rpc.CallContext(ctx, &receipt, "get_transaction", txHash)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Warn("get_transaction failed, will retry",
				zap.String("tx", txHash),
				zap.Error(err),
			)
		} else {
			switch receipt.Status {
			case txStatusSuccess:
				return nil
			case txStatusFailed:
				if receipt.Error != "" {
					return mapRejection(fmt.Errorf("transaction %s failed: %s", txHash, receipt.Error))
				}
				return fmt.Errorf("transaction %s failed", txHash)
			case txStatusNotFound:
				// Not in the ledger yet, keep polling.
			default:
				return fmt.Errorf("transaction %s: unexpected status %q", txHash, receipt.Status)
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(confirmInterval):
		}
	}
	return fmt.Errorf("%w: tx %s after %d attempts", ErrLedgerTimeout, txHash, maxConfirmAttempts)
}
