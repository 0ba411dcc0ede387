package protocol

import "math/big"

// Version is the x402 protocol version this implementation speaks.
const Version = 1

// SchemeFlash is the only payment scheme implemented.
const SchemeFlash = "flash"

// PaymentHeader carries the base64 payment payload on retried requests.
const PaymentHeader = "X-Payment"

// PaymentResponseHeader reports acceptance on paid responses.
const PaymentResponseHeader = "X-Payment-Response"

// PaymentAuthorization is the off-chain signed claim (voucher) authorizing a
// transfer from the client's escrow. Field order is the wire contract: the
// canonical serialization (and therefore the signed hash) follows struct
// declaration order, so both sides hash the same bytes.
type PaymentAuthorization struct {
	SettlementContract string `json:"settlementContract"`
	Client             string `json:"client"`
	Server             string `json:"server"`
	Token              string `json:"token"`
	Amount             string `json:"amount"`
	Nonce              uint64 `json:"nonce"`
	Deadline           int64  `json:"deadline"`
}

// AmountInt parses the decimal amount. Returns false on malformed or
// negative values.
func (a *PaymentAuthorization) AmountInt() (*big.Int, bool) {
	n, ok := new(big.Int).SetString(a.Amount, 10)
	if !ok || n.Sign() < 0 {
		return nil, false
	}
	return n, true
}

// PaymentRequirement describes one acceptable way to pay for a resource.
// Generated per unmatched request, never persisted.
type PaymentRequirement struct {
	Scheme            string            `json:"scheme"`
	Network           string            `json:"network"`
	MaxAmountRequired string            `json:"maxAmountRequired"`
	Resource          string            `json:"resource"`
	Description       string            `json:"description"`
	MimeType          string            `json:"mimeType"`
	PayTo             string            `json:"payTo"`
	MaxTimeoutSeconds int64             `json:"maxTimeoutSeconds"`
	Asset             string            `json:"asset"`
	Extra             map[string]string `json:"extra,omitempty"`
}

// PaymentRequired is the 402 challenge body.
type PaymentRequired struct {
	X402Version int                  `json:"x402Version"`
	Accepts     []PaymentRequirement `json:"accepts"`
	Error       string               `json:"error,omitempty"`
}

// SignedPayload is the inner payload of the X-Payment header: the voucher
// plus its detached signature and the signer's public key, both hex.
type SignedPayload struct {
	Auth      PaymentAuthorization `json:"auth"`
	Signature string               `json:"signature"`
	PublicKey string               `json:"publicKey"`
}

// PaymentPayload is the full X-Payment header content.
type PaymentPayload struct {
	X402Version int           `json:"x402Version"`
	Scheme      string        `json:"scheme"`
	Network     string        `json:"network"`
	Payload     SignedPayload `json:"payload"`
}

// SettleResponse is the X-Payment-Response header content. Success reflects
// acceptance for settlement, not settlement outcome: the response is sent
// before the voucher reaches the ledger.
type SettleResponse struct {
	Success         bool   `json:"success"`
	Network         string `json:"network"`
	Timestamp       int64  `json:"timestamp"`
	TransactionHash string `json:"transactionHash,omitempty"`
}

// ChannelState is the on-chain escrow channel lifecycle.
type ChannelState uint8

const (
	ChannelNone ChannelState = iota
	ChannelOpen
	ChannelPendingClose
	ChannelClosed
)

func (s ChannelState) String() string {
	switch s {
	case ChannelNone:
		return "None"
	case ChannelOpen:
		return "Open"
	case ChannelPendingClose:
		return "PendingClose"
	case ChannelClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Channel mirrors the contract's channel record for one (client, server)
// pair and one token. Balance only reflects confirmed settlements; vouchers
// still queued in the engine are not deducted.
type Channel struct {
	Client     string       `json:"client"`
	Server     string       `json:"server"`
	Token      string       `json:"token"`
	Balance    *big.Int     `json:"balance"`
	Nonce      uint64       `json:"nonce"`
	TTLSeconds int64        `json:"ttlSeconds"`
	State      ChannelState `json:"state"`
}

// ChannelKey identifies a settlement queue: one FIFO per (client, server,
// token) tuple.
func ChannelKey(client, server, token string) string {
	return client + "|" + server + "|" + token
}
