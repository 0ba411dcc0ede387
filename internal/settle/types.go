package settle

import (
	"fmt"

	"github.com/x402flash/x402-flash-go/internal/protocol"
)

// Outcome is the settlement state of an accepted voucher.
type Outcome string

const (
	OutcomePending   Outcome = "pending"
	OutcomeConfirmed Outcome = "confirmed"
	OutcomeFailed    Outcome = "failed"
)

// Record tracks one accepted voucher through submission. Owned exclusively
// by the engine; never exposed outside the server process.
type Record struct {
	ID          string                        `json:"id"`
	Auth        protocol.PaymentAuthorization `json:"auth"`
	Signature   string                        `json:"signature"`
	PublicKey   string                        `json:"publicKey"`
	SubmittedAt int64                         `json:"submittedAt"`
	Attempts    int                           `json:"attempts"`
	Outcome     Outcome                       `json:"outcome"`
	TxHash      string                        `json:"txHash,omitempty"`
	FailReason  string                        `json:"failReason,omitempty"`
}

// recordID is unique per channel and nonce; the ledger enforces nonce
// uniqueness, so a duplicate ID is a duplicate voucher.
func recordID(auth *protocol.PaymentAuthorization) string {
	return fmt.Sprintf("%s:%d", protocol.ChannelKey(auth.Client, auth.Server, auth.Token), auth.Nonce)
}

// Redis key templates
const (
	recordKeyFmt  = "settle:record:%s" // %s = record ID
	pendingSetKey = "settle:pending"
	dlqKeyFmt     = "settle:dlq:%s" // %s = server (payee) address
)
