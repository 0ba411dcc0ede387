package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/x402flash/x402-flash-go/internal/protocol"
)

// rpcRequest is the JSON-RPC 2.0 request envelope.
type rpcRequest struct {
	ID     json.RawMessage   `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

// fakeLedger is an httptest JSON-RPC escrow daemon.
type fakeLedger struct {
	mu       sync.Mutex
	calls    []string
	txStatus string // status get_transaction reports
	txError  string // error code carried by a FAILED receipt
	failCall string // method whose call should error outright
	failMsg  string
}

func (f *fakeLedger) handler(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	f.calls = append(f.calls, req.Method)
	f.mu.Unlock()

	type rpcError struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}
	resp := map[string]interface{}{"jsonrpc": "2.0", "id": req.ID}

	if req.Method == f.failCall {
		resp["error"] = rpcError{Code: -32000, Message: f.failMsg}
	} else {
		switch req.Method {
		case "open_escrow", "settle_payment", "client_close_escrow":
			resp["result"] = "tx-feedface"
		case "get_transaction":
			resp["result"] = txReceipt{Status: f.txStatus, Error: f.txError}
		case "current_escrow":
			resp["result"] = "250000"
		case "get_nonce":
			resp["result"] = 7
		default:
			resp["error"] = rpcError{Code: -32601, Message: "method not found"}
		}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp) //nolint:errcheck
}

func (f *fakeLedger) methods() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func newTestClient(t *testing.T, f *fakeLedger) *Client {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(f.handler))
	t.Cleanup(ts.Close)
	c, err := NewClient(ts.URL, "CCFLASHCONTRACT", zap.NewNop())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

// ── Submissions ──────────────────────────────────────────────────────────────

func TestOpenEscrow_Confirmed(t *testing.T) {
	f := &fakeLedger{txStatus: txStatusSuccess}
	c := newTestClient(t, f)

	txHash, err := c.OpenEscrow(context.Background(), "GCLIENT", "GSERVER", "native", big.NewInt(500000), 3600)
	if err != nil {
		t.Fatalf("OpenEscrow: %v", err)
	}
	if txHash != "tx-feedface" {
		t.Errorf("txHash: got %q", txHash)
	}

	methods := f.methods()
	if methods[0] != "open_escrow" || methods[1] != "get_transaction" {
		t.Errorf("unexpected call sequence: %v", methods)
	}
}

func TestOpenEscrow_RejectionMapped(t *testing.T) {
	f := &fakeLedger{failCall: "open_escrow", failMsg: "contract error: channel_already_exists"}
	c := newTestClient(t, f)

	_, err := c.OpenEscrow(context.Background(), "GCLIENT", "GSERVER", "native", big.NewInt(500000), 3600)
	if !errors.Is(err, ErrChannelAlreadyExists) {
		t.Fatalf("expected ErrChannelAlreadyExists, got %v", err)
	}
}

func TestSettlePayment_FailedReceiptMapped(t *testing.T) {
	f := &fakeLedger{txStatus: txStatusFailed, txError: "nonce_reused"}
	c := newTestClient(t, f)

	auth := &protocol.PaymentAuthorization{
		Client: "GCLIENT", Server: "GSERVER", Token: "native",
		Amount: "10000", Nonce: 5, Deadline: 9_999_999_999,
	}
	_, err := c.SettlePayment(context.Background(), auth, "sig", "pub")
	if !errors.Is(err, ErrNonceReused) {
		t.Fatalf("expected ErrNonceReused, got %v", err)
	}
}

func TestCloseEscrow_Confirmed(t *testing.T) {
	f := &fakeLedger{txStatus: txStatusSuccess}
	c := newTestClient(t, f)

	if _, err := c.CloseEscrow(context.Background(), "GCLIENT", "GSERVER"); err != nil {
		t.Fatalf("CloseEscrow: %v", err)
	}
}

// ── Queries ──────────────────────────────────────────────────────────────────

func TestCurrentEscrow(t *testing.T) {
	c := newTestClient(t, &fakeLedger{})

	amount, err := c.CurrentEscrow(context.Background(), "GCLIENT", "GSERVER")
	if err != nil {
		t.Fatalf("CurrentEscrow: %v", err)
	}
	if amount.Cmp(big.NewInt(250000)) != 0 {
		t.Errorf("amount: got %s want 250000", amount)
	}
}

func TestGetNonce(t *testing.T) {
	c := newTestClient(t, &fakeLedger{})

	nonce, err := c.GetNonce(context.Background(), "GCLIENT")
	if err != nil {
		t.Fatalf("GetNonce: %v", err)
	}
	if nonce != 7 {
		t.Errorf("nonce: got %d want 7", nonce)
	}
}

func TestChannel_Open(t *testing.T) {
	c := newTestClient(t, &fakeLedger{})

	ch, err := c.Channel(context.Background(), "GCLIENT", "GSERVER", "native")
	if err != nil {
		t.Fatalf("Channel: %v", err)
	}
	if ch.State != protocol.ChannelOpen {
		t.Errorf("state: %s", ch.State)
	}
	if ch.Balance.Cmp(big.NewInt(250000)) != 0 || ch.Nonce != 7 {
		t.Errorf("snapshot: %+v", ch)
	}
}

func TestChannel_Missing(t *testing.T) {
	f := &fakeLedger{failCall: "current_escrow", failMsg: "contract error: channel_not_found"}
	c := newTestClient(t, f)

	ch, err := c.Channel(context.Background(), "GCLIENT", "GSERVER", "native")
	if err != nil {
		t.Fatalf("Channel: %v", err)
	}
	if ch.State != protocol.ChannelNone {
		t.Errorf("state: %s", ch.State)
	}
	if ch.Balance.Sign() != 0 {
		t.Errorf("balance: %s", ch.Balance)
	}
}
