package settle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/x402flash/x402-flash-go/internal/ledger"
	"github.com/x402flash/x402-flash-go/internal/protocol"
)

func newTestStore(t *testing.T) (*RecordStore, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRecordStore(rdb), rdb
}

// mockGateway records settle calls and fails according to script.
type mockGateway struct {
	mu       sync.Mutex
	nonces   []uint64
	failures int   // fail this many calls before succeeding
	failWith error // error to fail with (default transient)
}

func (m *mockGateway) SettlePayment(ctx context.Context, auth *protocol.PaymentAuthorization, sig, pub string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failures > 0 {
		m.failures--
		if m.failWith != nil {
			return "", m.failWith
		}
		return "", errors.New("rpc: connection refused")
	}
	m.nonces = append(m.nonces, auth.Nonce)
	return fmt.Sprintf("tx-%d", auth.Nonce), nil
}

func (m *mockGateway) settledNonces() []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]uint64(nil), m.nonces...)
}

func testVoucher(nonce uint64) *protocol.PaymentAuthorization {
	return &protocol.PaymentAuthorization{
		SettlementContract: "CCFLASHCONTRACT",
		Client:             "GCLIENT",
		Server:             "GSERVER",
		Token:              "native",
		Amount:             "10000",
		Nonce:              nonce,
		Deadline:           time.Now().Unix() + 120,
	}
}

func startEngine(t *testing.T, gw SettleGateway, store *RecordStore) *Engine {
	t.Helper()
	e := NewEngine(gw, store, zap.NewNop())
	e.backoff = time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	// Run sets the worker context before anything else; give it a moment.
	waitFor(t, func() bool {
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.ctx != nil
	})
	return e
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within 5s")
}

// ── Happy path ───────────────────────────────────────────────────────────────

func TestEngine_SettlesVoucher(t *testing.T) {
	store, _ := newTestStore(t)
	gw := &mockGateway{}
	e := startEngine(t, gw, store)

	e.Enqueue(testVoucher(5), "sig", "pub")

	waitFor(t, func() bool { return e.Stats().Confirmed == 1 })
	if got := gw.settledNonces(); len(got) != 1 || got[0] != 5 {
		t.Errorf("settled nonces: %v", got)
	}
	if s := e.Stats(); s.Pending != 0 || s.Failed != 0 || s.Dropped != 0 {
		t.Errorf("stats: %+v", s)
	}
}

// ── Nonce ordering ───────────────────────────────────────────────────────────

func TestEngine_SettlesInNonceOrder(t *testing.T) {
	store, _ := newTestStore(t)
	gw := &mockGateway{}
	e := NewEngine(gw, store, zap.NewNop())
	e.backoff = time.Millisecond

	// Enqueued out of program order before the workers start.
	e.Enqueue(testVoucher(8), "sig", "pub")
	e.Enqueue(testVoucher(7), "sig", "pub")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	waitFor(t, func() bool { return e.Stats().Confirmed == 2 })
	got := gw.settledNonces()
	if len(got) != 2 || got[0] != 7 || got[1] != 8 {
		t.Fatalf("expected ledger order [7 8], got %v", got)
	}
}

// ── Deadline enforcement ─────────────────────────────────────────────────────

func TestEngine_DropsExpiredVoucher(t *testing.T) {
	store, _ := newTestStore(t)
	gw := &mockGateway{}
	e := startEngine(t, gw, store)

	expired := testVoucher(3)
	expired.Deadline = time.Now().Unix() - 10
	e.Enqueue(expired, "sig", "pub")

	waitFor(t, func() bool { return e.Stats().Dropped == 1 })
	if got := gw.settledNonces(); len(got) != 0 {
		t.Errorf("expired voucher reached the ledger: %v", got)
	}
}

// ── Terminal rejection ───────────────────────────────────────────────────────

func TestEngine_TerminalRejectionNotRetried(t *testing.T) {
	store, rdb := newTestStore(t)
	gw := &mockGateway{failures: 100, failWith: ledger.ErrNonceReused}
	e := startEngine(t, gw, store)

	e.Enqueue(testVoucher(4), "sig", "pub")

	waitFor(t, func() bool { return e.Stats().Failed == 1 })

	// Exactly one attempt: terminal errors burn no retry budget.
	gw.mu.Lock()
	attempts := 100 - gw.failures
	gw.mu.Unlock()
	if attempts != 1 {
		t.Errorf("attempts: got %d want 1", attempts)
	}

	dlq, err := rdb.LLen(context.Background(), fmt.Sprintf(dlqKeyFmt, "GSERVER")).Result()
	if err != nil {
		t.Fatalf("LLen: %v", err)
	}
	if dlq != 1 {
		t.Errorf("dlq length: got %d want 1", dlq)
	}
}

// ── Transient retry ──────────────────────────────────────────────────────────

func TestEngine_RetriesTransientThenConfirms(t *testing.T) {
	store, _ := newTestStore(t)
	gw := &mockGateway{failures: 2}
	e := startEngine(t, gw, store)

	e.Enqueue(testVoucher(6), "sig", "pub")

	waitFor(t, func() bool { return e.Stats().Confirmed == 1 })
	if got := gw.settledNonces(); len(got) != 1 || got[0] != 6 {
		t.Errorf("settled nonces: %v", got)
	}
}

func TestEngine_TransientBudgetExhausted(t *testing.T) {
	store, rdb := newTestStore(t)
	gw := &mockGateway{failures: 100}
	e := startEngine(t, gw, store)

	e.Enqueue(testVoucher(9), "sig", "pub")

	waitFor(t, func() bool { return e.Stats().Failed == 1 })

	gw.mu.Lock()
	attempts := 100 - gw.failures
	gw.mu.Unlock()
	if attempts != maxSubmitAttempts {
		t.Errorf("attempts: got %d want %d", attempts, maxSubmitAttempts)
	}

	dlq, _ := rdb.LLen(context.Background(), fmt.Sprintf(dlqKeyFmt, "GSERVER")).Result()
	if dlq != 1 {
		t.Errorf("dlq length: got %d want 1", dlq)
	}
}

// ── Parallelism across channels ──────────────────────────────────────────────

func TestEngine_IndependentChannels(t *testing.T) {
	store, _ := newTestStore(t)
	gw := &mockGateway{}
	e := startEngine(t, gw, store)

	a := testVoucher(1)
	b := testVoucher(1)
	b.Client = "GOTHERCLIENT"
	e.Enqueue(a, "sig", "pub")
	e.Enqueue(b, "sig", "pub")

	waitFor(t, func() bool { return e.Stats().Confirmed == 2 })
}

// ── Recovery ─────────────────────────────────────────────────────────────────

func TestEngine_RecoversPendingRecords(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	// A record persisted by a previous process that crashed mid-settlement.
	rec := &Record{
		ID:          recordID(testVoucher(11)),
		Auth:        *testVoucher(11),
		Signature:   "sig",
		PublicKey:   "pub",
		SubmittedAt: time.Now().Unix(),
		Outcome:     OutcomePending,
	}
	if err := store.Put(ctx, rec); err != nil {
		t.Fatalf("Put: %v", err)
	}

	gw := &mockGateway{}
	e := NewEngine(gw, store, zap.NewNop())
	e.backoff = time.Millisecond
	if err := e.Recover(ctx); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(runCtx)

	waitFor(t, func() bool { return e.Stats().Confirmed == 1 })
	if got := gw.settledNonces(); len(got) != 1 || got[0] != 11 {
		t.Errorf("settled nonces: %v", got)
	}
}
