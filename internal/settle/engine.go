package settle

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/x402flash/x402-flash-go/internal/ledger"
	"github.com/x402flash/x402-flash-go/internal/protocol"
)

const (
	maxSubmitAttempts = 5
	baseBackoff       = 500 * time.Millisecond
)

// SettleGateway is the slice of the ledger gateway the engine needs.
type SettleGateway interface {
	SettlePayment(ctx context.Context, auth *protocol.PaymentAuthorization, signature, publicKey string) (string, error)
}

// Stats is an aggregate snapshot of settlement outcomes.
type Stats struct {
	Pending   int64 `json:"pending"`
	Confirmed int64 `json:"confirmed"`
	Failed    int64 `json:"failed"`
	Dropped   int64 `json:"dropped"`
}

// Engine commits accepted vouchers to the ledger without blocking the HTTP
// response path. One worker per (client, server, token) channel submits its
// queue in nonce order; distinct channels settle fully in parallel.
type Engine struct {
	gw      SettleGateway
	store   *RecordStore
	log     *zap.Logger
	now     func() time.Time
	backoff time.Duration

	mu     sync.Mutex
	queues map[string]*channelQueue
	ctx    context.Context
	wg     sync.WaitGroup

	pending   atomic.Int64
	confirmed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

// channelQueue holds pending records for one channel, ordered by nonce so
// out-of-order enqueues still reach the ledger in the order it enforces.
type channelQueue struct {
	mu      sync.Mutex
	records []*Record
	wake    chan struct{}
}

func NewEngine(gw SettleGateway, store *RecordStore, log *zap.Logger) *Engine {
	return &Engine{
		gw:      gw,
		store:   store,
		log:     log,
		now:     time.Now,
		backoff: baseBackoff,
		queues:  make(map[string]*channelQueue),
	}
}

// Run starts workers for any queues populated before startup (recovery) and
// blocks until ctx is cancelled and all workers have drained.
func (e *Engine) Run(ctx context.Context) {
	e.mu.Lock()
	e.ctx = ctx
	for key, q := range e.queues {
		e.startWorker(key, q)
	}
	e.mu.Unlock()

	<-ctx.Done()
	e.wg.Wait()
	e.log.Info("settlement engine stopped")
}

// Recover reloads pending records from the store and re-queues them.
// Call before Run so recovered vouchers settle ahead of new traffic.
func (e *Engine) Recover(ctx context.Context) error {
	records, err := e.store.PendingRecords(ctx)
	if err != nil {
		return err
	}
	for _, rec := range records {
		e.push(rec)
		e.pending.Add(1)
		e.log.Info("recovered pending settlement",
			zap.String("record", rec.ID),
			zap.Uint64("nonce", rec.Auth.Nonce),
		)
	}
	return nil
}

// Enqueue accepts a verified voucher for asynchronous settlement and
// returns immediately. No I/O happens on the caller's goroutine.
func (e *Engine) Enqueue(auth *protocol.PaymentAuthorization, signature, publicKey string) {
	rec := &Record{
		ID:          recordID(auth),
		Auth:        *auth,
		Signature:   signature,
		PublicKey:   publicKey,
		SubmittedAt: e.now().Unix(),
		Outcome:     OutcomePending,
	}
	e.push(rec)
	e.pending.Add(1)
}

// Stats returns the aggregate settlement counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Pending:   e.pending.Load(),
		Confirmed: e.confirmed.Load(),
		Failed:    e.failed.Load(),
		Dropped:   e.dropped.Load(),
	}
}

func (e *Engine) push(rec *Record) {
	key := protocol.ChannelKey(rec.Auth.Client, rec.Auth.Server, rec.Auth.Token)

	e.mu.Lock()
	q, ok := e.queues[key]
	if !ok {
		q = &channelQueue{wake: make(chan struct{}, 1)}
		e.queues[key] = q
		if e.ctx != nil {
			e.startWorker(key, q)
		}
	}
	e.mu.Unlock()

	q.mu.Lock()
	q.records = append(q.records, rec)
	// Keep the queue in nonce order; the ledger rejects out-of-order
	// submissions for the same channel.
	sort.Slice(q.records, func(i, j int) bool {
		return q.records[i].Auth.Nonce < q.records[j].Auth.Nonce
	})
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// startWorker must be called with e.mu held.
func (e *Engine) startWorker(key string, q *channelQueue) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.runWorker(key, q)
	}()
}

func (e *Engine) runWorker(key string, q *channelQueue) {
	for {
		rec := q.pop()
		if rec == nil {
			select {
			case <-e.ctx.Done():
				return
			case <-q.wake:
				continue
			}
		}
		e.process(rec)
	}
}

func (q *channelQueue) pop() *Record {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.records) == 0 {
		return nil
	}
	rec := q.records[0]
	q.records = q.records[1:]
	return rec
}

// process drives one record to a terminal outcome: confirmed, failed on
// ledger rejection, dropped on expired deadline, or failed after the retry
// budget for transient errors.
func (e *Engine) process(rec *Record) {
	ctx := e.ctx

	if err := e.store.Put(ctx, rec); err != nil {
		e.log.Error("persist settlement record", zap.String("record", rec.ID), zap.Error(err))
	}

	for rec.Attempts < maxSubmitAttempts {
		if ctx.Err() != nil {
			return
		}

		// A voucher past its deadline is doomed on-chain; do not waste a
		// submission on it.
		if rec.Auth.Deadline < e.now().Unix() {
			e.finishDropped(ctx, rec)
			return
		}

		rec.Attempts++
		txHash, err := e.gw.SettlePayment(ctx, &rec.Auth, rec.Signature, rec.PublicKey)
		if err == nil {
			e.finishConfirmed(ctx, rec, txHash)
			return
		}

		if ledger.Terminal(err) {
			e.finishRejected(ctx, rec, err)
			return
		}

		backoff := e.backoff << (rec.Attempts - 1)
		e.log.Warn("settlement attempt failed, backing off",
			zap.String("record", rec.ID),
			zap.Int("attempt", rec.Attempts),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
	}

	e.finishExhausted(ctx, rec)
}

func (e *Engine) finishConfirmed(ctx context.Context, rec *Record, txHash string) {
	e.pending.Add(-1)
	e.confirmed.Add(1)
	if err := e.store.MarkConfirmed(ctx, rec, txHash); err != nil {
		e.log.Error("mark confirmed", zap.String("record", rec.ID), zap.Error(err))
	}
	e.log.Info("voucher settled",
		zap.String("client", rec.Auth.Client),
		zap.Uint64("nonce", rec.Auth.Nonce),
		zap.String("amount", rec.Auth.Amount),
		zap.String("tx", txHash),
	)
}

func (e *Engine) finishRejected(ctx context.Context, rec *Record, cause error) {
	e.pending.Add(-1)
	e.failed.Add(1)
	if err := e.store.MarkFailed(ctx, rec, cause.Error()); err != nil {
		e.log.Error("mark failed", zap.String("record", rec.ID), zap.Error(err))
	}
	if err := e.store.PushDLQ(ctx, rec); err != nil {
		e.log.Error("push dlq", zap.String("record", rec.ID), zap.Error(err))
	}
	// The response for this voucher already went out; logs and stats are
	// the only remaining surface.
	e.log.Error("voucher rejected by ledger",
		zap.String("client", rec.Auth.Client),
		zap.Uint64("nonce", rec.Auth.Nonce),
		zap.String("amount", rec.Auth.Amount),
		zap.Error(cause),
	)
}

func (e *Engine) finishDropped(ctx context.Context, rec *Record) {
	e.pending.Add(-1)
	e.dropped.Add(1)
	if err := e.store.MarkFailed(ctx, rec, "deadline expired before submission"); err != nil {
		e.log.Error("mark failed", zap.String("record", rec.ID), zap.Error(err))
	}
	e.log.Warn("voucher dropped: deadline expired before submission",
		zap.String("client", rec.Auth.Client),
		zap.Uint64("nonce", rec.Auth.Nonce),
		zap.Int64("deadline", rec.Auth.Deadline),
	)
}

func (e *Engine) finishExhausted(ctx context.Context, rec *Record) {
	e.pending.Add(-1)
	e.failed.Add(1)
	if err := e.store.MarkFailed(ctx, rec, "retry budget exhausted"); err != nil {
		e.log.Error("mark failed", zap.String("record", rec.ID), zap.Error(err))
	}
	if err := e.store.PushDLQ(ctx, rec); err != nil {
		e.log.Error("push dlq", zap.String("record", rec.ID), zap.Error(err))
	}
	e.log.Error("settlement abandoned after retry budget",
		zap.String("record", rec.ID),
		zap.Int("attempts", rec.Attempts),
	)
}
