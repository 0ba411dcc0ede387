package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/x402flash/x402-flash-go/internal/ledger"
)

// ChannelState is the agent's view of one remote endpoint.
type ChannelState uint8

const (
	StateNoChannel ChannelState = iota
	StateOpening
	StateOpen
	StateClosing
	StateClosed
)

func (s ChannelState) String() string {
	switch s {
	case StateNoChannel:
		return "NoChannel"
	case StateOpening:
		return "Opening"
	case StateOpen:
		return "Open"
	case StateClosing:
		return "Closing"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

var (
	ErrChannelBusy   = errors.New("channel operation already in progress")
	ErrNoOpenChannel = errors.New("no open channel for endpoint")
)

const eventBufferSize = 64

// endpointChannel is the client-side channel state for one remote endpoint.
// Its mutex serializes open/close so two goroutines cannot race duplicate
// on-chain opens for the same endpoint.
type endpointChannel struct {
	mu    sync.Mutex
	state ChannelState
	payTo string
	token string
}

// Agent orchestrates the client side: channel lifecycle against the ledger
// and payment-aware HTTP requests against servers. It exclusively owns the
// per-endpoint channel map.
type Agent struct {
	gw         ledger.Gateway
	auth       *Authorizer
	clientAddr string
	token      string
	httpc      *http.Client
	log        *zap.Logger

	mu        sync.Mutex
	endpoints map[string]*endpointChannel

	events chan Event
}

func New(gw ledger.Gateway, auth *Authorizer, clientAddr, token string, log *zap.Logger) *Agent {
	return &Agent{
		gw:         gw,
		auth:       auth,
		clientAddr: clientAddr,
		token:      token,
		httpc:      &http.Client{Timeout: 10 * time.Second},
		log:        log,
		endpoints:  make(map[string]*endpointChannel),
		events:     make(chan Event, eventBufferSize),
	}
}

// Events is the bounded stream of lifecycle events. Consume it from one
// goroutine; when nobody drains it, events are dropped with a log warning
// rather than blocking payment flow.
func (a *Agent) Events() <-chan Event { return a.events }

func (a *Agent) emit(ev Event) {
	ev.Time = time.Now()
	select {
	case a.events <- ev:
	default:
		a.log.Warn("event buffer full, event dropped", zap.String("type", string(ev.Type)))
	}
}

func (a *Agent) endpoint(endpoint string) *endpointChannel {
	a.mu.Lock()
	defer a.mu.Unlock()
	ep, ok := a.endpoints[endpoint]
	if !ok {
		ep = &endpointChannel{state: StateNoChannel}
		a.endpoints[endpoint] = ep
	}
	return ep
}

// State reports the channel state for an endpoint.
func (a *Agent) State(endpoint string) ChannelState {
	ep := a.endpoint(endpoint)
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.state
}

// serverInfo is the /flash/info discovery response.
type serverInfo struct {
	PaymentAddress     string `json:"paymentAddress"`
	SettlementContract string `json:"settlementContract"`
}

func (a *Agent) fetchInfo(ctx context.Context, endpoint string) (*serverInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"/flash/info", nil)
	if err != nil {
		return nil, fmt.Errorf("build info request: %w", err)
	}
	resp, err := a.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("query server info: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("query server info: status %d", resp.StatusCode)
	}
	var info serverInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("decode server info: %w", err)
	}
	if info.PaymentAddress == "" {
		return nil, errors.New("server info missing payment address")
	}
	return &info, nil
}

// OpenChannel discovers the server's payment address and opens an escrow
// channel. It blocks through the gateway's bounded confirmation poll and
// never retries on its own; InsufficientBalance, ChannelAlreadyExists, and
// LedgerTimeout all surface to the caller.
func (a *Agent) OpenChannel(ctx context.Context, endpoint string, amount *big.Int, ttlSeconds int64) (string, error) {
	ep := a.endpoint(endpoint)
	ep.mu.Lock()
	defer ep.mu.Unlock()

	switch ep.state {
	case StateOpening, StateClosing:
		return "", ErrChannelBusy
	case StateOpen:
		return "", ledger.ErrChannelAlreadyExists
	}

	info, err := a.fetchInfo(ctx, endpoint)
	if err != nil {
		return "", err
	}

	ep.state = StateOpening
	a.emit(Event{Type: EventChannelOpening, Endpoint: endpoint, Amount: amount.String()})

	txHash, err := a.gw.OpenEscrow(ctx, a.clientAddr, info.PaymentAddress, a.token, amount, ttlSeconds)
	if err != nil {
		ep.state = StateNoChannel
		a.emit(Event{Type: EventOpenFailed, Endpoint: endpoint, Err: err})
		return "", fmt.Errorf("open escrow: %w", err)
	}

	ep.state = StateOpen
	ep.payTo = info.PaymentAddress
	ep.token = a.token
	a.emit(Event{Type: EventChannelOpened, Endpoint: endpoint, Amount: amount.String(), TxHash: txHash})
	a.log.Info("channel opened",
		zap.String("endpoint", endpoint),
		zap.String("payTo", info.PaymentAddress),
		zap.String("amount", amount.String()),
		zap.String("tx", txHash),
	)
	return txHash, nil
}

// CloseChannel closes the escrow channel and returns the refunded balance.
// The refund figure reflects confirmed settlements only; vouchers still in
// the server's settlement queue may reduce it before the close confirms.
func (a *Agent) CloseChannel(ctx context.Context, endpoint string) (*big.Int, error) {
	ep := a.endpoint(endpoint)
	ep.mu.Lock()
	defer ep.mu.Unlock()

	switch ep.state {
	case StateOpening, StateClosing:
		return nil, ErrChannelBusy
	case StateNoChannel, StateClosed:
		return nil, ErrNoOpenChannel
	}

	refund, err := a.gw.CurrentEscrow(ctx, a.clientAddr, ep.payTo)
	if err != nil {
		return nil, fmt.Errorf("query escrow balance: %w", err)
	}

	ep.state = StateClosing
	a.emit(Event{Type: EventChannelClosing, Endpoint: endpoint})

	txHash, err := a.gw.CloseEscrow(ctx, a.clientAddr, ep.payTo)
	if err != nil {
		// The close tx did not confirm; the channel is still live on-chain.
		ep.state = StateOpen
		a.emit(Event{Type: EventCloseFailed, Endpoint: endpoint, Err: err})
		return nil, fmt.Errorf("close escrow: %w", err)
	}

	ep.state = StateClosed
	a.emit(Event{Type: EventChannelClosed, Endpoint: endpoint, Amount: refund.String(), TxHash: txHash})
	a.log.Info("channel closed",
		zap.String("endpoint", endpoint),
		zap.String("refund", refund.String()),
		zap.String("tx", txHash),
	)
	return refund, nil
}

// HTTPClient returns an http.Client whose transport answers 402 challenges
// with signed vouchers automatically.
func (a *Agent) HTTPClient() *http.Client {
	return &http.Client{
		Transport: &Transport{
			Base: http.DefaultTransport,
			Auth: a.auth,
			emit: a.emit,
		},
	}
}
