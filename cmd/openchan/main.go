package main

import (
	"context"
	"flag"
	"fmt"
	"math/big"
	"os"

	"go.uber.org/zap"

	"github.com/x402flash/x402-flash-go/internal/agent"
	"github.com/x402flash/x402-flash-go/internal/ledger"
	"github.com/x402flash/x402-flash-go/internal/protocol"
)

func main() {
	endpoint := flag.String("endpoint", "", "server base URL, e.g. https://api.example.com")
	amount := flag.String("amount", "", "escrow amount in token base units")
	ttl := flag.Int64("ttl", 3600, "channel TTL in seconds")
	flag.Parse()

	if *endpoint == "" || *amount == "" {
		fmt.Fprintln(os.Stderr, "usage: openchan -endpoint URL -amount N [-ttl SECONDS]")
		os.Exit(2)
	}
	escrow, ok := new(big.Int).SetString(*amount, 10)
	if !ok || escrow.Sign() <= 0 {
		fmt.Fprintf(os.Stderr, "invalid amount %q\n", *amount)
		os.Exit(2)
	}

	log, _ := zap.NewDevelopment()
	defer log.Sync() //nolint:errcheck

	a, err := newAgent(log)
	if err != nil {
		log.Fatal("client init failed", zap.Error(err))
	}

	txHash, err := a.OpenChannel(context.Background(), *endpoint, escrow, *ttl)
	if err != nil {
		log.Fatal("open channel failed", zap.Error(err))
	}
	fmt.Printf("channel opened: tx %s\n", txHash)
}

// newAgent builds a payment agent from environment configuration shared by
// the client CLIs.
func newAgent(log *zap.Logger) (*agent.Agent, error) {
	rpcURL := os.Getenv("LEDGER_RPC_URL")
	contractID := os.Getenv("SETTLEMENT_CONTRACT")
	clientAddr := os.Getenv("CLIENT_ADDRESS")
	keyHex := os.Getenv("FLASH_SIGNING_KEY")
	token := os.Getenv("PAYMENT_TOKEN")
	if token == "" {
		token = "native"
	}
	for name, v := range map[string]string{
		"LEDGER_RPC_URL":      rpcURL,
		"SETTLEMENT_CONTRACT": contractID,
		"CLIENT_ADDRESS":      clientAddr,
		"FLASH_SIGNING_KEY":   keyHex,
	} {
		if v == "" {
			return nil, fmt.Errorf("required env missing: %s", name)
		}
	}

	key, err := protocol.ParseSigningKey(keyHex)
	if err != nil {
		return nil, err
	}
	gw, err := ledger.NewClient(rpcURL, contractID, log)
	if err != nil {
		return nil, err
	}
	auth := agent.NewAuthorizer(key, clientAddr, contractID, gw)
	return agent.New(gw, auth, clientAddr, token, log), nil
}
