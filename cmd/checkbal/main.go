package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/x402flash/x402-flash-go/internal/ledger"
)

func main() {
	server := flag.String("server", "", "server payment address")
	flag.Parse()

	if *server == "" {
		fmt.Fprintln(os.Stderr, "usage: checkbal -server ADDRESS")
		os.Exit(2)
	}

	log := zap.NewNop()
	rpcURL := os.Getenv("LEDGER_RPC_URL")
	contractID := os.Getenv("SETTLEMENT_CONTRACT")
	clientAddr := os.Getenv("CLIENT_ADDRESS")
	if rpcURL == "" || contractID == "" || clientAddr == "" {
		fmt.Fprintln(os.Stderr, "required env missing: LEDGER_RPC_URL, SETTLEMENT_CONTRACT, CLIENT_ADDRESS")
		os.Exit(2)
	}

	gw, err := ledger.NewClient(rpcURL, contractID, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ledger client: %v\n", err)
		os.Exit(1)
	}
	defer gw.Close()

	token := os.Getenv("PAYMENT_TOKEN")
	if token == "" {
		token = "native"
	}

	ctx := context.Background()
	ch, err := gw.Channel(ctx, clientAddr, *server, token)
	if err != nil {
		fmt.Fprintf(os.Stderr, "channel query: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("state:   %s\n", ch.State)
	fmt.Printf("escrow:  %s\n", ch.Balance)
	fmt.Printf("nonce:   %d\n", ch.Nonce)
}
