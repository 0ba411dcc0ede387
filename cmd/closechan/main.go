package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/x402flash/x402-flash-go/internal/ledger"
)

func main() {
	endpoint := flag.String("endpoint", "", "server base URL the channel was opened against")
	flag.Parse()

	if *endpoint == "" {
		fmt.Fprintln(os.Stderr, "usage: closechan -endpoint URL")
		os.Exit(2)
	}

	log, _ := zap.NewDevelopment()
	defer log.Sync() //nolint:errcheck

	rpcURL := os.Getenv("LEDGER_RPC_URL")
	contractID := os.Getenv("SETTLEMENT_CONTRACT")
	clientAddr := os.Getenv("CLIENT_ADDRESS")
	if rpcURL == "" || contractID == "" || clientAddr == "" {
		log.Fatal("required env missing: LEDGER_RPC_URL, SETTLEMENT_CONTRACT, CLIENT_ADDRESS")
	}

	gw, err := ledger.NewClient(rpcURL, contractID, log)
	if err != nil {
		log.Fatal("ledger client init failed", zap.Error(err))
	}
	defer gw.Close()

	payTo, err := fetchPaymentAddress(*endpoint)
	if err != nil {
		log.Fatal("server discovery failed", zap.Error(err))
	}

	ctx := context.Background()
	refund, err := gw.CurrentEscrow(ctx, clientAddr, payTo)
	if err != nil {
		log.Fatal("query escrow balance failed", zap.Error(err))
	}
	txHash, err := gw.CloseEscrow(ctx, clientAddr, payTo)
	if err != nil {
		log.Fatal("close escrow failed", zap.Error(err))
	}
	fmt.Printf("channel closed: tx %s\n", txHash)
	fmt.Printf("refunded:       %s\n", refund)
}

func fetchPaymentAddress(endpoint string) (string, error) {
	httpc := &http.Client{Timeout: 10 * time.Second}
	resp, err := httpc.Get(endpoint + "/flash/info")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("info endpoint: status %d", resp.StatusCode)
	}
	var info struct {
		PaymentAddress string `json:"paymentAddress"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return "", err
	}
	if info.PaymentAddress == "" {
		return "", fmt.Errorf("info endpoint: missing payment address")
	}
	return info.PaymentAddress, nil
}
