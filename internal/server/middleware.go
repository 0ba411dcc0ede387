package server

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/x402flash/x402-flash-go/internal/protocol"
	"github.com/x402flash/x402-flash-go/internal/settle"
)

// payerContextKey exposes the paying client's address to handlers and the
// usage tracker.
const payerContextKey = "flash_payer"

// Server wires the challenge issuer and verifier into Gin. It owns no
// ledger connection: accepted vouchers are handed to the settlement engine
// and the request proceeds without any I/O on the hot path.
type Server struct {
	table      *PolicyTable
	engine     *settle.Engine
	tracker    *UsageTracker
	payTo      string
	contractID string
	log        *zap.Logger
}

func New(table *PolicyTable, engine *settle.Engine, tracker *UsageTracker, payTo, contractID string, log *zap.Logger) *Server {
	return &Server{
		table:      table,
		engine:     engine,
		tracker:    tracker,
		payTo:      payTo,
		contractID: contractID,
		log:        log,
	}
}

// requirementFor builds the 402 challenge entry for a route.
func (s *Server) requirementFor(p *RoutePolicy, resource string) protocol.PaymentRequirement {
	return protocol.PaymentRequirement{
		Scheme:            protocol.SchemeFlash,
		Network:           p.Network,
		MaxAmountRequired: p.PriceRaw,
		Resource:          resource,
		Description:       p.Description,
		MimeType:          p.MimeType,
		PayTo:             s.payTo,
		MaxTimeoutSeconds: p.MaxTimeoutSeconds,
		Asset:             p.Token,
	}
}

// PaymentMiddleware returns the Gin handler implementing the flash payment
// flow: challenge on missing payment, structural verification on present
// payment, asynchronous settlement on acceptance.
func (s *Server) PaymentMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		policy := s.table.Lookup(c.Request.Method, c.FullPath())
		if policy == nil {
			c.Next()
			return
		}

		header := c.GetHeader(protocol.PaymentHeader)
		if header == "" {
			s.challenge(c, policy, "Payment required")
			return
		}

		payload, err := protocol.DecodePaymentHeader(header)
		if err != nil {
			if errors.Is(err, protocol.ErrMalformedPayment) {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "malformed payment payload"})
				return
			}
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		if payload.X402Version != protocol.Version {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error": fmt.Sprintf("unsupported x402 version: %d", payload.X402Version),
			})
			return
		}
		if payload.Scheme != protocol.SchemeFlash {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error": fmt.Sprintf("unsupported payment scheme %q, expected %q", payload.Scheme, protocol.SchemeFlash),
			})
			return
		}
		if payload.Network != policy.Network {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error": fmt.Sprintf("network mismatch: expected %s, got %s", policy.Network, payload.Network),
			})
			return
		}

		auth := &payload.Payload.Auth
		amount, ok := auth.AmountInt()
		if !ok {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "malformed payment amount"})
			return
		}
		// Recoverable via a larger voucher, hence 402 rather than 400.
		if amount.Cmp(policy.Price) < 0 {
			s.challenge(c, policy, "Insufficient payment")
			return
		}

		// The signature is not checked here. Settlement-time verification on
		// the ledger is authoritative, and a voucher that fails there burns
		// the client's own channel; skipping the check keeps the request
		// path free of crypto work.
		s.engine.Enqueue(auth, payload.Payload.Signature, payload.Payload.PublicKey)

		c.Header(protocol.PaymentResponseHeader, protocol.EncodeSettleResponseHeader(&protocol.SettleResponse{
			Success:   true,
			Network:   payload.Network,
			Timestamp: time.Now().Unix(),
		}))
		c.Set(payerContextKey, auth.Client)

		s.log.Debug("payment accepted",
			zap.String("client", auth.Client),
			zap.Uint64("nonce", auth.Nonce),
			zap.String("amount", auth.Amount),
			zap.String("route", c.Request.Method+" "+c.FullPath()),
		)

		c.Next()
	}
}

func (s *Server) challenge(c *gin.Context, policy *RoutePolicy, errMsg string) {
	c.AbortWithStatusJSON(http.StatusPaymentRequired, protocol.PaymentRequired{
		X402Version: protocol.Version,
		Accepts:     []protocol.PaymentRequirement{s.requirementFor(policy, c.Request.URL.RequestURI())},
		Error:       errMsg,
	})
}

// RegisterOps mounts the unpaid operational endpoints: channel discovery,
// health, and aggregate stats.
func (s *Server) RegisterOps(r *gin.Engine) {
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	r.GET("/flash/info", s.handleInfo)
	r.GET("/stats", s.handleStats)
}

// handleInfo is the out-of-band discovery endpoint clients query before
// opening a channel.
func (s *Server) handleInfo(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"x402Version":        protocol.Version,
		"scheme":             protocol.SchemeFlash,
		"paymentAddress":     s.payTo,
		"settlementContract": s.contractID,
	})
}

func (s *Server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"settlement": s.engine.Stats(),
		"usage":      s.tracker.Snapshot(),
	})
}

// TrackUsage records per-payer request metrics after the handler runs.
func (s *Server) TrackUsage() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		payer := c.GetString(payerContextKey)
		if payer == "" {
			return
		}
		s.tracker.Record(payer, c.Writer.Status(), time.Since(start))
	}
}
