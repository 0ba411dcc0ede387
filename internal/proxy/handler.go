package proxy

import (
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/x402flash/x402-flash-go/internal/server"
)

// Handler forwards paid requests to the upstream backend. The payment
// middleware runs first, so anything reaching the proxy has either no
// policy or an accepted voucher.
type Handler struct {
	rp  *httputil.ReverseProxy
	log *zap.Logger
}

func NewHandler(upstreamURL string, log *zap.Logger) (*Handler, error) {
	target, err := url.Parse(upstreamURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream url: %w", err)
	}
	rp := httputil.NewSingleHostReverseProxy(target)

	orig := rp.Director
	rp.Director = func(req *http.Request) {
		orig(req)
		req.Host = target.Host
	}
	rp.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		log.Error("upstream proxy error", zap.String("path", r.URL.Path), zap.Error(err))
		w.WriteHeader(http.StatusBadGateway)
	}

	return &Handler{rp: rp, log: log}, nil
}

// Register mounts one Gin route per policy. Payment and rate-limit
// middleware should already be installed on the engine.
func (h *Handler) Register(r *gin.Engine, policies []server.RoutePolicy) {
	for _, p := range policies {
		r.Handle(p.Method, p.Path, h.forward)
	}
}

func (h *Handler) forward(c *gin.Context) {
	h.rp.ServeHTTP(c.Writer, c.Request)
}
