package server

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/x402flash/x402-flash-go/internal/config"
)

// RoutePolicy is the payment policy for one protected route.
type RoutePolicy struct {
	Method            string
	Path              string
	Price             *big.Int
	PriceRaw          string
	Token             string
	Network           string
	Description       string
	MimeType          string
	MaxTimeoutSeconds int64
}

type routeKey struct {
	method string
	path   string
}

// PolicyTable maps (method, path) to a payment policy. It is built once at
// startup; malformed route configuration is a load-time error, not a
// per-request surprise.
type PolicyTable struct {
	routes map[routeKey]*RoutePolicy
}

var allowedMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "PATCH": true, "DELETE": true,
}

// NewPolicyTable validates and indexes route policies.
func NewPolicyTable(policies []RoutePolicy) (*PolicyTable, error) {
	t := &PolicyTable{routes: make(map[routeKey]*RoutePolicy, len(policies))}
	for i := range policies {
		p := policies[i]
		method := strings.ToUpper(p.Method)
		if !allowedMethods[method] {
			return nil, fmt.Errorf("route %s %s: unsupported method", p.Method, p.Path)
		}
		if !strings.HasPrefix(p.Path, "/") {
			return nil, fmt.Errorf("route %s %s: path must start with /", method, p.Path)
		}
		price, ok := new(big.Int).SetString(p.PriceRaw, 10)
		if !ok || price.Sign() <= 0 {
			return nil, fmt.Errorf("route %s %s: invalid price %q", method, p.Path, p.PriceRaw)
		}
		if p.Token == "" {
			return nil, fmt.Errorf("route %s %s: token required", method, p.Path)
		}
		if p.Network == "" {
			return nil, fmt.Errorf("route %s %s: network required", method, p.Path)
		}
		if p.MaxTimeoutSeconds <= 0 {
			p.MaxTimeoutSeconds = 60
		}
		if p.MimeType == "" {
			p.MimeType = "application/json"
		}
		if p.Description == "" {
			p.Description = "Access to " + p.Path
		}
		key := routeKey{method: method, path: p.Path}
		if _, exists := t.routes[key]; exists {
			return nil, fmt.Errorf("route %s %s: declared twice", method, p.Path)
		}
		p.Method = method
		p.Price = price
		t.routes[key] = &p
	}
	return t, nil
}

// PoliciesFromRules converts config route rules into policies for
// NewPolicyTable.
func PoliciesFromRules(rules []config.RouteRule) []RoutePolicy {
	policies := make([]RoutePolicy, len(rules))
	for i, r := range rules {
		policies[i] = RoutePolicy{
			Method:            r.Method,
			Path:              r.Path,
			PriceRaw:          r.Price,
			Token:             r.Token,
			Network:           r.Network,
			Description:       r.Description,
			MaxTimeoutSeconds: r.MaxTimeoutSeconds,
		}
	}
	return policies
}

// Policies returns the table's validated policies.
func (t *PolicyTable) Policies() []RoutePolicy {
	out := make([]RoutePolicy, 0, len(t.routes))
	for _, p := range t.routes {
		out = append(out, *p)
	}
	return out
}

// Lookup returns the policy for a route, or nil for unprotected routes.
func (t *PolicyTable) Lookup(method, path string) *RoutePolicy {
	return t.routes[routeKey{method: method, path: path}]
}
