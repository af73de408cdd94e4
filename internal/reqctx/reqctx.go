// Package reqctx carries per-request state through the pipeline: the request
// id, the resolved client IP, the authenticated identity, and dispatch
// telemetry. Contexts are pooled; the pipeline releases them after the
// response completes.
package reqctx

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Identity is an authenticated principal attached by the token verifier.
type Identity struct {
	UserID string
	Email  string
	Roles  []string
}

// IsAdmin reports whether the identity carries the admin role claim.
func (id *Identity) IsAdmin() bool {
	if id == nil {
		return false
	}
	for _, r := range id.Roles {
		if r == "admin" {
			return true
		}
	}
	return false
}

// Context holds per-request variables.
type Context struct {
	RequestID string
	ClientIP  string
	Start     time.Time

	// Routing outcome
	RouteID       string
	TargetService string

	// Auth outcome
	Identity *Identity

	// Dispatch outcome
	UpstreamStatus       int
	UpstreamResponseTime time.Duration

	// Final response
	Status int
}

type ctxKey struct{}

var contextPool = sync.Pool{
	New: func() any { return &Context{} },
}

// Acquire returns a zeroed Context from the pool.
func Acquire() *Context {
	return contextPool.Get().(*Context)
}

// Release zeroes all fields and returns c to the pool.
// Safe to call with nil.
func Release(c *Context) {
	if c == nil {
		return
	}
	*c = Context{}
	contextPool.Put(c)
}

// Inject attaches the Context to an http.Request's context.
func Inject(r *http.Request, c *Context) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), ctxKey{}, c))
}

// FromRequest extracts the Context from an HTTP request, or nil.
func FromRequest(r *http.Request) *Context {
	c, _ := r.Context().Value(ctxKey{}).(*Context)
	return c
}

// TrustedProxies decides whether an immediate peer may speak for the client
// via X-Forwarded-For.
type TrustedProxies struct {
	nets []*net.IPNet
}

// NewTrustedProxies parses a CIDR list. Invalid entries are reported.
func NewTrustedProxies(cidrs []string) (*TrustedProxies, error) {
	tp := &TrustedProxies{}
	for _, c := range cidrs {
		_, ipNet, err := net.ParseCIDR(c)
		if err != nil {
			return nil, err
		}
		tp.nets = append(tp.nets, ipNet)
	}
	return tp, nil
}

// Trusted reports whether ip falls inside any configured CIDR.
func (tp *TrustedProxies) Trusted(ip string) bool {
	if tp == nil || len(tp.nets) == 0 {
		return false
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	for _, n := range tp.nets {
		if n.Contains(parsed) {
			return true
		}
	}
	return false
}

// ClientIP resolves the real client IP. X-Forwarded-For is honored only when
// the socket peer is a trusted proxy; the first entry of the chain wins.
// Otherwise the socket peer is the sole client IP.
func ClientIP(r *http.Request, tp *TrustedProxies) string {
	peer := remoteIP(r)
	if !tp.Trusted(peer) {
		return peer
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if first, _, found := strings.Cut(xff, ","); found || first != "" {
			if ip := strings.TrimSpace(first); net.ParseIP(ip) != nil {
				return ip
			}
		}
	}
	return peer
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
