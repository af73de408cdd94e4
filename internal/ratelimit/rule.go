package ratelimit

import (
	"fmt"
	"strings"
	"time"

	"github.com/prismgate/gateway/internal/pattern"
)

// Scope selects which request attribute keys a rule's buckets.
type Scope string

const (
	ScopePerUser     Scope = "per_user"
	ScopePerIP       Scope = "per_ip"
	ScopePerEndpoint Scope = "per_endpoint"
	ScopeGlobal      Scope = "global"
)

// ValidScope reports whether s is a known scope.
func ValidScope(s Scope) bool {
	switch s {
	case ScopePerUser, ScopePerIP, ScopePerEndpoint, ScopeGlobal:
		return true
	}
	return false
}

// Rule is a durable rate-limit policy row. Pattern is optional; an empty
// pattern selects every path.
type Rule struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Scope         Scope     `json:"scope"`
	Pattern       string    `json:"pattern,omitempty"`
	MaxRequests   int       `json:"max_requests"`
	WindowSeconds int       `json:"window_seconds"`
	Active        bool      `json:"active"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`

	compiled *pattern.Pattern
}

// Window returns the rule's window as a duration.
func (r *Rule) Window() time.Duration {
	return time.Duration(r.WindowSeconds) * time.Second
}

// compile validates the rule and compiles its optional pattern.
func (r *Rule) compile() error {
	if r.Name == "" {
		return fmt.Errorf("rule: name is required")
	}
	if !ValidScope(r.Scope) {
		return fmt.Errorf("rule %s: unknown scope %q", r.Name, r.Scope)
	}
	if r.MaxRequests < 1 {
		return fmt.Errorf("rule %s: max_requests must be >= 1", r.Name)
	}
	if r.WindowSeconds < 1 {
		return fmt.Errorf("rule %s: window_seconds must be >= 1", r.Name)
	}
	r.compiled = nil
	if r.Pattern != "" {
		p, err := pattern.Compile(r.Pattern)
		if err != nil {
			return err
		}
		r.compiled = p
	}
	return nil
}

// selects reports whether the rule applies to the request and, if so, the
// bucket key. A per_user rule is skipped for unauthenticated requests.
func (r *Rule) selects(req *Request) (string, bool) {
	if !r.Active {
		return "", false
	}
	if r.compiled != nil && !r.compiled.Match(req.Path) {
		return "", false
	}
	switch r.Scope {
	case ScopePerUser:
		if req.UserID == "" {
			return "", false
		}
		return r.ID + ":u:" + req.UserID, true
	case ScopePerIP:
		return r.ID + ":ip:" + req.ClientIP, true
	case ScopePerEndpoint:
		key := req.RouteID
		if key == "" {
			key = req.Path
		}
		return r.ID + ":ep:" + key, true
	case ScopeGlobal:
		return r.ID + ":g", true
	}
	return "", false
}

// clone returns a caller-safe copy.
func (r *Rule) clone() *Rule {
	c := *r
	return &c
}

func normalizeName(name string) string {
	return strings.TrimSpace(name)
}
