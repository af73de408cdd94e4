package routing

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/prismgate/gateway/internal/pattern"
)

// MethodWildcard accepts any HTTP method.
const MethodWildcard = "*"

// Route binds a path pattern to an upstream and its policy knobs.
type Route struct {
	ID                    string    `json:"id"`
	Pattern               string    `json:"pattern"`
	Methods               []string  `json:"methods"`
	TargetService         string    `json:"target_service"`
	TargetBaseURL         string    `json:"target_base_url"`
	AuthRequired          bool      `json:"auth_required"`
	Priority              int       `json:"priority"`
	TimeoutMS             int       `json:"timeout_ms"`
	RetryCount            int       `json:"retry_count"`
	CircuitBreakerEnabled bool      `json:"circuit_breaker_enabled"`
	Active                bool      `json:"active"`
	CreatedAt             time.Time `json:"created_at"`
	UpdatedAt             time.Time `json:"updated_at"`

	compiled  *pattern.Pattern
	methodSet map[string]bool
	anyMethod bool
}

// Timeout returns the per-attempt dispatch timeout.
func (r *Route) Timeout() time.Duration {
	return time.Duration(r.TimeoutMS) * time.Millisecond
}

// AllowsMethod reports whether the route accepts the given method.
func (r *Route) AllowsMethod(method string) bool {
	return r.anyMethod || r.methodSet[method]
}

// compile validates the route and builds its derived match state.
func (r *Route) compile() error {
	p, err := pattern.Compile(r.Pattern)
	if err != nil {
		return err
	}

	if r.TargetService == "" {
		return fmt.Errorf("route %s: target_service is required", r.ID)
	}
	u, err := url.Parse(r.TargetBaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("route %s: target_base_url %q must be scheme://host[:port]", r.ID, r.TargetBaseURL)
	}
	if strings.HasSuffix(r.TargetBaseURL, "/") {
		return fmt.Errorf("route %s: target_base_url must not end with '/'", r.ID)
	}

	if len(r.Methods) == 0 {
		return fmt.Errorf("route %s: methods must not be empty", r.ID)
	}
	r.anyMethod = false
	r.methodSet = make(map[string]bool, len(r.Methods))
	for i, m := range r.Methods {
		upper := strings.ToUpper(m)
		r.Methods[i] = upper
		if upper == MethodWildcard {
			r.anyMethod = true
			continue
		}
		r.methodSet[upper] = true
	}

	r.compiled = p
	return nil
}

// matches tests the compiled pattern against a request path.
func (r *Route) matches(path string) bool {
	return r.compiled != nil && r.compiled.Match(path)
}

// clone returns a copy safe to hand to callers; derived state is shared
// because it is immutable after compile.
func (r *Route) clone() *Route {
	c := *r
	c.Methods = append([]string(nil), r.Methods...)
	return &c
}
