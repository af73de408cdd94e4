// Package auth validates bearer credentials. Verification is two-mode: a
// local parse against the shared signing secret first, then delegation to
// the remote identity service for tokens the gateway cannot settle itself.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang-jwt/jwt/v5"

	"github.com/prismgate/gateway/internal/reqctx"
)

// Failure kinds. The first four deny with 401; ErrUpstreamUnavailable denies
// with 503 once the bounded backoff is exhausted.
var (
	ErrMissing             = errors.New("authorization token missing")
	ErrMalformed           = errors.New("authorization token malformed")
	ErrExpired             = errors.New("authorization token expired")
	ErrInvalidSignature    = errors.New("authorization token signature invalid")
	ErrRevoked             = errors.New("authorization token revoked")
	ErrUpstreamUnavailable = errors.New("identity service unavailable")
)

// Config holds verifier settings.
type Config struct {
	Secret             string
	Algorithm          string // HMAC family; default HS256
	IdentityServiceURL string // remote validate endpoint base; optional
	RemoteTimeout      time.Duration
	MaxRemoteElapsed   time.Duration // total budget for remote retries
}

// Verifier validates Authorization header values.
type Verifier struct {
	secret     []byte
	method     jwt.SigningMethod
	remoteURL  string
	client     *http.Client
	maxElapsed time.Duration
}

// New creates a verifier. With an empty IdentityServiceURL only local
// verification runs.
func New(cfg Config) (*Verifier, error) {
	alg := cfg.Algorithm
	if alg == "" {
		alg = "HS256"
	}
	method := jwt.GetSigningMethod(alg)
	if method == nil {
		return nil, fmt.Errorf("unsupported token algorithm %q", alg)
	}
	if _, ok := method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("token algorithm %q is not an HMAC method", alg)
	}

	timeout := cfg.RemoteTimeout
	if timeout == 0 {
		timeout = 2 * time.Second
	}
	maxElapsed := cfg.MaxRemoteElapsed
	if maxElapsed == 0 {
		maxElapsed = 3 * time.Second
	}

	return &Verifier{
		secret:     []byte(cfg.Secret),
		method:     method,
		remoteURL:  strings.TrimSuffix(cfg.IdentityServiceURL, "/"),
		client:     &http.Client{Timeout: timeout},
		maxElapsed: maxElapsed,
	}, nil
}

// Verify validates an Authorization header value and returns the identity.
func (v *Verifier) Verify(ctx context.Context, authorization string) (*reqctx.Identity, error) {
	token, err := bearerToken(authorization)
	if err != nil {
		return nil, err
	}

	identity, err := v.verifyLocal(token)
	if err == nil {
		return identity, nil
	}
	// Hard local failures are final; only signature mismatches may belong to
	// the identity service's own signing domain.
	if errors.Is(err, ErrExpired) || errors.Is(err, ErrMalformed) {
		return nil, err
	}
	if v.remoteURL == "" {
		return nil, err
	}

	return v.verifyRemote(ctx, token)
}

// bearerToken extracts the token from a "Bearer <token>" header value.
func bearerToken(authorization string) (string, error) {
	if authorization == "" {
		return "", ErrMissing
	}
	scheme, token, found := strings.Cut(authorization, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return "", ErrMalformed
	}
	return strings.TrimSpace(token), nil
}

// verifyLocal parses the token against the shared secret.
func (v *Verifier) verifyLocal(token string) (*reqctx.Identity, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{v.method.Alg()}))

	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, ErrExpired
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, ErrInvalidSignature
		default:
			return nil, ErrMalformed
		}
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrMalformed
	}
	return identityFromClaims(claims), nil
}

// identityFromClaims maps token claims onto the pipeline identity.
func identityFromClaims(claims jwt.MapClaims) *reqctx.Identity {
	id := &reqctx.Identity{}
	if sub, _ := claims.GetSubject(); sub != "" {
		id.UserID = sub
	} else if uid, ok := claims["user_id"].(string); ok {
		id.UserID = uid
	}
	if email, ok := claims["email"].(string); ok {
		id.Email = email
	}
	switch roles := claims["roles"].(type) {
	case []any:
		for _, r := range roles {
			if s, ok := r.(string); ok {
				id.Roles = append(id.Roles, s)
			}
		}
	case string:
		for _, s := range strings.Split(roles, ",") {
			if s = strings.TrimSpace(s); s != "" {
				id.Roles = append(id.Roles, s)
			}
		}
	}
	return id
}

// remoteResponse is the identity service's validate payload.
type remoteResponse struct {
	UserID string   `json:"user_id"`
	Email  string   `json:"email"`
	Roles  []string `json:"roles"`
}

// verifyRemote delegates to the identity service's validate endpoint with
// bounded exponential backoff. Transport failures surface as
// ErrUpstreamUnavailable only after the retry budget is spent.
func (v *Verifier) verifyRemote(ctx context.Context, token string) (*reqctx.Identity, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxElapsedTime = v.maxElapsed

	var identity *reqctx.Identity
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.remoteURL+"/validate", nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Authorization", "Bearer "+token)

		resp, err := v.client.Do(req)
		if err != nil {
			return err // retryable
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK:
			var payload remoteResponse
			if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
				return backoff.Permanent(ErrUpstreamUnavailable)
			}
			identity = &reqctx.Identity{
				UserID: payload.UserID,
				Email:  payload.Email,
				Roles:  payload.Roles,
			}
			return nil
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return backoff.Permanent(ErrRevoked)
		case resp.StatusCode >= 500:
			return ErrUpstreamUnavailable // retryable
		default:
			return backoff.Permanent(ErrMalformed)
		}
	}

	if err := backoff.Retry(operation, backoff.WithContext(bo, ctx)); err != nil {
		if errors.Is(err, ErrRevoked) || errors.Is(err, ErrMalformed) {
			return nil, err
		}
		return nil, ErrUpstreamUnavailable
	}
	return identity, nil
}

// Denies401 reports whether the failure kind maps to 401 (vs 503).
func Denies401(err error) bool {
	return errors.Is(err, ErrMissing) ||
		errors.Is(err, ErrMalformed) ||
		errors.Is(err, ErrExpired) ||
		errors.Is(err, ErrInvalidSignature) ||
		errors.Is(err, ErrRevoked)
}
