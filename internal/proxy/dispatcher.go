// Package proxy dispatches requests to upstream services: it shapes headers,
// applies per-attempt timeouts and the retry policy, streams the response
// back, and classifies the outcome for the breaker and the log sink.
package proxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/prismgate/gateway/internal/reqctx"
	"github.com/prismgate/gateway/internal/routing"
)

// Class is the dispatch outcome classification.
type Class int

const (
	ClassSuccess      Class = iota // response with status < 500 relayed
	ClassUpstreamErr               // upstream 5xx relayed; breaker failure
	ClassTimeout                   // no response in time after retries; 504
	ClassConnectError              // connection failure after retries; 502
	ClassCanceled                  // client went away; nothing written
)

// Outcome reports what the dispatcher did.
type Outcome struct {
	StatusCode int
	Class      Class
	Attempts   int
	Err        error
}

// Failure reports whether the outcome counts as a breaker failure.
func (o Outcome) Failure() bool {
	switch o.Class {
	case ClassUpstreamErr, ClassTimeout, ClassConnectError:
		return true
	}
	return false
}

// BreakerRelevant reports whether the outcome should be fed to the breaker
// at all. Client cancellations are neither success nor failure.
func (o Outcome) BreakerRelevant() bool {
	return o.Class != ClassCanceled
}

const (
	retryInitialBackoff = 100 * time.Millisecond
	retryMaxBackoff     = 2 * time.Second
	maxBufferedBody     = 4 << 20
)

// hopHeaders are stripped in both directions.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Config holds dispatcher defaults applied when a route omits its knobs.
type Config struct {
	DefaultTimeout time.Duration
	DefaultRetries int
	Transport      http.RoundTripper
	FlushInterval  time.Duration
}

// Dispatcher forwards requests to upstreams over a shared transport.
type Dispatcher struct {
	transport      http.RoundTripper
	defaultTimeout time.Duration
	defaultRetries int
	flushInterval  time.Duration
}

// New creates a dispatcher.
func New(cfg Config) *Dispatcher {
	transport := cfg.Transport
	if transport == nil {
		transport = &http.Transport{
			MaxIdleConns:        256,
			MaxIdleConnsPerHost: 32,
			IdleConnTimeout:     90 * time.Second,
		}
	}
	timeout := cfg.DefaultTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Dispatcher{
		transport:      transport,
		defaultTimeout: timeout,
		defaultRetries: cfg.DefaultRetries,
		flushInterval:  cfg.FlushInterval,
	}
}

// Dispatch forwards r to the route's upstream and streams the response to w.
// On timeout/connect failure or cancellation nothing is written; the caller
// renders the error envelope. The upstream's own status, 5xx included, is
// always relayed.
func (d *Dispatcher) Dispatch(w http.ResponseWriter, r *http.Request, route *routing.Route, rc *reqctx.Context) Outcome {
	timeout := route.Timeout()
	if timeout <= 0 {
		timeout = d.defaultTimeout
	}
	retries := route.RetryCount
	if retries <= 0 {
		retries = d.defaultRetries
	}

	// Buffer the body so retries can replay it. Oversized bodies disable
	// retries instead of failing the request.
	var bodyBytes []byte
	if retries > 0 && r.Body != nil && r.Body != http.NoBody {
		var err error
		bodyBytes, err = io.ReadAll(io.LimitReader(r.Body, maxBufferedBody+1))
		if err != nil {
			return Outcome{Class: ClassConnectError, Err: err}
		}
		if len(bodyBytes) > maxBufferedBody {
			r.Body = io.NopCloser(io.MultiReader(bytes.NewReader(bodyBytes), r.Body))
			bodyBytes = nil
			retries = 0
		}
	}

	ctx := r.Context()
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = retryInitialBackoff
	bo.Multiplier = 2
	bo.MaxInterval = retryMaxBackoff
	bo.RandomizationFactor = 1 // full jitter
	bo.Reset()

	var lastErr error
	attempts := 0

	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return Outcome{Class: inboundDoneClass(ctx), Attempts: attempts, Err: ctx.Err()}
			case <-time.After(bo.NextBackOff()):
			}
		}

		attempts++
		upReq := d.buildUpstreamRequest(ctx, r, route, rc, bodyBytes)

		tryCtx, cancel := context.WithTimeout(ctx, timeout)
		start := time.Now()
		resp, err := d.transport.RoundTrip(upReq.WithContext(tryCtx))
		rc.UpstreamResponseTime = time.Since(start)

		if err == nil {
			rc.UpstreamStatus = resp.StatusCode
			d.relay(w, resp, rc)
			cancel()
			if resp.StatusCode >= 500 {
				return Outcome{StatusCode: resp.StatusCode, Class: ClassUpstreamErr, Attempts: attempts}
			}
			return Outcome{StatusCode: resp.StatusCode, Class: ClassSuccess, Attempts: attempts}
		}
		cancel()

		// The inbound side is done: either the client went away or the
		// admission deadline fired. Stop immediately either way.
		if ctx.Err() != nil {
			return Outcome{Class: inboundDoneClass(ctx), Attempts: attempts, Err: ctx.Err()}
		}

		lastErr = err
		if !retryable(r.Method, err) {
			break
		}
	}

	if isTimeout(lastErr) {
		return Outcome{Class: ClassTimeout, Attempts: attempts, Err: lastErr}
	}
	return Outcome{Class: ClassConnectError, Attempts: attempts, Err: lastErr}
}

// buildUpstreamRequest composes the outbound request: target URL, cloned and
// shaped headers, identity injection, X-Forwarded-For append.
func (d *Dispatcher) buildUpstreamRequest(ctx context.Context, r *http.Request, route *routing.Route, rc *reqctx.Context, bodyBytes []byte) *http.Request {
	upstreamURL := route.TargetBaseURL + r.URL.Path
	if r.URL.RawQuery != "" {
		upstreamURL += "?" + r.URL.RawQuery
	}

	var body io.Reader
	if bodyBytes != nil {
		body = bytes.NewReader(bodyBytes)
	} else {
		body = r.Body
	}

	upReq, _ := http.NewRequestWithContext(ctx, r.Method, upstreamURL, body)
	upReq.ContentLength = r.ContentLength
	if bodyBytes != nil {
		upReq.ContentLength = int64(len(bodyBytes))
	}

	// Clone headers, dropping hop-by-hop and any inbound gateway headers a
	// client may try to smuggle.
	for k, vv := range r.Header {
		if strings.HasPrefix(http.CanonicalHeaderKey(k), "X-Gateway-") {
			continue
		}
		upReq.Header[k] = append([]string(nil), vv...)
	}
	removeHopHeaders(upReq.Header)

	upReq.Header.Set("X-Gateway-Request-ID", rc.RequestID)
	if id := rc.Identity; id != nil {
		upReq.Header.Set("X-Gateway-User-ID", id.UserID)
		upReq.Header.Set("X-Gateway-User-Email", id.Email)
		upReq.Header.Set("X-Gateway-User-Roles", strings.Join(id.Roles, ","))
	}

	if rc.ClientIP != "" {
		if prior := upReq.Header.Get("X-Forwarded-For"); prior != "" {
			upReq.Header.Set("X-Forwarded-For", prior+", "+rc.ClientIP)
		} else {
			upReq.Header.Set("X-Forwarded-For", rc.ClientIP)
		}
	}

	return upReq
}

// relay copies status, headers, and body to the client without buffering.
func (d *Dispatcher) relay(w http.ResponseWriter, resp *http.Response, rc *reqctx.Context) {
	defer resp.Body.Close()

	dst := w.Header()
	for k, vv := range resp.Header {
		dst[k] = append(dst[k][:0:0], vv...)
	}
	removeHopHeaders(dst)
	dst.Set("X-Gateway-Request-ID", rc.RequestID)

	w.WriteHeader(resp.StatusCode)
	rc.Status = resp.StatusCode

	if d.flushInterval > 0 {
		if flusher, ok := w.(http.Flusher); ok {
			for {
				if _, err := io.CopyN(w, resp.Body, 32*1024); err != nil {
					return
				}
				flusher.Flush()
			}
		}
	}
	io.Copy(w, resp.Body)
}

// retryable implements the retry policy: connection errors and timeouts are
// retried for idempotent methods; POST and PATCH only when the connection
// was refused before any byte reached the upstream.
func retryable(method string, err error) bool {
	if err == nil {
		return false
	}
	nonIdempotent := method == http.MethodPost || method == http.MethodPatch
	if nonIdempotent {
		return isDialError(err)
	}
	return isDialError(err) || isTimeout(err)
}

// inboundDoneClass distinguishes a client disconnect from the admission
// deadline expiring: the former is a cancellation, the latter a timeout.
func inboundDoneClass(ctx context.Context) Class {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ClassTimeout
	}
	return ClassCanceled
}

// isDialError reports whether the request never left the gateway.
func isDialError(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}
	return false
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func removeHopHeaders(h http.Header) {
	for _, k := range hopHeaders {
		h.Del(k)
	}
}
