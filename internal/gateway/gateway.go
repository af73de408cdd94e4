// Package gateway composes the per-request pipeline: resolve the route, run
// the auth, rate-limit and breaker gates, dispatch to the upstream, and emit
// exactly one log record per request.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/prismgate/gateway/internal/auth"
	"github.com/prismgate/gateway/internal/circuitbreaker"
	gwerrors "github.com/prismgate/gateway/internal/errors"
	"github.com/prismgate/gateway/internal/health"
	"github.com/prismgate/gateway/internal/logging"
	"github.com/prismgate/gateway/internal/logsink"
	"github.com/prismgate/gateway/internal/metrics"
	"github.com/prismgate/gateway/internal/proxy"
	"github.com/prismgate/gateway/internal/ratelimit"
	"github.com/prismgate/gateway/internal/reqctx"
	"github.com/prismgate/gateway/internal/routing"
)

// StatusClientClosed is logged when the client disconnects mid-dispatch.
const StatusClientClosed = 499

// deadlineSlack pads the admission deadline over the worst-case dispatch
// time (per-attempt timeout times attempts, plus backoff).
const deadlineSlack = 5 * time.Second

// Gateway is the data-plane pipeline.
type Gateway struct {
	table          *routing.Table
	verifier       *auth.Verifier
	engine         *ratelimit.Engine
	breakers       *circuitbreaker.Registry
	supervisor     *health.Supervisor
	dispatcher     *proxy.Dispatcher
	sink           *logsink.Sink
	collector      *metrics.Collector
	adminHandler   http.Handler
	adminPrefix    string
	breakerEnabled bool
}

// Config wires the pipeline's collaborators.
type Config struct {
	Table          *routing.Table
	Verifier       *auth.Verifier
	Engine         *ratelimit.Engine
	Breakers       *circuitbreaker.Registry
	Supervisor     *health.Supervisor
	Dispatcher     *proxy.Dispatcher
	Sink           *logsink.Sink
	Collector      *metrics.Collector
	AdminHandler   http.Handler
	AdminPrefix    string
	BreakerEnabled bool
}

// New creates the pipeline.
func New(cfg Config) *Gateway {
	return &Gateway{
		table:          cfg.Table,
		verifier:       cfg.Verifier,
		engine:         cfg.Engine,
		breakers:       cfg.Breakers,
		supervisor:     cfg.Supervisor,
		dispatcher:     cfg.Dispatcher,
		sink:           cfg.Sink,
		collector:      cfg.Collector,
		adminHandler:   cfg.AdminHandler,
		adminPrefix:    cfg.AdminPrefix,
		breakerEnabled: cfg.BreakerEnabled,
	}
}

// ServeHTTP runs the pipeline for one request. The request-id middleware has
// already seeded the pooled context.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rc := reqctx.FromRequest(r)

	// Management plane short-circuits the data-plane gates.
	if g.adminPrefix != "" && strings.HasPrefix(r.URL.Path, g.adminPrefix) {
		g.adminHandler.ServeHTTP(w, r)
		return
	}

	// Step 3: route resolution.
	route, err := g.table.Resolve(r.URL.Path, r.Method)
	if err != nil {
		var mna *routing.MethodNotAllowedError
		switch {
		case errors.As(err, &mna):
			w.Header().Set("Allow", strings.Join(mna.Allowed, ", "))
			g.deny(w, r, rc, gwerrors.ErrMethodNotAllowed.WithDetail("allowed", mna.Allowed), "method_not_allowed")
		default:
			g.deny(w, r, rc, gwerrors.ErrNotFound, "route_not_found")
		}
		return
	}
	rc.RouteID = route.ID
	rc.TargetService = route.TargetService

	// Step 4: authentication gate.
	if route.AuthRequired {
		identity, err := g.verifier.Verify(r.Context(), r.Header.Get("Authorization"))
		if err != nil {
			if auth.Denies401(err) {
				w.Header().Set("WWW-Authenticate", `Bearer realm="gateway"`)
				g.deny(w, r, rc, gwerrors.ErrUnauthorized.WithDetail("reason", err.Error()), "auth_failed:"+err.Error())
			} else {
				g.deny(w, r, rc, gwerrors.ErrAuthServiceUnavailable, "auth_unavailable")
			}
			return
		}
		rc.Identity = identity
	}

	// Step 5: rate-limit gate.
	verdict, err := g.engine.Evaluate(r.Context(), &ratelimit.Request{
		Path:     r.URL.Path,
		Method:   r.Method,
		UserID:   userID(rc),
		ClientIP: rc.ClientIP,
		RouteID:  route.ID,
	})
	if err != nil {
		g.deny(w, r, rc, gwerrors.ErrInternalServer, "rate_limit_error")
		return
	}
	if verdict.Applied {
		setRateLimitHeaders(w.Header(), verdict)
	}
	if !verdict.Allowed {
		w.Header().Set("Retry-After", strconv.Itoa(int(verdict.RetryAfter.Seconds())))
		g.collector.ObserveRateLimited(verdict.DeniedRule)
		g.deny(w, r, rc, gwerrors.ErrTooManyRequests, "rate_limited:"+verdict.DeniedRule)
		return
	}

	// Step 6: breaker gate. No dispatch is attempted past an open breaker.
	gateBreaker := g.breakerEnabled && route.CircuitBreakerEnabled
	if gateBreaker && !g.breakers.Allow(route.TargetService) {
		g.deny(w, r, rc, gwerrors.ErrCircuitOpen, "circuit_open")
		return
	}

	// Step 7: dispatch, under the admission deadline.
	ctx, cancel := context.WithTimeout(r.Context(), admissionBudget(route))
	defer cancel()

	outcome := g.dispatcher.Dispatch(w, r.WithContext(ctx), route, rc)

	// Step 8: report and log.
	if gateBreaker {
		switch {
		case !outcome.BreakerRelevant():
			// Neither success nor failure; free a half-open probe slot.
			g.breakers.ReleaseProbe(route.TargetService)
		case outcome.Failure():
			g.breakers.RecordFailure(route.TargetService)
		default:
			g.breakers.RecordSuccess(route.TargetService)
		}
		g.collector.SetBreakerState(route.TargetService, int(g.breakers.State(route.TargetService)))
	}
	if outcome.BreakerRelevant() {
		g.supervisor.Observe(route.TargetService, !outcome.Failure(), rc.UpstreamResponseTime)
	}

	switch outcome.Class {
	case proxy.ClassSuccess, proxy.ClassUpstreamErr:
		g.finish(r, rc, "")
	case proxy.ClassTimeout:
		rc.Status = http.StatusGatewayTimeout
		gwerrors.ErrGatewayTimeout.WithRequestID(rc.RequestID).WriteJSON(w)
		g.finish(r, rc, "upstream_timeout")
	case proxy.ClassConnectError:
		rc.Status = http.StatusBadGateway
		gwerrors.ErrBadGateway.WithRequestID(rc.RequestID).WriteJSON(w)
		g.finish(r, rc, "upstream_connect_error")
	case proxy.ClassCanceled:
		rc.Status = StatusClientClosed
		g.finish(r, rc, "client_closed")
	}
}

// admissionBudget is the whole-request deadline computed at admission.
func admissionBudget(route *routing.Route) time.Duration {
	timeout := route.Timeout()
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return timeout*time.Duration(route.RetryCount+1) + deadlineSlack
}

// deny renders an error response and emits the request's log record. Every
// error path flows through here so no request goes unlogged.
func (g *Gateway) deny(w http.ResponseWriter, r *http.Request, rc *reqctx.Context, ge *gwerrors.GatewayError, errMsg string) {
	rc.Status = ge.Status
	ge.WithRequestID(rc.RequestID).WriteJSON(w)
	g.finish(r, rc, errMsg)
}

// finish emits the one log record for the request and the metrics sample.
func (g *Gateway) finish(r *http.Request, rc *reqctx.Context, errMsg string) {
	elapsed := time.Since(rc.Start)

	g.collector.ObserveRequest(rc.TargetService, r.Method, rc.Status, elapsed)

	g.sink.Enqueue(&logsink.Record{
		RequestID:      rc.RequestID,
		Method:         r.Method,
		Path:           r.URL.Path,
		MatchedRouteID: rc.RouteID,
		TargetService:  rc.TargetService,
		UserID:         userID(rc),
		ClientIP:       rc.ClientIP,
		StatusCode:     rc.Status,
		ResponseTimeMS: elapsed.Milliseconds(),
		ErrorMessage:   errMsg,
		CreatedAt:      time.Now().UTC(),
	})

	if rc.Status >= 500 || rc.Status == 0 {
		logging.Warn("request failed",
			zap.String("request_id", rc.RequestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rc.Status),
			zap.String("service", rc.TargetService),
			zap.String("error", errMsg),
		)
	} else {
		logging.Debug("request",
			zap.String("request_id", rc.RequestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rc.Status),
			zap.Duration("elapsed", elapsed),
		)
	}
}

func userID(rc *reqctx.Context) string {
	if rc.Identity != nil {
		return rc.Identity.UserID
	}
	return ""
}

func setRateLimitHeaders(h http.Header, v *ratelimit.Verdict) {
	h.Set("X-RateLimit-Limit", strconv.Itoa(v.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(v.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(v.Reset.Unix(), 10))
}
