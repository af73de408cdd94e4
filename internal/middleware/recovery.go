package middleware

import (
	"net/http"
	"runtime/debug"

	"go.uber.org/zap"

	"github.com/prismgate/gateway/internal/errors"
	"github.com/prismgate/gateway/internal/logging"
	"github.com/prismgate/gateway/internal/reqctx"
)

// Recovery turns panics into uniform 500 responses. The stack goes to the
// log; the client sees only the opaque envelope.
func Recovery() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					requestID := ""
					if rc := reqctx.FromRequest(r); rc != nil {
						requestID = rc.RequestID
					}
					logging.Error("panic recovered",
						zap.Any("error", rec),
						zap.String("request_id", requestID),
						zap.ByteString("stack", debug.Stack()),
					)
					errors.ErrInternalServer.WithRequestID(requestID).WriteJSON(w)
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
