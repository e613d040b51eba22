package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/warp/reward-ledger/rewards"
)

// CallerHeader is set by the authenticating gateway in front of this service.
const CallerHeader = "X-User-ID"

type callerKey struct{}

// CallerIdentity copies the gateway-supplied caller id into the request
// context. Requests without it pass through; handlers that need a caller
// answer 401.
func CallerIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := strings.TrimSpace(r.Header.Get(CallerHeader)); id != "" {
			r = r.WithContext(WithCaller(r.Context(), rewards.UserID(id)))
		}
		next.ServeHTTP(w, r)
	})
}

func WithCaller(ctx context.Context, id rewards.UserID) context.Context {
	return context.WithValue(ctx, callerKey{}, id)
}

func CallerFrom(ctx context.Context) (rewards.UserID, bool) {
	id, ok := ctx.Value(callerKey{}).(rewards.UserID)
	return id, ok && id != ""
}
