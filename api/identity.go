package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/warp/procurement-engine/budget"
)

// Authentication happens upstream. The gateway forwards the acting user in
// these headers and the engine records it on every audit row.
const (
	HeaderUserID   = "X-User-Id"
	HeaderUserName = "X-User-Name"
	HeaderUserRole = "X-User-Role"
)

type contextKey string

const actorKey contextKey = "actor"

// Identity copies the forwarded user into the request context.
func Identity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(HeaderUserID))
		if id == "" {
			next.ServeHTTP(w, r)
			return
		}
		actor := budget.Actor{
			ID:   id,
			Name: strings.TrimSpace(r.Header.Get(HeaderUserName)),
			Role: strings.ToLower(strings.TrimSpace(r.Header.Get(HeaderUserRole))),
		}
		next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
	})
}

// RequireActor rejects requests that arrive without a forwarded user.
func RequireActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := ActorFrom(r.Context()); !ok {
			writeError(w, http.StatusUnauthorized, "Missing "+HeaderUserID+" header", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func WithActor(ctx context.Context, a budget.Actor) context.Context {
	return context.WithValue(ctx, actorKey, a)
}

func ActorFrom(ctx context.Context) (budget.Actor, bool) {
	a, ok := ctx.Value(actorKey).(budget.Actor)
	return a, ok
}
