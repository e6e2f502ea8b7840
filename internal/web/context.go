package web

import (
	"net/http"

	"github.com/JonMunkholm/accountops/internal/core"
	mw "github.com/JonMunkholm/accountops/internal/web/middleware"
)

// withRequestMeta records who is calling, for audit entries of the runs the
// request starts.
func withRequestMeta(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := core.ContextWithRequestMeta(r.Context(), core.RequestMeta{
			Actor:     mw.ActorFromContext(r.Context()),
			IPAddress: mw.ClientIP(r), // already resolved by TrustedRealIP
			UserAgent: r.UserAgent(),
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
