package proxy

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// AuthMiddleware requires a Bearer token matching token, compared in
// constant time. A missing token gets 401 and a wrong one 403, both in the
// gateway's error envelope.
func AuthMiddleware(token string) func(http.Handler) http.Handler {
	want := []byte(token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || got == "" {
				w.Header().Set("WWW-Authenticate", "Bearer")
				writeAPIError(w, http.StatusUnauthorized, "authentication_required", "missing bearer token", nil)
				return
			}
			if subtle.ConstantTimeCompare([]byte(got), want) != 1 {
				writeAPIError(w, http.StatusForbidden, "invalid_token", "invalid bearer token", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
