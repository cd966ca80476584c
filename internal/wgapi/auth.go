package wgapi

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"visco/internal/models"
)

// BearerAuth — Authorization: Bearer <token>. Пустой токен запрещает всё:
// config.validate не даёт стартовать без него.
func BearerAuth(token string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			const p = "Bearer "
			auth := r.Header.Get("Authorization")
			got := strings.TrimPrefix(auth, p)
			if token == "" || !strings.HasPrefix(auth, p) ||
				subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				w.Header().Set("WWW-Authenticate", `Bearer realm="visco"`)
				models.WriteRequestProblem(w, r, http.StatusUnauthorized, "missing or invalid bearer token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
