package security

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/noah-isme/ravenpos/internal/common"
)

// AdminToken guards operational endpoints with a static bearer token. An
// empty token disables the routes entirely.
type AdminToken struct {
	Token string
}

// Middleware rejects requests without a matching bearer token.
func (a AdminToken) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.Token == "" {
			common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "not found", nil)
			return
		}
		auth := strings.TrimSpace(r.Header.Get("Authorization"))
		if len(auth) < 7 || !strings.EqualFold(auth[:7], "bearer ") {
			common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing admin token", nil)
			return
		}
		if subtle.ConstantTimeCompare([]byte(strings.TrimSpace(auth[7:])), []byte(a.Token)) != 1 {
			common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid admin token", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}
