package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	apperrors "github.com/3leaps/stanwasm/internal/errors"
)

// BearerAuth requires "Authorization: Bearer <token>". An empty token
// rejects every request.
func BearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if msg, ok := checkBearer(r.Header.Get("Authorization"), token); !ok {
				apperrors.WriteError(w, r, http.StatusUnauthorized, apperrors.CodeUnauthorized, msg, nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func checkBearer(header, token string) (string, bool) {
	if token == "" {
		return "authentication is not configured", false
	}
	if header == "" {
		return "passcode not provided", false
	}
	scheme, given, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "invalid authorization header", false
	}
	if subtle.ConstantTimeCompare([]byte(strings.TrimSpace(given)), []byte(token)) != 1 {
		return "invalid passcode", false
	}
	return "", true
}
