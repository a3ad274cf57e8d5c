package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"
)

var (
	errMissingToken = errors.New("no bearer token")
	errInvalidToken = errors.New("invalid token")
)

// RequireToken returns middleware that checks the bearer token in the
// Authorization header against expected. WebSocket upgrades may pass the token
// in the "token" query parameter instead, since browsers cannot set headers on
// them. An empty expected token disables the check.
func RequireToken(expected string, logger *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if expected == "" {
				next.ServeHTTP(w, r)
				return
			}

			token, err := extractToken(r)
			if err == nil {
				err = ValidateToken(token, expected)
			}
			if err != nil {
				if logger != nil {
					logger.WithFields(logrus.Fields{
						"path":   r.URL.Path,
						"remote": r.RemoteAddr,
					}).WithError(err).Debug("Rejected unauthenticated request")
				}
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// extractToken reads "Bearer <token>" (scheme is case-insensitive), falling
// back to the token query parameter on WebSocket upgrades.
func extractToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
			if token := strings.TrimSpace(r.URL.Query().Get("token")); token != "" {
				return token, nil
			}
		}
		return "", errMissingToken
	}

	fields := strings.Fields(header)
	if len(fields) != 2 || !strings.EqualFold(fields[0], "Bearer") {
		return "", errMissingToken
	}
	return fields[1], nil
}

// ValidateToken compares token with expected in constant time.
func ValidateToken(token, expected string) error {
	if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
		return errInvalidToken
	}
	return nil
}
