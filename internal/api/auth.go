package api

import (
	"crypto/subtle"
	"net/http"

	"github.com/AaronLay10/SentientTrips/internal/config"
)

// authConfig holds the operator credentials.
type authConfig struct {
	user    string
	pass    string
	enabled bool
}

var auth *authConfig

// InitAuth configures operator basic auth from resolved secrets. With no
// credentials set, operator endpoints are open (dev-friendly).
func InitAuth(secrets *config.Secrets) {
	if secrets == nil {
		auth = &authConfig{}
		return
	}
	auth = &authConfig{
		user:    secrets.OperatorUser,
		pass:    secrets.OperatorPass,
		enabled: secrets.OperatorAuthEnabled(),
	}
}

// IsAuthEnabled returns true if authentication is configured.
func IsAuthEnabled() bool {
	return auth != nil && auth.enabled
}

// authenticate checks basic auth credentials.
func authenticate(r *http.Request) bool {
	if auth == nil || !auth.enabled {
		return true
	}

	user, pass, ok := r.BasicAuth()
	if !ok {
		return false
	}
	return secureCompare(user, auth.user) && secureCompare(pass, auth.pass)
}

// secureCompare performs constant-time string comparison to prevent timing attacks.
func secureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// requireAuth returns 401 Unauthorized with WWW-Authenticate header.
func requireAuth(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Basic realm="Sentient Trips"`)
	http.Error(w, "Unauthorized", http.StatusUnauthorized)
}

// RequireOperator wraps a handler with operator basic auth.
func RequireOperator(handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !authenticate(r) {
			requireAuth(w)
			return
		}
		handler(w, r)
	}
}
