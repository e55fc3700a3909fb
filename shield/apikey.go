package shield

import (
	"crypto/sha256"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// APIKey returns middleware requiring "Authorization: Bearer <key>" where
// key matches the bcrypt hash. Paths under any exempt prefix pass. "/" is
// exempt only as an exact match.
//
// Accepted keys are remembered by digest so bcrypt runs once per key.
func APIKey(hash string, exempt ...string) func(http.Handler) http.Handler {
	var accepted sync.Map // [32]byte -> struct{}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/" || exemptPath(r.URL.Path, exempt) {
				next.ServeHTTP(w, r)
				return
			}
			key, ok := bearer(r)
			if !ok {
				WriteError(w, http.StatusUnauthorized, "invalid_request_error", "missing_api_key", "missing bearer API key")
				return
			}
			sum := sha256.Sum256([]byte(key))
			if _, hit := accepted.Load(sum); !hit {
				if bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)) != nil {
					GetLogger(r.Context()).Warn("apikey: rejected", "ip", ExtractIP(r))
					WriteError(w, http.StatusUnauthorized, "invalid_request_error", "invalid_api_key", "invalid API key")
					return
				}
				accepted.Store(sum, struct{}{})
			}
			next.ServeHTTP(w, r)
		})
	}
}

// HashAPIKey returns the bcrypt hash to configure for key.
func HashAPIKey(key string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	return string(h), err
}

func bearer(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(h[len(prefix):]), true
}

func exemptPath(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}
