package auth

import (
	"encoding/json"
	"net/http"
	"strings"
)

// TokenVerifier is satisfied by *Service.
type TokenVerifier interface {
	VerifyToken(token string) (Actor, error)
}

// Middleware rejects requests without a valid bearer token and stores the
// verified actor on the request context.
func Middleware(verifier TokenVerifier, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		token = strings.TrimSpace(token)
		if !ok || token == "" {
			unauthorized(w, "missing bearer token")
			return
		}

		actor, err := verifier.VerifyToken(token)
		if err != nil {
			unauthorized(w, "invalid token")
			return
		}

		next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
	})
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
