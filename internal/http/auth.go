package http

import (
	"context"
	"net/http"
	"strings"

	. "chatrelay/internal/logging"
	"chatrelay/internal/store"
)

// contextKey is used for storing values in request context
type contextKey string

const userContextKey contextKey = "user"

// bearerAuth resolves the Authorization bearer token to a user. Failed
// attempts are rate limited per client IP.
func (s *Server) bearerAuth(handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		clientIP := getClientIP(r)

		if s.rateLimiter.IsLimited(clientIP) {
			L_warn("http: rate limited", "ip", clientIP)
			writeError(w, http.StatusTooManyRequests, "too many failed attempts, try again later")
			return
		}

		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "authorization required")
			return
		}

		u, err := s.store.UserByToken(r.Context(), token)
		if err != nil {
			s.rateLimiter.RecordFailure(clientIP)
			L_warn("http: auth failed", "ip", clientIP, "error", err)
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		s.rateLimiter.ClearFailure(clientIP)

		r = r.WithContext(setUserInContext(r.Context(), u))
		handler(w, r)
	}
}

func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) <= len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(auth[len(prefix):]), true
}

// getClientIP extracts the client IP from the request
func getClientIP(r *http.Request) string {
	// Check X-Forwarded-For first (if behind reverse proxy)
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return xff
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	return r.RemoteAddr
}

// getUserFromContext retrieves the authenticated user from request context
func getUserFromContext(r *http.Request) *store.User {
	if u, ok := r.Context().Value(userContextKey).(*store.User); ok {
		return u
	}
	return nil
}

func setUserInContext(ctx context.Context, u *store.User) context.Context {
	return context.WithValue(ctx, userContextKey, u)
}
