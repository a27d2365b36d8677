package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"

	"github.com/raterudder/sunwaysbridge/pkg/log"
)

// emailVerifier validates an ID token and returns the email it was issued
// for.
type emailVerifier func(ctx context.Context, rawIDToken string) (string, error)

func oidcEmailVerifier(v *oidc.IDTokenVerifier) emailVerifier {
	return func(ctx context.Context, rawIDToken string) (string, error) {
		idToken, err := v.Verify(ctx, rawIDToken)
		if err != nil {
			return "", err
		}
		var claims struct {
			Email string `json:"email"`
		}
		if err := idToken.Claims(&claims); err != nil {
			return "", fmt.Errorf("invalid oidc claims: %w", err)
		}
		if claims.Email == "" {
			return "", errors.New("id token has no email")
		}
		return claims.Email, nil
	}
}

func (s *Server) authConfigured() bool {
	return s.apiSecret != "" || s.verifyToken != nil
}

// authMiddleware guards the API. With a secret or an OIDC audience configured
// every request needs a matching bearer token. Without either only loopback
// clients are let through.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		ctx = log.With(ctx, log.Ctx(ctx).With(slog.String("reqPath", r.URL.Path)))

		if !s.authConfigured() {
			if !isLoopback(r.RemoteAddr) {
				log.Ctx(ctx).WarnContext(ctx, "rejecting non-local request without auth configured", slog.String("remoteAddr", r.RemoteAddr))
				writeJSONError(w, "api is only available locally", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		authHeader := r.Header.Get("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			writeJSONError(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		token := strings.TrimPrefix(authHeader, "Bearer ")

		if s.apiSecret != "" && subtle.ConstantTimeCompare([]byte(token), []byte(s.apiSecret)) == 1 {
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}
		if s.verifyToken == nil {
			log.Ctx(ctx).WarnContext(ctx, "invalid api secret")
			writeJSONError(w, "invalid token", http.StatusUnauthorized)
			return
		}

		email, err := s.verifyToken(ctx, token)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "id token validation failed", slog.Any("error", err))
			writeJSONError(w, "invalid token", http.StatusUnauthorized)
			return
		}
		if !slices.Contains(s.adminEmails, email) {
			log.Ctx(ctx).WarnContext(ctx, "email not allowed", slog.String("email", email))
			writeJSONError(w, "forbidden", http.StatusForbidden)
			return
		}
		ctx = log.With(ctx, log.Ctx(ctx).With(slog.String("email", email)))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
