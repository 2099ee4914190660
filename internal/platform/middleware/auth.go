package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
)

// TokenValidator checks a bearer token and returns the claims carried in it.
type TokenValidator interface {
	ValidateToken(tokenString string) (*TokenClaims, error)
}

// TokenClaims represents the claims we expect from the token validator.
type TokenClaims struct {
	SupervisorID string
	Email        string
}

type contextKeySupervisorID struct{}
type contextKeyEmail struct{}

var (
	ContextKeySupervisorID = contextKeySupervisorID{}
	ContextKeyEmail        = contextKeyEmail{}
)

// GetSupervisorID retrieves the authenticated supervisor ID from the context.
func GetSupervisorID(ctx context.Context) string {
	id, ok := ctx.Value(ContextKeySupervisorID).(string)
	if !ok {
		return ""
	}
	return id
}

// GetEmail retrieves the authenticated supervisor email from the context.
func GetEmail(ctx context.Context) string {
	email, ok := ctx.Value(ContextKeyEmail).(string)
	if !ok {
		return ""
	}
	return email
}

// RequireAuth guards supervisor routes with bearer token validation.
func RequireAuth(validator TokenValidator, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			const bearerPrefix = "Bearer "

			token, ok := strings.CutPrefix(authHeader, bearerPrefix)
			if !ok {
				logger.WarnContext(r.Context(), "unauthorized access - missing token")
				writeUnauthorized(w, "Missing or invalid Authorization header")
				return
			}

			claims, err := validator.ValidateToken(token)
			if err != nil {
				logger.WarnContext(r.Context(), "unauthorized access - invalid token", "error", err)
				writeUnauthorized(w, "Invalid or expired token")
				return
			}

			ctx := r.Context()
			ctx = context.WithValue(ctx, ContextKeySupervisorID, claims.SupervisorID)
			ctx = context.WithValue(ctx, ContextKeyEmail, claims.Email)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func writeUnauthorized(w http.ResponseWriter, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"unauthorized","error_description":"` + description + `"}`))
}
