package middleware

import (
	"context"
	"net/http"
	"strings"

	"keysync/internal/auth"
	"keysync/internal/utils"
)

// ContextKey defines the type for context keys to avoid conflicts
type ContextKey string

// ServiceClaimsKey holds the caller's *auth.ServiceClaims
const ServiceClaimsKey ContextKey = "serviceClaims"

// ServiceJWTMiddleware requires a valid "Authorization: Bearer <jwt>" header
// signed with secret.
func ServiceJWTMiddleware(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				utils.RespondWithError(w, http.StatusUnauthorized, "Missing authentication token")
				return
			}

			tokenString, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || tokenString == "" {
				utils.RespondWithError(w, http.StatusUnauthorized, "Authorization header must be a Bearer token")
				return
			}

			claims, err := auth.ValidateServiceToken(tokenString, secret)
			if err != nil {
				utils.RespondWithError(w, http.StatusUnauthorized, "Invalid or expired token")
				return
			}

			ctx := context.WithValue(r.Context(), ServiceClaimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetServiceClaims retrieves the caller's claims from the request context
func GetServiceClaims(ctx context.Context) (*auth.ServiceClaims, bool) {
	claims, ok := ctx.Value(ServiceClaimsKey).(*auth.ServiceClaims)
	return claims, ok
}
