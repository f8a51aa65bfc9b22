package middleware

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

type operatorContextKey string

const providerIDKey operatorContextKey = "provider_id"

// operatorTokenTTL is the lifetime of an operator dashboard session token.
const operatorTokenTTL = 24 * time.Hour

// OperatorClaims holds the JWT claims for an authenticated operator
// dashboard session, scoped to the provider the operator works for.
type OperatorClaims struct {
	ProviderID string `json:"provider_id"`
	jwt.RegisteredClaims
}

// GenerateOperatorToken creates a signed JWT for an operator dashboard
// session, scoped to providerID.
func GenerateOperatorToken(secret []byte, providerID string) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(operatorTokenTTL)

	claims := OperatorClaims{
		ProviderID: providerID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			Issuer:    "callengine",
			Subject:   providerID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", time.Time{}, err
	}

	return signed, expiresAt, nil
}

// RequireOperatorAuth returns middleware that validates JWT bearer tokens
// for operator dashboard endpoints. On success it stores the caller's
// provider ID in the request context.
func RequireOperatorAuth(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeAuthError(w, http.StatusUnauthorized, "authentication required")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
				writeAuthError(w, http.StatusUnauthorized, "invalid authorization header")
				return
			}

			claims := &OperatorClaims{}
			token, err := jwt.ParseWithClaims(parts[1], claims, func(t *jwt.Token) (any, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, jwt.ErrSignatureInvalid
				}
				return secret, nil
			})
			if err != nil || !token.Valid {
				slog.Debug("operator auth: invalid jwt", "error", err)
				writeAuthError(w, http.StatusUnauthorized, "invalid or expired token")
				return
			}

			if claims.ProviderID == "" {
				writeAuthError(w, http.StatusUnauthorized, "invalid token claims")
				return
			}

			ctx := context.WithValue(r.Context(), providerIDKey, claims.ProviderID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ProviderIDFromContext retrieves the authenticated operator's provider ID
// from the request context. Returns "" if not set.
func ProviderIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(providerIDKey).(string)
	return id
}

func writeAuthError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorEnvelope{Error: msg}) //nolint:errcheck
}
