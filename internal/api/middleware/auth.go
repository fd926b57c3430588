package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tasktrust/escrow-ledger/internal/api/problem"
)

// The identity layer is deliberately thin: the token is issued and
// managed elsewhere, and all the escrow core ever sees is the opaque
// account id carried in the claims.

var jwtSecret []byte
var jwtIssuer string
var jwtAudience string

type identityClaims struct {
	AccountID string `json:"account_id"`
	jwt.RegisteredClaims
}

func SetJWTSecret(secret string) {
	if secret == "" {
		return
	}
	jwtSecret = []byte(secret)
}

func SetJWTValidation(issuer, audience string) {
	jwtIssuer = strings.TrimSpace(issuer)
	jwtAudience = strings.TrimSpace(audience)
}

// IdentityMiddleware validates the bearer token and injects the caller's
// account id into the context.
func IdentityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" || !strings.HasPrefix(authHeader, "Bearer ") {
			problem.Write(w, r, http.StatusUnauthorized, problem.Type("auth/missing-token"),
				http.StatusText(http.StatusUnauthorized), "missing bearer token")
			return
		}

		tokenStr := strings.TrimPrefix(authHeader, "Bearer ")
		claims := &identityClaims{}
		opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256"})}
		if jwtIssuer != "" {
			opts = append(opts, jwt.WithIssuer(jwtIssuer))
		}
		if jwtAudience != "" {
			opts = append(opts, jwt.WithAudience(jwtAudience))
		}

		token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
			if len(jwtSecret) == 0 {
				return nil, fmt.Errorf("jwt secret not configured")
			}
			return jwtSecret, nil
		}, opts...)
		if err != nil || !token.Valid || claims.AccountID == "" {
			problem.Write(w, r, http.StatusUnauthorized, problem.Type("auth/invalid-token"),
				http.StatusText(http.StatusUnauthorized), "invalid bearer token")
			return
		}

		ctx := context.WithValue(r.Context(), accountContextKey, claims.AccountID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// AccountIDFromContext returns the authenticated caller's opaque account
// id, or empty string.
func AccountIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(accountContextKey).(string); ok {
		return v
	}
	return ""
}
