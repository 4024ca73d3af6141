// Package auth resolves the caller's identity from a bearer token.
// Session issuance lives outside this service; tokens are only verified here.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingToken = errors.New("auth: missing bearer token")
	ErrInvalidToken = errors.New("auth: invalid token")
	ErrForbidden    = errors.New("auth: admin role required")
)

// Identity is the authenticated user and the operator they belong to.
// Admin marks operator back-office sessions.
type Identity struct {
	UserID     string
	OperatorID string
	Admin      bool
}

// Resolver maps a session token to an identity.
type Resolver interface {
	Resolve(token string) (Identity, error)
}

// Claims are the JWT claims issued by the operator platform. The subject is
// the user id.
type Claims struct {
	Operator string `json:"op"`
	Admin    bool   `json:"adm,omitempty"`
	jwt.RegisteredClaims
}

// JWTResolver verifies HS256 tokens.
type JWTResolver struct {
	secret []byte
	issuer string
}

// NewJWTResolver creates a resolver. An empty issuer accepts any issuer.
func NewJWTResolver(secret []byte, issuer string) *JWTResolver {
	return &JWTResolver{secret: secret, issuer: issuer}
}

func (r *JWTResolver) Resolve(token string) (Identity, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("invalid signing method")
		}
		return r.secret, nil
	})
	if err != nil {
		return Identity{}, errors.Join(ErrInvalidToken, err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return Identity{}, ErrInvalidToken
	}
	if r.issuer != "" && claims.Issuer != r.issuer {
		return Identity{}, errors.Join(ErrInvalidToken, errors.New("invalid issuer"))
	}
	if claims.Subject == "" || claims.Operator == "" {
		return Identity{}, errors.Join(ErrInvalidToken, errors.New("missing subject or operator"))
	}
	return Identity{UserID: claims.Subject, OperatorID: claims.Operator, Admin: claims.Admin}, nil
}

// Sign issues a token for id. Used by tests and local tooling.
func (r *JWTResolver) Sign(id Identity, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := Claims{
		Operator: id.OperatorID,
		Admin:    id.Admin,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    r.issuer,
			Subject:   id.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(r.secret)
}

type ctxKey string

const identityKey ctxKey = "identity"

// Middleware rejects requests without a valid bearer token and stores the
// identity in the request context. Browsers cannot set headers on a
// WebSocket upgrade, so a "token" query parameter is accepted as well.
func Middleware(res Resolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := bearer(r)
			if err != nil {
				unauthorized(w, err)
				return
			}
			id, err := res.Resolve(token)
			if err != nil {
				unauthorized(w, ErrInvalidToken)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

// RequireAdmin rejects callers whose identity lacks the admin role. It must
// run after Middleware.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := FromContext(r.Context())
		if !ok {
			unauthorized(w, ErrMissingToken)
			return
		}
		if !id.Admin {
			writeError(w, http.StatusForbidden, ErrForbidden, "forbidden")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// WithIdentity returns a context carrying id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// FromContext returns the identity stored by Middleware.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	return id, ok
}

func bearer(r *http.Request) (string, error) {
	authz := r.Header.Get("Authorization")
	if authz == "" {
		if t := r.URL.Query().Get("token"); t != "" {
			return t, nil
		}
		return "", ErrMissingToken
	}
	parts := strings.SplitN(authz, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" || parts[1] == "" {
		return "", ErrMissingToken
	}
	return parts[1], nil
}

func unauthorized(w http.ResponseWriter, err error) {
	writeError(w, http.StatusUnauthorized, err, "unauthorized")
}

func writeError(w http.ResponseWriter, status int, err error, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error(), "code": code})
}
