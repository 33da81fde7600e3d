package gate

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrUnauthenticated = errors.New("gate: unauthenticated")

// Principal is the authenticated caller. UserID is the JWT subject.
type Principal struct {
	UserID    string
	ExpiresAt time.Time
}

type principalKey struct{}

// PrincipalFrom returns the principal attached by RequireAuth.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// Verifier validates HS256 bearer tokens minted by the platform's account service.
type Verifier struct {
	secret   []byte
	issuer   string
	audience string
	parser   *jwt.Parser
}

// NewVerifier builds a Verifier from a validated Config.
func NewVerifier(cfg Config) (*Verifier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	secret := make([]byte, len(cfg.JWTSecret))
	copy(secret, cfg.JWTSecret)
	return &Verifier{
		secret:   secret,
		issuer:   cfg.JWTIssuer,
		audience: cfg.JWTAudience,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithIssuer(cfg.JWTIssuer),
			jwt.WithAudience(cfg.JWTAudience),
			jwt.WithExpirationRequired(),
			jwt.WithIssuedAt(),
			jwt.WithLeeway(cfg.JWTLeeway),
		),
	}, nil
}

// Verify parses and validates token.
func (v *Verifier) Verify(token string) (Principal, error) {
	if v == nil {
		return Principal{}, ErrUnauthenticated
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return Principal{}, ErrUnauthenticated
	}
	claims := &jwt.RegisteredClaims{}
	if _, err := v.parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}); err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	sub := strings.TrimSpace(claims.Subject)
	if sub == "" || len(sub) > 128 {
		return Principal{}, fmt.Errorf("%w: subject", ErrUnauthenticated)
	}
	p := Principal{UserID: sub}
	if claims.ExpiresAt != nil {
		p.ExpiresAt = claims.ExpiresAt.Time.UTC()
	}
	return p, nil
}

// UserFromToken lets the websocket gateway share this verifier.
func (v *Verifier) UserFromToken(token string) (string, error) {
	p, err := v.Verify(token)
	if err != nil {
		return "", err
	}
	return p.UserID, nil
}

// Mint signs a token for userID. Used by tests and local tooling.
func (v *Verifier) Mint(userID string, now time.Time, ttl time.Duration) (string, error) {
	if v == nil {
		return "", ErrUnauthenticated
	}
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		Issuer:    v.issuer,
		Audience:  jwt.ClaimStrings{v.audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// RequireAuth rejects requests without a valid bearer token.
func (h *Handler) RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
			return
		}
		p, err := h.verifier.Verify(token)
		if err != nil {
			h.log.Debug("gate.auth.reject", "err", err)
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
			return
		}
		next(w, r.WithContext(withPrincipal(r.Context(), p)))
	}
}

func bearerToken(r *http.Request) string {
	raw := strings.TrimSpace(r.Header.Get("Authorization"))
	if raw == "" {
		return ""
	}
	parts := strings.SplitN(raw, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
