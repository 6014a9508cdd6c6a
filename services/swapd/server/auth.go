package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

// AuthConfig configures HMAC bearer token verification.
type AuthConfig struct {
	HMACSecret string
	Issuer     string
	Audience   string
	ClockSkew  time.Duration
	// Optional disables token checks. The caller is then taken from the
	// X-Swap-Caller header.
	Optional bool
}

// CallerHeader names the caller when authentication is optional.
const CallerHeader = "X-Swap-Caller"

// Principal describes an authenticated caller. Principals maps chain names to
// the identity the caller uses on that chain; Subject is used for chains
// without an entry.
type Principal struct {
	Subject    string
	Principals map[string]string
	Method     string
}

// On returns the caller identity on chain.
func (p *Principal) On(chain string) string {
	if p == nil {
		return ""
	}
	if id, ok := p.Principals[chain]; ok && id != "" {
		return id
	}
	return p.Subject
}

type principalContextKey struct{}

// PrincipalFromContext extracts the authenticated principal from the request context.
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	if ctx == nil {
		return nil, false
	}
	principal, ok := ctx.Value(principalContextKey{}).(*Principal)
	if !ok || principal == nil {
		return nil, false
	}
	return principal, true
}

// WithPrincipal stores p on ctx.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, p)
}

// Authenticator verifies requests before they reach handlers.
type Authenticator struct {
	cfg    AuthConfig
	secret []byte
	logger *slog.Logger
}

// NewAuthenticator constructs an authenticator from configuration.
func NewAuthenticator(cfg AuthConfig, logger *slog.Logger) (*Authenticator, error) {
	secret := strings.TrimSpace(cfg.HMACSecret)
	if secret == "" && !cfg.Optional {
		return nil, fmt.Errorf("hmac secret must be configured")
	}
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = 2 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Authenticator{cfg: cfg, secret: []byte(secret), logger: logger}, nil
}

// Middleware enforces authentication.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a == nil {
			writeJSONError(w, http.StatusInternalServerError, "authentication unavailable", "Internal", "")
			return
		}
		principal, err := a.authenticate(r)
		if err != nil {
			a.logger.Debug("swapd: authentication failed", "path", r.URL.Path, "error", err)
			writeJSONError(w, http.StatusUnauthorized, "authentication required", "Unauthenticated", "")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
	})
}

func (a *Authenticator) authenticate(r *http.Request) (*Principal, error) {
	token := parseBearerToken(r.Header.Get("Authorization"))
	if token == "" {
		if a.cfg.Optional {
			caller := strings.TrimSpace(r.Header.Get(CallerHeader))
			if caller == "" {
				caller = "anonymous"
			}
			return &Principal{Subject: caller, Method: "header"}, nil
		}
		return nil, errors.New("missing bearer token")
	}
	if len(a.secret) == 0 {
		return nil, errors.New("auth secret not configured")
	}
	claims, err := a.parseToken(token)
	if err != nil {
		return nil, err
	}
	return principalFromClaims(claims)
}

func (a *Authenticator) parseToken(tokenString string) (jwt.MapClaims, error) {
	opts := []jwt.ParserOption{jwt.WithLeeway(a.cfg.ClockSkew), jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"})}
	if a.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.cfg.Issuer))
	}
	if a.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(a.cfg.Audience))
	}
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("token invalid")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("claims not map")
	}
	return claims, nil
}

func principalFromClaims(claims jwt.MapClaims) (*Principal, error) {
	sub, _ := claims["sub"].(string)
	p := &Principal{Subject: strings.TrimSpace(sub), Method: "bearer"}
	if raw, ok := claims["principals"].(map[string]interface{}); ok {
		p.Principals = make(map[string]string, len(raw))
		for chain, v := range raw {
			if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
				p.Principals[chain] = strings.TrimSpace(s)
			}
		}
	}
	if p.Subject == "" && len(p.Principals) == 0 {
		return nil, errors.New("token carries no subject")
	}
	return p, nil
}

func parseBearerToken(header string) string {
	trimmed := strings.TrimSpace(header)
	if trimmed == "" {
		return ""
	}
	parts := strings.SplitN(trimmed, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(strings.TrimSpace(parts[0]), "bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
