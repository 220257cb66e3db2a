package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"

	"ledgerbridge/core/types"
)

type contextKey string

const contextKeyPrincipal contextKey = "principal"

// Accounts resolves a username to its unlocked signing account.
type Accounts interface {
	Lookup(username string) (types.Account, bool)
}

// Principal is the authenticated caller of a request.
type Principal struct {
	Username string
	Account  types.Account
}

// PrincipalFromContext returns the principal stored by the authenticator.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(contextKeyPrincipal).(Principal)
	return p, ok
}

// Authenticator verifies HS256 bearer tokens. The token subject names the
// acting user.
type Authenticator struct {
	secret   []byte
	issuer   string
	accounts Accounts
	now      func() time.Time
}

// NewAuthenticator constructs an authenticator for the shared secret.
func NewAuthenticator(secret, issuer string, accounts Accounts) (*Authenticator, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("jwt secret required")
	}
	if accounts == nil {
		return nil, errors.New("accounts required")
	}
	return &Authenticator{
		secret:   []byte(secret),
		issuer:   strings.TrimSpace(issuer),
		accounts: accounts,
		now:      time.Now,
	}, nil
}

// Subject verifies token and returns its subject.
func (a *Authenticator) Subject(token string) (string, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(func() time.Time { return a.now() }),
		jwt.WithLeeway(30 * time.Second),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	claims := jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return "", err
	}
	if !parsed.Valid {
		return "", errors.New("token validation failed")
	}
	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		return "", errors.New("token subject missing")
	}
	return subject, nil
}

// Middleware rejects requests without a valid bearer token for a configured
// account and stores the principal on the request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := strings.TrimSpace(r.Header.Get("Authorization"))
		if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
			writeUnauthorized(w, "missing bearer token")
			return
		}
		subject, err := a.Subject(strings.TrimSpace(header[7:]))
		if err != nil {
			writeUnauthorized(w, "invalid bearer token")
			return
		}
		account, ok := a.accounts.Lookup(subject)
		if !ok {
			writeUnauthorized(w, "no account configured for subject")
			return
		}
		ctx := context.WithValue(r.Context(), contextKeyPrincipal, Principal{Username: subject, Account: account})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// SubmitLimiter throttles submissions per username.
type SubmitLimiter struct {
	perSecond float64
	burst     int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewSubmitLimiter returns a limiter allowing perSecond submissions with the
// given burst for each user. A non-positive rate disables throttling.
func NewSubmitLimiter(perSecond float64, burst int) *SubmitLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &SubmitLimiter{perSecond: perSecond, burst: burst, limiters: make(map[string]*rate.Limiter)}
}

// Allow reports whether username may submit now.
func (l *SubmitLimiter) Allow(username string) bool {
	if l == nil || l.perSecond <= 0 {
		return true
	}
	l.mu.Lock()
	limiter, ok := l.limiters[username]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(l.perSecond), l.burst)
		l.limiters[username] = limiter
	}
	l.mu.Unlock()
	return limiter.Allow()
}

// Middleware rejects submissions over the per-user budget with 429.
func (l *SubmitLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, _ := PrincipalFromContext(r.Context())
		if !l.Allow(principal.Username) {
			w.Header().Set("Retry-After", "1")
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
