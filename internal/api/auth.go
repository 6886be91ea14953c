package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	sessionCookie = "bs_session"
	roleOperator  = "operator"
	roleDepositor = "depositor"
)

type ctxKey int

const callerKey ctxKey = iota

// identity is an authenticated caller.
type identity struct {
	ID   string
	Role string
}

func tokenEqual(a, b string) bool {
	return b != "" && subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	return strings.TrimPrefix(authHeader, "Bearer "), true
}

// tokenIdentity resolves a bearer token to the operator or to the account
// it was issued for.
func (c *Controller) tokenIdentity(r *http.Request) (identity, bool) {
	token, ok := bearerToken(r)
	if !ok {
		return identity{}, false
	}
	if tokenEqual(token, c.cfg.OperatorToken) {
		return identity{ID: c.cfg.OperatorID, Role: roleOperator}, true
	}
	for account, accountToken := range c.cfg.AccountTokens {
		if tokenEqual(token, accountToken) {
			return identity{ID: account, Role: roleDepositor}, true
		}
	}
	return identity{}, false
}

// sessionClaims returns the claims of a valid session cookie.
func (c *Controller) sessionClaims(r *http.Request) (jwt.MapClaims, bool) {
	if len(c.cfg.JWTSecret) == 0 {
		return nil, false
	}
	cookie, err := r.Cookie(sessionCookie)
	if err != nil {
		return nil, false
	}
	tok, err := jwt.Parse(cookie.Value, func(t *jwt.Token) (any, error) { return c.cfg.JWTSecret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !tok.Valid {
		return nil, false
	}
	claims, ok := tok.Claims.(jwt.MapClaims)
	return claims, ok
}

func (c *Controller) authenticate(r *http.Request) (identity, bool) {
	if id, ok := c.tokenIdentity(r); ok {
		return id, true
	}
	claims, ok := c.sessionClaims(r)
	if !ok {
		return identity{}, false
	}
	sub, _ := claims["sub"].(string)
	role, _ := claims["role"].(string)
	if sub == "" {
		return identity{}, false
	}
	return identity{ID: sub, Role: role}, true
}

// RequireOperator authenticates the caller and passes its operator identity
// on in the request context. The ledger still decides whether that identity
// holds the Operator capability.
func (c *Controller) RequireOperator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := c.authenticate(r)
		if !ok {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized"})
			return
		}
		if id.Role != roleOperator {
			writeJSON(w, http.StatusForbidden, errorBody{Error: "forbidden"})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), callerKey, id.ID)))
	})
}

// RequireCaller admits any authenticated caller. Account operations act on
// the caller's own account only.
func (c *Controller) RequireCaller(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := c.authenticate(r)
		if !ok {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized"})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), callerKey, id.ID)))
	})
}

func callerFrom(ctx context.Context) string {
	caller, _ := ctx.Value(callerKey).(string)
	return caller
}

// HandleSession exchanges an operator or account token for a session cookie.
func (c *Controller) HandleSession(w http.ResponseWriter, r *http.Request) {
	id, ok := c.tokenIdentity(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized"})
		return
	}
	if len(c.cfg.JWTSecret) == 0 {
		writeJSON(w, http.StatusNotImplemented, errorBody{Error: "sessions are not configured"})
		return
	}
	ss, err := c.issueSession(id)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error()})
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    ss,
		Path:     "/",
		HttpOnly: true,
		Secure:   c.cfg.SecureCookie,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   int(c.cfg.SessionTTL.Seconds()),
	})
	writeJSON(w, http.StatusOK, map[string]string{"caller": id.ID, "role": id.Role})
}

func (c *Controller) issueSession(id identity) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  id.ID,
		"role": id.Role,
		"exp":  now.Add(c.cfg.SessionTTL).Unix(),
		"iat":  now.Unix(),
	})
	return token.SignedString(c.cfg.JWTSecret)
}
