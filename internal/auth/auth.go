// Package auth provides the optional admin session guarding state-changing
// endpoints. With no admin password configured every request passes.
package auth

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/smartprobe/probed/internal/logging"
	"github.com/smartprobe/probed/internal/metrics"
	"github.com/smartprobe/probed/pkg/protocol"
)

const (
	// CookieName holds the session token set by /login.
	CookieName = "probed_session"
	// SessionTTL is the lifetime of an issued token.
	SessionTTL = 12 * time.Hour

	issuer = "probed"
)

// Claims holds JWT token claims.
type Claims struct {
	jwt.RegisteredClaims
}

// Auth verifies the admin password and issues HS256 session tokens.
type Auth struct {
	hash   []byte
	secret []byte
	now    func() time.Time
}

// New creates an Auth. An empty password disables authentication.
func New(password, jwtSecret string) (*Auth, error) {
	return newWithCost(password, jwtSecret, bcrypt.DefaultCost)
}

func newWithCost(password, jwtSecret string, cost int) (*Auth, error) {
	a := &Auth{secret: []byte(jwtSecret), now: time.Now}
	if password == "" {
		return a, nil
	}
	if jwtSecret == "" {
		return nil, fmt.Errorf("jwt secret is required when a password is set")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	a.hash = hash
	return a, nil
}

// Enabled reports whether a password is configured.
func (a *Auth) Enabled() bool { return len(a.hash) > 0 }

// IssueToken signs a session token.
func (a *Auth) IssueToken() (string, time.Time, error) {
	now := a.now()
	exp := now.Add(SessionTTL)
	claims := &Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "admin",
		Issuer:    issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}}
	tokenStr, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return tokenStr, exp, nil
}

func (a *Auth) validateToken(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithIssuer(issuer), jwt.WithTimeFunc(a.now))
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}

func extractToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	if c, err := r.Cookie(CookieName); err == nil {
		return c.Value
	}
	return ""
}

// Middleware rejects requests without a valid session when enabled.
func (a *Auth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Enabled() {
			next.ServeHTTP(w, r)
			return
		}
		tokenStr := extractToken(r)
		if tokenStr == "" {
			sendAuthError(w, http.StatusUnauthorized, "login required")
			return
		}
		if _, err := a.validateToken(tokenStr); err != nil {
			sendAuthError(w, http.StatusUnauthorized, "invalid session: "+err.Error())
			return
		}
		next.ServeHTTP(w, r)
	})
}

// HandleLogin handles POST /login with form field "password".
func (a *Auth) HandleLogin(w http.ResponseWriter, r *http.Request) {
	if !a.Enabled() {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(protocol.LoginResponse{})
		return
	}

	password := r.FormValue("password")
	if password == "" {
		metrics.RecordAuthAttempt(false)
		sendAuthError(w, http.StatusBadRequest, "password required")
		return
	}
	if err := bcrypt.CompareHashAndPassword(a.hash, []byte(password)); err != nil {
		metrics.RecordAuthAttempt(false)
		logging.WithContext(r.Context()).Warn("login failed", zap.String("remote", r.RemoteAddr))
		sendAuthError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	tokenStr, exp, err := a.IssueToken()
	if err != nil {
		metrics.RecordAuthAttempt(false)
		logging.Error("failed to sign token", zap.Error(err))
		sendAuthError(w, http.StatusInternalServerError, "failed to generate token")
		return
	}
	metrics.RecordAuthAttempt(true)
	logging.WithContext(r.Context()).Info("login successful", zap.String("remote", r.RemoteAddr))

	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    tokenStr,
		Path:     "/",
		Expires:  exp,
		MaxAge:   int(SessionTTL.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   r.TLS != nil,
	})
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(protocol.LoginResponse{Token: tokenStr, ExpiresAt: exp})
}

// HandleLogout handles POST /logout by expiring the session cookie.
func (a *Auth) HandleLogout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(protocol.SuccessResponse{Success: true})
}

func sendAuthError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(protocol.ErrorResponse{Error: msg, Code: status})
}
