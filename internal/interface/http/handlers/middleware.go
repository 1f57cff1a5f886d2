package handlers

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"github.com/finedu/finedu-sync/internal/domain/shared"
	"github.com/finedu/finedu-sync/internal/infrastructure/external/remote"
)

// ══════════════════════════════════════════════════════════════════════════════
// RESPONSES
// ══════════════════════════════════════════════════════════════════════════════

// WriteJSON writes v as the JSON response body.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError writes the remote contract's error body.
func WriteError(w http.ResponseWriter, status int, code, message string) {
	WriteJSON(w, status, remote.APIErrorDTO{Code: code, Message: message})
}

// ══════════════════════════════════════════════════════════════════════════════
// AUTHENTICATION MIDDLEWARE
// ══════════════════════════════════════════════════════════════════════════════

// TokenAuth checks bearer tokens against a bcrypt hash. Tokens that passed
// once are remembered by digest so bcrypt runs once per distinct token.
type TokenAuth struct {
	hash []byte

	mu       sync.RWMutex
	accepted map[[sha256.Size]byte]struct{}
}

// NewTokenAuth creates an authenticator. An empty hash disables it.
func NewTokenAuth(bcryptHash string) (*TokenAuth, error) {
	if bcryptHash == "" {
		return &TokenAuth{}, nil
	}
	if _, err := bcrypt.Cost([]byte(bcryptHash)); err != nil {
		return nil, shared.WrapError("server", "NewTokenAuth", shared.ErrInvalidFormat, "token hash is not a bcrypt hash", err)
	}
	return &TokenAuth{
		hash:     []byte(bcryptHash),
		accepted: make(map[[sha256.Size]byte]struct{}),
	}, nil
}

// HashToken returns the bcrypt hash to put in server.token_hash.
func HashToken(token string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Enabled reports whether a token is required.
func (a *TokenAuth) Enabled() bool { return len(a.hash) > 0 }

// IsValid checks a presented token.
func (a *TokenAuth) IsValid(token string) bool {
	if !a.Enabled() {
		return true
	}
	if token == "" {
		return false
	}

	digest := sha256.Sum256([]byte(token))
	a.mu.RLock()
	_, ok := a.accepted[digest]
	a.mu.RUnlock()
	if ok {
		return true
	}

	if bcrypt.CompareHashAndPassword(a.hash, []byte(token)) != nil {
		return false
	}
	a.mu.Lock()
	a.accepted[digest] = struct{}{}
	a.mu.Unlock()
	return true
}

// Middleware rejects requests without a valid bearer token.
func (a *TokenAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Enabled() {
			next.ServeHTTP(w, r)
			return
		}

		auth := r.Header.Get("Authorization")
		token, found := strings.CutPrefix(auth, "Bearer ")
		if !found || token == "" {
			w.Header().Set("WWW-Authenticate", `Bearer realm="finedu"`)
			WriteError(w, http.StatusUnauthorized, "missing_token", "bearer token is required")
			return
		}
		if !a.IsValid(token) {
			WriteError(w, http.StatusUnauthorized, "invalid_token", "bearer token is not accepted")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ══════════════════════════════════════════════════════════════════════════════
// USER MIDDLEWARE
// ══════════════════════════════════════════════════════════════════════════════

// ContextKey is a type for context keys.
type ContextKey string

// ContextKeyUserID is the context key for the acting user.
const ContextKeyUserID ContextKey = "user_id"

// RequireUser reads the acting user from the X-User-Id header.
func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := shared.NewUserID(r.Header.Get(remote.HeaderUserID))
		if err != nil {
			WriteError(w, http.StatusBadRequest, "missing_user", remote.HeaderUserID+" header is required")
			return
		}
		ctx := context.WithValue(r.Context(), ContextKeyUserID, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// UserIDFrom returns the user stored by RequireUser.
func UserIDFrom(ctx context.Context) (shared.UserID, bool) {
	id, ok := ctx.Value(ContextKeyUserID).(shared.UserID)
	return id, ok
}

// ══════════════════════════════════════════════════════════════════════════════
// REQUEST GUARDS
// ══════════════════════════════════════════════════════════════════════════════

// RequestSizeLimitMiddleware limits the size of request bodies.
func RequestSizeLimitMiddleware(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > maxBytes {
				WriteError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body too large")
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}

// NoCacheMiddleware prevents caching of authoritative state.
func NoCacheMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}
