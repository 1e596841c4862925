// Package auth resolves request identity and answers permission questions
// for namespaces and repositories. Identity sources are tried in a fixed
// order: session cookie, bearer token, Git basic auth, anonymous.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/sha3"

	"github.com/kohakuhub/kohakuhub/pkg/db"
)

// SessionCookie is the cookie name carrying the session id.
const SessionCookie = "kohaku_session"

type ctxKey int

const identityKey ctxKey = iota

// Identity is the resolved caller of a request.
type Identity struct {
	User *db.User
	// SessionID is set when the identity came from a session cookie.
	// It also serves as the anonymous principal for download stats.
	SessionID string
}

// Anonymous reports whether no account was resolved.
func (id *Identity) Anonymous() bool {
	return id == nil || id.User == nil
}

// Principal is a stable key for download-session aggregation.
func (id *Identity) Principal() string {
	if id == nil {
		return "anonymous"
	}
	if id.User != nil {
		return "u:" + id.User.Name
	}
	if id.SessionID != "" {
		return "s:" + id.SessionID
	}
	return "anonymous"
}

// Authenticator resolves identities against the database.
type Authenticator struct {
	store *db.Store
}

// New creates an Authenticator.
func New(store *db.Store) *Authenticator {
	return &Authenticator{store: store}
}

// HashToken returns the SHA3-512 hex digest under which a token secret is
// stored. The plaintext secret never touches the database.
func HashToken(secret string) string {
	sum := sha3.Sum512([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// NewTokenSecret generates a random 32-byte hex token secret.
func NewTokenSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// NewSessionID generates a session id.
func NewSessionID() string {
	return uuid.NewString()
}

// Resolve determines the caller of r. A failed credential does not fall
// through to the next source; only absent credentials do.
func (a *Authenticator) Resolve(r *http.Request) (*Identity, error) {
	if c, err := r.Cookie(SessionCookie); err == nil && c.Value != "" {
		var sess db.Session
		err := a.store.DB().Where("id = ? AND expires_at > ?", c.Value, time.Now()).First(&sess).Error
		if err == nil {
			var u db.User
			if err := a.store.DB().First(&u, sess.UserID).Error; err == nil {
				return &Identity{User: &u, SessionID: sess.ID}, nil
			}
		}
		// Expired or unknown session: treat as anonymous but keep the
		// id so download aggregation stays stable for the client.
		return &Identity{SessionID: c.Value}, nil
	}

	if h := r.Header.Get("Authorization"); len(h) > 7 && h[:7] == "Bearer " {
		return a.resolveToken(h[7:])
	}

	if _, token, ok := r.BasicAuth(); ok && token != "" {
		return a.resolveToken(token)
	}

	return &Identity{}, nil
}

var errBadToken = errors.New("invalid token")

func (a *Authenticator) resolveToken(secret string) (*Identity, error) {
	var tok db.Token
	err := a.store.DB().Where("token_hash = ?", HashToken(secret)).First(&tok).Error
	if err != nil {
		return nil, errBadToken
	}
	var u db.User
	if err := a.store.DB().First(&u, tok.UserID).Error; err != nil {
		return nil, errBadToken
	}
	now := time.Now()
	_ = a.store.DB().Model(&db.Token{}).Where("id = ?", tok.ID).
		UpdateColumn("last_used_at", now).Error
	return &Identity{User: &u}, nil
}

// WithIdentity stores the identity on the request context.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// FromContext returns the identity resolved for the request, never nil.
func FromContext(ctx context.Context) *Identity {
	if id, ok := ctx.Value(identityKey).(*Identity); ok && id != nil {
		return id
	}
	return &Identity{}
}

// Middleware resolves the identity once per request. Invalid credentials
// are rejected immediately with 401 so clients notice bad tokens.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := a.Resolve(r)
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Basic realm="kohakuhub"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}
