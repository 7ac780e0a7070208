package shared

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// SessionManager resolves the signed-in principal from a Redis backed
// session. Sessions are issued elsewhere; this side only reads them.
type SessionManager struct {
	client     *redis.Client
	cookieName string
	logger     *slog.Logger
}

// Session holds the principal attached to a request.
type Session struct {
	ID     string
	UserID uuid.UUID
}

type sessionPayload struct {
	UserID string `json:"user_id"`
}

// NewSessionManager constructs a SessionManager.
func NewSessionManager(client *redis.Client, cookieName string, logger *slog.Logger) *SessionManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionManager{client: client, cookieName: cookieName, logger: logger}
}

// Load returns the session named by the request cookie, or nil when the
// request carries none or it has expired.
func (sm *SessionManager) Load(ctx context.Context, r *http.Request) (*Session, error) {
	cookie, err := r.Cookie(sm.cookieName)
	if err != nil {
		if errors.Is(err, http.ErrNoCookie) {
			return nil, nil
		}
		return nil, err
	}
	id := strings.TrimSpace(cookie.Value)
	if id == "" {
		return nil, nil
	}

	payload, err := sm.client.Get(ctx, sm.redisKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}

	var stored sessionPayload
	if err := json.Unmarshal(payload, &stored); err != nil {
		return nil, err
	}
	userID, err := uuid.Parse(strings.TrimSpace(stored.UserID))
	if err != nil {
		return nil, ErrInvalidSession
	}
	return &Session{ID: id, UserID: userID}, nil
}

// Store writes a session. Used by tooling and tests; the login flow owning
// issuance lives outside this service.
func (sm *SessionManager) Store(ctx context.Context, id string, userID uuid.UUID, ttl time.Duration) error {
	data, err := json.Marshal(sessionPayload{UserID: userID.String()})
	if err != nil {
		return err
	}
	return sm.client.Set(ctx, sm.redisKey(id), data, ttl).Err()
}

// Middleware attaches the session, if any, to the request context.
func (sm *SessionManager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, err := sm.Load(r.Context(), r)
		if err != nil {
			sm.logger.Warn("load session", slog.Any("error", err))
			sess = nil
		}
		if sess != nil {
			r = r.WithContext(ContextWithSession(r.Context(), sess))
		}
		next.ServeHTTP(w, r)
	})
}

// CookieName returns the cookie identifier used for sessions.
func (sm *SessionManager) CookieName() string {
	return sm.cookieName
}

func (sm *SessionManager) redisKey(id string) string {
	return "session:" + id
}
