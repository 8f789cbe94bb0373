package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/darasahq/darasa/internal/crypto"
	"github.com/darasahq/darasa/internal/models"
	"github.com/darasahq/darasa/internal/store"
)

type contextKey string

const MemberContextKey contextKey = "member"

// AuthMiddleware resolves API tokens to members for authenticated endpoints.
type AuthMiddleware struct {
	pg    store.DataStore
	redis *store.RedisStore
}

// NewAuthMiddleware creates a new auth middleware. redis may be nil; lookups
// then always hit the database.
func NewAuthMiddleware(pg store.DataStore, redis *store.RedisStore) *AuthMiddleware {
	return &AuthMiddleware{pg: pg, redis: redis}
}

// RequireAuth middleware verifies bearer tokens on requests.
// The token arrives as "Authorization: Bearer <token>"; WebSocket clients that
// cannot set headers may pass it as the "token" query parameter instead.
func (m *AuthMiddleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			jsonError(w, http.StatusUnauthorized, "missing API token")
			return
		}

		digest := crypto.TokenDigest(token)

		member := m.cachedMember(r.Context(), digest)
		if member == nil {
			var err error
			member, err = m.pg.GetMemberByTokenHash(r.Context(), digest)
			if err != nil {
				jsonError(w, http.StatusInternalServerError, "auth lookup failed")
				return
			}
			if member == nil {
				jsonError(w, http.StatusUnauthorized, "invalid API token")
				return
			}
			m.cacheMember(r.Context(), digest, member)
		}

		ctx := context.WithValue(r.Context(), MemberContextKey, member)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

func (m *AuthMiddleware) cachedMember(ctx context.Context, digest string) *models.Member {
	if m.redis == nil {
		return nil
	}
	return m.redis.GetCachedMember(ctx, digest)
}

func (m *AuthMiddleware) cacheMember(ctx context.Context, digest string, member *models.Member) {
	if m.redis == nil {
		return
	}
	m.redis.CacheMember(ctx, digest, member)
}

func jsonError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// GetMemberFromContext retrieves the authenticated member from the request context.
func GetMemberFromContext(ctx context.Context) *models.Member {
	member, ok := ctx.Value(MemberContextKey).(*models.Member)
	if !ok {
		return nil
	}
	return member
}
