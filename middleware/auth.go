package middleware

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/cppla/ecoreceipt/models"
	"github.com/cppla/ecoreceipt/services/store"
	"github.com/cppla/ecoreceipt/utils"
)

const (
	// ContextUserIDKey holds the internal user id of the authenticated caller.
	ContextUserIDKey = "user_id"
	// ContextExternalIDKey holds the identity provider's subject.
	ContextExternalIDKey = "external_id"
	// ContextTokenKey holds the raw bearer token and ContextTokenExpiryKey its expiry.
	ContextTokenKey       = "token"
	ContextTokenExpiryKey = "token_expiry"
)

// UserResolver maps an identity provider subject onto a local user.
type UserResolver interface {
	EnsureUser(ctx context.Context, externalID string, p store.Profile) (*models.User, error)
}

// AuthRequired ensures the request carries a valid bearer JWT and resolves the
// caller to a local user, creating it on first sight.
func AuthRequired(users UserResolver) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		authHeader := ctx.GetHeader("Authorization")
		if authHeader == "" {
			utils.Error(ctx, http.StatusUnauthorized, 40101, "authorization header missing")
			ctx.Abort()
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			utils.Error(ctx, http.StatusUnauthorized, 40102, "invalid authorization header format")
			ctx.Abort()
			return
		}

		tokenString := strings.TrimSpace(parts[1])
		if tokenString == "" {
			utils.Error(ctx, http.StatusUnauthorized, 40103, "empty bearer token")
			ctx.Abort()
			return
		}

		if utils.IsTokenRevoked(ctx.Request.Context(), tokenString) {
			utils.Error(ctx, http.StatusUnauthorized, 40104, "token revoked")
			ctx.Abort()
			return
		}

		claims, err := utils.ParseToken(tokenString)
		if err != nil {
			utils.Error(ctx, http.StatusUnauthorized, 40105, "invalid token")
			ctx.Abort()
			return
		}

		user, err := users.EnsureUser(ctx.Request.Context(), claims.Subject, store.Profile{
			Username:  utils.SanitizeText(claims.Username),
			Email:     claims.Email,
			AvatarURL: claims.Picture,
		})
		if err != nil {
			utils.Logger.Error("resolve user failed", zap.String("subject", claims.Subject), zap.Error(err))
			utils.Error(ctx, http.StatusInternalServerError, 50001, "could not resolve user")
			ctx.Abort()
			return
		}

		ctx.Set(ContextUserIDKey, user.ID)
		ctx.Set(ContextExternalIDKey, claims.Subject)
		ctx.Set(ContextTokenKey, tokenString)
		if claims.ExpiresAt != nil {
			ctx.Set(ContextTokenExpiryKey, claims.ExpiresAt.Time)
		}
		ctx.Next()
	}
}

// UserID returns the authenticated user's id.
func UserID(ctx *gin.Context) (uint, bool) {
	v, ok := ctx.Get(ContextUserIDKey)
	if !ok {
		return 0, false
	}
	id, ok := v.(uint)
	return id, ok && id != 0
}

// Token returns the caller's bearer token and its expiry.
func Token(ctx *gin.Context) (string, time.Time, bool) {
	tok := ctx.GetString(ContextTokenKey)
	exp, _ := ctx.Get(ContextTokenExpiryKey)
	t, _ := exp.(time.Time)
	return tok, t, tok != ""
}
