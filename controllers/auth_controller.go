package controllers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cppla/ecoreceipt/middleware"
	"github.com/cppla/ecoreceipt/models"
	"github.com/cppla/ecoreceipt/utils"
)

// UserStore loads local users.
type UserStore interface {
	GetUser(ctx context.Context, userID uint) (*models.User, error)
}

// AuthController exposes the caller's own identity. Tokens are issued by the
// identity provider; this service only resolves and revokes them.
type AuthController struct {
	users UserStore
}

func NewAuthController(users UserStore) *AuthController {
	return &AuthController{users: users}
}

// Me returns the local user record for the caller.
func (a *AuthController) Me(ctx *gin.Context) {
	userID, ok := currentUser(ctx)
	if !ok {
		return
	}
	user, err := a.users.GetUser(ctx.Request.Context(), userID)
	if err != nil {
		respondError(ctx, err)
		return
	}
	utils.Success(ctx, user)
}

// Logout revokes the bearer token used for this request.
func (a *AuthController) Logout(ctx *gin.Context) {
	token, expiresAt, ok := middleware.Token(ctx)
	if !ok {
		utils.Error(ctx, http.StatusUnauthorized, 40107, "invalid authorization header")
		return
	}
	if expiresAt.IsZero() {
		expiresAt = time.Now().Add(72 * time.Hour)
	}
	utils.RevokeToken(ctx.Request.Context(), token, expiresAt)
	utils.Success(ctx, gin.H{"message": "logged out"})
}
