package controllers

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/cppla/ecoreceipt/services/gamification"
	"github.com/cppla/ecoreceipt/utils"
)

// GamificationService is the read and repair surface of the engine.
type GamificationService interface {
	Profile(ctx context.Context, userID uint) (*gamification.Profile, error)
	Achievements(ctx context.Context, userID uint) ([]gamification.AchievementView, error)
	Reconcile(ctx context.Context, userID uint) (*gamification.Outcome, error)
}

type GamificationController struct {
	engine GamificationService
}

func NewGamificationController(e GamificationService) *GamificationController {
	return &GamificationController{engine: e}
}

func (g *GamificationController) Profile(ctx *gin.Context) {
	userID, ok := currentUser(ctx)
	if !ok {
		return
	}
	p, err := g.engine.Profile(ctx.Request.Context(), userID)
	if err != nil {
		respondError(ctx, err)
		return
	}
	utils.Success(ctx, p)
}

func (g *GamificationController) Achievements(ctx *gin.Context) {
	userID, ok := currentUser(ctx)
	if !ok {
		return
	}
	list, err := g.engine.Achievements(ctx.Request.Context(), userID)
	if err != nil {
		respondError(ctx, err)
		return
	}
	utils.Success(ctx, gin.H{"achievements": list})
}

// Reconcile applies gamification for receipts whose update previously failed.
func (g *GamificationController) Reconcile(ctx *gin.Context) {
	userID, ok := currentUser(ctx)
	if !ok {
		return
	}
	out, err := g.engine.Reconcile(ctx.Request.Context(), userID)
	if err != nil {
		respondError(ctx, err)
		return
	}
	utils.Success(ctx, out)
}
