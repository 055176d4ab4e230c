package controllers

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cppla/ecoreceipt/services/store"
	"github.com/cppla/ecoreceipt/utils"
)

// DashboardStore provides the aggregate reads behind the dashboard.
type DashboardStore interface {
	GetEmissionsSummary(ctx context.Context, userID uint) (*store.EmissionsSummary, error)
	CategoryBreakdown(ctx context.Context, userID uint, from, to *time.Time) ([]store.CategoryTotal, error)
	MonthlyRollup(ctx context.Context, userID uint, months int) ([]store.MonthTotal, error)
}

type DashboardController struct {
	store DashboardStore
}

func NewDashboardController(s DashboardStore) *DashboardController {
	return &DashboardController{store: s}
}

func (d *DashboardController) Summary(ctx *gin.Context) {
	userID, ok := currentUser(ctx)
	if !ok {
		return
	}
	out, err := d.store.GetEmissionsSummary(ctx.Request.Context(), userID)
	if err != nil {
		respondError(ctx, err)
		return
	}
	utils.Success(ctx, out)
}

// Categories accepts optional from/to bounds on the transaction date.
func (d *DashboardController) Categories(ctx *gin.Context) {
	userID, ok := currentUser(ctx)
	if !ok {
		return
	}
	from, err := timeQuery(ctx, "from", false)
	if err != nil {
		respondError(ctx, err)
		return
	}
	to, err := timeQuery(ctx, "to", true)
	if err != nil {
		respondError(ctx, err)
		return
	}
	out, err := d.store.CategoryBreakdown(ctx.Request.Context(), userID, from, to)
	if err != nil {
		respondError(ctx, err)
		return
	}
	utils.Success(ctx, gin.H{"categories": out})
}

func (d *DashboardController) Monthly(ctx *gin.Context) {
	userID, ok := currentUser(ctx)
	if !ok {
		return
	}
	months, err := intQuery(ctx, "months", 6)
	if err != nil {
		respondError(ctx, err)
		return
	}
	out, err := d.store.MonthlyRollup(ctx.Request.Context(), userID, months)
	if err != nil {
		respondError(ctx, err)
		return
	}
	utils.Success(ctx, gin.H{"months": out})
}
