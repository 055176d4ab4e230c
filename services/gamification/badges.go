package gamification

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/cppla/ecoreceipt/models"
)

// Counters are the durable per-user figures every badge is evaluated against.
// They are recomputed from stored receipts and streak rows, never accumulated.
type Counters struct {
	TotalReceipts       int
	TotalEmissionsKg    float64
	GreenChoices        int
	LowEmissionWeeks    int
	LongestUploadStreak int
	LongestGreenStreak  int
	Level               int
}

// evaluator measures progress toward a badge of one requirement type.
type evaluator func(Counters) float64

// evaluators maps each requirement type to its measure. Adding a badge kind
// means adding an entry here and a catalog row.
var evaluators = map[string]evaluator{
	models.RequirementUploadCount:      func(c Counters) float64 { return float64(c.TotalReceipts) },
	models.RequirementUploadStreak:     func(c Counters) float64 { return float64(c.LongestUploadStreak) },
	models.RequirementGreenChoices:     func(c Counters) float64 { return float64(c.GreenChoices) },
	models.RequirementGreenStreak:      func(c Counters) float64 { return float64(c.LongestGreenStreak) },
	models.RequirementLowEmissionWeeks: func(c Counters) float64 { return float64(c.LowEmissionWeeks) },
	models.RequirementTrackedEmissions: func(c Counters) float64 { return c.TotalEmissionsKg },
	models.RequirementLevel:            func(c Counters) float64 { return float64(c.Level) },
}

// Catalog is the seeded badge set.
var Catalog = []models.Badge{
	{Code: "FIRST_UPLOAD", Name: "First Receipt", Description: "Upload your first receipt", Icon: "receipt", Rarity: models.RarityCommon, Points: 10, RequirementType: models.RequirementUploadCount, RequirementValue: 1},
	{Code: "RECEIPTS_10", Name: "Receipt Collector", Description: "Upload 10 receipts", Icon: "stack", Rarity: models.RarityCommon, Points: 25, RequirementType: models.RequirementUploadCount, RequirementValue: 10},
	{Code: "RECEIPTS_50", Name: "Archivist", Description: "Upload 50 receipts", Icon: "archive", Rarity: models.RarityRare, Points: 100, RequirementType: models.RequirementUploadCount, RequirementValue: 50},
	{Code: "STREAK_3", Name: "Getting Started", Description: "Upload on 3 consecutive days", Icon: "flame", Rarity: models.RarityCommon, Points: 20, RequirementType: models.RequirementUploadStreak, RequirementValue: 3},
	{Code: "STREAK_7", Name: "Week Warrior", Description: "Upload on 7 consecutive days", Icon: "flame", Rarity: models.RarityRare, Points: 50, RequirementType: models.RequirementUploadStreak, RequirementValue: 7},
	{Code: "STREAK_30", Name: "Habit Formed", Description: "Upload on 30 consecutive days", Icon: "calendar", Rarity: models.RarityEpic, Points: 200, RequirementType: models.RequirementUploadStreak, RequirementValue: 30},
	{Code: "GREEN_10", Name: "Green Shopper", Description: "Buy 10 low-carbon items", Icon: "leaf", Rarity: models.RarityCommon, Points: 25, RequirementType: models.RequirementGreenChoices, RequirementValue: 10},
	{Code: "GREEN_100", Name: "Plant Powered", Description: "Buy 100 low-carbon items", Icon: "sprout", Rarity: models.RarityRare, Points: 100, RequirementType: models.RequirementGreenChoices, RequirementValue: 100},
	{Code: "GREEN_STREAK_5", Name: "Consistently Green", Description: "Mostly low-carbon baskets on 5 consecutive days", Icon: "leaf", Rarity: models.RarityRare, Points: 50, RequirementType: models.RequirementGreenStreak, RequirementValue: 5},
	{Code: "LOW_WEEK_1", Name: "Light Week", Description: "Finish a week under the emissions budget", Icon: "feather", Rarity: models.RarityCommon, Points: 30, RequirementType: models.RequirementLowEmissionWeeks, RequirementValue: 1},
	{Code: "LOW_WEEK_4", Name: "Light Month", Description: "Finish 4 weeks under the emissions budget", Icon: "globe", Rarity: models.RarityEpic, Points: 150, RequirementType: models.RequirementLowEmissionWeeks, RequirementValue: 4},
	{Code: "TRACKED_100KG", Name: "Carbon Accountant", Description: "Track 100 kg of CO2e", Icon: "scale", Rarity: models.RarityRare, Points: 50, RequirementType: models.RequirementTrackedEmissions, RequirementValue: 100},
	{Code: "LEVEL_5", Name: "Rising Star", Description: "Reach level 5", Icon: "star", Rarity: models.RarityRare, Points: 50, RequirementType: models.RequirementLevel, RequirementValue: 5},
	{Code: "LEVEL_10", Name: "Eco Legend", Description: "Reach level 10", Icon: "crown", Rarity: models.RarityLegendary, Points: 250, RequirementType: models.RequirementLevel, RequirementValue: 10},
}

// SeedBadges upserts Catalog by code. Safe to run on every boot.
func SeedBadges(ctx context.Context, db *gorm.DB) error {
	for _, b := range Catalog {
		if _, ok := evaluators[b.RequirementType]; !ok {
			return fmt.Errorf("badge %s: no evaluator for %q", b.Code, b.RequirementType)
		}
	}
	rows := make([]models.Badge, len(Catalog))
	copy(rows, Catalog)
	return db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "code"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "description", "icon", "rarity", "points", "requirement_type", "requirement_value"}),
	}).Create(&rows).Error
}
