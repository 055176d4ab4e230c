package models

import "time"

// Requirement kinds a badge can be unlocked by.
const (
	RequirementUploadCount      = "upload_count"
	RequirementUploadStreak     = "upload_streak"
	RequirementGreenChoices     = "green_choices"
	RequirementGreenStreak      = "green_streak"
	RequirementLowEmissionWeeks = "low_emission_weeks"
	RequirementTrackedEmissions = "tracked_emissions"
	RequirementLevel            = "level"
)

// Badge rarities.
const (
	RarityCommon    = "common"
	RarityRare      = "rare"
	RarityEpic      = "epic"
	RarityLegendary = "legendary"
)

// Badge is static reference data: seeded once, read-mostly at runtime.
type Badge struct {
	ID               uint      `gorm:"primaryKey" json:"id"`
	Code             string    `gorm:"size:64;uniqueIndex;not null" json:"code"`
	Name             string    `gorm:"size:128;not null" json:"name"`
	Description      string    `gorm:"size:512" json:"description"`
	Icon             string    `gorm:"size:64" json:"icon"`
	Rarity           string    `gorm:"size:16;not null;default:'common'" json:"rarity"`
	Points           int       `gorm:"not null;default:0" json:"points"`
	RequirementType  string    `gorm:"size:32;index;not null" json:"requirement_type"`
	RequirementValue float64   `gorm:"not null" json:"requirement_value"`
	CreatedAt        time.Time `json:"created_at"`
}

// UserAchievement records a user's progress toward one badge. Unique per (user, badge).
type UserAchievement struct {
	ID          uint       `gorm:"primaryKey" json:"id"`
	UserID      uint       `gorm:"uniqueIndex:idx_user_badge;not null" json:"user_id"`
	BadgeID     uint       `gorm:"uniqueIndex:idx_user_badge;not null" json:"badge_id"`
	Progress    float64    `gorm:"not null;default:0" json:"progress"`
	IsCompleted bool       `gorm:"not null;default:false" json:"is_completed"`
	EarnedAt    *time.Time `json:"earned_at"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	User        *User      `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE;" json:"-"`
	Badge       *Badge     `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE;" json:"badge,omitempty"`
}
