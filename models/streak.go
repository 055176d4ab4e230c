package models

import "time"

// Streak types.
const (
	StreakUpload       = "upload"
	StreakGreenChoices = "green_choices"
	StreakLowEmissions = "low_emissions"
)

// Streak counts consecutive qualifying days for one activity type. Unique per (user, type).
type Streak struct {
	ID        uint       `gorm:"primaryKey" json:"id"`
	UserID    uint       `gorm:"uniqueIndex:idx_user_streak_type;not null" json:"user_id"`
	Type      string     `gorm:"size:32;uniqueIndex:idx_user_streak_type;not null" json:"type"`
	Current   int        `gorm:"not null;default:0" json:"current"`
	Longest   int        `gorm:"not null;default:0" json:"longest"`
	LastDate  *time.Time `json:"last_date"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	User      *User      `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE;" json:"-"`
}
