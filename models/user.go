package models

import (
	"time"

	"gorm.io/gorm"
)

// User is the owner of receipts and the carrier of cumulative gamification state.
// ExternalID is the stable identifier supplied by the identity provider.
type User struct {
	ID               uint       `gorm:"primaryKey" json:"id"`
	ExternalID       string     `gorm:"size:191;uniqueIndex;not null" json:"external_id"`
	Username         string     `gorm:"size:64" json:"username"`
	Email            string     `gorm:"size:255" json:"email"`
	AvatarURL        string     `gorm:"size:512" json:"avatar_url"`
	Level            int        `gorm:"not null;default:1" json:"level"`
	Experience       int        `gorm:"not null;default:0" json:"experience"`
	TotalPoints      int        `gorm:"not null;default:0" json:"total_points"`
	CurrentStreak    int        `gorm:"not null;default:0" json:"current_streak"`
	LongestStreak    int        `gorm:"not null;default:0" json:"longest_streak"`
	LastUploadDate   *time.Time `json:"last_upload_date"`
	TotalReceipts    int        `gorm:"not null;default:0" json:"total_receipts"`
	TotalEmissions   float64    `gorm:"not null;default:0" json:"total_emissions"`
	GreenChoices     int        `gorm:"not null;default:0" json:"green_choices"`
	WeeklyGreenWeeks int        `gorm:"not null;default:0" json:"weekly_green_weeks"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	Receipts         []Receipt  `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE;" json:"-"`
}

// BeforeCreate hook ensures timestamps and the starting level are set even when not provided.
func (u *User) BeforeCreate(tx *gorm.DB) error {
	now := time.Now()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = now
	if u.Level < 1 {
		u.Level = 1
	}
	return nil
}

// BeforeUpdate ensures the UpdatedAt timestamp is refreshed.
func (u *User) BeforeUpdate(tx *gorm.DB) error {
	u.UpdatedAt = time.Now()
	return nil
}
