package gamification

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/cppla/ecoreceipt/models"
	"github.com/cppla/ecoreceipt/services/apperr"
)

// Profile is the user's gamification state as shown on their dashboard.
type Profile struct {
	UserID           uint            `json:"userId"`
	Username         string          `json:"username"`
	Level            int             `json:"level"`
	Experience       int             `json:"experience"`
	NextLevelAt      int             `json:"nextLevelAt"`
	TotalPoints      int             `json:"totalPoints"`
	CurrentStreak    int             `json:"currentStreak"`
	LongestStreak    int             `json:"longestStreak"`
	LastUploadDate   *time.Time      `json:"lastUploadDate"`
	TotalReceipts    int             `json:"totalReceipts"`
	TotalEmissionsKg float64         `json:"totalEmissionsKg"`
	GreenChoices     int             `json:"greenChoices"`
	LowEmissionWeeks int             `json:"lowEmissionWeeks"`
	BadgesEarned     int64           `json:"badgesEarned"`
	Streaks          []models.Streak `json:"streaks"`
}

func (e *Engine) Profile(ctx context.Context, userID uint) (*Profile, error) {
	db := e.db.WithContext(ctx)
	var u models.User
	if err := db.First(&u, userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.ErrNotFound
		}
		return nil, apperr.Persistence("profile", err)
	}
	p := &Profile{
		UserID:           u.ID,
		Username:         u.Username,
		Level:            u.Level,
		Experience:       u.Experience,
		NextLevelAt:      NextLevelThreshold(u.Level),
		TotalPoints:      u.TotalPoints,
		CurrentStreak:    u.CurrentStreak,
		LongestStreak:    u.LongestStreak,
		LastUploadDate:   u.LastUploadDate,
		TotalReceipts:    u.TotalReceipts,
		TotalEmissionsKg: u.TotalEmissions,
		GreenChoices:     u.GreenChoices,
		LowEmissionWeeks: u.WeeklyGreenWeeks,
		Streaks:          []models.Streak{},
	}
	if err := db.Model(&models.UserAchievement{}).
		Where("user_id = ? AND is_completed = ?", userID, true).
		Count(&p.BadgesEarned).Error; err != nil {
		return nil, apperr.Persistence("profile", err)
	}
	if err := db.Where("user_id = ?", userID).Order("type ASC").Find(&p.Streaks).Error; err != nil {
		return nil, apperr.Persistence("profile", err)
	}
	return p, nil
}

// AchievementView is one badge with the user's progress toward it.
type AchievementView struct {
	Badge       models.Badge `json:"badge"`
	Progress    float64      `json:"progress"`
	Percent     float64      `json:"percent"`
	IsCompleted bool         `json:"isCompleted"`
	EarnedAt    *time.Time   `json:"earnedAt"`
}

// Achievements lists every badge, earned ones first, then by catalog order.
func (e *Engine) Achievements(ctx context.Context, userID uint) ([]AchievementView, error) {
	db := e.db.WithContext(ctx)
	var badges []models.Badge
	if err := db.Order("id ASC").Find(&badges).Error; err != nil {
		return nil, apperr.Persistence("achievements", err)
	}
	var rows []models.UserAchievement
	if err := db.Where("user_id = ?", userID).Find(&rows).Error; err != nil {
		return nil, apperr.Persistence("achievements", err)
	}
	byBadge := make(map[uint]models.UserAchievement, len(rows))
	for _, r := range rows {
		byBadge[r.BadgeID] = r
	}

	earned := make([]AchievementView, 0, len(badges))
	open := make([]AchievementView, 0, len(badges))
	for _, b := range badges {
		v := AchievementView{Badge: b}
		if a, ok := byBadge[b.ID]; ok {
			v.Progress = a.Progress
			v.IsCompleted = a.IsCompleted
			v.EarnedAt = a.EarnedAt
		}
		if b.RequirementValue > 0 {
			v.Percent = min(100, v.Progress/b.RequirementValue*100)
		}
		if v.IsCompleted {
			earned = append(earned, v)
		} else {
			open = append(open, v)
		}
	}
	return append(earned, open...), nil
}
