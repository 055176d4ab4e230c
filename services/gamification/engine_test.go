package gamification

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/cppla/ecoreceipt/internal/testdb"
	"github.com/cppla/ecoreceipt/models"
	"github.com/cppla/ecoreceipt/services/apperr"
)

type EngineSuite struct {
	suite.Suite
	ctx    context.Context
	db     *gorm.DB
	engine *Engine
	user   models.User
	now    time.Time
}

func TestEngineSuite(t *testing.T) {
	suite.Run(t, new(EngineSuite))
}

func (s *EngineSuite) SetupTest() {
	s.ctx = context.Background()
	s.db = testdb.Open(s.T())
	s.Require().NoError(SeedBadges(s.ctx, s.db))

	s.now = at(15, 20)
	s.engine = NewEngine(s.db, Config{
		XPPerUpload:        10,
		GreenItemKg:        1,
		LowEmissionsWeekKg: 20,
		Location:           time.UTC,
		Now:                func() time.Time { return s.now },
	}, zap.NewNop())

	s.user = models.User{ExternalID: "auth0|ada", Username: "ada", Level: 1, CreatedAt: at(1, 0)}
	s.Require().NoError(s.db.Create(&s.user).Error)
}

// addReceipt stores a pending receipt uploaded at createdAt with one item per emissions value.
func (s *EngineSuite) addReceipt(createdAt time.Time, emissions ...float64) models.Receipt {
	r := models.Receipt{
		UserID:          s.user.ID,
		Merchant:        "Co-op",
		TransactionDate: createdAt,
		Currency:        "USD",
		Status:          models.ReceiptStatusPending,
		ItemsCount:      len(emissions),
		CreatedAt:       createdAt,
	}
	for i, kg := range emissions {
		r.TotalCarbonEmissions += kg
		r.Items = append(r.Items, models.ReceiptItem{Name: fmt.Sprintf("item %d", i+1), Quantity: 1, CarbonEmissions: kg})
	}
	s.Require().NoError(s.db.Create(&r).Error)
	return r
}

func (s *EngineSuite) upload(r models.Receipt) *Outcome {
	out, err := s.engine.Process(s.ctx, Event{Type: EventReceiptUploaded, UserID: s.user.ID, ReceiptID: r.ID})
	s.Require().NoError(err)
	return out
}

func (s *EngineSuite) reloadUser() models.User {
	var u models.User
	s.Require().NoError(s.db.First(&u, s.user.ID).Error)
	return u
}

func (s *EngineSuite) achievement(code string) *models.UserAchievement {
	var a models.UserAchievement
	err := s.db.Joins("JOIN badges ON badges.id = user_achievements.badge_id").
		Where("user_achievements.user_id = ? AND badges.code = ?", s.user.ID, code).
		First(&a).Error
	if err != nil {
		return nil
	}
	return &a
}

func (s *EngineSuite) uploadStreak() models.Streak {
	var st models.Streak
	s.Require().NoError(s.db.Where("user_id = ? AND type = ?", s.user.ID, models.StreakUpload).First(&st).Error)
	return st
}

func (s *EngineSuite) TestFirstUploadEarnsFirstBadge() {
	r := s.addReceipt(at(15, 9), 3.2, 0.7, 0.33)

	out := s.upload(r)
	s.True(out.Applied)
	s.Equal(20, out.XPGained, "upload plus FIRST_UPLOAD points")
	s.Equal(1, out.CurrentStreak)
	s.Require().Len(out.NewBadges, 1)
	s.Equal("FIRST_UPLOAD", out.NewBadges[0].Code)

	u := s.reloadUser()
	s.Equal(1, u.TotalReceipts)
	s.Equal(1, u.CurrentStreak)
	s.Equal(1, u.LongestStreak)
	s.InDelta(4.23, u.TotalEmissions, 1e-9)
	s.Equal(2, u.GreenChoices)
	s.Equal(20, u.Experience)
	s.Equal(10, u.TotalPoints)
	s.Require().NotNil(u.LastUploadDate)

	first := s.achievement("FIRST_UPLOAD")
	s.Require().NotNil(first)
	s.True(first.IsCompleted)
	s.Require().NotNil(first.EarnedAt)
	s.Equal(1.0, first.Progress)

	collector := s.achievement("RECEIPTS_10")
	s.Require().NotNil(collector)
	s.False(collector.IsCompleted)
	s.Equal(1.0, collector.Progress)

	var stored models.Receipt
	s.Require().NoError(s.db.First(&stored, r.ID).Error)
	s.Equal(models.ReceiptStatusProcessed, stored.Status)
}

func (s *EngineSuite) TestReprocessingIsIdempotent() {
	r := s.addReceipt(at(15, 9), 3.2, 0.7, 0.33)
	s.upload(r)
	before := s.reloadUser()
	firstEarned := *s.achievement("FIRST_UPLOAD").EarnedAt

	s.now = s.now.Add(2 * time.Hour)
	out := s.upload(r)
	s.False(out.Applied)
	s.Zero(out.XPGained)
	s.Empty(out.NewBadges)

	after := s.reloadUser()
	s.Equal(before.TotalReceipts, after.TotalReceipts)
	s.Equal(before.Experience, after.Experience)
	s.Equal(before.TotalPoints, after.TotalPoints)
	s.Equal(before.Level, after.Level)
	s.Equal(before.CurrentStreak, after.CurrentStreak)
	s.True(firstEarned.Equal(*s.achievement("FIRST_UPLOAD").EarnedAt), "earnedAt is stamped once")

	var n int64
	s.db.Model(&models.UserAchievement{}).Where("user_id = ?", s.user.ID).Count(&n)
	s.Equal(int64(len(Catalog)-2), n, "every badge with progress, i.e. all but the low-week ones")
}

func (s *EngineSuite) TestConsecutiveDaysExtendStreak() {
	s.upload(s.addReceipt(at(14, 18), 2.5))
	s.Equal(1, s.uploadStreak().Current)

	out := s.upload(s.addReceipt(at(15, 8), 2.5))
	s.Equal(2, out.CurrentStreak)
	st := s.uploadStreak()
	s.Equal(2, st.Current)
	s.Equal(2, st.Longest)

	u := s.reloadUser()
	s.Equal(2, u.CurrentStreak)
	s.Equal(2, u.LongestStreak)
}

func (s *EngineSuite) TestLongestKeptWhenAlreadyHigher() {
	last := at(14, 0)
	s.Require().NoError(s.db.Create(&models.Streak{
		UserID: s.user.ID, Type: models.StreakUpload, Current: 1, Longest: 5, LastDate: &last,
	}).Error)

	s.upload(s.addReceipt(at(15, 8), 2.5))
	st := s.uploadStreak()
	s.Equal(2, st.Current)
	s.Equal(5, st.Longest)
}

func (s *EngineSuite) TestSameDayUploadLeavesStreak() {
	s.upload(s.addReceipt(at(15, 8), 2.5))
	out := s.upload(s.addReceipt(at(15, 19), 2.5))

	s.True(out.Applied)
	s.Equal(1, out.CurrentStreak)
	s.Equal(2, s.reloadUser().TotalReceipts)
}

func (s *EngineSuite) TestGapResetsStreakToOne() {
	s.upload(s.addReceipt(at(10, 8), 2.5))
	s.upload(s.addReceipt(at(11, 8), 2.5))
	out := s.upload(s.addReceipt(at(15, 8), 2.5))

	s.Equal(1, out.CurrentStreak)
	s.Equal(2, out.LongestStreak)
}

func (s *EngineSuite) TestLevelsUpAcrossSeveralThresholds() {
	s.Require().NoError(s.db.Model(&s.user).Update("experience", 490).Error)

	out := s.upload(s.addReceipt(at(15, 8), 2.5))
	s.True(out.LeveledUp)
	s.Equal(4, out.Level)
	s.Equal(510, out.Experience)
	s.Equal(4, s.reloadUser().Level)
}

func (s *EngineSuite) TestLevelBadgeChains() {
	// the upload lifts 1740 to 1750, level 6, which completes LEVEL_5
	s.Require().NoError(s.db.Model(&s.user).Updates(map[string]any{"experience": 1740, "level": 5}).Error)

	out := s.upload(s.addReceipt(at(15, 8), 2.5))
	codes := make([]string, 0, len(out.NewBadges))
	for _, b := range out.NewBadges {
		codes = append(codes, b.Code)
	}
	s.ElementsMatch([]string{"FIRST_UPLOAD", "LEVEL_5"}, codes)
	s.Equal(1810, out.Experience)
	s.Equal(6, out.Level)
	s.Equal(60, s.reloadUser().TotalPoints)
}

func (s *EngineSuite) TestDeletionRecomputesCountersButKeepsBadges() {
	r1 := s.addReceipt(at(14, 8), 2.5)
	s.upload(r1)
	s.upload(s.addReceipt(at(15, 8), 1.5))

	s.Require().NoError(s.db.Where("receipt_id = ?", r1.ID).Delete(&models.ReceiptItem{}).Error)
	s.Require().NoError(s.db.Delete(&models.Receipt{}, r1.ID).Error)

	out, err := s.engine.Process(s.ctx, Event{Type: EventReceiptDeleted, UserID: s.user.ID})
	s.Require().NoError(err)
	s.True(out.Applied)

	u := s.reloadUser()
	s.Equal(1, u.TotalReceipts)
	s.InDelta(1.5, u.TotalEmissions, 1e-9)
	s.True(s.achievement("FIRST_UPLOAD").IsCompleted)
	s.Equal(2.0, s.achievement("RECEIPTS_10").Progress, "progress does not shrink")
}

func (s *EngineSuite) TestLowEmissionWeekDetected() {
	// the week of March 2nd is complete by March 15th and stays under 20 kg
	s.upload(s.addReceipt(at(3, 12), 4, 1))
	out := s.upload(s.addReceipt(at(15, 12), 30))

	u := s.reloadUser()
	s.Equal(1, u.WeeklyGreenWeeks)
	s.True(s.achievement("LOW_WEEK_1").IsCompleted)
	s.Empty(out.NewBadges, "LOW_WEEK_1 was earned by the first upload")

	var low models.Streak
	s.Require().NoError(s.db.Where("user_id = ? AND type = ?", s.user.ID, models.StreakLowEmissions).First(&low).Error)
	s.Equal(1, low.Current)
	s.True(at(2, 0).Equal(*low.LastDate))
}

func (s *EngineSuite) TestLowEmissionWeeksStartAtSignup() {
	s.user.CreatedAt = at(10, 9)
	s.Require().NoError(s.db.Model(&s.user).Update("created_at", s.user.CreatedAt).Error)

	// back-dated light week before signup, then a light signup week
	s.upload(s.addReceipt(at(3, 12), 2))
	s.Zero(s.reloadUser().WeeklyGreenWeeks)
	if a := s.achievement("LOW_WEEK_1"); a != nil {
		s.False(a.IsCompleted)
	}

	s.upload(s.addReceipt(at(11, 12), 3))
	s.Zero(s.reloadUser().WeeklyGreenWeeks, "signup week is still in progress")

	s.now = at(17, 9)
	out := s.upload(s.addReceipt(at(17, 8), 1))
	s.Equal(1, s.reloadUser().WeeklyGreenWeeks)
	s.True(s.achievement("LOW_WEEK_1").IsCompleted)
	var earned []string
	for _, b := range out.NewBadges {
		earned = append(earned, b.Code)
	}
	s.Contains(earned, "LOW_WEEK_1")
}

func (s *EngineSuite) TestLowEmissionEventAdvancesWeeklyStreak() {
	for _, day := range []int{2, 9} {
		_, err := s.engine.Process(s.ctx, Event{Type: EventLowEmissionsWeekDetected, UserID: s.user.ID, At: at(day, 12)})
		s.Require().NoError(err)
	}
	var low models.Streak
	s.Require().NoError(s.db.Where("user_id = ? AND type = ?", s.user.ID, models.StreakLowEmissions).First(&low).Error)
	s.Equal(2, low.Current)

	_, err := s.engine.Process(s.ctx, Event{Type: EventLowEmissionsWeekDetected, UserID: s.user.ID})
	var ve *apperr.ValidationError
	s.ErrorAs(err, &ve)
}

func (s *EngineSuite) TestGreenBasketsBuildGreenStreak() {
	s.upload(s.addReceipt(at(14, 8), 0.2, 0.4, 5))
	s.upload(s.addReceipt(at(15, 8), 0.1, 0.3))

	var green models.Streak
	s.Require().NoError(s.db.Where("user_id = ? AND type = ?", s.user.ID, models.StreakGreenChoices).First(&green).Error)
	s.Equal(2, green.Current)
	s.Equal(4, s.reloadUser().GreenChoices)
}

func (s *EngineSuite) TestUnknownReceiptIsNotFound() {
	_, err := s.engine.Process(s.ctx, Event{Type: EventReceiptUploaded, UserID: s.user.ID, ReceiptID: 999})
	s.ErrorIs(err, apperr.ErrNotFound)

	other := models.User{ExternalID: "auth0|bob", Level: 1}
	s.Require().NoError(s.db.Create(&other).Error)
	r := s.addReceipt(at(15, 8), 1)
	_, err = s.engine.Process(s.ctx, Event{Type: EventReceiptUploaded, UserID: other.ID, ReceiptID: r.ID})
	s.ErrorIs(err, apperr.ErrNotFound)

	var stored models.Receipt
	s.Require().NoError(s.db.First(&stored, r.ID).Error)
	s.Equal(models.ReceiptStatusPending, stored.Status)
}

func (s *EngineSuite) TestReconcileReplaysPendingReceipts() {
	s.addReceipt(at(13, 8), 2)
	s.addReceipt(at(14, 8), 2)
	s.addReceipt(at(15, 8), 2)

	out, err := s.engine.Reconcile(s.ctx, s.user.ID)
	s.Require().NoError(err)
	s.True(out.Applied)
	s.Equal(3, out.CurrentStreak)

	u := s.reloadUser()
	s.Equal(3, u.TotalReceipts)
	s.Equal(30+10+20, u.Experience, "three uploads, FIRST_UPLOAD and STREAK_3")

	again, err := s.engine.Reconcile(s.ctx, s.user.ID)
	s.Require().NoError(err)
	s.False(again.Applied)
	s.Empty(again.NewBadges)
	s.Equal(u.Experience, s.reloadUser().Experience)
}

func (s *EngineSuite) TestConcurrentUploadsDoNotLoseUpdates() {
	receipts := make([]models.Receipt, 5)
	for i := range receipts {
		receipts[i] = s.addReceipt(at(15, 8+i), 1.5)
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(receipts))
	for _, r := range receipts {
		wg.Add(1)
		go func(id uint) {
			defer wg.Done()
			_, err := s.engine.Process(s.ctx, Event{Type: EventReceiptUploaded, UserID: s.user.ID, ReceiptID: id})
			errs <- err
		}(r.ID)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		s.NoError(err)
	}

	u := s.reloadUser()
	s.Equal(5, u.TotalReceipts)
	s.Equal(5*10+10, u.Experience)
	s.Equal(1, u.CurrentStreak)
}

func (s *EngineSuite) TestReadSurface() {
	s.upload(s.addReceipt(at(15, 9), 3.2, 0.7, 0.33))

	p, err := s.engine.Profile(s.ctx, s.user.ID)
	s.Require().NoError(err)
	s.Equal(1, p.Level)
	s.Equal(100, p.NextLevelAt)
	s.Equal(int64(1), p.BadgesEarned)
	s.Equal(1, p.TotalReceipts)
	s.Len(p.Streaks, 2, "upload and green streaks")

	views, err := s.engine.Achievements(s.ctx, s.user.ID)
	s.Require().NoError(err)
	s.Len(views, len(Catalog))
	s.Equal("FIRST_UPLOAD", views[0].Badge.Code)
	s.True(views[0].IsCompleted)
	s.Equal(100.0, views[0].Percent)
	s.Equal("RECEIPTS_10", views[1].Badge.Code)
	s.InDelta(10.0, views[1].Percent, 1e-9)

	_, err = s.engine.Profile(s.ctx, 424242)
	s.ErrorIs(err, apperr.ErrNotFound)
}

func (s *EngineSuite) TestSeedBadgesIsRepeatable() {
	s.Require().NoError(SeedBadges(s.ctx, s.db))
	var n int64
	s.db.Model(&models.Badge{}).Count(&n)
	s.Equal(int64(len(Catalog)), n)
}

func (s *EngineSuite) TestSweepPendingReconcilesStaleReceipts() {
	stale := s.addReceipt(at(15, 9), 0.4)

	fresh := models.User{ExternalID: "auth0|grace", Username: "grace", Level: 1}
	s.Require().NoError(s.db.Create(&fresh).Error)
	recent := models.Receipt{UserID: fresh.ID, Merchant: "Co-op", TransactionDate: s.now, Currency: "USD",
		Status: models.ReceiptStatusPending, CreatedAt: s.now}
	s.Require().NoError(s.db.Create(&recent).Error)

	n, err := s.engine.SweepPending(s.ctx, time.Hour)
	s.Require().NoError(err)
	s.Equal(1, n)

	var swept, skipped models.Receipt
	s.Require().NoError(s.db.First(&swept, stale.ID).Error)
	s.Equal(models.ReceiptStatusProcessed, swept.Status)
	s.Require().NoError(s.db.First(&skipped, recent.ID).Error)
	s.Equal(models.ReceiptStatusPending, skipped.Status)
	s.Equal(20, s.reloadUser().Experience)

	n, err = s.engine.SweepPending(s.ctx, time.Hour)
	s.Require().NoError(err)
	s.Zero(n)
}
