// Package gamification keeps each user's streaks, counters, badges and level in step
// with the receipts they upload. Every evaluation recomputes counters from stored
// data inside a transaction that holds the user's row, so repeating an event
// converges on the same state instead of drifting.
package gamification

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/cppla/ecoreceipt/models"
	"github.com/cppla/ecoreceipt/services/apperr"
	"github.com/cppla/ecoreceipt/services/store"
	"github.com/cppla/ecoreceipt/utils"
)

type EventType string

const (
	EventReceiptUploaded          EventType = "receipt_uploaded"
	EventLowEmissionsWeekDetected EventType = "low_emissions_week_detected"
	EventReceiptDeleted           EventType = "receipt_deleted"
)

// Event drives the engine. ReceiptID is required for uploads; At names the week
// of a low-emissions event.
type Event struct {
	Type      EventType
	UserID    uint
	ReceiptID uint
	At        time.Time
}

type Config struct {
	XPPerUpload        int
	GreenItemKg        float64
	LowEmissionsWeekKg float64
	Location           *time.Location
	// Now is the clock used for week boundaries. Defaults to time.Now.
	Now func() time.Time
}

type BadgeAward struct {
	Code   string `json:"code"`
	Name   string `json:"name"`
	Rarity string `json:"rarity"`
	Points int    `json:"points"`
}

// Outcome summarises what one evaluation changed for the user.
type Outcome struct {
	Applied       bool         `json:"applied"`
	XPGained      int          `json:"xpGained"`
	Experience    int          `json:"experience"`
	Level         int          `json:"level"`
	LeveledUp     bool         `json:"leveledUp"`
	CurrentStreak int          `json:"currentStreak"`
	LongestStreak int          `json:"longestStreak"`
	NewBadges     []BadgeAward `json:"newBadges"`
}

type Engine struct {
	db     *gorm.DB
	cfg    Config
	locks  *utils.KeyedMutex
	logger *zap.Logger
	now    func() time.Time

	badgesMu sync.RWMutex
	badges   []models.Badge
}

func NewEngine(db *gorm.DB, cfg Config, logger *zap.Logger) *Engine {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		db:     db,
		cfg:    cfg,
		locks:  utils.NewKeyedMutex(),
		logger: logger,
		now:    cfg.Now,
	}
}

// state is one user's gamification aggregate, loaded and saved within a transaction.
type state struct {
	user         models.User
	levelBefore  int
	streaks      map[string]*models.Streak
	achievements map[uint]*models.UserAchievement
	dirtyStreaks map[string]bool
	dirtyAch     map[uint]bool
	badges       []models.Badge
	out          Outcome
}

// Process applies ev. Re-sending an upload event for a receipt that was already
// applied is a no-op reported with Applied=false.
func (e *Engine) Process(ctx context.Context, ev Event) (*Outcome, error) {
	if ev.UserID == 0 {
		return nil, apperr.Validation("user", "missing user id")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	unlock := e.locks.Lock(ev.UserID)
	defer unlock()

	var out Outcome
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		st, err := e.load(tx, ev.UserID)
		if err != nil {
			return err
		}
		switch ev.Type {
		case EventReceiptUploaded:
			var r models.Receipt
			if err := tx.Where("id = ? AND user_id = ?", ev.ReceiptID, ev.UserID).First(&r).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return apperr.ErrNotFound
				}
				return err
			}
			if r.Status == models.ReceiptStatusProcessed {
				st.finish()
				out = st.out
				return nil
			}
			if err := e.credit(tx, st, &r); err != nil {
				return err
			}
		case EventLowEmissionsWeekDetected:
			if ev.At.IsZero() {
				return apperr.Validation("at", "week is required")
			}
			st.advance(models.StreakLowEmissions, advanceWeekly, ev.At, e.cfg.Location)
			st.out.Applied = true
		case EventReceiptDeleted:
			st.out.Applied = true
		default:
			return apperr.Validation("type", "unknown event %q", ev.Type)
		}
		if err := e.settle(tx, st); err != nil {
			return err
		}
		out = st.out
		return nil
	})
	if err != nil {
		return nil, e.wrap(err)
	}
	e.logAwards(ev.UserID, &out)
	return &out, nil
}

// Reconcile applies every receipt still pending for userID in upload order and
// recomputes the user's counters and badges.
func (e *Engine) Reconcile(ctx context.Context, userID uint) (*Outcome, error) {
	unlock := e.locks.Lock(userID)
	defer unlock()

	var out Outcome
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		st, err := e.load(tx, userID)
		if err != nil {
			return err
		}
		var pending []models.Receipt
		if err := tx.Where("user_id = ? AND status = ?", userID, models.ReceiptStatusPending).
			Order("created_at ASC, id ASC").Find(&pending).Error; err != nil {
			return err
		}
		for i := range pending {
			if err := e.credit(tx, st, &pending[i]); err != nil {
				return err
			}
		}
		if err := e.settle(tx, st); err != nil {
			return err
		}
		out = st.out
		out.Applied = len(pending) > 0
		return nil
	})
	if err != nil {
		return nil, e.wrap(err)
	}
	e.logger.Info("gamification reconciled",
		zap.Uint("user_id", userID),
		zap.Bool("applied", out.Applied),
		zap.Int("level", out.Level))
	e.logAwards(userID, &out)
	return &out, nil
}

func (e *Engine) wrap(err error) error {
	var ve *apperr.ValidationError
	if errors.Is(err, apperr.ErrNotFound) || errors.As(err, &ve) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return apperr.Persistence("gamification", err)
}

func (e *Engine) logAwards(userID uint, out *Outcome) {
	for _, b := range out.NewBadges {
		e.logger.Info("badge earned",
			zap.Uint("user_id", userID),
			zap.String("badge", b.Code),
			zap.Int("points", b.Points))
	}
	if out.LeveledUp {
		e.logger.Info("level up", zap.Uint("user_id", userID), zap.Int("level", out.Level))
	}
}

func (e *Engine) load(tx *gorm.DB, userID uint) (*state, error) {
	st := &state{
		streaks:      make(map[string]*models.Streak, 3),
		achievements: make(map[uint]*models.UserAchievement),
		dirtyStreaks: make(map[string]bool, 3),
		dirtyAch:     make(map[uint]bool),
	}
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&st.user, userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.ErrNotFound
		}
		return nil, fmt.Errorf("lock user: %w", err)
	}
	st.levelBefore = st.user.Level

	var streaks []models.Streak
	if err := tx.Where("user_id = ?", userID).Find(&streaks).Error; err != nil {
		return nil, fmt.Errorf("load streaks: %w", err)
	}
	for i := range streaks {
		st.streaks[streaks[i].Type] = &streaks[i]
	}
	for _, t := range []string{models.StreakUpload, models.StreakGreenChoices, models.StreakLowEmissions} {
		if st.streaks[t] == nil {
			st.streaks[t] = &models.Streak{UserID: userID, Type: t}
		}
	}

	var achievements []models.UserAchievement
	if err := tx.Where("user_id = ?", userID).Find(&achievements).Error; err != nil {
		return nil, fmt.Errorf("load achievements: %w", err)
	}
	for i := range achievements {
		st.achievements[achievements[i].BadgeID] = &achievements[i]
	}

	badges, err := e.catalog(tx)
	if err != nil {
		return nil, err
	}
	st.badges = badges
	return st, nil
}

// catalog returns the badge definitions, loading them on first use.
func (e *Engine) catalog(tx *gorm.DB) ([]models.Badge, error) {
	e.badgesMu.RLock()
	badges := e.badges
	e.badgesMu.RUnlock()
	if len(badges) > 0 {
		return badges, nil
	}

	if err := tx.Order("id ASC").Find(&badges).Error; err != nil {
		return nil, fmt.Errorf("load badges: %w", err)
	}
	if len(badges) > 0 {
		e.badgesMu.Lock()
		e.badges = badges
		e.badgesMu.Unlock()
	}
	return badges, nil
}

// credit applies the per-upload effects of r: streaks, base experience and the
// processed marker.
func (e *Engine) credit(tx *gorm.DB, st *state, r *models.Receipt) error {
	loc := e.cfg.Location
	st.advance(models.StreakUpload, advanceDaily, r.CreatedAt, loc)

	green, err := e.greenBasket(tx, r.ID)
	if err != nil {
		return err
	}
	if green {
		st.advance(models.StreakGreenChoices, advanceDaily, r.CreatedAt, loc)
	}

	if st.user.LastUploadDate == nil || r.CreatedAt.After(*st.user.LastUploadDate) {
		at := r.CreatedAt
		st.user.LastUploadDate = &at
	}
	st.user.Experience += e.cfg.XPPerUpload
	st.out.XPGained += e.cfg.XPPerUpload
	st.out.Applied = true

	if err := store.MarkProcessed(tx, r.ID); err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	r.Status = models.ReceiptStatusProcessed
	return nil
}

// greenBasket reports whether at least half of a receipt's items are low-carbon.
func (e *Engine) greenBasket(tx *gorm.DB, receiptID uint) (bool, error) {
	var row struct {
		Items int64
		Green int64
	}
	err := tx.Model(&models.ReceiptItem{}).
		Select("COUNT(*) AS items, COALESCE(SUM(CASE WHEN carbon_emissions < ? THEN 1 ELSE 0 END), 0) AS green", e.cfg.GreenItemKg).
		Where("receipt_id = ?", receiptID).
		Scan(&row).Error
	if err != nil {
		return false, fmt.Errorf("green basket: %w", err)
	}
	return row.Items > 0 && row.Green*2 >= row.Items, nil
}

// settle recomputes counters from durable data, awards badges and levels, and
// writes the aggregate back.
func (e *Engine) settle(tx *gorm.DB, st *state) error {
	c, latestLow, err := e.counters(tx, &st.user)
	if err != nil {
		return err
	}
	if latestLow != nil && c.LowEmissionWeeks > st.user.WeeklyGreenWeeks {
		st.advance(models.StreakLowEmissions, advanceWeekly, *latestLow, e.cfg.Location)
	}

	upload := st.streaks[models.StreakUpload]
	st.user.TotalReceipts = c.TotalReceipts
	st.user.TotalEmissions = c.TotalEmissionsKg
	st.user.GreenChoices = c.GreenChoices
	st.user.WeeklyGreenWeeks = c.LowEmissionWeeks
	st.user.CurrentStreak = upload.Current
	st.user.LongestStreak = upload.Longest
	st.user.Level = levelFor(st.user.Level, st.user.Experience)

	c.LongestUploadStreak = upload.Longest
	c.LongestGreenStreak = st.streaks[models.StreakGreenChoices].Longest
	c.Level = st.user.Level

	// level badges can unlock further levels; each pass completes at least one badge
	for range st.badges {
		awards := e.evaluate(st, c)
		if len(awards) == 0 {
			break
		}
		for _, a := range awards {
			st.user.TotalPoints += a.Points
			st.user.Experience += a.Points
			st.out.XPGained += a.Points
		}
		st.out.NewBadges = append(st.out.NewBadges, awards...)
		st.user.Level = levelFor(st.user.Level, st.user.Experience)
		c.Level = st.user.Level
	}

	for t := range st.dirtyStreaks {
		if err := tx.Omit(clause.Associations).Save(st.streaks[t]).Error; err != nil {
			return fmt.Errorf("save streak %s: %w", t, err)
		}
	}
	for id := range st.dirtyAch {
		if err := tx.Omit(clause.Associations).Save(st.achievements[id]).Error; err != nil {
			return fmt.Errorf("save achievement %d: %w", id, err)
		}
	}
	if err := tx.Omit(clause.Associations).Save(&st.user).Error; err != nil {
		return fmt.Errorf("save user: %w", err)
	}
	st.finish()
	return nil
}

// evaluate measures every badge not yet completed. Progress only grows and
// completion is stamped once.
func (e *Engine) evaluate(st *state, c Counters) []BadgeAward {
	var awards []BadgeAward
	for i := range st.badges {
		b := &st.badges[i]
		measure, ok := evaluators[b.RequirementType]
		if !ok {
			continue
		}
		a := st.achievements[b.ID]
		if a != nil && a.IsCompleted {
			continue
		}
		value := measure(c)
		progress := math.Min(value, b.RequirementValue)
		if a == nil {
			if progress <= 0 {
				continue
			}
			a = &models.UserAchievement{UserID: st.user.ID, BadgeID: b.ID}
			st.achievements[b.ID] = a
		}
		if progress > a.Progress {
			a.Progress = progress
			st.dirtyAch[b.ID] = true
		}
		if value >= b.RequirementValue {
			earned := e.now()
			a.IsCompleted = true
			a.EarnedAt = &earned
			st.dirtyAch[b.ID] = true
			awards = append(awards, BadgeAward{Code: b.Code, Name: b.Name, Rarity: b.Rarity, Points: b.Points})
		}
	}
	return awards
}

// counters recomputes c from stored receipts. latestLow is the start of the most
// recent completed low-emission week, if any.
func (e *Engine) counters(tx *gorm.DB, user *models.User) (c Counters, latestLow *time.Time, err error) {
	userID := user.ID
	var agg struct {
		Receipts  int64
		Emissions float64
	}
	if err = tx.Model(&models.Receipt{}).
		Select("COUNT(*) AS receipts, COALESCE(SUM(total_carbon_emissions), 0) AS emissions").
		Where("user_id = ?", userID).
		Scan(&agg).Error; err != nil {
		return c, nil, fmt.Errorf("count receipts: %w", err)
	}
	var green int64
	if err = tx.Model(&models.ReceiptItem{}).
		Joins("JOIN receipts ON receipts.id = receipt_items.receipt_id").
		Where("receipts.user_id = ? AND receipt_items.carbon_emissions < ?", userID, e.cfg.GreenItemKg).
		Count(&green).Error; err != nil {
		return c, nil, fmt.Errorf("count green items: %w", err)
	}
	c.TotalReceipts = int(agg.Receipts)
	c.TotalEmissionsKg = math.Round(agg.Emissions*1e4) / 1e4
	c.GreenChoices = int(green)
	c.LowEmissionWeeks, latestLow, err = e.lowEmissionWeeks(tx, userID, user.CreatedAt)
	return c, latestLow, err
}

// lowEmissionWeeks counts completed calendar weeks with at least one receipt whose
// emissions stayed under the weekly budget. Weeks before the one the user joined
// in are ignored, so back-dated history cannot earn weekly badges.
func (e *Engine) lowEmissionWeeks(tx *gorm.DB, userID uint, joined time.Time) (int, *time.Time, error) {
	var rows []struct {
		TransactionDate      time.Time
		TotalCarbonEmissions float64
	}
	if err := tx.Model(&models.Receipt{}).
		Select("transaction_date, total_carbon_emissions").
		Where("user_id = ?", userID).
		Scan(&rows).Error; err != nil {
		return 0, nil, fmt.Errorf("weekly emissions: %w", err)
	}
	loc := e.cfg.Location
	type week struct {
		start time.Time
		kg    float64
	}
	weeks := make(map[int64]*week)
	for _, r := range rows {
		start := weekOf(r.TransactionDate, loc)
		w, ok := weeks[start.Unix()]
		if !ok {
			w = &week{start: start}
			weeks[start.Unix()] = w
		}
		w.kg += r.TotalCarbonEmissions
	}
	current := weekOf(e.now(), loc)
	first := weekOf(joined, loc)
	var (
		n      int
		latest *time.Time
	)
	for _, w := range weeks {
		if w.start.Before(first) || !w.start.Before(current) || w.kg >= e.cfg.LowEmissionsWeekKg {
			continue
		}
		n++
		if latest == nil || w.start.After(*latest) {
			s := w.start
			latest = &s
		}
	}
	return n, latest, nil
}

func (st *state) advance(streakType string, step func(*models.Streak, time.Time, *time.Location) bool, at time.Time, loc *time.Location) {
	if step(st.streaks[streakType], at, loc) {
		st.dirtyStreaks[streakType] = true
	}
}

func (st *state) finish() {
	upload := st.streaks[models.StreakUpload]
	st.out.Experience = st.user.Experience
	st.out.Level = st.user.Level
	st.out.LeveledUp = st.user.Level > st.levelBefore
	st.out.CurrentStreak = upload.Current
	st.out.LongestStreak = upload.Longest
}
