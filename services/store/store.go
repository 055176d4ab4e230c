// Package store persists receipts with their items and emissions, and serves
// the read side: paginated listing and dashboard aggregates.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/cppla/ecoreceipt/models"
	"github.com/cppla/ecoreceipt/services/apperr"
	"github.com/cppla/ecoreceipt/services/emissions"
	"github.com/cppla/ecoreceipt/services/normalizer"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100

	dashboardTTL = 10 * time.Minute
)

// Cache is the byte cache used for dashboard reads. Implementations must be safe
// for concurrent use; failures are treated as misses.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration)
	InvalidatePrefix(ctx context.Context, prefix string)
}

// Store is the persistence service.
type Store struct {
	db    *gorm.DB
	cache Cache
	loc   *time.Location
	group singleflight.Group
	now   func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithCache enables dashboard caching.
func WithCache(c Cache) Option { return func(s *Store) { s.cache = c } }

// WithLocation sets the timezone used for monthly buckets.
func WithLocation(loc *time.Location) Option {
	return func(s *Store) {
		if loc != nil {
			s.loc = loc
		}
	}
}

func New(db *gorm.DB, opts ...Option) *Store {
	s := &Store{db: db, loc: time.Local, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// DB exposes the underlying handle for collaborators sharing the schema.
func (s *Store) DB() *gorm.DB { return s.db }

// Profile carries the identity provider's view of a user.
type Profile struct {
	Username  string
	Email     string
	AvatarURL string
}

// EnsureUser returns the user for externalID, creating it on first sight.
func (s *Store) EnsureUser(ctx context.Context, externalID string, p Profile) (*models.User, error) {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return nil, apperr.Validation("user", "missing identity")
	}
	db := s.db.WithContext(ctx)
	var user models.User
	err := db.Where(models.User{ExternalID: externalID}).
		Attrs(models.User{Username: p.Username, Email: p.Email, AvatarURL: p.AvatarURL, Level: 1}).
		FirstOrCreate(&user).Error
	if err != nil {
		// lost a creation race on the unique index
		if again := db.Where("external_id = ?", externalID).First(&user).Error; again != nil {
			return nil, apperr.Persistence("ensure user", err)
		}
	}
	return &user, nil
}

// GetUser loads a user by primary key.
func (s *Store) GetUser(ctx context.Context, userID uint) (*models.User, error) {
	var user models.User
	if err := s.db.WithContext(ctx).First(&user, userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.ErrNotFound
		}
		return nil, apperr.Persistence("get user", err)
	}
	return &user, nil
}

// ReceiptFields are the receipt-level values captured by the pipeline.
type ReceiptFields struct {
	Merchant        string
	TransactionDate time.Time
	Currency        string
	Total           float64
	Tax             float64
	Tip             float64
	FileName        string
	ImageType       string
	OCRConfidence   float64
	DroppedLines    int
	RawOCR          []byte
}

// CreateReceiptWithItems writes the receipt, every item and the emissions figures
// in one transaction. On any failure nothing is kept and a PersistenceError is returned.
func (s *Store) CreateReceiptWithItems(ctx context.Context, userID uint, f ReceiptFields, items []normalizer.Item, summary *emissions.Summary) (*models.Receipt, error) {
	if summary == nil || len(summary.Items) != len(items) {
		return nil, apperr.Persistence("create receipt", errors.New("emissions do not cover every item"))
	}
	currency := strings.ToUpper(strings.TrimSpace(f.Currency))
	if currency == "" {
		currency = "USD"
	}

	receipt := models.Receipt{
		UserID:               userID,
		Merchant:             f.Merchant,
		TransactionDate:      f.TransactionDate,
		Currency:             currency,
		Total:                f.Total,
		Tax:                  f.Tax,
		Tip:                  f.Tip,
		TotalCarbonEmissions: summary.TotalEmissionsKg,
		CarbonIntensity:      summary.CarbonIntensity,
		ItemsCount:           len(items),
		Status:               models.ReceiptStatusPending,
		FileName:             f.FileName,
		ImageType:            f.ImageType,
		OCRConfidence:        f.OCRConfidence,
		DroppedLines:         f.DroppedLines,
		EmissionsStrategy:    summary.Strategy,
		EmissionsSummary:     summary.Summary,
	}
	if len(f.RawOCR) > 0 {
		receipt.RawOCR = datatypes.JSON(f.RawOCR)
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var owner models.User
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Select("id").First(&owner, userID).Error; err != nil {
			return fmt.Errorf("load owner: %w", err)
		}
		if err := tx.Omit(clause.Associations).Create(&receipt).Error; err != nil {
			return fmt.Errorf("insert receipt: %w", err)
		}
		receipt.Items = make([]models.ReceiptItem, len(items))
		for i, it := range items {
			est := summary.Items[i]
			row := models.ReceiptItem{
				ReceiptID:         receipt.ID,
				Name:              it.Name,
				Quantity:          it.Quantity,
				UnitPrice:         it.UnitPrice,
				TotalPrice:        it.TotalPrice,
				Category:          est.Category,
				Brand:             it.Brand,
				Barcode:           it.Barcode,
				CarbonEmissions:   est.EmissionsKg,
				Confidence:        minConfidence(it.Confidence, est.Confidence),
				EstimatedWeightKg: est.EstimatedWeightKg,
				Source:            est.Source,
				Justification:     est.Justification,
			}
			if len(it.Flags) > 0 {
				row.Flags = datatypes.JSONSlice[string](it.Flags)
			}
			if row.Category == "" {
				row.Category = it.Category
			}
			if err := tx.Create(&row).Error; err != nil {
				return fmt.Errorf("insert item %d: %w", i, err)
			}
			receipt.Items[i] = row
		}
		return nil
	})
	if err != nil {
		return nil, apperr.Persistence("create receipt", err)
	}
	s.invalidate(ctx, userID)
	return &receipt, nil
}

func minConfidence(a, b float64) float64 {
	if b > 0 && b < a {
		return b
	}
	return a
}

// GetReceipt returns a receipt with its items, scoped to its owner.
func (s *Store) GetReceipt(ctx context.Context, receiptID, userID uint) (*models.Receipt, error) {
	var r models.Receipt
	err := s.db.WithContext(ctx).
		Preload("Items", func(db *gorm.DB) *gorm.DB { return db.Order("id ASC") }).
		Where("id = ? AND user_id = ?", receiptID, userID).
		First(&r).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.ErrNotFound
		}
		return nil, apperr.Persistence("get receipt", err)
	}
	return &r, nil
}

// DeleteReceipt removes a receipt owned by userID together with its items. A
// receipt owned by someone else is reported as not found and left untouched.
func (s *Store) DeleteReceipt(ctx context.Context, receiptID, userID uint) (*models.Receipt, error) {
	var deleted models.Receipt
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ? AND user_id = ?", receiptID, userID).First(&deleted).Error; err != nil {
			return err
		}
		if err := tx.Where("receipt_id = ?", deleted.ID).Delete(&models.ReceiptItem{}).Error; err != nil {
			return err
		}
		res := tx.Where("id = ? AND user_id = ?", deleted.ID, userID).Delete(&models.Receipt{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.ErrNotFound
		}
		return nil, apperr.Persistence("delete receipt", err)
	}
	s.invalidate(ctx, userID)
	return &deleted, nil
}

// MarkProcessed flips receipts to processed inside tx.
func MarkProcessed(tx *gorm.DB, receiptIDs ...uint) error {
	if len(receiptIDs) == 0 {
		return nil
	}
	return tx.Model(&models.Receipt{}).
		Where("id IN ? AND status = ?", receiptIDs, models.ReceiptStatusPending).
		Update("status", models.ReceiptStatusProcessed).Error
}

// InvalidateUser drops cached dashboard reads for userID.
func (s *Store) InvalidateUser(ctx context.Context, userID uint) { s.invalidate(ctx, userID) }

func (s *Store) invalidate(ctx context.Context, userID uint) {
	if s.cache == nil {
		return
	}
	s.cache.InvalidatePrefix(context.WithoutCancel(ctx), userPrefix(userID))
}

func userPrefix(userID uint) string {
	return fmt.Sprintf("cache:user:%d:", userID)
}
