package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cppla/ecoreceipt/models"
	"github.com/cppla/ecoreceipt/services/apperr"
)

// Pagination selects one page of results. Limit is clamped to [1, MaxLimit];
// zero means DefaultLimit.
type Pagination struct {
	Page  int
	Limit int
}

// Filters narrow a receipt listing. Merchant matches case-insensitively as a substring.
type Filters struct {
	From     *time.Time
	To       *time.Time
	Merchant string
}

type PageInfo struct {
	Page       int   `json:"page"`
	Limit      int   `json:"limit"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"totalPages"`
}

type ReceiptPage struct {
	Receipts   []models.Receipt `json:"receipts"`
	Pagination PageInfo         `json:"pagination"`
}

var likeEscaper = strings.NewReplacer("!", "!!", "%", "!%", "_", "!_")

// GetReceiptsByUser lists receipts newest first.
func (s *Store) GetReceiptsByUser(ctx context.Context, userID uint, p Pagination, f Filters) (*ReceiptPage, error) {
	if p.Page < 1 {
		return nil, apperr.ErrInvalidPage
	}
	switch {
	case p.Limit <= 0:
		p.Limit = DefaultLimit
	case p.Limit > MaxLimit:
		p.Limit = MaxLimit
	}
	if f.From != nil && f.To != nil && f.To.Before(*f.From) {
		return nil, apperr.Validation("to", "must not be before from")
	}

	q := s.db.WithContext(ctx).Model(&models.Receipt{}).Where("user_id = ?", userID)
	if f.From != nil {
		q = q.Where("transaction_date >= ?", *f.From)
	}
	if f.To != nil {
		q = q.Where("transaction_date <= ?", *f.To)
	}
	if m := strings.TrimSpace(f.Merchant); m != "" {
		q = q.Where("LOWER(merchant) LIKE ? ESCAPE '!'", "%"+likeEscaper.Replace(strings.ToLower(m))+"%")
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, apperr.Persistence("count receipts", err)
	}
	receipts := make([]models.Receipt, 0, p.Limit)
	if err := q.Order("transaction_date DESC, id DESC").
		Offset((p.Page - 1) * p.Limit).Limit(p.Limit).
		Find(&receipts).Error; err != nil {
		return nil, apperr.Persistence("list receipts", err)
	}
	return &ReceiptPage{
		Receipts: receipts,
		Pagination: PageInfo{
			Page:       p.Page,
			Limit:      p.Limit,
			Total:      total,
			TotalPages: int((total + int64(p.Limit) - 1) / int64(p.Limit)),
		},
	}, nil
}

// EmissionsSummary is the dashboard headline for a user.
type EmissionsSummary struct {
	TotalReceipts       int64   `json:"totalReceipts"`
	TotalItems          int64   `json:"totalItems"`
	TotalEmissionsKg    float64 `json:"totalEmissionsKg"`
	TotalSpent          float64 `json:"totalSpent"`
	AveragePerReceiptKg float64 `json:"averagePerReceiptKg"`
	ThisMonthKg         float64 `json:"thisMonthKg"`
	LastMonthKg         float64 `json:"lastMonthKg"`
}

// GetEmissionsSummary aggregates all receipts of userID. Absent sums are zero.
func (s *Store) GetEmissionsSummary(ctx context.Context, userID uint) (*EmissionsSummary, error) {
	key := fmt.Sprintf("%sdashboard:summary", userPrefix(userID))
	var out EmissionsSummary
	err := s.cached(ctx, key, &out, func() (any, error) {
		now := s.now().In(s.loc)
		monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, s.loc)
		lastMonthStart := monthStart.AddDate(0, -1, 0)

		var sum EmissionsSummary
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			var row struct {
				Receipts  int64
				Emissions float64
				Spent     float64
			}
			err := s.db.WithContext(gctx).Model(&models.Receipt{}).
				Select("COUNT(*) AS receipts, COALESCE(SUM(total_carbon_emissions), 0) AS emissions, COALESCE(SUM(total), 0) AS spent").
				Where("user_id = ?", userID).Scan(&row).Error
			sum.TotalReceipts, sum.TotalEmissionsKg, sum.TotalSpent = row.Receipts, row.Emissions, row.Spent
			return err
		})
		g.Go(func() error {
			return s.db.WithContext(gctx).Model(&models.ReceiptItem{}).
				Joins("JOIN receipts ON receipts.id = receipt_items.receipt_id").
				Where("receipts.user_id = ?", userID).
				Count(&sum.TotalItems).Error
		})
		g.Go(func() error {
			v, err := s.sumEmissions(gctx, userID, monthStart, monthStart.AddDate(0, 1, 0))
			sum.ThisMonthKg = v
			return err
		})
		g.Go(func() error {
			v, err := s.sumEmissions(gctx, userID, lastMonthStart, monthStart)
			sum.LastMonthKg = v
			return err
		})
		if err := g.Wait(); err != nil {
			return nil, apperr.Persistence("emissions summary", err)
		}
		if sum.TotalReceipts > 0 {
			sum.AveragePerReceiptKg = sum.TotalEmissionsKg / float64(sum.TotalReceipts)
		}
		return &sum, nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *Store) sumEmissions(ctx context.Context, userID uint, from, to time.Time) (float64, error) {
	var v float64
	err := s.db.WithContext(ctx).Model(&models.Receipt{}).
		Select("COALESCE(SUM(total_carbon_emissions), 0)").
		Where("user_id = ? AND transaction_date >= ? AND transaction_date < ?", userID, from, to).
		Scan(&v).Error
	return v, err
}

// CategoryTotal is one slice of the category breakdown.
type CategoryTotal struct {
	Category    string  `json:"category"`
	Items       int64   `json:"items"`
	EmissionsKg float64 `json:"emissionsKg"`
	Spent       float64 `json:"spent"`
	Share       float64 `json:"share"`
}

// CategoryBreakdown groups item emissions by category, largest first.
func (s *Store) CategoryBreakdown(ctx context.Context, userID uint, from, to *time.Time) ([]CategoryTotal, error) {
	key := fmt.Sprintf("%sdashboard:categories:%s:%s", userPrefix(userID), timeKey(from), timeKey(to))
	out := []CategoryTotal{}
	err := s.cached(ctx, key, &out, func() (any, error) {
		rows := []CategoryTotal{}
		q := s.db.WithContext(ctx).Model(&models.ReceiptItem{}).
			Select("receipt_items.category AS category, COUNT(*) AS items, "+
				"COALESCE(SUM(receipt_items.carbon_emissions), 0) AS emissions_kg, "+
				"COALESCE(SUM(receipt_items.total_price), 0) AS spent").
			Joins("JOIN receipts ON receipts.id = receipt_items.receipt_id").
			Where("receipts.user_id = ?", userID)
		if from != nil {
			q = q.Where("receipts.transaction_date >= ?", *from)
		}
		if to != nil {
			q = q.Where("receipts.transaction_date <= ?", *to)
		}
		if err := q.Group("receipt_items.category").Order("emissions_kg DESC").Scan(&rows).Error; err != nil {
			return nil, apperr.Persistence("category breakdown", err)
		}
		var total float64
		for _, r := range rows {
			total += r.EmissionsKg
		}
		if total > 0 {
			for i := range rows {
				rows[i].Share = rows[i].EmissionsKg / total
			}
		}
		return rows, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// MonthTotal is one month of the rollup, keyed "YYYY-MM".
type MonthTotal struct {
	Month       string  `json:"month"`
	Receipts    int64   `json:"receipts"`
	EmissionsKg float64 `json:"emissionsKg"`
	Spent       float64 `json:"spent"`
}

// MonthlyRollup returns the last months calendar months, oldest first, with
// empty months present as zeros.
func (s *Store) MonthlyRollup(ctx context.Context, userID uint, months int) ([]MonthTotal, error) {
	if months <= 0 {
		months = 6
	}
	if months > 36 {
		months = 36
	}
	key := fmt.Sprintf("%sdashboard:monthly:%d", userPrefix(userID), months)
	out := []MonthTotal{}
	err := s.cached(ctx, key, &out, func() (any, error) {
		now := s.now().In(s.loc)
		start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, s.loc).AddDate(0, -(months - 1), 0)

		var rows []struct {
			TransactionDate      time.Time
			TotalCarbonEmissions float64
			Total                float64
		}
		if err := s.db.WithContext(ctx).Model(&models.Receipt{}).
			Select("transaction_date, total_carbon_emissions, total").
			Where("user_id = ? AND transaction_date >= ?", userID, start).
			Scan(&rows).Error; err != nil {
			return nil, apperr.Persistence("monthly rollup", err)
		}

		buckets := make([]MonthTotal, months)
		index := make(map[string]int, months)
		for i := range buckets {
			m := start.AddDate(0, i, 0).Format("2006-01")
			buckets[i].Month = m
			index[m] = i
		}
		for _, r := range rows {
			if i, ok := index[r.TransactionDate.In(s.loc).Format("2006-01")]; ok {
				buckets[i].Receipts++
				buckets[i].EmissionsKg += r.TotalCarbonEmissions
				buckets[i].Spent += r.Total
			}
		}
		return buckets, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// cached serves key from the cache into dst, or runs load once across
// concurrent callers and stores its result.
func (s *Store) cached(ctx context.Context, key string, dst any, load func() (any, error)) error {
	if s.cache != nil {
		if b, ok := s.cache.Get(ctx, key); ok && json.Unmarshal(b, dst) == nil {
			return nil
		}
	}
	v, err, _ := s.group.Do(key, func() (any, error) {
		res, err := load()
		if err != nil {
			return nil, err
		}
		b, err := json.Marshal(res)
		if err != nil {
			return nil, err
		}
		if s.cache != nil {
			s.cache.Set(context.WithoutCancel(ctx), key, b, dashboardTTL)
		}
		return b, nil
	})
	if err != nil {
		return err
	}
	return json.Unmarshal(v.([]byte), dst)
}

func timeKey(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format("20060102T150405")
}
