package models

import (
	"time"

	"gorm.io/datatypes"
)

// Receipt statuses. A receipt is persisted as pending and flips to processed once
// the gamification overlay has been applied for it.
const (
	ReceiptStatusPending   = "pending"
	ReceiptStatusProcessed = "processed"
)

// Receipt is one purchase event owned by a single user.
type Receipt struct {
	ID                   uint           `gorm:"primaryKey" json:"id"`
	UserID               uint           `gorm:"index;not null" json:"user_id"`
	Merchant             string         `gorm:"size:255;index" json:"merchant"`
	TransactionDate      time.Time      `gorm:"index;not null" json:"transaction_date"`
	Currency             string         `gorm:"size:3;not null;default:'USD'" json:"currency"`
	Total                float64        `gorm:"not null;default:0" json:"total"`
	Tax                  float64        `gorm:"not null;default:0" json:"tax"`
	Tip                  float64        `gorm:"not null;default:0" json:"tip"`
	TotalCarbonEmissions float64        `gorm:"not null;default:0" json:"total_carbon_emissions"`
	CarbonIntensity      float64        `gorm:"not null;default:0" json:"carbon_intensity"`
	ItemsCount           int            `gorm:"not null;default:0" json:"items_count"`
	Status               string         `gorm:"size:16;index;not null;default:'pending'" json:"status"`
	FileName             string         `gorm:"size:255" json:"file_name"`
	ImageType            string         `gorm:"size:64" json:"image_type"`
	OCRConfidence        float64        `json:"ocr_confidence"`
	DroppedLines         int            `json:"dropped_lines"`
	EmissionsStrategy    string         `gorm:"size:16" json:"emissions_strategy"`
	EmissionsSummary     string         `gorm:"type:text" json:"emissions_summary"`
	RawOCR               datatypes.JSON `json:"-"`
	CreatedAt            time.Time      `json:"created_at"`
	UpdatedAt            time.Time      `json:"updated_at"`
	Items                []ReceiptItem  `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE;" json:"items,omitempty"`
}

// ReceiptItem is one purchase line of a receipt. Items are only written together with their receipt.
type ReceiptItem struct {
	ID                uint    `gorm:"primaryKey" json:"id"`
	ReceiptID         uint    `gorm:"index;not null" json:"receipt_id"`
	Name              string  `gorm:"size:255;not null" json:"name"`
	Quantity          float64 `gorm:"not null" json:"quantity"`
	UnitPrice         float64 `gorm:"not null;default:0" json:"unit_price"`
	TotalPrice        float64 `gorm:"not null;default:0" json:"total_price"`
	Category          string  `gorm:"size:32;index" json:"category"`
	Brand             string  `gorm:"size:128" json:"brand"`
	Barcode           string  `gorm:"size:64" json:"barcode"`
	CarbonEmissions   float64 `gorm:"not null;default:0" json:"carbon_emissions"`
	Confidence        float64 `gorm:"not null;default:0" json:"confidence"`
	EstimatedWeightKg float64 `json:"estimated_weight_kg"`
	Source            string  `gorm:"size:32" json:"source"`
	Justification     string  `gorm:"type:text" json:"justification,omitempty"`
	// Flags marks lines that were kept but look suspect (price_mismatch, low_confidence).
	Flags     datatypes.JSONSlice[string] `json:"flags,omitempty"`
	CreatedAt time.Time                   `json:"created_at"`
}
