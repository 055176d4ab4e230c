// Package pipeline runs one receipt upload end to end: OCR, normalization,
// emissions, atomic persistence and the gamification update.
//
// Every stage before persistence aborts the request with nothing stored. Once the
// receipt is committed it is never rolled back; a failed gamification update is
// logged and left for Reconcile.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/cppla/ecoreceipt/models"
	"github.com/cppla/ecoreceipt/services/apperr"
	"github.com/cppla/ecoreceipt/services/emissions"
	"github.com/cppla/ecoreceipt/services/gamification"
	"github.com/cppla/ecoreceipt/services/normalizer"
	"github.com/cppla/ecoreceipt/services/ocr"
	"github.com/cppla/ecoreceipt/services/store"
)

const gamificationTimeout = 10 * time.Second

// Persister stores a receipt atomically.
type Persister interface {
	CreateReceiptWithItems(ctx context.Context, userID uint, f store.ReceiptFields, items []normalizer.Item, summary *emissions.Summary) (*models.Receipt, error)
}

// Gamifier applies gamification events.
type Gamifier interface {
	Process(ctx context.Context, ev gamification.Event) (*gamification.Outcome, error)
}

// Request is one upload. Exactly one of Image or ImageURL is expected.
type Request struct {
	UserID    uint
	Image     []byte
	ImageURL  string
	ImageType string
	FileName  string
	RequestID string
}

// Result is what the uploader gets back.
type Result struct {
	ReceiptID       uint                  `json:"receiptId"`
	Merchant        string                `json:"merchant"`
	TransactionDate time.Time             `json:"transactionDate"`
	TotalEmissions  float64               `json:"totalEmissions"`
	CarbonIntensity float64               `json:"carbonIntensity"`
	Summary         string                `json:"summary"`
	ItemsCount      int                   `json:"itemsCount"`
	DroppedLines    int                   `json:"droppedLines"`
	Items           []models.ReceiptItem  `json:"items"`
	Gamification    *gamification.Outcome `json:"gamification,omitempty"`
}

// Orchestrator sequences the pipeline stages.
type Orchestrator struct {
	ocr           ocr.Engine
	normalizer    *normalizer.Normalizer
	calculator    emissions.Calculator
	store         Persister
	gamifier      Gamifier
	fetcher       Fetcher
	maxImageBytes int64
	logger        *zap.Logger
	metrics       *Metrics
	tracer        trace.Tracer
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithLogger(l *zap.Logger) Option { return func(o *Orchestrator) { o.logger = l } }

func WithMetrics(m *Metrics) Option { return func(o *Orchestrator) { o.metrics = m } }

// WithFetcher enables image URLs.
func WithFetcher(f Fetcher) Option { return func(o *Orchestrator) { o.fetcher = f } }

// WithMaxImageBytes caps the accepted image size.
func WithMaxImageBytes(n int64) Option { return func(o *Orchestrator) { o.maxImageBytes = n } }

func New(engine ocr.Engine, n *normalizer.Normalizer, calc emissions.Calculator, p Persister, g Gamifier, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		ocr:           engine,
		normalizer:    n,
		calculator:    calc,
		store:         p,
		gamifier:      g,
		maxImageBytes: 10 << 20,
		logger:        zap.NewNop(),
		tracer:        otel.Tracer("ecoreceipt/pipeline"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Process runs the pipeline for req. Errors are apperr types or context errors.
func (o *Orchestrator) Process(ctx context.Context, req Request) (*Result, error) {
	ctx, span := o.tracer.Start(ctx, "receipt.process", trace.WithAttributes(
		attribute.Int64("user.id", int64(req.UserID)),
		attribute.String("request.id", req.RequestID),
	))
	defer span.End()

	log := o.logger.With(zap.String("request_id", req.RequestID), zap.Uint("user_id", req.UserID))
	res, err := o.run(ctx, req, log)
	o.metrics.countOutcome(outcomeOf(err))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "receipt processing failed")
		return nil, err
	}
	span.SetAttributes(attribute.Int64("receipt.id", int64(res.ReceiptID)))
	return res, nil
}

func (o *Orchestrator) run(ctx context.Context, req Request, log *zap.Logger) (*Result, error) {
	if req.UserID == 0 {
		return nil, apperr.Validation("user", "missing identity")
	}

	image, mimeType := req.Image, req.ImageType
	if len(image) == 0 && req.ImageURL != "" {
		if o.fetcher == nil {
			return nil, apperr.Validation("imageUrl", "not supported")
		}
		err := o.stage(ctx, log, "fetch", func(ctx context.Context) error {
			var fetchedType string
			var err error
			image, fetchedType, err = o.fetcher.Fetch(ctx, req.ImageURL)
			if mimeType == "" {
				mimeType = fetchedType
			}
			return err
		})
		if err != nil {
			return nil, err
		}
	}
	if err := ocr.ValidateImage(image, mimeType, o.maxImageBytes); err != nil {
		log.Info("image rejected", zap.String("stage", "validate"), zap.Error(err))
		return nil, err
	}

	var extracted *ocr.Result
	if err := o.stage(ctx, log, "ocr", func(ctx context.Context) error {
		var err error
		extracted, err = o.ocr.Extract(ctx, image, mimeType)
		return err
	}); err != nil {
		return nil, err
	}

	var normalized *normalizer.Result
	if err := o.stage(ctx, log, "normalize", func(context.Context) error {
		var err error
		normalized, err = o.normalizer.Normalize(normalizer.Input{
			Text:       extracted.Text,
			Confidence: extracted.Confidence,
			Items:      extracted.Items,
			Merchant:   extracted.Merchant,
			Total:      extracted.Total,
			Date:       extracted.Date,
		})
		return err
	}); err != nil {
		return nil, err
	}

	var summary *emissions.Summary
	if err := o.stage(ctx, log, "emissions", func(ctx context.Context) error {
		var err error
		summary, err = o.calculator.Calculate(ctx, normalized.Items)
		return err
	}); err != nil {
		return nil, err
	}

	// an abandoned request stops here with nothing written
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var receipt *models.Receipt
	if err := o.stage(ctx, log, "persist", func(ctx context.Context) error {
		raw, _ := json.Marshal(extracted)
		var err error
		receipt, err = o.store.CreateReceiptWithItems(ctx, req.UserID, store.ReceiptFields{
			Merchant:        normalized.Merchant,
			TransactionDate: normalized.Date,
			Total:           normalized.Total,
			Tax:             normalized.Tax,
			FileName:        req.FileName,
			ImageType:       mimeType,
			OCRConfidence:   extracted.Confidence,
			DroppedLines:    normalized.Dropped,
			RawOCR:          raw,
		}, normalized.Items, summary)
		return err
	}); err != nil {
		return nil, err
	}
	o.metrics.observeEmissions(receipt.TotalCarbonEmissions)
	log = log.With(zap.Uint("receipt_id", receipt.ID))

	res := &Result{
		ReceiptID:       receipt.ID,
		Merchant:        receipt.Merchant,
		TransactionDate: receipt.TransactionDate,
		TotalEmissions:  receipt.TotalCarbonEmissions,
		CarbonIntensity: receipt.CarbonIntensity,
		Summary:         receipt.EmissionsSummary,
		ItemsCount:      receipt.ItemsCount,
		DroppedLines:    receipt.DroppedLines,
		Items:           receipt.Items,
	}
	res.Gamification = o.gamify(ctx, log, req.UserID, receipt.ID)
	log.Info("receipt processed",
		zap.Int("items", res.ItemsCount),
		zap.Float64("emissions_kg", res.TotalEmissions))
	return res, nil
}

// gamify applies the upload event. The receipt is already committed, so failures
// are logged and swallowed.
func (o *Orchestrator) gamify(ctx context.Context, log *zap.Logger, userID, receiptID uint) *gamification.Outcome {
	if o.gamifier == nil {
		return nil
	}
	gctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), gamificationTimeout)
	defer cancel()

	var out *gamification.Outcome
	err := o.stage(gctx, log, "gamify", func(ctx context.Context) error {
		var err error
		out, err = o.gamifier.Process(ctx, gamification.Event{
			Type:      gamification.EventReceiptUploaded,
			UserID:    userID,
			ReceiptID: receiptID,
		})
		return err
	})
	if err != nil {
		gerr := &apperr.GamificationEvaluationError{UserID: userID, ReceiptID: receiptID, Err: err}
		o.metrics.gamificationFailed()
		log.Error("gamification update failed; receipt kept pending for reconcile",
			zap.String("stage", "gamify"), zap.Error(gerr))
		return nil
	}
	return out
}

// stage runs fn inside a span and records its latency.
func (o *Orchestrator) stage(ctx context.Context, log *zap.Logger, name string, fn func(context.Context) error) error {
	ctx, span := o.tracer.Start(ctx, "receipt."+name)
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	elapsed := time.Since(start)
	o.metrics.observeStage(name, err, elapsed)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, name+" failed")
		fields := []zap.Field{zap.String("stage", name), zap.Duration("elapsed", elapsed), zap.Error(err)}
		if apperr.HTTPStatus(err) < http.StatusInternalServerError {
			log.Info("receipt rejected", fields...)
		} else {
			log.Error("receipt stage failed", fields...)
		}
		return err
	}
	log.Debug("stage done", zap.String("stage", name), zap.Duration("elapsed", elapsed))
	return nil
}

func outcomeOf(err error) string {
	var ce *apperr.CollaboratorUnavailableError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &ce):
		return "unavailable"
	case apperr.HTTPStatus(err) < http.StatusInternalServerError:
		return "client_error"
	default:
		return "failed"
	}
}
