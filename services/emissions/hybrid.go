package emissions

import (
	"context"
	"errors"
	"io"

	"go.uber.org/zap"

	"github.com/cppla/ecoreceipt/services/normalizer"
)

// HybridCalculator uses the factor table for items whose names it knows and
// asks the estimator only about the rest. If the estimator is unavailable the
// table's fallback figures are kept.
type HybridCalculator struct {
	estimator *GeminiEstimator
	logger    *zap.Logger
}

func NewHybridCalculator(estimator *GeminiEstimator, logger *zap.Logger) *HybridCalculator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HybridCalculator{estimator: estimator, logger: logger}
}

func (h *HybridCalculator) Calculate(ctx context.Context, items []normalizer.Item) (*Summary, error) {
	per := make([]ItemEmission, len(items))
	var (
		unknown []normalizer.Item
		slots   []int
	)
	for i, item := range items {
		est, matched := estimate(item)
		per[i] = est
		if !matched {
			unknown = append(unknown, item)
			slots = append(slots, i)
		}
	}
	if len(unknown) == 0 || h.estimator == nil {
		return newSummary(StrategyHybrid, per, ""), nil
	}

	estimated, _, err := h.estimator.estimate(ctx, unknown)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		h.logger.Warn("estimator unavailable, keeping table fallback",
			zap.Int("items", len(unknown)), zap.Error(err))
		return newSummary(StrategyHybrid, per, ""), nil
	}
	for k, i := range slots {
		per[i] = estimated[k]
	}
	return newSummary(StrategyHybrid, per, ""), nil
}

func (h *HybridCalculator) Close() error {
	if h.estimator == nil {
		return nil
	}
	return h.estimator.Close()
}

// Options selects and configures a strategy.
type Options struct {
	Strategy     string
	GeminiAPIKey string
	GeminiModel  string
	Logger       *zap.Logger
}

// New builds the Calculator named by opts.Strategy. Strategies that need the
// estimator fall back to the table when it cannot be created.
func New(ctx context.Context, opts Options) (Calculator, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	switch opts.Strategy {
	case "", StrategyTable:
		return NewTableCalculator(), nil
	case StrategyLLM, StrategyHybrid:
		est, err := NewGeminiEstimator(ctx, opts.GeminiAPIKey, opts.GeminiModel)
		if err != nil {
			logger.Warn("emissions estimator disabled, using table strategy",
				zap.String("strategy", opts.Strategy), zap.Error(err))
			return NewTableCalculator(), nil
		}
		if opts.Strategy == StrategyLLM {
			return est, nil
		}
		return NewHybridCalculator(est, logger), nil
	default:
		return nil, errors.New("unknown emissions strategy: " + opts.Strategy)
	}
}

// Close releases resources held by c, if any.
func Close(c Calculator) error {
	if closer, ok := c.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
