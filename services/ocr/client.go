// Package ocr talks to the text-extraction service that turns receipt images
// into raw text and, when it can, structured line items.
package ocr

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/cppla/ecoreceipt/services/apperr"
	"github.com/cppla/ecoreceipt/services/normalizer"
)

const collaborator = "ocr engine"

// SupportedTypes are the image MIME types the engine accepts.
var SupportedTypes = map[string]bool{
	"image/jpeg": true,
	"image/jpg":  true,
	"image/png":  true,
	"image/webp": true,
	"image/heic": true,
}

// Result is the engine's answer for one image.
type Result struct {
	Success      bool                 `json:"success"`
	Text         string               `json:"text"`
	Confidence   float64              `json:"confidence"`
	Items        []normalizer.RawItem `json:"items"`
	Merchant     string               `json:"merchant"`
	Total        *float64             `json:"total"`
	Date         string               `json:"date"`
	ErrorMessage string               `json:"error_message"`
}

// Engine extracts text from an image.
type Engine interface {
	Extract(ctx context.Context, image []byte, mimeType string) (*Result, error)
}

type request struct {
	Image     string `json:"image"`
	ImageType string `json:"image_type"`
}

// Client is an Engine backed by the OCR HTTP service.
type Client struct {
	baseURL         string
	httpClient      *http.Client
	maxRetries      uint64
	initialInterval time.Duration
	logger          *zap.Logger
}

// NewClient creates a client for the service at baseURL. Each attempt is bounded
// by timeout; transient failures are retried up to maxRetries times.
func NewClient(baseURL string, timeout time.Duration, maxRetries int, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Client{
		baseURL:         strings.TrimRight(baseURL, "/"),
		httpClient:      &http.Client{Timeout: timeout},
		maxRetries:      uint64(maxRetries),
		initialInterval: 300 * time.Millisecond,
		logger:          logger,
	}
}

// ValidateImage checks the declared type and the size of an image before it is sent anywhere.
func ValidateImage(image []byte, mimeType string, maxBytes int64) error {
	if len(image) == 0 {
		return apperr.Validation("image", "is empty")
	}
	if !SupportedTypes[strings.ToLower(strings.TrimSpace(mimeType))] {
		return fmt.Errorf("%w: %q", apperr.ErrUnsupportedImage, mimeType)
	}
	if maxBytes > 0 && int64(len(image)) > maxBytes {
		return fmt.Errorf("%w: %d bytes exceeds %d", apperr.ErrImageTooLarge, len(image), maxBytes)
	}
	return nil
}

// Extract sends image to the service. A result without text or items is
// reported as an EmptyReceiptError.
func (c *Client) Extract(ctx context.Context, image []byte, mimeType string) (*Result, error) {
	payload, err := json.Marshal(request{
		Image:     base64.StdEncoding.EncodeToString(image),
		ImageType: strings.ToLower(mimeType),
	})
	if err != nil {
		return nil, err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.initialInterval
	policy := backoff.WithContext(backoff.WithMaxRetries(b, c.maxRetries), ctx)

	attempt := 0
	res, err := backoff.RetryNotifyWithData(func() (*Result, error) {
		attempt++
		return c.post(ctx, payload)
	}, policy, func(err error, wait time.Duration) {
		c.logger.Warn("ocr attempt failed, retrying",
			zap.Int("attempt", attempt), zap.Duration("wait", wait), zap.Error(err))
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		var (
			ve *apperr.ValidationError
			ee *apperr.EmptyReceiptError
		)
		if errors.As(err, &ve) || errors.As(err, &ee) ||
			errors.Is(err, apperr.ErrUnsupportedImage) || errors.Is(err, apperr.ErrImageTooLarge) {
			return nil, err
		}
		return nil, apperr.Unavailable(collaborator, err)
	}
	if !res.Success || (strings.TrimSpace(res.Text) == "" && len(res.Items) == 0) {
		return nil, &apperr.EmptyReceiptError{}
	}
	return res, nil
}

// post performs one attempt. Errors wrapped in backoff.Permanent are not retried.
func (c *Client) post(ctx context.Context, payload []byte) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/ocr", bytes.NewReader(payload))
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "ecoreceipt/1.0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, backoff.Permanent(ctx.Err())
		}
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fmt.Errorf("ocr service status %d", resp.StatusCode)
	case resp.StatusCode == http.StatusRequestEntityTooLarge:
		return nil, backoff.Permanent(apperr.ErrImageTooLarge)
	case resp.StatusCode == http.StatusUnsupportedMediaType:
		return nil, backoff.Permanent(apperr.ErrUnsupportedImage)
	case resp.StatusCode >= 400:
		detail := errorDetail(body)
		if strings.Contains(strings.ToLower(detail), "no text") {
			return nil, backoff.Permanent(&apperr.EmptyReceiptError{})
		}
		return nil, backoff.Permanent(apperr.Validation("image", "%s", detail))
	default:
		return nil, backoff.Permanent(fmt.Errorf("ocr service status %d", resp.StatusCode))
	}

	var res Result
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("decode ocr response: %w", err))
	}
	return &res, nil
}

func errorDetail(body []byte) string {
	var e struct {
		Detail any    `json:"detail"`
		Error  string `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil {
		if s, ok := e.Detail.(string); ok && s != "" {
			return s
		}
		if e.Error != "" {
			return e.Error
		}
	}
	if s := strings.TrimSpace(string(body)); s != "" && len(s) < 200 {
		return s
	}
	return "image rejected by ocr service"
}
