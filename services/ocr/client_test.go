package ocr

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cppla/ecoreceipt/services/apperr"
)

func newTestClient(url string, retries int) *Client {
	c := NewClient(url, 2*time.Second, retries, nil)
	c.initialInterval = time.Millisecond
	return c
}

func TestExtractSendsBase64Image(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/ocr", r.URL.Path)
		var req request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		raw, err := base64.StdEncoding.DecodeString(req.Image)
		require.NoError(t, err)
		assert.Equal(t, "fake-jpeg", string(raw))
		assert.Equal(t, "image/jpeg", req.ImageType)

		_, _ = w.Write([]byte(`{"success":true,"text":"MILK $3.99","confidence":0.82,"merchant":"Kroger","total":3.99,
			"items":[{"name":"Milk","quantity":1,"total_price":3.99}]}`))
	}))
	defer srv.Close()

	res, err := newTestClient(srv.URL, 0).Extract(context.Background(), []byte("fake-jpeg"), "IMAGE/JPEG")
	require.NoError(t, err)
	assert.Equal(t, "MILK $3.99", res.Text)
	assert.Equal(t, 0.82, res.Confidence)
	assert.Equal(t, "Kroger", res.Merchant)
	require.NotNil(t, res.Total)
	assert.Equal(t, 3.99, *res.Total)
	require.Len(t, res.Items, 1)
	assert.Equal(t, "Milk", res.Items[0].Name)
}

func TestExtractRetriesTransientFailures(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"success":true,"text":"BREAD $2.50","confidence":0.9}`))
	}))
	defer srv.Close()

	res, err := newTestClient(srv.URL, 3).Extract(context.Background(), []byte("x"), "image/png")
	require.NoError(t, err)
	assert.Equal(t, "BREAD $2.50", res.Text)
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
}

func TestExtractGivesUpAfterMaxRetries(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL, 2).Extract(context.Background(), []byte("x"), "image/png")
	var ce *apperr.CollaboratorUnavailableError
	require.True(t, errors.As(err, &ce), "got %v", err)
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
}

func TestExtractDoesNotRetryClientErrors(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		check  func(t *testing.T, err error)
	}{
		{"no text", http.StatusBadRequest, `{"detail":"No text extracted from image"}`, func(t *testing.T, err error) {
			var ee *apperr.EmptyReceiptError
			assert.True(t, errors.As(err, &ee), "got %v", err)
		}},
		{"bad image", http.StatusUnprocessableEntity, `{"detail":"cannot decode image"}`, func(t *testing.T, err error) {
			var ve *apperr.ValidationError
			require.True(t, errors.As(err, &ve), "got %v", err)
			assert.Contains(t, ve.Reason, "cannot decode image")
		}},
		{"unsupported", http.StatusUnsupportedMediaType, ``, func(t *testing.T, err error) {
			assert.ErrorIs(t, err, apperr.ErrUnsupportedImage)
		}},
		{"too large", http.StatusRequestEntityTooLarge, ``, func(t *testing.T, err error) {
			assert.ErrorIs(t, err, apperr.ErrImageTooLarge)
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var calls int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				atomic.AddInt32(&calls, 1)
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			_, err := newTestClient(srv.URL, 3).Extract(context.Background(), []byte("x"), "image/png")
			tc.check(t, err)
			assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
		})
	}
}

func TestExtractEmptyResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":true,"text":"   ","confidence":0.1}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL, 0).Extract(context.Background(), []byte("x"), "image/png")
	var ee *apperr.EmptyReceiptError
	assert.True(t, errors.As(err, &ee))
}

func TestExtractHonoursCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newTestClient(srv.URL, 5).Extract(ctx, []byte("x"), "image/png")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestValidateImage(t *testing.T) {
	assert.NoError(t, ValidateImage([]byte("abc"), "image/png", 10))
	assert.ErrorIs(t, ValidateImage([]byte("abc"), "application/pdf", 10), apperr.ErrUnsupportedImage)
	assert.ErrorIs(t, ValidateImage(make([]byte, 11), "image/png", 10), apperr.ErrImageTooLarge)

	var ve *apperr.ValidationError
	assert.True(t, errors.As(ValidateImage(nil, "image/png", 10), &ve))
}
