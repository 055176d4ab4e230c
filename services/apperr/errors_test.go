package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"validation", Validation("quantity", "must be > 0"), http.StatusBadRequest},
		{"empty receipt", &EmptyReceiptError{Dropped: 3}, http.StatusBadRequest},
		{"unsupported image", fmt.Errorf("ocr: %w", ErrUnsupportedImage), http.StatusBadRequest},
		{"invalid page", ErrInvalidPage, http.StatusBadRequest},
		{"not found", fmt.Errorf("receipt 9: %w", ErrNotFound), http.StatusNotFound},
		{"too large", ErrImageTooLarge, http.StatusRequestEntityTooLarge},
		{"collaborator", Unavailable("ocr", context.DeadlineExceeded), http.StatusServiceUnavailable},
		{"persistence", Persistence("create receipt", errors.New("deadlock")), http.StatusInternalServerError},
		{"unknown", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, HTTPStatus(tc.err))
		})
	}
}

func TestPublicMessageHidesInfrastructure(t *testing.T) {
	err := Persistence("create receipt", errors.New("dial tcp 10.0.0.5:3306: connection refused"))
	assert.Equal(t, "internal error", PublicMessage(err))

	err = Unavailable("ocr", errors.New("dial tcp 10.0.0.9:8000"))
	assert.NotContains(t, PublicMessage(err), "10.0.0.9")

	assert.Equal(t, "quantity: must be > 0", PublicMessage(Validation("quantity", "must be > 0")))
}

func TestPersistenceDoesNotDoubleWrap(t *testing.T) {
	inner := Persistence("insert item", errors.New("constraint"))
	outer := Persistence("create receipt", inner)
	assert.Same(t, inner, outer)
	assert.Nil(t, Persistence("noop", nil))
}
