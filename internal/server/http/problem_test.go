package http

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	apperrors "insight/internal/errors"
)

func TestMapDomainErrorByClass(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{apperrors.ErrAuth, http.StatusForbidden},
		{apperrors.RateLimited(time.Second), http.StatusTooManyRequests},
		{fmt.Errorf("lookup: %w", apperrors.ErrNotFound), http.StatusNotFound},
		{apperrors.BusUnavailable(3), http.StatusServiceUnavailable},
		{&apperrors.TransientError{Err: errors.New("pool exhausted")}, http.StatusServiceUnavailable},
		{&apperrors.DegradedError{Err: errors.New("no broker")}, http.StatusServiceUnavailable},
		{&apperrors.StorageError{Op: "log", Err: errors.New("disk full")}, http.StatusInternalServerError},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		p := mapDomainError(tc.err)
		assert.Equal(t, tc.want, p.Status, "%v", tc.err)
		if tc.want == http.StatusInternalServerError {
			assert.Empty(t, p.Detail, "internals leaked for %v", tc.err)
		}
	}
}

func TestWriteErrorSetsRetryAfter(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest(http.MethodGet, "/runs", nil)

	writeError(c, apperrors.RateLimited(1500*time.Millisecond), nil)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))
	assert.Equal(t, problemContentType, rec.Header().Get("Content-Type"))
}
