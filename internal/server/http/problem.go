package http

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	apperrors "insight/internal/errors"
	"insight/internal/shared/logging"
)

const problemContentType = "application/problem+json"

// Problem is an RFC 7807 problem details body.
type Problem struct {
	Type   string                 `json:"type"`
	Title  string                 `json:"title"`
	Status int                    `json:"status"`
	Detail string                 `json:"detail,omitempty"`
	Errors []apperrors.FieldIssue `json:"errors,omitempty"`
}

func newProblem(status int, detail string) Problem {
	return Problem{
		Type:   "about:blank",
		Title:  http.StatusText(status),
		Status: status,
		Detail: detail,
	}
}

// mapDomainError turns a domain error into its HTTP problem.
func mapDomainError(err error) Problem {
	var verr *apperrors.ValidationError
	switch {
	case errors.As(err, &verr):
		p := newProblem(http.StatusUnprocessableEntity, "request validation failed")
		p.Errors = verr.Fields
		return p
	case errors.Is(err, apperrors.ErrValidation):
		return newProblem(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, apperrors.ErrAuth):
		return newProblem(http.StatusForbidden, "invalid or missing credentials")
	case errors.Is(err, apperrors.ErrRateLimited):
		return newProblem(http.StatusTooManyRequests, "rate limit exceeded")
	case errors.Is(err, apperrors.ErrNotFound):
		return newProblem(http.StatusNotFound, err.Error())
	case errors.Is(err, apperrors.ErrConflict):
		return newProblem(http.StatusConflict, err.Error())
	case errors.Is(err, apperrors.ErrBusUnavailable):
		return newProblem(http.StatusServiceUnavailable, err.Error())
	}
	// Storage and unexpected failures do not leak internals.
	switch apperrors.GetErrorType(err) {
	case apperrors.ErrorTypeTransient, apperrors.ErrorTypeDegraded:
		return newProblem(http.StatusServiceUnavailable, "")
	default:
		return newProblem(http.StatusInternalServerError, "")
	}
}

func writeProblem(c *gin.Context, p Problem) {
	c.Header("Content-Type", problemContentType)
	c.AbortWithStatusJSON(p.Status, p)
}

// writeError maps err onto its problem, sets Retry-After when the error
// carries a wait hint and logs server-side failures when logger is set.
func writeError(c *gin.Context, err error, logger logging.Logger) {
	p := mapDomainError(err)
	if secs := apperrors.RetryAfter(err); secs > 0 {
		c.Header("Retry-After", strconv.Itoa(secs))
	}
	if logger != nil && p.Status >= http.StatusInternalServerError {
		logger.Error("%s %s: %v", c.Request.Method, c.FullPath(), err)
	}
	writeProblem(c, p)
}

func (h *handler) abortWithError(c *gin.Context, err error) {
	writeError(c, err, h.logger)
}
