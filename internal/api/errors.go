package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/polkatrace/graph-engine/internal/db"
	"github.com/polkatrace/graph-engine/internal/graph"
	"github.com/polkatrace/graph-engine/internal/guard"
	"github.com/polkatrace/graph-engine/internal/upstream"
	"github.com/polkatrace/graph-engine/internal/validate"
)

// Client-facing error codes. Guard internals (CONCURRENT_QUERY, row and
// memory limits) are collapsed into coarser client codes; the precise
// cause stays in the logs.
const (
	codeInvalidAddress     = "INVALID_ADDRESS"
	codeInvalidParameters  = "INVALID_PARAMETERS"
	codeInvalidCursor      = "INVALID_CURSOR"
	codeInvalidCursorData  = "INVALID_CURSOR_DATA"
	codeAddressNotFound    = "ADDRESS_NOT_FOUND"
	codeDepthLimitExceeded = "DEPTH_LIMIT_EXCEEDED"
	codeQueryTimeout       = "QUERY_TIMEOUT"
	codeRateLimited        = "RATE_LIMITED"
	codeQueryTooComplex    = "QUERY_TOO_COMPLEX"
	codeUpstreamUnavail    = "UPSTREAM_UNAVAILABLE"
	codeCircuitOpen        = "CIRCUIT_OPEN"
	codeInternalError      = "INTERNAL_ERROR"
)

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

func respondError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, gin.H{"error": apiError{Code: code, Message: message}})
}

func respondFieldError(c *gin.Context, code, field, message string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": apiError{Code: code, Message: message, Field: field}})
}

// respondMapped translates internal errors into the client taxonomy.
// Anything unrecognized becomes INTERNAL_ERROR with no detail leaked.
func (h *Handler) respondMapped(c *gin.Context, err error) {
	switch {
	case errors.Is(err, validate.ErrInvalidAddress):
		respondError(c, http.StatusBadRequest, codeInvalidAddress, "address is not a valid SS58 string")
	case errors.Is(err, validate.ErrInvalidParameters):
		respondError(c, http.StatusBadRequest, codeInvalidParameters, "query parameter is malformed")
	case errors.Is(err, validate.ErrTooComplex):
		respondError(c, http.StatusBadRequest, codeQueryTooComplex, "query exceeds the complexity cap, reduce depth or node count")
	case errors.Is(err, graph.ErrInvalidCursorData):
		respondError(c, http.StatusBadRequest, codeInvalidCursorData, "cursor decoded but contains invalid data")
	case errors.Is(err, graph.ErrInvalidCursor):
		respondError(c, http.StatusBadRequest, codeInvalidCursor, "cursor is not decodable")
	case errors.Is(err, db.ErrNotFound):
		respondError(c, http.StatusNotFound, codeAddressNotFound, "address has no recorded activity")
	case errors.Is(err, guard.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		respondError(c, http.StatusGatewayTimeout, codeQueryTimeout, "query exceeded its time budget")
	case errors.Is(err, guard.ErrConcurrentQuery):
		respondError(c, http.StatusConflict, codeRateLimited, "an identical query is already running")
	case errors.Is(err, guard.ErrRowLimit), errors.Is(err, guard.ErrMemoryLimit):
		respondError(c, http.StatusBadRequest, codeQueryTooComplex, "query scanned too much data, narrow the filters")
	case errors.Is(err, context.Canceled):
		// Client went away; nothing useful to write.
		c.Abort()
	default:
		h.respondUpstream(c, err)
	}
}

func (h *Handler) respondUpstream(c *gin.Context, err error) {
	switch upstream.CodeOf(err) {
	case upstream.CodeCircuitOpen:
		respondError(c, http.StatusServiceUnavailable, codeCircuitOpen, "upstream circuit breaker is open")
	case upstream.CodeRateLimited:
		respondError(c, http.StatusTooManyRequests, codeRateLimited, "upstream budget exhausted, retry later")
	case upstream.CodeInvalidAddress:
		respondError(c, http.StatusBadRequest, codeInvalidAddress, "upstream rejected the address")
	case upstream.CodeNoData:
		respondError(c, http.StatusNotFound, codeAddressNotFound, "no data for address")
	case upstream.CodeAPIUnavailable, upstream.CodeNetworkError, upstream.CodeAPIKeyInvalid:
		respondError(c, http.StatusBadGateway, codeUpstreamUnavail, "upstream indexer is unavailable")
	default:
		if h.errLimit.Allow(callerKey(c)) {
			h.log.Error().Err(err).Str("path", c.FullPath()).Msg("unhandled error")
		}
		respondError(c, http.StatusInternalServerError, codeInternalError, "internal error")
	}
}
