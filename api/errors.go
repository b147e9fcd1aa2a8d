package api

import (
	"errors"
	"net/http"

	"github.com/Domenick1991/staybook/internal/domain"
	"github.com/gin-gonic/gin"
)

func statusOf(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation),
		errors.Is(err, domain.ErrInvalidDateRange),
		errors.Is(err, domain.ErrGuestCountOutOfBounds),
		errors.Is(err, domain.ErrInvalidSignature):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrIllegalStateTransition),
		errors.Is(err, domain.ErrHoldExpired),
		errors.Is(err, domain.ErrHoldAlreadyResolved),
		errors.Is(err, domain.ErrPaymentNotAuthorized),
		errors.Is(err, domain.ErrQuoteStale),
		errors.Is(err, domain.ErrRefundInProgress),
		errors.Is(err, domain.ErrInventoryUnavailable),
		errors.Is(err, domain.ErrListingNotBookable):
		return http.StatusConflict
	case errors.Is(err, domain.ErrPaymentDeclined):
		return http.StatusPaymentRequired
	case errors.Is(err, domain.ErrProviderUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrRefundExceedsCaptured):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrHoldNotFound):
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func respondError(c *gin.Context, err error) {
	status := statusOf(err)
	if status == http.StatusInternalServerError {
		// internals stay in the log
		_ = c.Error(err)
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
