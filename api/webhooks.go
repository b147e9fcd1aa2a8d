package api

import (
	"io"
	"net/http"

	"github.com/Domenick1991/staybook/internal/domain"
	"github.com/Domenick1991/staybook/internal/gateway/stripepay"
	"github.com/Domenick1991/staybook/internal/service/booking"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// maxWebhookBody matches the provider's documented payload ceiling.
const maxWebhookBody = 64 << 10

type WebhookParser interface {
	Parse(payload []byte, signature string) (domain.PaymentEvent, error)
}

type WebhookHandler struct {
	parser  WebhookParser
	service booking.BookingUseCase
	log     *zap.Logger
}

func NewWebhookHandler(parser WebhookParser, service booking.BookingUseCase, log *zap.Logger) *WebhookHandler {
	return &WebhookHandler{parser: parser, service: service, log: log}
}

func (h *WebhookHandler) Register(router *gin.RouterGroup) {
	router.POST("/payment-provider", h.paymentProvider)
}

// paymentProvider answers 2xx only once the event is durably applied or known
// to be irrelevant, so the provider keeps redelivering anything else.
func (h *WebhookHandler) paymentProvider(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	event, err := h.parser.Parse(payload, c.GetHeader(stripepay.SignatureHeader))
	if err != nil {
		h.log.Warn("rejected payment webhook", zap.Error(err))
		respondError(c, err)
		return
	}

	outcome, err := h.service.ApplyPaymentEvent(c.Request.Context(), event)
	if err != nil {
		h.log.Error("apply payment webhook", zap.String("event_id", event.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "not applied"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"received": true, "applied": outcome.Applied})
}
