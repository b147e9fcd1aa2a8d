package api

import (
	"net/http"
	"time"

	"github.com/Domenick1991/staybook/internal/domain"
	"github.com/Domenick1991/staybook/internal/service/booking"
	"github.com/Domenick1991/staybook/internal/service/pricing"
	"github.com/gin-gonic/gin"
)

const dateLayout = "2006-01-02"

type BookingHandler struct {
	service booking.BookingUseCase
}

type quoteRequest struct {
	UserID   string                 `json:"user_id"`
	Listing  domain.ListingRef      `json:"listing_ref"`
	CheckIn  string                 `json:"check_in"`
	CheckOut string                 `json:"check_out"`
	Guests   int                    `json:"guests"`
	AddOns   []pricing.AddOnRequest `json:"add_ons"`
	Save     bool                   `json:"save"`
}

func (r quoteRequest) input() (booking.QuoteInput, error) {
	checkIn, err := parseDate("check_in", r.CheckIn, true)
	if err != nil {
		return booking.QuoteInput{}, err
	}
	checkOut, err := parseDate("check_out", r.CheckOut, false)
	if err != nil {
		return booking.QuoteInput{}, err
	}
	return booking.QuoteInput{
		UserID:   r.UserID,
		Listing:  r.Listing,
		CheckIn:  checkIn,
		CheckOut: checkOut,
		Guests:   r.Guests,
		AddOns:   r.AddOns,
		Save:     r.Save,
	}, nil
}

type holdRequest struct {
	QuoteID       string `json:"quote_id"`
	UserID        string `json:"user_id"`
	ExpectedTotal *int64 `json:"expected_total"`
	quoteRequest
}

type preAuthorizeRequest struct {
	PaymentMethod string `json:"payment_method"`
}

type confirmRequest struct {
	PaymentID string `json:"payment_id"`
}

type cancelRequest struct {
	Actor  booking.Actor `json:"actor"`
	Reason string        `json:"reason"`
}

type bookingResponse struct {
	ID            string               `json:"id"`
	Status        string               `json:"status"`
	UserID        string               `json:"user_id,omitempty"`
	Listing       domain.ListingRef    `json:"listing_ref"`
	Guests        int                  `json:"guests"`
	CheckIn       string               `json:"check_in"`
	CheckOut      string               `json:"check_out"`
	Price         domain.PriceSnapshot `json:"price"`
	HoldExpiresAt string               `json:"hold_expires_at,omitempty"`
	CancelReason  string               `json:"cancel_reason,omitempty"`
	Version       int64                `json:"version"`
}

func toBookingResponse(b *domain.Booking) bookingResponse {
	resp := bookingResponse{
		ID:           b.ID,
		Status:       string(b.Status),
		UserID:       b.UserID,
		Listing:      b.Listing,
		Guests:       b.Guests,
		CheckIn:      b.CheckIn.Format(dateLayout),
		CheckOut:     b.CheckOut.Format(dateLayout),
		Price:        b.Price,
		CancelReason: b.CancelReason,
		Version:      b.Version,
	}
	if b.HoldExpiresAt != nil {
		resp.HoldExpiresAt = b.HoldExpiresAt.Format(time.RFC3339)
	}
	return resp
}

type paymentResponse struct {
	ID             string `json:"id"`
	BookingID      string `json:"booking_id"`
	Status         string `json:"status"`
	Amount         int64  `json:"amount"`
	Currency       string `json:"currency"`
	RefundedAmount int64  `json:"refunded_amount"`
	Authorized     bool   `json:"authorized"`
	FailureReason  string `json:"failure_reason,omitempty"`
}

func toPaymentResponse(p *domain.Payment) *paymentResponse {
	if p == nil {
		return nil
	}
	return &paymentResponse{
		ID:             p.ID,
		BookingID:      p.BookingID,
		Status:         string(p.Status),
		Amount:         p.Amount,
		Currency:       p.Currency,
		RefundedAmount: p.RefundedAmount,
		Authorized:     p.AuthorizedAt != nil,
		FailureReason:  p.FailureReason,
	}
}

func NewBookingHandler(service booking.BookingUseCase) *BookingHandler {
	return &BookingHandler{service: service}
}

func (h *BookingHandler) Register(router *gin.RouterGroup) {
	router.POST("/quote", h.quote)
	router.POST("/hold", h.hold)
	router.GET("/:id", h.get)
	router.POST("/:id/pre-authorize", h.preAuthorize)
	router.POST("/:id/confirm", h.confirm)
	router.POST("/:id/cancel", h.cancel)
}

func (h *BookingHandler) quote(c *gin.Context) {
	var req quoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	input, err := req.input()
	if err != nil {
		respondError(c, err)
		return
	}

	result, err := h.service.Quote(c.Request.Context(), input)
	if err != nil {
		respondError(c, err)
		return
	}

	resp := gin.H{
		"snapshot":  result.Snapshot,
		"check_in":  result.CheckIn.Format(dateLayout),
		"check_out": result.CheckOut.Format(dateLayout),
	}
	if result.Booking != nil {
		resp["quote_id"] = result.Booking.ID
	}
	c.JSON(http.StatusOK, resp)
}

func (h *BookingHandler) hold(c *gin.Context) {
	var req holdRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	input := booking.HoldInput{QuoteID: req.QuoteID, UserID: req.UserID, ExpectedTotal: req.ExpectedTotal}
	if req.QuoteID == "" {
		quote, err := req.quoteRequest.input()
		if err != nil {
			respondError(c, err)
			return
		}
		input.Quote = quote
	}

	b, err := h.service.Hold(c.Request.Context(), input)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toBookingResponse(b))
}

func (h *BookingHandler) get(c *gin.Context) {
	b, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, toBookingResponse(b))
}

func (h *BookingHandler) preAuthorize(c *gin.Context) {
	var req preAuthorizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	p, err := h.service.PreAuthorize(c.Request.Context(), c.Param("id"), req.PaymentMethod)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, toPaymentResponse(p))
}

func (h *BookingHandler) confirm(c *gin.Context) {
	var req confirmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.PaymentID == "" {
		respondError(c, domain.NewValidationError("payment_id", "is required"))
		return
	}

	b, err := h.service.Confirm(c.Request.Context(), c.Param("id"), req.PaymentID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, toBookingResponse(b))
}

func (h *BookingHandler) cancel(c *gin.Context) {
	var req cancelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := h.service.Cancel(c.Request.Context(), c.Param("id"), booking.CancelInput{Actor: req.Actor, Reason: req.Reason})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"booking": toBookingResponse(result.Booking),
		"refund":  result.Refund,
		"payment": toPaymentResponse(result.Payment),
	})
}

func parseDate(field, value string, required bool) (time.Time, error) {
	if value == "" {
		if required {
			return time.Time{}, domain.NewValidationError(field, "is required")
		}
		return time.Time{}, nil
	}
	t, err := time.Parse(dateLayout, value)
	if err != nil {
		return time.Time{}, domain.NewValidationError(field, "must be YYYY-MM-DD")
	}
	return t, nil
}
