package api

import (
	"net/http"

	"github.com/Domenick1991/staybook/internal/domain"
	"github.com/Domenick1991/staybook/internal/service/listings"
	"github.com/gin-gonic/gin"
)

type ListingHandler struct {
	service listings.ListingUseCase
}

func NewListingHandler(service listings.ListingUseCase) *ListingHandler {
	return &ListingHandler{service: service}
}

func (h *ListingHandler) Register(router *gin.RouterGroup) {
	router.GET("", h.list)
	router.GET("/:kind/:id", h.get)
}

func (h *ListingHandler) list(c *gin.Context) {
	items, err := h.service.List(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, items)
}

func (h *ListingHandler) get(c *gin.Context) {
	ref := domain.ListingRef{Kind: domain.ListingKind(c.Param("kind")), ID: c.Param("id")}
	listing, err := h.service.GetListing(c.Request.Context(), ref)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, listing)
}
