package market

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/debazaar/escrowd/internal/chain"
	"github.com/debazaar/escrowd/internal/txbuild"
	"github.com/debazaar/escrowd/internal/validation"
)

// Handler provides HTTP endpoints for trade operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new trade handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up the trade routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/listings", h.CreateListing)
	r.GET("/listings", h.ListListings)
	r.GET("/listings/:id", h.GetListing)
	r.POST("/listings/:id/confirm", h.ConfirmListing)
	r.POST("/listings/:id/finalize", h.FinalizeListing)
	r.POST("/listings/:id/cancel", h.CancelListing)
	r.POST("/listings/:id/confirm-cancel", h.ConfirmCancelListing)
	r.POST("/listings/:id/purchase", h.Purchase)

	r.POST("/approvals", h.BuildApproval)

	r.GET("/orders", h.ListOrders)
	r.GET("/orders/:id", h.GetOrder)
	r.GET("/orders/:id/disputes", h.ListDisputes)
	r.POST("/orders/:id/confirm-payment", h.ConfirmPayment)
	r.POST("/orders/:id/deliver", h.Deliver)
	r.POST("/orders/:id/confirm-delivery", h.ConfirmDelivery)
	r.POST("/orders/:id/accept", h.Accept)
	r.POST("/orders/:id/confirm-acceptance", h.ConfirmAcceptance)
	r.POST("/orders/:id/dispute", h.Dispute)
	r.POST("/orders/:id/confirm-dispute", h.ConfirmDispute)
}

// errorResponse maps service errors to HTTP responses.
func errorResponse(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrListingNotFound), errors.Is(err, ErrOrderNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrUnauthorized):
		status = http.StatusForbidden
		code = "unauthorized"
	case errors.Is(err, ErrInvalidStatus), errors.Is(err, ErrDeadlineNotPast), errors.Is(err, ErrDuplicateID):
		status = http.StatusConflict
		code = "invalid_state"
	case errors.Is(err, ErrSameParty), errors.Is(err, ErrUnknownEscrow),
		errors.Is(err, ErrTokenNotWhitelisted), errors.Is(err, txbuild.ErrUnknownApprovalMethod):
		status = http.StatusBadRequest
		code = "validation_error"
	case errors.Is(err, chain.ErrUnknownToken), errors.Is(err, chain.ErrUnknownNetwork),
		errors.Is(err, chain.ErrEscrowNotDeployed):
		status = http.StatusBadRequest
		code = "config_error"
	case errors.Is(err, chain.ErrTransactionPending), errors.Is(err, chain.ErrTransactionReverted),
		errors.Is(err, chain.ErrWrongDestination), errors.Is(err, chain.ErrTimeout):
		status = http.StatusUnprocessableEntity
		code = "verification_failed"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}

// txHashRequest carries a broadcast transaction hash to verify.
type txHashRequest struct {
	TxHash string `json:"txHash" binding:"required"`
}

// actorRequest identifies the wallet requesting an action.
type actorRequest struct {
	From string `json:"from" binding:"required"`
}

// CreateListing handles POST /v1/listings
func (h *Handler) CreateListing(c *gin.Context) {
	var req CreateListingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidAddress("seller", req.Seller),
		validation.Required("title", req.Title),
		validation.ValidAmount("price", req.Price),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	listing, tx, err := h.service.CreateListing(c.Request.Context(), req)
	if err != nil {
		errorResponse(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"listing": listing, "transaction": tx})
}

// ListListings handles GET /v1/listings
func (h *Handler) ListListings(c *gin.Context) {
	listings, err := h.service.ListListings(c.Request.Context(), ListingStatus(c.Query("status")), queryLimit(c))
	if err != nil {
		errorResponse(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"listings": listings, "count": len(listings)})
}

// GetListing handles GET /v1/listings/:id
func (h *Handler) GetListing(c *gin.Context) {
	listing, err := h.service.GetListing(c.Request.Context(), c.Param("id"))
	if err != nil {
		errorResponse(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"listing": listing})
}

// ConfirmListing handles POST /v1/listings/:id/confirm
func (h *Handler) ConfirmListing(c *gin.Context) {
	var req struct {
		From   string `json:"from" binding:"required"`
		TxHash string `json:"txHash" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "from and txHash are required",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidAddress("from", req.From),
		validation.ValidTxHash("txHash", req.TxHash),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
		})
		return
	}

	listing, err := h.service.ConfirmListingTx(c.Request.Context(), c.Param("id"), req.From, req.TxHash)
	if err != nil {
		errorResponse(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"listing": listing})
}

// FinalizeListing handles POST /v1/listings/:id/finalize
func (h *Handler) FinalizeListing(c *gin.Context) {
	var req actorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "from is required",
		})
		return
	}

	listing, err := h.service.FinalizeListing(c.Request.Context(), c.Param("id"), req.From)
	if err != nil {
		errorResponse(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"listing": listing})
}

// CancelListing handles POST /v1/listings/:id/cancel
func (h *Handler) CancelListing(c *gin.Context) {
	var req actorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "from is required",
		})
		return
	}

	tx, err := h.service.CancelListing(c.Request.Context(), c.Param("id"), req.From)
	if err != nil {
		errorResponse(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": tx})
}

// ConfirmCancelListing handles POST /v1/listings/:id/confirm-cancel
func (h *Handler) ConfirmCancelListing(c *gin.Context) {
	var req txHashRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "txHash is required",
		})
		return
	}

	listing, err := h.service.ConfirmCancelListing(c.Request.Context(), c.Param("id"), req.TxHash)
	if err != nil {
		errorResponse(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"listing": listing})
}

// BuildApproval handles POST /v1/approvals
func (h *Handler) BuildApproval(c *gin.Context) {
	var req ApprovalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidAddress("owner", req.Owner),
		validation.ValidAmount("amount", req.Amount),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
		})
		return
	}

	approval, err := h.service.BuildApproval(c.Request.Context(), req)
	if err != nil {
		errorResponse(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"approval": approval})
}

// Purchase handles POST /v1/listings/:id/purchase
func (h *Handler) Purchase(c *gin.Context) {
	var req PurchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "buyer is required",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidAddress("buyer", req.Buyer),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
		})
		return
	}

	order, tx, err := h.service.Purchase(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		errorResponse(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"order": order, "transaction": tx})
}

// ListOrders handles GET /v1/orders
func (h *Handler) ListOrders(c *gin.Context) {
	orders, err := h.service.ListOrders(c.Request.Context(), OrderStatus(c.Query("status")), queryLimit(c))
	if err != nil {
		errorResponse(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders, "count": len(orders)})
}

// GetOrder handles GET /v1/orders/:id
func (h *Handler) GetOrder(c *gin.Context) {
	order, err := h.service.GetOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		errorResponse(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": order})
}

// ListDisputes handles GET /v1/orders/:id/disputes
func (h *Handler) ListDisputes(c *gin.Context) {
	disputes, err := h.service.ListDisputes(c.Request.Context(), c.Param("id"))
	if err != nil {
		errorResponse(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"disputes": disputes, "count": len(disputes)})
}

// ConfirmPayment handles POST /v1/orders/:id/confirm-payment
func (h *Handler) ConfirmPayment(c *gin.Context) {
	h.confirmOrder(c, h.service.ConfirmPayment)
}

// ConfirmDelivery handles POST /v1/orders/:id/confirm-delivery
func (h *Handler) ConfirmDelivery(c *gin.Context) {
	h.confirmOrder(c, h.service.ConfirmDelivery)
}

// ConfirmAcceptance handles POST /v1/orders/:id/confirm-acceptance
func (h *Handler) ConfirmAcceptance(c *gin.Context) {
	h.confirmOrder(c, h.service.ConfirmAcceptance)
}

// confirmOrder is the shared body of the receipt-gated order transitions.
func (h *Handler) confirmOrder(c *gin.Context, confirm func(ctx context.Context, orderID, txHash string) (*Order, error)) {
	var req txHashRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "txHash is required",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidTxHash("txHash", req.TxHash),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
		})
		return
	}

	order, err := confirm(c.Request.Context(), c.Param("id"), req.TxHash)
	if err != nil {
		errorResponse(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": order})
}

// Deliver handles POST /v1/orders/:id/deliver
func (h *Handler) Deliver(c *gin.Context) {
	var req actorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "from is required",
		})
		return
	}

	tx, err := h.service.Deliver(c.Request.Context(), c.Param("id"), req.From)
	if err != nil {
		errorResponse(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": tx})
}

// Accept handles POST /v1/orders/:id/accept
func (h *Handler) Accept(c *gin.Context) {
	var req actorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "from is required",
		})
		return
	}

	order, tx, err := h.service.Accept(c.Request.Context(), c.Param("id"), req.From)
	if err != nil {
		errorResponse(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": order, "transaction": tx})
}

// Dispute handles POST /v1/orders/:id/dispute
func (h *Handler) Dispute(c *gin.Context) {
	var req actorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "from is required",
		})
		return
	}

	tx, err := h.service.Dispute(c.Request.Context(), c.Param("id"), req.From)
	if err != nil {
		errorResponse(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": tx})
}

// ConfirmDispute handles POST /v1/orders/:id/confirm-dispute
func (h *Handler) ConfirmDispute(c *gin.Context) {
	var req struct {
		Initiator string `json:"initiator" binding:"required"`
		Reason    string `json:"reason"`
		TxHash    string `json:"txHash" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "initiator and txHash are required",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidAddress("initiator", req.Initiator),
		validation.ValidTxHash("txHash", req.TxHash),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
		})
		return
	}

	order, dispute, err := h.service.ConfirmDispute(c.Request.Context(), c.Param("id"), req.Initiator, req.Reason, req.TxHash)
	if err != nil {
		errorResponse(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": order, "dispute": dispute})
}

func queryLimit(c *gin.Context) int {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}
	return limit
}
