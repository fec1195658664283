package handler

import (
	"errors"
	"net/http"

	cardService "goldpay/internal/domain/card/service"
	creditService "goldpay/internal/domain/credit/service"
	orderService "goldpay/internal/domain/order/service"
	"goldpay/internal/pkg/chain"
	"goldpay/pkg/response"
	"goldpay/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

type OrderHandler struct {
	orders  orderService.OrderService
	credits creditService.CreditService
}

func NewOrderHandler(orders orderService.OrderService, credits creditService.CreditService) *OrderHandler {
	return &OrderHandler{orders: orders, credits: credits}
}

type createOrderRequest struct {
	SerialNumber string `json:"serialNumber" binding:"required"`
	ResellerID   string `json:"resellerId" binding:"required"`
}

// Create 录入卡密建单
// POST /api/v1/orders
func (h *OrderHandler) Create(c *gin.Context) {
	var req createOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, response.ErrInvalidParam, err.Error())
		return
	}

	order, err := h.orders.CreateOrder(c.Request.Context(), req.SerialNumber, req.ResellerID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	response.Success(c, order)
}

// Get 查询订单，报价过期时响应里已是换新后的价格
// GET /api/v1/orders/:orderNo
func (h *OrderHandler) Get(c *gin.Context) {
	view, err := h.orders.GetOrder(c.Request.Context(), c.Param("orderNo"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	response.Success(c, gin.H{
		"order":          view.Order,
		"quoteRefreshed": view.QuoteRefreshed,
	})
}

type selectChainRequest struct {
	ChainID string `json:"chainId" binding:"required"`
}

// SelectChain 选定收款链，返回报价与收款地址
// POST /api/v1/orders/:orderNo/chain
func (h *OrderHandler) SelectChain(c *gin.Context) {
	var req selectChainRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, response.ErrInvalidParam, err.Error())
		return
	}

	order, err := h.orders.SelectChain(c.Request.Context(), c.Param("orderNo"), req.ChainID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	response.Success(c, order)
}

// LeaveChain 退回选链页
// POST /api/v1/orders/:orderNo/chain/leave
func (h *OrderHandler) LeaveChain(c *gin.Context) {
	order, err := h.orders.LeaveChain(c.Request.Context(), c.Param("orderNo"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	response.Success(c, order)
}

// ListChains 可用收款链列表
// GET /api/v1/chains
func (h *OrderHandler) ListChains(c *gin.Context) {
	chains := chain.All()
	out := make([]gin.H, 0, len(chains))
	for _, ch := range chains {
		out = append(out, gin.H{
			"chainId":     ch.ID,
			"name":        ch.Name,
			"displayName": ch.DisplayName,
			"token":       ch.Token,
			"recommended": ch.Recommended,
		})
	}
	response.Success(c, out)
}

// ResellerCredits 分销商当前可用合规余款
// GET /api/v1/resellers/:id/credits
func (h *OrderHandler) ResellerCredits(c *gin.Context) {
	available, err := h.credits.Available(c.Param("id"))
	if err != nil {
		response.Error(c, http.StatusInternalServerError, response.ErrServerInternal, err.Error())
		return
	}
	response.Success(c, gin.H{
		"resellerId":   c.Param("id"),
		"availableUsd": available,
	})
}

type paymentNotifyRequest struct {
	OrderNo   string          `json:"orderNo" binding:"required"`
	ChainID   string          `json:"chainId" binding:"required"`
	TxRef     string          `json:"txRef" binding:"required"`
	AmountUSD decimal.Decimal `json:"amountUsd" binding:"required"`
}

// PaymentNotify 链上监听服务的入账回调，仅限内网
// POST /internal/payments/notify
func (h *OrderHandler) PaymentNotify(c *gin.Context) {
	var req paymentNotifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, response.ErrInvalidParam, err.Error())
		return
	}

	order, err := h.orders.RecordInbound(c.Request.Context(), req.OrderNo, req.ChainID, req.TxRef, req.AmountUSD)
	if err != nil {
		h.writeError(c, err)
		return
	}
	response.Success(c, gin.H{
		"orderNo": order.OrderNo,
		"state":   order.State,
		"paid":    order.PaidAmount,
	})
}

// ListOrders 运营侧订单列表，仅限内网
// GET /internal/orders?state=&page=&limit=
func (h *OrderHandler) ListOrders(c *gin.Context) {
	var p utils.Pagination
	if err := c.ShouldBindQuery(&p); err != nil {
		response.Error(c, http.StatusBadRequest, response.ErrInvalidParam, err.Error())
		return
	}

	result, err := h.orders.ListOrders(c.Request.Context(), c.Query("state"), &p)
	if err != nil {
		response.Error(c, http.StatusInternalServerError, response.ErrServerInternal, err.Error())
		return
	}
	response.Success(c, result)
}

type kytNotifyRequest struct {
	OrderNo string `json:"orderNo" binding:"required"`
	Verdict string `json:"verdict" binding:"required,oneof=pass fail"`
}

// KYTNotify 合规服务的异步裁定回调，仅限内网
// POST /internal/kyt/notify
func (h *OrderHandler) KYTNotify(c *gin.Context) {
	var req kytNotifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, response.ErrInvalidParam, err.Error())
		return
	}

	if err := h.orders.ResolveKYT(c.Request.Context(), req.OrderNo, req.Verdict); err != nil {
		h.writeError(c, err)
		return
	}
	response.Success(c, nil)
}

// writeError 业务错误到响应码的映射
func (h *OrderHandler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, cardService.ErrSerialFormat):
		response.Fail(c, response.ErrSerialFormat, "serial number must be 16 digits")
	case errors.Is(err, cardService.ErrCardInvalid):
		response.Fail(c, response.ErrCardInvalid, "card invalid or not found")
	case errors.Is(err, cardService.ErrAlreadyActivated):
		response.Fail(c, response.ErrCardAlreadyActivated, "card already activated")
	case errors.Is(err, cardService.ErrCardFrozen):
		response.Fail(c, response.ErrCardFrozen, "card frozen, contact support")
	case errors.Is(err, orderService.ErrResellerMismatch):
		response.Error(c, http.StatusForbidden, response.ErrForbidden, "card does not belong to this reseller")
	case errors.Is(err, orderService.ErrDuplicateOrder):
		response.Fail(c, response.ErrDuplicateOrder, "serial already has an open order")
	case errors.Is(err, orderService.ErrOrderNotFound):
		response.Error(c, http.StatusNotFound, response.ErrOrderNotFound, "order not found")
	case errors.Is(err, orderService.ErrOrderClosed):
		response.Fail(c, response.ErrOrderClosed, "order already closed")
	case errors.Is(err, orderService.ErrStateConflict):
		response.Fail(c, response.ErrOrderStateConflict, "operation not allowed in current state")
	case errors.Is(err, orderService.ErrChainNotSupported):
		response.Fail(c, response.ErrChainNotSupported, "chain not supported")
	case errors.Is(err, orderService.ErrInvalidPaymentValue):
		response.Fail(c, response.ErrInvalidPaymentValue, "payment amount must be positive")
	default:
		response.Error(c, http.StatusInternalServerError, response.ErrServerInternal, err.Error())
	}
}
