package handler

import (
	"errors"
	"net/http"

	cardService "goldpay/internal/domain/card/service"
	"goldpay/pkg/response"

	"github.com/gin-gonic/gin"
)

type CardHandler struct {
	service cardService.CardService
}

func NewCardHandler(s cardService.CardService) *CardHandler {
	return &CardHandler{service: s}
}

// CheckStatus 查询卡片状态，建单前由前端调用
// GET /api/v1/cards/:serial/status
func (h *CardHandler) CheckStatus(c *gin.Context) {
	serial := c.Param("serial")

	card, err := h.service.CheckCard(serial)
	if err != nil {
		switch {
		case errors.Is(err, cardService.ErrSerialFormat), errors.Is(err, cardService.ErrCardInvalid):
			// 对前端而言未知卡号与非法卡号都展示为 invalid
			response.Success(c, gin.H{"serialNumber": serial, "status": "invalid"})
		case errors.Is(err, cardService.ErrAlreadyActivated):
			response.Fail(c, response.ErrCardAlreadyActivated, "card already activated")
		case errors.Is(err, cardService.ErrCardFrozen):
			response.Fail(c, response.ErrCardFrozen, "card frozen, contact support")
		default:
			response.Error(c, http.StatusInternalServerError, response.ErrServerInternal, err.Error())
		}
		return
	}

	response.Success(c, gin.H{
		"serialNumber":    card.SerialNumber,
		"status":          card.Status,
		"goldWeightGrams": card.GoldWeightGrams,
		"cardType":        card.CardType,
		"resellerName":    card.ResellerName,
	})
}
