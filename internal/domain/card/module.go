package card

import (
	"goldpay/internal/domain/card/handler"
	"goldpay/internal/domain/card/repository"
	"goldpay/internal/domain/card/service"
	"goldpay/internal/pkg/registry"

	"github.com/gin-gonic/gin"
)

// CardModule 卡片库存模块
type CardModule struct{}

func init() {
	registry.Register(&CardModule{})
}

func (m *CardModule) Name() string {
	return "card"
}

func (m *CardModule) Priority() int {
	return 10
}

func (m *CardModule) Init(ctx *registry.ModuleContext) error {
	repo := repository.NewCardRepository(ctx.DB)
	svc := service.NewCardService(repo)
	h := handler.NewCardHandler(svc)

	setupRoutes(ctx.Router, h)
	return nil
}

func setupRoutes(r *gin.Engine, h *handler.CardHandler) {
	g := r.Group("/api/v1/cards")
	g.GET("/:serial/status", h.CheckStatus)
}
