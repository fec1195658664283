package order

import (
	"context"

	cardRepository "goldpay/internal/domain/card/repository"
	cardService "goldpay/internal/domain/card/service"
	creditRepository "goldpay/internal/domain/credit/repository"
	creditService "goldpay/internal/domain/credit/service"
	"goldpay/internal/domain/kyt"
	"goldpay/internal/domain/order/cache"
	"goldpay/internal/domain/order/handler"
	"goldpay/internal/domain/order/quote"
	"goldpay/internal/domain/order/repository"
	"goldpay/internal/domain/order/service"
	"goldpay/internal/pkg/config"
	"goldpay/internal/pkg/middleware"
	"goldpay/internal/pkg/registry"

	"github.com/gin-gonic/gin"
)

// OrderModule 订单结算模块，依赖卡片模块先完成建表
type OrderModule struct {
	gate    *kyt.Gate
	sweeper *service.Sweeper
}

func init() {
	registry.Register(&OrderModule{})
}

func (m *OrderModule) Name() string {
	return "order"
}

func (m *OrderModule) Priority() int {
	return 20
}

func (m *OrderModule) Init(ctx *registry.ModuleContext) error {
	cfg := config.GlobalConfig

	orderRepo := repository.NewOrderRepository(ctx.DB)
	cards := cardService.NewCardService(cardRepository.NewCardRepository(ctx.DB))
	credits := creditService.NewCreditService(creditRepository.NewCreditRepository(ctx.DB))

	engine := quote.NewEngine(ctx.GoldPrice, cfg.Quote.PremiumRate, cfg.Quote.TTL, ctx.Clock, cfg.PriceFeed.FallbackUSDPerOunce)
	quotes := cache.NewQuoteCache(ctx.Redis)

	provider := kyt.NewHTTPProvider(cfg.KYT.ProviderURL, cfg.KYT.RequestTimeout)
	m.gate = kyt.NewGate(provider, nil, cfg.KYT.WorkerNum, cfg.KYT.QueueSize, cfg.KYT.MaxRetry)

	orders := service.NewOrderService(
		orderRepo, cards, credits, engine, quotes, m.gate, ctx.Clock, ctx.Metrics,
		cfg.Settlement.Window, cfg.Settlement.MinStartRatio, cfg.Settlement.IncompleteFeeRate,
	)

	m.gate.SetResolver(kytResolverFunc(orders.ResolveKYT))
	m.gate.Start(context.Background())

	m.sweeper = service.NewSweeper(orders, ctx.Clock, cfg.Settlement.SweepInterval, 0)
	m.sweeper.Start(context.Background())

	h := handler.NewOrderHandler(orders, credits)
	setupRoutes(ctx.Router, h)
	return nil
}

// Shutdown 停止后台协程
func (m *OrderModule) Shutdown() {
	if m.sweeper != nil {
		m.sweeper.Stop()
	}
	if m.gate != nil {
		m.gate.Stop()
	}
}

type kytResolverFunc func(ctx context.Context, orderNo, verdict string) error

func (f kytResolverFunc) ResolveKYT(ctx context.Context, orderNo, verdict string) error {
	return f(ctx, orderNo, verdict)
}

func setupRoutes(r *gin.Engine, h *handler.OrderHandler) {
	api := r.Group("/api/v1")
	{
		api.POST("/orders", h.Create)
		api.GET("/orders/:orderNo", h.Get)
		api.POST("/orders/:orderNo/chain", h.SelectChain)
		api.POST("/orders/:orderNo/chain/leave", h.LeaveChain)
		api.GET("/chains", h.ListChains)
		api.GET("/resellers/:id/credits", h.ResellerCredits)
	}

	// 入账与 KYT 回调来自同机房的监听服务，限制环回来源
	internal := r.Group("/internal", middleware.LocalOnly())
	{
		internal.POST("/payments/notify", h.PaymentNotify)
		internal.POST("/kyt/notify", h.KYTNotify)
		internal.GET("/orders", h.ListOrders)
	}
}
