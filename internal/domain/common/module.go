package common

import (
	commonHandler "goldpay/internal/pkg/common"
	"goldpay/internal/pkg/registry"
)

// CommonModule 通用功能模块
type CommonModule struct{}

func init() {
	registry.Register(&CommonModule{})
}

func (m *CommonModule) Name() string {
	return "common"
}

func (m *CommonModule) Priority() int {
	return 100 // 最后初始化
}

func (m *CommonModule) Init(ctx *registry.ModuleContext) error {
	h := commonHandler.NewHealthHandler(ctx.DB, ctx.Redis)
	ctx.Router.GET("/healthz", h.Check)
	return nil
}
