package service

import (
	"context"
	"sync"
	"time"

	"goldpay/internal/pkg/clock"
	"goldpay/pkg/logger"

	"go.uber.org/zap"
)

// kytRedispatchAfter 评估开始超过该时长仍无结论时重新派发
const kytRedispatchAfter = time.Minute

// Sweeper 定期收尾：关闭结算窗口到期的订单，释放僵尸订单占用的余款，
// 并重新派发丢失的合规评估任务
type Sweeper struct {
	orders   OrderService
	clk      clock.Clock
	interval time.Duration
	// staleAfter 之前仍分文未付的订单视为废弃
	staleAfter time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewSweeper(orders OrderService, clk clock.Clock, interval, staleAfter time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if staleAfter <= 0 {
		staleAfter = 24 * time.Hour
	}
	return &Sweeper{
		orders:     orders,
		clk:        clk,
		interval:   interval,
		staleAfter: staleAfter,
	}
}

func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sweep(ctx)
			}
		}
	}()
	logger.Log.Info("Order sweeper started", zap.Duration("interval", s.interval))
}

func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Sweeper) sweep(ctx context.Context) {
	now := s.clk.Now()

	closed, err := s.orders.CloseExpired(ctx, now)
	if err != nil {
		logger.Log.Error("Sweep close expired failed", zap.Error(err))
	} else if closed > 0 {
		logger.Log.Info("Sweep closed expired orders", zap.Int("count", closed))
	}

	released, err := s.orders.ReleaseStale(ctx, now.Add(-s.staleAfter))
	if err != nil {
		logger.Log.Error("Sweep release stale failed", zap.Error(err))
	} else if released > 0 {
		logger.Log.Info("Sweep released stale order credits", zap.Int("count", released))
	}

	resubmitted, err := s.orders.ResubmitPendingKYT(ctx, now.Add(-kytRedispatchAfter))
	if err != nil {
		logger.Log.Error("Sweep resubmit pending KYT failed", zap.Error(err))
	} else if resubmitted > 0 {
		logger.Log.Info("Sweep resubmitted stalled KYT evaluations", zap.Int("count", resubmitted))
	}
}
