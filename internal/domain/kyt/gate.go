package kyt

import (
	"context"
	"sync"
	"time"

	"goldpay/pkg/logger"

	"go.uber.org/zap"
)

// Resolver 接收终态裁定并推进订单状态（由订单服务实现）
type Resolver interface {
	ResolveKYT(ctx context.Context, orderNo string, verdict string) error
}

// Gate KYT 闸口：首笔到账后异步评估资金合规性。
// 每个订单只派发一次、只裁定一次；评估方临时故障走重试队列，
// 重试耗尽则保持 pending，等待人工或回调补一刀。
type Gate struct {
	TaskQueue  chan Task
	RetryQueue chan Task

	provider Provider
	resolver Resolver

	WorkerNum int
	MaxRetry  int
	baseDelay time.Duration

	dispatched sync.Map // orderNo -> struct{}，进程内去重
	wg         sync.WaitGroup
	cancel     context.CancelFunc
}

// Option 调整 Gate 行为
type Option func(*Gate)

// WithBaseDelay 覆盖重试基础等待（测试用）
func WithBaseDelay(d time.Duration) Option {
	return func(g *Gate) {
		if d > 0 {
			g.baseDelay = d
		}
	}
}

func NewGate(provider Provider, resolver Resolver, workerNum, queueSize, maxRetry int, opts ...Option) *Gate {
	if workerNum <= 0 {
		workerNum = 4
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	g := &Gate{
		TaskQueue:  make(chan Task, queueSize),
		RetryQueue: make(chan Task, queueSize/2+1),
		provider:   provider,
		resolver:   resolver,
		WorkerNum:  workerNum,
		MaxRetry:   maxRetry,
		baseDelay:  time.Second,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// SetResolver 注入裁定接收方，须在 Start 之前调用。
// 订单服务与闸口互相引用，装配时先建闸口再回填。
func (g *Gate) SetResolver(r Resolver) {
	g.resolver = r
}

// Submit 提交评估任务；同一订单重复提交会被忽略
func (g *Gate) Submit(task Task) {
	if _, loaded := g.dispatched.LoadOrStore(task.OrderNo, struct{}{}); loaded {
		return
	}
	select {
	case g.TaskQueue <- task:
	default:
		// 队列满时回滚去重标记，允许稍后重新提交
		g.dispatched.Delete(task.OrderNo)
		logger.Log.Error("KYT task queue full, task dropped",
			zap.String("order_no", task.OrderNo))
	}
}

// Start 启动评估协程
func (g *Gate) Start(ctx context.Context) {
	ctx, g.cancel = context.WithCancel(ctx)

	for i := 0; i < g.WorkerNum; i++ {
		g.wg.Add(1)
		go g.worker(ctx, i)
	}
	g.wg.Add(1)
	go g.retryWorker(ctx)

	logger.Log.Info("KYT gate started", zap.Int("workers", g.WorkerNum))
}

// Stop 停止并等待协程退出
func (g *Gate) Stop() {
	if g.cancel != nil {
		g.cancel()
	}
	g.wg.Wait()
}

func (g *Gate) worker(ctx context.Context, id int) {
	defer g.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-g.TaskQueue:
			g.process(ctx, id, task)
		}
	}
}

func (g *Gate) retryWorker(ctx context.Context) {
	defer g.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-g.RetryQueue:
			delay := backoffFor(g.baseDelay, task.Retry-1)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			g.process(ctx, -1, task)
		}
	}
}

func (g *Gate) process(ctx context.Context, workerID int, task Task) {
	verdict, err := g.provider.Evaluate(ctx, task)
	if err != nil {
		logger.Log.Warn("KYT evaluation failed",
			zap.Int("worker", workerID),
			zap.String("order_no", task.OrderNo),
			zap.Int("attempt", task.Retry),
			zap.Error(err))

		if task.Retry < g.MaxRetry {
			task.Retry++
			select {
			case g.RetryQueue <- task:
			default:
				// 丢弃任务时清掉去重标记，等补偿扫描重新提交
				g.dispatched.Delete(task.OrderNo)
				logger.Log.Error("KYT retry queue full, task dropped",
					zap.String("order_no", task.OrderNo))
			}
			return
		}

		// 重试耗尽：订单保持 pending，资金不放行；
		// 释放去重标记，允许后续重新提交评估
		g.dispatched.Delete(task.OrderNo)
		logger.Log.Error("KYT evaluation exhausted retries, order stays pending",
			zap.String("order_no", task.OrderNo))
		return
	}

	if err := g.resolver.ResolveKYT(ctx, task.OrderNo, string(verdict)); err != nil {
		logger.Log.Error("Failed to apply KYT verdict",
			zap.String("order_no", task.OrderNo),
			zap.String("verdict", string(verdict)),
			zap.Error(err))
	}
}
