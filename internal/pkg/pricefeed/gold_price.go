package pricefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"goldpay/pkg/logger"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Source 黄金参考价来源，返回每盎司美元价
// 实现必须自行兜底，永远不返回非正值
type Source interface {
	USDPerOunce(ctx context.Context) decimal.Decimal
}

// Client 轮询外部行情接口的参考价客户端
// 行情响应形如 {"tether-gold":{"usd":2640.5}}
type Client struct {
	apiURL       string
	assetID      string
	fallback     decimal.Decimal
	pollInterval time.Duration
	httpClient   *http.Client

	mu   sync.RWMutex
	last decimal.Decimal // 最近一次成功获取的价格，零值表示尚未获取

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewClient 创建参考价客户端
func NewClient(apiURL, assetID string, fallbackUSDPerOunce float64, pollInterval, requestTimeout time.Duration) *Client {
	return &Client{
		apiURL:       apiURL,
		assetID:      assetID,
		fallback:     decimal.NewFromFloat(fallbackUSDPerOunce),
		pollInterval: pollInterval,
		httpClient: &http.Client{
			Timeout: requestTimeout,
		},
	}
}

// USDPerOunce 返回当前参考价；行情不可用时退化为最近成功值或静态兜底价
func (c *Client) USDPerOunce(ctx context.Context) decimal.Decimal {
	c.mu.RLock()
	last := c.last
	c.mu.RUnlock()

	if last.IsPositive() {
		return last
	}

	// 尚无缓存时同步取一次，失败则兜底
	if err := c.fetch(ctx); err == nil {
		c.mu.RLock()
		last = c.last
		c.mu.RUnlock()
		if last.IsPositive() {
			return last
		}
	}
	return c.fallback
}

// Start 启动后台轮询
func (c *Client) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)

	// 启动时先取一次，失败不阻塞
	if err := c.fetch(ctx); err != nil {
		logger.Log.Warn("Initial gold price fetch failed, will retry on next tick", zap.Error(err))
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		ticker := time.NewTicker(c.pollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				logger.Log.Info("Gold price polling stopped")
				return
			case <-ticker.C:
				if err := c.fetch(ctx); err != nil {
					logger.Log.Warn("Gold price fetch failed", zap.Error(err))
				}
			}
		}
	}()
}

// Stop 停止后台轮询并等待退出
func (c *Client) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

// fetch 拉取行情并更新缓存，带指数退避重试
func (c *Client) fetch(ctx context.Context) error {
	var lastErr error
	for i := 0; i < 3; i++ {
		if i > 0 {
			// 指数退避: 1s, 2s
			delay := time.Duration(1<<uint(i-1)) * time.Second
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		price, err := c.fetchOnce(ctx)
		if err != nil {
			lastErr = err
			continue
		}
		if !price.IsPositive() {
			// 非正价格视为坏数据，不进缓存
			lastErr = fmt.Errorf("feed returned non-positive price: %s", price)
			continue
		}

		c.mu.Lock()
		c.last = price
		c.mu.Unlock()

		logger.Log.Debug("Gold price updated", zap.String("usd_per_ounce", price.String()))
		return nil
	}
	return lastErr
}

func (c *Client) fetchOnce(ctx context.Context) (decimal.Decimal, error) {
	q := url.Values{}
	q.Set("ids", c.assetID)
	q.Set("vs_currencies", "usd")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiURL+"?"+q.Encode(), nil)
	if err != nil {
		return decimal.Zero, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return decimal.Zero, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("price feed returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return decimal.Zero, err
	}

	var payload map[string]struct {
		USD float64 `json:"usd"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return decimal.Zero, fmt.Errorf("decode price feed response: %w", err)
	}

	entry, ok := payload[c.assetID]
	if !ok {
		return decimal.Zero, fmt.Errorf("asset %s missing from price feed response", c.assetID)
	}
	return decimal.NewFromFloat(entry.USD), nil
}
