package quote

import (
	"context"
	"errors"
	"time"

	"goldpay/internal/pkg/clock"
	"goldpay/internal/pkg/pricefeed"

	"github.com/shopspring/decimal"
)

// 金衡盎司换算克数
var gramsPerTroyOunce = decimal.NewFromFloat(31.1035)

var ErrNonPositiveQuote = errors.New("computed quote is not positive")

// Quote 一次有时效的固定报价
type Quote struct {
	GrossUSD  decimal.Decimal // 抵扣前应付
	AmountDue decimal.Decimal // 抵扣合规余款后应付
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Remaining 报价剩余有效时长
func (q Quote) Remaining(now time.Time) time.Duration {
	return q.ExpiresAt.Sub(now)
}

// Engine 报价引擎：参考价 → 克价 → 加溢价 → 取整到美元
type Engine struct {
	feed     pricefeed.Source
	premium  decimal.Decimal // 如 0.15
	ttl      time.Duration
	clk      clock.Clock
	fallback decimal.Decimal // 行情异常时的兜底盎司价
}

func NewEngine(feed pricefeed.Source, premiumRate float64, ttl time.Duration, clk clock.Clock, fallbackUSDPerOunce float64) *Engine {
	return &Engine{
		feed:     feed,
		premium:  decimal.NewFromFloat(premiumRate),
		ttl:      ttl,
		clk:      clk,
		fallback: decimal.NewFromFloat(fallbackUSDPerOunce),
	}
}

// grossFor 指定盎司价下的抵扣前应付额
func (e *Engine) grossFor(perOunce decimal.Decimal, weightGrams int) decimal.Decimal {
	return decimal.NewFromInt(int64(weightGrams)).
		Mul(perOunce.Div(gramsPerTroyOunce)).
		Mul(decimal.NewFromInt(1).Add(e.premium)).
		Round(0)
}

// Issue 为指定克重出一笔新报价，credit 为建单时占用的合规余款
func (e *Engine) Issue(ctx context.Context, weightGrams int, credit decimal.Decimal) (Quote, error) {
	gross := e.grossFor(e.feed.USDPerOunce(ctx), weightGrams)
	if !gross.IsPositive() {
		// 行情给出的价算不出正报价（坏数据或趋零价），退回兜底价继续出价，
		// 报价环节的行情问题不向用户暴露
		gross = e.grossFor(e.fallback, weightGrams)
	}
	if !gross.IsPositive() {
		return Quote{}, ErrNonPositiveQuote
	}

	due := gross.Sub(credit)
	if due.IsNegative() {
		due = decimal.Zero
	}

	now := e.clk.Now()
	return Quote{
		GrossUSD:  gross,
		AmountDue: due,
		IssuedAt:  now,
		ExpiresAt: now.Add(e.ttl),
	}, nil
}
