package service

import (
	"context"
	"sync"
	"testing"
	"time"

	cardModel "goldpay/internal/domain/card/model"
	"goldpay/internal/domain/kyt"
	"goldpay/internal/domain/order/cache"
	"goldpay/internal/domain/order/model"
	"goldpay/internal/domain/order/quote"
	"goldpay/internal/domain/order/repository"
	"goldpay/internal/pkg/chain"
	"goldpay/internal/pkg/clock"
	"goldpay/pkg/logger"
	"goldpay/pkg/metrics"
	"goldpay/pkg/utils"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

func TestMain(m *testing.M) {
	logger.Init("debug")
	m.Run()
}

// ---- 内存版订单仓储 ----

type memoryOrderRepo struct {
	mu     sync.Mutex
	orders map[string]model.Order
	events []model.PaymentEvent
}

func newMemoryOrderRepo() *memoryOrderRepo {
	return &memoryOrderRepo{orders: make(map[string]model.Order)}
}

func (r *memoryOrderRepo) WithTx(ctx context.Context, fn func(tx repository.OrderRepository) error) error {
	return fn(r)
}

func (r *memoryOrderRepo) Create(ctx context.Context, order *model.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orders[order.OrderNo] = *order
	return nil
}

func (r *memoryOrderRepo) GetByNo(ctx context.Context, orderNo string) (*model.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[orderNo]
	if !ok {
		return nil, repository.ErrOrderNotFound
	}
	copied := o
	return &copied, nil
}

func (r *memoryOrderRepo) GetByNoForUpdate(ctx context.Context, orderNo string) (*model.Order, error) {
	return r.GetByNo(ctx, orderNo)
}

func (r *memoryOrderRepo) Save(ctx context.Context, order *model.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orders[order.OrderNo] = *order
	return nil
}

func (r *memoryOrderRepo) HasOpenOrActivated(ctx context.Context, serialNumber string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, o := range r.orders {
		if o.SerialNumber != serialNumber {
			continue
		}
		if o.State != model.StateFundsBlocked && o.State != model.StateIncompleteSettled {
			return true, nil
		}
	}
	return false, nil
}

func (r *memoryOrderRepo) FindDeadlineElapsed(ctx context.Context, now time.Time, limit int) ([]model.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Order
	for _, o := range r.orders {
		if o.State == model.StateSettling && o.SettlementDeadline != nil && !now.Before(*o.SettlementDeadline) {
			out = append(out, o)
		}
	}
	return out, nil
}

func (r *memoryOrderRepo) FindStaleUnfunded(ctx context.Context, before time.Time, limit int) ([]model.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Order
	for _, o := range r.orders {
		if (o.State == model.StateChainSelect || o.State == model.StateQuoteActive) &&
			o.PaidAmount.IsZero() && !o.CreatedAt.After(before) {
			out = append(out, o)
		}
	}
	return out, nil
}

func (r *memoryOrderRepo) FindPendingKYT(ctx context.Context, before time.Time, limit int) ([]model.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Order
	for _, o := range r.orders {
		if o.State == model.StateSettling && o.KYTStatus == model.KYTPending &&
			o.KYTStartedAt != nil && !o.KYTStartedAt.After(before) {
			out = append(out, o)
		}
	}
	return out, nil
}

func (r *memoryOrderRepo) List(ctx context.Context, state string, p *utils.Pagination) ([]model.Order, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Order
	for _, o := range r.orders {
		if state == "" || o.State == state {
			out = append(out, o)
		}
	}
	return out, int64(len(out)), nil
}

func (r *memoryOrderRepo) AddPaymentEvent(ctx context.Context, event *model.PaymentEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, *event)
	return nil
}

func (r *memoryOrderRepo) ListPaymentEvents(ctx context.Context, orderNo string) ([]model.PaymentEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.PaymentEvent
	for _, e := range r.events {
		if e.OrderNo == orderNo {
			out = append(out, e)
		}
	}
	return out, nil
}

// ---- 内存版报价暂存 ----

type memoryQuoteCache struct {
	clk     clock.Clock
	mu      sync.Mutex
	entries map[string]memoryQuoteEntry
}

type memoryQuoteEntry struct {
	quote    cache.PreservedQuote
	expireAt time.Time
}

func newMemoryQuoteCache(clk clock.Clock) *memoryQuoteCache {
	return &memoryQuoteCache{clk: clk, entries: make(map[string]memoryQuoteEntry)}
}

func (c *memoryQuoteCache) Preserve(ctx context.Context, orderNo string, q cache.PreservedQuote, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[orderNo+":"+q.ChainID] = memoryQuoteEntry{quote: q, expireAt: c.clk.Now().Add(ttl)}
	return nil
}

func (c *memoryQuoteCache) Restore(ctx context.Context, orderNo, chainID string) (*cache.PreservedQuote, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[orderNo+":"+chainID]
	if !ok || !c.clk.Now().Before(entry.expireAt) {
		return nil, nil
	}
	q := entry.quote
	return &q, nil
}

func (c *memoryQuoteCache) Drop(ctx context.Context, orderNo, chainID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, orderNo+":"+chainID)
	return nil
}

// ---- 依赖替身 ----

type fixedFeed struct {
	mu    sync.Mutex
	price decimal.Decimal
}

func (f *fixedFeed) USDPerOunce(ctx context.Context) decimal.Decimal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.price
}

func (f *fixedFeed) set(price decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.price = price
}

type recordingGate struct {
	mu    sync.Mutex
	tasks []kyt.Task
}

func (g *recordingGate) Submit(task kyt.Task) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.tasks = append(g.tasks, task)
}

func (g *recordingGate) submitted() []kyt.Task {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]kyt.Task(nil), g.tasks...)
}

type mockCardService struct{ mock.Mock }

func (m *mockCardService) CheckCard(serial string) (*cardModel.Card, error) {
	args := m.Called(serial)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*cardModel.Card), args.Error(1)
}

func (m *mockCardService) MarkActivated(serial, orderNo string, at time.Time) error {
	return m.Called(serial, orderNo, at).Error(0)
}

func (m *mockCardService) Freeze(serial string) error {
	return m.Called(serial).Error(0)
}

type mockCreditService struct{ mock.Mock }

func (m *mockCreditService) Grant(resellerID string, amount decimal.Decimal, sourceOrderNo string) error {
	return m.Called(resellerID, amount, sourceOrderNo).Error(0)
}

func (m *mockCreditService) Available(resellerID string) (decimal.Decimal, error) {
	args := m.Called(resellerID)
	return args.Get(0).(decimal.Decimal), args.Error(1)
}

func (m *mockCreditService) Reserve(resellerID, orderNo string) (decimal.Decimal, error) {
	args := m.Called(resellerID, orderNo)
	return args.Get(0).(decimal.Decimal), args.Error(1)
}

func (m *mockCreditService) Redeem(orderNo string, at time.Time) error {
	return m.Called(orderNo, at).Error(0)
}

func (m *mockCreditService) Release(orderNo string) error {
	return m.Called(orderNo).Error(0)
}

// ---- 测试脚手架 ----

type fixture struct {
	svc     OrderService
	repo    *memoryOrderRepo
	cards   *mockCardService
	credits *mockCreditService
	feed    *fixedFeed
	gate    *recordingGate
	quotes  *memoryQuoteCache
	clk     *clock.Fixed
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := clock.NewFixed(time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC))
	feed := &fixedFeed{price: decimal.NewFromInt(2640)}
	repo := newMemoryOrderRepo()
	cards := new(mockCardService)
	credits := new(mockCreditService)
	gate := &recordingGate{}
	engine := quote.NewEngine(feed, 0.15, 120*time.Second, clk, 2640)
	collector := metrics.NewCollectorWith(prometheus.NewRegistry())

	quotes := newMemoryQuoteCache(clk)
	svc := NewOrderService(repo, cards, credits, engine, quotes, gate, clk, collector,
		time.Hour, 0.10, 0.05)
	return &fixture{svc: svc, repo: repo, cards: cards, credits: credits, feed: feed, gate: gate, quotes: quotes, clk: clk}
}

const (
	serialTen     = "1123456789012345" // 第二位非 0，10 克卡
	serialHundred = "1023456789012345" // 第二位 0，100 克卡
)

// decimalEq 按数值比较 decimal 参数，避免内部标度差异导致误判
func decimalEq(want string) interface{} {
	expected := decimal.RequireFromString(want)
	return mock.MatchedBy(func(d decimal.Decimal) bool {
		return d.Equal(expected)
	})
}

func (f *fixture) createOrder(t *testing.T, serial string) *model.Order {
	t.Helper()
	f.cards.On("CheckCard", serial).Return(&cardModel.Card{SerialNumber: serial}, nil).Once()
	f.credits.On("Reserve", "reseller-1", mock.Anything).Return(decimal.Zero, nil).Once()
	order, err := f.svc.CreateOrder(context.Background(), serial, "reseller-1")
	assert.NoError(t, err)
	return order
}

// createSettling 建单、选链、付首笔，推进到结算中
func (f *fixture) createSettling(t *testing.T, firstPayment decimal.Decimal) *model.Order {
	t.Helper()
	order := f.createOrder(t, serialTen)
	_, err := f.svc.SelectChain(context.Background(), order.OrderNo, "TRON_USDT")
	assert.NoError(t, err)
	f.credits.On("Redeem", order.OrderNo, mock.Anything).Return(nil).Once()
	updated, err := f.svc.RecordInbound(context.Background(), order.OrderNo, "TRON_USDT", "tx-1", firstPayment)
	assert.NoError(t, err)
	return updated
}

func TestCreateOrder(t *testing.T) {
	f := newFixture(t)

	order := f.createOrder(t, serialTen)
	assert.Equal(t, model.StateChainSelect, order.State)
	assert.Equal(t, 10, order.GoldWeightGrams)
	assert.Equal(t, model.KYTPending, order.KYTStatus)

	// 同一卡密存在未关闭订单时拒绝重复建单
	f.cards.On("CheckCard", serialTen).Return(&cardModel.Card{SerialNumber: serialTen}, nil).Once()
	_, err := f.svc.CreateOrder(context.Background(), serialTen, "reseller-1")
	assert.ErrorIs(t, err, ErrDuplicateOrder)
}

func TestCreateOrder_ResellerMismatch(t *testing.T) {
	f := newFixture(t)
	f.cards.On("CheckCard", serialTen).
		Return(&cardModel.Card{SerialNumber: serialTen, ResellerID: "reseller-2"}, nil).Once()

	_, err := f.svc.CreateOrder(context.Background(), serialTen, "reseller-1")
	assert.ErrorIs(t, err, ErrResellerMismatch)
}

func TestCreateOrder_HundredGramSerial(t *testing.T) {
	f := newFixture(t)
	order := f.createOrder(t, serialHundred)
	assert.Equal(t, 100, order.GoldWeightGrams)
}

func TestCreateOrder_AppliesReservedCredit(t *testing.T) {
	f := newFixture(t)
	f.cards.On("CheckCard", serialTen).Return(&cardModel.Card{SerialNumber: serialTen}, nil).Once()
	f.credits.On("Reserve", "reseller-1", mock.Anything).Return(decimal.NewFromInt(50), nil).Once()

	order, err := f.svc.CreateOrder(context.Background(), serialTen, "reseller-1")
	assert.NoError(t, err)
	assert.True(t, order.AppliedCredit.Equal(decimal.NewFromInt(50)))

	// 报价应扣减抵扣额：976 - 50 = 926
	updated, err := f.svc.SelectChain(context.Background(), order.OrderNo, "TRON_USDT")
	assert.NoError(t, err)
	assert.Equal(t, "926", updated.QuoteAmountDue.String())
}

func TestSelectChain_IssuesQuoteAndAddress(t *testing.T) {
	f := newFixture(t)
	order := f.createOrder(t, serialTen)

	updated, err := f.svc.SelectChain(context.Background(), order.OrderNo, "TRON_USDT")
	assert.NoError(t, err)
	assert.Equal(t, model.StateQuoteActive, updated.State)
	// 2640/31.1035 × 10 × 1.15 ≈ 976
	assert.Equal(t, "976", updated.QuoteAmountDue.String())

	tron, _ := chain.Get("TRON_USDT")
	assert.True(t, tron.ValidAddress(updated.DepositAddress))
	assert.Equal(t, order.QuoteRefreshCount, updated.QuoteRefreshCount)
}

func TestSelectChain_Unsupported(t *testing.T) {
	f := newFixture(t)
	order := f.createOrder(t, serialTen)
	_, err := f.svc.SelectChain(context.Background(), order.OrderNo, "DOGE")
	assert.ErrorIs(t, err, ErrChainNotSupported)
}

func TestChainSwitch_PreservesQuoteOnReturn(t *testing.T) {
	f := newFixture(t)
	order := f.createOrder(t, serialTen)

	first, err := f.svc.SelectChain(context.Background(), order.OrderNo, "TRON_USDT")
	assert.NoError(t, err)

	// 退回选链页，金价上涨，再回到同一条链
	_, err = f.svc.LeaveChain(context.Background(), order.OrderNo)
	assert.NoError(t, err)
	f.feed.set(decimal.NewFromInt(3000))
	f.clk.Advance(30 * time.Second)

	restored, err := f.svc.SelectChain(context.Background(), order.OrderNo, "TRON_USDT")
	assert.NoError(t, err)
	assert.True(t, restored.QuoteAmountDue.Equal(first.QuoteAmountDue))
	assert.Equal(t, first.DepositAddress, restored.DepositAddress)
	assert.Equal(t, first.QuoteExpiresAt.Unix(), restored.QuoteExpiresAt.Unix())
}

func TestChainSwitch_FreshQuoteForDifferentChain(t *testing.T) {
	f := newFixture(t)
	order := f.createOrder(t, serialTen)

	tron, err := f.svc.SelectChain(context.Background(), order.OrderNo, "TRON_USDT")
	assert.NoError(t, err)

	f.feed.set(decimal.NewFromInt(3000))
	base, err := f.svc.SelectChain(context.Background(), order.OrderNo, "BASE_USDT")
	assert.NoError(t, err)
	// 3000/31.1035 × 10 × 1.15 ≈ 1109
	assert.Equal(t, "1109", base.QuoteAmountDue.String())
	assert.NotEqual(t, tron.DepositAddress, base.DepositAddress)
}

func TestChainSwitch_ExpiredQuoteNotRestored(t *testing.T) {
	f := newFixture(t)
	order := f.createOrder(t, serialTen)

	_, err := f.svc.SelectChain(context.Background(), order.OrderNo, "TRON_USDT")
	assert.NoError(t, err)
	_, err = f.svc.LeaveChain(context.Background(), order.OrderNo)
	assert.NoError(t, err)

	// 超过报价有效期后重选同链，按新行情重新出价
	f.clk.Advance(3 * time.Minute)
	f.feed.set(decimal.NewFromInt(3000))
	fresh, err := f.svc.SelectChain(context.Background(), order.OrderNo, "TRON_USDT")
	assert.NoError(t, err)
	assert.Equal(t, "1109", fresh.QuoteAmountDue.String())
}

func TestGetOrder_RefreshesExpiredQuote(t *testing.T) {
	f := newFixture(t)
	order := f.createOrder(t, serialTen)
	_, err := f.svc.SelectChain(context.Background(), order.OrderNo, "TRON_USDT")
	assert.NoError(t, err)

	// 两次过期，两次按当时行情换新
	f.clk.Advance(121 * time.Second)
	f.feed.set(decimal.NewFromInt(3000))
	view, err := f.svc.GetOrder(context.Background(), order.OrderNo)
	assert.NoError(t, err)
	assert.True(t, view.QuoteRefreshed)
	assert.Equal(t, "1109", view.Order.QuoteAmountDue.String())
	assert.Equal(t, 1, view.Order.QuoteRefreshCount)

	f.clk.Advance(121 * time.Second)
	f.feed.set(decimal.NewFromInt(2640))
	view, err = f.svc.GetOrder(context.Background(), order.OrderNo)
	assert.NoError(t, err)
	assert.True(t, view.QuoteRefreshed)
	assert.Equal(t, "976", view.Order.QuoteAmountDue.String())
	assert.Equal(t, 2, view.Order.QuoteRefreshCount)

	// 未过期时读取不动报价
	view, err = f.svc.GetOrder(context.Background(), order.OrderNo)
	assert.NoError(t, err)
	assert.False(t, view.QuoteRefreshed)
	assert.Equal(t, 2, view.Order.QuoteRefreshCount)
}

func TestSelectChain_CreditCoversQuote(t *testing.T) {
	f := newFixture(t)
	f.cards.On("CheckCard", serialTen).Return(&cardModel.Card{SerialNumber: serialTen}, nil).Once()
	f.credits.On("Reserve", "reseller-1", mock.Anything).Return(decimal.NewFromInt(2000), nil).Once()
	order, err := f.svc.CreateOrder(context.Background(), serialTen, "reseller-1")
	assert.NoError(t, err)

	// 抵扣额超过全款：应付为零，选链即激活，无需等待到账
	f.cards.On("MarkActivated", serialTen, order.OrderNo, mock.Anything).Return(nil).Once()
	f.credits.On("Redeem", order.OrderNo, mock.Anything).Return(nil).Once()
	updated, err := f.svc.SelectChain(context.Background(), order.OrderNo, "TRON_USDT")
	assert.NoError(t, err)
	assert.Equal(t, model.StateActivated, updated.State)
	assert.True(t, updated.QuoteAmountDue.IsZero())
	assert.True(t, updated.RequiredAmount.IsZero())
	assert.Equal(t, model.KYTPass, updated.KYTStatus)
	assert.Empty(t, f.gate.submitted())
	f.cards.AssertExpectations(t)
	f.credits.AssertExpectations(t)
}

func TestGetOrder_RefreshedQuoteCoveredByCredit(t *testing.T) {
	f := newFixture(t)
	f.cards.On("CheckCard", serialTen).Return(&cardModel.Card{SerialNumber: serialTen}, nil).Once()
	f.credits.On("Reserve", "reseller-1", mock.Anything).Return(decimal.NewFromInt(50), nil).Once()
	order, err := f.svc.CreateOrder(context.Background(), serialTen, "reseller-1")
	assert.NoError(t, err)
	_, err = f.svc.SelectChain(context.Background(), order.OrderNo, "TRON_USDT")
	assert.NoError(t, err)

	// 报价过期后金价大跌，换新后抵扣反超应付额
	f.clk.Advance(121 * time.Second)
	f.feed.set(decimal.NewFromInt(100))
	f.cards.On("MarkActivated", serialTen, order.OrderNo, mock.Anything).Return(nil).Once()
	f.credits.On("Redeem", order.OrderNo, mock.Anything).Return(nil).Once()

	view, err := f.svc.GetOrder(context.Background(), order.OrderNo)
	assert.NoError(t, err)
	assert.True(t, view.QuoteRefreshed)
	assert.Equal(t, model.StateActivated, view.Order.State)
	assert.True(t, view.Order.QuoteAmountDue.IsZero())
}

func TestRecordInbound_FirstPaymentOpensSettlement(t *testing.T) {
	f := newFixture(t)

	// 976 的 10% 是 97.60：先付 50，结算开始但窗口未起算
	order := f.createSettling(t, decimal.NewFromInt(50))
	assert.Equal(t, model.StateSettling, order.State)
	assert.Equal(t, "976", order.RequiredAmount.String())
	assert.Nil(t, order.SettlementDeadline)
	assert.Len(t, f.gate.submitted(), 1)
	f.credits.AssertCalled(t, "Redeem", order.OrderNo, mock.Anything)

	// 补到恰好 10%，窗口从此刻起算一小时
	f.clk.Advance(10 * time.Second)
	updated, err := f.svc.RecordInbound(context.Background(), order.OrderNo, "TRON_USDT", "tx-2", decimal.RequireFromString("47.60"))
	assert.NoError(t, err)
	assert.NotNil(t, updated.SettlementDeadline)
	assert.Equal(t, f.clk.Now().Add(time.Hour).Unix(), updated.SettlementDeadline.Unix())

	// 窗口只起算一次
	f.clk.Advance(10 * time.Second)
	again, err := f.svc.RecordInbound(context.Background(), order.OrderNo, "TRON_USDT", "tx-3", decimal.NewFromInt(100))
	assert.NoError(t, err)
	assert.Equal(t, updated.SettlementDeadline.Unix(), again.SettlementDeadline.Unix())
}

func TestRecordInbound_KYTDispatchedOnce(t *testing.T) {
	f := newFixture(t)
	order := f.createSettling(t, decimal.NewFromInt(100))

	f.clk.Advance(time.Second)
	_, err := f.svc.RecordInbound(context.Background(), order.OrderNo, "TRON_USDT", "tx-2", decimal.NewFromInt(100))
	assert.NoError(t, err)
	assert.Len(t, f.gate.submitted(), 1)
}

func TestResubmitPendingKYT_RedispatchesStalledEvaluation(t *testing.T) {
	f := newFixture(t)
	order := f.createSettling(t, decimal.NewFromInt(200))
	assert.Len(t, f.gate.submitted(), 1)

	// 评估迟迟无结论（如进程重启丢了任务），补偿扫描重新派发
	f.clk.Advance(2 * time.Minute)
	n, err := f.svc.ResubmitPendingKYT(context.Background(), f.clk.Now().Add(-time.Minute))
	assert.NoError(t, err)
	assert.Equal(t, 1, n)

	tasks := f.gate.submitted()
	assert.Len(t, tasks, 2)
	assert.Equal(t, order.OrderNo, tasks[1].OrderNo)
	assert.Equal(t, "TRON_USDT", tasks[1].ChainID)
	assert.True(t, tasks[1].AmountUSD.Equal(decimal.NewFromInt(200)))

	// 刚派发不久的评估不重复提交
	n, err = f.svc.ResubmitPendingKYT(context.Background(), f.clk.Now().Add(-3*time.Minute))
	assert.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestRecordInbound_RejectsNonPositive(t *testing.T) {
	f := newFixture(t)
	order := f.createOrder(t, serialTen)
	_, err := f.svc.RecordInbound(context.Background(), order.OrderNo, "TRON_USDT", "tx-1", decimal.Zero)
	assert.ErrorIs(t, err, ErrInvalidPaymentValue)
}

func TestFullPayment_ActivatesAfterKYTPass(t *testing.T) {
	f := newFixture(t)
	order := f.createSettling(t, decimal.NewFromInt(976))

	// 付清但 KYT 未出结果：继续等待
	assert.Equal(t, model.StateSettling, order.State)

	f.cards.On("MarkActivated", serialTen, order.OrderNo, mock.Anything).Return(nil).Once()
	err := f.svc.ResolveKYT(context.Background(), order.OrderNo, model.KYTPass)
	assert.NoError(t, err)

	final, _ := f.repo.GetByNo(context.Background(), order.OrderNo)
	assert.Equal(t, model.StateActivated, final.State)
	assert.NotNil(t, final.ClosedAt)
	f.cards.AssertExpectations(t)
}

func TestKYTPassThenFullPayment_Activates(t *testing.T) {
	f := newFixture(t)
	order := f.createSettling(t, decimal.NewFromInt(500))

	err := f.svc.ResolveKYT(context.Background(), order.OrderNo, model.KYTPass)
	assert.NoError(t, err)

	f.cards.On("MarkActivated", serialTen, order.OrderNo, mock.Anything).Return(nil).Once()
	final, err := f.svc.RecordInbound(context.Background(), order.OrderNo, "TRON_USDT", "tx-2", decimal.NewFromInt(476))
	assert.NoError(t, err)
	assert.Equal(t, model.StateActivated, final.State)
}

func TestKYTFail_BlocksFundsAndFreezesCard(t *testing.T) {
	f := newFixture(t)
	order := f.createSettling(t, decimal.NewFromInt(20))

	f.cards.On("Freeze", serialTen).Return(nil).Once()
	err := f.svc.ResolveKYT(context.Background(), order.OrderNo, model.KYTFail)
	assert.NoError(t, err)

	final, _ := f.repo.GetByNo(context.Background(), order.OrderNo)
	assert.Equal(t, model.StateFundsBlocked, final.State)
	assert.Equal(t, model.LockFrozen, final.CardLockStatus)
	assert.NotNil(t, final.ClosedAt)
	f.cards.AssertExpectations(t)

	// 裁定不可逆：后续 pass 不改写结果
	err = f.svc.ResolveKYT(context.Background(), order.OrderNo, model.KYTPass)
	assert.NoError(t, err)
	final, _ = f.repo.GetByNo(context.Background(), order.OrderNo)
	assert.Equal(t, model.StateFundsBlocked, final.State)
	assert.Equal(t, model.KYTFail, final.KYTStatus)
}

func TestCloseExpired_IncompleteSettlement(t *testing.T) {
	f := newFixture(t)
	order := f.createSettling(t, decimal.NewFromInt(200))
	err := f.svc.ResolveKYT(context.Background(), order.OrderNo, model.KYTPass)
	assert.NoError(t, err)

	// 窗口到期：手续费 976 × 5% = 48.80，余款 200 - 48.80 = 151.20
	f.credits.On("Grant", "reseller-1", decimalEq("151.2"), order.OrderNo).Return(nil).Once()
	f.clk.Advance(61 * time.Minute)
	closed, err := f.svc.CloseExpired(context.Background(), f.clk.Now())
	assert.NoError(t, err)
	assert.Equal(t, 1, closed)

	final, _ := f.repo.GetByNo(context.Background(), order.OrderNo)
	assert.Equal(t, model.StateIncompleteSettled, final.State)
	assert.Equal(t, "48.8", final.FeeDeducted.String())
	assert.Equal(t, "151.2", final.HeldCredit.String())
	f.credits.AssertExpectations(t)
}

func TestCloseExpired_HeldCreditFlooredAtZero(t *testing.T) {
	f := newFixture(t)
	small := f.createSettling(t, decimal.NewFromInt(30))
	assert.NoError(t, f.svc.ResolveKYT(context.Background(), small.OrderNo, model.KYTPass))

	// 30 低于 10% 门槛，窗口未起算，手动补一个已到期的窗口
	deadline := f.clk.Now().Add(time.Hour)
	stored, _ := f.repo.GetByNo(context.Background(), small.OrderNo)
	stored.SettlementDeadline = &deadline
	assert.NoError(t, f.repo.Save(context.Background(), stored))

	f.clk.Advance(2 * time.Hour)
	closed, err := f.svc.CloseExpired(context.Background(), f.clk.Now())
	assert.NoError(t, err)
	assert.Equal(t, 1, closed)

	final, _ := f.repo.GetByNo(context.Background(), small.OrderNo)
	assert.Equal(t, model.StateIncompleteSettled, final.State)
	// 30 - 48.80 为负，余款归零且不产生 Grant
	assert.Equal(t, "0", final.HeldCredit.String())
	f.credits.AssertNotCalled(t, "Grant", mock.Anything, mock.Anything, mock.Anything)
}

func TestCloseExpired_WaitsForPendingKYT(t *testing.T) {
	f := newFixture(t)
	order := f.createSettling(t, decimal.NewFromInt(200))

	f.clk.Advance(61 * time.Minute)
	closed, err := f.svc.CloseExpired(context.Background(), f.clk.Now())
	assert.NoError(t, err)
	assert.Equal(t, 0, closed)

	final, _ := f.repo.GetByNo(context.Background(), order.OrderNo)
	assert.Equal(t, model.StateSettling, final.State)
}

func TestResolveKYT_AfterElapsedWindowSettlesIncomplete(t *testing.T) {
	f := newFixture(t)
	order := f.createSettling(t, decimal.NewFromInt(200))

	f.clk.Advance(61 * time.Minute)
	f.credits.On("Grant", "reseller-1", decimalEq("151.2"), order.OrderNo).Return(nil).Once()
	err := f.svc.ResolveKYT(context.Background(), order.OrderNo, model.KYTPass)
	assert.NoError(t, err)

	final, _ := f.repo.GetByNo(context.Background(), order.OrderNo)
	assert.Equal(t, model.StateIncompleteSettled, final.State)
	assert.Equal(t, "48.8", final.FeeDeducted.String())
}

func TestRecordInbound_AfterTerminalOnlyJournaled(t *testing.T) {
	f := newFixture(t)
	order := f.createSettling(t, decimal.NewFromInt(976))
	f.cards.On("MarkActivated", serialTen, order.OrderNo, mock.Anything).Return(nil).Once()
	assert.NoError(t, f.svc.ResolveKYT(context.Background(), order.OrderNo, model.KYTPass))

	after, err := f.svc.RecordInbound(context.Background(), order.OrderNo, "TRON_USDT", "tx-late", decimal.NewFromInt(10))
	assert.NoError(t, err)
	assert.Equal(t, model.StateActivated, after.State)
	assert.Equal(t, "976", after.PaidAmount.String())

	events, err := f.repo.ListPaymentEvents(context.Background(), order.OrderNo)
	assert.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestRecordInbound_FirstPaymentDropsPreservedQuotes(t *testing.T) {
	f := newFixture(t)
	order := f.createOrder(t, serialTen)

	// 选链、离开再换链：TRON 的报价进入保留
	_, err := f.svc.SelectChain(context.Background(), order.OrderNo, "TRON_USDT")
	assert.NoError(t, err)
	_, err = f.svc.LeaveChain(context.Background(), order.OrderNo)
	assert.NoError(t, err)
	_, err = f.svc.SelectChain(context.Background(), order.OrderNo, "BASE_USDT")
	assert.NoError(t, err)

	preserved, err := f.quotes.Restore(context.Background(), order.OrderNo, "TRON_USDT")
	assert.NoError(t, err)
	assert.NotNil(t, preserved)

	// 首笔到账冻结应付额后，所有链的保留报价一并清除
	f.credits.On("Redeem", order.OrderNo, mock.Anything).Return(nil).Once()
	_, err = f.svc.RecordInbound(context.Background(), order.OrderNo, "BASE_USDT", "tx-1", decimal.NewFromInt(100))
	assert.NoError(t, err)

	preserved, err = f.quotes.Restore(context.Background(), order.OrderNo, "TRON_USDT")
	assert.NoError(t, err)
	assert.Nil(t, preserved)
}

func TestRecordInbound_MismatchedChainNotCounted(t *testing.T) {
	f := newFixture(t)
	order := f.createSettling(t, decimal.NewFromInt(100))

	// 打到其他链的款只记流水，不计入已收金额
	f.clk.Advance(time.Second)
	after, err := f.svc.RecordInbound(context.Background(), order.OrderNo, "BSC_USDT", "tx-wrong", decimal.NewFromInt(500))
	assert.NoError(t, err)
	assert.Equal(t, model.StateSettling, after.State)
	assert.Equal(t, "100", after.PaidAmount.String())

	events, err := f.repo.ListPaymentEvents(context.Background(), order.OrderNo)
	assert.NoError(t, err)
	assert.Len(t, events, 2)
	assert.Equal(t, "BSC_USDT", events[1].ChainID)
}

func TestReleaseStale_ReturnsCredit(t *testing.T) {
	f := newFixture(t)
	f.cards.On("CheckCard", serialTen).Return(&cardModel.Card{SerialNumber: serialTen}, nil).Once()
	f.credits.On("Reserve", "reseller-1", mock.Anything).Return(decimal.NewFromInt(50), nil).Once()
	order, err := f.svc.CreateOrder(context.Background(), serialTen, "reseller-1")
	assert.NoError(t, err)

	f.credits.On("Release", order.OrderNo).Return(nil).Once()
	f.clk.Advance(48 * time.Hour)
	released, err := f.svc.ReleaseStale(context.Background(), f.clk.Now().Add(-24*time.Hour))
	assert.NoError(t, err)
	assert.Equal(t, 1, released)

	final, _ := f.repo.GetByNo(context.Background(), order.OrderNo)
	assert.True(t, final.AppliedCredit.IsZero())
	f.credits.AssertExpectations(t)
}
