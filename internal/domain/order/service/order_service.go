package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	cardService "goldpay/internal/domain/card/service"
	creditService "goldpay/internal/domain/credit/service"
	"goldpay/internal/domain/kyt"
	"goldpay/internal/domain/order/allocator"
	"goldpay/internal/domain/order/cache"
	"goldpay/internal/domain/order/model"
	"goldpay/internal/domain/order/quote"
	"goldpay/internal/domain/order/repository"
	"goldpay/internal/pkg/chain"
	"goldpay/internal/pkg/clock"
	"goldpay/pkg/logger"
	"goldpay/pkg/metrics"
	"goldpay/pkg/utils"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	ErrOrderNotFound       = repository.ErrOrderNotFound
	ErrOrderClosed         = errors.New("order already closed")
	ErrStateConflict       = errors.New("operation not allowed in current state")
	ErrChainNotSupported   = chain.ErrChainNotSupported
	ErrDuplicateOrder      = errors.New("serial already has an open or activated order")
	ErrInvalidPaymentValue = errors.New("payment amount must be positive")
	ErrResellerMismatch    = errors.New("card does not belong to this reseller")
)

// KYTDispatcher 首笔到账后派发异步合规评估
type KYTDispatcher interface {
	Submit(task kyt.Task)
}

// OrderView GetOrder 返回的订单快照，QuoteRefreshed 表示本次读取触发了报价换新
type OrderView struct {
	Order          *model.Order
	QuoteRefreshed bool
}

type OrderService interface {
	// CreateOrder 校验卡密并建单，建单即占用分销商全部可用余款作抵扣
	CreateOrder(ctx context.Context, serial, resellerID string) (*model.Order, error)
	// GetOrder 读取订单；报价过期且尚未开始结算时顺带换新报价
	GetOrder(ctx context.Context, orderNo string) (*OrderView, error)
	// SelectChain 选定收款链并出报价；切回原链且旧报价未过期时原价恢复
	SelectChain(ctx context.Context, orderNo, chainID string) (*model.Order, error)
	// LeaveChain 退回选链页，当前报价按剩余有效期暂存
	LeaveChain(ctx context.Context, orderNo string) (*model.Order, error)
	// RecordInbound 链上入账回调；首笔入账冻结应付额并派发 KYT
	RecordInbound(ctx context.Context, orderNo, chainID, txRef string, amount decimal.Decimal) (*model.Order, error)
	// ResolveKYT 应用合规裁定，幂等且一经终态不再改写
	ResolveKYT(ctx context.Context, orderNo, verdict string) error
	// ListOrders 运营侧分页查询订单
	ListOrders(ctx context.Context, state string, p *utils.Pagination) (*utils.PageResult, error)
	// CloseExpired 结算窗口到期的订单按已收金额收尾
	CloseExpired(ctx context.Context, now time.Time) (int, error)
	// ReleaseStale 释放长期未付款僵尸订单占用的余款
	ReleaseStale(ctx context.Context, before time.Time) (int, error)
	// ResubmitPendingKYT 重新派发长时间无结论的合规评估（进程重启或任务丢失后的补偿）
	ResubmitPendingKYT(ctx context.Context, before time.Time) (int, error)
}

type orderService struct {
	repo    repository.OrderRepository
	cards   cardService.CardService
	credits creditService.CreditService
	engine  *quote.Engine
	quotes  cache.QuoteCache
	gate    KYTDispatcher
	clk     clock.Clock
	metrics *metrics.Collector

	window        time.Duration   // 结算窗口时长
	minStartRatio decimal.Decimal // 到账比例达到该值才起算窗口
	feeRate       decimal.Decimal // 未结清手续费率
}

func NewOrderService(
	repo repository.OrderRepository,
	cards cardService.CardService,
	credits creditService.CreditService,
	engine *quote.Engine,
	quotes cache.QuoteCache,
	gate KYTDispatcher,
	clk clock.Clock,
	collector *metrics.Collector,
	window time.Duration,
	minStartRatio, feeRate float64,
) OrderService {
	return &orderService{
		repo:          repo,
		cards:         cards,
		credits:       credits,
		engine:        engine,
		quotes:        quotes,
		gate:          gate,
		clk:           clk,
		metrics:       collector,
		window:        window,
		minStartRatio: decimal.NewFromFloat(minStartRatio),
		feeRate:       decimal.NewFromFloat(feeRate),
	}
}

// weightForSerial 卡号第二位 0 表示 100 克卡，其余为 10 克卡
func weightForSerial(serial string) int {
	if serial[1] == '0' {
		return 100
	}
	return 10
}

func (s *orderService) CreateOrder(ctx context.Context, serial, resellerID string) (*model.Order, error) {
	card, err := s.cards.CheckCard(serial)
	if err != nil {
		return nil, err
	}
	// 卡片归属校验：卡上登记了分销商时必须一致
	if card.ResellerID != "" && card.ResellerID != resellerID {
		return nil, ErrResellerMismatch
	}

	exists, err := s.repo.HasOpenOrActivated(ctx, serial)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, ErrDuplicateOrder
	}

	orderNo := fmt.Sprintf("GP%s%s", s.clk.Now().Format("20060102150405"), uuid.New().String()[:8])

	applied, err := s.credits.Reserve(resellerID, orderNo)
	if err != nil {
		return nil, err
	}

	order := &model.Order{
		OrderNo:         orderNo,
		SerialNumber:    serial,
		GoldWeightGrams: weightForSerial(serial),
		ResellerID:      resellerID,
		State:           model.StateChainSelect,
		AppliedCredit:   applied,
		KYTStatus:       model.KYTPending,
		CardLockStatus:  model.LockNormal,
	}
	if err := s.repo.Create(ctx, order); err != nil {
		// 建单失败则退回已占用的余款
		if applied.IsPositive() {
			if relErr := s.credits.Release(orderNo); relErr != nil {
				logger.Log.Error("Failed to release credit after create failure",
					zap.String("order_no", orderNo), zap.Error(relErr))
			}
		}
		return nil, err
	}

	s.metrics.OrderCreated()
	logger.Log.Info("Order created",
		zap.String("order_no", orderNo),
		zap.String("serial", serial),
		zap.Int("weight_grams", order.GoldWeightGrams),
		zap.String("applied_credit", applied.String()))
	return order, nil
}

func (s *orderService) GetOrder(ctx context.Context, orderNo string) (*OrderView, error) {
	view := &OrderView{}
	err := s.repo.WithTx(ctx, func(tx repository.OrderRepository) error {
		order, err := tx.GetByNoForUpdate(ctx, orderNo)
		if err != nil {
			return err
		}

		// 读到过期报价且还没收到任何钱：按当前行情换新
		if order.State == model.StateQuoteActive && s.quoteExpired(order) {
			if err := s.reissueQuote(ctx, order); err != nil {
				return err
			}
			// 金价走高后抵扣可能覆盖全款，无需到账直接终态
			if order.QuoteAmountDue.IsZero() {
				if err := s.settleZeroDue(order, s.clk.Now()); err != nil {
					return err
				}
			}
			if err := tx.Save(ctx, order); err != nil {
				return err
			}
			view.QuoteRefreshed = true
		}

		view.Order = order
		return nil
	})
	if err != nil {
		return nil, err
	}
	return view, nil
}

func (s *orderService) quoteExpired(order *model.Order) bool {
	return order.QuoteExpiresAt != nil && !s.clk.Now().Before(*order.QuoteExpiresAt)
}

// reissueQuote 按当前金价重新出价，抵扣额不变
func (s *orderService) reissueQuote(ctx context.Context, order *model.Order) error {
	q, err := s.engine.Issue(ctx, order.GoldWeightGrams, order.AppliedCredit)
	if err != nil {
		return err
	}
	order.QuoteAmountDue = q.AmountDue
	order.QuoteIssuedAt = &q.IssuedAt
	order.QuoteExpiresAt = &q.ExpiresAt
	order.QuoteRefreshCount++
	s.metrics.QuoteRefreshed()
	logger.Log.Info("Quote refreshed",
		zap.String("order_no", order.OrderNo),
		zap.String("amount_due", q.AmountDue.String()),
		zap.Int("refresh_count", order.QuoteRefreshCount))
	return nil
}

func (s *orderService) SelectChain(ctx context.Context, orderNo, chainID string) (*model.Order, error) {
	target, err := chain.Get(chainID)
	if err != nil {
		return nil, err
	}

	var result *model.Order
	err = s.repo.WithTx(ctx, func(tx repository.OrderRepository) error {
		order, err := tx.GetByNoForUpdate(ctx, orderNo)
		if err != nil {
			return err
		}
		if order.Terminal() {
			return ErrOrderClosed
		}
		if order.State != model.StateChainSelect && order.State != model.StateQuoteActive {
			return ErrStateConflict
		}
		if order.State == model.StateQuoteActive && order.ChainID == chainID {
			// 重复选同一条链，原样返回
			result = order
			return nil
		}

		// 换链前把当前链的报价按剩余有效期暂存
		if order.State == model.StateQuoteActive {
			s.preserveQuote(ctx, order)
		}

		if restored, err := s.quotes.Restore(ctx, orderNo, chainID); err != nil {
			logger.Log.Warn("Quote restore failed, issuing fresh quote",
				zap.String("order_no", orderNo), zap.Error(err))
		} else if restored != nil {
			order.ChainID = restored.ChainID
			order.DepositAddress = restored.DepositAddress
			order.QuoteAmountDue = restored.AmountDue
			order.QuoteIssuedAt = &restored.IssuedAt
			order.QuoteExpiresAt = &restored.ExpiresAt
			order.QuoteRefreshCount = restored.RefreshCount
			order.State = model.StateQuoteActive
			s.metrics.QuoteRestored()
			result = order
			return tx.Save(ctx, order)
		}

		q, err := s.engine.Issue(ctx, order.GoldWeightGrams, order.AppliedCredit)
		if err != nil {
			return err
		}
		order.ChainID = target.ID
		order.DepositAddress = allocator.DepositAddress(orderNo, target)
		order.QuoteAmountDue = q.AmountDue
		order.QuoteIssuedAt = &q.IssuedAt
		order.QuoteExpiresAt = &q.ExpiresAt
		order.State = model.StateQuoteActive

		// 抵扣已覆盖全款：没有待收款项，选链即激活
		if q.AmountDue.IsZero() {
			if err := s.settleZeroDue(order, q.IssuedAt); err != nil {
				return err
			}
		}
		result = order
		return tx.Save(ctx, order)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// settleZeroDue 应付额为零的订单无链上到账可等，应收冻结为零、
// 核销余款后直接激活。余款发放时已做过合规筛查，这里记通过。
func (s *orderService) settleZeroDue(order *model.Order, now time.Time) error {
	order.RequiredAmount = decimal.Zero
	order.KYTStatus = model.KYTPass
	if err := s.credits.Redeem(order.OrderNo, now); err != nil {
		return err
	}
	s.activate(order, now)
	return nil
}

func (s *orderService) preserveQuote(ctx context.Context, order *model.Order) {
	if order.QuoteExpiresAt == nil || order.QuoteIssuedAt == nil {
		return
	}
	remaining := order.QuoteExpiresAt.Sub(s.clk.Now())
	preserved := cache.PreservedQuote{
		ChainID:        order.ChainID,
		DepositAddress: order.DepositAddress,
		AmountDue:      order.QuoteAmountDue,
		IssuedAt:       *order.QuoteIssuedAt,
		ExpiresAt:      *order.QuoteExpiresAt,
		RefreshCount:   order.QuoteRefreshCount,
	}
	if err := s.quotes.Preserve(ctx, order.OrderNo, preserved, remaining); err != nil {
		// 暂存失败只影响体验，不影响正确性
		logger.Log.Warn("Quote preserve failed",
			zap.String("order_no", order.OrderNo), zap.Error(err))
	}
}

func (s *orderService) LeaveChain(ctx context.Context, orderNo string) (*model.Order, error) {
	var result *model.Order
	err := s.repo.WithTx(ctx, func(tx repository.OrderRepository) error {
		order, err := tx.GetByNoForUpdate(ctx, orderNo)
		if err != nil {
			return err
		}
		if order.Terminal() {
			return ErrOrderClosed
		}
		if order.State == model.StateChainSelect {
			result = order
			return nil
		}
		if order.State != model.StateQuoteActive {
			return ErrStateConflict
		}

		s.preserveQuote(ctx, order)
		order.State = model.StateChainSelect
		result = order
		return tx.Save(ctx, order)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *orderService) RecordInbound(ctx context.Context, orderNo, chainID, txRef string, amount decimal.Decimal) (*model.Order, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidPaymentValue
	}

	var result *model.Order
	var dispatch *kyt.Task
	err := s.repo.WithTx(ctx, func(tx repository.OrderRepository) error {
		order, err := tx.GetByNoForUpdate(ctx, orderNo)
		if err != nil {
			return err
		}

		now := s.clk.Now()
		if err := tx.AddPaymentEvent(ctx, &model.PaymentEvent{
			OrderNo:    orderNo,
			ChainID:    chainID,
			TxRef:      txRef,
			AmountUSD:  amount,
			ObservedAt: now,
		}); err != nil {
			return err
		}

		if order.Terminal() {
			// 关单后的到账只记流水，人工退款处理
			logger.Log.Warn("Payment observed after order closed",
				zap.String("order_no", orderNo),
				zap.String("amount", amount.String()))
			result = order
			return nil
		}
		if order.State != model.StateQuoteActive && order.State != model.StateSettling {
			return ErrStateConflict
		}
		if chainID != order.ChainID {
			// 非下单链的到账只记流水，不计入已收金额，留待人工核查
			logger.Log.Warn("Payment observed on mismatched chain",
				zap.String("order_no", orderNo),
				zap.String("order_chain", order.ChainID),
				zap.String("payment_chain", chainID),
				zap.String("amount", amount.String()))
			result = order
			return nil
		}

		order.PaidAmount = order.PaidAmount.Add(amount)

		// 首笔到账：冻结应付额，核销余款，进入结算
		if order.State == model.StateQuoteActive {
			order.RequiredAmount = order.QuoteAmountDue
			order.State = model.StateSettling
			order.KYTStartedAt = &now
			if err := s.credits.Redeem(orderNo, now); err != nil {
				return err
			}
			dispatch = &kyt.Task{
				OrderNo:   orderNo,
				ChainID:   order.ChainID,
				Address:   order.DepositAddress,
				AmountUSD: amount,
			}
		}

		// 到账比例首次达到门槛才起算结算窗口
		if order.SettlementDeadline == nil && s.ratioReached(order) {
			deadline := now.Add(s.window)
			order.SettlementDeadline = &deadline
			logger.Log.Info("Settlement window opened",
				zap.String("order_no", orderNo),
				zap.Time("deadline", deadline))
		}

		s.maybeFinalize(order, now)

		result = order
		return tx.Save(ctx, order)
	})
	if err != nil {
		return nil, err
	}

	s.metrics.PaymentObserved()
	if dispatch != nil {
		// 结算开始后报价不可再恢复，清掉各链的保留报价
		for _, ch := range chain.All() {
			if err := s.quotes.Drop(ctx, orderNo, ch.ID); err != nil {
				logger.Log.Warn("Failed to drop preserved quote",
					zap.String("order_no", orderNo),
					zap.String("chain_id", ch.ID), zap.Error(err))
			}
		}
		s.gate.Submit(*dispatch)
	}
	return result, nil
}

// ratioReached 已收金额是否达到窗口起算比例
func (s *orderService) ratioReached(order *model.Order) bool {
	if !order.RequiredAmount.IsPositive() {
		return true
	}
	threshold := order.RequiredAmount.Mul(s.minStartRatio)
	return order.PaidAmount.GreaterThanOrEqual(threshold)
}

// maybeFinalize 付清且 KYT 通过即激活；KYT 未出结果前一律等待
func (s *orderService) maybeFinalize(order *model.Order, now time.Time) {
	if order.State != model.StateSettling || order.KYTStatus != model.KYTPass {
		return
	}
	if order.PaidAmount.GreaterThanOrEqual(order.RequiredAmount) {
		s.activate(order, now)
	}
}

func (s *orderService) activate(order *model.Order, now time.Time) {
	order.State = model.StateActivated
	order.ClosedAt = &now
	if err := s.cards.MarkActivated(order.SerialNumber, order.OrderNo, now); err != nil {
		// 订单与卡片状态不一致，需要人工对账
		logger.Log.Error("Failed to mark card activated",
			zap.String("order_no", order.OrderNo),
			zap.String("serial", order.SerialNumber),
			zap.Error(err))
	}
	s.metrics.OrderTerminal(model.StateActivated)
	logger.Log.Info("Order activated",
		zap.String("order_no", order.OrderNo),
		zap.String("paid", order.PaidAmount.String()),
		zap.String("required", order.RequiredAmount.String()))
}

func (s *orderService) ResolveKYT(ctx context.Context, orderNo, verdict string) error {
	if verdict != model.KYTPass && verdict != model.KYTFail {
		return fmt.Errorf("unknown kyt verdict: %q", verdict)
	}

	return s.repo.WithTx(ctx, func(tx repository.OrderRepository) error {
		order, err := tx.GetByNoForUpdate(ctx, orderNo)
		if err != nil {
			return err
		}
		// 裁定一经落库不再改写
		if order.KYTStatus != model.KYTPending {
			return nil
		}
		if order.Terminal() {
			return nil
		}

		order.KYTStatus = verdict
		now := s.clk.Now()
		s.metrics.KYTVerdict(verdict)

		if verdict == model.KYTFail {
			order.State = model.StateFundsBlocked
			order.CardLockStatus = model.LockFrozen
			order.ClosedAt = &now
			if err := s.cards.Freeze(order.SerialNumber); err != nil {
				logger.Log.Error("Failed to freeze card",
					zap.String("serial", order.SerialNumber), zap.Error(err))
			}
			s.metrics.OrderTerminal(model.StateFundsBlocked)
			logger.Log.Warn("Order funds blocked by KYT",
				zap.String("order_no", orderNo),
				zap.String("paid", order.PaidAmount.String()))
			return tx.Save(ctx, order)
		}

		// 裁定期间可能已付清，或窗口已到期
		s.maybeFinalize(order, now)
		if order.State == model.StateSettling && order.SettlementDeadline != nil && !now.Before(*order.SettlementDeadline) {
			s.settleIncomplete(order, now)
		}
		return tx.Save(ctx, order)
	})
}

// settleIncomplete 窗口到期未付清：扣手续费，余额转为分销商合规余款
func (s *orderService) settleIncomplete(order *model.Order, now time.Time) {
	fee := order.RequiredAmount.Mul(s.feeRate).Round(2)
	held := order.PaidAmount.Sub(fee)
	if held.IsNegative() {
		held = decimal.Zero
	}

	order.State = model.StateIncompleteSettled
	order.FeeDeducted = fee
	order.HeldCredit = held
	order.ClosedAt = &now

	if held.IsPositive() {
		if err := s.credits.Grant(order.ResellerID, held, order.OrderNo); err != nil {
			logger.Log.Error("Failed to grant held credit",
				zap.String("order_no", order.OrderNo), zap.Error(err))
		}
		s.metrics.CreditGranted(held.InexactFloat64())
	}
	s.metrics.FeeDeducted(fee.InexactFloat64())
	s.metrics.OrderTerminal(model.StateIncompleteSettled)
	logger.Log.Info("Order settled incomplete",
		zap.String("order_no", order.OrderNo),
		zap.String("paid", order.PaidAmount.String()),
		zap.String("fee", fee.String()),
		zap.String("held_credit", held.String()))
}

func (s *orderService) ListOrders(ctx context.Context, state string, p *utils.Pagination) (*utils.PageResult, error) {
	orders, total, err := s.repo.List(ctx, state, p)
	if err != nil {
		return nil, err
	}
	return &utils.PageResult{
		List:  orders,
		Total: total,
		Page:  p.Page,
		Limit: p.Limit,
	}, nil
}

func (s *orderService) CloseExpired(ctx context.Context, now time.Time) (int, error) {
	candidates, err := s.repo.FindDeadlineElapsed(ctx, now, 100)
	if err != nil {
		return 0, err
	}

	closed := 0
	for i := range candidates {
		orderNo := candidates[i].OrderNo
		err := s.repo.WithTx(ctx, func(tx repository.OrderRepository) error {
			order, err := tx.GetByNoForUpdate(ctx, orderNo)
			if err != nil {
				return err
			}
			if order.State != model.StateSettling {
				return nil
			}
			if order.SettlementDeadline == nil || now.Before(*order.SettlementDeadline) {
				return nil
			}
			// KYT 未出结果前资金去向未知，窗口到期也先挂着
			if order.KYTStatus == model.KYTPending {
				logger.Log.Warn("Settlement window elapsed but KYT still pending",
					zap.String("order_no", orderNo))
				return nil
			}
			if order.PaidAmount.GreaterThanOrEqual(order.RequiredAmount) {
				s.activate(order, now)
			} else {
				s.settleIncomplete(order, now)
			}
			closed++
			return tx.Save(ctx, order)
		})
		if err != nil {
			logger.Log.Error("Failed to close expired order",
				zap.String("order_no", orderNo), zap.Error(err))
		}
	}
	return closed, nil
}

func (s *orderService) ReleaseStale(ctx context.Context, before time.Time) (int, error) {
	candidates, err := s.repo.FindStaleUnfunded(ctx, before, 100)
	if err != nil {
		return 0, err
	}

	released := 0
	for i := range candidates {
		orderNo := candidates[i].OrderNo
		err := s.repo.WithTx(ctx, func(tx repository.OrderRepository) error {
			order, err := tx.GetByNoForUpdate(ctx, orderNo)
			if err != nil {
				return err
			}
			if order.SettlementStarted() || order.PaidAmount.IsPositive() {
				return nil
			}
			if !order.AppliedCredit.IsPositive() {
				return nil
			}
			if err := s.credits.Release(orderNo); err != nil {
				return err
			}
			order.AppliedCredit = decimal.Zero
			released++
			return tx.Save(ctx, order)
		})
		if err != nil {
			logger.Log.Error("Failed to release stale order credit",
				zap.String("order_no", orderNo), zap.Error(err))
		}
	}
	return released, nil
}

func (s *orderService) ResubmitPendingKYT(ctx context.Context, before time.Time) (int, error) {
	candidates, err := s.repo.FindPendingKYT(ctx, before, 100)
	if err != nil {
		return 0, err
	}

	resubmitted := 0
	for i := range candidates {
		order := &candidates[i]
		s.gate.Submit(kyt.Task{
			OrderNo:   order.OrderNo,
			ChainID:   order.ChainID,
			Address:   order.DepositAddress,
			AmountUSD: order.PaidAmount,
		})
		resubmitted++
		logger.Log.Info("Resubmitted stalled KYT evaluation",
			zap.String("order_no", order.OrderNo))
	}
	return resubmitted, nil
}
