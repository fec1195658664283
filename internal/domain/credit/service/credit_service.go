package service

import (
	"time"

	"goldpay/internal/domain/credit/model"
	"goldpay/internal/domain/credit/repository"

	"github.com/shopspring/decimal"
)

type CreditService interface {
	// Grant 生成一笔合规余款
	Grant(resellerID string, amount decimal.Decimal, sourceOrderNo string) error
	// Available 查询分销商当前可用余款总额
	Available(resellerID string) (decimal.Decimal, error)
	// Reserve 将全部可用余款划给新订单占用，返回占用总额
	Reserve(resellerID, orderNo string) (decimal.Decimal, error)
	// Redeem 订单结算开始时核销其占用的余款
	Redeem(orderNo string, at time.Time) error
	// Release 订单未进入结算即废弃时，释放其占用的余款
	Release(orderNo string) error
}

type creditService struct {
	repo repository.CreditRepository
}

func NewCreditService(repo repository.CreditRepository) CreditService {
	return &creditService{repo: repo}
}

func (s *creditService) Grant(resellerID string, amount decimal.Decimal, sourceOrderNo string) error {
	if !amount.IsPositive() {
		// 零余款不留记录
		return nil
	}
	return s.repo.Create(&model.HeldCredit{
		ResellerID:    resellerID,
		AmountUSD:     amount,
		SourceOrderNo: sourceOrderNo,
		Status:        model.StatusAvailable,
	})
}

func (s *creditService) Available(resellerID string) (decimal.Decimal, error) {
	credits, err := s.repo.ListByStatus(resellerID, model.StatusAvailable)
	if err != nil {
		return decimal.Zero, err
	}
	return sum(credits), nil
}

func (s *creditService) Reserve(resellerID, orderNo string) (decimal.Decimal, error) {
	credits, err := s.repo.ListByStatus(resellerID, model.StatusAvailable)
	if err != nil {
		return decimal.Zero, err
	}
	total := sum(credits)
	if !total.IsPositive() {
		return decimal.Zero, nil
	}
	if err := s.repo.ReserveAvailable(resellerID, orderNo); err != nil {
		return decimal.Zero, err
	}
	return total, nil
}

func (s *creditService) Redeem(orderNo string, at time.Time) error {
	return s.repo.UpdateStatusByReserver(orderNo, model.StatusReserved, model.StatusRedeemed, &at)
}

func (s *creditService) Release(orderNo string) error {
	return s.repo.UpdateStatusByReserver(orderNo, model.StatusReserved, model.StatusAvailable, nil)
}

func sum(credits []model.HeldCredit) decimal.Decimal {
	total := decimal.Zero
	for _, c := range credits {
		total = total.Add(c.AmountUSD)
	}
	return total
}
