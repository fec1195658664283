package service

import (
	"errors"
	"regexp"
	"time"

	"goldpay/internal/domain/card/model"
	"goldpay/internal/domain/card/repository"

	"gorm.io/gorm"
)

var (
	ErrSerialFormat     = errors.New("serial number must be 16 digits")
	ErrCardInvalid      = errors.New("card invalid or not found")
	ErrAlreadyActivated = errors.New("card already activated")
	ErrCardFrozen       = errors.New("card frozen")
)

var serialPattern = regexp.MustCompile(`^\d{16}$`)

type CardService interface {
	// CheckCard 建单前校验卡片，只有 unactivated 且未冻结的卡可以发起激活
	CheckCard(serial string) (*model.Card, error)
	// MarkActivated 将卡片标记为已激活，同一张卡只会成功一次
	MarkActivated(serial, orderNo string, at time.Time) error
	// Freeze 冻结卡片（KYT 未通过）
	Freeze(serial string) error
}

type cardService struct {
	repo repository.CardRepository
}

func NewCardService(repo repository.CardRepository) CardService {
	return &cardService{repo: repo}
}

func (s *cardService) CheckCard(serial string) (*model.Card, error) {
	if !serialPattern.MatchString(serial) {
		return nil, ErrSerialFormat
	}

	card, err := s.repo.GetBySerial(serial)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCardInvalid
		}
		return nil, err
	}

	if card.LockStatus == model.LockFrozen {
		return nil, ErrCardFrozen
	}
	if card.Status == model.StatusActivated {
		return nil, ErrAlreadyActivated
	}
	return card, nil
}

func (s *cardService) MarkActivated(serial, orderNo string, at time.Time) error {
	ok, err := s.repo.MarkActivated(serial, orderNo, at)
	if err != nil {
		return err
	}
	if !ok {
		// 条件更新未命中：要么已被其他订单激活，要么卡被冻结
		card, err := s.repo.GetBySerial(serial)
		if err != nil {
			return err
		}
		if card.LockStatus == model.LockFrozen {
			return ErrCardFrozen
		}
		return ErrAlreadyActivated
	}
	return nil
}

func (s *cardService) Freeze(serial string) error {
	return s.repo.Freeze(serial)
}
