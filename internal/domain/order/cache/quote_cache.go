package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// PreservedQuote 用户退回选链页时暂存的报价快照。
// 以 (订单, 链) 为键写入 Redis，TTL 即报价剩余有效期，
// 过期由 Redis 自然淘汰，重选同链且未过期时原样恢复。
type PreservedQuote struct {
	ChainID        string          `json:"chainId"`
	DepositAddress string          `json:"depositAddress"`
	GrossUSD       decimal.Decimal `json:"grossUsd"`
	AmountDue      decimal.Decimal `json:"amountDue"`
	IssuedAt       time.Time       `json:"issuedAt"`
	ExpiresAt      time.Time       `json:"expiresAt"`
	RefreshCount   int             `json:"refreshCount"`
}

type QuoteCache interface {
	Preserve(ctx context.Context, orderNo string, q PreservedQuote, ttl time.Duration) error
	// Restore 返回 nil 表示无可恢复的报价
	Restore(ctx context.Context, orderNo, chainID string) (*PreservedQuote, error)
	Drop(ctx context.Context, orderNo, chainID string) error
}

type redisQuoteCache struct {
	client *redis.Client
}

func NewQuoteCache(client *redis.Client) QuoteCache {
	return &redisQuoteCache{client: client}
}

func (c *redisQuoteCache) key(orderNo, chainID string) string {
	return fmt.Sprintf("goldpay:quote:preserved:%s:%s", orderNo, chainID)
}

func (c *redisQuoteCache) Preserve(ctx context.Context, orderNo string, q PreservedQuote, ttl time.Duration) error {
	if ttl <= 0 {
		// 已过期的报价不值得保留
		return nil
	}
	data, err := json.Marshal(q)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.key(orderNo, q.ChainID), data, ttl).Err()
}

func (c *redisQuoteCache) Restore(ctx context.Context, orderNo, chainID string) (*PreservedQuote, error) {
	val, err := c.client.Get(ctx, c.key(orderNo, chainID)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("restore preserved quote: %w", err)
	}

	var q PreservedQuote
	if err := json.Unmarshal([]byte(val), &q); err != nil {
		return nil, err
	}
	return &q, nil
}

func (c *redisQuoteCache) Drop(ctx context.Context, orderNo, chainID string) error {
	return c.client.Del(ctx, c.key(orderNo, chainID)).Err()
}
