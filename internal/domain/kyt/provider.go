package kyt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

// Verdict KYT 裁定结果，一经给出即为终态
type Verdict string

const (
	VerdictPass Verdict = "pass"
	VerdictFail Verdict = "fail"
)

// Task 一次待评估的入账
type Task struct {
	OrderNo   string
	ChainID   string
	Address   string
	AmountUSD decimal.Decimal
	Retry     int // 重试次数
}

// Provider 外部合规评估方（链上分析服务）
type Provider interface {
	Evaluate(ctx context.Context, task Task) (Verdict, error)
}

// HTTPProvider 调用合规服务 HTTP 接口的 Provider 实现
type HTTPProvider struct {
	url        string
	httpClient *http.Client
}

func NewHTTPProvider(url string, timeout time.Duration) *HTTPProvider {
	return &HTTPProvider{
		url: url,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type evaluateRequest struct {
	OrderNo   string `json:"order_no"`
	ChainID   string `json:"chain_id"`
	Address   string `json:"address"`
	AmountUSD string `json:"amount_usd"`
}

type evaluateResponse struct {
	Verdict string `json:"verdict"`
}

func (p *HTTPProvider) Evaluate(ctx context.Context, task Task) (Verdict, error) {
	payload, err := json.Marshal(evaluateRequest{
		OrderNo:   task.OrderNo,
		ChainID:   task.ChainID,
		Address:   task.Address,
		AmountUSD: task.AmountUSD.String(),
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("kyt provider returned status %d", resp.StatusCode)
	}

	var body evaluateResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", err
	}

	switch Verdict(body.Verdict) {
	case VerdictPass, VerdictFail:
		return Verdict(body.Verdict), nil
	default:
		return "", fmt.Errorf("kyt provider returned unknown verdict %q", body.Verdict)
	}
}
