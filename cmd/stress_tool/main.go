package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// Config
const (
	BaseURL     = "http://localhost:8080"
	TotalOrders = 500 // 并发建单数量
	ChainID     = "TRON_USDT"
)

var httpClient *http.Client

func init() {
	// 优化 HTTP Client 配置
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.MaxIdleConns = 2000
	t.MaxIdleConnsPerHost = 2000
	t.MaxConnsPerHost = 2000
	httpClient = &http.Client{
		Transport: t,
		Timeout:   10 * time.Second,
	}
}

func main() {
	fmt.Printf("开始压测：并发走完 %d 笔建单→选链流程...\n", TotalOrders)

	var wg sync.WaitGroup
	successCount := 0
	failCount := 0
	var mu sync.Mutex

	start := time.Now()

	for i := 0; i < TotalOrders; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			ok := runFlow(n)
			mu.Lock()
			if ok {
				successCount++
			} else {
				failCount++
			}
			mu.Unlock()
		}(i)
	}

	wg.Wait()
	elapsed := time.Since(start)

	fmt.Printf("压测完成：成功 %d，失败 %d，耗时 %v，QPS %.1f\n",
		successCount, failCount, elapsed, float64(TotalOrders)/elapsed.Seconds())
}

// runFlow 建单并选链，卡号需提前通过 seed 数据准备好
func runFlow(n int) bool {
	// 压测卡号段：11 开头 + 14 位序号
	serial := fmt.Sprintf("11%014d", n)

	orderNo, ok := createOrder(serial)
	if !ok {
		return false
	}
	return selectChain(orderNo)
}

func createOrder(serial string) (string, bool) {
	body, _ := json.Marshal(map[string]string{
		"serialNumber": serial,
		"resellerId":   "stress-reseller",
	})
	resp, err := httpClient.Post(BaseURL+"/api/v1/orders", "application/json", bytes.NewReader(body))
	if err != nil {
		return "", false
	}
	defer resp.Body.Close()

	var result struct {
		Code int `json:"code"`
		Data struct {
			OrderNo string `json:"orderNo"`
		} `json:"data"`
	}
	raw, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(raw, &result); err != nil || result.Code != 0 {
		return "", false
	}
	return result.Data.OrderNo, true
}

func selectChain(orderNo string) bool {
	body, _ := json.Marshal(map[string]string{"chainId": ChainID})
	resp, err := httpClient.Post(BaseURL+"/api/v1/orders/"+orderNo+"/chain", "application/json", bytes.NewReader(body))
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	var result struct {
		Code int `json:"code"`
	}
	raw, _ := io.ReadAll(resp.Body)
	return json.Unmarshal(raw, &result) == nil && result.Code == 0
}
