package kyt

import "time"

const maxBackoff = 60 * time.Second

// backoffFor 返回第 retryCount 次重试前的等待时长: base * 2^retryCount，上限 60s
func backoffFor(base time.Duration, retryCount int) time.Duration {
	if retryCount < 0 {
		return base
	}
	// 2^30 已远超上限，提前截断防止位移溢出
	if retryCount > 30 {
		return maxBackoff
	}

	backoff := base * time.Duration(1<<retryCount)
	if backoff > maxBackoff {
		return maxBackoff
	}
	return backoff
}
