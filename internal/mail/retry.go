package mail

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// DeliveryResult はメールAPIのHTTPステータスに基づく送信結果の分類。
type DeliveryResult int

const (
	// DeliveryOK は受理（2xx）。
	DeliveryOK DeliveryResult = iota
	// DeliveryRejected は再送しても成功しない応答（4xx）。
	DeliveryRejected
	// DeliveryRetry は時間をおけば成功しうる応答（408/429/5xx）。
	DeliveryRetry
)

const (
	// DefaultRetryBackoff は再送の初回待ち時間。
	DefaultRetryBackoff = 500 * time.Millisecond
	// maxRetryBackoff は再送待ち時間の上限。
	maxRetryBackoff = 5 * time.Second
)

// ClassifyHTTPStatus はメールAPIのHTTPステータスを送信結果に分類する。
func ClassifyHTTPStatus(statusCode int) DeliveryResult {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return DeliveryOK
	case statusCode == http.StatusRequestTimeout, statusCode == http.StatusTooManyRequests:
		return DeliveryRetry
	case statusCode >= 500:
		return DeliveryRetry
	default:
		return DeliveryRejected
	}
}

// CalculateBackoff は再送回数に基づいて指数バックオフの待ち時間を計算する。
// baseから2倍ずつ増加し、5秒で頭打ちになる。
func CalculateBackoff(base time.Duration, retry int) time.Duration {
	if base <= 0 {
		base = DefaultRetryBackoff
	}
	delay := base
	for i := 0; i < retry; i++ {
		delay *= 2
		if delay > maxRetryBackoff {
			return maxRetryBackoff
		}
	}
	return delay
}

// isRetryable は送信エラーが再送の対象かを返す。
// 呼び出し元のキャンセルやタイムアウトは再送しない。
func isRetryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var sendErr *SendError
	if errors.As(err, &sendErr) {
		return ClassifyHTTPStatus(sendErr.StatusCode) == DeliveryRetry
	}
	// 接続エラー等
	return true
}

// waitBackoff は待ち時間が経過するかコンテキストが終了するまで待つ。
func waitBackoff(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
