package exchange

import (
	"errors"
	"fmt"
)

var (
	// ErrMaintenance 表示交易所处于维护状态。
	ErrMaintenance = errors.New("exchange on maintenance")
	// ErrTransport 表示连接失败、超时等传输层错误，可重试。
	ErrTransport = errors.New("exchange: transport failure")
	// ErrRateLimited 表示触发交易所限频，可退避重试。
	ErrRateLimited = errors.New("exchange: rate limited")
	// ErrRetryExhausted 表示重试预算已耗尽。
	ErrRetryExhausted = errors.New("exchange: retry exhausted")
	// ErrRejected 为 RejectedError 的哨兵值。
	ErrRejected = errors.New("exchange: order rejected")
)

// 与下单规模或精度相关的拒单代码。
var sizingCodes = map[int]struct{}{
	-1013: {}, // 过滤器校验失败（LOT_SIZE / MIN_NOTIONAL）
	-1111: {}, // 精度超限
	-4003: {}, // 数量不合法
	-4164: {}, // 名义金额低于下限
}

// RejectedError 为交易所返回的确定性语义错误，不重试。
type RejectedError struct {
	Code    int
	Message string
	sizing  bool
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("exchange: 委托被拒绝 code=%d msg=%s", e.Code, e.Message)
}

func (e *RejectedError) Is(target error) bool {
	return target == ErrRejected
}

// SizingRelated 判断拒单是否由下单规模或精度引起。
func (e *RejectedError) SizingRelated() bool {
	if e.sizing {
		return true
	}
	_, ok := sizingCodes[e.Code]
	return ok
}

// NewRejectedError 构造拒单错误。
func NewRejectedError(code int, message string) *RejectedError {
	return &RejectedError{Code: code, Message: message}
}

// RetryExhaustedError 记录重试耗尽前的最后一次错误。
type RetryExhaustedError struct {
	Operation string
	Attempts  int
	Last      error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("exchange: %s 重试 %d 次后仍失败: %v", e.Operation, e.Attempts, e.Last)
}

func (e *RetryExhaustedError) Unwrap() []error {
	return []error{ErrRetryExhausted, e.Last}
}

// IsRetryable 判断错误是否属于可重试的传输或限频错误。
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRetryExhausted) {
		return false
	}
	return errors.Is(err, ErrTransport) || errors.Is(err, ErrRateLimited)
}

// IsSizingRejection 判断错误是否为规模相关的拒单。
func IsSizingRejection(err error) bool {
	var rejected *RejectedError
	return errors.As(err, &rejected) && rejected.SizingRelated()
}

func transportError(err error) error {
	return fmt.Errorf("%w: %v", ErrTransport, err)
}

func rateLimitedError(detail string) error {
	return fmt.Errorf("%w: %s", ErrRateLimited, detail)
}
