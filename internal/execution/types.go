package execution

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"algo-engine/internal/config"
	"algo-engine/internal/order"
)

// Kind 为策略类型。
type Kind string

const (
	KindStopLimit Kind = "STOP_LIMIT"
	KindOCO       Kind = "OCO"
	KindTWAP      Kind = "TWAP"
	KindGrid      Kind = "GRID"
)

// Status 为策略实例的整体状态。
type Status string

const (
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusCancelled Status = "CANCELLED"
	StatusFailed    Status = "FAILED"
)

// IsTerminal 判断策略是否已结束。
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusFailed
}

// Reason 为策略失败原因。
type Reason string

const (
	ReasonPriceFeedUnavailable Reason = "PriceFeedUnavailable"
	ReasonDanglingLeg          Reason = "DanglingLeg"
	ReasonStatusUnavailable    Reason = "StatusUnavailable"
	ReasonOrderRejected        Reason = "OrderRejected"
	ReasonRetryExhausted       Reason = "RetryExhausted"
	ReasonInvalidTransition    Reason = "InvalidTransition"
	ReasonInvalidRequest       Reason = "InvalidRequest"
	ReasonMaintenance          Reason = "ExchangeMaintenance"
	ReasonInternal             Reason = "Internal"
)

// 执行过程中的备注。
const (
	NoteBothLegsFilled = "BothLegsFilled"
)

var (
	// ErrUnknownStrategy 表示策略实例不存在或已结束。
	ErrUnknownStrategy = errors.New("execution: unknown strategy")
	// ErrShuttingDown 表示协调器已停止接收新策略。
	ErrShuttingDown = errors.New("execution: coordinator shutting down")
	// ErrOrderCanceled 表示子订单在引擎之外被撤销或过期，策略按取消处理。
	ErrOrderCanceled = errors.New("execution: child order canceled outside the engine")
)

// StrategyError 为策略级终止错误，OrderIDs 列出需要人工跟进的订单。
type StrategyError struct {
	Reason   Reason
	OrderIDs []string
	Err      error
}

func (e *StrategyError) Error() string {
	msg := fmt.Sprintf("execution: 策略失败 reason=%s", e.Reason)
	if len(e.OrderIDs) > 0 {
		msg += fmt.Sprintf(" orders=%v", e.OrderIDs)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *StrategyError) Unwrap() error {
	return e.Err
}

// Instance 为策略实例的快照。
type Instance struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	Symbol    string    `json:"symbol"`
	Phase     string    `json:"phase,omitempty"`
	Children  []string  `json:"children"`
	Status    Status    `json:"status"`
	Reason    Reason    `json:"reason,omitempty"`
	Notes     []string  `json:"notes,omitempty"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at,omitempty"`
}

// CancelResult 为单笔撤单结果，批量撤单逐笔汇报。
type CancelResult struct {
	OrderID  string
	Status   order.Status
	Attempts int
	Err      error
}

// Outcome 为策略的终态报告，足以在不重放交易所调用的情况下复原执行过程。
type Outcome struct {
	Instance  Instance
	Orders    []order.Record
	Requested decimal.Decimal
	// RequestedQuote 为真时 Requested 以计价货币计，应与 FilledQuote 比较。
	RequestedQuote bool
	Filled         decimal.Decimal
	// FilledQuote 为成交金额合计（成交量 × 均价）。
	FilledQuote decimal.Decimal
	Cancels     []CancelResult
	Dangling    []string
	Err         error
}

// Request 为四类策略请求的统一抽象，未导出方法限定了可选类型。
type Request interface {
	Kind() Kind
	Validate() error
	instrument() string
	planned() decimal.Decimal
}

// Options 为执行器共享的节奏与容错参数。
type Options struct {
	PollInterval       time.Duration
	PriceFailureLimit  int
	StatusFailureLimit int
	CancelAttempts     int
	CleanupTimeout     time.Duration
	QuantityStep       decimal.Decimal
	MaxSlices          int
	MaxGridLevels      int
}

// DefaultOptions 返回默认执行参数。
func DefaultOptions() Options {
	return Options{
		PollInterval:       2 * time.Second,
		PriceFailureLimit:  3,
		StatusFailureLimit: 5,
		CancelAttempts:     3,
		CleanupTimeout:     30 * time.Second,
	}
}

// OptionsFromConfig 由配置构造执行参数，未配置的项使用默认值。
func OptionsFromConfig(strategy config.StrategyConfig, limits config.ValidationConfig) Options {
	opts := DefaultOptions()
	if strategy.PollInterval > 0 {
		opts.PollInterval = strategy.PollInterval
	}
	if strategy.PriceFailureLimit > 0 {
		opts.PriceFailureLimit = strategy.PriceFailureLimit
	}
	if strategy.StatusFailureLimit > 0 {
		opts.StatusFailureLimit = strategy.StatusFailureLimit
	}
	if strategy.CancelAttempts > 0 {
		opts.CancelAttempts = strategy.CancelAttempts
	}
	if step, err := decimal.NewFromString(strategy.QuantityStep); err == nil && step.IsPositive() {
		opts.QuantityStep = step
	}
	opts.MaxSlices = limits.MaxSlices
	opts.MaxGridLevels = limits.MaxGridLevels
	return opts
}

func (o Options) normalize() Options {
	def := DefaultOptions()
	if o.PollInterval <= 0 {
		o.PollInterval = def.PollInterval
	}
	if o.PriceFailureLimit <= 0 {
		o.PriceFailureLimit = def.PriceFailureLimit
	}
	if o.StatusFailureLimit <= 0 {
		o.StatusFailureLimit = def.StatusFailureLimit
	}
	if o.CancelAttempts <= 0 {
		o.CancelAttempts = def.CancelAttempts
	}
	if o.CleanupTimeout <= 0 {
		o.CleanupTimeout = def.CleanupTimeout
	}
	return o
}
