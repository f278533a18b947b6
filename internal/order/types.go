package order

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side 表示买卖方向。
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite 返回反向方向。
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Type 表示订单类型。
type Type string

const (
	TypeMarket    Type = "MARKET"
	TypeLimit     Type = "LIMIT"
	TypeStopLimit Type = "STOP_LIMIT"
)

// TimeInForce 表示订单有效期策略。
type TimeInForce string

const (
	GTC TimeInForce = "GTC"
	IOC TimeInForce = "IOC"
	FOK TimeInForce = "FOK"
	GTX TimeInForce = "GTX"
)

// Status 为交易所订单状态。
type Status string

const (
	StatusNew             Status = "NEW"
	StatusPartiallyFilled Status = "PARTIALLY_FILLED"
	StatusFilled          Status = "FILLED"
	StatusCanceled        Status = "CANCELED"
	StatusRejected        Status = "REJECTED"
	StatusExpired         Status = "EXPIRED"
)

// IsTerminal 判断状态是否为终态。
func (s Status) IsTerminal() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusRejected, StatusExpired:
		return true
	default:
		return false
	}
}

// CanTransition 判断状态迁移是否合法。相同状态视为刷新，总是允许。
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	switch from {
	case StatusNew:
		return to == StatusPartiallyFilled || to.IsTerminal()
	case StatusPartiallyFilled:
		return to == StatusFilled || to == StatusCanceled || to == StatusExpired
	default:
		return false
	}
}

// Request 描述一笔待提交的委托。Quantity 与 Notional 有且只有一个大于零。
type Request struct {
	Symbol        string
	Side          Side
	Type          Type
	Quantity      decimal.Decimal
	Notional      decimal.Decimal
	Price         decimal.Decimal
	StopPrice     decimal.Decimal
	TimeInForce   TimeInForce
	ReduceOnly    bool
	Leverage      int
	ClientOrderID string
}

// UsesNotional 表示该委托以计价货币金额下单。
func (r Request) UsesNotional() bool {
	return r.Notional.IsPositive()
}

// Size 返回实际生效的下单规模（数量或名义金额之一）。
func (r Request) Size() decimal.Decimal {
	if r.UsesNotional() {
		return r.Notional
	}
	return r.Quantity
}

// Record 为交易所订单在本地的权威记录，仅由 tracker 持有。
type Record struct {
	OrderID    string
	Request    Request
	Status     Status
	FilledQty  decimal.Decimal
	AvgPrice   decimal.Decimal
	CreatedAt  time.Time
	UpdatedAt  time.Time
	StrategyID string
}

// Remaining 返回尚未成交的数量；名义金额委托返回零。
func (r Record) Remaining() decimal.Decimal {
	if r.Request.UsesNotional() {
		return decimal.Zero
	}
	left := r.Request.Quantity.Sub(r.FilledQty)
	if left.IsNegative() {
		return decimal.Zero
	}
	return left
}
