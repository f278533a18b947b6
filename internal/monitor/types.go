package monitor

import (
	"time"

	"github.com/shopspring/decimal"

	"algo-engine/internal/execution"
	"algo-engine/internal/order"
)

// EventType 表示事件日志中的事件类型。
type EventType string

const (
	EventStrategyStarted  EventType = "strategy_started"
	EventOrderPlaced      EventType = "order_placed"
	EventStrategyFinished EventType = "strategy_finished"
	EventError            EventType = "error"
)

// Event 封装一条事件。读取时 Payload 为原始 JSON。
type Event struct {
	Type       EventType   `json:"type"`
	StrategyID string      `json:"strategy_id,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`
	Payload    interface{} `json:"payload"`
}

// StrategyPayload 记录策略启动时的实例快照。
type StrategyPayload struct {
	Kind      execution.Kind `json:"kind"`
	Symbol    string         `json:"symbol"`
	StartedAt time.Time      `json:"started_at"`
}

// OrderPayload 记录一笔子订单的提交。
type OrderPayload struct {
	OrderID       string          `json:"order_id"`
	ClientOrderID string          `json:"client_order_id,omitempty"`
	Symbol        string          `json:"symbol"`
	Side          order.Side      `json:"side"`
	Type          order.Type      `json:"type"`
	Quantity      decimal.Decimal `json:"quantity"`
	Notional      decimal.Decimal `json:"notional"`
	Price         decimal.Decimal `json:"price"`
	StopPrice     decimal.Decimal `json:"stop_price"`
	Status        order.Status    `json:"status"`
}

// ChildSummary 为终态报告中单笔子订单的结果。
type ChildSummary struct {
	OrderID   string          `json:"order_id"`
	Side      order.Side      `json:"side"`
	Type      order.Type      `json:"type"`
	Status    order.Status    `json:"status"`
	FilledQty decimal.Decimal `json:"filled_qty"`
	AvgPrice  decimal.Decimal `json:"avg_price"`
}

// CancelSummary 为单笔撤单结果。
type CancelSummary struct {
	OrderID  string       `json:"order_id"`
	Status   order.Status `json:"status"`
	Attempts int          `json:"attempts"`
	Error    string       `json:"error,omitempty"`
}

// OutcomePayload 记录策略终态，足以离线复原执行过程。
type OutcomePayload struct {
	Kind          execution.Kind   `json:"kind"`
	Symbol        string           `json:"symbol"`
	Status        execution.Status `json:"status"`
	Reason        execution.Reason `json:"reason,omitempty"`
	Phase         string           `json:"phase,omitempty"`
	Notes         []string         `json:"notes,omitempty"`
	Requested     decimal.Decimal  `json:"requested"`
	RequestedUnit string           `json:"requested_unit"`
	Filled        decimal.Decimal  `json:"filled"`
	FilledQuote   decimal.Decimal  `json:"filled_quote"`
	Children      []ChildSummary   `json:"children"`
	Cancels       []CancelSummary  `json:"cancels,omitempty"`
	Dangling      []string         `json:"dangling,omitempty"`
	Error         string           `json:"error,omitempty"`
	StartedAt     time.Time        `json:"started_at"`
	EndedAt       time.Time        `json:"ended_at"`
}

// ErrorPayload 记录异常。
type ErrorPayload struct {
	Message string                 `json:"message"`
	Error   string                 `json:"error"`
	Context map[string]interface{} `json:"context,omitempty"`
}

func newOrderPayload(rec order.Record) OrderPayload {
	req := rec.Request
	return OrderPayload{
		OrderID:       rec.OrderID,
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Quantity:      req.Quantity,
		Notional:      req.Notional,
		Price:         req.Price,
		StopPrice:     req.StopPrice,
		Status:        rec.Status,
	}
}

// SummarizeOutcome 把终态报告转换为可序列化的摘要。
func SummarizeOutcome(outcome execution.Outcome) OutcomePayload {
	inst := outcome.Instance
	p := OutcomePayload{
		Kind:          inst.Kind,
		Symbol:        inst.Symbol,
		Status:        inst.Status,
		Reason:        inst.Reason,
		Phase:         inst.Phase,
		Notes:         inst.Notes,
		Requested:     outcome.Requested,
		RequestedUnit: "base",
		Filled:        outcome.Filled,
		FilledQuote:   outcome.FilledQuote,
		Children:      make([]ChildSummary, 0, len(outcome.Orders)),
		Dangling:      outcome.Dangling,
		StartedAt:     inst.StartedAt,
		EndedAt:       inst.EndedAt,
	}
	if outcome.RequestedQuote {
		p.RequestedUnit = "quote"
	}
	for _, rec := range outcome.Orders {
		p.Children = append(p.Children, ChildSummary{
			OrderID:   rec.OrderID,
			Side:      rec.Request.Side,
			Type:      rec.Request.Type,
			Status:    rec.Status,
			FilledQty: rec.FilledQty,
			AvgPrice:  rec.AvgPrice,
		})
	}
	for _, res := range outcome.Cancels {
		c := CancelSummary{OrderID: res.OrderID, Status: res.Status, Attempts: res.Attempts}
		if res.Err != nil {
			c.Error = res.Err.Error()
		}
		p.Cancels = append(p.Cancels, c)
	}
	if outcome.Err != nil {
		p.Error = outcome.Err.Error()
	}
	return p
}
