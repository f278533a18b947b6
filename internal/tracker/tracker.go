package tracker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"algo-engine/internal/order"
)

var (
	// ErrNotFound 表示订单未被跟踪。
	ErrNotFound = errors.New("tracker: order not found")
	// ErrDuplicate 表示订单 ID 已存在。
	ErrDuplicate = errors.New("tracker: duplicate order id")
	// ErrInvalidTransition 为 InvalidTransitionError 的哨兵值。
	ErrInvalidTransition = errors.New("tracker: invalid status transition")
)

// InvalidTransitionError 描述被拒绝的状态迁移。
type InvalidTransitionError struct {
	OrderID string
	From    order.Status
	To      order.Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("tracker: 订单 %s 不允许从 %s 迁移到 %s", e.OrderID, e.From, e.To)
}

func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

type entry struct {
	mu  sync.Mutex
	rec order.Record
}

// Tracker 是订单记录的唯一持有者。读取返回副本，调用方不能修改内部状态。
// 外层读写锁保护索引，每条记录再由自己的互斥锁保护，不同订单的更新互不阻塞。
type Tracker struct {
	mu         sync.RWMutex
	orders     map[string]*entry
	byStrategy map[string][]string
	logger     *zap.Logger
	now        func() time.Time
}

// New 创建订单跟踪器。
func New(logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		orders:     make(map[string]*entry),
		byStrategy: make(map[string][]string),
		logger:     logger,
		now:        time.Now,
	}
}

// Record 登记新订单。订单 ID 必须唯一。
func (t *Tracker) Record(rec order.Record) error {
	if rec.OrderID == "" {
		return errors.New("tracker: 订单 ID 不能为空")
	}
	if rec.Status == "" {
		rec.Status = order.StatusNew
	}
	now := t.now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.orders[rec.OrderID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, rec.OrderID)
	}
	t.orders[rec.OrderID] = &entry{rec: rec}
	t.byStrategy[rec.StrategyID] = append(t.byStrategy[rec.StrategyID], rec.OrderID)

	t.logger.Debug("已登记订单",
		zap.String("order_id", rec.OrderID),
		zap.String("strategy_id", rec.StrategyID),
		zap.String("status", string(rec.Status)),
	)
	return nil
}

// Update 应用一次状态刷新。状态迁移必须合法，已成交数量不会回退。
func (t *Tracker) Update(orderID string, status order.Status, filledQty, avgPrice decimal.Decimal) (order.Record, error) {
	e, err := t.lookup(orderID)
	if err != nil {
		return order.Record{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	from := e.rec.Status
	if !order.CanTransition(from, status) {
		return e.rec, &InvalidTransitionError{OrderID: orderID, From: from, To: status}
	}

	e.rec.Status = status
	if filledQty.GreaterThan(e.rec.FilledQty) {
		e.rec.FilledQty = filledQty
	}
	if avgPrice.IsPositive() {
		e.rec.AvgPrice = avgPrice
	}
	e.rec.UpdatedAt = t.now().UTC()

	if from != status {
		t.logger.Debug("订单状态更新",
			zap.String("order_id", orderID),
			zap.String("from", string(from)),
			zap.String("to", string(status)),
			zap.String("filled", e.rec.FilledQty.String()),
		)
	}
	return e.rec, nil
}

// Get 返回订单记录的副本。
func (t *Tracker) Get(orderID string) (order.Record, error) {
	e, err := t.lookup(orderID)
	if err != nil {
		return order.Record{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rec, nil
}

// ListByStrategy 按登记顺序返回策略下的全部订单。
func (t *Tracker) ListByStrategy(strategyID string) []order.Record {
	t.mu.RLock()
	ids := append([]string(nil), t.byStrategy[strategyID]...)
	entries := make([]*entry, 0, len(ids))
	for _, id := range ids {
		if e, ok := t.orders[id]; ok {
			entries = append(entries, e)
		}
	}
	t.mu.RUnlock()

	out := make([]order.Record, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.rec)
		e.mu.Unlock()
	}
	return out
}

// OpenByStrategy 返回策略下尚未进入终态的订单。
func (t *Tracker) OpenByStrategy(strategyID string) []order.Record {
	all := t.ListByStrategy(strategyID)
	open := all[:0]
	for _, rec := range all {
		if !rec.Status.IsTerminal() {
			open = append(open, rec)
		}
	}
	return open
}

// Release 移除策略的全部记录，返回移除数量。
func (t *Tracker) Release(strategyID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	ids := t.byStrategy[strategyID]
	for _, id := range ids {
		delete(t.orders, id)
	}
	delete(t.byStrategy, strategyID)
	return len(ids)
}

// Len 返回当前跟踪的订单数。
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.orders)
}

func (t *Tracker) lookup(orderID string) (*entry, error) {
	t.mu.RLock()
	e, ok := t.orders[orderID]
	t.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, orderID)
	}
	return e, nil
}
