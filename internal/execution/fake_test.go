package execution

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"algo-engine/internal/exchange"
	"algo-engine/internal/order"
	"algo-engine/internal/tracker"
)

type fakeOrder struct {
	id     string
	req    order.Request
	status order.Status
	filled decimal.Decimal
	avg    decimal.Decimal
}

// fakeGateway 为内存中的交易所，测试通过钩子控制成交与错误。钩子在持锁状态下调用。
type fakeGateway struct {
	mu     sync.Mutex
	nextID int
	orders map[string]*fakeOrder

	prices     []decimal.Decimal
	priceErr   error
	priceCalls int

	// 市价单提交后立即成交
	fillMarket bool
	// 名义金额市价单按该价格折算成交量
	notionalPrice decimal.Decimal

	submitted  []order.Request
	cancelled  []string
	submitHook func(req order.Request) error
	statusHook func(o *fakeOrder)
	cancelHook func(o *fakeOrder) error
}

func newFakeGateway(prices ...string) *fakeGateway {
	gw := &fakeGateway{orders: make(map[string]*fakeOrder), fillMarket: true}
	for _, p := range prices {
		gw.prices = append(gw.prices, decimal.RequireFromString(p))
	}
	return gw
}

func (g *fakeGateway) SubmitOrder(_ context.Context, req order.Request) (order.Record, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.submitted = append(g.submitted, req)
	if g.submitHook != nil {
		if err := g.submitHook(req); err != nil {
			return order.Record{}, err
		}
	}

	g.nextID++
	o := &fakeOrder{id: strconv.Itoa(g.nextID), req: req, status: order.StatusNew}
	if req.Type == order.TypeMarket && g.fillMarket {
		o.status = order.StatusFilled
		o.filled = req.Quantity
		if req.UsesNotional() && g.notionalPrice.IsPositive() {
			o.filled = req.Notional.Div(g.notionalPrice)
			o.avg = g.notionalPrice
		}
	}
	g.orders[o.id] = o
	return g.record(o), nil
}

func (g *fakeGateway) CancelOrder(_ context.Context, _ string, orderID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.cancelled = append(g.cancelled, orderID)
	o, ok := g.orders[orderID]
	if !ok {
		return exchange.NewRejectedError(-2011, "Unknown order sent.")
	}
	if g.cancelHook != nil {
		if err := g.cancelHook(o); err != nil {
			return err
		}
	}
	if o.status.IsTerminal() {
		return exchange.NewRejectedError(-2011, "Unknown order sent.")
	}
	o.status = order.StatusCanceled
	return nil
}

func (g *fakeGateway) GetOrderStatus(_ context.Context, _ string, orderID string) (order.Record, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	o, ok := g.orders[orderID]
	if !ok {
		return order.Record{}, exchange.NewRejectedError(-2013, "Order does not exist.")
	}
	if g.statusHook != nil {
		g.statusHook(o)
	}
	return g.record(o), nil
}

func (g *fakeGateway) GetCurrentPrice(context.Context, string) (decimal.Decimal, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.priceCalls++
	if g.priceErr != nil {
		return decimal.Zero, g.priceErr
	}
	if len(g.prices) == 0 {
		return decimal.Zero, errors.New("no price scripted")
	}
	p := g.prices[0]
	if len(g.prices) > 1 {
		g.prices = g.prices[1:]
	}
	return p, nil
}

func (g *fakeGateway) record(o *fakeOrder) order.Record {
	avg := o.req.Price
	if o.avg.IsPositive() {
		avg = o.avg
	}
	return order.Record{
		OrderID:   o.id,
		Request:   o.req,
		Status:    o.status,
		FilledQty: o.filled,
		AvgPrice:  avg,
	}
}

// fill 将订单标记为完全成交。
func (g *fakeGateway) fill(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	o := g.orders[id]
	o.status = order.StatusFilled
	o.filled = o.req.Quantity
}

// find 返回指定方向与价格上未结束的订单 ID。
func (g *fakeGateway) find(side order.Side, price string) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	p := decimal.RequireFromString(price)
	for _, o := range g.orders {
		if o.req.Side == side && o.req.Price.Equal(p) && !o.status.IsTerminal() {
			return o.id
		}
	}
	return ""
}

func (g *fakeGateway) status(id string) order.Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.orders[id].status
}

func (g *fakeGateway) submissions() []order.Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]order.Request(nil), g.submitted...)
}

type journalEvent struct {
	kind       string
	strategyID string
	orderID    string
	status     Status
}

type fakeJournal struct {
	mu     sync.Mutex
	events []journalEvent
}

func (j *fakeJournal) StrategyStarted(_ context.Context, inst Instance) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, journalEvent{kind: "started", strategyID: inst.ID, status: inst.Status})
	return nil
}

func (j *fakeJournal) OrderPlaced(_ context.Context, strategyID string, rec order.Record) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, journalEvent{kind: "order", strategyID: strategyID, orderID: rec.OrderID})
	return nil
}

func (j *fakeJournal) StrategyFinished(_ context.Context, outcome Outcome) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, journalEvent{kind: "finished", strategyID: outcome.Instance.ID, status: outcome.Instance.Status})
	return nil
}

func testOptions() Options {
	return Options{
		PollInterval:       time.Millisecond,
		PriceFailureLimit:  3,
		StatusFailureLimit: 3,
		CancelAttempts:     2,
		CleanupTimeout:     time.Second,
	}
}

func newTestCoordinator(gw exchange.Gateway, journal Journal) (*Coordinator, *tracker.Tracker) {
	tr := tracker.New(nil)
	return NewCoordinator(gw, tr, testOptions(), journal, nil), tr
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func retryExhausted() error {
	return &exchange.RetryExhaustedError{Operation: "test", Attempts: 4, Last: exchange.ErrTransport}
}
