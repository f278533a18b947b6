package exchange

import (
	"context"

	"github.com/shopspring/decimal"

	"algo-engine/internal/order"
)

// Gateway 为执行引擎与交易所之间的唯一边界。
// 交易所按 (symbol, orderID) 定位订单，因此撤单与查询都携带交易对。
type Gateway interface {
	SubmitOrder(ctx context.Context, req order.Request) (order.Record, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	GetOrderStatus(ctx context.Context, symbol, orderID string) (order.Record, error)
	GetCurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

var (
	_ Gateway = (*RESTClient)(nil)
	_ Gateway = (*CCXTClient)(nil)
)
