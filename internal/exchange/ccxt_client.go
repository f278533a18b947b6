package exchange

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"algo-engine/internal/config"
	"algo-engine/internal/order"
)

// ccxtAPI 为 CCXTClient 依赖的 ccxt 方法子集，便于测试替换。
type ccxtAPI interface {
	CreateOrder(symbol string, typeVar string, side string, amount float64, options ...ccxt.CreateOrderOptions) (ccxt.Order, error)
	CancelOrder(id string, options ...ccxt.CancelOrderOptions) (ccxt.Order, error)
	FetchOrder(id string, options ...ccxt.FetchOrderOptions) (ccxt.Order, error)
	FetchTicker(symbol string, options ...ccxt.FetchTickerOptions) (ccxt.Ticker, error)
}

// CCXTClient 通过 ccxt 的 binanceusdm 驱动访问交易所，作为 REST 客户端之外的可选实现。
type CCXTClient struct {
	api         ccxtAPI
	loadMarkets func() error
	retry       *retrier
	logger      *zap.Logger
	// 大于1时所有委托都会被拒绝，ccxt 驱动不设置杠杆
	defaultLeverage int

	marketsMu     sync.Mutex
	marketsLoaded bool
}

// NewCCXTClient 构造 Binance USDⓈ-M ccxt 客户端。
func NewCCXTClient(cfg config.ExchangeConfig, logger *zap.Logger) (*CCXTClient, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, errors.New("exchange: 缺少 API 凭证")
	}

	userConfig := map[string]interface{}{
		"apiKey":          cfg.APIKey,
		"secret":          cfg.APISecret,
		"enableRateLimit": true,
		"options": map[string]interface{}{
			"adjustForTimeDifference": true,
			"defaultType":             "future",
		},
	}
	if cfg.Timeout > 0 {
		userConfig["timeout"] = cfg.Timeout.Milliseconds()
	}

	ex := ccxt.NewBinanceusdm(userConfig)
	if cfg.UseTestnet {
		ex.SetSandboxMode(true)
	}

	client := newCCXTClient(ex, PolicyFromConfig(cfg.Retry), logger)
	client.defaultLeverage = cfg.DefaultLeverage
	client.loadMarkets = func() error {
		_, err := ex.LoadMarkets()
		return err
	}
	return client, nil
}

func newCCXTClient(api ccxtAPI, policy RetryPolicy, logger *zap.Logger) *CCXTClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CCXTClient{
		api:    api,
		retry:  newRetrier(policy, logger),
		logger: logger,
	}
}

// SubmitOrder 提交委托。ccxt 驱动不支持按名义金额下单，也不设置杠杆。
func (c *CCXTClient) SubmitOrder(ctx context.Context, req order.Request) (order.Record, error) {
	if err := req.Check(); err != nil {
		return order.Record{}, err
	}
	if req.UsesNotional() {
		return order.Record{}, &order.ValidationError{Field: "notional", Reason: "ccxt 驱动不支持按名义金额下单"}
	}
	leverage := req.Leverage
	if leverage <= 0 {
		leverage = c.defaultLeverage
	}
	if leverage > 1 {
		return order.Record{}, &order.ValidationError{
			Field:  "leverage",
			Reason: fmt.Sprintf("ccxt 驱动不支持设置杠杆 %dx，请改用 rest 驱动", leverage),
		}
	}
	if err := c.ensureMarketsLoaded(ctx); err != nil {
		return order.Record{}, err
	}

	typeVar := strings.ToLower(string(req.Type))
	params := map[string]interface{}{}
	var opts []ccxt.CreateOrderOptions
	switch req.Type {
	case order.TypeLimit:
		opts = append(opts, ccxt.WithCreateOrderPrice(req.Price.InexactFloat64()))
	case order.TypeStopLimit:
		typeVar = "limit"
		opts = append(opts, ccxt.WithCreateOrderPrice(req.Price.InexactFloat64()))
		params["stopPrice"] = req.StopPrice.InexactFloat64()
	}
	if req.Type != order.TypeMarket && req.TimeInForce != "" {
		params["timeInForce"] = string(req.TimeInForce)
	}
	if req.ReduceOnly {
		params["reduceOnly"] = true
	}
	if req.ClientOrderID != "" {
		params["newClientOrderId"] = req.ClientOrderID
	}
	if len(params) > 0 {
		opts = append(opts, ccxt.WithCreateOrderParams(params))
	}

	info := callInfo{operation: "submit_order", symbol: req.Symbol, side: string(req.Side), orderType: string(req.Type)}
	var raw ccxt.Order
	err := c.retry.do(ctx, info, func(ctx context.Context) error {
		result, err := c.api.CreateOrder(req.Symbol, typeVar, strings.ToLower(string(req.Side)), req.Quantity.InexactFloat64(), opts...)
		if err != nil {
			return classifyCCXTError(err)
		}
		raw = result
		return nil
	})
	if err != nil {
		return order.Record{}, err
	}

	rec, err := convertOrder(raw)
	if err != nil {
		return order.Record{}, err
	}
	rec.Request = req
	return rec, nil
}

// CancelOrder 撤销订单。
func (c *CCXTClient) CancelOrder(ctx context.Context, symbol, orderID string) error {
	info := callInfo{operation: "cancel_order", symbol: symbol, orderID: orderID}
	return c.retry.do(ctx, info, func(ctx context.Context) error {
		_, err := c.api.CancelOrder(orderID, ccxt.WithCancelOrderSymbol(symbol))
		return classifyCCXTError(err)
	})
}

// GetOrderStatus 查询订单。
func (c *CCXTClient) GetOrderStatus(ctx context.Context, symbol, orderID string) (order.Record, error) {
	info := callInfo{operation: "get_order_status", symbol: symbol, orderID: orderID, quiet: true}
	var raw ccxt.Order
	err := c.retry.do(ctx, info, func(ctx context.Context) error {
		result, err := c.api.FetchOrder(orderID, ccxt.WithFetchOrderSymbol(symbol))
		if err != nil {
			return classifyCCXTError(err)
		}
		raw = result
		return nil
	})
	if err != nil {
		return order.Record{}, err
	}
	return convertOrder(raw)
}

// GetCurrentPrice 读取 ticker 最新价。
func (c *CCXTClient) GetCurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	info := callInfo{operation: "get_current_price", symbol: symbol, quiet: true}
	var last *float64
	err := c.retry.do(ctx, info, func(ctx context.Context) error {
		ticker, err := c.api.FetchTicker(symbol)
		if err != nil {
			return classifyCCXTError(err)
		}
		last = ticker.Last
		return nil
	})
	if err != nil {
		return decimal.Zero, err
	}
	if last == nil || *last <= 0 {
		return decimal.Zero, fmt.Errorf("exchange: %s 缺少有效最新价", symbol)
	}
	return decimal.NewFromFloat(*last), nil
}

func (c *CCXTClient) ensureMarketsLoaded(ctx context.Context) error {
	c.marketsMu.Lock()
	defer c.marketsMu.Unlock()

	if c.marketsLoaded || c.loadMarkets == nil {
		return nil
	}

	err := c.retry.do(ctx, callInfo{operation: "load_markets"}, func(ctx context.Context) error {
		return classifyCCXTError(c.loadMarkets())
	})
	if err != nil {
		return err
	}

	c.marketsLoaded = true
	c.logger.Info("已完成市场元数据加载")
	return nil
}

// classifyCCXTError 将 ccxt 错误映射为本包的错误类型。
func classifyCCXTError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var ccxtErr *ccxt.Error
	if errors.As(err, &ccxtErr) {
		message := strings.TrimSpace(ccxtErr.Message)
		switch ccxtErr.Type {
		case ccxt.RateLimitExceededErrType, ccxt.DDoSProtectionErrType:
			return rateLimitedError(message)
		case ccxt.NetworkErrorErrType,
			ccxt.RequestTimeoutErrType,
			ccxt.ExchangeNotAvailableErrType,
			ccxt.BadResponseErrType,
			ccxt.NullResponseErrType:
			return transportError(err)
		case ccxt.OnMaintenanceErrType:
			if message == "" {
				message = "exchange under maintenance"
			}
			return fmt.Errorf("%w: %s", ErrMaintenance, message)
		case ccxt.InvalidOrderErrType:
			return &RejectedError{Message: message, sizing: sizingMessage(message)}
		default:
			return NewRejectedError(0, message)
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return transportError(err)
	}
	return err
}

// sizingHints 为 InvalidOrder 中与数量或金额精度相关的报错关键字。
var sizingHints = []string{
	"lot_size",
	"min_notional",
	"notional",
	"precision",
	"quantity",
	"amount",
	"filter failure",
	"step size",
}

func sizingMessage(message string) bool {
	lower := strings.ToLower(message)
	for _, hint := range sizingHints {
		if strings.Contains(lower, hint) {
			return true
		}
	}
	return false
}

func convertOrder(raw ccxt.Order) (order.Record, error) {
	if raw.Id == nil || *raw.Id == "" {
		return order.Record{}, errors.New("exchange: 响应缺少订单 ID")
	}

	status := order.StatusNew
	filled := derefFloat(raw.Filled)
	if raw.Status != nil {
		switch *raw.Status {
		case "open":
			if filled > 0 {
				status = order.StatusPartiallyFilled
			}
		case "closed":
			status = order.StatusFilled
		case "canceled":
			status = order.StatusCanceled
		case "expired":
			status = order.StatusExpired
		case "rejected":
			status = order.StatusRejected
		default:
			return order.Record{}, fmt.Errorf("exchange: 未知订单状态 %q", *raw.Status)
		}
	}

	now := time.Now().UTC()
	created := now
	if raw.Timestamp != nil && *raw.Timestamp > 0 {
		created = time.UnixMilli(*raw.Timestamp).UTC()
	}

	rec := order.Record{
		OrderID:   *raw.Id,
		Status:    status,
		FilledQty: decimal.NewFromFloat(filled),
		AvgPrice:  decimal.NewFromFloat(derefFloat(raw.Average)),
		CreatedAt: created,
		UpdatedAt: now,
	}
	if raw.Symbol != nil {
		rec.Request.Symbol = *raw.Symbol
	}
	if raw.Amount != nil {
		rec.Request.Quantity = decimal.NewFromFloat(*raw.Amount)
	}
	if raw.Price != nil {
		rec.Request.Price = decimal.NewFromFloat(*raw.Price)
	}
	if raw.Side != nil {
		rec.Request.Side = order.Side(strings.ToUpper(*raw.Side))
	}
	return rec, nil
}

func derefFloat(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}
