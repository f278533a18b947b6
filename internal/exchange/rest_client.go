package exchange

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"algo-engine/internal/config"
	"algo-engine/internal/order"
)

const (
	pathOrder    = "/fapi/v1/order"
	pathLeverage = "/fapi/v1/leverage"
	pathTicker   = "/fapi/v1/ticker/price"

	pathSpotOrder  = "/api/v3/order"
	pathSpotTicker = "/api/v3/ticker/price"

	// 交易所侧的限频与内部超时代码
	codeTooManyRequests = -1003
	codeDisconnected    = -1001
	codeTimeout         = -1007

	codeOrderNotFound     = -2013
	codeDuplicateClientID = -4116
)

// venue 区分合约与现货接口的路径和参数差异。
type venue struct {
	orderPath    string
	tickerPath   string
	leveragePath string
	stopType     string
	reduceOnly   bool
}

var (
	futuresVenue = venue{
		orderPath:    pathOrder,
		tickerPath:   pathTicker,
		leveragePath: pathLeverage,
		stopType:     "STOP",
		reduceOnly:   true,
	}
	spotVenue = venue{
		orderPath:  pathSpotOrder,
		tickerPath: pathSpotTicker,
		stopType:   "STOP_LOSS_LIMIT",
	}
)

// RESTClient 直接调用 Binance REST 接口（USDⓈ-M 合约或现货），所有私有请求均签名。
type RESTClient struct {
	cfg     config.ExchangeConfig
	venue   venue
	baseURL string
	http    *http.Client
	signer  *signer
	retry   *retrier
	logger  *zap.Logger

	// leverageMu 只保护 leverageSet，网络调用经 leverageCalls 按交易对合并
	leverageMu    sync.Mutex
	leverageSet   map[string]int
	leverageCalls singleflight.Group
}

// NewRESTClient 构造签名 REST 客户端。
func NewRESTClient(cfg config.ExchangeConfig, logger *zap.Logger) (*RESTClient, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, errors.New("exchange: 缺少 API 凭证")
	}
	base := cfg.Endpoint()
	if base == "" {
		return nil, errors.New("exchange: 缺少 REST 地址")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	v := futuresVenue
	if cfg.IsSpot() {
		v = spotVenue
	}

	return &RESTClient{
		cfg:         cfg,
		venue:       v,
		baseURL:     base,
		http:        &http.Client{Timeout: timeout},
		signer:      newSigner(cfg.APIKey, cfg.APISecret, cfg.RecvWindow),
		retry:       newRetrier(PolicyFromConfig(cfg.Retry), logger),
		logger:      logger,
		leverageSet: make(map[string]int),
	}, nil
}

// PolicyFromConfig 将配置转换为重试策略。
func PolicyFromConfig(cfg config.RetryConfig) RetryPolicy {
	return RetryPolicy{
		MaxRetries: cfg.MaxRetries,
		BaseDelay:  cfg.BaseDelay,
		Multiplier: cfg.Multiplier,
		MaxDelay:   cfg.MaxDelay,
		Jitter:     cfg.Jitter,
	}.normalize()
}

// SubmitOrder 提交委托并返回交易所分配的订单记录。
func (c *RESTClient) SubmitOrder(ctx context.Context, req order.Request) (order.Record, error) {
	if err := req.Check(); err != nil {
		return order.Record{}, err
	}

	if err := c.ensureLeverage(ctx, req.Symbol, req.Leverage); err != nil {
		return order.Record{}, err
	}

	if req.ClientOrderID == "" {
		req.ClientOrderID = strings.ReplaceAll(uuid.NewString(), "-", "")
	}

	if req.ReduceOnly && !c.venue.reduceOnly {
		return order.Record{}, &order.ValidationError{Field: "reduce_only", Reason: "现货不支持只减仓"}
	}

	params := orderParams(req, c.venue)
	info := callInfo{
		operation: "submit_order",
		symbol:    req.Symbol,
		side:      string(req.Side),
		orderType: string(req.Type),
	}

	var resp orderResponse
	err := c.retry.do(ctx, info, func(ctx context.Context) error {
		return c.send(ctx, http.MethodPost, c.venue.orderPath, params, true, &resp)
	})
	if err != nil {
		if !submitOutcomeUnknown(err) {
			return order.Record{}, err
		}
		// 之前的某次尝试可能已在交易所落单，按客户端订单号接管
		rec, lookupErr := c.lookupByClientID(ctx, req)
		if lookupErr != nil {
			c.logger.Warn("提交失败且未查到同号订单",
				zap.String("symbol", req.Symbol),
				zap.String("client_order_id", req.ClientOrderID),
				zap.Error(lookupErr),
			)
			return order.Record{}, err
		}
		c.logger.Warn("提交返回错误，但订单已在交易所存在，已接管",
			zap.String("symbol", req.Symbol),
			zap.String("client_order_id", req.ClientOrderID),
			zap.String("order_id", rec.OrderID),
			zap.Error(err),
		)
		return rec, nil
	}

	rec, err := resp.record()
	if err != nil {
		return order.Record{}, err
	}
	// 保留本地请求，名义金额委托的回执中 origQty 为零
	rec.Request = req
	return rec, nil
}

// submitOutcomeUnknown 判断提交失败后订单是否仍可能已被交易所接受。
func submitOutcomeUnknown(err error) bool {
	var rejected *RejectedError
	if errors.As(err, &rejected) {
		return rejected.Code == codeDuplicateClientID
	}
	return errors.Is(err, ErrRetryExhausted) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// lookupByClientID 按 origClientOrderId 查询订单。调用方的 ctx 可能已取消，查询使用独立超时。
func (c *RESTClient) lookupByClientID(ctx context.Context, req order.Request) (order.Record, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.http.Timeout)
	defer cancel()

	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("origClientOrderId", req.ClientOrderID)

	var resp orderResponse
	info := callInfo{operation: "lookup_order", symbol: req.Symbol, quiet: true}
	err := c.retry.do(ctx, info, func(ctx context.Context) error {
		return c.send(ctx, http.MethodGet, c.venue.orderPath, params, true, &resp)
	})
	if err != nil {
		return order.Record{}, err
	}
	rec, err := resp.record()
	if err != nil {
		return order.Record{}, err
	}
	rec.Request = req
	return rec, nil
}

// CancelOrder 撤销指定订单。
func (c *RESTClient) CancelOrder(ctx context.Context, symbol, orderID string) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", orderID)

	info := callInfo{operation: "cancel_order", symbol: symbol, orderID: orderID}
	return c.retry.do(ctx, info, func(ctx context.Context) error {
		return c.send(ctx, http.MethodDelete, c.venue.orderPath, params, true, nil)
	})
}

// GetOrderStatus 查询订单当前状态与成交情况。
func (c *RESTClient) GetOrderStatus(ctx context.Context, symbol, orderID string) (order.Record, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", orderID)

	var resp orderResponse
	info := callInfo{operation: "get_order_status", symbol: symbol, orderID: orderID, quiet: true}
	err := c.retry.do(ctx, info, func(ctx context.Context) error {
		return c.send(ctx, http.MethodGet, c.venue.orderPath, params, true, &resp)
	})
	if err != nil {
		return order.Record{}, err
	}
	return resp.record()
}

// GetCurrentPrice 获取最新成交价。
func (c *RESTClient) GetCurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	params := url.Values{}
	params.Set("symbol", symbol)

	var resp tickerResponse
	info := callInfo{operation: "get_current_price", symbol: symbol, quiet: true}
	err := c.retry.do(ctx, info, func(ctx context.Context) error {
		return c.send(ctx, http.MethodGet, c.venue.tickerPath, params, false, &resp)
	})
	if err != nil {
		return decimal.Zero, err
	}

	price, err := decimal.NewFromString(resp.Price)
	if err != nil {
		return decimal.Zero, fmt.Errorf("exchange: 解析价格失败 %q: %w", resp.Price, err)
	}
	if !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("exchange: 交易所返回非正价格 %s", resp.Price)
	}
	return price, nil
}

// ensureLeverage 每个交易对只设置一次杠杆，杠杆变化时重新设置。
// 同一交易对的并发设置合并为一次调用，不同交易对互不阻塞。
func (c *RESTClient) ensureLeverage(ctx context.Context, symbol string, leverage int) error {
	if leverage <= 0 {
		leverage = c.cfg.DefaultLeverage
	}
	if leverage <= 1 && c.cfg.DefaultLeverage <= 1 {
		return nil
	}
	if c.venue.leveragePath == "" {
		return &order.ValidationError{Field: "leverage", Reason: "现货不支持杠杆"}
	}
	if c.leverageApplied(symbol, leverage) {
		return nil
	}

	key := symbol + ":" + strconv.Itoa(leverage)
	_, err, _ := c.leverageCalls.Do(key, func() (any, error) {
		if c.leverageApplied(symbol, leverage) {
			return nil, nil
		}

		params := url.Values{}
		params.Set("symbol", symbol)
		params.Set("leverage", strconv.Itoa(leverage))

		info := callInfo{operation: "set_leverage", symbol: symbol}
		err := c.retry.do(ctx, info, func(ctx context.Context) error {
			return c.send(ctx, http.MethodPost, c.venue.leveragePath, params, true, nil)
		})
		if err != nil {
			return nil, err
		}

		c.leverageMu.Lock()
		c.leverageSet[symbol] = leverage
		c.leverageMu.Unlock()
		c.logger.Info("已设置杠杆", zap.String("symbol", symbol), zap.Int("leverage", leverage))
		return nil, nil
	})
	return err
}

func (c *RESTClient) leverageApplied(symbol string, leverage int) bool {
	c.leverageMu.Lock()
	defer c.leverageMu.Unlock()
	return c.leverageSet[symbol] == leverage
}

// send 发送一次请求。签名在每次尝试时重新计算，避免时间戳过期。
func (c *RESTClient) send(ctx context.Context, method, path string, params url.Values, signed bool, out any) error {
	var query string
	if signed {
		query = c.signer.sign(params)
	} else {
		query = params.Encode()
	}

	target := c.baseURL + path
	var body io.Reader
	if method == http.MethodPost {
		body = strings.NewReader(query)
	} else if query != "" {
		target += "?" + query
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("exchange: 构造请求失败: %w", err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if signed {
		httpReq.Header.Set("X-MBX-APIKEY", c.signer.apiKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return transportError(err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return transportError(err)
	}

	if err := classifyResponse(resp.StatusCode, payload); err != nil {
		return err
	}

	if out == nil {
		return nil
	}
	if err := sonic.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("exchange: 解析响应失败: %w", err)
	}
	return nil
}

// classifyResponse 将 HTTP 状态码与交易所错误体映射为类型化错误。
func classifyResponse(status int, payload []byte) error {
	switch {
	case status == http.StatusTooManyRequests || status == http.StatusTeapot:
		return rateLimitedError(fmt.Sprintf("http %d", status))
	case status >= http.StatusInternalServerError:
		return transportError(fmt.Errorf("http %d: %s", status, truncate(payload)))
	}

	var apiErr apiError
	hasCode := bytes.Contains(payload, []byte(`"code"`)) && sonic.Unmarshal(payload, &apiErr) == nil && apiErr.Code < 0

	if status >= http.StatusBadRequest || hasCode {
		if !hasCode {
			return NewRejectedError(status, truncate(payload))
		}
		switch apiErr.Code {
		case codeTooManyRequests:
			return rateLimitedError(apiErr.Msg)
		case codeDisconnected, codeTimeout:
			return transportError(errors.New(apiErr.Msg))
		default:
			return NewRejectedError(apiErr.Code, apiErr.Msg)
		}
	}
	return nil
}

func truncate(payload []byte) string {
	const limit = 256
	if len(payload) > limit {
		return string(payload[:limit]) + "..."
	}
	return string(payload)
}

func orderParams(req order.Request, v venue) url.Values {
	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", string(req.Side))
	params.Set("type", v.wireType(req.Type))
	params.Set("newClientOrderId", req.ClientOrderID)

	if req.UsesNotional() {
		params.Set("quoteOrderQty", req.Notional.String())
	} else {
		params.Set("quantity", req.Quantity.String())
	}

	switch req.Type {
	case order.TypeLimit, order.TypeStopLimit:
		params.Set("price", req.Price.String())
		tif := req.TimeInForce
		if tif == "" {
			tif = order.GTC
		}
		params.Set("timeInForce", string(tif))
	}
	if req.Type == order.TypeStopLimit {
		params.Set("stopPrice", req.StopPrice.String())
	}
	if req.ReduceOnly {
		params.Set("reduceOnly", "true")
	}
	return params
}

// wireType 将内部订单类型映射为接口的类型名。
func (v venue) wireType(t order.Type) string {
	if t == order.TypeStopLimit {
		return v.stopType
	}
	return string(t)
}

func parseWireType(s string) order.Type {
	switch s {
	case "STOP", "STOP_LOSS_LIMIT":
		return order.TypeStopLimit
	case "LIMIT":
		return order.TypeLimit
	default:
		return order.TypeMarket
	}
}

type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

type tickerResponse struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

type orderResponse struct {
	OrderID       int64  `json:"orderId"`
	Symbol        string `json:"symbol"`
	Status        string `json:"status"`
	ClientOrderID string `json:"clientOrderId"`
	Price         string `json:"price"`
	AvgPrice      string `json:"avgPrice"`
	OrigQty       string `json:"origQty"`
	ExecutedQty   string `json:"executedQty"`
	CumQuoteQty   string `json:"cummulativeQuoteQty"`
	Type          string `json:"type"`
	Side          string `json:"side"`
	StopPrice     string `json:"stopPrice"`
	TimeInForce   string `json:"timeInForce"`
	ReduceOnly    bool   `json:"reduceOnly"`
	UpdateTime    int64  `json:"updateTime"`
	TransactTime  int64  `json:"transactTime"`
}

func (r orderResponse) record() (order.Record, error) {
	if r.OrderID == 0 {
		return order.Record{}, errors.New("exchange: 响应缺少 orderId")
	}
	status, err := mapStatus(r.Status)
	if err != nil {
		return order.Record{}, err
	}

	updated := time.Now().UTC()
	switch {
	case r.UpdateTime > 0:
		updated = time.UnixMilli(r.UpdateTime).UTC()
	case r.TransactTime > 0:
		updated = time.UnixMilli(r.TransactTime).UTC()
	}

	// 现货回执没有 avgPrice，用累计成交额推算
	filled := parseDecimal(r.ExecutedQty)
	avg := parseDecimal(r.AvgPrice)
	if avg.IsZero() && filled.IsPositive() {
		if quote := parseDecimal(r.CumQuoteQty); quote.IsPositive() {
			avg = quote.Div(filled)
		}
	}

	return order.Record{
		OrderID: strconv.FormatInt(r.OrderID, 10),
		Request: order.Request{
			Symbol:        r.Symbol,
			Side:          order.Side(r.Side),
			Type:          parseWireType(r.Type),
			Quantity:      parseDecimal(r.OrigQty),
			Price:         parseDecimal(r.Price),
			StopPrice:     parseDecimal(r.StopPrice),
			TimeInForce:   order.TimeInForce(r.TimeInForce),
			ReduceOnly:    r.ReduceOnly,
			ClientOrderID: r.ClientOrderID,
		},
		Status:    status,
		FilledQty: filled,
		AvgPrice:  avg,
		CreatedAt: updated,
		UpdatedAt: updated,
	}, nil
}

func mapStatus(raw string) (order.Status, error) {
	switch raw {
	case "NEW":
		return order.StatusNew, nil
	case "PARTIALLY_FILLED":
		return order.StatusPartiallyFilled, nil
	case "FILLED":
		return order.StatusFilled, nil
	case "CANCELED":
		return order.StatusCanceled, nil
	case "REJECTED":
		return order.StatusRejected, nil
	case "EXPIRED", "EXPIRED_IN_MATCH":
		return order.StatusExpired, nil
	default:
		return "", fmt.Errorf("exchange: 未知订单状态 %q", raw)
	}
}

func parseDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
