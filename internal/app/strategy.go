package app

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"algo-engine/internal/execution"
	"algo-engine/internal/order"
)

// StrategyForm 为命令行参数与管理接口共用的策略输入，字段均为原始字符串。
type StrategyForm struct {
	Kind        string `json:"kind"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	Quantity    string `json:"quantity"`
	Notional    string `json:"notional"`
	TimeInForce string `json:"time_in_force"`
	Leverage    string `json:"leverage"`
	ReduceOnly  bool   `json:"reduce_only"`

	// 条件单：order_type 为 LIMIT（默认）或 MARKET，trigger 为 STOP（默认）或 TAKE_PROFIT
	StopPrice  string `json:"stop_price"`
	LimitPrice string `json:"limit_price"`
	OrderType  string `json:"order_type"`
	Trigger    string `json:"trigger"`

	// OCO：给出绝对价格，或以当前价为基准的百分比
	TakeProfitPrice string `json:"take_profit_price"`
	StopLimitPrice  string `json:"stop_limit_price"`
	TakeProfitPct   string `json:"take_profit_pct"`
	StopLossPct     string `json:"stop_loss_pct"`
	LimitOffsetPct  string `json:"limit_offset_pct"`

	// TWAP
	Slices    int    `json:"slices"`
	Interval  string `json:"interval"`
	SliceType string `json:"slice_type"`
	Profile   string `json:"profile"`

	// 网格。DCA 网格以 notional 作为总金额
	Lower       string `json:"lower"`
	Upper       string `json:"upper"`
	Levels      int    `json:"levels"`
	Spacing     string `json:"spacing"`
	Sizing      string `json:"sizing"`
	Multiplier  string `json:"multiplier"`
	PricePlaces int32  `json:"price_places"`

	PollInterval string `json:"poll_interval"`
}

// ParseKind 解析策略类型，接受 stop-limit / STOP_LIMIT 等写法。
func ParseKind(raw string) (execution.Kind, error) {
	k := execution.Kind(strings.ReplaceAll(strings.ToUpper(strings.TrimSpace(raw)), "-", "_"))
	switch k {
	case execution.KindStopLimit, execution.KindOCO, execution.KindTWAP, execution.KindGrid:
		return k, nil
	default:
		return "", &order.ValidationError{Field: "kind", Reason: "不支持的策略类型 " + raw}
	}
}

// BuildStrategy 把表单校验并转换为策略请求。OCO 百分比模式需要查询一次当前价格。
func (a *App) BuildStrategy(ctx context.Context, f StrategyForm) (execution.Request, error) {
	kind, err := ParseKind(f.Kind)
	if err != nil {
		return nil, err
	}
	symbol, err := a.validator.Symbol(f.Symbol)
	if err != nil {
		return nil, err
	}
	tif, err := order.ParseTimeInForce(f.TimeInForce)
	if err != nil {
		return nil, err
	}
	leverage := 0
	if strings.TrimSpace(f.Leverage) != "" {
		if leverage, err = a.validator.Leverage(f.Leverage); err != nil {
			return nil, err
		}
	}
	poll, err := parseDuration("poll_interval", f.PollInterval)
	if err != nil {
		return nil, err
	}

	if kind == execution.KindGrid {
		return a.buildGrid(f, symbol, tif, leverage, poll)
	}

	side, err := order.ParseSide(f.Side)
	if err != nil {
		return nil, err
	}

	switch kind {
	case execution.KindStopLimit:
		return a.buildStopLimit(f, symbol, side, tif, leverage, poll)
	case execution.KindOCO:
		return a.buildOCO(ctx, f, symbol, side, tif, poll)
	default:
		return a.buildTWAP(f, symbol, side, tif, leverage)
	}
}

func (a *App) buildStopLimit(f StrategyForm, symbol string, side order.Side, tif order.TimeInForce, leverage int, poll time.Duration) (execution.Request, error) {
	qty, err := a.validator.Quantity("quantity", f.Quantity)
	if err != nil {
		return nil, err
	}
	stop, err := a.validator.Price("stop_price", f.StopPrice)
	if err != nil {
		return nil, err
	}
	trigger, err := execution.ParseTrigger(f.Trigger)
	if err != nil {
		return nil, err
	}

	req := execution.StopLimitRequest{
		Symbol:       symbol,
		Side:         side,
		Quantity:     qty,
		StopPrice:    stop,
		Trigger:      trigger,
		TimeInForce:  tif,
		ReduceOnly:   f.ReduceOnly,
		Leverage:     leverage,
		PollInterval: poll,
	}
	switch order.Type(strings.ToUpper(strings.TrimSpace(f.OrderType))) {
	case "", order.TypeLimit:
		req.OrderType = order.TypeLimit
		if req.LimitPrice, err = a.validator.Price("limit_price", f.LimitPrice); err != nil {
			return nil, err
		}
	case order.TypeMarket:
		req.OrderType = order.TypeMarket
		req.TimeInForce = ""
	default:
		return nil, &order.ValidationError{Field: "order_type", Reason: "仅支持 LIMIT 或 MARKET"}
	}
	return req, nil
}

func (a *App) buildOCO(ctx context.Context, f StrategyForm, symbol string, side order.Side, tif order.TimeInForce, poll time.Duration) (execution.Request, error) {
	qty, err := a.validator.Quantity("quantity", f.Quantity)
	if err != nil {
		return nil, err
	}

	if strings.TrimSpace(f.TakeProfitPct) != "" || strings.TrimSpace(f.StopLossPct) != "" {
		tp, err := parseDecimal("take_profit_pct", f.TakeProfitPct)
		if err != nil {
			return nil, err
		}
		sl, err := parseDecimal("stop_loss_pct", f.StopLossPct)
		if err != nil {
			return nil, err
		}
		offset, err := parseDecimal("limit_offset_pct", f.LimitOffsetPct)
		if err != nil {
			return nil, err
		}
		current, err := a.gateway.GetCurrentPrice(ctx, symbol)
		if err != nil {
			return nil, err
		}
		req, err := execution.OCOFromPercentages(symbol, side, qty, current, tp, sl, offset)
		if err != nil {
			return nil, err
		}
		req.TimeInForce = tif
		req.ReduceOnly = f.ReduceOnly
		req.PollInterval = poll
		return req, nil
	}

	tp, err := a.validator.Price("take_profit_price", f.TakeProfitPrice)
	if err != nil {
		return nil, err
	}
	stop, err := a.validator.Price("stop_price", f.StopPrice)
	if err != nil {
		return nil, err
	}
	limit, err := a.validator.Price("stop_limit_price", f.StopLimitPrice)
	if err != nil {
		return nil, err
	}
	return execution.OCORequest{
		Symbol:          symbol,
		Side:            side,
		Quantity:        qty,
		TakeProfitPrice: tp,
		StopPrice:       stop,
		StopLimitPrice:  limit,
		TimeInForce:     tif,
		ReduceOnly:      f.ReduceOnly,
		PollInterval:    poll,
	}, nil
}

func (a *App) buildTWAP(f StrategyForm, symbol string, side order.Side, tif order.TimeInForce, leverage int) (execution.Request, error) {
	req := execution.TWAPRequest{
		Symbol:       symbol,
		Side:         side,
		Slices:       f.Slices,
		SliceType:    order.Type(strings.ToUpper(strings.TrimSpace(f.SliceType))),
		QuantityStep: a.opts.QuantityStep,
		TimeInForce:  tif,
		ReduceOnly:   f.ReduceOnly,
		Leverage:     leverage,
	}

	var err error
	if strings.TrimSpace(f.Notional) != "" {
		if req.Notional, err = parseDecimal("notional", f.Notional); err != nil {
			return nil, err
		}
		// 按金额拆分时数量步长不适用
		req.QuantityStep = decimal.Zero
	} else if req.Quantity, err = a.validator.Quantity("quantity", f.Quantity); err != nil {
		return nil, err
	}
	if req.Interval, err = parseDuration("interval", f.Interval); err != nil {
		return nil, err
	}
	if req.Profile, err = execution.ParseProfile(f.Profile); err != nil {
		return nil, err
	}
	return req, nil
}

func (a *App) buildGrid(f StrategyForm, symbol string, tif order.TimeInForce, leverage int, poll time.Duration) (execution.Request, error) {
	lower, err := a.validator.Price("lower", f.Lower)
	if err != nil {
		return nil, err
	}
	upper, err := a.validator.Price("upper", f.Upper)
	if err != nil {
		return nil, err
	}
	spacing, err := execution.ParseSpacing(f.Spacing)
	if err != nil {
		return nil, err
	}
	sizing, err := execution.ParseSizing(f.Sizing)
	if err != nil {
		return nil, err
	}

	req := execution.GridRequest{
		Symbol:       symbol,
		Lower:        lower,
		Upper:        upper,
		Levels:       f.Levels,
		Spacing:      spacing,
		Sizing:       sizing,
		QuantityStep: a.opts.QuantityStep,
		PricePlaces:  f.PricePlaces,
		TimeInForce:  tif,
		Leverage:     leverage,
		PollInterval: poll,
	}
	if sizing == execution.SizingDCA {
		if req.TotalNotional, err = parseDecimal("notional", f.Notional); err != nil {
			return nil, err
		}
	} else if req.QuantityPerLevel, err = a.validator.Quantity("quantity", f.Quantity); err != nil {
		return nil, err
	}
	if sizing == execution.SizingMartingale {
		if req.Multiplier, err = parseDecimal("multiplier", f.Multiplier); err != nil {
			return nil, err
		}
	}
	return req, nil
}

func parseDecimal(field, raw string) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.Zero, nil
	}
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, &order.ValidationError{Field: field, Reason: "必须为合法数字"}
	}
	return v, nil
}

func parseDuration(field, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return 0, &order.ValidationError{Field: field, Reason: "必须为非负时长，例如 30s"}
	}
	return d, nil
}
