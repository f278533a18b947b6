package order

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// ErrValidation 为所有参数校验错误的哨兵值。
var ErrValidation = errors.New("order: validation failed")

// ValidationError 指出不合法的字段及原因，在任何网络调用之前返回。
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("order: 参数 %s 不合法: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func invalid(field, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Check 对委托做提交前的结构性检查，不涉及交易所规则。
func (r Request) Check() error {
	if strings.TrimSpace(r.Symbol) == "" {
		return invalid("symbol", "不能为空")
	}
	if r.Side != SideBuy && r.Side != SideSell {
		return invalid("side", "不支持的方向 %q", r.Side)
	}

	hasQty := !r.Quantity.IsZero()
	hasNotional := !r.Notional.IsZero()
	switch {
	case hasQty && hasNotional:
		return invalid("quantity", "quantity 与 notional 只能设置一个")
	case !hasQty && !hasNotional:
		return invalid("quantity", "quantity 与 notional 必须设置一个")
	case hasQty && !r.Quantity.IsPositive():
		return invalid("quantity", "必须为正数")
	case hasNotional && !r.Notional.IsPositive():
		return invalid("notional", "必须为正数")
	}

	switch r.Type {
	case TypeMarket:
		if !r.Price.IsZero() {
			return invalid("price", "市价单不能指定价格")
		}
	case TypeLimit, TypeStopLimit:
		if !r.Price.IsPositive() {
			return invalid("price", "%s 委托需要正的价格", r.Type)
		}
	default:
		return invalid("type", "不支持的订单类型 %q", r.Type)
	}

	if r.Type == TypeStopLimit {
		if !r.StopPrice.IsPositive() {
			return invalid("stop_price", "止损限价单需要正的触发价")
		}
	} else if !r.StopPrice.IsZero() {
		return invalid("stop_price", "仅止损限价单可设置触发价")
	}

	if r.Leverage < 0 {
		return invalid("leverage", "不能为负")
	}
	return nil
}

// RawRequest 为命令行等外部输入的原始字符串形式。
type RawRequest struct {
	Symbol      string
	Side        string
	Type        string
	Quantity    string
	Notional    string
	Price       string
	StopPrice   string
	TimeInForce string
	ReduceOnly  bool
	Leverage    string
}

// Limits 描述校验器的取值范围，零值表示不限制。
type Limits struct {
	Symbols     []string
	MinQuantity decimal.Decimal
	MaxQuantity decimal.Decimal
	MinPrice    decimal.Decimal
	MaxPrice    decimal.Decimal
	MaxLeverage int
}

// Validator 把原始输入规范化为 Request，是纯函数边界。
type Validator struct {
	symbols map[string]struct{}
	limits  Limits
}

// NewValidator 创建校验器。
func NewValidator(limits Limits) *Validator {
	symbols := make(map[string]struct{}, len(limits.Symbols))
	for _, s := range limits.Symbols {
		symbols[strings.ToUpper(strings.TrimSpace(s))] = struct{}{}
	}
	if limits.MaxLeverage <= 0 {
		limits.MaxLeverage = 125
	}
	return &Validator{symbols: symbols, limits: limits}
}

// Normalize 校验并返回规范化后的委托。
func (v *Validator) Normalize(raw RawRequest) (Request, error) {
	var req Request

	symbol, err := v.Symbol(raw.Symbol)
	if err != nil {
		return req, err
	}
	side, err := ParseSide(raw.Side)
	if err != nil {
		return req, err
	}
	typ, err := parseType(raw.Type)
	if err != nil {
		return req, err
	}
	tif, err := ParseTimeInForce(raw.TimeInForce)
	if err != nil {
		return req, err
	}

	req = Request{
		Symbol:      symbol,
		Side:        side,
		Type:        typ,
		TimeInForce: tif,
		ReduceOnly:  raw.ReduceOnly,
	}

	if strings.TrimSpace(raw.Quantity) != "" {
		if req.Quantity, err = v.Quantity("quantity", raw.Quantity); err != nil {
			return req, err
		}
	}
	if strings.TrimSpace(raw.Notional) != "" {
		if req.Notional, err = parsePositive("notional", raw.Notional); err != nil {
			return req, err
		}
	}
	if strings.TrimSpace(raw.Price) != "" {
		if req.Price, err = v.Price("price", raw.Price); err != nil {
			return req, err
		}
	}
	if strings.TrimSpace(raw.StopPrice) != "" {
		if req.StopPrice, err = v.Price("stop_price", raw.StopPrice); err != nil {
			return req, err
		}
	}
	if strings.TrimSpace(raw.Leverage) != "" {
		if req.Leverage, err = v.Leverage(raw.Leverage); err != nil {
			return req, err
		}
	}

	if err := req.Check(); err != nil {
		return req, err
	}
	return req, nil
}

// Symbol 校验交易对，白名单为空时接受任意非空交易对。
func (v *Validator) Symbol(raw string) (string, error) {
	symbol := strings.ToUpper(strings.TrimSpace(raw))
	if symbol == "" {
		return "", invalid("symbol", "不能为空")
	}
	if len(v.symbols) > 0 {
		if _, ok := v.symbols[symbol]; !ok {
			return "", invalid("symbol", "交易对 %s 不在支持列表中", symbol)
		}
	}
	return symbol, nil
}

// Quantity 校验数量及其范围。
func (v *Validator) Quantity(field, raw string) (decimal.Decimal, error) {
	qty, err := parsePositive(field, raw)
	if err != nil {
		return decimal.Zero, err
	}
	if v.limits.MinQuantity.IsPositive() && qty.LessThan(v.limits.MinQuantity) {
		return decimal.Zero, invalid(field, "不能小于 %s", v.limits.MinQuantity)
	}
	if v.limits.MaxQuantity.IsPositive() && qty.GreaterThan(v.limits.MaxQuantity) {
		return decimal.Zero, invalid(field, "不能大于 %s", v.limits.MaxQuantity)
	}
	return qty, nil
}

// Price 校验价格及其范围。
func (v *Validator) Price(field, raw string) (decimal.Decimal, error) {
	price, err := parsePositive(field, raw)
	if err != nil {
		return decimal.Zero, err
	}
	if v.limits.MinPrice.IsPositive() && price.LessThan(v.limits.MinPrice) {
		return decimal.Zero, invalid(field, "不能小于 %s", v.limits.MinPrice)
	}
	if v.limits.MaxPrice.IsPositive() && price.GreaterThan(v.limits.MaxPrice) {
		return decimal.Zero, invalid(field, "不能大于 %s", v.limits.MaxPrice)
	}
	return price, nil
}

// Leverage 校验杠杆倍数。
func (v *Validator) Leverage(raw string) (int, error) {
	lev, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, invalid("leverage", "必须为整数")
	}
	if lev < 1 || lev > v.limits.MaxLeverage {
		return 0, invalid("leverage", "必须位于[1,%d]", v.limits.MaxLeverage)
	}
	return lev, nil
}

// ParseSide 解析买卖方向。
func ParseSide(raw string) (Side, error) {
	switch Side(strings.ToUpper(strings.TrimSpace(raw))) {
	case SideBuy:
		return SideBuy, nil
	case SideSell:
		return SideSell, nil
	default:
		return "", invalid("side", "不支持的方向 %q", raw)
	}
}

// ParseTimeInForce 解析有效期，空值默认 GTC。
func ParseTimeInForce(raw string) (TimeInForce, error) {
	tif := TimeInForce(strings.ToUpper(strings.TrimSpace(raw)))
	switch tif {
	case "":
		return GTC, nil
	case GTC, IOC, FOK, GTX:
		return tif, nil
	default:
		return "", invalid("time_in_force", "不支持的有效期 %q", raw)
	}
}

func parseType(raw string) (Type, error) {
	typ := Type(strings.ToUpper(strings.TrimSpace(raw)))
	switch typ {
	case "":
		return TypeMarket, nil
	case TypeMarket, TypeLimit, TypeStopLimit:
		return typ, nil
	default:
		return "", invalid("type", "不支持的订单类型 %q", raw)
	}
}

func parsePositive(field, raw string) (decimal.Decimal, error) {
	value, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero, invalid(field, "必须为合法数字")
	}
	if !value.IsPositive() {
		return decimal.Zero, invalid(field, "必须为正数")
	}
	return value, nil
}
