package execution

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"algo-engine/internal/order"
)

func invalid(field, format string, args ...interface{}) error {
	return &order.ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Trigger 为条件单的触发方向。
type Trigger string

const (
	// TriggerStop 买入在价格上穿触发价时触发，卖出在下穿时触发。
	TriggerStop Trigger = "STOP"
	// TriggerTakeProfit 与 TriggerStop 方向相反。
	TriggerTakeProfit Trigger = "TAKE_PROFIT"
)

// ParseTrigger 解析触发方向，空值为 STOP。
func ParseTrigger(raw string) (Trigger, error) {
	t := Trigger(strings.ToUpper(strings.TrimSpace(raw)))
	switch t {
	case "":
		return TriggerStop, nil
	case TriggerStop, TriggerTakeProfit:
		return t, nil
	default:
		return "", invalid("trigger", "不支持 %q", raw)
	}
}

// StopLimitRequest 在价格触及触发价后提交限价单，OrderType 为 MARKET 时改为提交市价单。
type StopLimitRequest struct {
	Symbol       string
	Side         order.Side
	Quantity     decimal.Decimal
	StopPrice    decimal.Decimal
	LimitPrice   decimal.Decimal
	OrderType    order.Type
	Trigger      Trigger
	TimeInForce  order.TimeInForce
	ReduceOnly   bool
	Leverage     int
	PollInterval time.Duration
}

func (r StopLimitRequest) Kind() Kind { return KindStopLimit }
func (r StopLimitRequest) instrument() string { return r.Symbol }
func (r StopLimitRequest) planned() decimal.Decimal { return r.Quantity }

// Validate 校验请求。
func (r StopLimitRequest) Validate() error {
	if !r.StopPrice.IsPositive() {
		return invalid("stop_price", "必须大于0")
	}
	if _, err := ParseTrigger(string(r.Trigger)); err != nil {
		return err
	}
	switch r.OrderType {
	case "", order.TypeLimit:
	case order.TypeMarket:
		if !r.LimitPrice.IsZero() {
			return invalid("limit_price", "市价触发单不能指定限价")
		}
	default:
		return invalid("order_type", "仅支持 LIMIT 或 MARKET")
	}
	return r.leg().Check()
}

// triggered 判断当前价格是否越过触发价。
// STOP：买入 price ≥ stop，卖出 price ≤ stop；TAKE_PROFIT 相反。
func (r StopLimitRequest) triggered(price decimal.Decimal) bool {
	upward := r.Side == order.SideBuy
	if trigger, _ := ParseTrigger(string(r.Trigger)); trigger == TriggerTakeProfit {
		upward = !upward
	}
	if upward {
		return price.GreaterThanOrEqual(r.StopPrice)
	}
	return price.LessThanOrEqual(r.StopPrice)
}

// leg 为触发后提交的委托。
func (r StopLimitRequest) leg() order.Request {
	req := order.Request{
		Symbol:     r.Symbol,
		Side:       r.Side,
		Type:       order.TypeLimit,
		Quantity:   r.Quantity,
		ReduceOnly: r.ReduceOnly,
		Leverage:   r.Leverage,
	}
	if r.OrderType == order.TypeMarket {
		req.Type = order.TypeMarket
		return req
	}
	req.Price = r.LimitPrice
	req.TimeInForce = r.TimeInForce
	return req
}

// OCORequest 同时挂出止盈限价单与止损限价单，两腿方向相同。
type OCORequest struct {
	Symbol          string
	Side            order.Side
	Quantity        decimal.Decimal
	TakeProfitPrice decimal.Decimal
	StopPrice       decimal.Decimal
	StopLimitPrice  decimal.Decimal
	TimeInForce     order.TimeInForce
	ReduceOnly      bool
	PollInterval    time.Duration
}

func (r OCORequest) Kind() Kind { return KindOCO }
func (r OCORequest) instrument() string { return r.Symbol }
func (r OCORequest) planned() decimal.Decimal { return r.Quantity }

// Validate 校验两条腿。价格之间的相对关系交由交易所判断。
func (r OCORequest) Validate() error {
	if err := r.takeProfitLeg().Check(); err != nil {
		return err
	}
	return r.stopLossLeg().Check()
}

func (r OCORequest) takeProfitLeg() order.Request {
	return order.Request{
		Symbol:      r.Symbol,
		Side:        r.Side,
		Type:        order.TypeLimit,
		Quantity:    r.Quantity,
		Price:       r.TakeProfitPrice,
		TimeInForce: r.TimeInForce,
		ReduceOnly:  r.ReduceOnly,
	}
}

func (r OCORequest) stopLossLeg() order.Request {
	return order.Request{
		Symbol:      r.Symbol,
		Side:        r.Side,
		Type:        order.TypeStopLimit,
		Quantity:    r.Quantity,
		Price:       r.StopLimitPrice,
		StopPrice:   r.StopPrice,
		TimeInForce: r.TimeInForce,
		ReduceOnly:  r.ReduceOnly,
	}
}

var hundred = decimal.NewFromInt(100)

// OCOFromPercentages 以当前价为基准按百分比推导两腿价格。
// SELL 腿用于平多：止盈在上方，止损在下方；BUY 腿用于平空，方向相反。
// offset 为止损限价相对止损价的偏移百分比。
func OCOFromPercentages(symbol string, side order.Side, quantity, current, takeProfitPct, stopLossPct, offsetPct decimal.Decimal) (OCORequest, error) {
	if !current.IsPositive() {
		return OCORequest{}, invalid("current_price", "必须大于0")
	}
	if !takeProfitPct.IsPositive() || !stopLossPct.IsPositive() {
		return OCORequest{}, invalid("percent", "止盈与止损百分比必须大于0")
	}
	if offsetPct.IsNegative() {
		return OCORequest{}, invalid("offset", "不能为负")
	}

	one := decimal.NewFromInt(1)
	tp := takeProfitPct.Div(hundred)
	sl := stopLossPct.Div(hundred)
	off := offsetPct.Div(hundred)

	req := OCORequest{Symbol: symbol, Side: side, Quantity: quantity, TimeInForce: order.GTC}
	switch side {
	case order.SideSell:
		req.TakeProfitPrice = current.Mul(one.Add(tp))
		req.StopPrice = current.Mul(one.Sub(sl))
		req.StopLimitPrice = req.StopPrice.Mul(one.Sub(off))
	case order.SideBuy:
		req.TakeProfitPrice = current.Mul(one.Sub(tp))
		req.StopPrice = current.Mul(one.Add(sl))
		req.StopLimitPrice = req.StopPrice.Mul(one.Add(off))
	default:
		return OCORequest{}, invalid("side", "不支持 %q", side)
	}
	return req, req.Validate()
}

// Profile 为 TWAP 的成交量分布。
type Profile string

const (
	ProfileUniform      Profile = "UNIFORM"
	ProfileFrontLoaded  Profile = "FRONT_LOADED"
	ProfileBackLoaded   Profile = "BACK_LOADED"
	ProfileMiddleLoaded Profile = "MIDDLE_LOADED"
)

// ParseProfile 解析分布名称，空值为 UNIFORM。
func ParseProfile(raw string) (Profile, error) {
	p := Profile(strings.ToUpper(strings.TrimSpace(raw)))
	switch p {
	case "":
		return ProfileUniform, nil
	case ProfileUniform, ProfileFrontLoaded, ProfileBackLoaded, ProfileMiddleLoaded:
		return p, nil
	default:
		return "", invalid("profile", "不支持 %q", raw)
	}
}

// 未配置数量步长时切片保留的小数位。
const defaultSlicePlaces = 8

// TWAPRequest 将总量拆分为 Slices 份，按 Interval 间隔依次提交。
type TWAPRequest struct {
	Symbol       string
	Side         order.Side
	Quantity     decimal.Decimal
	Notional     decimal.Decimal
	Slices       int
	Interval     time.Duration
	SliceType    order.Type
	Profile      Profile
	QuantityStep decimal.Decimal
	TimeInForce  order.TimeInForce
	ReduceOnly   bool
	Leverage     int
}

func (r TWAPRequest) Kind() Kind { return KindTWAP }
func (r TWAPRequest) instrument() string { return r.Symbol }

func (r TWAPRequest) planned() decimal.Decimal {
	if r.Notional.IsPositive() {
		return r.Notional
	}
	return r.Quantity
}

// Validate 校验请求。
func (r TWAPRequest) Validate() error {
	if r.Slices < 2 {
		return invalid("slices", "不能小于2")
	}
	if r.Interval < 0 {
		return invalid("interval", "不能为负")
	}
	if r.SliceType != "" && r.SliceType != order.TypeMarket && r.SliceType != order.TypeLimit {
		return invalid("slice_type", "仅支持 MARKET 或 LIMIT")
	}
	if r.SliceType == order.TypeLimit && r.Notional.IsPositive() {
		return invalid("notional", "限价切片需按数量下单")
	}
	if _, err := ParseProfile(string(r.Profile)); err != nil {
		return err
	}
	if r.QuantityStep.IsNegative() {
		return invalid("quantity_step", "不能为负")
	}
	if r.Quantity.IsPositive() && r.Notional.IsPositive() {
		return invalid("quantity", "数量与名义金额只能设置其一")
	}
	return r.slice(r.planned(), decimal.NewFromInt(1)).Check()
}

// Plan 计算每个切片的计划数量。前 N-1 片按权重向下取整到步长，余量全部计入最后一片，
// 因此各片之和严格等于总量。
func (r TWAPRequest) Plan() ([]decimal.Decimal, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	profile, _ := ParseProfile(string(r.Profile))
	total := r.planned()
	weights := profileWeights(profile, r.Slices)

	weightSum := decimal.Zero
	for _, w := range weights {
		weightSum = weightSum.Add(w)
	}

	plan := make([]decimal.Decimal, r.Slices)
	allocated := decimal.Zero
	for i := 0; i < r.Slices-1; i++ {
		share := total.Mul(weights[i]).Div(weightSum)
		share = r.roundDown(share)
		plan[i] = share
		allocated = allocated.Add(share)
	}
	plan[r.Slices-1] = total.Sub(allocated)
	return plan, nil
}

func (r TWAPRequest) roundDown(v decimal.Decimal) decimal.Decimal {
	return roundDownToStep(v, r.QuantityStep)
}

// roundDownToStep 向下取整到数量步长，未配置步长时截断到固定小数位。
func roundDownToStep(v, step decimal.Decimal) decimal.Decimal {
	if step.IsPositive() {
		return v.Div(step).Floor().Mul(step)
	}
	return v.Truncate(defaultSlicePlaces)
}

// slice 生成单个切片的委托，price 仅对限价切片生效。
func (r TWAPRequest) slice(size, price decimal.Decimal) order.Request {
	typ := r.SliceType
	if typ == "" {
		typ = order.TypeMarket
	}
	req := order.Request{
		Symbol:     r.Symbol,
		Side:       r.Side,
		Type:       typ,
		ReduceOnly: r.ReduceOnly,
		Leverage:   r.Leverage,
	}
	if r.Notional.IsPositive() {
		req.Notional = size
	} else {
		req.Quantity = size
	}
	if typ == order.TypeLimit {
		req.Price = price
		req.TimeInForce = r.TimeInForce
	}
	return req
}

func profileWeights(p Profile, n int) []decimal.Decimal {
	weights := make([]decimal.Decimal, n)
	last := float64(n - 1)
	mid := last / 2
	for i := range weights {
		x := float64(i)
		var w float64
		switch p {
		case ProfileFrontLoaded:
			w = 1.5 - 0.5*x/last
		case ProfileBackLoaded:
			w = 0.5 + 0.5*x/last
		case ProfileMiddleLoaded:
			w = math.Max(0.5, 1.5-math.Abs(x-mid)/mid)
		default:
			w = 1
		}
		weights[i] = decimal.NewFromFloat(w)
	}
	return weights
}

// Spacing 为网格价位的间隔方式。
type Spacing string

const (
	SpacingArithmetic Spacing = "ARITHMETIC"
	SpacingGeometric  Spacing = "GEOMETRIC"
)

// ParseSpacing 解析间隔方式，空值为等差。
func ParseSpacing(raw string) (Spacing, error) {
	s := Spacing(strings.ToUpper(strings.TrimSpace(raw)))
	switch s {
	case "":
		return SpacingArithmetic, nil
	case SpacingArithmetic, SpacingGeometric:
		return s, nil
	default:
		return "", invalid("spacing", "不支持 %q", raw)
	}
}

// Sizing 为网格各价位的下单规模方式。
type Sizing string

const (
	SizingFixed Sizing = "FIXED"
	// SizingMartingale 离当前价每远一个价位，数量乘以 Multiplier。
	SizingMartingale Sizing = "MARTINGALE"
	// SizingDCA 把 TotalNotional 平均分到每个价位，再按价位折算数量。
	SizingDCA Sizing = "DCA"
)

// ParseSizing 解析规模方式，空值为 FIXED。
func ParseSizing(raw string) (Sizing, error) {
	s := Sizing(strings.ToUpper(strings.TrimSpace(raw)))
	switch s {
	case "":
		return SizingFixed, nil
	case SizingFixed, SizingMartingale, SizingDCA:
		return s, nil
	default:
		return "", invalid("sizing", "不支持 %q", raw)
	}
}

// 网格价位保留的小数位。
const defaultPricePlaces = 8

// GridRequest 在区间内按价位挂买卖单，成交后在相邻价位挂反向单。
type GridRequest struct {
	Symbol           string
	Lower            decimal.Decimal
	Upper            decimal.Decimal
	Levels           int
	QuantityPerLevel decimal.Decimal
	Spacing          Spacing
	Sizing           Sizing
	Multiplier       decimal.Decimal
	TotalNotional    decimal.Decimal
	QuantityStep     decimal.Decimal
	PricePlaces      int32
	TimeInForce      order.TimeInForce
	Leverage         int
	PollInterval     time.Duration
}

func (r GridRequest) Kind() Kind { return KindGrid }
func (r GridRequest) instrument() string { return r.Symbol }
func (r GridRequest) planned() decimal.Decimal { return decimal.Zero }

// Validate 校验请求。
func (r GridRequest) Validate() error {
	if r.Levels < 2 {
		return invalid("levels", "不能小于2")
	}
	if !r.Lower.IsPositive() {
		return invalid("lower", "必须大于0")
	}
	if !r.Upper.GreaterThan(r.Lower) {
		return invalid("upper", "必须大于下界")
	}
	if _, err := ParseSpacing(string(r.Spacing)); err != nil {
		return err
	}
	if r.QuantityStep.IsNegative() {
		return invalid("quantity_step", "不能为负")
	}
	sizing, err := ParseSizing(string(r.Sizing))
	if err != nil {
		return err
	}

	switch sizing {
	case SizingDCA:
		if !r.TotalNotional.IsPositive() {
			return invalid("total_notional", "DCA 网格必须大于0")
		}
		if !r.QuantityPerLevel.IsZero() {
			return invalid("quantity_per_level", "DCA 网格按总金额分配，不能同时指定")
		}
	case SizingMartingale:
		if !r.Multiplier.GreaterThan(decimal.NewFromInt(1)) {
			return invalid("multiplier", "马丁格尔网格必须大于1")
		}
	}
	if sizing != SizingDCA && !r.TotalNotional.IsZero() {
		return invalid("total_notional", "仅 DCA 网格使用")
	}

	prices := r.LevelPrices()
	for i, qty := range r.LevelQuantities(prices, r.Lower) {
		if err := r.levelOrder(order.SideBuy, prices[i], qty).Check(); err != nil {
			return fmt.Errorf("价位 %s: %w", prices[i], err)
		}
	}
	return nil
}

// LevelPrices 返回从下界到上界递增的价位序列，中间价位四舍五入到 PricePlaces，首尾严格等于边界。
func (r GridRequest) LevelPrices() []decimal.Decimal {
	n := r.Levels
	prices := make([]decimal.Decimal, n)
	spacing, _ := ParseSpacing(string(r.Spacing))
	places := r.PricePlaces
	if places <= 0 {
		places = defaultPricePlaces
	}

	switch spacing {
	case SpacingGeometric:
		ratio := math.Pow(r.Upper.Div(r.Lower).InexactFloat64(), 1/float64(n-1))
		for i := range prices {
			f := decimal.NewFromFloat(math.Pow(ratio, float64(i)))
			prices[i] = r.Lower.Mul(f).Round(places)
		}
	default:
		step := r.Upper.Sub(r.Lower).Div(decimal.NewFromInt(int64(n - 1)))
		for i := range prices {
			prices[i] = r.Lower.Add(step.Mul(decimal.NewFromInt(int64(i)))).Round(places)
		}
	}
	prices[0] = r.Lower
	prices[n-1] = r.Upper
	return prices
}

// LevelQuantities 返回每个价位的下单数量。马丁格尔按价位与 current 的距离放大，
// current 两侧最近的价位使用基础数量。
func (r GridRequest) LevelQuantities(prices []decimal.Decimal, current decimal.Decimal) []decimal.Decimal {
	qty := make([]decimal.Decimal, len(prices))
	sizing, _ := ParseSizing(string(r.Sizing))

	switch sizing {
	case SizingMartingale:
		below, above := 0, len(prices)
		for i, p := range prices {
			if p.LessThan(current) {
				below = i + 1
			}
			if p.GreaterThan(current) && above == len(prices) {
				above = i
			}
		}
		for i := range prices {
			steps := 0
			switch {
			case i < below:
				steps = below - 1 - i
			case i >= above:
				steps = i - above
			}
			size := r.QuantityPerLevel
			for k := 0; k < steps; k++ {
				size = size.Mul(r.Multiplier)
			}
			qty[i] = roundDownToStep(size, r.QuantityStep)
		}
	case SizingDCA:
		perLevel := r.TotalNotional.Div(decimal.NewFromInt(int64(len(prices))))
		for i, p := range prices {
			qty[i] = roundDownToStep(perLevel.Div(p), r.QuantityStep)
		}
	default:
		for i := range qty {
			qty[i] = r.QuantityPerLevel
		}
	}
	return qty
}

func (r GridRequest) levelOrder(side order.Side, price, qty decimal.Decimal) order.Request {
	tif := r.TimeInForce
	if tif == "" {
		tif = order.GTC
	}
	return order.Request{
		Symbol:      r.Symbol,
		Side:        side,
		Type:        order.TypeLimit,
		Quantity:    qty,
		Price:       price,
		TimeInForce: tif,
		Leverage:    r.Leverage,
	}
}
