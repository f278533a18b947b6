package execution

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"algo-engine/internal/exchange"
	"algo-engine/internal/order"
)

type twapExecutor struct {
	req TWAPRequest
}

func (e *twapExecutor) run(ctx context.Context, rt *runtime) error {
	plan, err := e.req.Plan()
	if err != nil {
		return err
	}

	rt.logger.Info("TWAP 计划生成",
		zap.Int("slices", len(plan)),
		zap.String("total", e.req.planned().String()),
		zap.String("profile", string(e.req.Profile)),
		zap.Duration("interval", e.req.Interval),
	)

	carry := decimal.Zero
	for i, planned := range plan {
		if i > 0 {
			if err := wait(ctx, e.req.Interval); err != nil {
				return err
			}
		}
		rt.setPhase(fmt.Sprintf("SLICE %d/%d", i+1, len(plan)))

		size := planned.Add(carry)
		carry = decimal.Zero
		if !size.IsPositive() {
			continue
		}

		price := decimal.Zero
		if e.req.SliceType == order.TypeLimit {
			price, err = rt.gateway.GetCurrentPrice(ctx, e.req.Symbol)
			if err != nil {
				return err
			}
		}

		rec, err := rt.submit(ctx, e.req.slice(size, price))
		if err != nil {
			if isCancellation(err) || !exchange.IsSizingRejection(err) {
				return err
			}
			// 规模类拒单不终止策略，数量顺延到下一片
			carry = size
			rt.note(fmt.Sprintf("切片 %d 因规模被拒，数量顺延", i+1),
				zap.Int("slice", i+1),
				zap.String("size", size.String()),
				zap.Error(err),
			)
			continue
		}

		if rec.Request.Type == order.TypeMarket && !rec.Status.IsTerminal() {
			if _, err := rt.refresh(ctx, rec.OrderID); err != nil && !transient(err) {
				return err
			}
		}
	}

	if carry.IsPositive() {
		rt.note("最后一片被拒，剩余数量未执行", zap.String("unexecuted", carry.String()))
	}
	return e.settle(ctx, rt)
}

// settle 同步所有切片的最终状态，撤销仍在挂单的限价切片。
func (e *twapExecutor) settle(ctx context.Context, rt *runtime) error {
	cctx, cancel := rt.cleanupContext(ctx)
	defer cancel()

	for _, rec := range rt.tracker.OpenByStrategy(rt.id()) {
		if _, err := rt.refresh(cctx, rec.OrderID); err != nil {
			rt.logger.Warn("同步切片状态失败", zap.String("order_id", rec.OrderID), zap.Error(err))
		}
	}

	var dangling []string
	for _, res := range rt.cancelOpen(cctx) {
		if res.Err != nil {
			dangling = append(dangling, res.OrderID)
		}
	}
	if len(dangling) > 0 {
		return &StrategyError{Reason: ReasonDanglingLeg, OrderIDs: dangling, Err: errors.New("未能撤销剩余限价切片")}
	}

	// 名义金额计划与成交额比较，数量计划与成交量比较
	filled, filledQuote := totals(rt.tracker.ListByStrategy(rt.id()))
	requested, done, unit := e.req.Quantity, filled, "base"
	if e.req.Notional.IsPositive() {
		requested, done, unit = e.req.Notional, filledQuote, "quote"
	}
	if done.LessThan(requested) {
		rt.logger.Warn("TWAP 成交不足计划",
			zap.String("unit", unit),
			zap.String("requested", requested.String()),
			zap.String("filled", done.String()),
			zap.String("deficit", requested.Sub(done).String()),
		)
	}
	return nil
}
