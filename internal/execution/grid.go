package execution

import (
	"context"
	"errors"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"algo-engine/internal/exchange"
	"algo-engine/internal/order"
	"algo-engine/internal/tracker"
)

// 初始挂单的并发上限。
const gridPlaceConcurrency = 4

// gridOrder 为网格中某一价位上的挂单。反向补单沿用成交订单的数量。
type gridOrder struct {
	level   int
	side    order.Side
	qty     decimal.Decimal
	orderID string
}

// gridExecutor 每个价位至多维护一笔挂单。
type gridExecutor struct {
	req        GridRequest
	levels     []decimal.Decimal
	quantities []decimal.Decimal

	resting map[int]gridOrder
	// 因暂时性错误未能补挂的订单，下一轮重试
	pending []gridOrder
}

func (e *gridExecutor) run(ctx context.Context, rt *runtime) error {
	e.levels = e.req.LevelPrices()
	e.resting = make(map[int]gridOrder, len(e.levels))

	current, err := rt.gateway.GetCurrentPrice(ctx, e.req.Symbol)
	if err != nil {
		if transient(err) {
			return &StrategyError{Reason: ReasonPriceFeedUnavailable, Err: err}
		}
		return err
	}

	e.quantities = e.req.LevelQuantities(e.levels, current)

	initial := make([]gridOrder, 0, len(e.levels))
	for i, price := range e.levels {
		switch price.Cmp(current) {
		case -1:
			initial = append(initial, gridOrder{level: i, side: order.SideBuy, qty: e.quantities[i]})
		case 1:
			initial = append(initial, gridOrder{level: i, side: order.SideSell, qty: e.quantities[i]})
		}
	}
	sizing, _ := ParseSizing(string(e.req.Sizing))
	rt.logger.Info("网格初始化",
		zap.String("current", current.String()),
		zap.Int("levels", len(e.levels)),
		zap.Int("orders", len(initial)),
		zap.String("sizing", string(sizing)),
	)

	if err := e.placeInitial(ctx, rt, initial); err != nil {
		return err
	}

	rt.setPhase(PhaseMonitoring)
	interval := rt.pollInterval(e.req.PollInterval)
	failures := 0
	for {
		if err := wait(ctx, interval); err != nil {
			return err
		}

		pollErr := e.cycle(ctx, rt)
		switch {
		case pollErr == nil:
			failures = 0
		case isCancellation(pollErr):
			return pollErr
		case errors.Is(pollErr, tracker.ErrInvalidTransition):
			return pollErr
		default:
			failures++
			rt.logger.Warn("网格轮询失败", zap.Int("consecutive", failures), zap.Error(pollErr))
			if failures >= rt.opts.StatusFailureLimit {
				return &StrategyError{Reason: ReasonStatusUnavailable, Err: pollErr}
			}
		}

		if len(e.resting) == 0 && len(e.pending) == 0 {
			rt.note("网格已无挂单")
			return nil
		}
	}
}

// placeInitial 并发挂出初始订单，全部完成后再汇总错误。
func (e *gridExecutor) placeInitial(ctx context.Context, rt *runtime, initial []gridOrder) error {
	var (
		mu   sync.Mutex
		errs error
		g    errgroup.Group
	)
	g.SetLimit(gridPlaceConcurrency)
	for _, slot := range initial {
		g.Go(func() error {
			rec, err := rt.submit(ctx, e.slotOrder(slot))
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = multierr.Append(errs, err)
				return nil
			}
			slot.orderID = rec.OrderID
			e.resting[slot.level] = slot
			return nil
		})
	}
	_ = g.Wait()
	return errs
}

// cycle 刷新所有挂单；成交的买单在上一价位补卖单，成交的卖单在下一价位补买单。
func (e *gridExecutor) cycle(ctx context.Context, rt *runtime) error {
	var errs error
	var refills []gridOrder

	for level, slot := range e.resting {
		rec, err := rt.refresh(ctx, slot.orderID)
		if err != nil {
			if isCancellation(err) || errors.Is(err, tracker.ErrInvalidTransition) {
				return err
			}
			errs = multierr.Append(errs, err)
			continue
		}
		if !rec.Status.IsTerminal() {
			continue
		}

		delete(e.resting, level)
		if rec.Status != order.StatusFilled {
			rt.logger.Warn("网格挂单在外部结束，不再补单",
				zap.Int("level", level),
				zap.String("order_id", slot.orderID),
				zap.String("status", string(rec.Status)),
			)
			continue
		}

		next := gridOrder{level: level + 1, side: slot.side.Opposite(), qty: slot.qty}
		if slot.side == order.SideSell {
			next.level = level - 1
		}
		rt.logger.Info("网格成交",
			zap.Int("level", level),
			zap.String("side", string(slot.side)),
			zap.String("price", e.levels[level].String()),
		)
		if next.level < 0 || next.level >= len(e.levels) {
			continue
		}
		refills = append(refills, next)
	}

	queue := append(e.pending, refills...)
	e.pending = nil
	for _, slot := range queue {
		if err := ctx.Err(); err != nil {
			return err
		}
		if occupied, ok := e.resting[slot.level]; ok {
			rt.logger.Debug("价位已有挂单，跳过补单",
				zap.Int("level", slot.level),
				zap.String("order_id", occupied.orderID),
			)
			continue
		}

		rec, err := rt.submit(ctx, e.slotOrder(slot))
		switch {
		case err == nil:
			slot.orderID = rec.OrderID
			e.resting[slot.level] = slot
		case isCancellation(err):
			return err
		case transient(err):
			e.pending = append(e.pending, slot)
			errs = multierr.Append(errs, err)
		default:
			var rejected *exchange.RejectedError
			if !errors.As(err, &rejected) {
				return err
			}
			rt.logger.Error("网格补单被拒，放弃该价位",
				zap.Int("level", slot.level),
				zap.String("side", string(slot.side)),
				zap.Error(err),
			)
		}
	}
	return errs
}

func (e *gridExecutor) slotOrder(slot gridOrder) order.Request {
	return e.req.levelOrder(slot.side, e.levels[slot.level], slot.qty)
}
