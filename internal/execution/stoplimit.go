package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"algo-engine/internal/order"
	"algo-engine/internal/tracker"
)

// 条件单策略阶段。
const (
	PhaseWatching     = "WATCHING"
	PhaseLimitPlaced  = "LIMIT_PLACED"
	PhaseMarketPlaced = "MARKET_PLACED"
)

type stopLimitExecutor struct {
	req StopLimitRequest
}

func (e *stopLimitExecutor) run(ctx context.Context, rt *runtime) error {
	interval := rt.pollInterval(e.req.PollInterval)
	rt.setPhase(PhaseWatching)

	failures := 0
	for {
		price, err := rt.gateway.GetCurrentPrice(ctx, e.req.Symbol)
		switch {
		case err == nil:
			failures = 0
			if e.req.triggered(price) {
				trigger, _ := ParseTrigger(string(e.req.Trigger))
				rt.logger.Info("价格触及触发价",
					zap.String("price", price.String()),
					zap.String("stop", e.req.StopPrice.String()),
					zap.String("trigger", string(trigger)),
				)
				return e.placeAndFollow(ctx, rt, interval)
			}
			rt.logger.Debug("等待触发", zap.String("price", price.String()))
		case isCancellation(err):
			return err
		case transient(err):
			failures++
			rt.logger.Warn("获取价格失败", zap.Int("consecutive", failures), zap.Error(err))
			if failures >= rt.opts.PriceFailureLimit {
				return &StrategyError{Reason: ReasonPriceFeedUnavailable, Err: err}
			}
		default:
			return err
		}

		if err := wait(ctx, interval); err != nil {
			return err
		}
	}
}

func (e *stopLimitExecutor) placeAndFollow(ctx context.Context, rt *runtime, interval time.Duration) error {
	rec, err := rt.submit(ctx, e.req.leg())
	if err != nil {
		return err
	}
	if e.req.OrderType == order.TypeMarket {
		rt.setPhase(PhaseMarketPlaced)
	} else {
		rt.setPhase(PhaseLimitPlaced)
	}
	return followOrder(ctx, rt, rec, interval)
}

// followOrder 轮询单笔订单直到终态：成交即完成，外部撤销视为取消，拒单视为失败。
func followOrder(ctx context.Context, rt *runtime, rec order.Record, interval time.Duration) error {
	failures := 0
	for {
		switch rec.Status {
		case order.StatusFilled:
			return nil
		case order.StatusCanceled, order.StatusExpired:
			return fmt.Errorf("%w: %s %s", ErrOrderCanceled, rec.OrderID, rec.Status)
		case order.StatusRejected:
			return &StrategyError{Reason: ReasonOrderRejected, OrderIDs: []string{rec.OrderID}}
		}

		if err := wait(ctx, interval); err != nil {
			return err
		}

		next, err := rt.refresh(ctx, rec.OrderID)
		switch {
		case err == nil:
			failures = 0
			rec = next
		case isCancellation(err):
			return err
		case errors.Is(err, tracker.ErrInvalidTransition):
			return err
		case transient(err):
			failures++
			rt.logger.Warn("查询订单状态失败", zap.String("order_id", rec.OrderID), zap.Int("consecutive", failures), zap.Error(err))
			if failures >= rt.opts.StatusFailureLimit {
				return &StrategyError{Reason: ReasonStatusUnavailable, OrderIDs: []string{rec.OrderID}, Err: err}
			}
		default:
			return err
		}
	}
}
