package execution

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"algo-engine/internal/order"
	"algo-engine/internal/tracker"
)

// PhaseMonitoring 表示策略正在轮询子订单。
const PhaseMonitoring = "MONITORING"

type ocoExecutor struct {
	req OCORequest
}

func (e *ocoExecutor) run(ctx context.Context, rt *runtime) error {
	tp, err := rt.submit(ctx, e.req.takeProfitLeg())
	if err != nil {
		return err
	}

	sl, err := rt.submit(ctx, e.req.stopLossLeg())
	if err != nil {
		// 第二腿失败时撤掉第一腿，避免留下无保护的单腿委托
		cctx, cancel := rt.cleanupContext(ctx)
		defer cancel()
		if res := rt.cancel(cctx, tp.OrderID); res.Err != nil {
			return &StrategyError{Reason: ReasonDanglingLeg, OrderIDs: []string{tp.OrderID}, Err: errors.Join(err, res.Err)}
		}
		return err
	}

	rt.setPhase(PhaseMonitoring)
	interval := rt.pollInterval(e.req.PollInterval)
	legs := [2]string{tp.OrderID, sl.OrderID}
	failures := 0

	for {
		if err := wait(ctx, interval); err != nil {
			return err
		}

		var recs [2]order.Record
		var pollErr error
		for i, id := range legs {
			rec, err := rt.refresh(ctx, id)
			if err != nil {
				pollErr = err
				break
			}
			recs[i] = rec
		}

		switch {
		case pollErr == nil:
			failures = 0
		case isCancellation(pollErr):
			return pollErr
		case errors.Is(pollErr, tracker.ErrInvalidTransition):
			return pollErr
		case transient(pollErr):
			failures++
			rt.logger.Warn("查询 OCO 子订单失败", zap.Int("consecutive", failures), zap.Error(pollErr))
			if failures >= rt.opts.StatusFailureLimit {
				return &StrategyError{Reason: ReasonStatusUnavailable, OrderIDs: legs[:], Err: pollErr}
			}
			continue
		default:
			return pollErr
		}

		if done, err := e.resolve(ctx, rt, recs); done {
			return err
		}
	}
}

// resolve 根据两腿状态决定策略是否结束。
func (e *ocoExecutor) resolve(ctx context.Context, rt *runtime, recs [2]order.Record) (bool, error) {
	a, b := recs[0], recs[1]
	if a.Status == order.StatusFilled && b.Status == order.StatusFilled {
		rt.note(NoteBothLegsFilled, zap.String("take_profit", a.OrderID), zap.String("stop_loss", b.OrderID))
		return true, nil
	}

	first := -1
	for i := range recs {
		if recs[i].Status == order.StatusFilled {
			first = i
			break
		}
	}
	if first < 0 {
		for i := range recs {
			if recs[i].Status.IsTerminal() {
				first = i
				break
			}
		}
	}
	if first < 0 {
		return false, nil
	}
	leg, sibling := recs[first], recs[1-first]

	rt.logger.Info("OCO 一腿结束，撤销另一腿",
		zap.String("order_id", leg.OrderID),
		zap.String("status", string(leg.Status)),
		zap.String("sibling", sibling.OrderID),
	)
	cctx, cancel := rt.cleanupContext(ctx)
	res := rt.cancel(cctx, sibling.OrderID)
	cancel()

	if res.Err != nil {
		return true, &StrategyError{Reason: ReasonDanglingLeg, OrderIDs: []string{sibling.OrderID}, Err: res.Err}
	}
	if res.Status == order.StatusFilled {
		if leg.Status == order.StatusFilled {
			// 撤单与成交竞争，两腿都已成交
			rt.note(NoteBothLegsFilled, zap.String("take_profit", a.OrderID), zap.String("stop_loss", b.OrderID))
		}
		return true, nil
	}

	switch leg.Status {
	case order.StatusFilled:
		return true, nil
	case order.StatusRejected:
		return true, &StrategyError{Reason: ReasonOrderRejected, OrderIDs: []string{leg.OrderID}}
	default:
		return true, fmt.Errorf("%w: %s %s", ErrOrderCanceled, leg.OrderID, leg.Status)
	}
}
