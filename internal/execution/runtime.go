package execution

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"algo-engine/internal/exchange"
	"algo-engine/internal/order"
	"algo-engine/internal/tracker"
)

// 同时进行的撤单请求上限。
const cancelConcurrency = 8

// runtime 为单个策略实例的执行环境。实例状态只由所属执行器修改。
type runtime struct {
	gateway exchange.Gateway
	tracker *tracker.Tracker
	journal Journal
	logger  *zap.Logger
	opts    Options

	mu   sync.Mutex
	inst Instance
}

func (r *runtime) id() string {
	return r.inst.ID
}

func (r *runtime) snapshot() Instance {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst := r.inst
	inst.Children = append([]string(nil), r.inst.Children...)
	inst.Notes = append([]string(nil), r.inst.Notes...)
	return inst
}

func (r *runtime) setPhase(phase string) {
	r.mu.Lock()
	prev := r.inst.Phase
	r.inst.Phase = phase
	r.mu.Unlock()
	if prev != phase {
		r.logger.Info("策略阶段切换", zap.String("from", prev), zap.String("to", phase))
	}
}

func (r *runtime) note(msg string, fields ...zap.Field) {
	r.mu.Lock()
	r.inst.Notes = append(r.inst.Notes, msg)
	r.mu.Unlock()
	r.logger.Info(msg, fields...)
}

// submit 提交订单，并在返回前把订单登记到 tracker。
func (r *runtime) submit(ctx context.Context, req order.Request) (order.Record, error) {
	rec, err := r.gateway.SubmitOrder(ctx, req)
	if err != nil {
		return order.Record{}, err
	}
	rec.StrategyID = r.id()
	if err := r.tracker.Record(rec); err != nil {
		return rec, err
	}

	r.mu.Lock()
	r.inst.Children = append(r.inst.Children, rec.OrderID)
	r.mu.Unlock()

	r.logger.Info("子订单已提交",
		zap.String("order_id", rec.OrderID),
		zap.String("side", string(req.Side)),
		zap.String("type", string(req.Type)),
		zap.String("size", req.Size().String()),
		zap.String("price", req.Price.String()),
	)
	if r.journal != nil {
		if jerr := r.journal.OrderPlaced(context.WithoutCancel(ctx), r.id(), rec); jerr != nil {
			r.logger.Warn("写入事件日志失败", zap.Error(jerr))
		}
	}
	return rec, nil
}

// refresh 查询交易所最新状态并写回 tracker。
func (r *runtime) refresh(ctx context.Context, orderID string) (order.Record, error) {
	cur, err := r.tracker.Get(orderID)
	if err != nil {
		return order.Record{}, err
	}
	if cur.Status.IsTerminal() {
		return cur, nil
	}
	remote, err := r.gateway.GetOrderStatus(ctx, cur.Request.Symbol, orderID)
	if err != nil {
		return cur, err
	}
	return r.tracker.Update(orderID, remote.Status, remote.FilledQty, remote.AvgPrice)
}

// cancel 撤销单笔订单，最多尝试 CancelAttempts 次。
// 交易所拒绝撤单时（通常是订单已成交或已撤销）以查询结果为准。
func (r *runtime) cancel(ctx context.Context, orderID string) CancelResult {
	res := CancelResult{OrderID: orderID}
	cur, err := r.tracker.Get(orderID)
	if err != nil {
		res.Err = err
		return res
	}
	if cur.Status.IsTerminal() {
		res.Status = cur.Status
		return res
	}

	for res.Attempts < r.opts.CancelAttempts {
		res.Attempts++
		err = r.gateway.CancelOrder(ctx, cur.Request.Symbol, orderID)
		if err == nil {
			res.Status = r.settleCanceled(ctx, orderID)
			res.Err = nil
			return res
		}
		res.Err = err
		if ctx.Err() != nil {
			break
		}

		var rejected *exchange.RejectedError
		if errors.As(err, &rejected) {
			if rec, rerr := r.refresh(ctx, orderID); rerr == nil && rec.Status.IsTerminal() {
				res.Status = rec.Status
				res.Err = nil
				return res
			}
			break
		}

		r.logger.Warn("撤单失败，准备重试",
			zap.String("order_id", orderID),
			zap.Int("attempt", res.Attempts),
			zap.Error(err),
		)
	}

	res.Status = cur.Status
	r.logger.Error("撤单失败", zap.String("order_id", orderID), zap.Int("attempts", res.Attempts), zap.Error(res.Err))
	return res
}

// settleCanceled 在撤单成功后同步最终成交量；查询失败时直接标记为已撤销。
func (r *runtime) settleCanceled(ctx context.Context, orderID string) order.Status {
	if rec, err := r.refresh(ctx, orderID); err == nil && rec.Status.IsTerminal() {
		return rec.Status
	}
	cur, err := r.tracker.Get(orderID)
	if err != nil {
		return order.StatusCanceled
	}
	rec, err := r.tracker.Update(orderID, order.StatusCanceled, cur.FilledQty, cur.AvgPrice)
	if err != nil {
		r.logger.Error("撤单后状态写回失败", zap.String("order_id", orderID), zap.Error(err))
		return cur.Status
	}
	return rec.Status
}

// cancelOpen 并发撤销策略下所有未结束的订单，逐笔返回结果。
func (r *runtime) cancelOpen(ctx context.Context) []CancelResult {
	open := r.tracker.OpenByStrategy(r.id())
	if len(open) == 0 {
		return nil
	}

	results := make([]CancelResult, len(open))
	var g errgroup.Group
	g.SetLimit(cancelConcurrency)
	for i, rec := range open {
		g.Go(func() error {
			results[i] = r.cancel(ctx, rec.OrderID)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// cleanupContext 返回不受策略取消影响的收尾上下文。
func (r *runtime) cleanupContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), r.opts.CleanupTimeout)
}

func (r *runtime) pollInterval(override time.Duration) time.Duration {
	if override > 0 {
		return override
	}
	return r.opts.PollInterval
}

// wait 为可取消的定时等待。
func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// transient 判断调用失败是否属于网络或限频导致的暂时性错误（含重试耗尽）。
func transient(err error) bool {
	return exchange.IsRetryable(err) ||
		errors.Is(err, exchange.ErrRetryExhausted) ||
		errors.Is(err, exchange.ErrMaintenance)
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
