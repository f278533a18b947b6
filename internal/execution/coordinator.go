package execution

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"algo-engine/internal/exchange"
	"algo-engine/internal/order"
	"algo-engine/internal/tracker"
)

// Journal 接收策略生命周期事件，作为可审计的事件流。
type Journal interface {
	StrategyStarted(ctx context.Context, inst Instance) error
	OrderPlaced(ctx context.Context, strategyID string, rec order.Record) error
	StrategyFinished(ctx context.Context, outcome Outcome) error
}

// executor 为四类策略执行器的统一抽象。
type executor interface {
	run(ctx context.Context, rt *runtime) error
}

// Handle 为运行中策略的句柄。
type Handle struct {
	rt      *runtime
	cancel  context.CancelFunc
	done    chan struct{}
	outcome Outcome
}

// ID 返回策略实例 ID。
func (h *Handle) ID() string { return h.rt.id() }

// Snapshot 返回实例当前状态。
func (h *Handle) Snapshot() Instance { return h.rt.snapshot() }

// Done 在策略结束后关闭。
func (h *Handle) Done() <-chan struct{} { return h.done }

// Cancel 请求协作式取消。
func (h *Handle) Cancel() { h.cancel() }

// Wait 等待策略结束并返回终态报告。ctx 结束只影响等待本身，不会取消策略。
func (h *Handle) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-h.done:
		return h.outcome, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// Coordinator 接收策略请求、创建执行器、运行至结束并报告结果。
// 活跃实例由协调器自身持有，不使用进程级全局状态。
type Coordinator struct {
	gateway exchange.Gateway
	tracker *tracker.Tracker
	journal Journal
	logger  *zap.Logger
	opts    Options

	mu      sync.Mutex
	active  map[string]*Handle
	closing bool
	wg      sync.WaitGroup
}

// NewCoordinator 创建协调器。journal 可为 nil。
func NewCoordinator(gateway exchange.Gateway, tr *tracker.Tracker, opts Options, journal Journal, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if tr == nil {
		tr = tracker.New(logger)
	}
	return &Coordinator{
		gateway: gateway,
		tracker: tr,
		journal: journal,
		logger:  logger,
		opts:    opts.normalize(),
		active:  make(map[string]*Handle),
	}
}

// Submit 校验请求并异步启动策略。
func (c *Coordinator) Submit(ctx context.Context, req Request) (*Handle, error) {
	if req == nil {
		return nil, &order.ValidationError{Field: "request", Reason: "不能为空"}
	}
	if err := c.checkLimits(req); err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	exec, err := newExecutor(req)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	rt := &runtime{
		gateway: c.gateway,
		tracker: c.tracker,
		journal: c.journal,
		logger: c.logger.With(
			zap.String("strategy_id", id),
			zap.String("kind", string(req.Kind())),
			zap.String("symbol", req.instrument()),
		),
		opts: c.opts,
		inst: Instance{
			ID:        id,
			Kind:      req.Kind(),
			Symbol:    req.instrument(),
			Status:    StatusRunning,
			StartedAt: time.Now().UTC(),
		},
	}

	runCtx, cancel := context.WithCancel(ctx)
	h := &Handle{rt: rt, cancel: cancel, done: make(chan struct{})}

	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		cancel()
		return nil, ErrShuttingDown
	}
	c.active[id] = h
	c.wg.Add(1)
	c.mu.Unlock()

	rt.logger.Info("策略启动")
	if c.journal != nil {
		if err := c.journal.StrategyStarted(context.WithoutCancel(ctx), rt.snapshot()); err != nil {
			rt.logger.Warn("写入事件日志失败", zap.Error(err))
		}
	}

	go c.run(runCtx, h, exec, req)
	return h, nil
}

// Execute 同步运行策略直到结束。
func (c *Coordinator) Execute(ctx context.Context, req Request) (Outcome, error) {
	h, err := c.Submit(ctx, req)
	if err != nil {
		return Outcome{}, err
	}
	<-h.done
	return h.outcome, h.outcome.Err
}

// Cancel 取消指定策略。
func (c *Coordinator) Cancel(id string) error {
	c.mu.Lock()
	h, ok := c.active[id]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownStrategy, id)
	}
	h.rt.logger.Info("收到取消请求")
	h.cancel()
	return nil
}

// Active 按启动时间返回运行中的策略快照。
func (c *Coordinator) Active() []Instance {
	c.mu.Lock()
	handles := make([]*Handle, 0, len(c.active))
	for _, h := range c.active {
		handles = append(handles, h)
	}
	c.mu.Unlock()

	out := make([]Instance, 0, len(handles))
	for _, h := range handles {
		out = append(out, h.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Shutdown 停止接收新策略，取消所有运行中的策略并等待收尾完成。
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closing = true
	for _, h := range c.active {
		h.cancel()
	}
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("execution: 等待策略收尾超时: %w", ctx.Err())
	}
}

func (c *Coordinator) run(ctx context.Context, h *Handle, exec executor, req Request) {
	defer c.wg.Done()
	defer close(h.done)
	defer h.cancel()

	rt := h.rt
	err := safeRun(ctx, rt, exec)

	status, reason := classify(err)
	outcome := Outcome{Requested: req.planned(), RequestedQuote: quoteSized(req)}

	// 结束时仍在挂单的子订单一律撤销
	cctx, cancel := rt.cleanupContext(ctx)
	defer cancel()
	outcome.Cancels = rt.cancelOpen(cctx)
	for _, res := range outcome.Cancels {
		if res.Err != nil {
			outcome.Dangling = append(outcome.Dangling, res.OrderID)
		}
	}
	var serr *StrategyError
	if errors.As(err, &serr) && serr.Reason == ReasonDanglingLeg {
		for _, id := range serr.OrderIDs {
			if !slices.Contains(outcome.Dangling, id) {
				outcome.Dangling = append(outcome.Dangling, id)
			}
		}
	}
	if len(outcome.Dangling) > 0 && status != StatusFailed {
		status, reason = StatusFailed, ReasonDanglingLeg
		err = &StrategyError{Reason: ReasonDanglingLeg, OrderIDs: outcome.Dangling}
	}

	rt.mu.Lock()
	rt.inst.Status = status
	rt.inst.Reason = reason
	rt.inst.EndedAt = time.Now().UTC()
	rt.mu.Unlock()

	outcome.Instance = rt.snapshot()
	outcome.Orders = c.tracker.ListByStrategy(rt.id())
	outcome.Filled, outcome.FilledQuote = totals(outcome.Orders)
	if status == StatusFailed {
		outcome.Err = err
	}
	h.outcome = outcome

	c.report(rt, outcome, err)
	if c.journal != nil {
		if jerr := c.journal.StrategyFinished(context.WithoutCancel(ctx), outcome); jerr != nil {
			rt.logger.Warn("写入事件日志失败", zap.Error(jerr))
		}
	}

	c.tracker.Release(rt.id())
	c.mu.Lock()
	delete(c.active, rt.id())
	c.mu.Unlock()
}

// safeRun 把执行器中的 panic 转换为错误，避免拖垮其他策略。
func safeRun(ctx context.Context, rt *runtime, exec executor) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &StrategyError{Reason: ReasonInternal, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	return exec.run(ctx, rt)
}

func (c *Coordinator) report(rt *runtime, outcome Outcome, err error) {
	inst := outcome.Instance
	fields := []zap.Field{
		zap.String("status", string(inst.Status)),
		zap.Strings("children", inst.Children),
		zap.String("requested", outcome.Requested.String()),
		zap.Bool("requested_quote", outcome.RequestedQuote),
		zap.String("filled", outcome.Filled.String()),
		zap.String("filled_quote", outcome.FilledQuote.String()),
		zap.Duration("elapsed", inst.EndedAt.Sub(inst.StartedAt)),
	}
	if len(inst.Notes) > 0 {
		fields = append(fields, zap.Strings("notes", inst.Notes))
	}
	for _, rec := range outcome.Orders {
		fields = append(fields, zap.String("order_"+rec.OrderID, fmt.Sprintf("%s filled=%s avg=%s", rec.Status, rec.FilledQty, rec.AvgPrice)))
	}
	for _, res := range outcome.Cancels {
		if res.Err != nil {
			fields = append(fields, zap.String("cancel_failed_"+res.OrderID, res.Err.Error()))
		}
	}

	switch inst.Status {
	case StatusCompleted:
		rt.logger.Info("策略完成", fields...)
	case StatusCancelled:
		rt.logger.Warn("策略已取消", fields...)
	default:
		fields = append(fields, zap.String("reason", string(inst.Reason)), zap.Error(err))
		if len(outcome.Dangling) > 0 {
			fields = append(fields, zap.Strings("dangling", outcome.Dangling))
		}
		rt.logger.Error("策略失败", fields...)
	}
}

func newExecutor(req Request) (executor, error) {
	switch r := req.(type) {
	case StopLimitRequest:
		return &stopLimitExecutor{req: r}, nil
	case OCORequest:
		return &ocoExecutor{req: r}, nil
	case TWAPRequest:
		return &twapExecutor{req: r}, nil
	case GridRequest:
		return &gridExecutor{req: r}, nil
	default:
		return nil, fmt.Errorf("execution: 不支持的策略类型 %T", req)
	}
}

func (c *Coordinator) checkLimits(req Request) error {
	switch r := req.(type) {
	case TWAPRequest:
		if c.opts.MaxSlices > 0 && r.Slices > c.opts.MaxSlices {
			return invalid("slices", "超过上限 %d", c.opts.MaxSlices)
		}
	case GridRequest:
		if c.opts.MaxGridLevels > 0 && r.Levels > c.opts.MaxGridLevels {
			return invalid("levels", "超过上限 %d", c.opts.MaxGridLevels)
		}
	}
	return nil
}

// classify 将执行器返回的错误映射为策略终态。
func classify(err error) (Status, Reason) {
	if err == nil {
		return StatusCompleted, ""
	}
	if isCancellation(err) || errors.Is(err, ErrOrderCanceled) {
		return StatusCancelled, ""
	}

	var serr *StrategyError
	var rejected *exchange.RejectedError
	switch {
	case errors.As(err, &serr):
		return StatusFailed, serr.Reason
	case errors.Is(err, tracker.ErrInvalidTransition):
		return StatusFailed, ReasonInvalidTransition
	case errors.Is(err, order.ErrValidation):
		return StatusFailed, ReasonInvalidRequest
	case errors.As(err, &rejected):
		return StatusFailed, ReasonOrderRejected
	case errors.Is(err, exchange.ErrMaintenance):
		return StatusFailed, ReasonMaintenance
	case errors.Is(err, exchange.ErrRetryExhausted):
		return StatusFailed, ReasonRetryExhausted
	default:
		return StatusFailed, ReasonInternal
	}
}

// quoteSized 判断计划规模是否以计价货币计。
func quoteSized(req Request) bool {
	twap, ok := req.(TWAPRequest)
	return ok && twap.Notional.IsPositive()
}

func totals(recs []order.Record) (decimal.Decimal, decimal.Decimal) {
	qty, quote := decimal.Zero, decimal.Zero
	for _, rec := range recs {
		qty = qty.Add(rec.FilledQty)
		quote = quote.Add(rec.FilledQty.Mul(rec.AvgPrice))
	}
	return qty, quote
}
