package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"algo-engine/internal/config"
	"algo-engine/internal/exchange"
	"algo-engine/internal/execution"
	"algo-engine/internal/monitor"
	"algo-engine/internal/order"
	"algo-engine/internal/store"
	"algo-engine/internal/tracker"
	"algo-engine/pkg/tracing"
)

// 收到退出信号后等待策略收尾的最长时间。
const shutdownTimeout = 30 * time.Second

// App 聚合核心依赖：交易所网关、订单状态表、事件日志与策略协调器。
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	gateway     exchange.Gateway
	tracker     *tracker.Tracker
	validator   *order.Validator
	coordinator *execution.Coordinator
	opts        execution.Options

	store   *store.Store
	journal *monitor.Service
	closers []func() error
}

// New 按配置创建 App，exchange.driver 决定使用签名 REST 客户端还是 ccxt。
func New(cfg *config.Config, logger *zap.Logger) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: 配置不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	var closers []func() error
	if cfg.Tracing.Enabled {
		_, closeTracer, err := tracing.InitTracer(tracing.Config{
			ServiceName: "algo-engine",
			Host:        cfg.Tracing.Host,
			Port:        cfg.Tracing.Port,
		}, logger)
		if err != nil {
			return nil, err
		}
		closers = append(closers, func() error { closeTracer(); return nil })
	}

	gw, err := newGateway(cfg.Exchange, logger)
	if err != nil {
		runClosers(closers)
		return nil, err
	}

	a, err := newApp(cfg, logger, gw)
	if err != nil {
		runClosers(closers)
		return nil, err
	}
	a.closers = append(a.closers, closers...)
	return a, nil
}

func newGateway(cfg config.ExchangeConfig, logger *zap.Logger) (exchange.Gateway, error) {
	switch cfg.Driver {
	case "", "rest":
		return exchange.NewRESTClient(cfg, logger)
	case "ccxt":
		return exchange.NewCCXTClient(cfg, logger)
	default:
		return nil, fmt.Errorf("app: 不支持的交易所驱动 %q", cfg.Driver)
	}
}

// newApp 在给定网关上组装其余依赖。
func newApp(cfg *config.Config, logger *zap.Logger, gw exchange.Gateway) (*App, error) {
	a := &App{
		cfg:       cfg,
		logger:    logger,
		gateway:   gw,
		tracker:   tracker.New(logger.Named("tracker")),
		validator: newValidator(cfg.Validation),
		opts:      execution.OptionsFromConfig(cfg.Strategy, cfg.Validation),
	}

	var journal execution.Journal
	if cfg.Database.Enabled {
		st, err := store.NewSQLite(cfg.Database)
		if err != nil {
			return nil, err
		}
		svc, err := monitor.NewService(st, logger.Named("journal"))
		if err != nil {
			_ = st.Close()
			return nil, err
		}
		a.store, a.journal = st, svc
		a.closers = append(a.closers, st.Close)
		journal = svc
	}

	a.coordinator = execution.NewCoordinator(gw, a.tracker, a.opts, journal, logger.Named("coordinator"))
	return a, nil
}

func newValidator(cfg config.ValidationConfig) *order.Validator {
	return order.NewValidator(order.Limits{
		Symbols:     cfg.Symbols,
		MinQuantity: decimal.NewFromFloat(cfg.MinQuantity),
		MaxQuantity: decimal.NewFromFloat(cfg.MaxQuantity),
		MinPrice:    decimal.NewFromFloat(cfg.MinPrice),
		MaxPrice:    decimal.NewFromFloat(cfg.MaxPrice),
		MaxLeverage: cfg.MaxLeverage,
	})
}

// PlaceOrder 校验并提交单笔市价或限价委托。
func (a *App) PlaceOrder(ctx context.Context, raw order.RawRequest) (order.Record, error) {
	req, err := a.validator.Normalize(raw)
	if err != nil {
		return order.Record{}, err
	}
	if req.Type == order.TypeStopLimit {
		return order.Record{}, &order.ValidationError{Field: "type", Reason: "止损限价请使用 stop-limit 策略"}
	}

	rec, err := a.gateway.SubmitOrder(ctx, req)
	if err != nil {
		if a.journal != nil {
			a.journal.RecordError(context.WithoutCancel(ctx), "", "下单失败", err, map[string]interface{}{
				"symbol": req.Symbol,
				"side":   string(req.Side),
				"type":   string(req.Type),
			})
		}
		return order.Record{}, err
	}

	a.logger.Info("委托已提交",
		zap.String("order_id", rec.OrderID),
		zap.String("symbol", req.Symbol),
		zap.String("side", string(req.Side)),
		zap.String("type", string(req.Type)),
		zap.String("status", string(rec.Status)),
	)
	if a.journal != nil {
		if err := a.journal.OrderPlaced(context.WithoutCancel(ctx), "", rec); err != nil {
			a.logger.Warn("写入事件日志失败", zap.Error(err))
		}
	}
	return rec, nil
}

// RunStrategy 同步运行策略直到结束，ctx 取消即协作式取消策略。
func (a *App) RunStrategy(ctx context.Context, form StrategyForm) (execution.Outcome, error) {
	req, err := a.BuildStrategy(ctx, form)
	if err != nil {
		return execution.Outcome{}, err
	}
	return a.coordinator.Execute(ctx, req)
}

// Serve 启动管理接口并阻塞到 ctx 结束，随后取消所有运行中的策略。
func (a *App) Serve(ctx context.Context) error {
	a.logger.Info("执行引擎已启动",
		zap.String("environment", a.cfg.App.Environment),
		zap.String("exchange", a.cfg.Exchange.Name),
		zap.String("driver", a.cfg.Exchange.Driver),
		zap.Bool("testnet", a.cfg.Exchange.UseTestnet),
	)

	errCh := make(chan error, 1)
	if a.cfg.Admin.Enabled {
		srv := newAdminServer(a, a.cfg.Admin.Addr)
		go func() { errCh <- srv.run(ctx) }()
	}

	var serveErr error
	select {
	case <-ctx.Done():
		a.logger.Info("收到退出信号，正在停止")
	case serveErr = <-errCh:
		a.logger.Error("管理接口异常退出", zap.Error(serveErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	return multierr.Append(serveErr, a.coordinator.Shutdown(shutdownCtx))
}

// Close 释放数据库与 tracer。
func (a *App) Close() error {
	return runClosers(a.closers)
}

func runClosers(closers []func() error) error {
	var err error
	for i := len(closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, closers[i]())
	}
	return err
}
