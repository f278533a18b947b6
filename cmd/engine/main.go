package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	"algo-engine/internal/app"
	"algo-engine/internal/config"
	"algo-engine/internal/execution"
	"algo-engine/internal/log"
	"algo-engine/internal/monitor"
	"algo-engine/internal/order"
)

const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
)

const usage = `用法: engine [-config path] <command> [flags]

命令:
  market       市价单
  limit        限价单
  stop-limit   条件单（止损或止盈触发，限价或市价）
  oco          止盈止损二选一
  twap         时间加权拆单
  grid         网格策略（固定、马丁格尔或 DCA 规模）
  serve        启动管理接口，等待退出信号
`

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	global := flag.NewFlagSet("engine", flag.ContinueOnError)
	global.SetOutput(stderr)
	global.Usage = func() { fmt.Fprint(stderr, usage) }
	configPath := global.String("config", "", "配置文件路径，默认使用 configs/config.yaml")
	if err := global.Parse(args); err != nil {
		return exitUsage
	}
	if global.NArg() == 0 {
		global.Usage()
		return exitUsage
	}
	command, rest := global.Arg(0), global.Args()[1:]

	cmd, ok := commands[command]
	if !ok {
		fmt.Fprintf(stderr, "未知命令 %q\n\n", command)
		global.Usage()
		return exitUsage
	}
	fs := flag.NewFlagSet(command, flag.ContinueOnError)
	fs.SetOutput(stderr)
	execute := cmd(fs)
	if err := fs.Parse(rest); err != nil {
		return exitUsage
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "加载配置失败: %v\n", err)
		return exitFailure
	}
	logger, err := log.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(stderr, "初始化日志失败: %v\n", err)
		return exitFailure
	}
	defer func() { _ = logger.Sync() }()

	engine, err := app.New(cfg, logger)
	if err != nil {
		logger.Error("初始化执行引擎失败", zap.Error(err))
		return exitFailure
	}
	defer func() {
		if err := engine.Close(); err != nil {
			logger.Warn("释放资源失败", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	result, err := execute(ctx, engine)
	if result != nil {
		if out, merr := sonic.ConfigStd.MarshalIndent(result, "", "  "); merr == nil {
			fmt.Fprintln(stdout, string(out))
		}
	}
	if err != nil {
		if errors.Is(err, order.ErrValidation) {
			fmt.Fprintf(stderr, "参数错误: %v\n", err)
		} else {
			logger.Error("执行失败", zap.Error(err))
		}
		return exitFailure
	}
	if summary, ok := result.(monitor.OutcomePayload); ok && summary.Status != execution.StatusCompleted {
		return exitFailure
	}
	return exitOK
}

// runner 执行一个子命令，返回需要打印的结果。
type runner func(ctx context.Context, engine *app.App) (any, error)

var commands = map[string]func(fs *flag.FlagSet) runner{
	"market":     orderCommand(order.TypeMarket),
	"limit":      orderCommand(order.TypeLimit),
	"stop-limit": strategyCommand(execution.KindStopLimit),
	"oco":        strategyCommand(execution.KindOCO),
	"twap":       strategyCommand(execution.KindTWAP),
	"grid":       strategyCommand(execution.KindGrid),
	"serve":      serveCommand,
}

func orderCommand(typ order.Type) func(fs *flag.FlagSet) runner {
	return func(fs *flag.FlagSet) runner {
		raw := order.RawRequest{Type: string(typ)}
		fs.StringVar(&raw.Symbol, "symbol", "", "交易对，例如 BTCUSDT")
		fs.StringVar(&raw.Side, "side", "", "BUY 或 SELL")
		fs.StringVar(&raw.Quantity, "quantity", "", "下单数量")
		fs.StringVar(&raw.Notional, "notional", "", "按计价货币金额下单（仅市价单）")
		fs.StringVar(&raw.Leverage, "leverage", "", "杠杆倍数")
		fs.BoolVar(&raw.ReduceOnly, "reduce-only", false, "只减仓")
		if typ == order.TypeLimit {
			fs.StringVar(&raw.Price, "price", "", "限价")
			fs.StringVar(&raw.TimeInForce, "tif", "GTC", "GTC|IOC|FOK|GTX")
		}
		return func(ctx context.Context, engine *app.App) (any, error) {
			rec, err := engine.PlaceOrder(ctx, raw)
			if err != nil {
				return nil, err
			}
			return rec, nil
		}
	}
}

func strategyCommand(kind execution.Kind) func(fs *flag.FlagSet) runner {
	return func(fs *flag.FlagSet) runner {
		form := app.StrategyForm{Kind: string(kind)}
		fs.StringVar(&form.Symbol, "symbol", "", "交易对，例如 BTCUSDT")
		fs.StringVar(&form.TimeInForce, "tif", "GTC", "GTC|IOC|FOK|GTX")
		fs.StringVar(&form.Leverage, "leverage", "", "杠杆倍数")
		fs.StringVar(&form.Quantity, "quantity", "", "下单数量（网格为每格数量）")
		fs.StringVar(&form.PollInterval, "poll", "", "轮询间隔，默认取配置")

		if kind != execution.KindGrid {
			fs.StringVar(&form.Side, "side", "", "BUY 或 SELL")
			fs.BoolVar(&form.ReduceOnly, "reduce-only", false, "只减仓")
		}
		switch kind {
		case execution.KindStopLimit:
			fs.StringVar(&form.StopPrice, "stop", "", "触发价")
			fs.StringVar(&form.LimitPrice, "limit", "", "触发后挂出的限价")
			fs.StringVar(&form.OrderType, "order-type", "LIMIT", "触发后提交 LIMIT 或 MARKET")
			fs.StringVar(&form.Trigger, "trigger", "STOP", "STOP 或 TAKE_PROFIT（方向相反）")
		case execution.KindOCO:
			fs.StringVar(&form.TakeProfitPrice, "take-profit", "", "止盈价")
			fs.StringVar(&form.StopPrice, "stop", "", "止损触发价")
			fs.StringVar(&form.StopLimitPrice, "stop-limit", "", "止损限价")
			fs.StringVar(&form.TakeProfitPct, "take-profit-pct", "", "以当前价为基准的止盈百分比")
			fs.StringVar(&form.StopLossPct, "stop-loss-pct", "", "以当前价为基准的止损百分比")
			fs.StringVar(&form.LimitOffsetPct, "limit-offset-pct", "", "止损限价相对触发价的偏移百分比")
		case execution.KindTWAP:
			fs.StringVar(&form.Notional, "notional", "", "按计价货币金额拆分")
			fs.IntVar(&form.Slices, "slices", 0, "切片数量")
			fs.StringVar(&form.Interval, "interval", "", "切片间隔，例如 30s")
			fs.StringVar(&form.SliceType, "slice-type", "MARKET", "MARKET 或 LIMIT")
			fs.StringVar(&form.Profile, "profile", "UNIFORM", "UNIFORM|FRONT_LOADED|BACK_LOADED|MIDDLE_LOADED")
		case execution.KindGrid:
			fs.StringVar(&form.Lower, "lower", "", "区间下界")
			fs.StringVar(&form.Upper, "upper", "", "区间上界")
			fs.IntVar(&form.Levels, "levels", 0, "价位数量")
			fs.StringVar(&form.Spacing, "spacing", "ARITHMETIC", "ARITHMETIC 或 GEOMETRIC")
			fs.StringVar(&form.Sizing, "sizing", "FIXED", "FIXED|MARTINGALE|DCA")
			fs.StringVar(&form.Multiplier, "multiplier", "", "马丁格尔网格每远一格的数量倍数")
			fs.StringVar(&form.Notional, "notional", "", "DCA 网格的总金额")
			fs.Func("price-places", "价位保留的小数位", func(s string) error {
				var n int32
				if _, err := fmt.Sscan(s, &n); err != nil {
					return err
				}
				form.PricePlaces = n
				return nil
			})
		}

		return func(ctx context.Context, engine *app.App) (any, error) {
			outcome, err := engine.RunStrategy(ctx, form)
			if outcome.Instance.ID == "" {
				return nil, err
			}
			return monitor.SummarizeOutcome(outcome), err
		}
	}
}

func serveCommand(_ *flag.FlagSet) runner {
	return func(ctx context.Context, engine *app.App) (any, error) {
		return nil, engine.Serve(ctx)
	}
}
