package tracing

import (
	"fmt"
	"io"

	"github.com/opentracing/opentracing-go"
	jCfg "github.com/uber/jaeger-client-go/config"
	"github.com/uber/jaeger-lib/metrics"
	"go.uber.org/zap"
)

// Config 为 jaeger agent 地址。
type Config struct {
	ServiceName string
	Host        string
	Port        int
}

// InitTracer 创建 jaeger tracer 并设为全局 tracer，返回的 closer 负责刷新并关闭上报。
func InitTracer(conf Config, logger *zap.Logger) (opentracing.Tracer, func(), error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	name := conf.ServiceName
	if name == "" {
		name = "algo-engine"
	}

	cfg := &jCfg.Configuration{
		ServiceName: name,
		Sampler: &jCfg.SamplerConfig{
			Type:  "const",
			Param: 1,
		},
		Reporter: &jCfg.ReporterConfig{
			LogSpans:           false,
			LocalAgentHostPort: fmt.Sprintf("%s:%d", conf.Host, conf.Port),
		},
	}

	tracer, closer, err := cfg.NewTracer(jCfg.Metrics(metrics.NullFactory))
	if err != nil {
		return nil, nil, fmt.Errorf("tracing: 初始化 jaeger 失败: %w", err)
	}

	opentracing.SetGlobalTracer(tracer)
	return tracer, closeFunc(closer, logger), nil
}

func closeFunc(closer io.Closer, logger *zap.Logger) func() {
	return func() {
		opentracing.SetGlobalTracer(opentracing.NoopTracer{})
		if err := closer.Close(); err != nil {
			logger.Warn("关闭 jaeger tracer 失败", zap.Error(err))
		}
	}
}
