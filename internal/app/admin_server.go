package app

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"algo-engine/internal/execution"
	"algo-engine/internal/monitor"
	"algo-engine/internal/order"
)

const (
	defaultEventLimit = 200
	maxEventLimit     = 1000
)

// adminServer 为运维接口：查看与取消运行中的策略、提交新策略、读取事件日志。
type adminServer struct {
	app    *App
	addr   string
	logger *zap.Logger
}

func newAdminServer(a *App, addr string) *adminServer {
	return &adminServer{app: a, addr: addr, logger: a.logger.Named("admin")}
}

func (s *adminServer) routes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.accessLog())

	r.GET("/healthz", s.health)
	r.GET("/strategies", s.listStrategies)
	r.POST("/strategies", s.submitStrategy)
	r.DELETE("/strategies/:id", s.cancelStrategy)
	r.GET("/events", s.listEvents)
	return r
}

// run 监听直到 ctx 结束后优雅关闭。
func (s *adminServer) run(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.routes()}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Warn("关闭管理接口失败", zap.Error(err))
		}
	}()

	s.logger.Info("管理接口已启动", zap.String("addr", s.addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *adminServer) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("管理接口请求",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}

func (s *adminServer) health(c *gin.Context) {
	resp := gin.H{"status": "ok", "active": len(s.app.coordinator.Active())}
	if s.app.store != nil {
		if err := s.app.store.Ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (s *adminServer) listStrategies(c *gin.Context) {
	c.JSON(http.StatusOK, s.app.coordinator.Active())
}

func (s *adminServer) submitStrategy(c *gin.Context) {
	var form StrategyForm
	if err := c.ShouldBindJSON(&form); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	req, err := s.app.BuildStrategy(c.Request.Context(), form)
	if err == nil {
		var h *execution.Handle
		// 策略生命周期不跟随 HTTP 请求
		h, err = s.app.coordinator.Submit(context.WithoutCancel(c.Request.Context()), req)
		if err == nil {
			c.JSON(http.StatusAccepted, h.Snapshot())
			return
		}
	}

	switch {
	case errors.Is(err, order.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, execution.ErrShuttingDown):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	}
}

func (s *adminServer) cancelStrategy(c *gin.Context) {
	id := c.Param("id")
	if err := s.app.coordinator.Cancel(id); err != nil {
		if errors.Is(err, execution.ErrUnknownStrategy) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": id, "status": "cancelling"})
}

func (s *adminServer) listEvents(c *gin.Context) {
	if s.app.journal == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "事件日志未启用"})
		return
	}

	limit := defaultEventLimit
	if qs := c.Query("limit"); qs != "" {
		if v, err := strconv.Atoi(qs); err == nil && v > 0 {
			limit = min(v, maxEventLimit)
		}
	}

	var (
		events []monitor.Event
		err    error
	)
	if id := strings.TrimSpace(c.Query("strategy")); id != "" {
		events, err = s.app.journal.StrategyEvents(c.Request.Context(), id, limit)
	} else {
		eventType := monitor.EventType(strings.ToLower(strings.TrimSpace(c.Query("type"))))
		events, err = s.app.journal.ListEvents(c.Request.Context(), eventType, limit)
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, events)
}
