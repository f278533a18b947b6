package monitor

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	"algo-engine/internal/execution"
	"algo-engine/internal/order"
	"algo-engine/internal/store"
)

var _ execution.Journal = (*Service)(nil)

// 未指定数量时 ListEvents 返回的条数。
const defaultListLimit = 100

// Service 将策略生命周期事件持久化为可审计的事件流。只写不读回，不用于崩溃恢复。
type Service struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time
}

// NewService 初始化事件日志，创建所需表结构。
func NewService(store *store.Store, logger *zap.Logger) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("monitor: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Service{
		db:     store.DB(),
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Service) initSchema() error {
	stmt := `
CREATE TABLE IF NOT EXISTS journal_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_type TEXT NOT NULL,
	strategy_id TEXT NOT NULL DEFAULT '',
	payload TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_journal_events_type ON journal_events(event_type);
CREATE INDEX IF NOT EXISTS idx_journal_events_strategy ON journal_events(strategy_id);
`
	if _, err := s.db.Exec(stmt); err != nil {
		return fmt.Errorf("monitor: 初始化表失败: %w", err)
	}
	return nil
}

// Record 写入单个事件。
func (s *Service) Record(ctx context.Context, event Event) error {
	payload, err := sonic.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("monitor: 序列化事件失败: %w", err)
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = s.now()
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO journal_events (event_type, strategy_id, payload, created_at) VALUES (?, ?, ?, ?)`,
		string(event.Type), event.StrategyID, string(payload), event.Timestamp.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("monitor: 写入事件失败: %w", err)
	}
	return nil
}

// StrategyStarted 记录策略启动。
func (s *Service) StrategyStarted(ctx context.Context, inst execution.Instance) error {
	return s.Record(ctx, Event{
		Type:       EventStrategyStarted,
		StrategyID: inst.ID,
		Timestamp:  inst.StartedAt,
		Payload:    StrategyPayload{Kind: inst.Kind, Symbol: inst.Symbol, StartedAt: inst.StartedAt},
	})
}

// OrderPlaced 记录子订单提交。
func (s *Service) OrderPlaced(ctx context.Context, strategyID string, rec order.Record) error {
	return s.Record(ctx, Event{
		Type:       EventOrderPlaced,
		StrategyID: strategyID,
		Payload:    newOrderPayload(rec),
	})
}

// StrategyFinished 记录策略终态；失败的策略额外写入一条 error 事件。
func (s *Service) StrategyFinished(ctx context.Context, outcome execution.Outcome) error {
	inst := outcome.Instance
	if err := s.Record(ctx, Event{
		Type:       EventStrategyFinished,
		StrategyID: inst.ID,
		Timestamp:  inst.EndedAt,
		Payload:    SummarizeOutcome(outcome),
	}); err != nil {
		return err
	}

	if inst.Status == execution.StatusFailed && outcome.Err != nil {
		s.RecordError(ctx, inst.ID, "策略失败", outcome.Err, map[string]interface{}{
			"kind":   string(inst.Kind),
			"reason": string(inst.Reason),
		})
	}
	return nil
}

// RecordError 记录异常，写入失败只记日志。
func (s *Service) RecordError(ctx context.Context, strategyID, msg string, err error, ctxMap map[string]interface{}) {
	payload := ErrorPayload{Message: msg, Context: ctxMap}
	if err != nil {
		payload.Error = err.Error()
	}
	if recErr := s.Record(ctx, Event{
		Type:       EventError,
		StrategyID: strategyID,
		Payload:    payload,
	}); recErr != nil {
		s.logger.Warn("记录异常事件失败", zap.Error(recErr))
	}
}

// ListEvents 按类型检索最近事件，eventType 为空时不过滤。
func (s *Service) ListEvents(ctx context.Context, eventType EventType, limit int) ([]Event, error) {
	query := `SELECT event_type, strategy_id, payload, created_at FROM journal_events`
	var args []interface{}
	if eventType != "" {
		query += ` WHERE event_type = ?`
		args = append(args, string(eventType))
	}
	return s.query(ctx, query, args, limit)
}

// StrategyEvents 返回某个策略的最近事件。
func (s *Service) StrategyEvents(ctx context.Context, strategyID string, limit int) ([]Event, error) {
	query := `SELECT event_type, strategy_id, payload, created_at FROM journal_events WHERE strategy_id = ?`
	return s.query(ctx, query, []interface{}{strategyID}, limit)
}

func (s *Service) query(ctx context.Context, query string, args []interface{}, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("monitor: 查询事件失败: %w", err)
	}
	defer rows.Close()

	events := make([]Event, 0, limit)
	for rows.Next() {
		var typ, strategyID, payload, created string
		if err := rows.Scan(&typ, &strategyID, &payload, &created); err != nil {
			return nil, fmt.Errorf("monitor: 解析事件失败: %w", err)
		}
		ts, err := time.Parse(time.RFC3339Nano, created)
		if err != nil {
			s.logger.Warn("事件时间格式异常", zap.String("created_at", created), zap.Error(err))
		}
		events = append(events, Event{
			Type:       EventType(typ),
			StrategyID: strategyID,
			Timestamp:  ts,
			Payload:    json.RawMessage(payload),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("monitor: 读取事件失败: %w", err)
	}
	return events, nil
}
