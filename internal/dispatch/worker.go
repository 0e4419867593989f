package dispatch

import (
	"context"
	"log/slog"
	"time"

	xerrors "DeFiAgent-Chain/internal/errors"
	"DeFiAgent-Chain/internal/observability/alerting"
	"DeFiAgent-Chain/pkg/logger"
)

// ActionExecutor 定义工作协程所需的智能体能力。
type ActionExecutor interface {
	ExecuteAction(ctx context.Context, agentID, actionType string, params map[string]any) (map[string]any, error)
}

// Worker 从队列消费动作请求并交给服务管理器执行。
type Worker struct {
	executor    ActionExecutor
	consumer    Consumer
	workerCount int
	logger      *slog.Logger
	alerter     alerting.Dispatcher
}

// WorkerOption 定义可选配置。
type WorkerOption func(*Worker)

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) WorkerOption {
	return func(w *Worker) {
		if workers > 0 {
			w.workerCount = workers
		}
	}
}

// WithWorkerLogger 指定日志输出。
func WithWorkerLogger(log *slog.Logger) WorkerOption {
	return func(w *Worker) {
		w.logger = log
	}
}

// WithAlertDispatcher 配置告警派发器，标记需要告警的失败会被广播。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) WorkerOption {
	return func(w *Worker) {
		w.alerter = dispatcher
	}
}

// NewWorker 构造 Worker。
func NewWorker(executor ActionExecutor, consumer Consumer, opts ...WorkerOption) *Worker {
	w := &Worker{
		executor:    executor,
		consumer:    consumer,
		workerCount: 1,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	return w
}

// Start 启动消费循环，阻塞直到上下文取消。
func (w *Worker) Start(ctx context.Context) error {
	if w.consumer == nil {
		return xerrors.New(xerrors.CodeConfiguration, "未配置动作消费者")
	}
	if w.executor == nil {
		return xerrors.New(xerrors.CodeConfiguration, "未配置动作执行器")
	}
	return w.consumer.Consume(ctx, w.workerCount, w.handle)
}

func (w *Worker) handle(ctx context.Context, payload string) error {
	req, err := DecodeRequest(payload)
	if err != nil {
		// 无法解析的载荷没有重试价值，记录后丢弃。
		w.log().Warn("discarding malformed action payload", slog.Any("error", err))
		return nil
	}

	if _, err := w.executor.ExecuteAction(ctx, req.AgentID, req.ActionType, req.Parameters); err != nil {
		w.log().Error("queued action failed",
			slog.String("agent_id", req.AgentID),
			slog.String("action_type", req.ActionType),
			slog.Any("error", err))
		w.emitAlert(ctx, req, err)
		if xerrors.RetryableError(err) {
			return err
		}
		return nil
	}
	w.log().Info("queued action completed",
		slog.String("agent_id", req.AgentID),
		slog.String("action_type", req.ActionType))
	return nil
}

// emitAlert 将标记为需要告警的执行失败广播到所有通知渠道。
func (w *Worker) emitAlert(ctx context.Context, req Request, cause error) {
	if w.alerter == nil || !xerrors.ShouldAlert(cause) {
		return
	}
	event := alerting.Event{
		Code:       xerrors.CodeOf(cause),
		Message:    cause.Error(),
		AgentID:    req.AgentID,
		ActionType: req.ActionType,
		OccurredAt: time.Now(),
	}
	if typed, ok := xerrors.From(cause); ok {
		event.Severity = typed.Severity()
		event.Metadata = typed.Metadata()
	}
	if err := w.alerter.Notify(ctx, event); err != nil {
		w.log().Warn("failed to dispatch alert",
			slog.String("agent_id", req.AgentID), slog.Any("error", err))
	}
}

func (w *Worker) log() *slog.Logger {
	if w.logger != nil {
		return w.logger
	}
	return logger.L()
}
