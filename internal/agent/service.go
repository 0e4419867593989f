package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"DeFiAgent-Chain/internal/autochat"
	"DeFiAgent-Chain/internal/chat"
	xerrors "DeFiAgent-Chain/internal/errors"
	"DeFiAgent-Chain/internal/store"
	"DeFiAgent-Chain/internal/toolkit"
	"DeFiAgent-Chain/internal/wallet"
	"DeFiAgent-Chain/pkg/logger"
)

// Service 面向单个智能体提供会话与动作执行能力。
// 初始化顺序固定：钱包先行，随后是工具与会话组件。
type Service struct {
	agentID  string
	bundle   *ResourceBundle
	executor *chat.Executor
	store    store.Store
	wallets  *wallet.Provider
	interval time.Duration
}

// AutoChatEvent 是自动会话循环产出的单个事件。
type AutoChatEvent struct {
	Response       string               `json:"response,omitempty"`
	MessageID      string               `json:"message_id,omitempty"`
	ConversationID string               `json:"conversation_id,omitempty"`
	Iteration      int                  `json:"iteration"`
	Strategy       string               `json:"strategy,omitempty"`
	MarketData     *autochat.MarketData `json:"market_data,omitempty"`
	Error          string               `json:"error,omitempty"`
}

// AvailableActions 返回智能体当前可调用的全部动作描述。
func (s *Service) AvailableActions() []toolkit.Description {
	return s.bundle.Tools.Describe()
}

// Wallet 返回智能体钱包。
func (s *Service) Wallet() *wallet.Wallet {
	return s.bundle.Wallet
}

// ExecuteAction 执行单个具名动作并留下审计记录。
// 记录先以 pending 创建，随执行结果一次性转入 completed 或 error，
// 失败时错误原样抛回调用方。
func (s *Service) ExecuteAction(ctx context.Context, actionType string, params map[string]any) (map[string]any, error) {
	if actionType == "" {
		return nil, xerrors.New(xerrors.CodeValidation, "动作类型不能为空")
	}

	record := &store.ActionRecord{
		AgentID:    s.agentID,
		ActionType: actionType,
		Parameters: cloneParams(params),
	}
	if err := s.store.CreateAction(ctx, record); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建动作记录失败")
	}

	merged := s.contextParams()
	for key, value := range params {
		merged[key] = value
	}

	result, err := s.bundle.Tools.Invoke(ctx, actionType, merged)
	if err != nil {
		if failErr := s.store.FailAction(ctx, record.ID, err.Error()); failErr != nil {
			logger.L().Error("failed to mark action as errored",
				"agent_id", s.agentID, "action_id", record.ID, "error", failErr)
		}
		return nil, err
	}

	resultMap := toResultMap(result)
	if err := s.store.CompleteAction(ctx, record.ID, resultMap); err != nil {
		logger.L().Error("failed to mark action as completed",
			"agent_id", s.agentID, "action_id", record.ID, "error", err)
	}
	s.refreshWalletState(ctx)
	return resultMap, nil
}

// ChatSync 同步执行一轮会话。
func (s *Service) ChatSync(ctx context.Context, message, conversationID string) (*chat.Result, error) {
	if message == "" {
		return nil, xerrors.New(xerrors.CodeValidation, "消息内容不能为空")
	}

	record := &store.ActionRecord{
		AgentID:    s.agentID,
		ActionType: "chat",
		Parameters: map[string]any{"message": message, "conversation_id": conversationID},
	}
	if err := s.store.CreateAction(ctx, record); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建会话记录失败")
	}

	result, err := s.executor.RunSync(ctx, conversationID, message)
	if err != nil {
		if failErr := s.store.FailAction(ctx, record.ID, err.Error()); failErr != nil {
			logger.L().Error("failed to mark chat as errored",
				"agent_id", s.agentID, "action_id", record.ID, "error", failErr)
		}
		return nil, err
	}

	if err := s.store.CompleteAction(ctx, record.ID, map[string]any{
		"response":        result.Response,
		"message_id":      result.MessageID,
		"conversation_id": result.ConversationID,
	}); err != nil {
		logger.L().Error("failed to mark chat as completed",
			"agent_id", s.agentID, "action_id", record.ID, "error", err)
	}
	s.refreshWalletState(ctx)
	return result, nil
}

// StreamChatSync 流式执行一轮会话。
// 序列以自然耗尽结束，出错时以单个 error 片段收尾。
func (s *Service) StreamChatSync(ctx context.Context, message, conversationID string) <-chan chat.Chunk {
	out := make(chan chat.Chunk)
	go func() {
		defer close(out)
		if message == "" {
			out <- chat.Chunk{Type: chat.ChunkError, Content: "消息内容不能为空", ConversationID: conversationID}
			return
		}

		record := &store.ActionRecord{
			AgentID:    s.agentID,
			ActionType: "stream_chat",
			Parameters: map[string]any{"message": message, "conversation_id": conversationID},
		}
		if err := s.store.CreateAction(ctx, record); err != nil {
			out <- chat.Chunk{Type: chat.ChunkError, Content: err.Error(), ConversationID: conversationID}
			return
		}

		var lastAI chat.Chunk
		failed := false
		for chunk := range s.executor.RunStream(ctx, conversationID, message) {
			if chunk.Type == chat.ChunkError {
				failed = true
				if failErr := s.store.FailAction(ctx, record.ID, chunk.Content); failErr != nil {
					logger.L().Error("failed to mark stream chat as errored",
						"agent_id", s.agentID, "action_id", record.ID, "error", failErr)
				}
			} else if chunk.Type == chat.ChunkAI {
				lastAI = chunk
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
		}
		if failed {
			return
		}

		if err := s.store.CompleteAction(ctx, record.ID, map[string]any{
			"response":        lastAI.Content,
			"message_id":      lastAI.MessageID,
			"conversation_id": lastAI.ConversationID,
		}); err != nil {
			logger.L().Error("failed to mark stream chat as completed",
				"agent_id", s.agentID, "action_id", record.ID, "error", err)
		}
		s.refreshWalletState(ctx)
	}()
	return out
}

// StreamAutoChat 启动自主会话循环：策略生成下一条提示、执行、
// 落库并产出一个事件，随后按间隔休眠，直到策略停止或上下文取消。
// 单次迭代出错时产出一个错误事件后立即退出。
func (s *Service) StreamAutoChat(ctx context.Context, message string, interval time.Duration, strategyName, conversationID string) <-chan AutoChatEvent {
	return s.streamAutoChat(ctx, autochat.New(strategyName), message, interval, conversationID)
}

func (s *Service) streamAutoChat(ctx context.Context, strategy autochat.Strategy, message string, interval time.Duration, conversationID string) <-chan AutoChatEvent {
	out := make(chan AutoChatEvent)
	go func() {
		defer close(out)

		if interval <= 0 {
			interval = s.interval
		}
		sctx := strategy.NewContext(conversationID, message)

		record := &store.ActionRecord{
			AgentID:    s.agentID,
			ActionType: "auto_chat",
			Parameters: map[string]any{
				"message":  message,
				"strategy": strategy.Name(),
				"interval": interval.Seconds(),
			},
		}
		if err := s.store.CreateAction(ctx, record); err != nil {
			s.emitAutoChat(ctx, out, AutoChatEvent{Error: err.Error(), Strategy: strategy.Name()})
			return
		}

		for {
			prompt := strategy.GenerateMessage(sctx)

			turns, final, err := s.runAutoChatTurn(ctx, sctx.ConversationID, prompt)
			if err != nil {
				logger.L().Error("auto-chat iteration failed",
					"agent_id", s.agentID, "strategy", strategy.Name(),
					"iteration", sctx.IterationCount, "error", err)
				if failErr := s.store.FailAction(ctx, record.ID, err.Error()); failErr != nil {
					logger.L().Error("failed to mark auto chat as errored",
						"agent_id", s.agentID, "action_id", record.ID, "error", failErr)
				}
				s.emitAutoChat(ctx, out, AutoChatEvent{
					Error:          fmt.Sprintf("自动会话迭代失败: %v", err),
					Iteration:      sctx.IterationCount,
					Strategy:       strategy.Name(),
					ConversationID: sctx.ConversationID,
				})
				return
			}
			if sctx.ConversationID == "" {
				sctx.ConversationID = final.ConversationID
			}

			strategy.ProcessResponse(sctx, turns)
			sctx.IterationCount++
			sctx.LastMessageID = final.MessageID

			ok := s.emitAutoChat(ctx, out, AutoChatEvent{
				Response:       final.Content,
				MessageID:      final.MessageID,
				ConversationID: sctx.ConversationID,
				Iteration:      sctx.IterationCount,
				Strategy:       strategy.Name(),
				MarketData:     sctx.MarketData,
			})
			if !ok {
				return
			}
			s.refreshWalletState(ctx)

			if !strategy.ShouldContinue(sctx) {
				if err := s.store.CompleteAction(ctx, record.ID, map[string]any{
					"iterations":      sctx.IterationCount,
					"conversation_id": sctx.ConversationID,
				}); err != nil {
					logger.L().Error("failed to mark auto chat as completed",
						"agent_id", s.agentID, "action_id", record.ID, "error", err)
				}
				return
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(interval):
			}
		}
	}()
	return out
}

// runAutoChatTurn 执行一轮会话并收集供策略消化的消息序列。
func (s *Service) runAutoChatTurn(ctx context.Context, conversationID, prompt string) ([]autochat.Turn, *chat.Chunk, error) {
	var turns []autochat.Turn
	var final *chat.Chunk

	for chunk := range s.executor.RunStream(ctx, conversationID, prompt) {
		switch chunk.Type {
		case chat.ChunkError:
			return nil, nil, xerrors.New(xerrors.CodeExecution, chunk.Content)
		case chat.ChunkTool:
			turns = append(turns, autochat.Turn{Type: autochat.TurnTool, Content: chunk.Content})
		case chat.ChunkAI:
			turns = append(turns, autochat.Turn{Type: autochat.TurnAI, Content: chunk.Content})
			c := chunk
			final = &c
		}
	}
	if final == nil {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		return nil, nil, xerrors.New(xerrors.CodeExecution, "自动会话未产出回复")
	}
	return turns, final, nil
}

func (s *Service) emitAutoChat(ctx context.Context, out chan<- AutoChatEvent, event AutoChatEvent) bool {
	select {
	case out <- event:
		return true
	case <-ctx.Done():
		return false
	}
}

// refreshWalletState 在成功操作后尽力刷新钱包落库状态。
// 刷新失败只记日志，绝不掩盖已成功的业务结果。
func (s *Service) refreshWalletState(ctx context.Context) {
	if s.bundle.Wallet == nil || s.wallets == nil {
		return
	}
	state, err := s.wallets.Export(s.bundle.Wallet)
	if err != nil {
		logger.L().Warn("wallet state refresh failed",
			"agent_id", s.agentID, "error", err)
		return
	}
	configuration, err := json.Marshal(state)
	if err != nil {
		logger.L().Warn("wallet state refresh failed",
			"agent_id", s.agentID, "error", err)
		return
	}
	record := &store.WalletRecord{
		AgentID:       s.agentID,
		WalletID:      s.bundle.Wallet.ID(),
		NetworkID:     s.bundle.Wallet.NetworkID(),
		Address:       s.bundle.Wallet.Address(),
		Configuration: configuration,
	}
	if err := s.store.SaveWallet(ctx, record); err != nil {
		logger.L().Warn("wallet state refresh failed",
			"agent_id", s.agentID, "error", err)
	}
}

// contextParams 构造注入每次工具调用的智能体上下文参数。
func (s *Service) contextParams() map[string]any {
	params := map[string]any{"agent_id": s.agentID}
	if s.bundle.Wallet != nil {
		params["wallet_id"] = s.bundle.Wallet.ID()
		params["wallet_address"] = s.bundle.Wallet.Address()
		params["network_id"] = s.bundle.Wallet.NetworkID()
	}
	return params
}

func cloneParams(params map[string]any) map[string]any {
	cloned := make(map[string]any, len(params))
	for key, value := range params {
		cloned[key] = value
	}
	return cloned
}

// toResultMap 把任意工具结果转换为可落库的键值结构。
func toResultMap(result any) map[string]any {
	if result == nil {
		return map[string]any{}
	}
	if m, ok := result.(map[string]any); ok {
		return m
	}
	encoded, err := json.Marshal(result)
	if err == nil {
		var decoded map[string]any
		if err := json.Unmarshal(encoded, &decoded); err == nil {
			return decoded
		}
	}
	return map[string]any{"value": fmt.Sprintf("%v", result)}
}
