package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	xerrors "DeFiAgent-Chain/internal/errors"
	"DeFiAgent-Chain/internal/knowledge"
	"DeFiAgent-Chain/internal/llm"
	"DeFiAgent-Chain/internal/store"
	"DeFiAgent-Chain/internal/toolkit"
	"DeFiAgent-Chain/pkg/logger"
)

// ChunkType 标识流式输出片段的类别。
type ChunkType string

const (
	ChunkAI    ChunkType = "ai"
	ChunkTool  ChunkType = "tool"
	ChunkError ChunkType = "error"
)

// Chunk 是一次流式会话中产出的单个片段。
type Chunk struct {
	Type           ChunkType `json:"type"`
	Content        string    `json:"content"`
	ToolName       string    `json:"tool_name,omitempty"`
	MessageID      string    `json:"message_id,omitempty"`
	ConversationID string    `json:"conversation_id"`
}

// Result 是一次同步会话的最终结果。
type Result struct {
	Response       string `json:"response"`
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id"`
	Steps          int    `json:"steps"`
}

// ExecutorConfig 配置会话执行器。
type ExecutorConfig struct {
	AgentID      string
	Client       llm.Client
	Tools        *toolkit.Registry
	Messages     store.MessageStore
	SystemPrompt string
	// Knowledge 可选，命中的知识条目会以系统消息注入提示词。
	Knowledge    knowledge.Provider
	MaxToolSteps int
	MemoryDepth  int
	// BaseParams 在每次工具调用前并入参数，
	// 携带 agent_id、wallet_id、wallet_address、network_id 等上下文。
	BaseParams map[string]any
}

// Executor 驱动单个智能体的多轮会话：
// 调用大模型、执行工具调用、落库会话消息，直到产出最终回复。
type Executor struct {
	agentID      string
	client       llm.Client
	tools        *toolkit.Registry
	messages     store.MessageStore
	systemPrompt string
	knowledge    knowledge.Provider
	maxToolSteps int
	memoryDepth  int
	baseParams   map[string]any

	mu            sync.Mutex
	initialized   bool
	conversations map[string]*conversationMemory
}

// conversationMemory 是单个会话的内存检查点：
// 保存可直接喂给大模型的消息序列与最近一条落库消息的标识。
// 会话日志只写不读，多轮状态完全由检查点承载。
type conversationMemory struct {
	transcript []llm.Message
	lastID     string
}

// NewExecutor 创建会话执行器。
func NewExecutor(cfg ExecutorConfig) (*Executor, error) {
	if cfg.AgentID == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "智能体标识不能为空")
	}
	if cfg.Client == nil {
		return nil, xerrors.New(xerrors.CodeConfiguration, "会话执行器缺少大模型客户端")
	}
	if cfg.Messages == nil {
		return nil, xerrors.New(xerrors.CodeConfiguration, "会话执行器缺少消息存储")
	}
	tools := cfg.Tools
	if tools == nil {
		tools = toolkit.NewRegistry()
	}
	maxToolSteps := cfg.MaxToolSteps
	if maxToolSteps <= 0 {
		maxToolSteps = 8
	}
	memoryDepth := cfg.MemoryDepth
	if memoryDepth <= 0 {
		memoryDepth = 20
	}
	baseParams := make(map[string]any, len(cfg.BaseParams))
	for key, value := range cfg.BaseParams {
		baseParams[key] = value
	}
	return &Executor{
		agentID:      cfg.AgentID,
		client:       cfg.Client,
		tools:        tools,
		messages:     cfg.Messages,
		systemPrompt: cfg.SystemPrompt,
		knowledge:    cfg.Knowledge,
		maxToolSteps: maxToolSteps,
		memoryDepth:  memoryDepth,
		baseParams:   baseParams,
	}, nil
}

// Initialize 建立会话记忆检查点，可重复调用，仅首次生效。
func (e *Executor) Initialize(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.initialized {
		return nil
	}
	e.conversations = make(map[string]*conversationMemory)
	e.initialized = true
	logger.L().Debug("chat executor initialized", "agent_id", e.agentID)
	return nil
}

// RunSync 同步执行一轮会话，返回归一化后的最终回复。
// 实际推理在独立协程中进行，调用方上下文取消时立即返回。
func (e *Executor) RunSync(ctx context.Context, conversationID, message string) (*Result, error) {
	type outcome struct {
		result *Result
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := e.run(ctx, conversationID, message, nil)
		done <- outcome{result: result, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case out := <-done:
		return out.result, out.err
	}
}

// RunStream 流式执行一轮会话，每个推理步骤产出一个片段。
// 通道在会话结束后关闭；出错时产出一个 error 片段后结束。
func (e *Executor) RunStream(ctx context.Context, conversationID, message string) <-chan Chunk {
	out := make(chan Chunk)
	go func() {
		defer close(out)
		emit := func(chunk Chunk) bool {
			select {
			case out <- chunk:
				return true
			case <-ctx.Done():
				return false
			}
		}
		if _, err := e.run(ctx, conversationID, message, emit); err != nil {
			emit(Chunk{Type: ChunkError, Content: err.Error(), ConversationID: conversationID})
		}
	}()
	return out
}

// run 执行推理循环：调用大模型，执行工具调用并把结果回填到会话，
// 直到模型给出不含工具调用的最终回复或达到步数上限。
func (e *Executor) run(ctx context.Context, conversationID, message string, emit func(Chunk) bool) (*Result, error) {
	if err := e.Initialize(ctx); err != nil {
		return nil, err
	}
	if conversationID == "" {
		id, err := uuid.NewRandom()
		if err != nil {
			return nil, fmt.Errorf("生成会话标识失败: %w", err)
		}
		conversationID = id.String()
	}

	history, lastID := e.checkpoint(conversationID)

	humanMsg := &store.Message{
		AgentID:        e.agentID,
		Type:           store.MessageHuman,
		Content:        message,
		ConversationID: conversationID,
		ParentID:       lastID,
	}
	if err := e.messages.AppendMessage(ctx, humanMsg); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入用户消息失败")
	}
	e.noteMessage(conversationID, humanMsg.ID)
	parentID := humanMsg.ID

	humanTurn := llm.Message{Role: llm.RoleHuman, Content: message}
	turn := []llm.Message{humanTurn}

	request := make([]llm.Message, 0, len(history)+3)
	if e.systemPrompt != "" {
		request = append(request, llm.Message{Role: llm.RoleSystem, Content: e.systemPrompt})
	}
	request = append(request, history...)
	if supplement := e.knowledgeSupplement(message); supplement != "" {
		request = append(request, llm.Message{Role: llm.RoleSystem, Content: supplement})
	}
	request = append(request, humanTurn)

	for step := 1; step <= e.maxToolSteps; step++ {
		resp, err := e.client.Complete(ctx, llm.Request{
			Messages: request,
			Tools:    e.tools.Definitions(),
		})
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeExecution, err, "大模型调用失败")
		}
		assistant := resp.Message

		if len(assistant.ToolCalls) == 0 {
			text := normalizeResponse(assistant, request)
			aiMsg := &store.Message{
				AgentID:        e.agentID,
				Type:           store.MessageAI,
				Content:        text,
				ConversationID: conversationID,
				ParentID:       parentID,
			}
			if err := e.messages.AppendMessage(ctx, aiMsg); err != nil {
				return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入回复消息失败")
			}
			turn = append(turn, llm.Message{Role: llm.RoleAssistant, Content: text})
			e.commit(conversationID, history, turn, aiMsg.ID)
			if emit != nil {
				emit(Chunk{
					Type:           ChunkAI,
					Content:        text,
					MessageID:      aiMsg.ID,
					ConversationID: conversationID,
				})
			}
			return &Result{
				Response:       text,
				MessageID:      aiMsg.ID,
				ConversationID: conversationID,
				Steps:          step,
			}, nil
		}

		request = append(request, assistant)
		turn = append(turn, assistant)
		parentID, err = e.executeToolCalls(ctx, conversationID, parentID, assistant, &request, &turn, emit)
		if err != nil {
			return nil, err
		}
	}

	return nil, xerrors.New(xerrors.CodeExecution,
		fmt.Sprintf("达到工具调用步数上限 %d 仍未得到最终回复", e.maxToolSteps))
}

// executeToolCalls 执行助手消息携带的全部工具调用并落库结果。
// 单个工具失败以失败结果回填会话，不中断整轮推理。
func (e *Executor) executeToolCalls(ctx context.Context, conversationID, parentID string, assistant llm.Message, request, turn *[]llm.Message, emit func(Chunk) bool) (string, error) {
	for _, call := range assistant.ToolCalls {
		params := map[string]any{}
		if len(call.Arguments) > 0 {
			if err := json.Unmarshal(call.Arguments, &params); err != nil {
				logger.L().Warn("tool arguments are not valid JSON",
					"agent_id", e.agentID, "tool", call.Name, "error", err)
				params = map[string]any{}
			}
		}
		for key, value := range e.baseParams {
			params[key] = value
		}

		result, invokeErr := e.tools.Invoke(ctx, call.Name, params)
		content := toolkit.EnvelopeJSON(result, invokeErr)
		if invokeErr != nil {
			logger.L().Warn("tool invocation failed",
				"agent_id", e.agentID, "tool", call.Name, "error", invokeErr)
		}

		toolMsg := &store.Message{
			AgentID:        e.agentID,
			Type:           store.MessageTool,
			Content:        content,
			ConversationID: conversationID,
			ParentID:       parentID,
			Metadata: map[string]any{
				"tool_name":    call.Name,
				"tool_call_id": call.ID,
			},
		}
		if err := e.messages.AppendMessage(ctx, toolMsg); err != nil {
			return "", xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入工具消息失败")
		}
		e.noteMessage(conversationID, toolMsg.ID)
		parentID = toolMsg.ID

		toolTurn := llm.Message{
			Role:       llm.RoleTool,
			Content:    content,
			ToolCallID: call.ID,
			Name:       call.Name,
		}
		*request = append(*request, toolTurn)
		*turn = append(*turn, toolTurn)
		if emit != nil {
			emit(Chunk{
				Type:           ChunkTool,
				Content:        content,
				ToolName:       call.Name,
				MessageID:      toolMsg.ID,
				ConversationID: conversationID,
			})
		}
	}
	return parentID, nil
}

// checkpoint 返回指定会话检查点的副本，会话尚无检查点时返回空历史。
func (e *Executor) checkpoint(conversationID string) ([]llm.Message, string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	mem, ok := e.conversations[conversationID]
	if !ok {
		return nil, ""
	}
	transcript := make([]llm.Message, len(mem.transcript))
	copy(transcript, mem.transcript)
	return transcript, mem.lastID
}

// noteMessage 记录会话内最近一条落库消息，供下一轮的父消息链使用。
func (e *Executor) noteMessage(conversationID, messageID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	mem, ok := e.conversations[conversationID]
	if !ok {
		mem = &conversationMemory{}
		e.conversations[conversationID] = mem
	}
	mem.lastID = messageID
}

// commit 在一轮推理成功后覆盖会话检查点。失败的轮次不提交，
// 检查点里不会留下没有最终回复的残缺轮次；并发轮次以后写者为准。
func (e *Executor) commit(conversationID string, history, turn []llm.Message, lastID string) {
	transcript := append(history, turn...)
	transcript = trimTranscript(transcript, e.memoryDepth)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.conversations[conversationID] = &conversationMemory{transcript: transcript, lastID: lastID}
}

// trimTranscript 从最旧的消息开始裁剪到深度上限。
// 工具消息必须紧跟携带 tool_calls 的助手消息，裁掉助手消息时一并裁掉其工具回执。
func trimTranscript(transcript []llm.Message, depth int) []llm.Message {
	for len(transcript) > depth {
		transcript = transcript[1:]
		for len(transcript) > 0 && transcript[0].Role == llm.RoleTool {
			transcript = transcript[1:]
		}
	}
	return transcript
}

// knowledgeSupplement 检索与消息相关的知识条目并拼装为补充提示词。
func (e *Executor) knowledgeSupplement(message string) string {
	if e.knowledge == nil {
		return ""
	}
	snippets := e.knowledge.Query(message, "")
	if len(snippets) == 0 {
		return ""
	}
	var builder strings.Builder
	builder.WriteString("Reference knowledge:")
	for _, snippet := range snippets {
		builder.WriteString(fmt.Sprintf("\n- %s: %s", snippet.Title, snippet.Content))
	}
	return builder.String()
}

// normalizeResponse 把模型输出归一化为纯文本：
// 优先用最终回复正文，其次回溯最近一条助手消息，最后退化为序列化文本。
func normalizeResponse(final llm.Message, transcript []llm.Message) string {
	if final.Content != "" {
		return final.Content
	}
	for i := len(transcript) - 1; i >= 0; i-- {
		if transcript[i].Role == llm.RoleAssistant && transcript[i].Content != "" {
			return transcript[i].Content
		}
	}
	encoded, err := json.Marshal(final)
	if err != nil {
		return fmt.Sprintf("%v", final)
	}
	return string(encoded)
}
