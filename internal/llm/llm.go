package llm

import (
	"context"
	"encoding/json"
)

// Role 标识一条消息的来源。
type Role string

const (
	RoleSystem    Role = "system"
	RoleHuman     Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message 是推理循环中流转的统一消息结构。
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
}

// ToolCall 表示大模型发起的一次工具调用请求。
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolDefinition 描述可供大模型调用的工具及其参数 schema。
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// Request 描述发送给大模型的对话上下文。
type Request struct {
	Messages []Message
	Tools    []ToolDefinition
}

// Response 是大模型一次推理的输出。当 Message.ToolCalls 非空时，
// 调用方需要先执行工具并把结果追加到上下文后再次推理。
type Response struct {
	Message Message
}

// Client 定义了调用大模型的统一接口。
type Client interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}
