package toolkit

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	xerrors "DeFiAgent-Chain/internal/errors"
	"DeFiAgent-Chain/internal/llm"
	"DeFiAgent-Chain/internal/observability/metrics"
)

// Handler 执行一个具名工具。参数在调用前已补充智能体上下文字段。
type Handler func(ctx context.Context, params map[string]any) (any, error)

// Tool 描述一个可供大模型调用的具名能力。
type Tool struct {
	Name        string
	Description string
	Schema      json.RawMessage
	Handler     Handler
}

// Description 是对外暴露的工具描述，用于 get_available_actions。
type Description struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"schema,omitempty"`
}

// Registry 管理一组具名工具。注册后只读，可安全并发访问。
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
}

// NewRegistry 创建空的工具注册表。
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register 注册一个工具。重名注册返回冲突错误。
func (r *Registry) Register(tool *Tool) error {
	if tool == nil || tool.Name == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "工具名称不能为空")
	}
	if tool.Handler == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("工具 %s 缺少执行函数", tool.Name))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[tool.Name]; exists {
		return xerrors.New(xerrors.CodeConflict, fmt.Sprintf("工具 %s 已注册", tool.Name))
	}
	r.tools[tool.Name] = tool
	return nil
}

// Get 返回指定名称的工具。
func (r *Registry) Get(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Invoke 执行指定工具并返回结果。
func (r *Registry) Invoke(ctx context.Context, name string, params map[string]any) (any, error) {
	tool, ok := r.Get(name)
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("工具 %s 不存在", name))
	}
	result, err := tool.Handler(ctx, params)
	metrics.ObserveToolInvocation(name, err != nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeExecution, err, fmt.Sprintf("工具 %s 执行失败", name))
	}
	return result, nil
}

// Describe 返回全部工具的描述，按名称排序。
func (r *Registry) Describe() []Description {
	r.mu.RLock()
	defer r.mu.RUnlock()

	descriptions := make([]Description, 0, len(r.tools))
	for _, tool := range r.tools {
		descriptions = append(descriptions, Description{
			Name:        tool.Name,
			Description: tool.Description,
			Schema:      tool.Schema,
		})
	}
	sort.Slice(descriptions, func(i, j int) bool {
		return descriptions[i].Name < descriptions[j].Name
	})
	return descriptions
}

// Definitions 以大模型工具定义的形式返回全部工具。
func (r *Registry) Definitions() []llm.ToolDefinition {
	descriptions := r.Describe()
	definitions := make([]llm.ToolDefinition, 0, len(descriptions))
	for _, desc := range descriptions {
		definitions = append(definitions, llm.ToolDefinition{
			Name:        desc.Name,
			Description: desc.Description,
			Parameters:  desc.Schema,
		})
	}
	return definitions
}
