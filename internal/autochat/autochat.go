package autochat

import (
	"sort"
	"time"

	"DeFiAgent-Chain/pkg/logger"
)

// TurnType 标识一次交互轮次中单条消息的来源。
type TurnType string

const (
	TurnAI   TurnType = "ai"
	TurnTool TurnType = "tool"
)

// Turn 是自动会话循环中观察到的一条消息。
type Turn struct {
	Type    TurnType `json:"type"`
	Content string   `json:"content"`
}

// MarketData 是策略从工具输出中累积的行情快照。
// Prices 按代币标识分组，内层键形如 usd、usd_24h_change。
type MarketData struct {
	Prices    map[string]map[string]float64 `json:"prices"`
	Timestamp time.Time                     `json:"timestamp"`
	Formatted string                        `json:"formatted"`
}

// Position 记录策略检测到的最近一次交易动作。
type Position struct {
	Action    string         `json:"action"`
	Details   map[string]any `json:"details"`
	Timestamp time.Time      `json:"timestamp"`
}

// Context 承载一次自动会话运行的全部可变状态。
// 每次运行开始时重建，运行结束即丢弃，只有会话消息本身落库。
type Context struct {
	ConversationID  string
	OriginalMessage string
	LastMessageID   string
	IterationCount  int
	MaxIterations   int
	History         []Turn

	// 创作策略状态
	CompletedActions map[string]bool

	// 交易策略状态
	MonitoredTokens []string
	MarketData      *MarketData
	Position        *Position
	LastTradeCheck  time.Time

	Stopped bool
}

// Strategy 是自动会话的决策引擎：
// 生成下一条提示、消化执行结果、并决定是否继续循环。
type Strategy interface {
	Name() string
	// NewContext 为一次运行构建初始状态。
	NewContext(conversationID, seed string) *Context
	// GenerateMessage 产出下一条待执行的提示。
	// 首次调用（IterationCount 为 0）必须原样返回种子消息。
	GenerateMessage(ctx *Context) string
	// ProcessResponse 消化一轮执行产出的全部消息。
	// 解析失败只记日志，绝不破坏已累积的状态。
	ProcessResponse(ctx *Context, turns []Turn)
	// ShouldContinue 在每轮 ProcessResponse 之后被询问。
	ShouldContinue(ctx *Context) bool
	// Stop 把运行置为终止态。
	Stop(ctx *Context)
}

// 内置策略注册表。
var builtin = map[string]func() Strategy{
	"default":  func() Strategy { return &DefaultStrategy{} },
	"creative": func() Strategy { return NewCreativeStrategy() },
	"trading":  func() Strategy { return NewTradingStrategy() },
}

// New 按名称创建策略实例。未知名称回退到默认策略。
func New(name string) Strategy {
	if factory, ok := builtin[name]; ok {
		return factory()
	}
	if name != "" {
		logger.L().Warn("unknown auto-chat strategy, falling back to default", "strategy", name)
	}
	return builtin["default"]()
}

// Names 返回全部内置策略名称，按字典序排列。
func Names() []string {
	names := make([]string, 0, len(builtin))
	for name := range builtin {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func newBaseContext(conversationID, seed string) *Context {
	return &Context{
		ConversationID:  conversationID,
		OriginalMessage: seed,
	}
}

// appendLastTurn 把一轮执行的最后一条消息记入历史。
func appendLastTurn(ctx *Context, turns []Turn) {
	if len(turns) == 0 {
		return
	}
	ctx.History = append(ctx.History, turns[len(turns)-1])
}
