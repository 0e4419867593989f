package store

import (
	"context"
	"time"

	xerrors "DeFiAgent-Chain/internal/errors"
)

// MessageType 标识一条会话消息的来源。
type MessageType string

const (
	MessageHuman  MessageType = "human"
	MessageAI     MessageType = "ai"
	MessageTool   MessageType = "tool"
	MessageSystem MessageType = "system"
)

// Message 是会话日志中的一条追加记录。创建后内容不再变更。
type Message struct {
	ID             string         `json:"id"`
	AgentID        string         `json:"agent_id"`
	Type           MessageType    `json:"type"`
	Content        string         `json:"content"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	ParentID       string         `json:"parent_id,omitempty"`
	ConversationID string         `json:"conversation_id"`
	CreatedAt      time.Time      `json:"created_at"`
}

// ActionStatus 表示动作记录在生命周期中的状态。
type ActionStatus string

const (
	ActionPending   ActionStatus = "pending"
	ActionCompleted ActionStatus = "completed"
	ActionError     ActionStatus = "error"
)

// ActionRecord 是一次工具调用或对话轮次的审计记录。
// 记录以 pending 创建，且只发生一次到 completed 或 error 的迁移。
type ActionRecord struct {
	ID           string         `json:"id"`
	AgentID      string         `json:"agent_id"`
	ActionType   string         `json:"action_type"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	Result       map[string]any `json:"result,omitempty"`
	Status       ActionStatus   `json:"status"`
	ErrorMessage string         `json:"error_message,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// WalletRecord 保存钱包的可重建配置，刷新采用最后写入者获胜。
type WalletRecord struct {
	AgentID       string    `json:"agent_id"`
	WalletID      string    `json:"wallet_id"`
	NetworkID     string    `json:"network_id"`
	Address       string    `json:"address"`
	Configuration []byte    `json:"configuration"`
	UpdatedAt     time.Time `json:"updated_at"`
}

var (
	// ErrMessageNotFound 表示指定的消息不存在。
	ErrMessageNotFound = xerrors.New(xerrors.CodeNotFound, "message not found")
	// ErrActionNotFound 表示指定的动作记录不存在。
	ErrActionNotFound = xerrors.New(xerrors.CodeNotFound, "action record not found")
	// ErrActionFinalized 表示动作记录已处于终态，不允许再次迁移。
	ErrActionFinalized = xerrors.New(xerrors.CodeConflict, "action record already finalized")
	// ErrWalletNotFound 表示智能体还没有持久化的钱包配置。
	ErrWalletNotFound = xerrors.New(xerrors.CodeNotFound, "wallet record not found")
)

// MessageStore 抽象会话日志的追加与查询。
type MessageStore interface {
	AppendMessage(ctx context.Context, msg *Message) error
	ListConversation(ctx context.Context, conversationID string, limit int) ([]*Message, error)
}

// ActionStore 抽象动作记录的生命周期管理。
type ActionStore interface {
	CreateAction(ctx context.Context, record *ActionRecord) error
	CompleteAction(ctx context.Context, id string, result map[string]any) error
	FailAction(ctx context.Context, id string, errorMessage string) error
	GetAction(ctx context.Context, id string) (*ActionRecord, error)
	ListActions(ctx context.Context, agentID string, limit int) ([]*ActionRecord, error)
}

// WalletStore 抽象钱包配置的读写。SaveWallet 是幂等的 upsert。
type WalletStore interface {
	SaveWallet(ctx context.Context, record *WalletRecord) error
	GetWallet(ctx context.Context, agentID string) (*WalletRecord, error)
}

// Store 聚合全部持久化能力。
type Store interface {
	MessageStore
	ActionStore
	WalletStore
	Close() error
}

func cloneMap(values map[string]any) map[string]any {
	if values == nil {
		return nil
	}
	cloned := make(map[string]any, len(values))
	for key, value := range values {
		cloned[key] = value
	}
	return cloned
}
