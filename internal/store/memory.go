package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore 在内存中保存全部记录，用于开发与测试。
type MemoryStore struct {
	mu       sync.RWMutex
	messages []*Message
	actions  map[string]*ActionRecord
	wallets  map[string]*WalletRecord
	lastAt   map[string]time.Time
}

// NewMemoryStore 创建内存存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		actions: make(map[string]*ActionRecord),
		wallets: make(map[string]*WalletRecord),
		lastAt:  make(map[string]time.Time),
	}
}

// AppendMessage 追加一条消息。同一会话内 created_at 单调不减。
func (m *MemoryStore) AppendMessage(_ context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	now := time.Now()
	if last, ok := m.lastAt[msg.ConversationID]; ok && now.Before(last) {
		now = last
	}
	msg.CreatedAt = now
	m.lastAt[msg.ConversationID] = now

	stored := *msg
	stored.Metadata = cloneMap(msg.Metadata)
	m.messages = append(m.messages, &stored)
	return nil
}

// ListConversation 按追加顺序返回一个会话内的消息。
func (m *MemoryStore) ListConversation(_ context.Context, conversationID string, limit int) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var results []*Message
	for _, msg := range m.messages {
		if msg.ConversationID != conversationID {
			continue
		}
		copied := *msg
		copied.Metadata = cloneMap(msg.Metadata)
		results = append(results, &copied)
	}
	if limit > 0 && len(results) > limit {
		results = results[len(results)-limit:]
	}
	return results, nil
}

// CreateAction 以 pending 状态落库一条动作记录。
func (m *MemoryStore) CreateAction(_ context.Context, record *ActionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	now := time.Now()
	record.Status = ActionPending
	record.CreatedAt = now
	record.UpdatedAt = now

	stored := *record
	stored.Parameters = cloneMap(record.Parameters)
	m.actions[record.ID] = &stored
	return nil
}

// CompleteAction 将动作记录迁移到 completed。仅允许一次终态迁移。
func (m *MemoryStore) CompleteAction(_ context.Context, id string, result map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	record, ok := m.actions[id]
	if !ok {
		return ErrActionNotFound
	}
	if record.Status != ActionPending {
		return ErrActionFinalized
	}
	record.Status = ActionCompleted
	record.Result = cloneMap(result)
	record.UpdatedAt = time.Now()
	return nil
}

// FailAction 将动作记录迁移到 error。仅允许一次终态迁移。
func (m *MemoryStore) FailAction(_ context.Context, id string, errorMessage string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	record, ok := m.actions[id]
	if !ok {
		return ErrActionNotFound
	}
	if record.Status != ActionPending {
		return ErrActionFinalized
	}
	record.Status = ActionError
	record.ErrorMessage = errorMessage
	record.UpdatedAt = time.Now()
	return nil
}

// GetAction 返回指定的动作记录。
func (m *MemoryStore) GetAction(_ context.Context, id string) (*ActionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	record, ok := m.actions[id]
	if !ok {
		return nil, ErrActionNotFound
	}
	copied := *record
	copied.Parameters = cloneMap(record.Parameters)
	copied.Result = cloneMap(record.Result)
	return &copied, nil
}

// ListActions 按创建时间顺序返回智能体的动作记录。
func (m *MemoryStore) ListActions(_ context.Context, agentID string, limit int) ([]*ActionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var results []*ActionRecord
	for _, record := range m.actions {
		if record.AgentID != agentID {
			continue
		}
		copied := *record
		copied.Parameters = cloneMap(record.Parameters)
		copied.Result = cloneMap(record.Result)
		results = append(results, &copied)
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].CreatedAt.Before(results[j].CreatedAt)
	})
	if limit > 0 && len(results) > limit {
		results = results[len(results)-limit:]
	}
	return results, nil
}

// SaveWallet 写入或覆盖钱包配置，最后写入者获胜。
func (m *MemoryStore) SaveWallet(_ context.Context, record *WalletRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := *record
	stored.Configuration = append([]byte(nil), record.Configuration...)
	stored.UpdatedAt = time.Now()
	m.wallets[record.AgentID] = &stored
	return nil
}

// GetWallet 返回指定智能体的钱包配置。
func (m *MemoryStore) GetWallet(_ context.Context, agentID string) (*WalletRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	record, ok := m.wallets[agentID]
	if !ok {
		return nil, ErrWalletNotFound
	}
	copied := *record
	copied.Configuration = append([]byte(nil), record.Configuration...)
	return &copied, nil
}

// Close 实现 Store 接口，对内存存储是空操作。
func (m *MemoryStore) Close() error {
	return nil
}
