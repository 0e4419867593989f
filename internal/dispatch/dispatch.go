package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	xerrors "DeFiAgent-Chain/internal/errors"
)

// Request 描述一次待异步执行的智能体动作。
type Request struct {
	AgentID    string         `json:"agent_id"`
	ActionType string         `json:"action_type"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// Encode 把请求序列化为队列载荷。
func (r Request) Encode() (string, error) {
	if r.AgentID == "" || r.ActionType == "" {
		return "", xerrors.New(xerrors.CodeValidation, "动作请求缺少智能体标识或动作类型")
	}
	encoded, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("序列化动作请求失败: %w", err)
	}
	return string(encoded), nil
}

// DecodeRequest 解析队列载荷。
func DecodeRequest(payload string) (Request, error) {
	var req Request
	if err := json.Unmarshal([]byte(payload), &req); err != nil {
		return Request{}, xerrors.Wrap(xerrors.CodeParse, err, "解析动作请求失败")
	}
	if req.AgentID == "" || req.ActionType == "" {
		return Request{}, xerrors.New(xerrors.CodeValidation, "动作请求缺少智能体标识或动作类型")
	}
	return req, nil
}

// Handler 处理一条队列载荷。
type Handler func(ctx context.Context, payload string) error

// Producer 负责向队列投递动作请求。
type Producer interface {
	Publish(ctx context.Context, payload string) error
	Close() error
}

// Consumer 负责从队列中消费动作请求。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}
