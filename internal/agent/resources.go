package agent

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"

	xerrors "DeFiAgent-Chain/internal/errors"
	"DeFiAgent-Chain/internal/llm"
	"DeFiAgent-Chain/internal/toolkit"
	"DeFiAgent-Chain/internal/wallet"
	"DeFiAgent-Chain/pkg/logger"
)

// ResourceBundle 聚合单个智能体的全部运行时资源。
// 每个智能体同一时刻至多存在一份，由 ResourceCache 独占管理。
type ResourceBundle struct {
	AgentID string
	Wallet  *wallet.Wallet
	Tools   *toolkit.Registry
	Client  llm.Client
}

// BundleOverride 对既有资源束做字段级覆盖，nil 字段保持原值。
type BundleOverride struct {
	Wallet *wallet.Wallet
	Tools  *toolkit.Registry
	Client llm.Client
}

// BundleFactory 为指定智能体构建资源束。
type BundleFactory func(ctx context.Context, agentID string) (*ResourceBundle, error)

// ResourceCache 按智能体标识缓存资源束。
// 并发的首次创建会合并为一次工厂调用，创建失败不会污染缓存。
type ResourceCache struct {
	factory BundleFactory

	mu      sync.RWMutex
	group   singleflight.Group
	bundles map[string]*ResourceBundle
}

// NewResourceCache 创建资源缓存。factory 为默认工厂，可被调用时覆盖。
func NewResourceCache(factory BundleFactory) *ResourceCache {
	return &ResourceCache{
		factory: factory,
		bundles: make(map[string]*ResourceBundle),
	}
}

// GetOrCreate 返回智能体的资源束，不存在时用工厂创建。
// 已存在的资源束原样返回，传入的工厂不会被调用。
func (c *ResourceCache) GetOrCreate(ctx context.Context, agentID string, factory BundleFactory) (*ResourceBundle, error) {
	if agentID == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "智能体标识不能为空")
	}

	c.mu.RLock()
	bundle, ok := c.bundles[agentID]
	c.mu.RUnlock()
	if ok {
		return bundle, nil
	}

	result, err, _ := c.group.Do(agentID, func() (any, error) {
		c.mu.RLock()
		existing, ok := c.bundles[agentID]
		c.mu.RUnlock()
		if ok {
			return existing, nil
		}

		build := factory
		if build == nil {
			build = c.factory
		}
		if build == nil {
			return nil, xerrors.New(xerrors.CodeConfiguration, "资源缓存缺少构建工厂")
		}
		bundle, err := build(ctx, agentID)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeResourceInit, err, "初始化智能体资源失败")
		}
		if bundle == nil {
			return nil, xerrors.New(xerrors.CodeResourceInit, "资源工厂返回空结果")
		}
		bundle.AgentID = agentID

		c.mu.Lock()
		c.bundles[agentID] = bundle
		c.mu.Unlock()
		logger.L().Info("agent resource bundle initialized", "agent_id", agentID)
		return bundle, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*ResourceBundle), nil
}

// Get 返回已存在的资源束。
func (c *ResourceCache) Get(agentID string) (*ResourceBundle, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	bundle, ok := c.bundles[agentID]
	return bundle, ok
}

// ApplyOverride 对既有资源束做字段级覆盖，只替换非 nil 字段。
func (c *ResourceCache) ApplyOverride(agentID string, override BundleOverride) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	bundle, ok := c.bundles[agentID]
	if !ok {
		return false
	}
	if override.Wallet != nil {
		bundle.Wallet = override.Wallet
	}
	if override.Tools != nil {
		bundle.Tools = override.Tools
	}
	if override.Client != nil {
		bundle.Client = override.Client
	}
	return true
}

// Invalidate 移除智能体的资源束，下次访问时重新创建。
func (c *ResourceCache) Invalidate(agentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.bundles, agentID)
}
