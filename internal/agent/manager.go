package agent

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"DeFiAgent-Chain/internal/chat"
	xerrors "DeFiAgent-Chain/internal/errors"
	"DeFiAgent-Chain/internal/knowledge"
	"DeFiAgent-Chain/internal/llm"
	"DeFiAgent-Chain/internal/store"
	"DeFiAgent-Chain/internal/toolkit"
	"DeFiAgent-Chain/internal/wallet"
	"DeFiAgent-Chain/internal/web3"
	"DeFiAgent-Chain/pkg/logger"
)

// defaultSystemPrompt 是智能体的默认系统提示词。
const defaultSystemPrompt = "You are an autonomous DeFi agent. You hold a wallet on an EVM network " +
	"and can call tools to inspect balances, fetch token prices, search the web, deploy tokens " +
	"and submit trades. Always explain what you did."

// ManagerConfig 配置服务管理器。
type ManagerConfig struct {
	Store   store.Store
	Client  llm.Client
	Chain   web3.Client
	Prices  toolkit.PriceSource
	Search  toolkit.Searcher
	Wallets *wallet.Provider

	// ExtraTools 在内建工具之外追加注册，例如插件贡献的工具。
	ExtraTools []*toolkit.Tool
	// Knowledge 可选，匹配到的知识条目会注入系统提示词。
	Knowledge knowledge.Provider

	NetworkID        string
	SystemPrompt     string
	MaxToolSteps     int
	MemoryDepth      int
	AutoChatInterval time.Duration
}

// Manager 按智能体标识分发服务实例。
// 每个智能体的服务与资源束都是进程内单例，并发首次访问合并为一次初始化。
type Manager struct {
	cfg       ManagerConfig
	resources *ResourceCache

	mu       sync.RWMutex
	group    singleflight.Group
	services map[string]*Service
}

// NewManager 创建服务管理器。
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Store == nil {
		return nil, xerrors.New(xerrors.CodeConfiguration, "服务管理器缺少存储")
	}
	if cfg.Client == nil {
		return nil, xerrors.New(xerrors.CodeConfiguration, "服务管理器缺少大模型客户端")
	}
	if cfg.Wallets == nil {
		return nil, xerrors.New(xerrors.CodeConfiguration, "服务管理器缺少钱包能力")
	}
	if cfg.NetworkID == "" {
		cfg.NetworkID = "base-sepolia"
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = defaultSystemPrompt
	}
	if cfg.AutoChatInterval <= 0 {
		cfg.AutoChatInterval = 10 * time.Second
	}

	m := &Manager{
		cfg:      cfg,
		services: make(map[string]*Service),
	}
	m.resources = NewResourceCache(m.buildBundle)
	return m, nil
}

// Service 返回智能体的服务实例，首次访问时完成全部初始化。
// 初始化顺序固定：钱包 → 工具与大模型 → 会话执行器；
// 钱包初始化失败时整个操作中止。
func (m *Manager) Service(ctx context.Context, agentID string) (*Service, error) {
	if agentID == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "智能体标识不能为空")
	}

	m.mu.RLock()
	service, ok := m.services[agentID]
	m.mu.RUnlock()
	if ok {
		return service, nil
	}

	result, err, _ := m.group.Do(agentID, func() (any, error) {
		m.mu.RLock()
		existing, ok := m.services[agentID]
		m.mu.RUnlock()
		if ok {
			return existing, nil
		}

		bundle, err := m.resources.GetOrCreate(ctx, agentID, nil)
		if err != nil {
			return nil, err
		}

		service, err := m.buildService(bundle)
		if err != nil {
			return nil, err
		}

		m.mu.Lock()
		m.services[agentID] = service
		m.mu.Unlock()
		return service, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*Service), nil
}

// Resources 返回底层资源缓存。
func (m *Manager) Resources() *ResourceCache {
	return m.resources
}

// ExecuteAction 解析智能体服务并执行单个动作。
func (m *Manager) ExecuteAction(ctx context.Context, agentID, actionType string, params map[string]any) (map[string]any, error) {
	service, err := m.Service(ctx, agentID)
	if err != nil {
		return nil, err
	}
	return service.ExecuteAction(ctx, actionType, params)
}

// AvailableActions 返回指定智能体可调用的动作描述。
func (m *Manager) AvailableActions(ctx context.Context, agentID string) ([]toolkit.Description, error) {
	service, err := m.Service(ctx, agentID)
	if err != nil {
		return nil, err
	}
	return service.AvailableActions(), nil
}

// buildBundle 是默认的资源束工厂：
// 先恢复或创建钱包并落库，再装配工具注册表与大模型客户端。
func (m *Manager) buildBundle(ctx context.Context, agentID string) (*ResourceBundle, error) {
	w, err := m.loadOrCreateWallet(ctx, agentID)
	if err != nil {
		return nil, err
	}

	tools, err := toolkit.BuildRegistry(toolkit.Deps{
		Wallet: w,
		Chain:  m.cfg.Chain,
		Prices: m.cfg.Prices,
		Search: m.cfg.Search,
	})
	if err != nil {
		return nil, err
	}
	for _, tool := range m.cfg.ExtraTools {
		if err := tools.Register(tool); err != nil {
			return nil, err
		}
	}

	return &ResourceBundle{
		AgentID: agentID,
		Wallet:  w,
		Tools:   tools,
		Client:  m.cfg.Client,
	}, nil
}

// loadOrCreateWallet 恢复已落库的钱包，没有则新建并在返回前持久化。
func (m *Manager) loadOrCreateWallet(ctx context.Context, agentID string) (*wallet.Wallet, error) {
	record, err := m.cfg.Store.GetWallet(ctx, agentID)
	if err == nil {
		var state wallet.ExportedState
		if err := json.Unmarshal(record.Configuration, &state); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeResourceInit, err, "解析钱包配置失败")
		}
		w, err := m.cfg.Wallets.Import(state)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeResourceInit, err, "恢复钱包失败")
		}
		return w, nil
	}
	if !stdErrors.Is(err, store.ErrWalletNotFound) {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询钱包记录失败")
	}

	w, err := m.cfg.Wallets.Create(m.cfg.NetworkID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeResourceInit, err, "创建钱包失败")
	}
	state, err := m.cfg.Wallets.Export(w)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeResourceInit, err, "导出钱包失败")
	}
	configuration, err := json.Marshal(state)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeResourceInit, err, "编码钱包配置失败")
	}
	if err := m.cfg.Store.SaveWallet(ctx, &store.WalletRecord{
		AgentID:       agentID,
		WalletID:      w.ID(),
		NetworkID:     w.NetworkID(),
		Address:       w.Address(),
		Configuration: configuration,
	}); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "持久化钱包失败")
	}
	logger.L().Info("agent wallet created",
		"agent_id", agentID, "address", w.Address(), "network_id", w.NetworkID())
	return w, nil
}

// buildService 基于资源束装配服务实例。
func (m *Manager) buildService(bundle *ResourceBundle) (*Service, error) {
	baseParams := map[string]any{"agent_id": bundle.AgentID}
	if bundle.Wallet != nil {
		baseParams["wallet_id"] = bundle.Wallet.ID()
		baseParams["wallet_address"] = bundle.Wallet.Address()
		baseParams["network_id"] = bundle.Wallet.NetworkID()
	}

	executor, err := chat.NewExecutor(chat.ExecutorConfig{
		AgentID:      bundle.AgentID,
		Client:       bundle.Client,
		Tools:        bundle.Tools,
		Messages:     m.cfg.Store,
		SystemPrompt: m.cfg.SystemPrompt,
		Knowledge:    m.cfg.Knowledge,
		MaxToolSteps: m.cfg.MaxToolSteps,
		MemoryDepth:  m.cfg.MemoryDepth,
		BaseParams:   baseParams,
	})
	if err != nil {
		return nil, err
	}

	return &Service{
		agentID:  bundle.AgentID,
		bundle:   bundle,
		executor: executor,
		store:    m.cfg.Store,
		wallets:  m.cfg.Wallets,
		interval: m.cfg.AutoChatInterval,
	}, nil
}
