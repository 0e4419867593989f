package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"DeFiAgent-Chain/internal/agent"
	"DeFiAgent-Chain/internal/api"
	"DeFiAgent-Chain/internal/config"
	"DeFiAgent-Chain/internal/dispatch"
	"DeFiAgent-Chain/internal/knowledge"
	"DeFiAgent-Chain/internal/llm"
	"DeFiAgent-Chain/internal/llm/openai"
	"DeFiAgent-Chain/internal/observability/alerting"
	"DeFiAgent-Chain/internal/observability/metrics"
	"DeFiAgent-Chain/internal/store"
	"DeFiAgent-Chain/internal/toolkit"
	"DeFiAgent-Chain/internal/wallet"
	"DeFiAgent-Chain/internal/web3"
	"DeFiAgent-Chain/internal/web3/ethereum"
	"DeFiAgent-Chain/pkg/logger"
	"DeFiAgent-Chain/pkg/plugin"
)

// main 是 DeFi 智能体守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("agentd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("AGENTD_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "agentd.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit:       logger.AuditConfig{Path: cfg.Logging.AuditPath},
	}); err != nil {
		return err
	}
	defer logger.Close()

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	// 持久化层
	var st store.Store
	switch cfg.Storage.Driver {
	case "", "memory":
		st = store.NewMemoryStore()
	case "mysql":
		mysqlStore, err := store.NewMySQLStore(ctx, store.MySQLConfig{
			DSN:             cfg.Storage.DSN,
			MaxOpenConns:    cfg.Storage.MaxOpenConns,
			MaxIdleConns:    cfg.Storage.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.Storage.ConnMaxLifetime) * time.Second,
		})
		if err != nil {
			return err
		}
		st = mysqlStore
	default:
		return fmt.Errorf("未知的存储驱动: %s", cfg.Storage.Driver)
	}
	defer st.Close()

	llmClient, err := createLLMClient(cfg)
	if err != nil {
		return err
	}

	chainClient, err := createChainClient(ctx, cfg)
	if err != nil {
		return err
	}
	if chainClient != nil {
		defer chainClient.Close()
	}

	// 调度队列
	queue, err := createQueue(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := queue.Close(); err != nil {
			logger.L().Warn("关闭调度队列失败", "error", err)
		}
	}()

	prices := createPriceSource(cfg, queue)
	search, err := createSearcher(cfg)
	if err != nil {
		return err
	}

	passphrase := cfg.WalletPassphrase()
	if passphrase == "" {
		return errors.New("钱包口令未配置，请设置 wallet.passphrase 或对应环境变量")
	}
	wallets, err := wallet.NewProvider(passphrase)
	if err != nil {
		return err
	}

	knowledgeProvider, err := createKnowledge(cfg)
	if err != nil {
		return err
	}

	plugins, extraTools, err := createPlugins(ctx, cfg)
	if err != nil {
		return err
	}
	if plugins != nil {
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := plugins.StopAll(stopCtx); err != nil {
				logger.L().Warn("停止插件失败", "error", err)
			}
		}()
	}

	manager, err := agent.NewManager(agent.ManagerConfig{
		Store:            st,
		Client:           llmClient,
		Chain:            chainClient,
		Prices:           prices,
		Search:           search,
		Wallets:          wallets,
		NetworkID:        cfg.Web3.DefaultNetwork,
		MaxToolSteps:     cfg.Chat.MaxToolSteps,
		MemoryDepth:      cfg.Chat.MemoryDepth,
		AutoChatInterval: cfg.AutoChatInterval(),
		Knowledge:        knowledgeProvider,
		ExtraTools:       extraTools,
	})
	if err != nil {
		return err
	}

	workerOpts := []dispatch.WorkerOption{dispatch.WithWorkerCount(cfg.Dispatch.Workers)}
	if alerter := createAlerter(cfg); alerter != nil {
		workerOpts = append(workerOpts, dispatch.WithAlertDispatcher(alerter))
	}
	worker := dispatch.NewWorker(manager, queue, workerOpts...)
	workerCtx, workerCancel := context.WithCancel(ctx)
	defer workerCancel()
	go func() {
		if err := worker.Start(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.L().Error("动作调度器异常退出", "error", err)
		}
	}()

	if cfg.Server.MetricsAddress != "" {
		go func() {
			if err := metrics.StartServer(ctx, cfg.Server.MetricsAddress); err != nil && !errors.Is(err, context.Canceled) {
				logger.L().Error("指标服务异常退出", "error", err)
			}
		}()
	}

	server := api.NewServer(cfg.Server.Address, manager, st)
	logger.L().Info("agentd started", "address", cfg.Server.Address,
		"storage", cfg.Storage.Driver, "dispatch", cfg.Dispatch.Driver)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func createLLMClient(cfg *config.Config) (llm.Client, error) {
	switch cfg.LLM.Provider {
	case "", "openai":
		apiKey := strings.TrimSpace(cfg.LLMAPIKey())
		if apiKey == "" {
			return nil, errors.New("OpenAI provider 需要配置 api_key 或 api_key_env")
		}
		return openai.NewClient(openai.Config{
			APIKey:  apiKey,
			BaseURL: cfg.LLM.BaseURL,
			Model:   cfg.LLM.Model,
			Timeout: cfg.LLMTimeout(),
		})
	default:
		return nil, fmt.Errorf("未知的大模型 provider: %s", cfg.LLM.Provider)
	}
}

// createChainClient 按配置建立默认网络的链上客户端，未配置网络时返回 nil。
func createChainClient(ctx context.Context, cfg *config.Config) (web3.Client, error) {
	definitions, err := web3.LoadNetworkDefinitions(cfg.Web3.NetworksPath)
	if err != nil {
		return nil, err
	}
	definition, ok := definitions.Networks[cfg.Web3.DefaultNetwork]
	if !ok {
		logger.L().Warn("默认网络未定义，链上工具不可用", "network", cfg.Web3.DefaultNetwork)
		return nil, nil
	}
	return ethereum.NewClient(ctx, ethereum.Config{
		Name:   cfg.Web3.DefaultNetwork,
		RPCURL: definition.RPCURL,
		Notes:  definition.Description,
	})
}

func createQueue(cfg *config.Config) (dispatch.Queue, error) {
	switch cfg.Dispatch.Driver {
	case "", "memory":
		return dispatch.NewMemoryQueue(1024), nil
	case "redis":
		return dispatch.NewRedisQueue(dispatch.RedisQueueConfig{
			Address:  cfg.Dispatch.Redis.Address,
			Password: cfg.Dispatch.Redis.Password,
			DB:       cfg.Dispatch.Redis.DB,
			Queue:    cfg.Dispatch.Queue,
		})
	case "rabbitmq":
		return dispatch.NewRabbitMQQueue(dispatch.RabbitMQConfig{
			URL:        cfg.Dispatch.RabbitMQ.URL,
			Queue:      cfg.Dispatch.RabbitMQ.Queue,
			Prefetch:   cfg.Dispatch.RabbitMQ.Prefetch,
			Durable:    cfg.Dispatch.RabbitMQ.Durable,
			AutoDelete: cfg.Dispatch.RabbitMQ.AutoDelete,
		})
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.Dispatch.Driver)
	}
}

// createPriceSource 构建行情来源，有 Redis 时加一层 TTL 缓存。
func createPriceSource(cfg *config.Config, queue dispatch.Queue) toolkit.PriceSource {
	if cfg.Tools.PriceFeedURL == "" {
		return nil
	}
	feed, err := toolkit.NewPriceFeedClient(toolkit.PriceFeedConfig{BaseURL: cfg.Tools.PriceFeedURL})
	if err != nil {
		logger.L().Warn("行情客户端初始化失败，价格工具不可用", "error", err)
		return nil
	}

	ttl := time.Duration(cfg.Tools.PriceCacheTTL) * time.Second
	if redisQueue, ok := queue.(*dispatch.RedisQueue); ok {
		return toolkit.NewCachedPriceSource(feed, redisQueue.Client(), ttl)
	}
	if cfg.Tools.Redis.Address != "" {
		return toolkit.NewCachedPriceSource(feed, toolkit.NewRedisClient(toolkit.RedisOptions{
			Address:  cfg.Tools.Redis.Address,
			Password: cfg.Tools.Redis.Password,
			DB:       cfg.Tools.Redis.DB,
		}), ttl)
	}
	return feed
}

// createKnowledge 加载静态知识库，未配置时返回 nil。
func createKnowledge(cfg *config.Config) (knowledge.Provider, error) {
	if cfg.Knowledge.Source == "" {
		return nil, nil
	}
	provider, err := knowledge.LoadStaticProvider(cfg.Knowledge.Source, cfg.Knowledge.MaxResults)
	if err != nil {
		return nil, err
	}
	logger.L().Info("知识库已加载", "source", cfg.Knowledge.Source)
	return provider, nil
}

// createPlugins 加载并启动工具插件，将插件导出的工具转换为注册表可用的形式。
func createPlugins(ctx context.Context, cfg *config.Config) (*plugin.Manager, []*toolkit.Tool, error) {
	if cfg.Plugins.ConfigPath == "" {
		return nil, nil, nil
	}

	pluginCfg, err := plugin.LoadManagerConfig(cfg.Plugins.ConfigPath)
	if err != nil {
		return nil, nil, err
	}
	manager, err := plugin.NewManager(pluginCfg)
	if err != nil {
		return nil, nil, err
	}
	if err := manager.StartAll(ctx); err != nil {
		return nil, nil, err
	}

	specs := manager.Tools()
	tools := make([]*toolkit.Tool, 0, len(specs))
	for _, spec := range specs {
		tools = append(tools, &toolkit.Tool{
			Name:        spec.Name,
			Description: spec.Description,
			Schema:      spec.Schema,
			Handler:     toolkit.Handler(spec.Invoke),
		})
	}
	logger.L().Info("插件工具已加载", "count", len(tools))
	return manager, tools, nil
}

// createAlerter 构建告警分发器，未配置任何渠道时返回 nil。
func createAlerter(cfg *config.Config) alerting.Dispatcher {
	var notifiers []alerting.Notifier
	if cfg.Alerting.DingTalkWebhook != "" {
		notifiers = append(notifiers, &alerting.DingTalkNotifier{
			Sender: alerting.NewWebhookSender(cfg.Alerting.DingTalkWebhook),
		})
	}
	if len(notifiers) == 0 {
		return nil
	}
	return alerting.NewFanout(notifiers...)
}

func createSearcher(cfg *config.Config) (toolkit.Searcher, error) {
	if cfg.Tools.SearchURL == "" {
		return nil, nil
	}
	return toolkit.NewSearchClient(toolkit.SearchConfig{
		BaseURL:    cfg.Tools.SearchURL,
		APIKey:     cfg.Tools.SearchAPIKey,
		MaxResults: cfg.Tools.SearchMaxResults,
	})
}
