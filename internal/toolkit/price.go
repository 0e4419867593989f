package toolkit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "DeFiAgent-Chain/internal/errors"
)

// TokenPrice 描述单个代币的行情快照。
type TokenPrice struct {
	Token     string  `json:"token"`
	Currency  string  `json:"currency"`
	Price     float64 `json:"price"`
	Change24h float64 `json:"change_24h"`
}

// PriceSource 提供代币行情查询能力。
type PriceSource interface {
	TokenPrice(ctx context.Context, token, currency string) (*TokenPrice, error)
}

// PriceFeedConfig 配置行情客户端。
type PriceFeedConfig struct {
	BaseURL string
	Timeout time.Duration
}

// PriceFeedClient 通过 HTTP 行情接口查询代币价格。
type PriceFeedClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewPriceFeedClient 创建行情客户端。
func NewPriceFeedClient(cfg PriceFeedConfig) (*PriceFeedClient, error) {
	if cfg.BaseURL == "" {
		return nil, xerrors.New(xerrors.CodeConfiguration, "行情接口地址不能为空")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &PriceFeedClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// TokenPrice 查询指定代币相对计价货币的现价与 24 小时涨跌幅。
func (c *PriceFeedClient) TokenPrice(ctx context.Context, token, currency string) (*TokenPrice, error) {
	if token == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "代币标识不能为空")
	}
	if currency == "" {
		currency = "usd"
	}

	query := url.Values{}
	query.Set("ids", token)
	query.Set("vs_currencies", currency)
	query.Set("include_24hr_change", "true")
	endpoint := fmt.Sprintf("%s/simple/price?%s", c.baseURL, query.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("构建行情请求失败: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeExecution, err, "请求行情接口失败", xerrors.WithRetryable(true))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("读取行情响应失败: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, xerrors.New(xerrors.CodeExecution,
			fmt.Sprintf("行情接口返回状态码 %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	var payload map[string]map[string]float64
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeParse, err, "解析行情响应失败")
	}
	quote, ok := payload[token]
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("行情接口未返回代币 %s", token))
	}
	price, ok := quote[currency]
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("行情接口未返回 %s 计价", currency))
	}

	return &TokenPrice{
		Token:     token,
		Currency:  currency,
		Price:     price,
		Change24h: quote[currency+"_24h_change"],
	}, nil
}

// RedisOptions 描述行情缓存使用的 Redis 连接参数。
type RedisOptions struct {
	Address  string
	Password string
	DB       int
}

// NewRedisClient 创建行情缓存使用的 Redis 客户端。
func NewRedisClient(opts RedisOptions) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     opts.Address,
		Password: opts.Password,
		DB:       opts.DB,
	})
}

// priceCache 抽象行情缓存，便于在测试中替换 Redis。
type priceCache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

// redisPriceCache 基于 Redis 的行情缓存实现。
type redisPriceCache struct {
	client *redis.Client
}

func (c *redisPriceCache) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (c *redisPriceCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

// CachedPriceSource 在行情客户端外包一层 TTL 缓存，缓存故障时直接回源。
type CachedPriceSource struct {
	source PriceSource
	cache  priceCache
	ttl    time.Duration
}

// NewCachedPriceSource 用 Redis 缓存包装行情来源。
func NewCachedPriceSource(source PriceSource, client *redis.Client, ttl time.Duration) *CachedPriceSource {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &CachedPriceSource{source: source, cache: &redisPriceCache{client: client}, ttl: ttl}
}

// TokenPrice 优先读缓存，未命中时回源并写回。
func (s *CachedPriceSource) TokenPrice(ctx context.Context, token, currency string) (*TokenPrice, error) {
	if currency == "" {
		currency = "usd"
	}
	key := fmt.Sprintf("price:%s:%s", token, currency)

	if cached, ok, err := s.cache.Get(ctx, key); err == nil && ok {
		var price TokenPrice
		if err := json.Unmarshal([]byte(cached), &price); err == nil {
			return &price, nil
		}
	}

	price, err := s.source.TokenPrice(ctx, token, currency)
	if err != nil {
		return nil, err
	}
	if encoded, err := json.Marshal(price); err == nil {
		// 写缓存失败不影响查询结果。
		_ = s.cache.Set(ctx, key, string(encoded), s.ttl)
	}
	return price, nil
}
