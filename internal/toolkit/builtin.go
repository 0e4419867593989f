package toolkit

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/google/uuid"

	xerrors "DeFiAgent-Chain/internal/errors"
	"DeFiAgent-Chain/internal/wallet"
	"DeFiAgent-Chain/internal/web3"
)

// Deps 聚合内置工具运行所需的外部依赖。
type Deps struct {
	Wallet *wallet.Wallet
	Chain  web3.Client
	Prices PriceSource
	Search Searcher
}

// BuildRegistry 构建带有全部内置工具的注册表。
// 依赖缺失的工具会被跳过，不视为错误。
func BuildRegistry(deps Deps) (*Registry, error) {
	registry := NewRegistry()

	if deps.Wallet != nil {
		if err := registry.Register(walletDetailsTool(deps.Wallet)); err != nil {
			return nil, err
		}
	}
	if deps.Wallet != nil && deps.Chain != nil {
		if err := registry.Register(balanceTool(deps.Wallet, deps.Chain)); err != nil {
			return nil, err
		}
	}
	if deps.Prices != nil {
		if err := registry.Register(tokenPriceTool(deps.Prices)); err != nil {
			return nil, err
		}
	}
	if deps.Search != nil {
		if err := registry.Register(searchWebTool(deps.Search)); err != nil {
			return nil, err
		}
	}
	if err := registry.Register(deployTokenTool()); err != nil {
		return nil, err
	}
	if err := registry.Register(tradeTool()); err != nil {
		return nil, err
	}
	return registry, nil
}

func walletDetailsTool(w *wallet.Wallet) *Tool {
	return &Tool{
		Name:        "get_wallet_details",
		Description: "查询当前智能体钱包的地址与网络信息",
		Schema:      json.RawMessage(`{"type":"object","properties":{}}`),
		Handler: func(ctx context.Context, params map[string]any) (any, error) {
			return map[string]any{
				"wallet_id":  w.ID(),
				"address":    w.Address(),
				"network_id": w.NetworkID(),
			}, nil
		},
	}
}

func balanceTool(w *wallet.Wallet, chain web3.Client) *Tool {
	return &Tool{
		Name:        "get_balance",
		Description: "查询钱包地址的原生代币余额",
		Schema:      json.RawMessage(`{"type":"object","properties":{"address":{"type":"string","description":"可选，默认为当前钱包地址"}}}`),
		Handler: func(ctx context.Context, params map[string]any) (any, error) {
			address := stringParam(params, "address")
			if address == "" {
				address = w.Address()
			}
			balance, err := chain.Balance(ctx, address)
			if err != nil {
				return nil, err
			}
			return map[string]any{
				"address":     address,
				"balance_wei": balance.String(),
				"network_id":  w.NetworkID(),
			}, nil
		},
	}
}

func tokenPriceTool(prices PriceSource) *Tool {
	return &Tool{
		Name:        "get_token_price",
		Description: "查询代币当前价格与 24 小时涨跌幅",
		Schema: json.RawMessage(`{"type":"object","properties":{` +
			`"token":{"type":"string","description":"代币标识，例如 ethereum"},` +
			`"currency":{"type":"string","description":"计价货币，默认 usd"}},` +
			`"required":["token"]}`),
		Handler: func(ctx context.Context, params map[string]any) (any, error) {
			token := stringParam(params, "token")
			if token == "" {
				token = stringParam(params, "token_id")
			}
			price, err := prices.TokenPrice(ctx, token, stringParam(params, "currency"))
			if err != nil {
				return nil, err
			}
			// 按 代币→报价 的二层结构返回，便于下游直接按代币取值。
			return map[string]map[string]float64{
				price.Token: {
					price.Currency:                 price.Price,
					price.Currency + "_24h_change": price.Change24h,
				},
			}, nil
		},
	}
}

func searchWebTool(searcher Searcher) *Tool {
	return &Tool{
		Name:        "search_web",
		Description: "检索网页并返回按相关性排序的结果",
		Schema: json.RawMessage(`{"type":"object","properties":{` +
			`"query":{"type":"string","description":"搜索关键词"},` +
			`"max_results":{"type":"integer","description":"返回条数上限"}},` +
			`"required":["query"]}`),
		Handler: func(ctx context.Context, params map[string]any) (any, error) {
			results, err := searcher.Search(ctx, stringParam(params, "query"), intParam(params, "max_results"))
			if err != nil {
				return nil, err
			}
			return map[string]any{"results": results}, nil
		},
	}
}

func deployTokenTool() *Tool {
	return &Tool{
		Name:        "deploy_token",
		Description: "提交一次代币部署意向",
		Schema: json.RawMessage(`{"type":"object","properties":{` +
			`"name":{"type":"string"},` +
			`"symbol":{"type":"string"},` +
			`"initial_supply":{"type":"number"}},` +
			`"required":["name","symbol"]}`),
		Handler: func(ctx context.Context, params map[string]any) (any, error) {
			name := stringParam(params, "name")
			symbol := stringParam(params, "symbol")
			if name == "" || symbol == "" {
				return nil, xerrors.New(xerrors.CodeInvalidArgument, "代币名称与符号不能为空")
			}
			reference, err := uuid.NewRandom()
			if err != nil {
				return nil, fmt.Errorf("生成部署单号失败: %w", err)
			}
			return map[string]any{
				"reference":      reference.String(),
				"name":           name,
				"symbol":         symbol,
				"initial_supply": floatParam(params, "initial_supply"),
				"status":         "submitted",
			}, nil
		},
	}
}

func tradeTool() *Tool {
	return &Tool{
		Name:        "trade",
		Description: "提交一次代币兑换意向",
		Schema: json.RawMessage(`{"type":"object","properties":{` +
			`"from_token":{"type":"string"},` +
			`"to_token":{"type":"string"},` +
			`"amount":{"type":"number"}},` +
			`"required":["from_token","to_token","amount"]}`),
		Handler: func(ctx context.Context, params map[string]any) (any, error) {
			fromToken := stringParam(params, "from_token")
			toToken := stringParam(params, "to_token")
			amount := floatParam(params, "amount")
			if fromToken == "" || toToken == "" || amount <= 0 {
				return nil, xerrors.New(xerrors.CodeInvalidArgument, "兑换参数不完整")
			}
			tradeID, err := uuid.NewRandom()
			if err != nil {
				return nil, fmt.Errorf("生成兑换单号失败: %w", err)
			}
			return map[string]any{
				"trade_id":   tradeID.String(),
				"from_token": fromToken,
				"to_token":   toToken,
				"amount":     amount,
				"status":     "submitted",
			}, nil
		},
	}
}

func stringParam(params map[string]any, key string) string {
	if value, ok := params[key].(string); ok {
		return value
	}
	return ""
}

func intParam(params map[string]any, key string) int {
	switch value := params[key].(type) {
	case int:
		return value
	case float64:
		return int(value)
	case string:
		parsed, err := strconv.Atoi(value)
		if err == nil {
			return parsed
		}
	}
	return 0
}

func floatParam(params map[string]any, key string) float64 {
	switch value := params[key].(type) {
	case float64:
		return value
	case int:
		return float64(value)
	case string:
		parsed, err := strconv.ParseFloat(value, 64)
		if err == nil {
			return parsed
		}
	}
	return 0
}
