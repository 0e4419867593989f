package autochat

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"DeFiAgent-Chain/pkg/logger"
)

// TradingStrategy 持续监控一组代币：
// 每轮提示模型检查余额、拉取行情并给出进出场决策，
// 同时从工具输出中解析价格快照与成交记录。没有迭代上限。
type TradingStrategy struct{}

// NewTradingStrategy 创建交易策略。
func NewTradingStrategy() *TradingStrategy {
	return &TradingStrategy{}
}

func (s *TradingStrategy) Name() string { return "trading" }

func (s *TradingStrategy) NewContext(conversationID, seed string) *Context {
	ctx := newBaseContext(conversationID, seed)
	ctx.MonitoredTokens = []string{"ethereum", "bitcoin"}
	return ctx
}

func (s *TradingStrategy) GenerateMessage(ctx *Context) string {
	if ctx.IterationCount == 0 && ctx.OriginalMessage != "" {
		return ctx.OriginalMessage
	}
	tokenList := strings.Join(ctx.MonitoredTokens, ",")
	return "Let's analyze our trading position and current market conditions.\n" +
		"1. Check our wallet balance\n" +
		"2. Get current prices for " + tokenList + " using get_token_price action\n" +
		"3. Based on the price data and our current position, decide to:\n" +
		"   a. Enter a new position\n" +
		"   b. Exit current position\n" +
		"   c. Hold current position\n" +
		"Explain your reasoning and execute any necessary actions."
}

// ProcessResponse 从工具消息中累积行情与成交信息。
// 单条消息解析失败直接跳过，不影响既有状态。
func (s *TradingStrategy) ProcessResponse(ctx *Context, turns []Turn) {
	now := time.Now()

	// 行情载荷按结构识别：成功信封且 data 是 代币→报价 的二层映射。
	prices := make(map[string]map[string]float64)
	for _, turn := range turns {
		if turn.Type != TurnTool {
			continue
		}
		var envelope struct {
			Success bool                          `json:"success"`
			Data    map[string]map[string]float64 `json:"data"`
		}
		if err := json.Unmarshal([]byte(turn.Content), &envelope); err != nil {
			continue
		}
		if envelope.Success && len(envelope.Data) > 0 {
			for token, quote := range envelope.Data {
				prices[token] = quote
			}
		}
	}

	if len(prices) > 0 {
		if ctx.MarketData == nil {
			ctx.MarketData = &MarketData{Prices: make(map[string]map[string]float64)}
		}
		for token, quote := range prices {
			ctx.MarketData.Prices[token] = quote
		}
		ctx.MarketData.Timestamp = now
		ctx.MarketData.Formatted = formatPriceData(ctx.MarketData.Prices)
		logger.L().Debug("trading strategy updated market data",
			"conversation_id", ctx.ConversationID, "formatted", ctx.MarketData.Formatted)
	}

	for _, turn := range turns {
		if turn.Type != TurnTool || !strings.Contains(turn.Content, "trade") {
			continue
		}
		var envelope struct {
			Success bool           `json:"success"`
			Data    map[string]any `json:"data"`
		}
		if err := json.Unmarshal([]byte(turn.Content), &envelope); err != nil {
			continue
		}
		if envelope.Success {
			ctx.Position = &Position{
				Action:    "trade",
				Details:   envelope.Data,
				Timestamp: now,
			}
			ctx.LastTradeCheck = now
		}
	}

	appendLastTurn(ctx, turns)
}

func (s *TradingStrategy) ShouldContinue(ctx *Context) bool {
	return !ctx.Stopped
}

func (s *TradingStrategy) Stop(ctx *Context) {
	ctx.Stopped = true
}

// formatPriceData 把行情快照渲染为可读文本，按代币名排序保证稳定输出。
func formatPriceData(prices map[string]map[string]float64) string {
	tokens := make([]string, 0, len(prices))
	for token := range prices {
		tokens = append(tokens, token)
	}
	sort.Strings(tokens)

	lines := make([]string, 0, len(tokens))
	for _, token := range tokens {
		quote := prices[token]
		lines = append(lines, fmt.Sprintf("%s: $%.2f (24h change: %+.2f%%)",
			titleCase(token), quote["usd"], quote["usd_24h_change"]))
	}
	return strings.Join(lines, "\n")
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
