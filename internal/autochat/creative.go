package autochat

import (
	"strings"
)

// 创作策略追踪的四类目标动作。
const (
	actionPriceCheck      = "price_check"
	actionWalletCheck     = "wallet_check"
	actionWebSearch       = "web_search"
	actionTokenDeployment = "token_deployment"
)

const creativeMaxIterations = 5

// CreativeStrategy 围绕一组目标动作推进自主会话：
// 通过回复内容中的工具名片段判断哪些动作已完成，
// 每轮只催促剩余任务，全部完成后产出一条总结提示并停止。
type CreativeStrategy struct{}

// NewCreativeStrategy 创建创作策略。
func NewCreativeStrategy() *CreativeStrategy {
	return &CreativeStrategy{}
}

func (s *CreativeStrategy) Name() string { return "creative" }

func (s *CreativeStrategy) NewContext(conversationID, seed string) *Context {
	ctx := newBaseContext(conversationID, seed)
	ctx.MaxIterations = creativeMaxIterations
	ctx.CompletedActions = make(map[string]bool)
	return ctx
}

func (s *CreativeStrategy) GenerateMessage(ctx *Context) string {
	if ctx.IterationCount == 0 {
		return ctx.OriginalMessage
	}
	if len(ctx.History) == 0 {
		return ctx.OriginalMessage
	}

	// 从最近一条回复的内容片段推断已完成的动作。
	// 这里沿用宽松的子串匹配，保持与既有行为兼容。
	lastContent := ctx.History[len(ctx.History)-1].Content
	if strings.Contains(lastContent, "get_token_price") {
		ctx.CompletedActions[actionPriceCheck] = true
	}
	if strings.Contains(lastContent, "wallet") {
		ctx.CompletedActions[actionWalletCheck] = true
	}
	if strings.Contains(lastContent, "search_web") {
		ctx.CompletedActions[actionWebSearch] = true
	}
	if strings.Contains(lastContent, "deploy_token") {
		ctx.CompletedActions[actionTokenDeployment] = true
	}

	var remaining []string
	if !ctx.CompletedActions[actionPriceCheck] {
		remaining = append(remaining, "Get the latest price using get_token_price")
	}
	if !ctx.CompletedActions[actionWalletCheck] {
		remaining = append(remaining, "Check wallet details and request funds if needed")
	}
	if !ctx.CompletedActions[actionWebSearch] {
		remaining = append(remaining, "Search for relevant information using search_web")
	}
	if !ctx.CompletedActions[actionTokenDeployment] {
		remaining = append(remaining, "Deploy a new token using deploy_token")
	}

	if len(remaining) > 0 {
		var sb strings.Builder
		sb.WriteString("Following up on the previous step, let's continue with the next tasks:\n")
		for _, task := range remaining {
			sb.WriteString("- ")
			sb.WriteString(task)
			sb.WriteString("\n")
		}
		sb.WriteString("\nPlease execute the next appropriate action and explain your progress.")
		return sb.String()
	}

	// 全部动作已完成，产出唯一的总结提示并停止。
	ctx.Stopped = true
	return "Great! All requested actions have been completed. Let me summarize what we've done."
}

func (s *CreativeStrategy) ProcessResponse(ctx *Context, turns []Turn) {
	appendLastTurn(ctx, turns)
}

func (s *CreativeStrategy) ShouldContinue(ctx *Context) bool {
	return !ctx.Stopped && ctx.IterationCount < ctx.MaxIterations
}

func (s *CreativeStrategy) Stop(ctx *Context) {
	ctx.Stopped = true
}
