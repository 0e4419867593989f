package autochat

// defaultPrompt 是默认策略的固定提示词。
const defaultPrompt = "Be creative and do something interesting on the blockchain. " +
	"Choose an action or set of actions and execute it that highlights your abilities."

// DefaultStrategy 用固定提示词驱动的最简策略，没有迭代上限，
// 只有被外部停止才会结束。
type DefaultStrategy struct{}

func (s *DefaultStrategy) Name() string { return "default" }

func (s *DefaultStrategy) NewContext(conversationID, seed string) *Context {
	return newBaseContext(conversationID, seed)
}

func (s *DefaultStrategy) GenerateMessage(ctx *Context) string {
	if ctx.IterationCount == 0 && ctx.OriginalMessage != "" {
		return ctx.OriginalMessage
	}
	return defaultPrompt
}

func (s *DefaultStrategy) ProcessResponse(ctx *Context, turns []Turn) {
	appendLastTurn(ctx, turns)
}

func (s *DefaultStrategy) ShouldContinue(ctx *Context) bool {
	return !ctx.Stopped
}

func (s *DefaultStrategy) Stop(ctx *Context) {
	ctx.Stopped = true
}
