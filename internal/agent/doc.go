// Package agent composes wallets, tools, the language model and the
// conversation log into per-agent services. A process-wide resource cache
// guarantees at most one live resource bundle per agent, and the manager
// hands out one service instance per agent with single-flight
// initialization. Services expose single-action execution, synchronous and
// streaming chat, and the strategy-driven autonomous chat loop.
package agent
