// Package llm contains adapters and orchestration types for invoking large
// language models. It abstracts away provider-specific APIs behind a single
// Complete call that carries conversation messages and tool definitions, so
// the reasoning loop can stay provider agnostic.
package llm
