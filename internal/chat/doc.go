// Package chat drives multi-turn agent conversations against a language
// model. The executor persists every human, assistant and tool message,
// feeds tool results back into the transcript, and keeps looping until the
// model produces a final reply or the tool-step budget runs out. Both a
// synchronous entry point and a chunk-per-step streaming entry point are
// provided.
package chat
