// Package api exposes the REST surface for driving agents: single-action
// execution, synchronous chat, NDJSON-streamed chat and auto-chat loops, and
// read access to conversations and action audit records.
package api
