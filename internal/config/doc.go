// Package config provides centralized configuration management for the agent
// daemon. A single JSON file describes the persistence layer, the language
// model provider, blockchain networks, tool backends and the dispatch queue;
// unset fields fall back to development-friendly defaults.
package config
