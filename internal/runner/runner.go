// Package runner drives vendor agent backends for single queries and streams
// their raw messages back to the owning session. Runners never see the
// reducer or the event bus; they produce raw vendor messages only.
package runner

import (
	"context"
	"encoding/json"
)

// Exit statuses for Result.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// RawSink receives each raw vendor message in arrival order.
type RawSink func(raw json.RawMessage)

// Usage aggregates token and cost accounting reported for one query.
type Usage struct {
	InputTokens  int64   `json:"inputTokens"`
	OutputTokens int64   `json:"outputTokens"`
	CostUSD      float64 `json:"costUsd,omitempty"`
}

// Result describes how a query ended.
type Result struct {
	ExitStatus string `json:"exitStatus"`
	DurationMs int64  `json:"durationMs"`
	Usage      *Usage `json:"usage,omitempty"`
}

// SpawnOptions carries session state a driver threads into a fresh runner.
type SpawnOptions struct {
	// VendorSessionID resumes the backend's own conversation after an
	// unload or environment recycle. Empty starts a new one.
	VendorSessionID string
}

// Runner executes queries against one vendor backend on behalf of a session.
type Runner interface {
	// Run executes a single query. Every raw message is handed to sink in
	// arrival order before Run returns.
	Run(ctx context.Context, prompt string, sink RawSink) (*Result, error)

	// Cancel interrupts the in-flight query. Best-effort; a pending Run
	// returns promptly.
	Cancel()
}
