// Package converter translates raw runtime messages into session events.
// Each supported architecture has its own stateful converter; instances are
// per-session and not safe for concurrent use.
package converter

import (
	"encoding/json"
	"fmt"

	"github.com/agenthost/agenthost/internal/common/logger"
	"github.com/agenthost/agenthost/internal/conversation"
	"github.com/agenthost/agenthost/internal/errdefs"
)

// Supported runtime architectures.
const (
	ArchClaudeSDK = "claude-sdk"
	ArchOpenCode  = "opencode"
)

// Converter turns one raw vendor message into zero or more session events.
//
// ParseEvent must emit block:upsert before any block:delta for the same
// block, subagent:spawned before any block inside that subagent, and
// subagent:completed exactly once per subagent. Unknown vendor message
// types yield a single log event.
type Converter interface {
	ParseEvent(raw json.RawMessage) ([]conversation.SessionEvent, error)

	// RegisterPromptEcho records the prompt of the query about to run and
	// returns the canonical block id for its user message. When the runtime
	// echoes that prompt back, the converter upserts the existing block
	// instead of appending a duplicate.
	RegisterPromptEcho(prompt string) string

	// Reset clears per-turn scratch state. Subagent bookkeeping and the
	// prompt cache survive across turns.
	Reset()
}

// Options configures a converter instance.
type Options struct {
	SessionID string

	// PromptCacheSize bounds the subagent prompt table. Zero uses the
	// default of 100 entries.
	PromptCacheSize int

	Logger *logger.Logger
}

// DefaultPromptCacheSize bounds the subagent prompt filter table.
const DefaultPromptCacheSize = 100

// New returns the converter for the given architecture.
func New(architecture string, opts Options) (Converter, error) {
	if opts.Logger == nil {
		opts.Logger = logger.Default()
	}
	if opts.PromptCacheSize <= 0 {
		opts.PromptCacheSize = DefaultPromptCacheSize
	}
	switch architecture {
	case ArchClaudeSDK:
		return newClaudeSDK(opts), nil
	case ArchOpenCode:
		return newOpenCode(opts), nil
	default:
		return nil, errdefs.New(errdefs.CodeProtocolError, "unsupported architecture %q", architecture)
	}
}

// idAllocator hands out deterministic block ids for vendor messages that
// carry none. Allocation order is a function of the raw message sequence,
// which keeps live and replayed states identical.
type idAllocator struct {
	n int
}

func (a *idAllocator) next() string {
	a.n++
	return fmt.Sprintf("blk_%d", a.n)
}
