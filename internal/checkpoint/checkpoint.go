// Package checkpoint durably snapshots conversation state so a session can
// be restored after a crash or handed to another process.
package checkpoint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"substrate/internal/chat"
	"substrate/internal/tokenizer"
)

// Version of the on-disk checkpoint format.
const Version = 1

// idMessageWindow is how many trailing messages feed the identity hash.
const idMessageWindow = 3

// Stats summarizes a snapshot's conversation.
type Stats struct {
	MessageCount    int `json:"message_count"`
	ToolExecutions  int `json:"tool_executions"`
	ThinkingBlocks  int `json:"thinking_blocks"`
	EstimatedTokens int `json:"estimated_tokens"`
}

// Checkpoint 一次会话状态快照
// Checkpoint is one durable snapshot. The ID is derived from the trailing
// messages and creation time, so no central counter is needed.
type Checkpoint struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
	Messages    []chat.Message    `json:"messages"`
	Context     map[string]string `json:"context,omitempty"`
	Stats       Stats             `json:"stats"`
	Version     int               `json:"version"`
}

// New builds a checkpoint over messages, computing its identity and stats.
func New(name, description string, messages []chat.Message, context map[string]string) Checkpoint {
	now := time.Now()
	return Checkpoint{
		ID:          identity(messages, now),
		Name:        name,
		Description: description,
		Timestamp:   now,
		Messages:    messages,
		Context:     context,
		Stats:       computeStats(messages),
		Version:     Version,
	}
}

// identity hashes the serialized trailing messages together with the
// creation instant; the first 16 hex characters are the checkpoint id.
func identity(messages []chat.Message, at time.Time) string {
	tail := messages
	if len(tail) > idMessageWindow {
		tail = tail[len(tail)-idMessageWindow:]
	}
	payload, err := json.Marshal(tail)
	if err != nil {
		payload = []byte(fmt.Sprintf("%d messages", len(messages)))
	}
	h := sha256.New()
	h.Write(payload)
	h.Write([]byte(strconv.FormatInt(at.UnixNano(), 10)))
	return hex.EncodeToString(h.Sum(nil))[:16]
}

func computeStats(messages []chat.Message) Stats {
	stats := Stats{MessageCount: len(messages)}
	for _, msg := range messages {
		stats.ToolExecutions += len(msg.ToolCalls)
		if msg.Reasoning != "" {
			stats.ThinkingBlocks++
		}
	}
	stats.EstimatedTokens = tokenizer.Default().Count(messages)
	return stats
}
