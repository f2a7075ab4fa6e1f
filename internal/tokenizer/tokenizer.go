// Package tokenizer estimates token usage for conversation snapshots.
package tokenizer

import (
	"sync"

	tiktoken "github.com/pkoukk/tiktoken-go"

	"substrate/internal/chat"
)

// Tokenizer token 计数器，支持 tiktoken 和启发式回退
// Tokenizer counts tokens with tiktoken, falling back to a character
// heuristic when the encoding is unavailable (offline, no BPE cache).
type Tokenizer struct {
	encoder  *tiktoken.Tiktoken
	fallback bool
	mu       sync.RWMutex
}

var (
	defaultTokenizer     *Tokenizer
	defaultTokenizerOnce sync.Once
)

// Default returns the shared tokenizer instance.
func Default() *Tokenizer {
	defaultTokenizerOnce.Do(func() {
		defaultTokenizer = New("cl100k_base")
	})
	return defaultTokenizer
}

// New creates a tokenizer for the given encoding.
func New(encodingName string) *Tokenizer {
	t := &Tokenizer{}
	enc, err := tiktoken.GetEncoding(encodingName)
	if err != nil {
		t.fallback = true
		return t
	}
	t.encoder = enc
	return t
}

// Count 计算消息列表的总 token 数
// Count returns the total token count for a message list.
func (t *Tokenizer) Count(messages []chat.Message) int {
	total := 0
	for _, msg := range messages {
		total += t.countMessage(msg)
	}
	return total
}

// CountText counts tokens for a single text string.
func (t *Tokenizer) CountText(text string) int {
	if text == "" {
		return 0
	}
	if t.fallback {
		return heuristicTokenCount(text)
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.encoder.Encode(text, nil, nil))
}

// IsPrecise reports whether tiktoken counting is in effect.
func (t *Tokenizer) IsPrecise() bool {
	return !t.fallback
}

func (t *Tokenizer) countMessage(msg chat.Message) int {
	// OpenAI 消息结构开销约 4 token
	// ~4 tokens of per-message structural overhead
	tokens := 4
	tokens += t.CountText(msg.Content)
	tokens += t.CountText(msg.Role)
	if msg.Name != "" {
		tokens += t.CountText(msg.Name)
		tokens++
	}
	if msg.Reasoning != "" {
		tokens += t.CountText(msg.Reasoning)
	}
	for _, tc := range msg.ToolCalls {
		tokens += t.CountText(tc.Function.Name)
		tokens += t.CountText(tc.Function.Arguments)
		tokens += 8 // tool call 结构开销 / tool call structure overhead
	}
	return tokens
}

// heuristicTokenCount 启发式 token 估算
// heuristicTokenCount estimates tokens from character classes: CJK runs
// about 1.5 tokens per character, ASCII about 4 characters per token.
func heuristicTokenCount(text string) int {
	cjk := 0
	ascii := 0
	for _, r := range text {
		if isCJK(r) {
			cjk++
		} else {
			ascii++
		}
	}
	estimate := int(float64(cjk)*1.5 + float64(ascii)*0.25)
	if estimate < 1 {
		estimate = 1
	}
	return estimate
}

func isCJK(r rune) bool {
	return (r >= 0x4E00 && r <= 0x9FFF) ||
		(r >= 0x3400 && r <= 0x4DBF) ||
		(r >= 0x3000 && r <= 0x303F) ||
		(r >= 0xFF00 && r <= 0xFFEF) ||
		(r >= 0xAC00 && r <= 0xD7AF)
}
