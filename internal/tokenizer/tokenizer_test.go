package tokenizer

import (
	"testing"

	"substrate/internal/chat"
)

func TestCountTextNeverZeroForContent(t *testing.T) {
	tk := New("cl100k_base")
	if tk.CountText("") != 0 {
		t.Fatal("empty text must count zero")
	}
	if tk.CountText("hello world") == 0 {
		t.Fatal("non-empty text must count at least one token")
	}
}

func TestCountMessagesIncludesStructure(t *testing.T) {
	tk := New("cl100k_base")
	messages := []chat.Message{
		{Role: "user", Content: "read the main file"},
		{Role: "assistant", ToolCalls: []chat.ToolCall{{
			Function: chat.ToolCallFunction{Name: "read_file", Arguments: `{"path":"main.go"}`},
		}}},
	}
	total := tk.Count(messages)
	if total <= tk.CountText("read the main file") {
		t.Fatalf("total %d misses structural overhead", total)
	}
}

func TestHeuristicFallback(t *testing.T) {
	tk := New("no-such-encoding")
	if tk.IsPrecise() {
		t.Fatal("unknown encoding should fall back to heuristic")
	}
	english := tk.CountText("package main")
	if english < 1 {
		t.Fatalf("estimate=%d", english)
	}
	// CJK text weighs heavier per rune than ASCII.
	if tk.CountText("读取文件内容") <= tk.CountText("abcdef") {
		t.Fatal("CJK estimate should exceed equal-length ASCII")
	}
}
