package parser

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestStreamFinalizesOnClosingDelimiter(t *testing.T) {
	s := NewStream()

	blocks := s.Feed("reading now <read_file><path>go.")
	if len(blocks) != 0 {
		t.Fatalf("premature blocks: %+v", blocks)
	}

	blocks = s.Feed("mod</path></read_file>")
	want := []ContentBlock{
		{Kind: BlockText, Text: "reading now "},
		{Kind: BlockToolCall, ToolName: "read_file", Params: []Param{{Key: "path", Value: "go.mod"}}},
	}
	if diff := cmp.Diff(want, blocks); diff != "" {
		t.Fatalf("blocks mismatch (-want +got):\n%s", diff)
	}
}

func TestStreamPendingReflectsInFlightBlock(t *testing.T) {
	s := NewStream()
	s.Feed("<write_file><path>a.txt</path><content>hel")

	pending := s.Pending()
	if pending == nil {
		t.Fatal("pending=nil while a tool region is open")
	}
	if !pending.Partial {
		t.Fatal("pending block must carry Partial=true")
	}
	if pending.ToolName != "write_file" {
		t.Fatalf("tool=%q", pending.ToolName)
	}
	if v, _ := pending.Param("path"); v != "a.txt" {
		t.Fatalf("path=%q", v)
	}
	if v, _ := pending.Param("content"); v != "hel" {
		t.Fatalf("in-flight param=%q", v)
	}
}

func TestStreamPendingNilForPlainText(t *testing.T) {
	s := NewStream()
	s.Feed("just words, no markup")
	if p := s.Pending(); p != nil {
		t.Fatalf("pending=%+v", p)
	}
}

func TestStreamFinishDegradesOpenRegionToText(t *testing.T) {
	s := NewStream()
	s.Feed("tail <execute_command><command>ls")

	blocks := s.Finish()
	if len(blocks) != 1 || blocks[0].Kind != BlockText {
		t.Fatalf("blocks=%+v", blocks)
	}
	if blocks[0].Text != "tail <execute_command><command>ls" {
		t.Fatalf("text=%q", blocks[0].Text)
	}
	if s.Pending() != nil {
		t.Fatal("pending after Finish")
	}
}

func TestStreamGrowingBufferYieldsSameBlocks(t *testing.T) {
	full := "a <list_files><path>.</path></list_files> b <read_file><path>x</path></read_file>"
	oneShot := Parse(full)

	s := NewStream()
	var streamed []ContentBlock
	for _, r := range full {
		streamed = append(streamed, s.Feed(string(r))...)
	}
	streamed = append(streamed, s.Finish()...)

	if diff := cmp.Diff(oneShot.Blocks, streamed); diff != "" {
		t.Fatalf("streaming diverges from one-shot (-oneshot +streamed):\n%s", diff)
	}
}

func TestStreamIgnoresInputAfterFinish(t *testing.T) {
	s := NewStream()
	s.Finish()
	if blocks := s.Feed("<read_file><path>a</path></read_file>"); blocks != nil {
		t.Fatalf("blocks=%+v", blocks)
	}
}
