package parser

import "strings"

// Stream 增量解析器：对不断增长的输入产出已定型的内容块
// Stream is the incremental parser. Feed appends a chunk and returns the
// blocks finalized by that chunk; Pending exposes at most one in-flight
// tool-call block with Partial=true. Finish flushes whatever remains as plain
// text, so an unterminated tool region is degraded rather than dropped.
type Stream struct {
	buf      string
	finished bool
}

func NewStream() *Stream {
	return &Stream{}
}

// Feed appends chunk to the internal buffer and returns newly finalized
// blocks in order. Text preceding a tool call is finalized together with the
// tool call so that each text segment becomes exactly one block.
func (s *Stream) Feed(chunk string) []ContentBlock {
	if s.finished {
		return nil
	}
	s.buf += chunk
	return s.drain()
}

// Pending returns the current in-flight tool-call block, or nil when the
// buffer tail is plain text. The returned block carries Partial=true and
// reflects every parameter closed so far plus the one still streaming.
func (s *Stream) Pending() *ContentBlock {
	if s.finished {
		return nil
	}
	m := openTagPattern.FindStringSubmatchIndex(s.buf)
	if m == nil {
		return nil
	}
	name := s.buf[m[2]:m[3]]
	body := s.buf[m[1]:]
	block := ContentBlock{Kind: BlockToolCall, ToolName: name, Partial: true}
	params, trailing := parseParams(body)
	block.Params = params
	if trailing != nil {
		block.Params = append(block.Params, *trailing)
	}
	return &block
}

// Finish flushes the remaining buffer. Any unclosed tool region becomes one
// plain-text block; no data is lost. The stream accepts no input afterwards.
func (s *Stream) Finish() []ContentBlock {
	if s.finished {
		return nil
	}
	s.finished = true
	blocks := s.drain()
	if s.buf != "" {
		blocks = append(blocks, ContentBlock{Kind: BlockText, Text: s.buf})
		s.buf = ""
	}
	return blocks
}

// drain consumes every complete tool region from the front of the buffer.
// The buffer left behind is either plain text still growing or an open tool
// region awaiting its closing tag.
func (s *Stream) drain() []ContentBlock {
	var blocks []ContentBlock
	for {
		m := openTagPattern.FindStringSubmatchIndex(s.buf)
		if m == nil {
			return blocks
		}
		name := s.buf[m[2]:m[3]]
		closing := "</" + name + ">"
		end := strings.Index(s.buf[m[1]:], closing)
		if end < 0 {
			// Tool region still open; hold everything from the tag onwards.
			return blocks
		}

		before := s.buf[:m[0]]
		inner := s.buf[m[1] : m[1]+end]
		s.buf = s.buf[m[1]+end+len(closing):]

		if before != "" {
			blocks = append(blocks, ContentBlock{Kind: BlockText, Text: before})
		}
		blocks = append(blocks, s.finalizeRegion(name, inner)...)
	}
}

// finalizeRegion turns one closed tag region into blocks. The <tool_call>
// wrapper form goes through recovery parsing; when recovery fails the raw
// region is preserved as text.
func (s *Stream) finalizeRegion(name, inner string) []ContentBlock {
	if name == "tool_call" {
		if block, ok := recoverToolCall(inner); ok {
			return []ContentBlock{block}
		}
		raw := "<tool_call>" + inner + "</tool_call>"
		return []ContentBlock{{Kind: BlockText, Text: raw}}
	}

	block := ContentBlock{Kind: BlockToolCall, ToolName: name}
	params, _ := parseParams(inner)
	block.Params = params
	return []ContentBlock{block}
}
