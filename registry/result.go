package registry

import (
	"encoding/json"
	"fmt"

	"github.com/firebirdmcp/firebird-mcp-go/mcp"
)

// ResultKind discriminates the closed set of shapes a tool handler may
// return. The protocol layer pattern-matches on the kind instead of probing
// value shapes at runtime.
type ResultKind int

const (
	// KindOk is a successful result carrying content blocks.
	KindOk ResultKind = iota
	// KindFail is an explicit business-level failure. It is surfaced to the
	// client as a protocol error response, never as a bare result.
	KindFail
	// KindRaw is a pre-shaped result fragment the handler marshaled itself.
	KindRaw
)

// Result is the tagged variant returned by tool handlers.
type Result struct {
	kind       ResultKind
	content    []mcp.ContentBlock
	structured map[string]any
	raw        json.RawMessage
	failMsg    string
}

// Kind returns the variant tag.
func (r *Result) Kind() ResultKind { return r.kind }

// FailMessage returns the failure message for KindFail results.
func (r *Result) FailMessage() string { return r.failMsg }

// CallToolResult converts an Ok result into the wire shape. Content is never
// nil so clients always receive a well-formed content array.
func (r *Result) CallToolResult() *mcp.CallToolResult {
	content := r.content
	if content == nil {
		content = []mcp.ContentBlock{}
	}
	return &mcp.CallToolResult{Content: content, StructuredContent: r.structured}
}

// Raw returns the pre-shaped fragment for KindRaw results.
func (r *Result) Raw() json.RawMessage { return r.raw }

// Text builds a successful result with a single text block.
func Text(s string) *Result {
	return &Result{kind: KindOk, content: []mcp.ContentBlock{{Type: "text", Text: s}}}
}

// Textf builds a successful result from a format string.
func Textf(format string, a ...any) *Result {
	return Text(fmt.Sprintf(format, a...))
}

// JSON builds a successful result whose text block is the JSON encoding of v,
// mirrored into structuredContent when v is an object.
func JSON(v any) (*Result, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}
	res := Text(string(b))
	var m map[string]any
	if err := json.Unmarshal(b, &m); err == nil {
		res.structured = m
	}
	return res, nil
}

// Blocks builds a successful result from explicit content blocks.
func Blocks(blocks ...mcp.ContentBlock) *Result {
	return &Result{kind: KindOk, content: blocks}
}

// Failf builds an explicit failure result.
func Failf(format string, a ...any) *Result {
	return &Result{kind: KindFail, failMsg: fmt.Sprintf(format, a...)}
}

// RawResult wraps a handler-marshaled result fragment.
func RawResult(fragment json.RawMessage) *Result {
	return &Result{kind: KindRaw, raw: fragment}
}
