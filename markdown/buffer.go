// Package markdown buffers streamed text and releases it only at points
// that are safe to render standalone as Markdown. A release never splits
// a fenced code block, a list, or an inline construct across a boundary,
// so a renderer that re-parses each release produces the same visual
// output as rendering the full document at once.
package markdown

import (
	"regexp"
	"strings"
	"sync"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/text"
)

const (
	// defaultMaxSize is the forced-release threshold. It is never applied
	// inside an open code fence.
	defaultMaxSize = 65000
	// defaultMaxListSize is the soft release threshold while inside a
	// list; 1.5x this forces a release mid-line.
	defaultMaxListSize = 8000
)

// listMarkerRE matches a bullet or ordered list marker at line start.
var listMarkerRE = regexp.MustCompile(`^\s*([-*+]|\d+\.)(\s|$)`)

// Basic HTML tag scanning for the open-tag imbalance probe.
var (
	htmlOpenRE  = regexp.MustCompile(`<([a-zA-Z][a-zA-Z0-9]*)(\s[^<>]*)?>`)
	htmlCloseRE = regexp.MustCompile(`</([a-zA-Z][a-zA-Z0-9]*)>`)
)

// voidTags never take a closing tag and are excluded from the imbalance
// count.
var voidTags = map[string]bool{
	"br": true, "hr": true, "img": true, "input": true,
	"meta": true, "link": true, "area": true, "base": true,
	"col": true, "embed": true, "source": true, "track": true, "wbr": true,
}

// Buffer accumulates streamed Markdown and decides when a prefix is safe
// to hand to a renderer. One Buffer serves one streamed assistant turn;
// discard it after Flush. Add and Flush are safe for concurrent use.
type Buffer struct {
	mu           sync.Mutex
	buf          strings.Builder
	maxSize      int
	maxListSize  int
	renderedOnce bool
	probe        parser.Parser
}

// NewBuffer creates a stream buffer with default size limits.
func NewBuffer() *Buffer {
	return &Buffer{
		maxSize:     defaultMaxSize,
		maxListSize: defaultMaxListSize,
		probe:       goldmark.DefaultParser(),
	}
}

// Add appends chunk and returns a release when the accumulated text ends
// at a render-safe boundary. The boolean reports whether a release
// occurred; releases are always the entire buffered text, so the
// concatenation of every release plus the final Flush equals the input.
func (b *Buffer) Add(chunk string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf.WriteString(chunk)
	return b.evaluate()
}

// Flush returns whatever remains buffered, regardless of boundaries.
// Called once when the stream ends.
func (b *Buffer) Flush() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.buf.String()
	b.buf.Reset()
	if out != "" {
		b.renderedOnce = true
	}
	return out
}

// evaluate applies the release policy to the current buffer. Caller
// holds the mutex.
func (b *Buffer) evaluate() (string, bool) {
	s := b.buf.String()
	if s == "" {
		return "", false
	}

	fences := strings.Count(s, "```")
	if fences%2 == 1 {
		// Inside an open fence: hold everything. The size limit does not
		// override this, a split fence renders worse than a late one.
		return "", false
	}

	// A fence that just closed is a natural boundary.
	if fences > 0 && strings.HasSuffix(strings.TrimRight(s, " \t\r\n"), "```") {
		return b.release(), true
	}

	// Blank-line boundary with nothing but whitespace after it.
	if i := strings.LastIndex(s, "\n\n"); i >= 0 &&
		strings.TrimSpace(s[i+2:]) == "" && !b.openConstruct(s) {
		return b.release(), true
	}

	// Sentence end at a line break, outside lists and open constructs.
	// The first release is exempt from the minimum-size check so short
	// openings are not held back.
	if endsSentence(s) && !listContext(s) && !b.openConstruct(s) {
		if !b.renderedOnce || len(strings.TrimSpace(s)) > 2 {
			return b.release(), true
		}
	}

	// Long lists: release at a line end past the soft limit, or anywhere
	// past 1.5x it.
	if listContext(s) && len(s) > b.maxListSize {
		if strings.HasSuffix(s, "\n") || len(s) > b.maxListSize*3/2 {
			return b.release(), true
		}
	}

	if len(s) > b.maxSize {
		return b.release(), true
	}
	return "", false
}

// release empties the buffer and returns its contents.
func (b *Buffer) release() string {
	out := b.buf.String()
	b.buf.Reset()
	b.renderedOnce = true
	return out
}

// endsSentence reports whether s ends with a sentence terminator
// followed by a newline.
func endsSentence(s string) bool {
	trimmed := strings.TrimRight(s, "\n")
	if len(trimmed) == len(s) || trimmed == "" {
		return false
	}
	switch trimmed[len(trimmed)-1] {
	case '.', '!', '?', ':':
		return true
	}
	return false
}

// listContext reports whether the buffer tail sits inside a list: any of
// the last five non-empty lines carries a list marker and no blank line
// has closed it, or the last non-empty line is continuation-indented.
func listContext(s string) bool {
	if strings.HasSuffix(s, "\n\n") {
		return false
	}
	lines := strings.Split(s, "\n")
	seen := 0
	for i := len(lines) - 1; i >= 0 && seen < 5; i-- {
		line := lines[i]
		if strings.TrimSpace(line) == "" {
			continue
		}
		if seen == 0 && strings.HasPrefix(line, "  ") {
			return true
		}
		if listMarkerRE.MatchString(line) {
			return true
		}
		seen++
	}
	return false
}

// openConstruct reports whether the buffer tail is inside an unfinished
// Markdown construct: odd inline backticks outside fences, a trailing
// list/quote/indented-code block with no closing blank line, a bare list
// marker awaiting its item text, or an HTML open-tag imbalance.
func (b *Buffer) openConstruct(s string) bool {
	if oddInlineBackticks(s) {
		return true
	}
	if tailListMarker(s) {
		return true
	}
	if htmlImbalance(s) {
		return true
	}
	return b.openBlock(s)
}

// openBlock parses the buffer and checks whether the final block is one
// that further input could still extend.
func (b *Buffer) openBlock(s string) bool {
	if strings.HasSuffix(s, "\n\n") {
		return false
	}
	doc := b.probe.Parse(text.NewReader([]byte(s)))
	last := doc.LastChild()
	if last == nil {
		return false
	}
	switch last.Kind() {
	case ast.KindList, ast.KindBlockquote, ast.KindCodeBlock, ast.KindHTMLBlock:
		return true
	}
	return false
}

// oddInlineBackticks reports an unclosed inline code span: an odd count
// of single backticks in the text outside fenced blocks.
func oddInlineBackticks(s string) bool {
	n := 0
	for i, seg := range strings.Split(s, "```") {
		if i%2 == 0 {
			n += strings.Count(seg, "`")
		}
	}
	return n%2 == 1
}

// tailListMarker reports a list marker with no item text yet on the last
// line (e.g. the stream paused right after "- " or "3.").
func tailListMarker(s string) bool {
	i := strings.LastIndexByte(s, '\n')
	tail := s[i+1:]
	return strings.TrimSpace(tail) != "" && listMarkerRE.MatchString(tail) &&
		strings.TrimSpace(listMarkerRE.ReplaceAllString(tail, "")) == ""
}

// htmlImbalance reports more opening than closing tags among basic HTML
// elements. Self-closing and void tags are ignored.
func htmlImbalance(s string) bool {
	opens := 0
	for _, m := range htmlOpenRE.FindAllStringSubmatch(s, -1) {
		if voidTags[strings.ToLower(m[1])] || strings.HasSuffix(m[0], "/>") {
			continue
		}
		opens++
	}
	return opens > len(htmlCloseRE.FindAllStringSubmatch(s, -1))
}
