package voice

import (
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	gmtext "github.com/yuin/goldmark/text"
)

var markdown = goldmark.New()

// SpeechText reduces markdown to the words a listener should hear.
// Emphasis, headings and code markers disappear, links keep their label,
// images and raw HTML are dropped. Blocks end up on separate lines.
func SpeechText(md string) string {
	src := []byte(md)
	doc := markdown.Parser().Parse(gmtext.NewReader(src))

	var lines []string
	var cur strings.Builder
	endBlock := func() {
		lines = append(lines, cur.String())
		cur.Reset()
	}

	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		switch node := n.(type) {
		case *ast.Image, *ast.RawHTML, *ast.HTMLBlock:
			return ast.WalkSkipChildren, nil
		case *ast.Text:
			if entering {
				cur.Write(node.Segment.Value(src))
				if node.SoftLineBreak() || node.HardLineBreak() {
					cur.WriteByte(' ')
				}
			}
		case *ast.String:
			if entering {
				cur.Write(node.Value)
			}
		case *ast.AutoLink:
			if entering {
				cur.Write(node.Label(src))
			}
		case *ast.CodeBlock, *ast.FencedCodeBlock:
			if entering {
				segs := n.Lines()
				for i := 0; i < segs.Len(); i++ {
					seg := segs.At(i)
					cur.Write(seg.Value(src))
					endBlock()
				}
			}
			return ast.WalkSkipChildren, nil
		default:
			if !entering && n.Type() == ast.TypeBlock {
				endBlock()
			}
		}
		return ast.WalkContinue, nil
	})
	endBlock()
	return trimLines(lines)
}

// trimLines collapses whitespace inside each line and drops empty ones.
func trimLines(lines []string) string {
	out := lines[:0]
	for _, l := range lines {
		if l = strings.Join(strings.Fields(l), " "); l != "" {
			out = append(out, l)
		}
	}
	return strings.Join(out, "\n")
}
