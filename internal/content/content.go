// ABOUTME: Parses agent markdown into typed inline blocks: plain text and car cards.
// ABOUTME: Uses goldmark's AST so each message is parsed once instead of on every render.

// Package content turns agent message text into a small sequence of typed
// blocks. Agents separate cars with a "---" line and describe each car with a
// level-3 heading, an optional image, a blockquote of "|"-separated specs, a
// bold price line and an italic analysis line.
package content

import (
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// Delimiter separates blocks inside an agent message.
const Delimiter = "---"

// Kind tells the blocks apart.
type Kind int

const (
	KindText Kind = iota
	KindCarCard
)

// Block is one inline block of an agent message.
type Block struct {
	Kind Kind
	// Markdown is the source of the block, trimmed.
	Markdown string
	// Card is set for KindCarCard.
	Card *CarCard
}

// CarCard is a car described in markdown inside an agent message.
type CarCard struct {
	Name      string
	ImageURL  string
	Specs     []string
	Highlight string
	Analysis  string
	Body      []string
}

var parser = goldmark.New().Parser()

// Parse splits content into blocks. Empty parts are dropped.
func Parse(content string) []Block {
	var blocks []Block
	for _, part := range strings.Split(content, Delimiter) {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		src := []byte(part)
		doc := parser.Parse(text.NewReader(src))
		if card := parseCard(doc, src); card != nil {
			blocks = append(blocks, Block{Kind: KindCarCard, Markdown: part, Card: card})
			continue
		}
		blocks = append(blocks, Block{Kind: KindText, Markdown: part})
	}
	return blocks
}

// parseCard returns nil when the part does not look like a car card.
func parseCard(doc ast.Node, src []byte) *CarCard {
	card := &CarCard{}

	for n := doc.FirstChild(); n != nil; n = n.NextSibling() {
		switch node := n.(type) {
		case *ast.Heading:
			if node.Level == 3 && card.Name == "" {
				card.Name = inlineText(node, src)
				continue
			}
			card.Body = append(card.Body, inlineText(node, src))

		case *ast.Blockquote:
			for _, spec := range strings.Split(inlineText(node, src), "|") {
				if spec = strings.TrimSpace(spec); spec != "" {
					card.Specs = append(card.Specs, spec)
				}
			}

		case *ast.Paragraph:
			if img := firstImage(node); img != nil && card.ImageURL == "" {
				card.ImageURL = string(img.Destination)
				if rest := inlineText(node, src); rest != "" {
					card.Body = append(card.Body, rest)
				}
				continue
			}
			line := inlineText(node, src)
			switch emphasisLevel(node.FirstChild()) {
			case 2:
				if card.Highlight == "" {
					card.Highlight = line
					continue
				}
			case 1:
				if card.Analysis == "" {
					card.Analysis = line
					continue
				}
			}
			card.Body = append(card.Body, line)

		default:
			if t := strings.TrimSpace(inlineText(node, src)); t != "" {
				card.Body = append(card.Body, t)
			}
		}
	}

	if card.Name == "" && len(card.Specs) == 0 {
		return nil
	}
	return card
}

func emphasisLevel(n ast.Node) int {
	if em, ok := n.(*ast.Emphasis); ok {
		return em.Level
	}
	return 0
}

func firstImage(p *ast.Paragraph) *ast.Image {
	var found *ast.Image
	_ = ast.Walk(p, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if img, ok := n.(*ast.Image); ok && entering {
			found = img
			return ast.WalkStop, nil
		}
		return ast.WalkContinue, nil
	})
	return found
}

// inlineText concatenates the text under n, turning line breaks into spaces.
// Image alt text is skipped.
func inlineText(n ast.Node, src []byte) string {
	var b strings.Builder
	_ = ast.Walk(n, func(c ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch node := c.(type) {
		case *ast.Image:
			return ast.WalkSkipChildren, nil
		case *ast.Text:
			b.Write(node.Segment.Value(src))
			if node.SoftLineBreak() || node.HardLineBreak() {
				b.WriteByte(' ')
			}
		case *ast.String:
			b.Write(node.Value)
		}
		if c != n && c.Type() == ast.TypeBlock && c.PreviousSibling() != nil {
			b.WriteByte(' ')
		}
		return ast.WalkContinue, nil
	})
	return strings.Join(strings.Fields(b.String()), " ")
}

// PlainText renders markdown as terminal-friendly text: emphasis markers are
// dropped, list items get a bullet, blocks are separated by a newline.
func PlainText(markdown string) string {
	src := []byte(markdown)
	doc := parser.Parse(text.NewReader(src))

	var lines []string
	for n := doc.FirstChild(); n != nil; n = n.NextSibling() {
		switch node := n.(type) {
		case *ast.ThematicBreak:
			continue
		case *ast.List:
			for item := node.FirstChild(); item != nil; item = item.NextSibling() {
				lines = append(lines, "• "+inlineText(item, src))
			}
		case *ast.FencedCodeBlock, *ast.CodeBlock:
			segs := node.Lines()
			for i := 0; i < segs.Len(); i++ {
				seg := segs.At(i)
				lines = append(lines, strings.TrimRight(string(seg.Value(src)), "\n"))
			}
		default:
			if t := inlineText(node, src); t != "" {
				lines = append(lines, t)
			}
		}
	}
	return strings.Join(lines, "\n")
}
