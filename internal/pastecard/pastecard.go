// Package pastecard turns pasted plain text using the [!TYPE] marker convention into
// callout-card and paragraph nodes for the rich-text editor.
package pastecard

import (
	"html"
	"regexp"
	"strings"
)

// NodeKind is the editor node produced for a block of pasted text.
type NodeKind string

const (
	KindParagraph NodeKind = "paragraph"
	KindCard      NodeKind = "card"
)

// Node is one block. For cards HTML holds the escaped lines joined with <br>.
type Node struct {
	Kind     NodeKind `json:"kind"`
	CardType string   `json:"card_type,omitempty"`
	HTML     string   `json:"html"`
}

// Result is the parsed paste.
type Result struct {
	Nodes []Node `json:"nodes"`
}

var (
	// Leading quote/bullet noise is tolerated before the marker: "> [!TIP]", "* [!INFO]".
	markerRe      = regexp.MustCompile(`^[\s>*\-•+]*\[!([A-Za-z0-9_]+)\]\s*(.*)$`)
	quotePrefixRe = regexp.MustCompile(`^\s*>\s?`)
)

// Parse scans text line by line. It reports false when no marker is present so the
// editor can fall back to its default paste handling.
func Parse(text string) (Result, bool) {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.TrimRight(text, "\n")
	if !markerRe.MatchString(firstMarkerCandidate(text)) {
		return Result{}, false
	}

	var (
		res    Result
		inCard bool
		kind   string
		buf    []string
	)
	flush := func() {
		if !inCard {
			return
		}
		res.Nodes = append(res.Nodes, Node{Kind: KindCard, CardType: kind, HTML: strings.Join(buf, "<br>")})
		inCard, kind, buf = false, "", nil
	}

	for _, line := range strings.Split(text, "\n") {
		if m := markerRe.FindStringSubmatch(line); m != nil {
			flush()
			inCard, kind = true, strings.ToLower(m[1])
			if rest := strings.TrimSpace(m[2]); rest != "" {
				buf = append(buf, html.EscapeString(rest))
			}
			continue
		}
		if strings.TrimSpace(line) == "" {
			if inCard {
				flush()
				continue
			}
			res.Nodes = append(res.Nodes, Node{Kind: KindParagraph})
			continue
		}
		if inCard {
			buf = append(buf, html.EscapeString(strings.TrimSpace(quotePrefixRe.ReplaceAllString(line, ""))))
			continue
		}
		res.Nodes = append(res.Nodes, Node{Kind: KindParagraph, HTML: html.EscapeString(line)})
	}
	flush()
	return res, true
}

// firstMarkerCandidate returns the first line that matches the marker, or "".
func firstMarkerCandidate(text string) string {
	for _, line := range strings.Split(text, "\n") {
		if markerRe.MatchString(line) {
			return line
		}
	}
	return ""
}

// HTML renders nodes the way the editor stores them.
func (r Result) HTML() string {
	var b strings.Builder
	for _, n := range r.Nodes {
		switch n.Kind {
		case KindCard:
			b.WriteString(`<div class="callout callout-`)
			b.WriteString(n.CardType)
			b.WriteString(`" data-callout="`)
			b.WriteString(n.CardType)
			b.WriteString(`">`)
			b.WriteString(n.HTML)
			b.WriteString(`</div>`)
		default:
			if n.HTML == "" {
				b.WriteString("<p><br></p>")
				continue
			}
			b.WriteString("<p>")
			b.WriteString(n.HTML)
			b.WriteString("</p>")
		}
	}
	return b.String()
}
