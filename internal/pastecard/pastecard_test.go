package pastecard

import (
	"reflect"
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []Node
	}{
		{
			name:  "card then paragraph",
			input: "[!INFO] hello\nworld\n\nplain text",
			want: []Node{
				{Kind: KindCard, CardType: "info", HTML: "hello<br>world"},
				{Kind: KindParagraph, HTML: "plain text"},
			},
		},
		{
			name:  "quoted marker and quoted continuation",
			input: "> [!WARNING] Visa deadline\n> Submit passports by Friday",
			want: []Node{
				{Kind: KindCard, CardType: "warning", HTML: "Visa deadline<br>Submit passports by Friday"},
			},
		},
		{
			name:  "bullet noise before marker",
			input: "* - [!TIP]\nbring water",
			want: []Node{
				{Kind: KindCard, CardType: "tip", HTML: "bring water"},
			},
		},
		{
			name:  "new marker closes open card",
			input: "[!INFO] one\n[!DANGER] two",
			want: []Node{
				{Kind: KindCard, CardType: "info", HTML: "one"},
				{Kind: KindCard, CardType: "danger", HTML: "two"},
			},
		},
		{
			name:  "paragraphs around card with empty placeholder",
			input: "intro\n\n\n[!NOTE] body",
			want: []Node{
				{Kind: KindParagraph, HTML: "intro"},
				{Kind: KindParagraph},
				{Kind: KindParagraph},
				{Kind: KindCard, CardType: "note", HTML: "body"},
			},
		},
		{
			name:  "escapes markup and normalizes CRLF",
			input: "[!INFO] <b>bold</b>\r\nnext\r\n",
			want: []Node{
				{Kind: KindCard, CardType: "info", HTML: "&lt;b&gt;bold&lt;/b&gt;<br>next"},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Parse(tt.input)
			if !ok {
				t.Fatal("Parse() reported unhandled")
			}
			if !reflect.DeepEqual(got.Nodes, tt.want) {
				t.Errorf("Parse() nodes = %#v, want %#v", got.Nodes, tt.want)
			}
		})
	}
}

func TestParse_NoMarker(t *testing.T) {
	for _, in := range []string{"", "just text", "[INFO] not a marker", "mid [!INFO] line"} {
		if _, ok := Parse(in); ok {
			t.Errorf("Parse(%q) handled, want fallback", in)
		}
	}
}

func TestResult_HTML(t *testing.T) {
	res, ok := Parse("[!INFO] hello\nworld\n\nplain text\n\nend")
	if !ok {
		t.Fatal("expected handled")
	}
	want := `<div class="callout callout-info" data-callout="info">hello<br>world</div>` +
		`<p>plain text</p><p><br></p><p>end</p>`
	if got := res.HTML(); got != want {
		t.Errorf("HTML() = %s\nwant %s", got, want)
	}
}
