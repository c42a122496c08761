package fetch

import (
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// hidden elements contribute no text.
var hidden = map[atom.Atom]bool{
	atom.Head:     true,
	atom.Script:   true,
	atom.Style:    true,
	atom.Noscript: true,
	atom.Template: true,
	atom.Iframe:   true,
	atom.Svg:      true,
	atom.Nav:      true,
	atom.Header:   true,
	atom.Footer:   true,
	atom.Aside:    true,
	atom.Form:     true,
}

// blocks start on a new paragraph.
var blocks = map[atom.Atom]bool{
	atom.P: true, atom.Div: true, atom.Section: true, atom.Article: true,
	atom.Main: true, atom.H1: true, atom.H2: true, atom.H3: true,
	atom.H4: true, atom.H5: true, atom.H6: true, atom.Blockquote: true,
	atom.Pre: true, atom.Ul: true, atom.Ol: true, atom.Table: true,
	atom.Tr: true, atom.Dl: true, atom.Dt: true, atom.Dd: true,
	atom.Figure: true, atom.Figcaption: true, atom.Hr: true,
}

// extractHTML returns the document title and its visible text with
// paragraphs separated by blank lines.
func extractHTML(raw string) (title, text string) {
	doc, err := html.Parse(strings.NewReader(raw))
	if err != nil {
		return "", ""
	}
	title = strings.Join(strings.Fields(nodeText(findElement(doc, atom.Title))), " ")

	var w textWriter
	w.walk(doc)
	return title, w.String()
}

func findElement(n *html.Node, a atom.Atom) *html.Node {
	if n.Type == html.ElementNode && n.DataAtom == a {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findElement(c, a); found != nil {
			return found
		}
	}
	return nil
}

func nodeText(n *html.Node) string {
	if n == nil {
		return ""
	}
	if n.Type == html.TextNode {
		return n.Data
	}
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		b.WriteString(nodeText(c))
	}
	return b.String()
}

// textWriter accumulates paragraphs of whitespace-collapsed text.
type textWriter struct {
	paragraphs []string
	current    []string
}

func (w *textWriter) walk(n *html.Node) {
	if n.Type == html.ElementNode {
		if hidden[n.DataAtom] {
			return
		}
		if blocks[n.DataAtom] {
			w.breakParagraph()
		}
	}
	if n.Type == html.TextNode {
		w.current = append(w.current, strings.Fields(n.Data)...)
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		w.walk(c)
	}
	if n.Type == html.ElementNode && (blocks[n.DataAtom] || n.DataAtom == atom.Li || n.DataAtom == atom.Br) {
		w.breakParagraph()
	}
}

func (w *textWriter) breakParagraph() {
	if len(w.current) == 0 {
		return
	}
	w.paragraphs = append(w.paragraphs, strings.Join(w.current, " "))
	w.current = w.current[:0]
}

func (w *textWriter) String() string {
	w.breakParagraph()
	return strings.Join(w.paragraphs, "\n\n")
}
