package extract

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// blockTags start a new line when converting HTML to text.
var blockTags = map[string]bool{
	"p": true, "div": true, "li": true, "br": true, "tr": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"section": true, "article": true, "header": true, "footer": true,
	"blockquote": true, "pre": true, "ul": true, "ol": true, "table": true,
}

// htmlToText renders an HTML document as plain text: scripts and styles
// removed, block elements separated by newlines.
func htmlToText(src string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(src))
	if err != nil {
		return "", err
	}
	doc.Find("script, style, noscript, iframe").Remove()

	var b strings.Builder
	root := doc.Find("body")
	if root.Length() == 0 {
		root = doc.Selection
	}
	for _, node := range root.Nodes {
		writeNodeText(&b, node)
	}
	return b.String(), nil
}

func writeNodeText(b *strings.Builder, node *html.Node) {
	switch node.Type {
	case html.TextNode:
		b.WriteString(node.Data)
	case html.ElementNode:
		if blockTags[node.Data] {
			b.WriteString("\n")
		}
	}
	for child := node.FirstChild; child != nil; child = child.NextSibling {
		writeNodeText(b, child)
	}
	if node.Type == html.ElementNode && blockTags[node.Data] {
		b.WriteString("\n")
	}
}
