package studio

import (
	"fmt"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// scopingPrefixes are attribute prefixes the front-end framework adds to
// every element for style encapsulation.
var scopingPrefixes = []string{"_ngcontent-", "_nghost-"}

// Sanitize removes comment nodes and framework scoping attributes from an
// HTML fragment, recursively, and serializes what remains.
func Sanitize(fragment string) (string, error) {
	parent := &html.Node{Type: html.ElementNode, Data: "div", DataAtom: atom.Div}
	nodes, err := html.ParseFragment(strings.NewReader(fragment), parent)
	if err != nil {
		return "", fmt.Errorf("failed to parse HTML: %w", err)
	}

	var builder strings.Builder
	for _, n := range nodes {
		if n.Type == html.CommentNode {
			continue
		}
		cleanNode(n)
		if err := html.Render(&builder, n); err != nil {
			return "", fmt.Errorf("failed to render HTML: %w", err)
		}
	}
	return builder.String(), nil
}

// cleanNode strips scoping attributes from n and drops comment children,
// then recurses.
func cleanNode(n *html.Node) {
	if n.Type == html.ElementNode && len(n.Attr) > 0 {
		kept := n.Attr[:0]
		for _, attr := range n.Attr {
			if !isScopingAttr(attr.Key) {
				kept = append(kept, attr)
			}
		}
		n.Attr = kept
	}

	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		if c.Type == html.CommentNode {
			n.RemoveChild(c)
		} else {
			cleanNode(c)
		}
		c = next
	}
}

func isScopingAttr(key string) bool {
	for _, prefix := range scopingPrefixes {
		if strings.HasPrefix(key, prefix) {
			return true
		}
	}
	return false
}
