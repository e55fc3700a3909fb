package render

import (
	"regexp"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

var langLabel = regexp.MustCompile(`^[a-z0-9+#.\-]{1,20}$`)

// fence renders a preformatted block as a fenced code block.
func fence(pre *html.Node) string {
	code := strings.TrimRight(textContent(pre), "\n")
	if strings.TrimSpace(code) == "" {
		return ""
	}
	return "```" + language(pre) + "\n" + code + "\n```"
}

// language guesses the code language: language-/lang- classes on the code
// node, the pre or nearby siblings, then a sibling decoration label.
func language(pre *html.Node) string {
	for c := pre.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && c.DataAtom == atom.Code {
			if l := classLanguage(c); l != "" {
				return l
			}
		}
	}
	if l := classLanguage(pre); l != "" {
		return l
	}
	for n, depth := pre, 0; n != nil && depth < 4; n, depth = n.Parent, depth+1 {
		for s := n.PrevSibling; s != nil; s = s.PrevSibling {
			if s.Type != html.ElementNode {
				continue
			}
			if l := classLanguage(s); l != "" {
				return l
			}
			if hasClassContaining(s, "decoration") {
				if l := labelLanguage(s); l != "" {
					return l
				}
			}
		}
	}
	return ""
}

func classLanguage(n *html.Node) string {
	cls, _ := attr(n, "class")
	for _, tok := range strings.Fields(cls) {
		for _, prefix := range []string{"language-", "lang-"} {
			if l, ok := strings.CutPrefix(tok, prefix); ok && l != "" {
				return strings.ToLower(l)
			}
		}
	}
	return ""
}

func hasClassContaining(n *html.Node, sub string) bool {
	cls, _ := attr(n, "class")
	return strings.Contains(cls, sub)
}

func labelLanguage(n *html.Node) string {
	text := collapse(textContent(n))
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		text = text[:i]
	}
	text = strings.ToLower(strings.ReplaceAll(text, " ", ""))
	if langLabel.MatchString(text) {
		return text
	}
	return ""
}
