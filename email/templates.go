package email

import (
	"fmt"
	stdhtml "html"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

func formatThanksBody(msg Message) string {
	lang := msg.Lang
	if lang == "" {
		lang = "en"
	}

	var b strings.Builder

	b.WriteString(fmt.Sprintf("<!DOCTYPE html>\n<html lang=\"%s\">\n<head>\n", escapeHTML(lang)))
	b.WriteString("<meta charset=\"utf-8\">\n")
	b.WriteString("<meta name=\"viewport\" content=\"width=device-width, initial-scale=1\">\n")
	b.WriteString("<style>\n")
	b.WriteString("body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 800px; margin: 0 auto; padding: 20px; background: #fff; }\n")
	b.WriteString(".thanks { margin: 15px 0; }\n")
	b.WriteString(".subject { background: #f8f9fa; padding: 15px 20px; border-left: 3px solid #e67e22; margin: 15px 0; }\n")
	b.WriteString(".poster { color: #7f8c8d; font-size: 0.9em; }\n")
	b.WriteString(".footer { margin-top: 30px; padding-top: 15px; font-size: 0.9em; color: #7f8c8d; border-top: 1px solid #ddd; }\n")
	b.WriteString("a { color: #e67e22; text-decoration: none; }\n")
	b.WriteString("a:hover { text-decoration: underline; }\n")
	b.WriteString("@media (prefers-color-scheme: dark) {\n")
	b.WriteString("body { background: #1a1a1a; color: #e0e0e0; }\n")
	b.WriteString(".subject { background: #2a2a2a; border-left-color: #ff8c42; }\n")
	b.WriteString(".footer { color: #a0a0a0; border-top-color: #444; }\n")
	b.WriteString("a { color: #ff8c42; }\n")
	b.WriteString("}\n")
	b.WriteString("</style>\n</head>\n<body>\n")

	switch {
	case msg.Greeting != "":
		b.WriteString(fmt.Sprintf("<p>%s</p>\n", sanitizeFragment(msg.Greeting)))
	case msg.Username != "":
		b.WriteString(fmt.Sprintf("<p>%s,</p>\n", escapeHTML(msg.Username)))
	}

	b.WriteString(fmt.Sprintf("<div class=\"thanks\">%s</div>\n", sanitizeFragment(msg.PostThanks)))
	b.WriteString("<div class=\"subject\">\n")
	b.WriteString(escapeHTML(msg.PostSubject))
	if msg.PosterName != "" {
		b.WriteString(fmt.Sprintf("\n<div class=\"poster\">%s</div>", escapeHTML(msg.PosterName)))
	}
	b.WriteString("\n</div>\n")

	if msg.PostURL != "" && isSafeURL(msg.PostURL) {
		label := msg.ViewPost
		if label == "" {
			label = "View the post"
		}
		b.WriteString("<div class=\"footer\">\n")
		b.WriteString(fmt.Sprintf("<a href=\"%s\">%s</a>\n", escapeHTML(msg.PostURL), escapeHTML(label)))
		b.WriteString("</div>\n")
	}

	b.WriteString("</body>\n</html>")

	return b.String()
}

func escapeHTML(s string) string {
	return stdhtml.EscapeString(s)
}

// PlainText strips markup from s and decodes its entities, for contexts such
// as mail headers and chat messages that cannot carry HTML.
func PlainText(s string) string {
	if !strings.ContainsAny(s, "<&") {
		return strings.TrimSpace(s)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader("<body>" + s + "</body>"))
	if err != nil {
		return strings.TrimSpace(stdhtml.UnescapeString(s))
	}
	return strings.TrimSpace(doc.Find("body").Text())
}

// inlineTags may appear in sanitized fragments. They are written without attributes.
var inlineTags = map[atom.Atom]bool{
	atom.B:      true,
	atom.Strong: true,
	atom.I:      true,
	atom.Em:     true,
	atom.Br:     true,
}

// droppedTags are removed together with their content.
var droppedTags = map[atom.Atom]bool{
	atom.Script: true,
	atom.Style:  true,
	atom.Iframe: true,
	atom.Object: true,
	atom.Embed:  true,
}

// sanitizeFragment keeps the text of an untrusted HTML fragment and only a
// whitelist of inline formatting tags.
func sanitizeFragment(fragment string) string {
	body := &html.Node{Type: html.ElementNode, Data: "body", DataAtom: atom.Body}
	nodes, err := html.ParseFragment(strings.NewReader(fragment), body)
	if err != nil {
		return escapeHTML(PlainText(fragment))
	}

	var b strings.Builder
	for _, n := range nodes {
		writeSanitized(&b, n)
	}
	return b.String()
}

func writeSanitized(b *strings.Builder, n *html.Node) {
	switch n.Type {
	case html.TextNode:
		b.WriteString(escapeHTML(n.Data))
		return
	case html.ElementNode:
		if droppedTags[n.DataAtom] {
			return
		}
		if inlineTags[n.DataAtom] {
			if n.DataAtom == atom.Br {
				b.WriteString("<br>")
				return
			}
			b.WriteString("<" + n.Data + ">")
			for c := n.FirstChild; c != nil; c = c.NextSibling {
				writeSanitized(b, c)
			}
			b.WriteString("</" + n.Data + ">")
			return
		}
	case html.CommentNode, html.DoctypeNode:
		return
	}

	// Unknown elements are unwrapped
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		writeSanitized(b, c)
	}
}

// isSafeURL reports whether urlStr is an absolute http(s) link.
func isSafeURL(urlStr string) bool {
	urlStr = strings.TrimSpace(strings.ToLower(urlStr))
	return strings.HasPrefix(urlStr, "http://") || strings.HasPrefix(urlStr, "https://")
}
