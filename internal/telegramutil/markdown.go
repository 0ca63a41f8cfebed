package telegramutil

import (
	"html"
	"regexp"
	"strings"
)

var (
	inlineCodePattern = regexp.MustCompile("`([^`\n]+)`")
	boldPattern       = regexp.MustCompile(`\*\*([^*\n]+)\*\*`)
)

// MarkdownToHTML converts the markdown the backend emits into the
// subset of HTML Telegram renders: fenced code blocks become
// <pre><code>, inline code <code>, **bold** <b>. Everything else is
// entity-escaped so stray angle brackets cannot break the parse.
func MarkdownToHTML(text string) string {
	var out strings.Builder
	segments := strings.Split(text, "```")
	for i, seg := range segments {
		if i%2 == 1 {
			// Inside a fence. The first line may carry a language tag.
			code := seg
			if nl := strings.IndexByte(code, '\n'); nl >= 0 {
				first := strings.TrimSpace(code[:nl])
				if first != "" && !strings.ContainsAny(first, " \t") && len(first) < 20 {
					code = code[nl+1:]
				}
			}
			out.WriteString("<pre><code>")
			out.WriteString(html.EscapeString(strings.Trim(code, "\n")))
			out.WriteString("</code></pre>")
			continue
		}
		out.WriteString(renderInline(seg))
	}
	// An unterminated fence leaves an odd segment count already
	// handled above; nothing else to do.
	return out.String()
}

func renderInline(seg string) string {
	escaped := html.EscapeString(seg)
	escaped = inlineCodePattern.ReplaceAllString(escaped, "<code>$1</code>")
	escaped = boldPattern.ReplaceAllString(escaped, "<b>$1</b>")
	return escaped
}
