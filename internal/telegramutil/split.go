package telegramutil

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"
)

// SplitText breaks s into chunks of at most max runes, preferring to
// cut on newlines, then spaces, and only then mid-word. Runes are
// never split.
func SplitText(s string, max int) []string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return []string{s}
	}
	var chunks []string
	runes := []rune(s)
	for len(runes) > 0 {
		if len(runes) <= max {
			chunks = append(chunks, string(runes))
			break
		}
		cut := max
		for i := max; i > max/2; i-- {
			if runes[i-1] == '\n' {
				cut = i
				break
			}
		}
		if cut == max {
			for i := max; i > max/2; i-- {
				if runes[i-1] == ' ' {
					cut = i
					break
				}
			}
		}
		chunks = append(chunks, string(runes[:cut]))
		runes = runes[cut:]
	}
	return chunks
}

// SplitHTML breaks HTML-formatted s into chunks of roughly max runes
// without ever cutting inside a tag. Tags are treated as atomic units;
// long text runs between tags are split with SplitText.
func SplitHTML(s string, max int) []string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return []string{s}
	}

	var chunks []string
	var current strings.Builder
	currentLen := 0

	flush := func() {
		if current.Len() > 0 {
			chunks = append(chunks, current.String())
			current.Reset()
			currentLen = 0
		}
	}
	appendUnit := func(unit string) {
		n := utf8.RuneCountInString(unit)
		if currentLen+n > max && currentLen > 0 {
			flush()
		}
		current.WriteString(unit)
		currentLen += n
	}

	tz := html.NewTokenizer(strings.NewReader(s))
	for {
		tt := tz.Next()
		if tt == html.ErrorToken {
			break
		}
		raw := string(tz.Raw())
		if tt == html.TextToken && utf8.RuneCountInString(raw) > max {
			for _, piece := range SplitText(raw, max) {
				appendUnit(piece)
			}
			continue
		}
		appendUnit(raw)
	}
	flush()
	if len(chunks) == 0 {
		return []string{s}
	}
	return chunks
}
