package telegramutil

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestSplitTextShortInputIsOneChunk(t *testing.T) {
	t.Parallel()

	chunks := SplitText("short", 4000)
	if len(chunks) != 1 || chunks[0] != "short" {
		t.Fatalf("SplitText() = %v, want [short]", chunks)
	}
}

func TestSplitTextPrefersNewlineThenSpace(t *testing.T) {
	t.Parallel()

	text := "first line\nsecond line that runs a bit longer than the first"
	chunks := SplitText(text, 15)
	if chunks[0] != "first line\n" {
		t.Fatalf("first chunk = %q, want cut after newline", chunks[0])
	}

	spaced := "word1word2 word3word3"
	chunks = SplitText(spaced, 12)
	if chunks[0] != "word1word2 " {
		t.Fatalf("first chunk = %q, want cut after space", chunks[0])
	}
}

func TestSplitTextNeverSplitsRunes(t *testing.T) {
	t.Parallel()

	text := strings.Repeat("я", 10001)
	chunks := SplitText(text, 4000)
	var total int
	for i, c := range chunks {
		if !utf8.ValidString(c) {
			t.Fatalf("chunk %d is not valid UTF-8", i)
		}
		n := utf8.RuneCountInString(c)
		if n > 4000 {
			t.Fatalf("chunk %d has %d runes, want <= 4000", i, n)
		}
		total += n
	}
	if total != 10001 {
		t.Fatalf("chunks carry %d runes, want 10001", total)
	}
}

func TestSplitHTMLNeverCutsInsideTag(t *testing.T) {
	t.Parallel()

	var b strings.Builder
	for i := 0; i < 500; i++ {
		b.WriteString("line of output number ")
		b.WriteString(strings.Repeat("x", 10))
		b.WriteString(" <b>bold bit</b> and <code>some_code()</code>\n")
	}
	chunks := SplitHTML(b.String(), 4000)
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	var total string
	for i, c := range chunks {
		if open := strings.LastIndexByte(c, '<'); open >= 0 {
			if strings.IndexByte(c[open:], '>') < 0 {
				t.Fatalf("chunk %d ends inside a tag: ...%q", i, c[open:])
			}
		}
		total += c
	}
	if total != b.String() {
		t.Fatalf("chunks do not reassemble the input")
	}
}

func TestSplitHTMLLongTextRunIsSplit(t *testing.T) {
	t.Parallel()

	text := "<b>head</b>" + strings.Repeat("слово ", 3000)
	for i, c := range SplitHTML(text, 4000) {
		// Tag units are atomic and far below the limit, so every
		// chunk must respect it here.
		if n := utf8.RuneCountInString(c); n > 4000 {
			t.Fatalf("chunk %d has %d runes, want <= 4000", i, n)
		}
	}
}

func TestMarkdownToHTMLCodeFence(t *testing.T) {
	t.Parallel()

	got := MarkdownToHTML("look:\n```python\nprint('<hi>')\n```\ndone")
	want := "look:\n<pre><code>print(&#39;&lt;hi&gt;&#39;)</code></pre>\ndone"
	if got != want {
		t.Fatalf("MarkdownToHTML() = %q, want %q", got, want)
	}
}

func TestMarkdownToHTMLInlineAndBold(t *testing.T) {
	t.Parallel()

	got := MarkdownToHTML("use `ls -la` and **be careful** with <tags>")
	want := "use <code>ls -la</code> and <b>be careful</b> with &lt;tags&gt;"
	if got != want {
		t.Fatalf("MarkdownToHTML() = %q, want %q", got, want)
	}
}
