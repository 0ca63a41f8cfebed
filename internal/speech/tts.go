// Package speech provides best-effort voice collaborators for the bot:
// text-to-speech through the Google translate TTS endpoint and
// speech-to-text through the Google speech web API. Both are unofficial
// endpoints and may refuse service; callers treat failures as soft.
package speech

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	ttsBaseURL = "https://translate.google.com"
	ttsPath    = "/translate_tts"

	// ttsMaxChunk is the longest text the TTS endpoint accepts per
	// call, in runes. Longer texts are split on sentence boundaries
	// and the MP3 payloads concatenated.
	ttsMaxChunk = 200

	defaultTimeout = 30 * time.Second
)

type Client struct {
	http       *http.Client
	ttsBaseURL string
	sttBaseURL string
}

func New(httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{http: httpClient, ttsBaseURL: ttsBaseURL, sttBaseURL: sttBaseURL}
}

// Synthesize renders text as spoken MP3 audio in lang.
func (c *Client) Synthesize(ctx context.Context, text, lang string) ([]byte, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("speech: empty text")
	}
	if lang == "" {
		lang = "en"
	}

	var audio bytes.Buffer
	for _, chunk := range splitForTTS(text, ttsMaxChunk) {
		part, err := c.synthesizeChunk(ctx, chunk, lang)
		if err != nil {
			return nil, err
		}
		audio.Write(part)
	}
	return audio.Bytes(), nil
}

func (c *Client) synthesizeChunk(ctx context.Context, text, lang string) ([]byte, error) {
	params := url.Values{
		"ie":     {"UTF-8"},
		"client": {"tw-ob"},
		"tl":     {lang},
		"q":      {text},
	}
	endpoint := c.ttsBaseURL + ttsPath + "?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("speech: tts: %w", err)
	}
	raw, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("speech: tts http %d", resp.StatusCode)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("speech: tts returned no audio")
	}
	return raw, nil
}

// splitForTTS breaks text into pieces no longer than max runes,
// preferring sentence ends, then spaces.
func splitForTTS(text string, max int) []string {
	var chunks []string
	runes := []rune(text)
	for len(runes) > 0 {
		if len(runes) <= max {
			chunks = append(chunks, string(runes))
			break
		}
		cut := max
		for i := max; i > max/2; i-- {
			r := runes[i-1]
			if r == '.' || r == '!' || r == '?' || r == '\n' {
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
		chunks = append(chunks, strings.TrimSpace(string(runes[:cut])))
		runes = runes[cut:]
	}
	return chunks
}
