package translate

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client talks to the public Google translate web endpoint (the gtx
// client, no API key). Used for on-the-fly localization of bot replies
// and for the /trans command.
type Client struct {
	http    *http.Client
	baseURL string
}

const (
	defaultBaseURL = "https://translate.googleapis.com"
	defaultTimeout = 15 * time.Second
)

// SupportedLangs are the target codes the /trans command accepts.
var SupportedLangs = []string{
	"af", "am", "ar", "az", "be", "bg", "bn", "bs", "ca", "ceb", "co", "cs", "cy", "da", "de",
	"el", "en", "eo", "es", "et", "eu", "fa", "fi", "fr", "fy", "ga", "gd", "gl", "gu", "ha",
	"haw", "he", "hi", "hmn", "hr", "ht", "hu", "hy", "id", "ig", "is", "it", "iw", "ja", "jw",
	"ka", "kk", "km", "kn", "ko", "ku", "ky", "la", "lb", "lo", "lt", "lv", "mg", "mi", "mk",
	"ml", "mn", "mr", "ms", "mt", "my", "ne", "nl", "no", "ny", "or", "pa", "pl", "ps", "pt",
	"ro", "ru", "rw", "sd", "si", "sk", "sl", "sm", "sn", "so", "sq", "sr", "st", "su", "sv",
	"sw", "ta", "te", "tg", "th", "tl", "tr", "uk", "ur", "uz", "vi", "xh", "yi", "yo", "zh",
	"zh-TW", "zu",
}

// IsSupported reports whether code is a known translation target.
func IsSupported(code string) bool {
	for _, l := range SupportedLangs {
		if l == code {
			return true
		}
	}
	return false
}

func New(httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{http: httpClient, baseURL: defaultBaseURL}
}

// Translate renders text into targetLang, auto-detecting the source
// language. Returns the input unchanged when targetLang is empty or
// "en" to spare a network call for the common case.
func (c *Client) Translate(ctx context.Context, text, targetLang string) (string, error) {
	targetLang = strings.TrimSpace(targetLang)
	if targetLang == "" || targetLang == "en" {
		return text, nil
	}

	params := url.Values{
		"client": {"gtx"},
		"sl":     {"auto"},
		"tl":     {targetLang},
		"dt":     {"t"},
		"q":      {text},
	}
	endpoint := c.baseURL + "/translate_a/single?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("translate: %w", err)
	}
	raw, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("translate: http %d", resp.StatusCode)
	}
	return parseSingle(raw)
}

// parseSingle joins the sentence fragments out of the gtx response:
// [[["frag1","src1",...],["frag2","src2",...],...],...].
func parseSingle(raw []byte) (string, error) {
	var doc []any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return "", fmt.Errorf("translate: decode response: %w", err)
	}
	if len(doc) == 0 {
		return "", fmt.Errorf("translate: empty response")
	}
	sentences, ok := doc[0].([]any)
	if !ok {
		return "", fmt.Errorf("translate: unexpected response shape")
	}
	var b strings.Builder
	for _, s := range sentences {
		frag, ok := s.([]any)
		if !ok || len(frag) == 0 {
			continue
		}
		if text, ok := frag[0].(string); ok {
			b.WriteString(text)
		}
	}
	if b.Len() == 0 {
		return "", fmt.Errorf("translate: no translated text in response")
	}
	return b.String(), nil
}
