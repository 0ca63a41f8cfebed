package bard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"regexp"
	"strings"
	"time"
)

// Bard web frontend client. There is no official API: the session
// authenticates with the __Secure-1PSID cookie, scrapes the SNlM0e
// anti-CSRF token from the landing page and then talks to the
// StreamGenerate endpoint, threading conversation/response/choice ids
// between turns.

const (
	defaultBaseURL = "https://bard.google.com"
	defaultTimeout = 30 * time.Second

	// MaxRequestLen is the largest query Bard accepts, in runes.
	// Found empirically; larger requests are rejected upstream.
	MaxRequestLen = 3100

	userAgent = "Mozilla/5.0 (Windows NT 10.0; WOW64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.114 Safari/537.36"

	streamGeneratePath = "/_/BardChatUi/data/assistant.lamda.BardFrontendService/StreamGenerate"
	streamGenerateBL   = "boq_assistant-bard-web-server_20230713.13_p0"
)

// ErrBadPayload marks a response that arrived but could not be
// interpreted (missing reply structure, unreadable nesting).
var ErrBadPayload = errors.New("bard: unreadable response payload")

var snlm0ePattern = regexp.MustCompile(`SNlM0e":"(.*?)"`)

type Config struct {
	Token    string // __Secure-1PSID cookie value
	Lang     string
	UserName string
	BaseURL  string
	Timeout  time.Duration
	HTTP     *http.Client
}

type Reply struct {
	Content string
	Links   []string
}

// Session is one Bard conversation. Not safe for concurrent use; the
// dialog layer serializes access per key.
type Session struct {
	http    *http.Client
	baseURL string
	token   string
	snlm0e  string
	reqID   int

	conversationID string
	responseID     string
	choiceID       string
}

// NewSession authenticates against the Bard frontend and runs the
// introductory exchange that pins the user's name and locale into the
// conversation context.
func NewSession(ctx context.Context, cfg Config) (*Session, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, fmt.Errorf("bard: missing __Secure-1PSID token")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	httpClient := cfg.HTTP
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, fmt.Errorf("bard: cookie jar: %w", err)
		}
		httpClient = &http.Client{Timeout: timeout, Jar: jar}
	}

	s := &Session{
		http:    httpClient,
		baseURL: baseURL,
		token:   token,
		reqID:   1000 + rand.Intn(9000),
	}
	if err := s.fetchSNlM0e(ctx); err != nil {
		return nil, err
	}

	rules := fmt.Sprintf(
		"You are talking to user with name [%s] and user's locale is [%s]. Take care about the name, gender and locale of the user. Say OK if got.",
		strings.TrimSpace(cfg.UserName), strings.TrimSpace(cfg.Lang),
	)
	if _, err := s.Ask(ctx, rules); err != nil {
		return nil, fmt.Errorf("bard: intro exchange: %w", err)
	}
	return s, nil
}

func (s *Session) fetchSNlM0e(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/", nil)
	if err != nil {
		return err
	}
	s.setHeaders(req)
	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("bard: fetch landing page: %w", err)
	}
	raw, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("bard: http %d fetching landing page", resp.StatusCode)
	}
	m := snlm0ePattern.FindSubmatch(raw)
	if len(m) < 2 || len(m[1]) == 0 {
		return fmt.Errorf("bard: SNlM0e not found; token may be expired or region-blocked")
	}
	s.snlm0e = string(m[1])
	return nil
}

// Ask sends one query on the conversation and returns the parsed reply.
func (s *Session) Ask(ctx context.Context, query string) (Reply, error) {
	structured := []any{
		[]any{query},
		nil,
		[]any{s.conversationID, s.responseID, s.choiceID},
	}
	inner, err := json.Marshal(structured)
	if err != nil {
		return Reply{}, fmt.Errorf("bard: encode request: %w", err)
	}
	outer, err := json.Marshal([]any{nil, string(inner)})
	if err != nil {
		return Reply{}, fmt.Errorf("bard: encode request: %w", err)
	}

	s.reqID += 100000
	params := url.Values{
		"bl":     {streamGenerateBL},
		"_reqid": {fmt.Sprintf("%d", s.reqID)},
		"rt":     {"c"},
	}
	form := url.Values{
		"f.req": {string(outer)},
		"at":    {s.snlm0e},
	}

	endpoint := s.baseURL + streamGeneratePath + "?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return Reply{}, err
	}
	s.setHeaders(req)

	resp, err := s.http.Do(req)
	if err != nil {
		return Reply{}, fmt.Errorf("bard: send: %w", err)
	}
	raw, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Reply{}, fmt.Errorf("bard: http %d: %s", resp.StatusCode, strings.TrimSpace(firstLine(raw)))
	}

	reply, state, err := parseStreamGenerate(raw)
	if err != nil {
		return Reply{}, err
	}
	s.conversationID = state.conversationID
	s.responseID = state.responseID
	s.choiceID = state.choiceID
	return reply, nil
}

func (s *Session) setHeaders(req *http.Request) {
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("X-Same-Domain", "1")
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded;charset=UTF-8")
	req.Header.Set("Origin", s.baseURL)
	req.Header.Set("Referer", s.baseURL+"/")
	req.AddCookie(&http.Cookie{Name: "__Secure-1PSID", Value: s.token})
}

func firstLine(raw []byte) string {
	text := string(raw)
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		return text[:i]
	}
	return text
}
