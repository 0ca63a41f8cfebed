package bard

import (
	"encoding/json"
	"fmt"
	"strings"
)

type convState struct {
	conversationID string
	responseID     string
	choiceID       string
}

// parseStreamGenerate unpacks the batchexecute-style response: an
// anti-hijacking prefix, a couple of framing lines, then a JSON array
// whose [0][2] element is itself a JSON document carrying the answer
// candidates and the conversation ids.
func parseStreamGenerate(raw []byte) (Reply, convState, error) {
	lines := strings.Split(string(raw), "\n")
	if len(lines) < 4 {
		return Reply{}, convState{}, fmt.Errorf("%w: %d framing lines", ErrBadPayload, len(lines))
	}

	var outer []any
	if err := json.Unmarshal([]byte(lines[3]), &outer); err != nil {
		return Reply{}, convState{}, fmt.Errorf("%w: outer frame: %v", ErrBadPayload, err)
	}
	first, ok := index(outer, 0)
	if !ok {
		return Reply{}, convState{}, fmt.Errorf("%w: empty outer frame", ErrBadPayload)
	}
	innerRaw, ok := stringAt(first, 2)
	if !ok || innerRaw == "" {
		return Reply{}, convState{}, fmt.Errorf("%w: no answer document", ErrBadPayload)
	}

	var parsed []any
	if err := json.Unmarshal([]byte(innerRaw), &parsed); err != nil {
		return Reply{}, convState{}, fmt.Errorf("%w: answer document: %v", ErrBadPayload, err)
	}

	conv, ok := index(parsed, 1)
	if !ok {
		return Reply{}, convState{}, fmt.Errorf("%w: missing conversation ids", ErrBadPayload)
	}
	state := convState{}
	state.conversationID, _ = stringAt(conv, 0)
	state.responseID, _ = stringAt(conv, 1)

	candidates, ok := index(parsed, 4)
	if !ok {
		return Reply{}, convState{}, fmt.Errorf("%w: missing answer candidates", ErrBadPayload)
	}
	chosen, ok := index(candidates, 0)
	if !ok {
		return Reply{}, convState{}, fmt.Errorf("%w: no answer candidate", ErrBadPayload)
	}
	state.choiceID, _ = stringAt(chosen, 0)

	contentWrap, ok := index(chosen, 1)
	if !ok {
		return Reply{}, convState{}, fmt.Errorf("%w: candidate has no content", ErrBadPayload)
	}
	content, ok := stringAt(contentWrap, 0)
	if !ok {
		return Reply{}, convState{}, fmt.Errorf("%w: candidate content is not text", ErrBadPayload)
	}

	return Reply{Content: content, Links: extractLinks(candidates)}, state, nil
}

// extractLinks walks the candidate tree and collects secure links,
// deduplicated, in first-seen order.
func extractLinks(node any) []string {
	var links []string
	seen := map[string]bool{}
	var walk func(any)
	walk = func(n any) {
		switch v := n.(type) {
		case string:
			if strings.HasPrefix(v, "https://") && !seen[v] {
				seen[v] = true
				links = append(links, v)
			}
		case []any:
			for _, item := range v {
				walk(item)
			}
		}
	}
	walk(node)
	return links
}

func index(node any, i int) (any, bool) {
	arr, ok := node.([]any)
	if !ok || i < 0 || i >= len(arr) {
		return nil, false
	}
	return arr[i], true
}

func stringAt(node any, i int) (string, bool) {
	item, ok := index(node, i)
	if !ok {
		return "", false
	}
	s, ok := item.(string)
	return s, ok
}
