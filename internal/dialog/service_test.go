package dialog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type scriptedSession struct {
	ask func(ctx context.Context, query string) (Reply, error)
}

func (s *scriptedSession) Ask(ctx context.Context, query string) (Reply, error) {
	return s.ask(ctx, query)
}

func newTestService(t *testing.T, factory SessionFactory) *Service {
	t.Helper()
	svc, err := NewService(Config{Factory: factory})
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	return svc
}

func TestChatReturnsBackendContent(t *testing.T) {
	t.Parallel()

	svc := newTestService(t, func(ctx context.Context, req Request) (Session, error) {
		return &scriptedSession{ask: func(ctx context.Context, query string) (Reply, error) {
			if query != "hi" {
				return Reply{}, fmt.Errorf("unexpected query %q", query)
			}
			return Reply{Content: "hello"}, nil
		}}, nil
	})

	got, err := svc.Chat(context.Background(), Request{Key: "u1", Query: "hi"})
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if got != "hello" {
		t.Fatalf("Chat() = %q, want %q", got, "hello")
	}
}

func TestChatTruncatesLongResults(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("я", 5000)
	svc := newTestService(t, func(ctx context.Context, req Request) (Session, error) {
		return &scriptedSession{ask: func(ctx context.Context, query string) (Reply, error) {
			return Reply{Content: long}, nil
		}}, nil
	})

	got, err := svc.Chat(context.Background(), Request{Key: "u1", Query: "q"})
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if n := len([]rune(got)); n != MaxResultLen {
		t.Fatalf("result length = %d runes, want %d", n, MaxResultLen)
	}
}

func TestSameKeyExchangesNeverOverlap(t *testing.T) {
	t.Parallel()

	var active, overlaps int32
	svc := newTestService(t, func(ctx context.Context, req Request) (Session, error) {
		return &scriptedSession{ask: func(ctx context.Context, query string) (Reply, error) {
			if atomic.AddInt32(&active, 1) > 1 {
				atomic.AddInt32(&overlaps, 1)
			}
			time.Sleep(2 * time.Millisecond)
			atomic.AddInt32(&active, -1)
			return Reply{Content: "ok"}, nil
		}}, nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Chat(context.Background(), Request{Key: "same", Query: "q"}); err != nil {
				t.Errorf("Chat() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if n := atomic.LoadInt32(&overlaps); n != 0 {
		t.Fatalf("observed %d overlapping backend sends for one key", n)
	}
}

func TestDistinctKeysProceedConcurrently(t *testing.T) {
	t.Parallel()

	entered := make(chan string, 2)
	proceed := make(chan struct{})
	svc := newTestService(t, func(ctx context.Context, req Request) (Session, error) {
		return &scriptedSession{ask: func(ctx context.Context, query string) (Reply, error) {
			entered <- req.Key
			select {
			case <-proceed:
			case <-time.After(5 * time.Second):
				return Reply{}, fmt.Errorf("peer never entered its exchange")
			}
			return Reply{Content: "ok"}, nil
		}}, nil
	})

	var wg sync.WaitGroup
	for _, key := range []string{"k1", "k2"} {
		key := key
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Chat(context.Background(), Request{Key: key, Query: "q"}); err != nil {
				t.Errorf("Chat(%s) error = %v", key, err)
			}
		}()
	}

	// Both exchanges must reach the backend before either completes.
	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case k := <-entered:
			seen[k] = true
		case <-time.After(5 * time.Second):
			t.Fatalf("only %d of 2 keys entered their exchange; keys block each other", len(seen))
		}
	}
	close(proceed)
	wg.Wait()
}

func TestResetInvalidatesWithoutBackendCall(t *testing.T) {
	t.Parallel()

	var creates int32
	svc := newTestService(t, func(ctx context.Context, req Request) (Session, error) {
		atomic.AddInt32(&creates, 1)
		return &scriptedSession{ask: func(ctx context.Context, query string) (Reply, error) {
			return Reply{Content: "ok"}, nil
		}}, nil
	})

	if _, err := svc.Chat(context.Background(), Request{Key: "u1", Query: "q"}); err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	got, err := svc.Chat(context.Background(), Request{Key: "u1", Reset: true})
	if err != nil {
		t.Fatalf("Chat(reset) error = %v", err)
	}
	if got != "" {
		t.Fatalf("Chat(reset) = %q, want empty", got)
	}
	if svc.sessions.size() != 0 {
		t.Fatalf("session still present after reset")
	}
	if n := atomic.LoadInt32(&creates); n != 1 {
		t.Fatalf("factory called %d times, want 1 (reset must not create)", n)
	}
}

func TestResetThenChatCreatesFreshSession(t *testing.T) {
	t.Parallel()

	var creates int32
	svc := newTestService(t, func(ctx context.Context, req Request) (Session, error) {
		atomic.AddInt32(&creates, 1)
		return &scriptedSession{ask: func(ctx context.Context, query string) (Reply, error) {
			return Reply{Content: "ok"}, nil
		}}, nil
	})

	ctx := context.Background()
	if _, err := svc.Chat(ctx, Request{Key: "u1", Query: "q"}); err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if _, err := svc.Chat(ctx, Request{Key: "u1", Reset: true}); err != nil {
		t.Fatalf("Chat(reset) error = %v", err)
	}
	if _, err := svc.Chat(ctx, Request{Key: "u1", Query: "q"}); err != nil {
		t.Fatalf("Chat() after reset error = %v", err)
	}
	if n := atomic.LoadInt32(&creates); n != 2 {
		t.Fatalf("factory called %d times, want 2 (fresh session after reset)", n)
	}
}

func TestSendFailureRecoversOnRecreatedSession(t *testing.T) {
	t.Parallel()

	var creates int32
	sessions := make([]*scriptedSession, 0, 2)
	var mu sync.Mutex
	svc := newTestService(t, func(ctx context.Context, req Request) (Session, error) {
		n := atomic.AddInt32(&creates, 1)
		s := &scriptedSession{}
		if n == 1 {
			s.ask = func(ctx context.Context, query string) (Reply, error) {
				return Reply{}, fmt.Errorf("backend timeout")
			}
		} else {
			s.ask = func(ctx context.Context, query string) (Reply, error) {
				return Reply{Content: "ok"}, nil
			}
		}
		mu.Lock()
		sessions = append(sessions, s)
		mu.Unlock()
		return s, nil
	})

	got, err := svc.Chat(context.Background(), Request{Key: "u1", Query: "q"})
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if got != "ok" {
		t.Fatalf("Chat() = %q, want %q", got, "ok")
	}
	live, ok := svc.sessions.get("u1")
	if !ok {
		t.Fatalf("no live session after recovered exchange")
	}
	mu.Lock()
	second := sessions[1]
	mu.Unlock()
	if live != Session(second) {
		t.Fatalf("live session is not the recreated handle")
	}
}

func TestRetrySendFailureYieldsEmptyResult(t *testing.T) {
	t.Parallel()

	svc := newTestService(t, func(ctx context.Context, req Request) (Session, error) {
		return &scriptedSession{ask: func(ctx context.Context, query string) (Reply, error) {
			return Reply{}, fmt.Errorf("backend down")
		}}, nil
	})

	got, err := svc.Chat(context.Background(), Request{Key: "u1", Query: "q"})
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if got != "" {
		t.Fatalf("Chat() = %q, want empty result", got)
	}
}

func TestPersistentBackendFailureLeavesNoSession(t *testing.T) {
	t.Parallel()

	var creates int32
	svc := newTestService(t, func(ctx context.Context, req Request) (Session, error) {
		if atomic.AddInt32(&creates, 1) == 1 {
			return &scriptedSession{ask: func(ctx context.Context, query string) (Reply, error) {
				return Reply{}, fmt.Errorf("backend timeout")
			}}, nil
		}
		// Recreation performs the intro handshake, which also fails.
		return nil, fmt.Errorf("handshake failed")
	})

	got, err := svc.Chat(context.Background(), Request{Key: "u1", Query: "q"})
	if err == nil {
		t.Fatalf("Chat() error = nil, want failure after both attempts")
	}
	if got != "" {
		t.Fatalf("Chat() = %q, want empty result", got)
	}
	if svc.sessions.size() != 0 {
		t.Fatalf("live session left behind after unrecoverable failure")
	}
}

func TestMalformedReplyReturnsSentinelAndInvalidates(t *testing.T) {
	t.Parallel()

	svc := newTestService(t, func(ctx context.Context, req Request) (Session, error) {
		return &scriptedSession{ask: func(ctx context.Context, query string) (Reply, error) {
			return Reply{}, fmt.Errorf("decode reply: %w", ErrMalformedReply)
		}}, nil
	})

	got, err := svc.Chat(context.Background(), Request{Key: "u1", Query: "q"})
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if got != PayloadErrorResult {
		t.Fatalf("Chat() = %q, want %q", got, PayloadErrorResult)
	}
	if svc.sessions.size() != 0 {
		t.Fatalf("session retained after malformed reply")
	}
}

func TestWholeExchangeRetriedOnceOnCreateFailure(t *testing.T) {
	t.Parallel()

	var creates int32
	svc := newTestService(t, func(ctx context.Context, req Request) (Session, error) {
		if atomic.AddInt32(&creates, 1) == 1 {
			return nil, errors.New("transient handshake failure")
		}
		return &scriptedSession{ask: func(ctx context.Context, query string) (Reply, error) {
			return Reply{Content: "ok"}, nil
		}}, nil
	})

	got, err := svc.Chat(context.Background(), Request{Key: "u1", Query: "q"})
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if got != "ok" {
		t.Fatalf("Chat() = %q, want %q", got, "ok")
	}
	if n := atomic.LoadInt32(&creates); n != 2 {
		t.Fatalf("factory called %d times, want 2", n)
	}
}

func TestEvictIdleDropsSessionAndLock(t *testing.T) {
	t.Parallel()

	now := time.Now()
	var clockMu sync.Mutex
	clock := func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		return now
	}
	svc, err := NewService(Config{
		Factory: func(ctx context.Context, req Request) (Session, error) {
			return &scriptedSession{ask: func(ctx context.Context, query string) (Reply, error) {
				return Reply{Content: "ok"}, nil
			}}, nil
		},
		Clock: clock,
	})
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}

	if _, err := svc.Chat(context.Background(), Request{Key: "u1", Query: "q"}); err != nil {
		t.Fatalf("Chat() error = %v", err)
	}

	if n := svc.EvictIdle(time.Hour); n != 0 {
		t.Fatalf("EvictIdle() = %d before TTL elapsed, want 0", n)
	}

	clockMu.Lock()
	now = now.Add(2 * time.Hour)
	clockMu.Unlock()

	if n := svc.EvictIdle(time.Hour); n != 1 {
		t.Fatalf("EvictIdle() = %d, want 1", n)
	}
	if svc.sessions.size() != 0 || svc.locks.size() != 0 {
		t.Fatalf("eviction left sessions=%d locks=%d, want 0/0", svc.sessions.size(), svc.locks.size())
	}
}
