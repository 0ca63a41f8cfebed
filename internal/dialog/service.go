package dialog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// MaxResultLen caps any text returned by an exchange, in runes. The
// delivery layer and Telegram both assume replies never exceed it.
const MaxResultLen = 4096

// PayloadErrorResult is returned when the backend answered but its
// payload could not be interpreted. Kept distinct from the empty
// failure result; callers must not depend on the literal text.
const PayloadErrorResult = "payload error"

// ErrMalformedReply marks a backend response whose expected fields are
// missing or unreadable. Wiring code wraps backend parse failures with
// it so the orchestrator can tell them apart from transport errors.
var ErrMalformedReply = errors.New("malformed backend reply")

// Request is one conversational turn. Immutable; passed by value.
type Request struct {
	Key      string
	Query    string
	Token    string
	Lang     string
	UserName string
	Reset    bool
}

type Reply struct {
	Content string
	Links   []string
}

// Session is a live backend conversation. Implementations are not
// required to be safe for concurrent use; the Service serializes all
// access through the dialog lock.
type Session interface {
	Ask(ctx context.Context, query string) (Reply, error)
}

// SessionFactory opens a new backend session for a request, including
// whatever handshake the backend needs to pin locale and identity.
type SessionFactory func(ctx context.Context, req Request) (Session, error)

type Config struct {
	Factory SessionFactory
	Logger  *slog.Logger
	Clock   func() time.Time
}

// Service owns the per-key sessions and locks and runs the exchange
// protocol. Construct one per process (or per test) and pass it down;
// there is no package-level state.
type Service struct {
	factory  SessionFactory
	logger   *slog.Logger
	clock    func() time.Time
	locks    *lockRegistry
	sessions *sessionStore
}

func NewService(cfg Config) (*Service, error) {
	if cfg.Factory == nil {
		return nil, fmt.Errorf("dialog: session factory is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		factory:  cfg.Factory,
		logger:   logger,
		clock:    clock,
		locks:    newLockRegistry(),
		sessions: newSessionStore(),
	}, nil
}

// Chat runs one full turn for req.Key under the key's dialog lock.
// The lock is held across both send attempts and the whole-exchange
// retry, so at most one exchange per key is ever in flight; exchanges
// on different keys proceed independently.
//
// A non-nil error means both whole-exchange attempts failed; the
// transport boundary is expected to degrade that to its own
// locale-appropriate "no answer" message.
func (s *Service) Chat(ctx context.Context, req Request) (string, error) {
	release := s.locks.acquire(req.Key, s.clock)
	defer release()

	exchangeID := uuid.NewString()
	result, err := s.exchange(ctx, req, exchangeID)
	if err == nil {
		return result, nil
	}
	s.logger.Warn("dialog_exchange_error", "key", req.Key, "exchange_id", exchangeID, "error", err.Error())

	result, err = s.exchange(ctx, req, exchangeID)
	if err != nil {
		s.logger.Warn("dialog_exchange_retry_error", "key", req.Key, "exchange_id", exchangeID, "error", err.Error())
		return "", err
	}
	return result, nil
}

// exchange is the per-turn state machine. Callers must hold the dialog
// lock for req.Key.
func (s *Service) exchange(ctx context.Context, req Request, exchangeID string) (string, error) {
	if req.Reset {
		if !s.sessions.invalidate(req.Key) {
			s.logger.Debug("dialog_reset_missing", "key", req.Key, "exchange_id", exchangeID)
		}
		return "", nil
	}

	sess, ok := s.sessions.get(req.Key)
	if !ok {
		created, err := s.factory(ctx, req)
		if err != nil {
			return "", fmt.Errorf("create session: %w", err)
		}
		s.sessions.put(req.Key, created)
		sess = created
	}

	reply, err := sess.Ask(ctx, req.Query)
	if err != nil {
		if errors.Is(err, ErrMalformedReply) {
			s.sessions.invalidate(req.Key)
			s.logger.Warn("dialog_malformed_reply", "key", req.Key, "exchange_id", exchangeID, "error", err.Error())
			return PayloadErrorResult, nil
		}
		s.logger.Warn("dialog_send_error", "key", req.Key, "exchange_id", exchangeID, "error", err.Error())

		s.sessions.invalidate(req.Key)
		recreated, createErr := s.factory(ctx, req)
		if createErr != nil {
			return "", fmt.Errorf("recreate session: %w", createErr)
		}
		s.sessions.put(req.Key, recreated)

		reply, err = recreated.Ask(ctx, req.Query)
		if err != nil {
			if errors.Is(err, ErrMalformedReply) {
				s.sessions.invalidate(req.Key)
				s.logger.Warn("dialog_malformed_reply", "key", req.Key, "exchange_id", exchangeID, "error", err.Error())
				return PayloadErrorResult, nil
			}
			s.logger.Warn("dialog_retry_send_error", "key", req.Key, "exchange_id", exchangeID, "error", err.Error())
			return "", nil
		}
	}

	return truncateRunes(reply.Content, MaxResultLen), nil
}

// EvictIdle drops sessions and locks untouched for at least maxIdle.
// Keys whose lock is currently held are never evicted. Returns the
// number of keys removed.
func (s *Service) EvictIdle(maxIdle time.Duration) int {
	if maxIdle <= 0 {
		return 0
	}
	evicted := s.locks.evictIdle(s.clock(), maxIdle, func(key string) {
		s.sessions.invalidate(key)
	})
	if evicted > 0 {
		s.logger.Info("dialog_evicted_idle", "count", evicted, "max_idle", maxIdle.String())
	}
	return evicted
}

func truncateRunes(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	return string([]rune(s)[:max])
}
