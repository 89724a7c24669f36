package core

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/signalsfoundry/rail-simulator/internal/logging"
	"github.com/signalsfoundry/rail-simulator/timectrl"
)

// Section is a track section held by at most one train at a time.
//
// Exclusivity is a single-slot token channel: the token sits in the channel
// while the section is free, Acquire receives it and Release sends it back.
// When several trains wait, whichever receive the runtime completes first
// wins; there is no FIFO queue and a late arrival may overtake an earlier
// waiter.
type Section struct {
	ID         int
	Name       string
	TravelTime time.Duration

	mu    sync.Mutex
	token chan struct{}
	owner atomic.Pointer[string]

	observer ResourceObserver
	clock    timectrl.Clock
	log      logging.Logger
}

// NewSection constructs a free section.
func NewSection(id int, name string, travel time.Duration, opts ...Option) (*Section, error) {
	if name == "" {
		return nil, fmt.Errorf("section %d: %w", id, ErrEmptyName)
	}
	if travel < 0 {
		return nil, fmt.Errorf("section %q: %w", name, ErrNegativeDuration)
	}
	o := buildOptions(opts)
	s := &Section{
		ID:         id,
		Name:       name,
		TravelTime: travel,
		token:      make(chan struct{}, 1),
		observer:   o.observer,
		clock:      o.clock,
		log:        o.log,
	}
	s.token <- struct{}{}
	return s, nil
}

// Owner returns the id of the train currently holding the section, or ""
// when it is free. It does not take the section lock, so a concurrent
// Acquire or Release may or may not be reflected.
func (s *Section) Owner() string {
	if p := s.owner.Load(); p != nil {
		return *p
	}
	return ""
}

// Acquire blocks until agentID owns the section and returns true. A positive
// timeout bounds the wait; when it elapses first Acquire returns false.
// Cancelling ctx also returns false. Acquiring twice with the same id is not
// special-cased and will block like any other contender.
func (s *Section) Acquire(ctx context.Context, agentID string, timeout time.Duration) bool {
	begin := s.clock.Now()

	select {
	case <-s.token:
		s.claim(ctx, agentID, begin)
		return true
	default:
	}

	s.mu.Lock()
	owner := s.Owner()
	s.loggerFor(ctx).Info(ctx, "section wait",
		logging.String("train", agentID),
		logging.String("section", s.Name),
		logging.String("owner", owner),
	)
	s.observer.SectionWaiting(s.Name, agentID, owner)
	s.mu.Unlock()

	var deadline <-chan time.Time
	if timeout > 0 {
		deadline = s.clock.After(timeout)
	}

	select {
	case <-s.token:
		s.claim(ctx, agentID, begin)
		return true
	case <-deadline:
		s.mu.Lock()
		s.loggerFor(ctx).Warn(ctx, "section acquire timed out",
			logging.String("train", agentID),
			logging.String("section", s.Name),
			logging.Duration("timeout", timeout),
		)
		s.observer.SectionTimedOut(s.Name, agentID)
		s.mu.Unlock()
		return false
	case <-ctx.Done():
		s.loggerFor(ctx).Warn(ctx, "section acquire cancelled",
			logging.String("train", agentID),
			logging.String("section", s.Name),
			logging.Err(ctx.Err()),
		)
		return false
	}
}

func (s *Section) claim(ctx context.Context, agentID string, begin time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := agentID
	s.owner.Store(&id)
	waited := s.clock.Now().Sub(begin)
	s.loggerFor(ctx).Info(ctx, "section enter",
		logging.String("train", agentID),
		logging.String("section", s.Name),
	)
	s.observer.SectionEntered(s.Name, agentID, waited)
}

// Release frees the section if agentID owns it and hands the token to
// whichever waiter receives it first. A release by anyone else only logs a
// warning; ownership and waiters are untouched.
func (s *Section) Release(ctx context.Context, agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	owner := s.Owner()
	if owner == "" || owner != agentID {
		s.loggerFor(ctx).Warn(ctx, "section release rejected",
			logging.String("train", agentID),
			logging.String("section", s.Name),
			logging.String("owner", owner),
		)
		s.observer.SectionReleaseRejected(s.Name, agentID, owner)
		return
	}

	s.owner.Store(nil)
	s.loggerFor(ctx).Info(ctx, "section leave",
		logging.String("train", agentID),
		logging.String("section", s.Name),
	)
	s.observer.SectionLeft(s.Name, agentID)

	// The channel is empty while owned, so this never blocks.
	s.token <- struct{}{}
}

func (s *Section) loggerFor(ctx context.Context) logging.Logger {
	if l := logging.LoggerFromContext(ctx); l != nil {
		return l
	}
	return s.log
}

func (s *Section) String() string {
	return fmt.Sprintf("%s(%d)", s.Name, s.ID)
}
