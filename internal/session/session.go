package session

import (
	"context"
	"errors"
	"time"

	"github.com/DoyleJ11/trivia-duel-backend/internal/docstore"
	"github.com/DoyleJ11/trivia-duel-backend/internal/engine"
	"github.com/DoyleJ11/trivia-duel-backend/internal/identity"
	"github.com/DoyleJ11/trivia-duel-backend/internal/lobby"
	"github.com/DoyleJ11/trivia-duel-backend/internal/timer"
	"go.uber.org/zap"
)

var ErrFeedClosed = errors.New("store feed closed")

type RoomSource interface {
	SubscribeRoom(ctx context.Context, code string) (*docstore.Watch[lobby.Room], error)
}

type MatchSource interface {
	SubscribeMatch(ctx context.Context, code string) (*docstore.Watch[engine.Match], error)
	CloseQuestionAt(ctx context.Context, code string, index int) error
}

type Kind string

const (
	KindRoom  Kind = "room"
	KindMatch Kind = "match"
	KindTick  Kind = "tick"
)

// Event is what a session pushes to its client. Room and Match may be nil
// when the document does not exist yet.
type Event struct {
	Kind      Kind
	Room      *lobby.Room
	Match     *engine.Match
	Index     int
	Remaining int
}

type Config struct {
	UID  string
	Code string

	Clock timer.Clock
	// FailoverGrace > 0 lets a non-host session close an expired question
	// once the grace has passed too.
	FailoverGrace     time.Duration
	CountdownInterval time.Duration
	GuardInterval     time.Duration
	Logger            *zap.Logger
}

type tick struct {
	index     int
	startAt   int64
	remaining int
}

// Session is the per-client state: one user in one room. It folds the room
// and match feeds into a single ordered event stream and drives the
// countdown and the host guard for the open question.
type Session struct {
	id      string
	cfg     Config
	matches MatchSource
	log     *zap.Logger

	roomW  *docstore.Watch[lobby.Room]
	matchW *docstore.Watch[engine.Match]

	out    chan Event
	ticks  chan tick
	fires  chan int
	cancel context.CancelFunc
	done   chan struct{}
	err    error

	room      *lobby.Room
	match     *engine.Match
	countdown *timer.Countdown
	guard     *timer.Guard
	armed     tick
	armedHost bool
	lastLeft  int
}

func Start(parent context.Context, rooms RoomSource, matches MatchSource, cfg Config) (*Session, error) {
	if cfg.Clock == nil {
		cfg.Clock = timer.System
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(parent)

	roomW, err := rooms.SubscribeRoom(ctx, cfg.Code)
	if err != nil {
		cancel()
		return nil, err
	}
	matchW, err := matches.SubscribeMatch(ctx, cfg.Code)
	if err != nil {
		roomW.Close()
		cancel()
		return nil, err
	}

	s := &Session{
		id:      identity.NewUID(),
		cfg:     cfg,
		matches: matches,
		log:     log.With(zap.String("room", cfg.Code), zap.String("uid", cfg.UID)),
		roomW:   roomW,
		matchW:  matchW,
		out:     make(chan Event, 16),
		ticks:   make(chan tick, 1),
		fires:   make(chan int, 4),
		cancel:  cancel,
		done:    make(chan struct{}),
		armed:   tick{index: -1},
	}
	go s.run(ctx)
	return s, nil
}

func (s *Session) ID() string { return s.id }
func (s *Session) UID() string { return s.cfg.UID }
func (s *Session) Code() string { return s.cfg.Code }
func (s *Session) Events() <-chan Event { return s.out }
func (s *Session) Done() <-chan struct{} { return s.done }

// Err is nil after a normal Close.
func (s *Session) Err() error {
	<-s.done
	return s.err
}

// Close releases the feeds and timers and waits for the loop to exit.
func (s *Session) Close() {
	s.cancel()
	<-s.done
}

func (s *Session) run(ctx context.Context) {
	defer close(s.done)
	defer close(s.out)
	defer s.disarm()
	defer s.matchW.Close()
	defer s.roomW.Close()

	for {
		select {
		case <-ctx.Done():
			return

		case r, ok := <-s.roomW.C:
			if !ok {
				s.fail(ctx, ErrFeedClosed)
				return
			}
			s.room = r
			s.emit(ctx, Event{Kind: KindRoom, Room: r})
			s.rearm(ctx)

		case m, ok := <-s.matchW.C:
			if !ok {
				s.fail(ctx, ErrFeedClosed)
				return
			}
			s.match = m
			ev := Event{Kind: KindMatch, Match: m}
			if m != nil {
				ev.Index = m.CurrentIndex
				ev.Remaining = engine.RemainingSeconds(*m, s.cfg.Clock.Now().UnixMilli())
			}
			s.emit(ctx, ev)
			s.rearm(ctx)

		case t := <-s.ticks:
			if t.index != s.armed.index || t.startAt != s.armed.startAt || t.remaining == s.lastLeft {
				continue // late tick from a replaced countdown, or nothing new
			}
			s.lastLeft = t.remaining
			s.emit(ctx, Event{Kind: KindTick, Index: t.index, Remaining: t.remaining})

		case idx := <-s.fires:
			if s.match == nil || s.match.Phase != engine.PhaseQuestion || s.match.CurrentIndex != idx {
				continue
			}
			if err := s.matches.CloseQuestionAt(ctx, s.cfg.Code, idx); err != nil && ctx.Err() == nil {
				s.log.Warn("guard close failed", zap.Int("question", idx), zap.Error(err))
			}
		}
	}
}

func (s *Session) fail(ctx context.Context, err error) {
	if ctx.Err() == nil {
		s.err = err
	}
}

func (s *Session) emit(ctx context.Context, ev Event) {
	select {
	case s.out <- ev:
	case <-ctx.Done():
	}
}

func (s *Session) isHost() bool {
	return s.room != nil && s.room.IsHost(s.cfg.UID)
}

// rearm keeps exactly one countdown (and at most one guard) running for the
// open question window.
func (s *Session) rearm(ctx context.Context) {
	m := s.match
	if m == nil || m.Phase != engine.PhaseQuestion {
		s.disarm()
		return
	}
	host := s.isHost()
	if s.armed.index == m.CurrentIndex && s.armed.startAt == m.QuestionStartAt && s.armedHost == host {
		return
	}
	s.disarm()
	s.armed = tick{index: m.CurrentIndex, startAt: m.QuestionStartAt}
	s.armedHost = host
	s.lastLeft = -1

	key := s.armed
	s.countdown = timer.StartCountdown(ctx, s.cfg.Clock, *m, s.cfg.CountdownInterval, func(left int) {
		latest(s.ticks, tick{index: key.index, startAt: key.startAt, remaining: left})
	})

	deadline := time.UnixMilli(m.Deadline())
	switch {
	case host:
	case s.cfg.FailoverGrace > 0:
		deadline = deadline.Add(s.cfg.FailoverGrace)
	default:
		return
	}
	s.guard = timer.StartGuard(ctx, s.cfg.Clock, m.CurrentIndex, deadline, s.cfg.GuardInterval, func(idx int) {
		select {
		case s.fires <- idx:
		default:
		}
	})
}

func (s *Session) disarm() {
	if s.countdown != nil {
		s.countdown.Stop()
		s.countdown = nil
	}
	if s.guard != nil {
		s.guard.Stop()
		s.guard = nil
	}
	s.armed = tick{index: -1}
}

// latest replaces a buffered value so the loop always sees the newest one.
// Senders may race here; a lost value is superseded by the winner anyway.
func latest[T any](ch chan T, v T) {
	for {
		select {
		case ch <- v:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
