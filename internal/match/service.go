package match

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/DoyleJ11/trivia-duel-backend/internal/apperr"
	"github.com/DoyleJ11/trivia-duel-backend/internal/docstore"
	"github.com/DoyleJ11/trivia-duel-backend/internal/engine"
	"github.com/DoyleJ11/trivia-duel-backend/internal/timer"
	"go.uber.org/zap"
)

const matchesPrefix = "games"

const DefaultRevealDelay = 2 * time.Second

// Roster answers who is in a room. The lobby manager implements it.
type Roster interface {
	HumanIDs(ctx context.Context, code string) ([]string, error)
	GetHostID(ctx context.Context, code string) (string, error)
}

// FinishedFunc runs once per match, after the commit that finished it.
type FinishedFunc func(ctx context.Context, code string, m engine.Match)

type Options struct {
	RevealDelay time.Duration
	Clock       timer.Clock
	Logger      *zap.Logger
}

// Service is the Match State Machine over the shared store. All phase
// changes are conditional updates that run engine.Apply on the freshest copy.
type Service struct {
	matches *docstore.Collection[engine.Match]
	roster  Roster

	revealDelay time.Duration
	clock       timer.Clock
	log         *zap.Logger

	mu       sync.Mutex
	pending  map[string]*pendingAdvance
	hooks    []FinishedFunc
	closed   bool
	inflight sync.WaitGroup
}

func NewService(store docstore.Store, roster Roster, opts Options) *Service {
	s := &Service{
		matches:     docstore.NewCollection[engine.Match](store, matchesPrefix),
		roster:      roster,
		revealDelay: opts.RevealDelay,
		clock:       opts.Clock,
		log:         opts.Logger,
		pending:     make(map[string]*pendingAdvance),
	}
	if s.revealDelay <= 0 {
		s.revealDelay = DefaultRevealDelay
	}
	if s.clock == nil {
		s.clock = timer.System
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	return s
}

func (s *Service) OnFinished(fn FinishedFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, fn)
}

func (s *Service) nowMs() int64 { return s.clock.Now().UnixMilli() }

// Create writes the whole Match in one commit. A live match blocks a new
// one; a finished match may be replaced.
func (s *Service) Create(ctx context.Context, code string, questions []engine.Question, durationMs int64, roster []string) error {
	_, err := s.matches.Update(ctx, code, func(cur *engine.Match) (*engine.Match, error) {
		if cur != nil && cur.Phase != engine.PhaseFinished {
			return nil, apperr.ErrMatchInProgress
		}
		m := engine.NewMatch(questions, durationMs, roster, s.nowMs())
		return &m, nil
	})
	if err != nil {
		return err
	}
	s.cancelAdvance(code)
	return nil
}

func (s *Service) GetMatchOnce(ctx context.Context, code string) (*engine.Match, error) {
	return s.matches.Get(ctx, code)
}

func (s *Service) SubscribeMatch(ctx context.Context, code string) (*docstore.Watch[engine.Match], error) {
	return s.matches.Subscribe(ctx, code)
}

// SubmitAnswer records the first answer of uid for question qi. Answers for
// a question that is no longer open, and repeats, are dropped without error.
func (s *Service) SubmitAnswer(ctx context.Context, code string, qi int, uid string, answerIndex int) error {
	recorded := false
	m, err := s.matches.Update(ctx, code, func(cur *engine.Match) (*engine.Match, error) {
		recorded = false
		if cur == nil {
			return nil, apperr.ErrMatchNotFound
		}
		_, next, err := engine.Apply(*cur, engine.Command{
			Type:          engine.CmdSubmitAnswer,
			UserID:        uid,
			QuestionIndex: qi,
			AnswerIndex:   answerIndex,
			At:            s.nowMs(),
		})
		switch {
		case errors.Is(err, engine.ErrStaleSubmission), errors.Is(err, engine.ErrAlreadyAnswered), errors.Is(err, engine.ErrMatchFinished):
			return nil, docstore.ErrNoChange
		case errors.Is(err, engine.ErrUnknownPlayer):
			return nil, apperr.Validation("uid", "not a player in this match")
		case errors.Is(err, engine.ErrInvalidAnswer):
			return nil, apperr.Validation("answerIndex", "out of range")
		case err != nil:
			return nil, err
		}
		recorded = true
		return &next, nil
	})
	if err != nil {
		return err
	}
	if !recorded {
		s.log.Debug("answer ignored", zap.String("room", code), zap.String("uid", uid), zap.Int("question", qi))
		return nil
	}

	// Early close. Racing callers may all get here; the close is phase guarded.
	humans, err := s.roster.HumanIDs(ctx, code)
	if err != nil {
		s.log.Warn("early close check failed", zap.String("room", code), zap.Error(err))
		return nil
	}
	if engine.AllAnswered(*m, qi, humans) {
		if _, err := s.closeQuestion(ctx, code, qi); err != nil {
			s.log.Warn("early close failed", zap.String("room", code), zap.Error(err))
		}
	}
	return nil
}

// CloseQuestion resolves the open question. It is a no-op when the match is
// not in the question phase.
func (s *Service) CloseQuestion(ctx context.Context, code string) error {
	_, err := s.closeQuestion(ctx, code, -1)
	return err
}

// CloseQuestionAt is CloseQuestion that also requires question index to be
// the open one. Timers use it so a late fire never closes the next question.
func (s *Service) CloseQuestionAt(ctx context.Context, code string, index int) error {
	_, err := s.closeQuestion(ctx, code, index)
	return err
}

// CloseQuestionBy is the manual close. Only the room host may use it.
func (s *Service) CloseQuestionBy(ctx context.Context, code, uid string) error {
	host, err := s.roster.GetHostID(ctx, code)
	if err != nil {
		return err
	}
	if host != uid {
		return apperr.ErrAuthorityViolation
	}
	return s.CloseQuestion(ctx, code)
}

func (s *Service) closeQuestion(ctx context.Context, code string, index int) (bool, error) {
	var closed bool
	var events []engine.Event
	var closedIndex int
	m, err := s.matches.Update(ctx, code, func(cur *engine.Match) (*engine.Match, error) {
		closed = false
		if cur == nil {
			return nil, apperr.ErrMatchNotFound
		}
		if index >= 0 && cur.CurrentIndex != index {
			return nil, docstore.ErrNoChange
		}
		ev, next, err := engine.Apply(*cur, engine.Command{Type: engine.CmdCloseQuestion, At: s.nowMs()})
		if errors.Is(err, engine.ErrWrongPhase) || errors.Is(err, engine.ErrMatchFinished) {
			return nil, docstore.ErrNoChange
		}
		if err != nil {
			return nil, err
		}
		closed, events, closedIndex = true, ev, cur.CurrentIndex
		return &next, nil
	})
	if err != nil || !closed {
		return false, err
	}

	for _, ev := range events {
		if ev.Type == engine.EvtPointAwarded {
			s.log.Info("point awarded", zap.String("room", code), zap.String("uid", ev.UserID), zap.Int("question", ev.QuestionIndex))
		}
	}
	if m.Phase == engine.PhaseFinished {
		s.finished(code, *m)
		return true, nil
	}
	s.scheduleAdvance(code, closedIndex)
	return true, nil
}

type pendingAdvance struct {
	stop func() bool
}

func (s *Service) scheduleAdvance(code string, closedIndex int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.dropPendingLocked(code)

	p := &pendingAdvance{}
	s.inflight.Add(1)
	p.stop = s.clock.AfterFunc(s.revealDelay, func() {
		defer s.inflight.Done()
		s.mu.Lock()
		if s.pending[code] == p {
			delete(s.pending, code)
		}
		s.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.advance(ctx, code, closedIndex); err != nil {
			s.log.Warn("advance failed", zap.String("room", code), zap.Int("question", closedIndex), zap.Error(err))
		}
	})
	s.pending[code] = p
}

func (s *Service) dropPendingLocked(code string) {
	if p, ok := s.pending[code]; ok {
		if p.stop() {
			s.inflight.Done()
		}
		delete(s.pending, code)
	}
}

func (s *Service) cancelAdvance(code string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropPendingLocked(code)
}

// advance leaves the reveal of closedIndex. It only writes while the match
// still sits in that reveal.
func (s *Service) advance(ctx context.Context, code string, closedIndex int) error {
	var moved bool
	var events []engine.Event
	m, err := s.matches.Update(ctx, code, func(cur *engine.Match) (*engine.Match, error) {
		moved = false
		if cur == nil {
			return nil, docstore.ErrNoChange
		}
		ev, next, err := engine.Apply(*cur, engine.Command{Type: engine.CmdAdvance, QuestionIndex: closedIndex, At: s.nowMs()})
		if errors.Is(err, engine.ErrWrongPhase) || errors.Is(err, engine.ErrMatchFinished) {
			return nil, docstore.ErrNoChange
		}
		if err != nil {
			return nil, err
		}
		moved, events = true, ev
		return &next, nil
	})
	if err != nil || !moved {
		return err
	}
	if engine.ContainsEvent(events, engine.EvtMatchFinished) {
		s.finished(code, *m)
	}
	return nil
}

func (s *Service) finished(code string, m engine.Match) {
	uid, tie := engine.Winner(m)
	s.log.Info("match finished", zap.String("room", code), zap.String("winner", uid), zap.Bool("tie", tie))

	s.mu.Lock()
	hooks := append([]FinishedFunc(nil), s.hooks...)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, h := range hooks {
		h(ctx, code, m)
	}
}

// Close cancels pending advances and waits for running ones.
func (s *Service) Close() {
	s.mu.Lock()
	s.closed = true
	for code := range s.pending {
		s.dropPendingLocked(code)
	}
	s.mu.Unlock()
	s.inflight.Wait()
}
