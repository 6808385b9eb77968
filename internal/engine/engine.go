package engine

import (
	"errors"
	"sort"

	"github.com/DoyleJ11/trivia-duel-backend/internal/apperr"
)

var ErrWrongPhase = errors.New("command not valid in current phase")
// ErrStaleSubmission is shared with apperr.
var ErrStaleSubmission = apperr.ErrStaleSubmission
var ErrAlreadyAnswered = errors.New("answer already recorded")
var ErrUnknownPlayer = errors.New("player not in match")
var ErrInvalidAnswer = errors.New("answer index out of range")
var ErrUnsupportedCommand = errors.New("unsupported command")
var ErrMatchFinished = errors.New("match already finished")

type Phase string

const (
	PhaseQuestion Phase = "question"
	PhaseReveal   Phase = "reveal"
	PhaseFinished Phase = "finished"
)

// DefaultDurationMs is what a match without a stored duration runs with.
const DefaultDurationMs = 15000

type Question struct {
	Index        int      `json:"index"`
	Category     string   `json:"category"`
	Text         string   `json:"text"`
	Options      []string `json:"options"`
	CorrectIndex int      `json:"correctIndex"`
}

type Answer struct {
	AnswerIndex int   `json:"answerIndex"`
	Timestamp   int64 `json:"timestamp"` // unix ms, server clock
}

// Match is the authoritative per-room record. Absence of a Match means the
// room has not started.
type Match struct {
	Phase              Phase                     `json:"phase"`
	CurrentIndex       int                       `json:"currentIndex"`
	QuestionStartAt    int64                     `json:"questionStartAt"`
	QuestionDurationMs int64                     `json:"questionDurationMs"`
	Questions          []Question                `json:"questions"`
	Answers            map[int]map[string]Answer `json:"answers"`
	Scores             map[string]int            `json:"scores"`
	RevealStartAt      int64                     `json:"revealStartAt,omitempty"`
	StartedAt          int64                     `json:"startedAt"`
}

type CommandType string

const (
	CmdSubmitAnswer  CommandType = "SubmitAnswer"
	CmdCloseQuestion CommandType = "CloseQuestion"
	CmdAdvance       CommandType = "Advance"
)

/*
	CmdSubmitAnswer  -> EvtAnswerRecorded
	CmdCloseQuestion -> [EvtPointAwarded] -> EvtQuestionClosed
	                    (or EvtMatchFinished when currentIndex is past the last question)
	CmdAdvance       -> EvtQuestionStarted or EvtMatchFinished
	Advance carries the index that was closed so a late or duplicate timer
	cannot skip a question.
*/

type Command struct {
	Type          CommandType
	UserID        string
	QuestionIndex int
	AnswerIndex   int
	At            int64 // unix ms
}

type EventType string

const (
	EvtAnswerRecorded  EventType = "AnswerRecorded"
	EvtPointAwarded    EventType = "PointAwarded"
	EvtQuestionClosed  EventType = "QuestionClosed"
	EvtQuestionStarted EventType = "QuestionStarted"
	EvtMatchFinished   EventType = "MatchFinished"
)

type Event struct {
	Type          EventType
	UserID        string
	QuestionIndex int
}

// Apply is pure: the input match is never modified.
func Apply(m Match, cmd Command) ([]Event, Match, error) {
	if m.Phase == PhaseFinished {
		return nil, m, ErrMatchFinished
	}

	switch cmd.Type {
	case CmdSubmitAnswer:
		if m.Phase != PhaseQuestion || cmd.QuestionIndex != m.CurrentIndex {
			return nil, m, ErrStaleSubmission
		}
		if _, ok := m.Scores[cmd.UserID]; !ok {
			return nil, m, ErrUnknownPlayer
		}
		q, ok := m.Question(cmd.QuestionIndex)
		if !ok {
			return nil, m, ErrStaleSubmission
		}
		if cmd.AnswerIndex < 0 || cmd.AnswerIndex >= len(q.Options) {
			return nil, m, ErrInvalidAnswer
		}
		// First write wins
		if _, ok := m.Answers[cmd.QuestionIndex][cmd.UserID]; ok {
			return nil, m, ErrAlreadyAnswered
		}

		next := m.Clone()
		if next.Answers[cmd.QuestionIndex] == nil {
			next.Answers[cmd.QuestionIndex] = map[string]Answer{}
		}
		next.Answers[cmd.QuestionIndex][cmd.UserID] = Answer{AnswerIndex: cmd.AnswerIndex, Timestamp: cmd.At}
		return []Event{{Type: EvtAnswerRecorded, UserID: cmd.UserID, QuestionIndex: cmd.QuestionIndex}}, next, nil

	case CmdCloseQuestion:
		if m.Phase != PhaseQuestion {
			return nil, m, ErrWrongPhase
		}
		next := m.Clone()
		q, ok := m.Question(m.CurrentIndex)
		if !ok {
			next.Phase = PhaseFinished
			return []Event{{Type: EvtMatchFinished, QuestionIndex: m.CurrentIndex}}, next, nil
		}

		events := []Event{}
		if uid, ok := FirstCorrect(m.Answers[m.CurrentIndex], q.CorrectIndex); ok {
			next.Scores[uid]++
			events = append(events, Event{Type: EvtPointAwarded, UserID: uid, QuestionIndex: m.CurrentIndex})
		}
		next.Phase = PhaseReveal
		next.RevealStartAt = cmd.At
		events = append(events, Event{Type: EvtQuestionClosed, QuestionIndex: m.CurrentIndex})
		return events, next, nil

	case CmdAdvance:
		if m.Phase != PhaseReveal || m.CurrentIndex != cmd.QuestionIndex {
			return nil, m, ErrWrongPhase
		}
		next := m.Clone()
		if m.CurrentIndex+1 < len(m.Questions) {
			next.Phase = PhaseQuestion
			next.CurrentIndex = m.CurrentIndex + 1
			next.QuestionStartAt = cmd.At
			return []Event{{Type: EvtQuestionStarted, QuestionIndex: next.CurrentIndex}}, next, nil
		}
		next.Phase = PhaseFinished
		return []Event{{Type: EvtMatchFinished, QuestionIndex: m.CurrentIndex}}, next, nil

	default:
		return nil, m, ErrUnsupportedCommand
	}
}

// FirstCorrect picks the single scorer of a question: the earliest correct
// answer, ties on the same millisecond going to the smaller user id.
func FirstCorrect(answers map[string]Answer, correctIndex int) (string, bool) {
	type hit struct {
		uid string
		ts  int64
	}
	hits := []hit{}
	for uid, a := range answers {
		if a.AnswerIndex == correctIndex {
			hits = append(hits, hit{uid, a.Timestamp})
		}
	}
	if len(hits) == 0 {
		return "", false
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].ts != hits[j].ts {
			return hits[i].ts < hits[j].ts
		}
		return hits[i].uid < hits[j].uid
	})
	return hits[0].uid, true
}
