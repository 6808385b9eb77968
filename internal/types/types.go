package types

import (
	"github.com/DoyleJ11/trivia-duel-backend/internal/engine"
	"github.com/DoyleJ11/trivia-duel-backend/internal/lobby"
	pub "github.com/DoyleJ11/trivia-duel-backend/pkg/types"
)

const (
	MsgSubmitAnswer  = "SubmitAnswer"
	MsgCloseQuestion = "CloseQuestion"
	MsgAddAI         = "AddAI"
	MsgStartMatch    = "StartMatch"

	MsgRoomSnapshot  = "RoomSnapshot"
	MsgMatchSnapshot = "MatchSnapshot"
	MsgTick          = "Tick"
	MsgError         = "Error"
)

type ClientMessage struct {
	Type          string               `json:"type"`
	QuestionIndex *int                 `json:"questionIndex,omitempty"`
	AnswerIndex   *int                 `json:"answerIndex,omitempty"`
	DurationMs    int64                `json:"durationMs,omitempty"`
	Questions     []engine.RawQuestion `json:"questions,omitempty"`
}

type ServerMessage struct {
	Type      string             `json:"type"` // "RoomSnapshot" | "MatchSnapshot" | "Tick" | "Error"
	Room      *pub.RoomSnapshot  `json:"room,omitempty"`
	Match     *pub.MatchSnapshot `json:"match,omitempty"`
	Index     *int               `json:"index,omitempty"`
	Remaining *int               `json:"remaining,omitempty"`
	Error     string             `json:"error,omitempty"`
}

func RoomView(r *lobby.Room, joinURL string) *pub.RoomSnapshot {
	if r == nil {
		return nil
	}
	snap := &pub.RoomSnapshot{
		Code:      r.Code,
		CreatedBy: r.CreatedBy,
		Status:    string(r.Status),
		CreatedAt: r.CreatedAt,
		Players:   []pub.Player{},
		JoinURL:   joinURL,
	}
	for _, p := range r.Sorted() {
		snap.Players = append(snap.Players, pub.Player{
			ID:       p.ID,
			Name:     p.Name,
			Avatar:   p.Avatar,
			Role:     string(p.Role),
			IsReady:  p.IsReady,
			Online:   p.Online,
			JoinedAt: p.JoinedAt,
		})
	}
	return snap
}

func revealed(m *engine.Match, qi int) bool {
	if m.Phase == engine.PhaseFinished {
		return true
	}
	if m.Phase == engine.PhaseQuestion {
		return qi < m.CurrentIndex
	}
	return qi <= m.CurrentIndex
}

// MatchView hides the answer key and the choices of any question that is
// still open.
func MatchView(m *engine.Match, nowMs int64) *pub.MatchSnapshot {
	if m == nil {
		return nil
	}
	snap := &pub.MatchSnapshot{
		Phase:              string(m.Phase),
		CurrentIndex:       m.CurrentIndex,
		QuestionStartAt:    m.QuestionStartAt,
		QuestionDurationMs: m.DurationMs(),
		RevealStartAt:      m.RevealStartAt,
		StartedAt:          m.StartedAt,
		Questions:          make([]pub.Question, 0, len(m.Questions)),
		Answers:            make(map[int]map[string]pub.AnswerRef, len(m.Answers)),
		Scores:             make(map[string]int, len(m.Scores)),
		Standings:          []pub.Standing{},
	}
	if m.Phase == engine.PhaseQuestion {
		snap.Remaining = engine.RemainingSeconds(*m, nowMs)
	}
	for i, q := range m.Questions {
		v := pub.Question{Index: q.Index, Category: q.Category, Text: q.Text, Options: append([]string(nil), q.Options...)}
		if revealed(m, i) {
			ci := q.CorrectIndex
			v.CorrectIndex = &ci
		}
		snap.Questions = append(snap.Questions, v)
	}
	for qi, cell := range m.Answers {
		out := make(map[string]pub.AnswerRef, len(cell))
		for uid, a := range cell {
			ref := pub.AnswerRef{Answered: true}
			if revealed(m, qi) {
				ai := a.AnswerIndex
				ref.AnswerIndex = &ai
				ref.Timestamp = a.Timestamp
			}
			out[uid] = ref
		}
		snap.Answers[qi] = out
	}
	for uid, s := range m.Scores {
		snap.Scores[uid] = s
	}
	for _, st := range engine.Standings(*m) {
		snap.Standings = append(snap.Standings, pub.Standing{UserID: st.UserID, Score: st.Score})
	}
	if m.Phase == engine.PhaseFinished {
		snap.Winner, snap.Tie = engine.Winner(*m)
	}
	return snap
}

func ErrorMessage(err error) ServerMessage {
	return ServerMessage{Type: MsgError, Error: err.Error()}
}
