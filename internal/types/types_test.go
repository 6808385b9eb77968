package types

import (
	"testing"

	"github.com/DoyleJ11/trivia-duel-backend/internal/engine"
	"github.com/DoyleJ11/trivia-duel-backend/internal/lobby"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchViewHidesOpenQuestion(t *testing.T) {
	m := engine.NewMatch(engine.DefaultQuestions(), 30000, []string{"host", "guest"}, 0)
	m.Answers[0] = map[string]engine.Answer{"guest": {AnswerIndex: 1, Timestamp: 900}}

	v := MatchView(&m, 1000)
	assert.Equal(t, "question", v.Phase)
	assert.Equal(t, 29, v.Remaining)
	for _, q := range v.Questions {
		assert.Nil(t, q.CorrectIndex, "question %d leaked its key", q.Index)
	}
	ref := v.Answers[0]["guest"]
	assert.True(t, ref.Answered)
	assert.Nil(t, ref.AnswerIndex)

	_, m, err := engine.Apply(m, engine.Command{Type: engine.CmdCloseQuestion, At: 2000})
	require.NoError(t, err)
	v = MatchView(&m, 2000)
	require.NotNil(t, v.Questions[0].CorrectIndex)
	assert.Equal(t, 1, *v.Questions[0].CorrectIndex)
	assert.Nil(t, v.Questions[1].CorrectIndex)
	require.NotNil(t, v.Answers[0]["guest"].AnswerIndex)
	assert.Equal(t, 1, *v.Answers[0]["guest"].AnswerIndex)
	assert.Equal(t, 0, v.Remaining)
	assert.Equal(t, "guest", v.Standings[0].UserID)
}

func TestMatchViewFinished(t *testing.T) {
	m := engine.NewMatch(engine.DefaultQuestions(), 0, []string{"a", "b"}, 0)
	m.Phase = engine.PhaseFinished
	m.Scores["a"] = 3
	v := MatchView(&m, 0)
	assert.Equal(t, int64(engine.DefaultDurationMs), v.QuestionDurationMs)
	assert.Equal(t, "a", v.Winner)
	assert.False(t, v.Tie)
	for _, q := range v.Questions {
		assert.NotNil(t, q.CorrectIndex)
	}
}

func TestRoomViewSortsPlayers(t *testing.T) {
	r := &lobby.Room{
		Code:      "AB12CD",
		CreatedBy: "h",
		Status:    lobby.StatusWaiting,
		Players: map[string]lobby.Player{
			"g":  {ID: "g", Role: lobby.RoleGuest, JoinedAt: 20},
			"h":  {ID: "h", Role: lobby.RoleHost, JoinedAt: 10},
			"ai": {ID: "ai", Role: lobby.RoleAI, JoinedAt: 15},
		},
	}
	v := RoomView(r, "http://x/?code=AB12CD")
	require.Len(t, v.Players, 3)
	assert.Equal(t, []string{"h", "ai", "g"}, []string{v.Players[0].ID, v.Players[1].ID, v.Players[2].ID})
	assert.Equal(t, "waiting", v.Status)
	assert.Nil(t, RoomView(nil, ""))
	assert.Nil(t, MatchView(nil, 0))
}
