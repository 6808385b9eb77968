// Package types holds the JSON views a client renders.
package types

// RoomSnapshot:
//   players are in join order, so clients need not sort.
type RoomSnapshot struct {
	Code      string   `json:"code"`
	CreatedBy string   `json:"createdBy"`
	Status    string   `json:"status"`
	CreatedAt int64    `json:"createdAt"`
	Players   []Player `json:"players"`
	JoinURL   string   `json:"joinUrl,omitempty"`
}

type Player struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Avatar   string `json:"avatar"`
	Role     string `json:"role"`
	IsReady  bool   `json:"isReady"`
	Online   bool   `json:"online"`
	JoinedAt int64  `json:"joinedAt"`
}

// MatchSnapshot:
//   correctIndex is null for questions not revealed yet.
//   answerIndex is null for the open question, answered tells who is done.
type MatchSnapshot struct {
	Phase              string                       `json:"phase"`
	CurrentIndex       int                          `json:"currentIndex"`
	QuestionStartAt    int64                        `json:"questionStartAt"`
	QuestionDurationMs int64                        `json:"questionDurationMs"`
	RevealStartAt      int64                        `json:"revealStartAt,omitempty"`
	StartedAt          int64                        `json:"startedAt"`
	Remaining          int                          `json:"remaining"`
	Questions          []Question                   `json:"questions"`
	Answers            map[int]map[string]AnswerRef `json:"answers"`
	Scores             map[string]int               `json:"scores"`
	Standings          []Standing                   `json:"standings"`
	Winner             string                       `json:"winner,omitempty"`
	Tie                bool                         `json:"tie,omitempty"`
}

type Question struct {
	Index        int      `json:"index"`
	Category     string   `json:"category"`
	Text         string   `json:"text"`
	Options      []string `json:"options"`
	CorrectIndex *int     `json:"correctIndex"`
}

type AnswerRef struct {
	Answered    bool  `json:"answered"`
	AnswerIndex *int  `json:"answerIndex"`
	Timestamp   int64 `json:"timestamp,omitempty"`
}

type Standing struct {
	UserID string `json:"userId"`
	Score  int    `json:"score"`
}
