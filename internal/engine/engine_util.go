package engine

import "sort"

// NewMatch opens question 0 at now. Every roster id starts on zero points.
func NewMatch(questions []Question, durationMs int64, roster []string, now int64) Match {
	m := Match{
		Phase:              PhaseQuestion,
		CurrentIndex:       0,
		QuestionStartAt:    now,
		QuestionDurationMs: durationMs,
		Questions:          append([]Question(nil), questions...),
		Answers:            map[int]map[string]Answer{},
		Scores:             map[string]int{},
		StartedAt:          now,
	}
	for _, uid := range roster {
		m.Scores[uid] = 0
	}
	return m
}

// Clone deep-copies the maps so Apply can hand back a new value.
func (m Match) Clone() Match {
	next := m
	next.Questions = append([]Question(nil), m.Questions...)
	next.Answers = make(map[int]map[string]Answer, len(m.Answers))
	for qi, cell := range m.Answers {
		c := make(map[string]Answer, len(cell))
		for uid, a := range cell {
			c[uid] = a
		}
		next.Answers[qi] = c
	}
	next.Scores = make(map[string]int, len(m.Scores))
	for uid, s := range m.Scores {
		next.Scores[uid] = s
	}
	return next
}

func (m Match) Question(i int) (Question, bool) {
	if i < 0 || i >= len(m.Questions) {
		return Question{}, false
	}
	return m.Questions[i], true
}

func (m Match) DurationMs() int64 {
	if m.QuestionDurationMs <= 0 {
		return DefaultDurationMs
	}
	return m.QuestionDurationMs
}

// Deadline is when the current question window closes, in unix ms.
func (m Match) Deadline() int64 {
	return m.QuestionStartAt + m.DurationMs()
}

// RemainingSeconds rounds up so the display only shows 0 once the window
// has really closed.
func RemainingSeconds(m Match, now int64) int {
	left := m.Deadline() - now
	if left <= 0 {
		return 0
	}
	return int((left + 999) / 1000)
}

// AllAnswered reports whether every id in humans has an answer recorded for
// question qi. An empty human list never counts as answered.
func AllAnswered(m Match, qi int, humans []string) bool {
	if len(humans) == 0 {
		return false
	}
	cell := m.Answers[qi]
	for _, uid := range humans {
		if _, ok := cell[uid]; !ok {
			return false
		}
	}
	return true
}

func ContainsEvent(events []Event, eventType EventType) bool {
	for _, event := range events {
		if event.Type == eventType {
			return true
		}
	}
	return false
}

type Standing struct {
	UserID string `json:"userId"`
	Score  int    `json:"score"`
}

// Standings sorts by score, highest first; equal scores order by uid.
func Standings(m Match) []Standing {
	out := make([]Standing, 0, len(m.Scores))
	for uid, s := range m.Scores {
		out = append(out, Standing{UserID: uid, Score: s})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

// Winner returns the leader and whether the top score is shared.
func Winner(m Match) (uid string, tie bool) {
	st := Standings(m)
	if len(st) == 0 {
		return "", false
	}
	if len(st) > 1 && st[1].Score == st[0].Score {
		return "", true
	}
	return st[0].UserID, false
}
