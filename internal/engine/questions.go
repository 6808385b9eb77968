package engine

import (
	"errors"
	"fmt"
)

var ErrInvalidQuestion = errors.New("invalid question")

// RawQuestion is the loose wire shape accepted at match start. Older
// clients send "question" and "correct" instead of "text" and "correctIndex".
type RawQuestion struct {
	QuestionIndex *int     `json:"questionIndex,omitempty"`
	Category      string   `json:"category"`
	Text          string   `json:"text,omitempty"`
	Question      string   `json:"question,omitempty"`
	Options       []string `json:"options"`
	CorrectIndex  *int     `json:"correctIndex,omitempty"`
	Correct       *int     `json:"correct,omitempty"`
}

// SealQuestions fixes the question list for a match. Index defaults to the
// position in the list.
func SealQuestions(raw []RawQuestion) ([]Question, error) {
	out := make([]Question, 0, len(raw))
	for i, r := range raw {
		q := Question{Index: i, Category: r.Category, Text: r.Text, CorrectIndex: -1}
		if r.QuestionIndex != nil {
			q.Index = *r.QuestionIndex
		}
		if q.Text == "" {
			q.Text = r.Question
		}
		switch {
		case r.CorrectIndex != nil:
			q.CorrectIndex = *r.CorrectIndex
		case r.Correct != nil:
			q.CorrectIndex = *r.Correct
		}
		q.Options = append([]string(nil), r.Options...)
		if err := validateQuestion(q); err != nil {
			return nil, fmt.Errorf("question %d: %w", i, err)
		}
		out = append(out, q)
	}
	return out, nil
}

func validateQuestion(q Question) error {
	if q.Text == "" {
		return fmt.Errorf("%w: text required", ErrInvalidQuestion)
	}
	if len(q.Options) < 2 {
		return fmt.Errorf("%w: at least 2 options", ErrInvalidQuestion)
	}
	if q.CorrectIndex < 0 || q.CorrectIndex >= len(q.Options) {
		return fmt.Errorf("%w: correctIndex %d out of range", ErrInvalidQuestion, q.CorrectIndex)
	}
	return nil
}

// Unseal is the inverse of SealQuestions for a sealed list.
func Unseal(qs []Question) []RawQuestion {
	out := make([]RawQuestion, len(qs))
	for i, q := range qs {
		idx, correct := q.Index, q.CorrectIndex
		out[i] = RawQuestion{
			QuestionIndex: &idx,
			Category:      q.Category,
			Text:          q.Text,
			Options:       append([]string(nil), q.Options...),
			CorrectIndex:  &correct,
		}
	}
	return out
}

// DefaultQuestions is the built-in bank used when the host does not bring
// their own questions.
func DefaultQuestions() []Question {
	return []Question{
		{Index: 0, Category: "Geografía", Text: "¿Cuál es la capital de Francia?", Options: []string{"Londres", "París", "Madrid", "Roma"}, CorrectIndex: 1},
		{Index: 1, Category: "Historia", Text: "¿En qué año llegó el hombre a la Luna?", Options: []string{"1967", "1969", "1971", "1973"}, CorrectIndex: 1},
		{Index: 2, Category: "Ciencia", Text: "¿Cuál es el planeta más grande del sistema solar?", Options: []string{"Saturno", "Neptuno", "Júpiter", "Urano"}, CorrectIndex: 2},
		{Index: 3, Category: "Literatura", Text: "¿Quién escribió 'Don Quijote de la Mancha'?", Options: []string{"Lope de Vega", "Miguel de Cervantes", "Federico García Lorca", "Calderón de la Barca"}, CorrectIndex: 1},
		{Index: 4, Category: "Geografía", Text: "¿Cuál es el océano más grande del mundo?", Options: []string{"Atlántico", "Índico", "Ártico", "Pacífico"}, CorrectIndex: 3},
	}
}
