package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/DoyleJ11/trivia-duel-backend/internal/apperr"
	"github.com/DoyleJ11/trivia-duel-backend/internal/engine"
	"github.com/DoyleJ11/trivia-duel-backend/internal/history"
	"github.com/DoyleJ11/trivia-duel-backend/internal/hub"
	"github.com/DoyleJ11/trivia-duel-backend/internal/identity"
	"github.com/DoyleJ11/trivia-duel-backend/internal/lobby"
	"github.com/DoyleJ11/trivia-duel-backend/internal/match"
	"github.com/DoyleJ11/trivia-duel-backend/internal/timer"
	"github.com/DoyleJ11/trivia-duel-backend/internal/types"
	"github.com/go-chi/chi/v5"
	"github.com/skip2/go-qrcode"
	"go.uber.org/zap"
)

const maxBody = 64 << 10

type Server struct {
	rooms     *lobby.Manager
	matches   *match.Service
	hub       *hub.Hub
	clock     timer.Clock
	publicURL string
	archive   *history.Archive
	log       *zap.Logger
}

type errorBody struct {
	Error string `json:"error"`
}

type okBody struct {
	OK bool `json:"ok"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.HTTPStatus(err)
	msg := err.Error()
	if status >= http.StatusInternalServerError && !errors.Is(err, apperr.ErrCollisionExhausted) {
		s.log.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		msg = "internal error"
	}
	writeJSON(w, status, errorBody{Error: msg})
}

// decode treats an empty body as an empty object.
func decode(w http.ResponseWriter, r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return apperr.Validation("body", "invalid json")
	}
	return nil
}

// JoinURL is the link a guest opens to land in the room.
func (s *Server) JoinURL(code string) string {
	base := strings.TrimRight(s.publicURL, "/")
	return base + "/?code=" + url.QueryEscape(code)
}

type playerRequest struct {
	Name   string `json:"name"`
	Avatar string `json:"avatar"`
}

func (s *Server) CreateRoom(w http.ResponseWriter, r *http.Request) {
	var req playerRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	code, err := s.rooms.CreateRoom(r.Context(), req.Name, req.Avatar)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, struct {
		RoomCode string `json:"roomCode"`
		JoinURL  string `json:"joinUrl"`
	}{RoomCode: code, JoinURL: s.JoinURL(code)})
}

func (s *Server) JoinRoom(w http.ResponseWriter, r *http.Request) {
	var req playerRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.rooms.JoinRoom(r.Context(), chi.URLParam(r, "code"), req.Name, req.Avatar); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, okBody{OK: true})
}

func (s *Server) AddAI(w http.ResponseWriter, r *http.Request) {
	if err := s.rooms.AddAI(r.Context(), chi.URLParam(r, "code")); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, okBody{OK: true})
}

type startRequest struct {
	DurationMs int64                `json:"durationMs"`
	Questions  []engine.RawQuestion `json:"questions"`
}

func (s *Server) StartMatch(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	questions := engine.DefaultQuestions()
	if len(req.Questions) > 0 {
		sealed, err := engine.SealQuestions(req.Questions)
		if err != nil {
			s.writeError(w, r, apperr.Validation("questions", err.Error()))
			return
		}
		questions = sealed
	}
	if err := s.rooms.StartMatch(r.Context(), chi.URLParam(r, "code"), questions, req.DurationMs); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, okBody{OK: true})
}

func (s *Server) GetRoom(w http.ResponseWriter, r *http.Request) {
	room, err := s.rooms.GetRoomOnce(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if room == nil {
		s.writeError(w, r, apperr.ErrRoomNotFound)
		return
	}
	writeJSON(w, http.StatusOK, types.RoomView(room, s.JoinURL(room.Code)))
}

func (s *Server) RoomQR(w http.ResponseWriter, r *http.Request) {
	code, err := lobby.NormalizeCode(chi.URLParam(r, "code"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	png, err := qrcode.Encode(s.JoinURL(code), qrcode.Medium, 256)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "public, max-age=86400")
	_, _ = w.Write(png)
}

func (s *Server) loadMatch(w http.ResponseWriter, r *http.Request) (*engine.Match, bool) {
	code, err := lobby.NormalizeCode(chi.URLParam(r, "code"))
	if err != nil {
		s.writeError(w, r, err)
		return nil, false
	}
	m, err := s.matches.GetMatchOnce(r.Context(), code)
	if err != nil {
		s.writeError(w, r, err)
		return nil, false
	}
	if m == nil {
		s.writeError(w, r, apperr.ErrMatchNotFound)
		return nil, false
	}
	return m, true
}

func (s *Server) GetMatch(w http.ResponseWriter, r *http.Request) {
	m, ok := s.loadMatch(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, types.MatchView(m, s.clock.Now().UnixMilli()))
}

func (s *Server) Standings(w http.ResponseWriter, r *http.Request) {
	m, ok := s.loadMatch(w, r)
	if !ok {
		return
	}
	body := struct {
		Phase     engine.Phase      `json:"phase"`
		Standings []engine.Standing `json:"standings"`
		Winner    string            `json:"winner,omitempty"`
		Tie       bool              `json:"tie"`
	}{Phase: m.Phase, Standings: engine.Standings(*m)}
	body.Winner, body.Tie = engine.Winner(*m)
	writeJSON(w, http.StatusOK, body)
}

type answerRequest struct {
	QuestionIndex *int `json:"questionIndex"`
	AnswerIndex   *int `json:"answerIndex"`
}

func (s *Server) SubmitAnswer(w http.ResponseWriter, r *http.Request) {
	var req answerRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.QuestionIndex == nil || req.AnswerIndex == nil {
		s.writeError(w, r, apperr.Validation("body", "questionIndex and answerIndex required"))
		return
	}
	code, err := lobby.NormalizeCode(chi.URLParam(r, "code"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	user, _ := identity.FromContext(r.Context())
	if err := s.matches.SubmitAnswer(r.Context(), code, *req.QuestionIndex, user.UID, *req.AnswerIndex); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) CloseQuestion(w http.ResponseWriter, r *http.Request) {
	code, err := lobby.NormalizeCode(chi.URLParam(r, "code"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	user, _ := identity.FromContext(r.Context())
	if err := s.matches.CloseQuestionBy(r.Context(), code, user.UID); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type historyEntry struct {
	history.MatchRecord
	Scores map[string]int `json:"scores"`
}

func (s *Server) History(w http.ResponseWriter, r *http.Request) {
	code, err := lobby.NormalizeCode(chi.URLParam(r, "code"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	recs, err := s.archive.ForRoom(r.Context(), code)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]historyEntry, 0, len(recs))
	for _, rec := range recs {
		scores, err := rec.ScoreMap()
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		out = append(out, historyEntry{MatchRecord: rec, Scores: scores})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) Healthz(w http.ResponseWriter, r *http.Request) {
	conns := 0
	for _, n := range s.hub.Counts() {
		conns += n
	}
	writeJSON(w, http.StatusOK, struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
	}{Status: "ok", Connections: conns})
}
