package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/DoyleJ11/trivia-duel-backend/internal/apperr"
	"github.com/DoyleJ11/trivia-duel-backend/internal/engine"
	"github.com/DoyleJ11/trivia-duel-backend/internal/hub"
	"github.com/DoyleJ11/trivia-duel-backend/internal/identity"
	"github.com/DoyleJ11/trivia-duel-backend/internal/lobby"
	"github.com/DoyleJ11/trivia-duel-backend/internal/match"
	"github.com/DoyleJ11/trivia-duel-backend/internal/session"
	"github.com/DoyleJ11/trivia-duel-backend/internal/timer"
	"github.com/DoyleJ11/trivia-duel-backend/internal/types"
	"github.com/coder/websocket"
	"go.uber.org/zap"
)

const (
	writeTimeout = 3 * time.Second
	pingInterval = 30 * time.Second
)

type Config struct {
	Clock          timer.Clock
	FailoverGrace  time.Duration
	OriginPatterns []string
	JoinURL        func(code string) string
	Logger         *zap.Logger
}

func Handler(h *hub.Hub, rooms *lobby.Manager, matches *match.Service, cfg Config) http.HandlerFunc {
	if cfg.Clock == nil {
		cfg.Clock = timer.System
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.JoinURL == nil {
		cfg.JoinURL = func(string) string { return "" }
	}

	return func(w http.ResponseWriter, r *http.Request) {
		code, err := lobby.NormalizeCode(r.URL.Query().Get("code"))
		if err != nil {
			http.Error(w, "missing or bad code", http.StatusBadRequest)
			return
		}
		user, ok := identity.FromContext(r.Context())
		if !ok {
			http.Error(w, "no identity", http.StatusUnauthorized)
			return
		}
		room, err := rooms.GetRoomOnce(r.Context(), code)
		if err != nil {
			http.Error(w, "failed to load room", http.StatusInternalServerError)
			return
		}
		if room == nil {
			http.Error(w, "room not found", http.StatusNotFound)
			return
		}
		if _, ok := room.Players[user.UID]; !ok {
			http.Error(w, "join the room first", http.StatusForbidden)
			return
		}

		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			OriginPatterns: cfg.OriginPatterns,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "bye")

		log := cfg.Logger.With(zap.String("room", code), zap.String("uid", user.UID))
		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		release, err := rooms.TrackPresence(ctx, code, user.UID)
		if err != nil {
			log.Warn("presence failed", zap.Error(err))
		} else {
			defer release()
		}

		sess, err := session.Start(ctx, rooms, matches, session.Config{
			UID:           user.UID,
			Code:          code,
			Clock:         cfg.Clock,
			FailoverGrace: cfg.FailoverGrace,
			Logger:        log,
		})
		if err != nil {
			log.Warn("session start failed", zap.Error(err))
			conn.Close(websocket.StatusInternalError, "session failed")
			return
		}
		defer sess.Close()
		if h.Register(code, sess) {
			defer h.Unregister(code, sess.ID())
		}
		log.Debug("client connected", zap.String("session", sess.ID()))

		// Writer goroutine
		go func() {
			defer cancel()
			for ev := range sess.Events() {
				if err := write(ctx, conn, toServerMessage(ev, cfg)); err != nil {
					return
				}
			}
		}()

		go keepalive(ctx, cancel, conn)

		// Reader loop
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				switch websocket.CloseStatus(err) {
				case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				default:
					if ctx.Err() == nil {
						log.Debug("read ended", zap.Error(err))
					}
				}
				return
			}

			var cm types.ClientMessage
			if err := json.Unmarshal(data, &cm); err != nil {
				_ = write(ctx, conn, types.ServerMessage{Type: types.MsgError, Error: "bad json"})
				continue
			}
			if err := dispatch(ctx, rooms, matches, code, user.UID, cm); err != nil {
				if apperr.HTTPStatus(err) >= http.StatusInternalServerError {
					log.Warn("command failed", zap.String("type", cm.Type), zap.Error(err))
				}
				_ = write(ctx, conn, types.ErrorMessage(err))
			}
		}
	}
}

var errUnknownType = errors.New("unknown type")

// dispatch runs one client command. ctx carries the caller's identity.
func dispatch(ctx context.Context, rooms *lobby.Manager, matches *match.Service, code, uid string, cm types.ClientMessage) error {
	switch cm.Type {
	case types.MsgSubmitAnswer:
		if cm.QuestionIndex == nil || cm.AnswerIndex == nil {
			return apperr.Validation("questionIndex", "and answerIndex required")
		}
		return matches.SubmitAnswer(ctx, code, *cm.QuestionIndex, uid, *cm.AnswerIndex)
	case types.MsgCloseQuestion:
		return matches.CloseQuestionBy(ctx, code, uid)
	case types.MsgAddAI:
		return rooms.AddAI(ctx, code)
	case types.MsgStartMatch:
		questions := engine.DefaultQuestions()
		if len(cm.Questions) > 0 {
			sealed, err := engine.SealQuestions(cm.Questions)
			if err != nil {
				return apperr.Validation("questions", err.Error())
			}
			questions = sealed
		}
		return rooms.StartMatch(ctx, code, questions, cm.DurationMs)
	default:
		return errUnknownType
	}
}

func toServerMessage(ev session.Event, cfg Config) types.ServerMessage {
	switch ev.Kind {
	case session.KindRoom:
		var url string
		if ev.Room != nil {
			url = cfg.JoinURL(ev.Room.Code)
		}
		return types.ServerMessage{Type: types.MsgRoomSnapshot, Room: types.RoomView(ev.Room, url)}
	case session.KindMatch:
		return types.ServerMessage{Type: types.MsgMatchSnapshot, Match: types.MatchView(ev.Match, cfg.Clock.Now().UnixMilli())}
	default:
		idx, left := ev.Index, ev.Remaining
		return types.ServerMessage{Type: types.MsgTick, Index: &idx, Remaining: &left}
	}
}

// keepalive pings so idle listeners between questions are not dropped by
// proxies, and so dead peers are noticed.
func keepalive(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn) {
	t := time.NewTicker(pingInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			pctx, pcancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Ping(pctx)
			pcancel()
			if err != nil {
				cancel()
				return
			}
		}
	}
}

func write(ctx context.Context, conn *websocket.Conn, msg types.ServerMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, payload)
}
