package lobby

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/DoyleJ11/trivia-duel-backend/internal/apperr"
	"github.com/DoyleJ11/trivia-duel-backend/internal/docstore"
	"github.com/DoyleJ11/trivia-duel-backend/internal/engine"
	"github.com/DoyleJ11/trivia-duel-backend/internal/identity"
	"go.uber.org/zap"
)

const roomsPrefix = "rooms"

// MatchStarter creates the Match document for a room in one write.
type MatchStarter interface {
	Create(ctx context.Context, code string, questions []engine.Question, durationMs int64, roster []string) error
}

type Options struct {
	CodeRetries       int
	DefaultDurationMs int64
	GenerateCode      func() (string, error)
	Now               func() time.Time
	Logger            *zap.Logger
}

// Manager is the Room Lifecycle Manager. Every roster change goes through
// the store's conditional update, so capacity holds under concurrent joins.
type Manager struct {
	rooms   *docstore.Collection[Room]
	ids     identity.Provider
	matches MatchStarter

	retries    int
	durationMs int64
	genCode    func() (string, error)
	now        func() time.Time
	log        *zap.Logger
}

func NewManager(store docstore.Store, ids identity.Provider, opts Options) *Manager {
	m := &Manager{
		rooms:      docstore.NewCollection[Room](store, roomsPrefix),
		ids:        ids,
		retries:    opts.CodeRetries,
		durationMs: opts.DefaultDurationMs,
		genCode:    opts.GenerateCode,
		now:        opts.Now,
		log:        opts.Logger,
	}
	if m.retries <= 0 {
		m.retries = 20
	}
	if m.durationMs <= 0 {
		m.durationMs = 30000
	}
	if m.genCode == nil {
		m.genCode = GenerateCode
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.log == nil {
		m.log = zap.NewNop()
	}
	return m
}

// UseMatches wires the match service. It is set after construction since
// the match service reads rosters back from this manager.
func (m *Manager) UseMatches(ms MatchStarter) { m.matches = ms }

func (m *Manager) nowMs() int64 { return m.now().UnixMilli() }

func (m *Manager) CreateRoom(ctx context.Context, name, avatar string) (string, error) {
	user, err := m.ids.EnsureSignedIn(ctx)
	if err != nil {
		return "", err
	}
	name, err = NormalizeName(name)
	if err != nil {
		return "", err
	}
	avatar = normalizeAvatar(avatar, DefaultHostAvatar)

	for attempt := 0; attempt < m.retries; attempt++ {
		code, err := m.genCode()
		if err != nil {
			return "", fmt.Errorf("failed to generate code: %w", err)
		}
		created := false
		_, err = m.rooms.Update(ctx, code, func(cur *Room) (*Room, error) {
			created = false
			if cur != nil {
				return nil, docstore.ErrNoChange
			}
			created = true
			now := m.nowMs()
			return &Room{
				Code:      code,
				CreatedBy: user.UID,
				Status:    StatusWaiting,
				CreatedAt: now,
				Players: map[string]Player{
					user.UID: {ID: user.UID, Name: name, Avatar: avatar, Role: RoleHost, IsReady: true, Online: true, JoinedAt: now},
				},
			}, nil
		})
		if err != nil {
			return "", fmt.Errorf("failed to create room: %w", err)
		}
		if created {
			m.log.Info("room created", zap.String("room", code), zap.String("host", user.UID))
			return code, nil
		}
		m.log.Debug("room code collision", zap.String("room", code), zap.Int("attempt", attempt+1))
	}
	return "", apperr.ErrCollisionExhausted
}

func (m *Manager) JoinRoom(ctx context.Context, code, name, avatar string) error {
	code, err := NormalizeCode(code)
	if err != nil {
		return err
	}
	name, err = NormalizeName(name)
	if err != nil {
		return err
	}
	user, err := m.ids.EnsureSignedIn(ctx)
	if err != nil {
		return err
	}

	_, err = m.rooms.Update(ctx, code, func(cur *Room) (*Room, error) {
		if cur == nil {
			return nil, apperr.ErrRoomNotFound
		}
		if cur.Players == nil {
			cur.Players = map[string]Player{}
		}
		if p, ok := cur.Players[user.UID]; ok {
			// rejoin keeps role and seat
			p.Name = name
			p.Avatar = normalizeAvatar(avatar, p.Avatar)
			p.Online = true
			cur.Players[user.UID] = p
			return cur, nil
		}
		if cur.HumanCount() >= MaxHumans {
			return nil, apperr.ErrRoomFull
		}
		if cur.Status != StatusWaiting || cur.starting(m.nowMs()) {
			return nil, apperr.ErrMatchInProgress
		}
		role, fallback := RoleGuest, DefaultGuestAvatar
		if cur.IsHost(user.UID) {
			role, fallback = RoleHost, DefaultHostAvatar
		}
		cur.Players[user.UID] = Player{
			ID:       user.UID,
			Name:     name,
			Avatar:   normalizeAvatar(avatar, fallback),
			Role:     role,
			IsReady:  true,
			Online:   true,
			JoinedAt: m.nowMs(),
		}
		return cur, nil
	})
	if err != nil {
		return err
	}
	m.log.Info("player joined", zap.String("room", code), zap.String("uid", user.UID))
	return nil
}

func (m *Manager) AddAI(ctx context.Context, code string) error {
	code, err := NormalizeCode(code)
	if err != nil {
		return err
	}
	user, err := m.ids.EnsureSignedIn(ctx)
	if err != nil {
		return err
	}

	_, err = m.rooms.Update(ctx, code, func(cur *Room) (*Room, error) {
		if cur == nil {
			return nil, apperr.ErrRoomNotFound
		}
		if !cur.IsHost(user.UID) {
			return nil, apperr.ErrAuthorityViolation
		}
		if cur.HumanCount() >= MaxHumans {
			return nil, apperr.ErrRoomFull
		}
		if cur.HasAI() {
			return nil, docstore.ErrNoChange
		}
		if cur.Status != StatusWaiting || cur.starting(m.nowMs()) {
			return nil, apperr.ErrMatchInProgress
		}
		if cur.Players == nil {
			cur.Players = map[string]Player{}
		}
		cur.Players[AIPlayerID] = Player{
			ID:       AIPlayerID,
			Name:     AIName,
			Avatar:   AIAvatar,
			Role:     RoleAI,
			IsReady:  true,
			Online:   true,
			JoinedAt: m.nowMs(),
		}
		return cur, nil
	})
	return err
}

// StartMatch seals the questions into a new Match, then flips the room to
// in_progress. The Match goes first so a room is never in progress without
// one.
func (m *Manager) StartMatch(ctx context.Context, code string, questions []engine.Question, durationMs int64) error {
	code, err := NormalizeCode(code)
	if err != nil {
		return err
	}
	if len(questions) == 0 {
		return apperr.Validation("questions", "required")
	}
	if _, err := engine.SealQuestions(engine.Unseal(questions)); err != nil {
		return fmt.Errorf("%w: %v", apperr.ErrValidation, err)
	}
	if durationMs <= 0 {
		durationMs = m.durationMs
	}
	user, err := m.ids.EnsureSignedIn(ctx)
	if err != nil {
		return err
	}
	if m.matches == nil {
		return errors.New("lobby: no match service configured")
	}

	// Freeze the seats and read the roster in one conditional update, so a
	// join cannot land between the roster read and the Match write.
	var roster []string
	_, err = m.rooms.Update(ctx, code, func(cur *Room) (*Room, error) {
		if cur == nil {
			return nil, apperr.ErrRoomNotFound
		}
		if !cur.IsHost(user.UID) {
			return nil, apperr.ErrAuthorityViolation
		}
		now := m.nowMs()
		if cur.starting(now) {
			return nil, apperr.ErrMatchInProgress
		}
		roster = cur.Roster()
		cur.StartingAt = now
		return cur, nil
	})
	if err != nil {
		return err
	}

	if err := m.matches.Create(ctx, code, questions, durationMs, roster); err != nil {
		if rerr := m.finishStart(ctx, code, ""); rerr != nil {
			m.log.Warn("failed to release start", zap.String("room", code), zap.Error(rerr))
		}
		return err
	}
	if err := m.finishStart(ctx, code, StatusInProgress); err != nil {
		return err
	}
	m.log.Info("match started",
		zap.String("room", code),
		zap.Int("questions", len(questions)),
		zap.Int64("duration_ms", durationMs),
	)
	return nil
}

// Deprecated: StartGame is kept for older clients. It starts a match with
// the built-in bank and the default duration.
func (m *Manager) StartGame(ctx context.Context, code string) error {
	return m.StartMatch(ctx, code, engine.DefaultQuestions(), m.durationMs)
}

// finishStart clears the start marker and, when status is set, moves the
// room to it.
func (m *Manager) finishStart(ctx context.Context, code string, status Status) error {
	_, err := m.rooms.Update(ctx, code, func(cur *Room) (*Room, error) {
		if cur == nil {
			return nil, apperr.ErrRoomNotFound
		}
		if cur.StartingAt == 0 && (status == "" || cur.Status == status) {
			return nil, docstore.ErrNoChange
		}
		cur.StartingAt = 0
		if status != "" {
			cur.Status = status
		}
		return cur, nil
	})
	return err
}

func (m *Manager) setStatus(ctx context.Context, code string, status Status) error {
	_, err := m.rooms.Update(ctx, code, func(cur *Room) (*Room, error) {
		if cur == nil {
			return nil, apperr.ErrRoomNotFound
		}
		if cur.Status == status {
			return nil, docstore.ErrNoChange
		}
		cur.Status = status
		return cur, nil
	})
	return err
}

// MarkFinished is called once the room's match reaches its last phase.
func (m *Manager) MarkFinished(ctx context.Context, code string) error {
	return m.setStatus(ctx, code, StatusFinished)
}

func (m *Manager) GetRoomOnce(ctx context.Context, code string) (*Room, error) {
	code, err := NormalizeCode(code)
	if err != nil {
		return nil, err
	}
	return m.rooms.Get(ctx, code)
}

// SubscribeRoom streams the room; a nil value means it does not exist.
func (m *Manager) SubscribeRoom(ctx context.Context, code string) (*docstore.Watch[Room], error) {
	code, err := NormalizeCode(code)
	if err != nil {
		return nil, err
	}
	return m.rooms.Subscribe(ctx, code)
}

// HumanIDs lists the non-ai players of a room in join order.
func (m *Manager) HumanIDs(ctx context.Context, code string) ([]string, error) {
	room, err := m.rooms.Get(ctx, code)
	if err != nil {
		return nil, err
	}
	if room == nil {
		return nil, apperr.ErrRoomNotFound
	}
	return room.HumanIDs(), nil
}

// GetHostID returns the uid that created the room.
func (m *Manager) GetHostID(ctx context.Context, code string) (string, error) {
	room, err := m.rooms.Get(ctx, code)
	if err != nil {
		return "", err
	}
	if room == nil {
		return "", apperr.ErrRoomNotFound
	}
	return room.CreatedBy, nil
}

// TrackPresence marks uid online now and offline once release is called or
// ctx ends. Presence is best effort: failures are logged, never returned
// after the first write.
func (m *Manager) TrackPresence(ctx context.Context, code, uid string) (release func(), err error) {
	if err := m.setOnline(ctx, code, uid, true); err != nil {
		return nil, err
	}
	var once sync.Once
	offline := func() {
		once.Do(func() {
			octx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := m.setOnline(octx, code, uid, false); err != nil {
				m.log.Warn("presence update failed", zap.String("room", code), zap.String("uid", uid), zap.Error(err))
			}
		})
	}
	context.AfterFunc(ctx, offline)
	return offline, nil
}

func (m *Manager) setOnline(ctx context.Context, code, uid string, online bool) error {
	_, err := m.rooms.Update(ctx, code, func(cur *Room) (*Room, error) {
		if cur == nil {
			return nil, apperr.ErrRoomNotFound
		}
		p, ok := cur.Players[uid]
		if !ok || p.Online == online {
			return nil, docstore.ErrNoChange
		}
		p.Online = online
		cur.Players[uid] = p
		return cur, nil
	})
	return err
}
