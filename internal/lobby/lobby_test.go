package lobby

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DoyleJ11/trivia-duel-backend/internal/apperr"
	"github.com/DoyleJ11/trivia-duel-backend/internal/docstore"
	"github.com/DoyleJ11/trivia-duel-backend/internal/engine"
	"github.com/DoyleJ11/trivia-duel-backend/internal/identity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

type startCall struct {
	code       string
	questions  []engine.Question
	durationMs int64
	roster     []string
}

type fakeStarter struct {
	mu    sync.Mutex
	calls []startCall
	err   error
}

func (f *fakeStarter) Create(_ context.Context, code string, qs []engine.Question, d int64, roster []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.calls = append(f.calls, startCall{code, qs, d, roster})
	return nil
}

func as(uid string) context.Context {
	return identity.WithUser(context.Background(), identity.User{UID: uid})
}

// codes hands out the given codes in order, then repeats the last one.
func codes(list ...string) func() (string, error) {
	var n atomic.Int64
	return func() (string, error) {
		i := int(n.Add(1)) - 1
		if i >= len(list) {
			i = len(list) - 1
		}
		return list[i], nil
	}
}

func newTestManager(t *testing.T, gen func() (string, error)) (*Manager, *fakeStarter) {
	t.Helper()
	store := docstore.NewMemoryStore(context.Background())
	t.Cleanup(func() { _ = store.Close() })
	m := NewManager(store, identity.ContextProvider{}, Options{
		CodeRetries:       20,
		DefaultDurationMs: 30000,
		GenerateCode:      gen,
	})
	fs := &fakeStarter{}
	m.UseMatches(fs)
	return m, fs
}

func TestCreateRoom_HostRecord(t *testing.T) {
	m, _ := newTestManager(t, codes("AB12CD"))
	code, err := m.CreateRoom(as("host"), "  Marta  ", "")
	require.NoError(t, err)
	assert.Equal(t, "AB12CD", code)

	room, err := m.GetRoomOnce(context.Background(), code)
	require.NoError(t, err)
	require.NotNil(t, room)
	assert.Equal(t, "host", room.CreatedBy)
	assert.Equal(t, StatusWaiting, room.Status)
	require.Len(t, room.Players, 1)

	p := room.Players["host"]
	assert.Equal(t, RoleHost, p.Role)
	assert.Equal(t, "Marta", p.Name)
	assert.Equal(t, DefaultHostAvatar, p.Avatar)
	assert.True(t, p.IsReady)
	assert.True(t, p.Online)
}

func TestCreateRoom_RetriesOnCollision(t *testing.T) {
	m, _ := newTestManager(t, codes("AAAAAA", "AAAAAA", "BBBBBB"))
	_, err := m.CreateRoom(as("h1"), "one", "")
	require.NoError(t, err)

	code, err := m.CreateRoom(as("h2"), "two", "")
	require.NoError(t, err)
	assert.Equal(t, "BBBBBB", code)
}

func TestCreateRoom_CollisionExhausted(t *testing.T) {
	var calls atomic.Int64
	gen := func() (string, error) {
		calls.Add(1)
		return "ZZZZZZ", nil
	}
	m, _ := newTestManager(t, gen)
	_, err := m.CreateRoom(as("h1"), "first", "")
	require.NoError(t, err)
	calls.Store(0)

	_, err = m.CreateRoom(as("h2"), "second", "")
	require.ErrorIs(t, err, apperr.ErrCollisionExhausted)
	assert.Equal(t, int64(20), calls.Load())
}

func TestCreateRoom_NeedsIdentity(t *testing.T) {
	m, _ := newTestManager(t, codes("AB12CD"))
	_, err := m.CreateRoom(context.Background(), "x", "")
	require.ErrorIs(t, err, identity.ErrNoIdentity)
}

func TestNormalizeName(t *testing.T) {
	cases := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{"trims", "  Ana ", "Ana", false},
		{"empty", "", "", true},
		{"spaces only", "   ", "", true},
		{"markup stripped", "<b>Ana</b><script>x</script>", "Ana", false},
		{"entities survive", "Tom & Jerry", "Tom & Jerry", false},
		{"cut to 40 runes", strings.Repeat("ñ", 50), strings.Repeat("ñ", 40), false},
		{"nfc", "Jose\u0301", "Jos\u00e9", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := NormalizeName(tc.in)
			if tc.wantErr {
				require.ErrorIs(t, err, apperr.ErrValidation)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestNormalizeCode(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"AB12CD", "AB12CD", false},
		{" ab12-cd ", "AB12CD", false},
		{"ABC", "", true},
		{"ABCDEFG", "", true},
		{"", "", true},
	}
	for _, tc := range cases {
		got, err := NormalizeCode(tc.in)
		if tc.wantErr {
			assert.ErrorIs(t, err, apperr.ErrValidation, "in=%q", tc.in)
			continue
		}
		assert.NoError(t, err)
		assert.Equal(t, tc.want, got)
	}
}

func TestGenerateCodeAlphabet(t *testing.T) {
	for i := 0; i < 200; i++ {
		code, err := GenerateCode()
		require.NoError(t, err)
		require.Len(t, code, CodeLength)
		for _, r := range code {
			require.True(t, strings.ContainsRune(CodeAlphabet, r), "unexpected %q in %s", r, code)
		}
	}
}

func TestJoinRoom(t *testing.T) {
	m, _ := newTestManager(t, codes("AB12CD"))
	code, err := m.CreateRoom(as("host"), "Host", "")
	require.NoError(t, err)

	t.Run("unknown room", func(t *testing.T) {
		err := m.JoinRoom(as("guest"), "QQQQQQ", "Ana", "")
		require.ErrorIs(t, err, apperr.ErrRoomNotFound)
	})

	t.Run("bad code", func(t *testing.T) {
		err := m.JoinRoom(as("guest"), "no", "Ana", "")
		require.ErrorIs(t, err, apperr.ErrValidation)
	})

	t.Run("guest joins", func(t *testing.T) {
		require.NoError(t, m.JoinRoom(as("guest"), code, "Ana", ""))
		room, err := m.GetRoomOnce(context.Background(), code)
		require.NoError(t, err)
		require.Len(t, room.Players, 2)
		assert.Equal(t, RoleGuest, room.Players["guest"].Role)
		assert.Equal(t, DefaultGuestAvatar, room.Players["guest"].Avatar)
	})

	t.Run("third human is refused", func(t *testing.T) {
		err := m.JoinRoom(as("late"), code, "Late", "")
		require.ErrorIs(t, err, apperr.ErrRoomFull)
	})

	t.Run("rejoin is idempotent even when full", func(t *testing.T) {
		require.NoError(t, m.JoinRoom(as("guest"), code, "Ana María", ""))
		require.NoError(t, m.JoinRoom(as("host"), code, "Host", ""))
		room, err := m.GetRoomOnce(context.Background(), code)
		require.NoError(t, err)
		require.Len(t, room.Players, 2)
		assert.Equal(t, "Ana María", room.Players["guest"].Name)
		assert.Equal(t, RoleHost, room.Players["host"].Role)
		assert.Equal(t, DefaultGuestAvatar, room.Players["guest"].Avatar)
	})
}

func TestJoinRoom_RaceForLastSlot(t *testing.T) {
	for round := 0; round < 10; round++ {
		m, _ := newTestManager(t, codes("RACE00"))
		code, err := m.CreateRoom(as("host"), "Host", "")
		require.NoError(t, err)

		const racers = 6
		var g errgroup.Group
		var won, full atomic.Int64
		for i := 0; i < racers; i++ {
			uid := "racer" + string(rune('a'+i))
			g.Go(func() error {
				err := m.JoinRoom(as(uid), code, uid, "")
				switch {
				case err == nil:
					won.Add(1)
				case errors.Is(err, apperr.ErrRoomFull):
					full.Add(1)
				default:
					return err
				}
				return nil
			})
		}
		require.NoError(t, g.Wait())
		assert.Equal(t, int64(1), won.Load())
		assert.Equal(t, int64(racers-1), full.Load())

		room, err := m.GetRoomOnce(context.Background(), code)
		require.NoError(t, err)
		assert.Equal(t, MaxHumans, room.HumanCount())
	}
}

func TestAddAI(t *testing.T) {
	m, _ := newTestManager(t, codes("AIAI00", "AIAI01"))
	code, err := m.CreateRoom(as("host"), "Host", "")
	require.NoError(t, err)

	require.ErrorIs(t, m.AddAI(as("someone"), code), apperr.ErrAuthorityViolation)

	require.NoError(t, m.AddAI(as("host"), code))
	require.NoError(t, m.AddAI(as("host"), code))
	room, err := m.GetRoomOnce(context.Background(), code)
	require.NoError(t, err)
	require.Len(t, room.Players, 2)
	ai := room.Players[AIPlayerID]
	assert.Equal(t, RoleAI, ai.Role)
	assert.Equal(t, AIName, ai.Name)
	assert.Equal(t, AIAvatar, ai.Avatar)
	assert.Equal(t, []string{"host"}, room.HumanIDs())

	// an ai does not take a human seat
	require.NoError(t, m.JoinRoom(as("guest"), code, "Ana", ""))

	full, err := m.CreateRoom(as("host2"), "Host", "")
	require.NoError(t, err)
	require.NoError(t, m.JoinRoom(as("guest2"), full, "Ana", ""))
	require.ErrorIs(t, m.AddAI(as("host2"), full), apperr.ErrRoomFull)
}

func TestStartMatch(t *testing.T) {
	m, fs := newTestManager(t, codes("START0"))
	code, err := m.CreateRoom(as("host"), "Host", "")
	require.NoError(t, err)
	require.NoError(t, m.JoinRoom(as("guest"), code, "Ana", ""))

	require.ErrorIs(t, m.StartMatch(as("guest"), code, engine.DefaultQuestions(), 30000), apperr.ErrAuthorityViolation)
	require.ErrorIs(t, m.StartMatch(as("host"), code, nil, 30000), apperr.ErrValidation)
	bad := []engine.Question{{Text: "q", Options: []string{"only"}}}
	require.ErrorIs(t, m.StartMatch(as("host"), code, bad, 30000), apperr.ErrValidation)
	require.ErrorIs(t, m.StartMatch(as("host"), "NOROOM", engine.DefaultQuestions(), 30000), apperr.ErrRoomNotFound)

	fs.err = apperr.ErrMatchInProgress
	require.ErrorIs(t, m.StartMatch(as("host"), code, engine.DefaultQuestions(), 30000), apperr.ErrMatchInProgress)
	room, err := m.GetRoomOnce(context.Background(), code)
	require.NoError(t, err)
	assert.Equal(t, StatusWaiting, room.Status, "failed start leaves the room waiting")
	fs.err = nil

	require.NoError(t, m.StartMatch(as("host"), code, engine.DefaultQuestions(), 0))
	require.Len(t, fs.calls, 1)
	call := fs.calls[0]
	assert.Equal(t, code, call.code)
	assert.Equal(t, int64(30000), call.durationMs)
	assert.ElementsMatch(t, []string{"host", "guest"}, call.roster)
	assert.Len(t, call.questions, 5)

	room, err = m.GetRoomOnce(context.Background(), code)
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, room.Status)

	require.ErrorIs(t, m.JoinRoom(as("late"), code, "Late", ""), apperr.ErrRoomFull)

	require.NoError(t, m.MarkFinished(context.Background(), code))
	room, err = m.GetRoomOnce(context.Background(), code)
	require.NoError(t, err)
	assert.Equal(t, StatusFinished, room.Status)
}

// joinDuringCreate lets another player try to take a seat while the Match
// is being written.
type joinDuringCreate struct {
	*fakeStarter
	m       *Manager
	joinErr error
	aiErr   error
}

func (j *joinDuringCreate) Create(ctx context.Context, code string, qs []engine.Question, d int64, roster []string) error {
	j.joinErr = j.m.JoinRoom(as("late-guest"), code, "Late", "")
	j.aiErr = j.m.AddAI(as("host"), code)
	return j.fakeStarter.Create(ctx, code, qs, d, roster)
}

func TestStartMatch_FreezesRosterWhileCreating(t *testing.T) {
	m, fs := newTestManager(t, codes("FREEZE"))
	js := &joinDuringCreate{fakeStarter: fs, m: m}
	m.UseMatches(js)
	code, err := m.CreateRoom(as("host"), "Host", "")
	require.NoError(t, err)

	require.NoError(t, m.StartMatch(as("host"), code, engine.DefaultQuestions(), 30000))
	require.ErrorIs(t, js.joinErr, apperr.ErrMatchInProgress)
	require.ErrorIs(t, js.aiErr, apperr.ErrMatchInProgress)

	room, err := m.GetRoomOnce(context.Background(), code)
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, room.Status)
	assert.Zero(t, room.StartingAt)
	require.Len(t, fs.calls, 1)
	assert.ElementsMatch(t, room.Roster(), fs.calls[0].roster, "every seat has a score")
}

func TestStartMatch_FailedCreateReopensSeats(t *testing.T) {
	m, fs := newTestManager(t, codes("REOPEN"))
	code, err := m.CreateRoom(as("host"), "Host", "")
	require.NoError(t, err)

	fs.err = errors.New("store down")
	require.Error(t, m.StartMatch(as("host"), code, engine.DefaultQuestions(), 30000))
	room, err := m.GetRoomOnce(context.Background(), code)
	require.NoError(t, err)
	assert.Zero(t, room.StartingAt)
	require.NoError(t, m.JoinRoom(as("guest"), code, "Ana", ""))
}

func TestStartMatch_AbandonedStartExpires(t *testing.T) {
	m, _ := newTestManager(t, codes("STALE0"))
	code, err := m.CreateRoom(as("host"), "Host", "")
	require.NoError(t, err)

	now := time.UnixMilli(1_700_000_000_000)
	m.now = func() time.Time { return now }
	_, err = m.rooms.Update(context.Background(), code, func(cur *Room) (*Room, error) {
		cur.StartingAt = now.UnixMilli()
		return cur, nil
	})
	require.NoError(t, err)

	require.ErrorIs(t, m.JoinRoom(as("guest"), code, "Ana", ""), apperr.ErrMatchInProgress)
	require.ErrorIs(t, m.StartMatch(as("host"), code, engine.DefaultQuestions(), 30000), apperr.ErrMatchInProgress)

	now = now.Add(startLease)
	require.NoError(t, m.JoinRoom(as("guest"), code, "Ana", ""))
	require.NoError(t, m.StartMatch(as("host"), code, engine.DefaultQuestions(), 30000))
}

func TestStartGameUsesDefaultBank(t *testing.T) {
	m, fs := newTestManager(t, codes("OLDWAY"))
	code, err := m.CreateRoom(as("host"), "Host", "")
	require.NoError(t, err)

	require.NoError(t, m.StartGame(as("host"), code))
	require.Len(t, fs.calls, 1)
	assert.Equal(t, engine.DefaultQuestions(), fs.calls[0].questions)
	assert.Equal(t, int64(30000), fs.calls[0].durationMs)
}

func TestSubscribeRoomSeesJoin(t *testing.T) {
	m, _ := newTestManager(t, codes("WATCH0"))
	code, err := m.CreateRoom(as("host"), "Host", "")
	require.NoError(t, err)

	w, err := m.SubscribeRoom(context.Background(), code)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, m.JoinRoom(as("guest"), code, "Ana", ""))
	require.Eventually(t, func() bool {
		select {
		case r := <-w.C:
			return r != nil && len(r.Players) == 2
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
}

func TestTrackPresence(t *testing.T) {
	m, _ := newTestManager(t, codes("ONLINE"))
	code, err := m.CreateRoom(as("host"), "Host", "")
	require.NoError(t, err)
	require.NoError(t, m.JoinRoom(as("guest"), code, "Ana", ""))

	online := func(uid string) bool {
		room, err := m.GetRoomOnce(context.Background(), code)
		require.NoError(t, err)
		return room.Players[uid].Online
	}

	release, err := m.TrackPresence(context.Background(), code, "guest")
	require.NoError(t, err)
	assert.True(t, online("guest"))
	release()
	release()
	assert.False(t, online("guest"))

	ctx, cancel := context.WithCancel(context.Background())
	_, err = m.TrackPresence(ctx, code, "host")
	require.NoError(t, err)
	cancel()
	require.Eventually(t, func() bool { return !online("host") }, 2*time.Second, 10*time.Millisecond)

	_, err = m.TrackPresence(context.Background(), "NOROOM", "host")
	require.ErrorIs(t, err, apperr.ErrRoomNotFound)
}
