package lobby

import (
	"sort"
	"time"
)

type Status string

const (
	StatusWaiting    Status = "waiting"
	StatusInProgress Status = "in_progress"
	StatusFinished   Status = "finished"
)

type Role string

const (
	RoleHost  Role = "host"
	RoleGuest Role = "guest"
	RoleAI    Role = "ai"
)

const (
	MaxHumans  = 2
	AIPlayerID = "ai"
	AIName     = "IA Avanzada"
	AIAvatar   = "🤖"

	DefaultHostAvatar  = "🚀"
	DefaultGuestAvatar = "🎯"
)

type Player struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Avatar   string `json:"avatar"`
	Role     Role   `json:"role"`
	IsReady  bool   `json:"isReady"`
	Online   bool   `json:"online"`
	JoinedAt int64  `json:"joinedAt"`
}

type Room struct {
	Code      string            `json:"code"`
	CreatedBy string            `json:"createdBy"`
	Status    Status            `json:"status"`
	CreatedAt int64             `json:"createdAt"`
	Players   map[string]Player `json:"players"`

	// StartingAt is set while a start is writing the Match. Seats are
	// frozen until it clears or the lease runs out.
	StartingAt int64 `json:"startingAt,omitempty"`
}

// startLease bounds how long an abandoned start keeps the roster frozen.
const startLease = 30 * time.Second

func (r *Room) starting(nowMs int64) bool {
	return r.StartingAt > 0 && nowMs-r.StartingAt < startLease.Milliseconds()
}

// Sorted orders players by join time, then id.
func (r *Room) Sorted() []Player {
	out := make([]Player, 0, len(r.Players))
	for _, p := range r.Players {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt != out[j].JoinedAt {
			return out[i].JoinedAt < out[j].JoinedAt
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (r *Room) HumanIDs() []string {
	ids := []string{}
	for _, p := range r.Sorted() {
		if p.Role != RoleAI {
			ids = append(ids, p.ID)
		}
	}
	return ids
}

func (r *Room) HumanCount() int { return len(r.HumanIDs()) }

func (r *Room) HasAI() bool {
	for _, p := range r.Players {
		if p.Role == RoleAI {
			return true
		}
	}
	return false
}

// Roster is every participant id, humans and ai, in join order.
func (r *Room) Roster() []string {
	ids := make([]string, 0, len(r.Players))
	for _, p := range r.Sorted() {
		ids = append(ids, p.ID)
	}
	return ids
}

func (r *Room) IsHost(uid string) bool { return uid != "" && r.CreatedBy == uid }
