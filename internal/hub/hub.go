package hub

import (
	"context"

	"github.com/DoyleJ11/trivia-duel-backend/internal/session"
)

// Client is what the hub tracks per connection. *session.Session satisfies it.
type Client interface {
	ID() string
	Close()
}

var _ Client = (*session.Session)(nil)

type HubMsg interface{ isHubMsg() }

type Register struct {
	Code   string
	Client Client
}

type Unregister struct {
	Code string
	ID   string
}

type CountRoom struct {
	Code  string
	Reply chan int
}

type Rooms struct {
	Reply chan map[string]int
}

type ShutdownHub struct {
	Done chan struct{}
}

func (Register) isHubMsg()    {}
func (Unregister) isHubMsg()  {}
func (CountRoom) isHubMsg()   {}
func (Rooms) isHubMsg()       {}
func (ShutdownHub) isHubMsg() {}

// Hub is the registry of live connections per room code.
type Hub struct {
	inbox   chan HubMsg
	clients map[string]map[string]Client
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewHub(parent context.Context) *Hub {
	ctx, cancel := context.WithCancel(parent)
	h := &Hub{
		inbox:   make(chan HubMsg, 64),
		clients: make(map[string]map[string]Client),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go h.loop()
	return h
}

func (h *Hub) Inbox() chan<- HubMsg { return h.inbox }

func (h *Hub) send(m HubMsg) bool {
	select {
	case <-h.done:
		return false
	default:
	}
	select {
	case h.inbox <- m:
		return true
	case <-h.done:
		return false
	}
}

// Register returns false once the hub is shut down; the caller owns c then.
func (h *Hub) Register(code string, c Client) bool {
	return h.send(Register{Code: code, Client: c})
}

func (h *Hub) Unregister(code, id string) {
	h.send(Unregister{Code: code, ID: id})
}

func (h *Hub) Count(code string) int {
	reply := make(chan int, 1)
	if !h.send(CountRoom{Code: code, Reply: reply}) {
		return 0
	}
	select {
	case n := <-reply:
		return n
	case <-h.done:
		return 0
	}
}

// Counts reports live connections per room.
func (h *Hub) Counts() map[string]int {
	reply := make(chan map[string]int, 1)
	if !h.send(Rooms{Reply: reply}) {
		return map[string]int{}
	}
	select {
	case v := <-reply:
		return v
	case <-h.done:
		return map[string]int{}
	}
}

// Shutdown closes every registered client and stops the hub.
func (h *Hub) Shutdown() {
	done := make(chan struct{})
	if h.send(ShutdownHub{Done: done}) {
		select {
		case <-done:
		case <-h.done:
		}
	}
	<-h.done
}

func (h *Hub) loop() {
	defer close(h.done)
	for {
		select {
		case <-h.ctx.Done():
			h.closeAll()
			return

		case m := <-h.inbox:
			switch msg := m.(type) {
			case Register:
				if h.clients[msg.Code] == nil {
					h.clients[msg.Code] = make(map[string]Client)
				}
				h.clients[msg.Code][msg.Client.ID()] = msg.Client

			case Unregister:
				delete(h.clients[msg.Code], msg.ID)
				if len(h.clients[msg.Code]) == 0 {
					delete(h.clients, msg.Code)
				}

			case CountRoom:
				msg.Reply <- len(h.clients[msg.Code])

			case Rooms:
				out := make(map[string]int, len(h.clients))
				for code, cs := range h.clients {
					out[code] = len(cs)
				}
				msg.Reply <- out

			case ShutdownHub:
				h.closeAll()
				h.cancel()
				close(msg.Done)
				return
			}
		}
	}
}

func (h *Hub) closeAll() {
	for code, cs := range h.clients {
		for _, c := range cs {
			c.Close()
		}
		delete(h.clients, code)
	}
}
