package httpapi

import (
	"context"
	"encoding/json"
	"sync/atomic"

	"github.com/samber/lo"

	"vitalwatch/internal/notifier"
	logx "vitalwatch/pkg/logx"
)

const (
	frameHistory = "history"
	frameUpdate  = "message_update"

	hubBacklog = 256
	clientSend = 64
)

// update is a pre-encoded message_update frame plus the state it carries.
type update struct {
	id     int64
	status notifier.Status
	frame  []byte
}

type frame struct {
	Type     string            `json:"type"`
	Messages []messageResponse `json:"messages,omitempty"`
	Message  *messageResponse  `json:"message,omitempty"`
}

// Hub fans queue transitions out to websocket clients. A client whose send
// buffer is full is dropped; the queue is never blocked.
type Hub struct {
	log     logx.Logger
	history func() []notifier.Message

	register   chan *client
	unregister chan *client
	broadcast  chan update

	done    chan struct{}
	clients map[*client]struct{}
	dropped atomic.Uint64
	active  atomic.Int64
}

func NewHub(history func() []notifier.Message, log logx.Logger) *Hub {
	if log.IsZero() {
		log = logx.Nop()
	}
	if history == nil {
		history = func() []notifier.Message { return nil }
	}
	return &Hub{
		log:        log,
		history:    history,
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan update, hubBacklog),
		done:       make(chan struct{}),
		clients:    map[*client]struct{}{},
	}
}

// OnMessage is a notifier.Listener. It runs on the queue's dispatch path
// and never blocks.
func (h *Hub) OnMessage(m notifier.Message) {
	resp := toMessage(m)
	b, err := json.Marshal(frame{Type: frameUpdate, Message: &resp})
	if err != nil {
		h.log.Warn("encode message update failed", logx.Err(err))
		return
	}
	select {
	case h.broadcast <- update{id: m.ID, status: m.Status, frame: b}:
	default:
		h.dropped.Add(1)
		h.log.Warn("live feed backlog full; update dropped", logx.Int64("message", m.ID))
	}
}

// Clients is the number of connected websocket clients.
func (h *Hub) Clients() int { return int(h.active.Load()) }

// Run owns the client set until ctx ends, then closes every client. A hub
// runs once.
func (h *Hub) Run(ctx context.Context) error {
	defer func() {
		for c := range h.clients {
			h.drop(c)
		}
		close(h.done)
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case c := <-h.register:
			// History goes first. Updates already in the backlog may predate
			// it, so the client skips any that would move a message back.
			msgs := h.history()
			c.seen = lo.SliceToMap(msgs, func(m notifier.Message) (int64, notifier.Status) { return m.ID, m.Status })
			b, err := json.Marshal(frame{
				Type:     frameHistory,
				Messages: lo.Map(msgs, func(m notifier.Message, _ int) messageResponse { return toMessage(m) }),
			})
			if err != nil {
				h.log.Warn("encode history failed", logx.Err(err))
				close(c.send)
				continue
			}
			c.send <- b
			h.clients[c] = struct{}{}
			h.active.Store(int64(len(h.clients)))
			h.log.Debug("websocket client registered", logx.String("remote", c.remote))
		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				h.drop(c)
				h.log.Debug("websocket client unregistered", logx.String("remote", c.remote))
			}
		case u := <-h.broadcast:
			for c := range h.clients {
				if stale(c, u) {
					continue
				}
				select {
				case c.send <- u.frame:
				default:
					h.log.Warn("websocket client too slow; dropping", logx.String("remote", c.remote))
					h.drop(c)
				}
			}
		}
	}
}

// stale reports whether u is at or behind what c already saw in its history
// frame. Status only moves forward, so once u passes that point every later
// update for the message is new.
func stale(c *client, u update) bool {
	st, ok := c.seen[u.id]
	if !ok {
		return false
	}
	if u.status <= st {
		return true
	}
	delete(c.seen, u.id)
	return false
}

func (h *Hub) drop(c *client) {
	delete(h.clients, c)
	close(c.send)
	h.active.Store(int64(len(h.clients)))
}

// attach hands c to the hub. It reports false when the hub has stopped or
// ctx ended first.
func (h *Hub) attach(ctx context.Context, c *client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	case <-ctx.Done():
		return false
	}
}

func (h *Hub) detach(c *client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// Dropped counts updates lost to a full backlog.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }
