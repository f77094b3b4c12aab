// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package hub fans occupancy notifications out to live connections. Delivery
// is best effort: a slow consumer loses messages instead of blocking the
// engine. Per-connection channels preserve enqueue order.
package hub

import (
	"sync"

	"github.com/google/uuid"

	"github.com/ManuGH/spacegate/internal/log"
	"github.com/ManuGH/spacegate/internal/metrics"
	"github.com/ManuGH/spacegate/internal/occupancy/model"
)

// Topic names the notification streams.
type Topic string

const (
	TopicOccupancyUpdate Topic = "occupancy_update"
	TopicOccupancyAlert  Topic = "occupancy_alert"
	TopicUserAction      Topic = "user_action"
	TopicUserRemoved     Topic = "user_removed"
	TopicSessionExpired  Topic = "session_expired"
	TopicStatusUpdate    Topic = "status_update"
)

// Event is one notification. Occupant is empty for broadcasts and set for
// unicasts.
type Event struct {
	Topic    Topic            `json:"topic"`
	Occupant model.OccupantID `json:"occupant,omitempty"`
	Payload  any              `json:"payload"`
}

const connBuffer = 64

// Conn is one live subscriber connection.
type Conn struct {
	id       string
	occupant model.OccupantID // empty for anonymous broadcast-only consumers
	ch       chan Event

	mu     sync.Mutex
	closed bool
}

// trySend enqueues without blocking. Returns false when the buffer is full
// or the connection is already closed.
func (c *Conn) trySend(ev Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.ch <- ev:
		return true
	default:
		return false
	}
}

func (c *Conn) closeOnce() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.ch)
	}
}

// ID returns the connection identifier.
func (c *Conn) ID() string { return c.id }

// C is the ordered event stream for this connection.
func (c *Conn) C() <-chan Event { return c.ch }

// Hub is the per-connection registry with topic fan-out.
type Hub struct {
	mu         sync.RWMutex
	conns      map[string]*Conn
	byOccupant map[model.OccupantID]map[string]*Conn
	closed     bool
}

// New returns an open hub.
func New() *Hub {
	return &Hub{
		conns:      make(map[string]*Conn),
		byOccupant: make(map[model.OccupantID]map[string]*Conn),
	}
}

// Register creates a connection. A non-empty occupant binds the connection
// to that occupant's unicast topics; every connection receives broadcasts.
func (h *Hub) Register(occupant model.OccupantID) *Conn {
	c := &Conn{
		id:       uuid.New().String(),
		occupant: occupant,
		ch:       make(chan Event, connBuffer),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		c.closeOnce()
		return c
	}
	h.conns[c.id] = c
	if occupant != "" {
		set, ok := h.byOccupant[occupant]
		if !ok {
			set = make(map[string]*Conn)
			h.byOccupant[occupant] = set
		}
		set[c.id] = c
	}
	metrics.HubConnections.Set(float64(len(h.conns)))
	return c
}

// Unregister removes the connection and closes its channel.
func (h *Hub) Unregister(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[c.id]; !ok {
		return
	}
	delete(h.conns, c.id)
	if c.occupant != "" {
		if set, ok := h.byOccupant[c.occupant]; ok {
			delete(set, c.id)
			if len(set) == 0 {
				delete(h.byOccupant, c.occupant)
			}
		}
	}
	c.closeOnce()
	metrics.HubConnections.Set(float64(len(h.conns)))
}

// Broadcast enqueues ev to every registered connection.
func (h *Hub) Broadcast(ev Event) {
	h.mu.RLock()
	targets := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.send(c, ev)
	}
}

// Unicast enqueues ev to every connection bound to the occupant. Occupants
// without a live connection simply miss the notice.
func (h *Hub) Unicast(id model.OccupantID, ev Event) {
	ev.Occupant = id

	h.mu.RLock()
	set := h.byOccupant[id]
	targets := make([]*Conn, 0, len(set))
	for _, c := range set {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.send(c, ev)
	}
}

// Dispatch routes ev: broadcast when no occupant is set, unicast otherwise.
func (h *Hub) Dispatch(ev Event) {
	if ev.Occupant == "" {
		h.Broadcast(ev)
		return
	}
	h.Unicast(ev.Occupant, ev)
}

// Close unregisters all connections.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, c := range h.conns {
		delete(h.conns, id)
		c.closeOnce()
	}
	h.byOccupant = make(map[model.OccupantID]map[string]*Conn)
	metrics.HubConnections.Set(0)
}

func (h *Hub) send(c *Conn, ev Event) {
	if c.trySend(ev) {
		metrics.IncHubDelivered(string(ev.Topic))
		return
	}
	metrics.IncHubDrop(string(ev.Topic), "buffer_full")
	l := log.L()
	l.Debug().
		Str(log.FieldTopic, string(ev.Topic)).
		Str(log.FieldConnectionID, c.id).
		Msg("hub dropped notification for slow consumer")
}
