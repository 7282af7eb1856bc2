package events

import (
	"encoding/json"
	"log"
	"time"
)

// Event notifies connected clients that the shared catalog changed and a
// re-fetch is warranted.
type Event struct {
	Type        string    `json:"type"`
	CharacterID uint64    `json:"character_id,omitempty"`
	EmittedAt   time.Time `json:"emitted_at"`
}

// Event types published by the characters module.
const (
	CharacterCreated    = "character_created"
	CharacterUpdated    = "character_updated"
	CharacterDeleted    = "character_deleted"
	CharacterLiked      = "character_liked"
	CharacterDownloaded = "character_downloaded"
)

// Hub fans catalog change events out to every connected websocket client.
type Hub struct {
	register   chan *client
	unregister chan *client
	broadcast  chan Event
	clients    map[*client]struct{}
}

// NewHub creates a hub and starts its dispatch loop.
func NewHub() *Hub {
	h := &Hub{
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan Event, 64),
		clients:    make(map[*client]struct{}),
	}
	go h.run()
	return h
}

// Publish queues an event for delivery. Events are dropped when the hub is
// saturated; clients re-fetch on the next event anyway.
func (h *Hub) Publish(eventType string, characterID uint64) {
	if h == nil {
		return
	}
	select {
	case h.broadcast <- Event{Type: eventType, CharacterID: characterID, EmittedAt: time.Now().UTC()}:
	default:
		log.Printf("events: dropping %s event for character %d", eventType, characterID)
	}
}

func (h *Hub) run() {
	for {
		select {
		case c := <-h.register:
			h.clients[c] = struct{}{}
		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
		case event := <-h.broadcast:
			payload, err := json.Marshal(event)
			if err != nil {
				log.Printf("events: encode event: %v", err)
				continue
			}
			for c := range h.clients {
				select {
				case c.send <- payload:
				default:
					delete(h.clients, c)
					close(c.send)
				}
			}
		}
	}
}
