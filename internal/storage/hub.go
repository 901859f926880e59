package storage

import (
	"sync"

	"github.com/mmynk/tabsplit/internal/models"
)

// Hub fans committed collaborative session documents out to in-process
// subscribers. Backends without native change notification publish to it after
// every successful write.
type Hub struct {
	mu     sync.Mutex
	nextID int
	subs   map[string]map[int]*hubSub
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[int]*hubSub)}
}

type hubSub struct {
	hub       *Hub
	sessionID string
	id        int
	ch        chan *models.CollaborativeSession
	once      sync.Once
}

func (s *hubSub) Updates() <-chan *models.CollaborativeSession { return s.ch }

func (s *hubSub) Close() error {
	s.once.Do(func() {
		s.hub.mu.Lock()
		delete(s.hub.subs[s.sessionID], s.id)
		if len(s.hub.subs[s.sessionID]) == 0 {
			delete(s.hub.subs, s.sessionID)
		}
		close(s.ch)
		s.hub.mu.Unlock()
	})
	return nil
}

// Subscribe registers a subscriber and primes it with the current document.
func (h *Hub) Subscribe(current *models.CollaborativeSession) Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	s := &hubSub{hub: h, sessionID: current.ID, id: h.nextID, ch: make(chan *models.CollaborativeSession, 16)}
	if h.subs[current.ID] == nil {
		h.subs[current.ID] = make(map[int]*hubSub)
	}
	h.subs[current.ID][s.id] = s
	s.ch <- current.Clone()
	return s
}

// Publish delivers doc to every subscriber of its session. A subscriber whose
// buffer is full drops its oldest pending version, so the newest always lands.
func (h *Hub) Publish(doc *models.CollaborativeSession) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.subs[doc.ID] {
		c := doc.Clone()
		select {
		case s.ch <- c:
		default:
			select {
			case <-s.ch:
			default:
			}
			s.ch <- c
		}
	}
}

// Subscribers returns the number of subscribers for a session.
func (h *Hub) Subscribers(sessionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[sessionID])
}
