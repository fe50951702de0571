// Package balancefeed fans committed balance snapshots out to live subscribers.
package balancefeed

import (
	"errors"
	"strings"
	"sync"
	"time"

	creditsdomain "github.com/smallbiznis/applykit/internal/credits/domain"
)

const DefaultSubscriberBuffer = 16

var (
	ErrHubUnavailable = errors.New("hub_unavailable")
	ErrInvalidActor   = errors.New("invalid_actor")
)

// Update is the wire form of a balance snapshot.
type Update struct {
	ActorID                 string    `json:"actor_id"`
	Credits                 int64     `json:"credits"`
	Blocked                 bool      `json:"blocked"`
	TotalAICalls            int64     `json:"total_ai_calls"`
	TotalDocumentsGenerated int64     `json:"total_documents_generated"`
	TotalCVGenerated        int64     `json:"total_cv_generated"`
	TotalLMGenerated        int64     `json:"total_lm_generated"`
	UpdatedAt               time.Time `json:"updated_at"`
}

func UpdateFromBalance(b creditsdomain.Balance) Update {
	return Update{
		ActorID:                 b.ActorID,
		Credits:                 b.Credits,
		Blocked:                 b.Blocked,
		TotalAICalls:            b.TotalAICalls,
		TotalDocumentsGenerated: b.TotalDocumentsGenerated,
		TotalCVGenerated:        b.TotalCVGenerated,
		TotalLMGenerated:        b.TotalLMGenerated,
		UpdatedAt:               b.UpdatedAt,
	}
}

// Hub keeps one stream per actor with active subscribers. Each stream
// remembers the newest snapshot so a late subscriber starts from it.
// Slow subscribers drop updates instead of blocking publishers.
type Hub struct {
	mu               sync.RWMutex
	streams          map[string]*stream
	subscriberBuffer int
	onSubscribers    func(delta int)
}

type stream struct {
	mu     sync.Mutex
	latest *Update
	subs   map[uint64]chan Update
	nextID uint64
}

type Subscription struct {
	hub     *Hub
	actorID string
	id      uint64
	ch      chan Update
	once    sync.Once
}

func NewHub() *Hub {
	return &Hub{
		streams:          make(map[string]*stream),
		subscriberBuffer: DefaultSubscriberBuffer,
	}
}

// OnSubscribersChanged registers a gauge hook called with +1/-1.
func (h *Hub) OnSubscribersChanged(fn func(delta int)) {
	if h == nil {
		return
	}
	h.mu.Lock()
	h.onSubscribers = fn
	h.mu.Unlock()
}

func (h *Hub) Publish(update Update) {
	if h == nil {
		return
	}
	actorID := strings.TrimSpace(update.ActorID)
	if actorID == "" {
		return
	}
	h.mu.RLock()
	stream := h.streams[actorID]
	h.mu.RUnlock()
	if stream == nil {
		return
	}

	stream.mu.Lock()
	if stream.latest != nil && update.UpdatedAt.Before(stream.latest.UpdatedAt) {
		stream.mu.Unlock()
		return
	}
	snapshot := update
	stream.latest = &snapshot
	subs := make([]chan Update, 0, len(stream.subs))
	for _, ch := range stream.subs {
		subs = append(subs, ch)
	}
	stream.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- update:
		default:
		}
	}
}

// Subscribe returns the subscription and the newest snapshot seen for the
// actor, if any.
func (h *Hub) Subscribe(actorID string) (*Subscription, *Update, error) {
	if h == nil {
		return nil, nil, ErrHubUnavailable
	}
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return nil, nil, ErrInvalidActor
	}

	stream := h.ensureStream(actorID)
	stream.mu.Lock()
	id := stream.nextID
	stream.nextID++
	ch := make(chan Update, h.subscriberBuffer)
	stream.subs[id] = ch
	var latest *Update
	if stream.latest != nil {
		snapshot := *stream.latest
		latest = &snapshot
	}
	stream.mu.Unlock()

	h.notifySubscribers(1)
	return &Subscription{hub: h, actorID: actorID, id: id, ch: ch}, latest, nil
}

func (h *Hub) ensureStream(actorID string) *stream {
	h.mu.RLock()
	current := h.streams[actorID]
	h.mu.RUnlock()
	if current != nil {
		return current
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	current = h.streams[actorID]
	if current == nil {
		current = &stream{subs: make(map[uint64]chan Update)}
		h.streams[actorID] = current
	}
	return current
}

func (h *Hub) unsubscribe(actorID string, id uint64) {
	h.mu.RLock()
	stream := h.streams[actorID]
	h.mu.RUnlock()
	if stream == nil {
		return
	}

	stream.mu.Lock()
	if _, ok := stream.subs[id]; !ok {
		stream.mu.Unlock()
		return
	}
	delete(stream.subs, id)
	remaining := len(stream.subs)
	stream.mu.Unlock()
	h.notifySubscribers(-1)
	if remaining != 0 {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.streams[actorID] != stream {
		return
	}
	stream.mu.Lock()
	empty := len(stream.subs) == 0
	stream.mu.Unlock()
	if empty {
		delete(h.streams, actorID)
	}
}

func (h *Hub) notifySubscribers(delta int) {
	h.mu.RLock()
	fn := h.onSubscribers
	h.mu.RUnlock()
	if fn != nil {
		fn(delta)
	}
}

func (s *Subscription) Updates() <-chan Update {
	if s == nil {
		return nil
	}
	return s.ch
}

func (s *Subscription) Close() {
	if s == nil || s.hub == nil {
		return
	}
	s.once.Do(func() {
		s.hub.unsubscribe(s.actorID, s.id)
	})
}
