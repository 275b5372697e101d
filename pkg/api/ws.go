package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"overlay-wan/pkg/model"
)

const wsWriteTimeout = 5 * time.Second

// WSMessage is the envelope pushed to event subscribers.
type WSMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

// MessageFailoverEvent carries a persisted model.FailoverEvent.
const MessageFailoverEvent = "failover_event"

type subscriber struct {
	conn     *websocket.Conn
	policyID string
	// gorilla connections allow one concurrent writer
	wmu sync.Mutex
}

func (s *subscriber) send(msg WSMessage) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return s.conn.WriteJSON(msg)
}

// EventHub fans persisted failover events out to websocket subscribers.
type EventHub struct {
	upgrader websocket.Upgrader
	mu       sync.RWMutex
	subs     map[*subscriber]struct{}
	log      *zap.Logger
}

func NewEventHub(log *zap.Logger) *EventHub {
	if log == nil {
		log = zap.NewNop()
	}
	return &EventHub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		subs: map[*subscriber]struct{}{},
		log:  log.Named("ws"),
	}
}

// HandleEvents upgrades the request and streams events. ?policy_id=x
// limits the stream to one policy.
func (h *EventHub) HandleEvents(w http.ResponseWriter, r *http.Request) {
	c, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("ws upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}
	sub := &subscriber{conn: c, policyID: r.URL.Query().Get("policy_id")}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	n := len(h.subs)
	h.mu.Unlock()
	h.log.Info("event subscriber connected", zap.String("remote", r.RemoteAddr),
		zap.String("policy", sub.policyID), zap.Int("subscribers", n))
	go h.readLoop(sub)
}

// Publish sends ev to every matching subscriber. It is safe to use as the
// monitor's OnEvent hook.
func (h *EventHub) Publish(ev model.FailoverEvent) {
	h.mu.RLock()
	targets := make([]*subscriber, 0, len(h.subs))
	for s := range h.subs {
		if s.policyID == "" || s.policyID == ev.PolicyID {
			targets = append(targets, s)
		}
	}
	h.mu.RUnlock()

	msg := WSMessage{Type: MessageFailoverEvent, Payload: ev}
	for _, s := range targets {
		if err := s.send(msg); err != nil {
			h.log.Debug("ws send failed", zap.Error(err))
			h.drop(s)
		}
	}
}

// Subscribers is the number of connected clients.
func (h *EventHub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close disconnects every subscriber.
func (h *EventHub) Close() {
	h.mu.Lock()
	subs := h.subs
	h.subs = map[*subscriber]struct{}{}
	h.mu.Unlock()
	for s := range subs {
		_ = s.conn.Close()
	}
}

// readLoop discards client frames and notices disconnects.
func (h *EventHub) readLoop(s *subscriber) {
	defer h.drop(s)
	for {
		if _, _, err := s.conn.NextReader(); err != nil {
			return
		}
	}
}

func (h *EventHub) drop(s *subscriber) {
	_ = s.conn.Close()
	h.mu.Lock()
	_, ok := h.subs[s]
	delete(h.subs, s)
	h.mu.Unlock()
	if ok {
		h.log.Info("event subscriber disconnected", zap.String("policy", s.policyID))
	}
}
