package control

import (
	"log/slog"
	"sync"
	"time"
)

const (
	defaultSubscriberBuffer = 256

	// DefaultDeliveryTimeout borne l'attente sur un abonné plein pour une
	// notification qui ne peut pas être perdue.
	DefaultDeliveryTimeout = 2 * time.Second
)

// Hub diffuse chaque notification à tous ses abonnés. Un abonné plein perd les
// progress. Pour les autres kinds, Notify attend au plus DeliveryTimeout puis
// déconnecte l'abonné : son chan est fermé, il sait qu'il a manqué des issues.
type Hub struct {
	mu     sync.Mutex
	subs   map[int]chan Notification
	nextID int
	logger *slog.Logger

	DeliveryTimeout time.Duration
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default().With("component", "control_hub")
	}
	return &Hub{subs: make(map[int]chan Notification), logger: logger, DeliveryTimeout: DefaultDeliveryTimeout}
}

// Subscribe retourne le flux des notifications et la fonction de désabonnement,
// qui ferme le chan. Le chan est aussi fermé si le Hub évince l'abonné.
func (h *Hub) Subscribe(buffer int) (<-chan Notification, func()) {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	ch := make(chan Notification, buffer)
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	h.mu.Unlock()

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.remove(id)
	}
}

// remove ferme le chan de id s'il est encore abonné. h.mu est tenu.
func (h *Hub) remove(id int) {
	if ch, ok := h.subs[id]; ok {
		delete(h.subs, id)
		close(ch)
	}
}

func (h *Hub) Notify(n Notification) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var deadline time.Time
	for id, ch := range h.subs {
		select {
		case ch <- n:
			continue
		default:
		}
		if n.Kind == KindProgress {
			h.logger.Debug("Subscriber too slow, dropping progress", "subscriber", id, "correlation_id", n.CorrelationID)
			continue
		}
		if deadline.IsZero() {
			deadline = time.Now().Add(h.DeliveryTimeout)
		}
		if !deliver(ch, n, time.Until(deadline)) {
			h.logger.Warn("Subscriber too slow, disconnecting it", "subscriber", id, "kind", n.Kind,
				"correlation_id", n.CorrelationID)
			h.remove(id)
		}
	}
}

func deliver(ch chan<- Notification, n Notification, wait time.Duration) bool {
	if wait <= 0 {
		return false
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case ch <- n:
		return true
	case <-timer.C:
		return false
	}
}

func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
