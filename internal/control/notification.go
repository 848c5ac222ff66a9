package control

import (
	"time"

	"rendersync/internal/transfer"
)

// Kind est le type d'une Notification.
type Kind string

const (
	KindAccepted      Kind = "accepted"
	KindProgress      Kind = "progress"
	KindComplete      Kind = "complete"
	KindFailed        Kind = "failed"
	KindCancelled     Kind = "cancelled"
	KindConnected     Kind = "connected"
	KindConnectFailed Kind = "connect_failed"
	KindRejected      Kind = "rejected" // commande invalide reçue par Server
)

// Notification est émise par un scheduler vers l'extérieur.
type Notification struct {
	Kind          Kind            `json:"kind"`
	Time          time.Time       `json:"time"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	TaskID        string          `json:"task_id,omitempty"`
	PeerID        string          `json:"peer_id,omitempty"`
	Endpoint      string          `json:"endpoint,omitempty"`
	FileID        string          `json:"file_id,omitempty"`
	Percent       float64         `json:"percent,omitempty"`
	Reason        string          `json:"reason,omitempty"`
	Stats         *transfer.Stats `json:"stats,omitempty"`
}

// Terminal est vrai pour complete, failed et cancelled.
func (n Notification) Terminal() bool {
	return n.Kind == KindComplete || n.Kind == KindFailed || n.Kind == KindCancelled
}

// Notifier reçoit les notifications. Notify est appelé depuis la boucle du
// scheduler : il ne doit pas bloquer longtemps.
type Notifier interface {
	Notify(Notification)
}

// NotifierFunc adapte une fonction en Notifier.
type NotifierFunc func(Notification)

func (f NotifierFunc) Notify(n Notification) { f(n) }

// ChanNotifier pousse chaque notification dans un chan. L'envoi bloque si le
// chan est plein : à dimensionner, ou à vider en continu.
type ChanNotifier chan Notification

func (c ChanNotifier) Notify(n Notification) { c <- n }
