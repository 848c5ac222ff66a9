// Package journal garde l'historique des transferts d'un nœud dans une base
// BoltDB : une entrée JSON par tâche, créée au démarrage de la tâche et
// complétée à son issue.
package journal

import (
	"errors"
	"log/slog"
	"time"

	"rendersync/internal/transfer"
)

var (
	ErrEntryNotFound   = errors.New("journal entry not found")
	ErrAlreadyFinished = errors.New("journal entry already has an outcome")
)

// Status est l'état d'une entrée.
type Status string

const (
	StatusRunning     Status = "RUNNING"
	StatusComplete    Status = "COMPLETE"
	StatusFailed      Status = "FAILED"
	StatusCancelled   Status = "CANCELLED"
	StatusInterrupted Status = "INTERRUPTED" // le processus s'est arrêté pendant la tâche
)

// Terminal est vrai pour toute issue autre que RUNNING.
func (s Status) Terminal() bool { return s != StatusRunning }

// Entry est l'historique d'une tâche.
type Entry struct {
	TaskID        string          `json:"task_id"`
	CorrelationID string          `json:"correlation_id"`
	PeerID        string          `json:"peer_id"`
	FileID        string          `json:"file_id"`
	Dest          string          `json:"dest"`
	Status        Status          `json:"status"`
	Reason        string          `json:"reason,omitempty"`
	Stats         *transfer.Stats `json:"stats,omitempty"`
	Started       time.Time       `json:"started"`
	Finished      time.Time       `json:"finished,omitempty"`
}

type Config struct {
	Path   string
	Logger *slog.Logger
}

func (c *Config) setDefaults() {
	if c.Logger == nil {
		c.Logger = slog.Default().With("component", "journal")
	}
}

// Filter sélectionne les entrées retournées par List. Les champs vides ne filtrent pas.
type Filter struct {
	Status Status
	PeerID string
	Limit  int
}
