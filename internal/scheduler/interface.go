package scheduler

import (
	"errors"
	"log/slog"
	"time"

	"rendersync/internal/control"
	"rendersync/internal/journal"
	"rendersync/internal/peer"
	"rendersync/internal/transfer"
)

const (
	defaultPollInterval  = 20 * time.Millisecond
	defaultWriteTimeout  = 10 * time.Second
	defaultCommandBuffer = 256
	stagingDirPattern    = "rendersync-staging-"
)

var (
	ErrSchedulerStopped = errors.New("scheduler is stopped")
	ErrAlreadyRunning   = errors.New("scheduler is already running")
	ErrCommandQueueFull = errors.New("scheduler command queue is full")
)

// Journal enregistre le début et l'issue de chaque tâche. *journal.Ledger le satisfait.
type Journal interface {
	Begin(journal.Entry) error
	Finish(taskID string, status journal.Status, reason string, stats transfer.Stats, at time.Time) error
}

// SchedulerConfig contient les paramètres du scheduler.
type SchedulerConfig struct {
	NodeID   string              // annoncé dans HELLO? et HELLO!
	Channel  peer.DialingChannel // canal sortant; le scheduler ne le ferme pas
	Notifier control.Notifier
	Journal  Journal // optionnel

	// StagingDir est le parent du répertoire de staging privé créé par Run.
	// Vide : répertoire temporaire du système.
	StagingDir string
	Params     transfer.Params

	PollInterval  time.Duration
	WriteTimeout  time.Duration
	CommandBuffer int
	Logger        *slog.Logger
}

func (c *SchedulerConfig) setDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.CommandBuffer <= 0 {
		c.CommandBuffer = defaultCommandBuffer
	}
	if c.Params.MaxTimeout <= 0 {
		c.Params.MaxTimeout = transfer.DefaultMaxTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.Default().With("component", "scheduler")
	}
	if c.Notifier == nil {
		logger := c.Logger
		c.Notifier = control.NotifierFunc(func(n control.Notification) {
			logger.Debug("Notification dropped, no notifier configured", "kind", n.Kind)
		})
	}
}

// TaskView est l'état d'une tâche vivante, pour diagnostic.
type TaskView struct {
	ID            string  `json:"id"`
	CorrelationID string  `json:"correlation_id"`
	PeerID        string  `json:"peer_id"`
	FileID        string  `json:"file_id"`
	Dest          string  `json:"dest"`
	State         string  `json:"state"`
	Percent       float64 `json:"percent"`
	InFlight      int     `json:"in_flight"`
}

// PeerView est l'état d'un pair connu.
type PeerView struct {
	ID       string `json:"id"`
	Endpoint string `json:"endpoint"`
	Ready    bool   `json:"ready"`
	Waiting  int    `json:"waiting"` // requêtes en attente du handshake
}

// Snapshot est publié à la fin de chaque itération de la boucle.
type Snapshot struct {
	Tasks []TaskView `json:"tasks"`
	Peers []PeerView `json:"peers"`
}
