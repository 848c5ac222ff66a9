// Package scheduler fait tourner les réceptions d'un nœud dans une seule boucle
// coopérative : commandes de contrôle, handshakes, ticks des tâches, puis poll
// du canal et démultiplexage des réponses par id de requête.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"rendersync/internal/control"
	"rendersync/internal/journal"
	"rendersync/internal/peer"
	"rendersync/internal/transfer"
	"rendersync/internal/wire"

	"github.com/google/uuid"
)

// Scheduler possède toutes ses tâches et tous ses pairs. Seule la boucle de
// Run y touche; Submit et Snapshot sont sûrs depuis d'autres goroutines.
type Scheduler struct {
	config   SchedulerConfig
	commands chan control.Command
	stopped  chan struct{}
	running  atomic.Bool

	// État de la boucle.
	tasks      map[string]*transfer.Task
	byDest     map[string]string // destination -> task id
	peers      map[string]*remotePeer
	maxTimeout time.Duration
	stagingDir string

	mu       sync.RWMutex
	snapshot Snapshot
}

var _ control.CommandSink = (*Scheduler)(nil)

func NewScheduler(config SchedulerConfig) (*Scheduler, error) {
	config.setDefaults()
	if config.NodeID == "" {
		return nil, errors.New("NodeID is mandatory for the scheduler")
	}
	if config.Channel == nil {
		return nil, errors.New("Channel is mandatory for the scheduler")
	}
	return &Scheduler{
		config:     config,
		commands:   make(chan control.Command, config.CommandBuffer),
		stopped:    make(chan struct{}),
		tasks:      make(map[string]*transfer.Task),
		byDest:     make(map[string]string),
		peers:      make(map[string]*remotePeer),
		maxTimeout: config.Params.MaxTimeout,
	}, nil
}

// Submit met une commande en file pour la prochaine itération. Ne bloque jamais.
func (s *Scheduler) Submit(cmd control.Command) error {
	if err := cmd.Validate(); err != nil {
		return err
	}
	select {
	case <-s.stopped:
		return ErrSchedulerStopped
	default:
	}
	select {
	case s.commands <- cmd:
		return nil
	default:
		return fmt.Errorf("%w (%d pending)", ErrCommandQueueFull, cap(s.commands))
	}
}

// Snapshot retourne l'état publié à la fin de la dernière itération.
func (s *Scheduler) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		Tasks: slices.Clone(s.snapshot.Tasks),
		Peers: slices.Clone(s.snapshot.Peers),
	}
}

// Run exécute la boucle jusqu'à l'annulation de ctx (retourne nil, les tâches
// actives sont annulées) ou la fermeture du canal (retourne l'erreur, les
// tâches actives échouent). Le répertoire de staging est supprimé en sortie.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(s.stopped)

	dir, err := os.MkdirTemp(s.config.StagingDir, stagingDirPattern)
	if err != nil {
		return fmt.Errorf("failed to create staging directory: %w", err)
	}
	s.stagingDir = dir
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			s.config.Logger.Warn("Failed to remove staging directory", "dir", dir, "error", err)
		}
	}()

	logger := s.config.Logger
	logger.Info("Scheduler started", "node_id", s.config.NodeID, "staging_dir", dir)

	for {
		if ctx.Err() != nil {
			s.shutdown(time.Now(), "scheduler stopped", true)
			logger.Info("Scheduler stopped", "reason", ctx.Err())
			return nil
		}

		now := time.Now()
		s.applyCommands(now)
		s.tickHandshakes(ctx, now)
		s.tickTasks(ctx, now)
		s.publish()

		envs, err := s.config.Channel.Poll(s.config.PollInterval)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			s.shutdown(time.Now(), fmt.Sprintf("peer channel failed: %v", err), false)
			logger.Error("Scheduler channel failed", "error", err)
			return fmt.Errorf("scheduler channel: %w", err)
		}
		s.demux(ctx, time.Now(), envs)
	}
}

func (s *Scheduler) applyCommands(now time.Time) {
	for {
		select {
		case cmd := <-s.commands:
			s.apply(now, cmd)
		default:
			return
		}
	}
}

func (s *Scheduler) apply(now time.Time, cmd control.Command) {
	s.config.Logger.Debug("Applying command", "op", cmd.Op, "peer_id", cmd.PeerID, "correlation_id", cmd.CorrelationID)
	switch cmd.Op {
	case control.OpConnect:
		s.connectPeer(now, cmd)
	case control.OpDisconnect:
		s.disconnectPeer(now, cmd.PeerID)
	case control.OpTransferRequest:
		s.requestTransfer(now, cmd)
	case control.OpCancel:
		s.cancel(now, cmd)
	case control.OpUpdateTimeout:
		s.maxTimeout = time.Duration(cmd.Seconds * float64(time.Second))
		for _, t := range s.tasks {
			t.SetMaxTimeout(s.maxTimeout)
		}
		s.config.Logger.Info("Network timeout updated", "timeout", s.maxTimeout)
	default:
		s.config.Logger.Warn("Ignoring unknown command", "op", cmd.Op)
	}
}

func (s *Scheduler) requestTransfer(now time.Time, cmd control.Command) {
	p, ok := s.peers[cmd.PeerID]
	switch {
	case !ok:
		s.rejectRequest(now, cmd, fmt.Sprintf("%v: %s (connect it first)", peer.ErrPeerNotConnected, cmd.PeerID))
	case !p.ready:
		p.waiting = append(p.waiting, cmd)
		s.config.Logger.Debug("Transfer request held until handshake completes",
			"peer_id", cmd.PeerID, "correlation_id", cmd.CorrelationID)
	default:
		s.startTask(now, cmd)
	}
}

// startTask crée la tâche d'une transfer_request dont le pair est prêt.
func (s *Scheduler) startTask(now time.Time, cmd control.Command) {
	dest := filepath.Clean(cmd.DestPath)
	if other, busy := s.byDest[dest]; busy {
		s.rejectRequest(now, cmd, fmt.Sprintf("destination %s is already being written by task %s", dest, other))
		return
	}

	params := s.config.Params
	params.MaxTimeout = s.maxTimeout
	id := uuid.NewString()
	t := transfer.New(transfer.Config{
		ID:            id,
		CorrelationID: cmd.CorrelationID,
		PeerID:        cmd.PeerID,
		FileID:        cmd.SourceFileID,
		Dest:          dest,
		StagingPath:   transfer.StagingPath(s.stagingDir, dest),
		Params:        params,
		Logger:        s.config.Logger,
	}, now)
	s.tasks[id] = t
	s.byDest[dest] = id

	if s.config.Journal != nil {
		err := s.config.Journal.Begin(journal.Entry{TaskID: id, CorrelationID: cmd.CorrelationID, PeerID: cmd.PeerID,
			FileID: cmd.SourceFileID, Dest: dest, Started: now})
		if err != nil {
			s.config.Logger.Warn("Failed to journal task start", "task_id", id, "error", err)
		}
	}
	s.config.Logger.Info("Transfer accepted", "task_id", id, "correlation_id", cmd.CorrelationID,
		"peer_id", cmd.PeerID, "file_id", cmd.SourceFileID, "dest", dest)
	s.notify(now, control.Notification{Kind: control.KindAccepted, CorrelationID: cmd.CorrelationID, TaskID: id,
		PeerID: cmd.PeerID, FileID: cmd.SourceFileID})
}

// rejectRequest fait échouer une transfer_request pour laquelle aucune tâche n'existe.
func (s *Scheduler) rejectRequest(now time.Time, cmd control.Command, reason string) {
	s.config.Logger.Warn("Transfer request failed", "correlation_id", cmd.CorrelationID,
		"peer_id", cmd.PeerID, "file_id", cmd.SourceFileID, "reason", reason)
	s.notify(now, control.Notification{Kind: control.KindFailed, CorrelationID: cmd.CorrelationID,
		PeerID: cmd.PeerID, FileID: cmd.SourceFileID, Reason: reason})
}

func (s *Scheduler) cancel(now time.Time, cmd control.Command) {
	match := func(taskID, correlationID string) bool {
		return cmd.All || (cmd.TaskID != "" && taskID == cmd.TaskID) ||
			(cmd.CorrelationID != "" && correlationID == cmd.CorrelationID)
	}
	const reason = "cancelled by control"
	n := 0
	for id, t := range s.tasks {
		if match(id, t.CorrelationID) && t.Cancel(now, reason) {
			n++
		}
	}
	// Les requêtes pas encore devenues tâches.
	for _, p := range s.peers {
		kept := p.waiting[:0]
		for _, w := range p.waiting {
			if match("", w.CorrelationID) {
				s.notify(now, control.Notification{Kind: control.KindCancelled, CorrelationID: w.CorrelationID,
					PeerID: w.PeerID, FileID: w.SourceFileID, Reason: reason, Stats: &transfer.Stats{}})
				n++
				continue
			}
			kept = append(kept, w)
		}
		p.waiting = kept
	}
	if n == 0 {
		s.config.Logger.Info("Cancel matched nothing", "task_id", cmd.TaskID, "correlation_id", cmd.CorrelationID)
	}
}

// tickTasks fait avancer chaque tâche d'un pas, sur un instantané de la table.
func (s *Scheduler) tickTasks(ctx context.Context, now time.Time) {
	for _, id := range sortedKeys(s.tasks) {
		t := s.tasks[id]
		if t.HasInbox() {
			t.HandleReceived(now)
		}
		for _, pct := range t.TakeProgress() {
			s.notify(now, control.Notification{Kind: control.KindProgress, CorrelationID: t.CorrelationID,
				TaskID: t.ID, PeerID: t.PeerID, FileID: t.FileID, Percent: pct})
		}
		if !t.State().Terminal() {
			peerID := t.PeerID
			t.Act(now, func(msg *wire.Message) error { return s.send(ctx, peerID, msg) })
		}
		if t.State().Terminal() {
			s.finish(now, t)
		}
	}
}

// finish rapporte l'issue d'une tâche terminée et l'oublie. Une tâche ne
// passe ici qu'une fois.
func (s *Scheduler) finish(now time.Time, t *transfer.Task) {
	delete(s.tasks, t.ID)
	if s.byDest[t.Dest] == t.ID {
		delete(s.byDest, t.Dest)
	}

	stats := t.Stats()
	n := control.Notification{CorrelationID: t.CorrelationID, TaskID: t.ID, PeerID: t.PeerID, FileID: t.FileID,
		Reason: t.Reason(), Stats: &stats}
	var status journal.Status
	switch t.State() {
	case transfer.StateComplete:
		n.Kind, status = control.KindComplete, journal.StatusComplete
		n.Percent = 100
	case transfer.StateCancelled:
		n.Kind, status = control.KindCancelled, journal.StatusCancelled
	default:
		n.Kind, status = control.KindFailed, journal.StatusFailed
	}
	if s.config.Journal != nil {
		if err := s.config.Journal.Finish(t.ID, status, t.Reason(), stats, now); err != nil {
			s.config.Logger.Warn("Failed to journal task outcome", "task_id", t.ID, "error", err)
		}
	}
	s.notify(now, n)
}

// demux route les messages reçus : handshakes au suivi des pairs, réponses
// à la tâche désignée par le préfixe de leur id de requête.
func (s *Scheduler) demux(ctx context.Context, now time.Time, envs []peer.Envelope) {
	for _, env := range envs {
		msg := env.Msg
		switch msg.Kind {
		case wire.KindHello:
			if err := s.send(ctx, env.PeerID, wire.HelloAck(s.config.NodeID)); err != nil {
				s.config.Logger.Debug("HELLO! not sent", "peer_id", env.PeerID, "error", err)
			}
		case wire.KindHelloAck:
			s.handshakeDone(now, env.PeerID)
		case wire.KindFileInfoReply, wire.KindFileDataReply, wire.KindError:
			taskID, _, ok := transfer.ParseRequestID(msg.RequestID)
			t, found := s.tasks[taskID]
			if !ok || !found || t.PeerID != env.PeerID {
				s.config.Logger.Debug("Discarding reply for no live task", "peer_id", env.PeerID,
					"kind", msg.Kind, "request_id", msg.RequestID)
				continue
			}
			t.Deliver(msg)
		default:
			s.config.Logger.Warn("Discarding unexpected message", "peer_id", env.PeerID, "kind", msg.Kind)
		}
	}
}

func (s *Scheduler) send(ctx context.Context, peerID string, msg *wire.Message) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.WriteTimeout)
	defer cancel()
	return s.config.Channel.Send(ctx, peerID, msg)
}

func (s *Scheduler) notify(now time.Time, n control.Notification) {
	n.Time = now
	s.config.Notifier.Notify(n)
}

// shutdown termine tout ce qui est actif : annulation à l'arrêt demandé,
// échec si le canal est perdu.
func (s *Scheduler) shutdown(now time.Time, reason string, cancelled bool) {
	for _, id := range sortedKeys(s.tasks) {
		t := s.tasks[id]
		if cancelled {
			t.Cancel(now, reason)
		} else {
			t.Fail(now, reason)
		}
		s.finish(now, t)
	}
	for _, id := range sortedKeys(s.peers) {
		p := s.peers[id]
		for _, w := range p.waiting {
			if cancelled {
				s.notify(now, control.Notification{Kind: control.KindCancelled, CorrelationID: w.CorrelationID,
					PeerID: w.PeerID, FileID: w.SourceFileID, Reason: reason, Stats: &transfer.Stats{}})
			} else {
				s.rejectRequest(now, w, reason)
			}
		}
		p.waiting = nil
		delete(s.peers, id)
		s.config.Channel.Disconnect(id)
	}
	s.publish()
}

func (s *Scheduler) publish() {
	snap := Snapshot{
		Tasks: make([]TaskView, 0, len(s.tasks)),
		Peers: make([]PeerView, 0, len(s.peers)),
	}
	for _, id := range sortedKeys(s.tasks) {
		t := s.tasks[id]
		snap.Tasks = append(snap.Tasks, TaskView{ID: t.ID, CorrelationID: t.CorrelationID, PeerID: t.PeerID,
			FileID: t.FileID, Dest: t.Dest, State: t.State().String(), Percent: t.Percent(), InFlight: t.InFlight()})
	}
	for _, id := range sortedKeys(s.peers) {
		p := s.peers[id]
		snap.Peers = append(snap.Peers, PeerView{ID: p.id, Endpoint: p.endpoint(), Ready: p.ready, Waiting: len(p.waiting)})
	}
	s.mu.Lock()
	s.snapshot = snap
	s.mu.Unlock()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
