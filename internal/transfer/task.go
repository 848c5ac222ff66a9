// Package transfer implémente la réception d'un fichier depuis un pair : une
// machine à états par fichier, pilotée par les ticks d'un scheduler.
//
// Une Task ne fait jamais d'attente bloquante. Le scheduler lui livre les
// messages reçus (Deliver), lui fait traiter sa boîte (HandleReceived), puis
// lui laisse émettre ses requêtes (Act). Les échéances sont des comparaisons
// avec l'heure passée en argument.
package transfer

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"rendersync/internal/wire"
)

// State est l'état d'une Task.
type State int

const (
	StateRequestingInfo State = iota
	StateRequestingData
	StateComplete
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateRequestingInfo:
		return "REQUESTING_INFO"
	case StateRequestingData:
		return "REQUESTING_DATA"
	case StateComplete:
		return "COMPLETE"
	case StateFailed:
		return "FAILED"
	case StateCancelled:
		return "CANCELLED"
	default:
		return fmt.Sprintf("STATE(%d)", int(s))
	}
}

// Terminal est vrai pour COMPLETE, FAILED et CANCELLED.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateFailed || s == StateCancelled
}

var (
	ErrDigestMismatch = errors.New("chunk digest mismatch")
	ErrBadChunkLength = errors.New("chunk length does not match the plan")
)

const (
	DefaultWindow      = 32
	DefaultRetries     = 4
	DefaultInfoTimeout = 5 * time.Second
	DefaultMaxTimeout  = 30 * time.Second

	// NoRetries dans Params.Retries : la première inactivité fait échouer la tâche.
	NoRetries = -1
)

// Params regroupe les réglages d'une Task.
type Params struct {
	ChunkSize   int64
	Window      int
	Retries     int // 0 : DefaultRetries, négatif : aucun retry
	InfoTimeout time.Duration
	MaxTimeout  time.Duration // délai réseau : silence toléré avant de consommer un retry
}

func (p *Params) setDefaults() {
	if p.ChunkSize <= 0 {
		p.ChunkSize = DefaultChunkSize
	}
	if p.Window <= 0 {
		p.Window = DefaultWindow
	}
	switch {
	case p.Retries == 0:
		p.Retries = DefaultRetries
	case p.Retries < 0:
		p.Retries = 0
	}
	if p.InfoTimeout <= 0 {
		p.InfoTimeout = DefaultInfoTimeout
	}
	if p.MaxTimeout <= 0 {
		p.MaxTimeout = DefaultMaxTimeout
	}
}

// Config décrit une réception à créer.
type Config struct {
	ID            string
	CorrelationID string
	PeerID        string
	FileID        string
	Dest          string
	StagingPath   string
	Params        Params
	Logger        *slog.Logger
}

// Stats est le bilan d'une Task, rapporté à la fin (succès, échec ou annulation).
type Stats struct {
	Size       int64         `json:"size"`
	Chunks     int           `json:"chunks"`
	Bytes      int64         `json:"bytes"`
	MeanRTT    time.Duration `json:"mean_rtt"`
	StdevRTT   time.Duration `json:"stdev_rtt"`
	RTTSamples int           `json:"rtt_samples"`
	Duplicates int           `json:"duplicates"`
	BadDigests int           `json:"bad_digests"`
	Remaining  int           `json:"remaining"`
	Retries    int           `json:"retries_used"`
	Duration   time.Duration `json:"duration"`
}

// SendFunc émet un message vers le pair de la Task.
type SendFunc func(*wire.Message) error

// Task reçoit un fichier. Elle appartient à la boucle d'un scheduler et n'est
// jamais partagée entre goroutines.
type Task struct {
	ID            string
	CorrelationID string
	PeerID        string
	FileID        string
	Dest          string
	StagingPath   string

	params Params
	logger *slog.Logger
	state  State
	reason string

	inbox   []*wire.Message
	plan    *ChunkPlan
	staging *os.File
	rtt     RTTStats

	created      time.Time
	finished     time.Time
	infoStarted  time.Time
	infoSentAt   time.Time
	lastActivity time.Time
	retriesLeft  int

	seq        int // numéro de la dernière requête émise
	batchSeq   int // requête FILE_DATA en cours
	batchSent  time.Time
	batchTimed bool
	timeout    time.Duration

	chunks     int
	bytes      int64
	duplicates map[int64]int
	badDigests map[int64]int

	lastPercent float64
	progress    []float64
}

func New(config Config, now time.Time) *Task {
	config.Params.setDefaults()
	logger := config.Logger
	if logger == nil {
		logger = slog.Default().With("component", "transfer")
	}
	return &Task{
		ID:            config.ID,
		CorrelationID: config.CorrelationID,
		PeerID:        config.PeerID,
		FileID:        config.FileID,
		Dest:          config.Dest,
		StagingPath:   config.StagingPath,
		params:        config.Params,
		logger:        logger.With("task_id", config.ID, "file_id", config.FileID, "peer_id", config.PeerID),
		state:         StateRequestingInfo,
		created:       now,
		retriesLeft:   config.Params.Retries,
		timeout:       DefaultRequestTimeout,
		duplicates:    make(map[int64]int),
		badDigests:    make(map[int64]int),
	}
}

func (t *Task) State() State   { return t.state }
func (t *Task) Reason() string { return t.reason }

// RequestID construit l'id d'une requête de la tâche taskID.
func RequestID(taskID string, seq int) string {
	return taskID + "/" + strconv.Itoa(seq)
}

// ParseRequestID retrouve la tâche et le numéro de séquence d'un id de requête.
func ParseRequestID(requestID string) (taskID string, seq int, ok bool) {
	i := strings.LastIndexByte(requestID, '/')
	if i <= 0 {
		return "", 0, false
	}
	seq, err := strconv.Atoi(requestID[i+1:])
	if err != nil {
		return "", 0, false
	}
	return requestID[:i], seq, true
}

// SetMaxTimeout change le délai réseau en cours de route.
func (t *Task) SetMaxTimeout(d time.Duration) {
	if d > 0 {
		t.params.MaxTimeout = d
	}
}

// Deliver met un message reçu dans la boîte de la tâche.
func (t *Task) Deliver(msg *wire.Message) {
	if t.state.Terminal() {
		return
	}
	t.inbox = append(t.inbox, msg)
}

func (t *Task) HasInbox() bool { return len(t.inbox) > 0 }

// TakeProgress rend les pourcentages à notifier depuis le dernier appel.
func (t *Task) TakeProgress() []float64 {
	p := t.progress
	t.progress = nil
	return p
}

// Percent est l'avancement courant.
func (t *Task) Percent() float64 {
	if t.plan == nil {
		return 0
	}
	return t.plan.Percent()
}

// InFlight est le nombre d'offsets demandés et pas encore reçus.
func (t *Task) InFlight() int {
	if t.plan == nil {
		return 0
	}
	return t.plan.InFlight()
}

// Plan est nil tant que FILE_INFO n'a pas répondu.
func (t *Task) Plan() *ChunkPlan { return t.plan }

// Timeout est l'échéance appliquée à la dernière requête FILE_DATA.
func (t *Task) Timeout() time.Duration { return t.timeout }

func (t *Task) RTT() *RTTStats { return &t.rtt }

func (t *Task) Duplicates(offset int64) int { return t.duplicates[offset] }
func (t *Task) BadDigests(offset int64) int { return t.badDigests[offset] }

// HandleReceived traite tous les messages en attente dans la boîte.
func (t *Task) HandleReceived(now time.Time) {
	inbox := t.inbox
	t.inbox = nil
	for _, msg := range inbox {
		if t.state.Terminal() {
			return
		}
		t.receive(now, msg)
	}
}

func (t *Task) receive(now time.Time, msg *wire.Message) {
	if err := msg.Validate(); err != nil {
		t.logger.Warn("Discarding invalid message", "kind", msg.Kind, "error", err)
		return
	}
	if msg.FileID != "" && msg.FileID != t.FileID {
		t.logger.Warn("Discarding message for another file", "kind", msg.Kind, "got_file_id", msg.FileID)
		return
	}

	switch msg.Kind {
	case wire.KindError:
		t.fail(now, fmt.Sprintf("peer %s replied with error: %s", t.PeerID, msg.Reason))
	case wire.KindFileInfoReply:
		if t.state == StateRequestingInfo {
			t.startData(now, msg.Size)
		}
	case wire.KindFileDataReply:
		if t.state == StateRequestingData {
			t.receiveChunk(now, msg)
		}
	default:
		t.logger.Warn("Discarding unexpected message", "kind", msg.Kind)
	}
}

// startData construit le plan et ouvre le staging; un fichier vide est terminé aussitôt.
func (t *Task) startData(now time.Time, size int64) {
	plan, err := NewChunkPlan(size, t.params.ChunkSize)
	if err != nil {
		t.fail(now, fmt.Sprintf("invalid FILE_INFO reply: %v", err))
		return
	}
	f, err := openStaging(t.StagingPath, size)
	if err != nil {
		t.fail(now, fmt.Sprintf("cannot write staging file: %v", err))
		return
	}
	t.plan = plan
	t.staging = f
	t.state = StateRequestingData
	t.lastActivity = now
	t.logger.Info("File size received, requesting data", "size", size, "chunks", plan.ChunkCount())
	if plan.Done() {
		t.complete(now)
	}
}

func (t *Task) receiveChunk(now time.Time, msg *wire.Message) {
	off := msg.Offset
	if !t.plan.Valid(off) {
		t.logger.Warn("Discarding chunk at invalid offset", "offset", off)
		return
	}
	if !wire.VerifyDigest(msg.Data, msg.Digest) {
		t.badDigests[off]++
		t.logger.Warn("Discarding chunk", "offset", off, "error", ErrDigestMismatch, "bad_digest_count", t.badDigests[off])
		return
	}
	if int64(len(msg.Data)) != t.plan.ChunkLength(off) {
		t.badDigests[off]++
		t.logger.Warn("Discarding chunk", "offset", off, "error", ErrBadChunkLength, "length", len(msg.Data))
		return
	}
	t.lastActivity = now

	if t.plan.IsReceived(off) {
		t.duplicates[off]++
		t.logger.Debug("Duplicate chunk", "offset", off, "count", t.duplicates[off])
		return
	}
	if _, err := t.staging.WriteAt(msg.Data, off); err != nil {
		t.fail(now, fmt.Sprintf("cannot write staging file at offset %d: %v", off, err))
		return
	}
	if _, err := t.plan.MarkReceived(off); err != nil {
		t.logger.Error("Chunk bookkeeping failed", "offset", off, "error", err)
		return
	}
	t.chunks++
	t.bytes += int64(len(msg.Data))

	// Seul le premier chunk d'un lot mesure un aller-retour.
	if _, seq, ok := ParseRequestID(msg.RequestID); ok && seq == t.batchSeq && !t.batchTimed {
		t.batchTimed = true
		t.rtt.Add(now.Sub(t.batchSent))
	}

	if pct := t.plan.Percent(); pct > t.lastPercent {
		t.lastPercent = pct
		t.progress = append(t.progress, pct)
	}
	if t.plan.Done() {
		t.complete(now)
	}
}

// Act fait avancer la tâche d'un pas : (ré)émission des requêtes et timers.
func (t *Task) Act(now time.Time, send SendFunc) {
	switch t.state {
	case StateRequestingInfo:
		t.actInfo(now, send)
	case StateRequestingData:
		t.actData(now, send)
	}
}

func (t *Task) actInfo(now time.Time, send SendFunc) {
	if t.infoStarted.IsZero() {
		t.infoStarted = now
	} else {
		if now.Sub(t.infoStarted) > t.params.MaxTimeout {
			t.fail(now, fmt.Sprintf("no FILE_INFO reply from peer %s after %s", t.PeerID, t.params.MaxTimeout))
			return
		}
		if now.Sub(t.infoSentAt) < t.params.InfoTimeout {
			return
		}
		t.logger.Debug("FILE_INFO reply overdue, resending")
	}
	t.seq++
	t.infoSentAt = now
	t.send(send, wire.InfoRequest(t.FileID, RequestID(t.ID, t.seq)))
}

func (t *Task) actData(now time.Time, send SendFunc) {
	if now.Sub(t.lastActivity) > t.params.MaxTimeout {
		if t.retriesLeft <= 0 {
			t.fail(now, fmt.Sprintf("peer %s inactive for %s, retries exhausted (%d chunks not transferred, %d duplicates)",
				t.PeerID, t.params.MaxTimeout, t.plan.Remaining(), t.totalDuplicates()))
			return
		}
		t.retriesLeft--
		t.lastActivity = now
		requeued := t.plan.ExpireAll()
		t.logger.Warn("Peer inactive, re-requesting outstanding chunks",
			"retries_left", t.retriesLeft, "requeued", requeued)
	}

	if expired := t.plan.Expire(now); expired > 0 {
		t.logger.Debug("Request window expired", "requeued", expired, "timeout", t.timeout)
	}
	if t.plan.InFlight() > 0 || t.plan.Pending() == 0 {
		return
	}

	t.timeout = t.rtt.Timeout()
	offsets := t.plan.Take(t.params.Window, now.Add(t.timeout))
	ranges := make([]wire.Range, len(offsets))
	for i, off := range offsets {
		ranges[i] = wire.Range{Offset: off, Length: t.plan.ChunkLength(off)}
	}
	t.seq++
	t.batchSeq = t.seq
	t.batchSent = now
	t.batchTimed = false
	t.send(send, wire.DataRequest(t.FileID, RequestID(t.ID, t.seq), ranges))
}

// send n'échoue pas la tâche : la requête sera réémise à l'échéance.
func (t *Task) send(send SendFunc, msg *wire.Message) {
	if err := send(msg); err != nil {
		t.logger.Warn("Failed to send request", "kind", msg.Kind, "request_id", msg.RequestID, "error", err)
	}
}

// Cancel annule la tâche si elle est encore active.
func (t *Task) Cancel(now time.Time, reason string) bool {
	if t.state.Terminal() {
		return false
	}
	t.release(true)
	t.state = StateCancelled
	t.reason = reason
	t.finished = now
	t.logger.Info("Transfer cancelled", "reason", reason)
	return true
}

// Fail termine la tâche en échec, par exemple quand son pair est déconnecté.
func (t *Task) Fail(now time.Time, reason string) bool {
	if t.state.Terminal() {
		return false
	}
	t.fail(now, reason)
	return true
}

func (t *Task) fail(now time.Time, reason string) {
	t.release(true)
	t.state = StateFailed
	t.reason = reason
	t.finished = now
	t.logger.Warn("Transfer failed", "reason", reason)
}

func (t *Task) complete(now time.Time) {
	if err := t.staging.Sync(); err != nil {
		t.fail(now, fmt.Sprintf("cannot sync staging file: %v", err))
		return
	}
	t.release(false)
	if err := finalize(t.StagingPath, t.Dest); err != nil {
		_ = os.Remove(t.StagingPath)
		t.state = StateFailed
		t.reason = fmt.Sprintf("cannot move staged file to %s: %v", t.Dest, err)
		t.finished = now
		t.logger.Error("Transfer failed at finalize", "dest", t.Dest, "error", err)
		return
	}
	t.state = StateComplete
	t.finished = now
	st := t.Stats()
	t.logger.Info("Transfer complete", "dest", t.Dest, "bytes", st.Bytes, "chunks", st.Chunks,
		"mean_rtt", st.MeanRTT, "duplicates", st.Duplicates, "bad_digests", st.BadDigests)
}

// release ferme le staging et, si removeStaging, le supprime.
func (t *Task) release(removeStaging bool) {
	t.inbox = nil
	if t.plan != nil {
		t.plan.ExpireAll()
	}
	if t.staging != nil {
		if err := t.staging.Close(); err != nil {
			t.logger.Warn("Failed to close staging file", "error", err)
		}
		t.staging = nil
	}
	if removeStaging && t.StagingPath != "" {
		if err := os.Remove(t.StagingPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			t.logger.Warn("Failed to remove staging file", "path", t.StagingPath, "error", err)
		}
	}
}

func (t *Task) totalDuplicates() int {
	n := 0
	for _, c := range t.duplicates {
		n += c
	}
	return n
}

func (t *Task) Stats() Stats {
	st := Stats{
		Chunks:     t.chunks,
		Bytes:      t.bytes,
		MeanRTT:    t.rtt.Mean(),
		StdevRTT:   t.rtt.Stdev(),
		RTTSamples: t.rtt.Len(),
		Duplicates: t.totalDuplicates(),
		Retries:    t.params.Retries - t.retriesLeft,
	}
	for _, c := range t.badDigests {
		st.BadDigests += c
	}
	if t.plan != nil {
		st.Size = t.plan.Size
		st.Remaining = t.plan.Remaining()
	}
	end := t.finished
	if end.IsZero() {
		end = time.Now()
	}
	st.Duration = end.Sub(t.created)
	return st
}
