package transfer

import (
	"fmt"
	"slices"
	"time"
)

// DefaultChunkSize est la taille des plages demandées, le dernier chunk excepté.
const DefaultChunkSize = 64000

type chunkState uint8

const (
	chunkPending chunkState = iota
	chunkInFlight
	chunkReceived
)

// ChunkPlan découpe un fichier en chunks et suit l'état de chacun : en attente,
// en vol (avec une échéance), ou reçu. Un offset est toujours dans exactement
// un de ces états.
type ChunkPlan struct {
	Size      int64
	ChunkSize int64

	states   []chunkState // par index de chunk
	queue    []int64      // offsets en attente, dans l'ordre de demande (entrées périmées sautées)
	deadline map[int64]time.Time

	pending       int
	received      int
	receivedBytes int64
}

// NewChunkPlan crée le plan de ceil(size/chunkSize) offsets, tous en attente.
func NewChunkPlan(size, chunkSize int64) (*ChunkPlan, error) {
	if size < 0 {
		return nil, fmt.Errorf("negative file size %d", size)
	}
	if chunkSize <= 0 {
		return nil, fmt.Errorf("invalid chunk size %d", chunkSize)
	}
	n := int((size + chunkSize - 1) / chunkSize)
	p := &ChunkPlan{
		Size:      size,
		ChunkSize: chunkSize,
		states:    make([]chunkState, n),
		queue:     make([]int64, n),
		deadline:  make(map[int64]time.Time),
		pending:   n,
	}
	for i := range p.queue {
		p.queue[i] = int64(i) * chunkSize
	}
	return p, nil
}

func (p *ChunkPlan) ChunkCount() int { return len(p.states) }

// Offsets liste tous les offsets du plan, dans l'ordre.
func (p *ChunkPlan) Offsets() []int64 {
	out := make([]int64, len(p.states))
	for i := range out {
		out[i] = int64(i) * p.ChunkSize
	}
	return out
}

func (p *ChunkPlan) index(offset int64) (int, bool) {
	if offset < 0 || offset >= p.Size || offset%p.ChunkSize != 0 {
		return 0, false
	}
	return int(offset / p.ChunkSize), true
}

// Valid indique si offset est le début d'un chunk du plan.
func (p *ChunkPlan) Valid(offset int64) bool {
	_, ok := p.index(offset)
	return ok
}

// ChunkLength est la longueur attendue du chunk à offset.
func (p *ChunkPlan) ChunkLength(offset int64) int64 {
	if rest := p.Size - offset; rest < p.ChunkSize {
		return rest
	}
	return p.ChunkSize
}

// Take met en vol au plus n offsets en attente, avec l'échéance donnée.
func (p *ChunkPlan) Take(n int, deadline time.Time) []int64 {
	var out []int64
	for len(out) < n && len(p.queue) > 0 {
		off := p.queue[0]
		p.queue = p.queue[1:]
		i, _ := p.index(off)
		if p.states[i] != chunkPending {
			continue
		}
		p.states[i] = chunkInFlight
		p.deadline[off] = deadline
		p.pending--
		out = append(out, off)
	}
	return out
}

// Expire remet en fin de file les offsets en vol dont l'échéance est passée.
func (p *ChunkPlan) Expire(now time.Time) int {
	return p.expire(func(dl time.Time) bool { return !now.Before(dl) })
}

// ExpireAll remet en fin de file tous les offsets en vol.
func (p *ChunkPlan) ExpireAll() int {
	return p.expire(func(time.Time) bool { return true })
}

func (p *ChunkPlan) expire(due func(time.Time) bool) int {
	var expired []int64
	for off, dl := range p.deadline {
		if due(dl) {
			expired = append(expired, off)
		}
	}
	// L'ordre d'itération d'une map est aléatoire : on remet les offsets en file
	// dans l'ordre croissant.
	slices.Sort(expired)
	for _, off := range expired {
		i, _ := p.index(off)
		delete(p.deadline, off)
		p.states[i] = chunkPending
		p.pending++
		p.queue = append(p.queue, off)
	}
	return len(expired)
}

// MarkReceived enregistre la réception vérifiée d'un chunk. first est faux pour
// un doublon.
func (p *ChunkPlan) MarkReceived(offset int64) (first bool, err error) {
	i, ok := p.index(offset)
	if !ok {
		return false, fmt.Errorf("offset %d is not a chunk boundary of a %d-byte file", offset, p.Size)
	}
	switch p.states[i] {
	case chunkReceived:
		return false, nil
	case chunkInFlight:
		delete(p.deadline, offset)
	case chunkPending:
		p.pending-- // réponse tardive à une demande expirée; l'entrée de file devient périmée
	}
	p.states[i] = chunkReceived
	p.received++
	p.receivedBytes += p.ChunkLength(offset)
	return true, nil
}

func (p *ChunkPlan) IsReceived(offset int64) bool {
	i, ok := p.index(offset)
	return ok && p.states[i] == chunkReceived
}

func (p *ChunkPlan) IsInFlight(offset int64) bool {
	_, ok := p.deadline[offset]
	return ok
}

func (p *ChunkPlan) InFlight() int { return len(p.deadline) }
func (p *ChunkPlan) Pending() int  { return p.pending }

// Remaining est le nombre de chunks pas encore reçus (en attente ou en vol).
func (p *ChunkPlan) Remaining() int { return len(p.states) - p.received }

func (p *ChunkPlan) ReceivedBytes() int64 { return p.receivedBytes }

func (p *ChunkPlan) RemainingBytes() int64 { return p.Size - p.receivedBytes }

func (p *ChunkPlan) Done() bool { return p.received == len(p.states) }

// Percent vaut (1 - remaining_bytes/total_bytes) * 100; 100 pour un fichier vide.
func (p *ChunkPlan) Percent() float64 {
	if p.Size == 0 {
		return 100
	}
	return (1 - float64(p.RemainingBytes())/float64(p.Size)) * 100
}
