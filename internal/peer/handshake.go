package peer

import (
	"math"
	"time"
)

const (
	// MinProbeInterval est le plancher entre deux sondes HELLO?.
	MinProbeInterval = 100 * time.Millisecond
	// MaxProbeInterval est l'asymptote de 2.0*exp(-1/t).
	MaxProbeInterval = 2 * time.Second
)

// ProbeInterval donne l'attente avant la prochaine sonde, en fonction du temps
// écoulé depuis le début du handshake : 2.0 * exp(-1/elapsed_seconds), borné à
// [MinProbeInterval, MaxProbeInterval].
func ProbeInterval(elapsed time.Duration) time.Duration {
	secs := elapsed.Seconds()
	if secs <= 0 {
		return MinProbeInterval
	}
	d := time.Duration(2.0 * math.Exp(-1/secs) * float64(time.Second))
	if d < MinProbeInterval {
		return MinProbeInterval
	}
	if d > MaxProbeInterval {
		return MaxProbeInterval
	}
	return d
}

// Handshake suit une tentative de sonde vers un endpoint. Pas de timer :
// l'appelant l'interroge à chaque tick avec l'heure courante.
type Handshake struct {
	PeerID   string
	Endpoint string
	Started  time.Time

	timeout   time.Duration
	lastProbe time.Time
	probes    int
}

func NewHandshake(peerID, endpoint string, timeout time.Duration, now time.Time) *Handshake {
	return &Handshake{PeerID: peerID, Endpoint: endpoint, Started: now, timeout: timeout}
}

// ProbeDue indique s'il faut (ré)émettre HELLO? maintenant.
func (h *Handshake) ProbeDue(now time.Time) bool {
	if h.probes == 0 {
		return true
	}
	return now.Sub(h.lastProbe) >= ProbeInterval(now.Sub(h.Started))
}

func (h *Handshake) MarkProbed(now time.Time) {
	h.lastProbe = now
	h.probes++
}

func (h *Handshake) Probes() int { return h.probes }

// Expired est vrai une fois le délai réseau dépassé sans HELLO!.
func (h *Handshake) Expired(now time.Time) bool {
	return now.Sub(h.Started) > h.timeout
}
