package transfer

import (
	"math"
	"time"
)

const (
	// MaxRTTSamples borne l'historique : une fois plein, il n'est plus modifié.
	MaxRTTSamples = 100

	DefaultRequestTimeout  = 5 * time.Second
	FallbackRequestTimeout = 10 * time.Second // avec 1 ou 2 échantillons
	MinRequestTimeout      = 200 * time.Millisecond
)

// RTTStats garde les latences requête -> premier chunk d'une tâche.
type RTTStats struct {
	samples []time.Duration
}

// Add enregistre un échantillon; ignoré une fois MaxRTTSamples atteint.
func (r *RTTStats) Add(d time.Duration) bool {
	if len(r.samples) >= MaxRTTSamples {
		return false
	}
	r.samples = append(r.samples, d)
	return true
}

func (r *RTTStats) Len() int { return len(r.samples) }

func (r *RTTStats) Mean() time.Duration {
	if len(r.samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range r.samples {
		sum += float64(s)
	}
	return time.Duration(sum / float64(len(r.samples)))
}

// Stdev est l'écart-type de population.
func (r *RTTStats) Stdev() time.Duration {
	n := len(r.samples)
	if n == 0 {
		return 0
	}
	mean := float64(r.Mean())
	var sq float64
	for _, s := range r.samples {
		d := float64(s) - mean
		sq += d * d
	}
	return time.Duration(math.Sqrt(sq / float64(n)))
}

// Timeout calcule l'échéance d'une requête FILE_DATA : mean + 6*stdev à partir
// de 3 échantillons, FallbackRequestTimeout avec 1 ou 2, DefaultRequestTimeout
// sans aucun. Jamais moins que MinRequestTimeout.
func (r *RTTStats) Timeout() time.Duration {
	var d time.Duration
	switch n := len(r.samples); {
	case n >= 3:
		d = r.Mean() + 6*r.Stdev()
	case n >= 1:
		d = FallbackRequestTimeout
	default:
		d = DefaultRequestTimeout
	}
	if d < MinRequestTimeout {
		d = MinRequestTimeout
	}
	return d
}
