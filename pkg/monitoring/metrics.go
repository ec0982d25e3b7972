package monitoring

import (
	"github.com/horizonfpv/stereocam/pkg/compositor"
	"github.com/horizonfpv/stereocam/pkg/pairing"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "stereocam"

// Sources are the stat readers of the running pipeline parts.
// A nil reader reports zeroes.
type Sources struct {
	Pairing    func() pairing.Stats
	Compositor func() compositor.Stats
	Recordings func() (done, failed uint64)
}

// Register adds the pipeline collectors to the registry.
func Register(reg prometheus.Registerer, src Sources) error {
	pairs := func() pairing.Stats {
		if src.Pairing == nil {
			return pairing.Stats{}
		}
		return src.Pairing()
	}
	comp := func() compositor.Stats {
		if src.Compositor == nil {
			return compositor.Stats{}
		}
		return src.Compositor()
	}
	recs := func() (uint64, uint64) {
		if src.Recordings == nil {
			return 0, 0
		}
		return src.Recordings()
	}

	counter := func(sub, name, help string, fn func() uint64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: sub, Name: name, Help: help,
		}, func() float64 { return float64(fn()) })
	}

	collectors := []prometheus.Collector{
		counter("pairing", "pairs_total", "Stereo pairs emitted.", func() uint64 { return pairs().Pairs }),
		counter("pairing", "stale_frames_total", "Frames replaced by a newer one of the same lens.",
			func() uint64 { return pairs().Replaced }),
		counter("pairing", "skewed_frames_total", "Frames dropped for a too large skew.",
			func() uint64 { return pairs().Skewed }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "pairing", Name: "last_skew_seconds",
			Help: "Timestamp distance of the last pair.",
		}, func() float64 { return pairs().LastSkew.Seconds() }),
		counter("compositor", "draws_total", "Composed stereo frames.", func() uint64 { return comp().Draws }),
		counter("compositor", "dropped_total", "Frame pairs not composed.", func() uint64 {
			s := comp()
			return s.Dropped + s.Skewed + s.Backwards
		}),
		counter("compositor", "errors_total", "Failed draws.", func() uint64 { return comp().Errors }),
		counter("recording", "finished_total", "Finalized recordings.", func() uint64 { d, _ := recs(); return d }),
		counter("recording", "failed_total", "Recordings ended in error.", func() uint64 { _, f := recs(); return f }),
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
