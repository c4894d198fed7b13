package capture

import (
	"math"
	"sync"
	"sync/atomic"

	"github.com/verbalis-ai/verbalis/pkg/audio"
)

// defaultSmoothing is the exponential moving average weight applied to each
// new RMS sample. Higher values react faster; lower values steady the meter.
const defaultSmoothing = 0.35

// Monitor derives an instantaneous loudness value in [0, 1] from a source.
//
// It is a parallel tap on the same [audio.Source] as the frame path, never a
// side effect of frame emission: the monitor keeps reporting levels even when
// frame capture is stopped or stalled, which is what barge-in detection needs
// while the engine is listening but not transcribing. Level may be polled at
// any cadence (typically a UI or orchestrator tick) independent of the
// source's quantum rate.
//
// Monitor is safe for concurrent use.
type Monitor struct {
	level     atomic.Uint64 // float64 bits of the smoothed RMS level
	smoothing float64

	cancelTap func()
	stopOnce  sync.Once
}

// MonitorOption configures a [Monitor].
type MonitorOption func(*Monitor)

// WithSmoothing sets the EMA weight in (0, 1] applied to new RMS samples.
func WithSmoothing(a float64) MonitorOption {
	return func(m *Monitor) {
		if a > 0 && a <= 1 {
			m.smoothing = a
		}
	}
}

// NewMonitor attaches a volume tap to src and returns the running monitor.
// Call [Monitor.Stop] to detach the tap.
func NewMonitor(src audio.Source, opts ...MonitorOption) *Monitor {
	m := &Monitor{smoothing: defaultSmoothing}
	for _, o := range opts {
		o(m)
	}
	m.cancelTap = src.Subscribe(m.onQuantum)
	return m
}

// onQuantum runs on the capture thread: one RMS pass plus one atomic store.
func (m *Monitor) onQuantum(quantum []byte) {
	sample := audio.RMS(quantum)
	prev := math.Float64frombits(m.level.Load())
	next := prev + m.smoothing*(sample-prev)
	m.level.Store(math.Float64bits(next))
}

// Level returns the current smoothed loudness in [0, 1].
func (m *Monitor) Level() float64 {
	return math.Float64frombits(m.level.Load())
}

// Stop detaches the tap. Idempotent. The last reported level remains
// readable after Stop.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		if m.cancelTap != nil {
			m.cancelTap()
		}
	})
}
