package capture

import (
	"sync"
	"sync/atomic"

	"github.com/verbalis-ai/verbalis/pkg/audio"
)

// Compile-time interface assertion.
var _ audio.CaptureEngine = (*inlineEngine)(nil)

// inlineEngine is the degraded capture path: batching happens directly in the
// tap callback on the capture thread, guarded by a mutex. Functionally
// identical to the low-latency engine from the outside, but the capture
// thread carries the batching cost per quantum.
type inlineEngine struct {
	src     audio.Source
	frames  chan audio.Frame
	stopped atomic.Bool

	mu      sync.Mutex
	batcher *frameBatcher

	cancelTap func()
	stopOnce  sync.Once
}

func startInline(src audio.Source, s settings) *inlineEngine {
	e := &inlineEngine{
		src:     src,
		frames:  make(chan audio.Frame, s.frameBuffer),
		batcher: newFrameBatcher(src.Format(), s.frameSamples),
	}
	e.cancelTap = src.Subscribe(e.onQuantum)
	return e
}

func (e *inlineEngine) onQuantum(quantum []byte) {
	if e.stopped.Load() {
		return
	}

	e.mu.Lock()
	frame, ok := e.batcher.add(quantum)
	e.mu.Unlock()
	if !ok {
		return
	}

	select {
	case e.frames <- frame:
	default:
		// Consumer stalled; drop rather than block the capture thread.
	}
}

// Frames implements [audio.CaptureEngine].
func (e *inlineEngine) Frames() <-chan audio.Frame { return e.frames }

// Stop implements [audio.CaptureEngine]. Same ordered teardown as the
// low-latency engine, minus the hand-off channel.
func (e *inlineEngine) Stop() error {
	e.stopOnce.Do(func() {
		e.stopped.Store(true)
		if e.cancelTap != nil {
			e.cancelTap()
		}
		close(e.frames)
		_ = e.src.Stop()
	})
	return nil
}
