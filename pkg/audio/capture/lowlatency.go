package capture

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/verbalis-ai/verbalis/pkg/audio"
)

// Compile-time interface assertion.
var _ audio.CaptureEngine = (*lowLatencyEngine)(nil)

// lowLatencyEngine is the optimised capture path. The source's capture thread
// only copies each quantum into an owned buffer and sends it through quantaCh
// (ownership transfer, never shared); a dedicated goroutine performs all
// batching work. The capture thread therefore never allocates frame-sized
// buffers or touches batching state.
type lowLatencyEngine struct {
	src     audio.Source
	quanta  chan []byte
	frames  chan audio.Frame
	stopped atomic.Bool

	cancelTap func()
	done      chan struct{} // closed when the batching goroutine exits
	stopOnce  sync.Once
}

// startLowLatency validates the quantum geometry against the frame size and
// starts the batching goroutine. quantumSamples must be positive and divide
// the configured frame size so frames align exactly on quantum boundaries.
func startLowLatency(src audio.Source, quantumSamples int, s settings) (*lowLatencyEngine, error) {
	if quantumSamples <= 0 {
		return nil, fmt.Errorf("capture: invalid quantum size %d", quantumSamples)
	}
	if s.frameSamples%quantumSamples != 0 {
		return nil, fmt.Errorf("capture: frame size %d is not a multiple of quantum size %d",
			s.frameSamples, quantumSamples)
	}

	e := &lowLatencyEngine{
		src:    src,
		quanta: make(chan []byte, s.quantumBuffer),
		frames: make(chan audio.Frame, s.frameBuffer),
		done:   make(chan struct{}),
	}

	go e.batchLoop(newFrameBatcher(src.Format(), s.frameSamples))

	e.cancelTap = src.Subscribe(e.onQuantum)
	return e, nil
}

// onQuantum runs on the capture thread. It copies the quantum into an owned
// buffer and transfers it to the batching goroutine. When the channel is full
// the quantum is dropped — the capture thread must never block.
func (e *lowLatencyEngine) onQuantum(quantum []byte) {
	if e.stopped.Load() {
		return // teardown in progress; ignore stale quanta
	}
	owned := make([]byte, len(quantum))
	copy(owned, quantum)
	select {
	case e.quanta <- owned:
	default:
	}
}

// batchLoop is the dedicated processing goroutine. It owns the frame batcher
// and the frames channel, which it closes on exit.
func (e *lowLatencyEngine) batchLoop(batcher *frameBatcher) {
	defer close(e.done)
	defer close(e.frames)

	for quantum := range e.quanta {
		frame, ok := batcher.add(quantum)
		if !ok {
			continue
		}
		select {
		case e.frames <- frame:
		default:
			// Consumer stalled; newest audio matters more than completeness.
		}
	}
}

// Frames implements [audio.CaptureEngine].
func (e *lowLatencyEngine) Frames() <-chan audio.Frame { return e.frames }

// Stop implements [audio.CaptureEngine]. Teardown order: mark stopped so the
// tap drops further quanta, detach the tap, close the hand-off channel to
// drain the batching goroutine, then release the source. Each step is guarded
// so a failure in one cannot leak the others.
func (e *lowLatencyEngine) Stop() error {
	e.stopOnce.Do(func() {
		e.stopped.Store(true)
		if e.cancelTap != nil {
			e.cancelTap()
		}
		close(e.quanta)
		<-e.done
		_ = e.src.Stop()
	})
	return nil
}
