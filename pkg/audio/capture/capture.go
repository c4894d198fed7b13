// Package capture turns the raw quantum stream of an [audio.Source] into the
// fixed-size [audio.Frame] sequence consumed by the protocol client.
//
// Two engines implement the same external shape:
//
//   - the low-latency engine hands every quantum off the capture thread
//     through an ownership-transfer channel and batches frames on a dedicated
//     goroutine (the worklet-equivalent path);
//   - the inline engine batches frames directly in the tap callback on the
//     capture thread (the degraded path).
//
// [Start] selects one of the two exactly once per capture run: sources that
// advertise a fixed quantum geometry get the low-latency engine, everything
// else falls back to the inline engine with a logged warning. The fallback is
// silent towards the caller — capture never fails solely because the
// optimised path is unavailable.
package capture

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/verbalis-ai/verbalis/pkg/audio"
)

const (
	// DefaultFrameSamples is the number of mono samples batched into one
	// outgoing frame: 1024 samples = 64 ms at 16 kHz. Smaller frames lower
	// latency but raise per-message protocol overhead.
	DefaultFrameSamples = 1024

	// defaultQuantumBuffer is the depth of the ownership-transfer channel
	// between the capture thread and the batching goroutine. At 8 ms per
	// quantum this is half a second of headroom.
	defaultQuantumBuffer = 64

	// defaultFrameBuffer is the depth of the outgoing frame channel.
	defaultFrameBuffer = 16
)

// QuantumSource is the optional capability a [audio.Source] implements when
// it delivers fixed-size quanta. Sources without it get the inline engine.
type QuantumSource interface {
	// QuantumSamples returns the fixed per-quantum sample count per channel.
	QuantumSamples() int
}

// Option configures the engine built by [Start].
type Option func(*settings)

type settings struct {
	frameSamples  int
	quantumBuffer int
	frameBuffer   int
}

// WithFrameSamples sets the number of samples batched into one frame.
// The default is [DefaultFrameSamples].
func WithFrameSamples(n int) Option {
	return func(s *settings) {
		if n > 0 {
			s.frameSamples = n
		}
	}
}

// WithQuantumBuffer sets the depth of the quantum hand-off channel used by
// the low-latency engine.
func WithQuantumBuffer(n int) Option {
	return func(s *settings) {
		if n > 0 {
			s.quantumBuffer = n
		}
	}
}

// WithFrameBuffer sets the depth of the outgoing frame channel.
func WithFrameBuffer(n int) Option {
	return func(s *settings) {
		if n > 0 {
			s.frameBuffer = n
		}
	}
}

// Start acquires src and returns a running [audio.CaptureEngine].
//
// Engine selection happens here, once: if src implements [QuantumSource]
// with a quantum that divides the frame size, the low-latency engine is used;
// otherwise the inline engine takes over and a warning is logged. An error is
// returned only when the source itself cannot be started (device error).
func Start(ctx context.Context, src audio.Source, opts ...Option) (audio.CaptureEngine, error) {
	s := settings{
		frameSamples:  DefaultFrameSamples,
		quantumBuffer: defaultQuantumBuffer,
		frameBuffer:   defaultFrameBuffer,
	}
	for _, o := range opts {
		o(&s)
	}

	if err := src.Start(ctx); err != nil {
		return nil, fmt.Errorf("capture: start source: %w", err)
	}

	if qs, ok := src.(QuantumSource); ok {
		eng, err := startLowLatency(src, qs.QuantumSamples(), s)
		if err == nil {
			return eng, nil
		}
		slog.Warn("capture: low-latency path unavailable, falling back to inline batching", "err", err)
	} else {
		slog.Warn("capture: source has no fixed quantum geometry, using inline batching")
	}

	return startInline(src, s), nil
}

// frameBatcher accumulates quanta into frames. Not safe for concurrent use;
// each engine confines it to a single goroutine or guards it itself.
type frameBatcher struct {
	format     audio.Format
	frameBytes int
	buf        []byte
	seq        uint64
	elapsed    time.Duration
}

func newFrameBatcher(format audio.Format, frameSamples int) *frameBatcher {
	return &frameBatcher{
		format:     format,
		frameBytes: frameSamples * format.Channels * 2,
		buf:        make([]byte, 0, frameSamples*format.Channels*2),
	}
}

// add appends quantum and returns a completed frame when enough samples have
// accumulated, or a zero frame and false otherwise.
func (b *frameBatcher) add(quantum []byte) (audio.Frame, bool) {
	b.buf = append(b.buf, quantum...)
	if len(b.buf) < b.frameBytes {
		return audio.Frame{}, false
	}

	data := make([]byte, b.frameBytes)
	copy(data, b.buf[:b.frameBytes])
	b.buf = append(b.buf[:0], b.buf[b.frameBytes:]...)

	frame := audio.Frame{
		Data:       data,
		SampleRate: b.format.SampleRate,
		Channels:   b.format.Channels,
		Seq:        b.seq,
		Timestamp:  b.elapsed,
	}
	b.seq++
	b.elapsed += frame.Duration()
	return frame, true
}
