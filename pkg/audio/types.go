// Package audio defines the frame type and the capture/playback interfaces
// shared by every stage of the Verbalis voice pipeline.
//
// The two primary abstractions are:
//
//   - [Source] — a device-facing producer of fixed-size PCM quanta running on
//     its own capture thread (microphone, Discord voice channel, test fixture).
//   - [CaptureEngine] / [PlaybackEngine] — the session-facing engines that
//     batch quanta into [Frame] values and render model audio to a [Sink].
//
// Concrete implementations live in the audio/capture, audio/playback, and
// audio/discord sub-packages. The interfaces are intentionally narrow so the
// session orchestrator stays decoupled from device details.
//
// This package lives under pkg/ because external device adapters are expected
// to implement [Source] and [Sink].
package audio

import (
	"context"
	"time"
)

// Frame is one fixed-size buffer of mono PCM samples flowing from capture to
// the protocol client. Frames are ownership-transferred: once a frame has been
// handed to a channel the producer must not touch Data again.
type Frame struct {
	// Data is little-endian int16 PCM.
	Data []byte

	// SampleRate in Hz at which Data was captured (e.g. 16000).
	SampleRate int

	// Channels: 1 for mono capture, 2 for stereo device output.
	Channels int

	// Seq is a monotonically increasing frame counter within one capture run.
	// Used to verify that frames reach the protocol client in capture order.
	Seq uint64

	// Timestamp marks when the frame was captured, relative to capture start.
	Timestamp time.Duration
}

// Duration returns the play time of the frame's samples.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	samples := len(f.Data) / 2 / f.Channels
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// Source is a device-facing producer of raw PCM quanta.
//
// A Source pushes every captured quantum to all subscribed taps from its own
// capture thread. Taps must be fast and non-blocking: a tap that needs to do
// real work must hand the buffer off to another goroutine (ownership
// transfer) and return. Implementations must allocate a fresh buffer per
// quantum or document that taps must copy.
//
// Implementations must be safe for concurrent use.
type Source interface {
	// Subscribe registers tap to receive every captured quantum. The returned
	// cancel function removes the tap; it is idempotent. Multiple taps may be
	// active at once — this is how the volume monitor observes the signal in
	// parallel with frame capture.
	Subscribe(tap func(quantum []byte)) (cancel func())

	// Format reports the sample rate and channel count of the quanta.
	Format() Format

	// Start acquires the underlying device and begins delivering quanta.
	// The device is exclusively owned by this Source until Stop.
	Start(ctx context.Context) error

	// Stop quiesces the capture thread and releases the device. Idempotent.
	Stop() error
}

// CaptureEngine batches PCM quanta from a [Source] into fixed-size [Frame]
// values. Two implementations exist: a low-latency path that consumes quanta
// on a dedicated goroutine, and a degraded reader-driven fallback. Selection
// happens once at session start — see the capture package.
type CaptureEngine interface {
	// Frames returns the channel on which batched frames arrive. The channel
	// is closed when the engine stops.
	Frames() <-chan Frame

	// Stop tears the engine down in order: quiesce the processing path, detach
	// the source tap, stop the source, release buffers. Each step is guarded
	// individually so a partial failure does not leak the remaining resources.
	// Idempotent; never returns an error after the first call.
	Stop() error
}

// Sink renders PCM audio to an output device one hardware quantum at a time.
// WriteQuantum must not buffer more than a single quantum internally so that
// a playback stop takes effect within one quantum of audio.
type Sink interface {
	WriteQuantum(pcm []byte) error
}

// PlaybackEngine queues model audio chunks and plays them gaplessly through a
// [Sink]. StopImmediately halts audible output within the current quantum and
// discards everything still queued.
type PlaybackEngine interface {
	Enqueue(chunk []byte) error
	StopImmediately()
	Close() error
}
