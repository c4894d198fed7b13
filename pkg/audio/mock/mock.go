// Package mock provides test doubles for the audio package interfaces.
//
// Use Source to push scripted PCM quanta through capture engines and volume
// monitors. Use Sink to record what a playback engine rendered and when it
// was told to stop.
//
// Example:
//
//	src := mock.NewSource(audio.Format{SampleRate: 16000, Channels: 1}, 128)
//	eng, _ := capture.Start(ctx, src)
//	src.Push(quantum)
package mock

import (
	"context"
	"sync"

	"github.com/verbalis-ai/verbalis/pkg/audio"
)

// Source is a scripted implementation of [audio.Source]. Tests feed quanta
// via [Source.Push]; every registered tap receives them synchronously.
type Source struct {
	audio.Taps

	format         audio.Format
	quantumSamples int

	mu         sync.Mutex
	StartCalls int
	StopCalls  int
	StartErr   error
}

// NewSource creates a Source with the given format. quantumSamples > 0 makes
// the source advertise a fixed quantum geometry (selecting the low-latency
// capture path); pass 0 to exercise the inline fallback.
func NewSource(format audio.Format, quantumSamples int) *Source {
	return &Source{format: format, quantumSamples: quantumSamples}
}

// Format implements [audio.Source].
func (s *Source) Format() audio.Format { return s.format }

// QuantumSamples reports the fixed quantum size. Only meaningful when the
// source was created with quantumSamples > 0.
func (s *Source) QuantumSamples() int { return s.quantumSamples }

// Start implements [audio.Source]. It records the call and returns StartErr.
func (s *Source) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.StartCalls++
	return s.StartErr
}

// Stop implements [audio.Source]. It records the call.
func (s *Source) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.StopCalls++
	return nil
}

// Push delivers quantum to all taps on the caller's goroutine, standing in
// for the device capture thread.
func (s *Source) Push(quantum []byte) {
	s.Taps.Push(quantum)
}

// Sink is a recording implementation of [audio.Sink].
type Sink struct {
	mu sync.Mutex

	// Quanta holds a copy of every buffer passed to WriteQuantum, in order.
	Quanta [][]byte

	// WriteErr, if non-nil, is returned from every WriteQuantum call.
	WriteErr error

	// OnWrite, if non-nil, is invoked synchronously inside WriteQuantum
	// before the quantum is recorded. Tests use it to trigger a stop
	// mid-playback.
	OnWrite func(pcm []byte)
}

// WriteQuantum implements [audio.Sink].
func (s *Sink) WriteQuantum(pcm []byte) error {
	s.mu.Lock()
	onWrite := s.OnWrite
	s.mu.Unlock()

	if onWrite != nil {
		onWrite(pcm)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.WriteErr != nil {
		return s.WriteErr
	}
	owned := make([]byte, len(pcm))
	copy(owned, pcm)
	s.Quanta = append(s.Quanta, owned)
	return nil
}

// Written returns a snapshot of all recorded quanta concatenated.
func (s *Sink) Written() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []byte
	for _, q := range s.Quanta {
		out = append(out, q...)
	}
	return out
}

// QuantaCount returns the number of WriteQuantum calls recorded.
func (s *Sink) QuantaCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Quanta)
}

// Compile-time interface assertions.
var (
	_ audio.Source = (*Source)(nil)
	_ audio.Sink   = (*Sink)(nil)
)
