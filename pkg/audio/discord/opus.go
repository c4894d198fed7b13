package discord

import (
	"fmt"

	"layeh.com/gopus"

	"github.com/verbalis-ai/verbalis/pkg/audio"
)

// Discord voice is 48 kHz stereo Opus with 20 ms frames.
const (
	opusSampleRate = 48000
	opusChannels   = 2

	// opusFrameSize is the number of samples per channel in one 20 ms frame.
	opusFrameSize = 960

	// opusFrameBytes is the exact PCM input size for one Opus frame:
	// 960 samples/channel × 2 channels × 2 bytes/sample.
	opusFrameBytes = opusFrameSize * opusChannels * 2
)

// opusDecoder wraps a gopus decoder for a single participant stream. Each
// SSRC needs its own decoder to keep codec state coherent across consecutive
// packets.
type opusDecoder struct {
	dec *gopus.Decoder
}

func newOpusDecoder() (*opusDecoder, error) {
	dec, err := gopus.NewDecoder(opusSampleRate, opusChannels)
	if err != nil {
		return nil, fmt.Errorf("discord: create opus decoder: %w", err)
	}
	return &opusDecoder{dec: dec}, nil
}

// decode decodes one Opus packet into interleaved little-endian int16 PCM.
func (d *opusDecoder) decode(pkt []byte) ([]byte, error) {
	pcm, err := d.dec.Decode(pkt, opusFrameSize, false)
	if err != nil {
		return nil, fmt.Errorf("discord: opus decode: %w", err)
	}
	return audio.Int16sToBytes(pcm), nil
}

// opusEncoder wraps a gopus encoder for the outgoing voice stream.
type opusEncoder struct {
	enc *gopus.Encoder
}

func newOpusEncoder() (*opusEncoder, error) {
	enc, err := gopus.NewEncoder(opusSampleRate, opusChannels, gopus.Audio)
	if err != nil {
		return nil, fmt.Errorf("discord: create opus encoder: %w", err)
	}
	return &opusEncoder{enc: enc}, nil
}

// encode encodes exactly one frame of interleaved little-endian int16 PCM
// (opusFrameBytes long) into an Opus packet.
func (e *opusEncoder) encode(pcm []byte) ([]byte, error) {
	pkt, err := e.enc.Encode(audio.BytesToInt16s(pcm), opusFrameSize, len(pcm))
	if err != nil {
		return nil, fmt.Errorf("discord: opus encode: %w", err)
	}
	return pkt, nil
}
