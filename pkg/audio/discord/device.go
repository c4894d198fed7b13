// Package discord adapts a Discord voice channel to the engine's
// [audio.Source] and [audio.Sink] interfaces via the bwmarrin/discordgo
// library, bridging Discord's 48 kHz stereo Opus transport with the PCM
// pipeline.
//
// Capture side: incoming Opus packets are decoded per SSRC, downmixed to
// mono and resampled to 16 kHz, then pushed to subscribed taps as fixed
// 20 ms quanta. All participants are folded into a single capture stream;
// the engine treats the channel as one user.
//
// Playback side: [Device.WriteQuantum] accepts model PCM (24 kHz mono by
// default), upsamples it to Discord's format and streams it out as Opus
// frames.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/verbalis-ai/verbalis/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.Source = (*Device)(nil)
	_ audio.Sink   = (*Device)(nil)
)

const captureSampleRate = 16000

// quantumSamples is the per-channel sample count of one capture quantum
// after resampling a 20 ms Discord packet to 16 kHz.
const quantumSamples = opusFrameSize * captureSampleRate / opusSampleRate

// ErrNotStarted is returned by [Device.WriteQuantum] before [Device.Start]
// has joined the voice channel.
var ErrNotStarted = errors.New("discord: device not started")

// Option configures a [Device].
type Option func(*Device)

// WithPlaybackFormat sets the PCM format [Device.WriteQuantum] accepts.
// Defaults to 24 kHz mono, the output format of the realtime backends.
func WithPlaybackFormat(f audio.Format) Option {
	return func(d *Device) { d.playbackFormat = f }
}

// Device joins one Discord voice channel and exposes it as both the capture
// [audio.Source] and the playback [audio.Sink] of a session. It owns the
// discordgo session for its lifetime.
//
// Device is safe for concurrent use.
type Device struct {
	audio.Taps

	guildID   string
	channelID string

	playbackFormat audio.Format

	mu       sync.Mutex
	session  *discordgo.Session
	vc       *discordgo.VoiceConnection
	enc      *opusEncoder
	conv     audio.FormatConverter
	sendBuf  []byte
	speaking bool
	started  bool

	done     chan struct{}
	stopOnce sync.Once
	stopErr  error
}

// New creates a Device for the given bot token and voice channel. The
// Discord gateway is not contacted until [Device.Start].
func New(botToken, guildID, channelID string, opts ...Option) (*Device, error) {
	session, err := discordgo.New("Bot " + botToken)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildVoiceStates

	d := &Device{
		guildID:        guildID,
		channelID:      channelID,
		playbackFormat: audio.Format{SampleRate: 24000, Channels: 1},
		session:        session,
		conv:           audio.FormatConverter{Target: audio.Format{SampleRate: opusSampleRate, Channels: opusChannels}},
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Format implements [audio.Source]. Capture quanta are 16 kHz mono.
func (d *Device) Format() audio.Format {
	return audio.Format{SampleRate: captureSampleRate, Channels: 1}
}

// QuantumSamples reports the fixed capture quantum size (320 samples, 20 ms).
// It marks the Device as a fixed-quantum source for engine path selection.
func (d *Device) QuantumSamples() int { return quantumSamples }

// Start implements [audio.Source]: it opens the gateway connection, joins
// the voice channel (unmuted, undeafened, since the device both sends and
// receives) and begins delivering capture quanta to subscribed taps.
// ctx governs connection setup only.
func (d *Device) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return errors.New("discord: device already started")
	}

	if err := d.session.Open(); err != nil {
		return fmt.Errorf("discord: open gateway: %w", err)
	}

	type joinResult struct {
		vc  *discordgo.VoiceConnection
		err error
	}
	joined := make(chan joinResult, 1)
	go func() {
		vc, err := d.session.ChannelVoiceJoin(d.guildID, d.channelID, false, false)
		joined <- joinResult{vc, err}
	}()

	select {
	case <-ctx.Done():
		_ = d.session.Close()
		return fmt.Errorf("discord: join voice channel %q: %w", d.channelID, ctx.Err())
	case res := <-joined:
		if res.err != nil {
			_ = d.session.Close()
			return fmt.Errorf("discord: join voice channel %q: %w", d.channelID, res.err)
		}
		d.vc = res.vc
	}

	enc, err := newOpusEncoder()
	if err != nil {
		_ = d.vc.Disconnect()
		_ = d.session.Close()
		return err
	}
	d.enc = enc
	d.started = true

	go d.recvLoop(d.vc)
	return nil
}

// Stop implements [audio.Source]: it leaves the voice channel and closes the
// gateway connection. Idempotent; subsequent calls return the first result.
func (d *Device) Stop() error {
	d.stopOnce.Do(func() {
		close(d.done)

		d.mu.Lock()
		vc := d.vc
		session := d.session
		if d.speaking && vc != nil {
			d.setSpeaking(vc, false)
		}
		d.started = false
		d.mu.Unlock()

		var errs []error
		if vc != nil {
			if err := vc.Disconnect(); err != nil {
				errs = append(errs, fmt.Errorf("discord: leave voice channel: %w", err))
			}
		}
		if err := session.Close(); err != nil {
			errs = append(errs, fmt.Errorf("discord: close gateway: %w", err))
		}
		d.stopErr = errors.Join(errs...)
	})
	return d.stopErr
}

// WriteQuantum implements [audio.Sink]. It accepts one quantum of model PCM
// in the configured playback format, converts it to 48 kHz stereo and sends
// complete Opus frames to Discord. Leftover bytes are buffered for the next
// call so chunk boundaries need not align with Opus frames.
func (d *Device) WriteQuantum(pcm []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.started {
		return ErrNotStarted
	}

	if !d.speaking {
		d.setSpeaking(d.vc, true)
		d.speaking = true
	}

	frame := d.conv.Convert(audio.Frame{
		Data:       pcm,
		SampleRate: d.playbackFormat.SampleRate,
		Channels:   d.playbackFormat.Channels,
	})
	d.sendBuf = append(d.sendBuf, frame.Data...)

	for len(d.sendBuf) >= opusFrameBytes {
		pkt, err := d.enc.encode(d.sendBuf[:opusFrameBytes])
		d.sendBuf = d.sendBuf[opusFrameBytes:]
		if err != nil {
			return err
		}
		select {
		case d.vc.OpusSend <- pkt:
		case <-d.done:
			return ErrNotStarted
		}
	}
	return nil
}

// recvLoop reads Opus packets from the voice connection, decodes them per
// SSRC and pushes 16 kHz mono quanta to the taps. Runs until Stop or until
// Discord closes the receive channel.
func (d *Device) recvLoop(vc *discordgo.VoiceConnection) {
	decoders := make(map[uint32]*opusDecoder)

	for {
		select {
		case <-d.done:
			return
		case pkt, ok := <-vc.OpusRecv:
			if !ok {
				return
			}
			if pkt == nil {
				continue
			}

			dec, exists := decoders[pkt.SSRC]
			if !exists {
				var err error
				dec, err = newOpusDecoder()
				if err != nil {
					slog.Error("discord: create opus decoder", "ssrc", pkt.SSRC, "err", err)
					continue
				}
				decoders[pkt.SSRC] = dec
			}

			stereo, err := dec.decode(pkt.Opus)
			if err != nil {
				slog.Warn("discord: opus decode", "ssrc", pkt.SSRC, "err", err)
				continue
			}

			mono := audio.StereoToMono(stereo)
			quantum := audio.ResampleMono16(mono, opusSampleRate, captureSampleRate)
			d.Push(quantum)
		}
	}
}

// setSpeaking sends the speaking notification, logging failures. Discord
// drops outgoing voice from members that never signalled speaking.
func (d *Device) setSpeaking(vc *discordgo.VoiceConnection, on bool) {
	if err := vc.Speaking(on); err != nil {
		slog.Warn("discord: speaking notification", "speaking", on, "err", err)
	}
}
