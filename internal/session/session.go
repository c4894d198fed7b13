// Package session orchestrates one live voice conversation: microphone
// capture, turn-taking, the realtime protocol session, barge-in and
// playback.
//
// All coordination happens on a single event loop goroutine. Capture frames,
// protocol events, volume ticks and control commands are multiplexed into it
// and handled one at a time, so state transitions are strictly ordered and
// no locking is needed between them. The only concurrency boundaries are the
// channels into the loop and the read-only state snapshot exposed to the
// control surface.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/verbalis-ai/verbalis/internal/history"
	"github.com/verbalis-ai/verbalis/internal/observe"
	"github.com/verbalis-ai/verbalis/internal/turn"
	"github.com/verbalis-ai/verbalis/pkg/audio"
	"github.com/verbalis-ai/verbalis/pkg/audio/capture"
	"github.com/verbalis-ai/verbalis/pkg/audio/playback"
	"github.com/verbalis-ai/verbalis/pkg/realtime"
)

// defaultVolumeInterval is the cadence at which the volume signal is sampled
// for turn detection and barge-in. 30ms keeps the barge-in debounce window
// (five consecutive samples) inside the 200ms cut-off budget.
const defaultVolumeInterval = 30 * time.Millisecond

// historySaveTimeout bounds how long a turn record write may take before it
// is abandoned with a warning.
const historySaveTimeout = 5 * time.Second

// Config carries the per-conversation settings.
type Config struct {
	// Backend names the realtime backend ("gemini", "openai", "mock") for
	// logging and metric attributes.
	Backend string

	// Instructions is the system prompt for the session.
	Instructions string

	// Voice selects the model voice. Empty uses the backend default.
	Voice string

	// VAD selects and parameterises the turn-boundary policy.
	VAD realtime.VadConfig

	// VolumeInterval overrides the volume sampling cadence. Zero uses the
	// default.
	VolumeInterval time.Duration

	// BargeInThreshold and BargeInSamples tune barge-in detection. Zero
	// values use the defaults.
	BargeInThreshold float64
	BargeInSamples   int

	// FrameSamples overrides the capture frame size in samples. Zero uses
	// the capture default.
	FrameSamples int
}

// command is a control-surface request executed on the event loop.
type command int

const (
	cmdForceEndTurn command = iota
	cmdSendText
)

type controlMsg struct {
	cmd  command
	text string
}

// Session is one live voice conversation. Create with [New], start with
// [Session.Start], and always call [Session.Close].
type Session struct {
	cfg     Config
	client  realtime.Client
	source  audio.Source
	sink    audio.Sink
	hist    history.Sink
	metrics *observe.Metrics

	machine *turn.Machine
	policy  turn.Policy
	barge   *bargeInDetector

	capture  audio.CaptureEngine
	monitor  *capture.Monitor
	playback *playback.Engine
	rt       realtime.Session

	userText  transcriptBuf
	modelText transcriptBuf

	cmds     chan controlMsg
	done     chan struct{}
	loopDone chan struct{}

	mu        sync.Mutex
	runErr    error
	started   bool
	closeOnce sync.Once

	// saveWG tracks in-flight history writes so Close can drain them.
	saveWG sync.WaitGroup
}

// New assembles a Session from its collaborators. Nothing is started and no
// devices are touched until [Session.Start].
func New(cfg Config, client realtime.Client, source audio.Source, sink audio.Sink, hist history.Sink, metrics *observe.Metrics) *Session {
	if cfg.VolumeInterval <= 0 {
		cfg.VolumeInterval = defaultVolumeInterval
	}
	if hist == nil {
		hist = history.Noop{}
	}
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Session{
		cfg:      cfg,
		client:   client,
		source:   source,
		sink:     sink,
		hist:     hist,
		metrics:  metrics,
		machine:  turn.NewMachine(nil),
		policy:   turn.NewPolicy(cfg.VAD),
		barge:    newBargeInDetector(cfg.BargeInThreshold, cfg.BargeInSamples),
		cmds:     make(chan controlMsg, 8),
		done:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}
}

// Start connects the realtime session, acquires the microphone and begins
// orchestration. A device or connect failure is fatal: nothing is retried
// and all partially acquired resources are released before returning.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("session: already started")
	}
	s.started = true
	s.mu.Unlock()

	ctx, span := observe.StartSpan(ctx, "session.start")
	defer span.End()

	rt, err := s.client.Connect(ctx, realtime.SessionConfig{
		Instructions: s.cfg.Instructions,
		Voice:        s.cfg.Voice,
		VAD:          s.cfg.VAD,
	})
	if err != nil {
		return fmt.Errorf("session: connect: %w", err)
	}
	s.rt = rt

	var captureOpts []capture.Option
	if s.cfg.FrameSamples > 0 {
		captureOpts = append(captureOpts, capture.WithFrameSamples(s.cfg.FrameSamples))
	}
	eng, err := capture.Start(ctx, s.source, captureOpts...)
	if err != nil {
		rt.Close()
		return fmt.Errorf("session: capture: %w", err)
	}
	s.capture = eng
	s.monitor = capture.NewMonitor(s.source)
	s.playback = playback.New(s.sink)

	s.machine.SessionConnected()
	s.metrics.ActiveSessions.Add(ctx, 1)
	slog.Info("session: started",
		"id", rt.ID(),
		"backend", s.cfg.Backend,
		"vad_mode", string(s.cfg.VAD.EffectiveMode()),
	)

	go s.run()
	return nil
}

// ID returns the realtime session identifier, or "" before Start.
func (s *Session) ID() string {
	if s.rt == nil {
		return ""
	}
	return s.rt.ID()
}

// State returns the current turn state.
func (s *Session) State() turn.State { return s.machine.State() }

// Volume returns the current smoothed microphone level in [0, 1].
func (s *Session) Volume() float64 {
	if s.monitor == nil {
		return 0
	}
	return s.monitor.Level()
}

// Timings returns all finalised turn timing records so far.
func (s *Session) Timings() []turn.Timing { return s.machine.Timings() }

// Err returns the error that terminated the session, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runErr
}

// ForceEndTurn asks the event loop to end the user's turn now, regardless of
// VAD mode. Valid in either mode as an explicit override.
func (s *Session) ForceEndTurn() {
	s.send(controlMsg{cmd: cmdForceEndTurn})
}

// SendText injects a typed user message as a complete turn.
func (s *Session) SendText(text string) {
	s.send(controlMsg{cmd: cmdSendText, text: text})
}

func (s *Session) send(msg controlMsg) {
	select {
	case s.cmds <- msg:
	case <-s.done:
	}
}

// Close shuts the conversation down in order: capture first so no new frames
// are produced, then the protocol session, then playback. Idempotent and
// safe from any goroutine.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.capture == nil {
			return // Start never completed
		}
		<-s.loopDone

		if err := s.capture.Stop(); err != nil {
			slog.Warn("session: capture stop", "err", err)
		}
		audio.Drain(s.capture.Frames())
		s.monitor.Stop()
		if err := s.rt.Close(); err != nil {
			slog.Warn("session: realtime close", "err", err)
		}
		s.playback.Close()
		s.saveWG.Wait()
		s.metrics.ActiveSessions.Add(context.Background(), -1)
		slog.Info("session: closed", "id", s.rt.ID())
	})
	return nil
}

// ── Event loop ─────────────────────────────────────────────────────────────────

func (s *Session) run() {
	defer close(s.loopDone)

	ticker := time.NewTicker(s.cfg.VolumeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return

		case frame, ok := <-s.capture.Frames():
			if !ok {
				return
			}
			s.onFrame(frame)

		case ev, ok := <-s.rt.Events():
			if !ok {
				s.onSessionEnded()
				return
			}
			s.onEvent(ev)

		case now := <-ticker.C:
			s.onVolumeTick(now)

		case msg := <-s.cmds:
			s.onCommand(msg)
		}
	}
}

// onFrame forwards a captured frame to the protocol client. Frames flow
// while listening (the user's turn) and while speaking (so a server-VAD
// backend can hear barge-in); they are withheld while processing and idle.
func (s *Session) onFrame(frame audio.Frame) {
	switch s.machine.State() {
	case turn.StateListening, turn.StateSpeaking:
		if err := s.rt.SendAudio(frame.Data); err != nil {
			return // session closed under us; the events channel will report it
		}
		s.metrics.FramesSent.Add(context.Background(), 1)
	}
}

func (s *Session) onVolumeTick(now time.Time) {
	level := s.monitor.Level()

	switch s.machine.State() {
	case turn.StateListening:
		if s.policy.OnVolumeSample(level, now) {
			s.machine.SpeechHeard(now)
		}
		if s.policy.ShouldEndTurn(now) {
			s.endTurn(turn.EndCauseSilence, false, now)
		}

	case turn.StateSpeaking:
		if s.barge.observe(level) {
			s.onBargeIn()
		}
	}
}

// onBargeIn cuts playback and asks the backend to abandon the response. The
// state machine is deliberately not touched here: the transition happens
// when the backend's interrupted event arrives, keeping transitions
// single-sourced.
func (s *Session) onBargeIn() {
	s.playback.StopImmediately()
	if err := s.rt.Interrupt(); err != nil {
		slog.Warn("session: interrupt", "err", err)
	}
	s.metrics.RecordBargeIn(context.Background(), s.cfg.Backend)
	slog.Debug("session: barge-in detected")
}

func (s *Session) onCommand(msg controlMsg) {
	switch msg.cmd {
	case cmdForceEndTurn:
		s.endTurn(turn.EndCauseForced, true, time.Now())
	case cmdSendText:
		if s.machine.State() != turn.StateListening {
			return
		}
		if err := s.rt.SendText(msg.text); err != nil {
			slog.Warn("session: send text", "err", err)
			return
		}
		s.machine.EndOfTurn(turn.EndCauseForced, time.Now())
	}
}

// endTurn performs the listening → processing transition and signals the
// backend. The force flag is passed through so the protocol client can apply
// its server-VAD gating.
func (s *Session) endTurn(cause turn.EndCause, force bool, now time.Time) {
	if !s.machine.EndOfTurn(cause, now) {
		return
	}
	if err := s.rt.EndTurn(force); err != nil {
		slog.Warn("session: end turn", "err", err)
	}
}

func (s *Session) onEvent(ev realtime.Event) {
	now := time.Now()

	switch ev := ev.(type) {
	case realtime.Transcript:
		if ev.Role == realtime.RoleUser {
			s.userText.add(ev.Text, ev.Final)
		} else {
			s.modelText.add(ev.Text, ev.Final)
		}

	case realtime.SpeechStarted:
		s.machine.SpeechHeard(now)
		s.policy.OnServerEvent(ev)

	case realtime.SpeechEnded:
		if s.policy.OnServerEvent(ev) {
			// Server-decided boundary: transition locally, send nothing.
			s.machine.EndOfTurn(turn.EndCauseServer, now)
		}

	case realtime.ResponseStarted:
		s.machine.ResponseStarted(now)

	case realtime.AudioChunk:
		// Some backends start streaming audio without a separate
		// response-started marker.
		s.machine.ResponseStarted(now)
		s.machine.FirstAudio(now)
		if err := s.playback.Enqueue(ev.Data); err == nil {
			s.metrics.PlaybackChunks.Add(context.Background(), 1)
		}

	case realtime.ResponseEnded:
		if s.machine.ResponseEnded(now) {
			s.finishTurn("completed")
		}

	case realtime.Interrupted:
		// Also reached via server-side barge-in detection, in which case
		// playback was not yet stopped locally.
		s.playback.StopImmediately()
		if s.machine.Interrupted(now) {
			s.finishTurn("interrupted")
		}

	case realtime.SessionError:
		s.fail(ev.Err)
	}
}

// onSessionEnded handles the events channel closing underneath the loop.
func (s *Session) onSessionEnded() {
	if err := s.rt.Err(); err != nil {
		s.fail(err)
		return
	}
	s.machine.Fail()
}

// fail records the terminal error and forces the machine to idle. No retry:
// reconnection policy belongs to the caller, and a fresh Session.
func (s *Session) fail(err error) {
	s.mu.Lock()
	if s.runErr == nil {
		s.runErr = err
	}
	s.mu.Unlock()

	s.playback.StopImmediately()
	s.machine.Fail()
	s.metrics.RecordTransportError(context.Background(), s.cfg.Backend)
	slog.Error("session: failed", "id", s.rt.ID(), "err", err)
}

// finishTurn persists the completed turn and re-arms the per-turn state.
func (s *Session) finishTurn(outcome string) {
	timing, ok := s.machine.LastTiming()
	if ok {
		if lat := timing.ResponseLatency(); lat > 0 {
			s.metrics.ResponseLatency.Record(context.Background(), lat.Seconds())
		}
		if dur := timing.TurnDuration(); dur > 0 {
			s.metrics.TurnDuration.Record(context.Background(), dur.Seconds())
		}
	}
	s.metrics.RecordTurn(context.Background(), s.cfg.Backend, outcome)

	rec := history.TurnRecord{
		SessionID:       s.rt.ID(),
		UserText:        s.userText.String(),
		ModelText:       s.modelText.String(),
		Interrupted:     outcome == "interrupted",
		SpeechStarted:   timing.SpeechStarted,
		EndOfTurnSent:   timing.EndOfTurnSent,
		ResponseStarted: timing.ResponseStarted,
		FirstAudio:      timing.FirstAudio,
		ResponseEnded:   timing.ResponseEnded,
	}

	// Persist off the event loop; storage latency must not delay the next turn.
	s.saveWG.Add(1)
	go func() {
		defer s.saveWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), historySaveTimeout)
		defer cancel()
		if err := s.hist.SaveTurn(ctx, rec); err != nil {
			slog.Warn("session: save turn", "err", err)
		}
	}()

	s.userText.reset()
	s.modelText.reset()
	s.policy.Reset()
	s.barge.reset()
}

// transcriptBuf accumulates transcript fragments for one turn. Interim
// fragments are concatenated; a final fragment replaces them wholesale,
// since backends that send finals repeat the full utterance.
type transcriptBuf struct {
	parts    strings.Builder
	final    string
	sawFinal bool
}

func (b *transcriptBuf) add(text string, final bool) {
	if final {
		b.final = text
		b.sawFinal = true
		return
	}
	if !b.sawFinal {
		b.parts.WriteString(text)
	}
}

func (b *transcriptBuf) String() string {
	if b.sawFinal {
		return b.final
	}
	return b.parts.String()
}

func (b *transcriptBuf) reset() {
	b.parts.Reset()
	b.final = ""
	b.sawFinal = false
}
