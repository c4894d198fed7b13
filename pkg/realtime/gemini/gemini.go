// Package gemini implements the realtime.Client interface for Google's
// Gemini Live API.
//
// It establishes a bidirectional WebSocket connection to the Gemini Live
// endpoint and exchanges JSON messages according to the BidiGenerateContent
// protocol. Audio travels as base64-encoded PCM chunks in both directions;
// server messages are translated into realtime events in arrival order.
package gemini

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/verbalis-ai/verbalis/pkg/realtime"
)

// Compile-time assertions that Client and session satisfy the realtime interfaces.
var _ realtime.Client = (*Client)(nil)
var _ realtime.Session = (*session)(nil)

const (
	defaultModel   = "gemini-2.0-flash-live-001"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithModel sets the Gemini model used for sessions.
func WithModel(model string) Option {
	return func(c *Client) { c.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(c *Client) { c.baseURL = url }
}

// ── Client ─────────────────────────────────────────────────────────────────────

// Client implements realtime.Client for Google's Gemini Live API.
type Client struct {
	apiKey  string
	model   string
	baseURL string
}

// New creates a new Gemini Live Client with the given API key and options.
func New(apiKey string, opts ...Option) *Client {
	c := &Client{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Capabilities returns static metadata about the Gemini Live backend.
func (c *Client) Capabilities() realtime.Capabilities {
	return realtime.Capabilities{
		MaxSessionDurationMs: 15 * 60 * 1000,
		SupportsServerVAD:    true,
		Voices:               []string{"Aoede", "Charon", "Fenrir", "Kore", "Puck"},
	}
}

// Connect establishes a new Gemini Live session with the given configuration.
// The returned Session is ready to accept audio immediately after the setup
// message is sent.
func (c *Client) Connect(ctx context.Context, cfg realtime.SessionConfig) (realtime.Session, error) {
	wsURL := fmt.Sprintf(
		"%s/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent?key=%s",
		c.baseURL, c.apiKey,
	)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: dial: %w", err)
	}

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		id:       uuid.NewString(),
		conn:     conn,
		vadMode:  cfg.VAD.EffectiveMode(),
		events:   make(chan realtime.Event, 64),
		done:     make(chan struct{}),
		ctx:      sessCtx,
		cancel:   sessCancel,
		sendSlot: make(chan []byte, 1),
	}

	if err := sess.sendSetup(c.model, cfg); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "setup failed")
		return nil, fmt.Errorf("gemini: setup: %w", err)
	}

	go sess.receiveLoop()
	go sess.sendLoop()
	go sess.keepaliveLoop()

	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model                    string               `json:"model"`
	GenerationConfig         generationConfig     `json:"generationConfig"`
	SystemInstruction        *systemInstruction   `json:"systemInstruction,omitempty"`
	RealtimeInputConfig      *realtimeInputConfig `json:"realtimeInputConfig,omitempty"`
	InputAudioTranscription  *json.RawMessage     `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *json.RawMessage     `json:"outputAudioTranscription,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type systemInstruction struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type realtimeInputConfig struct {
	AutomaticActivityDetection *automaticActivityDetection `json:"automaticActivityDetection,omitempty"`
}

type automaticActivityDetection struct {
	Disabled                 bool   `json:"disabled,omitempty"`
	StartOfSpeechSensitivity string `json:"startOfSpeechSensitivity,omitempty"`
	EndOfSpeechSensitivity   string `json:"endOfSpeechSensitivity,omitempty"`
	PrefixPaddingMs          int    `json:"prefixPaddingMs,omitempty"`
	SilenceDurationMs        int    `json:"silenceDurationMs,omitempty"`
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks   []mediaChunk     `json:"mediaChunks,omitempty"`
	ActivityStart *json.RawMessage `json:"activityStart,omitempty"`
	ActivityEnd   *json.RawMessage `json:"activityEnd,omitempty"`
}

type mediaChunk struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type clientContentMessage struct {
	ClientContent clientContent `json:"clientContent"`
}

type clientContent struct {
	Turns        []contentTurn `json:"turns"`
	TurnComplete bool          `json:"turnComplete"`
}

type contentTurn struct {
	Role  string `json:"role"`
	Parts []part `json:"parts"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	Error         *geminiError     `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

type serverContent struct {
	ModelTurn           *modelTurn     `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	GenerationComplete  bool           `json:"generationComplete,omitempty"`
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
}

type modelTurn struct {
	Parts []part `json:"parts"`
}

type transcription struct {
	Text string `json:"text"`
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	id      string
	conn    *websocket.Conn
	vadMode realtime.VadMode
	events  chan realtime.Event

	// sendSlot is the single-frame outgoing audio buffer. When transport is
	// momentarily congested the stale frame is replaced by the newest one.
	sendSlot chan []byte

	writeMu sync.Mutex // serialises conn.Write

	mu         sync.Mutex
	errVal     error
	closed     bool
	responding bool // a model response is in flight

	done      chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

var emptyObject = json.RawMessage(`{}`)

// sendSetup sends the initial BidiGenerateContent setup message, including the
// turn-detection configuration derived from the VAD mode.
func (s *session) sendSetup(model string, cfg realtime.SessionConfig) error {
	msg := setupMessage{
		Setup: setupConfig{
			Model: fmt.Sprintf("models/%s", model),
			GenerationConfig: generationConfig{
				ResponseModalities: []string{"audio"},
			},
			InputAudioTranscription:  &emptyObject,
			OutputAudioTranscription: &emptyObject,
		},
	}

	if cfg.Instructions != "" {
		msg.Setup.SystemInstruction = &systemInstruction{
			Parts: []part{{Text: cfg.Instructions}},
		}
	}

	if cfg.Voice != "" {
		msg.Setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{
				PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}

	switch s.vadMode {
	case realtime.VadModeManual:
		// Turn boundaries are decided locally; the backend must not guess.
		msg.Setup.RealtimeInputConfig = &realtimeInputConfig{
			AutomaticActivityDetection: &automaticActivityDetection{Disabled: true},
		}
	case realtime.VadModeServer:
		aad := &automaticActivityDetection{
			StartOfSpeechSensitivity: cfg.VAD.StartSensitivity,
			EndOfSpeechSensitivity:   cfg.VAD.EndSensitivity,
			PrefixPaddingMs:          int(cfg.VAD.PrefixPadding / time.Millisecond),
			SilenceDurationMs:        int(cfg.VAD.ServerSilenceDuration / time.Millisecond),
		}
		if *aad != (automaticActivityDetection{}) {
			msg.Setup.RealtimeInputConfig = &realtimeInputConfig{AutomaticActivityDetection: aad}
		}
	}

	return s.writeJSON(msg)
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gemini: marshal: %w", err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.Write(s.ctx, websocket.MessageText, data)
}

// sendLoop drains the single-frame audio slot onto the wire.
func (s *session) sendLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case frame := <-s.sendSlot:
			msg := realtimeInputMessage{
				RealtimeInput: realtimeInput{
					MediaChunks: []mediaChunk{
						{MIMEType: "audio/pcm;rate=16000", Data: base64.StdEncoding.EncodeToString(frame)},
					},
				},
			}
			if err := s.writeJSON(msg); err != nil {
				if s.ctx.Err() == nil {
					s.setErr(err)
					s.cancel()
				}
				return
			}
		}
	}
}

// receiveLoop reads messages from the WebSocket and dispatches them.
// It owns the events channel: it closes it when it exits.
func (s *session) receiveLoop() {
	defer s.closeEvents()

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			// If the session context was cancelled, exit cleanly.
			if s.ctx.Err() != nil {
				return
			}
			s.setErr(err)
			s.emit(realtime.SessionError{Err: fmt.Errorf("gemini: read: %w", err)})
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue // skip malformed frames
		}

		s.handleServerMessage(&msg)
	}
}

func (s *session) handleServerMessage(msg *serverMessage) {
	if msg.Error != nil {
		err := fmt.Errorf("gemini: server error %d: %s", msg.Error.Code, msg.Error.Message)
		s.setErr(err)
		s.emit(realtime.SessionError{Err: err})
	}
	if msg.ServerContent != nil {
		s.handleServerContent(msg.ServerContent)
	}
}

func (s *session) handleServerContent(sc *serverContent) {
	if sc.Interrupted {
		s.setResponding(false)
		s.emit(realtime.Interrupted{})
	}

	// User speech recognition result.
	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		s.emit(realtime.Transcript{
			Text: sc.InputTranscription.Text,
			Role: realtime.RoleUser,
		})
	}

	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData != nil {
				audioData, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
				if err != nil || len(audioData) == 0 {
					continue
				}
				if s.markResponding() {
					s.emit(realtime.ResponseStarted{})
				}
				s.emit(realtime.AudioChunk{Data: audioData})
			}
			if p.Text != "" {
				if s.markResponding() {
					s.emit(realtime.ResponseStarted{})
				}
				s.emit(realtime.Transcript{Text: p.Text, Role: realtime.RoleModel})
			}
		}
	}

	// Text version of the model's audio output.
	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		s.emit(realtime.Transcript{
			Text: sc.OutputTranscription.Text,
			Role: realtime.RoleModel,
		})
	}

	if sc.TurnComplete {
		s.setResponding(false)
		s.emit(realtime.ResponseEnded{})
	}
}

// markResponding flips the responding flag on and reports whether this call
// was the transition, so ResponseStarted is emitted exactly once per response.
func (s *session) markResponding() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.responding {
		return false
	}
	s.responding = true
	return true
}

func (s *session) setResponding(v bool) {
	s.mu.Lock()
	s.responding = v
	s.mu.Unlock()
}

func (s *session) emit(ev realtime.Event) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

// keepaliveLoop sends WebSocket pings to keep the Gemini Live connection alive.
func (s *session) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(s.ctx, keepaliveTimeout)
			_ = s.conn.Ping(pingCtx)
			cancel()
		}
	}
}

func (s *session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
	}
}

func (s *session) closeEvents() {
	s.closeOnce.Do(func() {
		close(s.events)
	})
}

func (s *session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ── Session methods ────────────────────────────────────────────────────────────

// ID returns the locally assigned session identifier.
func (s *session) ID() string { return s.id }

// SendAudio hands a raw PCM frame (16 kHz, s16le, mono) to the send loop. If
// a frame is already awaiting transport it is replaced, so at most one frame
// is ever in flight behind the wire.
func (s *session) SendAudio(data []byte) error {
	if s.isClosed() {
		return fmt.Errorf("gemini: session closed")
	}

	for {
		select {
		case s.sendSlot <- data:
			return nil
		default:
		}
		// Slot occupied: evict the stale frame and retry.
		select {
		case <-s.sendSlot:
		default:
		}
	}
}

// SendText injects a typed user message as a complete turn.
func (s *session) SendText(text string) error {
	if s.isClosed() {
		return fmt.Errorf("gemini: session closed")
	}
	msg := clientContentMessage{
		ClientContent: clientContent{
			Turns: []contentTurn{
				{Role: "user", Parts: []part{{Text: text}}},
			},
			TurnComplete: true,
		},
	}
	return s.writeJSON(msg)
}

// EndTurn signals the end of the user's activity. In server-VAD mode the
// backend decides turn boundaries itself, so the signal is suppressed unless
// force is set.
func (s *session) EndTurn(force bool) error {
	if s.isClosed() {
		return fmt.Errorf("gemini: session closed")
	}
	if s.vadMode == realtime.VadModeServer && !force {
		return nil
	}
	msg := realtimeInputMessage{
		RealtimeInput: realtimeInput{ActivityEnd: &emptyObject},
	}
	return s.writeJSON(msg)
}

// Interrupt asks the backend to abandon the in-flight response. Gemini Live
// has no dedicated cancel message: with automatic activity detection disabled,
// a new activityStart marker interrupts generation; with it enabled the
// backend interrupts on its own when it hears the user, so there is nothing
// to send.
func (s *session) Interrupt() error {
	if s.isClosed() {
		return fmt.Errorf("gemini: session closed")
	}
	if s.vadMode == realtime.VadModeServer {
		return nil
	}
	msg := realtimeInputMessage{
		RealtimeInput: realtimeInput{ActivityStart: &emptyObject},
	}
	return s.writeJSON(msg)
}

// Events returns the ordered stream of session events.
func (s *session) Events() <-chan realtime.Event { return s.events }

// Err returns the first non-nil error that caused the session to terminate.
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Close terminates the session and releases all resources. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()    // unblocks receiveLoop, sendLoop and keepaliveLoop
	close(s.done) // signals keepaliveLoop via done channel
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
