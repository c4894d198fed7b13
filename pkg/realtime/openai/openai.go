// Package openai implements the realtime.Client interface for OpenAI's
// Realtime API.
//
// It establishes a bidirectional WebSocket connection to the OpenAI Realtime
// endpoint and exchanges JSON events according to the Realtime API protocol.
// Audio travels as base64-encoded PCM16 chunks; server events are translated
// into realtime events in arrival order. Manual end-of-turn maps onto
// input_audio_buffer.commit followed by response.create; interruption maps
// onto response.cancel.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
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
	defaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	keepaliveInterval = 30 * time.Second
	keepaliveTimeout  = 10 * time.Second
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithModel sets the OpenAI model used for sessions.
func WithModel(model string) Option {
	return func(c *Client) { c.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(c *Client) { c.baseURL = url }
}

// ── Client ─────────────────────────────────────────────────────────────────────

// Client implements realtime.Client for OpenAI's Realtime API.
type Client struct {
	apiKey  string
	model   string
	baseURL string
}

// New creates a new OpenAI Realtime Client with the given API key and options.
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

// Capabilities returns static metadata about the OpenAI Realtime backend.
func (c *Client) Capabilities() realtime.Capabilities {
	return realtime.Capabilities{
		MaxSessionDurationMs: 30 * 60 * 1000,
		SupportsServerVAD:    true,
		Voices: []string{
			"alloy", "ash", "ballad", "coral", "echo", "sage", "shimmer", "verse",
		},
	}
}

// Connect establishes a new OpenAI Realtime session with the given
// configuration. The returned Session is ready to accept audio immediately
// after the session.update message is sent.
func (c *Client) Connect(ctx context.Context, cfg realtime.SessionConfig) (realtime.Session, error) {
	wsURL := fmt.Sprintf("%s?model=%s", c.baseURL, c.model)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + c.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai: dial: %w", err)
	}

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		id:       uuid.NewString(),
		conn:     conn,
		vadMode:  cfg.VAD.EffectiveMode(),
		events:   make(chan realtime.Event, 64),
		sendSlot: make(chan []byte, 1),
		ctx:      sessCtx,
		cancel:   sessCancel,
	}

	if err := sess.sendSessionUpdate(cfg); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("openai: session update: %w", err)
	}

	go sess.receiveLoop()
	go sess.sendLoop()
	go sess.keepaliveLoop()

	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Voice                   string              `json:"voice,omitempty"`
	Instructions            string              `json:"instructions,omitempty"`
	InputAudioFormat        string              `json:"input_audio_format"`
	OutputAudioFormat       string              `json:"output_audio_format"`
	TurnDetection           *turnDetection      `json:"turn_detection"`
	InputAudioTranscription *audioTranscription `json:"input_audio_transcription,omitempty"`
}

// turnDetection configures server-side VAD. A null value (nil pointer with
// the field always serialised) disables it, which is how manual mode is
// expressed on the wire.
type turnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMs int     `json:"silence_duration_ms,omitempty"`
}

type audioTranscription struct {
	Model string `json:"model"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

type createConversationItemMessage struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

type conversationItem struct {
	Type    string             `json:"type"`
	Role    string             `json:"role,omitempty"`
	Content []conversationPart `json:"content,omitempty"`
}

type conversationPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// serverErrorDetail represents the nested error object in an OpenAI Realtime
// error event: {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverEvent struct {
	Type string `json:"type"`

	// response.audio.delta / response.audio_transcript.delta
	Delta string `json:"delta,omitempty"`

	// conversation.item.input_audio_transcription.completed
	Transcript string `json:"transcript,omitempty"`

	// error event
	Error *serverErrorDetail `json:"error,omitempty"`
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

	mu     sync.Mutex
	errVal error
	closed bool

	// currentTxText accumulates response.audio_transcript.delta events until
	// response.audio_transcript.done is received.
	currentTxText string

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// sendSessionUpdate sends a session.update event to configure voice,
// instructions, audio formats and turn detection.
func (s *session) sendSessionUpdate(cfg realtime.SessionConfig) error {
	params := sessionParams{
		InputAudioFormat:        "pcm16",
		OutputAudioFormat:       "pcm16",
		InputAudioTranscription: &audioTranscription{Model: "whisper-1"},
	}
	if cfg.Voice != "" {
		params.Voice = cfg.Voice
	}
	if cfg.Instructions != "" {
		params.Instructions = cfg.Instructions
	}

	if s.vadMode == realtime.VadModeServer {
		td := &turnDetection{Type: "server_vad"}
		td.PrefixPaddingMs = int(cfg.VAD.PrefixPadding / time.Millisecond)
		td.SilenceDurationMs = int(cfg.VAD.ServerSilenceDuration / time.Millisecond)
		params.TurnDetection = td
	}
	// Manual mode leaves TurnDetection nil, serialised as null, which turns
	// server VAD off entirely.

	return s.writeJSON(sessionUpdateMessage{Type: "session.update", Session: params})
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai: marshal: %w", err)
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
			msg := appendAudioMessage{
				Type:  "input_audio_buffer.append",
				Audio: base64.StdEncoding.EncodeToString(frame),
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

// receiveLoop reads events from the WebSocket and dispatches them.
// It owns the events channel: it closes it when it exits.
func (s *session) receiveLoop() {
	defer s.closeEvents()

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.setErr(err)
			s.emit(realtime.SessionError{Err: fmt.Errorf("openai: read: %w", err)})
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}

		s.handleServerEvent(&evt)
	}
}

func (s *session) handleServerEvent(evt *serverEvent) {
	switch evt.Type {
	case "input_audio_buffer.speech_started":
		s.emit(realtime.SpeechStarted{})

	case "input_audio_buffer.speech_stopped":
		s.emit(realtime.SpeechEnded{})

	case "response.created":
		s.emit(realtime.ResponseStarted{})

	case "response.audio.delta":
		if evt.Delta == "" {
			return
		}
		audioData, err := base64.StdEncoding.DecodeString(evt.Delta)
		if err != nil || len(audioData) == 0 {
			return
		}
		s.emit(realtime.AudioChunk{Data: audioData})

	case "response.audio_transcript.delta":
		if evt.Delta == "" {
			return
		}
		s.mu.Lock()
		s.currentTxText += evt.Delta
		s.mu.Unlock()
		s.emit(realtime.Transcript{Text: evt.Delta, Role: realtime.RoleModel})

	case "response.audio_transcript.done":
		s.mu.Lock()
		text := s.currentTxText
		s.currentTxText = ""
		s.mu.Unlock()

		if text == "" {
			return
		}
		s.emit(realtime.Transcript{Text: text, Final: true, Role: realtime.RoleModel})

	case "conversation.item.input_audio_transcription.completed":
		if evt.Transcript == "" {
			return
		}
		s.emit(realtime.Transcript{Text: evt.Transcript, Final: true, Role: realtime.RoleUser})

	case "response.cancelled":
		s.emit(realtime.Interrupted{})

	case "response.done":
		s.emit(realtime.ResponseEnded{})

	case "error":
		s.handleErrorEvent(evt)
	}
}

// recoverableErrorCodes are server error codes produced by benign protocol
// races rather than broken sessions. The canonical case is a locally detected
// barge-in whose response.cancel lands just after the response finished on
// its own; the server answers with response_cancel_not_active and the
// conversation continues unharmed.
var recoverableErrorCodes = map[string]bool{
	"response_cancel_not_active":               true,
	"input_audio_buffer_commit_empty":          true,
	"conversation_already_has_active_response": true,
}

// handleErrorEvent surfaces an error event. Recoverable race errors are
// logged and swallowed; everything else terminates the session.
func (s *session) handleErrorEvent(evt *serverEvent) {
	msg := "unknown error"
	var code string
	if evt.Error != nil {
		if evt.Error.Message != "" {
			msg = evt.Error.Message
		}
		code = evt.Error.Code
	}
	if recoverableErrorCodes[code] {
		slog.Debug("openai: recoverable server error", "code", code, "msg", msg)
		return
	}
	s.emit(realtime.SessionError{Err: fmt.Errorf("openai: %s", msg)})
}

func (s *session) emit(ev realtime.Event) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

// keepaliveLoop sends WebSocket pings so idle stretches of a conversation do
// not drop the connection.
func (s *session) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
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

// SendAudio hands a raw PCM16 frame to the send loop. If a frame is already
// awaiting transport it is replaced, so at most one frame is ever in flight
// behind the wire.
func (s *session) SendAudio(data []byte) error {
	if s.isClosed() {
		return fmt.Errorf("openai: session closed")
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

// SendText injects a typed user message and triggers a model response.
func (s *session) SendText(text string) error {
	if s.isClosed() {
		return fmt.Errorf("openai: session closed")
	}

	msg := createConversationItemMessage{
		Type: "conversation.item.create",
		Item: conversationItem{
			Type: "message",
			Role: "user",
			Content: []conversationPart{
				{Type: "input_text", Text: text},
			},
		},
	}
	if err := s.writeJSON(msg); err != nil {
		return err
	}
	return s.writeJSON(map[string]string{"type": "response.create"})
}

// EndTurn commits the input audio buffer and asks for a response. In
// server-VAD mode the backend commits and responds on its own, so the signal
// is suppressed unless force is set.
func (s *session) EndTurn(force bool) error {
	if s.isClosed() {
		return fmt.Errorf("openai: session closed")
	}
	if s.vadMode == realtime.VadModeServer && !force {
		return nil
	}
	if err := s.writeJSON(map[string]string{"type": "input_audio_buffer.commit"}); err != nil {
		return err
	}
	return s.writeJSON(map[string]string{"type": "response.create"})
}

// Interrupt sends a response.cancel event to stop the current model response.
func (s *session) Interrupt() error {
	if s.isClosed() {
		return fmt.Errorf("openai: session closed")
	}
	return s.writeJSON(map[string]string{"type": "response.cancel"})
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

	s.cancel()
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
