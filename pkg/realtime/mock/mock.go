// Package mock provides test doubles for the realtime package interfaces.
//
// Use Client to verify Connect calls and feed controlled sessions. Use
// Session to script the event stream and inspect which methods the
// orchestrator invoked.
//
// Example:
//
//	sess := mock.NewSession()
//	c := &mock.Client{Session: sess}
//	handle, _ := c.Connect(ctx, cfg)
//	sess.Emit(realtime.ResponseStarted{})
package mock

import (
	"context"
	"sync"

	"github.com/verbalis-ai/verbalis/pkg/realtime"
)

// ConnectCall records a single invocation of Client.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the SessionConfig passed to Connect.
	Cfg realtime.SessionConfig
}

// Client is a mock implementation of realtime.Client.
type Client struct {
	mu sync.Mutex

	// Session is the Session returned by Connect. If nil, Connect returns a
	// new default Session.
	Session realtime.Session

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// ClientCapabilities is returned by Capabilities.
	ClientCapabilities realtime.Capabilities

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall
}

// Connect records the call and returns Session, ConnectErr.
func (c *Client) Connect(ctx context.Context, cfg realtime.SessionConfig) (realtime.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ConnectCalls = append(c.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	if c.ConnectErr != nil {
		return nil, c.ConnectErr
	}
	if c.Session != nil {
		return c.Session, nil
	}
	return NewSession(), nil
}

// Capabilities returns ClientCapabilities.
func (c *Client) Capabilities() realtime.Capabilities {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ClientCapabilities
}

// Ensure Client implements realtime.Client at compile time.
var _ realtime.Client = (*Client)(nil)

// EndTurnCall records a single invocation of Session.EndTurn.
type EndTurnCall struct {
	// Force is the flag passed to EndTurn.
	Force bool
}

// Session is a mock implementation of realtime.Session. Tests script the
// incoming side with Emit and Finish, and inspect the outgoing side through
// the recorded calls.
type Session struct {
	mu sync.Mutex

	// SessionID is returned by ID. Defaults to "mock-session".
	SessionID string

	events    chan realtime.Event
	finishErr error
	finished  bool

	// --- Configurable errors ---

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// SendTextErr, if non-nil, is returned by every SendText call.
	SendTextErr error

	// EndTurnErr, if non-nil, is returned by every EndTurn call.
	EndTurnErr error

	// InterruptErr, if non-nil, is returned by every Interrupt call.
	InterruptErr error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// --- Call records ---

	// SendAudioCalls records a copy of every frame passed to SendAudio.
	SendAudioCalls [][]byte

	// SendTextCalls records every string passed to SendText.
	SendTextCalls []string

	// EndTurnCalls records every call to EndTurn in order.
	EndTurnCalls []EndTurnCall

	// InterruptCallCount is the number of times Interrupt was called.
	InterruptCallCount int

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// NewSession creates a Session with a buffered event stream.
func NewSession() *Session {
	return &Session{
		SessionID: "mock-session",
		events:    make(chan realtime.Event, 64),
	}
}

// Emit delivers an event to the session's event stream.
func (s *Session) Emit(ev realtime.Event) {
	s.events <- ev
}

// Finish closes the event stream, recording err as the terminal error.
// Call at most once.
func (s *Session) Finish(err error) {
	s.mu.Lock()
	s.finishErr = err
	s.finished = true
	s.mu.Unlock()
	close(s.events)
}

// ID returns SessionID.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.SessionID
}

// SendAudio records a copy of the frame and returns SendAudioErr.
func (s *Session) SendAudio(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	s.SendAudioCalls = append(s.SendAudioCalls, cp)
	return s.SendAudioErr
}

// SendText records the call and returns SendTextErr.
func (s *Session) SendText(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SendTextCalls = append(s.SendTextCalls, text)
	return s.SendTextErr
}

// EndTurn records the call and returns EndTurnErr.
func (s *Session) EndTurn(force bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.EndTurnCalls = append(s.EndTurnCalls, EndTurnCall{Force: force})
	return s.EndTurnErr
}

// Interrupt records the call and returns InterruptErr.
func (s *Session) Interrupt() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.InterruptCallCount++
	return s.InterruptErr
}

// Events returns the scripted event stream.
func (s *Session) Events() <-chan realtime.Event { return s.events }

// Err returns the error passed to Finish.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finishErr
}

// Close records the call and returns CloseErr.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	return s.CloseErr
}

// SendAudioCount returns the number of SendAudio calls so far. Safe to poll
// while the session is in use.
func (s *Session) SendAudioCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.SendAudioCalls)
}

// EndTurns returns a snapshot of the EndTurn calls so far.
func (s *Session) EndTurns() []EndTurnCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]EndTurnCall, len(s.EndTurnCalls))
	copy(out, s.EndTurnCalls)
	return out
}

// SentTexts returns a snapshot of the SendText calls so far.
func (s *Session) SentTexts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.SendTextCalls))
	copy(out, s.SendTextCalls)
	return out
}

// Interrupts returns the number of Interrupt calls so far.
func (s *Session) Interrupts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.InterruptCallCount
}

// ResetCalls clears all recorded calls. Thread-safe.
func (s *Session) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SendAudioCalls = nil
	s.SendTextCalls = nil
	s.EndTurnCalls = nil
	s.InterruptCallCount = 0
	s.CloseCallCount = 0
}

// Ensure Session implements realtime.Session at compile time.
var _ realtime.Session = (*Session)(nil)
