package openai_test

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/verbalis-ai/verbalis/pkg/realtime"
	"github.com/verbalis-ai/verbalis/pkg/realtime/openai"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startServer launches a test WebSocket server. The handler receives the
// accepted *websocket.Conn and the upgrade request. The server is closed when
// the test finishes.
func startServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// readJSON reads one WebSocket text frame and decodes it into v.
func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("readJSON: %v", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("readJSON unmarshal: %v", err)
	}
}

// writeJSON marshals v and sends it as a text frame.
func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

// consumeSessionUpdate reads and discards the client's session.update event.
func consumeSessionUpdate(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	var raw map[string]any
	readJSON(t, conn, &raw)
}

// connect dials the test server with the given session config.
func connect(t *testing.T, srv *httptest.Server, cfg realtime.SessionConfig, opts ...openai.Option) realtime.Session {
	t.Helper()
	opts = append(opts, openai.WithBaseURL(wsURL(srv)))
	c := openai.New("test-api-key", opts...)
	sess, err := c.Connect(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { sess.Close() })
	return sess
}

// nextEvent reads one event from the session or fails after a timeout.
func nextEvent(t *testing.T, sess realtime.Session) realtime.Event {
	t.Helper()
	select {
	case ev, ok := <-sess.Events():
		if !ok {
			t.Fatal("events channel closed while waiting for an event")
		}
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for event")
	}
	return nil
}

// manualVad returns a session config with local turn detection.
func manualVad() realtime.SessionConfig {
	return realtime.SessionConfig{VAD: realtime.VadConfig{Mode: realtime.VadModeManual}}
}

// serverVad returns a session config delegating turn detection to the backend.
func serverVad() realtime.SessionConfig {
	return realtime.SessionConfig{VAD: realtime.VadConfig{Mode: realtime.VadModeServer}}
}

// updateMsg mirrors the wire shape of the client's session.update event. The
// session body is kept raw so a test can distinguish turn_detection:null from
// the key being absent.
type updateMsg struct {
	Type    string                     `json:"type"`
	Session map[string]json.RawMessage `json:"session"`
}

// typedMsg extracts just the event type of an outgoing message.
type typedMsg struct {
	Type string `json:"type"`
}

// ── Connect / session.update ───────────────────────────────────────────────────

func TestConnect_SendsSessionUpdate(t *testing.T) {
	t.Parallel()

	received := make(chan updateMsg, 1)
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var msg updateMsg
		readJSON(t, conn, &msg)
		received <- msg
		<-conn.CloseRead(context.Background()).Done()
	})

	cfg := serverVad()
	cfg.Instructions = "You are a concise assistant."
	cfg.Voice = "coral"
	connect(t, srv, cfg)

	select {
	case msg := <-received:
		if msg.Type != "session.update" {
			t.Fatalf("first event type = %q; want session.update", msg.Type)
		}
		str := func(key string) string {
			var s string
			json.Unmarshal(msg.Session[key], &s)
			return s
		}
		if got := str("voice"); got != "coral" {
			t.Errorf("voice = %q; want coral", got)
		}
		if got := str("instructions"); got != "You are a concise assistant." {
			t.Errorf("instructions = %q", got)
		}
		if got := str("input_audio_format"); got != "pcm16" {
			t.Errorf("input_audio_format = %q; want pcm16", got)
		}
		if got := str("output_audio_format"); got != "pcm16" {
			t.Errorf("output_audio_format = %q; want pcm16", got)
		}
		var tx struct {
			Model string `json:"model"`
		}
		json.Unmarshal(msg.Session["input_audio_transcription"], &tx)
		if tx.Model != "whisper-1" {
			t.Errorf("input_audio_transcription.model = %q; want whisper-1", tx.Model)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for session.update")
	}
}

func TestConnect_SetsAuthHeadersAndModel(t *testing.T) {
	t.Parallel()

	type dialInfo struct {
		auth  string
		beta  string
		query string
	}
	received := make(chan dialInfo, 1)
	srv := startServer(t, func(conn *websocket.Conn, r *http.Request) {
		received <- dialInfo{
			auth:  r.Header.Get("Authorization"),
			beta:  r.Header.Get("OpenAI-Beta"),
			query: r.URL.RawQuery,
		}
		consumeSessionUpdate(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	connect(t, srv, serverVad(), openai.WithModel("gpt-4o-realtime-custom"))

	select {
	case info := <-received:
		if info.auth != "Bearer test-api-key" {
			t.Errorf("Authorization = %q; want Bearer test-api-key", info.auth)
		}
		if info.beta != "realtime=v1" {
			t.Errorf("OpenAI-Beta = %q; want realtime=v1", info.beta)
		}
		if !strings.Contains(info.query, "model=gpt-4o-realtime-custom") {
			t.Errorf("URL query %q should carry the model", info.query)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout")
	}
}

func TestConnect_ManualModeDisablesTurnDetection(t *testing.T) {
	t.Parallel()

	received := make(chan updateMsg, 1)
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var msg updateMsg
		readJSON(t, conn, &msg)
		received <- msg
		<-conn.CloseRead(context.Background()).Done()
	})

	connect(t, srv, manualVad())

	msg := <-received
	raw, ok := msg.Session["turn_detection"]
	if !ok {
		t.Fatal("turn_detection must be present; omitting it keeps the server default on")
	}
	if string(raw) != "null" {
		t.Errorf("turn_detection = %s; want null in manual mode", raw)
	}
}

func TestConnect_ServerModeForwardsDetectionTuning(t *testing.T) {
	t.Parallel()

	received := make(chan updateMsg, 1)
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var msg updateMsg
		readJSON(t, conn, &msg)
		received <- msg
		<-conn.CloseRead(context.Background()).Done()
	})

	cfg := serverVad()
	cfg.VAD.PrefixPadding = 300 * time.Millisecond
	cfg.VAD.ServerSilenceDuration = 500 * time.Millisecond
	connect(t, srv, cfg)

	msg := <-received
	var td struct {
		Type              string `json:"type"`
		PrefixPaddingMs   int    `json:"prefix_padding_ms"`
		SilenceDurationMs int    `json:"silence_duration_ms"`
	}
	if err := json.Unmarshal(msg.Session["turn_detection"], &td); err != nil {
		t.Fatalf("turn_detection unmarshal: %v", err)
	}
	if td.Type != "server_vad" {
		t.Errorf("turn_detection.type = %q; want server_vad", td.Type)
	}
	if td.PrefixPaddingMs != 300 {
		t.Errorf("prefix_padding_ms = %d; want 300", td.PrefixPaddingMs)
	}
	if td.SilenceDurationMs != 500 {
		t.Errorf("silence_duration_ms = %d; want 500", td.SilenceDurationMs)
	}
}

func TestConnect_DialErrorSurfaces(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "no websocket here", http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	c := openai.New("key", openai.WithBaseURL(wsURL(srv)))
	if _, err := c.Connect(context.Background(), serverVad()); err == nil {
		t.Fatal("Connect against a non-websocket endpoint should fail")
	}
}

// ── Outgoing audio ─────────────────────────────────────────────────────────────

func TestSendAudio_EncodesFrame(t *testing.T) {
	t.Parallel()

	type appendMsg struct {
		Type  string `json:"type"`
		Audio string `json:"audio"`
	}
	received := make(chan appendMsg, 1)
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		consumeSessionUpdate(t, conn)
		var msg appendMsg
		readJSON(t, conn, &msg)
		received <- msg
		<-conn.CloseRead(context.Background()).Done()
	})

	sess := connect(t, srv, manualVad())

	wantPCM := []byte{0x01, 0x02, 0x03, 0x04}
	if err := sess.SendAudio(wantPCM); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	select {
	case msg := <-received:
		if msg.Type != "input_audio_buffer.append" {
			t.Errorf("type = %q; want input_audio_buffer.append", msg.Type)
		}
		got, err := base64.StdEncoding.DecodeString(msg.Audio)
		if err != nil {
			t.Fatalf("base64 decode: %v", err)
		}
		if string(got) != string(wantPCM) {
			t.Errorf("decoded audio = %v; want %v", got, wantPCM)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for audio append")
	}
}

func TestSendAudio_NeverBlocksAndDeliversNewest(t *testing.T) {
	t.Parallel()

	const frames = 200
	received := make(chan []uint32, 1)

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		consumeSessionUpdate(t, conn)
		// Let the client race ahead so the single-slot buffer has to evict.
		time.Sleep(50 * time.Millisecond)

		var seqs []uint32
		for {
			var msg struct {
				Type  string `json:"type"`
				Audio string `json:"audio"`
			}
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			_, data, err := conn.Read(ctx)
			cancel()
			if err != nil {
				break
			}
			if json.Unmarshal(data, &msg) != nil || msg.Type != "input_audio_buffer.append" {
				continue
			}
			pcm, err := base64.StdEncoding.DecodeString(msg.Audio)
			if err != nil || len(pcm) < 4 {
				continue
			}
			seq := binary.LittleEndian.Uint32(pcm)
			seqs = append(seqs, seq)
			if seq == frames-1 {
				break
			}
		}
		received <- seqs
		<-conn.CloseRead(context.Background()).Done()
	})

	sess := connect(t, srv, manualVad())

	start := time.Now()
	for i := uint32(0); i < frames; i++ {
		frame := make([]byte, 4)
		binary.LittleEndian.PutUint32(frame, i)
		if err := sess.SendAudio(frame); err != nil {
			t.Fatalf("SendAudio(%d): %v", i, err)
		}
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("flooding %d frames took %v; SendAudio must not block on transport", frames, elapsed)
	}

	select {
	case seqs := <-received:
		if len(seqs) == 0 {
			t.Fatal("server received no frames")
		}
		if last := seqs[len(seqs)-1]; last != frames-1 {
			t.Errorf("newest frame %d never arrived (last seen %d)", frames-1, last)
		}
		for i := 1; i < len(seqs); i++ {
			if seqs[i] <= seqs[i-1] {
				t.Fatalf("frame order violated: %d after %d", seqs[i], seqs[i-1])
			}
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for flooded frames")
	}
}

// ── Text and turn signals ──────────────────────────────────────────────────────

func TestSendText_CreatesItemAndRequestsResponse(t *testing.T) {
	t.Parallel()

	type itemMsg struct {
		Type string `json:"type"`
		Item struct {
			Type    string `json:"type"`
			Role    string `json:"role"`
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
		} `json:"item"`
	}
	items := make(chan itemMsg, 1)
	follows := make(chan string, 1)
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		consumeSessionUpdate(t, conn)
		var item itemMsg
		readJSON(t, conn, &item)
		items <- item
		var follow typedMsg
		readJSON(t, conn, &follow)
		follows <- follow.Type
		<-conn.CloseRead(context.Background()).Done()
	})

	sess := connect(t, srv, manualVad())
	if err := sess.SendText("roll for initiative"); err != nil {
		t.Fatalf("SendText: %v", err)
	}

	item := <-items
	if item.Type != "conversation.item.create" {
		t.Errorf("type = %q; want conversation.item.create", item.Type)
	}
	if item.Item.Role != "user" || item.Item.Type != "message" {
		t.Errorf("item = %+v", item.Item)
	}
	if len(item.Item.Content) != 1 ||
		item.Item.Content[0].Type != "input_text" ||
		item.Item.Content[0].Text != "roll for initiative" {
		t.Errorf("content = %+v", item.Item.Content)
	}
	if follow := <-follows; follow != "response.create" {
		t.Errorf("follow-up type = %q; want response.create", follow)
	}
}

func TestEndTurn_ManualModeCommitsAndRequestsResponse(t *testing.T) {
	t.Parallel()

	types := make(chan string, 2)
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		consumeSessionUpdate(t, conn)
		for i := 0; i < 2; i++ {
			var msg typedMsg
			readJSON(t, conn, &msg)
			types <- msg.Type
		}
		<-conn.CloseRead(context.Background()).Done()
	})

	sess := connect(t, srv, manualVad())
	if err := sess.EndTurn(false); err != nil {
		t.Fatalf("EndTurn: %v", err)
	}

	if got := <-types; got != "input_audio_buffer.commit" {
		t.Errorf("first event = %q; want input_audio_buffer.commit", got)
	}
	if got := <-types; got != "response.create" {
		t.Errorf("second event = %q; want response.create", got)
	}
}

func TestEndTurn_ServerModeSuppressedUnlessForced(t *testing.T) {
	t.Parallel()

	// Every post-setup event type is recorded in order; the typed text acts
	// as a marker proving the unforced EndTurn wrote nothing before it.
	types := make(chan string, 4)
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		consumeSessionUpdate(t, conn)
		for i := 0; i < 4; i++ {
			var msg typedMsg
			readJSON(t, conn, &msg)
			types <- msg.Type
		}
		<-conn.CloseRead(context.Background()).Done()
	})

	sess := connect(t, srv, serverVad())

	// Unforced: must be a silent no-op on the wire.
	if err := sess.EndTurn(false); err != nil {
		t.Fatalf("EndTurn(false): %v", err)
	}
	if err := sess.SendText("marker"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	// Forced: must reach the wire even in server mode.
	if err := sess.EndTurn(true); err != nil {
		t.Fatalf("EndTurn(true): %v", err)
	}

	want := []string{
		"conversation.item.create",
		"response.create",
		"input_audio_buffer.commit",
		"response.create",
	}
	for i, w := range want {
		select {
		case got := <-types:
			if got != w {
				t.Fatalf("event %d = %q; want %q", i, got, w)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("timeout waiting for event %d (%q)", i, w)
		}
	}
}

func TestInterrupt_SendsResponseCancel(t *testing.T) {
	t.Parallel()

	types := make(chan string, 1)
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		consumeSessionUpdate(t, conn)
		var msg typedMsg
		readJSON(t, conn, &msg)
		types <- msg.Type
		<-conn.CloseRead(context.Background()).Done()
	})

	sess := connect(t, srv, serverVad())
	if err := sess.Interrupt(); err != nil {
		t.Fatalf("Interrupt: %v", err)
	}

	if got := <-types; got != "response.cancel" {
		t.Errorf("event = %q; want response.cancel", got)
	}
}

// ── Incoming events ────────────────────────────────────────────────────────────

func TestEvents_TranslatesSpeechAndResponseLifecycle(t *testing.T) {
	t.Parallel()

	wantPCM := []byte{0xAA, 0xBB, 0xCC, 0xDD}
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		consumeSessionUpdate(t, conn)
		writeJSON(t, conn, map[string]any{"type": "input_audio_buffer.speech_started"})
		writeJSON(t, conn, map[string]any{"type": "input_audio_buffer.speech_stopped"})
		writeJSON(t, conn, map[string]any{"type": "response.created"})
		writeJSON(t, conn, map[string]any{
			"type":  "response.audio.delta",
			"delta": base64.StdEncoding.EncodeToString(wantPCM),
		})
		writeJSON(t, conn, map[string]any{"type": "response.done"})
		<-conn.CloseRead(context.Background()).Done()
	})

	sess := connect(t, srv, serverVad())

	if _, ok := nextEvent(t, sess).(realtime.SpeechStarted); !ok {
		t.Fatal("speech_started must translate to SpeechStarted")
	}
	if _, ok := nextEvent(t, sess).(realtime.SpeechEnded); !ok {
		t.Fatal("speech_stopped must translate to SpeechEnded")
	}
	if _, ok := nextEvent(t, sess).(realtime.ResponseStarted); !ok {
		t.Fatal("response.created must translate to ResponseStarted")
	}
	chunk, ok := nextEvent(t, sess).(realtime.AudioChunk)
	if !ok {
		t.Fatal("expected AudioChunk")
	}
	if string(chunk.Data) != string(wantPCM) {
		t.Errorf("audio chunk = %v; want %v", chunk.Data, wantPCM)
	}
	if _, ok := nextEvent(t, sess).(realtime.ResponseEnded); !ok {
		t.Fatal("response.done must translate to ResponseEnded")
	}
}

func TestEvents_TranscriptDeltasAccumulateIntoFinal(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		consumeSessionUpdate(t, conn)
		writeJSON(t, conn, map[string]any{"type": "response.audio_transcript.delta", "delta": "The dragon "})
		writeJSON(t, conn, map[string]any{"type": "response.audio_transcript.delta", "delta": "wakes."})
		writeJSON(t, conn, map[string]any{"type": "response.audio_transcript.done"})
		writeJSON(t, conn, map[string]any{
			"type":       "conversation.item.input_audio_transcription.completed",
			"transcript": "tell me about the dragon",
		})
		<-conn.CloseRead(context.Background()).Done()
	})

	sess := connect(t, srv, serverVad())

	first, ok := nextEvent(t, sess).(realtime.Transcript)
	if !ok || first.Final || first.Role != realtime.RoleModel || first.Text != "The dragon " {
		t.Fatalf("unexpected first delta: %+v", first)
	}
	second, ok := nextEvent(t, sess).(realtime.Transcript)
	if !ok || second.Final || second.Text != "wakes." {
		t.Fatalf("unexpected second delta: %+v", second)
	}
	final, ok := nextEvent(t, sess).(realtime.Transcript)
	if !ok || !final.Final || final.Role != realtime.RoleModel || final.Text != "The dragon wakes." {
		t.Fatalf("unexpected final model transcript: %+v", final)
	}
	user, ok := nextEvent(t, sess).(realtime.Transcript)
	if !ok || !user.Final || user.Role != realtime.RoleUser || user.Text != "tell me about the dragon" {
		t.Fatalf("unexpected user transcript: %+v", user)
	}
}

func TestEvents_CancelledTranslatesToInterrupted(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		consumeSessionUpdate(t, conn)
		writeJSON(t, conn, map[string]any{"type": "response.cancelled"})
		<-conn.CloseRead(context.Background()).Done()
	})

	sess := connect(t, srv, serverVad())
	if _, ok := nextEvent(t, sess).(realtime.Interrupted); !ok {
		t.Fatal("response.cancelled must translate to Interrupted")
	}
}

// ── Error events ───────────────────────────────────────────────────────────────

// A barge-in whose cancel lands just after the response completed on its own
// draws a response_cancel_not_active error from the server. That race is
// routine and must not take the session down.
func TestCancelAfterDoneRace_SessionSurvives(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		consumeSessionUpdate(t, conn)

		// The response finishes on its own while the client decides to cancel.
		writeJSON(t, conn, map[string]any{"type": "response.created"})
		writeJSON(t, conn, map[string]any{"type": "response.done"})

		// Our cancel arrives late; the server rejects it.
		var msg typedMsg
		readJSON(t, conn, &msg)
		if msg.Type == "response.cancel" {
			writeJSON(t, conn, map[string]any{
				"type": "error",
				"error": map[string]any{
					"type":    "invalid_request_error",
					"code":    "response_cancel_not_active",
					"message": "Cancellation failed: no active response found",
				},
			})
		}

		// The conversation carries on with a fresh response.
		writeJSON(t, conn, map[string]any{"type": "response.created"})
		writeJSON(t, conn, map[string]any{"type": "response.done"})
		<-conn.CloseRead(context.Background()).Done()
	})

	sess := connect(t, srv, serverVad())

	if _, ok := nextEvent(t, sess).(realtime.ResponseStarted); !ok {
		t.Fatal("expected first ResponseStarted")
	}
	if _, ok := nextEvent(t, sess).(realtime.ResponseEnded); !ok {
		t.Fatal("expected first ResponseEnded")
	}

	if err := sess.Interrupt(); err != nil {
		t.Fatalf("Interrupt: %v", err)
	}

	// The next events must be the follow-up response, not SessionError.
	ev := nextEvent(t, sess)
	if _, bad := ev.(realtime.SessionError); bad {
		t.Fatal("a late response.cancel must not surface as SessionError")
	}
	if _, ok := ev.(realtime.ResponseStarted); !ok {
		t.Fatalf("expected the follow-up ResponseStarted, got %T", ev)
	}
	if _, ok := nextEvent(t, sess).(realtime.ResponseEnded); !ok {
		t.Fatal("expected the follow-up ResponseEnded")
	}
	if sess.Err() != nil {
		t.Errorf("Err() = %v; a recovered race must leave the session healthy", sess.Err())
	}
}

func TestEmptyCommitError_SessionSurvives(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		consumeSessionUpdate(t, conn)
		writeJSON(t, conn, map[string]any{
			"type": "error",
			"error": map[string]any{
				"type":    "invalid_request_error",
				"code":    "input_audio_buffer_commit_empty",
				"message": "Error committing input audio buffer: the buffer is empty.",
			},
		})
		writeJSON(t, conn, map[string]any{"type": "response.created"})
		<-conn.CloseRead(context.Background()).Done()
	})

	sess := connect(t, srv, serverVad())

	ev := nextEvent(t, sess)
	if _, bad := ev.(realtime.SessionError); bad {
		t.Fatal("an empty-commit error must not surface as SessionError")
	}
	if _, ok := ev.(realtime.ResponseStarted); !ok {
		t.Fatalf("expected ResponseStarted after the swallowed error, got %T", ev)
	}
}

func TestServerError_FatalEmitsSessionError(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		consumeSessionUpdate(t, conn)
		writeJSON(t, conn, map[string]any{
			"type": "error",
			"error": map[string]any{
				"type":    "invalid_request_error",
				"code":    "session_expired",
				"message": "Your session hit the maximum duration",
			},
		})
		<-conn.CloseRead(context.Background()).Done()
	})

	sess := connect(t, srv, serverVad())

	ev, ok := nextEvent(t, sess).(realtime.SessionError)
	if !ok {
		t.Fatal("expected SessionError for a non-recoverable server error")
	}
	if !strings.Contains(ev.Err.Error(), "maximum duration") {
		t.Errorf("error = %v; want it to carry the server message", ev.Err)
	}
}

// ── Teardown ───────────────────────────────────────────────────────────────────

func TestConnectionDrop_EmitsSessionErrorAndClosesEvents(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		consumeSessionUpdate(t, conn)
		conn.Close(websocket.StatusInternalError, "going away")
	})

	sess := connect(t, srv, serverVad())

	if _, ok := nextEvent(t, sess).(realtime.SessionError); !ok {
		t.Fatal("a dropped connection must surface as SessionError")
	}
	select {
	case _, ok := <-sess.Events():
		if ok {
			t.Error("no further events expected after the terminal error")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("events channel did not close after the terminal error")
	}
	if sess.Err() == nil {
		t.Error("Err() should report the terminal error")
	}
}

func TestClose_Idempotent(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		consumeSessionUpdate(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	sess := connect(t, srv, manualVad())

	if err := sess.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := sess.SendAudio([]byte{1, 2}); err == nil {
		t.Error("SendAudio after Close should return an error")
	}
	if err := sess.Interrupt(); err == nil {
		t.Error("Interrupt after Close should return an error")
	}
}

func TestCapabilities_NonEmpty(t *testing.T) {
	t.Parallel()

	caps := openai.New("key").Capabilities()
	if caps.MaxSessionDurationMs == 0 {
		t.Error("MaxSessionDurationMs should be non-zero")
	}
	if !caps.SupportsServerVAD {
		t.Error("the Realtime API supports server VAD")
	}
	if len(caps.Voices) == 0 {
		t.Error("Voices should be non-empty")
	}
}
