package gemini_test

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/livecall/pkg/audio"
	"github.com/MrWong99/livecall/pkg/provider/s2s"
	"github.com/MrWong99/livecall/pkg/provider/s2s/gemini"
	"github.com/MrWong99/livecall/pkg/types"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startGeminiServer launches a test WebSocket server. The handler function
// receives the accepted *websocket.Conn. The server is automatically closed
// when the test finishes.
func startGeminiServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
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
		t.Errorf("readJSON: %v", err)
		return
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Errorf("readJSON unmarshal: %v", err)
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

// acceptSetup reads the setup message and acknowledges it.
func acceptSetup(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	var setup map[string]any
	readJSON(t, conn, &setup)
	writeJSON(t, conn, map[string]any{"setupComplete": map[string]any{}})
}

// discard reads and drops client messages until the connection closes.
func discard(conn *websocket.Conn) {
	for {
		if _, _, err := conn.Read(context.Background()); err != nil {
			return
		}
	}
}

func audioMessage(pcm []byte) map[string]any {
	return map[string]any{
		"serverContent": map[string]any{
			"modelTurn": map[string]any{
				"parts": []any{map[string]any{
					"inlineData": map[string]any{
						"mimeType": "audio/pcm;rate=24000",
						"data":     base64.StdEncoding.EncodeToString(pcm),
					},
				}},
			},
		},
	}
}

func serverContent(fields map[string]any) map[string]any {
	return map[string]any{"serverContent": fields}
}

// newTransport creates a transport pointing at the given test server.
func newTransport(srv *httptest.Server, opts ...s2s.DuplexOption) s2s.Transport {
	opts = append([]s2s.DuplexOption{s2s.WithKeepalive(0)}, opts...)
	p := gemini.New("test-api-key",
		gemini.WithBaseURL(wsURL(srv)),
		gemini.WithTransportOptions(opts...),
	)
	return p.NewTransport()
}

// recorder collects transport callbacks.
type recorder struct {
	mu          sync.Mutex
	frames      []audio.AudioFrame
	controls    []s2s.ControlMessage
	transcripts []types.Transcript
	events      chan string
}

func newRecorder(tr s2s.Transport) *recorder {
	r := &recorder{events: make(chan string, 256)}
	tr.OnAudio(func(f audio.AudioFrame) {
		r.mu.Lock()
		r.frames = append(r.frames, f)
		r.mu.Unlock()
		r.events <- "audio"
	})
	tr.OnControl(func(m s2s.ControlMessage) {
		r.mu.Lock()
		r.controls = append(r.controls, m)
		r.mu.Unlock()
		r.events <- m.Kind.String()
	})
	tr.OnTranscript(func(tx types.Transcript) {
		r.mu.Lock()
		r.transcripts = append(r.transcripts, tx)
		r.mu.Unlock()
		r.events <- "transcript"
	})
	return r
}

// waitFor consumes events until one equal to want arrives.
func (r *recorder) waitFor(t *testing.T, want string) {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev := <-r.events:
			if ev == want {
				return
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %q", want)
		}
	}
}

// ── Provider ──────────────────────────────────────────────────────────────────

func TestCapabilities(t *testing.T) {
	t.Parallel()
	caps := gemini.New("key").Capabilities()
	if caps.InputFormat.SampleRate != 16000 || caps.OutputFormat.SampleRate != 24000 {
		t.Errorf("formats = %s / %s", caps.InputFormat, caps.OutputFormat)
	}
	found := false
	for _, v := range caps.Voices {
		if v == "Aoede" {
			found = true
		}
	}
	if !found {
		t.Errorf("Aoede missing from voices %v", caps.Voices)
	}
}

// ── Connect ───────────────────────────────────────────────────────────────────

func TestConnect_SendsSetupAndWaitsForReady(t *testing.T) {
	t.Parallel()

	type setupMsg struct {
		Setup struct {
			Model            string `json:"model"`
			GenerationConfig struct {
				ResponseModalities []string `json:"responseModalities"`
				SpeechConfig       struct {
					LanguageCode string `json:"languageCode"`
					VoiceConfig  struct {
						PrebuiltVoiceConfig struct {
							VoiceName string `json:"voiceName"`
						} `json:"prebuiltVoiceConfig"`
					} `json:"voiceConfig"`
				} `json:"speechConfig"`
			} `json:"generationConfig"`
			SystemInstruction struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"systemInstruction"`
		} `json:"setup"`
	}
	setupCh := make(chan setupMsg, 1)
	keyCh := make(chan string, 1)

	srv := startGeminiServer(t, func(conn *websocket.Conn, r *http.Request) {
		keyCh <- r.URL.Query().Get("key")
		var msg setupMsg
		readJSON(t, conn, &msg)
		setupCh <- msg
		writeJSON(t, conn, map[string]any{"setupComplete": map[string]any{}})
		<-conn.CloseRead(context.Background()).Done()
	})

	p := gemini.New("secret",
		gemini.WithBaseURL(wsURL(srv)),
		gemini.WithModel("custom-model"),
		gemini.WithInstructions("Qualify the lead."),
		gemini.WithTransportOptions(s2s.WithKeepalive(0)),
	)
	tr := p.NewTransport()
	if err := tr.Connect(context.Background(), types.VoiceConfig{VoiceName: "Aoede", LanguageCode: "es-ES"}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer tr.Close()

	if key := <-keyCh; key != "secret" {
		t.Errorf("api key = %q, want %q", key, "secret")
	}
	msg := <-setupCh
	if msg.Setup.Model != "models/custom-model" {
		t.Errorf("model = %q", msg.Setup.Model)
	}
	gc := msg.Setup.GenerationConfig
	if len(gc.ResponseModalities) != 1 || gc.ResponseModalities[0] != "audio" {
		t.Errorf("responseModalities = %v", gc.ResponseModalities)
	}
	if v := gc.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName; v != "Aoede" {
		t.Errorf("voiceName = %q, want Aoede", v)
	}
	if l := gc.SpeechConfig.LanguageCode; l != "es-ES" {
		t.Errorf("languageCode = %q, want es-ES", l)
	}
	if parts := msg.Setup.SystemInstruction.Parts; len(parts) != 1 || parts[0].Text != "Qualify the lead." {
		t.Errorf("systemInstruction = %+v", parts)
	}
}

func TestConnect_Unauthorized(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad key", http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	err := newTransport(srv).Connect(context.Background(), types.VoiceConfig{})
	if !errors.Is(err, s2s.ErrUnauthorized) {
		t.Fatalf("Connect = %v, want ErrUnauthorized", err)
	}
}

func TestConnect_Unreachable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	url := wsURL(srv)
	srv.Close()

	p := gemini.New("key", gemini.WithBaseURL(url))
	start := time.Now()
	if err := p.NewTransport().Connect(context.Background(), types.VoiceConfig{}); err == nil {
		t.Fatal("Connect succeeded against a closed server")
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("Connect took %v to fail", elapsed)
	}
}

func TestConnect_ErrorBeforeReady(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var setup map[string]any
		readJSON(t, conn, &setup)
		writeJSON(t, conn, map[string]any{"error": map[string]any{"code": 400, "message": "unknown voice"}})
		<-conn.CloseRead(context.Background()).Done()
	})

	err := newTransport(srv).Connect(context.Background(), types.VoiceConfig{VoiceName: "Nobody"})
	if err == nil || !strings.Contains(err.Error(), "unknown voice") {
		t.Fatalf("Connect = %v, want error mentioning the server message", err)
	}
}

func TestConnect_TimesOutWithoutReady(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var setup map[string]any
		readJSON(t, conn, &setup)
		<-conn.CloseRead(context.Background()).Done()
	})

	tr := newTransport(srv, s2s.WithConnectTimeout(150*time.Millisecond))
	err := tr.Connect(context.Background(), types.VoiceConfig{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Connect = %v, want deadline exceeded", err)
	}
	if err := tr.SendAudio(audio.AudioFrame{}); !errors.Is(err, s2s.ErrClosed) {
		t.Errorf("SendAudio after failed connect = %v, want ErrClosed", err)
	}
}

func TestConnect_Twice(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})
	tr := newTransport(srv)
	if err := tr.Connect(context.Background(), types.VoiceConfig{}); err != nil {
		t.Fatal(err)
	}
	defer tr.Close()
	if err := tr.Connect(context.Background(), types.VoiceConfig{}); !errors.Is(err, s2s.ErrAlreadyConnected) {
		t.Errorf("second Connect = %v, want ErrAlreadyConnected", err)
	}
}

// ── SendAudio ─────────────────────────────────────────────────────────────────

func TestSendAudio_NotConnected(t *testing.T) {
	t.Parallel()
	tr := gemini.New("key").NewTransport()
	if err := tr.SendAudio(audio.AudioFrame{Data: []byte{1, 2}}); !errors.Is(err, s2s.ErrNotConnected) {
		t.Fatalf("SendAudio = %v, want ErrNotConnected", err)
	}
}

// seqPayload encodes a sequence number as the frame payload so the server can
// verify wire order.
func seqPayload(seq uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, seq)
	return b
}

type mediaMsg struct {
	RealtimeInput struct {
		MediaChunks []struct {
			MIMEType string `json:"mimeType"`
			Data     string `json:"data"`
		} `json:"mediaChunks"`
	} `json:"realtimeInput"`
}

func TestSendAudio_SingleWriterPreservesOrder(t *testing.T) {
	t.Parallel()

	const total = 200
	var (
		mu   sync.Mutex
		seqs []uint64
	)
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		for {
			_, data, err := conn.Read(context.Background())
			if err != nil {
				return
			}
			var msg mediaMsg
			if err := json.Unmarshal(data, &msg); err != nil {
				t.Errorf("interleaved or corrupt message: %v", err)
				return
			}
			chunk := msg.RealtimeInput.MediaChunks[0]
			if chunk.MIMEType != "audio/pcm;rate=16000" {
				t.Errorf("mimeType = %q", chunk.MIMEType)
			}
			raw, _ := base64.StdEncoding.DecodeString(chunk.Data)
			mu.Lock()
			seqs = append(seqs, binary.LittleEndian.Uint64(raw))
			mu.Unlock()
		}
	})

	tr := newTransport(srv)
	if err := tr.Connect(context.Background(), types.VoiceConfig{}); err != nil {
		t.Fatal(err)
	}
	defer tr.Close()

	var (
		next     atomic.Uint64
		accepted atomic.Int64
		wg       sync.WaitGroup
	)
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				seq := next.Add(1) - 1
				if seq >= total {
					return
				}
				err := tr.SendAudio(audio.AudioFrame{Sequence: seq, Data: seqPayload(seq), SampleRate: 16000, Channels: 1})
				switch {
				case err == nil:
					accepted.Add(1)
				case errors.Is(err, s2s.ErrOutOfOrder):
				default:
					t.Errorf("SendAudio(%d): %v", seq, err)
				}
			}
		}()
	}
	wg.Wait()

	deadline := time.Now().Add(5 * time.Second)
	for {
		mu.Lock()
		n := len(seqs)
		mu.Unlock()
		if int64(n) == accepted.Load() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("server saw %d frames, transport accepted %d", n, accepted.Load())
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seqs) == 0 {
		t.Fatal("no frames accepted")
	}
	for i := 1; i < len(seqs); i++ {
		if seqs[i] <= seqs[i-1] {
			t.Fatalf("wire order violated at %d: %d after %d", i, seqs[i], seqs[i-1])
		}
	}
}

func TestSendAudio_RejectsNonIncreasingSequence(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		discard(conn)
	})
	tr := newTransport(srv)
	if err := tr.Connect(context.Background(), types.VoiceConfig{}); err != nil {
		t.Fatal(err)
	}
	defer tr.Close()

	if err := tr.SendAudio(audio.AudioFrame{Sequence: 3, Data: []byte{0, 0}}); err != nil {
		t.Fatal(err)
	}
	if err := tr.SendAudio(audio.AudioFrame{Sequence: 3, Data: []byte{0, 0}}); !errors.Is(err, s2s.ErrOutOfOrder) {
		t.Errorf("duplicate sequence = %v, want ErrOutOfOrder", err)
	}
}

// ── Inbound demultiplexing ────────────────────────────────────────────────────

func TestInbound_AudioTurnsAndControlsInWireOrder(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		writeJSON(t, conn, audioMessage([]byte{1, 0}))
		writeJSON(t, conn, audioMessage([]byte{2, 0}))
		writeJSON(t, conn, serverContent(map[string]any{"turnComplete": true}))
		writeJSON(t, conn, audioMessage([]byte{3, 0}))
		writeJSON(t, conn, serverContent(map[string]any{"interrupted": true}))
		writeJSON(t, conn, audioMessage([]byte{4, 0}))
		writeJSON(t, conn, serverContent(map[string]any{"turnComplete": true}))
		<-conn.CloseRead(context.Background()).Done()
	})

	tr := newTransport(srv)
	rec := newRecorder(tr)
	if err := tr.Connect(context.Background(), types.VoiceConfig{}); err != nil {
		t.Fatal(err)
	}
	defer tr.Close()

	var order []string
	timeout := time.After(3 * time.Second)
	for len(order) < 8 {
		select {
		case ev := <-rec.events:
			order = append(order, ev)
		case <-timeout:
			t.Fatalf("timed out; got %v", order)
		}
	}
	want := []string{"ready", "audio", "audio", "turn_complete", "audio", "interrupted", "audio", "turn_complete"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("event order = %v, want %v", order, want)
		}
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	wantTurns := []uint64{0, 0, 1, 2}
	for i, f := range rec.frames {
		if f.Sequence != uint64(i) {
			t.Errorf("frame %d: sequence %d", i, f.Sequence)
		}
		if f.Turn != wantTurns[i] {
			t.Errorf("frame %d: turn %d, want %d", i, f.Turn, wantTurns[i])
		}
		if f.SampleRate != 24000 || f.Channels != 1 {
			t.Errorf("frame %d: format %s", i, f.Format())
		}
		if f.Data[0] != byte(i+1) {
			t.Errorf("frame %d: payload %v", i, f.Data)
		}
	}
}

func TestInbound_TranscriptsFlushOnTurnComplete(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		writeJSON(t, conn, serverContent(map[string]any{"inputTranscription": map[string]any{"text": "Hola, "}}))
		writeJSON(t, conn, serverContent(map[string]any{"inputTranscription": map[string]any{"text": "buenos días"}}))
		writeJSON(t, conn, serverContent(map[string]any{"outputTranscription": map[string]any{"text": "¡Hola!"}}))
		writeJSON(t, conn, serverContent(map[string]any{"turnComplete": true}))
		<-conn.CloseRead(context.Background()).Done()
	})

	tr := newTransport(srv)
	rec := newRecorder(tr)
	if err := tr.Connect(context.Background(), types.VoiceConfig{}); err != nil {
		t.Fatal(err)
	}
	defer tr.Close()
	rec.waitFor(t, "turn_complete")

	rec.mu.Lock()
	defer rec.mu.Unlock()
	var finals []types.Transcript
	for _, tx := range rec.transcripts {
		if tx.Final {
			finals = append(finals, tx)
		}
	}
	if len(rec.transcripts) != 5 || len(finals) != 2 {
		t.Fatalf("transcripts = %+v", rec.transcripts)
	}
	if finals[0].Role != types.RoleUser || finals[0].Text != "Hola, buenos días" {
		t.Errorf("user final = %+v", finals[0])
	}
	if finals[1].Role != types.RoleAgent || finals[1].Text != "¡Hola!" {
		t.Errorf("agent final = %+v", finals[1])
	}
}

func TestInbound_ErrorAfterReady(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		writeJSON(t, conn, map[string]any{"error": map[string]any{"code": 500, "message": "internal"}})
		<-conn.CloseRead(context.Background()).Done()
	})

	tr := newTransport(srv)
	rec := newRecorder(tr)
	if err := tr.Connect(context.Background(), types.VoiceConfig{}); err != nil {
		t.Fatal(err)
	}
	defer tr.Close()
	rec.waitFor(t, "error")

	rec.mu.Lock()
	defer rec.mu.Unlock()
	last := rec.controls[len(rec.controls)-1]
	if last.ErrKind != types.KindTransport || !strings.Contains(last.Message, "internal") {
		t.Errorf("error control = %+v", last)
	}
}

func TestInbound_GoAwayEndsSession(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		writeJSON(t, conn, map[string]any{"goAway": map[string]any{"timeLeft": "5s"}})
		<-conn.CloseRead(context.Background()).Done()
	})

	tr := newTransport(srv)
	rec := newRecorder(tr)
	if err := tr.Connect(context.Background(), types.VoiceConfig{}); err != nil {
		t.Fatal(err)
	}
	defer tr.Close()
	rec.waitFor(t, "session_end")
}

func TestInbound_RemoteCloseEndsSession(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		conn.Close(websocket.StatusNormalClosure, "bye")
	})

	tr := newTransport(srv)
	rec := newRecorder(tr)
	if err := tr.Connect(context.Background(), types.VoiceConfig{}); err != nil {
		t.Fatal(err)
	}
	defer tr.Close()
	rec.waitFor(t, "session_end")
}

func TestInbound_AbnormalDropIsTransportError(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		conn.Close(websocket.StatusInternalError, "crash")
	})

	tr := newTransport(srv)
	rec := newRecorder(tr)
	if err := tr.Connect(context.Background(), types.VoiceConfig{}); err != nil {
		t.Fatal(err)
	}
	defer tr.Close()
	rec.waitFor(t, "error")
}

// ── Close ─────────────────────────────────────────────────────────────────────

func TestClose_NoCallbacksAfterReturn(t *testing.T) {
	t.Parallel()

	closed := make(chan struct{})
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		<-closed
		for range 10 {
			writeJSON(t, conn, audioMessage([]byte{9, 9}))
		}
	})

	tr := newTransport(srv, s2s.WithCloseTimeout(200*time.Millisecond))
	rec := newRecorder(tr)
	if err := tr.Connect(context.Background(), types.VoiceConfig{}); err != nil {
		t.Fatal(err)
	}
	rec.waitFor(t, "ready")

	if err := tr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	close(closed)
	time.Sleep(100 * time.Millisecond)

	rec.mu.Lock()
	n := len(rec.frames)
	rec.mu.Unlock()
	if n != 0 {
		t.Errorf("%d audio callbacks after Close", n)
	}
	if err := tr.SendAudio(audio.AudioFrame{Sequence: 1}); !errors.Is(err, s2s.ErrClosed) {
		t.Errorf("SendAudio after Close = %v, want ErrClosed", err)
	}
	if err := tr.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestClose_BoundedAgainstUnresponsiveRemote(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		<-release // never reads again, so the close handshake never completes
	})
	t.Cleanup(func() { close(release) })

	tr := newTransport(srv, s2s.WithCloseTimeout(200*time.Millisecond))
	if err := tr.Connect(context.Background(), types.VoiceConfig{}); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	_ = tr.Close()
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Close took %v against an unresponsive remote", elapsed)
	}
}
