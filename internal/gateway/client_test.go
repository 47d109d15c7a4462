package gateway

import (
	"bytes"
	"compress/zlib"
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/luciancaetano/kephasgate"
	"github.com/luciancaetano/kephasgate/internal/protocol"
)

// TestConnectIdentifiesAndHeartbeats tests the handshake and the first beat
func TestConnectIdentifiesAndHeartbeats(t *testing.T) {
	t.Parallel()

	s := newScriptedTransport()
	c := newTestClient(t, s, func(cfg *Config) {
		cfg.Rand = func() float64 { return 0 }
	})

	opts := &kephasgate.ConnectOptions{
		Presence: &protocol.Presence{Status: protocol.StatusIdle},
		Shard:    &protocol.Shard{ID: 1, Count: 4},
	}
	if err := c.Connect(context.Background(), testURL, opts); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	identify := s.waitWrites(t, protocol.OpIdentify, 1)[0]
	var body struct {
		Token          string           `json:"token"`
		Compress       bool             `json:"compress"`
		LargeThreshold int              `json:"large_threshold"`
		Shard          [2]int           `json:"shard"`
		Intents        protocol.Intents `json:"intents"`
		Presence       struct {
			Status     string `json:"status"`
			Activities []any  `json:"activities"`
		} `json:"presence"`
	}
	if err := json.Unmarshal(identify.d, &body); err != nil {
		t.Fatalf("identify body: %v", err)
	}
	if body.Token != "secret" {
		t.Errorf("token = %q, want secret", body.Token)
	}
	if body.Compress {
		t.Error("compress = true, want false")
	}
	if body.LargeThreshold != DefaultLargeThreshold {
		t.Errorf("large_threshold = %d, want %d", body.LargeThreshold, DefaultLargeThreshold)
	}
	if body.Shard != [2]int{1, 4} {
		t.Errorf("shard = %v, want [1 4]", body.Shard)
	}
	if body.Intents != protocol.IntentGuilds|protocol.IntentGuildMessages {
		t.Errorf("intents = %d", body.Intents)
	}
	if body.Presence.Status != "idle" || body.Presence.Activities == nil {
		t.Errorf("presence = %+v", body.Presence)
	}

	beat := s.waitWrites(t, protocol.OpHeartbeat, 1)[0]
	if string(beat.d) != "0" {
		t.Errorf("heartbeat d = %s, want 0", beat.d)
	}
	if string(beat.raw) != `{"op":1,"d":0}` {
		t.Errorf("heartbeat = %s", beat.raw)
	}

	if got := c.State(); got != kephasgate.StateConnected {
		t.Errorf("State() = %s, want connected", got)
	}
	if sess := c.Session(); sess.Shard == nil || sess.Shard.ID != 1 {
		t.Errorf("Session().Shard = %v", sess.Shard)
	}
}

// TestConnectRejectsNonHello tests that a bad first frame fails Connect
func TestConnectRejectsNonHello(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		first    kephasgate.Frame
		recovery string
	}{
		{"dispatch", dispatchFrame(1, "MESSAGE_CREATE"), "reconnect"},
		{"malformed", textFrame(`{"d":1}`), "reconnect"},
		{"hello without interval", textFrame(`{"op":10,"d":{}}`), "reconnect"},
		{"resumable close", kephasgate.CloseFrame(kephasgate.CloseSessionTimedOut, ""), "resume"},
		{"fatal close", kephasgate.CloseFrame(kephasgate.CloseAuthenticationFailed, "bad token"), "fatal"},
		{"abnormal closure", kephasgate.ErrorFrame(kephasgate.ErrAbnormalClosure), "resume"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			s := newScriptedTransport()
			s.onDial = func(string) []kephasgate.Frame { return []kephasgate.Frame{tt.first} }
			c := newTestClient(t, s)

			err := c.Connect(context.Background(), testURL, nil)
			if !errors.Is(err, kephasgate.ErrHandshake) {
				t.Fatalf("Connect() error = %v, want ErrHandshake", err)
			}
			var herr *kephasgate.HandshakeError
			if !errors.As(err, &herr) {
				t.Fatalf("Connect() error type = %T", err)
			}
			if herr.Recovery != tt.recovery {
				t.Errorf("Recovery = %q, want %q", herr.Recovery, tt.recovery)
			}
			if c.epoch != nil {
				t.Error("epoch started after failed handshake")
			}
			if got := c.State(); got != kephasgate.StateDisconnected {
				t.Errorf("State() = %s, want disconnected", got)
			}

			time.Sleep(30 * time.Millisecond)
			if w := s.allWrites(); len(w) != 0 {
				t.Errorf("writes after failed handshake = %d, want 0", len(w))
			}
			if codes := s.closeCodes(); len(codes) != 1 || codes[0] != kephasgate.CloseNormal {
				t.Errorf("close codes = %v, want [1000]", codes)
			}
		})
	}
}

// TestConnectDialFailure tests that a dial error is returned
func TestConnectDialFailure(t *testing.T) {
	t.Parallel()

	errDial := errors.New("connection refused")
	s := newScriptedTransport()
	s.dialErr = func(string) error { return errDial }
	c := newTestClient(t, s)

	err := c.Connect(context.Background(), testURL, nil)
	if !errors.Is(err, errDial) {
		t.Fatalf("Connect() error = %v, want %v", err, errDial)
	}
	if !strings.Contains(err.Error(), kephasgate.ErrDialFailed) {
		t.Errorf("error %q does not mention %q", err, kephasgate.ErrDialFailed)
	}
}

// TestSequenceTracking tests that the last received sequence is kept
func TestSequenceTracking(t *testing.T) {
	t.Parallel()

	s := newScriptedTransport()
	c := newTestClient(t, s)
	if err := c.Connect(context.Background(), testURL, nil); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	const n = 50
	go func() {
		for i := int64(1); i <= n; i++ {
			s.push(t, dispatchFrame(i, "MESSAGE_CREATE"))
		}
	}()

	for i := int64(1); i <= n; i++ {
		select {
		case p := <-c.Events():
			if p.Seq == nil || *p.Seq != i {
				t.Fatalf("event %d has seq %v", i, p.Seq)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}

	if got := c.Session().Sequence; got != n {
		t.Errorf("Session().Sequence = %d, want %d", got, n)
	}
}

// TestEventsCarryTypedData tests that payloads reach Events decoded
func TestEventsCarryTypedData(t *testing.T) {
	t.Parallel()

	s := newScriptedTransport()
	var readyID atomic.Value
	c := newTestClient(t, s, func(cfg *Config) {
		cfg.Hooks.OnReady = func(id string) { readyID.Store(id) }
	})
	connectReady(t, c, s, "wss://resume.example")

	p := <-c.Events()
	ready, ok := p.Data.(protocol.Ready)
	if !ok {
		t.Fatalf("first event data = %T, want protocol.Ready", p.Data)
	}
	if ready.SessionID != "abc" || ready.ResumeGatewayURL != "wss://resume.example" {
		t.Errorf("ready = %+v", ready)
	}
	waitFor(t, "OnReady", func() bool { return readyID.Load() == "abc" })

	sess := c.Session()
	if sess.ID != "abc" || sess.ResumeURL != "wss://resume.example" || sess.Sequence != 1 {
		t.Errorf("Session() = %+v", sess)
	}
}

// TestMalformedFramesDropped tests that undecodable frames are skipped
func TestMalformedFramesDropped(t *testing.T) {
	t.Parallel()

	s := newScriptedTransport()
	c := newTestClient(t, s)
	if err := c.Connect(context.Background(), testURL, nil); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	s.push(t, textFrame("not json"))
	s.push(t, textFrame(`{"op":0,"s":2,"d":{}}`))
	s.push(t, kephasgate.BinaryFrame([]byte{0x01, 0x02}))
	s.push(t, dispatchFrame(3, "GUILD_CREATE"))

	select {
	case p := <-c.Events():
		if p.Event != "GUILD_CREATE" {
			t.Errorf("first event = %q, want GUILD_CREATE", p.Event)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	if got := c.Session().Sequence; got != 3 {
		t.Errorf("Session().Sequence = %d, want 3", got)
	}
	if got := len(s.dialed()); got != 1 {
		t.Errorf("dials = %d, want 1", got)
	}
}

// TestCompressedFrames tests zlib payloads when compression is requested
func TestCompressedFrames(t *testing.T) {
	t.Parallel()

	s := newScriptedTransport()
	c := newTestClient(t, s, func(cfg *Config) {
		cfg.Decompressor = protocol.ZlibDecompressor{Enabled: true}
	})
	if err := c.Connect(context.Background(), testURL, nil); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	var identify struct {
		Compress bool `json:"compress"`
	}
	json.Unmarshal(s.waitWrites(t, protocol.OpIdentify, 1)[0].d, &identify)
	if !identify.Compress {
		t.Error("identify compress = false, want true")
	}

	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	zw.Write([]byte(`{"op":0,"s":5,"t":"MESSAGE_CREATE","d":{"content":"hi"}}`))
	zw.Close()
	s.push(t, kephasgate.BinaryFrame(buf.Bytes()))

	select {
	case p := <-c.Events():
		if p.Event != "MESSAGE_CREATE" || p.Seq == nil || *p.Seq != 5 {
			t.Errorf("event = %+v", p)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

// TestResumeAfterResumableClose tests close code 4006 resuming the session
func TestResumeAfterResumableClose(t *testing.T) {
	t.Parallel()

	s := newScriptedTransport()
	c := newTestClient(t, s)
	connectReady(t, c, s, "wss://resume.example")
	s.push(t, dispatchFrame(2, "MESSAGE_CREATE"))
	waitFor(t, "seq 2", func() bool { return c.Session().Sequence == 2 })

	s.push(t, kephasgate.CloseFrame(4006, "session no longer valid"))

	resume := s.waitWrites(t, protocol.OpResume, 1)[0]
	var body protocol.Resume
	if err := json.Unmarshal(resume.d, &body); err != nil {
		t.Fatalf("resume body: %v", err)
	}
	if body.Token != "secret" || body.SessionID != "abc" || body.Seq != 2 {
		t.Errorf("resume = %+v", body)
	}

	urls := s.dialed()
	if len(urls) != 2 || urls[1] != "wss://resume.example?v=10&encoding=json" {
		t.Errorf("dialed = %v", urls)
	}
	if got := len(s.writesOf(protocol.OpIdentify)); got != 1 {
		t.Errorf("identify writes = %d, want 1", got)
	}
	if codes := s.closeCodes(); len(codes) != 1 || codes[0] != kephasgate.CloseResumable {
		t.Errorf("close codes = %v, want [4900]", codes)
	}
	waitFor(t, "connected", func() bool { return c.State() == kephasgate.StateConnected })
	if got := c.Session().ID; got != "abc" {
		t.Errorf("Session().ID = %q, want abc", got)
	}
}

// TestResumeWithoutHello tests that a resumed connection needs no Hello
func TestResumeWithoutHello(t *testing.T) {
	t.Parallel()

	s := newScriptedTransport()
	s.onDial = func(url string) []kephasgate.Frame {
		if strings.HasPrefix(url, "wss://resume.example") {
			return nil
		}
		return []kephasgate.Frame{helloFrame(41250)}
	}
	c := newTestClient(t, s)
	connectReady(t, c, s, "wss://resume.example")

	s.push(t, kephasgate.ErrorFrame(kephasgate.ErrAbnormalClosure))
	s.waitWrites(t, protocol.OpResume, 1)

	s.push(t, textFrame(`{"op":0,"s":2,"t":"RESUMED","d":{}}`))
	waitFor(t, "seq 2", func() bool { return c.Session().Sequence == 2 })
	if got := c.session.heartbeatInterval(); got != 41250*time.Millisecond {
		t.Errorf("heartbeat interval = %v, want 41.25s", got)
	}
}

// TestResumeURLQuery tests the query appended to resume URLs
func TestResumeURLQuery(t *testing.T) {
	t.Parallel()

	tests := []struct {
		base string
		want string
	}{
		{"wss://resume.example", "wss://resume.example?v=10&encoding=json"},
		{"wss://resume.example/", "wss://resume.example/?v=10&encoding=json"},
		{"wss://resume.example?compress=zlib", "wss://resume.example?compress=zlib&v=10&encoding=json"},
	}
	for _, tt := range tests {
		if got := resumeURL(tt.base); got != tt.want {
			t.Errorf("resumeURL(%q) = %q, want %q", tt.base, got, tt.want)
		}
	}
}

// TestInvalidSessionResumable tests that a resumable invalid session resumes once
func TestInvalidSessionResumable(t *testing.T) {
	t.Parallel()

	s := newScriptedTransport()
	invalidated := make(chan bool, 1)
	c := newTestClient(t, s, func(cfg *Config) {
		cfg.Hooks.OnSessionInvalidated = func(resumable bool) { invalidated <- resumable }
	})
	connectReady(t, c, s, "wss://resume.example")

	s.push(t, invalidSessionFrame(true))
	s.waitWrites(t, protocol.OpResume, 1)

	select {
	case resumable := <-invalidated:
		if !resumable {
			t.Error("OnSessionInvalidated(false), want true")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("OnSessionInvalidated not called")
	}

	time.Sleep(50 * time.Millisecond)
	if got := len(s.writesOf(protocol.OpResume)); got != 1 {
		t.Errorf("resume writes = %d, want 1", got)
	}
	if got := len(s.writesOf(protocol.OpIdentify)); got != 1 {
		t.Errorf("identify writes = %d, want 1", got)
	}
}

// TestInvalidSessionNotResumable tests that a dead session is re-identified
func TestInvalidSessionNotResumable(t *testing.T) {
	t.Parallel()

	s := newScriptedTransport()
	c := newTestClient(t, s)
	connectReady(t, c, s, "wss://resume.example")

	s.push(t, invalidSessionFrame(false))
	s.waitWrites(t, protocol.OpIdentify, 2)

	if got := len(s.writesOf(protocol.OpResume)); got != 0 {
		t.Errorf("resume writes = %d, want 0", got)
	}
	if urls := s.dialed(); len(urls) != 2 || urls[1] != testURL {
		t.Errorf("dialed = %v", urls)
	}
	waitFor(t, "connected", func() bool { return c.State() == kephasgate.StateConnected })
	if sess := c.Session(); sess.ID != "" || sess.Sequence != 0 {
		t.Errorf("Session() = %+v, want reset", sess)
	}
}

// TestReconnectRequestResendsIdentify tests op 7 replaying the cached identify
func TestReconnectRequestResendsIdentify(t *testing.T) {
	t.Parallel()

	s := newScriptedTransport()
	requested := make(chan struct{}, 1)
	c := newTestClient(t, s, func(cfg *Config) {
		cfg.Hooks.OnReconnectRequested = func() { requested <- struct{}{} }
	})
	opts := &kephasgate.ConnectOptions{Presence: &protocol.Presence{Status: protocol.StatusDND}}
	if err := c.Connect(context.Background(), testURL, opts); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	s.push(t, readyFrame(1, "abc", "wss://resume.example"))
	s.push(t, textFrame(`{"op":7,"d":null}`))

	identifies := s.waitWrites(t, protocol.OpIdentify, 2)
	if !bytes.Equal(identifies[0].raw, identifies[1].raw) {
		t.Errorf("identify changed:\n%s\n%s", identifies[0].raw, identifies[1].raw)
	}
	if identifies[1].conn != 1 {
		t.Errorf("second identify on conn %d, want 1", identifies[1].conn)
	}
	if got := len(s.writesOf(protocol.OpResume)); got != 0 {
		t.Errorf("resume writes = %d, want 0", got)
	}
	if urls := s.dialed(); len(urls) != 2 || urls[1] != testURL {
		t.Errorf("dialed = %v", urls)
	}
	if codes := s.closeCodes(); len(codes) == 0 || codes[0] != kephasgate.CloseNormal {
		t.Errorf("close codes = %v, want 1000 first", codes)
	}

	select {
	case <-requested:
	case <-time.After(3 * time.Second):
		t.Fatal("OnReconnectRequested not called")
	}
}

// TestFatalCloseStopsClient tests that non-recoverable codes end the client
func TestFatalCloseStopsClient(t *testing.T) {
	t.Parallel()

	codes := []int{
		kephasgate.CloseAuthenticationFailed,
		kephasgate.CloseInvalidShard,
		kephasgate.CloseShardingRequired,
		kephasgate.CloseInvalidAPIVersion,
		kephasgate.CloseInvalidIntents,
		kephasgate.CloseDisallowedIntents,
	}

	for _, code := range codes {
		t.Run(strconv.Itoa(code), func(t *testing.T) {
			t.Parallel()

			s := newScriptedTransport()
			failed := make(chan error, 1)
			c := newTestClient(t, s, func(cfg *Config) {
				cfg.Hooks.OnReconnectFailed = func(err error) { failed <- err }
			})
			if err := c.Connect(context.Background(), testURL, nil); err != nil {
				t.Fatalf("Connect() error = %v", err)
			}
			s.push(t, kephasgate.CloseFrame(code, "nope"))

			select {
			case err := <-failed:
				var closeErr *kephasgate.CloseError
				if !errors.As(err, &closeErr) || closeErr.Code != code {
					t.Errorf("OnReconnectFailed(%v), want CloseError %d", err, code)
				}
				if !errors.Is(err, kephasgate.ErrFatalClose) {
					t.Errorf("error %v is not ErrFatalClose", err)
				}
			case <-time.After(3 * time.Second):
				t.Fatal("OnReconnectFailed not called")
			}

			drainClosed(t, c.Events())
			if got := c.State(); got != kephasgate.StateClosed {
				t.Errorf("State() = %s, want closed", got)
			}
			if got := len(s.dialed()); got != 1 {
				t.Errorf("dials = %d, want 1", got)
			}
			if err := c.Write(context.Background(), []byte(`{}`)); !errors.Is(err, kephasgate.ErrClosed) {
				t.Errorf("Write() error = %v, want ErrClosed", err)
			}
		})
	}
}

// TestDisconnect tests that Disconnect is terminal
func TestDisconnect(t *testing.T) {
	t.Parallel()

	s := newScriptedTransport()
	c := newTestClient(t, s)
	if err := c.Connect(context.Background(), testURL, nil); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	if err := c.Disconnect(context.Background()); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	drainClosed(t, c.Events())

	if got := c.State(); got != kephasgate.StateClosed {
		t.Errorf("State() = %s, want closed", got)
	}
	if codes := s.closeCodes(); len(codes) != 1 || codes[0] != kephasgate.CloseNormal {
		t.Errorf("close codes = %v, want [1000]", codes)
	}
	if err := c.Write(context.Background(), []byte(`{}`)); !errors.Is(err, kephasgate.ErrClosed) {
		t.Errorf("Write() error = %v, want ErrClosed", err)
	}
	if err := c.Connect(context.Background(), testURL, nil); !errors.Is(err, kephasgate.ErrClosed) {
		t.Errorf("Connect() error = %v, want ErrClosed", err)
	}
	if err := c.Resume(context.Background(), nil); !errors.Is(err, kephasgate.ErrClosed) {
		t.Errorf("Resume() error = %v, want ErrClosed", err)
	}
	if err := c.Disconnect(context.Background()); err != nil {
		t.Errorf("second Disconnect() error = %v", err)
	}

	time.Sleep(30 * time.Millisecond)
	if got := len(s.dialed()); got != 1 {
		t.Errorf("dials after Disconnect = %d, want 1", got)
	}
}

// TestDisconnectWithBlockedConsumer tests teardown while Events is full
func TestDisconnectWithBlockedConsumer(t *testing.T) {
	t.Parallel()

	s := newScriptedTransport()
	c := newTestClient(t, s, func(cfg *Config) { cfg.EventBuffer = 0 })
	if err := c.Connect(context.Background(), testURL, nil); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	s.push(t, dispatchFrame(1, "MESSAGE_CREATE"))
	waitFor(t, "seq 1", func() bool { return c.Session().Sequence == 1 })

	done := make(chan error, 1)
	go func() { done <- c.Disconnect(context.Background()) }()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Disconnect() error = %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Disconnect() blocked on a full Events channel")
	}
}

// TestZombieConnectionRecovers tests that a missing ack drops the connection
func TestZombieConnectionRecovers(t *testing.T) {
	t.Parallel()

	s := newScriptedTransport()
	s.onDial = func(string) []kephasgate.Frame { return []kephasgate.Frame{helloFrame(20)} }
	zombied := make(chan struct{}, 16)
	c := newTestClient(t, s, func(cfg *Config) {
		cfg.Rand = func() float64 { return 0 }
		cfg.Hooks.OnZombied = func() {
			select {
			case zombied <- struct{}{}:
			default:
			}
		}
	})
	if err := c.Connect(context.Background(), testURL, nil); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	select {
	case <-zombied:
	case <-time.After(3 * time.Second):
		t.Fatal("OnZombied not called")
	}
	// No session was established, so the resume degrades to a reconnect.
	waitFor(t, "reconnect", func() bool { return len(s.dialed()) >= 2 })
	if urls := s.dialed(); urls[1] != testURL {
		t.Errorf("dialed = %v", urls)
	}
}

// TestHeartbeatAcks tests that acknowledged beats keep the connection
func TestHeartbeatAcks(t *testing.T) {
	t.Parallel()

	s := newScriptedTransport()
	s.autoAck = true
	s.onDial = func(string) []kephasgate.Frame { return []kephasgate.Frame{helloFrame(50)} }
	var acks, zombies atomic.Int32
	c := newTestClient(t, s, func(cfg *Config) {
		cfg.Rand = func() float64 { return 0 }
		cfg.Hooks.OnHeartbeatAck = func(time.Duration) { acks.Add(1) }
		cfg.Hooks.OnZombied = func() { zombies.Add(1) }
	})
	if err := c.Connect(context.Background(), testURL, nil); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	s.waitWrites(t, protocol.OpHeartbeat, 4)
	waitFor(t, "acks", func() bool { return acks.Load() >= 3 })
	if got := zombies.Load(); got != 0 {
		t.Errorf("zombied %d times, want 0", got)
	}
	if got := len(s.dialed()); got != 1 {
		t.Errorf("dials = %d, want 1", got)
	}
}

// TestServerHeartbeatRequest tests op 1 from the gateway
func TestServerHeartbeatRequest(t *testing.T) {
	t.Parallel()

	s := newScriptedTransport()
	c := newTestClient(t, s)
	connectReady(t, c, s, "wss://resume.example")
	s.push(t, dispatchFrame(7, "MESSAGE_CREATE"))
	waitFor(t, "seq 7", func() bool { return c.Session().Sequence == 7 })

	s.push(t, textFrame(`{"op":1,"d":null}`))
	beat := s.waitWrites(t, protocol.OpHeartbeat, 1)[0]
	if string(beat.d) != "7" {
		t.Errorf("heartbeat d = %s, want 7", beat.d)
	}
}

// TestHelloUpdatesInterval tests a Hello received mid-session
func TestHelloUpdatesInterval(t *testing.T) {
	t.Parallel()

	s := newScriptedTransport()
	c := newTestClient(t, s)
	if err := c.Connect(context.Background(), testURL, nil); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	s.push(t, helloFrame(1000))
	waitFor(t, "interval", func() bool { return c.session.heartbeatInterval() == time.Second })
}

// TestResumeWithoutSessionReconnects tests the fallback with nothing cached
func TestResumeWithoutSessionReconnects(t *testing.T) {
	t.Parallel()

	s := newScriptedTransport()
	c := newTestClient(t, s)
	if err := c.Connect(context.Background(), testURL, nil); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	if err := c.Resume(context.Background(), errors.New("manual")); err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if urls := s.dialed(); len(urls) != 2 || urls[1] != testURL {
		t.Errorf("dialed = %v", urls)
	}
	if got := len(s.writesOf(protocol.OpIdentify)); got != 2 {
		t.Errorf("identify writes = %d, want 2", got)
	}
	if got := len(s.writesOf(protocol.OpResume)); got != 0 {
		t.Errorf("resume writes = %d, want 0", got)
	}
}

// TestResumeFailureFallsBackToReconnect tests a resume URL that cannot be dialed
func TestResumeFailureFallsBackToReconnect(t *testing.T) {
	t.Parallel()

	s := newScriptedTransport()
	c := newTestClient(t, s)
	connectReady(t, c, s, "wss://resume.example")

	s.mu.Lock()
	s.dialErr = func(url string) error {
		if strings.HasPrefix(url, "wss://resume.example") {
			return errors.New("resume host down")
		}
		return nil
	}
	s.mu.Unlock()

	if err := c.Resume(context.Background(), nil); err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if urls := s.dialed(); len(urls) != 2 || urls[1] != testURL {
		t.Errorf("dialed = %v", urls)
	}
	if got := len(s.writesOf(protocol.OpIdentify)); got != 2 {
		t.Errorf("identify writes = %d, want 2", got)
	}
	if got := c.State(); got != kephasgate.StateConnected {
		t.Errorf("State() = %s, want connected", got)
	}
}

// TestReconnectFailureReported tests that a failed Reconnect is surfaced
func TestReconnectFailureReported(t *testing.T) {
	t.Parallel()

	errDial := errors.New("gateway unreachable")
	s := newScriptedTransport()
	failed := make(chan error, 1)
	c := newTestClient(t, s, func(cfg *Config) {
		cfg.Hooks.OnReconnectFailed = func(err error) { failed <- err }
	})
	if err := c.Connect(context.Background(), testURL, nil); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	s.mu.Lock()
	s.dialErr = func(string) error { return errDial }
	s.mu.Unlock()

	err := c.Reconnect(context.Background())
	if !errors.Is(err, errDial) {
		t.Fatalf("Reconnect() error = %v, want %v", err, errDial)
	}
	if got := c.State(); got != kephasgate.StateDisconnected {
		t.Errorf("State() = %s, want disconnected", got)
	}
	select {
	case <-failed:
	case <-time.After(3 * time.Second):
		t.Fatal("OnReconnectFailed not called")
	}
}

// TestAutomaticRecoveryRetries tests backoff after failed reconnects
func TestAutomaticRecoveryRetries(t *testing.T) {
	t.Parallel()

	s := newScriptedTransport()
	var failures atomic.Int32
	c := newTestClient(t, s, func(cfg *Config) {
		cfg.Reconnect = Backoff{Attempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
		cfg.Hooks.OnReconnectFailed = func(error) { failures.Add(1) }
	})
	if err := c.Connect(context.Background(), testURL, nil); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	var dials atomic.Int32
	s.mu.Lock()
	s.dialErr = func(string) error {
		if dials.Add(1) <= 2 {
			return errors.New("temporarily unavailable")
		}
		return nil
	}
	s.mu.Unlock()

	s.push(t, textFrame(`{"op":7}`))
	s.waitWrites(t, protocol.OpIdentify, 2)
	waitFor(t, "connected", func() bool { return c.State() == kephasgate.StateConnected })

	if got := dials.Load(); got != 3 {
		t.Errorf("dial attempts = %d, want 3", got)
	}
	if got := failures.Load(); got != 0 {
		t.Errorf("OnReconnectFailed called %d times, want 0", got)
	}
}

// TestAutomaticRecoveryGivesUp tests OnReconnectFailed after the last attempt
func TestAutomaticRecoveryGivesUp(t *testing.T) {
	t.Parallel()

	s := newScriptedTransport()
	failed := make(chan error, 1)
	c := newTestClient(t, s, func(cfg *Config) {
		cfg.Reconnect = Backoff{Attempts: 2, BaseDelay: time.Millisecond}
		cfg.Hooks.OnReconnectFailed = func(err error) { failed <- err }
	})
	if err := c.Connect(context.Background(), testURL, nil); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	var dials atomic.Int32
	s.mu.Lock()
	s.dialErr = func(string) error {
		dials.Add(1)
		return errors.New("down")
	}
	s.mu.Unlock()

	s.push(t, kephasgate.CloseFrame(kephasgate.CloseNormal, ""))

	select {
	case err := <-failed:
		if !strings.Contains(err.Error(), kephasgate.ErrReconnectFailed) {
			t.Errorf("OnReconnectFailed(%v)", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("OnReconnectFailed not called")
	}
	if got := dials.Load(); got != 2 {
		t.Errorf("dial attempts = %d, want 2", got)
	}
	if got := c.State(); got != kephasgate.StateDisconnected {
		t.Errorf("State() = %s, want disconnected", got)
	}
}

// TestWriteSharesBudget tests that user writes and identify share one budget
func TestWriteSharesBudget(t *testing.T) {
	t.Parallel()

	s := newScriptedTransport()
	c := newTestClient(t, s, func(cfg *Config) {
		cfg.WriteLimit = 3
		cfg.WriteWindow = 300 * time.Millisecond
	})
	if err := c.Connect(context.Background(), testURL, nil); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := c.Write(context.Background(), []byte(`{"op":3,"d":{}}`)); err != nil {
			t.Fatalf("Write() %d error = %v", i, err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := c.Write(ctx, []byte(`{"op":3,"d":{}}`))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Write() over budget error = %v, want deadline exceeded", err)
	}

	if err := c.Write(context.Background(), []byte(`{"op":3,"d":{}}`)); err != nil {
		t.Fatalf("Write() after reset error = %v", err)
	}
	if got := len(s.writesOf(protocol.OpPresenceUpdate)); got != 3 {
		t.Errorf("writes = %d, want 3", got)
	}
}

// TestWritePayloadTooLarge tests the transport size limit surfacing
func TestWritePayloadTooLarge(t *testing.T) {
	t.Parallel()

	s := newScriptedTransport()
	c := newTestClient(t, s)
	if err := c.Connect(context.Background(), testURL, nil); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	big := []byte(`{"op":3,"d":"` + strings.Repeat("x", kephasgate.MaxPayloadSize) + `"}`)
	if err := c.Write(context.Background(), big); !errors.Is(err, kephasgate.ErrPayloadTooLarge) {
		t.Errorf("Write() error = %v, want ErrPayloadTooLarge", err)
	}
}

// TestUpdatePresence tests the presence update frame
func TestUpdatePresence(t *testing.T) {
	t.Parallel()

	s := newScriptedTransport()
	c := newTestClient(t, s)
	if err := c.Connect(context.Background(), testURL, nil); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	err := c.UpdatePresence(context.Background(), protocol.Presence{
		Status:     protocol.StatusDND,
		Activities: []protocol.Activity{{Name: "tests", Type: protocol.ActivityPlaying}},
	})
	if err != nil {
		t.Fatalf("UpdatePresence() error = %v", err)
	}

	w := s.waitWrites(t, protocol.OpPresenceUpdate, 1)[0]
	var p protocol.Presence
	if err := json.Unmarshal(w.d, &p); err != nil {
		t.Fatalf("presence body: %v", err)
	}
	if p.Status != protocol.StatusDND || len(p.Activities) != 1 || p.Since != nil {
		t.Errorf("presence = %+v", p)
	}
}

// TestUnconnectedOperations tests calls before Connect
func TestUnconnectedOperations(t *testing.T) {
	t.Parallel()

	s := newScriptedTransport()
	c := newTestClient(t, s)

	if got := c.State(); got != kephasgate.StateDisconnected {
		t.Errorf("State() = %s, want disconnected", got)
	}
	if err := c.Write(context.Background(), []byte(`{}`)); !errors.Is(err, kephasgate.ErrNotConnected) {
		t.Errorf("Write() error = %v, want ErrNotConnected", err)
	}
	if err := c.Reconnect(context.Background()); !errors.Is(err, kephasgate.ErrNotConnected) {
		t.Errorf("Reconnect() error = %v, want ErrNotConnected", err)
	}
}

func drainClosed(t *testing.T, events <-chan *protocol.Payload) {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case _, ok := <-events:
			if !ok {
				return
			}
		case <-timeout:
			t.Fatal("Events channel not closed")
		}
	}
}
