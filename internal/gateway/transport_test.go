package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/luciancaetano/kephasgate"
	"github.com/luciancaetano/kephasgate/internal/protocol"
)

const testURL = "wss://gateway.example"

// scriptedConn is one connection opened on a scriptedTransport.
type scriptedConn struct {
	url  string
	in   chan kephasgate.Frame
	done chan struct{}
}

// written is one frame the client sent.
type written struct {
	conn int
	op   protocol.Opcode
	d    json.RawMessage
	raw  []byte
}

// scriptedTransport is an in-memory kephasgate.Transport. Each Connect opens
// a new scriptedConn preloaded with the frames returned by onDial.
type scriptedTransport struct {
	mu      sync.Mutex
	conns   []*scriptedConn
	current *scriptedConn
	writes  []written
	codes   []int

	dialErr func(url string) error
	onDial  func(url string) []kephasgate.Frame
	autoAck bool
}

func newScriptedTransport() *scriptedTransport {
	return &scriptedTransport{
		onDial: func(string) []kephasgate.Frame { return []kephasgate.Frame{helloFrame(41250)} },
	}
}

func (s *scriptedTransport) Connect(ctx context.Context, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dialErr != nil {
		if err := s.dialErr(url); err != nil {
			return err
		}
	}
	c := &scriptedConn{url: url, in: make(chan kephasgate.Frame, 64), done: make(chan struct{})}
	if s.onDial != nil {
		for _, f := range s.onDial(url) {
			c.in <- f
		}
	}
	s.conns = append(s.conns, c)
	s.current = c
	return nil
}

func (s *scriptedTransport) Read(ctx context.Context) kephasgate.Frame {
	s.mu.Lock()
	c := s.current
	s.mu.Unlock()
	if c == nil {
		return kephasgate.ErrorFrame(kephasgate.ErrNotConnected)
	}
	select {
	case f := <-c.in:
		return f
	case <-c.done:
		return kephasgate.ErrorFrame(kephasgate.ErrNotConnected)
	case <-ctx.Done():
		return kephasgate.ErrorFrame(ctx.Err())
	}
}

func (s *scriptedTransport) Write(ctx context.Context, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil {
		return kephasgate.ErrNotConnected
	}
	if len(payload) > kephasgate.MaxPayloadSize {
		return kephasgate.ErrPayloadTooLarge
	}
	var frame struct {
		Op protocol.Opcode `json:"op"`
		D  json.RawMessage `json:"d"`
	}
	if err := json.Unmarshal(payload, &frame); err != nil {
		return err
	}
	s.writes = append(s.writes, written{
		conn: len(s.conns) - 1,
		op:   frame.Op,
		d:    frame.D,
		raw:  append([]byte(nil), payload...),
	})
	if s.autoAck && frame.Op == protocol.OpHeartbeat {
		select {
		case s.current.in <- textFrame(`{"op":11}`):
		default:
		}
	}
	return nil
}

func (s *scriptedTransport) Disconnect(code int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.codes = append(s.codes, code)
	if s.current != nil {
		close(s.current.done)
		s.current = nil
	}
	return nil
}

// push delivers f on the open connection.
func (s *scriptedTransport) push(t *testing.T, f kephasgate.Frame) {
	t.Helper()
	s.mu.Lock()
	c := s.current
	s.mu.Unlock()
	if c == nil {
		t.Fatalf("push %s: no open connection", f)
	}
	c.in <- f
}

func (s *scriptedTransport) dialed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	urls := make([]string, len(s.conns))
	for i, c := range s.conns {
		urls[i] = c.url
	}
	return urls
}

func (s *scriptedTransport) allWrites() []written {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]written(nil), s.writes...)
}

func (s *scriptedTransport) writesOf(op protocol.Opcode) []written {
	var out []written
	for _, w := range s.allWrites() {
		if w.op == op {
			out = append(out, w)
		}
	}
	return out
}

func (s *scriptedTransport) closeCodes() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.codes...)
}

// waitWrites waits until at least n frames with op were written.
func (s *scriptedTransport) waitWrites(t *testing.T, op protocol.Opcode, n int) []written {
	t.Helper()
	var got []written
	waitFor(t, fmt.Sprintf("%d %s writes", n, op), func() bool {
		got = s.writesOf(op)
		return len(got) >= n
	})
	return got
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func textFrame(s string) kephasgate.Frame { return kephasgate.TextFrame([]byte(s)) }

func helloFrame(intervalMS int) kephasgate.Frame {
	return textFrame(fmt.Sprintf(`{"op":10,"d":{"heartbeat_interval":%d}}`, intervalMS))
}

func dispatchFrame(seq int64, event string) kephasgate.Frame {
	return textFrame(fmt.Sprintf(`{"op":0,"s":%d,"t":%q,"d":{}}`, seq, event))
}

func readyFrame(seq int64, sessionID, resumeURL string) kephasgate.Frame {
	return textFrame(fmt.Sprintf(
		`{"op":0,"s":%d,"t":"READY","d":{"v":10,"session_id":%q,"resume_gateway_url":%q}}`,
		seq, sessionID, resumeURL))
}

func invalidSessionFrame(resumable bool) kephasgate.Frame {
	return textFrame(fmt.Sprintf(`{"op":9,"d":%t}`, resumable))
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestClient returns a connected-ready client on s. The first heartbeat
// is pushed to the end of the jitter range so it stays out of the way.
func newTestClient(t *testing.T, s *scriptedTransport, mutate ...func(*Config)) *Client {
	t.Helper()
	cfg := DefaultConfig("secret", protocol.IntentGuilds|protocol.IntentGuildMessages)
	cfg.Transport = s
	cfg.Logger = discardLogger()
	cfg.IdentifyInterval = 0
	cfg.Rand = func() float64 { return 0.99 }
	cfg.Reconnect = Backoff{Attempts: 1}
	for _, m := range mutate {
		m(&cfg)
	}
	c := New(cfg)
	t.Cleanup(func() { c.Disconnect(context.Background()) })
	return c
}

// connectReady connects c and delivers READY for session "abc".
func connectReady(t *testing.T, c *Client, s *scriptedTransport, resume string) {
	t.Helper()
	if err := c.Connect(context.Background(), testURL, nil); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	s.push(t, readyFrame(1, "abc", resume))
	waitFor(t, "READY", func() bool { return c.Session().ID == "abc" })
}
