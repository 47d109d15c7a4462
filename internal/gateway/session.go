package gateway

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/luciancaetano/kephasgate"
	"github.com/luciancaetano/kephasgate/internal/protocol"
)

// session is the identity shared by every epoch of one client.
//
// The sequence is written by the ingestion loop and read by the heartbeat
// without further coordination; a heartbeat carrying a sequence one behind
// is accepted by the gateway.
type session struct {
	seq      atomic.Int64
	interval atomic.Int64 // heartbeat interval in nanoseconds

	mu           sync.RWMutex
	id           string
	resumeURL    string
	reconnectURL string
	identify     []byte
	shard        *protocol.Shard
}

func (s *session) sequence() int64 { return s.seq.Load() }

func (s *session) setSequence(seq int64) { s.seq.Store(seq) }

func (s *session) heartbeatInterval() time.Duration {
	return time.Duration(s.interval.Load())
}

func (s *session) setHeartbeatInterval(d time.Duration) { s.interval.Store(int64(d)) }

// ready records the identity announced by READY.
func (s *session) ready(id, resumeURL string) {
	s.mu.Lock()
	s.id = id
	s.resumeURL = resumeURL
	s.mu.Unlock()
}

// resumable returns the cached session id and resume URL. Either may be empty.
func (s *session) resumable() (id, resumeURL string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.id, s.resumeURL
}

// cache stores what Reconnect needs to repeat the handshake.
func (s *session) cache(url string, identify []byte, shard *protocol.Shard) {
	s.mu.Lock()
	s.reconnectURL = url
	s.identify = identify
	s.shard = shard
	s.mu.Unlock()
}

func (s *session) reconnectTarget() (url string, identify []byte) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reconnectURL, s.identify
}

// reset forgets the session so the next handshake starts a new one.
func (s *session) reset() {
	s.seq.Store(0)
	s.mu.Lock()
	s.id = ""
	s.resumeURL = ""
	s.mu.Unlock()
}

func (s *session) snapshot() kephasgate.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return kephasgate.Session{
		ID:        s.id,
		ResumeURL: s.resumeURL,
		Sequence:  s.seq.Load(),
		Shard:     s.shard,
	}
}

// resumeURL appends the version and encoding query to a resume_gateway_url.
func resumeURL(base string) string {
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + kephasgate.QueryString
}
