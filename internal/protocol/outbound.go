package protocol

import (
	"encoding/json"
	"fmt"
	"runtime"
)

// Status is a presence status.
type Status string

const (
	StatusOnline    Status = "online"
	StatusIdle      Status = "idle"
	StatusDND       Status = "dnd"
	StatusInvisible Status = "invisible"
	StatusOffline   Status = "offline"
)

// ActivityType is the kind of an Activity.
type ActivityType int

const (
	ActivityPlaying   ActivityType = 0
	ActivityStreaming ActivityType = 1
	ActivityListening ActivityType = 2
	ActivityWatching  ActivityType = 3
	ActivityCustom    ActivityType = 4
	ActivityCompeting ActivityType = 5
)

// Activity is shown next to the client's presence.
type Activity struct {
	Name  string       `json:"name"`
	Type  ActivityType `json:"type"`
	URL   string       `json:"url,omitempty"`
	State string       `json:"state,omitempty"`
}

// Presence is sent in Identify and in presence updates.
type Presence struct {
	// Since is the unix time in milliseconds the client went idle, or nil.
	Since      *int64     `json:"since"`
	Activities []Activity `json:"activities"`
	Status     Status     `json:"status"`
	AFK        bool       `json:"afk"`
}

func (p Presence) normalized() Presence {
	if p.Activities == nil {
		p.Activities = []Activity{}
	}
	if p.Status == "" {
		p.Status = StatusOnline
	}
	return p
}

// Shard identifies one connection out of Count. It encodes as [ID, Count].
type Shard struct {
	ID    int
	Count int
}

func (s Shard) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]int{s.ID, s.Count})
}

func (s *Shard) UnmarshalJSON(b []byte) error {
	var pair [2]int
	if err := json.Unmarshal(b, &pair); err != nil {
		return err
	}
	s.ID, s.Count = pair[0], pair[1]
	return nil
}

func (s Shard) String() string {
	return fmt.Sprintf("%d/%d", s.ID, s.Count)
}

// ConnectionProperties describe the client to the gateway.
type ConnectionProperties struct {
	OS      string `json:"os"`
	Browser string `json:"browser"`
	Device  string `json:"device"`
}

// DefaultProperties reports the running OS and this library as browser/device.
func DefaultProperties() ConnectionProperties {
	return ConnectionProperties{
		OS:      runtime.GOOS,
		Browser: "kephasgate",
		Device:  "kephasgate",
	}
}

// Identify starts a new session.
type Identify struct {
	Token          string               `json:"token"`
	Properties     ConnectionProperties `json:"properties"`
	Compress       bool                 `json:"compress"`
	LargeThreshold int                  `json:"large_threshold"`
	Shard          *Shard               `json:"shard,omitempty"`
	Presence       *Presence            `json:"presence,omitempty"`
	Intents        Intents              `json:"intents"`
}

// Resume continues an existing session from Seq.
type Resume struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Seq       int64  `json:"seq"`
}

type outbound struct {
	Op Opcode `json:"op"`
	D  any    `json:"d"`
}

// Encode marshals an outbound frame.
func Encode(op Opcode, d any) ([]byte, error) {
	b, err := json.Marshal(outbound{Op: op, D: d})
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", op, err)
	}
	return b, nil
}

// EncodeHeartbeat produces {"op":1,"d":seq}.
func EncodeHeartbeat(seq int64) []byte {
	b, _ := json.Marshal(outbound{Op: OpHeartbeat, D: seq})
	return b
}

// EncodeIdentify marshals an Identify frame.
func EncodeIdentify(id Identify) ([]byte, error) {
	if id.Presence != nil {
		p := id.Presence.normalized()
		id.Presence = &p
	}
	return Encode(OpIdentify, id)
}

// EncodeResume marshals a Resume frame.
func EncodeResume(r Resume) ([]byte, error) {
	return Encode(OpResume, r)
}

// EncodePresence marshals a presence update frame.
func EncodePresence(p Presence) ([]byte, error) {
	return Encode(OpPresenceUpdate, p.normalized())
}
