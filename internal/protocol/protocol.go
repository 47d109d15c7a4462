// Package protocol implements the gateway wire format: JSON frames of the
// shape {"op":int,"d":any,"s":int|null,"t":string|null}.
//
// Inbound frames decode into a Payload whose Data is resolved from the
// (opcode, event name) pair, so callers switch on concrete types instead of
// casting an untyped body.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Opcode identifies the kind of a gateway frame.
type Opcode int

const (
	OpDispatch       Opcode = 0
	OpHeartbeat      Opcode = 1
	OpIdentify       Opcode = 2
	OpPresenceUpdate Opcode = 3
	OpResume         Opcode = 6
	OpReconnect      Opcode = 7
	OpInvalidSession Opcode = 9
	OpHello          Opcode = 10
	OpHeartbeatAck   Opcode = 11
)

func (o Opcode) String() string {
	switch o {
	case OpDispatch:
		return "dispatch"
	case OpHeartbeat:
		return "heartbeat"
	case OpIdentify:
		return "identify"
	case OpPresenceUpdate:
		return "presence_update"
	case OpResume:
		return "resume"
	case OpReconnect:
		return "reconnect"
	case OpInvalidSession:
		return "invalid_session"
	case OpHello:
		return "hello"
	case OpHeartbeatAck:
		return "heartbeat_ack"
	default:
		return fmt.Sprintf("opcode(%d)", int(o))
	}
}

// Dispatch event names the client itself reacts to.
const (
	EventReady   = "READY"
	EventResumed = "RESUMED"
)

var (
	// ErrMalformed is wrapped by every decode failure.
	ErrMalformed = errors.New("malformed payload")
)

// Payload is one decoded inbound frame.
type Payload struct {
	Op    Opcode
	Seq   *int64
	Event string
	Data  Data
	// Raw is the undecoded "d" field.
	Raw json.RawMessage
}

// Data is the opcode-dependent body of a Payload. The concrete type is one of
// Hello, Ready, Resumed, Dispatch, HeartbeatRequest, HeartbeatAck,
// ReconnectRequest, InvalidSession or Unknown.
type Data interface {
	data()
}

// Hello is the first frame of every connection.
type Hello struct {
	// HeartbeatInterval in milliseconds.
	HeartbeatInterval int64 `json:"heartbeat_interval"`
}

// Ready is the session-ready dispatch.
type Ready struct {
	Version          int    `json:"v"`
	SessionID        string `json:"session_id"`
	ResumeGatewayURL string `json:"resume_gateway_url"`
}

// Resumed marks the end of replay after a successful resume.
type Resumed struct{}

// Dispatch is any other dispatch event. Body is left undecoded.
type Dispatch struct {
	Body json.RawMessage
}

// HeartbeatRequest is the server asking for an immediate heartbeat.
type HeartbeatRequest struct{}

// HeartbeatAck acknowledges the last heartbeat.
type HeartbeatAck struct{}

// ReconnectRequest asks the client to reconnect.
type ReconnectRequest struct{}

// InvalidSession reports that the session is no longer valid.
type InvalidSession struct {
	Resumable bool
}

// Unknown carries frames with opcodes the client does not expect inbound.
type Unknown struct {
	Body json.RawMessage
}

func (Hello) data()            {}
func (Ready) data()            {}
func (Resumed) data()          {}
func (Dispatch) data()         {}
func (HeartbeatRequest) data() {}
func (HeartbeatAck) data()     {}
func (ReconnectRequest) data() {}
func (InvalidSession) data()   {}
func (Unknown) data()          {}

type wirePayload struct {
	Op *Opcode         `json:"op"`
	D  json.RawMessage `json:"d"`
	S  *int64          `json:"s"`
	T  *string         `json:"t"`
}

// Decode parses one inbound frame.
func Decode(raw []byte) (*Payload, error) {
	var w wirePayload
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if w.Op == nil {
		return nil, fmt.Errorf("%w: missing opcode", ErrMalformed)
	}

	p := &Payload{Op: *w.Op, Seq: w.S, Raw: w.D}
	if w.T != nil {
		p.Event = *w.T
	}

	data, err := decodeData(p.Op, p.Event, w.D)
	if err != nil {
		return nil, err
	}
	p.Data = data
	return p, nil
}

func decodeData(op Opcode, event string, d json.RawMessage) (Data, error) {
	switch op {
	case OpDispatch:
		switch event {
		case "":
			return nil, fmt.Errorf("%w: dispatch without event name", ErrMalformed)
		case EventReady:
			var r Ready
			if err := unmarshalBody(d, &r); err != nil {
				return nil, err
			}
			if r.SessionID == "" {
				return nil, fmt.Errorf("%w: ready without session_id", ErrMalformed)
			}
			return r, nil
		case EventResumed:
			return Resumed{}, nil
		default:
			return Dispatch{Body: d}, nil
		}
	case OpHello:
		var h Hello
		if err := unmarshalBody(d, &h); err != nil {
			return nil, err
		}
		if h.HeartbeatInterval <= 0 {
			return nil, fmt.Errorf("%w: hello without heartbeat_interval", ErrMalformed)
		}
		return h, nil
	case OpHeartbeat:
		return HeartbeatRequest{}, nil
	case OpHeartbeatAck:
		return HeartbeatAck{}, nil
	case OpReconnect:
		return ReconnectRequest{}, nil
	case OpInvalidSession:
		var resumable bool
		if len(d) > 0 && string(d) != "null" {
			if err := json.Unmarshal(d, &resumable); err != nil {
				return nil, fmt.Errorf("%w: invalid session body: %v", ErrMalformed, err)
			}
		}
		return InvalidSession{Resumable: resumable}, nil
	default:
		return Unknown{Body: d}, nil
	}
}

func unmarshalBody(d json.RawMessage, v any) error {
	if len(d) == 0 || string(d) == "null" {
		return fmt.Errorf("%w: empty body", ErrMalformed)
	}
	if err := json.Unmarshal(d, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}
