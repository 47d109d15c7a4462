package gateway

import (
	"errors"
	"fmt"

	"github.com/luciancaetano/kephasgate"
)

// Action is the recovery picked for a failed connection.
type Action int

const (
	// ActionReconnect discards the session and repeats the handshake.
	ActionReconnect Action = iota
	// ActionResume continues the session on the resume URL.
	ActionResume
	// ActionFatal stops the client.
	ActionFatal
)

func (a Action) String() string {
	switch a {
	case ActionReconnect:
		return "reconnect"
	case ActionResume:
		return "resume"
	case ActionFatal:
		return "fatal"
	}
	return fmt.Sprintf("action(%d)", int(a))
}

// Classify maps a non-message frame to a recovery action. Message frames
// classify as ActionReconnect.
func Classify(f kephasgate.Frame) Action {
	switch f.Kind {
	case kephasgate.FrameError:
		if errors.Is(f.Err, kephasgate.ErrAbnormalClosure) {
			return ActionResume
		}
	case kephasgate.FrameClose:
		return ClassifyCode(f.Code)
	}
	return ActionReconnect
}

// ClassifyCode maps a close code to a recovery action.
func ClassifyCode(code int) Action {
	switch {
	case code >= kephasgate.CloseUnknownError && code <= kephasgate.CloseNotAuthenticated,
		code >= kephasgate.CloseAlreadyAuthenticated && code <= kephasgate.CloseSessionTimedOut:
		return ActionResume
	case code == kephasgate.CloseAuthenticationFailed,
		code >= kephasgate.CloseInvalidShard && code <= kephasgate.CloseDisallowedIntents:
		return ActionFatal
	}
	return ActionReconnect
}

// frameError describes why f ended the connection.
func frameError(f kephasgate.Frame) error {
	switch f.Kind {
	case kephasgate.FrameError:
		return f.Err
	case kephasgate.FrameClose:
		if ClassifyCode(f.Code) == ActionFatal {
			return &kephasgate.CloseError{Code: f.Code, Reason: f.Reason}
		}
		return fmt.Errorf("gateway closed: %d %s", f.Code, f.Reason)
	}
	return fmt.Errorf("unexpected %s", f)
}
