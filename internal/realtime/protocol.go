package realtime

import (
	"encoding/json"
	"strings"
)

// Frame types of the push protocol that the connection manager itself
// produces or consumes. Entity event types belong to the dispatcher.
const (
	FrameAuth        = "AUTH"
	FrameAuthOK      = "AUTH_OK"
	FrameAuthError   = "AUTH_ERROR"
	FrameSubscribe   = "SUBSCRIBE"
	FrameUnsubscribe = "UNSUBSCRIBE"
	FrameSubscribed  = "SUBSCRIBED"
	FramePing        = "PING"
	FramePong        = "PONG"
)

// Close codes used on the push socket.
const (
	StatusNormalClosure   = 1000
	StatusGoingAway       = 1001
	StatusPolicyViolation = 1008
	StatusInternalError   = 1011
)

// Scope narrows the events the server forwards on this connection.
type Scope struct {
	ProjectID string `json:"projectId,omitempty"`
}

func (s Scope) key() string {
	return strings.TrimSpace(s.ProjectID)
}

type authFrame struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

type scopeFrame struct {
	Type  string `json:"type"`
	Scope Scope  `json:"scope"`
}

// controlFrame is the subset of an inbound frame the handshake inspects.
type controlFrame struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
	Code    string `json:"code,omitempty"`
}

func encodeAuth(token string) []byte {
	payload, _ := json.Marshal(authFrame{Type: FrameAuth, Token: token})
	return payload
}

func encodeScope(frameType string, scope Scope) []byte {
	payload, _ := json.Marshal(scopeFrame{Type: frameType, Scope: scope})
	return payload
}

func decodeControl(payload []byte) (controlFrame, error) {
	var frame controlFrame
	if err := json.Unmarshal(payload, &frame); err != nil {
		return controlFrame{}, err
	}
	return frame, nil
}
