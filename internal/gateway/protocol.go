package gateway

import (
	"encoding/json"
	"errors"
	"fmt"

	"mm-relay/internal/model"
)

// Client actions.
const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
	ActionPing        = "ping"
)

// Server control frame types. Quote frames carry no "type" field.
const (
	TypeSubscribed   = "subscribed"
	TypeUnsubscribed = "unsubscribed"
	TypeError        = "error"
	TypePong         = "pong"
)

// errMalformed marks a frame that is not a JSON control object at all.
// Such frames are ignored without a reply.
var errMalformed = errors.New("malformed control message")

// ControlMsg is a client request: {"action":"subscribe","instrumentKey":{…}}.
type ControlMsg struct {
	Action string
	Key    model.InstrumentKey
}

type rawControlMsg struct {
	Action        string          `json:"action"`
	InstrumentKey json.RawMessage `json:"instrumentKey"`
}

// ParseControl decodes a client frame. It returns errMalformed when the frame
// is not a JSON object with an action; any other error is a well-formed
// request the client should hear about.
func ParseControl(data []byte) (ControlMsg, error) {
	var raw rawControlMsg
	if err := json.Unmarshal(data, &raw); err != nil || raw.Action == "" {
		return ControlMsg{}, errMalformed
	}

	msg := ControlMsg{Action: raw.Action}
	switch raw.Action {
	case ActionPing:
		return msg, nil
	case ActionSubscribe, ActionUnsubscribe:
		if len(raw.InstrumentKey) == 0 || string(raw.InstrumentKey) == "null" {
			return msg, fmt.Errorf("%s: instrumentKey is required", raw.Action)
		}
		if err := json.Unmarshal(raw.InstrumentKey, &msg.Key); err != nil {
			return msg, fmt.Errorf("%s: %w", raw.Action, err)
		}
		return msg, nil
	default:
		return msg, fmt.Errorf("unknown action %q", raw.Action)
	}
}

// ControlReply is a server control frame.
type ControlReply struct {
	Type          string               `json:"type"`
	InstrumentKey *model.InstrumentKey `json:"instrumentKey,omitempty"`
	Error         string               `json:"error,omitempty"`
	ServerTS      int64                `json:"serverTs,omitempty"`
}

func (r ControlReply) encode() []byte {
	b, _ := json.Marshal(r)
	return b
}
