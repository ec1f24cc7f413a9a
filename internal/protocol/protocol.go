package protocol

import "encoding/json"

const Version = "1.0"

// Message types.
const (
	TypeSubmit    = "SUBMIT"
	TypeSubmitOK  = "SUBMIT_OK"
	TypeSubmitErr = "SUBMIT_ERR"
	TypeCancel    = "CANCEL"
	TypeEvent     = "EVENT"
)

// BaseMessage lets us route unknown JSON messages by type.
type BaseMessage struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
}

func DecodeBase(b []byte) (BaseMessage, error) {
	var m BaseMessage
	err := json.Unmarshal(b, &m)
	return m, err
}

// Event is a loosely-typed lifecycle event as seen on the wire.
// Every event carries "t" (tick) and "type".
type Event map[string]interface{}
