package websocket

import (
	"encoding/json"
)

// SendJSON sends the JSON encoding of v as a text message.
func (c *Conn) SendJSON(v any) error {
	if c.state != StateOpen {
		return ErrInvalidState
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.Send(OpText, data)
}

// UnmarshalMessage decodes a JSON message payload into v. Binary and text
// messages are both accepted.
func UnmarshalMessage(op Opcode, payload []byte, v any) error {
	if op != OpText && op != OpBinary {
		return ErrInvalidMessageType
	}
	return json.Unmarshal(payload, v)
}
