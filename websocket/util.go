package websocket

import (
	"encoding/binary"
	"unicode/utf8"
)

// FormatCloseMessage formats closeCode and text as a WebSocket close message
// per RFC 6455, section 5.5.1. The close frame body consists of a 2-byte
// status code followed by optional UTF-8 encoded reason text.
func FormatCloseMessage(closeCode int, text string) []byte {
	if closeCode == CloseNoStatusReceived {
		return []byte{}
	}
	text = truncateReason(text)
	buf := make([]byte, 2+len(text))
	binary.BigEndian.PutUint16(buf, uint16(closeCode))
	copy(buf[2:], text)
	return buf
}

// parseCloseMessage splits a close frame payload into code and reason. An
// empty payload yields CloseNoStatusReceived.
func parseCloseMessage(payload []byte) (int, string, error) {
	switch {
	case len(payload) == 0:
		return CloseNoStatusReceived, "", nil
	case len(payload) == 1:
		return 0, "", ErrInvalidClosePayload
	}

	code := int(binary.BigEndian.Uint16(payload))
	if !isValidCloseCode(code) {
		return 0, "", ErrInvalidClosePayload
	}
	reason := payload[2:]
	if !utf8.Valid(reason) {
		return 0, "", ErrInvalidUTF8
	}
	return code, string(reason), nil
}

// isValidCloseCode reports whether code may be sent in a close frame,
// RFC 6455 section 7.4.
func isValidCloseCode(code int) bool {
	switch {
	case code >= 1000 && code <= 1003:
		return true
	case code >= 1007 && code <= 1014:
		return true
	case code >= 3000 && code <= 4999:
		return true
	}
	return false
}

// truncateReason cuts text to fit a control frame next to the 2-byte code
// without splitting a UTF-8 sequence.
func truncateReason(text string) string {
	if len(text) <= maxCloseReasonSize {
		return text
	}
	cut := maxCloseReasonSize
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut]
}
