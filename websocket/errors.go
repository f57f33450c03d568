package websocket

import (
	"errors"
	"strconv"
)

// Error categories. Every error produced by this package matches exactly one
// of them with errors.Is, except argument validation errors returned by the
// send and close calls.
var (
	// ErrInvalidState is returned when an operation is not legal in the
	// connection's current lifecycle state.
	ErrInvalidState = errors.New("websocket: invalid state")

	// ErrProtocol marks a violation of RFC 6455 by the peer: a malformed frame,
	// a masking violation, an oversized control frame or a reassembly error.
	ErrProtocol = errors.New("websocket: protocol error")

	// ErrBadHandshake marks a rejected opening handshake.
	ErrBadHandshake = errors.New("websocket: bad handshake")

	// ErrTransport marks a failure of the underlying byte stream.
	ErrTransport = errors.New("websocket: transport error")
)

// Protocol errors, RFC 6455 sections 5 and 7.
var (
	ErrReservedBits              = protocolError("reserved bits set")
	ErrInvalidOpcode             = protocolError("invalid opcode")
	ErrMaskedFrame               = protocolError("masked frame from server")
	ErrUnmaskedFrame             = protocolError("unmasked frame from client")
	ErrFragmentedControlFrame    = protocolError("fragmented control frame")
	ErrControlFramePayloadTooBig = protocolError("control frame payload too big")
	ErrNonMinimalLength          = protocolError("non-minimal payload length encoding")
	ErrInvalidLength             = protocolError("invalid payload length")
	ErrMessageTooBig             = protocolError("message too big")
	ErrUnexpectedContinuation    = protocolError("unexpected continuation frame")
	ErrExpectedContinuation      = protocolError("expected continuation frame")
	ErrInvalidUTF8               = protocolError("invalid UTF-8 payload")
	ErrInvalidClosePayload       = protocolError("invalid close frame payload")
)

// Errors returned synchronously by Conn methods or reported through the
// error handler.
var (
	ErrInvalidMessageType = errors.New("websocket: invalid message type")
	ErrInvalidCloseCode   = errors.New("websocket: invalid close code")
	ErrControlTooLong     = errors.New("websocket: control payload exceeds 125 bytes")
	ErrBadScheme          = errors.New("websocket: bad scheme")
	ErrEmptyHost          = errors.New("websocket: empty host")
	ErrTimeout            = errors.New("websocket: timed out")
	ErrPongTimeout        = errors.New("websocket: pong not received in time")
)

type wrappedError struct {
	category error
	text     string
}

func protocolError(text string) error {
	return &wrappedError{category: ErrProtocol, text: text}
}

func (e *wrappedError) Error() string { return e.category.Error() + ": " + e.text }
func (e *wrappedError) Unwrap() error { return e.category }

// HandshakeError describes why the server's opening handshake response was
// rejected. StatusCode is zero when no status line could be parsed.
type HandshakeError struct {
	StatusCode int
	Reason     string
}

func (e *HandshakeError) Error() string {
	if e.StatusCode != 0 && e.StatusCode != 101 {
		return "websocket: bad handshake: status " + strconv.Itoa(e.StatusCode) + ": " + e.Reason
	}
	return "websocket: bad handshake: " + e.Reason
}

// Is reports whether target is ErrBadHandshake.
func (e *HandshakeError) Is(target error) bool { return target == ErrBadHandshake }

// TransportError wraps a failure of the underlying connection. Op names the
// step that failed: resolve, dial, tls, read, write or handshake.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return "websocket: " + e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error { return e.Err }

// Is reports whether target is ErrTransport.
func (e *TransportError) Is(target error) bool { return target == ErrTransport }

func closeCodeString(code int) string {
	switch code {
	case CloseNormalClosure:
		return "1000 (normal)"
	case CloseGoingAway:
		return "1001 (going away)"
	case CloseProtocolError:
		return "1002 (protocol error)"
	case CloseUnsupportedData:
		return "1003 (unsupported data)"
	case CloseNoStatusReceived:
		return "1005 (no status)"
	case CloseAbnormalClosure:
		return "1006 (abnormal closure)"
	case CloseInvalidFramePayloadData:
		return "1007 (invalid payload)"
	case ClosePolicyViolation:
		return "1008 (policy violation)"
	case CloseMessageTooBig:
		return "1009 (message too big)"
	case CloseMandatoryExtension:
		return "1010 (mandatory extension)"
	case CloseInternalServerErr:
		return "1011 (internal server error)"
	case CloseServiceRestart:
		return "1012 (service restart)"
	case CloseTryAgainLater:
		return "1013 (try again later)"
	case CloseTLSHandshake:
		return "1015 (TLS handshake)"
	default:
		return strconv.Itoa(code)
	}
}

// closeCodeFor maps a protocol failure to the close code sent to the peer.
func closeCodeFor(err error) int {
	switch {
	case errors.Is(err, ErrMessageTooBig):
		return CloseMessageTooBig
	case errors.Is(err, ErrInvalidUTF8):
		return CloseInvalidFramePayloadData
	default:
		return CloseProtocolError
	}
}
