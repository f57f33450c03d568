// Package websocket implements an event-driven WebSocket client per RFC 6455.
//
// A Conn does no I/O on its own. Connect, Send, Ping and Close only queue
// work; the caller drives progress by calling Poll (non-blocking) or Run
// (blocking until the loop is stopped or idle) on the goroutine that owns the
// connection. Handlers for open, close, message, error and pong events are
// invoked from inside those calls, never from another goroutine.
//
// Client Example:
//
//	conn, err := websocket.NewConn("wss://example.com/ws", nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	conn.SetOpenHandler(func() {
//	    _ = conn.SendText("hello")
//	})
//	conn.SetMessageHandler(func(op websocket.Opcode, payload []byte) {
//	    fmt.Printf("%s: %s\n", op, payload)
//	    _ = conn.Close(websocket.CloseNormalClosure, "done")
//	})
//	conn.SetErrorHandler(func(err error) {
//	    log.Println(err)
//	})
//
//	if err := conn.Connect(); err != nil {
//	    log.Fatal(err)
//	}
//	conn.Run()
//
// Lifecycle:
//
// A connection moves through Initial, Resolving, Connecting, Handshaking,
// Open, Closing and Closed. Any failure before Closed (DNS, TCP, TLS, a
// rejected handshake, a protocol violation by the server, a missed keepalive
// pong) moves it to Failed instead and reports the cause to the error
// handler exactly once. Closed and Failed are terminal; reconnecting means
// creating a new Conn.
//
// Framing:
//
// Outgoing frames are masked with a fresh random key. Incoming frames are
// checked for reserved bits, unknown opcodes, masking, fragmented or oversized
// control frames and the configured payload limit. Fragmented messages are
// reassembled before delivery; pings are answered automatically.
//
// Errors:
//
// Errors match one of ErrInvalidState, ErrProtocol, ErrBadHandshake or
// ErrTransport with errors.Is. HandshakeError and TransportError carry
// details and can be extracted with errors.As.
//
// Configuration:
//
// Config carries timeouts, limits, TLS and proxy settings. It can be built
// in code or loaded from YAML with LoadConfig:
//
//	open_timeout: 5s
//	close_timeout: 5s
//	ping_interval: 30s
//	pong_timeout: 10s
//	max_payload_size: 33554432
//	origin: https://example.com
//	tls:
//	  ca_file: /etc/ssl/custom.pem
package websocket
