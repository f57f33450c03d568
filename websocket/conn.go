package websocket

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"unicode/utf8"

	"github.com/eapache/queue"
	"github.com/google/uuid"

	"github.com/vitalvas/wspp/eventloop"
)

// State is the lifecycle state of a Conn.
type State int32

// Connection lifecycle states.
const (
	StateInitial State = iota
	StateResolving
	StateConnecting
	StateHandshaking
	StateOpen
	StateClosing
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInitial:
		return "initial"
	case StateResolving:
		return "resolving"
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// terminal reports whether no further transitions are possible.
func (s State) terminal() bool {
	return s == StateClosed || s == StateFailed
}

func (s State) opening() bool {
	return s == StateResolving || s == StateConnecting || s == StateHandshaking
}

// Conn is a client WebSocket connection driven by an event loop.
//
// A Conn is not safe for concurrent use. Every method, including handler
// registration, must be called from the goroutine that drives the loop with
// Poll or Run; handlers are invoked on that goroutine only.
type Conn struct {
	id        string
	url       *url.URL
	cfg       *Config
	log       *slog.Logger
	loop      *eventloop.Loop
	transport Transport
	handlers  Handlers

	state  State
	ctx    context.Context
	cancel context.CancelFunc
	addrs  []string

	handshake   *Handshake
	hsBuf       []byte
	subprotocol string

	codec       *FrameCodec
	decoder     *Decoder
	reassembler *Reassembler
	readBuf     []byte

	outbox          *queue.Queue
	writing         bool
	closeAfterFlush bool
	closeSent       bool
	peerClosed      bool
	closeCode       int
	closeReason     string

	openTimer  *eventloop.Timer
	closeTimer *eventloop.Timer
	pingTimer  *eventloop.Timer
	pongTimer  *eventloop.Timer
}

// NewConn returns an unconnected client for rawURL, a ws:// or wss:// URL.
// A nil cfg uses DefaultConfig.
func NewConn(rawURL string, cfg *Config) (*Conn, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}

	switch u.Scheme {
	case "ws", "wss":
	default:
		return nil, ErrBadScheme
	}

	if u.Host == "" {
		return nil, ErrEmptyHost
	}

	if cfg == nil {
		cfg = &Config{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	loop := cfg.Loop
	if loop == nil {
		loop = eventloop.New()
	}

	transport := cfg.Transport
	if transport == nil {
		transport, err = newTransport(loop, u, cfg)
		if err != nil {
			return nil, err
		}
	}

	id := uuid.NewString()
	codec := NewFrameCodec(RoleClient, cfg.MaxPayloadSize)

	c := &Conn{
		id:          id,
		url:         u,
		cfg:         cfg,
		log:         cfg.Logger.With(slog.String("conn_id", id), slog.String("url", u.Redacted())),
		loop:        loop,
		transport:   transport,
		codec:       codec,
		decoder:     NewDecoder(codec),
		reassembler: NewReassembler(cfg.MaxPayloadSize),
		readBuf:     make([]byte, cfg.ReadBufferSize),
		outbox:      queue.New(),
	}

	return c, nil
}

// ID returns the connection's unique identifier, also sent as X-Request-ID.
func (c *Conn) ID() string { return c.id }

// URL returns the target URL.
func (c *Conn) URL() string { return c.url.String() }

// Secure reports whether the connection uses TLS.
func (c *Conn) Secure() bool { return c.url.Scheme == "wss" }

// State returns the current lifecycle state.
func (c *Conn) State() State { return c.state }

// Subprotocol returns the negotiated subprotocol for the connection.
func (c *Conn) Subprotocol() string { return c.subprotocol }

// Loop returns the event loop driving the connection.
func (c *Conn) Loop() *eventloop.Loop { return c.loop }

// Poll runs ready loop tasks without blocking and returns how many ran.
func (c *Conn) Poll() int { return c.loop.Poll() }

// Run drives the loop until it is stopped or runs out of work.
func (c *Conn) Run() int { return c.loop.Run() }

// Stopped reports whether the loop was stopped or has nothing left to do.
func (c *Conn) Stopped() bool { return c.loop.Stopped() }

// SetOpenHandler replaces the handler called once the handshake succeeds.
func (c *Conn) SetOpenHandler(h func()) { c.handlers.OnOpen = h }

// SetCloseHandler replaces the handler called when the connection closes
// cleanly or the close handshake times out.
func (c *Conn) SetCloseHandler(h func(code int, reason string)) { c.handlers.OnClose = h }

// SetMessageHandler replaces the handler for complete text and binary messages.
func (c *Conn) SetMessageHandler(h func(op Opcode, payload []byte)) { c.handlers.OnMessage = h }

// SetErrorHandler replaces the handler called when the connection fails.
func (c *Conn) SetErrorHandler(h func(err error)) { c.handlers.OnError = h }

// SetPongHandler replaces the handler for pong frames.
func (c *Conn) SetPongHandler(h func(payload []byte)) { c.handlers.OnPong = h }

// Connect starts resolving, dialing and the opening handshake. It returns
// immediately; progress happens while the loop is driven.
func (c *Conn) Connect() error {
	if c.state != StateInitial {
		return ErrInvalidState
	}

	c.ctx, c.cancel = context.WithCancel(context.Background())
	if c.cfg.OpenTimeout > 0 {
		c.openTimer = c.loop.AfterFunc(c.cfg.OpenTimeout, c.openTimedOut)
	}

	c.setState(StateResolving)
	c.resolve()
	return nil
}

// SendText sends a text message.
func (c *Conn) SendText(message string) error {
	return c.Send(OpText, []byte(message))
}

// SendBinary sends a binary message.
func (c *Conn) SendBinary(data []byte) error {
	return c.Send(OpBinary, data)
}

// Send queues a text or binary message. Payloads larger than the configured
// fragment size go out as a sequence of continuation frames.
func (c *Conn) Send(op Opcode, payload []byte) error {
	if op != OpText && op != OpBinary {
		return ErrInvalidMessageType
	}
	if c.state != StateOpen {
		return ErrInvalidState
	}

	size := c.cfg.FragmentSize
	frameOp := op
	for size > 0 && len(payload) > size {
		c.outbox.Add(c.codec.Encode(frameOp, payload[:size], false))
		payload = payload[size:]
		frameOp = OpContinuation
	}
	c.enqueue(c.codec.Encode(frameOp, payload, true))
	return nil
}

// Ping sends a ping frame. The matching pong is reported to the pong handler.
func (c *Conn) Ping(payload []byte) error {
	if c.state != StateOpen {
		return ErrInvalidState
	}
	if len(payload) > maxControlFramePayloadSize {
		return ErrControlTooLong
	}

	c.enqueue(c.codec.Encode(OpPing, payload, true))
	return nil
}

// Close starts the closing handshake with code and reason. The reason is
// truncated to fit a control frame. Called before the connection is open,
// Close abandons the attempt: the connection becomes Closed and the open
// and error handlers never fire.
func (c *Conn) Close(code int, reason string) error {
	if !c.state.opening() && c.state != StateOpen {
		return ErrInvalidState
	}
	if !isValidCloseCode(code) {
		return ErrInvalidCloseCode
	}

	if c.state.opening() {
		c.abort(code, truncateReason(reason))
		return nil
	}

	c.closeCode, c.closeReason = code, truncateReason(reason)
	c.setState(StateClosing)
	c.stopKeepalive()
	c.sendClose(code, reason)

	if c.cfg.CloseTimeout > 0 {
		c.closeTimer = c.loop.AfterFunc(c.cfg.CloseTimeout, c.closeTimedOut)
	}
	return nil
}

// Shutdown releases the connection. An open connection gets a best-effort
// close frame with CloseGoingAway, written if the loop keeps running. No
// handler fires after Shutdown returns.
func (c *Conn) Shutdown() {
	c.handlers = Handlers{}

	switch {
	case c.state == StateOpen:
		c.stopTimers()
		c.setState(StateClosed)
		c.sendClose(CloseGoingAway, "Going away")
		c.closeAfterFlush = true
		if c.cfg.CloseTimeout > 0 {
			c.closeTimer = c.loop.AfterFunc(c.cfg.CloseTimeout, c.release)
		}
	case !c.state.terminal():
		c.stopTimers()
		c.setState(StateClosed)
		c.release()
	}
}

func (c *Conn) abort(code int, reason string) {
	c.stopTimers()
	c.setState(StateClosed)
	c.release()
	c.loop.Post(func() { c.handlers.fireClose(code, reason) })
}

func (c *Conn) resolve() {
	host, port := c.url.Hostname(), c.url.Port()
	if port == "" {
		port = "80"
		if c.Secure() {
			port = "443"
		}
	}

	// A proxy resolves names itself; literal addresses need no lookup.
	if c.cfg.Proxy != "" || net.ParseIP(host) != nil {
		addr := net.JoinHostPort(host, port)
		c.loop.Post(func() { c.resolved([]string{addr}, nil) })
		return
	}

	resolver := c.cfg.Resolver
	if resolver == nil {
		resolver = net.DefaultResolver
	}

	ctx := c.ctx
	c.loop.Go(func() func() {
		hosts, err := resolver.LookupHost(ctx, host)
		addrs := make([]string, 0, len(hosts))
		for _, h := range hosts {
			addrs = append(addrs, net.JoinHostPort(h, port))
		}
		return func() { c.resolved(addrs, err) }
	})
}

func (c *Conn) resolved(addrs []string, err error) {
	if c.state != StateResolving {
		return
	}
	if err == nil && len(addrs) == 0 {
		err = errNoAddresses
	}
	if err != nil {
		c.fail(&TransportError{Op: "resolve", Err: err})
		return
	}

	c.addrs = addrs
	c.setState(StateConnecting)
	c.dial(0)
}

func (c *Conn) dial(i int) {
	c.log.Debug("dialing", slog.String("addr", c.addrs[i]))
	c.transport.Dial(c.ctx, c.addrs[i], func(err error) {
		if c.state != StateConnecting {
			return
		}
		if err != nil {
			if i+1 < len(c.addrs) {
				c.log.Debug("dial failed, trying next address", slog.Any("error", err))
				c.dial(i + 1)
				return
			}
			c.fail(asTransportError("dial", err))
			return
		}
		c.startHandshake()
	})
}

func (c *Conn) startHandshake() {
	c.setState(StateHandshaking)

	c.handshake = NewHandshake(c.url, c.requestHeader(), c.cfg.Subprotocols)
	c.handshake.MaxResponseSize = c.cfg.MaxHandshakeSize

	c.enqueue(c.handshake.Request())
	c.read()
}

func (c *Conn) requestHeader() http.Header {
	h := make(http.Header)
	for k, v := range c.cfg.Header {
		h.Set(k, v)
	}
	if c.cfg.Origin != "" {
		h.Set("Origin", c.cfg.Origin)
	}
	if c.cfg.UserAgent != "" {
		h.Set("User-Agent", c.cfg.UserAgent)
	}
	if h.Get("X-Request-ID") == "" {
		h.Set("X-Request-ID", c.id)
	}
	return h
}

func (c *Conn) read() {
	buf := c.readBuf
	c.transport.Read(buf, func(n int, err error) {
		if c.state.terminal() {
			return
		}
		if n > 0 {
			c.received(buf[:n])
		}
		if c.state.terminal() {
			return
		}
		if err != nil {
			c.readFailed(err)
			return
		}
		c.read()
	})
}

func (c *Conn) received(p []byte) {
	switch c.state {
	case StateHandshaking:
		c.hsBuf = append(c.hsBuf, p...)
		resp, n, err := c.handshake.ParseResponse(c.hsBuf)
		if err != nil {
			c.fail(err)
			return
		}
		if n == 0 {
			return
		}

		rest := c.hsBuf[n:]
		c.hsBuf = nil
		c.opened(resp)
		if len(rest) > 0 {
			_, _ = c.decoder.Write(rest)
			c.processFrames()
		}
	case StateOpen, StateClosing:
		_, _ = c.decoder.Write(p)
		c.processFrames()
	}
}

func (c *Conn) opened(resp *http.Response) {
	c.openTimer.Stop()
	c.openTimer = nil
	c.subprotocol = resp.Header.Get("Sec-WebSocket-Protocol")

	c.setState(StateOpen)
	c.schedulePing()
	c.handlers.fireOpen()
}

func (c *Conn) processFrames() {
	for c.state == StateOpen || c.state == StateClosing {
		f, ok, err := c.decoder.Next()
		if err != nil {
			c.fail(err)
			return
		}
		if !ok {
			return
		}
		c.handleFrame(f)
	}
}

func (c *Conn) handleFrame(f Frame) {
	if c.peerClosed {
		return
	}

	msg, ok, err := c.reassembler.Push(f)
	if err != nil {
		c.fail(err)
		return
	}
	if !ok {
		return
	}

	switch msg.Opcode {
	case OpText:
		if !utf8.Valid(msg.Payload) {
			c.fail(ErrInvalidUTF8)
			return
		}
		if c.state == StateOpen {
			c.handlers.fireMessage(msg.Opcode, msg.Payload)
		}
	case OpBinary:
		if c.state == StateOpen {
			c.handlers.fireMessage(msg.Opcode, msg.Payload)
		}
	case OpPing:
		if c.state == StateOpen {
			c.enqueue(c.codec.Encode(OpPong, msg.Payload, true))
		}
	case OpPong:
		c.pongReceived(msg.Payload)
	case OpClose:
		c.closeReceived(msg.Payload)
	}
}

func (c *Conn) closeReceived(payload []byte) {
	code, reason, err := parseCloseMessage(payload)
	if err != nil {
		c.fail(err)
		return
	}

	c.peerClosed = true
	c.closeCode, c.closeReason = code, reason
	if c.reassembler.InProgress() {
		c.log.Debug("discarding partial message")
		c.reassembler.Reset()
	}
	c.log.Debug("close frame received", slog.String("code", closeCodeString(code)), slog.String("reason", reason))

	switch c.state {
	case StateOpen:
		c.setState(StateClosing)
		c.stopKeepalive()
		c.sendClose(code, reason)
		c.closeAfterFlush = true
		if c.cfg.CloseTimeout > 0 {
			c.closeTimer = c.loop.AfterFunc(c.cfg.CloseTimeout, c.closeTimedOut)
		}
	case StateClosing:
		c.finishClose()
	}
}

func (c *Conn) pongReceived(payload []byte) {
	if c.pongTimer != nil {
		c.pongTimer.Stop()
		c.pongTimer = nil
		c.schedulePing()
	}
	c.handlers.firePong(payload)
}

func (c *Conn) readFailed(err error) {
	if c.state == StateClosing {
		if !c.peerClosed {
			c.closeCode, c.closeReason = CloseAbnormalClosure, ""
		}
		c.finishClose()
		return
	}
	c.fail(asTransportError("read", err))
}

func (c *Conn) sendClose(code int, reason string) {
	if c.closeSent {
		return
	}
	c.closeSent = true
	c.enqueue(c.codec.Encode(OpClose, FormatCloseMessage(code, reason), true))
}

func (c *Conn) enqueue(frame []byte) {
	c.outbox.Add(frame)
	c.flush()
}

func (c *Conn) flush() {
	if c.writing || c.outbox.Length() == 0 {
		return
	}
	c.writing = true
	c.transport.Write(c.outbox.Peek().([]byte), c.written)
}

func (c *Conn) written(err error) {
	c.writing = false
	c.outbox.Remove()

	if err != nil {
		if c.state.terminal() {
			c.release()
			return
		}
		if c.state == StateClosing && c.peerClosed {
			c.finishClose()
			return
		}
		c.fail(asTransportError("write", err))
		return
	}

	if c.outbox.Length() > 0 {
		c.flush()
		return
	}

	if c.closeAfterFlush {
		c.closeAfterFlush = false
		switch {
		case c.state == StateClosing:
			c.finishClose()
		case c.state.terminal():
			c.release()
		}
	}
}

func (c *Conn) finishClose() {
	if c.state != StateClosing {
		return
	}
	c.stopTimers()
	c.setState(StateClosed)
	c.release()
	c.handlers.fireClose(c.closeCode, c.closeReason)
}

// fail moves the connection to Failed and reports err. An open connection
// tells the peer why with a close frame before the transport is released.
func (c *Conn) fail(err error) {
	if c.state.terminal() {
		return
	}

	wasOpen := c.state == StateOpen || c.state == StateClosing
	c.stopTimers()
	c.setState(StateFailed)
	c.log.Warn("connection failed", slog.Any("error", err))

	if wasOpen && errors.Is(err, ErrProtocol) && !c.closeSent {
		c.sendClose(closeCodeFor(err), "")
		c.closeAfterFlush = true
		if c.cfg.CloseTimeout > 0 {
			c.closeTimer = c.loop.AfterFunc(c.cfg.CloseTimeout, c.release)
		}
		if c.cancel != nil {
			c.cancel()
		}
	} else {
		c.release()
	}

	c.handlers.fireError(err)
}

func (c *Conn) openTimedOut() {
	c.openTimer = nil
	if !c.state.opening() {
		return
	}

	op := "handshake"
	switch c.state {
	case StateResolving:
		op = "resolve"
	case StateConnecting:
		op = "dial"
	}
	c.fail(&TransportError{Op: op, Err: ErrTimeout})
}

func (c *Conn) closeTimedOut() {
	c.closeTimer = nil
	if c.state != StateClosing {
		return
	}
	c.log.Debug("close handshake timed out")
	if !c.peerClosed {
		c.closeCode, c.closeReason = CloseAbnormalClosure, ""
	}
	c.finishClose()
}

func (c *Conn) schedulePing() {
	if c.cfg.PingInterval <= 0 {
		return
	}
	c.pingTimer = c.loop.AfterFunc(c.cfg.PingInterval, c.keepalive)
}

func (c *Conn) keepalive() {
	c.pingTimer = nil
	if c.state != StateOpen {
		return
	}

	c.enqueue(c.codec.Encode(OpPing, nil, true))
	if c.cfg.PongTimeout < 0 {
		c.schedulePing()
		return
	}
	c.pongTimer = c.loop.AfterFunc(c.cfg.PongTimeout, func() {
		c.pongTimer = nil
		if c.state == StateOpen {
			c.fail(&TransportError{Op: "keepalive", Err: ErrPongTimeout})
		}
	})
}

func (c *Conn) stopKeepalive() {
	c.pingTimer.Stop()
	c.pongTimer.Stop()
	c.pingTimer, c.pongTimer = nil, nil
}

func (c *Conn) stopTimers() {
	c.stopKeepalive()
	c.openTimer.Stop()
	c.closeTimer.Stop()
	c.openTimer, c.closeTimer = nil, nil
}

// release cancels pending dials and closes the transport.
func (c *Conn) release() {
	c.closeTimer.Stop()
	c.closeTimer = nil
	if c.cancel != nil {
		c.cancel()
	}
	if err := c.transport.Close(); err != nil {
		c.log.Debug("transport close", slog.Any("error", err))
	}
}

func (c *Conn) setState(s State) {
	if c.state == s {
		return
	}
	c.log.Debug("state changed", slog.String("from", c.state.String()), slog.String("to", s.String()))
	c.state = s
}

func asTransportError(op string, err error) error {
	if errors.Is(err, ErrTransport) {
		return err
	}
	return &TransportError{Op: op, Err: err}
}
