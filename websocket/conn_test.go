package websocket

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitalvas/wspp/eventloop"
)

// fakeTransport is an in-memory Transport. Completions are posted to the
// loop so callbacks run the same way they do over a real socket.
type fakeTransport struct {
	loop *eventloop.Loop

	dialErr  error
	writeErr error
	holdDial bool

	dialed  []string
	writes  [][]byte
	inbound []byte
	eof     bool
	closed  bool

	pendingDial func(error)
	readBuf     []byte
	readDone    func(int, error)
}

func (f *fakeTransport) Dial(_ context.Context, addr string, done func(error)) {
	f.dialed = append(f.dialed, addr)
	if f.holdDial {
		f.pendingDial = done
		return
	}
	err := f.dialErr
	f.loop.Post(func() { done(err) })
}

func (f *fakeTransport) Read(p []byte, done func(int, error)) {
	f.readBuf, f.readDone = p, done
	f.deliver()
}

func (f *fakeTransport) Write(p []byte, done func(error)) {
	f.writes = append(f.writes, append([]byte(nil), p...))
	err := f.writeErr
	f.loop.Post(func() { done(err) })
}

func (f *fakeTransport) Close() error {
	f.closed = true
	if f.readDone != nil {
		done := f.readDone
		f.readDone = nil
		f.loop.Post(func() { done(0, &TransportError{Op: "read", Err: net.ErrClosed}) })
	}
	return nil
}

// feed makes b available to the next read.
func (f *fakeTransport) feed(b []byte) {
	f.inbound = append(f.inbound, b...)
	f.deliver()
}

// hangUp makes reads return io.EOF once inbound data is drained.
func (f *fakeTransport) hangUp() {
	f.eof = true
	f.deliver()
}

func (f *fakeTransport) deliver() {
	if f.readDone == nil {
		return
	}

	done := f.readDone
	switch {
	case len(f.inbound) > 0:
		n := copy(f.readBuf, f.inbound)
		f.inbound = f.inbound[n:]
		f.readDone = nil
		f.loop.Post(func() { done(n, nil) })
	case f.eof:
		f.readDone = nil
		f.loop.Post(func() { done(0, io.EOF) })
	}
}

// frames decodes every frame written after the handshake request.
func (f *fakeTransport) frames(t *testing.T) []Frame {
	t.Helper()
	codec := NewFrameCodec(RoleServer, 0)

	var out []Frame
	for _, w := range f.writes[1:] {
		for len(w) > 0 {
			fr, n, err := codec.Decode(w)
			require.NoError(t, err)
			require.NotZero(t, n, "partial frame in a single write")
			out = append(out, fr)
			w = w[n:]
		}
	}
	return out
}

type recorder struct {
	opens    int
	closes   []closeEvent
	messages []Message
	errs     []error
	pongs    [][]byte
}

type closeEvent struct {
	code   int
	reason string
}

func (r *recorder) attach(c *Conn) {
	c.SetOpenHandler(func() { r.opens++ })
	c.SetCloseHandler(func(code int, reason string) { r.closes = append(r.closes, closeEvent{code, reason}) })
	c.SetMessageHandler(func(op Opcode, payload []byte) { r.messages = append(r.messages, Message{op, payload}) })
	c.SetErrorHandler(func(err error) { r.errs = append(r.errs, err) })
	c.SetPongHandler(func(payload []byte) { r.pongs = append(r.pongs, payload) })
}

var serverCodec = NewFrameCodec(RoleServer, 0)

func newTestConn(t *testing.T, cfg *Config) (*Conn, *fakeTransport, *recorder) {
	t.Helper()
	if cfg == nil {
		cfg = &Config{}
	}

	loop := eventloop.New()
	ft := &fakeTransport{loop: loop}
	cfg.Loop = loop
	cfg.Transport = ft

	c, err := NewConn("ws://127.0.0.1:9000/chat", cfg)
	require.NoError(t, err)

	rec := &recorder{}
	rec.attach(c)
	return c, ft, rec
}

// acceptResponse builds a valid 101 response for the request in ft.writes[0].
func acceptResponse(t *testing.T, ft *fakeTransport, extra string) []byte {
	t.Helper()
	require.NotEmpty(t, ft.writes, "handshake request not written")

	req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(ft.writes[0])))
	require.NoError(t, err)

	return []byte("HTTP/1.1 101 Switching Protocols\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Accept: " + ComputeAcceptKey(req.Header.Get("Sec-WebSocket-Key")) + "\r\n" +
		extra + "\r\n")
}

func openTestConn(t *testing.T, cfg *Config) (*Conn, *fakeTransport, *recorder) {
	t.Helper()
	c, ft, rec := newTestConn(t, cfg)

	require.NoError(t, c.Connect())
	c.Poll()
	require.Equal(t, StateHandshaking, c.State())

	ft.feed(acceptResponse(t, ft, ""))
	c.Poll()
	require.Equal(t, StateOpen, c.State())
	require.Equal(t, 1, rec.opens)
	return c, ft, rec
}

// pollUntil drives the loop until cond holds.
func pollUntil(t *testing.T, c *Conn, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met, state %s", c.State())
		}
		c.Poll()
		time.Sleep(time.Millisecond)
	}
}

func TestNewConn(t *testing.T) {
	t.Run("Defaults", func(t *testing.T) {
		c, err := NewConn("ws://example.com/socket", nil)
		require.NoError(t, err)
		assert.Equal(t, StateInitial, c.State())
		assert.Equal(t, "ws://example.com/socket", c.URL())
		assert.False(t, c.Secure())
		assert.NotEmpty(t, c.ID())
		assert.NotNil(t, c.Loop())
	})

	t.Run("Secure", func(t *testing.T) {
		c, err := NewConn("wss://example.com/socket", nil)
		require.NoError(t, err)
		assert.True(t, c.Secure())
	})

	t.Run("Unique IDs", func(t *testing.T) {
		a, _ := NewConn("ws://example.com/", nil)
		b, _ := NewConn("ws://example.com/", nil)
		assert.NotEqual(t, a.ID(), b.ID())
	})

	t.Run("Bad scheme", func(t *testing.T) {
		_, err := NewConn("http://example.com/", nil)
		assert.ErrorIs(t, err, ErrBadScheme)
	})

	t.Run("Empty host", func(t *testing.T) {
		_, err := NewConn("ws:///path", nil)
		assert.ErrorIs(t, err, ErrEmptyHost)
	})

	t.Run("Invalid config", func(t *testing.T) {
		_, err := NewConn("ws://example.com/", &Config{MaxPayloadSize: -1})
		assert.Error(t, err)
	})

	t.Run("Bad proxy URL", func(t *testing.T) {
		_, err := NewConn("ws://example.com/", &Config{Proxy: "ftp://proxy"})
		assert.ErrorIs(t, err, ErrTransport)
	})
}

func TestStateString(t *testing.T) {
	names := map[State]string{
		StateInitial:     "initial",
		StateResolving:   "resolving",
		StateConnecting:  "connecting",
		StateHandshaking: "handshaking",
		StateOpen:        "open",
		StateClosing:     "closing",
		StateClosed:      "closed",
		StateFailed:      "failed",
		State(42):        "unknown",
	}
	for s, name := range names {
		assert.Equal(t, name, s.String())
	}
}

func TestConnOperationsBeforeConnect(t *testing.T) {
	c, ft, rec := newTestConn(t, nil)

	assert.ErrorIs(t, c.SendText("hi"), ErrInvalidState)
	assert.ErrorIs(t, c.SendBinary([]byte{1}), ErrInvalidState)
	assert.ErrorIs(t, c.Ping(nil), ErrInvalidState)
	assert.ErrorIs(t, c.Close(CloseNormalClosure, ""), ErrInvalidState)

	c.Poll()
	assert.Empty(t, ft.writes)
	assert.Empty(t, ft.dialed)
	assert.Equal(t, StateInitial, c.State())
	assert.Empty(t, rec.errs)
	assert.Empty(t, rec.closes)
}

func TestConnConnectTwice(t *testing.T) {
	c, _, _ := newTestConn(t, nil)
	require.NoError(t, c.Connect())
	assert.ErrorIs(t, c.Connect(), ErrInvalidState)
}

func TestConnOpenHandshake(t *testing.T) {
	c, ft, rec := newTestConn(t, &Config{
		Origin:       "http://example.com",
		UserAgent:    "wspp-test",
		Subprotocols: []string{"chat"},
		Header:       map[string]string{"Authorization": "Bearer x"},
	})

	require.NoError(t, c.Connect())
	assert.Equal(t, StateResolving, c.State())

	c.Poll()
	assert.Equal(t, []string{"127.0.0.1:9000"}, ft.dialed)
	assert.Equal(t, StateHandshaking, c.State())

	req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(ft.writes[0])))
	require.NoError(t, err)
	assert.Equal(t, "/chat", req.URL.Path)
	assert.Equal(t, "http://example.com", req.Header.Get("Origin"))
	assert.Equal(t, "wspp-test", req.Header.Get("User-Agent"))
	assert.Equal(t, "chat", req.Header.Get("Sec-WebSocket-Protocol"))
	assert.Equal(t, "Bearer x", req.Header.Get("Authorization"))
	assert.Equal(t, c.ID(), req.Header.Get("X-Request-ID"))

	// Response split across reads, with a frame right behind the headers.
	resp := acceptResponse(t, ft, "Sec-WebSocket-Protocol: chat\r\n")
	ft.feed(resp[:10])
	c.Poll()
	assert.Equal(t, StateHandshaking, c.State())

	ft.feed(append(resp[10:], serverCodec.Encode(OpText, []byte("welcome"), true)...))
	c.Poll()

	assert.Equal(t, StateOpen, c.State())
	assert.Equal(t, "chat", c.Subprotocol())
	assert.Equal(t, 1, rec.opens)
	require.Len(t, rec.messages, 1)
	assert.Equal(t, "welcome", string(rec.messages[0].Payload))
	assert.Empty(t, rec.errs)
}

func TestConnBadHandshake(t *testing.T) {
	tests := []struct {
		name     string
		response func(t *testing.T, ft *fakeTransport) []byte
		status   int
	}{
		{
			name: "Wrong accept key",
			response: func(_ *testing.T, _ *fakeTransport) []byte {
				return []byte("HTTP/1.1 101 Switching Protocols\r\nUpgrade: websocket\r\nConnection: Upgrade\r\n" +
					"Sec-WebSocket-Accept: " + ComputeAcceptKey("wrong") + "\r\n\r\n")
			},
			status: 101,
		},
		{
			name: "Not found",
			response: func(_ *testing.T, _ *fakeTransport) []byte {
				return []byte("HTTP/1.1 404 Not Found\r\nContent-Length: 0\r\n\r\n")
			},
			status: 404,
		},
		{
			name: "Extension not offered",
			response: func(t *testing.T, ft *fakeTransport) []byte {
				return acceptResponse(t, ft, "Sec-WebSocket-Extensions: permessage-deflate\r\n")
			},
			status: 101,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, ft, rec := newTestConn(t, nil)
			require.NoError(t, c.Connect())
			c.Poll()

			ft.feed(tt.response(t, ft))
			c.Poll()

			assert.Equal(t, StateFailed, c.State())
			assert.Zero(t, rec.opens)
			assert.Empty(t, rec.closes)
			require.Len(t, rec.errs, 1)
			assert.ErrorIs(t, rec.errs[0], ErrBadHandshake)

			var he *HandshakeError
			require.ErrorAs(t, rec.errs[0], &he)
			assert.Equal(t, tt.status, he.StatusCode)
			assert.True(t, ft.closed)
		})
	}
}

func TestConnDialFailure(t *testing.T) {
	c, ft, rec := newTestConn(t, nil)
	ft.dialErr = errors.New("connection refused")

	require.NoError(t, c.Connect())
	c.Poll()

	assert.Equal(t, StateFailed, c.State())
	require.Len(t, rec.errs, 1)
	assert.ErrorIs(t, rec.errs[0], ErrTransport)

	var te *TransportError
	require.ErrorAs(t, rec.errs[0], &te)
	assert.Equal(t, "dial", te.Op)
	assert.Zero(t, rec.opens)
}

func TestConnOpenTimeout(t *testing.T) {
	c, ft, rec := newTestConn(t, &Config{OpenTimeout: 20 * time.Millisecond})
	ft.holdDial = true

	require.NoError(t, c.Connect())
	pollUntil(t, c, func() bool { return c.State() == StateFailed })

	require.Len(t, rec.errs, 1)
	assert.ErrorIs(t, rec.errs[0], ErrTimeout)
	assert.ErrorIs(t, rec.errs[0], ErrTransport)

	// A dial completing after the timeout is ignored.
	ft.pendingDial(nil)
	c.Poll()
	assert.Equal(t, StateFailed, c.State())
	assert.Len(t, rec.errs, 1)
	assert.Zero(t, rec.opens)
}

func TestConnCloseWhileConnecting(t *testing.T) {
	c, ft, rec := newTestConn(t, nil)
	ft.holdDial = true

	require.NoError(t, c.Connect())
	c.Poll()
	require.Equal(t, StateConnecting, c.State())

	assert.ErrorIs(t, c.Close(999, "bad"), ErrInvalidCloseCode)
	assert.ErrorIs(t, c.Close(CloseAbnormalClosure, ""), ErrInvalidCloseCode)
	assert.Equal(t, StateConnecting, c.State())
	assert.False(t, ft.closed)

	require.NoError(t, c.Close(CloseNormalClosure, "cancel"))
	assert.Equal(t, StateClosed, c.State())
	assert.True(t, ft.closed)

	c.Poll()
	require.Len(t, rec.closes, 1)
	assert.Equal(t, closeEvent{CloseNormalClosure, "cancel"}, rec.closes[0])
	assert.Empty(t, rec.errs)
	assert.Zero(t, rec.opens)

	assert.ErrorIs(t, c.Close(CloseNormalClosure, ""), ErrInvalidState)
}

func TestConnSend(t *testing.T) {
	c, ft, _ := openTestConn(t, nil)

	require.NoError(t, c.SendText("hello"))
	require.NoError(t, c.SendBinary([]byte{1, 2, 3}))
	c.Poll()

	frames := ft.frames(t)
	require.Len(t, frames, 2)

	assert.Equal(t, OpText, frames[0].Opcode)
	assert.True(t, frames[0].Final)
	assert.True(t, frames[0].Masked)
	assert.Equal(t, "hello", string(frames[0].Payload))

	assert.Equal(t, OpBinary, frames[1].Opcode)
	assert.Equal(t, []byte{1, 2, 3}, frames[1].Payload)

	assert.ErrorIs(t, c.Send(OpPing, nil), ErrInvalidMessageType)
}

func TestConnSendFragmented(t *testing.T) {
	c, ft, _ := openTestConn(t, &Config{FragmentSize: 4})

	require.NoError(t, c.SendText("abcdefghij"))
	c.Poll()

	frames := ft.frames(t)
	require.Len(t, frames, 3)

	assert.Equal(t, OpText, frames[0].Opcode)
	assert.False(t, frames[0].Final)
	assert.Equal(t, OpContinuation, frames[1].Opcode)
	assert.False(t, frames[1].Final)
	assert.Equal(t, OpContinuation, frames[2].Opcode)
	assert.True(t, frames[2].Final)

	r := NewReassembler(0)
	var msg Message
	for _, f := range frames {
		m, ok, err := r.Push(f)
		require.NoError(t, err)
		if ok {
			msg = m
		}
	}
	assert.Equal(t, "abcdefghij", string(msg.Payload))
}

func TestConnSendFragmentSizeDefaults(t *testing.T) {
	large := bytes.Repeat([]byte("x"), DefaultFragmentSize+1)

	t.Run("Zero uses the default", func(t *testing.T) {
		c, ft, _ := openTestConn(t, &Config{FragmentSize: 0})
		require.NoError(t, c.SendBinary(large))
		c.Poll()

		frames := ft.frames(t)
		require.Len(t, frames, 2)
		assert.Len(t, frames[0].Payload, DefaultFragmentSize)
	})

	t.Run("Negative disables fragmentation", func(t *testing.T) {
		c, ft, _ := openTestConn(t, &Config{FragmentSize: -1})
		require.NoError(t, c.SendBinary(large))
		c.Poll()

		frames := ft.frames(t)
		require.Len(t, frames, 1)
		assert.True(t, frames[0].Final)
		assert.Len(t, frames[0].Payload, len(large))
	})
}

func TestConnWritesAreOrdered(t *testing.T) {
	c, ft, _ := openTestConn(t, nil)

	for i := 0; i < 10; i++ {
		require.NoError(t, c.SendText(strings.Repeat("x", i)))
	}
	c.Poll()

	frames := ft.frames(t)
	require.Len(t, frames, 10)
	for i, f := range frames {
		assert.Len(t, f.Payload, i)
	}
}

func TestConnReceiveFragmented(t *testing.T) {
	c, ft, rec := openTestConn(t, nil)

	ft.feed(serverCodec.Encode(OpText, []byte("ab"), false))
	ft.feed(serverCodec.Encode(OpPing, []byte("mid"), true))
	ft.feed(serverCodec.Encode(OpContinuation, []byte("cd"), false))
	ft.feed(serverCodec.Encode(OpContinuation, []byte("ef"), true))
	pollUntil(t, c, func() bool { return len(rec.messages) == 1 })

	assert.Equal(t, OpText, rec.messages[0].Opcode)
	assert.Equal(t, "abcdef", string(rec.messages[0].Payload))

	frames := ft.frames(t)
	require.Len(t, frames, 1)
	assert.Equal(t, OpPong, frames[0].Opcode)
	assert.Equal(t, "mid", string(frames[0].Payload))
}

func TestConnPingPong(t *testing.T) {
	c, ft, rec := openTestConn(t, nil)

	require.NoError(t, c.Ping([]byte("hb")))
	assert.ErrorIs(t, c.Ping(make([]byte, 126)), ErrControlTooLong)
	c.Poll()

	frames := ft.frames(t)
	require.Len(t, frames, 1)
	assert.Equal(t, OpPing, frames[0].Opcode)
	assert.Equal(t, "hb", string(frames[0].Payload))

	ft.feed(serverCodec.Encode(OpPong, []byte("hb"), true))
	c.Poll()
	require.Len(t, rec.pongs, 1)
	assert.Equal(t, "hb", string(rec.pongs[0]))
}

func TestConnServerInitiatedClose(t *testing.T) {
	c, ft, rec := openTestConn(t, nil)

	ft.feed(serverCodec.Encode(OpClose, FormatCloseMessage(CloseNormalClosure, "bye"), true))
	c.Poll()

	assert.Equal(t, StateClosed, c.State())
	require.Len(t, rec.closes, 1)
	assert.Equal(t, closeEvent{CloseNormalClosure, "bye"}, rec.closes[0])
	assert.Empty(t, rec.errs)
	assert.True(t, ft.closed)

	frames := ft.frames(t)
	require.Len(t, frames, 1)
	assert.Equal(t, OpClose, frames[0].Opcode)
	code, reason, err := parseCloseMessage(frames[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, CloseNormalClosure, code)
	assert.Equal(t, "bye", reason)

	c.Poll()
	assert.Len(t, rec.closes, 1)
}

func TestConnServerCloseWithoutStatus(t *testing.T) {
	c, ft, rec := openTestConn(t, nil)

	ft.feed(serverCodec.Encode(OpClose, nil, true))
	c.Poll()

	assert.Equal(t, StateClosed, c.State())
	require.Len(t, rec.closes, 1)
	assert.Equal(t, closeEvent{CloseNoStatusReceived, ""}, rec.closes[0])

	frames := ft.frames(t)
	require.Len(t, frames, 1)
	assert.Equal(t, OpClose, frames[0].Opcode)
	assert.Empty(t, frames[0].Payload, "echo carries no status when the peer sent none")
}

func TestConnCloseDiscardsPartialMessage(t *testing.T) {
	c, ft, rec := openTestConn(t, nil)

	ft.feed(serverCodec.Encode(OpText, []byte("half"), false))
	c.Poll()
	require.True(t, c.reassembler.InProgress())

	ft.feed(serverCodec.Encode(OpClose, FormatCloseMessage(CloseGoingAway, ""), true))
	c.Poll()

	assert.False(t, c.reassembler.InProgress())
	assert.Equal(t, StateClosed, c.State())
	assert.Empty(t, rec.messages)
	assert.Empty(t, rec.errs)
	require.Len(t, rec.closes, 1)
	assert.Equal(t, CloseGoingAway, rec.closes[0].code)
}

func TestConnClientInitiatedClose(t *testing.T) {
	c, ft, rec := openTestConn(t, nil)

	require.NoError(t, c.Close(CloseNormalClosure, "done"))
	assert.Equal(t, StateClosing, c.State())
	assert.ErrorIs(t, c.Close(CloseNormalClosure, "again"), ErrInvalidState)
	assert.ErrorIs(t, c.SendText("late"), ErrInvalidState)
	c.Poll()

	frames := ft.frames(t)
	require.Len(t, frames, 1)
	assert.Equal(t, OpClose, frames[0].Opcode)

	// Data still arriving before the peer's close is dropped.
	ft.feed(serverCodec.Encode(OpText, []byte("in flight"), true))
	ft.feed(serverCodec.Encode(OpClose, FormatCloseMessage(CloseNormalClosure, ""), true))
	c.Poll()

	assert.Equal(t, StateClosed, c.State())
	require.Len(t, rec.closes, 1)
	assert.Equal(t, CloseNormalClosure, rec.closes[0].code)
	assert.Empty(t, rec.messages)
	assert.Empty(t, rec.errs)
	assert.Len(t, ft.frames(t), 1, "close frame must be sent once")
}

func TestConnCloseInvalidCode(t *testing.T) {
	c, _, _ := openTestConn(t, nil)

	assert.ErrorIs(t, c.Close(CloseAbnormalClosure, ""), ErrInvalidCloseCode)
	assert.ErrorIs(t, c.Close(999, ""), ErrInvalidCloseCode)
	assert.Equal(t, StateOpen, c.State())
}

func TestConnCloseTimeout(t *testing.T) {
	c, _, rec := openTestConn(t, &Config{CloseTimeout: 20 * time.Millisecond})

	require.NoError(t, c.Close(CloseNormalClosure, ""))
	pollUntil(t, c, func() bool { return c.State() == StateClosed })

	require.Len(t, rec.closes, 1)
	assert.Equal(t, CloseAbnormalClosure, rec.closes[0].code)
	assert.Empty(t, rec.errs)
}

func TestConnPeerHangsUpWhileClosing(t *testing.T) {
	c, ft, rec := openTestConn(t, nil)

	require.NoError(t, c.Close(CloseGoingAway, ""))
	c.Poll()
	ft.hangUp()
	c.Poll()

	assert.Equal(t, StateClosed, c.State())
	require.Len(t, rec.closes, 1)
	assert.Equal(t, CloseAbnormalClosure, rec.closes[0].code)
	assert.Empty(t, rec.errs)
}

func TestConnUnexpectedEOF(t *testing.T) {
	c, ft, rec := openTestConn(t, nil)

	ft.hangUp()
	c.Poll()

	assert.Equal(t, StateFailed, c.State())
	require.Len(t, rec.errs, 1)
	assert.ErrorIs(t, rec.errs[0], ErrTransport)
	assert.ErrorIs(t, rec.errs[0], io.EOF)
	assert.Empty(t, rec.closes)
}

func TestConnProtocolViolations(t *testing.T) {
	tests := []struct {
		name string
		wire []byte
		err  error
		code int
	}{
		{"Masked frame", NewFrameCodec(RoleClient, 0).Encode(OpText, []byte("x"), true), ErrMaskedFrame, CloseProtocolError},
		{"Reserved bits", []byte{0xc1, 0x00}, ErrReservedBits, CloseProtocolError},
		{"Oversized control", []byte{0x89, 126, 0x00, 0x7e}, ErrControlFramePayloadTooBig, CloseProtocolError},
		{"Orphan continuation", serverCodec.Encode(OpContinuation, []byte("x"), true), ErrUnexpectedContinuation, CloseProtocolError},
		{"Invalid UTF-8", serverCodec.Encode(OpText, []byte{0xff, 0xfe}, true), ErrInvalidUTF8, CloseInvalidFramePayloadData},
		{"Bad close payload", serverCodec.Encode(OpClose, []byte{0x03}, true), ErrInvalidClosePayload, CloseProtocolError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, ft, rec := openTestConn(t, nil)

			ft.feed(tt.wire)
			c.Poll()

			assert.Equal(t, StateFailed, c.State())
			require.Len(t, rec.errs, 1)
			assert.ErrorIs(t, rec.errs[0], tt.err)
			assert.ErrorIs(t, rec.errs[0], ErrProtocol)
			assert.Empty(t, rec.closes)
			assert.Empty(t, rec.messages)

			frames := ft.frames(t)
			require.Len(t, frames, 1)
			assert.Equal(t, OpClose, frames[0].Opcode)
			code, _, err := parseCloseMessage(frames[0].Payload)
			require.NoError(t, err)
			assert.Equal(t, tt.code, code)
			assert.True(t, ft.closed)
		})
	}
}

func TestConnMessageTooBig(t *testing.T) {
	c, ft, rec := openTestConn(t, &Config{MaxPayloadSize: 8})

	ft.feed(serverCodec.Encode(OpBinary, make([]byte, 5), false))
	ft.feed(serverCodec.Encode(OpContinuation, make([]byte, 5), true))
	c.Poll()

	assert.Equal(t, StateFailed, c.State())
	require.Len(t, rec.errs, 1)
	assert.ErrorIs(t, rec.errs[0], ErrMessageTooBig)

	frames := ft.frames(t)
	require.Len(t, frames, 1)
	code, _, _ := parseCloseMessage(frames[0].Payload)
	assert.Equal(t, CloseMessageTooBig, code)
}

func TestConnKeepalive(t *testing.T) {
	t.Run("Pong keeps connection open", func(t *testing.T) {
		c, ft, rec := openTestConn(t, &Config{PingInterval: 10 * time.Millisecond, PongTimeout: time.Second})

		pollUntil(t, c, func() bool { return len(ft.writes) > 1 })
		frames := ft.frames(t)
		require.Len(t, frames, 1)
		assert.Equal(t, OpPing, frames[0].Opcode)

		ft.feed(serverCodec.Encode(OpPong, nil, true))
		pollUntil(t, c, func() bool { return len(ft.writes) > 2 })

		assert.Equal(t, StateOpen, c.State())
		assert.Empty(t, rec.errs)
		assert.Len(t, rec.pongs, 1)
	})

	t.Run("Negative pong timeout never fails", func(t *testing.T) {
		c, ft, rec := openTestConn(t, &Config{PingInterval: 5 * time.Millisecond, PongTimeout: -1})

		pollUntil(t, c, func() bool { return len(ft.writes) > 3 })

		assert.Equal(t, StateOpen, c.State())
		assert.Empty(t, rec.errs)
		for _, f := range ft.frames(t) {
			assert.Equal(t, OpPing, f.Opcode)
		}
	})

	t.Run("Missing pong fails the connection", func(t *testing.T) {
		c, _, rec := openTestConn(t, &Config{PingInterval: 10 * time.Millisecond, PongTimeout: 20 * time.Millisecond})

		pollUntil(t, c, func() bool { return c.State() == StateFailed })
		require.Len(t, rec.errs, 1)
		assert.ErrorIs(t, rec.errs[0], ErrPongTimeout)
		assert.ErrorIs(t, rec.errs[0], ErrTransport)
	})
}

func TestConnWriteFailure(t *testing.T) {
	c, ft, rec := openTestConn(t, nil)
	ft.writeErr = errors.New("broken pipe")

	require.NoError(t, c.SendText("x"))
	c.Poll()

	assert.Equal(t, StateFailed, c.State())
	require.Len(t, rec.errs, 1)

	var te *TransportError
	require.ErrorAs(t, rec.errs[0], &te)
	assert.Equal(t, "write", te.Op)
}

func TestConnShutdown(t *testing.T) {
	c, ft, rec := openTestConn(t, nil)

	c.Shutdown()
	assert.Equal(t, StateClosed, c.State())
	c.Poll()

	frames := ft.frames(t)
	require.Len(t, frames, 1)
	code, _, _ := parseCloseMessage(frames[0].Payload)
	assert.Equal(t, CloseGoingAway, code)
	assert.True(t, ft.closed)
	assert.Empty(t, rec.closes)
	assert.Empty(t, rec.errs)

	c.Shutdown()
	assert.Equal(t, StateClosed, c.State())
}

func TestConnRunReturnsWhenIdle(t *testing.T) {
	c, ft, rec := openTestConn(t, nil)

	ft.feed(serverCodec.Encode(OpClose, FormatCloseMessage(CloseNormalClosure, ""), true))

	done := make(chan struct{})
	go func() {
		c.Run()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.True(t, c.Stopped())
	assert.Len(t, rec.closes, 1)
}
