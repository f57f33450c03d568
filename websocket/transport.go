package websocket

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/url"
	"sync"

	"golang.org/x/net/proxy"

	"github.com/vitalvas/wspp/eventloop"
)

// Transport is the byte stream beneath a connection. Every method returns
// immediately; the done callbacks run later on the connection's loop.
// Implementations only need to support one outstanding Read and one
// outstanding Write at a time.
type Transport interface {
	// Dial connects to addr, a host:port pair.
	Dial(ctx context.Context, addr string, done func(err error))

	// Read reads into p.
	Read(p []byte, done func(n int, err error))

	// Write writes all of p.
	Write(p []byte, done func(err error))

	// Close releases the connection and makes pending operations fail.
	Close() error
}

// plainTransport is a TCP byte stream, optionally reached through a proxy.
type plainTransport struct {
	loop   *eventloop.Loop
	dialer proxy.ContextDialer

	mu     sync.Mutex
	conn   net.Conn
	closed bool
}

// NewPlainTransport returns a Transport that dials TCP with dialer. A nil
// dialer uses a zero net.Dialer.
func NewPlainTransport(loop *eventloop.Loop, dialer proxy.ContextDialer) Transport {
	return newPlainTransport(loop, dialer)
}

func newPlainTransport(loop *eventloop.Loop, dialer proxy.ContextDialer) *plainTransport {
	if dialer == nil {
		dialer = &net.Dialer{}
	}
	return &plainTransport{loop: loop, dialer: dialer}
}

func (t *plainTransport) Dial(ctx context.Context, addr string, done func(error)) {
	t.loop.Go(func() func() {
		conn, err := t.dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return func() { done(&TransportError{Op: "dial", Err: err}) }
		}
		return func() { done(t.attach(conn, "dial")) }
	})
}

// attach installs conn unless Close already ran.
func (t *plainTransport) attach(conn net.Conn, op string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		conn.Close()
		return &TransportError{Op: op, Err: net.ErrClosed}
	}
	t.conn = conn
	return nil
}

func (t *plainTransport) current() net.Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn
}

func (t *plainTransport) Read(p []byte, done func(int, error)) {
	conn := t.current()
	if conn == nil {
		t.loop.Post(func() { done(0, &TransportError{Op: "read", Err: net.ErrClosed}) })
		return
	}

	t.loop.Go(func() func() {
		n, err := conn.Read(p)
		if err != nil {
			err = &TransportError{Op: "read", Err: err}
		}
		return func() { done(n, err) }
	})
}

func (t *plainTransport) Write(p []byte, done func(error)) {
	conn := t.current()
	if conn == nil {
		t.loop.Post(func() { done(&TransportError{Op: "write", Err: net.ErrClosed}) })
		return
	}

	t.loop.Go(func() func() {
		_, err := conn.Write(p)
		if err != nil {
			err = &TransportError{Op: "write", Err: err}
		}
		return func() { done(err) }
	})
}

func (t *plainTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true
	if t.conn != nil {
		return t.conn.Close()
	}
	return nil
}

// tlsTransport wraps the TCP stream in a TLS client session.
type tlsTransport struct {
	*plainTransport
	config *tls.Config
}

// NewTLSTransport returns a Transport that performs a TLS client handshake
// with config after the TCP connection is established.
func NewTLSTransport(loop *eventloop.Loop, dialer proxy.ContextDialer, config *tls.Config) Transport {
	return &tlsTransport{plainTransport: newPlainTransport(loop, dialer), config: config}
}

func (t *tlsTransport) Dial(ctx context.Context, addr string, done func(error)) {
	t.loop.Go(func() func() {
		raw, err := t.dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return func() { done(&TransportError{Op: "dial", Err: err}) }
		}

		conn := tls.Client(raw, t.config)
		if err := conn.HandshakeContext(ctx); err != nil {
			raw.Close()
			return func() { done(&TransportError{Op: "tls", Err: err}) }
		}
		return func() { done(t.attach(conn, "tls")) }
	})
}

// newDialer returns the dialer for cfg, going through cfg.Proxy when set.
func newDialer(cfg *Config) (proxy.ContextDialer, error) {
	base := &net.Dialer{}
	if cfg.Proxy == "" {
		return base, nil
	}

	u, err := url.Parse(cfg.Proxy)
	if err != nil {
		return nil, err
	}
	d, err := proxy.FromURL(u, base)
	if err != nil {
		return nil, err
	}
	if cd, ok := d.(proxy.ContextDialer); ok {
		return cd, nil
	}
	return contextDialer{d}, nil
}

// contextDialer adapts a proxy.Dialer without context support.
type contextDialer struct {
	proxy.Dialer
}

func (d contextDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := d.Dial(network, addr)
		ch <- result{conn, err}
	}()

	select {
	case r := <-ch:
		return r.conn, r.err
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.conn != nil {
				r.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

// newTransport selects the transport for u: TLS for wss, plain TCP otherwise.
func newTransport(loop *eventloop.Loop, u *url.URL, cfg *Config) (Transport, error) {
	dialer, err := newDialer(cfg)
	if err != nil {
		return nil, &TransportError{Op: "proxy", Err: err}
	}

	if u.Scheme != "wss" {
		return newPlainTransport(loop, dialer), nil
	}

	tlsConfig, err := cfg.TLS.tlsClientConfig(u.Hostname())
	if err != nil {
		return nil, &TransportError{Op: "tls", Err: err}
	}
	return NewTLSTransport(loop, dialer, tlsConfig), nil
}

var errNoAddresses = errors.New("no addresses")
