// Package wstest provides a scripted WebSocket server for exercising clients
// over real loopback connections.
package wstest

import (
	"bufio"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"io"
	"math/big"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/vitalvas/wspp/websocket"
)

// DefaultTimeout bounds every blocking Peer operation.
const DefaultTimeout = 5 * time.Second

// Upgrader controls how the server answers the opening handshake.
type Upgrader struct {
	// Subprotocol is returned in Sec-WebSocket-Protocol when set.
	Subprotocol string

	// Header holds extra response headers.
	Header http.Header

	// Respond replaces the 101 response. It receives the client's request and
	// the correct Sec-WebSocket-Accept value and writes any response it likes.
	Respond func(w io.Writer, r *http.Request, accept string) error

	// Silent accepts TCP connections but never answers the handshake.
	Silent bool

	// MaxPayload limits frames read from the client; zero means unlimited.
	MaxPayload int64
}

// Server accepts client connections on a loopback listener and runs a
// handler for each one on its own goroutine.
type Server struct {
	// URL is the ws:// or wss:// address of the server.
	URL string

	cert     *x509.Certificate
	upgrader Upgrader
	handler  func(*Peer)
	ln       net.Listener

	mu    sync.Mutex
	conns []net.Conn
	wg    sync.WaitGroup
}

// NewServer starts a server. handler runs after a successful handshake and
// the connection is closed when it returns.
func NewServer(upgrader Upgrader, handler func(*Peer)) (*Server, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}

	return start(&Server{
		URL:      "ws://" + ln.Addr().String() + "/",
		upgrader: upgrader,
		handler:  handler,
		ln:       ln,
	}), nil
}

// NewTLSServer is like NewServer but serves wss:// with a freshly generated
// self-signed certificate for 127.0.0.1. Clients must trust CertificatePEM
// or skip verification.
func NewTLSServer(upgrader Upgrader, handler func(*Peer)) (*Server, error) {
	cert, err := selfSignedCertificate()
	if err != nil {
		return nil, err
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}

	config := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
	}

	return start(&Server{
		URL:      "wss://" + ln.Addr().String() + "/",
		cert:     cert.Leaf,
		upgrader: upgrader,
		handler:  handler,
		ln:       tls.NewListener(ln, config),
	}), nil
}

func start(s *Server) *Server {
	s.wg.Add(1)
	go s.serve()
	return s
}

// CertificatePEM returns the PEM encoded certificate of a TLS server, or nil
// for a plain one.
func (s *Server) CertificatePEM() []byte {
	if s.cert == nil {
		return nil
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: s.cert.Raw})
}

func selfSignedCertificate() (tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}

	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{Organization: []string{"wstest"}},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
		DNSNames:              []string{"localhost"},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, err
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return tls.Certificate{}, err
	}

	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key, Leaf: leaf}, nil
}

// Addr returns the listener address.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Close stops the listener, closes open connections and waits for handlers.
func (s *Server) Close() error {
	err := s.ln.Close()

	s.mu.Lock()
	for _, c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	return err
}

func (s *Server) serve() {
	defer s.wg.Done()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}

		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(conn)
		}()
	}
}

func (s *Server) handle(conn net.Conn) {
	if s.upgrader.Silent {
		_, _ = io.Copy(io.Discard, conn)
		return
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(DefaultTimeout))
	br := bufio.NewReader(conn)
	req, err := http.ReadRequest(br)
	if err != nil {
		return
	}

	key := req.Header.Get("Sec-WebSocket-Key")
	accept := websocket.ComputeAcceptKey(key)

	if s.upgrader.Respond != nil {
		if err := s.upgrader.Respond(conn, req, accept); err != nil {
			return
		}
	} else {
		if !validUpgrade(req) || key == "" {
			_, _ = io.WriteString(conn, "HTTP/1.1 400 Bad Request\r\nContent-Length: 0\r\n\r\n")
			return
		}
		if err := s.writeResponse(conn, accept); err != nil {
			return
		}
	}

	peer := &Peer{
		Request: req,
		conn:    conn,
		br:      br,
		codec:   websocket.NewFrameCodec(websocket.RoleServer, s.upgrader.MaxPayload),
	}
	peer.decoder = websocket.NewDecoder(peer.codec)

	if s.handler != nil {
		s.handler(peer)
	}
}

// writeResponse sends the server handshake response per RFC 6455, section 4.2.2.
func (s *Server) writeResponse(w io.Writer, accept string) error {
	var b strings.Builder
	b.WriteString("HTTP/1.1 101 Switching Protocols\r\n")
	b.WriteString("Upgrade: websocket\r\n")
	b.WriteString("Connection: Upgrade\r\n")
	b.WriteString("Sec-WebSocket-Accept: ")
	b.WriteString(accept)
	b.WriteString("\r\n")

	if s.upgrader.Subprotocol != "" {
		b.WriteString("Sec-WebSocket-Protocol: ")
		b.WriteString(s.upgrader.Subprotocol)
		b.WriteString("\r\n")
	}

	for k, vs := range s.upgrader.Header {
		for _, v := range vs {
			b.WriteString(k)
			b.WriteString(": ")
			b.WriteString(v)
			b.WriteString("\r\n")
		}
	}

	b.WriteString("\r\n")
	_, err := io.WriteString(w, b.String())
	return err
}

// validUpgrade reports whether r is a WebSocket upgrade request per RFC 6455,
// section 4.2.1.
func validUpgrade(r *http.Request) bool {
	return r.Method == http.MethodGet &&
		headerContainsToken(r.Header, "Connection", "upgrade") &&
		headerContainsToken(r.Header, "Upgrade", "websocket") &&
		r.Header.Get("Sec-WebSocket-Version") == "13"
}

func headerContainsToken(h http.Header, name, token string) bool {
	for _, v := range h.Values(name) {
		for _, t := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(t), token) {
				return true
			}
		}
	}
	return false
}

// Peer is the server side of one upgraded connection.
type Peer struct {
	// Request is the client's opening handshake request.
	Request *http.Request

	conn    net.Conn
	br      *bufio.Reader
	codec   *websocket.FrameCodec
	decoder *websocket.Decoder
}

// WriteFrame sends a single unmasked frame.
func (p *Peer) WriteFrame(op websocket.Opcode, payload []byte, final bool) error {
	return p.WriteRaw(p.codec.Encode(op, payload, final))
}

// WriteClose sends a close frame with code and reason.
func (p *Peer) WriteClose(code int, reason string) error {
	return p.WriteFrame(websocket.OpClose, websocket.FormatCloseMessage(code, reason), true)
}

// WriteRaw sends b as-is, for malformed input.
func (p *Peer) WriteRaw(b []byte) error {
	_ = p.conn.SetWriteDeadline(time.Now().Add(DefaultTimeout))
	_, err := p.conn.Write(b)
	return err
}

// ReadFrame reads the next frame from the client.
func (p *Peer) ReadFrame() (websocket.Frame, error) {
	_ = p.conn.SetReadDeadline(time.Now().Add(DefaultTimeout))

	buf := make([]byte, 4096)
	for {
		f, ok, err := p.decoder.Next()
		if err != nil {
			return websocket.Frame{}, err
		}
		if ok {
			return f, nil
		}

		n, err := p.br.Read(buf)
		if n > 0 {
			_, _ = p.decoder.Write(buf[:n])
			continue
		}
		if err != nil {
			return websocket.Frame{}, err
		}
	}
}

// ReadMessage reads the next complete data message, answering pings on the
// way. A close frame is returned as an OpClose message.
func (p *Peer) ReadMessage() (websocket.Message, error) {
	r := websocket.NewReassembler(0)
	for {
		f, err := p.ReadFrame()
		if err != nil {
			return websocket.Message{}, err
		}

		msg, ok, err := r.Push(f)
		if err != nil {
			return websocket.Message{}, err
		}
		if !ok {
			continue
		}

		if msg.Opcode == websocket.OpPing {
			if err := p.WriteFrame(websocket.OpPong, msg.Payload, true); err != nil {
				return websocket.Message{}, err
			}
			continue
		}
		return msg, nil
	}
}

// Echo sends every data message back until the client closes, then answers
// the close frame.
func (p *Peer) Echo() error {
	for {
		msg, err := p.ReadMessage()
		if err != nil {
			return err
		}

		switch msg.Opcode {
		case websocket.OpClose:
			return p.WriteFrame(websocket.OpClose, msg.Payload, true)
		case websocket.OpText, websocket.OpBinary:
			if err := p.WriteFrame(msg.Opcode, msg.Payload, true); err != nil {
				return err
			}
		}
	}
}

// Close closes the TCP connection.
func (p *Peer) Close() error {
	return p.conn.Close()
}

// ErrUnexpectedFrame is returned by Expect when the frame has the wrong opcode.
var ErrUnexpectedFrame = errors.New("wstest: unexpected frame")

// Expect reads the next message and checks its opcode.
func (p *Peer) Expect(op websocket.Opcode) (websocket.Message, error) {
	msg, err := p.ReadMessage()
	if err != nil {
		return msg, err
	}
	if msg.Opcode != op {
		return msg, ErrUnexpectedFrame
	}
	return msg, nil
}
