package websocket

import (
	"bufio"
	"bytes"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
)

// WebSocket protocol constants per RFC 6455.
const (
	// websocketGUID is the globally unique identifier for WebSocket handshake
	// per RFC 6455, section 4.2.2, item 5.4.
	websocketGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

	// websocketVersion is the WebSocket protocol version per RFC 6455, section 4.2.1, item 6.
	websocketVersion = "13"
)

var headerTerminator = []byte("\r\n\r\n")

// Handshake is the client side of one opening handshake, RFC 6455 section 4.1.
type Handshake struct {
	// Key is the base64 encoded nonce sent as Sec-WebSocket-Key.
	Key string

	// MaxResponseSize bounds the server's response header block. Zero means
	// unlimited.
	MaxResponseSize int

	req          *http.Request
	subprotocols []string
}

// NewHandshake prepares an upgrade request for u. Entries in header are sent
// as-is, except that the handshake headers always take precedence.
func NewHandshake(u *url.URL, header http.Header, subprotocols []string) *Handshake {
	key := generateChallengeKey()

	req := &http.Request{
		Method:     http.MethodGet,
		URL:        &url.URL{Path: u.Path, RawPath: u.RawPath, RawQuery: u.RawQuery},
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     make(http.Header),
		Host:       u.Host,
	}
	if req.URL.Path == "" {
		req.URL.Path = "/"
	}

	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Sec-WebSocket-Key", key)
	req.Header.Set("Sec-WebSocket-Version", websocketVersion)
	if len(subprotocols) > 0 {
		req.Header.Set("Sec-WebSocket-Protocol", strings.Join(subprotocols, ", "))
	}

	return &Handshake{
		Key:          key,
		req:          req,
		subprotocols: subprotocols,
	}
}

// Request returns the wire form of the upgrade request.
func (h *Handshake) Request() []byte {
	var buf bytes.Buffer
	_ = h.req.Write(&buf)
	return buf.Bytes()
}

// ParseResponse validates the server's response per RFC 6455, section 4.1.
// It returns n == 0 and a nil error while buf does not yet hold the complete
// header block. On success n is the length of the header block; any bytes
// after it belong to the frame stream.
func (h *Handshake) ParseResponse(buf []byte) (resp *http.Response, n int, err error) {
	end := bytes.Index(buf, headerTerminator)
	if end < 0 {
		if h.MaxResponseSize > 0 && len(buf) > h.MaxResponseSize {
			return nil, 0, &HandshakeError{Reason: "response header too large"}
		}
		return nil, 0, nil
	}

	n = end + len(headerTerminator)
	if h.MaxResponseSize > 0 && n > h.MaxResponseSize {
		return nil, 0, &HandshakeError{Reason: "response header too large"}
	}

	resp, err = http.ReadResponse(bufio.NewReader(bytes.NewReader(buf[:n])), h.req)
	if err != nil {
		return nil, 0, &HandshakeError{Reason: err.Error()}
	}
	resp.Body.Close()

	if err := h.validate(resp); err != nil {
		return resp, n, err
	}
	return resp, n, nil
}

func (h *Handshake) validate(resp *http.Response) error {
	if resp.StatusCode != http.StatusSwitchingProtocols {
		return &HandshakeError{StatusCode: resp.StatusCode, Reason: "unexpected status " + resp.Status}
	}

	if !headerContainsToken(resp.Header, "Upgrade", "websocket") {
		return &HandshakeError{StatusCode: resp.StatusCode, Reason: "missing or invalid Upgrade header"}
	}

	if !headerContainsToken(resp.Header, "Connection", "upgrade") {
		return &HandshakeError{StatusCode: resp.StatusCode, Reason: "missing or invalid Connection header"}
	}

	// RFC 6455, section 4.2.2, item 5.4.
	accept := resp.Header.Get("Sec-WebSocket-Accept")
	if accept == "" {
		return &HandshakeError{StatusCode: resp.StatusCode, Reason: "missing Sec-WebSocket-Accept"}
	}
	if accept != computeAcceptKey(h.Key) {
		return &HandshakeError{StatusCode: resp.StatusCode, Reason: "Sec-WebSocket-Accept mismatch"}
	}

	if p := resp.Header.Get("Sec-WebSocket-Protocol"); p != "" && !slices.Contains(h.subprotocols, p) {
		return &HandshakeError{StatusCode: resp.StatusCode, Reason: "unrequested subprotocol " + p}
	}

	// No extensions are offered, so the server must not select any.
	if ext := resp.Header.Get("Sec-WebSocket-Extensions"); ext != "" {
		return &HandshakeError{StatusCode: resp.StatusCode, Reason: "unrequested extension " + ext}
	}

	return nil
}

// computeAcceptKey computes the Sec-WebSocket-Accept value per RFC 6455, section 4.2.2, item 5.4.
// The accept key is the base64-encoded SHA-1 hash of the challenge key concatenated with the GUID.
func computeAcceptKey(challengeKey string) string {
	h := sha1.New()
	h.Write([]byte(challengeKey))
	h.Write([]byte(websocketGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// generateChallengeKey generates a 16-byte random key encoded in base64
// per RFC 6455, section 4.1.
func generateChallengeKey() string {
	key := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		panic(err)
	}
	return base64.StdEncoding.EncodeToString(key)
}

// headerContainsToken checks if a header contains a specific token (case-insensitive).
// Tokens may be comma-separated (e.g., "Connection: keep-alive, Upgrade").
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

// ComputeAcceptKey returns the Sec-WebSocket-Accept value a server must send
// for the given Sec-WebSocket-Key.
func ComputeAcceptKey(challengeKey string) string {
	return computeAcceptKey(challengeKey)
}
