package websocket

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"net"
	"net/http"
	"net/url"

	"golang.org/x/net/proxy"
)

func init() {
	proxy.RegisterDialerType("http", newHTTPProxyDialer)
	proxy.RegisterDialerType("https", newHTTPProxyDialer)
}

// httpProxyDialer tunnels connections through an HTTP proxy with CONNECT.
type httpProxyDialer struct {
	url     *url.URL
	forward proxy.Dialer
}

func newHTTPProxyDialer(u *url.URL, forward proxy.Dialer) (proxy.Dialer, error) {
	return &httpProxyDialer{url: u, forward: forward}, nil
}

func (d *httpProxyDialer) Dial(network, addr string) (net.Conn, error) {
	return d.DialContext(context.Background(), network, addr)
}

func (d *httpProxyDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	proxyHost := d.url.Host
	if d.url.Port() == "" {
		port := "80"
		if d.url.Scheme == "https" {
			port = "443"
		}
		proxyHost = net.JoinHostPort(d.url.Hostname(), port)
	}

	var (
		conn net.Conn
		err  error
	)
	if cd, ok := d.forward.(proxy.ContextDialer); ok {
		conn, err = cd.DialContext(ctx, network, proxyHost)
	} else {
		conn, err = d.forward.Dial(network, proxyHost)
	}
	if err != nil {
		return nil, err
	}

	// Closing the connection unblocks the CONNECT exchange on cancel.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if d.url.Scheme == "https" {
		tlsConn := tls.Client(conn, &tls.Config{
			MinVersion: tls.VersionTLS12,
			ServerName: d.url.Hostname(),
		})
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, err
		}
		conn = tlsConn
	}

	tunnel, err := d.connect(conn, addr)
	if err != nil {
		conn.Close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	if !stop() {
		conn.Close()
		return nil, ctx.Err()
	}
	return tunnel, nil
}

// connect sends the CONNECT request and reads the proxy's answer.
func (d *httpProxyDialer) connect(conn net.Conn, addr string) (net.Conn, error) {
	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: addr},
		Host:   addr,
		Header: make(http.Header),
	}

	if d.url.User != nil {
		username := d.url.User.Username()
		password, _ := d.url.User.Password()
		auth := base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
		req.Header.Set("Proxy-Authorization", "Basic "+auth)
	}

	if err := req.Write(conn); err != nil {
		return nil, err
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		return nil, err
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.New("websocket: proxy CONNECT failed: " + resp.Status)
	}

	if br.Buffered() > 0 {
		return &bufferedConn{Conn: conn, r: br}, nil
	}
	return conn, nil
}

// bufferedConn returns bytes the proxy sent right after its response before
// reading from the connection again.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}
