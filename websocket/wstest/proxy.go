package wstest

import (
	"bufio"
	"io"
	"net"
	"net/http"
	"sync"
	"time"
)

// Proxy is a loopback HTTP proxy that only supports CONNECT tunnels.
type Proxy struct {
	// URL is the http:// address of the proxy.
	URL string

	// Authorization, when set, is the required Proxy-Authorization value.
	Authorization string

	ln net.Listener

	mu      sync.Mutex
	targets []string
	conns   []net.Conn
	wg      sync.WaitGroup
}

// NewProxy starts a proxy. A non-empty authorization rejects CONNECT
// requests that do not carry it with 407.
func NewProxy(authorization string) (*Proxy, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}

	p := &Proxy{
		URL:           "http://" + ln.Addr().String(),
		Authorization: authorization,
		ln:            ln,
	}

	p.wg.Add(1)
	go p.serve()

	return p, nil
}

// Targets returns the addresses of accepted CONNECT requests.
func (p *Proxy) Targets() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.targets...)
}

// Close stops the listener, closes tunnels and waits for them to finish.
func (p *Proxy) Close() error {
	err := p.ln.Close()

	p.mu.Lock()
	for _, c := range p.conns {
		c.Close()
	}
	p.mu.Unlock()

	p.wg.Wait()
	return err
}

func (p *Proxy) track(c net.Conn) {
	p.mu.Lock()
	p.conns = append(p.conns, c)
	p.mu.Unlock()
}

func (p *Proxy) serve() {
	defer p.wg.Done()

	for {
		conn, err := p.ln.Accept()
		if err != nil {
			return
		}
		p.track(conn)

		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.handle(conn)
		}()
	}
}

func (p *Proxy) handle(client net.Conn) {
	defer client.Close()

	_ = client.SetReadDeadline(time.Now().Add(DefaultTimeout))
	br := bufio.NewReader(client)
	req, err := http.ReadRequest(br)
	if err != nil {
		return
	}

	if req.Method != http.MethodConnect {
		_, _ = io.WriteString(client, "HTTP/1.1 405 Method Not Allowed\r\nContent-Length: 0\r\n\r\n")
		return
	}
	if p.Authorization != "" && req.Header.Get("Proxy-Authorization") != p.Authorization {
		_, _ = io.WriteString(client, "HTTP/1.1 407 Proxy Authentication Required\r\nContent-Length: 0\r\n\r\n")
		return
	}

	target, err := net.DialTimeout("tcp", req.Host, DefaultTimeout)
	if err != nil {
		_, _ = io.WriteString(client, "HTTP/1.1 502 Bad Gateway\r\nContent-Length: 0\r\n\r\n")
		return
	}
	defer target.Close()
	p.track(target)

	p.mu.Lock()
	p.targets = append(p.targets, req.Host)
	p.mu.Unlock()

	if _, err := io.WriteString(client, "HTTP/1.1 200 Connection established\r\n\r\n"); err != nil {
		return
	}
	_ = client.SetReadDeadline(time.Time{})

	done := make(chan struct{}, 2)
	go func() {
		_, _ = io.Copy(target, br)
		done <- struct{}{}
	}()
	go func() {
		_, _ = io.Copy(client, target)
		done <- struct{}{}
	}()
	<-done
}
