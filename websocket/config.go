package websocket

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vitalvas/wspp/eventloop"
)

// Defaults applied to zero Config fields.
const (
	DefaultOpenTimeout      = 5 * time.Second
	DefaultCloseTimeout     = 5 * time.Second
	DefaultPongTimeout      = 10 * time.Second
	DefaultMaxPayloadSize   = 32 << 20
	DefaultFragmentSize     = 64 << 10
	DefaultReadBufferSize   = 4096
	DefaultMaxHandshakeSize = 16 << 10
)

// TLSConfig configures the secure transport used for wss:// URLs.
type TLSConfig struct {
	// InsecureSkipVerify disables peer certificate verification.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`

	// CAFile is a PEM bundle used instead of the system trust store.
	CAFile string `yaml:"ca_file"`

	// ServerName overrides the name used for SNI and verification.
	ServerName string `yaml:"server_name"`
}

// Config contains options for a client connection. Durations and sizes left
// at zero take the package defaults; a negative timeout disables it.
type Config struct {
	// OpenTimeout bounds resolve, connect, TLS and the opening handshake.
	OpenTimeout time.Duration `yaml:"open_timeout"`

	// CloseTimeout bounds the wait for the peer's close acknowledgement.
	CloseTimeout time.Duration `yaml:"close_timeout"`

	// PingInterval enables keepalive pings when positive.
	PingInterval time.Duration `yaml:"ping_interval"`

	// PongTimeout is how long a keepalive ping waits for its pong before the
	// connection fails. Negative sends pings without waiting for pongs.
	PongTimeout time.Duration `yaml:"pong_timeout"`

	// MaxPayloadSize limits both a single frame and a reassembled message.
	MaxPayloadSize int64 `yaml:"max_payload_size"`

	// FragmentSize splits outgoing data messages into frames of at most this
	// many bytes. Negative disables fragmentation.
	FragmentSize int `yaml:"fragment_size"`

	// ReadBufferSize is the size of each transport read.
	ReadBufferSize int `yaml:"read_buffer_size"`

	// MaxHandshakeSize limits the server's handshake response header block.
	MaxHandshakeSize int `yaml:"max_handshake_size"`

	// Origin is sent as the Origin header when set.
	Origin string `yaml:"origin"`

	// Subprotocols specifies the client's requested subprotocols.
	Subprotocols []string `yaml:"subprotocols"`

	// Header holds extra request headers for the opening handshake.
	Header map[string]string `yaml:"header"`

	// UserAgent overrides the default User-Agent header.
	UserAgent string `yaml:"user_agent"`

	// Proxy is a SOCKS5 or HTTP(S) proxy URL to dial through. HTTP proxies
	// tunnel with CONNECT.
	Proxy string `yaml:"proxy"`

	TLS TLSConfig `yaml:"tls"`

	// Loop drives the connection. When nil the connection owns a private loop.
	Loop *eventloop.Loop `yaml:"-"`

	// Transport replaces the transport selected from the URL scheme.
	Transport Transport `yaml:"-"`

	// Resolver is used for host lookups; nil means net.DefaultResolver.
	Resolver *net.Resolver `yaml:"-"`

	// Logger receives connection diagnostics; nil discards them.
	Logger *slog.Logger `yaml:"-"`
}

// DefaultConfig returns a Config with every default filled in.
func DefaultConfig() *Config {
	return (&Config{}).withDefaults()
}

// LoadConfig reads a YAML configuration file. Unknown keys are rejected.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("websocket: parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg.withDefaults(), nil
}

// Validate reports configuration values that can never work.
func (c *Config) Validate() error {
	var errs []error
	if c.MaxPayloadSize < 0 {
		errs = append(errs, errors.New("max_payload_size must not be negative"))
	}
	if c.ReadBufferSize < 0 {
		errs = append(errs, errors.New("read_buffer_size must not be negative"))
	}
	if c.MaxHandshakeSize < 0 {
		errs = append(errs, errors.New("max_handshake_size must not be negative"))
	}
	if c.PingInterval < 0 {
		errs = append(errs, errors.New("ping_interval must not be negative"))
	}
	if c.TLS.CAFile != "" {
		if _, err := os.Stat(c.TLS.CAFile); err != nil {
			errs = append(errs, fmt.Errorf("tls.ca_file: %w", err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("websocket: invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// withDefaults returns a copy of c with zero fields set to their defaults.
func (c *Config) withDefaults() *Config {
	out := *c
	if out.OpenTimeout == 0 {
		out.OpenTimeout = DefaultOpenTimeout
	}
	if out.CloseTimeout == 0 {
		out.CloseTimeout = DefaultCloseTimeout
	}
	if out.PongTimeout == 0 {
		out.PongTimeout = DefaultPongTimeout
	}
	if out.MaxPayloadSize == 0 {
		out.MaxPayloadSize = DefaultMaxPayloadSize
	}
	if out.FragmentSize == 0 {
		out.FragmentSize = DefaultFragmentSize
	}
	if out.ReadBufferSize == 0 {
		out.ReadBufferSize = DefaultReadBufferSize
	}
	if out.MaxHandshakeSize == 0 {
		out.MaxHandshakeSize = DefaultMaxHandshakeSize
	}
	if out.Logger == nil {
		out.Logger = slog.New(slog.DiscardHandler)
	}
	return &out
}

// tlsClientConfig builds the client TLS configuration for serverName.
func (c *TLSConfig) tlsClientConfig(serverName string) (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         serverName,
		InsecureSkipVerify: c.InsecureSkipVerify, //nolint:gosec // explicit opt-in
	}
	if c.ServerName != "" {
		cfg.ServerName = c.ServerName
	}

	if c.CAFile != "" && !c.InsecureSkipVerify {
		pem, err := os.ReadFile(c.CAFile)
		if err != nil {
			return nil, err
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("websocket: no certificates in %s", c.CAFile)
		}
		cfg.RootCAs = pool
	}

	return cfg, nil
}
