package registry

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Scheme is the protocol spoken to an egress endpoint.
type Scheme string

const (
	SchemeHTTP   Scheme = "http"
	SchemeHTTPS  Scheme = "https"
	SchemeSOCKS5 Scheme = "socks5"
)

var validSchemes = map[Scheme]bool{
	SchemeHTTP:   true,
	SchemeHTTPS:  true,
	SchemeSOCKS5: true,
}

// Key is the identity of an endpoint. Two candidates with equal keys are the
// same endpoint.
type Key struct {
	Host   string
	Port   int
	Scheme Scheme
}

// Addr returns host:port.
func (k Key) Addr() string {
	return net.JoinHostPort(k.Host, strconv.Itoa(k.Port))
}

// String returns scheme://host:port.
func (k Key) String() string {
	return string(k.Scheme) + "://" + k.Addr()
}

// MarshalText implements encoding.TextMarshaler so keys render as strings in JSON.
func (k Key) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Key) UnmarshalText(b []byte) error {
	parsed, err := ParseKey(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ParseKey parses "scheme://host:port" or a bare "host:port", which is
// taken to be an HTTP proxy.
func ParseKey(s string) (Key, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Key{}, fmt.Errorf("empty endpoint")
	}
	if !strings.Contains(s, "://") {
		s = string(SchemeHTTP) + "://" + s
	}
	u, err := url.Parse(s)
	if err != nil {
		return Key{}, fmt.Errorf("parsing endpoint %q: %w", s, err)
	}

	scheme := Scheme(strings.ToLower(u.Scheme))
	if scheme == "socks5h" {
		scheme = SchemeSOCKS5
	}
	if !validSchemes[scheme] {
		return Key{}, fmt.Errorf("endpoint %q: unsupported scheme %q (must be http, https, or socks5)", s, u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		return Key{}, fmt.Errorf("endpoint %q: host is required", s)
	}
	portStr := u.Port()
	if portStr == "" {
		return Key{}, fmt.Errorf("endpoint %q: port is required", s)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return Key{}, fmt.Errorf("endpoint %q: invalid port %q", s, portStr)
	}

	return Key{Host: strings.ToLower(host), Port: port, Scheme: scheme}, nil
}

// Endpoint is a registered egress endpoint and its health state. Values
// handed out by the Registry are copies.
type Endpoint struct {
	Key                 Key       `json:"endpoint"`
	Score               int       `json:"score"`
	LatencyMs           int64     `json:"latency_ms"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastCheckedAt       time.Time `json:"last_checked_at"`
	AddedAt             time.Time `json:"added_at"`
}
