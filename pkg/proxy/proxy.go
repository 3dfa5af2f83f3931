package proxy

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	netproxy "golang.org/x/net/proxy"
)

var (
	ErrMalformed   = errors.New("malformed proxy address")
	ErrBadScheme   = errors.New("unsupported proxy scheme")
	ErrInvalidHost = errors.New("invalid proxy host")
	ErrInvalidPort = errors.New("invalid proxy port")
)

var validate = validator.New()

// Proxy identifies a candidate proxy. Two values with the same host and port
// are the same proxy regardless of scheme or credentials.
type Proxy struct {
	Host     string
	Port     int
	Scheme   string
	Username string
	Password string
}

// New builds a Proxy after validating host and port.
func New(host string, port int, scheme string) (Proxy, error) {
	p := Proxy{Host: host, Port: port, Scheme: strings.ToLower(scheme)}
	if err := p.Validate(); err != nil {
		return Proxy{}, err
	}
	return p, nil
}

// Parse accepts "host:port", "scheme://host:port" and either form with a
// "user:pass@" prefix before the host.
func Parse(s string) (Proxy, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Proxy{}, ErrMalformed
	}

	var scheme string
	if i := strings.Index(s, "://"); i >= 0 {
		scheme = s[:i]
		s = s[i+3:]
	}

	var user, pass string
	if i := strings.LastIndex(s, "@"); i >= 0 {
		user, pass, _ = strings.Cut(s[:i], ":")
		if user == "" {
			return Proxy{}, fmt.Errorf("%w: empty username", ErrMalformed)
		}
		s = s[i+1:]
	}

	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return Proxy{}, fmt.Errorf("%w: %q", ErrMalformed, s)
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return Proxy{}, fmt.Errorf("%w: %q", ErrInvalidPort, portStr)
	}

	p, err := New(host, port, scheme)
	if err != nil {
		return Proxy{}, err
	}
	p.Username, p.Password = user, pass
	return p, nil
}

// MustParse is like Parse but panics on error. Intended for tests and constants.
func MustParse(s string) Proxy {
	p, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return p
}

// Validate checks that the host is an IP address or hostname, the port is in
// range and the scheme is one the checker understands.
func (p Proxy) Validate() error {
	if p.Host == "" || validate.Var(p.Host, "ip|hostname_rfc1123") != nil {
		return fmt.Errorf("%w: %q", ErrInvalidHost, p.Host)
	}
	if p.Port < 1 || p.Port > 65535 {
		return fmt.Errorf("%w: %d", ErrInvalidPort, p.Port)
	}
	switch p.Scheme {
	case "", "http", "https", "socks4", "socks5":
	default:
		return fmt.Errorf("%w: %q", ErrBadScheme, p.Scheme)
	}
	return nil
}

// String returns the canonical host:port form, which is also the store key.
// Credentials are never part of it.
func (p Proxy) String() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// Address is kept for call sites that think of the key as an address.
func (p Proxy) Address() string {
	return p.String()
}

// IsSOCKS reports whether the proxy speaks SOCKS rather than HTTP.
func (p Proxy) IsSOCKS() bool {
	return p.Scheme == "socks4" || p.Scheme == "socks5"
}

// URL returns the proxy as a URL suitable for http.ProxyURL. HTTPS proxies are
// addressed over plain HTTP, like most free proxy lists expect.
func (p Proxy) URL() *url.URL {
	scheme := p.Scheme
	switch scheme {
	case "", "https":
		scheme = "http"
	}
	u := &url.URL{Scheme: scheme, Host: p.String()}
	if p.HasAuth() {
		u.User = url.UserPassword(p.Username, p.Password)
	}
	return u
}

func (p Proxy) HasAuth() bool {
	return p.Username != ""
}

// SOCKSAuth returns the SOCKS5 username/password, or nil when there is none.
func (p Proxy) SOCKSAuth() *netproxy.Auth {
	if !p.HasAuth() {
		return nil
	}
	return &netproxy.Auth{User: p.Username, Password: p.Password}
}

// BasicAuth is the Proxy-Authorization value for HTTP proxies, or "" when
// the proxy has no credentials.
func (p Proxy) BasicAuth() string {
	if !p.HasAuth() {
		return ""
	}
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(p.Username+":"+p.Password))
}

// Equal compares identities by canonical form only.
func (p Proxy) Equal(o Proxy) bool {
	return p.String() == o.String()
}
