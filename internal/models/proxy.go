package models

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// Proxy is one upstream HTTP proxy endpoint.
type Proxy struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// ParseProxy accepts host:port or host:port:user:pass.
func ParseProxy(line string) (Proxy, error) {
	parts := strings.Split(strings.TrimSpace(line), ":")
	if len(parts) != 2 && len(parts) != 4 {
		return Proxy{}, fmt.Errorf("invalid proxy %q: expected host:port or host:port:user:pass", line)
	}

	port, err := strconv.Atoi(parts[1])
	if err != nil || port <= 0 || port > 65535 {
		return Proxy{}, fmt.Errorf("invalid proxy port in %q", line)
	}

	p := Proxy{Host: parts[0], Port: port}
	if len(parts) == 4 {
		p.Username = parts[2]
		p.Password = parts[3]
	}
	if p.Host == "" {
		return Proxy{}, fmt.Errorf("invalid proxy %q: empty host", line)
	}
	return p, nil
}

// URL renders the proxy for http.Transport.
func (p Proxy) URL() *url.URL {
	u := &url.URL{
		Scheme: "http",
		Host:   net.JoinHostPort(p.Host, strconv.Itoa(p.Port)),
	}
	if p.Username != "" {
		u.User = url.UserPassword(p.Username, p.Password)
	}
	return u
}

// String never includes credentials.
func (p Proxy) String() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}
