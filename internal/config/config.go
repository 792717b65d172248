package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"
)

// Protocol selects how a proxy relays traffic to its upstream.
type Protocol string

const (
	ProtocolTCP  Protocol = "tcp"
	ProtocolHTTP Protocol = "http"
)

// Route forwards HTTP requests whose path starts with Prefix to Upstream.
// The prefix is stripped before the request is forwarded.
type Route struct {
	Prefix   string `yaml:"prefix"`
	Upstream string `yaml:"upstream"`
}

// Definition describes one listener-to-upstream mapping.
type Definition struct {
	Name     string   `yaml:"name"`
	Listen   string   `yaml:"listen"`
	Upstream string   `yaml:"upstream"`
	Protocol Protocol `yaml:"protocol"`
	Debug    bool     `yaml:"debug"`

	// Via is an optional outbound proxy URL used to reach the upstream
	// (direct://, http://, https://, socks5://).
	Via string `yaml:"via"`

	// Routes only apply to http definitions.
	Routes []Route `yaml:"routes"`
}

// Config is the process-wide configuration.
type Config struct {
	Proxies []Definition `yaml:"proxies"`

	DialTimeout   time.Duration `yaml:"dial_timeout"`
	IdleTimeout   time.Duration `yaml:"idle_timeout"`
	HeaderTimeout time.Duration `yaml:"header_timeout"`
	DrainTimeout  time.Duration `yaml:"drain_timeout"`

	MaxRestarts       int           `yaml:"max_restarts"`
	RestartBackoff    time.Duration `yaml:"restart_backoff"`
	MaxRestartBackoff time.Duration `yaml:"max_restart_backoff"`

	EventBuffer       int           `yaml:"event_buffer"`
	EventBackpressure time.Duration `yaml:"event_backpressure"`

	KeepAlive net.KeepAliveConfig `yaml:"-"`
}

// Default returns a Config with every tunable set to its default value
// and no proxies.
func Default() Config {
	return Config{
		DialTimeout:       10 * time.Second,
		IdleTimeout:       5 * time.Minute,
		HeaderTimeout:     10 * time.Second,
		DrainTimeout:      30 * time.Second,
		MaxRestarts:       5,
		RestartBackoff:    200 * time.Millisecond,
		MaxRestartBackoff: 30 * time.Second,
		EventBuffer:       4096,
		EventBackpressure: 50 * time.Millisecond,
		KeepAlive:         net.KeepAliveConfig{Enable: true, Idle: 45 * time.Second, Interval: 45 * time.Second, Count: 3},
	}
}

// Validate normalises every definition in place and checks the tunables.
// Duplicate listen addresses are detected by the registry, not here.
func (c *Config) Validate() error {
	if c.DialTimeout <= 0 {
		return &Error{Field: "dial_timeout", Err: errNotPositive}
	}
	if c.IdleTimeout < 0 {
		return &Error{Field: "idle_timeout", Err: errNegative}
	}
	if c.DrainTimeout < 0 {
		return &Error{Field: "drain_timeout", Err: errNegative}
	}
	if c.MaxRestarts < 0 {
		return &Error{Field: "max_restarts", Err: errNegative}
	}
	if c.RestartBackoff <= 0 {
		return &Error{Field: "restart_backoff", Err: errNotPositive}
	}
	if c.MaxRestartBackoff < c.RestartBackoff {
		c.MaxRestartBackoff = c.RestartBackoff
	}
	if c.EventBuffer <= 0 {
		return &Error{Field: "event_buffer", Err: errNotPositive}
	}

	for i := range c.Proxies {
		if err := c.Proxies[i].Normalize(); err != nil {
			return err
		}
	}
	return nil
}

// Normalize fills defaults and validates a single definition.
func (d *Definition) Normalize() error {
	d.Listen = strings.TrimSpace(d.Listen)
	d.Upstream = strings.TrimSpace(d.Upstream)
	if d.Name == "" {
		d.Name = d.Listen
	}

	if d.Listen == "" {
		return &Error{Proxy: d.Name, Field: "listen", Err: ErrMissingListen}
	}
	if _, _, err := net.SplitHostPort(d.Listen); err != nil {
		return &Error{Proxy: d.Name, Field: "listen", Err: err}
	}

	d.Protocol = Protocol(strings.ToLower(string(d.Protocol)))
	switch d.Protocol {
	case "":
		d.Protocol = ProtocolTCP
	case ProtocolTCP, ProtocolHTTP:
	default:
		return &Error{Proxy: d.Name, Field: "protocol", Err: fmt.Errorf("%w: %q", ErrInvalidProtocol, d.Protocol)}
	}

	// An http definition made only of routes answers 404 for paths that
	// match none of them.
	if d.Upstream == "" && (d.Protocol != ProtocolHTTP || len(d.Routes) == 0) {
		return &Error{Proxy: d.Name, Field: "upstream", Err: ErrMissingUpstream}
	}

	switch d.Protocol {
	case ProtocolTCP:
		if len(d.Routes) > 0 {
			return &Error{Proxy: d.Name, Field: "routes", Err: ErrRoutesRequireHTTP}
		}
		if _, _, err := net.SplitHostPort(d.Upstream); err != nil {
			return &Error{Proxy: d.Name, Field: "upstream", Err: err}
		}
	case ProtocolHTTP:
		var err error
		if d.Upstream != "" {
			if d.Upstream, err = normalizeHTTPUpstream(d.Upstream); err != nil {
				return &Error{Proxy: d.Name, Field: "upstream", Err: err}
			}
		}
		for i := range d.Routes {
			r := &d.Routes[i]
			r.Prefix = "/" + strings.Trim(strings.TrimSpace(r.Prefix), "/")
			if r.Prefix == "/" {
				return &Error{Proxy: d.Name, Field: "routes", Err: fmt.Errorf("route %d: empty prefix", i)}
			}
			if r.Upstream, err = normalizeHTTPUpstream(r.Upstream); err != nil {
				return &Error{Proxy: d.Name, Field: "routes", Err: fmt.Errorf("route %s: %w", r.Prefix, err)}
			}
		}
	}
	return nil
}

// normalizeHTTPUpstream accepts host:port or an http(s) URL and returns
// an absolute URL.
func normalizeHTTPUpstream(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", ErrMissingUpstream
	}
	if !strings.Contains(s, "://") {
		s = "http://" + s
	}
	u, err := url.Parse(s)
	if err != nil {
		return "", err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported upstream scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("upstream %q has no host", s)
	}
	return u.String(), nil
}
