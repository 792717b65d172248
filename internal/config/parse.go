package config

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadFile decodes the YAML file at path on top of cfg. Keys absent from
// the file keep their current values; unknown keys are rejected.
func LoadFile(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	return Decode(f, cfg)
}

// Decode is LoadFile for an already opened reader.
func Decode(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

// ParseDefinition parses the --proxy flag form:
//
//	listen=:8080,upstream=127.0.0.1:9000,protocol=tcp,debug=true,via=socks5://127.0.0.1:1080,name=api
func ParseDefinition(s string) (Definition, error) {
	var d Definition
	for _, kv := range strings.Split(s, ",") {
		kv = strings.TrimSpace(kv)
		if kv == "" {
			continue
		}
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return Definition{}, &Error{Field: "proxy", Err: fmt.Errorf("expected key=value, got %q", kv)}
		}
		v = strings.TrimSpace(v)

		switch strings.ToLower(strings.TrimSpace(k)) {
		case "name":
			d.Name = v
		case "listen":
			d.Listen = v
		case "upstream":
			d.Upstream = v
		case "protocol":
			d.Protocol = Protocol(v)
		case "via":
			d.Via = v
		case "debug":
			b, err := strconv.ParseBool(v)
			if err != nil {
				return Definition{}, &Error{Proxy: d.Name, Field: "debug", Err: err}
			}
			d.Debug = b
		default:
			return Definition{}, &Error{Field: "proxy", Err: fmt.Errorf("unknown key %q", k)}
		}
	}
	return d, nil
}

// RoutesDefinition builds a single http definition listening on
// :startPort that routes each prefix in routes to http://localhost:<port>
// with the matching entry of ports. routes and ports are comma separated
// and must have the same number of entries.
func RoutesDefinition(routes, ports, startPort string) (Definition, error) {
	rs := splitList(routes)
	ps := splitList(ports)
	if len(rs) == 0 || len(ps) == 0 || len(rs) != len(ps) {
		return Definition{}, &Error{Field: "routes", Err: errors.New("number of routes and ports must match and not be empty")}
	}

	d := Definition{
		Listen:   net.JoinHostPort("", strings.TrimSpace(startPort)),
		Protocol: ProtocolHTTP,
	}
	for i := range rs {
		if _, err := strconv.ParseUint(ps[i], 10, 16); err != nil {
			return Definition{}, &Error{Field: "ports", Err: fmt.Errorf("invalid port %q", ps[i])}
		}
		d.Routes = append(d.Routes, Route{
			Prefix:   rs[i],
			Upstream: "http://" + net.JoinHostPort("localhost", ps[i]),
		})
	}
	return d, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
