// Package registry holds the configured proxy definitions keyed by listen
// address.
package registry

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"sync/atomic"

	"github.com/udayangaac/multi-proxy/internal/config"
)

var (
	ErrUnknownListenAddress = errors.New("unknown listen address")
	ErrFrozen               = errors.New("registry is frozen")
)

// Registry maps listen addresses to definitions. It is filled before the
// supervisor starts and is read-only afterwards, so lookups take no lock.
type Registry struct {
	defs   []config.Definition
	byAddr map[string]int
	frozen atomic.Bool
}

func New() *Registry {
	return &Registry{byAddr: make(map[string]int)}
}

// Register adds def. It fails with config.ErrDuplicateListenAddress if
// another definition already uses the same listen address.
func (r *Registry) Register(def config.Definition) error {
	if r.frozen.Load() {
		return ErrFrozen
	}
	if def.Listen == "" {
		return &config.Error{Proxy: def.Name, Field: "listen", Err: config.ErrMissingListen}
	}

	key := Key(def.Listen)
	if i, ok := r.byAddr[key]; ok {
		return &config.Error{
			Proxy: def.Name,
			Field: "listen",
			Err:   fmt.Errorf("%w: %s already used by %q", config.ErrDuplicateListenAddress, def.Listen, r.defs[i].Name),
		}
	}

	r.byAddr[key] = len(r.defs)
	r.defs = append(r.defs, def)
	return nil
}

// Freeze makes the registry read-only.
func (r *Registry) Freeze() {
	r.frozen.Store(true)
}

// ResolveUpstream returns the upstream configured for listen.
func (r *Registry) ResolveUpstream(listen string) (string, error) {
	def, ok := r.Lookup(listen)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownListenAddress, listen)
	}
	return def.Upstream, nil
}

// Lookup returns the definition registered for listen.
func (r *Registry) Lookup(listen string) (config.Definition, bool) {
	i, ok := r.byAddr[Key(listen)]
	if !ok {
		return config.Definition{}, false
	}
	return r.defs[i], true
}

// Definitions returns the registered definitions in registration order.
func (r *Registry) Definitions() []config.Definition {
	out := make([]config.Definition, len(r.defs))
	copy(out, r.defs)
	return out
}

func (r *Registry) Len() int {
	return len(r.defs)
}

// Key normalises a listen address for comparison. The host is lower-cased;
// wildcard hosts are not folded together, the bind step reports those
// collisions.
func Key(listen string) string {
	host, port, err := net.SplitHostPort(strings.TrimSpace(listen))
	if err != nil {
		return strings.ToLower(strings.TrimSpace(listen))
	}
	return net.JoinHostPort(strings.ToLower(host), port)
}
