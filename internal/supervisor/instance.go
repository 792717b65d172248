package supervisor

import (
	"net"
	"sync"

	"github.com/udayangaac/multi-proxy/internal/config"
	"github.com/udayangaac/multi-proxy/internal/proxy"
)

// State is the lifecycle state of a proxy instance.
type State string

const (
	StateStarting   State = "starting"
	StateRunning    State = "running"
	StateRestarting State = "restarting"
	StateDegraded   State = "degraded"
	StateStopped    State = "stopped"
)

var allStates = []string{
	string(StateStarting),
	string(StateRunning),
	string(StateRestarting),
	string(StateDegraded),
	string(StateStopped),
}

// Info is a point-in-time view of an instance.
type Info struct {
	Name           string
	Listen         string
	Addr           string
	State          State
	Restarts       int
	ActiveSessions int
	LastError      error
}

type instance struct {
	def config.Definition
	h   *proxy.Handler

	// done is closed when the run goroutine exits.
	done chan struct{}

	mu       sync.Mutex
	ln       net.Listener
	state    State
	restarts int
	lastErr  error
}

func newInstance(def config.Definition, h *proxy.Handler) *instance {
	return &instance{
		def:   def,
		h:     h,
		done:  make(chan struct{}),
		state: StateStarting,
	}
}

func (i *instance) setListener(ln net.Listener) {
	i.mu.Lock()
	i.ln = ln
	i.mu.Unlock()
}

func (i *instance) setState(st State, err error) {
	i.mu.Lock()
	i.state = st
	if err != nil {
		i.lastErr = err
	}
	if st == StateRestarting {
		i.restarts++
	}
	i.mu.Unlock()
}

func (i *instance) info() Info {
	i.mu.Lock()
	defer i.mu.Unlock()

	inf := Info{
		Name:           i.def.Name,
		Listen:         i.def.Listen,
		State:          i.state,
		Restarts:       i.restarts,
		ActiveSessions: i.h.Active(),
		LastError:      i.lastErr,
	}
	if i.ln != nil {
		inf.Addr = i.ln.Addr().String()
	}
	return inf
}
