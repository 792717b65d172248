package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/udayangaac/multi-proxy/internal/backend"
	"github.com/udayangaac/multi-proxy/internal/config"
	"github.com/udayangaac/multi-proxy/internal/eventlog"
	"github.com/udayangaac/multi-proxy/internal/log"
	"github.com/udayangaac/multi-proxy/internal/metrics"
	"github.com/udayangaac/multi-proxy/internal/supervisor"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

const usageHeader = `multi-proxy - Spin up multiple reverse proxies with logging and debugging support

Usage:
  multi-proxy --proxy listen=:8080,upstream=127.0.0.1:9000 [--proxy ...] [flags]
  multi-proxy -c proxies.yaml [flags]
  multi-proxy -r '/route1,/route2' -p 8001,8002 -sp 8080 [--debug] [--spawn-backends]

Options:
`

type flags struct {
	help       bool
	configFile string
	proxies    []string

	routes    string
	ports     string
	startPort string

	debug         bool
	spawnBackends bool

	dialTimeout       time.Duration
	idleTimeout       time.Duration
	headerTimeout     time.Duration
	drainTimeout      time.Duration
	maxRestarts       int
	restartBackoff    time.Duration
	maxRestartBackoff time.Duration
	eventBuffer       int
	eventBackpressure time.Duration
	tcpKeepAlive      string

	log         *log.Config
	logFile     string
	debugListen string
}

func newFlagSet(f *flags, stdout io.Writer) *pflag.FlagSet {
	d := config.Default()
	f.log = log.DefaultConfig()

	fs := pflag.NewFlagSet("multi-proxy", pflag.ContinueOnError)
	fs.SortFlags = false
	fs.SetOutput(stdout)
	fs.Usage = func() {
		fmt.Fprint(stdout, usageHeader)
		fmt.Fprint(stdout, fs.FlagUsages())
	}

	fs.BoolVarP(&f.help, "help", "h", false, "Show this help message")
	fs.StringVarP(&f.configFile, "config", "c", "", "YAML configuration file")
	fs.StringArrayVar(&f.proxies, "proxy", nil, "Proxy definition listen=ADDR,upstream=ADDR[,protocol=tcp|http][,debug=true][,via=URL][,name=NAME] (repeatable)")

	fs.StringVarP(&f.routes, "routes", "r", "", "Comma-separated route paths for a single http proxy (e.g. /api,/auth)")
	fs.StringVarP(&f.ports, "ports", "p", "", "Comma-separated backend ports, one per route (e.g. 8001,8002)")
	fs.StringVar(&f.startPort, "start-port", "8080", "Port for the route proxy to listen on")
	fs.StringVar(&f.startPort, "sp", "8080", "Alias of --start-port")

	fs.BoolVar(&f.debug, "debug", false, "Log byte counts and access lines for every proxy")
	fs.BoolVar(&f.spawnBackends, "spawn-backends", false, "Start dummy backend servers on every upstream address")

	fs.DurationVar(&f.dialTimeout, "dial-timeout", d.DialTimeout, "Timeout for outbound DNS lookup and TCP connect")
	fs.DurationVar(&f.idleTimeout, "idle-timeout", d.IdleTimeout, "Close sessions idle in both directions for this long (0 disables)")
	fs.DurationVar(&f.headerTimeout, "header-timeout", d.HeaderTimeout, "Timeout for reading HTTP request headers")
	fs.DurationVar(&f.drainTimeout, "drain-timeout", d.DrainTimeout, "Grace period for open sessions on shutdown")
	fs.IntVar(&f.maxRestarts, "max-restarts", d.MaxRestarts, "Consecutive accept loop restarts before a proxy is marked degraded")
	fs.DurationVar(&f.restartBackoff, "restart-backoff", d.RestartBackoff, "Initial delay before restarting a failed proxy")
	fs.DurationVar(&f.maxRestartBackoff, "max-restart-backoff", d.MaxRestartBackoff, "Maximum delay before restarting a failed proxy")
	fs.IntVar(&f.eventBuffer, "event-buffer", d.EventBuffer, "Number of log events buffered before events are dropped")
	fs.DurationVar(&f.eventBackpressure, "event-backpressure", d.EventBackpressure, "How long a connection waits for event buffer space before dropping the event")
	fs.StringVar(&f.tcpKeepAlive, "tcp-keepalive", "45:45:3", "TCP keepalive: on|off|keepidle:keepintvl:keepcnt")

	fs.Var(&f.log.Level, "log-level", "Log level: error|warn|info|debug")
	fs.Var(&f.log.Format, "log-format", "Log format: text|json")
	fs.StringVar(&f.logFile, "log-file", "", "Log to this file instead of stderr; reopened on SIGHUP")
	fs.StringVar(&f.debugListen, "debug-listen", "", "Debug HTTP listen address exposing /debug/pprof, /metrics and /instances (e.g. 127.0.0.1:6060). Empty disables.")

	_ = fs.MarkHidden("sp")
	return fs
}

// buildConfig merges the config file, changed flags and flag definitions.
func buildConfig(fs *pflag.FlagSet, f *flags) (*config.Config, error) {
	cfg := config.Default()
	if f.configFile != "" {
		if err := config.LoadFile(f.configFile, &cfg); err != nil {
			return nil, err
		}
	}

	if fs.Changed("dial-timeout") {
		cfg.DialTimeout = f.dialTimeout
	}
	if fs.Changed("idle-timeout") {
		cfg.IdleTimeout = f.idleTimeout
	}
	if fs.Changed("header-timeout") {
		cfg.HeaderTimeout = f.headerTimeout
	}
	if fs.Changed("drain-timeout") {
		cfg.DrainTimeout = f.drainTimeout
	}
	if fs.Changed("max-restarts") {
		cfg.MaxRestarts = f.maxRestarts
	}
	if fs.Changed("restart-backoff") {
		cfg.RestartBackoff = f.restartBackoff
	}
	if fs.Changed("max-restart-backoff") {
		cfg.MaxRestartBackoff = f.maxRestartBackoff
	}
	if fs.Changed("event-buffer") {
		cfg.EventBuffer = f.eventBuffer
	}
	if fs.Changed("event-backpressure") {
		cfg.EventBackpressure = f.eventBackpressure
	}

	ka, err := parseTCPKeepAlive(f.tcpKeepAlive)
	if err != nil {
		return nil, fmt.Errorf("invalid --tcp-keepalive: %w", err)
	}
	cfg.KeepAlive = ka

	for _, p := range f.proxies {
		def, err := config.ParseDefinition(p)
		if err != nil {
			return nil, err
		}
		cfg.Proxies = append(cfg.Proxies, def)
	}

	if f.routes != "" || f.ports != "" {
		def, err := config.RoutesDefinition(f.routes, f.ports, f.startPort)
		if err != nil {
			return nil, err
		}
		cfg.Proxies = append(cfg.Proxies, def)
	}

	if f.debug {
		for i := range cfg.Proxies {
			cfg.Proxies[i].Debug = true
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(cfg.Proxies) == 0 {
		return nil, errors.New("no proxies configured (use --proxy, --config or --routes/--ports)")
	}
	return &cfg, nil
}

// legacyArgs rewrites the single-dash -sp flag, which pflag would read as
// -s -p, to --sp.
func legacyArgs(args []string) []string {
	out := make([]string, 0, len(args))
	for i, a := range args {
		if a == "--" {
			return append(out, args[i:]...)
		}
		if a == "-sp" || strings.HasPrefix(a, "-sp=") {
			a = "-" + a
		}
		out = append(out, a)
	}
	return out
}

func run(args []string, stdout, stderr io.Writer) int {
	var f flags
	fs := newFlagSet(&f, stdout)

	if err := fs.Parse(legacyArgs(args)); err != nil {
		if !errors.Is(err, pflag.ErrHelp) {
			fmt.Fprintln(stderr, err)
			fs.Usage()
		}
		return 1
	}
	if f.help {
		fs.Usage()
		return 1
	}

	cfg, err := buildConfig(fs, &f)
	if err != nil {
		fmt.Fprintln(stderr, "Error:", err)
		return 1
	}

	if f.logFile != "" {
		lf, err := log.OpenFile(f.logFile)
		if err != nil {
			fmt.Fprintln(stderr, "Error: open log file:", err)
			return 1
		}
		f.log.File = lf
	}
	logger := log.New(f.log, stderr)
	defer logger.Close()

	if err := serve(cfg, &f, logger); err != nil {
		logger.Error("exiting", "error", err)
		return 1
	}
	return 0
}

func serve(cfg *config.Config, f *flags, logger *log.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go logger.ReopenOnSignal(ctx, syscall.SIGHUP)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	sink := eventlog.NewSink(logger.Named("events").Handler(), eventlog.Config{
		BufferSize:         cfg.EventBuffer,
		BackpressureWindow: cfg.EventBackpressure,
	})
	defer func() {
		cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := sink.Close(cctx); err != nil {
			logger.Warn("event log not flushed", "error", err)
		}
	}()
	metrics.RegisterEventCounters(reg, metrics.DefaultNamespace, sink.Dropped, sink.Failed)

	if f.spawnBackends {
		targets, err := backend.Targets(cfg.Proxies)
		if err != nil {
			return err
		}
		backends, err := backend.StartAll(ctx, targets, logger.Named("backend").Logger)
		if err != nil {
			return err
		}
		defer backend.CloseAll(backends)
		for _, b := range backends {
			logger.Info("debug backend listening", "addr", b.Addr(), "label", b.Label())
		}
	}

	sup := supervisor.New(cfg,
		supervisor.WithSink(sink),
		supervisor.WithMetrics(metrics.New(reg, metrics.DefaultNamespace)),
		supervisor.WithLogger(logger.Named("supervisor").Logger),
	)
	if err := sup.Start(ctx, cfg.Proxies); err != nil {
		return err
	}
	for _, def := range cfg.Proxies {
		logger.Info("proxy listening", "proxy", def.Name, "listen", def.Listen, "upstream", def.Upstream, "protocol", def.Protocol)
	}

	g, gctx := errgroup.WithContext(ctx)

	if f.debugListen != "" {
		debugSrv := &http.Server{Handler: debugHandler(reg, sup)} //nolint:gosec // Not concerned about timeouts on debug port.
		lc := net.ListenConfig{KeepAliveConfig: cfg.KeepAlive}
		debugLn, err := lc.Listen(ctx, "tcp", f.debugListen)
		if err != nil {
			_ = sup.Stop(context.Background())
			return fmt.Errorf("debug listen: %w", err)
		}
		context.AfterFunc(gctx, func() {
			_ = debugSrv.Close()
			_ = debugLn.Close()
		})

		g.Go(func() error {
			if err := debugSrv.Serve(debugLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("debug serve: %w", err)
			}
			return nil
		})
		logger.Info("debug listening", "addr", f.debugListen)
	}

	<-gctx.Done()
	logger.Info("shutting down")

	sctx, cancel := context.WithTimeout(context.Background(), cfg.DrainTimeout+5*time.Second)
	defer cancel()
	if err := sup.Stop(sctx); err != nil {
		logger.Warn("sessions aborted on shutdown", "error", err)
	}

	return g.Wait()
}

func debugHandler(reg *prometheus.Registry, sup *supervisor.Supervisor) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/instances", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(instanceViews(sup.Instances()))
	})
	return mux
}

type instanceView struct {
	Name           string `json:"name"`
	Listen         string `json:"listen"`
	Addr           string `json:"addr,omitempty"`
	State          string `json:"state"`
	Restarts       int    `json:"restarts"`
	ActiveSessions int    `json:"active_sessions"`
	LastError      string `json:"last_error,omitempty"`
}

func instanceViews(infos []supervisor.Info) []instanceView {
	out := make([]instanceView, len(infos))
	for i, inf := range infos {
		out[i] = instanceView{
			Name:           inf.Name,
			Listen:         inf.Listen,
			Addr:           inf.Addr,
			State:          string(inf.State),
			Restarts:       inf.Restarts,
			ActiveSessions: inf.ActiveSessions,
		}
		if inf.LastError != nil {
			out[i].LastError = inf.LastError.Error()
		}
	}
	return out
}

func parseTCPKeepAlive(s string) (net.KeepAliveConfig, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return net.KeepAliveConfig{}, errors.New("empty")
	}
	if s == "on" {
		return net.KeepAliveConfig{Enable: true}, nil
	}
	if s == "off" {
		return net.KeepAliveConfig{Enable: false}, nil
	}

	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return net.KeepAliveConfig{}, errors.New("expected on|off|keepidle:keepintvl:keepcnt")
	}
	keepIdle, err := parsePositiveSeconds(parts[0])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepidle: %w", err)
	}
	keepIntvl, err := parsePositiveSeconds(parts[1])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepintvl: %w", err)
	}
	keepCnt, err := parsePositiveInt(parts[2])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepcnt: %w", err)
	}

	return net.KeepAliveConfig{
		Enable:   true,
		Idle:     keepIdle,
		Interval: keepIntvl,
		Count:    keepCnt,
	}, nil
}

func parsePositiveSeconds(s string) (time.Duration, error) {
	n, err := parsePositiveInt(s)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Second, nil
}

func parsePositiveInt(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, errors.New("must be > 0")
	}
	return n, nil
}
