// Package supervisor couples the lifetimes of the Trend Agents backend
// and frontend to a single orchestrating process.
//
// The sequence is fixed: locate the settings file, normalize its line
// endings, parse and merge it over the inherited environment, derive the
// backend port and URL, start the backend in the background, then run the
// frontend in the foreground. Once the backend is running, every exit
// path (normal completion, failure, SIGINT/SIGTERM) tears it down exactly
// once before the supervisor exits.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"go.uber.org/zap"

	"github.com/trendagents/trendsup/internal/envfile"
	"github.com/trendagents/trendsup/internal/proc"
	"github.com/trendagents/trendsup/internal/status"
)

// Defaults for the environment-derivation steps. The keys are consumed by
// the supervised processes; the supervisor only validates BACKEND_PORT and
// fills in BACKEND_URL and PYTHONPATH.
const (
	DefaultEnvFile = ".env"
	DefaultPortKey = "BACKEND_PORT"
	DefaultPort    = 8000
	DefaultURLKey  = "BACKEND_URL"
	DefaultPathVar = "PYTHONPATH"
)

// Options configures a Supervisor.
type Options struct {
	// EnvFile is the settings file path, resolved against Root when
	// relative.
	EnvFile string
	// Root anchors relative paths and the children's working directory.
	// Empty means the directory of the supervisor's own executable, so
	// behavior does not depend on the caller's current directory.
	Root string

	// Backend and Frontend are the child argv vectors. Elements may
	// reference merged environment values as $KEY or ${KEY}.
	Backend  []string
	Frontend []string

	PortKey     string
	DefaultPort int
	URLKey      string
	PathVar     string

	// WaitBackend, when positive, polls the backend port for up to this
	// long before starting the frontend. Zero keeps the original
	// fire-and-forget behavior.
	WaitBackend time.Duration
	// StatusPort, when positive, serves the sidecar health endpoint.
	StatusPort int
	// TTY runs the frontend under a pseudo-terminal.
	TTY bool

	Logger *zap.Logger
}

// Environment is the assembled result of the configuration steps, before
// any process is spawned.
type Environment struct {
	Root    string
	EnvFile string
	// Config holds only the entries parsed from the settings file.
	Config envfile.Set
	// Set is the full merged environment handed to both children.
	Set  envfile.Set
	Port int
	URL  string
}

// Supervisor runs the orchestration sequence. Zero value is not usable;
// construct with New.
type Supervisor struct {
	opts Options

	// seams for tests
	spawn   func(proc.Spec) (*proc.Handle, error)
	environ func() []string
	notify  func(state string)

	mu       sync.Mutex
	backend  *proc.Handle
	frontend *proc.Handle
}

// New fills in defaults and returns a ready Supervisor.
func New(opts Options) *Supervisor {
	if opts.EnvFile == "" {
		opts.EnvFile = DefaultEnvFile
	}
	if opts.PortKey == "" {
		opts.PortKey = DefaultPortKey
	}
	if opts.DefaultPort == 0 {
		opts.DefaultPort = DefaultPort
	}
	if opts.URLKey == "" {
		opts.URLKey = DefaultURLKey
	}
	if opts.PathVar == "" {
		opts.PathVar = DefaultPathVar
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Supervisor{
		opts:    opts,
		spawn:   proc.Spawn,
		environ: os.Environ,
		notify:  func(state string) { _, _ = daemon.SdNotify(false, state) },
	}
}

// Environment performs steps 1–5 of the sequence: anchor, locate,
// normalize, parse, merge, derive. It spawns nothing and is safe to call
// for validation alone.
func (s *Supervisor) Environment() (*Environment, error) {
	root, err := s.root()
	if err != nil {
		return nil, err
	}

	path := s.opts.EnvFile
	if !filepath.IsAbs(path) {
		path = filepath.Join(root, path)
	}
	path, err = envfile.Locate(path)
	if err != nil {
		return nil, err
	}
	if _, err := envfile.NormalizeLineEndings(path); err != nil {
		return nil, err
	}
	cfg, err := envfile.Parse(path)
	if err != nil {
		return nil, err
	}

	// Settings file entries override the inherited environment; the
	// supervisor's own root is prepended to the module search path so
	// the frontend can resolve the project's packages.
	merged := envfile.FromEnviron(s.environ()).Merge(cfg)
	merged = merged.PrependPath(s.opts.PathVar, root)

	port, err := merged.ResolvePort(s.opts.PortKey, s.opts.DefaultPort)
	if err != nil {
		return nil, err
	}

	url, ok := merged.Lookup(s.opts.URLKey)
	if !ok || url == "" {
		url = fmt.Sprintf("http://localhost:%d", port)
		merged = merged.With(s.opts.URLKey, url)
	}

	return &Environment{
		Root:    root,
		EnvFile: path,
		Config:  cfg,
		Set:     merged,
		Port:    port,
		URL:     url,
	}, nil
}

// Run executes the full sequence and blocks until the frontend exits or
// ctx is cancelled. The returned code mirrors the frontend's exit code;
// configuration and spawn failures report 1 with a non-nil error.
func (s *Supervisor) Run(ctx context.Context) (int, error) {
	log := s.opts.Logger

	env, err := s.Environment()
	if err != nil {
		return 1, err
	}
	log.Info("configuration loaded",
		zap.String("env_file", env.EnvFile),
		zap.Int("backend_port", env.Port),
		zap.String("backend_url", env.URL),
		zap.Any("settings", env.Config.Redacted()))

	backendArgs := expandArgs(s.opts.Backend, env.Set)
	backend, err := s.spawn(proc.Spec{
		Command: backendArgs,
		Dir:     env.Root,
		Env:     env.Set.Environ(),
		Stdout:  os.Stdout,
		Stderr:  os.Stderr,
	})
	if err != nil {
		return 1, fmt.Errorf("starting backend: %w", err)
	}
	s.setBackend(backend)

	// From here on, every exit path releases the backend exactly once.
	defer func() {
		s.notify(daemon.SdNotifyStopping)
		backend.Terminate()
		log.Info("backend stopped", zap.Int("pid", backend.PID()))
	}()
	log.Info("backend started", zap.Int("pid", backend.PID()), zap.Strings("command", backendArgs))

	if s.opts.WaitBackend > 0 {
		if err := waitListening(ctx, fmt.Sprintf("localhost:%d", env.Port), s.opts.WaitBackend); err != nil {
			return 1, err
		}
		log.Info("backend listening", zap.Int("port", env.Port))
	}
	s.notify(daemon.SdNotifyReady)

	if s.opts.StatusPort > 0 {
		srv := status.New(s.opts.StatusPort, s.report(env.Port), log)
		srv.Start()
		defer srv.Close()
	}

	code, err := s.runFrontend(ctx, env)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			// Interrupted: the deferred cleanup still runs, and the
			// supervisor exits with the conventional interrupt code.
			log.Info("interrupted, shutting down")
			return code, nil
		}
		return 1, fmt.Errorf("running frontend: %w", err)
	}
	log.Info("frontend exited", zap.Int("code", code))
	return code, nil
}

func (s *Supervisor) runFrontend(ctx context.Context, env *Environment) (int, error) {
	spec := proc.Spec{
		Command: expandArgs(s.opts.Frontend, env.Set),
		Dir:     env.Root,
		Env:     env.Set.Environ(),
	}
	if s.opts.TTY {
		return proc.RunPTY(ctx, spec)
	}

	spec.Stdin = os.Stdin
	spec.Stdout = os.Stdout
	spec.Stderr = os.Stderr
	frontend, err := s.spawn(spec)
	if err != nil {
		return 0, err
	}
	s.setFrontend(frontend)
	return frontend.WaitContext(ctx)
}

func (s *Supervisor) root() (string, error) {
	if s.opts.Root != "" {
		return filepath.Abs(s.opts.Root)
	}
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("resolving install root: %w", err)
	}
	return filepath.Dir(exe), nil
}

func (s *Supervisor) setBackend(h *proc.Handle) {
	s.mu.Lock()
	s.backend = h
	s.mu.Unlock()
}

func (s *Supervisor) setFrontend(h *proc.Handle) {
	s.mu.Lock()
	s.frontend = h
	s.mu.Unlock()
}

// report builds the status endpoint's view of the two children.
func (s *Supervisor) report(port int) status.Source {
	return func() status.Report {
		s.mu.Lock()
		backend, frontend := s.backend, s.frontend
		s.mu.Unlock()
		return status.Report{
			Status:      "ok",
			BackendPort: port,
			Backend:     childReport(backend),
			Frontend:    childReport(frontend),
		}
	}
}

func childReport(h *proc.Handle) status.Child {
	if h == nil {
		return status.Child{State: "not started"}
	}
	state := "running"
	if h.Exited() {
		state = "exited"
	}
	return status.Child{PID: h.PID(), State: state}
}

// expandArgs substitutes $KEY and ${KEY} references in argv elements from
// the merged environment, the way a shell launcher would. Unknown keys
// expand to the empty string.
func expandArgs(args []string, env envfile.Set) []string {
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = os.Expand(a, func(key string) string { return env[key] })
	}
	return out
}

// waitListening polls addr until a TCP connect succeeds or the timeout
// elapses. Used only when the operator opts out of fire-and-forget
// startup.
func waitListening(ctx context.Context, addr string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		conn, err := net.DialTimeout("tcp", addr, 250*time.Millisecond)
		if err == nil {
			conn.Close()
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("backend did not accept connections on %s within %s", addr, timeout)
		case <-ticker.C:
		}
	}
}
