// trendsup - service supervisor for the Trend Agents app
//
// Usage:
//
//	trendsup [flags]        Start the backend and frontend under supervision
//	trendsup up [flags]     Same as the bare invocation
//	trendsup check          Validate the settings file without starting anything
//	trendsup env            Print the merged environment (secrets redacted)
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/trendagents/trendsup/internal/logging"
	"github.com/trendagents/trendsup/internal/supervisor"
)

var (
	envFileFlag    string
	rootFlag       string
	backendFlag    string
	frontendFlag   string
	ttyFlag        bool
	waitFlag       time.Duration
	statusPortFlag int
	devFlag        bool
)

func main() {
	flag.StringVar(&envFileFlag, "env-file", supervisor.DefaultEnvFile, "Settings file with KEY=VALUE lines")
	flag.StringVar(&rootFlag, "root", "", "Project root (default: the directory of this executable)")
	flag.StringVar(&backendFlag, "backend",
		"uvicorn app.backend.main:app --host 0.0.0.0 --port ${BACKEND_PORT}",
		"Backend command ($KEY references resolve against the merged environment)")
	flag.StringVar(&frontendFlag, "frontend",
		"streamlit run app/frontend/streamlit_app.py",
		"Frontend command")
	flag.BoolVar(&ttyFlag, "tty", false, "Run the frontend under a pseudo-terminal")
	flag.DurationVarP(&waitFlag, "wait-backend", "w", 0, "Wait up to this long for the backend port before starting the frontend (0 = don't wait)")
	flag.IntVar(&statusPortFlag, "status-port", 0, "Serve GET /health on this localhost port (0 = off)")
	flag.BoolVar(&devFlag, "dev", false, "Human-readable console logs")

	flag.Usage = usage
	flag.Parse()

	cmd := "up"
	if args := flag.Args(); len(args) > 0 {
		cmd = args[0]
	}

	switch cmd {
	case "up":
		cmdUp()
	case "check":
		cmdCheck()
	case "env":
		cmdEnv()
	default:
		fatal("unknown command: %s", cmd)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `trendsup - service supervisor for the Trend Agents app

Usage:
  trendsup [flags]            Start the backend and frontend under supervision
  trendsup up [flags]         Same as the bare invocation
  trendsup check              Validate the settings file without starting anything
  trendsup env                Print the merged environment (secrets redacted)

The settings file is plain KEY=VALUE lines ('#' comments and blank lines
ignored, CRLF tolerated). Its entries override the inherited environment.
The frontend's exit code becomes trendsup's exit code, and the backend
never outlives trendsup.

Flags:
`)
	flag.PrintDefaults()
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "trendsup: "+format+"\n", args...)
	os.Exit(1)
}

func newSupervisor(logger *zap.Logger) *supervisor.Supervisor {
	return supervisor.New(supervisor.Options{
		EnvFile:     envFileFlag,
		Root:        rootFlag,
		Backend:     strings.Fields(backendFlag),
		Frontend:    strings.Fields(frontendFlag),
		WaitBackend: waitFlag,
		StatusPort:  statusPortFlag,
		TTY:         ttyFlag,
		Logger:      logger,
	})
}

func cmdUp() {
	logger, err := logging.New(devFlag)
	if err != nil {
		fatal("%v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	code, err := newSupervisor(logger).Run(ctx)
	logger.Sync()
	if err != nil {
		fatal("%v", err)
	}
	os.Exit(code)
}

func cmdCheck() {
	env, err := newSupervisor(zap.NewNop()).Environment()
	if err != nil {
		fatal("%v", err)
	}
	fmt.Printf("ok: %s (%d settings, backend port %d)\n", env.EnvFile, len(env.Config), env.Port)
}

func cmdEnv() {
	env, err := newSupervisor(zap.NewNop()).Environment()
	if err != nil {
		fatal("%v", err)
	}
	redacted := env.Set.Redacted()
	keys := make([]string, 0, len(redacted))
	for k := range redacted {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("%s=%s\n", k, redacted[k])
	}
}
