// Command legba runs the session orchestration daemon: it accepts chat
// commands on stdin, admits sessions through the bounded queue, and drives
// sandboxed coding sessions to pull requests.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"os/user"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"legba/internal/orch"
	"legba/pkg/config"
	"legba/pkg/eventlog"
	"legba/pkg/executor"
	"legba/pkg/github"
	"legba/pkg/logx"
	"legba/pkg/notify"
	"legba/pkg/persistence"
	"legba/pkg/queue"
	"legba/pkg/registry"
	"legba/pkg/router"
	"legba/pkg/session"
)

var version = "dev"

func main() {
	var configPath string
	var showVersion bool
	flag.StringVar(&configPath, "config", "", "Path to config file (YAML)")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("legba %s\n", version)
		return
	}

	if configPath == "" {
		configPath = os.Getenv("LEGBA_CONFIG")
	}

	var cfg *config.Config
	var err error
	if configPath == "" {
		cfg = config.Default()
	} else {
		cfg, err = config.Load(configPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
	}

	if err := run(cfg); err != nil {
		log.Fatalf("legba exited: %v", err)
	}
}

func run(cfg *config.Config) error {
	logger := logx.NewLogger("main")

	db, err := persistence.InitializeDatabase(cfg.DBPath)
	if err != nil {
		return logx.Wrap(err, "database initialization failed")
	}
	defer db.Close()
	store := persistence.NewSessionStore(db)

	reg, err := registry.Load(cfg.RegistryPath)
	if err != nil {
		return logx.Wrap(err, "project registry load failed")
	}

	events, err := eventlog.NewWriter(cfg.EventLogDir)
	if err != nil {
		return logx.Wrap(err, "event log initialization failed")
	}
	defer events.Close()

	machine := session.NewMachine(store)
	notifier := notify.NewLogNotifier()
	finalizer := orch.NewPRFinalizer(github.NewClient())

	var factory executor.Factory
	if len(cfg.Executor.Command) > 0 {
		factory = executor.NewProcessFactory(cfg.Executor.Command)
	} else {
		// No runner configured: sessions play a canned demo script so the
		// pipeline can be exercised end to end.
		logger.Warn("executor.command not configured, using demo executor")
		factory = executor.NewScriptedFactory(demoScript)
	}

	// The drop callback needs the orchestrator, which needs the queue.
	var orchestrator *orch.Orchestrator
	q := queue.New(cfg.Queue.MaxDepth, queue.DisabledPolicy(cfg.Queue.DisabledProjectPolicy), reg,
		func(req *session.QueuedRequest) { orchestrator.DropQueuedRequest(req) })
	orchestrator = orch.New(cfg, machine, q, reg, factory, finalizer, notifier, events)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := orchestrator.Recover(ctx, store); err != nil {
		return logx.Wrap(err, "restart recovery failed")
	}
	if err := reg.Watch(ctx); err != nil {
		return logx.Wrap(err, "registry watch failed")
	}

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			logger.Info("Metrics endpoint listening on %s", cfg.MetricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Metrics server failed: %v", err)
			}
		}()
		defer srv.Close()
	}

	limiter := notify.NewRateLimiter(cfg.RateLimit.CommandsPerMinute)
	rtr := router.New(reg, q, machine, store, limiter, cfg.Queue.MaxDepth)
	go consoleLoop(ctx, rtr)

	runErr := make(chan error, 1)
	go func() { runErr <- orchestrator.Run(ctx) }()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("Received signal %v, initiating graceful shutdown", sig)
		cancel()
		return <-runErr
	case err := <-runErr:
		return err
	}
}

// consoleLoop reads commands from stdin. It is the built-in chat adapter;
// platform adapters deliver the same grammar from their own transports.
func consoleLoop(ctx context.Context, rtr *router.Router) {
	chat := session.ChatContext{
		Platform:  "console",
		ChannelID: "stdin",
		UserID:    consoleUser(),
	}

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := scanner.Text()
		cmd, err := router.Parse(line)
		if err != nil {
			if errors.Is(err, router.ErrNotCommand) {
				continue
			}
			fmt.Fprintf(os.Stdout, "error: %v\n", err)
			continue
		}

		reply, err := rtr.Handle(ctx, cmd, chat)
		if err != nil {
			fmt.Fprintf(os.Stdout, "error: %v\n", err)
			continue
		}
		fmt.Fprintln(os.Stdout, reply)
	}
}

func consoleUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return "console"
}

// demoScript is the fallback executor behavior: a short successful session.
func demoScript() *executor.Scripted {
	return executor.NewScripted([]executor.Event{
		{Phase: executor.PhaseStarted},
		{Phase: executor.PhaseCloned},
		{Phase: executor.PhaseProgress, Delta: session.MetricsDelta{FilesChanged: 2, LinesAdded: 40, TestsRun: 5, TestsPassed: 5}},
		{Phase: executor.PhaseCompleted},
	}, 500*time.Millisecond)
}
