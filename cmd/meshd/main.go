// meshd is the meshwork kernel daemon: a local HTTP server that hosts
// agent registry, schedulers, the shared channel, and worker processes.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/jaakkos/meshwork/internal/agentdef"
	"github.com/jaakkos/meshwork/internal/app"
	"github.com/jaakkos/meshwork/internal/collab"
	"github.com/jaakkos/meshwork/internal/discovery"
	"github.com/jaakkos/meshwork/internal/docs"
	"github.com/jaakkos/meshwork/internal/domain"
	"github.com/jaakkos/meshwork/internal/policy"
	"github.com/jaakkos/meshwork/internal/proposal"
	"github.com/jaakkos/meshwork/internal/repository/sqlite"
	"github.com/jaakkos/meshwork/internal/server"
	"github.com/jaakkos/meshwork/internal/tools/team"
)

// Version is set by -ldflags at build time.
var Version = "dev"

func main() {
	configPath := flag.String("config", "", "path to YAML config (defaults to $MESHD_CONFIG)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("meshd " + Version)
		return
	}

	tmpLogger := log.New(os.Stderr, "[meshd] ", log.LstdFlags|log.Lshortfile)
	cfg := loadConfig(*configPath, tmpLogger)
	pol := policy.New(cfg)

	logger := setupLogger(pol.LogFile())
	logger.Println("Starting meshd...")
	logger.Printf("Data dir: %s", pol.DataDir())

	if err := os.MkdirAll(pol.DataDir(), 0o755); err != nil {
		logger.Fatalf("Create data dir: %v", err)
	}

	store, err := sqlite.New(pol.DatabasePath())
	if err != nil {
		logger.Fatalf("Open database: %v", err)
	}
	if err := store.EnsureGlobalWorkflow(); err != nil {
		logger.Fatalf("Ensure global workflow: %v", err)
	}
	// Worker pids persisted by a previous run are meaningless now.
	if err := store.ClearAllWorkers(); err != nil {
		logger.Printf("Warning: clear stale worker rows: %v", err)
	}

	channel := collab.NewService(store, pol.ResourceThreshold(), logger)
	proposals := proposal.NewService(store, logger)

	docDir := docs.NewDir(pol.DocsRoot(), logger)
	logger.Printf("Document root: %s", pol.DocsRoot())

	if dir := pol.AgentDefsDir(); dir != "" {
		n, err := agentdef.Seed(dir, store, logger)
		if err != nil {
			logger.Printf("Warning: seed agent definitions: %v", err)
		} else if n > 0 {
			logger.Printf("Seeded %d agent(s) from %s", n, dir)
		}
	}

	tools := team.NewHandler(store, channel, proposals, docDir, logger)

	// Filled in below once the dependent pieces exist; shutdown may fire
	// from a signal before startup completes, so guard each step.
	var (
		schedulers *app.SchedulerManager
		workers    *app.WorkerManager
		watcher    *docs.Watcher
		httpServer *http.Server
		sigCh      chan os.Signal
		discovered bool
	)
	watchCtx, watchCancel := context.WithCancel(context.Background())

	var shutdownOnce sync.Once
	shutdown := func() {
		shutdownOnce.Do(func() {
			logger.Println("Shutting down...")
			if sigCh != nil {
				signal.Stop(sigCh)
			}
			if schedulers != nil {
				schedulers.StopAll()
			}
			if workers != nil {
				workers.KillAll()
			}
			watchCancel()
			if watcher != nil {
				watcher.Stop()
			}
			if httpServer != nil {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := httpServer.Shutdown(ctx); err != nil {
					logger.Printf("HTTP shutdown: %v", err)
				}
			}
			if err := store.Close(); err != nil {
				logger.Printf("Close database: %v", err)
			}
			// Only unlink a record this process wrote; a failed Write
			// means another live daemon owns the file.
			if discovered {
				if err := discovery.Remove(pol.DiscoveryPath()); err != nil {
					logger.Printf("Remove discovery file: %v", err)
				}
			}
			logger.Println("Stopped")
		})
	}

	handler := server.NewHandler(store, channel, tools, shutdown, logger)
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)

	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", pol.Host(), pol.Port()))
	if err != nil {
		logger.Fatalf("HTTP listen: %v", err)
	}
	actualPort := ln.Addr().(*net.TCPAddr).Port
	baseURL := fmt.Sprintf("http://%s:%d", pol.Host(), actualPort)
	logger.Printf("HTTP server on %s", baseURL)

	httpServer = &http.Server{Handler: mux}

	workers = app.NewWorkerManager(pol, store, logger)
	workers.SetBaseURL(baseURL)

	schedulers = app.NewSchedulerManager(channel, store, workers, pol.PollInterval(), pol.MaxRetries(), logger)
	handler.SetSchedulers(schedulers, workers)

	restartSchedulers(store, schedulers, logger)

	if pol.WatchDocs() {
		watcher = docs.NewWatcher(pol.DocsRoot(), schedulers.WakeWorkflow, logger)
		docDir.SetNotifier(watcher)
		go watcher.Start(watchCtx)
		logger.Println("Document watcher enabled")
	}

	rec := discovery.Record{
		PID:       os.Getpid(),
		Host:      pol.Host(),
		Port:      actualPort,
		StartedAt: time.Now().UTC(),
	}
	if err := discovery.Write(pol.DiscoveryPath(), rec); err != nil {
		shutdown()
		logger.Fatalf("Write discovery file: %v", err)
	}
	discovered = true
	logger.Printf("Discovery file: %s", pol.DiscoveryPath())

	// Keep running when the controlling terminal goes away (nohup, launchd).
	signal.Ignore(syscall.SIGHUP)
	sigCh = make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Accept requests only now that every handler dependency is wired, so
	// a racing POST /shutdown cannot observe half-built state.
	go func() {
		if err := httpServer.Serve(ln); err != http.ErrServerClosed {
			logger.Fatalf("HTTP server error: %v", err)
		}
	}()

	sig := <-sigCh
	logger.Printf("Received signal %v", sig)
	shutdown()
}

// restartSchedulers resumes scheduling for every agent of every running
// workflow, so a daemon restart picks up where the last run stopped.
func restartSchedulers(store *sqlite.Store, schedulers *app.SchedulerManager, logger *log.Logger) {
	workflows, err := store.ListWorkflows()
	if err != nil {
		logger.Printf("Warning: list workflows on startup: %v", err)
		return
	}
	started := 0
	for _, wf := range workflows {
		if wf.State != domain.WorkflowRunning {
			continue
		}
		agents, err := store.ListAgents(wf.Name, wf.Tag)
		if err != nil {
			logger.Printf("Warning: list agents for %s:%s: %v", wf.Name, wf.Tag, err)
			continue
		}
		for _, a := range agents {
			schedulers.StartAgent(a)
			started++
		}
	}
	if started > 0 {
		logger.Printf("Resumed %d scheduler(s)", started)
	}
}

// setupLogger creates a logger that writes to the configured log file and,
// when stderr is an interactive terminal, to stderr as well. Daemonized runs
// (stderr redirected) log only to the file to avoid duplicate lines.
func setupLogger(logFilePath string) *log.Logger {
	var writers []io.Writer

	stderrIsTerminal := false
	if info, err := os.Stderr.Stat(); err == nil {
		stderrIsTerminal = (info.Mode() & os.ModeCharDevice) != 0
	}

	hasLogFile := false
	lower := strings.ToLower(logFilePath)
	if lower != "none" && lower != "off" && logFilePath != "" {
		if err := os.MkdirAll(filepath.Dir(logFilePath), 0o755); err == nil {
			f, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err == nil {
				writers = append(writers, f)
				hasLogFile = true
			} else {
				fmt.Fprintf(os.Stderr, "[meshd] Warning: cannot open log file %s: %v\n", logFilePath, err)
			}
		} else {
			fmt.Fprintf(os.Stderr, "[meshd] Warning: cannot create log dir %s: %v\n", filepath.Dir(logFilePath), err)
		}
	}

	if stderrIsTerminal || !hasLogFile {
		writers = append(writers, os.Stderr)
	}

	return log.New(io.MultiWriter(writers...), "[meshd] ", log.LstdFlags|log.Lshortfile)
}

// loadConfig loads policy configuration from -config, $MESHD_CONFIG, or defaults.
func loadConfig(path string, logger *log.Logger) *policy.Config {
	if path == "" {
		path = os.Getenv("MESHD_CONFIG")
	}
	cfg, err := policy.LoadConfig(path)
	if err != nil {
		logger.Printf("Warning: failed to load config %s: %v, using defaults", path, err)
		cfg, _ = policy.LoadConfig("")
	}
	return cfg
}
