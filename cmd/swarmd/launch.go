package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"swarmd/internal/agentrec"
	"swarmd/internal/config"
	"swarmd/internal/ipc"
	"swarmd/internal/lifecycle"
	"swarmd/internal/loop"
	"swarmd/internal/metrics"
	"swarmd/internal/roles"
	"swarmd/internal/rpcmanager"
	"swarmd/internal/scheduler"
	"swarmd/internal/spawner"
	"swarmd/internal/task"
	"swarmd/internal/workflow"
)

var (
	statusOK   = color.New(color.FgGreen).SprintFunc()
	statusInfo = color.New(color.FgCyan).SprintFunc()
	statusWarn = color.New(color.FgYellow).SprintFunc()
)

func newLaunchCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "launch",
		Short: "Start the orchestrator: the Agent Loop, the IPC control plane, and (with --pipe) a one-shot pipe-mode run",
		RunE:  runLaunch,
	}
	cmd.Flags().Bool("pipe", false, "process one pending request non-interactively, print a summary, and exit (spec §6 \"pipe mode\")")
	return cmd
}

// runtime bundles every component buildRuntime wires together, so both launch's
// long-running server mode and its pipe-mode one-shot share one
// construction path.
type runtime struct {
	cfg      config.Config
	store    *task.MemoryStore
	registry *agentrec.Registry
	sched    *scheduler.Scheduler
	lc       *lifecycle.Engine
	lp       *loop.Loop
	server   *ipc.Server
	metrics  *metrics.Metrics
	roles    *roles.Registry
	tasksDB  string
}

func buildRuntime(cmd *cobra.Command) (*runtime, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}

	roleRegistry, err := loadRoles(cmd, cfg.SteeringIntervalMS)
	if err != nil {
		return nil, fmt.Errorf("load role manifest: %w", err)
	}

	projectPath := stringFlag(cmd, "project")
	tasksDB := stringFlag(cmd, "tasks-file")
	if tasksDB == "" {
		tasksDB = snapshotPathForProject(projectPath)
	}
	socketPath := stringFlag(cmd, "socket")
	if socketPath == "" {
		socketPath = ipc.SocketPathForProject(projectPath)
	}

	store := task.NewMemoryStore()
	if err := loadSnapshot(tasksDB, store); err != nil {
		return nil, err
	}

	level := parseLevel(stringFlag(cmd, "log-level"))
	var m *metrics.Metrics
	if boolFlag(cmd, "metrics") {
		m = metrics.New(true)
	}

	registry := agentrec.New(cfg.EventBufferSize, storeMessageSource{store: store})
	sched := scheduler.New(store, registry)
	sched.SetConflictPrefixes(cfg.ConflictLabelPrefixes)
	sp := spawner.NewFakeSpawner()
	lc := lifecycle.New(store, registry, sp, cfg.Grace(), newLogger("lifecycle", level))
	lc.SetMetrics(m)

	var dispatcher workflow.Dispatcher
	lp := loop.New(store, registry, sched, lc, loop.Config{
		PollInterval:      cfg.PollInterval(),
		MaxWorkers:        cfg.MaxWorkers,
		DefaultWorkerRole: "implementer",
		Metrics:           m,
	}, newLogger("loop", level))

	if cfg.Workflow.AutoProcessReadyTasks {
		dispatcher = workflow.NewAutonomous(lp)
	} else {
		dispatcher = workflow.NewInteractive(lp)
	}

	rpcMgr := rpcmanager.New(registry, store, lc, dispatcher, lp.Wake, newLogger("rpcmanager", level))
	rpcMgr.SetComplaintRevoker(lp)
	lc.SetOnSpawn(func(localID, role, taskID string, h spawner.Handle) {
		rpcMgr.Attach(context.Background(), localID, role, h)
	})

	server := ipc.New(socketPath, store, registry, lc, lp, newLogger("ipc", level))
	server.SetMetrics(m)

	return &runtime{
		cfg: cfg, store: store, registry: registry, sched: sched, lc: lc,
		lp: lp, server: server, metrics: m, roles: roleRegistry, tasksDB: tasksDB,
	}, nil
}

func runLaunch(cmd *cobra.Command, args []string) error {
	rt, err := buildRuntime(cmd)
	if err != nil {
		return err
	}

	if boolFlag(cmd, "pipe") {
		return runPipeMode(cmd, rt)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rt.server.Listen(); err != nil {
		return fmt.Errorf("listen on control socket: %w", err)
	}
	fmt.Println(statusOK("swarmd launched"))
	fmt.Printf("  control socket: %s\n", statusInfo(rt.server.SocketPath()))
	fmt.Printf("  task snapshot:  %s\n", statusInfo(rt.tasksDB))
	fmt.Printf("  roles loaded:   %s\n", statusInfo(fmt.Sprintf("%d", len(rt.roles.IDs()))))

	if rt.metrics != nil {
		addr := stringFlag(cmd, "metrics-addr")
		mux := http.NewServeMux()
		mux.Handle("/metrics", rt.metrics.Handler())
		httpServer := &http.Server{Addr: addr, Handler: mux}
		go func() {
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				fmt.Println(statusWarn(fmt.Sprintf("metrics server: %v", err)))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = httpServer.Shutdown(shutdownCtx)
		}()
		fmt.Printf("  metrics:        %s\n", statusInfo(fmt.Sprintf("http://%s/metrics", addr)))
	}

	rt.lp.Start(ctx)
	serveErrCh := make(chan error, 1)
	go func() { serveErrCh <- rt.server.Serve(ctx) }()

	<-ctx.Done()
	fmt.Println(statusInfo("shutting down"))
	rt.lp.Stop()
	_ = rt.server.Close()
	<-serveErrCh

	if err := saveSnapshot(rt.tasksDB, rt.store); err != nil {
		return fmt.Errorf("save task snapshot on shutdown: %w", err)
	}
	return nil
}

// runPipeMode runs one ready-task dispatch pass (plus a single retry pass
// when the first dispatches nothing, see below) and prints
// a text summary of work performed (spec §6 "a one-shot invocation that
// processes a single request and produces a text summary"), then exits.
// It does not start the IPC server -- pipe mode has no caller to connect.
func runPipeMode(cmd *cobra.Command, rt *runtime) error {
	ctx := context.Background()
	dispatched, err := rt.lp.StartTasks(ctx, 0)
	if err != nil {
		return fmt.Errorf("pipe mode: dispatch: %w", err)
	}

	// The source's pipe-mode retries once against a wall-clock quiet
	// window tied to the poll interval when the first pass dispatches
	// nothing (spec §9 open question) -- the exact minimum was never
	// confirmed, so this uses the configured poll interval itself as that
	// window rather than inventing a separate constant.
	if dispatched == 0 {
		time.Sleep(rt.cfg.PollInterval())
		dispatched, err = rt.lp.StartTasks(ctx, 0)
		if err != nil {
			return fmt.Errorf("pipe mode: retry dispatch: %w", err)
		}
	}

	if err := saveSnapshot(rt.tasksDB, rt.store); err != nil {
		return fmt.Errorf("pipe mode: save task snapshot: %w", err)
	}

	if dispatched == 0 {
		fmt.Println("swarmd: no ready tasks to dispatch")
		return nil
	}
	fmt.Printf("swarmd: dispatched %d task(s)\n", dispatched)
	return nil
}
