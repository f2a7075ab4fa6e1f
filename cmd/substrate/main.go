package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"

	"substrate/internal/batch"
	"substrate/internal/cache"
	"substrate/internal/chat"
	"substrate/internal/checkpoint"
	"substrate/internal/config"
	"substrate/internal/executor"
	"substrate/internal/parser"
	"substrate/internal/planner"
	"substrate/internal/security"
	"substrate/internal/session"
	"substrate/internal/storage"
	"substrate/internal/tools"
	"substrate/internal/workflow"
)

const usage = `Usage: substrate <command> [flags]

Commands:
  run         parse model output and execute its tool calls
  workflow    run a workflow definition file
  checkpoint  list, create, export or import checkpoints
  session     inspect or reconcile session state
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "run":
		err = cmdRun(os.Args[2:])
	case "workflow":
		err = cmdWorkflow(os.Args[2:])
	case "checkpoint":
		err = cmdCheckpoint(os.Args[2:])
	case "session":
		err = cmdSession(os.Args[2:])
	case "-h", "--help", "help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n%s", os.Args[1], usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "substrate %s: %v\n", os.Args[1], err)
		os.Exit(1)
	}
}

// env assembles the shared runtime from configuration: workspace, session,
// registry, cache, planner, runner, and the SQLite history store.
type env struct {
	cfg     config.Config
	ws      *security.Workspace
	manager *session.Manager
	exec    *executor.Executor
	runner  *batch.Runner
	cache   *cache.Cache
	planner *planner.Planner
	store   *storage.SQLiteStore
	fs      *afero.Afero
}

func setup(configPath, workspaceOverride, sessionID string) (*env, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	root := strings.TrimSpace(workspaceOverride)
	if root == "" {
		root = cfg.Runtime.WorkspaceRoot
	}
	ws, err := security.NewWorkspace(root)
	if err != nil {
		return nil, fmt.Errorf("init workspace: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))
	slog.SetDefault(logger)

	fs := &afero.Afero{Fs: afero.NewOsFs()}
	store, err := storage.NewSQLiteStore(filepath.Join(cfg.Storage.BaseDir, "history.db"))
	if err != nil {
		return nil, fmt.Errorf("open history store: %w", err)
	}

	manager := session.NewManager(fs, filepath.Join(cfg.Storage.BaseDir, "sessions"),
		session.WithHistoryLimits(cfg.Session.HistoryLimit, 0),
		session.WithLockTimeout(time.Duration(cfg.Session.LockTimeoutMS)*time.Millisecond),
		session.WithConflictWindow(time.Duration(cfg.Session.ConflictWindowMS)*time.Millisecond),
		session.WithHistorySink(store),
		session.WithLogger(logger),
	)
	if err := manager.Open(sessionID, ws.Root()); err != nil {
		store.Close()
		return nil, err
	}

	registry := tools.DefaultRegistry(ws, manager,
		time.Duration(cfg.Safety.CommandTimeoutMS)*time.Millisecond,
		cfg.Safety.OutputLimitBytes)
	exec := executor.New(registry, executor.WithLogger(logger))
	pl := planner.New(registry, planner.WithLogger(logger))

	c := cache.New(registry,
		cache.WithLimits(cfg.Cache.MaxEntries, int64(cfg.Cache.MaxMemoryMB)<<20),
		cache.WithLogger(logger))
	if cfg.Cache.Persist {
		persister := cache.NewPersister(fs, cachePath(cfg, ws.Root()))
		if err := persister.Load(c); err != nil {
			logger.Warn("cache restore failed", "error", err)
		}
	}

	runner := batch.New(exec, pl, batch.WithCache(c), batch.WithLogger(logger))

	return &env{
		cfg:     cfg,
		ws:      ws,
		manager: manager,
		exec:    exec,
		runner:  runner,
		cache:   c,
		planner: pl,
		store:   store,
		fs:      fs,
	}, nil
}

func (e *env) close() {
	if e.cfg.Cache.Persist {
		persister := cache.NewPersister(e.fs, cachePath(e.cfg, e.ws.Root()))
		if err := persister.Save(e.cache); err != nil {
			slog.Warn("cache persist failed", "error", err)
		}
	}
	if err := e.manager.Save(); err != nil {
		slog.Warn("session persist failed", "error", err)
	}
	_ = e.store.Close()
}

// cachePath keeps one cache document per workspace.
func cachePath(cfg config.Config, root string) string {
	name := strings.ReplaceAll(strings.TrimPrefix(root, string(filepath.Separator)),
		string(filepath.Separator), "_")
	return filepath.Join(cfg.Storage.BaseDir, "cache", name+".json")
}

func cmdRun(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	var (
		configPath  = fs.String("config", "", "path to config JSON/JSONC")
		workDir     = fs.String("cwd", "", "workspace root override")
		input       = fs.String("input", "-", "model output file, - for stdin")
		mode        = fs.String("mode", "planned", "execution mode: sequential, fixed, planned")
		concurrency = fs.Int("concurrency", 0, "window size for fixed mode")
		sessionID   = fs.String("session", "", "session id to resume")
		showPlan    = fs.Bool("plan", false, "print the parallel plan before executing")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}

	text, err := readInput(*input)
	if err != nil {
		return err
	}

	result := parser.Parse(text)
	if !result.HasTools {
		fmt.Println("no tool calls in input")
		return nil
	}

	var calls []executor.Call
	for _, block := range result.Blocks {
		if block.Kind == parser.BlockToolCall {
			calls = append(calls, executor.CallFromBlock(block))
		}
	}

	e, err := setup(*configPath, *workDir, *sessionID)
	if err != nil {
		return err
	}
	defer e.close()

	if err := e.store.UpsertSession(e.manager.SessionID(), e.ws.Root()); err != nil {
		return err
	}

	if *showPlan {
		plan := e.planner.Plan(calls)
		fmt.Printf("plan: %d batches, risk %s, estimated savings %dms\n",
			len(plan.Batches), plan.Risk, plan.EstimatedSavingsMs)
	}

	opts := batch.Options{
		Mode:        batch.Mode(*mode),
		Concurrency: *concurrency,
		Progress: func(done, total int, exec executor.ToolExecution) {
			fmt.Fprintf(os.Stderr, "[%d/%d] %s: %s\n",
				done, total, exec.Name, exec.Metadata.Status)
		},
	}
	if opts.Concurrency == 0 {
		opts.Concurrency = e.cfg.Runtime.MaxConcurrency
	}

	run := e.runner.Run(context.Background(), calls, opts)
	for _, exec := range run.Executions {
		e.manager.RecordExecution(exec)
	}

	fmt.Println(run.Summary)
	if run.ErrorCount > 0 {
		for _, exec := range run.Executions {
			if !exec.OK() {
				fmt.Printf("failed %s: %s\n", exec.Name, firstLine(exec.Output))
			}
		}
		return fmt.Errorf("%d of %d calls failed", run.ErrorCount, len(run.Executions))
	}
	return nil
}

func cmdWorkflow(args []string) error {
	fs := flag.NewFlagSet("workflow", flag.ExitOnError)
	var (
		configPath = fs.String("config", "", "path to config JSON/JSONC")
		workDir    = fs.String("cwd", "", "workspace root override")
		file       = fs.String("file", "", "workflow definition JSON")
		sessionID  = fs.String("session", "", "session id to resume")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *file == "" {
		return fmt.Errorf("-file is required")
	}

	e, err := setup(*configPath, *workDir, *sessionID)
	if err != nil {
		return err
	}
	defer e.close()

	cfg, err := workflow.LoadConfig(e.fs, *file)
	if err != nil {
		return err
	}

	engine := workflow.New(e.exec, workflow.WithCwd(e.ws.Root()))
	run, err := engine.Run(context.Background(), cfg)
	if err != nil {
		return err
	}
	if err := e.store.SaveWorkflowRun(run); err != nil {
		slog.Warn("workflow history write failed", "error", err)
	}

	for _, step := range run.Steps {
		line := fmt.Sprintf("%-12s %s", step.Status, step.ID)
		if step.Reason != "" {
			line += " (" + step.Reason + ")"
		}
		fmt.Println(line)
	}
	fmt.Printf("%s: %d executed, %d failed, %d skipped in %s\n",
		run.Workflow, run.StepsExecuted, run.StepsFailed, run.StepsSkipped,
		run.Duration.Round(time.Millisecond))

	if run.StepsFailed > 0 {
		return fmt.Errorf("workflow completed with %d failed steps", run.StepsFailed)
	}
	return nil
}

func cmdCheckpoint(args []string) error {
	fs := flag.NewFlagSet("checkpoint", flag.ExitOnError)
	var (
		configPath = fs.String("config", "", "path to config JSON/JSONC")
		action     = fs.String("do", "list", "action: list, create, show, delete, export, import")
		id         = fs.String("id", "", "checkpoint id")
		name       = fs.String("name", "", "checkpoint name for create")
		desc       = fs.String("desc", "", "checkpoint description for create")
		messages   = fs.String("messages", "", "messages JSON file for create")
		target     = fs.String("path", "", "file path for export/import")
		minMsgs    = fs.Int("min-messages", 0, "list filter: minimum message count")
		pattern    = fs.String("match", "", "list filter: name regex")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	afs := &afero.Afero{Fs: afero.NewOsFs()}
	store := checkpoint.NewStore(afs, filepath.Join(cfg.Storage.BaseDir, "checkpoints"))

	switch *action {
	case "list":
		list, err := store.List(checkpoint.ListOptions{
			MinMessages: *minMsgs,
			NamePattern: *pattern,
			SortBy:      "timestamp",
			Descending:  true,
		})
		if err != nil {
			return err
		}
		for _, cp := range list {
			fmt.Printf("%s  %s  %d msgs  %d tokens  %s\n",
				cp.ID, cp.Timestamp.Format(time.RFC3339), cp.Stats.MessageCount,
				cp.Stats.EstimatedTokens, cp.Name)
		}
		return nil

	case "create":
		if *messages == "" {
			return fmt.Errorf("-messages is required for create")
		}
		data, err := os.ReadFile(*messages)
		if err != nil {
			return err
		}
		var msgs []chat.Message
		if err := json.Unmarshal(data, &msgs); err != nil {
			return fmt.Errorf("parse messages: %w", err)
		}
		cp := checkpoint.New(*name, *desc, msgs, nil)
		if err := store.Save(cp); err != nil {
			return err
		}
		fmt.Println(cp.ID)
		return nil

	case "show":
		cp, err := store.Load(*id)
		if err != nil {
			return err
		}
		out, err := json.MarshalIndent(cp, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil

	case "delete":
		return store.Delete(*id)

	case "export":
		if *target == "" {
			return fmt.Errorf("-path is required for export")
		}
		return store.Export(*id, *target)

	case "import":
		if *target == "" {
			return fmt.Errorf("-path is required for import")
		}
		cp, err := store.Import(*target)
		if err != nil {
			return err
		}
		fmt.Println(cp.ID)
		return nil

	default:
		return fmt.Errorf("unknown checkpoint action %q", *action)
	}
}

func cmdSession(args []string) error {
	fs := flag.NewFlagSet("session", flag.ExitOnError)
	var (
		configPath = fs.String("config", "", "path to config JSON/JSONC")
		workDir    = fs.String("cwd", "", "workspace root override")
		sessionID  = fs.String("session", "", "session id to inspect")
		action     = fs.String("do", "show", "action: show, history, resolve")
		limit      = fs.Int("limit", 20, "history rows to show")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}

	e, err := setup(*configPath, *workDir, *sessionID)
	if err != nil {
		return err
	}
	defer e.close()

	switch *action {
	case "show":
		state := e.manager.State()
		fmt.Printf("session %s  cwd=%s  progress=%.0f%%\n",
			state.SessionID, state.WorkingDir, state.Progress())
		for _, todo := range state.Todos {
			mark := " "
			if todo.Status == "completed" {
				mark = "x"
			}
			fmt.Printf("- [%s] %s\n", mark, todo.Text)
		}
		return nil

	case "history":
		rows, err := e.store.ListExecutions(e.manager.SessionID(), *limit)
		if err != nil {
			return err
		}
		for _, row := range rows {
			fmt.Printf("%4d  %-16s %-8s %6dms  %s\n",
				row.Seq, row.Tool, row.Status, row.DurationMs, row.CreatedAt)
		}
		return nil

	case "resolve":
		removed, err := e.manager.ResolveConflicts()
		if err != nil {
			return err
		}
		if conflict, err := e.manager.SyncGlobal(); err != nil {
			return err
		} else if conflict {
			fmt.Println("workspace pointer updated")
		}
		fmt.Printf("merged %d superseded sessions\n", len(removed))
		return nil

	default:
		return fmt.Errorf("unknown session action %q", *action)
	}
}

func readInput(path string) (string, error) {
	if path == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		return string(data), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
