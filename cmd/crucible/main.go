package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/crucible/internal/agent"
	"github.com/mattjoyce/crucible/internal/api"
	"github.com/mattjoyce/crucible/internal/config"
	"github.com/mattjoyce/crucible/internal/doctor"
	"github.com/mattjoyce/crucible/internal/events"
	"github.com/mattjoyce/crucible/internal/gitexec"
	"github.com/mattjoyce/crucible/internal/inspect"
	"github.com/mattjoyce/crucible/internal/journal"
	"github.com/mattjoyce/crucible/internal/lock"
	"github.com/mattjoyce/crucible/internal/log"
	"github.com/mattjoyce/crucible/internal/orchestrator"
	"github.com/mattjoyce/crucible/internal/queueclient"
	"github.com/mattjoyce/crucible/internal/session"
	"github.com/mattjoyce/crucible/internal/telemetry"
	"github.com/mattjoyce/crucible/internal/tui/watch"
	"github.com/mattjoyce/crucible/internal/workspace"
)

const version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	// --- NOUNS ---
	case "agent":
		os.Exit(runAgentNoun(args))
	case "job":
		os.Exit(runJobNoun(args))
	case "config":
		os.Exit(runConfigNoun(args))

	// --- ROOT COMMANDS ---
	case "doctor":
		if hasHelpFlag(args) {
			printDoctorHelp()
			os.Exit(0)
		}
		os.Exit(runDoctor(args))
	case "watch":
		if hasHelpFlag(args) {
			printWatchHelp()
			os.Exit(0)
		}
		os.Exit(runWatch(args))
	case "version":
		fmt.Printf("crucible version %s\n", version)
		os.Exit(0)
	case "help", "--help", "-h":
		printUsage()
		os.Exit(0)

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`crucible - Job agent for headless coding tools

Usage:
  crucible <noun> <action> [flags]

Core Resources (Nouns):
  agent     Claim loop lifecycle
  job       Job execution and history
  config    Configuration and integrity

Agent Commands:
  agent start       Poll the queue and execute jobs in the foreground

Job Commands:
  job run           Execute one local job without a queue
  job list          List recent jobs from the journal
  job show <id>     Show one job with its event trail

Config Commands:
  config show       Print the resolved configuration
  config lock       Write the .checksums integrity manifest
  config verify     Check config files against the manifest

General:
  doctor            Preflight the installation
  watch             Live status TUI over the API
  version           Show version information
  help              Show this help message

Use 'crucible <noun> help' for resource-specific flags.
`)
}

// --- NOUN DISPATCHERS ---

func runAgentNoun(args []string) int {
	if len(args) < 1 {
		printAgentNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printAgentNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "start":
		if hasHelpFlag(actionArgs) {
			printAgentStartHelp()
			return 0
		}
		return runAgentStart(actionArgs)
	case "help":
		printAgentNounHelp(os.Stdout)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown agent action: %s\n", action)
		return 1
	}
}

func runJobNoun(args []string) int {
	if len(args) < 1 {
		printJobNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printJobNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "run":
		if hasHelpFlag(actionArgs) {
			printJobRunHelp()
			return 0
		}
		return runJobRun(actionArgs)
	case "list":
		if hasHelpFlag(actionArgs) {
			printJobListHelp()
			return 0
		}
		return runJobList(actionArgs)
	case "show":
		if hasHelpFlag(actionArgs) {
			printJobShowHelp()
			return 0
		}
		return runJobShow(actionArgs)
	case "help":
		printJobNounHelp(os.Stdout)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown job action: %s\n", action)
		return 1
	}
}

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		printConfigNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printConfigNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "show":
		if hasHelpFlag(actionArgs) {
			printConfigShowHelp()
			return 0
		}
		return runConfigShow(actionArgs)
	case "lock":
		if hasHelpFlag(actionArgs) {
			printConfigLockHelp()
			return 0
		}
		return runConfigLock(actionArgs)
	case "verify":
		if hasHelpFlag(actionArgs) {
			printConfigVerifyHelp()
			return 0
		}
		return runConfigVerify(actionArgs)
	case "help":
		printConfigNounHelp(os.Stdout)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		return 1
	}
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

// --- HELP TEXT ---

func printAgentNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: crucible agent <action>")
	fmt.Fprintln(w, "Actions: start")
}

func printJobNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: crucible job <action> [flags]")
	fmt.Fprintln(w, "Actions: run, list, show")
}

func printConfigNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: crucible config <action> [flags]")
	fmt.Fprintln(w, "Actions: show, lock, verify")
}

func printAgentStartHelp() {
	fmt.Println("Usage: crucible agent start [flags]")
	fmt.Println("Claim jobs from the queue and execute them in the foreground.")
	fmt.Println()
	fmt.Println("Flags:")
	fmt.Println("  --config PATH      Path to configuration file")
	fmt.Println("  --log-level LEVEL  Override agent.log_level (debug, info, warn, error)")
	fmt.Println("  --once             Claim at most one job, then exit")
	fmt.Println("  --watch            Attach the watch TUI (needs api.enabled)")
}

func printJobRunHelp() {
	fmt.Println("Usage: crucible job run --repo PATH --prompt TEXT [flags]")
	fmt.Println("Execute one job locally, without a queue.")
	fmt.Println()
	fmt.Println("Flags:")
	fmt.Println("  --repo PATH     Source git repository the job works against")
	fmt.Println("  --prompt TEXT   Instruction for the tool")
	fmt.Println("  --kind KIND     code_change (default) or artifact")
	fmt.Println("  --task ID       Task id used in the branch name")
	fmt.Println("  --no-cleanup    Leave the workspace in place after the job")
	fmt.Println("  --config PATH   Path to configuration file")
}

func printJobListHelp() {
	fmt.Println("Usage: crucible job list [--limit N] [--json]")
	fmt.Println("List recent jobs from the local journal.")
}

func printJobShowHelp() {
	fmt.Println("Usage: crucible job show <job_id> [--json]")
	fmt.Println("Show one job's terminal record, events, and transcript files.")
}

func printConfigShowHelp() {
	fmt.Println("Usage: crucible config show [path] [--config PATH] [--json]")
	fmt.Println("Print the resolved configuration, or a single node of it.")
}

func printConfigLockHelp() {
	fmt.Println("Usage: crucible config lock [--config PATH]")
	fmt.Println("Hash the config directory's yaml files into a .checksums manifest.")
}

func printConfigVerifyHelp() {
	fmt.Println("Usage: crucible config verify [--config PATH] [--json]")
	fmt.Println("Check the config directory against its .checksums manifest.")
}

func printDoctorHelp() {
	fmt.Println("Usage: crucible doctor [--config PATH] [--repo PATH] [--format human|json] [--strict] [--json]")
	fmt.Println("Preflight the installation: config, git, tool, journal, workspace, lock.")
}

func printWatchHelp() {
	fmt.Println("Usage: crucible watch [flags]")
	fmt.Println()
	fmt.Println("Live status TUI over the agent's API: health, recent jobs, the")
	fmt.Println("transcript of the selected job, and the raw event stream.")
	fmt.Println()
	fmt.Println("Flags:")
	fmt.Println("  --api URL      Status API base URL (default: http://127.0.0.1:8080)")
	fmt.Println("  --token TOKEN  API bearer token (or CRUCIBLE_API_TOKEN env var)")
	fmt.Println()
	fmt.Println("Keybindings:")
	fmt.Println("  q, Ctrl+C        Quit")
	fmt.Println("  ↑/↓, k/j         Select job")
	fmt.Println("  PgUp/PgDn        Scroll transcript")
}

// --- ACTION IMPLEMENTATIONS ---

func runAgentStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	logLevel := fs.String("log-level", "", "Override agent.log_level")
	once := fs.Bool("once", false, "Claim at most one job, then exit")
	watchTUI := fs.Bool("watch", false, "Attach the watch TUI")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	if *once && *watchTUI {
		fmt.Fprintln(os.Stderr, "Error: --once and --watch do not combine.")
		return 1
	}

	path, err := config.Discover(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
		return 1
	}
	if *configPath == "" {
		fmt.Fprintf(os.Stderr, "Using discovered config: %s\n", path)
	}

	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	if *watchTUI && !cfg.API.Enabled {
		fmt.Fprintln(os.Stderr, "Error: --watch needs api.enabled so the TUI has a stream to attach to.")
		return 1
	}

	level := cfg.Agent.LogLevel
	if *logLevel != "" {
		level = *logLevel
	}
	if *watchTUI && *logLevel == "" {
		// The TUI owns the terminal; keep the logger quiet unless the
		// level was set explicitly.
		level = "error"
	}
	log.Setup(level)
	logger := log.WithComponent("main")
	logger.Info("crucible starting", "version", version, "config", path)

	pidPath := lock.PathFor(cfg.Journal.Path)
	pidLock, err := lock.Acquire(pidPath)
	if err != nil {
		logger.Error("failed to acquire PID lock (another instance may be running)", "path", pidPath, "error", err)
		return 1
	}
	defer pidLock.Release()
	logger.Info("acquired PID lock", "path", pidPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		logger.Error("failed to initialize telemetry", "error", err)
		return 1
	}
	defer shutdownTelemetry()

	jnl, err := journal.Open(ctx, cfg.Journal.Path)
	if err != nil {
		logger.Error("failed to open journal", "path", cfg.Journal.Path, "error", err)
		return 1
	}
	defer jnl.Close()
	logger.Info("journal opened", "path", cfg.Journal.Path)

	if removed, err := jnl.Sweep(ctx, cfg.Journal.Retention); err != nil {
		logger.Warn("journal sweep failed", "error", err)
	} else if removed > 0 {
		logger.Info("journal sweep removed expired records", "rows", removed)
	}

	if cfg.Queue.BaseURL == "" {
		logger.Error("queue.base_url is not configured; 'agent start' needs a queue ('job run' executes local jobs without one)")
		return 1
	}
	queueClient, err := queueclient.New(queueclient.Config{
		BaseURL: cfg.Queue.BaseURL,
		Token:   cfg.Queue.Token,
		AgentID: cfg.Agent.Name,
	})
	if err != nil {
		logger.Error("failed to create queue client", "error", err)
		return 1
	}

	orch := orchestrator.New(orchestrator.Deps{
		Workspaces: workspace.NewManager(gitexec.New(), workspace.WithNamespace(cfg.Workspace.Namespace)),
		Session: session.New(session.Config{
			Tool:      cfg.Tool.Binary,
			Model:     cfg.Tool.Model,
			ExtraArgs: cfg.Tool.ExtraArgs,
			PassEnv:   cfg.Tool.PassEnv,
			Timeout:   cfg.Tool.Timeout,
		}),
		Reporter: queueClient,
		Journal:  jnl,
		Tool:     cfg.Tool.Binary,
	})

	hub := events.NewHub(256)
	ag := agent.New(queueClient, orch, hub, cfg.Agent.PollInterval)

	if *once {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			sig := <-sigCh
			logger.Warn("received signal, aborting job", "signal", sig)
			cancel()
		}()

		out, err := ag.RunOnce(ctx)
		if err != nil {
			logger.Error("claim failed", "error", err)
			return 1
		}
		if out == nil {
			logger.Info("queue empty, nothing to run")
			return 0
		}
		if out.Status != queueclient.StatusCompleted {
			return 1
		}
		return 0
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 2)

	ag.Start(ctx)

	if cfg.API.Enabled {
		apiServer := api.New(api.Config{
			Listen:    cfg.API.Listen,
			Token:     cfg.API.Token,
			AgentName: cfg.Agent.Name,
			Version:   version,
		}, jnl, hub, log.WithComponent("api"))
		go func() {
			if err := apiServer.Start(ctx); err != nil && err != context.Canceled {
				errCh <- fmt.Errorf("api: %w", err)
			}
		}()
		logger.Info("API server enabled", "listen", cfg.API.Listen)
	}

	if *watchTUI {
		go func() {
			p := tea.NewProgram(watch.New(listenURL(cfg.API.Listen), cfg.API.Token))
			if _, err := p.Run(); err != nil {
				errCh <- fmt.Errorf("watch: %w", err)
				return
			}
			// Quitting the TUI asks for the same drain as Ctrl+C.
			sigCh <- syscall.SIGTERM
		}()
	}

	logger.Info("crucible running (press Ctrl+C to stop)")

	exit := 0
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		exit = 1
	}

	ag.Stop()
	cancel()

	logger.Info("crucible stopped")
	return exit
}

func runJobRun(args []string) int {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	repo := fs.String("repo", "", "Source git repository")
	prompt := fs.String("prompt", "", "Instruction for the tool")
	kind := fs.String("kind", queueclient.KindCodeChange, "Job kind")
	task := fs.String("task", "", "Task id used in the branch name")
	noCleanup := fs.Bool("no-cleanup", false, "Leave the workspace in place")
	logLevel := fs.String("log-level", "", "Override agent.log_level")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	if *repo == "" || *prompt == "" {
		fmt.Fprintln(os.Stderr, "Usage: crucible job run --repo PATH --prompt TEXT [flags]")
		return 1
	}
	if *kind != queueclient.KindCodeChange && *kind != queueclient.KindArtifact {
		fmt.Fprintf(os.Stderr, "Error: --kind must be %s or %s\n",
			queueclient.KindCodeChange, queueclient.KindArtifact)
		return 1
	}

	cfg, err := loadConfigOrDefault(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	level := cfg.Agent.LogLevel
	if *logLevel != "" {
		level = *logLevel
	}
	log.Setup(level)
	logger := log.WithComponent("main")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Warn("received signal, aborting job", "signal", sig)
		cancel()
	}()

	jnl, err := journal.Open(ctx, cfg.Journal.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open journal: %v\n", err)
		return 1
	}
	defer jnl.Close()

	orch := orchestrator.New(orchestrator.Deps{
		Workspaces: workspace.NewManager(gitexec.New(), workspace.WithNamespace(cfg.Workspace.Namespace)),
		Session: session.New(session.Config{
			Tool:      cfg.Tool.Binary,
			Model:     cfg.Tool.Model,
			ExtraArgs: cfg.Tool.ExtraArgs,
			PassEnv:   cfg.Tool.PassEnv,
			Timeout:   cfg.Tool.Timeout,
		}),
		Reporter: orchestrator.NopReporter{},
		Journal:  jnl,
		Tool:     cfg.Tool.Binary,
	})

	job := &queueclient.Job{
		ID:       uuid.NewString(),
		TaskID:   *task,
		Kind:     *kind,
		Prompt:   *prompt,
		RepoPath: *repo,
	}
	if *noCleanup {
		autoCleanup := false
		job.AutoCleanup = &autoCleanup
	}

	logger.Info("running local job", "job_id", job.ID, "kind", job.Kind, "repo", job.RepoPath)

	out, execErr := orch.Execute(ctx, job, nil)

	fmt.Printf("Job %s %s in %s\n", out.JobID, out.Status, out.Duration.Round(time.Millisecond))
	if out.Branch != "" {
		fmt.Printf("Branch    : %s\n", out.Branch)
	}
	if out.WorkspacePath != "" {
		fmt.Printf("Workspace : %s (kept)\n", out.WorkspacePath)
	}
	if out.Summary != nil {
		fmt.Printf("Commits   : %d\n", out.Summary.CommitCount)
		if out.Summary.LastCommitSubject != "" {
			fmt.Printf("Last      : %s\n", out.Summary.LastCommitSubject)
		}
	}
	if out.FinalText != "" {
		fmt.Printf("\n%s\n", out.FinalText)
	}

	if execErr != nil {
		if out.Failure != nil {
			fmt.Fprintf(os.Stderr, "\nJob failed [%s]: %s\n", out.Failure.Category, out.Failure.UserMessage)
		} else {
			fmt.Fprintf(os.Stderr, "\nJob failed: %v\n", execErr)
		}
		return 1
	}
	return 0
}

func runJobList(args []string) int {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	limit := fs.Int("limit", 20, "Maximum number of jobs to show")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, err := loadConfigOrDefault(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	// The table is the output; keep the logger quiet.
	log.Setup("error")

	ctx := context.Background()
	jnl, err := journal.Open(ctx, cfg.Journal.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open journal: %v\n", err)
		return 1
	}
	defer jnl.Close()

	var out string
	if *jsonOut {
		out, err = inspect.BuildJSONList(ctx, jnl, *limit)
	} else {
		out, err = inspect.BuildList(ctx, jnl, *limit)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "List failed: %v\n", err)
		return 1
	}

	if *jsonOut {
		fmt.Println(out)
	} else {
		fmt.Print(out)
	}
	return 0
}

func runJobShow(args []string) int {
	var configPath string
	var jsonOut bool

	fs := flag.NewFlagSet("show", flag.ExitOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration file")
	fs.BoolVar(&jsonOut, "json", false, "Output in structured JSON format")

	var jobID string
	var remainingArgs []string
	for _, arg := range args {
		if !strings.HasPrefix(arg, "-") && jobID == "" {
			jobID = arg
		} else {
			remainingArgs = append(remainingArgs, arg)
		}
	}

	if err := fs.Parse(remainingArgs); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	if jobID == "" {
		fmt.Fprintln(os.Stderr, "Usage: crucible job show <job_id> [--json]")
		return 1
	}

	cfg, err := loadConfigOrDefault(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup("error")

	ctx := context.Background()
	jnl, err := journal.Open(ctx, cfg.Journal.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open journal: %v\n", err)
		return 1
	}
	defer jnl.Close()

	var out string
	if jsonOut {
		out, err = inspect.BuildJSONReport(ctx, jnl, cfg.Tool.Binary, jobID)
	} else {
		out, err = inspect.BuildReport(ctx, jnl, cfg.Tool.Binary, jobID)
	}
	if err != nil {
		if errors.Is(err, journal.ErrNotFound) {
			fmt.Fprintf(os.Stderr, "No journal record for job %q\n", jobID)
			return 1
		}
		fmt.Fprintf(os.Stderr, "Show failed: %v\n", err)
		return 1
	}

	if jsonOut {
		fmt.Println(out)
	} else {
		fmt.Print(out)
	}
	return 0
}

func runConfigShow(args []string) int {
	fs := flag.NewFlagSet("show", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, err := loadConfigOrDefault(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}

	var result any = cfg
	if fs.NArg() > 0 {
		res, err := cfg.GetPath(fs.Arg(0))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		result = res
	}

	if *jsonOut {
		data, _ := json.MarshalIndent(result, "", "  ")
		fmt.Println(string(data))
	} else {
		data, _ := yaml.Marshal(result)
		fmt.Print(string(data))
	}
	return 0
}

func runConfigLock(args []string) int {
	fs := flag.NewFlagSet("lock", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	dir, err := resolveConfigDir(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to resolve config directory: %v\n", err)
		return 1
	}

	manifest, err := config.Lock(dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Lock failed: %v\n", err)
		return 1
	}

	names := make([]string, 0, len(manifest.Hashes))
	for name := range manifest.Hashes {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Printf("Locked configuration in %s:\n", dir)
	for _, name := range names {
		fmt.Printf("  HASH %s: %s\n", name, manifest.Hashes[name])
	}
	return 0
}

func runConfigVerify(args []string) int {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	dir, err := resolveConfigDir(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to resolve config directory: %v\n", err)
		return 1
	}

	result, err := config.Verify(dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Verify failed: %v\n", err)
		return 1
	}

	if *jsonOut {
		data, _ := json.MarshalIndent(result, "", "  ")
		fmt.Println(string(data))
	} else {
		for _, e := range result.Errors {
			fmt.Printf("  ERROR %s\n", e)
		}
		for _, w := range result.Warnings {
			fmt.Printf("  WARN  %s\n", w)
		}
		if result.Passed {
			fmt.Printf("Configuration in %s matches the manifest.\n", dir)
		} else {
			fmt.Printf("Verification failed (%d error(s)).\n", len(result.Errors))
		}
	}

	if !result.Passed {
		return 1
	}
	return 0
}

func runDoctor(args []string) int {
	var configPath, repoPath, format string
	var strict, jsonOut bool

	fs := flag.NewFlagSet("doctor", flag.ExitOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration")
	fs.StringVar(&repoPath, "repo", "", "Repository to check workspace placement against")
	fs.BoolVar(&strict, "strict", false, "Treat warnings as errors")
	fs.StringVar(&format, "format", "human", "Output format (human, json)")
	fs.BoolVar(&jsonOut, "json", false, "Output in JSON")

	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	if jsonOut {
		format = "json"
	}

	// The report is the output; keep the logger quiet.
	log.Setup("error")

	ctx := context.Background()
	var result *doctor.Result

	path, err := config.Discover(configPath)
	if err != nil {
		// Not fatal for doctor; a fresh machine should still get a report.
		fmt.Fprintln(os.Stderr, "No config file found; checking built-in defaults.")
		result = doctor.New(config.Defaults(), repoPath).Validate(ctx)
	} else if cfg, loadErr := config.Load(path); loadErr != nil {
		result = doctor.FromConfigError(loadErr)
	} else {
		result = doctor.New(cfg, repoPath).Validate(ctx)
	}

	switch format {
	case "json":
		out, err := doctor.FormatJSON(result)
		if err != nil {
			fmt.Fprintf(os.Stderr, "JSON format error: %v\n", err)
			return 1
		}
		fmt.Println(out)
	default:
		fmt.Print(doctor.FormatHuman(result))
	}

	if !result.Valid {
		return 1
	}
	if strict && len(result.Warnings) > 0 {
		return 2
	}
	return 0
}

func runWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	apiURL := fs.String("api", "http://127.0.0.1:8080", "Status API base URL")
	token := fs.String("token", os.Getenv("CRUCIBLE_API_TOKEN"), "API bearer token")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	m := watch.New(*apiURL, *token)
	p := tea.NewProgram(m)
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
		return 1
	}
	return 0
}

// --- HELPERS ---

// loadConfigOrDefault resolves the config the way the agent does, but
// falls back to built-in defaults when no config file exists anywhere,
// so local commands stay usable on a fresh machine.
func loadConfigOrDefault(explicit string) (*config.Config, error) {
	path, err := config.Discover(explicit)
	if err != nil {
		if errors.Is(err, config.ErrNoConfig) {
			return config.Defaults(), nil
		}
		return nil, err
	}
	return config.Load(path)
}

// resolveConfigDir maps a --config value to the directory holding the
// yaml files, discovering the standard location when empty.
func resolveConfigDir(explicit string) (string, error) {
	path, err := config.Discover(explicit)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if info.IsDir() {
		return path, nil
	}
	return filepath.Dir(path), nil
}

// listenURL turns a listen address into a client base URL.
func listenURL(listen string) string {
	if strings.HasPrefix(listen, ":") {
		return "http://127.0.0.1" + listen
	}
	return "http://" + listen
}
