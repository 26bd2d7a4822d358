package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"gopkg.in/yaml.v3"

	"github.com/fleetwright/drover/internal/api"
	"github.com/fleetwright/drover/internal/config"
	"github.com/fleetwright/drover/internal/doctor"
	"github.com/fleetwright/drover/internal/inspect"
	"github.com/fleetwright/drover/internal/job"
	"github.com/fleetwright/drover/internal/log"
	"github.com/fleetwright/drover/internal/master"
	"github.com/fleetwright/drover/internal/minions"
	"github.com/fleetwright/drover/internal/storage"
	"github.com/fleetwright/drover/internal/target"
	"github.com/fleetwright/drover/internal/tui/watch"
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
	case "system":
		os.Exit(runSystemNoun(args))
	case "config":
		os.Exit(runConfigNoun(args))
	case "target":
		os.Exit(runTargetNoun(args))
	case "job":
		os.Exit(runJobNoun(args))
	case "minion":
		os.Exit(runMinionNoun(args))
	case "batch":
		os.Exit(runBatchNoun(args))

	// --- ROOT ALIASES ---
	case "start":
		os.Exit(runStart(args))
	case "inspect":
		os.Exit(runInspect(args))
	case "doctor":
		os.Exit(runConfigCheck(args))
	case "version":
		fmt.Printf("drover version %s\n", version)
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
	fmt.Print(`drover - Fleet job dispatch and minion targeting master

Usage:
  drover <noun> <action> [flags]

Core Resources (Nouns):
  system    Master lifecycle and health
  config    Configuration, diagnostics, and integrity
  target    Minion targeting expressions
  job       Dispatched jobs and their returns
  minion    Accepted-key and connection state
  batch     Wave execution

System Commands:
  system start        Start the master in foreground

Config Commands:
  config check        Validate nodegroups, ACL grants, token scopes
  config lock         Authorize current state (update integrity hashes)
  config show         Print the resolved configuration

Target Commands:
  target resolve <expr>  Resolve a target expression against the fleet

Job Commands:
  job run <function> [args...]  Dispatch a job via the API
  job inspect <jid>             Show a job's returns and stragglers

Minion Commands:
  minion list         List accepted minions and their cache state
  minion connected    List currently connected minions (via API)

Batch Commands:
  batch watch         Live TUI over batch lifecycle events

General:
  version             Show version information
  help                Show this help message

Use 'drover <noun> help' for resource-specific flags.
`)
}

// --- NOUN DISPATCHERS ---

func runSystemNoun(args []string) int {
	if len(args) < 1 {
		printSystemNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printSystemNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "start":
		if hasHelpFlag(actionArgs) {
			printSystemStartHelp()
			return 0
		}
		return runStart(actionArgs)
	case "help":
		printSystemNounHelp(os.Stdout)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown system action: %s\n", action)
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
	case "check":
		if hasHelpFlag(actionArgs) {
			printConfigCheckHelp()
			return 0
		}
		return runConfigCheck(actionArgs)
	case "lock":
		if hasHelpFlag(actionArgs) {
			printConfigLockHelp()
			return 0
		}
		return runConfigLock(actionArgs)
	case "show":
		if hasHelpFlag(actionArgs) {
			printConfigShowHelp()
			return 0
		}
		return runConfigShow(actionArgs)
	case "help":
		printConfigNounHelp(os.Stdout)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		return 1
	}
}

func runTargetNoun(args []string) int {
	if len(args) < 1 {
		printTargetNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printTargetNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "resolve":
		if hasHelpFlag(actionArgs) {
			printTargetResolveHelp()
			return 0
		}
		return runTargetResolve(actionArgs)
	case "help":
		printTargetNounHelp(os.Stdout)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown target action: %s\n", action)
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
	case "inspect":
		if hasHelpFlag(actionArgs) {
			printJobInspectHelp()
			return 0
		}
		return runInspect(actionArgs)
	case "help":
		printJobNounHelp(os.Stdout)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown job action: %s\n", action)
		return 1
	}
}

func runMinionNoun(args []string) int {
	if len(args) < 1 {
		printMinionNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printMinionNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "list":
		if hasHelpFlag(actionArgs) {
			printMinionListHelp()
			return 0
		}
		return runMinionList(actionArgs)
	case "connected":
		if hasHelpFlag(actionArgs) {
			printMinionConnectedHelp()
			return 0
		}
		return runMinionConnected(actionArgs)
	case "help":
		printMinionNounHelp(os.Stdout)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown minion action: %s\n", action)
		return 1
	}
}

func runBatchNoun(args []string) int {
	if len(args) < 1 {
		printBatchNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printBatchNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "watch":
		if hasHelpFlag(actionArgs) {
			printBatchWatchHelp()
			return 0
		}
		return runBatchWatch(actionArgs)
	case "help":
		printBatchNounHelp(os.Stdout)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown batch action: %s\n", action)
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

func printSystemNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: drover system <action>")
	fmt.Fprintln(w, "Actions: start")
}

func printConfigNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: drover config <action> [flags]")
	fmt.Fprintln(w, "Actions: check, lock, show")
}

func printTargetNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: drover target <action> [flags]")
	fmt.Fprintln(w, "Actions: resolve")
}

func printJobNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: drover job <action> [flags]")
	fmt.Fprintln(w, "Actions: run, inspect")
}

func printMinionNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: drover minion <action> [flags]")
	fmt.Fprintln(w, "Actions: list, connected")
}

func printBatchNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: drover batch <action> [flags]")
	fmt.Fprintln(w, "Actions: watch")
}

func printSystemStartHelp() {
	fmt.Println("Usage: drover system start [--config PATH]")
	fmt.Println("Start the master service in the foreground.")
}

func printConfigCheckHelp() {
	fmt.Println("Usage: drover config check [--config PATH] [--format human|json] [--strict] [--json]")
	fmt.Println("Validate nodegroups, publisher ACL grants, token scopes, and key directory.")
}

func printConfigLockHelp() {
	fmt.Println("Usage: drover config lock [--config PATH] [--dry-run]")
	fmt.Println("Authorize current configuration state by regenerating integrity hashes.")
}

func printConfigShowHelp() {
	fmt.Println("Usage: drover config show [--config PATH] [--json]")
	fmt.Println("Print the resolved configuration with defaults applied.")
}

func printTargetResolveHelp() {
	fmt.Println("Usage: drover target resolve <expr> [--config PATH] [--type TYPE] [--delimiter D] [--non-greedy] [--json]")
	fmt.Println("Resolve a target expression against accepted keys and the data cache.")
}

func printJobRunHelp() {
	fmt.Println("Usage: drover job run <function> [args...] --target EXPR [--type TYPE] [--batch SIZE] [--async] [--api-url URL] [--token TOKEN]")
	fmt.Println("Dispatch a job through the running master's API.")
}

func printJobInspectHelp() {
	fmt.Println("Usage: drover job inspect <jid> [--config PATH] [--json]")
	fmt.Println("Show a job's targeted minions, returns, and stragglers.")
}

func printMinionListHelp() {
	fmt.Println("Usage: drover minion list [--config PATH]")
	fmt.Println("List accepted minions and whether cached data exists for each.")
}

func printMinionConnectedHelp() {
	fmt.Println("Usage: drover minion connected [--subset N] [--addresses] [--api-url URL] [--token TOKEN]")
	fmt.Println("List minions the running master currently observes as connected.")
}

func printBatchWatchHelp() {
	fmt.Println("Usage: drover batch watch [--api-url URL] [--token TOKEN]")
	fmt.Println("Launch the live batch dashboard over the master's event stream.")
}

// --- ACTION IMPLEMENTATIONS ---

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, err := loadConfigForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Master.LogLevel)
	logger := log.WithComponent("main")
	logger.Info("drover starting", "version", version, "name", cfg.Master.Name)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m, cleanup, err := master.New(ctx, cfg)
	if err != nil {
		logger.Error("failed to assemble master", "error", err.Error())
		return 1
	}
	defer cleanup()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() { errCh <- m.Run(ctx) }()

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig.String())
		cancel()
		<-errCh
	case err := <-errCh:
		if err != nil {
			logger.Error("master failed", "error", err.Error())
			return 1
		}
	}

	logger.Info("drover stopped")
	return 0
}

func runConfigCheck(args []string) int {
	var configPath, format string
	var strict, jsonOut bool

	fs := flag.NewFlagSet("check", flag.ExitOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration")
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

	cfg, err := loadConfigForTool(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config load error: %v\n", err)
		return 1
	}

	result := doctor.New(cfg).Validate()

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

func runConfigLock(args []string) int {
	fs := flag.NewFlagSet("lock", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration")
	dryRun := fs.Bool("dry-run", false, "Compute hashes without writing the manifest")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	path, err := resolveConfigFile(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to resolve config: %v\n", err)
		return 1
	}

	// Load first so a broken config is never locked.
	if _, err := config.Load(path); err != nil {
		fmt.Fprintf(os.Stderr, "Refusing to lock invalid config: %v\n", err)
		return 1
	}

	manifest, err := config.GenerateChecksums(path, *dryRun)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to lock config: %v\n", err)
		return 1
	}

	for name, hash := range manifest.Hashes {
		fmt.Printf("  HASH %s: %s\n", name, hash)
	}
	if *dryRun {
		fmt.Println("Dry run completed (no files written).")
	} else {
		fmt.Printf("Locked configuration: %s\n", filepath.Join(filepath.Dir(path), ".checksums"))
	}
	return 0
}

func runConfigShow(args []string) int {
	fs := flag.NewFlagSet("show", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, err := loadConfigForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}

	if *jsonOut {
		data, _ := json.MarshalIndent(cfg, "", "  ")
		fmt.Println(string(data))
	} else {
		data, _ := yaml.Marshal(cfg)
		fmt.Print(string(data))
	}
	return 0
}

func runTargetResolve(args []string) int {
	var configPath, tgtType, delimiter string
	var nonGreedy, jsonOut bool

	fs := flag.NewFlagSet("resolve", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration")
	fs.StringVar(&tgtType, "type", "", "Target type (glob, pcre, list, grain, pillar, ipcidr, nodegroup, compound, ...)")
	fs.StringVar(&delimiter, "delimiter", "", "Nested-key delimiter for grain and pillar matching")
	fs.BoolVar(&nonGreedy, "non-greedy", false, "Only match minions with cached data")
	fs.BoolVar(&jsonOut, "json", false, "Output in JSON")

	expr, remainingArgs := splitPositional(args)
	if err := fs.Parse(remainingArgs); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if expr == "" {
		fmt.Fprintf(os.Stderr, "Usage: drover target resolve <expr> [--type TYPE] [--non-greedy] [--json]\n")
		return 1
	}

	kind, err := target.ParseKind(tgtType)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	cfg, err := loadConfigForTool(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	ctx := context.Background()
	m, cleanup, err := master.New(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open master state: %v\n", err)
		return 1
	}
	defer cleanup()

	match, err := m.Resolver.CheckMinions(ctx, expr, kind, delimiter, !nonGreedy)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Resolve failed: %v\n", err)
		return 1
	}

	if jsonOut {
		out := api.ResolveResponse{Minions: match.Minions.Sorted(), Missing: match.Missing.Sorted()}
		data, _ := json.MarshalIndent(out, "", "  ")
		fmt.Println(string(data))
		return 0
	}

	minionIDs := match.Minions.Sorted()
	if len(minionIDs) == 0 {
		fmt.Println("No minions matched.")
		return 0
	}
	for _, id := range minionIDs {
		fmt.Println(id)
	}
	if missing := match.Missing.Sorted(); len(missing) > 0 {
		fmt.Printf("Missing cached data (%d): %s\n", len(missing), strings.Join(missing, ", "))
	}
	return 0
}

func runJobRun(args []string) int {
	var tgt, tgtType, batchSize, apiURL, token string
	var async bool

	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.StringVar(&tgt, "target", "", "Target expression")
	fs.StringVar(&tgtType, "type", "", "Target type")
	fs.StringVar(&batchSize, "batch", "", "Batch size (count or percentage, e.g. 10 or 25%)")
	fs.BoolVar(&async, "async", false, "Return the jid immediately instead of waiting")
	fs.StringVar(&apiURL, "api-url", defaultAPIURL(), "Master API URL")
	fs.StringVar(&token, "token", os.Getenv("DROVER_API_TOKEN"), "API bearer token")

	// Positional function name and args may precede or trail flags.
	var positional []string
	var flagArgs []string
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if strings.HasPrefix(arg, "-") {
			flagArgs = append(flagArgs, arg)
			if !strings.Contains(arg, "=") && i+1 < len(args) && isFlagWithValue(arg) {
				i++
				flagArgs = append(flagArgs, args[i])
			}
			continue
		}
		positional = append(positional, arg)
	}
	if err := fs.Parse(flagArgs); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	if len(positional) == 0 || tgt == "" {
		fmt.Fprintf(os.Stderr, "Usage: drover job run <function> [args...] --target EXPR [--batch SIZE] [--async]\n")
		return 1
	}
	if token == "" {
		fmt.Fprintln(os.Stderr, "Error: API token required. Use --token or DROVER_API_TOKEN env var.")
		return 1
	}

	req := api.RunRequest{
		Target:     tgt,
		TargetType: tgtType,
		Function:   positional[0],
		Batch:      batchSize,
		Async:      async,
	}
	for _, a := range positional[1:] {
		req.Arguments = append(req.Arguments, a)
	}

	body, status, err := apiRequest(apiURL, token, http.MethodPost, "/jobs", req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Request failed: %v\n", err)
		return 1
	}
	if status != http.StatusOK && status != http.StatusAccepted {
		fmt.Fprintf(os.Stderr, "API error (%d): %s\n", status, apiErrorText(body))
		return 1
	}

	var resp api.RunResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		fmt.Fprintf(os.Stderr, "Bad response: %v\n", err)
		return 1
	}

	fmt.Printf("jid: %s\n", resp.JID)
	if len(resp.Minions) > 0 {
		fmt.Printf("targeted: %s\n", strings.Join(resp.Minions, ", "))
	}
	if len(resp.Down) > 0 {
		fmt.Printf("down: %s\n", strings.Join(resp.Down, ", "))
	}
	if len(resp.Returns) > 0 {
		ids := make([]string, 0, len(resp.Returns))
		for id := range resp.Returns {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			ret := resp.Returns[id]
			fmt.Printf("  %s [retcode %d]: %v\n", id, ret.Retcode, ret.Return)
		}
	}
	return 0
}

func runInspect(args []string) int {
	var configPath string
	var jsonOut bool

	fs := flag.NewFlagSet("inspect", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration")
	fs.BoolVar(&jsonOut, "json", false, "Output report in JSON")

	jid, remainingArgs := splitPositional(args)
	if err := fs.Parse(remainingArgs); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if jid == "" {
		fmt.Fprintf(os.Stderr, "Usage: drover job inspect <jid> [--config PATH] [--json]\n")
		return 1
	}

	cfg, err := loadConfigForTool(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, cfg.Cache.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open database: %v\n", err)
		return 1
	}
	defer db.Close()

	store := job.NewStore(db)
	var report string
	if jsonOut {
		report, err = inspect.BuildJSONReport(ctx, store, jid)
	} else {
		report, err = inspect.BuildReport(ctx, store, jid)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Inspect failed: %v\n", err)
		return 1
	}

	fmt.Print(report)
	return 0
}

func runMinionList(args []string) int {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := loadConfigForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	ctx := context.Background()
	m, cleanup, err := master.New(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open master state: %v\n", err)
		return 1
	}
	defer cleanup()

	ids, err := m.Keys.SortedKnown()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read keystore: %v\n", err)
		return 1
	}
	cached, err := m.Cache.List(ctx, minions.BucketGrains)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read data cache: %v\n", err)
		return 1
	}

	for _, id := range ids {
		if _, ok := cached[id]; ok {
			fmt.Printf("%s  (cached)\n", id)
		} else {
			fmt.Printf("%s  (no cached data)\n", id)
		}
	}
	return 0
}

func runMinionConnected(args []string) int {
	fs := flag.NewFlagSet("connected", flag.ExitOnError)
	subset := fs.Int("subset", 0, "Return at most N connected minions")
	addresses := fs.Bool("addresses", false, "Print IP addresses instead of minion ids")
	apiURL := fs.String("api-url", defaultAPIURL(), "Master API URL")
	token := fs.String("token", os.Getenv("DROVER_API_TOKEN"), "API bearer token")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if *token == "" {
		fmt.Fprintln(os.Stderr, "Error: API token required. Use --token or DROVER_API_TOKEN env var.")
		return 1
	}

	path := "/minions/connected"
	params := []string{}
	if *subset > 0 {
		params = append(params, fmt.Sprintf("subset=%d", *subset))
	}
	if *addresses {
		params = append(params, "addresses=true")
	}
	if len(params) > 0 {
		path += "?" + strings.Join(params, "&")
	}

	body, status, err := apiRequest(*apiURL, *token, http.MethodGet, path, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Request failed: %v\n", err)
		return 1
	}
	if status != http.StatusOK {
		fmt.Fprintf(os.Stderr, "API error (%d): %s\n", status, apiErrorText(body))
		return 1
	}

	if *addresses {
		var addrs map[string][]string
		if err := json.Unmarshal(body, &addrs); err != nil {
			fmt.Fprintf(os.Stderr, "Bad response: %v\n", err)
			return 1
		}
		ids := make([]string, 0, len(addrs))
		for id := range addrs {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			fmt.Printf("%s  %s\n", id, strings.Join(addrs[id], ", "))
		}
		return 0
	}

	var connected []string
	if err := json.Unmarshal(body, &connected); err != nil {
		fmt.Fprintf(os.Stderr, "Bad response: %v\n", err)
		return 1
	}
	for _, entry := range connected {
		fmt.Println(entry)
	}
	return 0
}

func runBatchWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	apiURL := fs.String("api-url", defaultAPIURL(), "Master API URL")
	token := fs.String("token", os.Getenv("DROVER_API_TOKEN"), "API bearer token")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if *token == "" {
		fmt.Fprintln(os.Stderr, "Error: API token required. Use --token or DROVER_API_TOKEN env var.")
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

func loadConfigForTool(configPath string) (*config.Config, error) {
	if configPath == "" {
		discovered, err := config.DiscoverConfigDir()
		if err != nil {
			return nil, err
		}
		configPath = discovered
	}
	return config.Load(configPath)
}

// resolveConfigFile resolves a path or discovered directory to the concrete
// config file, for tools that operate on the file itself.
func resolveConfigFile(configPath string) (string, error) {
	if configPath == "" {
		discovered, err := config.DiscoverConfigDir()
		if err != nil {
			return "", err
		}
		configPath = discovered
	}
	info, err := os.Stat(configPath)
	if err != nil {
		return "", fmt.Errorf("config not found: %s", configPath)
	}
	if info.IsDir() {
		configPath = filepath.Join(configPath, "config.yaml")
		if _, err := os.Stat(configPath); err != nil {
			return "", fmt.Errorf("config.yaml not found in %s", filepath.Dir(configPath))
		}
	}
	return configPath, nil
}

// splitPositional separates the first non-flag argument from the rest, so
// commands accept 'drover job inspect <jid> --json' with the flag trailing.
func splitPositional(args []string) (string, []string) {
	var positional string
	var remaining []string
	for _, arg := range args {
		if !strings.HasPrefix(arg, "-") && positional == "" {
			positional = arg
		} else {
			remaining = append(remaining, arg)
		}
	}
	return positional, remaining
}

// isFlagWithValue reports whether a bare flag consumes the next argument.
// Boolean flags (--async) do not.
func isFlagWithValue(arg string) bool {
	switch strings.TrimLeft(arg, "-") {
	case "target", "type", "batch", "api-url", "token", "config", "delimiter":
		return true
	}
	return false
}

func defaultAPIURL() string {
	if url := os.Getenv("DROVER_API_URL"); url != "" {
		return url
	}
	return "http://127.0.0.1:4506"
}

func apiRequest(baseURL, token, method, path string, payload any) ([]byte, int, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, 0, err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, strings.TrimRight(baseURL, "/")+path, body)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	// Sync batch runs can hold the request open for several waves.
	client := &http.Client{Timeout: 10 * time.Minute}
	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return data, resp.StatusCode, nil
}

func apiErrorText(body []byte) string {
	var e struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &e); err == nil && e.Error != "" {
		return e.Error
	}
	return strings.TrimSpace(string(body))
}
