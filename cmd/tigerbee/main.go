// Tigerbee is a VRChat avatar agent.
//
// It listens for speech, answers through a language model, speaks and
// displays the reply in the avatar's chat box, and moves and emotes the
// avatar over OSC. Between turns it idles with small random movements.
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	tigerbee run             Start the agent
//	tigerbee init [dir]      Initialize a working directory with defaults
//	tigerbee models          List configured and installed models
//	tigerbee stats [hours]   Summarize recent conversation turns
//	tigerbee version         Print version and build information
//	tigerbee -o json version Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nugget/tigerbee/internal/actuate"
	"github.com/nugget/tigerbee/internal/agent"
	"github.com/nugget/tigerbee/internal/behavior"
	"github.com/nugget/tigerbee/internal/buildinfo"
	"github.com/nugget/tigerbee/internal/chatbox"
	"github.com/nugget/tigerbee/internal/config"
	"github.com/nugget/tigerbee/internal/connwatch"
	"github.com/nugget/tigerbee/internal/conversation"
	"github.com/nugget/tigerbee/internal/dispatch"
	"github.com/nugget/tigerbee/internal/events"
	"github.com/nugget/tigerbee/internal/filter"
	"github.com/nugget/tigerbee/internal/llm"
	"github.com/nugget/tigerbee/internal/mqtt"
	"github.com/nugget/tigerbee/internal/opstate"
	"github.com/nugget/tigerbee/internal/social"
	"github.com/nugget/tigerbee/internal/speech"
	"github.com/nugget/tigerbee/internal/state"
	"github.com/nugget/tigerbee/internal/usage"
)

// main constructs the OS-level environment and delegates to [run], so
// the whole lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdin, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. stdin feeds console speech input and
// two-factor prompts; structured logs go to stdout. Arguments are parsed
// by hand to keep flag.CommandLine globals out of tests.
func run(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "run":
		return runAgent(ctx, stdin, stdout, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "models":
		return runModels(ctx, stdout, configPath, outputFmt)
	case "stats":
		hours := 24
		if len(cmdArgs) > 0 {
			n, err := strconv.Atoi(cmdArgs[0])
			if err != nil || n <= 0 {
				return fmt.Errorf("usage: tigerbee stats [hours]")
			}
			hours = n
		}
		return runStats(stdout, configPath, outputFmt, time.Duration(hours)*time.Hour)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.BuildInfo()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Tigerbee - VRChat Avatar Agent")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: tigerbee [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  run          Start the agent")
	fmt.Fprintln(w, "  init [dir]   Initialize working directory with defaults (default: .)")
	fmt.Fprintln(w, "  models       List configured models and what each provider has installed")
	fmt.Fprintln(w, "  stats [h]    Summarize conversation turns from the last h hours (default: 24)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  "+strings.Join(config.DefaultSearchPaths(), ", "))
	return nil
}

// modelEntry is one row of the models listing.
type modelEntry struct {
	Index     int    `json:"index"`
	Name      string `json:"name"`
	Provider  string `json:"provider"`
	Installed *bool  `json:"installed,omitempty"`
}

// runModels prints the failover order and, where a provider can say,
// whether each model is installed.
func runModels(ctx context.Context, w io.Writer, configPath, outputFmt string) error {
	logger := newLogger(io.Discard, slog.LevelInfo, "text")

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	router, err := newRouter(ctx, cfg, logger)
	if err != nil {
		return err
	}

	listCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	installed, listErr := router.Installed(listCtx)

	entries := make([]modelEntry, len(cfg.Models.Available))
	for i, m := range cfg.Models.Available {
		entries[i] = modelEntry{Index: i, Name: m.Name, Provider: m.Provider}
		if names, ok := installed[m.Provider]; ok {
			found := contains(names, m.Name)
			entries[i].Installed = &found
		}
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(entries); err != nil {
			return err
		}
	} else {
		for _, e := range entries {
			mark := " "
			if i := cfg.Models.InitialIndex; i == e.Index {
				mark = "*"
			}
			status := ""
			if e.Installed != nil && !*e.Installed {
				status = "  (not installed)"
			}
			fmt.Fprintf(w, "%s %d  %-24s %s%s\n", mark, e.Index, e.Name, e.Provider, status)
		}
		var providers []string
		for p := range installed {
			providers = append(providers, p)
		}
		sort.Strings(providers)
		for _, p := range providers {
			fmt.Fprintf(w, "\n%s has %d models installed\n", p, len(installed[p]))
		}
	}

	if listErr != nil {
		return fmt.Errorf("list installed models: %w", listErr)
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s || strings.TrimSuffix(v, ":latest") == s {
			return true
		}
	}
	return false
}

const usageDBName = "usage.db"

// statsReport is the stats command's output.
type statsReport struct {
	Since     time.Time                 `json:"since"`
	Total     *usage.Summary            `json:"total"`
	ByModel   map[string]*usage.Summary `json:"by_model"`
	ByOutcome map[string]*usage.Summary `json:"by_outcome"`
}

// runStats summarizes the turn history over the trailing window.
func runStats(w io.Writer, configPath, outputFmt string, window time.Duration) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	path := filepath.Join(cfg.DataDir, usageDBName)
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("no turn history at %s: %w", path, err)
	}
	store, err := usage.NewStore(path)
	if err != nil {
		return err
	}
	defer store.Close()

	end := time.Now()
	start := end.Add(-window)
	report := statsReport{Since: start}
	if report.Total, err = store.Summary(start, end); err != nil {
		return err
	}
	if report.ByModel, err = store.SummaryByModel(start, end); err != nil {
		return err
	}
	if report.ByOutcome, err = store.SummaryByOutcome(start, end); err != nil {
		return err
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	fmt.Fprintf(w, "Turns since %s: %d (%d spoken, avg backend %.0fms)\n",
		start.Format(time.RFC3339), report.Total.Turns, report.Total.Completed, report.Total.AvgLatencyMS)
	printGroup(w, "By model", report.ByModel)
	printGroup(w, "By outcome", report.ByOutcome)
	return nil
}

func printGroup(w io.Writer, title string, group map[string]*usage.Summary) {
	if len(group) == 0 {
		return
	}
	keys := make([]string, 0, len(group))
	for k := range group {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fmt.Fprintf(w, "\n%s:\n", title)
	for _, k := range keys {
		s := group[k]
		fmt.Fprintf(w, "  %-24s %5d turns  %5d spoken  %6.0fms\n", k, s.Turns, s.Completed, s.AvgLatencyMS)
	}
}

// runAgent handles the "tigerbee run" subcommand. It wires every
// component and blocks until a shutdown signal arrives.
//
// The shutdown sequence is:
//  1. SIGINT or SIGTERM cancels the context
//  2. The control loop, idler, and social workers return
//  3. The MQTT publisher announces offline
//  4. The OSC socket and state database close via defers
func runAgent(ctx context.Context, stdin io.Reader, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting Tigerbee", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	{
		// Validate has already accepted the level.
		level, _ := config.ParseLogLevel(cfg.LogLevel)
		logger = newLogger(stdout, level, cfg.LogFormat)
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"osc", cfg.OSC.Address,
		"models", len(cfg.Models.Available),
		"speech_input", cfg.Speech.Input,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	// --- Blocklist ---
	// Required. Running without one would repeat anything said to the
	// agent.
	blocklist, err := filter.Load(cfg.Agent.FilterFile)
	if err != nil {
		return err
	}
	logger.Info("blocklist loaded", "path", cfg.Agent.FilterFile, "phrases", blocklist.Len())

	// --- Operational state ---
	dbPath := filepath.Join(cfg.DataDir, "tigerbee.db")
	store, err := opstate.NewStore(dbPath)
	if err != nil {
		return fmt.Errorf("open state database %s: %w", dbPath, err)
	}
	defer store.Close()

	usagePath := filepath.Join(cfg.DataDir, usageDBName)
	turns, err := usage.NewStore(usagePath)
	if err != nil {
		return fmt.Errorf("open turn history %s: %w", usagePath, err)
	}
	defer turns.Close()

	modelIndex := initialModelIndex(store, cfg, logger)
	st := state.New(modelIndex)
	bus := events.New()

	// --- OSC ---
	gw, err := actuate.Dial(cfg.OSC.Address, logger)
	if err != nil {
		return err
	}
	defer gw.Close()

	display := chatbox.New(cfg.Agent.Title, gw, logger)
	display.Send(agent.MsgStartingUp)

	// --- Language backend ---
	router, err := newRouter(ctx, cfg, logger)
	if err != nil {
		return err
	}

	conv, err := conversation.New(ctx, router, st, conversation.Config{
		SystemPrompt:   cfg.Agent.SystemPrompt,
		Names:          cfg.Agent.Names,
		MaxResponseLen: cfg.Agent.MaxResponseLen,
	}, display, store, bus, logger)
	if err != nil {
		return err
	}
	logger.Info("available models", "models", conv.Models(), "active", modelIndex)

	connMgr := connwatch.NewManager(bus, logger)
	defer connMgr.Stop()

	connMgr.Watch(ctx, connwatch.Config{
		Name:         "llm",
		Probe:        router.Ping,
		Backoff:      connwatch.DefaultBackoff(),
		PollInterval: time.Duration(cfg.Models.HealthIntervalSec) * time.Second,
	})

	conv.Start(ctx)

	// --- Dispatchers ---
	commands := dispatch.NewCommands(st, gw, conv, bus, dispatch.CommandsConfig{}, logger)
	emotes := dispatch.NewEmotes(st, gw, bus, dispatch.EmotesConfig{Hold: cfg.Agent.EmoteHold}, logger)
	idler := behavior.New(st, gw, bus, behavior.Config{Interval: cfg.Idle.Interval}, logger)

	// --- Speech ---
	console := speech.NewLineListener(stdin)
	defer console.Close()
	var listener agent.Listener = console
	if cfg.Speech.Input == "command" {
		cl, err := speech.NewCommandListener(cfg.Speech.RecognizerCommand)
		if err != nil {
			return err
		}
		listener = cl
	}
	speaker, err := newSpeaker(cfg.Speech, display, logger)
	if err != nil {
		return err
	}

	loop := agent.New(agent.Components{
		Listener:     listener,
		Screener:     blocklist,
		Conversation: conv,
		Speaker:      speaker,
		Display:      display,
		Commands:     commands,
		Emotes:       emotes,
		Recorder:     turns,
	}, agent.Config{
		ListenTimeout: cfg.Speech.ListenTimeout,
		PhraseLimit:   cfg.Speech.PhraseLimit,
		Greeting:      cfg.Agent.Greeting,
	}, bus, logger)

	g, gctx := errgroup.WithContext(ctx)

	// --- Social ---
	// Login and its two-factor prompt run beside the control loop; the
	// agent keeps talking while VRChat is unreachable.
	if cfg.VRChat.Enabled {
		client, err := social.NewClient(cfg.VRChat.BaseURL, cfg.VRChat.Username, cfg.VRChat.Password, cfg.VRChat.UserAgent, logger)
		if err != nil {
			return err
		}
		greeter := social.NewGreeter(client, blocklist, speaker, display, bus, social.GreeterConfig{
			GroupID:  cfg.VRChat.GroupID,
			Interval: time.Duration(cfg.VRChat.PollIntervalSec) * time.Second,
		}, logger)
		prompt := func(ctx context.Context, question string) (string, error) {
			return console.Prompt(ctx, stdout, question)
		}

		g.Go(func() error {
			if !loginVRChat(gctx, client, prompt, logger) {
				return nil
			}
			connMgr.Watch(gctx, connwatch.Config{
				Name:    "vrchat",
				Probe:   client.Ping,
				Backoff: connwatch.DefaultBackoff(),
			})

			wake := make(chan struct{}, 1)
			if cfg.VRChat.Pipeline {
				pipeline := social.NewPipeline(cfg.VRChat.PipelineURL, client.AuthToken, cfg.VRChat.UserAgent, logger)
				g.Go(func() error {
					pipeline.Run(gctx, wake)
					return nil
				})
			}
			greeter.Run(gctx, wake)
			return nil
		})
	}

	// --- MQTT ---
	if cfg.MQTT.Configured() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("mqtt instance id: %w", err)
		}
		pub := mqtt.New(cfg.MQTT, instanceID, st, conv, bus, logger)
		pub.SetCommandHandler(commands.Apply)
		g.Go(func() error {
			if err := pub.Start(gctx); err != nil {
				logger.Error("mqtt publisher failed to start", "error", err)
			}
			return nil
		})
		defer func() {
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer stopCancel()
			if err := pub.Stop(stopCtx); err != nil {
				logger.Warn("mqtt publisher stop failed", "error", err)
			}
		}()
	}

	g.Go(func() error {
		if err := filter.Watch(gctx, blocklist, cfg.Agent.FilterFile, logger); err != nil {
			logger.Warn("blocklist hot reload disabled", "error", err)
		}
		return nil
	})
	g.Go(func() error {
		idler.Run(gctx)
		return nil
	})
	g.Go(func() error {
		loop.Greet(gctx)
		return loop.Run(gctx)
	})

	logger.Info("Tigerbee ready", "model_index", st.ModelIndex(), "model", conv.ModelName())

	err = g.Wait()
	logger.Info("shutting down")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// loginVRChat signs in, retrying transient failures with backoff. It
// reports false when ctx ends or the credentials are rejected.
func loginVRChat(ctx context.Context, client *social.Client, prompt social.CodePrompter, logger *slog.Logger) bool {
	backoff := connwatch.DefaultBackoff()
	for {
		user, err := client.Login(ctx, prompt)
		if err == nil {
			logger.Info("logged in to VRChat", "user", user.DisplayName)
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		if errors.Is(err, social.ErrUnauthorized) {
			logger.Error("vrchat login rejected, friend greeter disabled", "error", err)
			return false
		}
		delay := backoff.Next()
		logger.Warn("vrchat login failed", "error", err, "retry_in", delay)
		if !connwatch.SleepCtx(ctx, delay) {
			return false
		}
	}
}

// initialModelIndex returns the persisted model index when it is still
// in range, otherwise the configured initial index.
func initialModelIndex(store *opstate.Store, cfg *config.Config, logger *slog.Logger) int {
	n := len(cfg.Models.Available)
	idx, err := store.GetInt(opstate.NamespaceConversation, opstate.KeyModelIndex, cfg.Models.InitialIndex)
	if err != nil {
		logger.Warn("read persisted model index failed", "error", err)
		return cfg.Models.InitialIndex
	}
	if idx < 0 || idx >= n {
		logger.Warn("persisted model index out of range", "index", idx, "models", n)
		return cfg.Models.InitialIndex
	}
	return idx
}

// newRouter registers a provider for every provider named in the model
// list.
func newRouter(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*llm.Router, error) {
	specs := make([]llm.ModelSpec, len(cfg.Models.Available))
	used := make(map[string]bool)
	var geminiProbe string
	for i, m := range cfg.Models.Available {
		specs[i] = llm.ModelSpec{Name: m.Name, Provider: m.Provider}
		used[m.Provider] = true
		if m.Provider == "gemini" && geminiProbe == "" {
			geminiProbe = m.Name
		}
	}

	router := llm.NewRouter(specs)
	if used["ollama"] {
		router.AddProvider("ollama", llm.NewOllamaClient(cfg.Models.OllamaURL, logger))
	}
	if used["gemini"] {
		gc, err := llm.NewGeminiClient(ctx, cfg.Models.GeminiAPIKey, geminiProbe)
		if err != nil {
			return nil, fmt.Errorf("gemini client: %w", err)
		}
		router.AddProvider("gemini", gc)
	}
	return router, nil
}

// newSpeaker builds the voice output. With no synthesizer configured
// the agent is silent and only uses the chat box.
func newSpeaker(cfg config.SpeechConfig, notify speech.Notifier, logger *slog.Logger) (*speech.Speaker, error) {
	if len(cfg.SynthesizerCommand) == 0 {
		logger.Info("no synthesizer configured, voice output disabled")
		return speech.NewSpeaker(nil, nil, nil, logger), nil
	}

	var synth speech.Synthesizer
	cs, err := speech.NewCommandSynthesizer(cfg.SynthesizerCommand, cfg.AudioDir, cfg.AudioExt)
	if err != nil {
		return nil, err
	}
	synth = cs

	var player speech.Player
	if len(cfg.PlayerCommand) > 0 {
		cp, err := speech.NewCommandPlayer(cfg.PlayerCommand, logger)
		if err != nil {
			return nil, err
		}
		player = cp
	}
	return speech.NewSpeaker(synth, player, notify, logger), nil
}

// newLogger creates a structured logger writing to w at the given level
// and format ("text" or "json").
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// loadConfig locates, parses, and validates the YAML configuration.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, cfgPath, fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
