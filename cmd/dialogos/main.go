// Command dialogos runs and inspects two-or-more-agent LLM conversations
// against the conversation engine in this module.
//
// Usage:
//
//	dialogos run --agent1 anthropic --agent2 openai --topic "..." [options]
//	dialogos health --db path/to.db
//	dialogos version
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/basui-labs/dialogos/config"
	"github.com/basui-labs/dialogos/internal/metrics"
	"github.com/basui-labs/dialogos/internal/telemetry"
	"github.com/basui-labs/dialogos/llm/circuitbreaker"
	"github.com/basui-labs/dialogos/llm/retry"
	"github.com/basui-labs/dialogos/provider"
	"github.com/basui-labs/dialogos/providers/anthropic"
	"github.com/basui-labs/dialogos/providers/gemini"
	"github.com/basui-labs/dialogos/providers/openai"
	"github.com/basui-labs/dialogos/repetition"
	"github.com/basui-labs/dialogos/runner"
	"github.com/basui-labs/dialogos/transcript"
)

// Exit codes per spec §6.2.
const (
	exitOK                = 0
	exitFatal             = 1
	exitInvalidArgs       = 2
	exitInvalidConfig     = 3
	exitMissingCredential = 4
	exitStoreUnhealthy    = 5
)

var (
	// Version, BuildTime and GitCommit are injection points for -ldflags.
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(exitInvalidArgs)
	}

	switch os.Args[1] {
	case "run":
		os.Exit(runConversation(os.Args[2:]))
	case "health":
		os.Exit(runHealthCheck(os.Args[2:]))
	case "version":
		printVersion()
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(exitInvalidArgs)
	}
}

func printUsage() {
	fmt.Println(`dialogos - multi-agent LLM conversation runner

Usage:
  dialogos run [options]       Run a conversation between two or more agents
  dialogos health [options]    Check a transcript store's health
  dialogos version             Show version information

Options for 'run':
  --agent1 <name>    First agent's provider (required)
  --agent2 <name>    Second agent's provider (required)
  --model1 <id>      First agent's model override (optional)
  --model2 <id>      Second agent's model override (optional)
  --topic <string>   Conversation topic (required, non-empty)
  --turns <n>        Per-agent turn cap, >= 1 (default from config)
  --db <path>        Transcript file path (default under DATA_DIR)
  --config <path>    YAML configuration overlay
  --yes              Skip the overwrite confirmation prompt

Options for 'health':
  --db <path>        Transcript file path to probe

Examples:
  dialogos run --agent1 anthropic --agent2 openai --topic "the ethics of AI" --turns 20
  dialogos health --db ./data/conversation.db`)
}

func printVersion() {
	fmt.Printf("dialogos %s\n", Version)
	fmt.Printf("  build time: %s\n", BuildTime)
	fmt.Printf("  git commit: %s\n", GitCommit)
}

func runConversation(args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	agent1 := fs.String("agent1", "", "first agent's provider")
	agent2 := fs.String("agent2", "", "second agent's provider")
	model1 := fs.String("model1", "", "first agent's model override")
	model2 := fs.String("model2", "", "second agent's model override")
	topic := fs.String("topic", "", "conversation topic")
	turns := fs.Int("turns", 0, "per-agent turn cap")
	dbPath := fs.String("db", "", "transcript file path")
	configPath := fs.String("config", "", "path to YAML config overlay")
	yes := fs.Bool("yes", false, "skip the overwrite confirmation prompt")
	if err := fs.Parse(args); err != nil {
		return exitInvalidArgs
	}

	if strings.TrimSpace(*agent1) == "" || strings.TrimSpace(*agent2) == "" {
		fmt.Fprintln(os.Stderr, "run: --agent1 and --agent2 are required")
		return exitInvalidArgs
	}
	if strings.TrimSpace(*topic) == "" {
		fmt.Fprintln(os.Stderr, "run: --topic is required and must be non-empty")
		return exitInvalidArgs
	}
	if *turns < 0 {
		fmt.Fprintln(os.Stderr, "run: --turns must be >= 1")
		return exitInvalidArgs
	}

	loader := config.NewLoader()
	if *configPath != "" {
		loader = loader.WithConfigPath(*configPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "run: load config: %v\n", err)
		return exitInvalidConfig
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "run: invalid config: %v\n", err)
		return exitInvalidConfig
	}

	logger := initLogger(cfg.Log)
	defer logger.Sync()

	maxTurns := cfg.DefaultMaxTurns
	if *turns > 0 {
		maxTurns = *turns
	}

	credential1, ok := config.Credential(*agent1)
	if !ok {
		fmt.Fprintf(os.Stderr, "run: missing credential for %s (set %s)\n", *agent1, config.CredentialEnvVar(*agent1))
		return exitMissingCredential
	}
	credential2, ok := config.Credential(*agent2)
	if !ok {
		fmt.Fprintf(os.Stderr, "run: missing credential for %s (set %s)\n", *agent2, config.CredentialEnvVar(*agent2))
		return exitMissingCredential
	}

	resolvedDB := *dbPath
	if resolvedDB == "" {
		resolvedDB = filepath.Join(cfg.DataDir, "conversation.db")
	}
	if !*yes {
		if _, statErr := os.Stat(resolvedDB); statErr == nil {
			if !confirmOverwrite(resolvedDB) {
				fmt.Fprintln(os.Stderr, "run: aborted")
				return exitInvalidArgs
			}
		}
	}
	if err := os.MkdirAll(filepath.Dir(resolvedDB), 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "run: prepare data dir: %v\n", err)
		return exitStoreUnhealthy
	}

	store, err := transcript.NewSQLiteStore(resolvedDB, cfg.MaxMessageLength, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "run: open transcript store: %v\n", err)
		return exitStoreUnhealthy
	}
	defer store.Close()

	registry := provider.NewRegistry()
	anthropic.Register(registry, logger)
	openai.Register(registry, logger)
	gemini.Register(registry, logger)

	adapter1, err := buildAdapter(registry, *agent1, credential1, *model1, *cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "run: build adapter for %s: %v\n", *agent1, err)
		return exitInvalidArgs
	}
	adapter2, err := buildAdapter(registry, *agent2, credential2, *model2, *cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "run: build adapter for %s: %v\n", *agent2, err)
		return exitInvalidArgs
	}

	otelProviders, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		logger.Warn("telemetry init failed, continuing without it", zap.Error(err))
		otelProviders = &telemetry.Providers{}
	}
	defer otelProviders.Shutdown(context.Background())

	collector := metrics.NewCollector("dialogos", logger)
	stopMetrics := serveMetrics(cfg.MetricsPort, logger)
	defer stopMetrics()

	runCfg := runner.Config{
		Topic: *topic,
		Agents: []runner.AgentSpec{
			{Name: agentDisplayName(*agent1, 1), Adapter: adapter1},
			{Name: agentDisplayName(*agent2, 2), Adapter: adapter2},
		},
		Store:            store,
		MaxTurns:         maxTurns,
		MaxContextMsgs:   cfg.MaxContextMsgs,
		MaxMessageLength: cfg.MaxMessageLength,
		Timeout:          time.Duration(cfg.DefaultTimeoutMinutes) * time.Minute,
		BreakerConfig: &circuitbreaker.Config{
			FailureThreshold: 5,
			Cooldown:         cfg.MaxBackoff,
		},
		RetryPolicy: &retry.Policy{
			MaxAttempts:    3,
			InitialBackoff: cfg.InitialBackoff,
			Multiplier:     cfg.BackoffMultiplier,
			MaxBackoff:     cfg.MaxBackoff,
		},
		DetectorConfig: &repetition.Config{
			SimilarityThreshold:   cfg.SimilarityThreshold,
			MaxConsecutiveSimilar: cfg.MaxConsecutiveSimilar,
			WindowSize:            cfg.MaxContextMsgs,
		},
		Metrics: collector,
		Tracer:  otelProviders.Tracer("github.com/basui-labs/dialogos/runner"),
		Logger:  logger,
	}

	run, err := runner.New(runCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "run: invalid runner configuration: %v\n", err)
		return exitInvalidArgs
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	result, err := run.Run(ctx)
	if err != nil {
		if runner.IsStoreUnavailable(err) {
			fmt.Fprintf(os.Stderr, "run: %v\n", err)
			return exitStoreUnhealthy
		}
		fmt.Fprintf(os.Stderr, "run: %v\n", err)
		return exitFatal
	}

	fmt.Printf("conversation %s finished: terminated=%t reason=%q turns=%d\n",
		result.ConversationID, result.Terminated, result.TerminationReason, result.Metadata.TotalTurns)
	return exitOK
}

func runHealthCheck(args []string) int {
	fs := flag.NewFlagSet("health", flag.ContinueOnError)
	dbPath := fs.String("db", "", "transcript file path")
	if err := fs.Parse(args); err != nil {
		return exitInvalidArgs
	}
	if strings.TrimSpace(*dbPath) == "" {
		fmt.Fprintln(os.Stderr, "health: --db is required")
		return exitInvalidArgs
	}

	logger := zap.NewNop()
	store, err := transcript.NewSQLiteStore(*dbPath, 0, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "health: %v\n", err)
		return exitStoreUnhealthy
	}
	defer store.Close()

	status, err := store.Health(context.Background())
	if err != nil || !status.Healthy {
		fmt.Fprintf(os.Stderr, "health: unhealthy: %v\n", err)
		return exitStoreUnhealthy
	}

	fmt.Println("OK")
	return exitOK
}

func buildAdapter(registry *provider.Registry, name, credential, model string, cfg config.Config) (provider.Adapter, error) {
	adapter, err := registry.Build(name, credential, model)
	if err != nil {
		return nil, err
	}
	if configurable, ok := adapter.(provider.Configurable); ok {
		configurable.Configure(cfg.Temperature, cfg.MaxTokens)
	}
	return adapter, nil
}

// agentDisplayName derives a transcript sender name for slot n (1 or 2)
// of provider name. Two agents using the same provider (e.g. two
// "anthropic" instances with different models) still need distinct
// transcript names, so the slot is folded into the display name.
func agentDisplayName(name string, slot int) string {
	return fmt.Sprintf("%s-%d", strings.ToLower(name), slot)
}

func confirmOverwrite(path string) bool {
	fmt.Printf("%s already exists; appending to it may mix conversations. Continue? [y/N] ", path)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

func serveMetrics(port int, logger *zap.Logger) func() {
	if port <= 0 {
		return func() {}
	}
	return metrics.ServeHTTP(port, logger)
}

func initLogger(cfg config.LogConfig) *zap.Logger {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var encoderConfig zapcore.EncoderConfig
	encoding := cfg.Format
	if encoding == "console" {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoding = "json"
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	zapConfig := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      encoding == "console",
		Encoding:         encoding,
		EncoderConfig:    encoderConfig,
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := zapConfig.Build(zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}
