package main

import (
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/zombor/bewirtungsbeleg/internal/receipt"
	"github.com/zombor/bewirtungsbeleg/internal/scanning"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

func main() {
	// Check for version flag before parsing other flags
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" || arg == "-v" {
			fmt.Println(version)
			os.Exit(0)
		}
	}

	// A missing .env is fine; real environment variables still apply
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("Could not read .env", "error", err)
	}

	fs := ff.NewFlagSet("bewirtung")
	var (
		port            = fs.IntLong("port", 8080, "HTTP server port")
		dbPath          = fs.StringLong("db", "bewirtung.db", "Database file path")
		storagePath     = fs.StringLong("storage", "./belege", "Storage directory for uploaded files")
		providerType    = fs.StringLong("provider", "gemini", "Vision provider: 'gemini', 'openai' or 'ollama'")
		geminiKey       = fs.StringLong("gemini-key", "", "Google Gemini API key (or set GEMINI_API_KEY env var)")
		geminiModel     = fs.StringLong("gemini-model", "gemini-2.5-flash", "Google Gemini model name")
		openaiKey       = fs.StringLong("openai-key", "", "OpenAI API key (or set OPENAI_API_KEY env var)")
		openaiModel     = fs.StringLong("openai-model", "gpt-4o", "OpenAI model name")
		openaiBaseURL   = fs.StringLong("openai-base-url", "", "OpenAI compatible API base URL (optional)")
		ollamaURL       = fs.StringLong("ollama-url", "http://localhost:11434", "Ollama API base URL")
		ollamaModel     = fs.StringLong("ollama-model", "qwen2.5vl", "Ollama vision model name (e.g., qwen2.5vl, llava, llama3.2-vision)")
		authUser        = fs.StringLong("auth-user", "", "Basic auth username (optional)")
		authPass        = fs.StringLong("auth-pass", "", "Basic auth password (optional)")
		pageTimeout     = fs.DurationLong("page-timeout", 90*time.Second, "Time allowed per page")
		maxPages        = fs.IntLong("max-concurrent-pages", 4, "Pages processed in parallel per submission")
		rateLimit       = fs.IntLong("rate-limit", 5, "Provider-backed requests per client and minute")
		splitRegions    = fs.BoolLong("split-regions", "Detect several receipts photographed on one page")
		breakerFailures = fs.UintLong("breaker-failures", 5, "Consecutive provider outages that open the circuit")
		breakerTimeout  = fs.DurationLong("breaker-timeout", 30*time.Second, "How long the circuit stays open")
		showVersion     = fs.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("BEWIRTUNG"),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Check version flag after parsing
	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := scanning.NewMetrics(registry)

	// Initialize database
	slog.Info("Initializing database...")
	db, err := receipt.NewBoltDB(*dbPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Initialize provider based on type
	var provider scanning.Provider
	switch *providerType {
	case "gemini":
		apiKey := *geminiKey
		if apiKey == "" {
			apiKey = os.Getenv("GEMINI_API_KEY")
		}
		if apiKey == "" {
			slog.Error("Gemini API key is required. Set --gemini-key flag or GEMINI_API_KEY environment variable")
			os.Exit(1)
		}
		slog.Info("Initializing Gemini provider...", "model", *geminiModel)
		provider, err = scanning.NewGemini(apiKey, *geminiModel)
	case "openai":
		apiKey := *openaiKey
		if apiKey == "" {
			apiKey = os.Getenv("OPENAI_API_KEY")
		}
		if apiKey == "" {
			slog.Error("OpenAI API key is required. Set --openai-key flag or OPENAI_API_KEY environment variable")
			os.Exit(1)
		}
		slog.Info("Initializing OpenAI provider...", "model", *openaiModel, "base_url", *openaiBaseURL)
		provider, err = scanning.NewOpenAI(apiKey, *openaiModel, *openaiBaseURL)
	case "ollama":
		slog.Info("Initializing Ollama provider...", "url", *ollamaURL, "model", *ollamaModel)
		provider, err = scanning.NewOllama(*ollamaURL, *ollamaModel)
	default:
		slog.Error("Invalid provider type", "type", *providerType, "valid", "gemini, openai or ollama")
		os.Exit(1)
	}
	if err != nil {
		slog.Error("Failed to initialize provider", "provider", *providerType, "error", err)
		os.Exit(1)
	}

	guarded := scanning.NewBreakerProvider(provider, scanning.BreakerConfig{
		ConsecutiveFailures: uint32(*breakerFailures),
		OpenTimeout:         *breakerTimeout,
	}, metrics)
	defer guarded.Close()

	// Initialize storage
	slog.Info("Initializing storage...")
	store, err := receipt.NewLocalStorage(*storagePath)
	if err != nil {
		slog.Error("Failed to initialize storage", "error", err)
		os.Exit(1)
	}

	pipeline := receipt.Pipeline{
		Normalizer: scanning.NewNormalizer(scanning.DefaultNormalizerConfig()),
		Classifier: scanning.NewClassifier(guarded, metrics),
		Extractor:  scanning.NewExtractor(guarded, scanning.WithMetrics(metrics)),
	}
	if *splitRegions {
		pipeline.Splitter = scanning.NewRegionSplitter(guarded, metrics)
	}

	service := receipt.NewService(db, store, pipeline, receipt.Config{
		PageTimeout:        *pageTimeout,
		MaxConcurrentPages: *maxPages,
	})

	basicAuth := receipt.BasicAuth{
		Username: *authUser,
		Password: *authPass,
	}
	server := receipt.NewServer(service, basicAuth,
		receipt.WithRateLimiter(receipt.NewRateLimiter(*rateLimit)),
		receipt.WithGatherer(registry),
	)

	// Start server in goroutine
	addr := fmt.Sprintf(":%d", *port)
	go func() {
		if err := server.Start(addr); err != nil {
			slog.Error("Server error", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("Server started", "address", fmt.Sprintf("http://localhost%s", addr), "provider", *providerType, "version", version)
	if *authUser != "" || *authPass != "" {
		slog.Info("Basic auth enabled", "user", *authUser)
	}

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	slog.Info("Shutting down...")
}
