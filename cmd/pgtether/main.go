package main

import (
	"context"
	_ "embed"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/lucasb-eyer/go-colorful"
	"github.com/pgtether/pgtether/pkg/config"
	"github.com/pgtether/pgtether/pkg/observability"
	"github.com/pgtether/pgtether/pkg/proxy"
	"golang.org/x/term"
)

//go:embed README.md
var readmeMarkdown string

// version is stamped by the release build via -ldflags.
var version = "dev"

var bannerLines = []string{
	`                  __         __   __               `,
	`    ____   ____ _/ /_ ___   / /_ / /_   ___   _____`,
	`   / __ \ / __ '/ __// _ \ / __// __ \ / _ \ / ___/`,
	`  / /_/ // /_/ / /_ /  __// /_ / / / //  __// /    `,
	` / .___/ \__, /\__/ \___/ \__//_/ /_/ \___//_/     `,
	`/_/     /____/                                     `,
}

func printBanner() {
	// Gradient from teal to purple
	teal, _ := colorful.Hex("#00CED1")
	purple, _ := colorful.Hex("#9B30FF")
	bgColor := lipgloss.Color("#1a1a2e")

	maxWidth := len(bannerLines[0])

	var lines []string
	for _, line := range bannerLines {
		var result strings.Builder
		for i, r := range line {
			t := float64(i) / float64(maxWidth-1)
			c := teal.BlendLuv(purple, t)
			style := lipgloss.NewStyle().
				Foreground(lipgloss.Color(c.Hex())).
				Background(bgColor).
				Bold(true)
			result.WriteString(style.Render(string(r)))
		}
		lines = append(lines, result.String())
	}

	box := lipgloss.NewStyle().
		Background(bgColor).
		Padding(0, 2).
		Render(strings.Join(lines, "\n"))

	fmt.Println(box)
	fmt.Println()
}

var (
	// Styles for usage output
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#00CED1"))

	descStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#888888"))

	flagStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#9B30FF")).
			Bold(true)

	exampleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#888888")).
			Italic(true)
)

func printUsage() {
	fmt.Println(titleStyle.Render("Usage:"))
	fmt.Print("  pgtether ")
	flag.VisitAll(func(f *flag.Flag) {
		if f.Name == "help" {
			return
		}
		fmt.Printf("%s ", flagStyle.Render("-"+f.Name+" <"+f.Name+">"))
	})
	fmt.Println()
	fmt.Println()

	fmt.Println(titleStyle.Render("Options:"))
	flag.VisitAll(func(f *flag.Flag) {
		typeName := fmt.Sprintf("%T", f.Value)
		// Extract type name from *flag.stringValue -> string
		typeName = strings.TrimPrefix(typeName, "*flag.")
		typeName = strings.TrimSuffix(typeName, "Value")

		fmt.Printf("  %s %s\n",
			flagStyle.Render("-"+f.Name),
			descStyle.Render(typeName))
		fmt.Printf("      %s\n", f.Usage)
	})
	fmt.Println()

	fmt.Println(titleStyle.Render("Example:"))
	fmt.Println(exampleStyle.Render("  pgtether -config /etc/pgtether/pgtether.json"))
	fmt.Println()

	fmt.Println(descStyle.Render("Run 'pgtether -help' for full configuration documentation."))
	fmt.Println()
}

func printFullDocs() {
	// Get terminal width, default to 80 if not a terminal
	width := 80
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 0 {
		width = w
	}

	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		// Fallback to raw markdown
		fmt.Println(readmeMarkdown)
		return
	}

	out, err := renderer.Render(readmeMarkdown)
	if err != nil {
		// Fallback to raw markdown
		fmt.Println(readmeMarkdown)
		return
	}

	fmt.Print(out)
}

func newLogger(jsonFormat bool, level slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if jsonFormat {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func main() {
	configPath := flag.String("config", "", "path to pgtether.json config file")
	jsonLogs := flag.Bool("json", false, "output logs in JSON format")
	logLevel := flag.String("log-level", "", "override the configured log level (debug, info, warn, error)")
	validateOnly := flag.Bool("validate", false, "validate the config and exit")
	showVersion := flag.Bool("version", false, "print version and exit")
	showHelp := flag.Bool("help", false, "show full documentation")
	flag.Usage = printUsage
	flag.Parse()

	if *showVersion {
		fmt.Println("pgtether " + version)
		os.Exit(0)
	}

	// Show full docs with -help
	if *showHelp {
		printFullDocs()
		os.Exit(0)
	}

	// Show compact usage when no config provided
	if *configPath == "" {
		printBanner()
		printUsage()
		os.Exit(1)
	}

	// Set up a flag-driven logger first so config errors are visible,
	// then rebuild it from the validated config.
	logger := newLogger(*jsonLogs, slog.LevelInfo)
	slog.SetDefault(logger)

	cfg, err := config.ReadConfigFile(*configPath)
	if err != nil {
		logger.Error("failed to read config", "error", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	ctx := context.Background()

	secrets, err := config.NewSecretCacheFromEnv(ctx)
	if err != nil {
		logger.Error("failed to create secrets cache", "error", err)
		os.Exit(1)
	}

	if err := cfg.Validate(ctx, secrets); err != nil {
		logger.Error("config validation failed", "error", err)
		os.Exit(1)
	}

	level, _ := cfg.SlogLevel()
	logger = newLogger(*jsonLogs || cfg.LogFormat == "json", level)
	slog.SetDefault(logger)
	logger.Info("config validated", "path", *configPath, "servers", len(cfg.Servers))
	if *validateOnly {
		return
	}

	tracer, err := observability.NewTracerProvider(ctx, cfg.OpenTelemetry, version)
	if err != nil {
		logger.Error("failed to set up tracing", "error", err)
		os.Exit(1)
	}

	recorder := observability.NewFlightRecorderService(cfg.FlightRecorder, logger)
	if err := recorder.Start(); err != nil {
		logger.Error("failed to start flight recorder", "error", err)
		os.Exit(1)
	}
	recorder.SetupSignalHandler(ctx)

	metricsServer := observability.NewMetricsServer(cfg.Prometheus, logger)
	recorder.RegisterHTTPHandlers(metricsServer.Mux())
	metricsServer.Start()

	svc, err := proxy.NewService(ctx, cfg, secrets, proxy.Options{
		Logger:   logger,
		Metrics:  observability.DefaultMetrics(),
		Tracer:   tracer,
		Recorder: recorder,
	})
	if err != nil {
		logger.Error("failed to create service", "error", err)
		os.Exit(1)
	}

	// First SIGINT or SIGTERM drains clients, the second cancels them,
	// a third gives up on the process.
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		for sig := range sigCh {
			if svc.GetShutdownMode() == proxy.ShutdownImmediate {
				logger.Warn("shutdown already in progress, exiting", "signal", sig.String())
				os.Exit(1)
			}
			mode := svc.Shutdown(proxy.ShutdownWaitForClients)
			logger.Info("received shutdown signal", "signal", sig.String(), "mode", mode.String())
		}
	}()

	serveErr := svc.ListenAndServe()

	recorder.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics server shutdown failed", "error", err)
	}
	if err := tracer.Shutdown(shutdownCtx); err != nil {
		logger.Error("tracer shutdown failed", "error", err)
	}
	cancel()

	if serveErr != nil {
		logger.Error("service error", "error", serveErr)
		os.Exit(1)
	}
}
