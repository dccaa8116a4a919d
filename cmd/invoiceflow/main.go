package main

import (
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"
	"github.com/shopspring/decimal"

	"github.com/invoiceflow/invoiceflow/internal/extraction"
	"github.com/invoiceflow/invoiceflow/internal/invoice"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

func main() {
	fs := ff.NewFlagSet("invoiceflow")
	var (
		port          = fs.IntLong("port", 8080, "HTTP server port")
		dbPath        = fs.StringLong("db", "invoiceflow.db", "Database file path")
		storagePath   = fs.StringLong("storage", "./documents", "Document storage directory")
		exportPath    = fs.StringLong("export-dir", "./exports", "Export drop directory")
		geminiKey     = fs.StringLong("gemini-key", "", "Google Gemini API key (or set GEMINI_API_KEY env var)")
		geminiModel   = fs.StringLong("gemini-model", "gemini-2.5-pro", "Google Gemini model name")
		accountHeader = fs.StringLong("account-header", "X-Account-ID", "Request header carrying the resolved account id")
		tolerance     = fs.StringLong("duplicate-tolerance", "0.01", "Amount tolerance for duplicate matching")
		crossAccount  = fs.BoolLong("duplicate-cross-account", "Match duplicates across accounts")
		minConfidence = fs.Float64Long("min-confidence", invoice.DefaultMinConfidence, "Extraction confidence required for auto-approval")
		authUser      = fs.StringLong("auth-user", "", "Basic auth username (optional)")
		authPass      = fs.StringLong("auth-pass", "", "Basic auth password (optional)")
		showVersion   = fs.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("INVOICEFLOW"),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	slog.Info("Initializing database...")
	db, err := invoice.NewBoltDB(*dbPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	apiKey := *geminiKey
	if apiKey == "" {
		apiKey = os.Getenv("GEMINI_API_KEY")
	}
	if apiKey == "" {
		slog.Error("Gemini API key is required. Set --gemini-key flag or GEMINI_API_KEY environment variable")
		os.Exit(1)
	}
	slog.Info("Initializing extractor...", "model", *geminiModel)
	extractor, err := extraction.NewGemini(apiKey, *geminiModel)
	if err != nil {
		slog.Error("Failed to initialize extractor", "error", err)
		os.Exit(1)
	}
	defer extractor.Close()

	slog.Info("Initializing storage...")
	store, err := invoice.NewLocalStorage(*storagePath)
	if err != nil {
		slog.Error("Failed to initialize storage", "error", err)
		os.Exit(1)
	}

	exporter, err := invoice.NewFileExporter(*exportPath)
	if err != nil {
		slog.Error("Failed to initialize exporter", "error", err)
		os.Exit(1)
	}

	amountTolerance, err := decimal.NewFromString(*tolerance)
	if err != nil {
		slog.Error("Invalid duplicate tolerance", "value", *tolerance, "error", err)
		os.Exit(1)
	}
	policy := invoice.DetectorPolicy{
		AmountTolerance: amountTolerance,
		CrossAccount:    *crossAccount,
	}

	ledger := invoice.NewLedger(db)
	detector := invoice.NewDetector(db, policy)
	service := invoice.NewService(db, ledger, store, detector)
	service.SetMinConfidence(*minConfidence)

	basicAuth := invoice.BasicAuth{
		Username: *authUser,
		Password: *authPass,
	}
	identity := invoice.HeaderIdentity{Header: *accountHeader}
	server := invoice.NewServer(service, extractor, exporter, identity, basicAuth)

	addr := fmt.Sprintf(":%d", *port)
	go func() {
		if err := server.Start(addr); err != nil {
			slog.Error("Server error", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("Server started", "address", fmt.Sprintf("http://localhost%s", addr), "version", version)
	if *authUser != "" || *authPass != "" {
		slog.Info("Basic auth enabled", "user", *authUser)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	slog.Info("Shutting down...")
}
