package main

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"

	"github.com/zombor/receipt-capture/internal/capture"
	"github.com/zombor/receipt-capture/internal/category"
	"github.com/zombor/receipt-capture/internal/expense"
	"github.com/zombor/receipt-capture/internal/extract"
	"github.com/zombor/receipt-capture/internal/fault"
	"github.com/zombor/receipt-capture/internal/pipeline"
	"github.com/zombor/receipt-capture/internal/scanning"
	"github.com/zombor/receipt-capture/internal/server"
	"github.com/zombor/receipt-capture/internal/upload"
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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		if !errors.Is(err, ff.ErrHelp) {
			slog.Error("receipt-capture failed", "error", err)
		}
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	fs := ff.NewFlagSet("receipt-capture")
	var (
		port           = fs.IntLong("port", 8080, "HTTP server port")
		dbPath         = fs.StringLong("db", "receipt-capture.db", "Expense database file path")
		storageType    = fs.StringLong("storage", "local", "Receipt image storage: 'local' or 's3'")
		storagePath    = fs.StringLong("storage-path", "./receipts", "Local storage directory path")
		s3Bucket       = fs.StringLong("s3-bucket", "", "S3 bucket for receipt images")
		s3Region       = fs.StringLong("s3-region", "", "S3 region (defaults to the AWS config)")
		s3Prefix       = fs.StringLong("s3-prefix", "receipts/", "Key prefix inside the S3 bucket")
		s3AccessKey    = fs.StringLong("s3-access-key", "", "S3 access key (optional, default credential chain otherwise)")
		s3SecretKey    = fs.StringLong("s3-secret-key", "", "S3 secret key")
		engineType     = fs.StringLong("engine", "tesseract", "OCR engine: 'tesseract' (needs -tags tesseract), 'gemini', 'ollama' or 'canned'")
		tessLanguages  = fs.StringLong("tesseract-lang", "eng", "Comma separated Tesseract languages")
		tessdata       = fs.StringLong("tessdata", "", "Tesseract trained data directory")
		geminiKey      = fs.StringLong("gemini-key", "", "Google Gemini API key (or set GEMINI_API_KEY env var)")
		geminiModel    = fs.StringLong("gemini-model", "gemini-2.5-flash", "Google Gemini model name")
		ollamaURL      = fs.StringLong("ollama-url", "http://localhost:11434", "Ollama API base URL")
		ollamaModel    = fs.StringLong("ollama-model", "llava", "Ollama model name (e.g., llava, qwen2-vl)")
		cannedDelay    = fs.DurationLong("canned-delay", 2*time.Second, "Time the canned engine spends per receipt")
		ocrTimeout     = fs.DurationLong("ocr-timeout", scanning.DefaultTimeout, "Maximum time for one OCR run")
		categoriesPath = fs.StringLong("categories", "", "YAML file with expense categories and keywords")
		currency       = fs.StringLong("currency", "USD", "Default currency for new drafts")
		maxSize        = fs.IntLong("max-size", capture.DefaultMaxSize, "Maximum receipt image size in bytes")
		uploadLatency  = fs.DurationLong("upload-latency", 0, "Artificial delay added to each upload")
		uploadFailure  = fs.Float64Long("simulate-upload-failure", 0, "Fraction of uploads to fail on purpose")
		ocrFailure     = fs.Float64Long("simulate-ocr-failure", 0, "Fraction of OCR runs to fail on purpose")
		sessionTTL     = fs.DurationLong("session-ttl", 30*time.Minute, "Idle time before an open session is dropped")
		authUser       = fs.StringLong("auth-user", "", "Basic auth username (optional)")
		authPass       = fs.StringLong("auth-pass", "", "Basic auth password (optional)")
		logLevel       = fs.StringLong("log-level", "info", "Log level: debug, info, warn or error")
		scanPath       = fs.StringLong("scan", "", "Read one receipt image and print the draft instead of serving")
		scanSets       = fs.StringListLong("set", "Field correction for --scan as field=value (repeatable)")
		scanCommit     = fs.BoolLong("commit", "Save the --scan draft as an expense")
		scanJSON       = fs.BoolLong("json", "Print the --scan result as JSON")
		_              = fs.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(fs, args, ff.WithEnvVarPrefix("RECEIPT_CAPTURE")); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		return err
	}

	logger := newLogger(*logLevel, os.Stderr)
	slog.SetDefault(logger)

	categories := category.Default()
	if *categoriesPath != "" {
		var err error
		if categories, err = category.LoadFile(*categoriesPath); err != nil {
			return err
		}
		slog.Info("Loaded categories", "path", *categoriesPath, "count", len(categories.All()))
	}

	// Initialize storage
	slog.Info("Initializing storage...", "type", *storageType)
	var store upload.Storage
	switch *storageType {
	case "local":
		local, err := upload.NewLocalStorage(*storagePath)
		if err != nil {
			return fmt.Errorf("initializing storage: %w", err)
		}
		store = local
	case "s3":
		s3Store, err := upload.NewS3Storage(ctx, upload.S3Config{
			Bucket:    *s3Bucket,
			Region:    *s3Region,
			Prefix:    *s3Prefix,
			AccessKey: *s3AccessKey,
			SecretKey: *s3SecretKey,
		})
		if err != nil {
			return fmt.Errorf("initializing s3 storage: %w", err)
		}
		store = s3Store
	default:
		return fmt.Errorf("invalid storage type %q: want local or s3", *storageType)
	}

	transport := upload.NewTransport(store, upload.Options{
		Latency: *uploadLatency,
		Fault:   fault.Ratio(*uploadFailure, rand.New(rand.NewSource(time.Now().UnixNano()))),
		Logger:  logger,
	})

	// Initialize OCR engine; it starts on the first receipt
	apiKey := *geminiKey
	if apiKey == "" {
		apiKey = os.Getenv("GEMINI_API_KEY")
	}
	factory, err := engineFactory(*engineType, engineOptions{
		tessLanguages: splitList(*tessLanguages),
		tessdata:      *tessdata,
		geminiKey:     apiKey,
		geminiModel:   *geminiModel,
		ollamaURL:     *ollamaURL,
		ollamaModel:   *ollamaModel,
		cannedDelay:   *cannedDelay,
	})
	if err != nil {
		return err
	}
	ocr := scanning.NewHandle(factory, scanning.HandleOptions{
		Timeout: *ocrTimeout,
		Fault:   fault.Ratio(*ocrFailure, rand.New(rand.NewSource(time.Now().UnixNano()+1))),
		Logger:  logger,
	})
	defer func() {
		if err := ocr.Release(context.WithoutCancel(ctx)); err != nil {
			slog.Warn("Failed to release OCR engine", "error", err)
		}
	}()
	slog.Info("OCR engine configured", "engine", *engineType, "timeout", *ocrTimeout)

	// Initialize database
	slog.Info("Initializing database...", "path", *dbPath)
	db, err := expense.NewBoltDB(*dbPath)
	if err != nil {
		return fmt.Errorf("initializing database: %w", err)
	}
	defer db.Close()

	deps := pipeline.Deps{
		Previews:   capture.NewPreviewStore(),
		MaxSize:    int64(*maxSize),
		Uploader:   transport,
		OCR:        ocr,
		Extractor:  extract.New(categories),
		Committer:  expense.NewRecorder(db),
		Categories: categories,
		Currency:   *currency,
		Logger:     logger,
	}

	if *scanPath != "" {
		return runScan(ctx, deps, scanOptions{
			Path:   *scanPath,
			Sets:   *scanSets,
			Commit: *scanCommit,
			JSON:   *scanJSON,
		}, stdout)
	}

	sessions := server.NewSessions(func(id string) *pipeline.Pipeline {
		d := deps
		d.ID = id
		return pipeline.New(d)
	}, logger)
	go sessions.Janitor(ctx, time.Minute, *sessionTTL)

	srv := server.NewServer(server.Deps{
		Sessions:      sessions,
		Expenses:      db,
		Images:        transport,
		Categories:    categories,
		Currency:      *currency,
		MaxUploadSize: int64(*maxSize),
		Logger:        logger,
	}, server.BasicAuth{
		Username: *authUser,
		Password: *authPass,
	})

	addr := fmt.Sprintf(":%d", *port)
	slog.Info("Server started", "address", fmt.Sprintf("http://localhost%s", addr), "version", version)
	if *authUser != "" || *authPass != "" {
		slog.Info("Basic auth enabled", "user", *authUser)
	}

	if err := srv.Start(ctx, addr); err != nil {
		return fmt.Errorf("serving: %w", err)
	}
	slog.Info("Shutting down...")
	return nil
}

type engineOptions struct {
	tessLanguages []string
	tessdata      string
	geminiKey     string
	geminiModel   string
	ollamaURL     string
	ollamaModel   string
	cannedDelay   time.Duration
}

// engineFactory picks the OCR engine. Configuration problems that can be
// seen up front fail here rather than on the first receipt.
func engineFactory(name string, opts engineOptions) (scanning.EngineFactory, error) {
	switch name {
	case "tesseract":
		return tesseractFactory(opts)
	case "gemini":
		if opts.geminiKey == "" {
			return nil, errors.New("gemini API key is required: set --gemini-key or GEMINI_API_KEY")
		}
		return func(ctx context.Context) (scanning.Engine, error) {
			engine, err := scanning.NewGemini(ctx, opts.geminiKey, opts.geminiModel)
			if err != nil {
				return nil, err
			}
			return engine, nil
		}, nil
	case "ollama":
		return func(context.Context) (scanning.Engine, error) {
			return scanning.NewOllama(opts.ollamaURL, opts.ollamaModel), nil
		}, nil
	case "canned":
		return func(context.Context) (scanning.Engine, error) {
			return scanning.NewCanned(opts.cannedDelay), nil
		}, nil
	}
	return nil, fmt.Errorf("invalid engine %q: want tesseract, gemini, ollama or canned", name)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// newLogger creates a text slog.Logger at the named level.
func newLogger(level string, w io.Writer) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: levelFromString(level),
	}))
}

func levelFromString(value string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
