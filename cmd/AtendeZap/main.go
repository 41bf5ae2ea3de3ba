package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/TucanoLabs/AtendeZap/internal/api"
	"github.com/TucanoLabs/AtendeZap/internal/breaker"
	"github.com/TucanoLabs/AtendeZap/internal/genai"
	"github.com/TucanoLabs/AtendeZap/internal/identity"
	"github.com/TucanoLabs/AtendeZap/internal/messaging"
	"github.com/TucanoLabs/AtendeZap/internal/pipeline"
	"github.com/TucanoLabs/AtendeZap/internal/recovery"
	"github.com/TucanoLabs/AtendeZap/internal/rotation"
	"github.com/TucanoLabs/AtendeZap/internal/scheduler"
	"github.com/TucanoLabs/AtendeZap/internal/store"
	"github.com/TucanoLabs/AtendeZap/internal/util"
	"github.com/TucanoLabs/AtendeZap/internal/whatsapp"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for AtendeZap state data
	DefaultStateDir = "/var/lib/atendezap"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "atendezap.db"
	// DefaultInteractiveCallTimeout bounds reply-path AI calls
	DefaultInteractiveCallTimeout = 30 * time.Second
	// DefaultBatchCallTimeout bounds media-analysis AI calls
	DefaultBatchCallTimeout = 2 * time.Minute
	// ShutdownGracePeriod bounds graceful shutdown of the HTTP server
	ShutdownGracePeriod = 10 * time.Second
)

// backendStore is the full storage surface the service wires together.
type backendStore interface {
	store.Store
	store.JobRepo
	Close() error
}

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	if err := run(flags); err != nil {
		slog.Error("AtendeZap failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("AtendeZap exited successfully")
}

// Config holds environment configuration
type Config struct {
	DatabaseURL       string
	StateDir          string
	OpenAIKey         string
	APIAddr           string
	CountryCode       string
	Transport         string
	DefaultAssistant  string
	RotationThreshold int
	RecoveryInterval  time.Duration
	RecoveryStaleness time.Duration
}

// Flags holds command line flag values
type Flags struct {
	qrOutput          *string
	numeric           *bool
	stateDir          *string
	dbDSN             *string
	openaiKey         *string
	apiAddr           *string
	countryCode       *string
	transport         *string
	assistant         *string
	rotationThreshold *int
	recoveryInterval  *time.Duration
	recoveryStaleness *time.Duration
}

// initializeLogger sets up structured logging. The level comes from
// ATENDEZAP_LOG_LEVEL (debug, info, warn, error), defaulting to info.
func initializeLogger() {
	level := slog.LevelInfo
	switch strings.ToLower(os.Getenv("ATENDEZAP_LOG_LEVEL")) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		StateDir:          os.Getenv("ATENDEZAP_STATE_DIR"),
		OpenAIKey:         os.Getenv("OPENAI_API_KEY"),
		APIAddr:           os.Getenv("API_ADDR"),
		CountryCode:       os.Getenv("ATENDEZAP_COUNTRY_CODE"),
		Transport:         os.Getenv("ATENDEZAP_TRANSPORT"),
		DefaultAssistant:  os.Getenv("ATENDEZAP_ASSISTANT"),
		RotationThreshold: util.ParseIntEnv("ATENDEZAP_ROTATION_THRESHOLD", rotation.DefaultThreshold),
		RecoveryInterval:  util.ParseDurationEnv("ATENDEZAP_RECOVERY_INTERVAL", recovery.DefaultInterval),
		RecoveryStaleness: util.ParseDurationEnv("ATENDEZAP_RECOVERY_STALENESS", recovery.DefaultStaleness),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No ATENDEZAP_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}
	if config.Transport == "" {
		config.Transport = "whatsapp"
	}

	slog.Debug("environment variables loaded",
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"ATENDEZAP_STATE_DIR", config.StateDir,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"API_ADDR", config.APIAddr,
		"ATENDEZAP_TRANSPORT", config.Transport,
		"ATENDEZAP_ROTATION_THRESHOLD", config.RotationThreshold)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		qrOutput:          flag.String("qr-output", "", "path to write WhatsApp login QR code"),
		numeric:           flag.Bool("numeric-code", false, "use numeric WhatsApp login code instead of QR code"),
		stateDir:          flag.String("state-dir", config.StateDir, "state directory for AtendeZap data (overrides $ATENDEZAP_STATE_DIR)"),
		dbDSN:             flag.String("db-dsn", config.DatabaseURL, "database DSN (overrides $DATABASE_URL)"),
		openaiKey:         flag.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		apiAddr:           flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		countryCode:       flag.String("country-code", config.CountryCode, "default country code for phone normalization (overrides $ATENDEZAP_COUNTRY_CODE)"),
		transport:         flag.String("transport", config.Transport, "outbound transport: whatsapp or twilio (overrides $ATENDEZAP_TRANSPORT)"),
		assistant:         flag.String("assistant", config.DefaultAssistant, "default assistant persona for new conversations (overrides $ATENDEZAP_ASSISTANT)"),
		rotationThreshold: flag.Int("rotation-threshold", config.RotationThreshold, "messages per context epoch before rotation (overrides $ATENDEZAP_ROTATION_THRESHOLD)"),
		recoveryInterval:  flag.Duration("recovery-interval", config.RecoveryInterval, "recovery sweep interval (overrides $ATENDEZAP_RECOVERY_INTERVAL)"),
		recoveryStaleness: flag.Duration("recovery-staleness", config.RecoveryStaleness, "age before an unanswered conversation is swept (overrides $ATENDEZAP_RECOVERY_STALENESS)"),
	}

	flag.Parse()

	// Follow the state directory when the DSN was derived from the default.
	if *flags.dbDSN == filepath.Join(config.StateDir, DefaultDBFileName) && *flags.stateDir != config.StateDir {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
		slog.Debug("Updated dbDSN based on state directory", "new_state_dir", *flags.stateDir)
	}

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"openaiKeySet", *flags.openaiKey != "",
		"apiAddr", *flags.apiAddr,
		"transport", *flags.transport,
		"rotationThreshold", *flags.rotationThreshold)

	return flags
}

// ensureDirectoriesExist creates necessary directories for file-based storage
func ensureDirectoriesExist(flags Flags) error {
	if store.DetectDSNType(*flags.dbDSN) == "sqlite" {
		stateDir := filepath.Dir(*flags.dbDSN)
		if err := os.MkdirAll(stateDir, 0755); err != nil {
			slog.Error("Failed to create state directory", "error", err, "state_dir", stateDir)
			return err
		}
	}
	return nil
}

// openStore selects the storage backend by DSN type.
func openStore(dsn string) (backendStore, error) {
	if store.DetectDSNType(dsn) == "postgres" {
		slog.Info("Opening PostgreSQL store")
		return store.NewPostgresStore(store.WithDSN(dsn))
	}
	slog.Info("Opening SQLite store", "path", dsn)
	return store.NewSQLiteStore(store.WithDSN(dsn))
}

// buildTransport creates the configured messaging transport. For Twilio it
// also returns the service as a message fetcher for the recovery sweep.
func buildTransport(flags Flags) (messaging.Service, *messaging.TwilioService, error) {
	if *flags.transport == "twilio" {
		svc, err := messaging.NewTwilioService()
		if err != nil {
			return nil, nil, err
		}
		return svc, svc, nil
	}

	var waOpts []whatsapp.Option
	waOpts = append(waOpts, whatsapp.WithDBDSN(*flags.dbDSN))
	if *flags.qrOutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
	}
	if *flags.numeric {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	waClient, err := whatsapp.NewClient(waOpts...)
	if err != nil {
		return nil, nil, err
	}
	return messaging.NewWhatsAppService(waClient), nil, nil
}

// run wires the modules together and blocks until shutdown.
func run(flags Flags) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	st, err := openStore(*flags.dbDSN)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Error("Failed to close store", "error", err)
		}
	}()

	var genaiOpts []genai.Option
	if *flags.openaiKey != "" {
		genaiOpts = append(genaiOpts, genai.WithAPIKey(*flags.openaiKey))
	}
	ai, err := genai.NewClient(genaiOpts...)
	if err != nil {
		return err
	}

	service, fetcher, err := buildTransport(flags)
	if err != nil {
		return err
	}

	interactive := breaker.New(breaker.Config{
		Name:        "interactive",
		CallTimeout: DefaultInteractiveCallTimeout,
	}, nil)
	batch := breaker.New(breaker.Config{
		Name:        "batch",
		CallTimeout: DefaultBatchCallTimeout,
	}, nil)

	rotator := rotation.NewManager(st, ai, *flags.rotationThreshold)
	resolver := identity.NewResolver(*flags.countryCode)

	processor := pipeline.NewProcessor(pipeline.Config{
		Store:            st,
		Jobs:             st,
		Provider:         ai,
		Rotator:          rotator,
		Interactive:      interactive,
		Batch:            batch,
		Sender:           service,
		Resolver:         resolver,
		DefaultAssistant: *flags.assistant,
	})

	runner := store.NewJobRunner(st, 0)
	processor.Register(runner)
	if err := runner.RecoverStaleJobs(); err != nil {
		slog.Error("Failed to requeue stale jobs from previous run", "error", err)
	}
	go runner.Run(ctx)

	sweeperOpts := []recovery.Option{
		recovery.WithInterval(*flags.recoveryInterval),
		recovery.WithStaleness(*flags.recoveryStaleness),
	}
	if fetcher != nil {
		sweeperOpts = append(sweeperOpts, recovery.WithFetcher(fetcher))
	}
	sweeper := recovery.NewSweeper(st, st, sweeperOpts...)

	sched := scheduler.NewScheduler()
	defer sched.Stop()
	if err := sweeper.Schedule(sched); err != nil {
		return err
	}

	if err := service.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := service.Stop(); err != nil {
			slog.Error("Failed to stop messaging service", "error", err)
		}
	}()
	go consumeInbound(ctx, service, processor)

	server := api.NewServer(*flags.apiAddr, processor)
	if fetcher != nil {
		server.Handle("/twilio/webhook", http.HandlerFunc(fetcher.WebhookHandler))
	}
	server.Start()

	slog.Info("AtendeZap is running",
		"transport", *flags.transport,
		"rotationThreshold", *flags.rotationThreshold,
		"apiAddr", *flags.apiAddr)

	<-ctx.Done()
	slog.Info("Shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), ShutdownGracePeriod)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("API server shutdown failed", "error", err)
	}
	return nil
}

// consumeInbound feeds transport events into the pipeline until the context
// is canceled or the transport closes its channel.
func consumeInbound(ctx context.Context, service messaging.Service, processor *pipeline.Processor) {
	for {
		select {
		case <-ctx.Done():
			return
		case in, ok := <-service.Responses():
			if !ok {
				return
			}
			if err := processor.HandleInbound(ctx, in); err != nil {
				slog.Error("Inbound processing failed", "from", in.From, "transportMessageID", in.TransportMessageID, "error", err)
			}
		}
	}
}
