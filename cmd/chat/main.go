package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/stupiduntilnot/chatmem/internal/anthropic"
	"github.com/stupiduntilnot/chatmem/internal/bot"
	"github.com/stupiduntilnot/chatmem/internal/config"
	"github.com/stupiduntilnot/chatmem/internal/console"
	ctxpkg "github.com/stupiduntilnot/chatmem/internal/context"
	"github.com/stupiduntilnot/chatmem/internal/control"
	"github.com/stupiduntilnot/chatmem/internal/db"
	"github.com/stupiduntilnot/chatmem/internal/dummy"
	modelpkg "github.com/stupiduntilnot/chatmem/internal/model"
	"github.com/stupiduntilnot/chatmem/internal/openai"
	"github.com/stupiduntilnot/chatmem/internal/session"
	"github.com/stupiduntilnot/chatmem/internal/telegram"
	"github.com/stupiduntilnot/chatmem/internal/transcript"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

type flags struct {
	file        string
	output      string
	interactive bool
	telegram    bool
	thread      string
	configPath  string
	dbPath      string
	message     string
	provider    string
	policy      string
	chunkSize   int
}

// run is the whole command; it returns the process exit code.
func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) (code int) {
	logger := log.New(stderr, "[chat] ", 0)

	var f flags
	fs := pflag.NewFlagSet("chat", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVarP(&f.file, "file", "f", "", "conversation file (JSON array of summary and messages)")
	fs.StringVarP(&f.output, "output", "o", "", "write the updated conversation here instead of --file")
	fs.BoolVarP(&f.interactive, "interactive", "i", false, "run the interactive chat loop")
	fs.BoolVar(&f.telegram, "telegram", false, "serve every Telegram chat as its own thread (needs TELEGRAM_BOT_TOKEN)")
	fs.StringVar(&f.thread, "thread", "", "thread id stored in the database (requires --db)")
	fs.StringVar(&f.configPath, "config", "", "YAML config file (default $CHATMEM_CONFIG)")
	fs.StringVar(&f.dbPath, "db", "", "SQLite database for events and threads (default $CHATMEM_DB_PATH)")
	fs.StringVarP(&f.message, "message", "m", "", "user message to append before replying (one-shot mode)")
	fs.StringVar(&f.provider, "provider", "", "model provider: openai, anthropic or dummy")
	fs.StringVar(&f.policy, "policy", "", "compaction policy: chunk or overlap")
	fs.IntVar(&f.chunkSize, "chunk-size", 0, "messages per summary chunk")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 2
	}

	cfg, err := loadConfig(fs, f)
	if err != nil {
		logger.Printf("%v", err)
		return 2
	}
	if f.telegram {
		if f.interactive || f.file != "" || f.thread != "" {
			logger.Printf("--telegram cannot be combined with -i, --file or --thread")
			return 2
		}
		if cfg.TelegramBotToken == "" {
			logger.Printf("--telegram requires TELEGRAM_BOT_TOKEN")
			return 2
		}
	} else if !f.interactive && f.file == "" && f.thread == "" {
		logger.Printf("one-shot mode needs --file or --thread (use -i for an interactive chat)")
		return 2
	}
	if f.thread != "" && f.file != "" {
		logger.Printf("--file and --thread are mutually exclusive")
		return 2
	}
	if f.thread != "" && cfg.DBPath == "" {
		logger.Printf("--thread requires --db or CHATMEM_DB_PATH")
		return 2
	}

	slog.SetDefault(newLogger(stderr, cfg.LogLevel))

	var events *db.EventLog
	if cfg.DBPath != "" {
		database, err := db.OpenDB(cfg.DBPath)
		if err != nil {
			logger.Printf("%v", err)
			return 1
		}
		defer database.Close()
		if err := db.InitSchema(database); err != nil {
			logger.Printf("failed to init schema: %v", err)
			return 1
		}
		events = &db.EventLog{DB: database}
	}

	procID := events.Log(nil, db.EventProcessStarted, map[string]any{
		"role":     "chat",
		"pid":      os.Getpid(),
		"provider": cfg.Provider,
		"policy":   cfg.Policy,
		"mode":     modeName(f),
	})
	defer func() {
		events.Log(&procID, db.EventProcessExited, map[string]any{"exit_code": code})
	}()

	provider, err := newModelProvider(cfg)
	if err != nil {
		logger.Printf("failed to init model provider: %v", err)
		return 1
	}
	policy, err := ctxpkg.ParsePolicy(cfg.Policy)
	if err != nil {
		logger.Printf("%v", err)
		return 2
	}
	var strip ctxpkg.Sanitizer
	if cfg.StripThink {
		strip = ctxpkg.StripThinkTags
	}
	sanitizer := ctxpkg.Chain(strip, ctxpkg.TrimSpace)
	compactor, err := ctxpkg.NewCompactor(policy, modelpkg.NewSummarizer(provider), sanitizer, cfg.ChunkSize, cfg.Overlap)
	if err != nil {
		logger.Printf("%v", err)
		return 2
	}
	breaker := control.NewCircuitBreaker(
		cfg.BreakerThreshold,
		time.Duration(cfg.BreakerCooldownSecs)*time.Second,
		string(modelpkg.ClassContextOverflow),
	)
	breaker.OnTransition = logBreakerTransition(events, procID, breaker)
	turnPolicy := control.Policy{
		ModelTimeout:     time.Duration(cfg.ModelTimeoutSeconds) * time.Second,
		MaxWallTime:      time.Duration(cfg.MaxWallTimeSeconds) * time.Second,
		MaxRetries:       cfg.MaxRetries,
		MaxContextTokens: cfg.MaxContextTokens,
	}

	registry := session.NewRegistry(func(ctx context.Context, id string) (*session.Session, []*ctxpkg.MalformedStateError, error) {
		store := threadStore(f, events, id)
		return session.New(ctx, session.Options{
			ID:            id,
			ChunkSize:     cfg.ChunkSize,
			Compactor:     compactor,
			Builder:       ctxpkg.NewBuilder(cfg.SystemPrompt, store, store),
			Provider:      provider,
			Sanitizer:     sanitizer,
			Policy:        turnPolicy,
			Breaker:       breaker,
			Events:        events,
			ParentEventID: procID,
		})
	})

	if f.telegram {
		requestTimeout := time.Duration(cfg.PollTimeoutSeconds+10) * time.Second
		b := &bot.Bot{
			Source:        telegram.NewClient(telegram.BotAPIBase(cfg.TelegramAPIServer, cfg.TelegramBotToken), requestTimeout),
			Threads:       registry,
			PollTimeout:   cfg.PollTimeoutSeconds,
			Events:        events,
			ParentEventID: procID,
		}
		slog.Info("telegram bot running", "model", cfg.Model, "provider", cfg.Provider, "policy", cfg.Policy)
		if err := b.Run(ctx); err != nil {
			logger.Printf("%v", err)
			return 1
		}
		return 0
	}

	threadID := f.thread
	if threadID == "" {
		threadID = session.NewThreadID()
	}
	// Skipped entries are already logged by the builder.
	sess, _, err := registry.Get(ctx, threadID)
	if err != nil {
		logger.Printf("%v", err)
		return 1
	}

	if f.interactive {
		tty := isTerminal(stdout)
		c := console.New(sess, stdin, stdout, console.Options{
			Color:    tty,
			Markdown: tty,
			Width:    terminalWidth(stdout),
		})
		if err := c.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Printf("%v", err)
			return 1
		}
		return 0
	}

	var reply ctxpkg.Turn
	if f.message != "" {
		reply, err = sess.Turn(ctx, f.message)
	} else {
		reply, err = sess.Respond(ctx)
	}
	if reply.Content != "" {
		fmt.Fprintln(stdout, reply.Content)
	}
	if err != nil {
		if errors.Is(err, session.ErrNoUserTurn) {
			logger.Printf("%v: the conversation must end with a human message, or pass --message", err)
			return 1
		}
		logger.Printf("turn failed: %v", err)
		if ctxpkg.Retryable(err) {
			logger.Printf("the conversation was not changed; rerun to retry")
		}
		return 1
	}
	return 0
}

// loadConfig layers explicitly set flags over the file and environment.
func loadConfig(fs *pflag.FlagSet, f flags) (config.ChatConfig, error) {
	cfg, err := config.LoadChatConfig(f.configPath)
	if err != nil {
		return cfg, err
	}
	if fs.Changed("provider") {
		cfg.Provider = f.provider
	}
	if fs.Changed("policy") {
		cfg.Policy = f.policy
	}
	if fs.Changed("chunk-size") {
		cfg.ChunkSize = f.chunkSize
	}
	if fs.Changed("db") {
		cfg.DBPath = f.dbPath
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func logBreakerTransition(events *db.EventLog, procID int64, breaker *control.CircuitBreaker) func(control.Transition) {
	return func(t control.Transition) {
		switch t.To {
		case control.CircuitOpen:
			slog.Warn("model circuit opened", "error_class", t.Class, "retry_at", breaker.RetryAt())
			events.Log(&procID, db.EventCircuitOpened, map[string]any{
				"error_class":      t.Class,
				"threshold":        breaker.Threshold,
				"cooldown_seconds": int(breaker.Cooldown.Seconds()),
			})
		case control.CircuitHalfOpen:
			events.Log(&procID, db.EventCircuitHalfOpen, map[string]any{"error_class": t.Class})
		case control.CircuitClosed:
			slog.Info("model circuit closed", "error_class", t.Class)
			events.Log(&procID, db.EventCircuitClosed, map[string]any{"recovered": true})
		}
	}
}

type threadStorage interface {
	ctxpkg.Source
	ctxpkg.Sink
}

func threadStore(f flags, events *db.EventLog, id string) threadStorage {
	switch {
	case f.file != "":
		return &transcript.File{Path: f.file, OutPath: f.output}
	case events != nil && (f.thread != "" || f.telegram):
		return &transcript.SQLite{DB: events.DB, ThreadID: id}
	default:
		return transcript.NewMemory(nil)
	}
}

func newModelProvider(cfg config.ChatConfig) (modelpkg.Provider, error) {
	opts := modelpkg.Options{
		Model:       cfg.Model,
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
		Stop:        cfg.StopSequences(),
	}
	switch cfg.Provider {
	case "openai":
		return openai.NewClient(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, opts), nil
	case "anthropic":
		return anthropic.NewClient(cfg.AnthropicAPIKey, cfg.AnthropicBaseURL, opts), nil
	case "dummy":
		return dummy.NewProvider(cfg.Model, cfg.DummyScript)
	default:
		return nil, fmt.Errorf("unsupported model provider: %s", cfg.Provider)
	}
}

// newLogger writes human-readable records to a terminal and JSON otherwise.
func newLogger(w io.Writer, level string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	if isTerminal(w) {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func terminalWidth(w io.Writer) int {
	f, ok := w.(*os.File)
	if !ok {
		return 0
	}
	width, _, err := term.GetSize(int(f.Fd()))
	if err != nil {
		return 0
	}
	return width
}

func modeName(f flags) string {
	switch {
	case f.telegram:
		return "telegram"
	case f.interactive:
		return "interactive"
	default:
		return "oneshot"
	}
}
