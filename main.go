package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/example/remindme/internal/ai"
	"github.com/example/remindme/internal/bot"
	"github.com/example/remindme/internal/config"
	"github.com/example/remindme/internal/database"
	"github.com/example/remindme/internal/dispatch"
	"github.com/example/remindme/internal/excel"
	"github.com/example/remindme/internal/logger"
	"github.com/example/remindme/internal/notifier"
	"github.com/example/remindme/internal/scheduler"
	"github.com/example/remindme/pkg/models"
)

func main() {
	importFile := flag.String("import", "", "import users from an Excel or CSV file and exit")
	flag.Parse()

	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	zl, err := logger.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zl.Sync()

	loc, err := cfg.Location()
	if err != nil {
		zl.Fatal("invalid timezone", zap.Error(err))
	}

	if err := database.Connect(cfg.DatabaseURL, cfg.SQLitePath); err != nil {
		zl.Fatal("failed to connect to database", zap.Error(err))
	}
	defer database.Close()

	if *importFile != "" {
		runImport(*importFile)
		return
	}

	if cfg.TelegramToken == "" {
		zl.Fatal("TELEGRAM_BOT_TOKEN is not set")
	}

	// tgbotapi's Send ignores the context, so the HTTP client timeout is
	// what bounds a delivery attempt on this transport.
	api, err := tgbotapi.NewBotAPIWithClient(cfg.TelegramToken, tgbotapi.APIEndpoint,
		&http.Client{Timeout: cfg.DeliverTimeout})
	if err != nil {
		zl.Fatal("failed to create telegram client", zap.Error(err))
	}

	router := notifier.NewRouter()
	router.Register(models.ChannelTelegram, notifier.NewTelegram(api))
	if tw, err := notifier.NewTwilio(cfg.TwilioAccountSID, cfg.TwilioAuthToken, cfg.TwilioWhatsAppFrom); err != nil {
		zl.Warn("whatsapp transport disabled", zap.Error(err))
	} else {
		router.Register(models.ChannelWhatsApp, tw)
	}

	var composer dispatch.Composer
	if chatGPT, err := ai.New(cfg.OpenAIKey); err != nil {
		zl.Warn("haiku generation disabled, using static composer", zap.Error(err))
		composer = ai.Static{}
	} else {
		composer = chatGPT
	}

	userRepo := database.NewUserRepository()
	recordRepo := database.NewDispatchRepository()

	dispatcher := dispatch.New(userRepo, recordRepo, composer, router, zl.Named("dispatch"), dispatch.Options{
		MaxAttempts:    cfg.MaxAttempts,
		RetryBaseDelay: cfg.RetryBaseDelay,
		GraceWindow:    cfg.GraceWindow,
		Concurrency:    cfg.DispatchConcurrency,
		DeliverTimeout: cfg.DeliverTimeout,
		Location:       loc,
	})
	sched := scheduler.New(dispatcher, cfg.TickInterval, loc, zl.Named("scheduler"))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.SchedulerAutostart {
		if err := sched.Start(ctx); err != nil {
			zl.Fatal("failed to start scheduler", zap.Error(err))
		}
	}

	b := bot.New(api, userRepo, recordRepo, sched, router, loc, parseAdminIDs(cfg.AdminChatIDs, zl), zl.Named("bot"))
	go func() {
		if err := b.Start(ctx); err != nil && err != context.Canceled {
			zl.Error("bot stopped with error", zap.Error(err))
		}
	}()

	zl.Info("Remind Me! service started. Press Ctrl+C to stop.")

	sig := <-sigChan
	zl.Info("received signal, shutting down", zap.String("signal", sig.String()))

	cancel()
	sched.Stop()

	zl.Info("service stopped")
}

// runImport performs a bulk user import and prints a summary.
func runImport(path string) {
	ic := excel.DefaultImportConfig()
	ic.FilePath = path

	result, err := excel.ImportUsers(context.Background(), ic)
	if err != nil {
		log.Fatalf("Import failed: %v", err)
	}

	fmt.Printf("Processed %d rows: %d created, %d skipped\n",
		result.TotalProcessed, result.Created, result.Skipped)
	for _, e := range result.Errors {
		fmt.Println("  " + e)
	}
}

func parseAdminIDs(raw string, zl *zap.Logger) []int64 {
	var ids []int64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			zl.Warn("ignoring invalid admin chat ID", zap.String("value", part))
			continue
		}
		ids = append(ids, id)
	}
	return ids
}
