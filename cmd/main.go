package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"github.com/MimeLyc/subtitle-orchestrator/internal/cache"
	"github.com/MimeLyc/subtitle-orchestrator/internal/config"
	"github.com/MimeLyc/subtitle-orchestrator/internal/llm"
	"github.com/MimeLyc/subtitle-orchestrator/internal/persistence"
	"github.com/MimeLyc/subtitle-orchestrator/internal/queue"
	"github.com/MimeLyc/subtitle-orchestrator/internal/retry"
	"github.com/MimeLyc/subtitle-orchestrator/internal/router"
	"github.com/MimeLyc/subtitle-orchestrator/internal/secrets"
	"github.com/MimeLyc/subtitle-orchestrator/internal/session"
	"github.com/MimeLyc/subtitle-orchestrator/internal/subtitle"
	"github.com/MimeLyc/subtitle-orchestrator/internal/translator"
	"github.com/MimeLyc/subtitle-orchestrator/pkg/log"
)

const maintenanceRetention = 7 * 24 * time.Hour

func main() {
	// A missing .env is fine; the environment may carry everything.
	_ = godotenv.Load()

	cfg, err := config.NewFromEnv()
	if err != nil {
		log.Fatal("Failed to load configuration: %v", err)
	}
	log.InitLogger(log.ParseLevel(cfg.System.LogLevel))

	store, err := persistence.NewSQLiteStore(filepath.Join(cfg.System.DataDir, "orchestrator.db"))
	if err != nil {
		log.Fatal("Failed to open database: %v", err)
	}
	defer store.Close()

	secretStore, err := secrets.NewStore(store, cfg.System.SecretsPassphrase, []byte(cfg.System.SecretsSalt))
	if err != nil {
		log.Fatal("Failed to initialize secret store: %v", err)
	}
	if cfg.LLM.APIKey != "" {
		secretStore.Store(context.Background(), "apiKey", cfg.LLM.APIKey)
	}

	mainCache := cache.NewStore(cfg.Queue.CacheMaxEntries, store)
	sessions := session.NewCoordinator(context.Background())

	factory := func(apiKey string) (router.Translator, error) {
		client, err := llm.NewClient(&llm.Config{
			APIKey:      apiKey,
			APIURL:      cfg.LLM.APIURL,
			Model:       cfg.LLM.Model,
			MaxTokens:   cfg.LLM.MaxTokens,
			Temperature: cfg.LLM.Temperature,
			Timeout:     cfg.LLM.Timeout,
			SiteURL:     cfg.LLM.SiteURL,
			AppName:     cfg.LLM.AppName,
		})
		if err != nil {
			return nil, err
		}
		return translator.NewBatchTranslator(client, translator.Options{
			BatchSize:       cfg.Translate.BatchSize,
			ContextChars:    cfg.Translate.ContextChars,
			InterBatchDelay: cfg.Translate.InterBatchDelay,
			Refine:          cfg.Translate.Refine,
			Policy: retry.Policy{
				MaxAttempts:    cfg.Translate.MaxRetries,
				UnchangedRatio: cfg.Translate.UnchangedRatio,
			},
		}), nil
	}

	engine := router.New(router.Config{
		APIURL:            cfg.Router.APIURL,
		AbsoluteTimeout:   cfg.Router.AbsoluteTimeout,
		InactivityTimeout: cfg.Router.InactivityTimeout,
		PollInterval:      cfg.Router.PollInterval,
		PollCeiling:       cfg.Router.PollCeiling,
	}, mainCache, secretStore, sessions, nil, factory)

	runner := func(ctx context.Context, item *queue.Item) ([]subtitle.TranslatedSegment, error) {
		return engine.Run(ctx, router.Job{
			ID:              item.JobIdentifier,
			SessionKey:      item.ID,
			Tier:            router.Tier(cfg.Router.Tier),
			TargetLang:      item.TargetLanguage,
			ForceRegenerate: cfg.Router.ForceRegenerate,
		})
	}

	primary := queue.NewPrimary(store, mainCache, runner)
	primary.Start()
	defer primary.Stop()

	prefetchCache := cache.NewStore(cfg.Queue.PrefetchCacheEntries, nil)
	prefetch := queue.NewPrefetch(prefetchCache, runner, cfg.Queue.PrefetchBound, int64(cfg.Queue.PrefetchConcurrency))
	prefetch.Start()
	defer prefetch.Stop()

	scheduler := cron.New()
	_, err = scheduler.AddFunc(cfg.System.MaintenanceCron, func() {
		sweep(store)
	})
	if err != nil {
		log.Fatal("Invalid maintenance schedule %q: %v", cfg.System.MaintenanceCron, err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	log.Info("Orchestrator started: tier %d, endpoint %s", cfg.Router.Tier, cfg.Router.APIURL)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Info("Shutting down")
	sessions.CancelAll()
}

// sweep prunes durable rows the in-memory stores no longer track.
func sweep(store *persistence.SQLiteStore) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	cutoff := time.Now().Add(-maintenanceRetention)
	if removed, err := store.DeleteStaleCacheEntries(ctx, cutoff); err != nil {
		log.Error("Cache sweep failed: %v", err)
	} else if removed > 0 {
		log.Info("Cache sweep removed %d stale entries", removed)
	}
	if removed, err := store.DeleteTerminalQueueItems(ctx, cutoff); err != nil {
		log.Error("Queue sweep failed: %v", err)
	} else if removed > 0 {
		log.Info("Queue sweep removed %d finished items", removed)
	}
}
