package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/zhouzirui/tavern-stage/internal/config"
	"github.com/zhouzirui/tavern-stage/internal/handler"
	"github.com/zhouzirui/tavern-stage/internal/model/persona"
	"github.com/zhouzirui/tavern-stage/internal/service/ai"
	"github.com/zhouzirui/tavern-stage/internal/service/conversation"
	"github.com/zhouzirui/tavern-stage/internal/service/evaluation"
	"github.com/zhouzirui/tavern-stage/internal/service/history"
	"github.com/zhouzirui/tavern-stage/internal/service/playback"
	"github.com/zhouzirui/tavern-stage/internal/service/session"
	"github.com/zhouzirui/tavern-stage/internal/service/speech"
	"github.com/zhouzirui/tavern-stage/pkg/utils"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("warning: failed to load .env file: %v", err)
		log.Println("continuing with system environment variables only")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	personaStore := newPersonaStore(cfg.Persona)

	catalog, err := ai.LoadCatalog(cfg.AI.CatalogPath)
	if err != nil {
		log.Fatalf("failed to load model catalog: %v", err)
	}
	aiService, err := ai.NewService(ctx, cfg.AI, catalog)
	if err != nil {
		log.Fatalf("failed to initialize AI service: %v - 请检查 Ark / OpenAI 相关环境变量", err)
	}
	log.Printf("AI service initialized, default model %s", aiService.DefaultModel())

	// Initialize Speech service
	audioStore := speech.NewAudioStore(512, "/api/audio/")
	speechService := speech.NewService(cfg.Speech, audioStore)
	if speechService.Enabled() {
		log.Printf("Speech service initialized with provider %s", cfg.Speech.Provider)
	} else {
		log.Println("语音服务凭证未配置，跳过语音功能初始化")
	}

	historyStore, err := newHistoryStore(ctx, cfg.Storage)
	if err != nil {
		log.Fatalf("failed to initialize history store: %v", err)
	}
	defer func() {
		if err := historyStore.Close(); err != nil {
			log.Printf("warning: failed to close history store: %v", err)
		}
	}()

	retry := utils.RetryPolicy{
		MaxAttempts:  cfg.Conversation.RetryAttempts,
		InitialDelay: cfg.Conversation.RetryInitialDelay,
		Retryable:    ai.IsRetryable,
	}
	prompts := ai.NewPersonaPromptManager()
	extractor, err := evaluation.NewExtractor(aiService, prompts, retry)
	if err != nil {
		log.Fatalf("failed to initialize evaluation extractor: %v", err)
	}

	playbackMode, err := playback.ParseMode(cfg.Conversation.PlaybackMode)
	if err != nil {
		log.Fatalf("invalid playback configuration: %v", err)
	}

	deps := conversation.Dependencies{
		Chat:      aiService,
		History:   historyStore,
		Prompts:   prompts,
		Evaluator: extractor,
	}
	var resolver playback.Resolver
	if speechService.Enabled() {
		deps.Voice = speechService
		resolver = audioStore
	}

	registry := session.NewRegistry(session.Defaults{
		SettleDelay: cfg.Conversation.SettleDelay,
		Retry:       retry,
		Playback:    playback.Policy{Mode: playbackMode, Delay: cfg.Conversation.PlaybackDelay},
		Voice: conversation.Voice{
			Speed: cfg.Speech.TTSSpeed,
		},
	}, personaStore, deps, resolver)
	defer registry.Close()

	services := handler.Services{
		Personas: personaStore,
		Sessions: registry,
		Models:   aiService,
		Audio:    audioStore,
	}
	if speechService.Enabled() {
		services.Speech = speechService
	}

	startServer(ctx, cfg.Server, handler.NewRouter(services))
}

func newPersonaStore(cfg config.PersonaConfig) persona.Store {
	if cfg.Source != "supabase" {
		return persona.NewMemoryStore(persona.Seed())
	}
	store, err := persona.NewSupabaseStore(persona.SupabaseConfig{
		URL:    cfg.SupabaseURL,
		APIKey: cfg.SupabaseKey,
		Table:  cfg.Table,
	})
	if err != nil {
		log.Printf("warning: failed to initialize supabase persona store: %v", err)
		log.Println("falling back to built-in personas")
		return persona.NewMemoryStore(persona.Seed())
	}
	log.Printf("Persona store backed by supabase table %s", cfg.Table)
	return store
}

func newHistoryStore(ctx context.Context, cfg config.StorageConfig) (history.Store, error) {
	switch history.Driver(cfg.Driver) {
	case history.DriverRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
		}
		log.Printf("History store backed by redis %s", cfg.RedisAddr)
		return history.NewStore(history.DriverRedis, history.WithRedisClient(client), history.WithRedisTTL(cfg.RedisTTL))
	case history.DriverSQLite:
		db, err := history.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		log.Printf("History store backed by sqlite %s", cfg.SQLitePath)
		return history.NewStore(history.DriverSQLite, history.WithGormDB(db, true))
	default:
		log.Println("History store kept in memory, sessions will not survive a restart")
		return history.NewStore(history.DriverMemory)
	}
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler) {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Printf("Tavern stage backend listening on %s", addr)
	if err := runServer(ctx, srv); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
