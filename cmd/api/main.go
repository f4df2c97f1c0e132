package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"folio/api/internal/app"
	"folio/api/internal/authpw"
	"folio/api/internal/config"
	"folio/api/internal/content"
	"folio/api/internal/email"
	"folio/api/internal/export"
	"folio/api/internal/llm"
	"folio/api/internal/scheduler"
	"folio/api/internal/search"
	"folio/api/internal/session"
	"folio/api/internal/store"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	dataStore := store.NewPostgresStore(db)

	objects, err := content.NewMinioStore(ctx, cfg.S3Endpoint, cfg.S3AccessKey, cfg.S3SecretKey, cfg.S3Bucket, cfg.S3UseSSL)
	if err != nil {
		log.Fatalf("object storage connection failed: %v", err)
	}
	contentSvc := content.New(objects, dataStore)

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
	}
	searchSvc := search.NewService(meiliClient, pgfts)
	if meiliClient != nil {
		defer meiliClient.Close()
	}

	llmSvc := buildLLMService(ctx, cfg, dataStore)

	emailSvc := email.NewService(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
	})
	exportSvc := export.NewService(dataStore, contentSvc)
	authSvc := authpw.NewService(dataStore)

	var service *app.Service
	if strings.TrimSpace(cfg.RedisURL) != "" {
		log.Printf("Using Redis for refresh token storage")
		redisStore, err := session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer redisStore.Close()
		service = app.New(cfg, dataStore, redisStore, contentSvc, searchSvc, llmSvc, exportSvc, emailSvc, authSvc)
	} else {
		log.Printf("Using PostgreSQL for refresh token storage")
		service = app.New(cfg, dataStore, nil, contentSvc, searchSvc, llmSvc, exportSvc, emailSvc, authSvc)
	}

	publisher := scheduler.New(dataStore, searchNotifier{searchSvc}, cfg.PublishInterval)
	publisher.Start()
	defer publisher.Stop()

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Folio API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}

// buildLLMService picks the enabled provider row, falling back to the env
// configuration. Returns nil when no provider is usable; translation and
// summary endpoints report 503 in that case.
func buildLLMService(ctx context.Context, cfg config.Config, dataStore *store.PostgresStore) *llm.Service {
	providerCfg := llm.Config{
		Kind:    cfg.LLMProvider,
		APIKey:  cfg.LLMAPIKey,
		BaseURL: cfg.LLMBaseURL,
		Model:   cfg.LLMModel,
	}
	rateQPS := cfg.LLMRateQPS

	row, err := dataStore.GetEnabledLLMProvider(ctx)
	if err != nil {
		log.Printf("WARNING: llm provider lookup failed: %v", err)
	}
	if row != nil {
		providerCfg = llm.Config{
			Kind:    row.Kind,
			APIKey:  row.APIKey,
			BaseURL: row.BaseURL,
			Model:   row.Model,
		}
		if row.RateQPS > 0 {
			rateQPS = row.RateQPS
		}
	}
	if strings.TrimSpace(providerCfg.APIKey) == "" {
		log.Printf("No LLM provider configured, machine translation disabled")
		return nil
	}

	provider, err := llm.NewProvider(providerCfg)
	if err != nil {
		log.Printf("WARNING: llm provider init failed: %v", err)
		return nil
	}
	log.Printf("LLM provider ready kind=%s model=%s", providerCfg.Kind, providerCfg.Model)
	return llm.NewService(provider, llm.NewRateLimiter(rateQPS), dataStore)
}

// searchNotifier re-indexes books the scheduler publishes so they show up in
// public search right away.
type searchNotifier struct {
	search *search.Service
}

func (n searchNotifier) BookPublished(book store.Book) {
	n.search.IndexBook(search.BookRecord{
		ID:          book.ID,
		Title:       book.Title,
		AuthorName:  book.AuthorName,
		Description: book.Description,
		Status:      book.Status,
	})
}
