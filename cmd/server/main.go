package main

import (
	"context"
	"flag"
	"io"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ButyrinIA/blogclient/internal/config"
	"github.com/ButyrinIA/blogclient/internal/content"
	"github.com/ButyrinIA/blogclient/internal/gateway"
	"github.com/ButyrinIA/blogclient/internal/gateway/memory"
	"github.com/ButyrinIA/blogclient/internal/gateway/postgres"
	"github.com/ButyrinIA/blogclient/internal/gateway/s3store"
	"github.com/ButyrinIA/blogclient/internal/gateway/supabase"
	"github.com/ButyrinIA/blogclient/internal/logger"
	"github.com/ButyrinIA/blogclient/internal/orchestration"
	"github.com/ButyrinIA/blogclient/internal/server"
	"github.com/ButyrinIA/blogclient/internal/session"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func main() {
	configPath := flag.String("config", "config.yaml", "путь к файлу конфигурации")
	storageType := flag.String("storage", "memory", "тип бэкенда: memory, postgres или supabase")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Get().Fatal().Err(err).Msg("Не удалось загрузить конфигурацию")
	}
	logger.Init(cfg.Log.Env, cfg.Log.Level)
	log := logger.Get()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		gw     gateway.Gateway
		closer io.Closer
		deps   server.Deps
	)
	switch *storageType {
	case "supabase":
		log.Info().Str("url", cfg.Supabase.URL).Msg("Инициализация бэкенда Supabase")
		client, err := supabase.New(supabase.Config{
			URL:               cfg.Supabase.URL,
			AnonKey:           cfg.Supabase.AnonKey,
			Timeout:           cfg.Supabase.Timeout,
			RequestsPerSecond: cfg.Supabase.RequestsPerSecond,
			MaxRetries:        cfg.Supabase.MaxRetries,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Не удалось инициализировать Supabase")
		}
		gw, closer = client.Gateway(), client

	case "postgres":
		log.Info().Msg("Инициализация хранилища PostgreSQL")
		store, err := postgres.New(ctx, cfg.Postgres.DSN)
		if err != nil {
			log.Fatal().Err(err).Msg("Не удалось инициализировать PostgreSQL")
		}
		gw, closer = gateway.Gateway{Rows: store, Auth: store.Auth()}, store

		if cfg.S3.Bucket != "" {
			log.Info().Str("bucket", cfg.S3.Bucket).Msg("Объекты хранятся в S3")
			objects, err := s3store.New(s3store.Config{
				Endpoint:        cfg.S3.Endpoint,
				Region:          cfg.S3.Region,
				AccessKeyID:     cfg.S3.AccessKeyID,
				SecretAccessKey: cfg.S3.SecretAccessKey,
				Bucket:          cfg.S3.Bucket,
				ForcePathStyle:  cfg.S3.ForcePathStyle,
			})
			if err != nil {
				log.Fatal().Err(err).Msg("Не удалось инициализировать S3")
			}
			gw.Objects = objects
		} else {
			log.Info().Msg("Объекты хранятся в памяти")
			objects := newMemory(cfg)
			gw.Objects = objects.Gateway().Objects
			deps.Objects, deps.ObjectsPrefix = objects.Handler(), publicPath(cfg.Memory.PublicURL)
		}

	case "memory":
		log.Info().Msg("Инициализация хранилища Memory")
		store := newMemory(cfg)
		gw, closer = store.Gateway(), store
		deps.Objects, deps.ObjectsPrefix = store.Handler(), publicPath(cfg.Memory.PublicURL)

	default:
		log.Fatal().Str("storage", *storageType).Msg("Неизвестный тип хранилища")
	}
	defer closer.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	sessionStore := session.New(gw.Auth)
	unsubscribe := sessionStore.Listen()
	defer unsubscribe()

	contentStore := content.New(cfg.Blog.PageSize)
	orch := orchestration.New(gw, contentStore, sessionStore, orchestration.Config{
		Bucket:       cfg.Blog.Bucket,
		SignedURLTTL: cfg.Blog.SignedURLTTL,
		PageSize:     cfg.Blog.PageSize,
	}, orchestration.NewMetrics(registry))

	deps.Orchestrator = orch
	deps.Session = sessionStore
	deps.Content = contentStore
	deps.Gatherer = registry
	srv := server.New(cfg, deps)

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("port", cfg.Server.Port).Msg("Запуск сервера")
		errCh <- srv.Run()
	}()

	select {
	case err := <-errCh:
		if err != nil {
			log.Fatal().Err(err).Msg("Не удалось запустить сервер")
		}
	case <-ctx.Done():
		log.Info().Msg("Остановка сервера")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Ошибка при остановке сервера")
		}
	}
}

func newMemory(cfg *config.Config) *memory.MemoryStorage {
	publicURL := cfg.Memory.PublicURL
	if publicURL == "" {
		publicURL = "http://localhost:" + cfg.Server.Port + "/storage/v1"
		cfg.Memory.PublicURL = publicURL
	}
	return memory.New(memory.Options{
		SigningSecret: cfg.Memory.SigningSecret,
		PublicURL:     publicURL,
	})
}

// publicPath - путь из PublicURL, на котором сервер отдает объекты бэкенда в памяти.
func publicPath(publicURL string) string {
	u, err := url.Parse(publicURL)
	if err != nil || u.Path == "" {
		return "/storage/v1"
	}
	return u.Path
}
