package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jmarusak/appraiser/config"
	"github.com/jmarusak/appraiser/internal/llm"
	"github.com/jmarusak/appraiser/internal/objectstore"
	"github.com/jmarusak/appraiser/internal/prompt"
	"github.com/jmarusak/appraiser/internal/pruner"
	"github.com/jmarusak/appraiser/internal/server"
	"github.com/jmarusak/appraiser/internal/storage"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	// Try to load existing .env file
	config.LoadEnvFile()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	setupLogging(cfg)

	if missing := cfg.CheckRequired(); len(missing) > 0 {
		log.Fatal().Msgf("missing required config: %s", strings.Join(missing, ", "))
	}

	// Create context that cancels on SIGINT or SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	prompts, err := prompt.Load(cfg.PromptDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load prompt templates")
	}

	genaiClient, err := llm.NewClient(ctx, llm.ClientConfig{
		APIKey:   cfg.GeminiAPIKey,
		Project:  cfg.GoogleCloudProject,
		Location: cfg.GoogleCloudLocation,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize gemini client")
	}
	log.Info().
		Bool("vertexAI", cfg.UseVertexAI()).
		Str("model", cfg.GeminiModel).
		Bool("search", cfg.SearchEnabled).
		Msg("gemini client initialized")

	fetcher := objectstore.NewRouter()
	if hosts := cfg.AllowedImageHosts(); len(hosts) > 0 {
		fetcher.Register(objectstore.NewHTTPFetcher(hosts...).WithTimeout(cfg.FetchTimeout), "http", "https")
		log.Info().Strs("hosts", hosts).Msg("image url downloads enabled")
	}

	uploader, closeStore := setupObjectStore(ctx, cfg, fetcher)
	defer closeStore()

	gemini, err := llm.NewGeminiAppraiser(genaiClient.Models, prompts, llm.Options{
		Model:         cfg.GeminiModel,
		Currency:      cfg.ValuationCurrency,
		SearchEnabled: cfg.SearchEnabled,
		CallTimeout:   cfg.ModelTimeout,
		Fetcher:       fetcher,
		URIPolicy:     fetcher,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize appraiser")
	}

	var (
		appraiser llm.Appraiser = gemini
		cache     *storage.SQLiteStore
	)
	if cfg.CacheDBPath != "" {
		cache, err = storage.NewSQLiteStore(cfg.CacheDBPath)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to initialize valuation cache")
		}
		defer cache.Close()

		salt := fmt.Sprintf("%s|%s|search=%t", cfg.GeminiModel, cfg.ValuationCurrency, cfg.SearchEnabled)
		appraiser = llm.NewCachedAppraiser(gemini, cache, cfg.CacheTTL, salt)
		log.Info().Str("dbPath", cfg.CacheDBPath).Dur("ttl", cfg.CacheTTL).Msg("valuation caching enabled")
	}

	srv := server.New(server.Options{
		Addr:           cfg.Addr(),
		IndexHTMLPath:  cfg.IndexHTMLPath,
		MaxUploadBytes: cfg.MaxUploadBytes,
		UploadTimeout:  cfg.UploadTimeout,
	}, appraiser, uploader)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(srv.Run)

	// Prune expired valuations in the background
	if cache != nil {
		prunerService := pruner.NewService(cache, cfg.CacheTTL, cfg.CachePruneInterval)
		g.Go(func() error {
			prunerService.Run(ctx)
			return nil
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("shutdown with error")
	} else {
		log.Info().Msg("shutdown complete")
	}
}

// setupObjectStore creates the configured uploader and allows URIs under its
// bucket and prefix. Stores the model cannot read itself are also registered
// as fetchers. The returned uploader is nil when no bucket is configured, and
// then no object URIs are accepted.
func setupObjectStore(ctx context.Context, cfg *config.Config, fetcher *objectstore.Router) (objectstore.Uploader, func()) {
	noop := func() {}

	if cfg.StorageBucket == "" {
		log.Warn().Msg("STORAGE_BUCKET is not set, uploaded images will not be persisted")
		return nil, noop
	}

	switch cfg.StorageBackend {
	case "s3":
		store, err := objectstore.NewS3Store(ctx, objectstore.S3Config{
			Endpoint:        cfg.S3Endpoint,
			Region:          cfg.S3Region,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
			Bucket:          cfg.StorageBucket,
			Prefix:          cfg.StoragePrefix,
			UsePathStyle:    cfg.S3UsePathStyle,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("failed to initialize s3 store")
		}
		fetcher.Register(store, "s3").Allow("s3", cfg.StorageBucket, cfg.StoragePrefix)
		log.Info().Str("bucket", cfg.StorageBucket).Str("endpoint", cfg.S3Endpoint).Msg("s3 object store initialized")
		return store, noop

	default:
		store, err := objectstore.NewGCSStore(ctx, cfg.StorageBucket, cfg.StoragePrefix)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to initialize gcs store")
		}
		fetcher.Allow("gs", cfg.StorageBucket, cfg.StoragePrefix)
		// Vertex AI reads gs:// URIs itself; the Gemini API needs the bytes.
		if !cfg.UseVertexAI() {
			fetcher.Register(store, "gs")
		}
		log.Info().Str("bucket", cfg.StorageBucket).Msg("gcs object store initialized")
		return store, func() {
			if err := store.Close(); err != nil {
				log.Warn().Err(err).Msg("failed to close gcs client")
			}
		}
	}
}

func setupLogging(cfg *config.Config) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.LogFormat != "json" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}
