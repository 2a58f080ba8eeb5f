package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/rwdstudio/cohortengine/internal/adapters/database"
	"github.com/rwdstudio/cohortengine/internal/application/services"
	"github.com/rwdstudio/cohortengine/internal/domain/entities"
	"github.com/rwdstudio/cohortengine/internal/domain/providers"
	"github.com/rwdstudio/cohortengine/internal/infrastructure/clients/openai"
	"github.com/rwdstudio/cohortengine/internal/infrastructure/clients/postgres"
	"github.com/rwdstudio/cohortengine/internal/infrastructure/clients/redis"
	"github.com/rwdstudio/cohortengine/internal/infrastructure/clients/sqlite"
	"github.com/rwdstudio/cohortengine/internal/infrastructure/observability"
	"github.com/rwdstudio/cohortengine/pkg/config"
)

var (
	criteriaPath string
	previewMode  bool
	approve      bool
	enableOTEL   bool
)

var rootCmd = &cobra.Command{
	Use:   "cohort",
	Short: "Clinical cohort selection engine",
	Long: `cohort compiles structured eligibility criteria into SQL query plans,
executes them against a claims database with a bounded repair loop, and
reports the attrition funnel.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&criteriaPath, "criteria", "c", "", "path to the criteria JSON file")
	rootCmd.PersistentFlags().BoolVar(&enableOTEL, "otel", false, "export traces and metrics via OTLP")
	runCmd.Flags().BoolVar(&previewMode, "preview", false, "fetch a row preview after counting")
	runCmd.Flags().BoolVar(&approve, "approve", false, "finalize the session after the funnel")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(planCmd)
}

// criteriaFile is the on-disk criteria document.
type criteriaFile struct {
	StudyID    string               `json:"study_id"`
	Anchor     entities.AnchorRule  `json:"anchor"`
	Predicates []entities.Predicate `json:"predicates"`
}

func loadCriteria(path string) (*criteriaFile, error) {
	if path == "" {
		return nil, fmt.Errorf("a criteria file is required (--criteria)")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read criteria file: %w", err)
	}
	var doc criteriaFile
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse criteria file: %w", err)
	}
	return &doc, nil
}

// engine bundles everything a command needs, plus the teardown.
type engine struct {
	cfg      *config.Config
	sessions *services.SessionService
	compiler *services.CohortCompiler
	catalog  providers.CatalogProvider
	close    func()
}

func buildEngine(ctx context.Context) (*engine, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	observability.InitLogger(cfg.OTEL.ServiceName, cfg.Env)

	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if enableOTEL || cfg.OTEL.Enabled {
		shutdown, err := observability.Setup(ctx, cfg.OTEL.ServiceName, cfg.OTEL.ServiceVersion, cfg.OTEL.Endpoint)
		if err != nil {
			log.Warn().Err(err).Msg("telemetry setup failed, continuing without it")
		} else {
			closers = append(closers, func() { _ = shutdown(context.Background()) })
		}
	}
	metrics, err := observability.InitMetrics()
	if err != nil {
		log.Warn().Err(err).Msg("metric init failed, continuing without metrics")
		metrics = nil
	}

	var db *sql.DB
	if cfg.Database.Driver == "sqlite3" {
		client, err := sqlite.NewClient(&cfg.Database)
		if err != nil {
			closeAll()
			return nil, err
		}
		closers = append(closers, func() { _ = client.Close() })
		db = client.DB()
	} else {
		client, err := postgres.NewClient(&cfg.Database)
		if err != nil {
			closeAll()
			return nil, err
		}
		closers = append(closers, func() { _ = client.Close() })
		db = client.DB()
	}

	var cache providers.CacheProvider
	if cfg.Redis.Host != "" {
		redisClient, err := redis.NewClient(&cfg.Redis)
		if err != nil {
			log.Warn().Err(err).Msg("redis unavailable, catalog caching disabled")
		} else {
			closers = append(closers, func() { _ = redisClient.Close() })
			cache = redis.NewCacheAdapter(redisClient)
		}
	}

	var resolver providers.ConceptResolver
	if cfg.Resolver.APIKey != "" {
		client, err := openai.NewClient(&cfg.Resolver)
		if err != nil {
			closeAll()
			return nil, err
		}
		closers = append(closers, client.Close)
		resolver = client
	} else {
		log.Warn().Msg("no resolver API key set, unresolved concepts will become gaps")
	}

	catalog := database.NewCatalogAdapter(db, cfg.Database.Driver, cache, cfg.Engine.CatalogCacheTTLSeconds)
	executor := database.NewCohortAdapter(db, cfg.Database.Driver, cfg.Engine.QueryTimeout, cfg.Engine.PreviewRowLimit)
	compiler := services.NewCohortCompiler(cfg.Database.Driver, metrics)
	execution := services.NewExecutionService(compiler, executor, catalog, cfg.Engine.MaxRepairAttempts, metrics)
	funnel := services.NewFunnelService(executor, cfg.Engine.SuspiciousDropThreshold, cfg.Engine.HugeCohortCeiling, metrics)
	sessions := services.NewSessionService(resolver, catalog, compiler, execution, funnel, cfg.Resolver.Timeout)

	return &engine{
		cfg:      cfg,
		sessions: sessions,
		compiler: compiler,
		catalog:  catalog,
		close:    closeAll,
	}, nil
}
