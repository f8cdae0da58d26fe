package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/zatekoja/clinicalvalidation/internal/adapters/cache"
	"github.com/zatekoja/clinicalvalidation/internal/adapters/database"
	"github.com/zatekoja/clinicalvalidation/internal/adapters/search"
	"github.com/zatekoja/clinicalvalidation/internal/application/services"
	"github.com/zatekoja/clinicalvalidation/internal/domain/entities"
	"github.com/zatekoja/clinicalvalidation/internal/domain/providers"
	"github.com/zatekoja/clinicalvalidation/internal/evaluation"
	"github.com/zatekoja/clinicalvalidation/internal/infrastructure/clients/postgres"
	"github.com/zatekoja/clinicalvalidation/internal/infrastructure/clients/redis"
	"github.com/zatekoja/clinicalvalidation/internal/infrastructure/observability"
	"github.com/zatekoja/clinicalvalidation/pkg/config"
)

func main() {
	rootCmd := rebuildCmd()
	rootCmd.AddCommand(evaluateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func rebuildCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "indexer",
		Short: "Rebuild the clinical search cache from the relational store",
		RunE: func(cmd *cobra.Command, args []string) error {
			dryRun, _ := cmd.Flags().GetBool("dry-run")
			resume, _ := cmd.Flags().GetBool("resume")
			reset, _ := cmd.Flags().GetBool("reset")
			batchSize, _ := cmd.Flags().GetInt("batch-size")
			backend, _ := cmd.Flags().GetString("backend")
			kindNames, _ := cmd.Flags().GetStringSlice("kinds")
			interval, _ := cmd.Flags().GetDuration("interval")

			cfg, err := loadConfig(backend)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("interval") {
				interval = cfg.Indexer.Interval
			}
			if interval < 0 {
				return fmt.Errorf("interval must not be negative")
			}
			if batchSize <= 0 {
				batchSize = cfg.Indexer.BatchSize
			}

			kinds, err := parseKinds(kindNames)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			env, err := openEnv(cfg)
			if err != nil {
				return err
			}
			defer env.close()

			rebuilder := services.NewIndexRebuildService(env.knowledge, env.backend, env.locks, env.checkpoints, cfg.Indexer.LockTTL, nil)
			opts := services.RebuildOptions{DryRun: dryRun, Resume: resume, BatchSize: batchSize, Kinds: kinds}

			for {
				if reset {
					if err := rebuilder.ResetCheckpoints(ctx, kinds); err != nil {
						return err
					}
				}

				report, err := rebuilder.Rebuild(ctx, opts)
				if err != nil {
					log.Error().Err(err).Str("index", rebuilder.IndexName()).Msg("Search cache rebuild failed")
					if interval <= 0 {
						return err
					}
				} else if err := printJSON(report); err != nil {
					return err
				}

				if interval <= 0 {
					return nil
				}

				// Later runs on an interval are plain full rebuilds.
				reset, opts.Resume = false, false
				log.Info().Dur("interval", interval).Msg("Rebuild complete, waiting for next run")

				select {
				case <-ctx.Done():
					log.Info().Msg("Indexer shutting down")
					return nil
				case <-time.After(interval):
				}
			}
		},
	}

	cmd.Flags().Bool("dry-run", false, "Count source rows and indexed documents without writing")
	cmd.Flags().Bool("resume", false, "Keep the existing index and continue after stored checkpoints")
	cmd.Flags().Bool("reset", false, "Forget stored checkpoints before the run; with --resume reloads everything in place")
	cmd.Flags().Int("batch-size", 0, "Rows per batch (default INDEXER_BATCH_SIZE)")
	cmd.Flags().Duration("interval", 0, "Repeat the rebuild on this interval, e.g. 6h (default REINDEX_INTERVAL)")
	cmd.Flags().String("backend", "", "Search cache backend to rebuild: typesense or bleve (default SEARCH_BACKEND)")
	cmd.Flags().StringSlice("kinds", nil, "Entity kinds to load: diagnosis, procedure, mapping, document")
	cmd.MarkFlagsMutuallyExclusive("dry-run", "reset")
	return cmd
}

func evaluateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Measure context retrieval recall against a golden dictation set",
		RunE: func(cmd *cobra.Command, args []string) error {
			goldenPath, _ := cmd.Flags().GetString("golden")
			backend, _ := cmd.Flags().GetString("backend")
			topN, _ := cmd.Flags().GetInt("top-n")
			relational, _ := cmd.Flags().GetBool("relational")

			cfg, err := loadConfig(backend)
			if err != nil {
				return err
			}
			if topN <= 0 {
				topN = cfg.Search.TopN
			}

			dictations, err := evaluation.LoadGoldenDictations(goldenPath)
			if err != nil {
				return err
			}
			if err := evaluation.ValidateGoldenDictations(dictations); err != nil {
				return err
			}

			env, err := openEnv(cfg)
			if err != nil {
				return err
			}
			defer env.close()

			var index providers.SearchIndex = env.backend
			if relational {
				index = search.NewRelationalSearch(env.knowledge)
			}

			summary, err := evaluation.NewRunner(services.NewKeywordExtractor(), index, topN).Run(cmd.Context(), dictations)
			if err != nil {
				return err
			}
			return printJSON(summary)
		},
	}

	cmd.Flags().String("golden", "config/golden_dictations.json", "Path to the golden dictation set")
	cmd.Flags().String("backend", "", "Search cache backend to query (default SEARCH_BACKEND)")
	cmd.Flags().Int("top-n", 0, "Hits per kind to score (default SEARCH_TOP_N)")
	cmd.Flags().Bool("relational", false, "Query the relational fallback instead of the search cache")
	return cmd
}

func loadConfig(backend string) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	observability.InitLogger(cfg.OTEL.ServiceName+"-indexer", cfg.Environment)
	if backend = strings.ToLower(strings.TrimSpace(backend)); backend != "" {
		cfg.Search.Backend = backend
	}
	return cfg, nil
}

// indexerEnv holds the connections a command needs.
type indexerEnv struct {
	knowledge   *database.KnowledgeAdapter
	backend     search.Backend
	locks       providers.LockProvider
	checkpoints providers.CacheProvider
	closers     []func() error
}

// openEnv connects PostgreSQL and the search cache. Redis is optional; without
// it the rebuild runs unlocked and cannot resume.
func openEnv(cfg *config.Config) (*indexerEnv, error) {
	pgClient, err := postgres.NewClient(&cfg.Database)
	if err != nil {
		return nil, err
	}
	env := &indexerEnv{
		knowledge: database.NewKnowledgeAdapter(pgClient),
		closers:   []func() error{pgClient.Close},
	}

	backend, closeBackend, err := search.OpenBackend(&cfg.Search, &cfg.Typesense)
	if err != nil {
		env.close()
		return nil, err
	}
	env.backend = backend
	env.closers = append(env.closers, closeBackend)

	redisClient, err := redis.NewClient(&cfg.Redis)
	if err != nil {
		log.Warn().Err(err).Msg("Redis unavailable, rebuild runs without a lock or checkpoints")
		return env, nil
	}
	store := cache.NewRedisAdapter(redisClient)
	env.locks, env.checkpoints = store, store
	env.closers = append(env.closers, redisClient.Close)
	return env, nil
}

func (e *indexerEnv) close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			log.Warn().Err(err).Msg("Error closing connection")
		}
	}
}

func parseKinds(names []string) ([]entities.EntityKind, error) {
	var kinds []entities.EntityKind
	for _, name := range names {
		kind, err := entities.ParseEntityKind(name)
		if err != nil {
			return nil, err
		}
		kinds = append(kinds, kind)
	}
	return kinds, nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
