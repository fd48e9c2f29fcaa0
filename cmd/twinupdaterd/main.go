// Command twinupdaterd runs the twin update pipeline: one twin update task
// per twin id, enforcing policy over each twin's current JSON and keeping
// the search-index collection in sync. Grounded on piwi3910-openfroyo's
// cmd/froyo/main.go (signal-driven cooperative shutdown feeding a cobra
// root command).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"twinupdater/bulkwriter"
	"twinupdater/cache"
	"twinupdater/config"
	"twinupdater/core"
	"twinupdater/enforcement"
	"twinupdater/enrichment"
	"twinupdater/model"
	"twinupdater/pipeline"
	"twinupdater/policy"
	"twinupdater/twinactor"
)

// Exit codes per spec.md §6.
const (
	exitClean          = 0
	exitConfigError    = 1
	exitPersistenceErr = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "twinupdaterd",
		Short: "Runs the twin update pipeline",
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Start the pipeline and block until shutdown",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPipeline(configPath)
		},
	}
	runCmd.Flags().StringVar(&configPath, "config", "", "path to a config file (yaml/json/toml)")
	rootCmd.AddCommand(runCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if exitCodeFromRun != exitClean {
			return exitCodeFromRun
		}
		return exitConfigError
	}
	return exitCodeFromRun
}

// exitCodeFromRun is set by runPipeline before returning, since cobra's RunE
// only reports error/no-error, not the finer-grained exit codes spec.md §6
// requires.
var exitCodeFromRun = exitClean

func runPipeline(configPath string) error {
	cfg, err := config.Load(viper.New(), configPath)
	if err != nil {
		exitCodeFromRun = exitConfigError
		return err
	}

	if err := core.ConfigureLogger(cfg.LogDevelopment, cfg.LogLevel); err != nil {
		exitCodeFromRun = exitConfigError
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		core.Info("received shutdown signal")
		cancel()
	}()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		exitCodeFromRun = exitPersistenceErr
		return fmt.Errorf("connecting to mongo: %w", err)
	}
	defer func() { _ = client.Disconnect(context.Background()) }()

	db := client.Database(cfg.MongoDatabase)
	searchCollection := db.Collection(cfg.MongoCollection)
	thingsCollection := db.Collection("things")
	policiesCollection := db.Collection("policies")

	thingCache, err := newEntityCache[*model.Twin](cfg.CacheThing)
	if err != nil {
		exitCodeFromRun = exitConfigError
		return fmt.Errorf("building thing cache: %w", err)
	}
	policyCache, err := newEntityCache[*policy.Enforcer](cfg.CachePolicy)
	if err != nil {
		exitCodeFromRun = exitConfigError
		return fmt.Errorf("building policy cache: %w", err)
	}

	facade := enrichment.NewFacade(thingCache, pipeline.NewMongoThingFetcher(thingsCollection),
		cfg.CacheThing.TTL, cfg.CacheThing.RetryDelay)
	policies := policy.NewLoaderCache(policyCache, pipeline.NewMongoPolicyFetcher(policiesCollection),
		cfg.CachePolicy.TTL, cfg.CachePolicy.RetryDelay)

	flow := enforcement.NewFlow(facade, policies, cfg.MaxBulkSize, cfg.Parallelism, cfg.MaxArraySize,
		[]string{"search:index"}, model.PermissionRead)
	writer := bulkwriter.NewWriter(searchCollection, cfg.MaxBulkSize, cfg.MaxBulkDelay, cfg.Ask.Retries)
	backend := pipeline.NewBackend(flow, writer, searchCollection, cfg.PatchSizeThreshold, cfg.MaxBulkSize)
	backend.Start(ctx)

	registry := twinactor.NewRegistry(cfg.UpdaterIdleTimeout, func(twinId model.TwinId) *twinactor.Actor {
		actor := twinactor.NewActor(twinId, backend, cfg.MaxBulkSize, cfg.Ask.Retries, cfg.Ask.Backoff)
		go actor.Run(ctx)
		return actor
	})
	pipelineCore := pipeline.NewCore(registry)

	go pipelineCore.RunIdleSweep(ctx, cfg.UpdaterIdleTimeout/4, cfg.ShutdownDrainTimeout)

	core.Info("twin update pipeline started",
		zap.String("mongoDatabase", cfg.MongoDatabase),
		zap.Int("parallelism", cfg.Parallelism))

	<-ctx.Done()

	drainCtx, drainCancel := context.WithTimeout(context.Background(), cfg.ShutdownDrainTimeout)
	defer drainCancel()
	pipelineCore.Shutdown(drainCtx, cfg.ShutdownDrainTimeout)

	core.Info("twin update pipeline stopped cleanly")
	exitCodeFromRun = exitClean
	return nil
}

// newEntityCache builds the backend for an entity-keyed LoadingCache from
// cfg.Dispatcher (spec.md §6 cache.{thing,policy}.dispatcher). The
// dispatcher key names the execution context a cache reload runs on;
// this pipeline repurposes it as the cache backend selector since that is
// the one runtime choice every process actually needs to make: "memory" (or
// unset) for a process-local cache, otherwise the string is a Redis address
// so every pipeline process shares the same cached value — significant for
// the policy enforcer cache, which must stay coherent across replicas.
func newEntityCache[V any](cfg config.CacheConfig) (cache.Cache[cache.Entry[V]], error) {
	opts := &cache.CacheOptions{DefaultTTL: cfg.TTL, MaxItems: int(cfg.Capacity)}
	switch cfg.Dispatcher {
	case "memory", "":
		return cache.NewMemoryCache[cache.Entry[V]](opts)
	default:
		return cache.NewRedisCache[cache.Entry[V]](cfg.Dispatcher, opts)
	}
}
