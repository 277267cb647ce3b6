package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aclowes/ducklake/cleanup"
	"github.com/aclowes/ducklake/config"
	"github.com/aclowes/ducklake/crdb"
	"github.com/aclowes/ducklake/datastore"
	"github.com/aclowes/ducklake/gologger"
	"github.com/aclowes/ducklake/http_server"
	"github.com/aclowes/ducklake/lake"
	"github.com/aclowes/ducklake/metastore"
	"github.com/aclowes/ducklake/migrations"
	"github.com/aclowes/ducklake/s3_helper"
	"github.com/aclowes/ducklake/utils"
)

var logger = gologger.NewLogger()

func main() {
	logger.Debug().Msg("starting ducklake")

	config.InitConfig(utils.GetEnvOrDefault("CONFIG_FILE", ""))
	cfg := config.Config

	ms, err := newMetaStore(cfg)
	if err != nil {
		logger.Error().Err(err).Msg("error creating metastore")
		os.Exit(1)
	}
	ds, err := newDataStore(cfg)
	if err != nil {
		logger.Error().Err(err).Msg("error creating datastore")
		os.Exit(1)
	}

	retention, err := cfg.OrphanRetention()
	if err != nil {
		logger.Error().Err(err).Msg("invalid cleanup config")
		os.Exit(1)
	}
	dl := lake.NewDuckLake(ms, ds)
	dl.Threads = cfg.Threads
	dl.FlushParallelism = int64(cfg.FlushParallelism)
	dl.Cleanup = cleanup.Config{OrphanFileDeleteOlderThan: retention}

	httpServer, err := http_server.StartHTTPServer(cfg.HTTPPort, dl)
	if err != nil {
		logger.Error().Err(err).Msg("error starting HTTP server")
		os.Exit(1)
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	logger.Warn().Msg("received shutdown signal!")

	// For AWS ALB needing some time to de-register pod
	sleepTime := cfg.ShutdownSleepSec
	logger.Info().Msg(fmt.Sprintf("sleeping for %ds before exiting", sleepTime))

	time.Sleep(time.Second * time.Duration(sleepTime))
	logger.Info().Msg(fmt.Sprintf("slept for %ds, exiting", sleepTime))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown HTTP server")
	} else {
		logger.Info().Msg("successfully shutdown HTTP server")
	}
	if err := ms.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown metastore")
	}
	if err := ds.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown datastore")
	}
}

// newMetaStore connects to CockroachDB and migrates the catalog. Without a
// DSN the catalog lives in memory.
func newMetaStore(cfg *config.Configuration) (metastore.MetaStore, error) {
	if cfg.CRDBDSN == "" {
		logger.Warn().Msg("no crdb_dsn configured, using an in memory catalog")
		return metastore.NewMemoryMetaStore(), nil
	}
	if err := crdb.ConnectToDB(cfg.CRDBDSN); err != nil {
		return nil, fmt.Errorf("error connecting to CRDB: %w", err)
	}
	if _, err := migrations.RunMigrations(cfg.CRDBDSN); err != nil {
		return nil, fmt.Errorf("error running migrations: %w", err)
	}
	if err := migrations.CheckMigrations(cfg.CRDBDSN); err != nil {
		return nil, fmt.Errorf("error checking migrations: %w", err)
	}
	return metastore.NewCRDBMetaStore(crdb.PGPool), nil
}

func newDataStore(cfg *config.Configuration) (datastore.DataStore, error) {
	switch cfg.Storage.Type {
	case "disk":
		dds, err := datastore.NewDiskDataStore(cfg.Storage.DataPath)
		if err != nil {
			return nil, fmt.Errorf("error in NewDiskDataStore: %w", err)
		}
		return dds, nil
	case "s3":
		sds, err := datastore.NewS3DataStore(s3_helper.Config{
			Bucket:   cfg.Storage.S3BucketName,
			Endpoint: cfg.Storage.S3Endpoint,
			Region:   cfg.Storage.AWSDefaultRegion,
		}, cfg.Storage.DataPath)
		if err != nil {
			return nil, fmt.Errorf("error in NewS3DataStore: %w", err)
		}
		return sds, nil
	}
	return nil, fmt.Errorf("unknown storage type %q", cfg.Storage.Type)
}
