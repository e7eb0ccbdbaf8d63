// Package main is the entry point for the Granite volume server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/granite-tiles/server/internal/api"
	"github.com/granite-tiles/server/internal/cache"
	"github.com/granite-tiles/server/internal/config"
	"github.com/granite-tiles/server/internal/dataset"
	"github.com/granite-tiles/server/internal/granite"
	"github.com/granite-tiles/server/internal/granite/native"
	"github.com/granite-tiles/server/internal/granite/rpcbridge"
	"github.com/granite-tiles/server/internal/render"
	"github.com/granite-tiles/server/internal/service"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config/server.yaml", "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logCloser := cfg.Logging.SetLogger()
	if logCloser != nil {
		defer logCloser.Close()
	}

	log.Printf("Starting Granite server on port %d", cfg.Server.Port)

	ctx := context.Background()

	// Initialize cache manager (shared across all datasets)
	cacheManager, err := cache.NewManager(cache.Config{
		SliceCacheSizeMB: cfg.Cache.SliceSizeMB,
		SliceTTL:         time.Duration(cfg.Cache.SliceTTLMinutes) * time.Minute,
		QueryCacheSize:   cfg.Cache.QuerySize,
		PayloadCacheSize: cfg.Cache.PayloadSize,
	})
	if err != nil {
		log.Fatalf("Failed to initialize cache: %v", err)
	}
	defer cacheManager.Close()

	rt, closeRuntime, err := startRuntime(cfg, cacheManager)
	if err != nil {
		log.Fatalf("Failed to start Granite runtime: %v", err)
	}
	defer closeRuntime()

	// Initialize slice renderer (shared across all datasets)
	sliceRenderer := render.NewSliceRenderer(render.Config{
		CellSize:        cfg.Render.CellSize,
		DefaultColormap: cfg.Render.DefaultColormap,
		MaxPixels:       cfg.Render.MaxPixels,
	})

	// Initialize dataset registry
	datasetIDs := cfg.Data.DatasetIDs()
	registry := api.NewDatasetRegistry(cfg.Data.DefaultDataset, datasetIDs, "")
	defer registry.Close()

	log.Printf("Initializing %d dataset(s), default: %s", len(datasetIDs), cfg.Data.DefaultDataset)

	registry.SetOpener(func(datasetID string) (*service.VolumeService, error) {
		ds := cfg.Data.Datasets[datasetID]
		svc, err := service.NewVolumeService(service.VolumeServiceConfig{
			DatasetID: datasetID,
			Path:      ds.XFDLPath,
			Runtime:   rt,
			Divisions: cfg.Divisions(datasetID),
			Cache:     cacheManager,
			Renderer:  sliceRenderer,
		})
		if err != nil {
			if msg := rt.LastErrorMessage(); msg != "" {
				err = fmt.Errorf("%w (%s)", err, msg)
			}
			rt.ClearError()
			return nil, err
		}
		return svc, nil
	})

	for _, datasetID := range datasetIDs {
		path := cfg.Data.Datasets[datasetID].XFDLPath
		if err := registry.Open(datasetID); err != nil {
			log.Printf("  [%s] Failed to open %s: %v", datasetID, path, err)
			continue
		}

		svc := registry.Get(datasetID)
		log.Printf("  [%s] Loaded from: %s (AMR reader: %v)", datasetID, path, service.CanReadAMR(rt, path))
		if info, err := svc.Information(); err == nil {
			log.Printf("    Levels: %d, Samples: %s, Multiresolution: %v",
				info.LevelCount, humanize.Comma(int64(info.VolumeSize)), info.Multiresolution)
		}
	}

	// Initialize job manager for export jobs (SQLite persistence)
	jobManager, err := api.NewJobManager(api.JobManagerConfig{
		MaxConcurrent: cfg.Export.Workers,
		SQLitePath:    cfg.Export.DBPath,
		Retention:     time.Duration(cfg.Export.RetentionHours) * time.Hour,
		CleanupPeriod: 1 * time.Hour,
	})
	if err != nil {
		log.Fatalf("Failed to initialize job manager: %v", err)
	}
	log.Printf("Export job manager: workers=%d, retention_hours=%d, sqlite=%s",
		cfg.Export.Workers, cfg.Export.RetentionHours, cfg.Export.DBPath)

	// Wire up export service as job executor
	exportService := service.NewExportService(registry, cfg.Export.OutputDir)
	jobManager.Executor = exportService.ExecuteExportJob

	jobManager.Start()
	defer jobManager.Stop()

	// Set up HTTP router
	router := api.NewRouter(api.RouterConfig{
		Registry:    registry,
		CORSOrigins: cfg.Server.CORSOrigins,
		JobManager:  jobManager,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Printf("Server listening on http://localhost:%d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}

// startRuntime acquires the Granite runtime over the configured bridge.
func startRuntime(cfg *config.Config, payloads native.PayloadCache) (*granite.Runtime, func(), error) {
	settings := granite.Settings{
		ClassPath: cfg.Granite.ClassPath,
		Args:      cfg.Granite.JavaArgs,
	}

	switch cfg.Granite.Bridge {
	case "native":
		rt, err := dataset.NewNativeRuntime(settings, native.WithPayloadCache(payloads))
		if err != nil {
			return nil, nil, err
		}
		log.Printf("[Granite] in-process runtime started")
		return rt, func() {}, nil
	case "rpc":
		timeout := time.Duration(cfg.Granite.RPCTimeoutSeconds) * time.Second
		client := rpcbridge.Dial(cfg.Granite.RPCAddress, timeout)
		rt, err := granite.Acquire(client, settings)
		if err != nil {
			client.Close()
			return nil, nil, err
		}
		log.Printf("[Granite] connected to host %s", cfg.Granite.RPCAddress)
		return rt, client.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown granite bridge %q", cfg.Granite.Bridge)
	}
}
