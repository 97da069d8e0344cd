package cmd

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/catalystcommunity/app-utils-go/errorutils"
	"github.com/catalystcommunity/app-utils-go/logging"
	"github.com/gammazero/workerpool"
	"github.com/reanahub/reana-job-controller/internal/backend"
	"github.com/reanahub/reana-job-controller/internal/cache"
	"github.com/reanahub/reana-job-controller/internal/config"
	"github.com/reanahub/reana-job-controller/internal/handlers"
	"github.com/reanahub/reana-job-controller/internal/manager"
	"github.com/reanahub/reana-job-controller/internal/monitor"
	"github.com/reanahub/reana-job-controller/internal/objects"
	"github.com/reanahub/reana-job-controller/internal/registry"
	"github.com/reanahub/reana-job-controller/internal/shutdown"
	"github.com/reanahub/reana-job-controller/internal/store"
	"github.com/reanahub/reana-job-controller/internal/store/postgres_store"
)

func Serve() error {
	// Run migrations first
	if err := RunMigrations(); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	// set stores
	store.AppStore = postgres_store.PostgresStore

	// init stores and defer any functions we need to
	deferredStoreFuncs := initStores()
	for _, deferredFunc := range deferredStoreFuncs {
		defer deferredFunc()
	}

	// One adapter per enabled backend; monitors are started only for these
	adapters, err := backend.NewSet()
	if err != nil {
		return fmt.Errorf("failed to construct backend adapters: %w", err)
	}

	logStore, err := objects.NewObjectStore(objects.ObjectStoreConfig{
		Type: config.ObjectStoreType,
		Config: map[string]string{
			"base_path": config.ObjectStoreBasePath,
			"bucket":    config.ObjectStoreBucket,
			"prefix":    config.ObjectStorePrefix,
		},
	})
	if err != nil {
		logging.Log.WithError(err).Warn("Failed to initialize log object store - terminal logs will only live in the DB")
		logStore = nil
	}

	jobRegistry := registry.New()
	jobCache := cache.New(store.AppStore, config.CacheEnabled)
	jobManager := manager.New(adapters, jobRegistry, store.AppStore, jobCache)

	// The MonitorSet is explicitly constructed here and passed by
	// reference; the registry mediates between manager and monitors
	monitorHandler := &monitor.Handler{
		Registry:   jobRegistry,
		Store:      store.AppStore,
		Cache:      jobCache,
		LogStore:   logStore,
		Adapters:   adapters,
		OpTimeout:  time.Duration(config.MonitorOpTimeoutSeconds) * time.Second,
		StallAfter: config.StallThreshold,
	}
	monitors := monitor.NewMonitorSet(adapters,
		monitorHandler,
		time.Duration(config.MonitorPollIntervalSeconds)*time.Second,
		config.WorkflowUUID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	monitors.Start(ctx)

	resources := monitor.NewResourceMonitor(30 * time.Second)
	resources.Start(ctx)
	defer resources.Stop()

	coordinator := shutdown.New(jobManager, jobRegistry, monitors,
		config.ShutdownStopConcurrency,
		time.Duration(config.ShutdownDeadlineSeconds)*time.Second)
	coordinator.HandleSignals(cancel)

	handler := handlers.NewRouter(handlers.Deps{
		Manager:     jobManager,
		Registry:    jobRegistry,
		Store:       store.AppStore,
		Cache:       jobCache,
		Coordinator: coordinator,
		Resources:   resources,
	})

	logging.Log.Infof("Starting HTTP server on port %d", config.Port)

	err = http.ListenAndServe(fmt.Sprintf(":%d", config.Port), handler)

	// ListenAndServe always eventually errors out, so we log it and return it
	errorutils.LogOnErr(nil, "ListenAndServe exited with: ", err)
	return err
}

func initStores() []func() {
	// initialize stores using a worker pool to speed up startup
	pool := workerpool.New(5)
	deferredFunctions := []func(){}

	pool.Submit(func() {
		deferredFunc, err := store.AppStore.Initialize()
		errorutils.PanicOnErr(nil, "error initializing app store", err)
		if deferredFunc != nil {
			deferredFunctions = append(deferredFunctions, deferredFunc)
		}
		logging.Log.Info("app store initialized")
	})

	pool.StopWait()
	return deferredFunctions
}
