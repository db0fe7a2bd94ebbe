package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/julienschmidt/httprouter"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type AppProvider interface {
	Run() error
	Serve() func() error
	Stop(context.Context, context.Context) func() error
}

type App struct {
	logger         *zap.Logger
	config         *Config
	server         *http.Server
	redisClient    *redis.Client
	shell          *Shell
	controllers    []Controller
	cleanups       []func()
	queueConsumers []func(context.Context) error
}

// NewApp provides an instance of App.
func NewApp() (AppProvider, error) {
	config, err := LoadAndInitConfigs(GitCommit, GitTag, BuildTime)
	if err != nil {
		return nil, fmt.Errorf("failed to setup app configuration: %s", err)
	}
	clock := NewClock(config.IsProduction)

	// ensure the logs folder exists and Setup the logging module.
	err = os.MkdirAll(config.LogFolder, 0o700)
	if err != nil {
		return nil, fmt.Errorf("failed to create logging folder: %s", err)
	}
	logWriter := NewRSyncWriter(config, clock)
	logger, flusher := SetupLogging(config, logWriter, clock)
	app := &App{
		logger: logger,
		config: config,
		cleanups: []func(){
			func() {
				if ferr := flusher(); ferr != nil {
					fmt.Println("error during flushing of logs: ", ferr)
				}
			},
			func() {
				if cerr := logWriter.Close(); cerr != nil {
					fmt.Println("error during closing of log file: ", cerr)
				}
			},
		},
	}

	// Setup the catalog service facades.
	catalog := NewCatalogClient(logger, &config.Catalog, nil)
	booksAPI := NewBooksAPI(catalog)
	authorsAPI := NewAuthorsAPI(catalog)

	// Setup the activity feed when enabled.
	ids := NewIDsHandler()
	recorder := NewNopActivityRecorder()
	var journal ActivityJournal
	var queue Queuer
	if config.Activity.Enabled {
		app.redisClient, err = GetRedisClient(config)
		if err != nil {
			app.Clean()
			return nil, fmt.Errorf("failed to connect to redis server: %s", err)
		}

		boltDBClient, err := GetBoltDBClient(config)
		if err != nil {
			app.Clean()
			return nil, fmt.Errorf("failed to connect to boltDB server: %s", err)
		}
		journal = NewBoltActivityJournal(logger, &config.BoltDB, boltDBClient)
		queue = NewRedisQueue(app.redisClient)
		recorder = NewActivityRecorder(logger, queue, config.Activity.Queue, clock, ids)
		consumer := NewJournalConsumer(logger, queue, journal, clock)
		app.queueConsumers = append(app.queueConsumers, func(ctx context.Context) error {
			return consumer.Consume(ctx, config.Activity.Queue)
		})
		app.cleanups = append([]func(){func() {
			if cerr := journal.Close(); cerr != nil {
				logger.Error("failed to close activity journal", zap.Error(cerr))
			}
		}}, app.cleanups...)
	}

	// Setup the page with its chrome and sections.
	renderer, err := NewRenderer(&config.UI)
	if err != nil {
		app.Clean()
		return nil, fmt.Errorf("failed to setup page renderer: %s", err)
	}
	page := NewPage()
	app.shell = NewShell(logger, page, clock, &config.UI)
	deps := SectionDeps{
		Logger:   logger,
		Page:     page,
		Shell:    app.shell,
		Renderer: renderer,
		Clock:    clock,
		Confirm:  NewPageConfirmer(page),
		Activity: recorder,
		Config:   &config.UI,
	}
	app.controllers = []Controller{
		NewBookController(deps, booksAPI, authorsAPI, NewListStore[Book]()),
		NewAuthorController(deps, authorsAPI, NewListStore[Author]()),
	}

	webHandler := NewWebHandler(
		logger,
		config,
		&Statistics{
			version:   config.GitTag,
			container: IsAppRunningInDocker(),
			started:   clock.Now(),
			runtime:   runtime.Version(),
			platform:  runtime.GOOS + "/" + runtime.GOARCH,
		},
		clock,
		ids,
		WebDeps{
			Page:     page,
			Shell:    app.shell,
			Renderer: renderer,
			Books:    booksAPI,
			Authors:  authorsAPI,
			Journal:  journal,
			Queue:    queue,
			Sections: app.controllers,
		},
	)

	// Use git commit in case the tag is not set.
	if config.GitTag == "" {
		webHandler.stats.version = config.GitCommit
	}
	if webHandler.stats.version != "" {
		ConsoleDocs.Version = webHandler.stats.version
	}

	// Build the map of middlewares stacks.
	middlewaresPublic, middlewaresOps := webHandler.MiddlewaresStacks()

	// Configure the endpoints with their handlers and middlewares.
	router := webHandler.SetupRoutes(httprouter.New(),
		&MiddlewareMap{
			public: middlewaresPublic.Chain,
			ops:    middlewaresOps.Chain,
		},
	)
	// Wrap the router with the default http timeout handler.
	routerWithTimeout := http.TimeoutHandler(
		router,
		config.Server.RequestTimeout,
		"Timeout. Processing taking too long. Please reach out to support.")

	// Build the console server definition.
	app.server = &http.Server{
		Addr:           fmt.Sprintf("%s:%s", config.Server.Host, config.Server.Port),
		Handler:        routerWithTimeout,
		ReadTimeout:    config.Server.ReadTimeout,
		WriteTimeout:   config.Server.WriteTimeout,
		MaxHeaderBytes: 1 << 20, // Max headers size : 1MB
	}
	return app, nil
}

// Run initializes the page then starts the web server and a goroutine
// which is responsible to stop it.
func (app *App) Run() error {
	defer app.Clean()
	nCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app.Init(nCtx)

	g, gCtx := errgroup.WithContext(nCtx)

	g.Go(app.ConsumeQueues(gCtx, g))
	g.Go(app.Serve())
	g.Go(app.Stop(nCtx, gCtx))

	err := g.Wait()
	app.logger.Info("console server stopped",
		zap.String("app.host", app.config.Server.Host),
		zap.String("app.port", app.config.Server.Port),
		zap.Error(err),
	)
	return err
}

// Init binds the page chrome then initializes every section. The context
// outlives requests and bounds the debounced searches.
func (app *App) Init(ctx context.Context) {
	defer app.shell.Recover("page init")
	app.shell.Init()
	for _, c := range app.controllers {
		c.Init(ctx)
	}
}

// Clean calls all registered cleanups functions.
func (app *App) Clean() {
	for _, f := range app.cleanups {
		f()
	}
}

// Serve starts the console web server. It returned error
// will be caught by the errorgroup.
func (app *App) Serve() func() error {
	return func() error {
		app.logger.Info("console server starting",
			zap.String("app.host", app.config.Server.Host),
			zap.String("app.port", app.config.Server.Port),
			zap.String("catalog.url", app.config.Catalog.BaseURL),
		)
		err := app.server.ListenAndServe()
		if err == http.ErrServerClosed {
			err = nil
		}
		return err
	}
}

// Stop listens for the group context and triggers the server graceful shutdown.
// It states the reason of its call. We proceed with a brutal shutdown if the
// the graceful did not complete successfully. We explicitly return `nil` to
// allow the errorgroup catches only the `Serve` method result.
func (app *App) Stop(nCtx, gCtx context.Context) func() error {
	return func() error {
		<-gCtx.Done()

		if nCtx.Err() != nil {
			app.logger.Info("console server stopping. reason: requested to stop")
		} else {
			app.logger.Info("console server stopping. reason: errored at running")
		}

		sCtx, cancel := context.WithTimeout(context.Background(), app.config.Server.ShutdownTimeout)
		defer cancel()
		err := app.server.Shutdown(sCtx)
		switch err {
		case nil, http.ErrServerClosed:
			app.logger.Info("console server graceful shutdown succeeded")
		case context.DeadlineExceeded:
			app.logger.Info("console server graceful shutdown timed out")
		default:
			app.logger.Info("console server graceful shutdown failed", zap.Error(err))
		}

		if err != nil && err != http.ErrServerClosed {
			app.logger.Info("console server going to force shutdown", zap.Error(app.server.Close()))
		}
		if app.redisClient != nil {
			_ = app.redisClient.Close()
		}
		return nil
	}
}

// ConsumeQueues runs all queue consumers into separate controlled goroutines.
func (app *App) ConsumeQueues(gCtx context.Context, g *errgroup.Group) func() error {
	return func() error {
		for _, consume := range app.queueConsumers {
			consume := consume
			g.Go(func() error {
				return consume(gCtx)
			})
		}
		return nil
	}
}
