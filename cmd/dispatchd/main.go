package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"vision-dispatch/cmd"
	"vision-dispatch/internal/analyzer"
	"vision-dispatch/internal/api"
	"vision-dispatch/internal/config"
	"vision-dispatch/internal/connection"
	"vision-dispatch/internal/database"
	"vision-dispatch/internal/dispatch"
	"vision-dispatch/internal/protocol"
	"vision-dispatch/internal/resultlog"
	"vision-dispatch/internal/storage"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"gorm.io/gorm"
)

const pmCommandTimeout = 3 * time.Second

func createDatabase(cfg *config.Config) *gorm.DB {
	db, err := database.NewDatabase(cfg.Results.DatabaseURL, cfg.Results.Directory)
	if err != nil {
		log.Fatalf("Failed to open result database: %v", err)
	}
	return db
}

func createQueue(cfg *config.Config) dispatch.TaskQueue {
	if cfg.Queue.Backend == "rabbitmq" {
		queue, err := dispatch.NewRabbitMQQueue(cfg.Queue.RabbitMQURL, cfg.Queue.Name)
		if err != nil {
			log.Fatalf("Failed to connect to rabbitmq: %v", err)
		}
		return queue
	}
	return dispatch.NewMemoryQueue(cfg.Behavior.QueueCapacity)
}

func createMirror(ctx context.Context, cfg *config.Config) *storage.Mirror {
	if !cfg.Mirror.Enabled {
		return nil
	}

	var store storage.ObjectStore
	var err error
	if cfg.Mirror.Backend == "s3" {
		store, err = storage.NewS3ObjectStore(storage.S3ClientConfig{
			Endpoint:        cfg.Mirror.S3Endpoint,
			Region:          cfg.Mirror.S3Region,
			AccessKeyID:     cfg.Mirror.AccessKeyID,
			SecretAccessKey: cfg.Mirror.SecretAccessKey,
		})
	} else {
		store, err = storage.NewLocalObjectStore(cfg.Mirror.LocalDir)
	}
	if err != nil {
		log.Fatalf("Failed to create artifact object store: %v", err)
	}

	mirror, err := storage.NewMirror(ctx, store, cfg.Mirror.Bucket)
	if err != nil {
		log.Fatalf("Failed to create artifact mirror: %v", err)
	}
	return mirror
}

func analyzerFactory(cfg *config.Config) connection.ClientFactory {
	rest := analyzer.RestOptions{
		Host:           cfg.Analyzer.Host,
		Port:           cfg.Analyzer.Port,
		APIKey:         cfg.Analyzer.APIKey,
		APIKeyLocation: cfg.Analyzer.APIKeyLocation,
		APIKeyName:     cfg.Analyzer.APIKeyName,
	}

	if cfg.Analyzer.Mode == "managed" {
		return func(ctx context.Context) (analyzer.Analyzer, error) {
			return analyzer.NewManagedClient(ctx, analyzer.ManagedOptions{
				Command: cfg.Analyzer.Command,
				Rest:    rest,
			})
		}
	}

	return func(ctx context.Context) (analyzer.Analyzer, error) {
		return analyzer.NewRestClient(rest), nil
	}
}

func createServer(cfg *config.Config, service *api.PipelineService) *http.Server {
	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"*"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Route("/api/v1", func(r chi.Router) {
		service.AddRoutes(r)
	})

	return &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.APIPort),
		Handler: r,
	}
}

func main() {
	cmd.LoadEnvFile()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("error loading config: %v", err)
	}

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	if err := os.MkdirAll(cfg.Results.Directory, os.ModePerm); err != nil {
		log.Fatalf("error creating directory for log file: %v", err)
	}

	f, err := os.OpenFile(filepath.Join(cfg.Results.Directory, "dispatch.log"), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		log.Fatalf("error opening log file: %v", err)
	}
	defer f.Close()

	log.SetOutput(io.MultiWriter(f, os.Stderr))

	slog.Info("starting dispatch service",
		"port", cfg.APIPort,
		"run_mode", cfg.Behavior.RunMode,
		"source_type", cfg.Input.SourceType,
		"analyzer_mode", cfg.Analyzer.Mode,
		"connection_policy", cfg.Connection.Policy)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db := createDatabase(cfg)
	store := database.NewStore(db)

	writer, err := resultlog.NewWriter(cfg.Results.Directory, cfg.Results.JSONLFilename)
	if err != nil {
		log.Fatalf("Failed to create result log: %v", err)
	}

	var pm connection.ProjectController
	if cfg.ProjectManager.TCPEnabled {
		pm = protocol.NewController(cfg.ProjectManager.TCPHost, cfg.ProjectManager.TCPPort, pmCommandTimeout)
	}

	supervisor := connection.NewSupervisor(connection.Settings{
		Policy:            cfg.Connection.Policy,
		ReconnectAttempts: cfg.Connection.ReconnectAttempts,
		ReconnectDelay:    cfg.Connection.ReconnectDelay,
		ProjectPath:       cfg.ProjectPath,
		PMEnabled:         cfg.ProjectManager.TCPEnabled,
	}, analyzerFactory(cfg), pm)

	if !supervisor.Connect(ctx) {
		slog.Warn("analyzer not reachable at startup, health loop will keep retrying")
	}
	go supervisor.HealthLoop(ctx, cfg.Analyzer.HealthPing)

	queue := createQueue(cfg)
	defer queue.Close()

	opts := dispatch.RunnerOptions{Sink: store}
	if mirror := createMirror(ctx, cfg); mirror != nil {
		opts.Mirror = mirror
	}

	runner := dispatch.NewRunner(cfg, queue, supervisor, writer, opts)
	runner.Start()

	var lister *protocol.ProjectLister
	if cfg.ProjectManager.EnableHTTPList {
		lister = protocol.NewProjectLister(cfg.ProjectManager.HTTPBaseURL)
	}

	server := createServer(cfg, api.NewPipelineService(store, runner, supervisor, lister))

	// Goroutine for graceful shutdown
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		slog.Info("shutting down server")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Fatalf("Server forced to shutdown: %v", err)
		}

		slog.Info("shutting down pipeline")
		runner.Stop()
		supervisor.Disconnect(shutdownCtx)
		cancel()
	}()

	slog.Info("listening for api requests", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Server error: %v", err)
	}

	slog.Info("dispatch service stopped")
}
