package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/user/secret-sync-lite/internal/config"
	"github.com/user/secret-sync-lite/internal/events"
	"github.com/user/secret-sync-lite/internal/filestore"
	"github.com/user/secret-sync-lite/internal/gitprovider"
	"github.com/user/secret-sync-lite/internal/interfaces"
	"github.com/user/secret-sync-lite/internal/kubestore"
	"github.com/user/secret-sync-lite/internal/reconciler"
	"github.com/user/secret-sync-lite/internal/scheduler"
	"github.com/user/secret-sync-lite/internal/server"
)

const baseRepoPath = "/tmp/secret-sync-lite-repos" // Base directory for git provider clones

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile | log.Lmicroseconds)
	log.Println("Starting secret-sync-lite...")

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Error loading configuration: %v", err)
	}

	specsFile, err := config.LoadSpecsFile(cfg.SpecsFile)
	if err != nil {
		log.Fatalf("Error loading specs file: %v", err)
	}
	log.Printf("Loaded %d provider(s) and %d spec(s) from %s", len(specsFile.Providers), len(specsFile.Specs), cfg.SpecsFile)

	store, err := buildStore(cfg)
	if err != nil {
		log.Fatalf("Error initializing secret store: %v", err)
	}
	log.Printf("Secret store initialized (backend: %s).", cfg.StoreBackend)

	providers, err := buildProviders(specsFile.Providers)
	if err != nil {
		log.Fatalf("Error initializing providers: %v", err)
	}

	rec := reconciler.New(reconciler.Options{
		Providers: providers,
		Store:     store,
		Sink:      events.LogSink{},
		Backoff: reconciler.Backoff{
			Base:           time.Duration(cfg.BackoffBaseSeconds) * time.Second,
			Cap:            time.Duration(cfg.BackoffCapSeconds) * time.Second,
			JitterFraction: cfg.BackoffJitterFraction,
		},
		FailureCeiling: cfg.FailureCeiling,
		FetchTimeout:   time.Duration(cfg.FetchTimeoutSeconds) * time.Second,
		DefaultRefresh: time.Duration(cfg.DefaultRefreshIntervalSeconds) * time.Second,
	})
	log.Println("Reconciler initialized.")

	sched := scheduler.NewScheduler(rec, cfg.Workers)
	sched.Start()

	// Register the declaratively configured specs and schedule their first
	// tick immediately.
	for _, spec := range specsFile.Specs {
		if spec.ID == "" {
			spec.ID = uuid.NewString()
		}
		if _, err := rec.Register(spec); err != nil {
			log.Printf("Error registering spec for target %s/%s: %v", spec.Namespace, spec.Name, err)
			continue
		}
		sched.Schedule(spec.ID, time.Now())
	}

	httpServer := server.NewServer(rec, sched)
	go func() {
		if err := httpServer.Start(cfg.ListenAddress); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Could not start HTTP server: %v", err)
		}
	}()

	log.Println("Application started. Press Ctrl+C to exit.")
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down application...")
	sched.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Stop(ctx); err != nil {
		log.Printf("Error shutting down HTTP server: %v", err)
	}
	log.Println("Application shut down successfully.")
}

// buildStore picks the secret store backend from configuration.
func buildStore(cfg *config.Config) (interfaces.SecretStore, error) {
	switch cfg.StoreBackend {
	case "file":
		return filestore.NewFileStore(cfg.FileStorePath, nil)
	default:
		return kubestore.NewKubeStore(cfg.KubeconfigPath, nil)
	}
}

// buildProviders instantiates every declared provider, each git provider
// cloning under its own directory.
func buildProviders(configs []config.ProviderConfig) (map[string]interfaces.SecretProvider, error) {
	if err := os.MkdirAll(baseRepoPath, 0750); err != nil && !os.IsExist(err) {
		log.Printf("Warning: Could not create base repository path %s: %v", baseRepoPath, err)
	}

	providers := make(map[string]interfaces.SecretProvider, len(configs))
	for _, pc := range configs {
		localPath := pc.LocalPath
		if localPath == "" {
			localPath = filepath.Join(baseRepoPath, pc.Name)
		}
		provider, err := gitprovider.NewGitProvider(pc.RepoURL, pc.Branch, localPath)
		if err != nil {
			return nil, err
		}
		providers[pc.Name] = provider
	}
	return providers, nil
}
