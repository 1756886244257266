// Package server wires configuration into a running archive server.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/cosilico/ingest/internal/api"
	"github.com/cosilico/ingest/internal/cache"
	"github.com/cosilico/ingest/internal/catalog"
	"github.com/cosilico/ingest/internal/config"
	"github.com/cosilico/ingest/internal/service"
	"github.com/cosilico/ingest/internal/storage"
)

// Server owns the components behind the HTTP router.
type Server struct {
	http     *http.Server
	cache    *cache.Manager
	archives *service.ArchiveService
	catalog  *catalog.Store
	log      *zap.Logger
}

// New initializes every component named by cfg. The catalog is opened only
// when its database path is set.
func New(cfg *config.Config, log *zap.Logger) (*Server, error) {
	if log == nil {
		log = zap.NewNop()
	}
	store, err := storage.NewFileStore(cfg.Server.ArchiveDir)
	if err != nil {
		return nil, err
	}

	cacheManager, err := cache.NewManager(cfg.Cache.CacheManagerConfig())
	if err != nil {
		return nil, errors.Wrap(err, "failed to initialize cache")
	}

	archives, err := service.NewArchiveService(service.ArchiveServiceConfig{
		Store:        store,
		Cache:        cacheManager,
		OpenArchives: cfg.Cache.OpenArchives,
		Logger:       log,
	})
	if err != nil {
		cacheManager.Close()
		return nil, err
	}

	var cat *catalog.Store
	if cfg.Catalog.Path != "" {
		if cat, err = catalog.NewStore(cfg.Catalog.Path); err != nil {
			archives.Close()
			cacheManager.Close()
			return nil, err
		}
	}

	router := api.NewRouter(api.RouterConfig{
		Archives:       archives,
		Store:          store,
		Catalog:        cat,
		CORSOrigins:    cfg.Server.CORSOrigins,
		MaxUploadBytes: int64(cfg.Server.MaxUploadMB) << 20,
		Logger:         log,
	})

	return &Server{
		http: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:      router,
			ReadTimeout:  5 * time.Minute,
			WriteTimeout: 5 * time.Minute,
			IdleTimeout:  120 * time.Second,
		},
		cache:    cacheManager,
		archives: archives,
		catalog:  cat,
		log:      log,
	}, nil
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	defer s.close()

	errc := make(chan error, 1)
	go func() {
		s.log.Info("server listening", zap.String("addr", s.http.Addr))
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		if err != nil {
			return errors.Wrap(err, "server failed")
		}
		return nil
	case <-ctx.Done():
	}

	s.log.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		s.log.Warn("server forced to shutdown", zap.Error(err))
	}
	s.log.Info("server stopped")
	return nil
}

func (s *Server) close() {
	s.archives.Close()
	s.cache.Close()
	if s.catalog != nil {
		s.catalog.Close()
	}
}
