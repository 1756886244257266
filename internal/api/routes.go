// Package api provides HTTP handlers for the archive server.
package api

import (
	"encoding/json"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/cosilico/ingest/internal/archive"
	"github.com/cosilico/ingest/internal/catalog"
	"github.com/cosilico/ingest/internal/service"
	"github.com/cosilico/ingest/internal/storage"
)

// RouterConfig contains router configuration.
type RouterConfig struct {
	Archives *service.ArchiveService
	// Store holds the archive files served under /archives.
	Store *storage.FileStore
	// Catalog is optional; the experiment routes answer 404 without it.
	Catalog        *catalog.Store
	CORSOrigins    []string
	MaxUploadBytes int64
	Logger         *zap.Logger
}

// NewRouter creates a new HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5, "application/json"))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "HEAD", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Range"},
		ExposedHeaders:   []string{"Content-Length", "Content-Range", "X-Data-Type", "X-Tile-Size"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Raw archive blobs. PUT is what an http storage backend uploads to.
	r.Get("/archives/{key}", archiveDownloadHandler(cfg.Store, log))
	r.Head("/archives/{key}", archiveDownloadHandler(cfg.Store, log))
	r.Put("/archives/{key}", archiveUploadHandler(cfg.Store, cfg.Archives, cfg.MaxUploadBytes, log))

	r.Route("/api", func(r chi.Router) {
		r.Get("/experiments", experimentsHandler(cfg.Catalog, log))
		r.Get("/experiments/{id}", experimentHandler(cfg.Catalog, log))

		r.Route("/archives/{id}", func(r chi.Router) {
			r.Get("/", archiveInfoHandler(cfg.Archives, log))
			r.Get("/images/{res}/{x}/{y}", imageTileHandler(cfg.Archives, log))
			r.Get("/layers/{res}/{x}/{y}", layerTileHandler(cfg.Archives, log))
			r.Get("/metadata/{res}", metadataHandler(cfg.Archives, log))
		})
	})

	return r
}

// writeError maps service errors onto status codes. Unexpected errors are
// logged and answered with a generic message.
func writeError(w http.ResponseWriter, log *zap.Logger, err error) {
	switch {
	case errors.Is(err, service.ErrNotFound), errors.Is(err, catalog.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, service.ErrBadRequest), errors.Is(err, storage.ErrInvalidKey):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		log.Error("request failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, data []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.Write(data)
}

// intParams parses the named URL params as non-negative integers.
func intParams(r *http.Request, names ...string) ([]int, bool) {
	out := make([]int, len(names))
	for i, name := range names {
		v, err := strconv.Atoi(chi.URLParam(r, name))
		if err != nil || v < 0 {
			return nil, false
		}
		out[i] = v
	}
	return out, true
}

// queryInt returns the query value of name, or def when absent.
func queryInt(r *http.Request, name string, def int) (int, bool) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return def, true
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return 0, false
	}
	return v, true
}

func archiveInfoHandler(svc *service.ArchiveService, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data, err := svc.Info(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, log, err)
			return
		}
		writeJSON(w, data)
	}
}

func imageTileHandler(svc *service.ArchiveService, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := intParams(r, "res", "x", "y")
		if !ok {
			http.Error(w, "invalid tile coordinates", http.StatusBadRequest)
			return
		}
		var plane [3]int
		for i, name := range []string{"t", "c", "z"} {
			if plane[i], ok = queryInt(r, name, 0); !ok {
				http.Error(w, "invalid "+name, http.StatusBadRequest)
				return
			}
		}
		tile, err := svc.ImageTile(chi.URLParam(r, "id"), p[0], p[1], p[2], plane[0], plane[1], plane[2])
		if err != nil {
			writeError(w, log, err)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Header().Set("X-Data-Type", string(tile.DataType))
		w.Header().Set("X-Tile-Size", strconv.Itoa(tile.TileSize))
		w.Write(tile.Data)
	}
}

func layerTileHandler(svc *service.ArchiveService, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := intParams(r, "res", "x", "y")
		if !ok {
			http.Error(w, "invalid tile coordinates", http.StatusBadRequest)
			return
		}
		group := -1
		if r.URL.Query().Has("group") {
			if group, ok = queryInt(r, "group", 0); !ok {
				http.Error(w, "invalid group", http.StatusBadRequest)
				return
			}
		}
		data, err := svc.LayerTile(chi.URLParam(r, "id"), p[0], int64(p[1]), int64(p[2]), group)
		if err != nil {
			writeError(w, log, err)
			return
		}
		writeJSON(w, data)
	}
}

func metadataHandler(svc *service.ArchiveService, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := intParams(r, "res")
		if !ok {
			http.Error(w, "invalid resolution", http.StatusBadRequest)
			return
		}
		tile := r.URL.Query().Get("tile")
		if tile != "" {
			if _, _, ok := service.ParseTile(tile); !ok {
				http.Error(w, "invalid tile", http.StatusBadRequest)
				return
			}
		}
		data, err := svc.Metadata(chi.URLParam(r, "id"), p[0], tile)
		if err != nil {
			writeError(w, log, err)
			return
		}
		writeJSON(w, data)
	}
}

func archiveDownloadHandler(store *storage.FileStore, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := chi.URLParam(r, "key")
		p, err := store.Path(key)
		if err != nil {
			writeError(w, log, err)
			return
		}
		f, err := os.Open(p)
		if err != nil {
			if os.IsNotExist(err) {
				http.Error(w, "archive not found: "+key, http.StatusNotFound)
				return
			}
			writeError(w, log, err)
			return
		}
		defer f.Close()
		info, err := f.Stat()
		if err != nil {
			writeError(w, log, err)
			return
		}
		w.Header().Set("Content-Type", "application/zip")
		http.ServeContent(w, r, key, info.ModTime(), f)
	}
}

func archiveUploadHandler(store *storage.FileStore, svc *service.ArchiveService, maxBytes int64, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := chi.URLParam(r, "key")
		if !strings.HasSuffix(key, archive.Ext) {
			http.Error(w, "archive keys end in "+archive.Ext, http.StatusBadRequest)
			return
		}
		body := r.Body
		if maxBytes > 0 {
			body = http.MaxBytesReader(w, r.Body, maxBytes)
		}
		size := r.ContentLength
		if err := store.Put(r.Context(), key, body, size); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				http.Error(w, "archive too large", http.StatusRequestEntityTooLarge)
				return
			}
			writeError(w, log, err)
			return
		}
		if svc != nil {
			svc.Forget(strings.TrimSuffix(key, archive.Ext))
		}
		log.Info("stored archive", zap.String("key", key), zap.Int64("size", size))
		w.WriteHeader(http.StatusOK)
	}
}

func experimentsHandler(cat *catalog.Store, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if cat == nil {
			http.Error(w, "no catalog configured", http.StatusNotFound)
			return
		}
		exps, err := cat.Experiments()
		if err != nil {
			writeError(w, log, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{"experiments": exps})
	}
}

func experimentHandler(cat *catalog.Store, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if cat == nil {
			http.Error(w, "no catalog configured", http.StatusNotFound)
			return
		}
		b, err := cat.LoadBundle(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, log, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(b)
	}
}
