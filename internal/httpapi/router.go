package httpapi

import (
	"context"
	"database/sql"
	"log"
	"net/http"

	"scribe/backend/internal/auth"
	"scribe/backend/internal/config"
	"scribe/backend/internal/session"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

func NewRouter(cfg config.Config, db *sql.DB) http.Handler {
	store := session.NewStore(db)
	verifier := auth.NewVerifier(cfg)

	var files fileObjectStore
	if cfg.GCSBucket != "" {
		gcsStore, err := newGCSObjectStore(context.Background(), cfg.GCSBucket)
		if err != nil {
			log.Printf("msg=\"gcs store unavailable, falling back to local storage\" error=%q", err)
		} else {
			files = gcsStore
		}
	}
	if files == nil {
		localStore, err := newLocalObjectStore(cfg.LocalUploadDir)
		if err != nil {
			log.Printf("msg=\"local store unavailable, attachments disabled\" error=%q", err)
		} else {
			files = localStore
		}
	}

	h := NewHandler(cfg, db, store, verifier, files)

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token", "X-Test-Email", "X-Test-Google-Sub"},
		ExposedHeaders:   []string{"Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", h.Healthz)

	r.Route("/v1", func(v1 chi.Router) {
		v1.Route("/auth", func(authR chi.Router) {
			authR.Post("/google", h.AuthGoogle)
			authR.With(h.RequireSession).Get("/me", h.AuthMe)
			authR.With(h.RequireSession).Post("/logout", h.AuthLogout)
		})

		v1.Group(func(p chi.Router) {
			p.Use(h.RequireSession)
			p.Get("/models", h.ListModels)
			p.Post("/models/sync", h.SyncModels)
			p.Post("/chat", h.Chat)
			p.Get("/chat/streams/{streamID}", h.ResumeStream)
			p.Get("/threads", h.ListThreads)
			p.Get("/threads/{threadID}/messages", h.ListThreadMessages)
			p.Delete("/threads/{threadID}", h.DeleteThread)
			p.Post("/files", h.UploadFile)
		})
	})

	return r
}
