// Package api is the thin HTTP read surface: droplet totals, the
// leaderboard, day aggregates, health, and a JWT-protected admin area for
// re-driving jobs and running the reconciliation validator.
package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"dropletindex/internal/chain"
	"dropletindex/internal/config"
	"dropletindex/internal/ingester"
	"dropletindex/internal/oracle"
	"dropletindex/internal/repository"
	"dropletindex/internal/snapshot"
)

type Server struct {
	repo       *repository.Repository
	reg        *config.Registry
	oracle     *oracle.Service
	chains     *chain.Manager
	engine     *snapshot.Engine
	reconciler *ingester.Reconciler
	httpServer *http.Server

	adminKey  string
	jwtSecret []byte
	limiter   *visitorLimiter

	healthCache struct {
		mu        sync.Mutex
		payload   []byte
		expiresAt time.Time
	}
	tipCache struct {
		mu        sync.Mutex
		tips      map[string]uint64
		updatedAt time.Time
	}
}

func NewServer(repo *repository.Repository, reg *config.Registry, orc *oracle.Service,
	chains *chain.Manager, engine *snapshot.Engine, reconciler *ingester.Reconciler, port string) *Server {

	s := &Server{
		repo:       repo,
		reg:        reg,
		oracle:     orc,
		chains:     chains,
		engine:     engine,
		reconciler: reconciler,
		adminKey:   config.GetEnv("ADMIN_API_KEY", ""),
		jwtSecret:  []byte(config.GetEnv("ADMIN_JWT_SECRET", "")),
		limiter:    newVisitorLimiter(),
	}
	s.tipCache.tips = map[string]uint64{}

	r := mux.NewRouter()
	r.Use(commonMiddleware)
	r.Use(s.rateLimit)

	r.HandleFunc("/health", s.handleHealth).Methods("GET", "OPTIONS")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	r.HandleFunc("/droplets/{address}", s.handleDroplets).Methods("GET", "OPTIONS")
	r.HandleFunc("/leaderboard", s.handleLeaderboard).Methods("GET", "OPTIONS")
	r.HandleFunc("/day/{date}", s.handleDaySnapshot).Methods("GET", "OPTIONS")

	r.HandleFunc("/admin/login", s.handleAdminLogin).Methods("POST", "OPTIONS")
	admin := r.PathPrefix("/admin").Subrouter()
	admin.Use(s.adminMiddleware)
	admin.HandleFunc("/jobs/{date}/rerun", s.handleAdminRerun).Methods("POST", "OPTIONS")
	admin.HandleFunc("/validate", s.handleAdminValidate).Methods("POST", "OPTIONS")

	s.httpServer = &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	return s
}

func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func commonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
