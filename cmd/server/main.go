package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"inference-bridge/internal/api"
	"inference-bridge/internal/auth"
	"inference-bridge/internal/chunkstore"
	"inference-bridge/internal/config"
	"inference-bridge/internal/database"
	"inference-bridge/internal/dispatcher"
	"inference-bridge/internal/jobstore"
	"inference-bridge/internal/livefeed"
	"inference-bridge/internal/ratelimit"
	"inference-bridge/internal/registry"
	"inference-bridge/internal/tokens"
)

func main() {
	cfg := config.FromEnv()

	// Open database
	db, err := database.New(cfg.DBPath)
	if err != nil {
		log.Fatal("Failed to open database:", err)
	}
	defer db.Close()

	if err := db.InitSchema(); err != nil {
		log.Fatal("Failed to initialize database:", err)
	}
	log.Println("[INIT] Database initialized")

	// Build the dispatcher core
	jobs := jobstore.New(db)
	workers := registry.New(db, cfg.ResponseTimeAlpha, cfg.SuccessRateAlpha, cfg.StalenessWindow)
	limiter := ratelimit.New(db)
	chunks := chunkstore.New(db)
	authStore := auth.New(db)
	feed := livefeed.New(jobs, workers, cfg.DashboardRecents)

	d := dispatcher.New(cfg, jobs, workers, limiter, chunks, tokens.Heuristic{}, feed.Broadcast)

	// Optional bootstrap credential: key:user:tier
	if v := os.Getenv("BRIDGE_BOOTSTRAP_KEY"); v != "" {
		parts := strings.SplitN(v, ":", 3)
		if len(parts) == 3 {
			if err := authStore.CreateKey(parts[0], parts[1], parts[2]); err != nil {
				log.Fatal("Failed to create bootstrap key:", err)
			}
			log.Printf("[INIT] Bootstrap key created for user %s (%s)", parts[1], parts[2])
		}
	}

	// Start maintenance sweeps
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.RunSweeps(ctx)

	// Create API server
	apiServer := api.NewServer(d, jobs, workers, authStore, feed)

	mux := http.NewServeMux()
	apiServer.SetupRoutes(mux)

	log.Printf("[INIT] Server starting on %s", cfg.ListenAddr)
	log.Fatal(http.ListenAndServe(cfg.ListenAddr, mux))
}
