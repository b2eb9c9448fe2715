package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/fetcharr/fetcharr/internal/config"
	"github.com/fetcharr/fetcharr/internal/db"
	"github.com/fetcharr/fetcharr/internal/events"
	"github.com/fetcharr/fetcharr/internal/extractor"
	"github.com/fetcharr/fetcharr/internal/jobs"
	"github.com/fetcharr/fetcharr/internal/mediaserver"
	"github.com/fetcharr/fetcharr/internal/naming"
	"github.com/fetcharr/fetcharr/internal/repository"
	"github.com/fetcharr/fetcharr/internal/retention"
	"github.com/fetcharr/fetcharr/internal/scheduler"
	"github.com/fetcharr/fetcharr/internal/version"
)

func main() {
	ver := version.Load()
	log.Printf("fetcharr %s starting...", ver.Version)

	cfg := config.Load()

	database, err := db.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer database.Close()

	if err := db.Migrate(database.DB); err != nil {
		log.Fatalf("migration failed: %v", err)
	}
	cfg.MergeFromDB(database.DB)

	repos := jobs.Repos{
		Sources:  repository.NewSourceRepository(database.DB),
		Media:    repository.NewMediaRepository(database.DB, cfg.DownloadRoot),
		Metadata: repository.NewMetadataRepository(database.DB),
		Servers:  repository.NewMediaServerRepository(database.DB),
		Locks:    repository.NewLockRepository(database.DB),
	}
	tasks := repository.NewTaskRepository(database.DB)

	engine := naming.NewEngine(cfg.DownloadRoot, cfg.AudioDirName, cfg.VideoDirName, cfg.DefaultMediaFormat)
	ex := extractor.New(cfg.YTDLPPath, cfg.CacheDir)
	ret := retention.NewService(repos.Sources, repos.Media, repos.Metadata, engine)
	servers := mediaserver.NewRegistry()
	hub := events.NewHub()

	queue := jobs.NewQueue(cfg.RedisAddr, map[string]int{
		jobs.QueueDB:    cfg.WorkersDB,
		jobs.QueueFS:    cfg.WorkersFS,
		jobs.QueueNet:   cfg.WorkersNet,
		jobs.QueueLimit: cfg.WorkersLimit,
	}, tasks)
	jobs.RegisterHandlers(queue, repos, ex, engine, servers, ret, cfg, hub)
	if err := queue.Start(); err != nil {
		log.Fatalf("queue start failed: %v", err)
	}

	sched := scheduler.New(queue, repos, tasks, ret, cfg)
	if err := sched.Start(); err != nil {
		log.Fatalf("scheduler start failed: %v", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", hub)
	httpServer := &http.Server{
		Addr:        ":" + strconv.Itoa(cfg.Port),
		Handler:     mux,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
	go func() {
		log.Printf("event hub listening on :%d", cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("shutting down...")
	sched.Stop()
	queue.Stop()
	repos.Locks.ReleaseAll()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	httpServer.Shutdown(ctx)
}
