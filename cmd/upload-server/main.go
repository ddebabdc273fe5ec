// cmd/upload-server/main.go
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/gorilla/mux"
	_ "github.com/joho/godotenv/autoload"
	"github.com/rs/zerolog"

	"github.com/Gammanik/resumable-upload/internal/api"
	"github.com/Gammanik/resumable-upload/internal/archive"
	"github.com/Gammanik/resumable-upload/internal/chunkstore"
	"github.com/Gammanik/resumable-upload/internal/coordinator"
	"github.com/Gammanik/resumable-upload/internal/session"
)

var (
	port          = flag.Int("port", 8080, "HTTP port to listen on")
	stagingDir    = flag.String("staging", envOr("UPLOAD_STAGING_DIR", "./data/staging"), "Directory for staged chunks")
	archiveDir    = flag.String("archive", envOr("UPLOAD_ARCHIVE_DIR", "./data/archive"), "Directory for archived files")
	indexPath     = flag.String("index", envOr("UPLOAD_INDEX_PATH", "./data/archive.db"), "Path to the archive index database")
	sweepEnabled  = flag.Bool("sweep", true, "Enable the orphaned-staging sweep job")
	sweepInterval = flag.Duration("sweep-interval", 10*time.Minute, "Interval between orphan sweeps")
	debug         = flag.Bool("debug", false, "Enable debug logging")
)

func main() {
	flag.Parse()

	level := zerolog.InfoLevel
	if *debug {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(level).
		With().Timestamp().Logger()

	for _, dir := range []string{*stagingDir, *archiveDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Fatal().Err(err).Str("dir", dir).Msg("failed to create data directory")
		}
	}

	arch, err := archive.Open(osfs.New(*archiveDir), *indexPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open archive")
	}
	defer arch.Close()

	registry := session.NewMemoryRegistry()
	store := chunkstore.New(osfs.New(*stagingDir))
	coord := coordinator.New(registry, store, arch, log)

	router := mux.NewRouter()
	handler := &api.UploadHandler{Coord: coord, Log: log}
	handler.Register(router)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *sweepEnabled {
		go runSweep(ctx, coord, *sweepInterval, log)
	}

	server := &http.Server{
		Addr:         ":" + strconv.Itoa(*port),
		Handler:      router,
		ReadTimeout:  300 * time.Second,
		WriteTimeout: 300 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	log.Info().Int("port", *port).Str("staging", *stagingDir).Str("archive", *archiveDir).
		Msg("upload server starting")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server failed")
	}
	log.Info().Msg("server stopped")
}

// runSweep periodically reconciles the staging root against the live session
// registry, removing staging areas left behind by crashed clients.
func runSweep(ctx context.Context, coord *coordinator.Coordinator, interval time.Duration, log zerolog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := coord.SweepOrphans(); err != nil {
				log.Warn().Err(err).Msg("orphan sweep failed")
			}
		}
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
