// cmd/upload-client/main.go
package main

import (
	"context"
	"flag"
	"os"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/rs/zerolog"

	"github.com/Gammanik/resumable-upload/internal/client"
)

var (
	serverURL   = flag.String("server", envOr("UPLOAD_SERVER_URL", "http://localhost:8080"), "Upload server base URL")
	filePath    = flag.String("file", "", "Path of the file to upload")
	chunkSize   = flag.Int64("chunk-size", client.DefaultChunkSize, "Chunk size in bytes")
	concurrency = flag.Int("concurrency", client.DefaultConcurrency, "Max chunk transfers in flight")
	debug       = flag.Bool("debug", false, "Enable debug logging")
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

	if *filePath == "" {
		log.Fatal().Msg("-file is required")
	}

	done := make(chan error, 1)

	uploader := client.New(client.NewHTTPTransport(*serverURL), client.Config{
		FilePath:    *filePath,
		ChunkSize:   *chunkSize,
		Concurrency: *concurrency,
		OnProgress: func(percent int) {
			log.Info().Int("percent", percent).Msg("upload progress")
		},
		OnSuccess: func(archivePath string) {
			log.Info().Str("path", archivePath).Msg("upload finished")
			done <- nil
		},
		OnError: func(err error) {
			done <- err
		},
	})
	uploader.SetLogger(log)

	if err := uploader.Start(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("failed to start upload")
	}

	if err := <-done; err != nil {
		log.Fatal().Err(err).Msg("upload failed")
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
