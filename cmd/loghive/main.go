package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/loghive/loghive/internal/engine"
	"github.com/loghive/loghive/internal/meta"
	"github.com/loghive/loghive/internal/pkg/security"
	"github.com/loghive/loghive/internal/registry"
	"github.com/loghive/loghive/internal/server"
	"github.com/loghive/loghive/internal/storage"
)

func main() {
	// Command-line flags
	port := flag.Int("port", 8088, "HTTP port to listen on")
	retentionStr := flag.String("retention", "168h", "Data retention duration (e.g. 72h)")
	dataDir := flag.String("data", "./data", "Directory to store .hive files")
	maxTableMB := flag.Int64("max-table-mb", 64, "MemTable size threshold in MB before flush")
	metaPath := flag.String("meta", "", "Path to the encrypted metadata file (default <data>/meta.db)")
	keyPath := flag.String("key", "", "Path to the master key file (default <data>/master.key)")
	flag.Parse()

	retention, err := time.ParseDuration(*retentionStr)
	if err != nil {
		log.Fatalf("Invalid retention duration: %v", err)
	}

	if *metaPath == "" {
		*metaPath = filepath.Join(*dataDir, "meta.db")
	}
	if *keyPath == "" {
		*keyPath = filepath.Join(*dataDir, "master.key")
	}

	log.Println("LogHive Server Started...")

	if err := os.MkdirAll(*dataDir, 0755); err != nil {
		log.Fatalf("Failed to create data directory: %v", err)
	}

	// 1. Master key and encrypted metadata
	generated, err := security.InitMasterKey(*keyPath)
	if err != nil {
		log.Fatalf("Failed to initialize master key: %v", err)
	}
	if generated {
		log.Printf("Generated new master key at %s", *keyPath)
	}

	metaStore := meta.NewStore(*metaPath)
	if err := metaStore.Load(); err != nil {
		log.Fatalf("Failed to load metadata store: %v", err)
	}

	// 2. Columnar snapshot codec
	reader, err := storage.NewColumnReader()
	if err != nil {
		log.Fatalf("Failed to create reader: %v", err)
	}
	writer, err := storage.NewColumnWriter()
	if err != nil {
		log.Fatalf("Failed to create writer: %v", err)
	}

	// 3. Storage engine with WAL replay
	store, err := engine.Open(*dataDir, reader.ReadSnapshot, writer.WriteSnapshot, retention)
	if err != nil {
		log.Fatalf("Failed to open storage engine: %v", err)
	}
	if *maxTableMB > 0 {
		store.MaxTableSize = *maxTableMB * 1024 * 1024
	}
	log.Printf("Storage engine open. Data: %s, Retention: %v", *dataDir, retention)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Background retention cleaner
	go store.RunCleaner(ctx, 1*time.Hour)

	// 4. Source registry with stale-source pruning
	reg := registry.NewStore()
	reg.StartCleanupLoop(ctx, 1*time.Minute, 5*time.Minute)

	// 5. HTTP server
	srv := server.NewIngestServer(store, metaStore, reg)
	addr := fmt.Sprintf(":%d", *port)

	go func() {
		log.Printf("Listening on %s", addr)
		if err := srv.Start(addr); err != nil {
			log.Printf("Server stopped: %v", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	sig := <-quit
	log.Printf("Received signal: %v. Shutting down...", sig)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}

	log.Println("Flushing memory to disk...")
	if err := store.Close(); err != nil {
		log.Printf("Final flush failed: %v", err)
	}

	log.Println("LogHive exited gracefully.")
}
