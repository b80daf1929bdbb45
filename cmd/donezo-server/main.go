package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"

	"github.com/capitabee/donezo-sub000/internal/api"
	"github.com/capitabee/donezo-sub000/internal/bootstrap"
	"github.com/capitabee/donezo-sub000/internal/observability"
)

func main() {
	shutdownTracing, err := observability.InitTracingFromEnv("donezo-server")
	if err != nil {
		log.Printf("main: tracing init err=%v; continuing without traces", err)
	}

	platform, err := bootstrap.NewPlatformFromEnv()
	if err != nil {
		log.Fatalf("main: bootstrap failed err=%v", err)
	}
	defer platform.Close()

	server := api.NewServer(api.Config{
		Store:     platform.Store,
		Queue:     platform.Queue,
		Sessions:  platform.Sessions,
		Artifacts: platform.Artifacts,
	})

	addr := getenv("DONEZO_LISTEN_ADDR", ":8080")
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("main: listening addr=%s", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("main: serve err=%v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("main: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("main: shutdown err=%v", err)
	}
	if shutdownTracing != nil {
		if err := shutdownTracing(shutdownCtx); err != nil {
			log.Printf("main: tracing shutdown err=%v", err)
		}
	}
}

func getenv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}
