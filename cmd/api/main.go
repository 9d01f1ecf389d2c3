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

	"github.com/joho/godotenv"

	"github.com/uzdabrazor/chatparty/internal/config"
	"github.com/uzdabrazor/chatparty/internal/handler"
	"github.com/uzdabrazor/chatparty/internal/relay"
	"github.com/uzdabrazor/chatparty/internal/service/ai"
	"github.com/uzdabrazor/chatparty/internal/service/driver"
	"github.com/uzdabrazor/chatparty/internal/service/history"
	"github.com/uzdabrazor/chatparty/internal/service/retrieval"
	"github.com/uzdabrazor/chatparty/internal/session"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("warning: failed to load .env file: %v", err)
		log.Println("continuing with system environment variables only")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	sessions := session.NewStore(cfg.Auth.SessionTTL)
	if cfg.Auth.Required() {
		log.Println("password authentication enabled")
	} else {
		log.Println("password authentication disabled, sessions are open")
	}

	registry := relay.NewRegistry(relay.Options{
		QueueSize:  cfg.Relay.QueueSize,
		MaxAckGap:  cfg.Relay.MaxAckGap,
		AckTimeout: cfg.Relay.AckTimeout,
	})
	relayRouter := relay.NewRouter(registry)
	sender := relay.NewSender(relayRouter)
	transcript := history.NewService()

	// Retrieval backend is optional; without it the assistant answers from
	// chat history alone.
	var retriever driver.Retriever
	if cfg.Retrieval.Enabled() {
		retriever = retrieval.NewClient(cfg.Retrieval.URL, cfg.Retrieval.Timeout, cfg.Retrieval.MaxSnippets)
		log.Printf("retrieval backend configured at %s", cfg.Retrieval.URL)
	} else {
		log.Println("retrieval backend not configured, skipping context lookup")
	}

	// Initialize AI service
	var completer driver.Completer
	if cfg.AI.Enabled() {
		aiService, err := ai.NewService(ctx, cfg.AI, cfg.Assistant)
		if err != nil {
			log.Printf("warning: failed to initialize AI service: %v", err)
			log.Println("continuing without AI functionality")
		} else {
			completer = aiService
			log.Println("AI service initialized successfully")
		}
	} else {
		log.Println("model credentials not configured, skipping AI initialization")
	}

	drv := driver.New(ctx, relayRouter, sender, transcript, retriever, completer, cfg.Assistant)
	defer drv.Shutdown()
	defer registry.CloseAll()

	router := handler.NewRouter(cfg, sessions, registry, sender, drv, transcript)

	startServer(ctx, cfg.Server, router)
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler) {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Printf("chatparty relay listening on %s", addr)
	if err := runServer(ctx, srv); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
