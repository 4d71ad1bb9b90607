package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"chatwire/internal/api"
	"chatwire/internal/config"
	"chatwire/internal/database"
	"chatwire/internal/server"
	"chatwire/internal/stats"
	"chatwire/internal/unread"
)

var (
	addr           string
	dsn            string
	redisAddr      string
	signingKey     string
	allowedOrigins string
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	// .env is optional, flags and real env vars win
	_ = godotenv.Load()

	flag.StringVar(&addr, "addr", envOr("CHATWIRE_ADDR", "localhost:8000"), "server address")
	flag.StringVar(&dsn, "dsn", envOr("CHATWIRE_DSN",
		"host=localhost user=postgres password=postgres dbname=postgres sslmode=disable"), "database connection string")
	flag.StringVar(&redisAddr, "redis-addr", envOr("CHATWIRE_REDIS_ADDR", "localhost:6379"), "redis address")
	flag.StringVar(&signingKey, "signing-key", os.Getenv("CHATWIRE_SIGNING_KEY"), "base64 encoded signing key")
	flag.StringVar(&allowedOrigins, "allowed-origins", envOr("CHATWIRE_ALLOWED_ORIGINS", "http://localhost:3000"),
		"comma-separated list of allowed origins for CORS")
	flag.Parse()

	logger := log.New(os.Stderr, "[chatwire] ", log.LstdFlags)

	cfg, err := config.NewConfig(addr, dsn, redisAddr, signingKey, allowedOrigins)
	if err != nil {
		logger.Fatal("config:", err)
	}

	dbConn, err := database.NewPgChatRepository(cfg.DatabaseDSN)
	if err != nil {
		logger.Fatal("db open:", err)
	}
	defer func() {
		if err := dbConn.Close(); err != nil {
			logger.Fatal("db close:", err)
		}
	}()

	counterStore, err := unread.NewRedisCounterStore(cfg.RedisAddr)
	if err != nil {
		logger.Fatal("redis:", err)
	}
	defer func() {
		if err := counterStore.Close(); err != nil {
			logger.Println("redis close:", err)
		}
	}()

	mux := http.NewServeMux()

	statsUpdater := stats.NewStatsUpdater(mux)

	chatServer, err := server.NewChatServer(logger, dbConn, counterStore, statsUpdater)
	if err != nil {
		logger.Fatal("new chat server:", err)
	}

	srv := api.NewChatApp(mux, logger, chatServer, dbConn, counterStore, statsUpdater, cfg)

	statsUpdater.Run()
	defer statsUpdater.Stop()

	go chatServer.Run()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Printf("received signal: %s\n", sig)
	case err := <-errCh:
		logger.Println("server:", err)
	}

	shutDownCtx, cancel := context.WithTimeout(
		context.Background(),
		10*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutDownCtx); err != nil {
		logger.Fatalln("HTTP server shutdown:", err)
	}

	logger.Println("shutting down chat server...")
	if err := chatServer.Shutdown(shutDownCtx); err != nil {
		logger.Fatalln("chat server shutdown:", err)
	}

	logger.Println("shutdown complete")
}
