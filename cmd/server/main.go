package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/npezzotti/chat-relay/internal/api"
	"github.com/npezzotti/chat-relay/internal/config"
	"github.com/npezzotti/chat-relay/internal/server"
	"github.com/npezzotti/chat-relay/internal/stats"
	"github.com/npezzotti/chat-relay/internal/store"
	"github.com/npezzotti/chat-relay/internal/upload"
	"golang.org/x/time/rate"
)

const defaultSigningKey = "wT0phFUusHZIrDhL9bUKPUhwaxKhpi/SaI6PtgB+MgU="

type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSliceFlag) Set(value string) error {
	*s = append(*s, strings.Split(value, ",")...)
	return nil
}

func main() {
	var (
		f              config.Flags
		allowedOrigins stringSliceFlag
	)

	defaults := server.DefaultConfig()

	flag.StringVar(&f.ServerAddr, "addr", "localhost:3001", "server address")
	flag.StringVar(&f.SigningKey, "signing-key", defaultSigningKey, "base64 encoded key used to verify identity tokens")
	flag.Var(&allowedOrigins, "allowed-origins", "comma-separated list of allowed origins for CORS and websockets")
	flag.StringVar(&f.UploadDir, "upload-dir", "uploads", "directory uploaded files are stored in")
	flag.Int64Var(&f.MaxUploadSize, "max-upload-size", upload.DefaultMaxSize, "maximum size of an uploaded file in bytes")
	flag.StringVar(&f.AdminPasswordHash, "admin-password-hash", os.Getenv("CHAT_RELAY_ADMIN_HASH"), "bcrypt hash of the admin password; admin endpoints are disabled when empty")
	flag.BoolVar(&f.RequireIdentity, "require-identity", false, "reject websocket connections without an identity token")
	flag.IntVar(&f.RecentLimit, "recent-limit", defaults.RecentLimit, "number of recent messages sent when entering a room")
	flag.DurationVar(&f.TypingTimeout, "typing-timeout", defaults.TypingTimeout, "how long a typing indicator lasts without a refresh")
	flag.DurationVar(&f.EvictionDelay, "eviction-delay", defaults.EvictionDelay, "how long a disconnected user stays listed")
	flag.Float64Var(&f.RateLimit, "rate-limit", float64(defaults.RateLimit), "events per second allowed on each connection")
	flag.IntVar(&f.RateBurst, "rate-burst", defaults.RateBurst, "burst of events allowed on each connection")
	flag.Int64Var(&f.MaxMessageSize, "max-message-size", defaults.MaxMessageSize, "maximum size of a websocket frame in bytes")
	flag.DurationVar(&f.ShutdownTimeout, "shutdown-timeout", 10*time.Second, "time allowed for a graceful shutdown")
	flag.Parse()

	if len(allowedOrigins) == 0 {
		allowedOrigins = stringSliceFlag{"http://localhost:3000"}
	}
	f.AllowedOrigins = allowedOrigins

	logger := log.New(os.Stderr, "[chat-relay] ", log.LstdFlags)

	cfg, err := config.NewConfig(f)
	if err != nil {
		logger.Fatal("config: ", err)
	}

	mux := http.NewServeMux()

	statsUpdater := stats.NewStatsUpdater(mux)

	chatServer, err := server.NewChatServer(logger, statsUpdater, server.Config{
		RecentLimit:    cfg.RecentLimit,
		TypingTimeout:  cfg.TypingTimeout,
		EvictionDelay:  cfg.EvictionDelay,
		MaxMessageSize: cfg.MaxMessageSize,
		RateLimit:      rate.Limit(cfg.RateLimit),
		RateBurst:      cfg.RateBurst,
	})
	if err != nil {
		logger.Fatal("new chat server: ", err)
	}

	uploads, err := upload.NewStore(cfg.UploadDir, cfg.MaxUploadSize, logger)
	if err != nil {
		logger.Fatal("upload store: ", err)
	}

	app := api.NewChatRelayApp(mux, logger, chatServer, uploads, statsUpdater, cfg)

	statsUpdater.Run()
	go chatServer.Run()

	go func() {
		if err := app.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server: ", err)
		}
	}()

	logger.Printf("default rooms: %s", strings.Join(defaultRoomNames(chatServer), ", "))

	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		cfg.ShutdownTimeout,
		map[string]gfshutdown.Operation{
			"chat-relay": func(ctx context.Context) error {
				// stop accepting connections before the hub closes them
				if err := app.Shutdown(ctx); err != nil {
					return err
				}
				if err := chatServer.Shutdown(ctx); err != nil {
					return err
				}
				statsUpdater.Stop()
				return nil
			},
		},
	)

	exitCode := <-wait
	logger.Printf("shutdown complete with code %d", exitCode)
	os.Exit(exitCode)
}

func defaultRoomNames(cs *server.ChatServer) []string {
	var names []string
	for _, r := range cs.Rooms() {
		if store.IsDefaultRoom(r.Id) {
			names = append(names, r.Name)
		}
	}
	return names
}
