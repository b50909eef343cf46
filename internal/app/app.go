package app

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/labsync/server/internal/controller"
	"github.com/labsync/server/internal/repository/connection/inmemory"
	presenceRedis "github.com/labsync/server/internal/repository/presence/redis"
	"github.com/labsync/server/internal/service/room"
	"github.com/labsync/server/pkg/ctxlogger"
	"github.com/labsync/server/pkg/redisclient"
	"github.com/redis/go-redis/v9"
)

type AppConfig struct {
	Secret        string        `json:"-"`
	Host          string        `json:"host"`
	Port          int           `json:"port"`
	MembersLimit  int           `json:"members_limit"`
	PresenceTTL   time.Duration `json:"presence_ttl"`
	PingInterval  time.Duration `json:"ping_interval"`
	LogLevel      string        `json:"log_level"`
	RedisPort     int           `json:"redis_port"`
	RedisHost     string        `json:"redis_host"`
	RedisPassword string        `json:"-"`
}

func (cfg *AppConfig) Validate() error {
	return validation.ValidateStruct(cfg,
		validation.Field(&cfg.Host, is.Host),
		validation.Field(&cfg.Port, validation.Min(0), validation.Max(65535)),
		validation.Field(&cfg.MembersLimit, validation.Required, validation.Min(1)),
		validation.Field(&cfg.PingInterval, validation.Required, validation.Min(time.Second)),
		// live connections refresh presence on every pong
		validation.Field(&cfg.PresenceTTL, validation.Required, validation.Min(cfg.pongWait()).Exclusive()),
		validation.Field(&cfg.LogLevel, validation.In("DEBUG", "INFO", "WARN", "ERROR")),
		validation.Field(&cfg.RedisHost, is.Host),
		validation.Field(&cfg.RedisPort, validation.Min(0), validation.Max(65535)),
	)
}

func (cfg *AppConfig) pongWait() time.Duration {
	return cfg.PingInterval * 2
}

// newHandler wires the repositories, the room service and the controller.
// The returned func stops the room subscriptions.
func newHandler(rc *redis.Client, cfg *AppConfig, logger *slog.Logger) (http.Handler, func()) {
	presenceRepo := presenceRedis.NewRepo(rc, cfg.PresenceTTL, logger)
	connectionRepo := inmemory.NewRepo(logger)
	roomService := room.NewService(presenceRepo, connectionRepo, &room.Config{
		MembersLimit: cfg.MembersLimit,
		Secret:       cfg.Secret,
	}, logger)

	c := controller.NewController(roomService, logger, &controller.Config{
		PingInterval: cfg.PingInterval,
		PongWait:     cfg.pongWait(),
		WriteWait:    10 * time.Second,
	})

	return c.GetMux(), roomService.Close
}

func Run(ctx context.Context, cfg *AppConfig) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logLevel := slog.LevelInfo
	if err := logLevel.UnmarshalText([]byte(strings.ToUpper(cfg.LogLevel))); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}

	h := ctxlogger.ContextHandler{
		Handler: slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level:     logLevel,
			AddSource: true,
		}),
	}

	logger := slog.New(&h)

	rc, err := redisclient.NewRedisClient(ctx, &redisclient.Config{
		Port:     cfg.RedisPort,
		Host:     cfg.RedisHost,
		Password: cfg.RedisPassword,
	})
	if err != nil {
		return fmt.Errorf("failed to create redis client: %w", err)
	}
	defer rc.Close()

	handler, stop := newHandler(rc, cfg, logger)
	defer stop()

	server := &http.Server{Addr: fmt.Sprintf("%s:%d", cfg.Host, cfg.Port), Handler: handler}

	// graceful shutdown
	serverCtx, serverStopCtx := context.WithCancel(ctx)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	go func() {
		<-sig

		shutdownCtx, c := context.WithTimeout(serverCtx, 30*time.Second)
		defer c()

		go func() {
			<-shutdownCtx.Done()
			if shutdownCtx.Err() == context.DeadlineExceeded {
				log.Fatal("graceful shutdown timed out.. forcing exit.")
			}
		}()

		err := server.Shutdown(shutdownCtx)
		if err != nil {
			log.Fatal(err)
		}
		serverStopCtx()
	}()

	logger.InfoContext(serverCtx, "starting server", "address", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}

	<-serverCtx.Done()

	return nil
}
