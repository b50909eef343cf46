// Command labpeer joins a lab room as a scripted participant. It wanders
// around the room and periodically logs who else is there.
package main

import (
	"context"
	"log"
	"log/slog"
	"math/rand/v2"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/labsync/server/pkg/collab"
	"github.com/labsync/server/pkg/ctxlogger"
	"github.com/labsync/server/pkg/identity"
)

type configVar[T any] struct {
	envKey       string
	flagKey      string
	defaultValue T
}

var (
	hubURL = configVar[string]{
		envKey:       "LABPEER_HUB_URL",
		flagKey:      "hub-url",
		defaultValue: "http://localhost:80",
	}
	roomId = configVar[string]{
		envKey:       "LABPEER_ROOM",
		flagKey:      "room",
		defaultValue: "",
	}
	userId = configVar[string]{
		envKey:       "LABPEER_ID",
		flagKey:      "id",
		defaultValue: "",
	}
	name = configVar[string]{
		envKey:       "LABPEER_NAME",
		flagKey:      "name",
		defaultValue: collab.DefaultName,
	}
	secret = configVar[string]{
		envKey:       "LABPEER_SECRET",
		flagKey:      "secret",
		defaultValue: "",
	}
	interval = configVar[time.Duration]{
		envKey:       "LABPEER_INTERVAL",
		flagKey:      "interval",
		defaultValue: 100 * time.Millisecond,
	}
	logLevel = configVar[string]{
		envKey:       "LABPEER_LOG_LEVEL",
		flagKey:      "log-level",
		defaultValue: "INFO",
	}
)

type config struct {
	HubURL   string
	RoomId   string
	UserId   string
	Name     string
	Secret   string
	Interval time.Duration
	LogLevel string
}

func loadConfig() *config {
	pflag.String(hubURL.flagKey, hubURL.defaultValue, "Presence hub base url")
	pflag.String(roomId.flagKey, roomId.defaultValue, "Room to join")
	pflag.String(userId.flagKey, userId.defaultValue, "Participant id")
	pflag.String(name.flagKey, name.defaultValue, "Display name")
	pflag.String(secret.flagKey, secret.defaultValue, "Hub secret used to mint an identity token")
	pflag.Duration(interval.flagKey, interval.defaultValue, "Interval between position broadcasts")
	pflag.String(logLevel.flagKey, logLevel.defaultValue, "Logging level")
	pflag.Parse()

	viper.BindPFlags(pflag.CommandLine)

	for _, v := range []configVar[string]{hubURL, roomId, userId, name, secret, logLevel} {
		viper.BindEnv(v.flagKey, v.envKey)
		viper.SetDefault(v.flagKey, v.defaultValue)
	}
	viper.BindEnv(interval.flagKey, interval.envKey)
	viper.SetDefault(interval.flagKey, interval.defaultValue)

	return &config{
		HubURL:   viper.GetString(hubURL.flagKey),
		RoomId:   viper.GetString(roomId.flagKey),
		UserId:   viper.GetString(userId.flagKey),
		Name:     viper.GetString(name.flagKey),
		Secret:   viper.GetString(secret.flagKey),
		Interval: viper.GetDuration(interval.flagKey),
		LogLevel: viper.GetString(logLevel.flagKey),
	}
}

func main() {
	cfg := loadConfig()

	level := slog.LevelInfo
	if err := level.UnmarshalText([]byte(strings.ToUpper(cfg.LogLevel))); err != nil {
		log.Fatal(err)
	}
	logger := slog.New(ctxlogger.ContextHandler{
		Handler: slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}),
	})

	if cfg.RoomId == "" || cfg.UserId == "" {
		log.Fatal("--room and --id are required")
	}

	var opts []collab.WSOption
	opts = append(opts, collab.WithTransportLogger(logger))
	if cfg.Secret != "" {
		token, err := identity.Issue(cfg.Secret, cfg.UserId, cfg.Name, 24*time.Hour)
		if err != nil {
			log.Fatal(err)
		}
		opts = append(opts, collab.WithToken(token))
	}

	synchronizer, err := collab.New(
		collab.NewWSTransport(cfg.HubURL, opts...),
		collab.Config{RoomId: cfg.RoomId, LocalId: cfg.UserId, LocalName: cfg.Name},
		collab.WithLogger(logger),
		collab.WithOrderedPositions(),
	)
	if err != nil {
		log.Fatal(err)
	}
	defer synchronizer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ctx = ctxlogger.AppendCtx(ctx, slog.String("room_id", cfg.RoomId))
	logger.InfoContext(ctx, "joining room", "id", cfg.UserId, "color", synchronizer.Color())

	move := time.NewTicker(cfg.Interval)
	defer move.Stop()
	report := time.NewTicker(5 * time.Second)
	defer report.Stop()

	var pos collab.Position
	for {
		select {
		case <-ctx.Done():
			logger.InfoContext(ctx, "leaving room")
			return
		case <-move.C:
			pos = step(pos)
			synchronizer.BroadcastPosition(pos.X, pos.Y, pos.Z)
		case <-report.C:
			peers := synchronizer.Peers()
			attrs := make([]any, 0, len(peers))
			for id, p := range peers {
				attrs = append(attrs, slog.Group(id,
					"name", p.Name,
					"x", p.Position.X,
					"y", p.Position.Y,
					"z", p.Position.Z,
				))
			}
			logger.InfoContext(ctx, "peers",
				append([]any{"connected", synchronizer.Connected(), "count", len(peers)}, attrs...)...,
			)
		}
	}
}

// step moves pos a little on the floor plane, staying inside a 10x10 room.
func step(pos collab.Position) collab.Position {
	clamp := func(v float64) float64 {
		return max(-5, min(5, v))
	}

	pos.X = clamp(pos.X + rand.Float64() - 0.5)
	pos.Z = clamp(pos.Z + rand.Float64() - 0.5)

	return pos
}
