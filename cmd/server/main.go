package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/labsync/server/internal/app"
)

type configVar[T any] struct {
	envKey       string
	flagKey      string
	defaultValue T
}

var (
	secret = configVar[string]{
		envKey:       "SERVER_SECRET",
		flagKey:      "secret",
		defaultValue: "",
	}
	port = configVar[int]{
		envKey:       "SERVER_PORT",
		flagKey:      "port",
		defaultValue: 80,
	}
	host = configVar[string]{
		envKey:       "SERVER_HOST",
		flagKey:      "host",
		defaultValue: "0.0.0.0",
	}
	logLevel = configVar[string]{
		envKey:       "SERVER_LOG_LEVEL",
		flagKey:      "log-level",
		defaultValue: "INFO",
	}
	membersLimit = configVar[int]{
		envKey:       "SERVER_MEMBERS_LIMIT",
		flagKey:      "members-limit",
		defaultValue: 32,
	}
	presenceTTL = configVar[time.Duration]{
		envKey:       "SERVER_PRESENCE_TTL",
		flagKey:      "presence-ttl",
		defaultValue: 2 * time.Minute,
	}
	pingInterval = configVar[time.Duration]{
		envKey:       "SERVER_PING_INTERVAL",
		flagKey:      "ping-interval",
		defaultValue: 25 * time.Second,
	}
	redisPort = configVar[int]{
		envKey:       "REDIS_PORT",
		flagKey:      "redis-port",
		defaultValue: 6379,
	}
	redisHost = configVar[string]{
		envKey:       "REDIS_HOST",
		flagKey:      "redis-host",
		defaultValue: "localhost",
	}
	redisPassword = configVar[string]{
		envKey:       "REDIS_PASSWORD",
		flagKey:      "redis-password",
		defaultValue: "",
	}
)

func loadAppConfig() *app.AppConfig {
	pflag.String(secret.flagKey, secret.defaultValue, "Secret verifying identity tokens, empty trusts the key query param")
	pflag.Int(port.flagKey, port.defaultValue, "Server port")
	pflag.String(host.flagKey, host.defaultValue, "Server host")
	pflag.String(logLevel.flagKey, logLevel.defaultValue, "Logging level")
	pflag.Int(membersLimit.flagKey, membersLimit.defaultValue, "Maximum number of distinct participants in a room")
	pflag.Duration(presenceTTL.flagKey, presenceTTL.defaultValue, "How long presence outlives a silent hub instance")
	pflag.Duration(pingInterval.flagKey, pingInterval.defaultValue, "Interval between websocket pings")
	pflag.Int(redisPort.flagKey, redisPort.defaultValue, "Redis port")
	pflag.String(redisHost.flagKey, redisHost.defaultValue, "Redis host")
	pflag.String(redisPassword.flagKey, redisPassword.defaultValue, "Redis password")
	pflag.Parse()

	viper.BindPFlags(pflag.CommandLine)

	viper.BindEnv(secret.flagKey, secret.envKey)
	viper.BindEnv(port.flagKey, port.envKey)
	viper.BindEnv(host.flagKey, host.envKey)
	viper.BindEnv(logLevel.flagKey, logLevel.envKey)
	viper.BindEnv(membersLimit.flagKey, membersLimit.envKey)
	viper.BindEnv(presenceTTL.flagKey, presenceTTL.envKey)
	viper.BindEnv(pingInterval.flagKey, pingInterval.envKey)
	viper.BindEnv(redisPort.flagKey, redisPort.envKey)
	viper.BindEnv(redisHost.flagKey, redisHost.envKey)
	viper.BindEnv(redisPassword.flagKey, redisPassword.envKey)

	viper.SetDefault(secret.flagKey, secret.defaultValue)
	viper.SetDefault(port.flagKey, port.defaultValue)
	viper.SetDefault(host.flagKey, host.defaultValue)
	viper.SetDefault(logLevel.flagKey, logLevel.defaultValue)
	viper.SetDefault(membersLimit.flagKey, membersLimit.defaultValue)
	viper.SetDefault(presenceTTL.flagKey, presenceTTL.defaultValue)
	viper.SetDefault(pingInterval.flagKey, pingInterval.defaultValue)
	viper.SetDefault(redisPort.flagKey, redisPort.defaultValue)
	viper.SetDefault(redisHost.flagKey, redisHost.defaultValue)
	viper.SetDefault(redisPassword.flagKey, redisPassword.defaultValue)

	config := &app.AppConfig{
		Secret:        viper.GetString(secret.flagKey),
		Host:          viper.GetString(host.flagKey),
		Port:          viper.GetInt(port.flagKey),
		LogLevel:      strings.ToUpper(viper.GetString(logLevel.flagKey)),
		MembersLimit:  viper.GetInt(membersLimit.flagKey),
		PresenceTTL:   viper.GetDuration(presenceTTL.flagKey),
		PingInterval:  viper.GetDuration(pingInterval.flagKey),
		RedisPort:     viper.GetInt(redisPort.flagKey),
		RedisHost:     viper.GetString(redisHost.flagKey),
		RedisPassword: viper.GetString(redisPassword.flagKey),
	}

	return config
}

func main() {
	ctx := context.Background()

	appConfig := loadAppConfig()

	jsonConfig, _ := json.MarshalIndent(appConfig, "", "  ")
	fmt.Printf("starting app with config: %s\n", jsonConfig)

	log.Fatal(app.Run(ctx, appConfig))
}
